package forecast

import "math"

// Projector extends a slot's supply/demand-ratio and price vectors forward
// from the previous slot's observed trajectory. Two univariate least-squares
// fits drive it: the next ratio as a function of the current ratio, and the
// price as a function of the ratio.
type Projector struct{}

func NewProjector() *Projector { return &Projector{} }

// Project fits on (preRatio, prePrices) and autoregressively fills
// currRatio[round..] and currPrices[round..] in place. Projected values are
// clamped to be non-negative. If either fit is degenerate (too few points or
// a constant regressor), nothing is mutated.
func (p *Projector) Project(preRatio, prePrices, currRatio, currPrices []float64, round int) {
	n := len(preRatio)
	if n < 2 || len(prePrices) != n || len(currRatio) != n || len(currPrices) != n {
		return
	}
	if round < 1 || round >= n {
		return
	}

	// ratio[t+1] as a function of ratio[t]
	ratioSlope, ratioIcept, ok := olsFit(preRatio[:n-1], preRatio[1:])
	if !ok {
		return
	}
	// price[t+1] as a function of ratio[t+1]
	priceSlope, priceIcept, ok := olsFit(preRatio[1:], prePrices[1:])
	if !ok {
		return
	}

	for i := round; i < n; i++ {
		ratio := ratioSlope*currRatio[i-1] + ratioIcept
		if ratio < 0 {
			ratio = 0
		}
		price := priceSlope*ratio + priceIcept
		if price < 0 {
			price = 0
		}
		currRatio[i] = ratio
		currPrices[i] = price
	}
}

// olsFit is simple least squares of y on x. ok is false when fewer than two
// points exist, x has no variance, or the fit is not finite.
func olsFit(x, y []float64) (slope, intercept float64, ok bool) {
	n := len(x)
	if n < 2 || len(y) != n {
		return 0, 0, false
	}

	var sumX, sumY float64
	for i := 0; i < n; i++ {
		sumX += x[i]
		sumY += y[i]
	}
	meanX := sumX / float64(n)
	meanY := sumY / float64(n)

	var sxx, sxy float64
	for i := 0; i < n; i++ {
		dx := x[i] - meanX
		sxx += dx * dx
		sxy += dx * (y[i] - meanY)
	}
	if sxx == 0 {
		return 0, 0, false
	}
	slope = sxy / sxx
	intercept = meanY - slope*meanX
	if math.IsNaN(slope) || math.IsInf(slope, 0) || math.IsNaN(intercept) || math.IsInf(intercept, 0) {
		return 0, 0, false
	}
	return slope, intercept, true
}
