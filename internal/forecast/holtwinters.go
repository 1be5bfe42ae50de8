// Package forecast provides the two predictors the market memory depends
// on: a Holt-Winters price forecaster for the external grid's hourly price
// series and a linear projector for the intra-slot ratio/price trajectory.
package forecast

import (
	"errors"
	"fmt"
	"math"
)

// ErrSeriesTooShort is returned when a series cannot support the seasonal
// initialization (fewer than two full periods of data).
var ErrSeriesTooShort = errors.New("series too short for seasonal fit")

// WeeklyPeriod is the default seasonal period for hourly series: 7×24.
const WeeklyPeriod = 168

// HoltWinters is a triple exponential smoother with additive trend and
// additive seasonality. Smoothing constants are fixed rather than fitted;
// the defaults weight the level moderately and keep trend and season slow.
type HoltWinters struct {
	Period int
	Alpha  float64 // level
	Beta   float64 // trend
	Gamma  float64 // season
}

// NewHoltWinters returns a smoother with the given seasonal period and
// default smoothing constants.
func NewHoltWinters(period int) *HoltWinters {
	return &HoltWinters{Period: period, Alpha: 0.3, Beta: 0.05, Gamma: 0.1}
}

// Forecast extends series by n steps. The series must cover at least two
// full periods. Forecasts are clamped to be non-negative and finite.
func (hw *HoltWinters) Forecast(series []float64, n int) ([]float64, error) {
	if n <= 0 {
		return nil, nil
	}
	m := hw.Period
	if m < 1 {
		return nil, fmt.Errorf("invalid seasonal period %d", m)
	}
	if len(series) < 2*m {
		return nil, fmt.Errorf("%w: have %d points, need %d", ErrSeriesTooShort, len(series), 2*m)
	}

	level, trend, season := hw.initState(series)

	for t := m; t < len(series); t++ {
		x := series[t]
		sIdx := t % m
		prevLevel := level
		level = hw.Alpha*(x-season[sIdx]) + (1-hw.Alpha)*(level+trend)
		trend = hw.Beta*(level-prevLevel) + (1-hw.Beta)*trend
		season[sIdx] = hw.Gamma*(x-level) + (1-hw.Gamma)*season[sIdx]
	}

	out := make([]float64, n)
	for h := 1; h <= n; h++ {
		v := level + float64(h)*trend + season[(len(series)+h-1)%m]
		if v < 0 || math.IsNaN(v) {
			v = 0
		}
		out[h-1] = v
	}
	return out, nil
}

// initState seeds level, trend and the seasonal profile from the first two
// periods of the series.
func (hw *HoltWinters) initState(series []float64) (level, trend float64, season []float64) {
	m := hw.Period

	var sum float64
	for _, v := range series[:m] {
		sum += v
	}
	level = sum / float64(m)

	for i := 0; i < m; i++ {
		trend += (series[m+i] - series[i]) / float64(m)
	}
	trend /= float64(m)

	season = make([]float64, m)
	for i := 0; i < m; i++ {
		season[i] = series[i] - level
	}
	return level, trend, season
}
