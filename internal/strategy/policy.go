// Package strategy implements participant behavior: how market views turn
// into priced supply and demand offers, and how a participant nets its own
// supply against its own demand before going to market.
package strategy

// DefaultFactor is the default bidding aggressiveness.
const DefaultFactor = 0.1

// Policy prices a participant's offers from the market forecast and its own
// supply/demand balance. A participant long on supply relative to the market
// undercuts on both sides; a short participant raises both.
type Policy struct {
	Factor float64
}

func NewPolicy(factor float64) Policy {
	if factor == 0 {
		factor = DefaultFactor
	}
	return Policy{Factor: factor}
}

// Quote returns the (sell, buy) price pair for the round. predictedRatio and
// predictedPrice come from the market view; selfRatio is the participant's
// own supply over demand.
func (p Policy) Quote(predictedRatio, predictedPrice, selfRatio float64) (sell, buy float64) {
	delta := 1.0
	if predictedRatio > 0 {
		delta = selfRatio / predictedRatio
	}
	sell = predictedPrice * (1 + p.Factor*(1-delta))
	buy = predictedPrice * (1 - p.Factor*(1-delta))
	return sell, buy
}
