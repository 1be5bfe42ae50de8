// Package market holds the per-slot market information records and the
// memory that creates, predicts, and updates them across the simulation.
package market

import (
	"microgrid-sim/pkg/types"
)

// Info is the market information for one (weekday, hour) slot. One instance
// exists per slot; the memory hands out the same pointer to every reader of
// a slot, so ratio updates made during offer collection are visible when the
// round is recorded. Stored records are mutated only through the Memory.
//
// Prices, Amounts and SupplyDemandRatio are indexed by round (0-based, one
// entry per round). ExternalPriceDay always has 24 entries: the prefix
// through the slot's hour is history, the suffix is forecast.
type Info struct {
	Prices            []float64     `json:"prices"`
	Amounts           []float64     `json:"amounts"`
	SupplyDemandRatio []float64     `json:"supply_demand_ratio"`
	ExternalPriceHour float64       `json:"external_price_hour"`
	ExternalPriceDay  []float64     `json:"external_price_day"`
	Trades            []types.Trade `json:"trades"`
	Round             int           `json:"round"` // 1-based
	Last              bool          `json:"last"`
}

// newSeedInfo returns a record with zeroed prices and volumes and a neutral
// supply/demand ratio of 1 in every round.
func newSeedInfo(rounds int) *Info {
	ratio := make([]float64, rounds)
	for i := range ratio {
		ratio[i] = 1
	}
	return &Info{
		Prices:            make([]float64, rounds),
		Amounts:           make([]float64, rounds),
		SupplyDemandRatio: ratio,
	}
}

// Clone returns a deep copy. Used at API boundaries so dashboard snapshots
// never alias live records.
func (in *Info) Clone() *Info {
	out := &Info{
		ExternalPriceHour: in.ExternalPriceHour,
		Round:             in.Round,
		Last:              in.Last,
	}
	out.Prices = append([]float64(nil), in.Prices...)
	out.Amounts = append([]float64(nil), in.Amounts...)
	out.SupplyDemandRatio = append([]float64(nil), in.SupplyDemandRatio...)
	out.ExternalPriceDay = append([]float64(nil), in.ExternalPriceDay...)
	out.Trades = append([]types.Trade(nil), in.Trades...)
	return out
}
