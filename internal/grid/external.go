package grid

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/shopspring/decimal"

	"microgrid-sim/pkg/types"
)

var (
	// ErrUnknownDevice marks a trade referencing a device ID that was never
	// registered. The trade is dropped and the slot continues.
	ErrUnknownDevice = errors.New("unknown device")

	// ErrScheduleOutOfRange marks a slot outside the loaded price table.
	// There is no sensible recovery, the run aborts.
	ErrScheduleOutOfRange = errors.New("schedule out of price table range")
)

// HistoryDays is the number of days of price history assumed to precede
// weekday 0 of the simulation in the loaded price table.
const HistoryDays = 14

// ExternalGrid is the infinite-supply fallback. It prices energy from a
// day-by-hour table and keeps a per-consumer bill ledger. The table carries
// HistoryDays days of history before the simulated weekdays, so weekday w
// reads row w+HistoryDays.
//
// Bills are money, so they accumulate in decimal rather than float.
type ExternalGrid struct {
	id     string
	prices [][types.HoursPerDay]float64
	offset int

	mu    sync.RWMutex
	bills map[string]decimal.Decimal
}

// NewExternalGrid creates the fallback grid over the given price table.
// The table holds one row per day, history rows first.
func NewExternalGrid(id string, prices [][types.HoursPerDay]float64) *ExternalGrid {
	return &ExternalGrid{
		id:     id,
		prices: prices,
		offset: HistoryDays,
		bills:  make(map[string]decimal.Decimal),
	}
}

// NewExternalGridWithOffset is NewExternalGrid with an explicit history
// offset, for tables that carry fewer or more than two weeks of history.
func NewExternalGridWithOffset(id string, prices [][types.HoursPerDay]float64, offset int) *ExternalGrid {
	g := NewExternalGrid(id, prices)
	g.offset = offset
	return g
}

func (g *ExternalGrid) ID() string { return g.id }

// Price returns the external price for the slot, or ErrScheduleOutOfRange
// when the slot's day is not covered by the table.
func (g *ExternalGrid) Price(s types.Schedule) (float64, error) {
	day := s.Weekday + g.offset
	if s.Weekday < 0 || s.Hour < 0 || s.Hour >= types.HoursPerDay || day >= len(g.prices) {
		return 0, fmt.Errorf("%w: %s (table has %d days, offset %d)",
			ErrScheduleOutOfRange, s, len(g.prices), g.offset)
	}
	return g.prices[day][s.Hour], nil
}

// History returns every hourly price strictly before s, followed by the
// current day's prices through s.Hour inclusive. The day index is clamped to
// the table so short tables degrade instead of panicking.
func (g *ExternalGrid) History(s types.Schedule) []float64 {
	day := s.Weekday + g.offset
	if day >= len(g.prices) {
		day = len(g.prices) - 1
	}
	if day < 0 {
		return nil
	}
	out := make([]float64, 0, day*types.HoursPerDay+s.Hour+1)
	for d := 0; d < day; d++ {
		out = append(out, g.prices[d][:]...)
	}
	out = append(out, g.prices[day][:s.Hour+1]...)
	return out
}

// Allocate bills the consumer for amount at the slot price and returns the
// delivered amount. Supply is unbounded, so delivery always equals amount.
func (g *ExternalGrid) Allocate(consumer string, amount float64, s types.Schedule) (float64, error) {
	price, err := g.Price(s)
	if err != nil {
		return 0, err
	}
	cost := decimal.NewFromFloat(amount).Mul(decimal.NewFromFloat(price))

	g.mu.Lock()
	g.bills[consumer] = g.bills[consumer].Add(cost)
	g.mu.Unlock()
	return amount, nil
}

// Bill returns the consumer's cumulative external cost.
func (g *ExternalGrid) Bill(consumer string) decimal.Decimal {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.bills[consumer]
}

// Bills returns a copy of the full ledger.
func (g *ExternalGrid) Bills() map[string]decimal.Decimal {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make(map[string]decimal.Decimal, len(g.bills))
	for k, v := range g.bills {
		out[k] = v
	}
	return out
}

// Device interface: the external grid never runs dry and never consumes.

func (g *ExternalGrid) Supply(types.Schedule) float64 { return math.MaxFloat64 }

func (g *ExternalGrid) Demand(types.Schedule) float64 { return 0 }

func (g *ExternalGrid) Charge(types.Schedule, float64) {}

func (g *ExternalGrid) Discharge(_ types.Schedule, amount float64) float64 { return amount }

func (g *ExternalGrid) Mode() types.DeviceMode { return types.ModePersist }

func (g *ExternalGrid) EnergyMode() types.EnergyMode { return types.Producer }
