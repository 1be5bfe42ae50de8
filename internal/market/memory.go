package market

import (
	"fmt"
	"log/slog"
	"sync"

	"microgrid-sim/pkg/types"
)

// ExternalPriceSource is the slice of the external grid the memory needs:
// the current price of a slot and the hourly price history leading up to it.
type ExternalPriceSource interface {
	Price(s types.Schedule) (float64, error)
	History(s types.Schedule) []float64
}

// PriceForecaster extends a price series n steps into the future.
// The returned slice has exactly n entries when err is nil.
type PriceForecaster interface {
	Forecast(series []float64, n int) ([]float64, error)
}

// TrajectoryProjector extends the current slot's ratio and price vectors in
// place from index round onward, fitted on the previous slot's trajectory.
// Degenerate inputs leave the current vectors untouched.
type TrajectoryProjector interface {
	Project(preRatio, prePrices, currRatio, currPrices []float64, round int)
}

// Memory is the market information store, keyed by slot. Readers share the
// record pointer within a slot, and every mutation of a stored record goes
// through the memory's lock, so Snapshot may run from another goroutine.
type Memory struct {
	logger    *slog.Logger
	rounds    int
	external  ExternalPriceSource
	forecast  PriceForecaster
	projector TrajectoryProjector

	mu      sync.RWMutex
	records map[types.Schedule]*Info
}

// NewMemory builds a memory producing records with the given number of
// auction rounds per slot.
func NewMemory(logger *slog.Logger, rounds int, external ExternalPriceSource, forecast PriceForecaster, projector TrajectoryProjector) *Memory {
	return &Memory{
		logger:    logger.With("component", "memory"),
		rounds:    rounds,
		external:  external,
		forecast:  forecast,
		projector: projector,
		records:   make(map[types.Schedule]*Info),
	}
}

// Rounds returns the number of auction rounds each record is sized for.
func (m *Memory) Rounds() int { return m.rounds }

// View returns the record for s, predicting and storing one on miss.
func (m *Memory) View(s types.Schedule) (*Info, error) {
	m.mu.RLock()
	rec, ok := m.records[s]
	m.mu.RUnlock()
	if ok {
		return rec, nil
	}

	rec, err := m.Predict(s)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.records[s] = rec
	m.mu.Unlock()
	return rec, nil
}

// BeginRound returns the record for s with the round counter and the
// terminal flag set, creating the record on miss like View. The counters are
// written under the memory's lock so concurrent snapshots always see a
// consistent record.
func (m *Memory) BeginRound(s types.Schedule, round int, last bool) (*Info, error) {
	rec, err := m.View(s)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	rec.Round = round
	rec.Last = last
	m.mu.Unlock()
	return rec, nil
}

// ObserveRatio writes the supply/demand ratio observed at the start of the
// given round into the slot record. Unknown slots and out-of-range rounds
// are dropped.
func (m *Memory) ObserveRatio(s types.Schedule, round int, ratio float64) {
	rec, ok := m.Peek(s)
	if !ok {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if i := round - 1; i >= 0 && i < len(rec.SupplyDemandRatio) {
		rec.SupplyDemandRatio[i] = ratio
	}
}

// Peek returns the stored record for s without creating one.
func (m *Memory) Peek(s types.Schedule) (*Info, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[s]
	return rec, ok
}

// Predict constructs a fresh record for s. Round vectors are carried over
// from the predecessor slot when one is on record, otherwise seeded neutral.
// The external price of the day is history up to and including s.Hour plus a
// forecast for the remaining hours.
func (m *Memory) Predict(s types.Schedule) (*Info, error) {
	rec := newSeedInfo(m.rounds)
	if s.HasPre() {
		if pre, ok := m.Peek(s.Pre()); ok {
			copy(rec.Prices, pre.Prices)
			copy(rec.Amounts, pre.Amounts)
			copy(rec.SupplyDemandRatio, pre.SupplyDemandRatio)
		}
	}

	price, err := m.external.Price(s)
	if err != nil {
		return nil, fmt.Errorf("predict %s: %w", s, err)
	}
	rec.ExternalPriceHour = price

	history := m.external.History(s)
	steps := types.HoursPerDay - (s.Hour + 1)
	forecast := m.forecastOrHold(history, steps, s)

	day := make([]float64, 0, types.HoursPerDay)
	day = append(day, history[len(history)-(s.Hour+1):]...)
	day = append(day, forecast...)
	rec.ExternalPriceDay = day
	return rec, nil
}

// forecastOrHold runs the price forecaster and falls back to holding the
// last observed price flat when the forecaster cannot produce a result.
func (m *Memory) forecastOrHold(history []float64, steps int, s types.Schedule) []float64 {
	if steps <= 0 {
		return nil
	}
	forecast, err := m.forecast.Forecast(history, steps)
	if err == nil && len(forecast) == steps {
		return forecast
	}
	if err != nil {
		m.logger.Warn("price forecast unavailable, holding last price",
			"slot", s.String(), "history_len", len(history), "err", err)
	}
	var hold float64
	if len(history) > 0 {
		hold = history[len(history)-1]
	}
	flat := make([]float64, steps)
	for i := range flat {
		flat[i] = hold
	}
	return flat
}

// Adjust projects the current slot's ratio and price trajectories forward
// from the predecessor's. A no-op in round 1 or when no predecessor record
// exists.
func (m *Memory) Adjust(s types.Schedule, round int) {
	if round <= 1 || !s.HasPre() {
		return
	}
	pre, ok := m.Peek(s.Pre())
	if !ok {
		return
	}
	cur, ok := m.Peek(s)
	if !ok {
		return
	}
	m.mu.Lock()
	m.projector.Project(pre.SupplyDemandRatio, pre.Prices, cur.SupplyDemandRatio, cur.Prices, round)
	m.mu.Unlock()
}

// Record folds a round's executed trades into the slot record: trades are
// appended to the history and the round's price becomes the volume-weighted
// average. In the last round, settlement happens in several waves, so the
// new trades are merged with what the round already holds.
func (m *Memory) Record(s types.Schedule, trades []types.Trade) {
	if len(trades) == 0 {
		return
	}
	rec, ok := m.Peek(s)
	if !ok {
		m.logger.Warn("record for unknown slot dropped", "slot", s.String())
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	rec.Trades = append(rec.Trades, trades...)

	var volume, weighted float64
	for _, t := range trades {
		volume += t.Amount
		weighted += t.Amount * t.Price
	}

	i := rec.Round - 1
	if i < 0 || i >= len(rec.Prices) {
		m.logger.Warn("round index out of range", "slot", s.String(), "round", rec.Round)
		return
	}
	if rec.Last {
		volume += rec.Amounts[i]
		weighted += rec.Amounts[i] * rec.Prices[i]
	}
	if volume <= 0 {
		return
	}
	rec.Prices[i] = weighted / volume
	rec.Amounts[i] = volume
}

// Snapshot returns deep copies of every stored record, for the dashboard.
func (m *Memory) Snapshot() map[string]*Info {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]*Info, len(m.records))
	for s, rec := range m.records {
		out[s.String()] = rec.Clone()
	}
	return out
}
