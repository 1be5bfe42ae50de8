// Package auction runs the per-slot double auction: notify participants,
// collect offers, match supply against demand over bounded rounds, and close
// the books through storage and the external grid.
package auction

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"

	"microgrid-sim/internal/grid"
	"microgrid-sim/internal/market"
	"microgrid-sim/pkg/types"
)

// DefaultMaxRounds bounds the auction rounds per slot.
const DefaultMaxRounds = 5

// DefaultESSPriceRatio prices storage-sourced residual energy relative to
// the external grid.
const DefaultESSPriceRatio = 0.9

// Trader is a market actor from the engine's point of view. Participants
// implement it; tests script it.
type Trader interface {
	ID() string
	OnNotify(s types.Schedule, view *market.Info)
	Offers(s types.Schedule) (supply, demand, selfTrades []types.Trade, err error)
}

// SlotReport summarizes one closed slot for observers.
type SlotReport struct {
	Slot      types.Schedule `json:"slot"`
	Rounds    int            `json:"rounds"`
	Trades    int            `json:"trades"`
	Flows     grid.Flows     `json:"flows"`
	ESSEnergy float64        `json:"ess_energy"`
}

// SlotObserver is notified after every slot closes.
type SlotObserver interface {
	SlotClosed(SlotReport)
}

// Config tunes the engine.
type Config struct {
	MaxRounds     int
	ESSPriceRatio float64
}

func (c Config) withDefaults() Config {
	if c.MaxRounds <= 0 {
		c.MaxRounds = DefaultMaxRounds
	}
	if c.ESSPriceRatio <= 0 {
		c.ESSPriceRatio = DefaultESSPriceRatio
	}
	return c
}

// Engine drives the simulation slot by slot. Slots are strictly sequential:
// the memory record of a slot feeds the prediction for the next one.
type Engine struct {
	logger    *slog.Logger
	cfg       Config
	memory    *market.Memory
	microgrid *grid.Microgrid
	traders   []Trader
	observer  SlotObserver
}

// NewEngine builds an engine over the given traders. Traders are kept
// sorted by ID so offer collection is deterministic. observer may be nil.
func NewEngine(logger *slog.Logger, cfg Config, memory *market.Memory, mg *grid.Microgrid, observer SlotObserver, traders ...Trader) *Engine {
	sorted := append([]Trader(nil), traders...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID() < sorted[j].ID() })
	return &Engine{
		logger:    logger.With("component", "auction"),
		cfg:       cfg.withDefaults(),
		memory:    memory,
		microgrid: mg,
		traders:   sorted,
		observer:  observer,
	}
}

// RunRange processes every slot from first to last inclusive, in slot order.
func (e *Engine) RunRange(ctx context.Context, first, last types.Schedule) error {
	for s := first; ; s = next(s) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err := e.RunSlot(s); err != nil {
			return fmt.Errorf("slot %s: %w", s, err)
		}
		if s == last {
			return nil
		}
	}
}

// RunDays runs full days starting at weekday 0.
func (e *Engine) RunDays(ctx context.Context, days int) error {
	if days <= 0 {
		return nil
	}
	return e.RunRange(ctx,
		types.Schedule{Weekday: 0, Hour: 0},
		types.Schedule{Weekday: days - 1, Hour: types.HoursPerDay - 1})
}

func next(s types.Schedule) types.Schedule {
	if s.Hour+1 < types.HoursPerDay {
		return types.Schedule{Weekday: s.Weekday, Hour: s.Hour + 1}
	}
	return types.Schedule{Weekday: s.Weekday + 1, Hour: 0}
}

// RunSlot clears one slot: up to MaxRounds auction rounds, then residual
// settlement. The slot is atomic; only an out-of-range schedule aborts it.
func (e *Engine) RunSlot(s types.Schedule) error {
	e.microgrid.ResetSlot()

	ceiling, err := e.microgrid.External().Price(s)
	if err != nil {
		return err
	}

	var supply, demand []types.Trade
	rounds := 0
	for round := 1; ; round++ {
		rounds = round
		last := round >= e.cfg.MaxRounds

		view, err := e.memory.BeginRound(s, round, last)
		if err != nil {
			return err
		}
		for _, t := range e.traders {
			t.OnNotify(s, view)
		}
		e.memory.Adjust(s, round)

		supply, demand, err = e.collectOffers(s, round)
		if err != nil {
			return err
		}
		if len(supply) == 0 || len(demand) == 0 {
			e.logger.Debug("book one-sided, closing early",
				"slot", s.String(), "round", round,
				"supply", len(supply), "demand", len(demand))
			break
		}

		sortBook(supply, demand)
		var trades []types.Trade
		trades, supply, demand = match(supply, demand, last, ceiling)

		delivered, err := e.microgrid.Distribute(trades, s)
		if err != nil {
			return err
		}
		e.memory.Record(s, delivered)
		e.logger.Debug("round cleared", "slot", s.String(), "round", round,
			"trades", len(delivered), "last", last)

		if last {
			break
		}
	}

	if err := e.finalize(s, supply, demand); err != nil {
		return err
	}

	if e.observer != nil {
		report := SlotReport{
			Slot:      s,
			Rounds:    rounds,
			Flows:     e.microgrid.SlotFlows(),
			ESSEnergy: e.microgrid.ESS().Energy(),
		}
		if rec, ok := e.memory.Peek(s); ok {
			report.Trades = len(rec.Trades)
		}
		e.observer.SlotClosed(report)
	}
	return nil
}

// collectOffers gathers offers from every trader, routes self-use trades
// through distribution, and writes the observed supply/demand ratio into the
// round's slot of the market record. The coupling is deliberate: the
// recorded ratio must reflect exactly what went to market this round.
func (e *Engine) collectOffers(s types.Schedule, round int) (supply, demand []types.Trade, err error) {
	var totalSupply, totalDemand float64
	for _, t := range e.traders {
		sup, dem, selfTrades, err := t.Offers(s)
		if err != nil {
			e.logger.Warn("trader offers failed, skipping", "trader", t.ID(), "err", err)
			continue
		}
		if len(selfTrades) > 0 {
			if _, err := e.microgrid.Distribute(selfTrades, s); err != nil {
				return nil, nil, err
			}
		}
		for _, o := range sup {
			totalSupply += o.Amount
		}
		for _, o := range dem {
			totalDemand += o.Amount
		}
		supply = append(supply, sup...)
		demand = append(demand, dem...)
	}

	var ratio float64
	if totalSupply > 0 && totalDemand > 0 {
		ratio = totalSupply / totalDemand
	}
	e.memory.ObserveRatio(s, round, ratio)
	return supply, demand, nil
}

// sortBook orders supply ascending and demand descending by price. Ties keep
// collection order, which is fixed by the trader sort, so runs are
// reproducible.
func sortBook(supply, demand []types.Trade) {
	sort.SliceStable(supply, func(i, j int) bool { return supply[i].Price < supply[j].Price })
	sort.SliceStable(demand, func(i, j int) bool { return demand[i].Price > demand[j].Price })
}

// match clears the sorted book head against head. Crossed offers clear at
// the midpoint; in the settlement round uncrossed pairs still clear at the
// supply price. Matching stops at the external price ceiling and returns
// whatever is left on both sides.
func match(supply, demand []types.Trade, last bool, ceiling float64) (trades, remSupply, remDemand []types.Trade) {
	remSupply = append([]types.Trade(nil), supply...)
	remDemand = append([]types.Trade(nil), demand...)

	for len(remSupply) > 0 && len(remDemand) > 0 {
		s, d := remSupply[0], remDemand[0]
		if s.Price >= ceiling {
			break
		}

		var price float64
		switch {
		case s.Price <= d.Price:
			price = (s.Price + d.Price) / 2
		case last:
			price = s.Price
		default:
			return trades, remSupply, remDemand
		}

		amount := math.Min(s.Amount, d.Amount)
		trades = append(trades, types.Trade{
			Amount:           amount,
			Price:            price,
			SupplierID:       s.SupplierID,
			SupplierDeviceID: s.SupplierDeviceID,
			ConsumerID:       d.ConsumerID,
			ConsumerDeviceID: d.ConsumerDeviceID,
			Mode:             types.ModeMarket,
		})

		if s.Amount <= amount {
			remSupply = remSupply[1:]
		} else {
			remSupply[0] = s.WithAmount(s.Amount - amount)
		}
		if d.Amount <= amount {
			remDemand = remDemand[1:]
		} else {
			remDemand[0] = d.WithAmount(d.Amount - amount)
		}
	}
	return trades, remSupply, remDemand
}

// finalize closes the books: leftover supply charges the storage at price
// zero, leftover demand draws from storage first and the external grid once
// storage runs dry.
func (e *Engine) finalize(s types.Schedule, residualSupply, residualDemand []types.Trade) error {
	ess := e.microgrid.ESS()

	if len(residualSupply) > 0 {
		toStorage := make([]types.Trade, 0, len(residualSupply))
		for _, o := range residualSupply {
			toStorage = append(toStorage, types.Trade{
				Amount:           o.Amount,
				Price:            0,
				SupplierID:       o.SupplierID,
				SupplierDeviceID: o.SupplierDeviceID,
				ConsumerID:       ess.ID(),
				ConsumerDeviceID: ess.ID(),
				Mode:             types.ModeToESS,
			})
		}
		delivered, err := e.microgrid.Distribute(toStorage, s)
		if err != nil {
			return err
		}
		e.memory.Record(s, delivered)
	}

	if len(residualDemand) == 0 {
		return nil
	}
	sources, err := e.microgrid.ResidualSupply(s, e.cfg.ESSPriceRatio)
	if err != nil {
		return err
	}

	var settled []types.Trade
	idx := 0
	for _, d := range residualDemand {
		need := d.Amount
		for need > 0 && idx < len(sources) {
			src := &sources[idx]
			if src.Amount <= 0 {
				idx++
				continue
			}
			amount := math.Min(need, src.Amount)
			delivered, err := e.microgrid.Distribute([]types.Trade{{
				Amount:           amount,
				Price:            src.Price,
				SupplierID:       src.SupplierID,
				SupplierDeviceID: src.SupplierDeviceID,
				ConsumerID:       d.ConsumerID,
				ConsumerDeviceID: d.ConsumerDeviceID,
				Mode:             src.Mode,
			}}, s)
			if err != nil {
				return err
			}
			var flow float64
			if len(delivered) > 0 {
				flow = delivered[0].Amount
				settled = append(settled, delivered[0])
			}
			need -= flow
			src.Amount -= flow
			if flow < amount {
				// source came up short, move to the next one
				idx++
			}
		}
	}
	e.memory.Record(s, settled)
	return nil
}
