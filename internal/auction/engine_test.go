package auction

import (
	"context"
	"log/slog"
	"os"
	"reflect"
	"testing"

	"microgrid-sim/internal/grid"
	"microgrid-sim/internal/market"
	"microgrid-sim/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func supplyOffer(id, dev string, amount, price float64) types.Trade {
	return types.Trade{Amount: amount, Price: price, SupplierID: id, SupplierDeviceID: dev, Mode: types.ModeMarket}
}

func demandOffer(id, dev string, amount, price float64) types.Trade {
	return types.Trade{Amount: amount, Price: price, ConsumerID: id, ConsumerDeviceID: dev, Mode: types.ModeMarket}
}

func TestMatchSymmetric(t *testing.T) {
	t.Parallel()
	trades, remS, remD := match(
		[]types.Trade{supplyOffer("u1", "pv", 10, 20)},
		[]types.Trade{demandOffer("u2", "hh", 10, 40)},
		true, 50)

	if len(trades) != 1 {
		t.Fatalf("trades = %+v, want one", trades)
	}
	if trades[0].Amount != 10 || trades[0].Price != 30 {
		t.Errorf("trade = %+v, want 10 @ 30", trades[0])
	}
	if trades[0].Mode != types.ModeMarket {
		t.Errorf("mode = %v, want MARKET", trades[0].Mode)
	}
	if len(remS) != 0 || len(remD) != 0 {
		t.Errorf("residuals = %v / %v, want empty", remS, remD)
	}
}

func TestMatchNoCrossNotLast(t *testing.T) {
	t.Parallel()
	trades, remS, remD := match(
		[]types.Trade{supplyOffer("u1", "pv", 5, 35)},
		[]types.Trade{demandOffer("u2", "hh", 5, 30)},
		false, 50)

	if len(trades) != 0 {
		t.Errorf("uncrossed non-settlement round must not trade: %+v", trades)
	}
	if len(remS) != 1 || len(remD) != 1 {
		t.Errorf("both sides must remain: %v / %v", remS, remD)
	}
}

func TestMatchSettlementAtSupplyPrice(t *testing.T) {
	t.Parallel()
	trades, _, _ := match(
		[]types.Trade{supplyOffer("u1", "pv", 5, 35)},
		[]types.Trade{demandOffer("u2", "hh", 5, 30)},
		true, 50)

	if len(trades) != 1 || trades[0].Price != 35 || trades[0].Amount != 5 {
		t.Errorf("trades = %+v, want 5 @ 35", trades)
	}
}

func TestMatchStopsAtCeiling(t *testing.T) {
	t.Parallel()
	trades, remS, remD := match(
		[]types.Trade{supplyOffer("u1", "pv", 3, 60)},
		[]types.Trade{demandOffer("u2", "hh", 3, 80)},
		true, 50)

	if len(trades) != 0 {
		t.Errorf("supply at or above the ceiling must not trade: %+v", trades)
	}
	if len(remS) != 1 || len(remD) != 1 {
		t.Errorf("residuals = %v / %v, want both kept for finalization", remS, remD)
	}
}

func TestMatchPartialFill(t *testing.T) {
	t.Parallel()
	supply := []types.Trade{
		supplyOffer("uA", "pvA", 6, 10),
		supplyOffer("uB", "pvB", 4, 20),
	}
	demand := []types.Trade{demandOffer("uX", "hhX", 5, 40)}

	trades, remS, remD := match(supply, demand, false, 50)
	if len(trades) != 1 {
		t.Fatalf("trades = %+v, want one", trades)
	}
	if trades[0].Amount != 5 || trades[0].Price != 25 {
		t.Errorf("trade = %+v, want 5 @ 25", trades[0])
	}
	if len(remD) != 0 {
		t.Errorf("demand should be exhausted: %v", remD)
	}
	if len(remS) != 2 || remS[0].Amount != 1 || remS[1].Amount != 4 {
		t.Errorf("residual supply = %+v, want A:1 then B:4", remS)
	}
}

func TestMatchPriceWithinOfferBounds(t *testing.T) {
	t.Parallel()
	trades, _, _ := match(
		[]types.Trade{supplyOffer("u1", "pv", 8, 22)},
		[]types.Trade{demandOffer("u2", "hh", 8, 31)},
		false, 50)
	if len(trades) != 1 {
		t.Fatal("expected one trade")
	}
	p := trades[0].Price
	if p < 22 || p > 31 {
		t.Errorf("clearing price %v outside [22, 31]", p)
	}
}

// —————————————————————————————————————————————————————————————————————————
// end-to-end slot runs with scripted traders
// —————————————————————————————————————————————————————————————————————————

// scriptedTrader returns fixed offers every round.
type scriptedTrader struct {
	id     string
	supply []types.Trade
	demand []types.Trade
	selfT  []types.Trade
	views  []*market.Info
}

func (st *scriptedTrader) ID() string { return st.id }

func (st *scriptedTrader) OnNotify(_ types.Schedule, view *market.Info) {
	st.views = append(st.views, view)
}

func (st *scriptedTrader) Offers(types.Schedule) ([]types.Trade, []types.Trade, []types.Trade, error) {
	return st.supply, st.demand, st.selfT, nil
}

type flatForecaster struct{ value float64 }

func (f flatForecaster) Forecast(_ []float64, n int) ([]float64, error) {
	out := make([]float64, n)
	for i := range out {
		out[i] = f.value
	}
	return out, nil
}

type noProjector struct{}

func (noProjector) Project(_, _, _, _ []float64, _ int) {}

type harness struct {
	mg     *grid.Microgrid
	mem    *market.Memory
	flows  []types.FlowRecord
	engine *Engine
}

// newHarness wires a microgrid with a flat external price of 50, an ESS of
// the given capacity/fill, one producer device "pv" and one load "hh", and
// an engine over the given traders.
func newHarness(t *testing.T, cfg Config, essCap, essFill float64, traders ...Trader) *harness {
	t.Helper()
	h := &harness{}

	table := make([][types.HoursPerDay]float64, 1)
	for hr := range table[0] {
		table[0][hr] = 50
	}
	ext := grid.NewExternalGridWithOffset("external", table, 0)
	ess := grid.NewESS("ess", essCap, essFill)
	h.mg = grid.NewMicrogrid(testLogger(), ess, ext,
		grid.FlowSinkFunc(func(r types.FlowRecord) { h.flows = append(h.flows, r) }))

	var out, load [types.HoursPerDay]float64
	out[0] = 1000
	load[0] = 1000
	if err := h.mg.Register(grid.NewProfileSource("pv", out)); err != nil {
		t.Fatal(err)
	}
	if err := h.mg.Register(grid.NewProfileLoad("hh", load, types.ModeImmediate)); err != nil {
		t.Fatal(err)
	}

	h.mem = market.NewMemory(testLogger(), max(cfg.MaxRounds, 1), ext, flatForecaster{value: 50}, noProjector{})
	h.engine = NewEngine(testLogger(), cfg, h.mem, h.mg, nil, traders...)
	return h
}

func TestRunSlotSymmetricMatch(t *testing.T) {
	t.Parallel()
	seller := &scriptedTrader{id: "u1", supply: []types.Trade{supplyOffer("u1", "pv", 10, 20)}}
	buyer := &scriptedTrader{id: "u2", demand: []types.Trade{demandOffer("u2", "hh", 10, 40)}}
	h := newHarness(t, Config{MaxRounds: 1}, 1000, 0.5, seller, buyer)

	s := types.Schedule{}
	if err := h.engine.RunSlot(s); err != nil {
		t.Fatalf("RunSlot: %v", err)
	}

	rec, ok := h.mem.Peek(s)
	if !ok {
		t.Fatal("no record for slot")
	}
	if rec.Prices[0] != 30 || rec.Amounts[0] != 10 {
		t.Errorf("round 0: price=%v amount=%v, want 30/10", rec.Prices[0], rec.Amounts[0])
	}
	if len(rec.Trades) != 1 || rec.Trades[0].Mode != types.ModeMarket {
		t.Errorf("trade list = %+v", rec.Trades)
	}
	// the observed ratio for the round is written back into the record
	if rec.SupplyDemandRatio[0] != 1 {
		t.Errorf("ratio[0] = %v, want 1", rec.SupplyDemandRatio[0])
	}
}

func TestRunSlotLeftoverSupplyToESS(t *testing.T) {
	t.Parallel()
	seller := &scriptedTrader{id: "u1", supply: []types.Trade{supplyOffer("u1", "pv", 8, 20)}}
	h := newHarness(t, Config{MaxRounds: 3}, 1000, 0.5, seller)

	before := h.mg.ESS().Energy()
	if err := h.engine.RunSlot(types.Schedule{}); err != nil {
		t.Fatalf("RunSlot: %v", err)
	}

	if got := h.mg.ESS().Energy() - before; got != 8 {
		t.Errorf("ESS delta = %v, want 8", got)
	}
	rec, _ := h.mem.Peek(types.Schedule{})
	if len(rec.Trades) != 1 || rec.Trades[0].Mode != types.ModeToESS || rec.Trades[0].Price != 0 {
		t.Errorf("trade list = %+v, want one TO_ESS at price 0", rec.Trades)
	}
}

func TestRunSlotResidualDemandESSFirstThenGrid(t *testing.T) {
	t.Parallel()
	buyer := &scriptedTrader{id: "u2", demand: []types.Trade{demandOffer("u2", "hh", 10, 40)}}
	h := newHarness(t, Config{MaxRounds: 2}, 1000, 0.004, buyer) // ESS holds 4

	if err := h.engine.RunSlot(types.Schedule{}); err != nil {
		t.Fatalf("RunSlot: %v", err)
	}

	rec, _ := h.mem.Peek(types.Schedule{})
	if len(rec.Trades) != 2 {
		t.Fatalf("trade list = %+v, want ESS then external", rec.Trades)
	}
	first, second := rec.Trades[0], rec.Trades[1]
	if first.SupplierID != "ess" || first.Amount != 4 || first.Price != 45 {
		t.Errorf("first = %+v, want 4 from ess @ 45", first)
	}
	if first.Mode != types.ModeMarket {
		t.Errorf("storage-sourced trade mode = %v, want MARKET", first.Mode)
	}
	if second.Mode != types.ModeFromExternal || second.Amount != 6 || second.Price != 50 {
		t.Errorf("second = %+v, want 6 from external @ 50", second)
	}
	if h.mg.ESS().Energy() != 0 {
		t.Errorf("ESS should be drained, holds %v", h.mg.ESS().Energy())
	}
	if got := h.mg.External().Bill("u2"); got.IsZero() {
		t.Error("external import must be billed")
	}
}

func TestRunSlotCeilingFallsThroughToFinalization(t *testing.T) {
	t.Parallel()
	seller := &scriptedTrader{id: "u1", supply: []types.Trade{supplyOffer("u1", "pv", 3, 60)}}
	buyer := &scriptedTrader{id: "u2", demand: []types.Trade{demandOffer("u2", "hh", 3, 80)}}
	h := newHarness(t, Config{MaxRounds: 2}, 1000, 0, seller, buyer)

	if err := h.engine.RunSlot(types.Schedule{}); err != nil {
		t.Fatalf("RunSlot: %v", err)
	}

	rec, _ := h.mem.Peek(types.Schedule{})
	for _, tr := range rec.Trades {
		if tr.Mode == types.ModeMarket && tr.SupplierID == "u1" {
			t.Errorf("supply at the ceiling must not clear on the market: %+v", tr)
		}
	}
	// supply went to storage first, so the residual demand drains the ESS
	// before the grid is touched
	flows := h.mg.SlotFlows()
	if flows.ToESS != 3 {
		t.Errorf("flows.ToESS = %v, want 3", flows.ToESS)
	}
	if flows.FromESS != 3 {
		t.Errorf("flows.FromESS = %v, want 3", flows.FromESS)
	}
	if flows.FromGrid != 0 {
		t.Errorf("flows.FromGrid = %v, want 0", flows.FromGrid)
	}
}

func TestRunSlotSelfTradesRouted(t *testing.T) {
	t.Parallel()
	trader := &scriptedTrader{
		id: "u1",
		selfT: []types.Trade{{
			Amount: 2, Price: 20,
			SupplierID: "u1", SupplierDeviceID: "pv",
			ConsumerID: "u1", ConsumerDeviceID: "hh",
			Mode: types.ModeSelfUse,
		}},
	}
	h := newHarness(t, Config{MaxRounds: 1}, 1000, 0.5, trader)

	if err := h.engine.RunSlot(types.Schedule{}); err != nil {
		t.Fatalf("RunSlot: %v", err)
	}

	var selfFlows int
	for _, f := range h.flows {
		if f.Mode == types.ModeSelfUse {
			selfFlows++
		}
	}
	if selfFlows != 1 {
		t.Errorf("self-use flow records = %d, want 1", selfFlows)
	}
	// self-use never enters the market record
	rec, _ := h.mem.Peek(types.Schedule{})
	for _, tr := range rec.Trades {
		if tr.Mode == types.ModeSelfUse {
			t.Errorf("self-use trade leaked into the market record: %+v", tr)
		}
	}
}

func TestRunSlotEnergyConservation(t *testing.T) {
	t.Parallel()
	seller := &scriptedTrader{id: "u1", supply: []types.Trade{supplyOffer("u1", "pv", 12, 20)}}
	buyer := &scriptedTrader{id: "u2", demand: []types.Trade{demandOffer("u2", "hh", 7, 40)}}
	h := newHarness(t, Config{MaxRounds: 1}, 1000, 0.5, seller, buyer)

	if err := h.engine.RunSlot(types.Schedule{}); err != nil {
		t.Fatalf("RunSlot: %v", err)
	}
	flows := h.mg.SlotFlows()
	in := flows.FromProducers + flows.FromESS + flows.FromGrid
	out := flows.ToConsumers + flows.ToESS
	if in != out {
		t.Errorf("energy not conserved: in=%v out=%v", in, out)
	}
}

func TestRunSlotDeterministic(t *testing.T) {
	t.Parallel()
	run := func() []types.Trade {
		seller := &scriptedTrader{id: "u1", supply: []types.Trade{
			supplyOffer("u1", "pv", 6, 20),
			supplyOffer("u1", "pv", 4, 20), // tie on price
		}}
		buyer := &scriptedTrader{id: "u2", demand: []types.Trade{demandOffer("u2", "hh", 8, 40)}}
		h := newHarness(t, Config{MaxRounds: 2}, 1000, 0.5, seller, buyer)
		if err := h.engine.RunSlot(types.Schedule{}); err != nil {
			t.Fatalf("RunSlot: %v", err)
		}
		rec, _ := h.mem.Peek(types.Schedule{})
		return rec.Trades
	}

	first := run()
	second := run()
	if !reflect.DeepEqual(first, second) {
		t.Errorf("runs diverged:\n%+v\n%+v", first, second)
	}
}

func TestRunRangeOrderAndCancel(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{MaxRounds: 1}, 1000, 0.5)

	if err := h.engine.RunRange(context.Background(),
		types.Schedule{Weekday: 0, Hour: 0}, types.Schedule{Weekday: 0, Hour: 3}); err != nil {
		t.Fatalf("RunRange: %v", err)
	}
	for hr := 0; hr <= 3; hr++ {
		if _, ok := h.mem.Peek(types.Schedule{Hour: hr}); !ok {
			t.Errorf("slot 0:%d has no record", hr)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := h.engine.RunRange(ctx, types.Schedule{Hour: 4}, types.Schedule{Hour: 6}); err == nil {
		t.Error("cancelled context must stop the run")
	}
}
