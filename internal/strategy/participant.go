package strategy

import (
	"fmt"
	"sync"

	"microgrid-sim/internal/grid"
	"microgrid-sim/internal/market"
	"microgrid-sim/pkg/types"
)

// PriceRange bounds a participant's quoted prices. The zero value disables
// clamping.
type PriceRange struct {
	Min float64
	Max float64
}

// Clamp bounds v into the range. Ranges with Max <= Min are treated as
// unset and leave v untouched.
func (r PriceRange) Clamp(v float64) float64 {
	if r.Max <= r.Min {
		return v
	}
	if v < r.Min {
		return r.Min
	}
	if v > r.Max {
		return r.Max
	}
	return v
}

// Participant is one market actor: a household or small producer owning a
// set of devices. It caches the market view it was last notified with and
// derives offers from it.
type Participant struct {
	id        string
	devices   []grid.Device
	policy    Policy
	sellRange PriceRange
	buyRange  PriceRange

	mu    sync.Mutex
	views map[types.Schedule]*market.Info
}

// NewParticipant creates a participant owning the given devices.
func NewParticipant(id string, policy Policy, sellRange, buyRange PriceRange, devices ...grid.Device) *Participant {
	return &Participant{
		id:        id,
		devices:   devices,
		policy:    policy,
		sellRange: sellRange,
		buyRange:  buyRange,
		views:     make(map[types.Schedule]*market.Info),
	}
}

func (p *Participant) ID() string { return p.id }

// Devices returns the participant's devices for registration.
func (p *Participant) Devices() []grid.Device { return p.devices }

// OnNotify caches the market view for the slot. The engine calls it at the
// start of every round.
func (p *Participant) OnNotify(s types.Schedule, view *market.Info) {
	p.mu.Lock()
	p.views[s] = view
	p.mu.Unlock()
}

type deviceAmount struct {
	device grid.Device
	amount float64
}

// Offers derives the participant's market offers for the slot from the
// cached view. Returns supply offers, demand offers, and self-use trades.
//
// When the quoted sell price undercuts the quoted buy price the participant
// first nets its own supply against its own demand (FIFO on both sides) into
// self-use trades priced at sell. The market offers still carry each
// device's full raw amount afterwards; netting reduces what the participant
// effectively needs, not what it advertises.
func (p *Participant) Offers(s types.Schedule) (supply, demand, selfTrades []types.Trade, err error) {
	p.mu.Lock()
	view := p.views[s]
	p.mu.Unlock()
	if view == nil {
		return nil, nil, nil, fmt.Errorf("participant %s: no market view for %s", p.id, s)
	}
	i := view.Round - 1
	if i < 0 || i >= len(view.Prices) {
		return nil, nil, nil, fmt.Errorf("participant %s: view for %s has invalid round %d", p.id, s, view.Round)
	}

	var supplies, demands []deviceAmount
	var totalSupply, totalDemand float64
	for _, dev := range p.devices {
		if dev.EnergyMode().CanProduce() {
			if amount := dev.Supply(s); amount > 0 {
				supplies = append(supplies, deviceAmount{dev, amount})
				totalSupply += amount
			}
		}
		if dev.EnergyMode().CanConsume() {
			if amount := dev.Demand(s); amount > 0 && wantsEnergy(dev, view, s) {
				demands = append(demands, deviceAmount{dev, amount})
				totalDemand += amount
			}
		}
	}

	selfRatio := 1.0
	if totalDemand > 0 {
		selfRatio = totalSupply / totalDemand
	}
	sell, buy := p.policy.Quote(view.SupplyDemandRatio[i], view.Prices[i], selfRatio)
	sell = p.sellRange.Clamp(sell)
	buy = p.buyRange.Clamp(buy)

	if sell < buy {
		selfTrades = p.selfUse(supplies, demands, sell)
	}

	for _, sa := range supplies {
		supply = append(supply, types.Trade{
			Amount:           sa.amount,
			Price:            sell,
			SupplierID:       p.id,
			SupplierDeviceID: sa.device.ID(),
			Mode:             types.ModeMarket,
		})
	}
	for _, da := range demands {
		demand = append(demand, types.Trade{
			Amount:           da.amount,
			Price:            buy,
			ConsumerID:       p.id,
			ConsumerDeviceID: da.device.ID(),
			Mode:             types.ModeMarket,
		})
	}
	return supply, demand, selfTrades, nil
}

// selfUse pairs own supplies with own demands, first-come first-served on
// both sides, until one side runs out.
func (p *Participant) selfUse(supplies, demands []deviceAmount, price float64) []types.Trade {
	var trades []types.Trade
	si, di := 0, 0
	remS := append([]deviceAmount(nil), supplies...)
	remD := append([]deviceAmount(nil), demands...)
	for si < len(remS) && di < len(remD) {
		a := remS[si].amount
		if remD[di].amount < a {
			a = remD[di].amount
		}
		trades = append(trades, types.Trade{
			Amount:           a,
			Price:            price,
			SupplierID:       p.id,
			SupplierDeviceID: remS[si].device.ID(),
			ConsumerID:       p.id,
			ConsumerDeviceID: remD[di].device.ID(),
			Mode:             types.ModeSelfUse,
		})
		remS[si].amount -= a
		remD[di].amount -= a
		if remS[si].amount == 0 {
			si++
		}
		if remD[di].amount == 0 {
			di++
		}
	}
	return trades
}

// wantsEnergy gates a demanding device for the slot. Immediate and standing
// loads always bid; a shiftable load bids only when the current hour is the
// cheapest of the remaining day (ties go to the earliest hour).
func wantsEnergy(dev grid.Device, view *market.Info, s types.Schedule) bool {
	if dev.Mode() != types.ModeShiftable {
		return true
	}
	if s.Hour >= len(view.ExternalPriceDay) {
		return true
	}
	suffix := view.ExternalPriceDay[s.Hour:]
	minAt := 0
	for h, price := range suffix {
		if price < suffix[minAt] {
			minAt = h
		}
	}
	return minAt == 0
}
