// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the simulator — time slots,
// trades, device capability flags, and flow records. It has no dependencies
// on internal packages, so it can be imported by any layer.
package types

import "fmt"

// ————————————————————————————————————————————————————————————————————————
// Schedule
// ————————————————————————————————————————————————————————————————————————

// Schedule identifies one auction slot: a (weekday, hour) pair.
// Weekday is 0-based and bounded by the loaded price table; Hour is in [0, 24).
// Slots are totally ordered lexicographically: all hours of weekday 0 precede
// hour 0 of weekday 1.
type Schedule struct {
	Weekday int
	Hour    int
}

// HoursPerDay is the number of slots in one weekday.
const HoursPerDay = 24

// HasPre reports whether the slot has a predecessor, i.e. it is not the
// origin (0, 0).
func (s Schedule) HasPre() bool {
	return s.Weekday > 0 || s.Hour > 0
}

// Pre returns the predecessor slot: the previous hour, borrowing from the
// weekday at hour 0. Calling Pre at the origin is undefined; HasPre guards it.
func (s Schedule) Pre() Schedule {
	if s.Hour > 0 {
		return Schedule{Weekday: s.Weekday, Hour: s.Hour - 1}
	}
	return Schedule{Weekday: s.Weekday - 1, Hour: HoursPerDay - 1}
}

// Before reports whether s precedes other in slot order.
func (s Schedule) Before(other Schedule) bool {
	if s.Weekday != other.Weekday {
		return s.Weekday < other.Weekday
	}
	return s.Hour < other.Hour
}

// String renders the slot as "weekday:hour", the format used on flow records.
func (s Schedule) String() string {
	return fmt.Sprintf("%d:%d", s.Weekday, s.Hour)
}

// ————————————————————————————————————————————————————————————————————————
// Trades
// ————————————————————————————————————————————————————————————————————————

// TradeMode classifies how a trade was produced and settled.
type TradeMode string

const (
	ModeSelfUse      TradeMode = "SELF_USE"      // matched inside one participant, never entered the book
	ModeMarket       TradeMode = "MARKET"        // cleared by the auction (or sourced from local storage)
	ModeFromExternal TradeMode = "FROM_EXTERNAL" // residual demand filled by the external grid
	ModeToESS        TradeMode = "TO_ESS"        // residual supply absorbed into local storage
)

// Trade is an immutable offer or executed trade. Intermediate offers carry
// only one side: supply-only offers have empty consumer identifiers, demand-only
// offers have empty supplier identifiers. Once recorded in a market record a
// Trade is never rewritten.
type Trade struct {
	Amount           float64   `json:"amount"`
	Price            float64   `json:"price"`
	SupplierID       string    `json:"supplier_id"`
	SupplierDeviceID string    `json:"supplier_device_id"`
	ConsumerID       string    `json:"consumer_id"`
	ConsumerDeviceID string    `json:"consumer_device_id"`
	Mode             TradeMode `json:"mode"`
}

// WithAmount returns a copy of the trade with a new amount. Used to shrink
// partially filled offers during matching.
func (t Trade) WithAmount(amount float64) Trade {
	t.Amount = amount
	return t
}

// ————————————————————————————————————————————————————————————————————————
// Devices
// ————————————————————————————————————————————————————————————————————————

// DeviceMode describes when a consuming device wants its demand satisfied.
type DeviceMode string

const (
	ModeImmediate DeviceMode = "IMMEDIATE" // demand must be met in the current slot
	ModePersist   DeviceMode = "PERSIST"   // demand is standing (e.g. storage topping up)
	ModeShiftable DeviceMode = "SHIFTABLE" // demand defers to the cheapest forecast hour of the day
)

// EnergyMode is a capability bitset: a device can produce, consume, or both.
type EnergyMode uint8

const (
	Producer EnergyMode = 1 << iota
	Consumer
)

// CanProduce reports whether the Producer bit is set.
func (m EnergyMode) CanProduce() bool { return m&Producer == Producer }

// CanConsume reports whether the Consumer bit is set.
func (m EnergyMode) CanConsume() bool { return m&Consumer == Consumer }

// ————————————————————————————————————————————————————————————————————————
// Flow records
// ————————————————————————————————————————————————————————————————————————

// FlowRecord is emitted by the distribution layer for every executed trade.
// Datetime is the slot rendered as "weekday:hour". Downstream consumers
// (the JSON recorder, the dashboard stream) treat the sequence as append-only.
type FlowRecord struct {
	SupplierID       string    `json:"supplier_id"`
	SupplierDeviceID string    `json:"supplier_device_id"`
	ConsumerID       string    `json:"consumer_id"`
	ConsumerDeviceID string    `json:"consumer_device_id"`
	Amount           float64   `json:"amount"`
	Price            float64   `json:"price"`
	Mode             TradeMode `json:"mode"`
	Datetime         string    `json:"datetime"`
}

// NewFlowRecord builds the flow record for a delivered trade. Amount is the
// actually delivered flow, which may be less than the trade amount when the
// supplying device could not discharge in full.
func NewFlowRecord(t Trade, delivered float64, s Schedule) FlowRecord {
	return FlowRecord{
		SupplierID:       t.SupplierID,
		SupplierDeviceID: t.SupplierDeviceID,
		ConsumerID:       t.ConsumerID,
		ConsumerDeviceID: t.ConsumerDeviceID,
		Amount:           delivered,
		Price:            t.Price,
		Mode:             t.Mode,
		Datetime:         s.String(),
	}
}
