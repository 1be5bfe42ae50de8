// Package grid models the physical side of the microgrid: devices, local
// energy storage, the external power grid, and the distribution layer that
// moves energy between them when trades execute.
//
// All devices are registered with the Microgrid under string IDs; trades
// reference devices only by ID, so the auction layer never holds device
// pointers. The Microgrid is the single mutator of device state.
package grid

import (
	"microgrid-sim/pkg/types"
)

// Device is the capability set every registered device implements.
// Supply and Demand are queries; Charge and Discharge mutate state.
// Discharge returns the actually discharged amount, which may be less than
// requested when the device cannot deliver in full.
type Device interface {
	ID() string
	Supply(s types.Schedule) float64
	Demand(s types.Schedule) float64
	Charge(s types.Schedule, amount float64)
	Discharge(s types.Schedule, amount float64) float64
	Mode() types.DeviceMode
	EnergyMode() types.EnergyMode
}

// ProfileSource is a producer driven by a 24-hour generation profile
// (e.g. a rooftop PV array). It has no internal storage: Discharge simply
// delivers up to the profiled output for the hour.
type ProfileSource struct {
	id      string
	profile [types.HoursPerDay]float64
}

// NewProfileSource creates a producer with the given hourly output profile.
func NewProfileSource(id string, profile [types.HoursPerDay]float64) *ProfileSource {
	return &ProfileSource{id: id, profile: profile}
}

func (d *ProfileSource) ID() string { return d.id }

func (d *ProfileSource) Supply(s types.Schedule) float64 {
	return d.profile[s.Hour]
}

func (d *ProfileSource) Demand(types.Schedule) float64 { return 0 }

func (d *ProfileSource) Charge(types.Schedule, float64) {}

func (d *ProfileSource) Discharge(s types.Schedule, amount float64) float64 {
	if available := d.profile[s.Hour]; amount > available {
		return available
	}
	return amount
}

func (d *ProfileSource) Mode() types.DeviceMode { return types.ModeImmediate }

func (d *ProfileSource) EnergyMode() types.EnergyMode { return types.Producer }

// ProfileLoad is a consumer driven by a 24-hour demand profile (household
// load, heat pump, EV charger). Its device mode decides when the demand is
// offered to the market: IMMEDIATE and PERSIST loads bid every slot, a
// SHIFTABLE load bids only at the cheapest forecast hour of the remaining day.
type ProfileLoad struct {
	id      string
	profile [types.HoursPerDay]float64
	mode    types.DeviceMode
}

// NewProfileLoad creates a consumer with the given hourly demand profile.
func NewProfileLoad(id string, profile [types.HoursPerDay]float64, mode types.DeviceMode) *ProfileLoad {
	return &ProfileLoad{id: id, profile: profile, mode: mode}
}

func (d *ProfileLoad) ID() string { return d.id }

func (d *ProfileLoad) Supply(types.Schedule) float64 { return 0 }

func (d *ProfileLoad) Demand(s types.Schedule) float64 {
	return d.profile[s.Hour]
}

// Charge delivers energy to the load. Profile loads consume instantly and
// keep no state, so this is a sink.
func (d *ProfileLoad) Charge(types.Schedule, float64) {}

func (d *ProfileLoad) Discharge(types.Schedule, float64) float64 { return 0 }

func (d *ProfileLoad) Mode() types.DeviceMode { return d.mode }

func (d *ProfileLoad) EnergyMode() types.EnergyMode { return types.Consumer }
