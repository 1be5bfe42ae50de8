package grid

import (
	"sync"

	"microgrid-sim/pkg/types"
)

// ESS is the microgrid's shared energy storage system: a bounded reservoir
// that absorbs unmatched supply and serves residual demand before the
// external grid is touched.
//
// Charge saturates silently at capacity; Discharge never underflows and
// returns the actually withdrawn amount. Both are atomic with respect to a
// slot — the auction layer is single-threaded per slot, the mutex only guards
// concurrent dashboard reads.
type ESS struct {
	id  string
	cap float64

	mu     sync.RWMutex
	energy float64
}

// NewESS creates a storage system with the given capacity, filled to
// capacity*fill (fill is clamped to [0, 1]).
func NewESS(id string, capacity, fill float64) *ESS {
	if fill < 0 {
		fill = 0
	}
	if fill > 1 {
		fill = 1
	}
	return &ESS{id: id, cap: capacity, energy: capacity * fill}
}

func (e *ESS) ID() string { return e.id }

// Supply returns the stored energy: everything in the reservoir is offered.
func (e *ESS) Supply(types.Schedule) float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.energy
}

func (e *ESS) Demand(types.Schedule) float64 { return 0 }

// Charge adds energy, saturating at capacity.
func (e *ESS) Charge(_ types.Schedule, amount float64) {
	if amount <= 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.energy += amount
	if e.energy > e.cap {
		e.energy = e.cap
	}
}

// Discharge withdraws up to amount and returns what was actually taken.
func (e *ESS) Discharge(_ types.Schedule, amount float64) float64 {
	if amount <= 0 {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	diff := amount
	if diff > e.energy {
		diff = e.energy
	}
	e.energy -= diff
	return diff
}

func (e *ESS) Mode() types.DeviceMode { return types.ModePersist }

func (e *ESS) EnergyMode() types.EnergyMode { return types.Producer | types.Consumer }

// Capacity returns the fixed reservoir capacity.
func (e *ESS) Capacity() float64 { return e.cap }

// Energy returns the current fill level.
func (e *ESS) Energy() float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.energy
}
