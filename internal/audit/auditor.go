// Package audit watches the simulation's books. After every slot it checks
// the accounting the auction produced:
//
//   - Energy conservation:  energy sourced (producers, storage, grid) must
//     equal energy sunk (consumers, storage) within a small epsilon
//   - Storage bounds:       the ESS level must stay within [0, capacity]
//
// Violations are logged and counted; they never stop the simulation. The
// auditor also keeps cumulative totals for the dashboard snapshot.
package audit

import (
	"fmt"
	"log/slog"
	"math"
	"sync"

	"microgrid-sim/internal/auction"
	"microgrid-sim/internal/grid"
)

// DefaultEpsilon is the tolerance for the conservation check.
const DefaultEpsilon = 1e-6

// maxAnomalies bounds the retained anomaly descriptions.
const maxAnomalies = 50

// Auditor verifies per-slot reports and aggregates run totals.
type Auditor struct {
	logger      *slog.Logger
	epsilon     float64
	essCapacity float64

	mu          sync.RWMutex
	slotsClosed int
	tradesTotal int
	totals      grid.Flows
	lastSlot    string
	essEnergy   float64
	anomalies   []string
}

// NewAuditor creates an auditor checking against the given ESS capacity.
func NewAuditor(logger *slog.Logger, essCapacity float64) *Auditor {
	return &Auditor{
		logger:      logger.With("component", "audit"),
		epsilon:     DefaultEpsilon,
		essCapacity: essCapacity,
	}
}

// SlotClosed implements auction.SlotObserver.
func (a *Auditor) SlotClosed(report auction.SlotReport) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.slotsClosed++
	a.tradesTotal += report.Trades
	a.lastSlot = report.Slot.String()
	a.essEnergy = report.ESSEnergy

	f := report.Flows
	a.totals.FromProducers += f.FromProducers
	a.totals.FromESS += f.FromESS
	a.totals.FromGrid += f.FromGrid
	a.totals.ToConsumers += f.ToConsumers
	a.totals.ToESS += f.ToESS

	sourced := f.FromProducers + f.FromESS + f.FromGrid
	sunk := f.ToConsumers + f.ToESS
	if math.Abs(sourced-sunk) > a.epsilon {
		a.flag(fmt.Sprintf("slot %s: energy not conserved: sourced %.6f, sunk %.6f",
			report.Slot, sourced, sunk))
	}
	if report.ESSEnergy < -a.epsilon || report.ESSEnergy > a.essCapacity+a.epsilon {
		a.flag(fmt.Sprintf("slot %s: ESS level %.6f outside [0, %.0f]",
			report.Slot, report.ESSEnergy, a.essCapacity))
	}
}

func (a *Auditor) flag(msg string) {
	a.logger.Warn("audit violation", "detail", msg)
	if len(a.anomalies) < maxAnomalies {
		a.anomalies = append(a.anomalies, msg)
	}
}

// Snapshot is the aggregate audit state for the dashboard.
type Snapshot struct {
	SlotsClosed int        `json:"slots_closed"`
	TradesTotal int        `json:"trades_total"`
	Totals      grid.Flows `json:"totals"`
	LastSlot    string     `json:"last_slot"`
	ESSEnergy   float64    `json:"ess_energy"`
	Anomalies   []string   `json:"anomalies"`
}

// GetSnapshot returns the current aggregate audit state.
func (a *Auditor) GetSnapshot() Snapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return Snapshot{
		SlotsClosed: a.slotsClosed,
		TradesTotal: a.tradesTotal,
		Totals:      a.totals,
		LastSlot:    a.lastSlot,
		ESSEnergy:   a.essEnergy,
		Anomalies:   append([]string(nil), a.anomalies...),
	}
}
