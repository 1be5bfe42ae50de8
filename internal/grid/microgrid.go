package grid

import (
	"fmt"
	"log/slog"
	"sync"

	"microgrid-sim/pkg/types"
)

// FlowSink receives a record for every delivered trade. Implementations must
// not block: the distribution loop calls them inline.
type FlowSink interface {
	Record(types.FlowRecord)
}

// FlowSinkFunc adapts a function to the FlowSink interface.
type FlowSinkFunc func(types.FlowRecord)

func (f FlowSinkFunc) Record(r types.FlowRecord) { f(r) }

// MultiSink fans one flow record out to several sinks.
type MultiSink []FlowSink

func (m MultiSink) Record(r types.FlowRecord) {
	for _, s := range m {
		s.Record(r)
	}
}

// Flows aggregates delivered energy for one slot, broken down by source and
// destination. Used by the audit layer to check conservation.
type Flows struct {
	FromProducers float64 `json:"from_producers"`
	FromESS       float64 `json:"from_ess"`
	FromGrid      float64 `json:"from_grid"`
	ToConsumers   float64 `json:"to_consumers"`
	ToESS         float64 `json:"to_ess"`
}

// Microgrid is the distribution layer: the device registry plus the routing
// of executed trades through it. It is the only mutator of device state.
type Microgrid struct {
	logger   *slog.Logger
	ess      *ESS
	external *ExternalGrid
	sink     FlowSink

	mu      sync.RWMutex
	devices map[string]Device
	flows   Flows
}

// NewMicrogrid builds the distribution layer around the shared storage and
// the external fallback, both of which are registered as devices. sink may
// be nil when no observer is attached.
func NewMicrogrid(logger *slog.Logger, ess *ESS, external *ExternalGrid, sink FlowSink) *Microgrid {
	m := &Microgrid{
		logger:   logger.With("component", "microgrid"),
		ess:      ess,
		external: external,
		sink:     sink,
		devices:  make(map[string]Device),
	}
	m.devices[ess.ID()] = ess
	m.devices[external.ID()] = external
	return m
}

// Register adds a device to the registry. Device IDs are global.
func (m *Microgrid) Register(dev Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.devices[dev.ID()]; ok {
		return fmt.Errorf("device %q already registered", dev.ID())
	}
	m.devices[dev.ID()] = dev
	return nil
}

// Device looks up a registered device by ID.
func (m *Microgrid) Device(id string) (Device, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	dev, ok := m.devices[id]
	return dev, ok
}

// ESS returns the shared storage system.
func (m *Microgrid) ESS() *ESS { return m.ess }

// External returns the external fallback grid.
func (m *Microgrid) External() *ExternalGrid { return m.external }

// ResetSlot clears the per-slot flow totals. The auction engine calls it at
// the start of every slot.
func (m *Microgrid) ResetSlot() {
	m.mu.Lock()
	m.flows = Flows{}
	m.mu.Unlock()
}

// SlotFlows returns the flow totals accumulated since the last ResetSlot.
func (m *Microgrid) SlotFlows() Flows {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.flows
}

// Distribute executes the given trades: it discharges each supplier device,
// charges the consumer side, bills external imports, and emits a flow record
// per delivered trade. Trades referencing unknown devices are dropped with a
// warning; an out-of-range schedule aborts.
//
// Returns the trades that were actually delivered, with amounts reduced to
// the delivered flow where the supplier came up short.
func (m *Microgrid) Distribute(trades []types.Trade, s types.Schedule) ([]types.Trade, error) {
	delivered := make([]types.Trade, 0, len(trades))
	for _, t := range trades {
		if t.Amount <= 0 {
			continue
		}
		supplier, ok := m.Device(t.SupplierDeviceID)
		if !ok {
			m.logger.Warn("dropping trade", "err", ErrUnknownDevice,
				"device", t.SupplierDeviceID, "side", "supplier", "slot", s.String())
			continue
		}

		var flow float64
		if t.Mode == types.ModeFromExternal {
			var err error
			flow, err = m.external.Allocate(t.ConsumerID, t.Amount, s)
			if err != nil {
				return delivered, fmt.Errorf("allocate external import: %w", err)
			}
		} else {
			flow = supplier.Discharge(s, t.Amount)
		}
		if flow <= 0 {
			continue
		}

		if t.ConsumerDeviceID != "" {
			consumer, ok := m.Device(t.ConsumerDeviceID)
			if !ok {
				m.logger.Warn("dropping trade", "err", ErrUnknownDevice,
					"device", t.ConsumerDeviceID, "side", "consumer", "slot", s.String())
				continue
			}
			consumer.Charge(s, flow)
		}

		m.account(t, flow)
		if m.sink != nil {
			m.sink.Record(types.NewFlowRecord(t, flow, s))
		}
		delivered = append(delivered, t.WithAmount(flow))
	}
	return delivered, nil
}

func (m *Microgrid) account(t types.Trade, flow float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case t.Mode == types.ModeFromExternal:
		m.flows.FromGrid += flow
	case t.SupplierDeviceID == m.ess.ID():
		m.flows.FromESS += flow
	default:
		m.flows.FromProducers += flow
	}
	if t.Mode == types.ModeToESS || t.ConsumerDeviceID == m.ess.ID() {
		m.flows.ToESS += flow
	} else {
		m.flows.ToConsumers += flow
	}
}

// ResidualSupply builds the finalization supply list for a slot: local
// storage first at essRatio of the external price, then the external grid at
// the full price. Offers carry the device IDs so Distribute can route them.
func (m *Microgrid) ResidualSupply(s types.Schedule, essRatio float64) ([]types.Trade, error) {
	price, err := m.external.Price(s)
	if err != nil {
		return nil, err
	}
	return []types.Trade{
		{
			Amount:           m.ess.Supply(s),
			Price:            price * essRatio,
			SupplierID:       m.ess.ID(),
			SupplierDeviceID: m.ess.ID(),
			Mode:             types.ModeMarket,
		},
		{
			Amount:           m.external.Supply(s),
			Price:            price,
			SupplierID:       m.external.ID(),
			SupplierDeviceID: m.external.ID(),
			Mode:             types.ModeFromExternal,
		},
	}, nil
}
