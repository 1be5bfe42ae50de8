package api

import (
	"time"

	"microgrid-sim/internal/auction"
	"microgrid-sim/pkg/types"
)

// Event is the wrapper for all events sent to the dashboard
type Event struct {
	Type      string      `json:"type"`      // "snapshot", "flow", "slot"
	Timestamp time.Time   `json:"timestamp"` // Event time
	Data      interface{} `json:"data"`      // Event-specific payload
}

// NewFlowEvent wraps a delivered energy flow for the dashboard stream.
func NewFlowEvent(rec types.FlowRecord) Event {
	return Event{Type: "flow", Timestamp: time.Now(), Data: rec}
}

// NewSlotEvent wraps a closed slot summary for the dashboard stream.
func NewSlotEvent(report auction.SlotReport) Event {
	return Event{Type: "slot", Timestamp: time.Now(), Data: report}
}
