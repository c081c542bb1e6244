package domain

import "time"

// EventKind names what happened.
type EventKind string

const (
	EventOrderSubmitted  EventKind = "order_submitted"
	EventOrderStatus     EventKind = "order_status"
	EventOrderFilled     EventKind = "order_filled"
	EventOrderCancelled  EventKind = "order_cancelled"
	EventPositionChanged EventKind = "position_changed"
	EventMandateAlert    EventKind = "mandate_alert"
	EventAlertAcked      EventKind = "alert_acknowledged"
	EventStrategyChanged EventKind = "strategy_changed"
	EventStrategyParams  EventKind = "strategy_params_updated"
	EventKillSwitch      EventKind = "kill_switch"
	EventHaltReset       EventKind = "halt_reset"
	EventSnapshot        EventKind = "snapshot"
	EventHeartbeat       EventKind = "heartbeat"
)

// Event is one record on the fan-out stream. Seq is assigned by the broker
// and increases by one per published event; snapshot and heartbeat events
// carry the sequence of the last event published before them.
type Event struct {
	ID        string    `json:"id"`
	Seq       uint64    `json:"seq"`
	Kind      EventKind `json:"kind"`
	Severity  Severity  `json:"severity"`
	Payload   any       `json:"payload,omitempty"`
	Timestamp time.Time `json:"ts"`
}

// NewEvent builds an unsequenced event stamped with the current time.
func NewEvent(kind EventKind, sev Severity, payload any) Event {
	return Event{
		Kind:      kind,
		Severity:  sev,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
}

// EventPublisher accepts events for delivery to subscribers. Publish must not
// block on slow consumers.
type EventPublisher interface {
	Publish(ev Event) Event
}

// Snapshot is the full state view sent to a new subscriber before streaming.
type Snapshot struct {
	Halt       HaltState  `json:"halt"`
	Orders     []Order    `json:"orders"`
	Positions  []Position `json:"positions"`
	Mandates   []Mandate  `json:"mandates"`
	Strategies []Strategy `json:"strategies"`
	Alerts     []Alert    `json:"alerts"`
}

// SnapshotSource builds a Snapshot on demand.
type SnapshotSource interface {
	Snapshot() Snapshot
}
