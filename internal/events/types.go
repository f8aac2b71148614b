// Package events provides the pub/sub bus connecting the engine to the
// status API, the audit trail, and the websocket stream. Transitions,
// service flaps, and repairs all flow through it.
package events

import "time"

// EventType identifies the category of event.
type EventType string

const (
	// Transition lifecycle
	EventTransitionStarted  EventType = "transition.started"
	EventTransitionComplete EventType = "transition.complete"
	EventTransitionFailed   EventType = "transition.failed"
	EventTransitionRolled   EventType = "transition.rolled_back"

	// Standing alarm raised when rollback itself failed and manual
	// intervention is required.
	EventRollbackFailed EventType = "transition.rollback_failed"

	// Reconciler findings
	EventDriftDetected EventType = "reconcile.drift"
	EventRepair        EventType = "reconcile.repair"
	EventRepairGaveUp  EventType = "reconcile.gave_up"

	// Service observations
	EventServiceDown EventType = "service.down"
	EventServiceUp   EventType = "service.up"

	// Network link changes from the kernel
	EventLinkUp   EventType = "link.up"
	EventLinkDown EventType = "link.down"
)

// Event is the message passed through the bus.
type Event struct {
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Source    string      `json:"source"`
	Data      interface{} `json:"data"`
}

// TransitionData is the payload for transition lifecycle events.
type TransitionData struct {
	RequestID string `json:"request_id"`
	From      string `json:"from"`
	To        string `json:"to"`
	Trigger   string `json:"trigger"`
	Phase     string `json:"phase,omitempty"`
	Error     string `json:"error,omitempty"`
	Duration  string `json:"duration,omitempty"`
}

// RepairData is the payload for reconciler events.
type RepairData struct {
	Mode    string `json:"mode"`
	Problem string `json:"problem"`
	Attempt int    `json:"attempt,omitempty"`
	Error   string `json:"error,omitempty"`
}

// ServiceData is the payload for service state events.
type ServiceData struct {
	Service string `json:"service"`
	State   string `json:"state"`
	Error   string `json:"error,omitempty"`
}

// LinkData is the payload for kernel link events.
type LinkData struct {
	Interface string `json:"interface"`
	Up        bool   `json:"up"`
}
