package events

import (
	"sync"

	"grimm.is/egress/internal/clock"
)

// Hub is the central event bus. Pub/sub with typed events and
// non-blocking fan-out: a subscriber that stops draining loses events
// rather than stalling the engine.
type Hub struct {
	mu   sync.RWMutex
	subs map[EventType][]chan Event

	// Global subscribers receive all events.
	global []chan Event

	published uint64
	dropped   uint64
}

// NewHub creates a new event hub.
func NewHub() *Hub {
	return &Hub{
		subs: make(map[EventType][]chan Event),
	}
}

// Publish sends an event to all subscribers of its type. Non-blocking;
// full subscriber channels drop the event.
func (h *Hub) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = clock.Now()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	h.published++

	for _, ch := range h.subs[e.Type] {
		select {
		case ch <- e:
		default:
			h.dropped++
		}
	}
	for _, ch := range h.global {
		select {
		case ch <- e:
		default:
			h.dropped++
		}
	}
}

// Subscribe returns a channel receiving events of the given types, or
// all events when no types are named. The caller must keep draining the
// channel to avoid drops.
func (h *Hub) Subscribe(bufSize int, types ...EventType) <-chan Event {
	if bufSize <= 0 {
		bufSize = 256
	}
	ch := make(chan Event, bufSize)

	h.mu.Lock()
	defer h.mu.Unlock()

	if len(types) == 0 {
		h.global = append(h.global, ch)
	} else {
		for _, t := range types {
			h.subs[t] = append(h.subs[t], ch)
		}
	}
	return ch
}

// Unsubscribe removes a channel from all subscriptions. The channel is
// not closed.
func (h *Hub) Unsubscribe(ch <-chan Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.global = removeFromSlice(h.global, ch)
	for t, subs := range h.subs {
		h.subs[t] = removeFromSlice(subs, ch)
	}
}

// Stats returns publish/drop counts for monitoring.
func (h *Hub) Stats() (published, dropped uint64) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.published, h.dropped
}

func removeFromSlice(slice []chan Event, target <-chan Event) []chan Event {
	result := make([]chan Event, 0, len(slice))
	for _, ch := range slice {
		if ch != target {
			result = append(result, ch)
		}
	}
	return result
}

// EmitTransition publishes a transition lifecycle event.
func (h *Hub) EmitTransition(t EventType, data TransitionData) {
	h.Publish(Event{Type: t, Source: "engine", Data: data})
}

// EmitRepair publishes a reconciler event.
func (h *Hub) EmitRepair(t EventType, data RepairData) {
	h.Publish(Event{Type: t, Source: "reconciler", Data: data})
}

// EmitService publishes a service state observation.
func (h *Hub) EmitService(t EventType, data ServiceData) {
	h.Publish(Event{Type: t, Source: "services", Data: data})
}

// EmitLink publishes a kernel link change.
func (h *Hub) EmitLink(iface string, up bool) {
	t := EventLinkDown
	if up {
		t = EventLinkUp
	}
	h.Publish(Event{Type: t, Source: "netwatch", Data: LinkData{Interface: iface, Up: up}})
}
