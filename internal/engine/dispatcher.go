package engine

import (
	"context"
	"errors"
	"time"

	"grimm.is/egress/internal/events"
	"grimm.is/egress/internal/logging"
	"grimm.is/egress/internal/modes"
)

// retryDelay is the backoff before requeueing a request that hit a busy
// engine.
const retryDelay = 500 * time.Millisecond

// LinkPolicy maps a watched interface's state changes to target modes.
// Empty mode means no action for that direction.
type LinkPolicy struct {
	OnUp   modes.Mode
	OnDown modes.Mode
}

// Dispatcher feeds transition requests to the engine serially. Requests
// arriving while one is executing are coalesced: only the newest pending
// request survives, so a burst of flapping link events produces at most
// one extra transition.
type Dispatcher struct {
	engine   *Engine
	hub      *events.Hub
	logger   *logging.Logger
	policies map[string]LinkPolicy

	pending chan TransitionRequest
}

// NewDispatcher creates a dispatcher. policies maps interface names to
// link reactions and may be nil.
func NewDispatcher(engine *Engine, hub *events.Hub, policies map[string]LinkPolicy, logger *logging.Logger) *Dispatcher {
	if logger == nil {
		logger = logging.New(logging.DefaultConfig())
	}
	return &Dispatcher{
		engine:   engine,
		hub:      hub,
		logger:   logger.WithComponent("dispatcher"),
		policies: policies,
		// Buffer of one is the coalescing queue: a newer request evicts
		// the occupant.
		pending: make(chan TransitionRequest, 1),
	}
}

// Submit queues a request, superseding any not-yet-started one.
func (d *Dispatcher) Submit(req TransitionRequest) {
	for {
		select {
		case d.pending <- req:
			return
		default:
		}
		select {
		case old := <-d.pending:
			d.logger.Debug("Superseding queued request", "old_target", old.Target, "new_target", req.Target)
		default:
		}
	}
}

// Run executes queued requests until ctx is cancelled. It also converts
// link events from the hub into requests per the configured policies.
func (d *Dispatcher) Run(ctx context.Context) error {
	linkCh := d.hub.Subscribe(64, events.EventLinkUp, events.EventLinkDown)
	defer d.hub.Unsubscribe(linkCh)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e := <-linkCh:
			d.handleLink(e)
		case req := <-d.pending:
			d.execute(ctx, req)
		}
	}
}

func (d *Dispatcher) handleLink(e events.Event) {
	data, ok := e.Data.(events.LinkData)
	if !ok {
		return
	}
	policy, ok := d.policies[data.Interface]
	if !ok {
		return
	}

	target := policy.OnDown
	if data.Up {
		target = policy.OnUp
	}
	if target == "" {
		return
	}

	d.logger.Info("Link event", "interface", data.Interface, "up", data.Up, "target", target)
	d.Submit(NewRequest(target, TriggerLink))
}

func (d *Dispatcher) execute(ctx context.Context, req TransitionRequest) {
	err := d.engine.Transition(ctx, req)
	switch {
	case err == nil:
	case errors.Is(err, ErrBusy):
		// An API caller holds the lock. Back off briefly, then requeue;
		// coalescing keeps this from piling up.
		select {
		case <-ctx.Done():
			return
		case <-time.After(retryDelay):
		}
		d.Submit(req)
	default:
		d.logger.Error("Dispatched transition failed", "target", req.Target, "error", err)
	}
}
