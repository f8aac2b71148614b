//go:build linux

// Package netwatch turns kernel link notifications into hub events so
// the dispatcher can react to an uplink or tunnel interface flapping
// without polling.
package netwatch

import (
	"context"

	"github.com/vishvananda/netlink"

	"grimm.is/egress/internal/events"
	"grimm.is/egress/internal/logging"
)

// Watcher subscribes to rtnetlink link updates and publishes state
// changes for a configured set of interfaces.
type Watcher struct {
	hub    *events.Hub
	logger *logging.Logger

	// watched maps interface name to last known carrier state.
	watched map[string]bool
}

// NewWatcher creates a watcher for the named interfaces.
func NewWatcher(hub *events.Hub, ifaces []string, logger *logging.Logger) *Watcher {
	if logger == nil {
		logger = logging.New(logging.DefaultConfig())
	}
	watched := make(map[string]bool, len(ifaces))
	for _, name := range ifaces {
		watched[name] = false
	}
	return &Watcher{
		hub:     hub,
		logger:  logger.WithComponent("netwatch"),
		watched: watched,
	}
}

// Run subscribes and forwards updates until ctx is cancelled. Duplicate
// updates for an unchanged state are suppressed.
func (w *Watcher) Run(ctx context.Context) error {
	updates := make(chan netlink.LinkUpdate, 64)
	done := make(chan struct{})
	defer close(done)

	if err := netlink.LinkSubscribe(updates, done); err != nil {
		return err
	}

	w.prime()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case upd, ok := <-updates:
			if !ok {
				return nil
			}
			w.handle(upd)
		}
	}
}

// prime records the current state of every watched interface so the
// first real flap is not mistaken for a change from unknown.
func (w *Watcher) prime() {
	for name := range w.watched {
		link, err := netlink.LinkByName(name)
		if err != nil {
			continue
		}
		w.watched[name] = link.Attrs().OperState == netlink.OperUp
	}
}

func (w *Watcher) handle(upd netlink.LinkUpdate) {
	name := upd.Link.Attrs().Name
	last, ok := w.watched[name]
	if !ok {
		return
	}

	up := upd.Link.Attrs().OperState == netlink.OperUp
	if up == last {
		return
	}
	w.watched[name] = up

	w.logger.Info("Link state changed", "interface", name, "up", up)
	w.hub.EmitLink(name, up)
}
