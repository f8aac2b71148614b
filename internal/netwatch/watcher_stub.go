//go:build !linux

package netwatch

import (
	"context"

	"grimm.is/egress/internal/events"
	"grimm.is/egress/internal/logging"
)

// Watcher is inert off Linux; link events never fire.
type Watcher struct{}

func NewWatcher(hub *events.Hub, ifaces []string, logger *logging.Logger) *Watcher {
	return &Watcher{}
}

// Run blocks until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}
