// Package services provides idempotent start/stop/reload primitives over
// external units (VPN client, Tor, resolver). All mutating calls touch
// exactly one unit; cross-service sequencing belongs to the engine.
package services

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// State is the observed state of a unit.
type State string

const (
	StateRunning State = "running"
	StateStopped State = "stopped"
	StateUnknown State = "unknown"

	// StateDegraded means the unit reports active but its deep liveness
	// probe fails (e.g. WireGuard with no recent handshake).
	StateDegraded State = "degraded"
)

// Status is a point-in-time observation of one unit.
type Status struct {
	Name      string    `json:"name"`
	State     State     `json:"state"`
	Error     string    `json:"error,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// Running reports whether the unit is usable.
func (s Status) Running() bool {
	return s.State == StateRunning
}

// Controller manages external units.
type Controller interface {
	// EnsureRunning starts the unit if needed and waits (bounded) for it
	// to come up. A unit already running is a successful no-op.
	EnsureRunning(ctx context.Context, name string) error

	// EnsureStopped is the symmetric operation.
	EnsureStopped(ctx context.Context, name string) error

	// Reload signals a running unit to re-read configuration.
	// Fails with ErrNotRunning if the unit is down.
	Reload(ctx context.Context, name string) error

	// Probe is a non-blocking status check.
	Probe(ctx context.Context, name string) Status
}

// ErrNotRunning is returned by Reload when the unit is down.
var ErrNotRunning = errors.New("service not running")

// ServiceError wraps a failure of one controlled unit.
type ServiceError struct {
	Service string
	Op      string // start, stop, reload, probe
	Err     error
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("service %s: %s: %v", e.Service, e.Op, e.Err)
}

func (e *ServiceError) Unwrap() error { return e.Err }

// LivenessProbe is a deep health check for a unit that can look alive to
// the supervisor while being functionally dead.
type LivenessProbe func(ctx context.Context) error
