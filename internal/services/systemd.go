package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"grimm.is/egress/internal/clock"
	"grimm.is/egress/internal/execx"
	"grimm.is/egress/internal/logging"
)

const (
	defaultReadyTimeout = 10 * time.Second
	defaultPollInterval = 250 * time.Millisecond
)

// SystemdController drives units through systemctl. It is deliberately
// dumb: one unit per call, bounded waits, no retries (the engine and
// reconciler own retry policy).
type SystemdController struct {
	runner       execx.CommandRunner
	logger       *logging.Logger
	clk          clock.Clock
	readyTimeout time.Duration
	pollInterval time.Duration
	probes       map[string]LivenessProbe
}

// SystemdOption configures the controller.
type SystemdOption func(*SystemdController)

// WithRunner replaces the command runner (tests).
func WithRunner(r execx.CommandRunner) SystemdOption {
	return func(c *SystemdController) { c.runner = r }
}

// WithReadyTimeout bounds how long Ensure* waits for a unit to settle.
func WithReadyTimeout(d time.Duration) SystemdOption {
	return func(c *SystemdController) { c.readyTimeout = d }
}

// WithPollInterval sets the settle-poll cadence.
func WithPollInterval(d time.Duration) SystemdOption {
	return func(c *SystemdController) { c.pollInterval = d }
}

// WithLivenessProbe registers a deep probe for one unit.
func WithLivenessProbe(unit string, probe LivenessProbe) SystemdOption {
	return func(c *SystemdController) { c.probes[unit] = probe }
}

// NewSystemdController creates a controller with production defaults.
func NewSystemdController(logger *logging.Logger, opts ...SystemdOption) *SystemdController {
	if logger == nil {
		logger = logging.New(logging.DefaultConfig())
	}
	c := &SystemdController{
		runner:       &execx.RealCommandRunner{},
		logger:       logger.WithComponent("services"),
		clk:          &clock.RealClock{},
		readyTimeout: defaultReadyTimeout,
		pollInterval: defaultPollInterval,
		probes:       make(map[string]LivenessProbe),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// EnsureRunning starts the unit if not running. Already-running units are
// a successful no-op; repeated calls never restart.
func (c *SystemdController) EnsureRunning(ctx context.Context, name string) error {
	if c.isActive(ctx, name) {
		return nil
	}

	c.logger.Info("Starting service", "unit", name)
	if err := c.runner.Run(ctx, "systemctl", "start", name); err != nil {
		return &ServiceError{Service: name, Op: "start", Err: err}
	}

	if err := c.waitFor(ctx, name, true); err != nil {
		return &ServiceError{Service: name, Op: "start", Err: err}
	}
	return nil
}

// EnsureStopped stops the unit if running. Already-stopped units are a
// successful no-op.
func (c *SystemdController) EnsureStopped(ctx context.Context, name string) error {
	if !c.isActive(ctx, name) {
		return nil
	}

	c.logger.Info("Stopping service", "unit", name)
	if err := c.runner.Run(ctx, "systemctl", "stop", name); err != nil {
		return &ServiceError{Service: name, Op: "stop", Err: err}
	}

	if err := c.waitFor(ctx, name, false); err != nil {
		return &ServiceError{Service: name, Op: "stop", Err: err}
	}
	return nil
}

// Reload signals a running unit to re-read configuration.
func (c *SystemdController) Reload(ctx context.Context, name string) error {
	if !c.isActive(ctx, name) {
		return &ServiceError{Service: name, Op: "reload", Err: ErrNotRunning}
	}
	if err := c.runner.Run(ctx, "systemctl", "reload", name); err != nil {
		return &ServiceError{Service: name, Op: "reload", Err: err}
	}
	return nil
}

// Probe returns the unit's observed state without blocking on settles.
func (c *SystemdController) Probe(ctx context.Context, name string) Status {
	st := Status{Name: name, CheckedAt: c.clk.Now()}

	out, err := c.runner.Output(ctx, "systemctl", "is-active", name)
	if err != nil && len(out) == 0 {
		// systemctl exits non-zero for inactive units but still prints
		// the state; only a silent failure is truly unknown.
		st.State = StateUnknown
		st.Error = err.Error()
		return st
	}

	switch strings.TrimSpace(string(out)) {
	case "active", "activating", "reloading":
		st.State = StateRunning
	case "inactive", "deactivating", "failed":
		st.State = StateStopped
	default:
		st.State = StateUnknown
	}

	if st.State == StateRunning {
		if probe, ok := c.probes[name]; ok {
			if perr := probe(ctx); perr != nil {
				st.State = StateDegraded
				st.Error = perr.Error()
			}
		}
	}
	return st
}

func (c *SystemdController) isActive(ctx context.Context, name string) bool {
	out, _ := c.runner.Output(ctx, "systemctl", "is-active", name)
	return strings.TrimSpace(string(out)) == "active"
}

// waitFor polls until the unit reaches the wanted state or the ready
// timeout elapses.
func (c *SystemdController) waitFor(ctx context.Context, name string, wantActive bool) error {
	deadline := c.clk.Now().Add(c.readyTimeout)
	for {
		if c.isActive(ctx, name) == wantActive {
			return nil
		}
		if c.clk.Now().After(deadline) {
			want := "active"
			if !wantActive {
				want = "inactive"
			}
			return fmt.Errorf("timed out after %s waiting for %s to become %s",
				c.readyTimeout, name, want)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.pollInterval):
		}
	}
}
