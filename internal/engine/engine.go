// Package engine is the state machine at the heart of the daemon. It
// owns the one mutable SystemState, serializes transitions, and enforces
// the invariant that at most one non-default mode's services ever run
// concurrently.
package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"grimm.is/egress/internal/clock"
	"grimm.is/egress/internal/events"
	"grimm.is/egress/internal/logging"
	"grimm.is/egress/internal/metrics"
	"grimm.is/egress/internal/modes"
	"grimm.is/egress/internal/services"
)

// FirewallBackend is the slice of the firewall the engine needs.
type FirewallBackend interface {
	Apply(ctx context.Context, name string) error
	Verify(ctx context.Context) error
}

// ResolverConfigurer rewrites the resolver's forward target.
type ResolverConfigurer interface {
	Configure(ctx context.Context, target string, dnssec modes.DNSSECPolicy) error
}

// RestorePoint is a captured firewall state used as a last resort when
// even the fallback to baseline fails.
type RestorePoint interface {
	Restore(ctx context.Context) error
	Discard()
}

// CheckpointFunc captures a RestorePoint before a transition mutates
// anything.
type CheckpointFunc func(ctx context.Context) (RestorePoint, error)

// TransitionRecord is one row of the audit trail.
type TransitionRecord struct {
	RequestID  string
	From       string
	To         string
	Trigger    string
	Outcome    string // success, failed, rollback_failed
	Phase      string
	Error      string
	StartedAt  time.Time
	FinishedAt time.Time
}

// TransitionRecorder persists finished transitions.
type TransitionRecorder interface {
	Record(ctx context.Context, rec TransitionRecord) error
}

// SystemState is the read-only snapshot handed to the API.
type SystemState struct {
	Current          modes.Mode         `json:"current"`
	Previous         modes.Mode         `json:"previous"`
	InFlight         *TransitionRequest `json:"in_flight,omitempty"`
	RollbackFailed   bool               `json:"rollback_failed"`
	LastError        string             `json:"last_error,omitempty"`
	LastTransitionAt time.Time          `json:"last_transition_at,omitempty"`
}

// Engine sequences mode transitions. Exactly one Transition runs at a
// time; Status reads never block on the transition lock.
type Engine struct {
	registry *modes.Registry
	fw       FirewallBackend
	dns      ResolverConfigurer
	svc      services.Controller
	hub      *events.Hub
	logger   *logging.Logger
	clk      clock.Clock
	mreg     *metrics.Registry

	checkpoint CheckpointFunc
	recorder   TransitionRecorder

	// transMu serializes transitions. stateMu guards the snapshot so
	// readers stay responsive during a slow transition.
	transMu sync.Mutex
	stateMu sync.RWMutex
	state   SystemState
}

// EngineOption configures the engine.
type EngineOption func(*Engine)

// WithCheckpoint enables last-resort firewall restore points.
func WithCheckpoint(fn CheckpointFunc) EngineOption {
	return func(e *Engine) { e.checkpoint = fn }
}

// WithRecorder enables the persistent audit trail.
func WithRecorder(r TransitionRecorder) EngineOption {
	return func(e *Engine) { e.recorder = r }
}

// WithClock replaces the clock (tests).
func WithClock(c clock.Clock) EngineOption {
	return func(e *Engine) { e.clk = c }
}

// New creates an engine starting in Direct mode. The caller runs
// Bootstrap before serving requests so declared state matches the live
// system.
func New(registry *modes.Registry, fw FirewallBackend, dns ResolverConfigurer, svc services.Controller, hub *events.Hub, logger *logging.Logger, opts ...EngineOption) *Engine {
	if logger == nil {
		logger = logging.New(logging.DefaultConfig())
	}
	e := &Engine{
		registry: registry,
		fw:       fw,
		dns:      dns,
		svc:      svc,
		hub:      hub,
		logger:   logger.WithComponent("engine"),
		clk:      &clock.RealClock{},
		mreg:     metrics.Get(),
		state:    SystemState{Current: modes.Direct, Previous: modes.Direct},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Current returns the active mode.
func (e *Engine) Current() modes.Mode {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()
	return e.state.Current
}

// State returns a copy of the system state.
func (e *Engine) State() SystemState {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()
	return e.state
}

// Registry exposes the mode table for status consumers.
func (e *Engine) Registry() *modes.Registry { return e.registry }

// Probe returns a live, non-blocking status for one service.
func (e *Engine) Probe(ctx context.Context, name string) services.Status {
	return e.svc.Probe(ctx, name)
}

// ClearAlarm manually drops the rollback-failed standing alarm.
func (e *Engine) ClearAlarm() {
	e.stateMu.Lock()
	e.state.RollbackFailed = false
	e.state.LastError = ""
	e.stateMu.Unlock()
	e.mreg.RollbackAlarm.Set(0)
	e.logger.Warn("Rollback alarm cleared manually")
}

// Bootstrap probes the live system and forces it to the Direct baseline.
// The daemon never trusts pre-crash memory; ambiguity resolves to safe.
func (e *Engine) Bootstrap(ctx context.Context) error {
	e.logger.Info("Bootstrapping to baseline")

	direct, err := e.registry.Describe(modes.Direct)
	if err != nil {
		return err
	}

	req := NewRequest(modes.Direct, TriggerBoot)
	start := e.clk.Now()
	from := e.Current()

	for _, name := range e.managedServices() {
		st := e.svc.Probe(ctx, name)
		if st.State == services.StateStopped {
			continue
		}
		if err := e.svc.EnsureStopped(ctx, name); err != nil {
			e.logger.Warn("Bootstrap stop failed", "service", name, "error", err)
		}
	}

	if err := e.fw.Apply(ctx, direct.Ruleset); err != nil {
		return err
	}
	if err := e.dns.Configure(ctx, direct.DNSTarget, modes.DNSSECStrict); err != nil {
		return err
	}

	e.stateMu.Lock()
	e.state.Current = modes.Direct
	e.state.Previous = modes.Direct
	e.stateMu.Unlock()
	e.publishModeGauge(modes.Direct)
	e.record(ctx, req, from, "success", "", nil, start)
	return nil
}

// Transition moves the system to the requested mode. Same-mode requests
// are successful no-ops; a request during another transition fails with
// ErrBusy.
func (e *Engine) Transition(ctx context.Context, req TransitionRequest) error {
	target, err := e.registry.Describe(req.Target)
	if err != nil {
		return err
	}

	if !e.transMu.TryLock() {
		return ErrBusy
	}
	defer e.transMu.Unlock()

	cur := e.Current()
	if cur == req.Target {
		return nil
	}
	curDesc, err := e.registry.Describe(cur)
	if err != nil {
		return err
	}
	direct, _ := e.registry.Describe(modes.Direct)

	start := e.clk.Now()
	e.setInFlight(&req)
	defer e.setInFlight(nil)

	e.logger.Info("Transition started", "from", cur, "to", req.Target, "trigger", string(req.Trigger), "request_id", req.ID)
	e.hub.EmitTransition(events.EventTransitionStarted, events.TransitionData{
		RequestID: req.ID, From: cur.String(), To: req.Target.String(), Trigger: string(req.Trigger),
	})

	var cp RestorePoint
	if e.checkpoint != nil {
		if c, cpErr := e.checkpoint(ctx); cpErr != nil {
			e.logger.Warn("Checkpoint capture failed", "error", cpErr)
		} else {
			cp = c
			defer cp.Discard()
		}
	}

	e.teardown(ctx, curDesc, target, direct)

	if setupErr := e.setup(ctx, target); setupErr != nil {
		return e.rollback(ctx, req, cur, target, direct, cp, setupErr, start)
	}

	e.stateMu.Lock()
	e.state.Previous = cur
	e.state.Current = req.Target
	e.state.RollbackFailed = false
	e.state.LastError = ""
	e.state.LastTransitionAt = e.clk.Now()
	e.stateMu.Unlock()

	dur := e.clk.Now().Sub(start)
	e.publishModeGauge(req.Target)
	e.mreg.RollbackAlarm.Set(0)
	e.mreg.ObserveTransition(req.Target.String(), "success", dur)
	e.record(ctx, req, cur, "success", "", nil, start)

	e.logger.Info("Transition complete", "mode", req.Target, "duration", dur)
	e.hub.EmitTransition(events.EventTransitionComplete, events.TransitionData{
		RequestID: req.ID, From: cur.String(), To: req.Target.String(),
		Trigger: string(req.Trigger), Duration: dur.String(),
	})
	return nil
}

// teardown returns the system to the Direct baseline. Best-effort: a
// stuck service must not block reaching a safe intermediate state.
func (e *Engine) teardown(ctx context.Context, cur, target, direct modes.Descriptor) {
	for _, name := range modes.ServicesToStop(cur, target) {
		if err := e.svc.EnsureStopped(ctx, name); err != nil {
			e.logger.Warn("Teardown stop failed, continuing", "service", name, "error", err)
		}
	}

	// DNSSEC returns to strict before any new policy applies, so a
	// failed transition can never leave validation relaxed.
	if err := e.dns.Configure(ctx, direct.DNSTarget, modes.DNSSECStrict); err != nil {
		e.logger.Warn("Teardown resolver reset failed, continuing", "error", err)
	}
	if err := e.fw.Apply(ctx, direct.Ruleset); err != nil {
		e.logger.Warn("Teardown ruleset reset failed, continuing", "error", err)
	}
}

// setup applies the target mode. Firewall first, so a half-started
// service is never exposed without filtering. Any failure aborts.
func (e *Engine) setup(ctx context.Context, target modes.Descriptor) error {
	if err := e.fw.Apply(ctx, target.Ruleset); err != nil {
		return err
	}
	if err := e.dns.Configure(ctx, target.DNSTarget, target.DNSSEC); err != nil {
		return err
	}
	for _, name := range target.RequiredDown {
		if err := e.svc.EnsureStopped(ctx, name); err != nil {
			return err
		}
	}
	for _, name := range target.RequiredUp {
		if err := e.svc.EnsureRunning(ctx, name); err != nil {
			return err
		}
	}
	return nil
}

// rollback re-runs teardown-to-baseline after a failed setup. If that
// also fails, the checkpoint is the last resort and the standing alarm
// is raised either way.
func (e *Engine) rollback(ctx context.Context, req TransitionRequest, cur modes.Mode, target, direct modes.Descriptor, cp RestorePoint, setupErr error, start time.Time) error {
	terr := &TransitionError{Phase: PhaseSetup, Err: setupErr}
	e.logger.Error("Setup failed, rolling back to baseline", "target", target.Mode, "error", setupErr)

	var rbErrs []error
	for _, name := range target.RequiredUp {
		if err := e.svc.EnsureStopped(ctx, name); err != nil {
			rbErrs = append(rbErrs, err)
		}
	}
	if err := e.dns.Configure(ctx, direct.DNSTarget, modes.DNSSECStrict); err != nil {
		rbErrs = append(rbErrs, err)
	}
	if err := e.fw.Apply(ctx, direct.Ruleset); err != nil {
		rbErrs = append(rbErrs, err)
	}

	dur := e.clk.Now().Sub(start)

	if len(rbErrs) > 0 {
		rbErr := errors.Join(rbErrs...)
		if cp != nil {
			if restoreErr := cp.Restore(ctx); restoreErr != nil {
				e.logger.Error("Checkpoint restore also failed", "error", restoreErr)
			}
		}
		final := &RollbackError{Setup: setupErr, Rollback: rbErr}

		e.stateMu.Lock()
		e.state.Previous = cur
		e.state.Current = modes.Direct
		e.state.RollbackFailed = true
		e.state.LastError = final.Error()
		e.state.LastTransitionAt = e.clk.Now()
		e.stateMu.Unlock()

		e.publishModeGauge(modes.Direct)
		e.mreg.RollbackAlarm.Set(1)
		e.mreg.ObserveTransition(target.Mode.String(), "rollback_failed", dur)
		e.record(ctx, req, cur, "rollback_failed", string(PhaseRollback), final, start)

		e.logger.Error("ROLLBACK FAILED, system state inconsistent", "error", final)
		e.hub.EmitTransition(events.EventRollbackFailed, events.TransitionData{
			RequestID: req.ID, From: cur.String(), To: target.Mode.String(),
			Trigger: string(req.Trigger), Phase: string(PhaseRollback), Error: final.Error(),
		})
		return final
	}

	e.stateMu.Lock()
	e.state.Previous = cur
	e.state.Current = modes.Direct
	e.state.LastError = terr.Error()
	e.state.LastTransitionAt = e.clk.Now()
	e.stateMu.Unlock()

	e.publishModeGauge(modes.Direct)
	e.mreg.ObserveTransition(target.Mode.String(), "failed", dur)
	e.record(ctx, req, cur, "failed", string(PhaseSetup), terr, start)

	e.hub.EmitTransition(events.EventTransitionFailed, events.TransitionData{
		RequestID: req.ID, From: cur.String(), To: target.Mode.String(),
		Trigger: string(req.Trigger), Phase: string(PhaseSetup), Error: terr.Error(),
	})
	e.hub.EmitTransition(events.EventTransitionRolled, events.TransitionData{
		RequestID: req.ID, From: target.Mode.String(), To: modes.Direct.String(),
		Trigger: string(req.Trigger),
	})
	return terr
}

// repairLocked runs a reconciler mutation under the transition lock,
// re-checking that the active mode still matches what the sweep
// observed. Returns false when a transition holds the lock or the mode
// moved on; the caller's observation is stale then and must be
// discarded, never acted on. Probes stay lockless.
func (e *Engine) repairLocked(expected modes.Mode, fn func()) bool {
	if !e.transMu.TryLock() {
		return false
	}
	defer e.transMu.Unlock()
	if e.Current() != expected {
		return false
	}
	fn()
	return true
}

// setLastError surfaces a standing problem (reconciler gave up) in the
// status snapshot without a transition.
func (e *Engine) setLastError(msg string) {
	e.stateMu.Lock()
	e.state.LastError = msg
	e.stateMu.Unlock()
}

func (e *Engine) setInFlight(req *TransitionRequest) {
	e.stateMu.Lock()
	e.state.InFlight = req
	e.stateMu.Unlock()
}

func (e *Engine) record(ctx context.Context, req TransitionRequest, from modes.Mode, outcome, phase string, err error, start time.Time) {
	if e.recorder == nil {
		return
	}
	rec := TransitionRecord{
		RequestID:  req.ID,
		From:       from.String(),
		To:         req.Target.String(),
		Trigger:    string(req.Trigger),
		Outcome:    outcome,
		Phase:      phase,
		StartedAt:  start,
		FinishedAt: e.clk.Now(),
	}
	if err != nil {
		rec.Error = err.Error()
	}
	if recErr := e.recorder.Record(ctx, rec); recErr != nil {
		e.logger.Warn("Audit record failed", "error", recErr)
	}
}

func (e *Engine) publishModeGauge(active modes.Mode) {
	all := e.registry.Modes()
	names := make([]string, len(all))
	for i, m := range all {
		names[i] = m.String()
	}
	e.mreg.SetCurrentMode(active.String(), names)
}

// managedServices is the union of every registered mode's required
// services.
func (e *Engine) managedServices() []string {
	seen := make(map[string]bool)
	var out []string
	for _, m := range e.registry.Modes() {
		d, err := e.registry.Describe(m)
		if err != nil {
			continue
		}
		for _, s := range d.RequiredUp {
			if !seen[s] {
				seen[s] = true
				out = append(out, s)
			}
		}
	}
	return out
}
