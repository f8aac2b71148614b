package engine

import (
	"context"
	"fmt"
	"time"

	"grimm.is/egress/internal/events"
	"grimm.is/egress/internal/logging"
	"grimm.is/egress/internal/modes"
	"grimm.is/egress/internal/services"
)

// ResolverProber checks that the local resolver answers at all.
type ResolverProber interface {
	Probe(ctx context.Context) error
}

// Reconciler compares the declared mode against live probes at a low
// cadence and repairs drift in place: a crashed service is restarted
// alone, without a full transition or firewall/DNS churn.
type Reconciler struct {
	engine      *Engine
	svc         services.Controller
	fw          FirewallBackend
	resolver    ResolverProber
	hub         *events.Hub
	logger      *logging.Logger
	interval    time.Duration
	maxAttempts int

	// attempts counts consecutive failed repairs per service. Reset on
	// success or on mode change.
	attempts map[string]int
	lastMode modes.Mode
}

// NewReconciler creates a reconciler. resolver may be nil to skip the
// DNS liveness sweep.
func NewReconciler(engine *Engine, svc services.Controller, fw FirewallBackend, resolver ResolverProber, hub *events.Hub, interval time.Duration, maxAttempts int, logger *logging.Logger) *Reconciler {
	if logger == nil {
		logger = logging.New(logging.DefaultConfig())
	}
	return &Reconciler{
		engine:      engine,
		svc:         svc,
		fw:          fw,
		resolver:    resolver,
		hub:         hub,
		logger:      logger.WithComponent("reconciler"),
		interval:    interval,
		maxAttempts: maxAttempts,
		attempts:    make(map[string]int),
	}
}

// Run sweeps on the configured interval until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep performs one reconciliation pass. Exported so the daemon can
// trigger an immediate pass after startup.
func (r *Reconciler) Sweep(ctx context.Context) {
	// The hub only counts drops; the sweep is the cadence that surfaces
	// them as a metric.
	_, dropped := r.hub.Stats()
	r.engine.mreg.EventsDropped.Set(float64(dropped))

	state := r.engine.State()
	if state.InFlight != nil {
		// Never probe-and-repair underneath a running transition.
		return
	}

	if state.Current != r.lastMode {
		r.attempts = make(map[string]int)
		r.lastMode = state.Current
	}

	desc, err := r.engine.Registry().Describe(state.Current)
	if err != nil {
		r.logger.Error("Current mode not in registry", "mode", state.Current, "error", err)
		return
	}

	mreg := r.engine.mreg
	for _, name := range desc.RequiredUp {
		st := r.svc.Probe(ctx, name)
		if st.Running() {
			mreg.ServiceUp.WithLabelValues(name).Set(1)
			if r.attempts[name] > 0 {
				r.attempts[name] = 0
				r.hub.EmitService(events.EventServiceUp, events.ServiceData{Service: name, State: string(st.State)})
			}
			continue
		}

		mreg.ServiceUp.WithLabelValues(name).Set(0)
		mreg.DriftDetected.Inc()
		r.hub.EmitService(events.EventServiceDown, events.ServiceData{Service: name, State: string(st.State)})
		r.hub.EmitRepair(events.EventDriftDetected, events.RepairData{
			Mode: state.Current.String(), Problem: fmt.Sprintf("service %s is %s", name, st.State),
		})
		r.repairService(ctx, state.Current, name)
	}

	r.checkFirewall(ctx, state.Current, desc)
	r.checkResolver(ctx, state.Current)
}

func (r *Reconciler) repairService(ctx context.Context, mode modes.Mode, name string) {
	if r.attempts[name] >= r.maxAttempts {
		// Already gave up; stay quiet until the mode changes or the
		// service recovers on its own.
		return
	}

	// The probe ran without the transition lock, so the mode may have
	// changed since. The restart itself runs under the lock and only if
	// the observed mode is still the active one; a stale observation
	// must never resurrect a torn-down mode's service.
	var err error
	ran := r.engine.repairLocked(mode, func() {
		r.attempts[name]++
		r.engine.mreg.RepairAttempts.WithLabelValues(name).Inc()
		r.logger.Warn("Repairing service", "service", name, "attempt", r.attempts[name])
		err = r.svc.EnsureRunning(ctx, name)
	})
	if !ran {
		r.logger.Debug("Skipping repair, transition raced the sweep", "service", name, "observed_mode", mode)
		return
	}
	attempt := r.attempts[name]
	if err == nil {
		r.attempts[name] = 0
		r.hub.EmitRepair(events.EventRepair, events.RepairData{
			Mode: mode.String(), Problem: "service " + name + " down", Attempt: attempt,
		})
		return
	}

	r.logger.Error("Repair failed", "service", name, "attempt", attempt, "error", err)
	if r.attempts[name] >= r.maxAttempts {
		msg := fmt.Sprintf("service %s: repair failed after %d attempts: %v", name, attempt, err)
		r.engine.setLastError(msg)
		r.hub.EmitRepair(events.EventRepairGaveUp, events.RepairData{
			Mode: mode.String(), Problem: "service " + name + " down",
			Attempt: attempt, Error: err.Error(),
		})
	}
}

// checkFirewall re-applies the mode's ruleset if the managed table has
// vanished (a manual nft flush, for example).
func (r *Reconciler) checkFirewall(ctx context.Context, mode modes.Mode, desc modes.Descriptor) {
	if err := r.fw.Verify(ctx); err == nil {
		return
	}

	r.engine.mreg.DriftDetected.Inc()
	r.hub.EmitRepair(events.EventDriftDetected, events.RepairData{
		Mode: mode.String(), Problem: "managed firewall table missing",
	})

	var err error
	ran := r.engine.repairLocked(mode, func() {
		r.logger.Warn("Managed firewall table missing, re-applying ruleset", "ruleset", desc.Ruleset)
		err = r.fw.Apply(ctx, desc.Ruleset)
	})
	if !ran {
		r.logger.Debug("Skipping firewall repair, transition raced the sweep", "observed_mode", mode)
		return
	}
	if err != nil {
		msg := fmt.Sprintf("firewall repair failed: %v", err)
		r.engine.setLastError(msg)
		r.hub.EmitRepair(events.EventRepairGaveUp, events.RepairData{
			Mode: mode.String(), Problem: "managed firewall table missing", Error: err.Error(),
		})
	}
}

func (r *Reconciler) checkResolver(ctx context.Context, mode modes.Mode) {
	if r.resolver == nil {
		return
	}
	if err := r.resolver.Probe(ctx); err != nil {
		r.logger.Warn("Resolver probe failed", "error", err)
		r.hub.EmitRepair(events.EventDriftDetected, events.RepairData{
			Mode: mode.String(), Problem: "resolver not answering", Error: err.Error(),
		})
	}
}
