package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/egress/internal/config"
	"grimm.is/egress/internal/events"
	"grimm.is/egress/internal/modes"
	"grimm.is/egress/internal/services"
)

const (
	waitLong = 2 * time.Second
	waitTick = 10 * time.Millisecond
)

func transitionEventTypes() []events.EventType {
	return []events.EventType{
		events.EventTransitionStarted,
		events.EventTransitionComplete,
		events.EventTransitionFailed,
		events.EventTransitionRolled,
		events.EventRollbackFailed,
	}
}

// opLog records calls across fakes so tests can assert ordering.
type opLog struct {
	mu  sync.Mutex
	ops []string
}

func (l *opLog) add(op string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ops = append(l.ops, op)
}

func (l *opLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.ops...)
}

func (l *opLog) indexOf(op string) int {
	for i, o := range l.all() {
		if o == op {
			return i
		}
	}
	return -1
}

type fakeFirewall struct {
	log       *opLog
	applyErr  map[string]error // per-ruleset failure injection
	verifyErr error
}

func (f *fakeFirewall) Apply(ctx context.Context, name string) error {
	f.log.add("fw:" + name)
	if err := f.applyErr[name]; err != nil {
		return err
	}
	return nil
}

func (f *fakeFirewall) Verify(ctx context.Context) error { return f.verifyErr }

type fakeResolver struct {
	log *opLog
	err error
}

func (f *fakeResolver) Configure(ctx context.Context, target string, dnssec modes.DNSSECPolicy) error {
	f.log.add("dns:" + target + ":" + string(dnssec))
	return f.err
}

type fakeServices struct {
	log      *opLog
	startErr map[string]error
	stopErr  map[string]error
	status   map[string]services.State

	// block, when non-nil, stalls EnsureRunning until closed.
	block chan struct{}

	// probeEntered announces each Probe call; probeHold stalls it until
	// closed. Both nil by default.
	probeEntered chan string
	probeHold    chan struct{}
}

func (f *fakeServices) EnsureRunning(ctx context.Context, name string) error {
	if f.block != nil {
		<-f.block
	}
	f.log.add("start:" + name)
	return f.startErr[name]
}

func (f *fakeServices) EnsureStopped(ctx context.Context, name string) error {
	f.log.add("stop:" + name)
	return f.stopErr[name]
}

func (f *fakeServices) Reload(ctx context.Context, name string) error {
	f.log.add("reload:" + name)
	return nil
}

func (f *fakeServices) Probe(ctx context.Context, name string) services.Status {
	if f.probeEntered != nil {
		f.probeEntered <- name
	}
	if f.probeHold != nil {
		<-f.probeHold
	}
	st := f.status[name]
	if st == "" {
		st = services.StateStopped
	}
	return services.Status{Name: name, State: st}
}

type fakeRestorePoint struct {
	restored  bool
	discarded bool
	err       error
}

func (f *fakeRestorePoint) Restore(ctx context.Context) error {
	f.restored = true
	return f.err
}

func (f *fakeRestorePoint) Discard() { f.discarded = true }

func testRegistry(t *testing.T) *modes.Registry {
	t.Helper()
	cfg := &config.Config{
		Firewall: &config.FirewallConfig{DefaultRuleset: "direct.nft"},
		Modes: []config.ModeConfig{
			{
				Name:        "vpn",
				Ruleset:     "vpn.nft",
				DNSForward:  "10.64.0.1:53",
				DNSSEC:      "strict",
				RequireUp:   []string{"wg-quick@wg0"},
				RequireDown: []string{"tor"},
			},
			{
				Name:        "tor",
				Ruleset:     "tor.nft",
				DNSForward:  "127.0.0.1:5353",
				DNSSEC:      "permissive",
				RequireUp:   []string{"tor"},
				RequireDown: []string{"wg-quick@wg0"},
			},
		},
	}
	reg, err := modes.NewRegistry(cfg)
	require.NoError(t, err)
	return reg
}

type harness struct {
	engine *Engine
	fw     *fakeFirewall
	dns    *fakeResolver
	svc    *fakeServices
	hub    *events.Hub
	log    *opLog
}

func newHarness(t *testing.T, opts ...EngineOption) *harness {
	t.Helper()
	log := &opLog{}
	fw := &fakeFirewall{log: log, applyErr: map[string]error{}}
	dns := &fakeResolver{log: log}
	svc := &fakeServices{
		log:      log,
		startErr: map[string]error{},
		stopErr:  map[string]error{},
		status:   map[string]services.State{},
	}
	hub := events.NewHub()
	eng := New(testRegistry(t), fw, dns, svc, hub, nil, opts...)
	return &harness{engine: eng, fw: fw, dns: dns, svc: svc, hub: hub, log: log}
}

func TestTransition_SameModeIsNoOp(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.engine.Transition(context.Background(), NewRequest(modes.Direct, TriggerAPI)))
	assert.Empty(t, h.log.all())
}

func TestTransition_UnknownMode(t *testing.T) {
	h := newHarness(t)
	err := h.engine.Transition(context.Background(), TransitionRequest{Target: modes.Mode("mesh")})
	assert.True(t, errors.Is(err, modes.ErrUnknownMode))
}

func TestTransition_DirectToVPN(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.engine.Transition(context.Background(), NewRequest(modes.VPN, TriggerAPI)))

	assert.Equal(t, modes.VPN, h.engine.Current())
	st := h.engine.State()
	assert.Equal(t, modes.Direct, st.Previous)
	assert.Empty(t, st.LastError)
	assert.False(t, st.RollbackFailed)

	// Firewall lands before the tunnel comes up.
	assert.Less(t, h.log.indexOf("fw:vpn.nft"), h.log.indexOf("start:wg-quick@wg0"))
	assert.Contains(t, h.log.all(), "dns:10.64.0.1:53:strict")
	assert.Contains(t, h.log.all(), "stop:tor")
}

func TestTransition_VPNToTor_FullTeardownFirst(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.engine.Transition(ctx, NewRequest(modes.VPN, TriggerAPI)))
	require.NoError(t, h.engine.Transition(ctx, NewRequest(modes.TorProxy, TriggerAPI)))

	assert.Equal(t, modes.TorProxy, h.engine.Current())
	assert.Equal(t, modes.VPN, h.engine.State().Previous)

	// The VPN tunnel is stopped before Tor is started, and the Tor
	// ruleset lands before the Tor service.
	stopVPN := h.log.indexOf("stop:wg-quick@wg0")
	startTor := h.log.indexOf("start:tor")
	require.GreaterOrEqual(t, stopVPN, 0)
	require.GreaterOrEqual(t, startTor, 0)
	assert.Less(t, stopVPN, startTor)
	assert.Less(t, h.log.indexOf("fw:tor.nft"), startTor)

	// Teardown passed through the strict baseline before applying the
	// permissive Tor policy.
	ops := h.log.all()
	baseline, permissive := -1, -1
	for i, op := range ops {
		if op == "dns:recursive:strict" && baseline == -1 && i > stopVPN {
			baseline = i
		}
		if op == "dns:127.0.0.1:5353:permissive" {
			permissive = i
		}
	}
	require.GreaterOrEqual(t, baseline, 0)
	assert.Less(t, baseline, permissive)
}

func TestTransition_SetupFailureRollsBackToDirect(t *testing.T) {
	h := newHarness(t)
	h.svc.startErr["wg-quick@wg0"] = &services.ServiceError{
		Service: "wg-quick@wg0", Op: "start", Err: errors.New("timeout"),
	}

	err := h.engine.Transition(context.Background(), NewRequest(modes.VPN, TriggerAPI))
	require.Error(t, err)

	var terr *TransitionError
	require.True(t, errors.As(err, &terr))
	assert.Equal(t, PhaseSetup, terr.Phase)

	var serr *services.ServiceError
	require.True(t, errors.As(err, &serr))
	assert.Equal(t, "wg-quick@wg0", serr.Service)

	assert.Equal(t, modes.Direct, h.engine.Current())
	st := h.engine.State()
	assert.Contains(t, st.LastError, "setup")
	assert.False(t, st.RollbackFailed)

	// DNSSEC ends strict on the baseline target.
	ops := h.log.all()
	last := ""
	for _, op := range ops {
		if len(op) > 4 && op[:4] == "dns:" {
			last = op
		}
	}
	assert.Equal(t, "dns:recursive:strict", last)
	assert.Equal(t, "fw:direct.nft", ops[len(ops)-1])
}

func TestTransition_RollbackFailureRaisesAlarm(t *testing.T) {
	cp := &fakeRestorePoint{}
	h := newHarness(t, WithCheckpoint(func(ctx context.Context) (RestorePoint, error) {
		return cp, nil
	}))

	h.svc.startErr["tor"] = errors.New("tor won't start")
	h.fw.applyErr["direct.nft"] = errors.New("nft: cannot load")

	err := h.engine.Transition(context.Background(), NewRequest(modes.TorProxy, TriggerAPI))
	require.Error(t, err)

	var rbErr *RollbackError
	require.True(t, errors.As(err, &rbErr))

	st := h.engine.State()
	assert.True(t, st.RollbackFailed)
	assert.Contains(t, st.LastError, "rollback")
	assert.True(t, cp.restored)

	// Alarm clears after a later successful transition.
	h.fw.applyErr = map[string]error{}
	h.svc.startErr = map[string]error{}
	require.NoError(t, h.engine.Transition(context.Background(), NewRequest(modes.VPN, TriggerAPI)))
	assert.False(t, h.engine.State().RollbackFailed)
}

func TestTransition_Busy(t *testing.T) {
	h := newHarness(t)
	h.svc.block = make(chan struct{})

	errCh := make(chan error, 1)
	go func() {
		errCh <- h.engine.Transition(context.Background(), NewRequest(modes.VPN, TriggerAPI))
	}()

	// Wait until the first transition is visibly in flight.
	require.Eventually(t, func() bool {
		return h.engine.State().InFlight != nil
	}, waitLong, waitTick)

	err := h.engine.Transition(context.Background(), NewRequest(modes.TorProxy, TriggerAPI))
	assert.True(t, errors.Is(err, ErrBusy))

	close(h.svc.block)
	require.NoError(t, <-errCh)
	assert.Equal(t, modes.VPN, h.engine.Current())
}

func TestTransition_TeardownFailureIsBestEffort(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.engine.Transition(ctx, NewRequest(modes.VPN, TriggerAPI)))

	// A stuck VPN client must not block reaching Tor.
	h.svc.stopErr["wg-quick@wg0"] = errors.New("unit stuck deactivating")
	require.NoError(t, h.engine.Transition(ctx, NewRequest(modes.TorProxy, TriggerAPI)))
	assert.Equal(t, modes.TorProxy, h.engine.Current())
}

func TestBootstrap_StopsStragglersAndAppliesBaseline(t *testing.T) {
	h := newHarness(t)
	h.svc.status["tor"] = services.StateRunning

	require.NoError(t, h.engine.Bootstrap(context.Background()))

	assert.Equal(t, modes.Direct, h.engine.Current())
	assert.Contains(t, h.log.all(), "stop:tor")
	assert.NotContains(t, h.log.all(), "stop:wg-quick@wg0")
	assert.Contains(t, h.log.all(), "fw:direct.nft")
	assert.Contains(t, h.log.all(), "dns:recursive:strict")
}

type fakeRecorder struct {
	mu   sync.Mutex
	recs []TransitionRecord
}

func (f *fakeRecorder) Record(ctx context.Context, rec TransitionRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recs = append(f.recs, rec)
	return nil
}

func (f *fakeRecorder) all() []TransitionRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]TransitionRecord(nil), f.recs...)
}

func TestBootstrap_RecordsBootTransition(t *testing.T) {
	rec := &fakeRecorder{}
	h := newHarness(t, WithRecorder(rec))

	require.NoError(t, h.engine.Bootstrap(context.Background()))

	recs := rec.all()
	require.Len(t, recs, 1)
	assert.Equal(t, "boot", recs[0].Trigger)
	assert.Equal(t, "direct", recs[0].To)
	assert.Equal(t, "success", recs[0].Outcome)
	assert.NotEmpty(t, recs[0].RequestID)
}

func TestTransition_EmitsLifecycleEvents(t *testing.T) {
	h := newHarness(t)
	ch := h.hub.Subscribe(16, transitionEventTypes()...)

	require.NoError(t, h.engine.Transition(context.Background(), NewRequest(modes.VPN, TriggerAPI)))

	var types []events.EventType
	for len(ch) > 0 {
		types = append(types, (<-ch).Type)
	}
	assert.Equal(t, []events.EventType{events.EventTransitionStarted, events.EventTransitionComplete}, types)
}
