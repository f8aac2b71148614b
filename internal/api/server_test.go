package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/egress/internal/audit"
	"grimm.is/egress/internal/config"
	"grimm.is/egress/internal/engine"
	"grimm.is/egress/internal/events"
	"grimm.is/egress/internal/modes"
	"grimm.is/egress/internal/netinfo"
	"grimm.is/egress/internal/services"
)

type stubFirewall struct{ applyErr error }

func (f *stubFirewall) Apply(ctx context.Context, name string) error { return f.applyErr }
func (f *stubFirewall) Verify(ctx context.Context) error             { return nil }

type stubResolver struct{}

func (f *stubResolver) Configure(ctx context.Context, target string, dnssec modes.DNSSECPolicy) error {
	return nil
}

type stubServices struct {
	startErr map[string]error
	running  map[string]bool
}

func (f *stubServices) EnsureRunning(ctx context.Context, name string) error {
	if f.startErr != nil {
		return f.startErr[name]
	}
	return nil
}
func (f *stubServices) EnsureStopped(ctx context.Context, name string) error { return nil }
func (f *stubServices) Reload(ctx context.Context, name string) error        { return nil }
func (f *stubServices) Probe(ctx context.Context, name string) services.Status {
	st := services.StateStopped
	if f.running[name] {
		st = services.StateRunning
	}
	return services.Status{Name: name, State: st}
}

type stubHistory struct {
	entries []audit.Entry
	err     error
}

func (f *stubHistory) Recent(ctx context.Context, limit int) ([]audit.Entry, error) {
	if f.err != nil {
		return nil, f.err
	}
	if limit < len(f.entries) {
		return f.entries[:limit], nil
	}
	return f.entries, nil
}

type stubLookup struct {
	result netinfo.EgressIP
	err    error
}

func (f *stubLookup) EgressIP(ctx context.Context) (netinfo.EgressIP, error) {
	return f.result, f.err
}

type fixture struct {
	server *Server
	engine *engine.Engine
	hub    *events.Hub
	svc    *stubServices
	fw     *stubFirewall
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := &config.Config{
		Firewall: &config.FirewallConfig{DefaultRuleset: "direct.nft"},
		Modes: []config.ModeConfig{
			{Name: "vpn", Ruleset: "vpn.nft", DNSForward: "10.64.0.1:53",
				RequireUp: []string{"wg-quick@wg0"}, RequireDown: []string{"tor"}},
			{Name: "tor", Ruleset: "tor.nft", DNSForward: "127.0.0.1:5353", DNSSEC: "permissive",
				RequireUp: []string{"tor"}, RequireDown: []string{"wg-quick@wg0"}},
		},
	}
	reg, err := modes.NewRegistry(cfg)
	require.NoError(t, err)

	hub := events.NewHub()
	fw := &stubFirewall{}
	svc := &stubServices{running: map[string]bool{}}
	eng := engine.New(reg, fw, &stubResolver{}, svc, hub, nil)

	srv := NewServer(ServerOptions{
		Listen:  "127.0.0.1:0",
		Engine:  eng,
		Hub:     hub,
		History: &stubHistory{entries: []audit.Entry{{RequestID: "r1", ToMode: "vpn", Outcome: "success"}}},
		Lookup:  &stubLookup{result: netinfo.EgressIP{IP: "203.0.113.9"}},
	})
	return &fixture{server: srv, engine: eng, hub: hub, svc: svc, fw: fw}
}

func doJSON(t *testing.T, h http.Handler, method, path string, out any) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if out != nil && rec.Code < 300 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out))
	}
	return rec
}

func TestStatus_LiveProbes(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.engine.Transition(context.Background(), engine.NewRequest(modes.VPN, engine.TriggerAPI)))

	// The tunnel died outside the daemon's control.
	f.svc.running["wg-quick@wg0"] = false

	var status StatusResponse
	rec := doJSON(t, f.server.Handler(), http.MethodGet, "/api/v1/status", &status)
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, "vpn", status.Mode)
	assert.Equal(t, "direct", status.PreviousMode)
	require.Contains(t, status.Services, "wg-quick@wg0")
	assert.Equal(t, services.StateStopped, status.Services["wg-quick@wg0"].State)
}

func TestSetMode_Success(t *testing.T) {
	f := newFixture(t)

	var resp TransitionResponse
	rec := doJSON(t, f.server.Handler(), http.MethodPost, "/api/v1/mode/vpn", &resp)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, modes.VPN, f.engine.Current())
}

func TestSetMode_UnknownMode(t *testing.T) {
	f := newFixture(t)
	rec := doJSON(t, f.server.Handler(), http.MethodPost, "/api/v1/mode/mesh", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "unknown_mode")
}

func TestSetMode_SetupFailureReportsPhase(t *testing.T) {
	f := newFixture(t)
	f.svc.startErr = map[string]error{"wg-quick@wg0": errors.New("no such unit")}

	rec := doJSON(t, f.server.Handler(), http.MethodPost, "/api/v1/mode/vpn", nil)
	assert.Equal(t, http.StatusBadGateway, rec.Code)

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "transition_failed", resp.Kind)
	assert.Equal(t, "setup", resp.Phase)
	assert.Equal(t, modes.Direct, f.engine.Current())
}

func TestSetMode_SameModeIsNoOp(t *testing.T) {
	f := newFixture(t)
	rec := doJSON(t, f.server.Handler(), http.MethodPost, "/api/v1/mode/direct", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestModes_ListsRegistered(t *testing.T) {
	f := newFixture(t)

	var out []ModeResponse
	rec := doJSON(t, f.server.Handler(), http.MethodGet, "/api/v1/modes", &out)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, out, 3)
	assert.Equal(t, "direct", out[0].Name)
	assert.True(t, out[0].Active)
}

func TestTransitions_History(t *testing.T) {
	f := newFixture(t)

	var out []audit.Entry
	rec := doJSON(t, f.server.Handler(), http.MethodGet, "/api/v1/transitions?limit=10", &out)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, out, 1)
	assert.Equal(t, "r1", out[0].RequestID)
}

func TestEgressIP(t *testing.T) {
	f := newFixture(t)

	var out netinfo.EgressIP
	rec := doJSON(t, f.server.Handler(), http.MethodGet, "/api/v1/egress-ip", &out)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "203.0.113.9", out.IP)
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
}

func TestClearAlarm(t *testing.T) {
	f := newFixture(t)
	rec := doJSON(t, f.server.Handler(), http.MethodPost, "/api/v1/alarm/clear", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, f.engine.State().RollbackFailed)
}

func TestEvents_WebsocketStream(t *testing.T) {
	f := newFixture(t)
	srv := httptest.NewServer(f.server.Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	// Give the server a moment to subscribe before publishing.
	time.Sleep(50 * time.Millisecond)
	f.hub.EmitTransition(events.EventTransitionStarted, events.TransitionData{From: "direct", To: "vpn"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var evt events.Event
	require.NoError(t, conn.ReadJSON(&evt))
	assert.Equal(t, events.EventTransitionStarted, evt.Type)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	rec := doJSON(t, f.server.Handler(), http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "egress_")
}
