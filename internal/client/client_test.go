package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDaemon(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(strings.TrimPrefix(srv.URL, "http://"))
}

func TestStatus(t *testing.T) {
	c := newTestDaemon(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/status", r.URL.Path)
		w.Write([]byte(`{"mode":"vpn","previous_mode":"direct","rollback_failed":false,"services":{}}`))
	})

	st, err := c.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "vpn", st.Mode)
	assert.Equal(t, "direct", st.PreviousMode)
}

func TestSetMode_OK(t *testing.T) {
	c := newTestDaemon(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/mode/tor", r.URL.Path)
		w.Write([]byte(`{"status":"ok","mode":"tor"}`))
	})

	require.NoError(t, c.SetMode(context.Background(), "tor"))
}

func TestSetMode_ErrorWithPhase(t *testing.T) {
	c := newTestDaemon(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte(`{"error":"service tor: start: timeout","kind":"transition_failed","phase":"setup"}`))
	})

	err := c.SetMode(context.Background(), "tor")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "phase: setup")
}

func TestTransitions_Limit(t *testing.T) {
	c := newTestDaemon(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "5", r.URL.Query().Get("limit"))
		w.Write([]byte(`[{"request_id":"r1","from":"direct","to":"vpn","outcome":"success"}]`))
	})

	entries, err := c.Transitions(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "r1", entries[0].RequestID)
}

func TestHealthy_Unhealthy(t *testing.T) {
	c := newTestDaemon(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	assert.Error(t, c.Healthy(context.Background()))
}

func TestEgressIP(t *testing.T) {
	c := newTestDaemon(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ip":"203.0.113.9","is_tor":false}`))
	})

	result, err := c.EgressIP(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "203.0.113.9", result.IP)
}
