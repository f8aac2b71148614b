package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/egress/internal/execx"
)

func newTestController(runner execx.CommandRunner, opts ...SystemdOption) *SystemdController {
	base := []SystemdOption{
		WithRunner(runner),
		WithReadyTimeout(200 * time.Millisecond),
		WithPollInterval(10 * time.Millisecond),
	}
	return NewSystemdController(nil, append(base, opts...)...)
}

func TestEnsureRunning_NoOpWhenActive(t *testing.T) {
	runner := &execx.MockCommandRunner{}
	runner.On("Output", "systemctl", "is-active", "tor").Return([]byte("active\n"), nil)

	c := newTestController(runner)
	require.NoError(t, c.EnsureRunning(context.Background(), "tor"))

	runner.AssertNotCalled(t, "Run", "systemctl", "start", "tor")
}

func TestEnsureRunning_StartsAndWaits(t *testing.T) {
	runner := &execx.MockCommandRunner{}
	runner.On("Output", "systemctl", "is-active", "wg-quick@wg0").
		Return([]byte("inactive\n"), errors.New("exit status 3")).Times(2)
	runner.On("Run", "systemctl", "start", "wg-quick@wg0").Return(nil)
	runner.On("Output", "systemctl", "is-active", "wg-quick@wg0").
		Return([]byte("active\n"), nil)

	c := newTestController(runner)
	require.NoError(t, c.EnsureRunning(context.Background(), "wg-quick@wg0"))
	runner.AssertExpectations(t)
}

func TestEnsureRunning_Timeout(t *testing.T) {
	runner := &execx.MockCommandRunner{}
	runner.On("Output", "systemctl", "is-active", "tor").
		Return([]byte("activating\n"), nil)
	runner.On("Run", "systemctl", "start", "tor").Return(nil)

	c := newTestController(runner)
	err := c.EnsureRunning(context.Background(), "tor")
	require.Error(t, err)

	var serr *ServiceError
	require.True(t, errors.As(err, &serr))
	assert.Equal(t, "tor", serr.Service)
	assert.Equal(t, "start", serr.Op)
	assert.Contains(t, serr.Error(), "timed out")
}

func TestEnsureRunning_StartFails(t *testing.T) {
	runner := &execx.MockCommandRunner{}
	runner.On("Output", "systemctl", "is-active", "tor").
		Return([]byte("failed\n"), errors.New("exit status 3"))
	runner.On("Run", "systemctl", "start", "tor").Return(errors.New("unit not found"))

	c := newTestController(runner)
	err := c.EnsureRunning(context.Background(), "tor")

	var serr *ServiceError
	require.True(t, errors.As(err, &serr))
	assert.Contains(t, serr.Err.Error(), "unit not found")
}

func TestEnsureStopped_NoOpWhenInactive(t *testing.T) {
	runner := &execx.MockCommandRunner{}
	runner.On("Output", "systemctl", "is-active", "tor").
		Return([]byte("inactive\n"), errors.New("exit status 3"))

	c := newTestController(runner)
	require.NoError(t, c.EnsureStopped(context.Background(), "tor"))

	runner.AssertNotCalled(t, "Run", "systemctl", "stop", "tor")
}

func TestEnsureStopped_StopsAndWaits(t *testing.T) {
	runner := &execx.MockCommandRunner{}
	runner.On("Output", "systemctl", "is-active", "tor").
		Return([]byte("active\n"), nil).Times(2)
	runner.On("Run", "systemctl", "stop", "tor").Return(nil)
	runner.On("Output", "systemctl", "is-active", "tor").
		Return([]byte("inactive\n"), errors.New("exit status 3"))

	c := newTestController(runner)
	require.NoError(t, c.EnsureStopped(context.Background(), "tor"))
	runner.AssertExpectations(t)
}

func TestReload_FailsWhenDown(t *testing.T) {
	runner := &execx.MockCommandRunner{}
	runner.On("Output", "systemctl", "is-active", "unbound").
		Return([]byte("inactive\n"), errors.New("exit status 3"))

	c := newTestController(runner)
	err := c.Reload(context.Background(), "unbound")
	assert.True(t, errors.Is(err, ErrNotRunning))
}

func TestReload_OK(t *testing.T) {
	runner := &execx.MockCommandRunner{}
	runner.On("Output", "systemctl", "is-active", "unbound").Return([]byte("active\n"), nil)
	runner.On("Run", "systemctl", "reload", "unbound").Return(nil)

	c := newTestController(runner)
	require.NoError(t, c.Reload(context.Background(), "unbound"))
	runner.AssertExpectations(t)
}

func TestProbe_StateMapping(t *testing.T) {
	tests := []struct {
		output string
		want   State
	}{
		{"active", StateRunning},
		{"activating", StateRunning},
		{"inactive", StateStopped},
		{"failed", StateStopped},
		{"weird", StateUnknown},
	}

	for _, tc := range tests {
		t.Run(tc.output, func(t *testing.T) {
			runner := &execx.MockCommandRunner{}
			runner.On("Output", "systemctl", "is-active", "svc").
				Return([]byte(tc.output+"\n"), nil)

			c := newTestController(runner)
			st := c.Probe(context.Background(), "svc")
			assert.Equal(t, tc.want, st.State)
			assert.Equal(t, "svc", st.Name)
			assert.False(t, st.CheckedAt.IsZero())
		})
	}
}

func TestProbe_DeepLivenessDegrades(t *testing.T) {
	runner := &execx.MockCommandRunner{}
	runner.On("Output", "systemctl", "is-active", "wg-quick@wg0").
		Return([]byte("active\n"), nil)

	c := newTestController(runner, WithLivenessProbe("wg-quick@wg0", func(ctx context.Context) error {
		return errors.New("no handshake in 5m")
	}))

	st := c.Probe(context.Background(), "wg-quick@wg0")
	assert.Equal(t, StateDegraded, st.State)
	assert.Contains(t, st.Error, "handshake")
}

func TestProbe_SilentFailureIsUnknown(t *testing.T) {
	runner := &execx.MockCommandRunner{}
	runner.On("Output", "systemctl", "is-active", "svc").
		Return(nil, errors.New("systemctl not found"))

	c := newTestController(runner)
	st := c.Probe(context.Background(), "svc")
	assert.Equal(t, StateUnknown, st.State)
}
