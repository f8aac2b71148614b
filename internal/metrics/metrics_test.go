package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestGet_Singleton(t *testing.T) {
	assert.Same(t, Get(), Get())
}

func TestSetCurrentMode_ExactlyOneActive(t *testing.T) {
	r := Get()
	all := []string{"direct", "vpn", "tor"}

	r.SetCurrentMode("vpn", all)
	assert.Equal(t, 0.0, testutil.ToFloat64(r.CurrentMode.WithLabelValues("direct")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.CurrentMode.WithLabelValues("vpn")))
	assert.Equal(t, 0.0, testutil.ToFloat64(r.CurrentMode.WithLabelValues("tor")))

	r.SetCurrentMode("direct", all)
	assert.Equal(t, 1.0, testutil.ToFloat64(r.CurrentMode.WithLabelValues("direct")))
	assert.Equal(t, 0.0, testutil.ToFloat64(r.CurrentMode.WithLabelValues("vpn")))
}

func TestObserveTransition(t *testing.T) {
	r := Get()
	before := testutil.ToFloat64(r.TransitionsTotal.WithLabelValues("tor", "success"))

	r.ObserveTransition("tor", "success", 250*time.Millisecond)
	after := testutil.ToFloat64(r.TransitionsTotal.WithLabelValues("tor", "success"))
	assert.Equal(t, before+1, after)
}
