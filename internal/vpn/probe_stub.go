//go:build !linux

package vpn

import (
	"context"
	"fmt"
	"runtime"

	"grimm.is/egress/internal/services"
)

// HandshakeProbe is unavailable off Linux; the probe always fails so a
// misconfigured deployment is loud rather than silently green.
func HandshakeProbe(iface string) services.LivenessProbe {
	return func(ctx context.Context) error {
		return fmt.Errorf("wireguard probe not supported on %s", runtime.GOOS)
	}
}
