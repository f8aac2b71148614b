//go:build linux

// Package vpn provides the deep liveness check for the WireGuard uplink.
// systemd reports wg-quick units as active the moment the interface
// exists; only the handshake age says whether the tunnel actually works.
package vpn

import (
	"context"
	"fmt"
	"time"

	"golang.zx2c4.com/wireguard/wgctrl"

	"grimm.is/egress/internal/clock"
	"grimm.is/egress/internal/services"
)

// MaxHandshakeAge is how stale the newest peer handshake may be before
// the tunnel counts as dead. WireGuard rekeys at least every 2 minutes
// under traffic; 3 minutes allows for an idle keepalive interval.
const MaxHandshakeAge = 3 * time.Minute

// HandshakeProbe returns a liveness probe for the named WireGuard
// interface. It opens a wgctrl client per call; the probe runs on the
// reconciler cadence, not per packet.
func HandshakeProbe(iface string) services.LivenessProbe {
	return func(ctx context.Context) error {
		c, err := wgctrl.New()
		if err != nil {
			return fmt.Errorf("opening wgctrl: %w", err)
		}
		defer c.Close()

		dev, err := c.Device(iface)
		if err != nil {
			return fmt.Errorf("device %s: %w", iface, err)
		}
		if len(dev.Peers) == 0 {
			return fmt.Errorf("device %s has no peers", iface)
		}

		var newest time.Time
		for _, p := range dev.Peers {
			if p.LastHandshakeTime.After(newest) {
				newest = p.LastHandshakeTime
			}
		}
		if newest.IsZero() {
			return fmt.Errorf("device %s has never completed a handshake", iface)
		}
		if age := clock.Since(newest); age > MaxHandshakeAge {
			return fmt.Errorf("device %s last handshake %s ago", iface, age.Round(time.Second))
		}
		return nil
	}
}
