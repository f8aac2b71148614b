// Package modes holds the static description of each network mode: the
// firewall ruleset it needs, where DNS forwards, and which services must be
// running or stopped. It is a pure lookup table; all sequencing lives in
// the engine.
package modes

import (
	"fmt"

	"grimm.is/egress/internal/config"
)

// Mode identifies a mutually exclusive network-routing configuration.
type Mode string

const (
	// Direct is the safe clearnet baseline. Teardown always passes
	// through it.
	Direct Mode = "direct"

	// VPN routes all egress through the WireGuard tunnel.
	VPN Mode = "vpn"

	// TorProxy routes all egress through the Tor transparent proxy.
	TorProxy Mode = "tor"
)

// All lists every registered mode, Direct first.
var All = []Mode{Direct, VPN, TorProxy}

// ErrUnknownMode is returned for values outside the registry.
var ErrUnknownMode = fmt.Errorf("unknown mode")

// Parse converts a user-supplied string into a Mode.
func Parse(s string) (Mode, error) {
	switch Mode(s) {
	case Direct, VPN, TorProxy:
		return Mode(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownMode, s)
}

func (m Mode) String() string { return string(m) }

// DNSSECPolicy controls resolver validation while a mode is active.
type DNSSECPolicy string

const (
	// DNSSECStrict is the default: validation failures are SERVFAIL.
	DNSSECStrict DNSSECPolicy = "strict"

	// DNSSECPermissive disables hard validation. Tor's DNSPort cannot
	// carry DNSSEC records, so Tor mode needs this to resolve at all.
	DNSSECPermissive DNSSECPolicy = "permissive"
)

// ForwardRecursive is the DNSTarget sentinel for "no forwarding, full
// recursion".
const ForwardRecursive = "recursive"

// Descriptor is everything a mode needs, as data.
type Descriptor struct {
	Mode         Mode         `json:"mode"`
	Ruleset      string       `json:"ruleset"`
	DNSTarget    string       `json:"dns_target"` // host:port or ForwardRecursive
	DNSSEC       DNSSECPolicy `json:"dnssec"`
	RequiredUp   []string     `json:"required_up"`
	RequiredDown []string     `json:"required_down"`

	// WGInterface, when set, enables the WireGuard handshake probe for
	// this mode's tunnel service.
	WGInterface string `json:"wg_interface,omitempty"`
}

// Registry is the immutable mode lookup table. Build it once at startup.
type Registry struct {
	entries map[Mode]Descriptor
}

// NewRegistry builds the registry from config, layering declared mode
// blocks over the compiled-in baseline. Direct always exists.
func NewRegistry(cfg *config.Config) (*Registry, error) {
	entries := map[Mode]Descriptor{
		Direct: {
			Mode:      Direct,
			Ruleset:   cfg.Firewall.DefaultRuleset,
			DNSTarget: ForwardRecursive,
			DNSSEC:    DNSSECStrict,
		},
	}

	for _, mc := range cfg.Modes {
		mode, err := Parse(mc.Name)
		if err != nil {
			return nil, err
		}

		d := Descriptor{
			Mode:         mode,
			Ruleset:      mc.Ruleset,
			DNSTarget:    mc.DNSForward,
			DNSSEC:       DNSSECPolicy(mc.DNSSEC),
			RequiredUp:   append([]string(nil), mc.RequireUp...),
			RequiredDown: append([]string(nil), mc.RequireDown...),
			WGInterface:  mc.WGInterface,
		}
		if d.Ruleset == "" {
			d.Ruleset = cfg.Firewall.DefaultRuleset
		}
		if d.DNSTarget == "" {
			d.DNSTarget = ForwardRecursive
		}
		if d.DNSSEC == "" {
			d.DNSSEC = DNSSECStrict
		}
		entries[mode] = d
	}

	return &Registry{entries: entries}, nil
}

// Describe returns the descriptor for a mode, or ErrUnknownMode.
func (r *Registry) Describe(m Mode) (Descriptor, error) {
	d, ok := r.entries[m]
	if !ok {
		return Descriptor{}, fmt.Errorf("%w: %q", ErrUnknownMode, m)
	}
	return d, nil
}

// Registered reports whether a mode has an entry (Direct always does;
// VPN/Tor only when configured).
func (r *Registry) Registered(m Mode) bool {
	_, ok := r.entries[m]
	return ok
}

// Modes returns the registered modes in stable order (Direct first).
func (r *Registry) Modes() []Mode {
	out := make([]Mode, 0, len(r.entries))
	for _, m := range All {
		if _, ok := r.entries[m]; ok {
			out = append(out, m)
		}
	}
	return out
}

// ServicesToStop returns the services required by cur that target does not
// also need. This is the teardown set for a transition cur -> target.
func ServicesToStop(cur, target Descriptor) []string {
	needed := make(map[string]bool, len(target.RequiredUp))
	for _, s := range target.RequiredUp {
		needed[s] = true
	}
	var stop []string
	for _, s := range cur.RequiredUp {
		if !needed[s] {
			stop = append(stop, s)
		}
	}
	return stop
}
