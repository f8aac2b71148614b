package config

import (
	"fmt"
	"net"
	"strings"
	"time"
)

// Known mode names. "direct" is the built-in safe baseline; the other two
// are the mutually exclusive privacy modes.
var knownModes = map[string]bool{
	"direct": true,
	"vpn":    true,
	"tor":    true,
}

// ValidationError aggregates everything wrong with a config so the user
// sees the full list in one pass instead of fixing errors one at a time.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	if len(e.Problems) == 1 {
		return "config validation: " + e.Problems[0]
	}
	return fmt.Sprintf("config validation: %d problems:\n  - %s",
		len(e.Problems), strings.Join(e.Problems, "\n  - "))
}

// Validate checks the config for contradictions and malformed values.
// Call after ApplyDefaults.
func (c *Config) Validate() error {
	var problems []string

	addf := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	seen := make(map[string]bool)
	for _, m := range c.Modes {
		if !knownModes[m.Name] {
			addf("mode %q: unknown mode name (known: direct, vpn, tor)", m.Name)
			continue
		}
		if seen[m.Name] {
			addf("mode %q: declared more than once", m.Name)
		}
		seen[m.Name] = true

		switch m.DNSSEC {
		case "", "strict", "permissive":
		default:
			addf("mode %q: dnssec must be \"strict\" or \"permissive\", got %q", m.Name, m.DNSSEC)
		}

		if m.DNSForward != "" && m.DNSForward != "recursive" {
			if _, _, err := net.SplitHostPort(m.DNSForward); err != nil {
				addf("mode %q: dns_forward must be host:port or \"recursive\": %v", m.Name, err)
			}
		}

		if m.Name != "direct" && m.Ruleset == "" {
			addf("mode %q: ruleset is required for non-direct modes", m.Name)
		}
	}

	for _, w := range c.Watches {
		if w.Interface == "" {
			addf("watch: interface label must not be empty")
		}
		if w.OnUp == "" && w.OnDown == "" {
			addf("watch %q: at least one of on_up or on_down is required", w.Interface)
		}
		for _, target := range []string{w.OnUp, w.OnDown} {
			if target != "" && !knownModes[target] {
				addf("watch %q: unknown target mode %q", w.Interface, target)
			}
		}
	}

	if c.API != nil && c.API.Listen != "" {
		if _, _, err := net.SplitHostPort(c.API.Listen); err != nil {
			addf("api: listen must be host:port: %v", err)
		}
	}

	if c.Reconciler != nil && c.Reconciler.Interval != "" {
		if d, err := time.ParseDuration(c.Reconciler.Interval); err != nil {
			addf("reconciler: invalid interval %q: %v", c.Reconciler.Interval, err)
		} else if d < time.Second {
			addf("reconciler: interval %s is below the 1s floor", d)
		}
	}

	if c.NTP != nil && c.NTP.MaxDrift != "" {
		if _, err := time.ParseDuration(c.NTP.MaxDrift); err != nil {
			addf("ntp: invalid max_drift %q: %v", c.NTP.MaxDrift, err)
		}
	}

	if c.Uplink != nil && c.Uplink.MonitorIP != "" {
		if net.ParseIP(c.Uplink.MonitorIP) == nil {
			addf("uplink: monitor_ip %q is not a valid IP address", c.Uplink.MonitorIP)
		}
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}
