// Package resolver reconfigures the local caching resolver's forward
// target. Configuration lands in a single unbound drop-in; a reload (not
// a restart) picks it up so the cache survives mode changes.
package resolver

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"grimm.is/egress/internal/logging"
	"grimm.is/egress/internal/modes"
	"grimm.is/egress/internal/services"
)

// Manager owns the resolver drop-in and the reload that follows a
// rewrite. It never touches the resolver's main config.
type Manager struct {
	controller  services.Controller
	logger      *logging.Logger
	service     string
	forwardFile string
}

// NewManager creates a resolver manager. service is the unit to reload,
// forwardFile the drop-in path this manager owns.
func NewManager(controller services.Controller, service, forwardFile string, logger *logging.Logger) *Manager {
	if logger == nil {
		logger = logging.New(logging.DefaultConfig())
	}
	return &Manager{
		controller:  controller,
		logger:      logger.WithComponent("resolver"),
		service:     service,
		forwardFile: forwardFile,
	}
}

// Configure rewrites the drop-in for the given forward target and DNSSEC
// policy, then reloads the resolver. target is host:port, or
// modes.ForwardRecursive for full recursion.
func (m *Manager) Configure(ctx context.Context, target string, dnssec modes.DNSSECPolicy) error {
	content, err := renderDropIn(target, dnssec)
	if err != nil {
		return err
	}
	if err := writeAtomic(m.forwardFile, content); err != nil {
		return fmt.Errorf("writing %s: %w", m.forwardFile, err)
	}
	if err := m.controller.Reload(ctx, m.service); err != nil {
		return fmt.Errorf("reloading resolver: %w", err)
	}
	m.logger.Info("Reconfigured resolver", "target", target, "dnssec", string(dnssec))
	return nil
}

// renderDropIn produces the unbound drop-in for one forward target.
// Permissive validation is required when forwarding to targets that
// strip DNSSEC records, such as Tor's DNSPort.
func renderDropIn(target string, dnssec modes.DNSSECPolicy) (string, error) {
	header := "# Managed by egress. Do not edit; changes are overwritten on mode switch.\n"

	valMode := "no"
	if dnssec == modes.DNSSECPermissive {
		valMode = "yes"
	}

	if target == modes.ForwardRecursive {
		return header + fmt.Sprintf("server:\n    val-permissive-mode: %s\n", valMode), nil
	}

	host, port, err := net.SplitHostPort(target)
	if err != nil {
		return "", fmt.Errorf("invalid forward target %q: %w", target, err)
	}

	queryLocalhost := "no"
	if ip := net.ParseIP(host); ip != nil && ip.IsLoopback() {
		queryLocalhost = "yes"
	}

	return header + fmt.Sprintf(`server:
    val-permissive-mode: %s
    do-not-query-localhost: %s
forward-zone:
    name: "."
    forward-addr: %s@%s
`, valMode, invert(queryLocalhost), host, port), nil
}

// invert flips yes/no; unbound's knob is phrased as do-NOT-query.
func invert(yes string) string {
	if yes == "yes" {
		return "no"
	}
	return "yes"
}

// writeAtomic writes via temp file and rename so a crash mid-write never
// leaves unbound with a half-written drop-in.
func writeAtomic(path, content string) error {
	dir := filepath.Dir(path)
	f, err := os.CreateTemp(dir, ".forward-*.conf")
	if err != nil {
		return err
	}
	tmp := f.Name()
	if _, err := f.WriteString(content); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Chmod(tmp, 0644); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}
