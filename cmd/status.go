package cmd

import (
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"grimm.is/egress/internal/brand"
	"grimm.is/egress/internal/client"
)

const clientTimeout = 10 * time.Second

func newClient(addr string) *client.Client {
	return client.New(addr)
}

// RunStatus prints the daemon's current mode and service health.
func RunStatus(addr string) error {
	ctx, cancel := context.WithTimeout(context.Background(), clientTimeout)
	defer cancel()

	c := newClient(addr)
	st, err := c.Status(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to reach daemon at %s: %v\n", addr, err)
		fmt.Fprintf(os.Stderr, "Is it running? Start with: %s start\n", brand.BinaryName)
		os.Exit(1)
	}

	fmt.Printf("=== %s Status ===\n\n", brand.Name)
	fmt.Printf("Mode:      %s", st.Mode)
	if st.InFlight != nil {
		fmt.Printf("  (switching to %s)", st.InFlight.Target)
	}
	fmt.Println()
	if st.PreviousMode != "" && st.PreviousMode != st.Mode {
		fmt.Printf("Previous:  %s\n", st.PreviousMode)
	}
	fmt.Printf("Version:   %s\n", st.Version)

	if st.RollbackFailed {
		fmt.Println("\nALARM: rollback failed; firewall state may not match the declared mode.")
		fmt.Printf("Inspect the ruleset, then clear with: %s alarm clear\n", brand.BinaryName)
	}
	if st.LastError != "" {
		fmt.Printf("Last error: %s\n", st.LastError)
	}

	if len(st.Services) > 0 {
		fmt.Println("\nServices:")
		names := make([]string, 0, len(st.Services))
		for name := range st.Services {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Printf("  %-20s %s\n", name+":", st.Services[name].State)
		}
	}
	return nil
}

// RunModes lists the configured modes and marks the active one.
func RunModes(addr string) error {
	ctx, cancel := context.WithTimeout(context.Background(), clientTimeout)
	defer cancel()

	list, err := newClient(addr).Modes(ctx)
	if err != nil {
		return err
	}

	for _, m := range list {
		marker := " "
		if m.Active {
			marker = "*"
		}
		dns := m.DNSTarget
		if dns == "" {
			dns = "recursive"
		}
		fmt.Printf("%s %-10s ruleset=%s dns=%s\n", marker, m.Name, m.Ruleset, dns)
	}
	return nil
}
