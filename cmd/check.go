package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"grimm.is/egress/internal/config"
	"grimm.is/egress/internal/firewall"
	"grimm.is/egress/internal/logging"
	"grimm.is/egress/internal/modes"
)

// RunCheck validates the config file and, when nft is available, syntax
// checks every referenced ruleset. Exits non-zero on the first failure.
func RunCheck(configFile string) error {
	cfg, err := config.LoadFile(configFile)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	fmt.Printf("Config OK: %s (%d modes)\n", configFile, len(cfg.Modes)+1)

	registry, err := modes.NewRegistry(cfg)
	if err != nil {
		return err
	}

	// Ruleset files must exist even if nft is not installed here.
	missing := 0
	for _, m := range registry.Modes() {
		desc, err := registry.Describe(m)
		if err != nil {
			continue
		}
		path := filepath.Join(cfg.Firewall.RulesetDir, desc.Ruleset)
		if _, err := os.Stat(path); err != nil {
			fmt.Fprintf(os.Stderr, "Ruleset missing for mode %s: %s\n", m, path)
			missing++
		}
	}
	if missing > 0 {
		return fmt.Errorf("%d ruleset(s) missing", missing)
	}

	if _, err := os.Stat("/usr/sbin/nft"); err != nil {
		if _, err := os.Stat("/sbin/nft"); err != nil {
			fmt.Println("Rulesets present (nft not found, skipping syntax check)")
			return nil
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	logger := logging.New(logging.Config{Level: logging.LevelWarn, Output: os.Stderr})
	fw := firewall.NewNftBackend(cfg.Firewall.RulesetDir, logger)
	for _, m := range registry.Modes() {
		desc, err := registry.Describe(m)
		if err != nil {
			continue
		}
		if err := fw.Check(ctx, desc.Ruleset); err != nil {
			return fmt.Errorf("ruleset %s: %w", desc.Ruleset, err)
		}
		fmt.Printf("Ruleset OK: %s (%s)\n", desc.Ruleset, m)
	}
	return nil
}
