// Package firewall applies named nftables rulesets atomically. A ruleset
// is a complete description of the packet policy; applying one replaces
// whatever was live before, so there is never a blended state.
package firewall

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"grimm.is/egress/internal/execx"
	"grimm.is/egress/internal/logging"
)

// MarkerTable is the inet table every shipped ruleset declares. Its
// presence in the live kernel config is how Verify tells a managed
// ruleset apart from an empty or foreign one.
const MarkerTable = "egress"

// ErrRulesetNotFound is returned when the named ruleset file is missing.
var ErrRulesetNotFound = errors.New("ruleset not found")

// Backend applies and inspects packet-filter state.
type Backend interface {
	// Apply validates then atomically installs the named ruleset,
	// replacing the entire live configuration.
	Apply(ctx context.Context, name string) error

	// Check validates the named ruleset without touching the kernel.
	Check(ctx context.Context, name string) error

	// ActiveRuleset returns the name last successfully applied, or ""
	// if this process has not applied one yet.
	ActiveRuleset() string

	// Verify confirms the managed table is present in the live config.
	Verify(ctx context.Context) error

	// Checkpoint captures the live config so it can be restored later.
	Checkpoint(ctx context.Context) (*Checkpoint, error)
}

// NftBackend drives nft(8) through a CommandRunner. Scripts are fed on
// stdin with a leading flush so validation and replacement happen in a
// single transaction.
type NftBackend struct {
	runner execx.CommandRunner
	logger *logging.Logger
	dir    string

	mu     sync.Mutex
	active string
}

// Option configures an NftBackend.
type Option func(*NftBackend)

// WithRunner replaces the command runner (tests).
func WithRunner(r execx.CommandRunner) Option {
	return func(b *NftBackend) { b.runner = r }
}

// NewNftBackend creates a backend loading rulesets from dir.
func NewNftBackend(dir string, logger *logging.Logger, opts ...Option) *NftBackend {
	if logger == nil {
		logger = logging.New(logging.DefaultConfig())
	}
	b := &NftBackend{
		runner: &execx.RealCommandRunner{},
		logger: logger.WithComponent("firewall"),
		dir:    dir,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Apply validates then installs the named ruleset. The flush and the new
// rules go down in one nft transaction, so a failure leaves the previous
// config untouched.
func (b *NftBackend) Apply(ctx context.Context, name string) error {
	script, err := b.loadScript(name)
	if err != nil {
		return err
	}

	if err := b.runner.RunInput(ctx, script, "nft", "-c", "-f", "-"); err != nil {
		return fmt.Errorf("ruleset %s failed validation: %w", name, err)
	}
	if err := b.runner.RunInput(ctx, script, "nft", "-f", "-"); err != nil {
		return fmt.Errorf("applying ruleset %s: %w", name, err)
	}

	b.mu.Lock()
	b.active = name
	b.mu.Unlock()

	b.logger.Info("Applied ruleset", "ruleset", name)
	return nil
}

// Check validates the named ruleset without applying it.
func (b *NftBackend) Check(ctx context.Context, name string) error {
	script, err := b.loadScript(name)
	if err != nil {
		return err
	}
	if err := b.runner.RunInput(ctx, script, "nft", "-c", "-f", "-"); err != nil {
		return fmt.Errorf("ruleset %s failed validation: %w", name, err)
	}
	return nil
}

// ActiveRuleset returns the last ruleset this process applied.
func (b *NftBackend) ActiveRuleset() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.active
}

// Verify confirms the managed table exists in the kernel. It does not
// prove which ruleset is loaded, only that one of ours is.
func (b *NftBackend) Verify(ctx context.Context) error {
	if _, err := b.runner.Output(ctx, "nft", "list", "table", "inet", MarkerTable); err != nil {
		return fmt.Errorf("table inet %s not present: %w", MarkerTable, err)
	}
	return nil
}

func (b *NftBackend) loadScript(name string) (string, error) {
	if name == "" || name != filepath.Base(name) {
		return "", fmt.Errorf("invalid ruleset name %q", name)
	}
	path := filepath.Join(b.dir, name)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %s", ErrRulesetNotFound, path)
		}
		return "", fmt.Errorf("reading ruleset %s: %w", path, err)
	}

	var sb strings.Builder
	sb.WriteString("flush ruleset\n")
	sb.Write(data)
	return sb.String(), nil
}
