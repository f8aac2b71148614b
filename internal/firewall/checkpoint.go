package firewall

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// Checkpoint is a captured copy of the live ruleset. Restore puts it
// back; Discard throws it away. A checkpoint whose capture came back
// empty restores to a flushed ruleset, which is still a valid state.
type Checkpoint struct {
	backend *NftBackend
	path    string
}

// Checkpoint dumps the live config to a temp file in the ruleset dir so
// restore survives even if /tmp is wiped mid-transition.
func (b *NftBackend) Checkpoint(ctx context.Context) (*Checkpoint, error) {
	out, err := b.runner.Output(ctx, "nft", "list", "ruleset")
	if err != nil {
		return nil, fmt.Errorf("capturing live ruleset: %w", err)
	}

	f, err := os.CreateTemp(b.dir, ".checkpoint-*.nft")
	if err != nil {
		return nil, fmt.Errorf("creating checkpoint file: %w", err)
	}
	if _, err := f.Write(out); err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, fmt.Errorf("writing checkpoint: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return nil, fmt.Errorf("writing checkpoint: %w", err)
	}

	return &Checkpoint{backend: b, path: f.Name()}, nil
}

// Restore reinstalls the captured config, replacing whatever is live.
func (c *Checkpoint) Restore(ctx context.Context) error {
	data, err := os.ReadFile(c.path)
	if err != nil {
		return fmt.Errorf("reading checkpoint: %w", err)
	}

	var sb strings.Builder
	sb.WriteString("flush ruleset\n")
	sb.Write(data)

	if err := c.backend.runner.RunInput(ctx, sb.String(), "nft", "-f", "-"); err != nil {
		return fmt.Errorf("restoring checkpoint: %w", err)
	}
	c.backend.logger.Warn("Restored firewall checkpoint", "path", c.path)
	return nil
}

// Discard removes the checkpoint file. Safe to call more than once.
func (c *Checkpoint) Discard() {
	os.Remove(c.path)
}
