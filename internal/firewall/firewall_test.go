package firewall

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"grimm.is/egress/internal/execx"
)

const sampleRuleset = `table inet egress {
	chain forward {
		type filter hook forward priority 0; policy drop;
		ct state established,related accept
	}
}
`

func writeRuleset(t *testing.T, dir, name string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(sampleRuleset), 0644))
}

func TestApply_ValidatesThenApplies(t *testing.T) {
	dir := t.TempDir()
	writeRuleset(t, dir, "vpn.nft")

	runner := &execx.MockCommandRunner{}
	wantScript := "flush ruleset\n" + sampleRuleset
	runner.On("RunInput", wantScript, "nft", "-c", "-f", "-").Return(nil).Once()
	runner.On("RunInput", wantScript, "nft", "-f", "-").Return(nil).Once()

	b := NewNftBackend(dir, nil, WithRunner(runner))
	require.NoError(t, b.Apply(context.Background(), "vpn.nft"))

	assert.Equal(t, "vpn.nft", b.ActiveRuleset())
	runner.AssertExpectations(t)
}

func TestApply_ValidationFailureDoesNotApply(t *testing.T) {
	dir := t.TempDir()
	writeRuleset(t, dir, "broken.nft")

	runner := &execx.MockCommandRunner{}
	runner.On("RunInput", mock.Anything, "nft", "-c", "-f", "-").
		Return(errors.New("syntax error"))

	b := NewNftBackend(dir, nil, WithRunner(runner))
	err := b.Apply(context.Background(), "broken.nft")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "validation")
	assert.Empty(t, b.ActiveRuleset())

	runner.AssertNotCalled(t, "RunInput", mock.Anything, "nft", "-f", "-")
}

func TestApply_MissingRuleset(t *testing.T) {
	b := NewNftBackend(t.TempDir(), nil, WithRunner(&execx.MockCommandRunner{}))
	err := b.Apply(context.Background(), "nope.nft")
	assert.True(t, errors.Is(err, ErrRulesetNotFound))
}

func TestApply_RejectsPathTraversal(t *testing.T) {
	b := NewNftBackend(t.TempDir(), nil, WithRunner(&execx.MockCommandRunner{}))
	err := b.Apply(context.Background(), "../../../etc/passwd")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid ruleset name")
}

func TestCheck_DoesNotApply(t *testing.T) {
	dir := t.TempDir()
	writeRuleset(t, dir, "tor.nft")

	runner := &execx.MockCommandRunner{}
	runner.On("RunInput", mock.Anything, "nft", "-c", "-f", "-").Return(nil)

	b := NewNftBackend(dir, nil, WithRunner(runner))
	require.NoError(t, b.Check(context.Background(), "tor.nft"))

	assert.Empty(t, b.ActiveRuleset())
	runner.AssertNotCalled(t, "RunInput", mock.Anything, "nft", "-f", "-")
}

func TestVerify(t *testing.T) {
	runner := &execx.MockCommandRunner{}
	runner.On("Output", "nft", "list", "table", "inet", "egress").
		Return([]byte("table inet egress {\n}\n"), nil).Once()

	b := NewNftBackend(t.TempDir(), nil, WithRunner(runner))
	require.NoError(t, b.Verify(context.Background()))

	runner.On("Output", "nft", "list", "table", "inet", "egress").
		Return(nil, errors.New("No such file or directory"))
	assert.Error(t, b.Verify(context.Background()))
}

func TestCheckpoint_RestoreAndDiscard(t *testing.T) {
	dir := t.TempDir()
	live := "table inet egress {\n}\n"

	runner := &execx.MockCommandRunner{}
	runner.On("Output", "nft", "list", "ruleset").Return([]byte(live), nil)

	b := NewNftBackend(dir, nil, WithRunner(runner))
	cp, err := b.Checkpoint(context.Background())
	require.NoError(t, err)

	runner.On("RunInput", "flush ruleset\n"+live, "nft", "-f", "-").Return(nil).Once()
	require.NoError(t, cp.Restore(context.Background()))
	runner.AssertExpectations(t)

	cp.Discard()
	_, err = os.Stat(cp.path)
	assert.True(t, os.IsNotExist(err))
}

func TestCheckpoint_CaptureFailure(t *testing.T) {
	runner := &execx.MockCommandRunner{}
	runner.On("Output", "nft", "list", "ruleset").Return(nil, errors.New("nft: not found"))

	b := NewNftBackend(t.TempDir(), nil, WithRunner(runner))
	_, err := b.Checkpoint(context.Background())
	assert.Error(t, err)
}
