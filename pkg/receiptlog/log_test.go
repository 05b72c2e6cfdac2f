package receiptlog

import (
	"context"
	"crypto/ed25519"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/mukernel/pkg/crypto"
	"github.com/Mindburn-Labs/mukernel/pkg/receipt"
)

func chainOf(t *testing.T, sessionID string, n int) []*receipt.Receipt {
	t.Helper()
	signer, err := crypto.NewEd25519SignerFromSeed(make([]byte, ed25519.SeedSize), "agent/test")
	require.NoError(t, err)
	b := receipt.NewBuilder(signer)

	var out []*receipt.Receipt
	var parent *receipt.Link
	for i := 0; i < n; i++ {
		r, err := b.Build(parent, receipt.Draft{SessionID: sessionID, AgentID: "agent-1", OperationID: "op.echo"})
		require.NoError(t, err)
		out = append(out, r)
		l := r.Link()
		parent = &l
	}
	return out
}

// exerciseLog runs the behaviour every Log must share.
func exerciseLog(t *testing.T, l Log) {
	ctx := context.Background()
	chain := chainOf(t, "s-1", 3)

	// Out of order: a non-root first.
	err := l.Append(ctx, chain[1])
	assert.True(t, errors.Is(err, ErrSequence))

	for _, r := range chain {
		require.NoError(t, l.Append(ctx, r))
	}
	// Replaying the tail is a gap.
	assert.True(t, errors.Is(l.Append(ctx, chain[2]), ErrSequence))

	got, err := l.Chain(ctx, "s-1")
	require.NoError(t, err)
	require.Len(t, got, 3)
	for i := range chain {
		assert.Equal(t, chain[i].Hash, got[i].Hash)
	}
	require.NoError(t, receipt.ValidateChain(got, nil))

	one, err := l.Get(ctx, chain[1].Hash)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), one.Sequence)

	_, err = l.Get(ctx, "missing")
	assert.True(t, errors.Is(err, ErrNotFound))

	empty, err := l.Chain(ctx, "nobody")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestArena(t *testing.T) {
	a := NewArena()
	exerciseLog(t, a)
	assert.Equal(t, 3, a.Len())
	assert.Equal(t, []string{"s-1"}, a.Sessions())
}

func TestArena_ParentIndex(t *testing.T) {
	ctx := context.Background()
	a := NewArena()
	chain := chainOf(t, "s-1", 2)
	for _, r := range chain {
		require.NoError(t, a.Append(ctx, r))
	}
	p, err := a.Parent(chain[1].Hash)
	require.NoError(t, err)
	assert.Equal(t, chain[0].Hash, p.Hash)

	root, err := a.Parent(chain[0].Hash)
	require.NoError(t, err)
	assert.Nil(t, root)
}

func TestArena_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	a := NewArena()
	r := chainOf(t, "s-1", 1)[0]
	require.NoError(t, a.Append(ctx, r))

	got, err := a.Get(ctx, r.Hash)
	require.NoError(t, err)
	got.OutputHash = "mutated"

	again, err := a.Get(ctx, r.Hash)
	require.NoError(t, err)
	assert.NotEqual(t, "mutated", again.OutputHash)
}

func TestSQLiteLog(t *testing.T) {
	l, err := OpenSQLite(context.Background(), ":memory:")
	require.NoError(t, err)
	defer l.Close()
	exerciseLog(t, l)
}

type failingAppender struct{}

func (failingAppender) Append(context.Context, *receipt.Receipt) error {
	return errors.New("disk full")
}

func TestFanout(t *testing.T) {
	ctx := context.Background()
	primary, mirror := NewArena(), NewArena()
	f := NewFanout(primary, mirror, failingAppender{})

	chain := chainOf(t, "s-1", 2)
	for _, r := range chain {
		require.NoError(t, f.Append(ctx, r))
	}
	assert.Equal(t, 2, mirror.Len())
	assert.Equal(t, int64(2), f.MirrorFailures())

	got, err := f.Chain(ctx, "s-1")
	require.NoError(t, err)
	assert.Len(t, got, 2)

	// Primary rejection fails the append and skips mirrors.
	assert.Error(t, f.Append(ctx, chain[0]))
	assert.Equal(t, 2, mirror.Len())
}

func TestDialectBind(t *testing.T) {
	assert.Equal(t, "a = $1 AND b = $2", dialectPostgres.bind("a = ? AND b = ?"))
	assert.Equal(t, "a = ?", dialectSQLite.bind("a = ?"))
}
