package capabilities

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/mukernel/pkg/canonicalize"
)

func TestBuiltins(t *testing.T) {
	ctx := context.Background()
	cat := Builtins(canonicalize.SHA256)
	assert.Equal(t, []string{OpCounter, OpDigest, OpEcho}, cat.IDs())

	echo, ok := cat.Resolve(OpEcho)
	require.True(t, ok)
	res, err := echo.Execute(ctx, Invocation{Input: []byte("hi")})
	require.NoError(t, err)
	assert.Equal(t, []byte("hi"), res.Output)
	assert.Equal(t, uint64(16), res.Usage.CPUCycles)

	counter, _ := cat.Resolve(OpCounter)
	res, err = counter.Execute(ctx, Invocation{Input: []byte(`{"n":41}`)})
	require.NoError(t, err)
	assert.JSONEq(t, `{"n":42}`, string(res.Output))
	assert.Equal(t, uint64(1), res.Usage.IOOps)

	_, err = counter.Execute(ctx, Invocation{Input: []byte(`nope`)})
	assert.Error(t, err)

	digest, _ := cat.Resolve(OpDigest)
	a, err := digest.Execute(ctx, Invocation{Input: []byte(`{"b":1,"a":2}`)})
	require.NoError(t, err)
	b, err := digest.Execute(ctx, Invocation{Input: []byte(`{"a":2, "b":1}`)})
	require.NoError(t, err)
	assert.Equal(t, a.Output, b.Output)

	_, ok = cat.Resolve("missing")
	assert.False(t, ok)
}

func TestEcho_DoesNotAliasInput(t *testing.T) {
	in := []byte("abc")
	res, err := Echo.Execute(context.Background(), Invocation{Input: in})
	require.NoError(t, err)
	in[0] = 'z'
	assert.Equal(t, "abc", string(res.Output))
}
