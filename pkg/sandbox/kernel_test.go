package sandbox

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/mukernel/pkg/capabilities"
	"github.com/Mindburn-Labs/mukernel/pkg/contract"
	"github.com/Mindburn-Labs/mukernel/pkg/crypto"
	"github.com/Mindburn-Labs/mukernel/pkg/kernel"
	"github.com/Mindburn-Labs/mukernel/pkg/quota"
	"github.com/Mindburn-Labs/mukernel/pkg/receipt"
	"github.com/Mindburn-Labs/mukernel/pkg/receiptlog"
)

const wasmCatalog = `
contracts:
  - operation_id: wasm.small
    version: 1.0.0
    required_authority: unauthenticated
    reserve: {cpu_cycles: 1000, memory_bytes: 4096}
  - operation_id: wasm.paged
    version: 1.0.0
    required_authority: unauthenticated
    reserve: {cpu_cycles: 1000, memory_bytes: 65536}
`

func TestKernelInvoke_SubPageReservationIsRecoverable(t *testing.T) {
	ctx := context.Background()
	cat, err := contract.DecodeCatalog(strings.NewReader(wasmCatalog))
	require.NoError(t, err)
	contracts, err := cat.Build()
	require.NoError(t, err)

	w, err := NewWASMCapability(ctx, "echo", module(1, echoBody))
	require.NoError(t, err)
	defer w.Close(ctx)
	caps := capabilities.NewCatalog()
	caps.Add("wasm.small", w)
	caps.Add("wasm.paged", w)

	keys, err := crypto.NewKeyRing([]byte("sandbox-test-master-secret-0001"), crypto.SigningModeAgent)
	require.NoError(t, err)
	k, err := kernel.New(kernel.Config{
		Capacity:      4,
		Contracts:     contracts,
		Capabilities:  caps,
		Keys:          keys,
		Log:           receiptlog.NewArena(),
		DefaultBudget: quota.Usage{CPUCycles: 100_000, MemoryBytes: 1 << 20, WallTimeNs: uint64(10 * time.Second)},
	})
	require.NoError(t, err)

	h, err := k.OpenSession(ctx, "agent-wasm")
	require.NoError(t, err)

	_, err = k.Invoke(ctx, h, "wasm.small", []byte("x"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrReservation)
	var kerr *kernel.Error
	require.True(t, errors.As(err, &kerr))
	assert.False(t, kerr.Fatal)
	require.NotNil(t, kerr.Receipt)
	assert.Equal(t, receipt.OutcomeFailed, kerr.Receipt.Outcome)

	// The session survives and runs a contract that reserves a full page.
	res, err := k.Invoke(ctx, h, "wasm.paged", []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, "x", string(res.Output))
	assert.LessOrEqual(t, res.Usage.MemoryBytes, uint64(65536))
	assert.LessOrEqual(t, res.Usage.CPUCycles, uint64(1000))

	snap, err := k.Snapshot(h)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), snap.Tail.Sequence)
}
