package kernel

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/mukernel/pkg/authority"
	"github.com/Mindburn-Labs/mukernel/pkg/canonicalize"
	"github.com/Mindburn-Labs/mukernel/pkg/capabilities"
	"github.com/Mindburn-Labs/mukernel/pkg/clock"
	"github.com/Mindburn-Labs/mukernel/pkg/contract"
	"github.com/Mindburn-Labs/mukernel/pkg/crypto"
	"github.com/Mindburn-Labs/mukernel/pkg/quota"
	"github.com/Mindburn-Labs/mukernel/pkg/receipt"
	"github.com/Mindburn-Labs/mukernel/pkg/receiptlog"
	"github.com/Mindburn-Labs/mukernel/pkg/registry"
	"github.com/Mindburn-Labs/mukernel/pkg/timing"
)

const testCatalog = `
timing_classes:
  fast: 50ms
  tight: 1ms
contracts:
  - operation_id: builtin.echo
    version: 1.0.0
    required_authority: unauthenticated
    timing_class: fast
    reserve: {cpu_cycles: 1000, memory_bytes: 1024}
  - operation_id: builtin.counter
    version: 1.0.0
    required_authority: authenticated
    timing_class: fast
    reserve: {cpu_cycles: 1000, memory_bytes: 1024, io_ops: 1}
    input_schema: |
      {"type": "object", "required": ["n"], "properties": {"n": {"type": "integer"}}}
    guards:
      - name: io-cap
        expr: usage.io_ops <= 1u
  - operation_id: builtin.digest
    version: 1.0.0
    required_authority: elevated
    timing_class: tight
    reserve: {cpu_cycles: 4096, memory_bytes: 4096}
  - operation_id: test.fail
    version: 1.0.0
    required_authority: unauthenticated
    reserve: {cpu_cycles: 100}
  - operation_id: test.block
    version: 1.0.0
    required_authority: unauthenticated
    reserve: {cpu_cycles: 100}
  - operation_id: test.chatty
    version: 1.0.0
    required_authority: unauthenticated
    reserve: {cpu_cycles: 1000, memory_bytes: 1000}
    guards:
      - name: small-output
        expr: output_bytes <= 8
  - operation_id: test.drift
    version: 1.0.0
    required_authority: unauthenticated
    reserve: {cpu_cycles: 100}
  - operation_id: test.greedy
    version: 1.0.0
    required_authority: unauthenticated
    reserve: {cpu_cycles: 100}
`

var defaultBudget = quota.Usage{
	CPUCycles:   10_000,
	MemoryBytes: 10 * 1024,
	WallTimeNs:  uint64(time.Second),
	IOOps:       10,
}

var because = authority.Justification{Reason: "operator approved"}

type fixture struct {
	k     *Kernel
	log   *receiptlog.Arena
	block chan struct{}
	drift atomic.Int64
}

type kernelOption func(*Config)

func newFixture(t *testing.T, opts ...kernelOption) *fixture {
	t.Helper()
	cat, err := contract.DecodeCatalog(strings.NewReader(testCatalog))
	require.NoError(t, err)
	contracts, err := cat.Build()
	require.NoError(t, err)

	f := &fixture{log: receiptlog.NewArena(), block: make(chan struct{})}
	caps := capabilities.Builtins(canonicalize.SHA256)
	caps.Add("test.fail", capabilities.Func(func(context.Context, capabilities.Invocation) (capabilities.Result, error) {
		return capabilities.Result{Usage: quota.Usage{CPUCycles: 10}}, errors.New("upstream unavailable")
	}))
	caps.Add("test.block", capabilities.Func(func(ctx context.Context, _ capabilities.Invocation) (capabilities.Result, error) {
		select {
		case <-f.block:
		case <-ctx.Done():
		}
		return capabilities.Result{Output: []byte("unblocked")}, nil
	}))
	caps.Add("test.chatty", capabilities.Func(func(context.Context, capabilities.Invocation) (capabilities.Result, error) {
		return capabilities.Result{Output: []byte("far too much output")}, nil
	}))
	caps.Add("test.drift", capabilities.Func(func(context.Context, capabilities.Invocation) (capabilities.Result, error) {
		return capabilities.Result{Output: []byte(fmt.Sprint(f.drift.Add(1)))}, nil
	}))
	caps.Add("test.greedy", capabilities.Func(func(context.Context, capabilities.Invocation) (capabilities.Result, error) {
		return capabilities.Result{Usage: quota.Usage{CPUCycles: 101}}, nil
	}))

	keys, err := crypto.NewKeyRing([]byte("kernel-test-master-secret"), crypto.SigningModeAgent)
	require.NoError(t, err)

	cfg := Config{
		Capacity:      100,
		Contracts:     contracts,
		Capabilities:  caps,
		Keys:          keys,
		Log:           f.log,
		DefaultBudget: defaultBudget,
		Transitions: authority.Transitions{
			authority.LevelAuthenticated: authority.RequireReason,
			authority.LevelElevated:      authority.RequireReason,
			authority.LevelSystem:        authority.RequireReason,
		},
		NewClock: func() clock.Clock { return clock.NewManual(time.Unix(1_700_000_000, 0), 0) },
	}
	for _, o := range opts {
		o(&cfg)
	}
	f.k, err = New(cfg)
	require.NoError(t, err)
	return f
}

func (f *fixture) open(t *testing.T, opts ...SessionOption) registry.Handle {
	t.Helper()
	h, err := f.k.OpenSession(context.Background(), "agent-1", opts...)
	require.NoError(t, err)
	return h
}

func kernelErr(t *testing.T, err error) *Error {
	t.Helper()
	var ke *Error
	require.ErrorAs(t, err, &ke)
	return ke
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "contract source")
	assert.Contains(t, err.Error(), "key ring")
}

func TestInvoke_ProducesLinkedReceipts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	h := f.open(t)

	first, err := f.k.Invoke(ctx, h, "builtin.echo", []byte(`{"msg":"hi"}`))
	require.NoError(t, err)
	assert.Equal(t, `{"msg":"hi"}`, string(first.Output))
	assert.True(t, first.Receipt.IsRoot())
	assert.Equal(t, "builtin.echo@1.0.0", first.Receipt.OperationID)
	assert.Equal(t, receipt.OutcomeOK, first.Receipt.Outcome)

	second, err := f.k.Invoke(ctx, h, "builtin.echo", []byte(`{"msg":"again"}`))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), second.Receipt.Sequence)
	assert.Equal(t, first.Receipt.Hash, second.Receipt.ParentHash)

	snap, err := f.k.Snapshot(h)
	require.NoError(t, err)
	require.NotNil(t, snap.Tail)
	assert.Equal(t, second.Receipt.Hash, snap.Tail.Hash)
	assert.Equal(t, first.Usage.Add(second.Usage), snap.Quota.Consumed)

	chain, err := f.log.Chain(ctx, snap.ID)
	require.NoError(t, err)
	require.NoError(t, receipt.ValidateChain(chain, f.k.Keys()))
}

func TestInvoke_CommitRefundsUnusedReservation(t *testing.T) {
	f := newFixture(t)
	h := f.open(t)

	res, err := f.k.Invoke(context.Background(), h, "builtin.echo", []byte("ab"))
	require.NoError(t, err)
	// Echo charges 4 cycles per byte in and out.
	assert.Equal(t, quota.Usage{CPUCycles: 16, MemoryBytes: 4}, res.Usage)

	snap, err := f.k.Snapshot(h)
	require.NoError(t, err)
	assert.Equal(t, defaultBudget.Sub(res.Usage), snap.Quota.Remaining)
	assert.True(t, snap.Quota.Reserved.IsZero())
}

func TestRecordUsage_OverrunTerminatesSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	h := f.open(t, WithBudget(quota.Usage{CPUCycles: 10_000, MemoryBytes: 1_000_000, WallTimeNs: uint64(time.Second)}))

	_, err := f.k.Invoke(ctx, h, "builtin.echo", []byte("x"))
	require.NoError(t, err)

	err = f.k.RecordUsage(ctx, h, quota.Usage{MemoryBytes: 2_000_000})
	require.ErrorIs(t, err, quota.ErrOverrun)
	assert.True(t, kernelErr(t, err).Fatal)

	_, err = f.k.Invoke(ctx, h, "builtin.echo", []byte("x"))
	require.ErrorIs(t, err, registry.ErrInvalidHandle)
	assert.Equal(t, 0, f.k.Live())

	// The last valid receipt remains the tail of the stored chain.
	sessions := f.log.Sessions()
	require.Len(t, sessions, 1)
	chain, err := f.log.Chain(ctx, sessions[0])
	require.NoError(t, err)
	assert.Len(t, chain, 1)
}

func TestInvoke_CommitOverReservationIsFatal(t *testing.T) {
	f := newFixture(t)
	h := f.open(t)

	_, err := f.k.Invoke(context.Background(), h, "test.greedy", nil)
	require.ErrorIs(t, err, quota.ErrOverrun)
	assert.True(t, kernelErr(t, err).Fatal)
	_, err = f.k.Snapshot(h)
	assert.ErrorIs(t, err, registry.ErrInvalidHandle)
}

func TestInvoke_InsufficientBudgetIsRecoverable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	h := f.open(t, WithBudget(quota.Usage{CPUCycles: 500, MemoryBytes: 10_000}))

	_, err := f.k.Invoke(ctx, h, "builtin.echo", []byte("x"))
	require.ErrorIs(t, err, quota.ErrInsufficientBudget)
	ke := kernelErr(t, err)
	assert.False(t, ke.Fatal)
	assert.Equal(t, "builtin.echo", ke.OperationID)
	assert.NotEmpty(t, ke.SessionID)

	_, err = f.k.Invoke(ctx, h, "test.fail", nil)
	require.Error(t, err)
	assert.NotErrorIs(t, err, registry.ErrInvalidHandle)
}

func TestEscalate_StepwiseAndSkip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	h := f.open(t)
	lvl, err := f.k.Escalate(ctx, h, authority.LevelAuthenticated, because)
	require.NoError(t, err)
	assert.Equal(t, authority.LevelAuthenticated, lvl)
	lvl, err = f.k.Escalate(ctx, h, authority.LevelElevated, because)
	require.NoError(t, err)
	assert.Equal(t, authority.LevelElevated, lvl)

	res, err := f.k.Invoke(ctx, h, "builtin.digest", []byte(`{"a":1}`))
	require.NoError(t, err)
	assert.Equal(t, authority.LevelElevated, res.Receipt.Authority)

	skip := f.open(t)
	_, err = f.k.Escalate(ctx, skip, authority.LevelElevated, because)
	require.ErrorIs(t, err, authority.ErrInvalidEscalation)
	assert.True(t, kernelErr(t, err).Fatal)
	_, err = f.k.Snapshot(skip)
	assert.ErrorIs(t, err, registry.ErrInvalidHandle)
}

func TestEscalate_RejectedJustificationTerminates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	h := f.open(t)

	_, err := f.k.Escalate(ctx, h, authority.LevelAuthenticated, authority.Justification{})
	require.ErrorIs(t, err, authority.ErrJustificationRejected)
	assert.Equal(t, authority.CodeJustificationRejected, Kind(err))
	assert.True(t, kernelErr(t, err).Fatal)

	_, err = f.k.Snapshot(h)
	assert.ErrorIs(t, err, registry.ErrInvalidHandle)
	assert.Zero(t, f.k.Live())
}

func TestInvoke_InsufficientAuthorityIsFatal(t *testing.T) {
	f := newFixture(t)
	h := f.open(t)

	_, err := f.k.Invoke(context.Background(), h, "builtin.counter", []byte(`{"n":1}`))
	require.ErrorIs(t, err, authority.ErrInsufficientAuthority)
	assert.True(t, kernelErr(t, err).Fatal)
	assert.Zero(t, f.k.Live())
}

func TestInvoke_SchemaAndGuards(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	h := f.open(t)
	_, err := f.k.Escalate(ctx, h, authority.LevelAuthenticated, because)
	require.NoError(t, err)

	_, err = f.k.Invoke(ctx, h, "builtin.counter", []byte(`{"n":"one"}`))
	require.ErrorIs(t, err, contract.ErrInvalidInput)
	assert.False(t, kernelErr(t, err).Fatal)
	assert.Equal(t, "INVALID_INPUT", Kind(err))

	res, err := f.k.Invoke(ctx, h, "builtin.counter", []byte(`{"n":41}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"n":42}`, string(res.Output))
	assert.Equal(t, uint64(1), res.Usage.IOOps)

	_, err = f.k.Invoke(ctx, h, "test.chatty", nil)
	require.ErrorIs(t, err, quota.ErrGuardViolated)
	assert.True(t, kernelErr(t, err).Fatal)
}

func TestInvoke_UnknownOperation(t *testing.T) {
	f := newFixture(t)
	h := f.open(t)
	_, err := f.k.Invoke(context.Background(), h, "nope", nil)
	require.ErrorIs(t, err, contract.ErrUnknownOperation)
	assert.False(t, kernelErr(t, err).Fatal)
}

func TestInvoke_CapabilityFailureRecordsReceipt(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	h := f.open(t)

	_, err := f.k.Invoke(ctx, h, "test.fail", nil)
	require.Error(t, err)
	ke := kernelErr(t, err)
	assert.False(t, ke.Fatal)
	require.NotNil(t, ke.Receipt)
	assert.Equal(t, receipt.OutcomeFailed, ke.Receipt.Outcome)
	assert.Empty(t, ke.Receipt.OutputHash)

	res, err := f.k.Invoke(ctx, h, "builtin.echo", []byte("ok"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), res.Receipt.Sequence)
	assert.Equal(t, ke.Receipt.Hash, res.Receipt.ParentHash)
}

func TestInvoke_TimingViolationPassesFlagged(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	clk := clock.NewManual(time.Unix(1_700_000_000, 0), 0)
	h := f.open(t, WithClock(clk))
	for _, lvl := range []authority.Level{authority.LevelAuthenticated, authority.LevelElevated} {
		_, err := f.k.Escalate(ctx, h, lvl, because)
		require.NoError(t, err)
	}

	clk.SetStep(5 * time.Millisecond)
	res, err := f.k.Invoke(ctx, h, "builtin.digest", []byte("payload"))
	require.NoError(t, err)
	assert.True(t, res.Degraded)
	assert.Equal(t, receipt.OutcomeTimingViolation, res.Receipt.Outcome)
	assert.True(t, res.Receipt.Timing.Violated)
	// The recorded duration is the measured one, never shrunk to the bound.
	assert.Equal(t, 5*time.Millisecond, res.Receipt.Timing.Duration)
	assert.Equal(t, uint64(5*time.Millisecond), res.Usage.WallTimeNs)
}

func TestInvoke_TimingViolationAbort(t *testing.T) {
	f := newFixture(t, func(c *Config) {
		c.Guard = &timing.Guard{Policy: timing.PolicyAbort}
	})
	ctx := context.Background()
	clk := clock.NewManual(time.Unix(1_700_000_000, 0), 0)
	h := f.open(t, WithClock(clk))
	for _, lvl := range []authority.Level{authority.LevelAuthenticated, authority.LevelElevated} {
		_, err := f.k.Escalate(ctx, h, lvl, because)
		require.NoError(t, err)
	}

	clk.SetStep(5 * time.Millisecond)
	res, err := f.k.Invoke(ctx, h, "builtin.digest", []byte("payload"))
	require.ErrorIs(t, err, timing.ErrBoundExceeded)
	assert.Nil(t, res)
	ke := kernelErr(t, err)
	assert.False(t, ke.Fatal)
	require.NotNil(t, ke.Receipt)
	assert.Equal(t, receipt.OutcomeAborted, ke.Receipt.Outcome)

	// Recoverable: the session keeps working.
	clk.SetStep(0)
	_, err = f.k.Invoke(ctx, h, "builtin.digest", []byte("payload"))
	require.NoError(t, err)
}

func TestUnlinkedReceiptBreaksChainAtSuccessor(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	h := f.open(t)

	a, err := f.k.Invoke(ctx, h, "builtin.echo", []byte("a"))
	require.NoError(t, err)
	b, err := f.k.Invoke(ctx, h, "builtin.echo", []byte("b"))
	require.NoError(t, err)
	require.NoError(t, receipt.Verify(b.Receipt, mustKey(t, f.k, b.Receipt.KeyID)))

	tamperedA := a.Receipt.Clone()
	tamperedA.OutputHash = "sha256:" + strings.Repeat("0", 64)
	tamperedA.Hash, err = receipt.ComputeHash(tamperedA)
	require.NoError(t, err)

	err = receipt.ValidateChain([]*receipt.Receipt{tamperedA, b.Receipt}, nil)
	var ce *receipt.ChainError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, 1, ce.Index)
	assert.Equal(t, receipt.CodeBrokenLink, ce.Code)
}

func mustKey(t *testing.T, k *Kernel, keyID string) ed25519.PublicKey {
	t.Helper()
	pub, err := k.Keys().PublicKey(keyID)
	require.NoError(t, err)
	return pub
}

func TestOpenSession_ConcurrentHandlesUnique(t *testing.T) {
	f := newFixture(t)
	const callers = 50

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		handles = make(map[registry.Handle]bool)
		slowest time.Duration
	)
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			t0 := time.Now()
			h, err := f.k.OpenSession(context.Background(), fmt.Sprintf("agent-%d", i))
			d := time.Since(t0)
			assert.NoError(t, err)
			mu.Lock()
			defer mu.Unlock()
			assert.False(t, handles[h], "duplicate handle %s", h)
			handles[h] = true
			if d > slowest {
				slowest = d
			}
		}(i)
	}
	close(start)
	wg.Wait()

	assert.Len(t, handles, callers)
	assert.Equal(t, callers, f.k.Live())
	assert.Less(t, slowest, time.Second)
}

func TestOpenSession_Exhausted(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.Capacity = 1 })
	f.open(t)
	_, err := f.k.OpenSession(context.Background(), "agent-2")
	require.ErrorIs(t, err, registry.ErrExhausted)
}

func TestOpenSession_AdmissionDenied(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.Admission = NewLocalAdmission(0, 1) })
	ctx := context.Background()

	_, err := f.k.OpenSession(ctx, "agent-1")
	require.NoError(t, err)
	_, err = f.k.OpenSession(ctx, "agent-1")
	require.ErrorIs(t, err, ErrAdmissionDenied)
	assert.Equal(t, CodeAdmissionDenied, Kind(err))

	// Buckets are per agent.
	_, err = f.k.OpenSession(ctx, "agent-2")
	require.NoError(t, err)
}

func TestInvoke_SingleInFlight(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	h := f.open(t)

	done := make(chan error, 1)
	go func() {
		_, err := f.k.Invoke(ctx, h, "test.block", nil)
		done <- err
	}()
	require.Eventually(t, func() bool {
		snap, err := f.k.Snapshot(h)
		return err == nil && snap.Busy
	}, time.Second, time.Millisecond)

	_, err := f.k.Invoke(ctx, h, "builtin.echo", []byte("x"))
	require.ErrorIs(t, err, ErrSessionBusy)

	close(f.block)
	require.NoError(t, <-done)
	_, err = f.k.Invoke(ctx, h, "builtin.echo", []byte("x"))
	require.NoError(t, err)
}

func TestCloseSession_FinalReceipt(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	h := f.open(t)

	res, err := f.k.Invoke(ctx, h, "builtin.echo", []byte("x"))
	require.NoError(t, err)

	final, err := f.k.CloseSession(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, receipt.OutcomeSessionClosed, final.Outcome)
	assert.Equal(t, CloseOperationID, final.OperationID)
	assert.Equal(t, res.Receipt.Hash, final.ParentHash)
	assert.Equal(t, uint64(1), final.Sequence)

	_, err = f.k.Invoke(ctx, h, "builtin.echo", []byte("x"))
	require.ErrorIs(t, err, registry.ErrInvalidHandle)
	_, err = f.k.CloseSession(ctx, h)
	require.ErrorIs(t, err, registry.ErrInvalidHandle)

	chain, err := f.log.Chain(ctx, final.SessionID)
	require.NoError(t, err)
	require.NoError(t, receipt.ValidateChain(chain, f.k.Keys()))
}

type recordingArchiver struct {
	mu     sync.Mutex
	chains map[string][]*receipt.Receipt
}

func (a *recordingArchiver) Seal(_ context.Context, sessionID string, chain []*receipt.Receipt) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.chains[sessionID] = chain
	return "sha256:test", nil
}

func TestCloseSession_Archives(t *testing.T) {
	arch := &recordingArchiver{chains: map[string][]*receipt.Receipt{}}
	f := newFixture(t, func(c *Config) { c.Archiver = arch })
	ctx := context.Background()
	h := f.open(t)
	_, err := f.k.Invoke(ctx, h, "builtin.echo", []byte("x"))
	require.NoError(t, err)

	final, err := f.k.CloseSession(ctx, h)
	require.NoError(t, err)
	require.Len(t, arch.chains[final.SessionID], 2)
	assert.Equal(t, final.Hash, arch.chains[final.SessionID][1].Hash)
}

func TestCancel_IdleClosesImmediately(t *testing.T) {
	f := newFixture(t)
	h := f.open(t)

	final, err := f.k.Cancel(context.Background(), h)
	require.NoError(t, err)
	require.NotNil(t, final)
	assert.Equal(t, receipt.OutcomeSessionClosed, final.Outcome)
	assert.True(t, final.IsRoot())
	assert.Zero(t, f.k.Live())
}

func TestCancel_BusyClosesAtBoundary(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	h := f.open(t)

	done := make(chan *Result, 1)
	go func() {
		res, err := f.k.Invoke(ctx, h, "test.block", nil)
		assert.NoError(t, err)
		done <- res
	}()
	require.Eventually(t, func() bool {
		snap, err := f.k.Snapshot(h)
		return err == nil && snap.Busy
	}, time.Second, time.Millisecond)

	final, err := f.k.Cancel(ctx, h)
	require.NoError(t, err)
	assert.Nil(t, final)

	snap, err := f.k.Snapshot(h)
	require.NoError(t, err)
	assert.True(t, snap.Cancelled)

	close(f.block)
	res := <-done
	require.NotNil(t, res)

	require.Eventually(t, func() bool { return f.k.Live() == 0 }, time.Second, time.Millisecond)
	chain, err := f.log.Chain(ctx, res.Receipt.SessionID)
	require.NoError(t, err)
	require.Len(t, chain, 2)
	assert.Equal(t, receipt.OutcomeSessionClosed, chain[1].Outcome)
}

func TestReplay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	h := f.open(t)

	input := []byte(`{"b": 2, "a": 1}`)
	res, err := f.k.Invoke(ctx, h, "builtin.echo", input)
	require.NoError(t, err)

	require.NoError(t, f.k.Replay(ctx, h, res.Receipt, input))

	err = f.k.Replay(ctx, h, res.Receipt, []byte(`{"other": true}`))
	require.ErrorIs(t, err, ErrInputMismatch)
	assert.False(t, kernelErr(t, err).Fatal)

	// A failed operation replays as failed.
	_, err = f.k.Invoke(ctx, h, "test.fail", nil)
	failed := kernelErr(t, err).Receipt
	require.NotNil(t, failed)
	require.NoError(t, f.k.Replay(ctx, h, failed, nil))
}

func TestReplay_NondeterminismIsFatal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	h := f.open(t)

	res, err := f.k.Invoke(ctx, h, "test.drift", nil)
	require.NoError(t, err)

	err = f.k.Replay(ctx, h, res.Receipt, nil)
	var de *DeterminismError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, res.Receipt.OutputHash, de.Expected)
	assert.NotEqual(t, de.Expected, de.Actual)
	assert.True(t, kernelErr(t, err).Fatal)
	assert.Equal(t, CodeNondeterminism, Kind(err))
	assert.Zero(t, f.k.Live())
}

func TestSessions_Snapshots(t *testing.T) {
	f := newFixture(t)
	a := f.open(t)
	f.open(t)

	snaps := f.k.Sessions()
	require.Len(t, snaps, 2)
	found := false
	for _, s := range snaps {
		if s.Handle == a {
			found = true
			assert.Equal(t, authority.LevelUnauthenticated, s.Authority)
			assert.Equal(t, defaultBudget, s.Quota.Remaining)
		}
	}
	assert.True(t, found)
}

func TestLocalAdmission_Sweep(t *testing.T) {
	a := NewLocalAdmission(1, 1)
	now := time.Unix(0, 0)
	a.now = func() time.Time { return now }

	ok, err := a.Admit(context.Background(), "agent")
	require.NoError(t, err)
	assert.True(t, ok)

	now = now.Add(time.Hour)
	assert.Equal(t, 1, a.Sweep(time.Minute))
	assert.Equal(t, 0, a.Sweep(time.Minute))
}
