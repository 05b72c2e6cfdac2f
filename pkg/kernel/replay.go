package kernel

import (
	"context"
	"fmt"

	"github.com/Mindburn-Labs/mukernel/pkg/capabilities"
	"github.com/Mindburn-Labs/mukernel/pkg/clock"
	"github.com/Mindburn-Labs/mukernel/pkg/quota"
	"github.com/Mindburn-Labs/mukernel/pkg/receipt"
	"github.com/Mindburn-Labs/mukernel/pkg/registry"
)

// Replay re-executes the operation recorded in r with input, using a
// scratch budget and a clock that replays r's timing readings, and checks
// that the output hash matches. It leaves the session's own budget and
// chain untouched. A mismatch is a *DeterminismError and terminates the
// session behind h.
func (k *Kernel) Replay(ctx context.Context, h registry.Handle, r *receipt.Receipt, input []byte) error {
	const op = "replay"
	s, err := k.claim(h)
	if err != nil {
		return k.surface(ctx, op, h, nil, r.OperationID, nil, err)
	}
	defer k.done(ctx, h, s)

	if err := k.replay(ctx, r, input); err != nil {
		return k.surface(ctx, op, h, s, r.OperationID, r, err)
	}
	return nil
}

// replay is Replay without a session, used by the chain replay engine.
func (k *Kernel) replay(ctx context.Context, r *receipt.Receipt, input []byte) error {
	if got := k.digest(input); got != r.InputHash {
		return fmt.Errorf("%w: receipt %s has input %s, got %s", ErrInputMismatch, r.ReceiptID, r.InputHash, got)
	}
	c, err := k.cfg.Contracts.Lookup(r.OperationID)
	if err != nil {
		return err
	}
	impl, ok := k.cfg.Capabilities.Resolve(c.OperationID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoCapability, c.OperationID)
	}

	scratch := quota.New(c.Reserve)
	scope, err := quota.Acquire(scratch, c.Reserve)
	if err != nil {
		return err
	}
	defer scope.Close()

	rc := clock.NewReplay(r.Timing.Start, r.Timing.End)
	run := k.execute(ctx, c, impl, capabilities.Invocation{
		OperationID: c.OperationID,
		SessionID:   r.SessionID,
		AgentID:     r.AgentID,
		Authority:   r.Authority,
		Input:       input,
		Reserved:    c.Reserve,
		Clock:       rc,
	}, rc)

	actual := ""
	if run.err == nil {
		actual = k.digest(run.out.Output)
	}
	if r.Outcome == receipt.OutcomeFailed && run.err != nil {
		return nil
	}
	if actual != r.OutputHash {
		return &DeterminismError{
			OperationID: r.OperationID,
			Sequence:    r.Sequence,
			Expected:    r.OutputHash,
			Actual:      actual,
		}
	}
	if !k.cfg.Guard.Within(run.proof.Duration, r.Timing.Duration) {
		k.logger.WarnContext(ctx, "replay duration outside tolerance",
			"operation_id", r.OperationID,
			"sequence", r.Sequence,
			"recorded", r.Timing.Duration,
			"replayed", run.proof.Duration,
			"tolerance", k.cfg.Guard.Tolerance,
		)
	}
	return nil
}

// ReplayExecutor adapts the kernel to replay.Executor.
type ReplayExecutor struct{ K *Kernel }

// Reexecute replays one receipt outside any session.
func (e ReplayExecutor) Reexecute(ctx context.Context, r *receipt.Receipt, input []byte) error {
	return e.K.replay(ctx, r, input)
}
