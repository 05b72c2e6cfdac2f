package kernel

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/Mindburn-Labs/mukernel/pkg/capabilities"
	"github.com/Mindburn-Labs/mukernel/pkg/clock"
	"github.com/Mindburn-Labs/mukernel/pkg/contract"
	"github.com/Mindburn-Labs/mukernel/pkg/observability"
	"github.com/Mindburn-Labs/mukernel/pkg/quota"
	"github.com/Mindburn-Labs/mukernel/pkg/receipt"
	"github.com/Mindburn-Labs/mukernel/pkg/registry"
	"github.com/Mindburn-Labs/mukernel/pkg/timing"
)

// Result is a completed invocation.
type Result struct {
	Output  []byte
	Receipt *receipt.Receipt
	// Degraded is set when the operation exceeded its timing bound and the
	// violation policy let the result through.
	Degraded bool
	Usage    quota.Usage
}

// Invoke executes operationID on the session behind h.
//
// The contract is looked up first; then the session's authority is
// checked, the input validated and the contract's reservation taken. The
// capability runs under the session clock, its usage is committed, wall
// time is accounted, resource guards are checked and the timing bound is
// enforced. Finally a receipt linked to the session tail is signed and
// appended.
//
// Overruns, guard violations and authorization failures terminate the
// session. A timing violation is recorded in the receipt and either
// passed through (Result.Degraded) or aborted per the guard policy.
func (k *Kernel) Invoke(ctx context.Context, h registry.Handle, operationID string, input []byte) (*Result, error) {
	ctx, span := k.cfg.Tracer.Start(ctx, "mukernel.invoke",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(observability.AttrOperationID.String(operationID)),
	)
	defer span.End()

	res, err := k.invoke(ctx, h, operationID, input)
	observability.SetSpanError(span, err)
	if res != nil {
		span.SetAttributes(
			observability.AttrOutcome.String(string(res.Receipt.Outcome)),
			observability.AttrSequence.Int64(int64(res.Receipt.Sequence)),
			attribute.Bool("mukernel.degraded", res.Degraded),
		)
	}
	return res, err
}

func (k *Kernel) invoke(ctx context.Context, h registry.Handle, operationID string, input []byte) (*Result, error) {
	const op = "invoke"
	s, err := k.claim(h)
	if err != nil {
		return nil, k.surface(ctx, op, h, nil, operationID, nil, err)
	}
	defer k.done(ctx, h, s)

	if s.cancelled.Load() {
		return nil, k.surface(ctx, op, h, s, operationID, nil,
			&registry.RegistryError{Code: registry.CodeInvalidHandle, Handle: h})
	}

	c, err := k.cfg.Contracts.Lookup(operationID)
	if err != nil {
		return nil, k.surface(ctx, op, h, s, operationID, nil, err)
	}
	impl, ok := k.cfg.Capabilities.Resolve(c.OperationID)
	if !ok {
		return nil, k.surface(ctx, op, h, s, operationID, nil, fmt.Errorf("%w: %s", ErrNoCapability, c.OperationID))
	}
	if err := s.auth.Require(c.RequiredAuthority); err != nil {
		return nil, k.surface(ctx, op, h, s, operationID, nil, err)
	}
	if err := c.ValidateInput(input); err != nil {
		return nil, k.surface(ctx, op, h, s, operationID, nil, err)
	}

	scope, err := quota.Acquire(s.budget, c.Reserve)
	if err != nil {
		return nil, k.surface(ctx, op, h, s, operationID, nil, err)
	}
	defer scope.Close()

	run := k.execute(ctx, c, impl, capabilities.Invocation{
		OperationID: c.OperationID,
		SessionID:   s.id,
		AgentID:     s.agentID,
		Authority:   s.auth.Level(),
		Input:       input,
		Reserved:    c.Reserve,
		Clock:       s.clock,
	}, s.clock)

	out, proof := run.out, run.proof
	delta, err := k.account(s, c, scope, out.Usage, proof.Duration)
	if err != nil {
		return nil, k.surface(ctx, op, h, s, operationID, nil, err)
	}

	draft := receipt.Draft{
		SessionID:   s.id,
		AgentID:     s.agentID,
		OperationID: c.Ref(),
		Authority:   s.auth.Level(),
		InputHash:   k.digest(input),
		Timing:      proof,
		QuotaDelta:  delta,
	}

	if run.err != nil {
		draft.Outcome = receipt.OutcomeFailed
		r, err := k.record(ctx, s, draft)
		if err != nil {
			return nil, k.surface(ctx, op, h, s, operationID, nil, err)
		}
		k.cfg.Metrics.Invocation(ctx, c.OperationID, string(draft.Outcome), proof.Duration)
		return nil, k.surface(ctx, op, h, s, operationID, r, run.err)
	}

	if err := c.CheckGuards(ctx, contract.GuardInput{
		Usage:       delta,
		Reserved:    c.Reserve,
		InputBytes:  len(input),
		OutputBytes: len(out.Output),
	}); err != nil {
		return nil, k.surface(ctx, op, h, s, operationID, nil, err)
	}

	draft.OutputHash = k.digest(out.Output)
	draft.Outcome = receipt.OutcomeOK
	timingErr := run.late
	if timingErr != nil {
		k.timingViolation(ctx, s, c, proof)
	}
	switch {
	case timingErr != nil && k.cfg.Guard.Aborts():
		draft.Outcome = receipt.OutcomeAborted
	case timingErr != nil:
		draft.Outcome = receipt.OutcomeTimingViolation
	}

	r, err := k.record(ctx, s, draft)
	if err != nil {
		return nil, k.surface(ctx, op, h, s, operationID, nil, err)
	}
	k.cfg.Metrics.Invocation(ctx, c.OperationID, string(draft.Outcome), proof.Duration)

	if draft.Outcome == receipt.OutcomeAborted {
		return nil, k.surface(ctx, op, h, s, operationID, r, timingErr)
	}
	return &Result{
		Output:   out.Output,
		Receipt:  r,
		Degraded: draft.Outcome == receipt.OutcomeTimingViolation,
		Usage:    delta,
	}, nil
}

type execution struct {
	out   capabilities.Result
	proof timing.Proof
	// late is the *timing.TimingError of a run over its bound.
	late error
	err  error
}

// execute runs impl between two readings of clk and measures the run
// against the contract's bound.
func (k *Kernel) execute(ctx context.Context, c *contract.Compiled, impl capabilities.Capability, inv capabilities.Invocation, clk clock.Clock) execution {
	ectx, cancel := k.cfg.Guard.Context(ctx, c.Bound)
	defer cancel()

	start := clk.Now()
	out, err := impl.Execute(ectx, inv)
	end := clk.Now()

	proof, late := k.cfg.Guard.Enforce(c.TimingClass, c.Bound, start, end)
	return execution{out: out, proof: proof, late: late, err: err}
}

// account commits the measured usage and charges wall time. When the
// contract reserves wall time it is part of the commit; otherwise it is
// recorded against the remaining budget afterwards.
func (k *Kernel) account(s *session, c *contract.Compiled, scope *quota.Scope, used quota.Usage, elapsed time.Duration) (quota.Usage, error) {
	wall := uint64(elapsed)
	if c.Reserve.WallTimeNs > 0 {
		used.WallTimeNs = wall
		if err := scope.Commit(used); err != nil {
			return quota.Usage{}, err
		}
		return used, nil
	}
	used.WallTimeNs = 0
	if err := scope.Commit(used); err != nil {
		return quota.Usage{}, err
	}
	if wall > 0 {
		if err := s.budget.RecordUsage(quota.Usage{WallTimeNs: wall}); err != nil {
			return quota.Usage{}, err
		}
	}
	used.WallTimeNs = wall
	return used, nil
}

func (k *Kernel) timingViolation(ctx context.Context, s *session, c *contract.Compiled, proof timing.Proof) {
	k.cfg.Metrics.TimingViolation(ctx, c.OperationID, string(c.TimingClass))
	k.logger.WarnContext(ctx, "timing bound exceeded",
		"session_id", s.id,
		"operation_id", c.Ref(),
		"bound", c.Bound,
		"duration", proof.Duration,
		"policy", string(k.cfg.Guard.Policy),
	)
}
