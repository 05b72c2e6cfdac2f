package kernel

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/mukernel/pkg/authority"
	"github.com/Mindburn-Labs/mukernel/pkg/canonicalize"
	"github.com/Mindburn-Labs/mukernel/pkg/clock"
	"github.com/Mindburn-Labs/mukernel/pkg/quota"
	"github.com/Mindburn-Labs/mukernel/pkg/receipt"
	"github.com/Mindburn-Labs/mukernel/pkg/receiptlog"
	"github.com/Mindburn-Labs/mukernel/pkg/registry"
)

type session struct {
	id        string
	agentID   string
	auth      *authority.State
	budget    *quota.Budget
	clock     clock.Clock
	builder   *receipt.Builder
	tail      atomic.Pointer[receipt.Link]
	busy      atomic.Bool
	cancelled atomic.Bool
}

// SessionSnapshot is a read-only view of a session for telemetry.
type SessionSnapshot struct {
	Handle    registry.Handle `json:"handle"`
	ID        string          `json:"id"`
	AgentID   string          `json:"agent_id"`
	Authority authority.Level `json:"authority"`
	Revoked   bool            `json:"revoked"`
	Quota     quota.Snapshot  `json:"quota"`
	// Tail is the last receipt appended for the session, nil before the
	// first operation.
	Tail      *receipt.Link `json:"tail,omitempty"`
	Busy      bool          `json:"busy"`
	Cancelled bool          `json:"cancelled"`
}

func (s *session) snapshot(h registry.Handle) SessionSnapshot {
	snap := SessionSnapshot{
		Handle:    h,
		ID:        s.id,
		AgentID:   s.agentID,
		Authority: s.auth.Level(),
		Revoked:   s.auth.Revoked(),
		Quota:     s.budget.Snapshot(),
		Busy:      s.busy.Load(),
		Cancelled: s.cancelled.Load(),
	}
	if t := s.tail.Load(); t != nil {
		l := *t
		snap.Tail = &l
	}
	return snap
}

type sessionOptions struct {
	budget      *quota.Usage
	clock       clock.Clock
	transitions authority.Transitions
}

// SessionOption customizes OpenSession.
type SessionOption func(*sessionOptions)

// WithBudget allocates u instead of the kernel default.
func WithBudget(u quota.Usage) SessionOption {
	return func(o *sessionOptions) { o.budget = &u }
}

// WithClock gives the session its own clock, e.g. a manual clock in tests.
func WithClock(c clock.Clock) SessionOption {
	return func(o *sessionOptions) { o.clock = c }
}

// WithTransitions sets the escalation verifiers of the session.
func WithTransitions(t authority.Transitions) SessionOption {
	return func(o *sessionOptions) { o.transitions = t }
}

// OpenSession admits agentID and allocates a session slot for it. The
// session starts Unauthenticated with the kernel's default budget.
func (k *Kernel) OpenSession(ctx context.Context, agentID string, opts ...SessionOption) (registry.Handle, error) {
	const op = "open_session"
	agentID = canonicalize.Identifier(agentID)
	if agentID == "" {
		return 0, k.surface(ctx, op, 0, nil, "", nil, errors.New("agent id required"))
	}

	ok, err := k.cfg.Admission.Admit(ctx, agentID)
	if err != nil {
		return 0, k.surface(ctx, op, 0, nil, "", nil, fmt.Errorf("%w: %v", ErrAdmissionDenied, err))
	}
	if !ok {
		return 0, k.surface(ctx, op, 0, nil, "", nil, fmt.Errorf("%w: agent %s over session rate", ErrAdmissionDenied, agentID))
	}

	o := sessionOptions{transitions: k.cfg.Transitions}
	for _, fn := range opts {
		fn(&o)
	}
	allocated := k.cfg.DefaultBudget
	if o.budget != nil {
		allocated = *o.budget
	}
	if o.clock == nil {
		o.clock = k.cfg.NewClock()
	}

	id := uuid.NewString()
	signer, err := k.cfg.Keys.SignerFor(agentID, id)
	if err != nil {
		return 0, k.surface(ctx, op, 0, nil, "", nil, fmt.Errorf("signing key: %w", err))
	}
	s := &session{
		id:      id,
		agentID: agentID,
		auth:    authority.NewState(agentID, id, o.transitions),
		budget:  quota.New(allocated),
		clock:   o.clock,
		builder: receipt.NewBuilder(signer),
	}

	h, err := k.sessions.Allocate(s)
	if err != nil {
		return 0, k.surface(ctx, op, 0, nil, "", nil, err)
	}
	k.cfg.Metrics.SessionOpened(ctx)
	k.logger.InfoContext(ctx, "session opened",
		"session_id", id,
		"agent_id", agentID,
		"handle", h.String(),
		"budget", allocated.String(),
	)
	return h, nil
}

// claim takes the single in-flight slot of the session behind h.
func (k *Kernel) claim(h registry.Handle) (*session, error) {
	s, err := k.sessions.Get(h)
	if err != nil {
		return nil, err
	}
	if !s.busy.CompareAndSwap(false, true) {
		return nil, fmt.Errorf("%w: %s", ErrSessionBusy, s.id)
	}
	// The slot may have been released between Get and the claim.
	if cur, err := k.sessions.Get(h); err != nil || cur != s {
		s.busy.Store(false)
		return nil, &registry.RegistryError{Code: registry.CodeInvalidHandle, Handle: h}
	}
	return s, nil
}

// done gives up the in-flight claim. A cancellation that arrived while the
// operation ran closes the session here.
func (k *Kernel) done(ctx context.Context, h registry.Handle, s *session) {
	s.busy.Store(false)
	if !s.cancelled.Load() || !s.busy.CompareAndSwap(false, true) {
		return
	}
	if cur, err := k.sessions.Get(h); err != nil || cur != s {
		return
	}
	if _, err := k.closeClaimed(context.WithoutCancel(ctx), h, s); err != nil {
		k.logger.ErrorContext(ctx, "deferred close failed", "session_id", s.id, "error", err)
	}
}

// terminate ends a session after a fatal error. Its last appended receipt
// stays the chain tail.
func (k *Kernel) terminate(ctx context.Context, h registry.Handle, s *session, operationID string, cause error) {
	s.auth.Revoke()
	s.budget.Terminate()
	if _, err := k.sessions.Release(h); err != nil {
		return
	}
	k.cfg.Metrics.SessionClosed(ctx)
	k.logger.WarnContext(ctx, "session terminated",
		"session_id", s.id,
		"agent_id", s.agentID,
		"operation_id", operationID,
		"error", cause,
	)
}

// Escalate moves the session one authority level up. Any failure is an
// authorization error and terminates the session.
func (k *Kernel) Escalate(ctx context.Context, h registry.Handle, target authority.Level, j authority.Justification) (authority.Level, error) {
	const op = "escalate"
	s, err := k.claim(h)
	if err != nil {
		return authority.LevelUnauthenticated, k.surface(ctx, op, h, nil, "", nil, err)
	}
	defer k.done(ctx, h, s)

	prev := s.auth.Level()
	lvl, err := s.auth.Escalate(ctx, target, j)
	if err != nil {
		return prev, k.surface(ctx, op, h, s, "", nil, err)
	}
	k.logger.InfoContext(ctx, "session escalated",
		"session_id", s.id,
		"from", prev.String(),
		"to", lvl.String(),
	)
	return lvl, nil
}

// RecordUsage accounts usage performed outside the kernel, such as I/O
// delegated between operations. An overrun terminates the session.
func (k *Kernel) RecordUsage(ctx context.Context, h registry.Handle, u quota.Usage) error {
	const op = "record_usage"
	s, err := k.claim(h)
	if err != nil {
		return k.surface(ctx, op, h, nil, "", nil, err)
	}
	defer k.done(ctx, h, s)

	if err := s.budget.RecordUsage(u); err != nil {
		return k.surface(ctx, op, h, s, "", nil, err)
	}
	return nil
}

// Snapshot returns the current view of the session behind h.
func (k *Kernel) Snapshot(h registry.Handle) (SessionSnapshot, error) {
	s, err := k.sessions.Get(h)
	if err != nil {
		return SessionSnapshot{}, err
	}
	return s.snapshot(h), nil
}

// CloseSession appends the session's final receipt, archives the chain
// when an archiver is configured, and releases the slot.
func (k *Kernel) CloseSession(ctx context.Context, h registry.Handle) (*receipt.Receipt, error) {
	s, err := k.claim(h)
	if err != nil {
		return nil, k.surface(ctx, "close_session", h, nil, CloseOperationID, nil, err)
	}
	return k.closeClaimed(ctx, h, s)
}

// Cancel marks the session cancelled. An idle session is closed at once
// and its final receipt returned; a busy one is closed when its in-flight
// operation returns, and Cancel returns a nil receipt.
func (k *Kernel) Cancel(ctx context.Context, h registry.Handle) (*receipt.Receipt, error) {
	s, err := k.sessions.Get(h)
	if err != nil {
		return nil, k.surface(ctx, "cancel", h, nil, "", nil, err)
	}
	s.cancelled.Store(true)
	if !s.busy.CompareAndSwap(false, true) {
		k.logger.InfoContext(ctx, "session cancel deferred", "session_id", s.id)
		return nil, nil
	}
	if cur, err := k.sessions.Get(h); err != nil || cur != s {
		return nil, k.surface(ctx, "cancel", h, nil, "", nil, &registry.RegistryError{Code: registry.CodeInvalidHandle, Handle: h})
	}
	return k.closeClaimed(ctx, h, s)
}

// closeClaimed runs with the in-flight claim held and always releases the
// slot.
func (k *Kernel) closeClaimed(ctx context.Context, h registry.Handle, s *session) (*receipt.Receipt, error) {
	const op = "close_session"
	defer func() {
		if _, err := k.sessions.Release(h); err == nil {
			k.cfg.Metrics.SessionClosed(ctx)
		}
	}()

	now := s.clock.Now()
	proof, _ := k.cfg.Guard.Enforce("", 0, now, now)
	r, err := k.record(ctx, s, receipt.Draft{
		SessionID:   s.id,
		AgentID:     s.agentID,
		OperationID: CloseOperationID,
		Authority:   s.auth.Level(),
		Timing:      proof,
		Outcome:     receipt.OutcomeSessionClosed,
	})
	if err != nil {
		return nil, k.surface(ctx, op, h, s, CloseOperationID, nil, err)
	}
	s.auth.Revoke()

	if k.cfg.Archiver != nil {
		if err := k.archive(ctx, s); err != nil {
			return r, k.surface(ctx, op, h, s, CloseOperationID, r, err)
		}
	}
	k.logger.InfoContext(ctx, "session closed",
		"session_id", s.id,
		"agent_id", s.agentID,
		"sequence", r.Sequence,
		"consumed", s.budget.Snapshot().Consumed.String(),
	)
	return r, nil
}

func (k *Kernel) archive(ctx context.Context, s *session) error {
	reader, ok := k.cfg.Log.(receiptlog.Reader)
	if !ok {
		return errors.New("archive: receipt log cannot be read back")
	}
	chain, err := reader.Chain(ctx, s.id)
	if err != nil {
		return fmt.Errorf("archive: read chain: %w", err)
	}
	digest, err := k.cfg.Archiver.Seal(ctx, s.id, chain)
	if err != nil {
		return fmt.Errorf("archive: %w", err)
	}
	k.logger.InfoContext(ctx, "session chain archived", "session_id", s.id, "digest", digest, "receipts", len(chain))
	return nil
}

// record builds the receipt following the session tail, appends it, and
// advances the tail. The tail does not move when the append fails.
func (k *Kernel) record(ctx context.Context, s *session, d receipt.Draft) (*receipt.Receipt, error) {
	r, err := s.builder.Build(s.tail.Load(), d)
	if err != nil {
		return nil, err
	}
	if err := k.cfg.Log.Append(ctx, r); err != nil {
		k.logger.ErrorContext(ctx, "receipt append failed",
			"session_id", s.id,
			"operation_id", d.OperationID,
			"sequence", r.Sequence,
			"error", err,
		)
		return nil, fmt.Errorf("%w: %v", ErrLogAppend, err)
	}
	l := r.Link()
	s.tail.Store(&l)
	return r, nil
}
