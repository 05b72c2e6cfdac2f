package authority

import (
	"context"
	"sync/atomic"
)

// Justification is the evidence offered for one escalation step.
type Justification struct {
	// Credential is an externally issued token, e.g. a signed JWT.
	Credential string `json:"credential,omitempty"`
	// Reason is a human-readable account of why the step is needed.
	Reason string `json:"reason,omitempty"`
	// Attributes are evaluated by policy verifiers.
	Attributes map[string]any `json:"attributes,omitempty"`
}

// Request is what a Verifier sees for one proposed step.
type Request struct {
	AgentID       string
	SessionID     string
	From          Level
	To            Level
	Justification Justification
}

// Verifier accepts or rejects the justification for one step.
type Verifier interface {
	Verify(ctx context.Context, req Request) error
}

// VerifierFunc adapts a function to Verifier.
type VerifierFunc func(ctx context.Context, req Request) error

func (f VerifierFunc) Verify(ctx context.Context, req Request) error { return f(ctx, req) }

// Transitions maps a target level to the verifier guarding the step into
// it. A missing entry rejects the step.
type Transitions map[Level]Verifier

// State is the authority of one session. Level and revocation are readable
// from any goroutine; escalation is expected from the owning session.
type State struct {
	agentID     string
	sessionID   string
	transitions Transitions
	level       atomic.Uint32
	revoked     atomic.Bool
}

// NewState returns a state at LevelUnauthenticated.
func NewState(agentID, sessionID string, transitions Transitions) *State {
	return &State{agentID: agentID, sessionID: sessionID, transitions: transitions}
}

// Level returns the current level.
func (s *State) Level() Level { return Level(s.level.Load()) }

// Revoked reports whether Revoke was called.
func (s *State) Revoked() bool { return s.revoked.Load() }

// Revoke is terminal. Every later check and escalation is denied.
func (s *State) Revoke() { s.revoked.Store(true) }

// Require returns nil when the current level satisfies required.
func (s *State) Require(required Level) error {
	cur := s.Level()
	if s.Revoked() {
		return &AuthorizationError{Code: CodeRevoked, SessionID: s.sessionID, From: cur, To: required}
	}
	if !Check(cur, required) {
		return &AuthorizationError{Code: CodeInsufficientAuthority, SessionID: s.sessionID, From: cur, To: required}
	}
	return nil
}

// Escalate moves the session exactly one level up, to target, once the
// configured verifier accepts j. Every other target is rejected with
// INVALID_ESCALATION, including the current level and anything below it.
func (s *State) Escalate(ctx context.Context, target Level, j Justification) (Level, error) {
	cur := s.Level()
	if s.Revoked() {
		return cur, &AuthorizationError{Code: CodeRevoked, SessionID: s.sessionID, From: cur, To: target}
	}
	next, ok := cur.Next()
	if !ok || !target.Valid() || target != next {
		return cur, &AuthorizationError{
			Code:      CodeInvalidEscalation,
			SessionID: s.sessionID,
			From:      cur,
			To:        target,
			Reason:    invalidReason(cur, target),
		}
	}

	v := s.transitions[target]
	if v == nil {
		return cur, &AuthorizationError{
			Code:      CodeJustificationRejected,
			SessionID: s.sessionID,
			From:      cur,
			To:        target,
			Reason:    "no verifier configured for this transition",
		}
	}
	req := Request{AgentID: s.agentID, SessionID: s.sessionID, From: cur, To: target, Justification: j}
	if err := v.Verify(ctx, req); err != nil {
		return cur, &AuthorizationError{
			Code:      CodeJustificationRejected,
			SessionID: s.sessionID,
			From:      cur,
			To:        target,
			Reason:    err.Error(),
			cause:     err,
		}
	}

	if !s.level.CompareAndSwap(uint32(cur), uint32(target)) {
		return s.Level(), &AuthorizationError{
			Code:      CodeInvalidEscalation,
			SessionID: s.sessionID,
			From:      cur,
			To:        target,
			Reason:    "concurrent escalation",
		}
	}
	if s.Revoked() {
		// Revocation raced the escalation; the level is moot.
		return target, &AuthorizationError{Code: CodeRevoked, SessionID: s.sessionID, From: cur, To: target}
	}
	return target, nil
}

func invalidReason(cur, target Level) string {
	switch {
	case !target.Valid():
		return "unknown target level"
	case cur == LevelSystem:
		return "already at system"
	case target <= cur:
		return "authority cannot decrease"
	default:
		return "levels must be climbed one step at a time"
	}
}
