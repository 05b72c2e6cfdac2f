package authority

import (
	"context"
	"errors"
)

// Step tokens. Each token witnesses that its State reached the token's
// level. The only way to obtain the next token is the step method on the
// previous one, so skipping a level or going down does not type-check.

// Unauthenticated is the entry token of a fresh session.
type Unauthenticated struct{ s *State }

// Authenticated witnesses LevelAuthenticated or above.
type Authenticated struct{ s *State }

// Elevated witnesses LevelElevated or above.
type Elevated struct{ s *State }

// System witnesses LevelSystem.
type System struct{ s *State }

var errNoState = errors.New("authority: token has no state")

// Begin returns the entry token for a state still at LevelUnauthenticated.
func Begin(s *State) (Unauthenticated, error) {
	if s == nil {
		return Unauthenticated{}, errNoState
	}
	if cur := s.Level(); cur != LevelUnauthenticated {
		return Unauthenticated{}, &AuthorizationError{
			Code: CodeInvalidEscalation, SessionID: s.sessionID, From: cur, To: LevelUnauthenticated,
			Reason: "authority cannot decrease",
		}
	}
	return Unauthenticated{s: s}, nil
}

// Authenticate performs the first step.
func (t Unauthenticated) Authenticate(ctx context.Context, j Justification) (Authenticated, error) {
	if _, err := step(ctx, t.s, LevelAuthenticated, j); err != nil {
		return Authenticated{}, err
	}
	return Authenticated{s: t.s}, nil
}

// Elevate performs the second step.
func (t Authenticated) Elevate(ctx context.Context, j Justification) (Elevated, error) {
	if _, err := step(ctx, t.s, LevelElevated, j); err != nil {
		return Elevated{}, err
	}
	return Elevated{s: t.s}, nil
}

// Promote performs the final step.
func (t Elevated) Promote(ctx context.Context, j Justification) (System, error) {
	if _, err := step(ctx, t.s, LevelSystem, j); err != nil {
		return System{}, err
	}
	return System{s: t.s}, nil
}

// Valid reports whether the token's state has not been revoked.
func (t Authenticated) Valid() bool { return valid(t.s) }
func (t Elevated) Valid() bool      { return valid(t.s) }
func (t System) Valid() bool        { return valid(t.s) }

// State returns the state the token was issued for.
func (t Authenticated) State() *State { return t.s }
func (t Elevated) State() *State      { return t.s }
func (t System) State() *State        { return t.s }

func step(ctx context.Context, s *State, target Level, j Justification) (Level, error) {
	if s == nil {
		return 0, errNoState
	}
	return s.Escalate(ctx, target, j)
}

func valid(s *State) bool {
	return s != nil && !s.Revoked()
}
