// Package timing enforces declared maximum-latency bounds per operation
// class and produces the timing proof recorded in receipts.
package timing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/mukernel/pkg/clock"
)

// ErrBoundExceeded matches every *TimingError via errors.Is.
var ErrBoundExceeded = errors.New("timing: bound exceeded")

// Deterministic error codes.
const (
	CodeBoundExceeded = "BOUND_EXCEEDED"
)

// Class names a timing-bound class declared by a capability contract.
type Class string

// ViolationPolicy decides what happens to a result whose duration exceeded
// its bound. The reported duration is never shrunk either way.
type ViolationPolicy string

const (
	// PolicyPassFlagged lets the result through, flagged as degraded.
	PolicyPassFlagged ViolationPolicy = "pass_flagged"
	// PolicyAbort discards the result.
	PolicyAbort ViolationPolicy = "abort"
)

// ParsePolicy resolves a configured policy name. Empty selects pass_flagged.
func ParsePolicy(s string) (ViolationPolicy, error) {
	switch ViolationPolicy(s) {
	case "", PolicyPassFlagged:
		return PolicyPassFlagged, nil
	case PolicyAbort:
		return PolicyAbort, nil
	default:
		return "", fmt.Errorf("timing: unknown violation policy %q", s)
	}
}

// Proof is the timing measurement of one operation.
type Proof struct {
	Class    Class           `json:"class" cbor:"1,keyasint"`
	Bound    time.Duration   `json:"bound" cbor:"2,keyasint"`
	Start    clock.Timestamp `json:"start" cbor:"3,keyasint"`
	End      clock.Timestamp `json:"end" cbor:"4,keyasint"`
	Duration time.Duration   `json:"duration" cbor:"5,keyasint"`
	Violated bool            `json:"violated" cbor:"6,keyasint"`
}

// TimingError reports a duration over its declared bound.
type TimingError struct {
	Code   string        `json:"code"`
	Class  Class         `json:"class"`
	Bound  time.Duration `json:"bound"`
	Actual time.Duration `json:"actual"`
}

func (e *TimingError) Error() string {
	return fmt.Sprintf("%s: class %q took %s (bound=%s)", e.Code, e.Class, e.Actual, e.Bound)
}

func (e *TimingError) Is(target error) bool {
	return target == ErrBoundExceeded
}

// Guard enforces bounds under a violation policy.
type Guard struct {
	Policy ViolationPolicy
	// Tolerance is the documented replay variance for durations.
	Tolerance time.Duration
	// DeadlineGrace, when positive, makes Context arm a deadline at
	// bound+grace so runaway capabilities observe cancellation.
	DeadlineGrace time.Duration
}

// NewGuard returns a guard with the pass-through policy and a 1ms tolerance.
func NewGuard() *Guard {
	return &Guard{Policy: PolicyPassFlagged, Tolerance: time.Millisecond}
}

// Enforce measures [start, end] against bound. A zero bound is unbounded.
// On violation the returned proof is still complete and the error is a
// *TimingError; the caller applies g.Policy.
func (g *Guard) Enforce(class Class, bound time.Duration, start, end clock.Timestamp) (Proof, error) {
	d := end.Sub(start)
	if d < 0 {
		d = 0
	}
	p := Proof{
		Class:    class,
		Bound:    bound,
		Start:    start,
		End:      end,
		Duration: d,
	}
	if bound > 0 && d > bound {
		p.Violated = true
		return p, &TimingError{
			Code:   CodeBoundExceeded,
			Class:  class,
			Bound:  bound,
			Actual: d,
		}
	}
	return p, nil
}

// Aborts reports whether a violation discards the result.
func (g *Guard) Aborts() bool {
	return g.Policy == PolicyAbort
}

// Within reports whether two durations agree within the replay tolerance.
func (g *Guard) Within(a, b time.Duration) bool {
	diff := a - b
	if diff < 0 {
		diff = -diff
	}
	return diff <= g.Tolerance
}

// Context derives the execution context for an operation with bound.
// Without DeadlineGrace, or for unbounded classes, ctx is returned as is.
func (g *Guard) Context(ctx context.Context, bound time.Duration) (context.Context, context.CancelFunc) {
	if g.DeadlineGrace <= 0 || bound <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, bound+g.DeadlineGrace)
}
