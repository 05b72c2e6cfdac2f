package quota

import (
	"errors"
	"fmt"
)

// Kind classifies a QuotaError.
type Kind string

const (
	KindInsufficientBudget    Kind = "INSUFFICIENT_BUDGET"
	KindOverrun               Kind = "OVERRUN"
	KindUnresolvedReservation Kind = "UNRESOLVED_RESERVATION"
	KindReservationResolved   Kind = "RESERVATION_RESOLVED"
	KindTerminated            Kind = "TERMINATED"
	KindGuardViolated         Kind = "GUARD_VIOLATED"
)

// Sentinel errors, one per Kind, for errors.Is.
var (
	ErrInsufficientBudget    = errors.New("quota: insufficient budget")
	ErrOverrun               = errors.New("quota: overrun")
	ErrUnresolvedReservation = errors.New("quota: unresolved reservation")
	ErrReservationResolved   = errors.New("quota: reservation already resolved")
	ErrTerminated            = errors.New("quota: budget terminated")
	ErrGuardViolated         = errors.New("quota: resource guard violated")
)

var sentinels = map[Kind]error{
	KindInsufficientBudget:    ErrInsufficientBudget,
	KindOverrun:               ErrOverrun,
	KindUnresolvedReservation: ErrUnresolvedReservation,
	KindReservationResolved:   ErrReservationResolved,
	KindTerminated:            ErrTerminated,
	KindGuardViolated:         ErrGuardViolated,
}

// QuotaError is a typed budget violation.
type QuotaError struct {
	Kind      Kind      `json:"kind"`
	Dimension Dimension `json:"dimension,omitempty"`
	Requested uint64    `json:"requested"`
	Available uint64    `json:"available"`
	Message   string    `json:"message,omitempty"`
}

func (e *QuotaError) Error() string {
	if e.Dimension == "" {
		if e.Message != "" {
			return fmt.Sprintf("%s: %s", e.Kind, e.Message)
		}
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s requested=%d available=%d", e.Kind, e.Dimension, e.Requested, e.Available)
}

func (e *QuotaError) Is(target error) bool {
	return sentinels[e.Kind] == target
}

// Fatal reports whether the error terminates the owning session.
func (e *QuotaError) Fatal() bool {
	return e.Kind == KindOverrun || e.Kind == KindGuardViolated || e.Kind == KindTerminated
}

// IsFatal reports whether err carries a session-fatal QuotaError.
func IsFatal(err error) bool {
	var qe *QuotaError
	return errors.As(err, &qe) && qe.Fatal()
}
