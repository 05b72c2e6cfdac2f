package authority

import (
	"errors"
	"fmt"
)

// Deterministic error codes.
const (
	CodeInvalidEscalation     = "INVALID_ESCALATION"
	CodeInsufficientAuthority = "INSUFFICIENT_AUTHORITY"
	CodeRevoked               = "REVOKED"
	CodeJustificationRejected = "JUSTIFICATION_REJECTED"
)

var (
	ErrInvalidEscalation     = errors.New("authority: invalid escalation")
	ErrInsufficientAuthority = errors.New("authority: insufficient authority")
	ErrRevoked               = errors.New("authority: revoked")
	ErrJustificationRejected = errors.New("authority: justification rejected")
)

// AuthorizationError is returned for every denied check or escalation.
type AuthorizationError struct {
	Code      string `json:"code"`
	SessionID string `json:"session_id,omitempty"`
	From      Level  `json:"from"`
	To        Level  `json:"to"`
	Reason    string `json:"reason,omitempty"`
	cause     error
}

func (e *AuthorizationError) Error() string {
	msg := fmt.Sprintf("%s: %s -> %s", e.Code, e.From, e.To)
	if e.SessionID != "" {
		msg += " (session " + e.SessionID + ")"
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *AuthorizationError) Is(target error) bool {
	switch e.Code {
	case CodeInvalidEscalation:
		return target == ErrInvalidEscalation
	case CodeInsufficientAuthority:
		return target == ErrInsufficientAuthority
	case CodeRevoked:
		return target == ErrRevoked
	case CodeJustificationRejected:
		return target == ErrJustificationRejected
	}
	return false
}

// Unwrap returns the verifier error behind a rejected justification.
func (e *AuthorizationError) Unwrap() error { return e.cause }
