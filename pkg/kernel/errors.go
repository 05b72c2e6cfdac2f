package kernel

import (
	"errors"
	"fmt"

	"github.com/Mindburn-Labs/mukernel/pkg/authority"
	"github.com/Mindburn-Labs/mukernel/pkg/contract"
	"github.com/Mindburn-Labs/mukernel/pkg/quota"
	"github.com/Mindburn-Labs/mukernel/pkg/receipt"
	"github.com/Mindburn-Labs/mukernel/pkg/registry"
	"github.com/Mindburn-Labs/mukernel/pkg/timing"
)

// Kernel-level error codes.
const (
	CodeAdmissionDenied = "ADMISSION_DENIED"
	CodeSessionBusy     = "SESSION_BUSY"
	CodeNoCapability    = "NO_CAPABILITY"
	CodeInputMismatch   = "INPUT_MISMATCH"
	CodeNondeterminism  = "NONDETERMINISM"
	CodeLogAppend       = "LOG_APPEND_FAILED"
)

var (
	ErrAdmissionDenied = errors.New("kernel: session admission denied")
	ErrSessionBusy     = errors.New("kernel: session has an operation in flight")
	ErrNoCapability    = errors.New("kernel: no capability implements operation")
	ErrInputMismatch   = errors.New("kernel: replay input does not match receipt")
	ErrNondeterminism  = errors.New("kernel: replay produced a different output")
	ErrLogAppend       = errors.New("kernel: receipt log append failed")
)

// Error is every error the kernel surfaces. It carries the context needed
// to act on the failure without access to kernel state.
type Error struct {
	Op          string // open_session, escalate, invoke, record_usage, close_session, replay
	SessionID   string
	OperationID string
	// Fatal is set when the session was terminated because of Err.
	Fatal bool
	// Receipt is the receipt recorded for a failed or aborted operation,
	// if one was recorded.
	Receipt *receipt.Receipt
	Err     error
}

func (e *Error) Error() string {
	msg := "kernel " + e.Op
	if e.SessionID != "" {
		msg += " session=" + e.SessionID
	}
	if e.OperationID != "" {
		msg += " operation=" + e.OperationID
	}
	if e.Fatal {
		msg += " (session terminated)"
	}
	return msg + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// DeterminismError reports a replay whose output differs from the receipt.
type DeterminismError struct {
	OperationID string
	Sequence    uint64
	Expected    string
	Actual      string
}

func (e *DeterminismError) Error() string {
	return fmt.Sprintf("%s: %s seq=%d expected output %s, got %s",
		CodeNondeterminism, e.OperationID, e.Sequence, e.Expected, e.Actual)
}

func (e *DeterminismError) Is(target error) bool { return target == ErrNondeterminism }

// Kind returns the stable code of err for metrics and logs.
func Kind(err error) string {
	var (
		qe *quota.QuotaError
		ae *authority.AuthorizationError
		te *timing.TimingError
		re *registry.RegistryError
		pe *receipt.ProofError
		de *DeterminismError
	)
	switch {
	case errors.As(err, &qe):
		return string(qe.Kind)
	case errors.As(err, &ae):
		return ae.Code
	case errors.As(err, &te):
		return te.Code
	case errors.As(err, &re):
		return re.Code
	case errors.As(err, &pe):
		return pe.Code
	case errors.As(err, &de):
		return CodeNondeterminism
	case errors.Is(err, ErrAdmissionDenied):
		return CodeAdmissionDenied
	case errors.Is(err, ErrSessionBusy):
		return CodeSessionBusy
	case errors.Is(err, ErrNoCapability):
		return CodeNoCapability
	case errors.Is(err, ErrInputMismatch):
		return CodeInputMismatch
	case errors.Is(err, ErrLogAppend):
		return CodeLogAppend
	case errors.Is(err, contract.ErrUnknownOperation):
		return "UNKNOWN_OPERATION"
	case errors.Is(err, contract.ErrInvalidInput):
		return "INVALID_INPUT"
	default:
		return "INTERNAL"
	}
}

// isFatal classifies err per the kernel's propagation policy: overruns,
// guard violations, authorization failures and replay nondeterminism end
// the session.
func isFatal(err error) bool {
	var ae *authority.AuthorizationError
	return quota.IsFatal(err) || errors.As(err, &ae) || errors.Is(err, ErrNondeterminism)
}
