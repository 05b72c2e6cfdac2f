// Package receiptlog is the append-only external log that receives the
// kernel's receipt stream. The kernel depends only on Appender and keeps
// its own per-session tail; readers (audit, replay, the CLI) use Reader.
package receiptlog

import (
	"context"
	"errors"
	"fmt"

	"github.com/Mindburn-Labs/mukernel/pkg/receipt"
)

var (
	// ErrNotFound is returned by Get for an unknown hash.
	ErrNotFound = errors.New("receiptlog: receipt not found")
	// ErrSequence is returned when an append does not extend the
	// session's chain by exactly one.
	ErrSequence = errors.New("receiptlog: sequence discontinuity")
)

// Appender is the only log operation the kernel performs.
type Appender interface {
	Append(ctx context.Context, r *receipt.Receipt) error
}

// Reader gives read access to stored chains.
type Reader interface {
	// Chain returns a session's receipts in sequence order.
	Chain(ctx context.Context, sessionID string) ([]*receipt.Receipt, error)
	// Get returns the receipt with the given hash.
	Get(ctx context.Context, hash string) (*receipt.Receipt, error)
}

// Log is a readable Appender.
type Log interface {
	Appender
	Reader
}

// SequenceError describes a rejected append.
type SequenceError struct {
	SessionID string
	Want      uint64
	Got       uint64
	Reason    string
}

func (e *SequenceError) Error() string {
	return fmt.Sprintf("receiptlog: session %s: want sequence %d, got %d: %s", e.SessionID, e.Want, e.Got, e.Reason)
}

func (e *SequenceError) Is(target error) bool { return target == ErrSequence }

// checkContinuity validates r against the session's current tail. A nil
// tail means the session has no receipts yet.
func checkContinuity(tail *receipt.Link, r *receipt.Receipt) error {
	if tail == nil {
		if r.Sequence != 0 || r.ParentHash != "" {
			return &SequenceError{SessionID: r.SessionID, Want: 0, Got: r.Sequence, Reason: "first receipt must be a root"}
		}
		return nil
	}
	if r.Sequence != tail.Sequence+1 {
		return &SequenceError{SessionID: r.SessionID, Want: tail.Sequence + 1, Got: r.Sequence, Reason: "gap"}
	}
	if r.ParentHash != tail.Hash {
		return &SequenceError{SessionID: r.SessionID, Want: tail.Sequence + 1, Got: r.Sequence, Reason: "parent hash is not the tail"}
	}
	return nil
}

func validate(r *receipt.Receipt) error {
	if r == nil {
		return errors.New("receiptlog: nil receipt")
	}
	if r.Hash == "" || r.SessionID == "" {
		return errors.New("receiptlog: receipt missing hash or session id")
	}
	return nil
}
