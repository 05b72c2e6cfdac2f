package receiptlog

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/Mindburn-Labs/mukernel/pkg/receipt"
)

// Fanout appends to a primary log and then to every mirror. Reads go to
// the primary. A primary failure fails the append. Once the primary holds
// the receipt, mirror failures are logged and counted but do not fail it.
type Fanout struct {
	primary Log
	mirrors []Appender
	logger  *slog.Logger
	failed  atomic.Int64
}

// NewFanout returns a fan-out over primary and mirrors.
func NewFanout(primary Log, mirrors ...Appender) *Fanout {
	return &Fanout{
		primary: primary,
		mirrors: mirrors,
		logger:  slog.Default().With("component", "receiptlog.fanout"),
	}
}

// WithLogger replaces the logger used for mirror failures.
func (f *Fanout) WithLogger(l *slog.Logger) *Fanout {
	f.logger = l
	return f
}

func (f *Fanout) Append(ctx context.Context, r *receipt.Receipt) error {
	if err := f.primary.Append(ctx, r); err != nil {
		return err
	}
	for i, m := range f.mirrors {
		if err := m.Append(ctx, r); err != nil {
			f.failed.Add(1)
			f.logger.ErrorContext(ctx, "mirror append failed",
				"mirror", i,
				"session_id", r.SessionID,
				"sequence", r.Sequence,
				"error", err,
			)
		}
	}
	return nil
}

// MirrorFailures returns how many mirror appends have failed.
func (f *Fanout) MirrorFailures() int64 { return f.failed.Load() }

func (f *Fanout) Chain(ctx context.Context, sessionID string) ([]*receipt.Receipt, error) {
	return f.primary.Chain(ctx, sessionID)
}

func (f *Fanout) Get(ctx context.Context, hash string) (*receipt.Receipt, error) {
	return f.primary.Get(ctx, hash)
}
