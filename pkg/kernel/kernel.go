// Package kernel is the capability execution kernel: it runs one
// capability invocation at a time per session under an authority level, a
// quota budget and a timing bound, and records a signed receipt linked to
// the session's previous receipt for every completed operation.
//
// Sessions live in a lock-free registry shared by all callers. Everything
// a session owns (authority state, budget, receipt tail) is touched only
// by the single caller currently holding the session's in-flight claim;
// other goroutines may read snapshots.
package kernel

import (
	"context"
	"errors"
	"log/slog"

	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/Mindburn-Labs/mukernel/pkg/authority"
	"github.com/Mindburn-Labs/mukernel/pkg/canonicalize"
	"github.com/Mindburn-Labs/mukernel/pkg/capabilities"
	"github.com/Mindburn-Labs/mukernel/pkg/clock"
	"github.com/Mindburn-Labs/mukernel/pkg/contract"
	"github.com/Mindburn-Labs/mukernel/pkg/crypto"
	"github.com/Mindburn-Labs/mukernel/pkg/observability"
	"github.com/Mindburn-Labs/mukernel/pkg/quota"
	"github.com/Mindburn-Labs/mukernel/pkg/receipt"
	"github.com/Mindburn-Labs/mukernel/pkg/receiptlog"
	"github.com/Mindburn-Labs/mukernel/pkg/registry"
	"github.com/Mindburn-Labs/mukernel/pkg/timing"
)

// CloseOperationID is the operation id of the final receipt of a session.
const CloseOperationID = "session.close"

// Archiver seals a closed session's chain somewhere durable and returns
// its content digest.
type Archiver interface {
	Seal(ctx context.Context, sessionID string, chain []*receipt.Receipt) (string, error)
}

// Config wires a kernel. Contracts, Capabilities and Keys are required.
type Config struct {
	// Capacity is the number of session slots. Defaults to 1024.
	Capacity     int
	Contracts    contract.Source
	Capabilities capabilities.Resolver
	Keys         *crypto.KeyRing
	// Log receives every receipt. Defaults to an in-memory arena.
	Log   receiptlog.Appender
	Guard *timing.Guard
	// DefaultBudget is allocated to sessions opened without WithBudget.
	DefaultBudget quota.Usage
	Admission     Admission
	// Transitions are the escalation verifiers of sessions opened without
	// WithTransitions. Nil means no escalation is possible.
	Transitions authority.Transitions
	// NewClock creates each session's clock. Defaults to clock.NewReal.
	NewClock func() clock.Clock
	Hash     canonicalize.Algorithm
	// Archiver, when set, seals each chain on CloseSession. It needs Log to
	// also implement receiptlog.Reader.
	Archiver Archiver
	Metrics  *observability.KernelMetrics
	Tracer   trace.Tracer
	Logger   *slog.Logger
}

// Kernel executes capability invocations for many concurrent sessions.
type Kernel struct {
	cfg      Config
	sessions *registry.Registry[session]
	logger   *slog.Logger
}

// New validates cfg, fills defaults and returns a kernel.
func New(cfg Config) (*Kernel, error) {
	var errs []error
	if cfg.Contracts == nil {
		errs = append(errs, errors.New("kernel: contract source required"))
	}
	if cfg.Capabilities == nil {
		errs = append(errs, errors.New("kernel: capability resolver required"))
	}
	if cfg.Keys == nil {
		errs = append(errs, errors.New("kernel: key ring required"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	if cfg.Capacity <= 0 {
		cfg.Capacity = 1024
	}
	if cfg.Log == nil {
		cfg.Log = receiptlog.NewArena()
	}
	if cfg.Guard == nil {
		cfg.Guard = timing.NewGuard()
	}
	if cfg.Admission == nil {
		cfg.Admission = AllowAll{}
	}
	if cfg.NewClock == nil {
		cfg.NewClock = func() clock.Clock { return clock.NewReal() }
	}
	if cfg.Hash == "" {
		cfg.Hash = canonicalize.SHA256
	}
	if cfg.Tracer == nil {
		cfg.Tracer = tracenoop.NewTracerProvider().Tracer("mukernel")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default().With("component", "kernel")
	}

	reg, err := registry.New[session](cfg.Capacity)
	if err != nil {
		return nil, err
	}
	return &Kernel{cfg: cfg, sessions: reg, logger: cfg.Logger}, nil
}

// Log returns the receipt log the kernel appends to.
func (k *Kernel) Log() receiptlog.Appender { return k.cfg.Log }

// Keys returns the key ring that signs receipts; it resolves key ids for
// receipt.ValidateChain.
func (k *Kernel) Keys() *crypto.KeyRing { return k.cfg.Keys }

// Capacity and Live describe registry occupancy.
func (k *Kernel) Capacity() int { return k.sessions.Capacity() }
func (k *Kernel) Live() int     { return k.sessions.Live() }

// Sessions returns a snapshot of every live session.
func (k *Kernel) Sessions() []SessionSnapshot {
	var out []SessionSnapshot
	k.sessions.Range(func(h registry.Handle, s *session) bool {
		out = append(out, s.snapshot(h))
		return true
	})
	return out
}

// digest hashes an invocation payload with the configured algorithm.
func (k *Kernel) digest(payload []byte) string {
	return k.cfg.Hash.ContentDigest(payload)
}

// surface wraps err with the operation context. Fatal errors terminate
// the session; callers pass s only while holding its in-flight claim.
func (k *Kernel) surface(ctx context.Context, op string, h registry.Handle, s *session, operationID string, r *receipt.Receipt, err error) error {
	e := &Error{Op: op, OperationID: operationID, Receipt: r, Err: err}
	if s != nil {
		e.SessionID = s.id
		if isFatal(err) {
			e.Fatal = true
			k.terminate(ctx, h, s, operationID, err)
		}
	}
	k.cfg.Metrics.Error(ctx, operationID, Kind(err))
	return e
}
