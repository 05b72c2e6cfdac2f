package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys attached to kernel telemetry.
var (
	AttrOperationID = attribute.Key("mukernel.operation.id")
	AttrOutcome     = attribute.Key("mukernel.outcome")
	AttrErrorKind   = attribute.Key("mukernel.error.kind")
	AttrTimingClass = attribute.Key("mukernel.timing.class")
	AttrAuthority   = attribute.Key("mukernel.authority")
	AttrSessionID   = attribute.Key("mukernel.session.id")
	AttrSequence    = attribute.Key("mukernel.receipt.sequence")
)

// KernelMetrics are the kernel instruments. A nil *KernelMetrics records
// nothing.
type KernelMetrics struct {
	invocations      metric.Int64Counter
	errors           metric.Int64Counter
	timingViolations metric.Int64Counter
	duration         metric.Float64Histogram
	sessions         metric.Int64UpDownCounter
}

// NewKernelMetrics registers the kernel instruments on meter.
func NewKernelMetrics(meter metric.Meter) (*KernelMetrics, error) {
	m := &KernelMetrics{}
	var err error

	m.invocations, err = meter.Int64Counter("mukernel.invocations",
		metric.WithDescription("Capability invocations that produced a receipt"),
		metric.WithUnit("{invocation}"),
	)
	if err != nil {
		return nil, err
	}

	m.errors, err = meter.Int64Counter("mukernel.errors",
		metric.WithDescription("Kernel errors surfaced to callers, by kind"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}

	m.timingViolations, err = meter.Int64Counter("mukernel.timing_violations",
		metric.WithDescription("Operations whose duration exceeded the declared bound"),
		metric.WithUnit("{violation}"),
	)
	if err != nil {
		return nil, err
	}

	m.duration, err = meter.Float64Histogram("mukernel.invoke.duration",
		metric.WithDescription("Measured capability duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.00001, 0.0001, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0),
	)
	if err != nil {
		return nil, err
	}

	m.sessions, err = meter.Int64UpDownCounter("mukernel.sessions.active",
		metric.WithDescription("Open kernel sessions"),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// Invocation records one receipted invocation.
func (m *KernelMetrics) Invocation(ctx context.Context, operationID, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(AttrOperationID.String(operationID), AttrOutcome.String(outcome))
	m.invocations.Add(ctx, 1, attrs)
	m.duration.Record(ctx, d.Seconds(), attrs)
}

// Error records a surfaced error of kind.
func (m *KernelMetrics) Error(ctx context.Context, operationID, kind string) {
	if m == nil {
		return
	}
	m.errors.Add(ctx, 1, metric.WithAttributes(AttrOperationID.String(operationID), AttrErrorKind.String(kind)))
}

func (m *KernelMetrics) TimingViolation(ctx context.Context, operationID, class string) {
	if m == nil {
		return
	}
	m.timingViolations.Add(ctx, 1, metric.WithAttributes(AttrOperationID.String(operationID), AttrTimingClass.String(class)))
}

func (m *KernelMetrics) SessionOpened(ctx context.Context) {
	if m == nil {
		return
	}
	m.sessions.Add(ctx, 1)
}

func (m *KernelMetrics) SessionClosed(ctx context.Context) {
	if m == nil {
		return
	}
	m.sessions.Add(ctx, -1)
}

// SetSpanError marks span as failed with err. A nil err is a no-op.
func SetSpanError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
