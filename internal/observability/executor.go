package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/hkuds/pybox/internal/sandbox"
)

// InstrumentedExecutor wraps a sandbox.Executor with metrics and tracing.
type InstrumentedExecutor struct {
	inner   sandbox.Executor
	metrics *MetricsCollector
	tracer  trace.Tracer
}

// NewInstrumentedExecutor wraps an executor with observability. Either
// metrics or ts may be nil.
func NewInstrumentedExecutor(inner sandbox.Executor, metrics *MetricsCollector, ts *TracerSetup) *InstrumentedExecutor {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedExecutor{
		inner:   inner,
		metrics: metrics,
		tracer:  tracer,
	}
}

func (e *InstrumentedExecutor) Execute(ctx context.Context, req sandbox.Request) sandbox.Outcome {
	var span trace.Span
	if e.tracer != nil {
		ctx, span = e.tracer.Start(ctx, "sandbox.execute",
			trace.WithAttributes(
				attribute.Int("sandbox.code_bytes", len(req.Code)),
				attribute.Bool("sandbox.has_input", req.Input != ""),
			))
		defer span.End()
	}

	if e.metrics != nil {
		e.metrics.ActiveExecutions.Inc()
		defer e.metrics.ActiveExecutions.Dec()
	}

	out := e.inner.Execute(ctx, req)

	if span != nil {
		span.SetAttributes(
			attribute.String("sandbox.kind", string(out.Kind)),
			attribute.Int64("sandbox.elapsed_ms", out.Elapsed.Milliseconds()),
			attribute.Bool("sandbox.truncated", out.Truncated()),
		)
		if out.ExitCode != nil {
			span.SetAttributes(attribute.Int("sandbox.exit_code", *out.ExitCode))
		}
		switch out.Kind {
		case sandbox.KindSuccess, sandbox.KindNonZeroExit:
			span.SetStatus(codes.Ok, "")
		default:
			desc := string(out.Kind)
			if out.Reason != "" {
				desc += ": " + out.Reason
			}
			span.SetStatus(codes.Error, desc)
		}
	}

	if e.metrics != nil {
		kind := string(out.Kind)
		e.metrics.ExecutionsTotal.WithLabelValues(kind).Inc()
		e.metrics.ExecutionDuration.WithLabelValues(kind).Observe(out.Elapsed.Seconds())
		if out.Kind == sandbox.KindProvisioningFailed {
			e.metrics.ProvisioningFailures.WithLabelValues(out.Reason).Inc()
		}
		if out.StdoutTruncated {
			e.metrics.OutputTruncations.WithLabelValues("stdout").Inc()
		}
		if out.StderrTruncated {
			e.metrics.OutputTruncations.WithLabelValues("stderr").Inc()
		}
	}

	return out
}

// TeardownHook returns a sandbox.Options.OnTeardownAnomaly callback that
// counts anomalies. It is nil-safe.
func (m *MetricsCollector) TeardownHook() func(*sandbox.TeardownAnomaly) {
	return func(*sandbox.TeardownAnomaly) {
		if m != nil {
			m.TeardownAnomalies.Inc()
		}
	}
}

var _ sandbox.Executor = (*InstrumentedExecutor)(nil)
