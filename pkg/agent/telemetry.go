package agent

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "mcpagent/pkg/agent"

// telemetry holds the span source and counters of one engine. Without
// explicit providers the global ones are used, which are no-ops unless the
// host installs an SDK.
type telemetry struct {
	tracer trace.Tracer

	turns      metric.Int64Counter
	toolCalls  metric.Int64Counter
	toolErrors metric.Int64Counter
}

func newTelemetry(tp trace.TracerProvider, mp metric.MeterProvider) *telemetry {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(instrumentationName)

	t := &telemetry{tracer: tp.Tracer(instrumentationName)}
	t.turns = counter(meter, "agent.turns", "Model turns streamed")
	t.toolCalls = counter(meter, "agent.tool_calls", "Tool calls dispatched")
	t.toolErrors = counter(meter, "agent.tool_errors", "Tool calls that failed to dispatch")
	return t
}

func counter(meter metric.Meter, name, desc string) metric.Int64Counter {
	c, err := meter.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit("1"))
	if err != nil {
		slog.Warn("Failed to create counter", "name", name, "error", err)
		return noop.Int64Counter{}
	}
	return c
}

func (t *telemetry) start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// end closes span, marking it failed when err is set.
func end(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
