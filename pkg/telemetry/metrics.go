package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// ToolMetrics records one counter increment and one duration observation per
// tool invocation, labelled with {server, tool, status}.
type ToolMetrics struct {
	calls    metric.Int64Counter
	duration metric.Float64Histogram
}

var (
	toolMetricsOnce sync.Once
	toolMetrics     *ToolMetrics
)

// Tools returns the process-wide tool metrics instruments.
func Tools() *ToolMetrics {
	toolMetricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter(defaultTracerName)
		calls, _ := meter.Int64Counter("tool_calls_total",
			metric.WithDescription("Number of tool invocations"))
		duration, _ := meter.Float64Histogram("tool_call_duration_seconds",
			metric.WithDescription("Tool invocation duration"),
			metric.WithUnit("s"))
		toolMetrics = &ToolMetrics{calls: calls, duration: duration}
	})
	return toolMetrics
}

// Record observes a completed tool call. status is one of
// "success", "error", "timeout".
func (m *ToolMetrics) Record(ctx context.Context, server, tool, status string, elapsed time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("server", server),
		attribute.String("tool", tool),
		attribute.String("status", status),
	)
	m.calls.Add(ctx, 1, attrs)
	m.duration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(
		attribute.String("server", server),
		attribute.String("tool", tool),
	))
}
