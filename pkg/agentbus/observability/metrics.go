// Package observability provides structured logging, metrics, and
// distributed tracing for the bus.
//
// Logging uses slog (Go stdlib); metrics and tracing use OpenTelemetry.
// Everything is opt-in with no-op implementations when disabled.
package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricsRecorder records bus metrics.
// Use NewMetricsRecorder() for OTel metrics or NoopMetrics{} when disabled.
type MetricsRecorder interface {
	// RecordPublish records one publish attempt and its outcome
	// ("accepted", "duplicate", "denied", "rate_smoothed", "quota_exceeded",
	// "invalid", "schema_unavailable").
	RecordPublish(ctx context.Context, topic, outcome string)

	// RecordDispatch records a dispatch to subscribers with its duration
	// and error status.
	RecordDispatch(ctx context.Context, topic string, duration time.Duration, err error)

	// RecordDeadLetter records a record moving to the DLQ.
	RecordDeadLetter(ctx context.Context, topic string)

	// RecordReplay records a completed replay and how many records it walked.
	RecordReplay(ctx context.Context, source string, records int64)

	// RecordSchemaCache records a schema cache lookup result.
	RecordSchemaCache(ctx context.Context, hit bool)
}

// otelMetrics implements MetricsRecorder using OpenTelemetry.
type otelMetrics struct {
	publishes       metric.Int64Counter
	dispatches      metric.Int64Counter
	dispatchLatency metric.Float64Histogram
	dispatchErrors  metric.Int64Counter
	deadLetters     metric.Int64Counter
	replays         metric.Int64Counter
	replayRecords   metric.Int64Counter
	schemaLookups   metric.Int64Counter
}

var (
	defaultMetrics     *otelMetrics
	defaultMetricsOnce sync.Once
	defaultMetricsErr  error
)

func getDefaultMetrics() (*otelMetrics, error) {
	defaultMetricsOnce.Do(func() {
		defaultMetrics, defaultMetricsErr = newOtelMetrics()
	})
	return defaultMetrics, defaultMetricsErr
}

func newOtelMetrics() (*otelMetrics, error) {
	meter := otel.Meter("agentbus")

	publishes, err := meter.Int64Counter("agentbus.publish.attempts",
		metric.WithDescription("Publish attempts by outcome"),
	)
	if err != nil {
		return nil, err
	}

	dispatches, err := meter.Int64Counter("agentbus.dispatch.count",
		metric.WithDescription("Dispatches to subscribers"),
	)
	if err != nil {
		return nil, err
	}

	dispatchLatency, err := meter.Float64Histogram("agentbus.dispatch.latency_ms",
		metric.WithDescription("Dispatch latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	dispatchErrors, err := meter.Int64Counter("agentbus.dispatch.errors",
		metric.WithDescription("Dispatches that ended in a handler error"),
	)
	if err != nil {
		return nil, err
	}

	deadLetters, err := meter.Int64Counter("agentbus.dlq.entries",
		metric.WithDescription("Records moved to the dead letter queue"),
	)
	if err != nil {
		return nil, err
	}

	replays, err := meter.Int64Counter("agentbus.replay.runs",
		metric.WithDescription("Completed replay requests"),
	)
	if err != nil {
		return nil, err
	}

	replayRecords, err := meter.Int64Counter("agentbus.replay.records",
		metric.WithDescription("Records walked by replay requests"),
	)
	if err != nil {
		return nil, err
	}

	schemaLookups, err := meter.Int64Counter("agentbus.schema.cache.lookups",
		metric.WithDescription("Schema cache lookups by result"),
	)
	if err != nil {
		return nil, err
	}

	return &otelMetrics{
		publishes:       publishes,
		dispatches:      dispatches,
		dispatchLatency: dispatchLatency,
		dispatchErrors:  dispatchErrors,
		deadLetters:     deadLetters,
		replays:         replays,
		replayRecords:   replayRecords,
		schemaLookups:   schemaLookups,
	}, nil
}

// NewMetricsRecorder returns a MetricsRecorder that uses OpenTelemetry.
// If metrics initialization fails, returns a no-op recorder.
//
// The recorder uses the global OTel meter provider. Configure the provider
// before calling this function:
//
//	import "go.opentelemetry.io/otel"
//	otel.SetMeterProvider(yourProvider)
func NewMetricsRecorder() MetricsRecorder {
	m, err := getDefaultMetrics()
	if err != nil {
		slog.Warn("metrics initialization failed, using no-op recorder",
			slog.String("error", err.Error()))
		return NoopMetrics{}
	}
	return m
}

// RecordPublish records one publish attempt.
func (m *otelMetrics) RecordPublish(ctx context.Context, topic, outcome string) {
	m.publishes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("topic", topic),
		attribute.String("outcome", outcome),
	))
}

// RecordDispatch records a dispatch to subscribers.
func (m *otelMetrics) RecordDispatch(ctx context.Context, topic string, duration time.Duration, err error) {
	attrs := []attribute.KeyValue{attribute.String("topic", topic)}

	m.dispatches.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.dispatchLatency.Record(ctx, float64(duration.Milliseconds()), metric.WithAttributes(attrs...))

	if err != nil {
		m.dispatchErrors.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// RecordDeadLetter records a DLQ entry.
func (m *otelMetrics) RecordDeadLetter(ctx context.Context, topic string) {
	m.deadLetters.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic)))
}

// RecordReplay records a completed replay.
func (m *otelMetrics) RecordReplay(ctx context.Context, source string, records int64) {
	attrs := []attribute.KeyValue{attribute.String("source", source)}
	m.replays.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.replayRecords.Add(ctx, records, metric.WithAttributes(attrs...))
}

// RecordSchemaCache records a schema cache lookup.
func (m *otelMetrics) RecordSchemaCache(ctx context.Context, hit bool) {
	m.schemaLookups.Add(ctx, 1, metric.WithAttributes(attribute.Bool("hit", hit)))
}
