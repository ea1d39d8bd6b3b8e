package observability

import (
	"log/slog"
	"time"
)

// All log helpers are nil-safe: a nil logger disables logging without
// callers having to guard every site.

// EnrichLogger adds bus context to a logger, returning a new logger with
// topic, message_id, and attempt fields.
func EnrichLogger(logger *slog.Logger, topic, messageID string, attempt int) *slog.Logger {
	if logger == nil {
		return nil
	}
	return logger.With(
		slog.String("topic", topic),
		slog.String("message_id", messageID),
		slog.Int("attempt", attempt),
	)
}

// LogPublishAccepted logs an envelope passing the full publish pipeline.
func LogPublishAccepted(logger *slog.Logger, topic, messageID, correlationID string) {
	if logger == nil {
		return
	}
	logger.Debug("publish accepted",
		slog.String("topic", topic),
		slog.String("message_id", messageID),
		slog.String("correlation_id", correlationID),
	)
}

// LogPublishRejected logs a pipeline rejection with its reason.
func LogPublishRejected(logger *slog.Logger, topic, producerID, reason string) {
	if logger == nil {
		return
	}
	logger.Warn("publish rejected",
		slog.String("topic", topic),
		slog.String("producer_id", producerID),
		slog.String("reason", reason),
	)
}

// LogDuplicate logs an idempotent re-acknowledgement of a known event.
func LogDuplicate(logger *slog.Logger, topic, idempotencyKey string) {
	if logger == nil {
		return
	}
	logger.Debug("duplicate publish acknowledged",
		slog.String("topic", topic),
		slog.String("idempotency_key", idempotencyKey),
	)
}

// LogDispatchFailed logs a handler failure that scheduled a retry.
func LogDispatchFailed(logger *slog.Logger, topic, messageID string, attempt int, nextRetryAt time.Time, err error) {
	if logger == nil {
		return
	}
	logger.Warn("dispatch failed, retry scheduled",
		slog.String("topic", topic),
		slog.String("message_id", messageID),
		slog.Int("attempt", attempt),
		slog.Time("next_retry_at", nextRetryAt),
		slog.String("error", err.Error()),
	)
}

// LogDeadLetter logs a record exhausting its retries.
func LogDeadLetter(logger *slog.Logger, topic, messageID string, attempts int) {
	if logger == nil {
		return
	}
	logger.Error("record moved to dead letter queue",
		slog.String("topic", topic),
		slog.String("message_id", messageID),
		slog.Int("attempts", attempts),
	)
}

// LogReplayCompleted logs the outcome of a replay request.
func LogReplayCompleted(logger *slog.Logger, source string, walked, dispatched, skipped int, durationMs float64) {
	if logger == nil {
		return
	}
	logger.Info("replay completed",
		slog.String("source", source),
		slog.Int("records", walked),
		slog.Int("dispatched", dispatched),
		slog.Int("skipped", skipped),
		slog.Float64("duration_ms", durationMs),
	)
}

// TimedOperation measures the duration of an operation. The returned
// function reports the elapsed time in milliseconds.
func TimedOperation() func() float64 {
	start := time.Now()
	return func() float64 {
		return float64(time.Since(start).Milliseconds())
	}
}
