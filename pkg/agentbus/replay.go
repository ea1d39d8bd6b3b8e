package agentbus

import (
	"context"
	"fmt"

	"github.com/randalmurphal/agentbus/pkg/agentbus/observability"
	"github.com/randalmurphal/agentbus/pkg/agentbus/outbox"
)

// ReplayReport summarizes one replay run.
type ReplayReport struct {
	// Walked is how many records matched the filter.
	Walked int

	// Dispatched is how many were redelivered to subscribers.
	Dispatched int

	// SkippedDelivered counts outbox records already delivered; replaying
	// them is a no-op.
	SkippedDelivered int

	// SkippedDuplicates counts records suppressed by the idempotency
	// window during the replay itself.
	SkippedDuplicates int

	// Failed counts records whose redelivery failed again; they stay on
	// the retry schedule or in the DLQ.
	Failed int
}

// Replay walks staged records in their original publication order and
// redelivers them. Replaying from the DLQ gives dead letters a fresh
// delivery attempt; replaying from the outbox redelivers undelivered
// records after an operator fixes a downstream fault.
//
// Replays re-run only an idempotency check, not the full admission
// pipeline: everything staged already passed ACL, validation, and quota at
// publish time, and replayed traffic is operator-driven rather than
// producer-driven. The check is scoped to the run, so a record is never
// suppressed by its own original publish: within one replay, two records
// carrying the same idempotency key on the same topic dispatch once.
func (b *Bus) Replay(ctx context.Context, source outbox.Source, filter outbox.Filter) (*ReplayReport, error) {
	if b.closed.Load() {
		return nil, ErrBusClosed
	}

	ctx, span := b.spans.StartReplaySpan(ctx, sourceName(source))
	stop := observability.TimedOperation()

	records, err := b.store.List(ctx, source, filter)
	if err != nil {
		b.spans.EndSpanWithError(span, err)
		return nil, fmt.Errorf("list records for replay: %w", err)
	}

	report := &ReplayReport{Walked: len(records)}
	seen := make(map[string]struct{}, len(records))
	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			b.spans.EndSpanWithError(span, err)
			return report, err
		}
		if rec.Status == outbox.StatusDelivered {
			report.SkippedDelivered++
			continue
		}

		env, err := decodeEnvelope(rec)
		if err != nil {
			report.Failed++
			continue
		}
		key := env.Topic + "\x00" + env.IdempotencyKey
		if _, dup := seen[key]; dup {
			report.SkippedDuplicates++
			continue
		}
		seen[key] = struct{}{}

		if err := b.deliver(ctx, env); err != nil {
			report.Failed++
			continue
		}
		report.Dispatched++
		b.stats.replayed.Add(1)
	}

	b.metrics.RecordReplay(ctx, sourceName(source), int64(report.Walked))
	observability.LogReplayCompleted(b.logger, sourceName(source),
		report.Walked, report.Dispatched,
		report.SkippedDelivered+report.SkippedDuplicates, stop())
	b.spans.EndSpanWithError(span, nil)
	return report, nil
}

func sourceName(source outbox.Source) string {
	if source == outbox.SourceDLQ {
		return "dlq"
	}
	return "outbox"
}
