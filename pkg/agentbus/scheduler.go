package agentbus

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/randalmurphal/agentbus/pkg/agentbus/outbox"
)

// retryBatch bounds how many due records one sweep redelivers.
const retryBatch = 64

// retryLoop polls the outbox for records whose backoff has elapsed and
// redelivers them. It also picks up pending records stranded by a crash or
// a cancelled publish. Runs until Close.
func (b *Bus) retryLoop(interval time.Duration) {
	defer b.sweepWG.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-b.closeCh:
			return
		case <-ticker.C:
			b.sweepDue()
		}
	}
}

func (b *Bus) sweepDue() {
	ctx := context.Background()

	due, err := b.store.Due(ctx, time.Now().UTC(), retryBatch)
	if err != nil {
		b.logger.Error("retry sweep failed", slog.String("error", err.Error()))
		return
	}

	for _, rec := range due {
		select {
		case <-b.closeCh:
			return
		default:
		}
		b.redeliver(ctx, rec)
	}
}

// redeliver runs the dispatch leg for a staged record. Admission already
// happened on the original publish; retries do not re-run ACL, quota, or
// rate checks.
func (b *Bus) redeliver(ctx context.Context, rec *outbox.Record) {
	env, err := decodeEnvelope(rec)
	if err != nil {
		// A record that cannot be decoded can never deliver; push it
		// toward the DLQ instead of retrying forever.
		b.logger.Error("staged envelope is corrupt",
			slog.String("message_id", rec.MessageID),
			slog.String("error", err.Error()))
		if failed, markErr := b.store.MarkFailed(ctx, rec.MessageID, err); markErr == nil && failed.Status == outbox.StatusDead {
			b.deadLetter(ctx, failed)
		}
		return
	}

	b.stats.retried.Add(1)
	_ = b.deliver(ctx, env)
}

// decodeEnvelope restores the staged envelope and stamps the attempt this
// delivery represents: the number of failed deliveries so far.
func decodeEnvelope(rec *outbox.Record) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(rec.Envelope, &env); err != nil {
		return nil, err
	}
	env.Attempt = rec.Attempts
	return &env, nil
}
