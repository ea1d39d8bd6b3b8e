// Package outbox durably stages outbound envelopes before dispatch and
// keeps the retry and dead-letter bookkeeping for at-least-once delivery.
//
// Every record walks a fixed state machine:
//
//	pending → delivered
//	pending → failed → (retry) → delivered | dead
//
// MarkFailed increments the attempt count and schedules the next retry
// with exponential backoff and jitter; once attempts reach the configured
// maximum the record moves to the dead-letter queue with its full failure
// history preserved. Dead records are never dropped automatically; they
// leave the store only through an explicit replay or Purge.
package outbox

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

// Store errors.
var (
	ErrNotFound    = errors.New("outbox: record not found")
	ErrStoreClosed = errors.New("outbox: store is closed")
)

// Status is the lifecycle state of a record.
type Status string

const (
	StatusPending   Status = "pending"
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed"
	StatusDead      Status = "dead"
)

// Source selects which queue a listing or replay reads from.
type Source int

const (
	// SourceOutbox covers live records: pending, failed, and delivered.
	SourceOutbox Source = iota
	// SourceDLQ covers dead records only.
	SourceDLQ
)

// Failure is one dispatch failure in a record's history.
type Failure struct {
	Attempt int       `json:"attempt"`
	Error   string    `json:"error"`
	At      time.Time `json:"at"`
}

// Record is the staged form of an envelope with its delivery bookkeeping.
// The envelope travels as serialized bytes: what is staged is exactly what
// was (already redacted and) accepted on publish.
type Record struct {
	// Seq is the store-assigned creation order, strictly increasing.
	Seq int64

	MessageID string
	Topic     string
	Envelope  []byte

	Status      Status
	Attempts    int
	CreatedAt   time.Time
	NextRetryAt time.Time
	Failures    []Failure
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	Topic  string // exact topic
	Status Status
	Since  time.Time // records created at or after
	Limit  int       // 0 = unlimited
}

// Store stages envelopes and tracks their delivery lifecycle. All listings
// return records in creation order.
type Store interface {
	// Stage persists a new record with status pending and assigns Seq.
	Stage(ctx context.Context, rec *Record) error

	// MarkDelivered transitions a record to delivered.
	MarkDelivered(ctx context.Context, messageID string) error

	// MarkFailed records a failure, increments attempts, and either
	// schedules the next retry or moves the record to the DLQ. It returns
	// the updated record.
	MarkFailed(ctx context.Context, messageID string, cause error) (*Record, error)

	// Get returns a single record.
	Get(ctx context.Context, messageID string) (*Record, error)

	// Due returns records ready for redelivery: failed records whose
	// NextRetryAt has passed, and pending records stranded longer than the
	// redelivery age (crash or cancellation mid-dispatch).
	Due(ctx context.Context, now time.Time, limit int) ([]*Record, error)

	// List returns records from a source matching the filter, in creation
	// order.
	List(ctx context.Context, source Source, filter Filter) ([]*Record, error)

	// Purge removes delivered records from the outbox or all records from
	// the DLQ, returning the count removed.
	Purge(ctx context.Context, source Source) (int, error)

	// Close releases resources.
	Close() error
}

// Config tunes retry behavior, shared by both store implementations.
type Config struct {
	// MaxAttempts before a record goes dead. Default: 5.
	MaxAttempts int

	// InitialBackoff for the first retry. Default: 1s.
	InitialBackoff time.Duration

	// BackoffFactor multiplies the backoff per attempt. Default: 2.0.
	BackoffFactor float64

	// MaxBackoff caps the computed backoff. Default: 30s.
	MaxBackoff time.Duration

	// Jitter is the random fraction (0..1) applied around the backoff.
	// Default: 0.1.
	Jitter float64

	// PendingRedeliveryAfter is how long a record may sit pending before
	// Due re-offers it. Default: 30s.
	PendingRedeliveryAfter time.Duration
}

// DefaultConfig mirrors the retry defaults used across the module.
var DefaultConfig = Config{
	MaxAttempts:            5,
	InitialBackoff:         time.Second,
	BackoffFactor:          2.0,
	MaxBackoff:             30 * time.Second,
	Jitter:                 0.1,
	PendingRedeliveryAfter: 30 * time.Second,
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultConfig.MaxAttempts
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = DefaultConfig.InitialBackoff
	}
	if c.BackoffFactor <= 1 {
		c.BackoffFactor = DefaultConfig.BackoffFactor
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = DefaultConfig.MaxBackoff
	}
	if c.Jitter < 0 {
		c.Jitter = 0
	}
	if c.PendingRedeliveryAfter <= 0 {
		c.PendingRedeliveryAfter = DefaultConfig.PendingRedeliveryAfter
	}
	return c
}

// backoff computes the wait before retry number attempt (1-based):
// min(initial * factor^(attempt-1), max), then ±jitter fraction at random.
func (c Config) backoff(attempt int) time.Duration {
	d := float64(c.InitialBackoff)
	for i := 1; i < attempt; i++ {
		d *= c.BackoffFactor
		if d >= float64(c.MaxBackoff) {
			d = float64(c.MaxBackoff)
			break
		}
	}
	if c.Jitter > 0 {
		d += d * c.Jitter * (rand.Float64()*2 - 1)
	}
	return time.Duration(d)
}

// matches applies a Filter to a record.
func (f Filter) matches(rec *Record) bool {
	if f.Topic != "" && rec.Topic != f.Topic {
		return false
	}
	if f.Status != "" && rec.Status != f.Status {
		return false
	}
	if !f.Since.IsZero() && rec.CreatedAt.Before(f.Since) {
		return false
	}
	return true
}

// inSource reports whether a record belongs to the given source.
func inSource(rec *Record, source Source) bool {
	if source == SourceDLQ {
		return rec.Status == StatusDead
	}
	return rec.Status != StatusDead
}
