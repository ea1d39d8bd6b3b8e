package agentbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/randalmurphal/agentbus/pkg/agentbus/acl"
	"github.com/randalmurphal/agentbus/pkg/agentbus/dedupe"
	"github.com/randalmurphal/agentbus/pkg/agentbus/observability"
	"github.com/randalmurphal/agentbus/pkg/agentbus/outbox"
	"github.com/randalmurphal/agentbus/pkg/agentbus/quota"
	"github.com/randalmurphal/agentbus/pkg/agentbus/ratelimit"
	"github.com/randalmurphal/agentbus/pkg/agentbus/redact"
	"github.com/randalmurphal/agentbus/pkg/agentbus/schema"
	"github.com/randalmurphal/agentbus/pkg/agentbus/topic"
)

// Handler consumes one envelope. Returning an error marks the delivery
// failed; the bus retries it on the backoff schedule, so handlers must
// tolerate redelivery.
type Handler func(ctx context.Context, env *Envelope) error

// BusConfig assembles a Bus. The zero value is usable: in-memory outbox,
// in-process quota counters, default dedupe window and burst allowance, no
// schema validation, and an empty (deny-all) ACL.
type BusConfig struct {
	// Store stages envelopes durably. Nil selects an in-memory store.
	Store outbox.Store

	// StoreConfig tunes retry backoff when Store is nil.
	StoreConfig outbox.Config

	// Policies seed the ACL. With no policies every publish and
	// subscription is denied.
	Policies []acl.Policy

	// RedactRules seed field redaction.
	RedactRules []redact.Rule

	// QuotaLimits seed volume quota enforcement. Zero limits disable it.
	QuotaLimits quota.Limits

	// QuotaStore is the distributed counter backend, e.g. quota.NewRedisStore.
	// Nil selects in-process counters; a failing backend degrades to them.
	QuotaStore quota.CounterStore

	// RateLimit tunes per-producer burst smoothing.
	RateLimit ratelimit.Config

	// SchemaClient resolves schemas for validated publishes. Nil disables
	// schema validation even when a publish names a schema.
	SchemaClient *schema.Client

	// DedupeWindow bounds idempotency tracking. Default: 5 minutes.
	DedupeWindow time.Duration

	// DispatchBuffer is the per-subscription channel depth. Default: 16.
	DispatchBuffer int

	// RetrySweepInterval is how often the retry scheduler polls for due
	// records. Default: 1 second.
	RetrySweepInterval time.Duration

	Logger  *slog.Logger
	Metrics observability.MetricsRecorder
	Spans   observability.SpanManager
}

// Bus routes envelopes from producers to subscribers with at-least-once
// delivery. Every publish runs the admission pipeline in a fixed order:
// ACL, schema validation, redaction, idempotency, burst smoothing, quota.
// Accepted envelopes are staged in the outbox before dispatch so a crash
// between acceptance and delivery is recovered by the retry scheduler.
type Bus struct {
	store    outbox.Store
	enforcer *acl.Enforcer
	redactor *redact.Redactor
	quota    *quota.Manager
	limiter  *ratelimit.Limiter
	schemas  *schema.Client
	dedupe   *dedupe.Tracker

	logger  *slog.Logger
	metrics observability.MetricsRecorder
	spans   observability.SpanManager

	dispatchBuffer int

	mu   sync.RWMutex
	subs map[string]*Subscription

	closed    atomic.Bool
	closeOnce sync.Once
	closeCh   chan struct{}
	sweepWG   sync.WaitGroup

	stats busCounters
}

type busCounters struct {
	published    atomic.Int64
	duplicates   atomic.Int64
	rejected     atomic.Int64
	delivered    atomic.Int64
	retried      atomic.Int64
	deadLettered atomic.Int64
	replayed     atomic.Int64
}

// Stats is a point-in-time snapshot of bus activity.
type Stats struct {
	Published    int64
	Duplicates   int64
	Rejected     int64
	Delivered    int64
	Retried      int64
	DeadLettered int64
	Replayed     int64

	ActiveSubscriptions int
}

// New builds a Bus and starts its retry scheduler. Call Close to stop it.
func New(cfg BusConfig) *Bus {
	store := cfg.Store
	if store == nil {
		store = outbox.NewMemoryStore(cfg.StoreConfig)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = observability.NewMetricsRecorder()
	}
	spans := cfg.Spans
	if spans == nil {
		spans = observability.NewSpanManager()
	}
	quotaStore := cfg.QuotaStore
	buffer := cfg.DispatchBuffer
	if buffer <= 0 {
		buffer = 16
	}
	sweep := cfg.RetrySweepInterval
	if sweep <= 0 {
		sweep = time.Second
	}

	b := &Bus{
		store:          store,
		enforcer:       acl.NewEnforcer(cfg.Policies...),
		redactor:       redact.NewRedactor(cfg.RedactRules...),
		quota:          quota.NewManager(quotaStore, cfg.QuotaLimits, logger),
		limiter:        ratelimit.NewLimiter(cfg.RateLimit),
		schemas:        cfg.SchemaClient,
		dedupe:         dedupe.NewTracker(cfg.DedupeWindow),
		logger:         logger,
		metrics:        metrics,
		spans:          spans,
		dispatchBuffer: buffer,
		subs:           make(map[string]*Subscription),
		closeCh:        make(chan struct{}),
	}

	if b.schemas != nil {
		b.schemas.SetObserver(func(hit bool) {
			b.metrics.RecordSchemaCache(context.Background(), hit)
		})
	}

	b.sweepWG.Add(1)
	go b.retryLoop(sweep)

	return b
}

// PublishResult reports the outcome of an accepted publish.
type PublishResult struct {
	// Envelope as staged and dispatched. Nil when Duplicate is true.
	Envelope *Envelope

	// Duplicate is true when the idempotency key was already seen within
	// the dedupe window. The publish is acknowledged but nothing is
	// delivered.
	Duplicate bool
}

// Publish admits, stages, and dispatches one envelope. A nil error means
// the envelope was durably accepted; delivery failures after acceptance are
// retried by the bus, not surfaced here. Rejections (ACL, validation,
// rate, quota) return before anything is staged.
func (b *Bus) Publish(ctx context.Context, producerID, topicName string, payload []byte, opts ...PublishOption) (*PublishResult, error) {
	if b.closed.Load() {
		return nil, ErrBusClosed
	}
	if !topic.Valid(topicName) || topic.IsPattern(topicName) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTopic, topicName)
	}

	var options publishOptions
	for _, opt := range opts {
		opt(&options)
	}

	// Access control first: an unauthorized producer learns nothing about
	// schemas, quotas, or prior publishes.
	if err := b.enforcer.Authorize(acl.ActionPublish, producerID, topicName); err != nil {
		b.reject(ctx, topicName, producerID, "acl_denied")
		return nil, err
	}

	if options.schemaID != "" && b.schemas != nil {
		sch, err := b.schemas.GetSchema(ctx, options.schemaID)
		if err != nil {
			b.reject(ctx, topicName, producerID, "schema_unavailable")
			return nil, err
		}
		if err := sch.Validate(payload); err != nil {
			b.reject(ctx, topicName, producerID, "schema_invalid")
			return nil, fmt.Errorf("%w: %v", ErrValidation, err)
		}
	}

	// Redact before deriving the idempotency key so the key covers the
	// bytes subscribers will see.
	payload = b.redactor.Apply(topicName, payload)

	env := newEnvelope(producerID, topicName, payload, options)

	// CheckAndRecord is atomic so concurrent publishes of the same event
	// admit exactly one; if this publish is rejected further down the
	// pipeline, the key is forgotten again so a retry is not mistaken for
	// a duplicate of an event that was never accepted.
	if b.dedupe.CheckAndRecord(topicName, env.IdempotencyKey) {
		b.stats.duplicates.Add(1)
		b.metrics.RecordPublish(ctx, topicName, "duplicate")
		observability.LogDuplicate(b.logger, topicName, env.IdempotencyKey)
		return &PublishResult{Duplicate: true}, nil
	}

	if !b.limiter.TryConsume(producerID, 1) {
		b.dedupe.Forget(topicName, env.IdempotencyKey)
		b.reject(ctx, topicName, producerID, "rate_smoothed")
		return nil, ErrRateSmoothed
	}

	if err := b.quota.CheckAndIncrement(ctx, producerID, 1); err != nil {
		b.dedupe.Forget(topicName, env.IdempotencyKey)
		b.reject(ctx, topicName, producerID, "quota_exceeded")
		return nil, err
	}

	ctx, span := b.spans.StartPublishSpan(ctx, topicName, env.ID, env.CorrelationID)

	envBytes, err := json.Marshal(env)
	if err != nil {
		b.dedupe.Forget(topicName, env.IdempotencyKey)
		b.spans.EndSpanWithError(span, err)
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	rec := &outbox.Record{
		MessageID: env.ID,
		Topic:     env.Topic,
		Envelope:  envBytes,
		CreatedAt: env.CreatedAt,
	}
	if err := b.store.Stage(ctx, rec); err != nil {
		b.dedupe.Forget(topicName, env.IdempotencyKey)
		b.spans.EndSpanWithError(span, err)
		return nil, fmt.Errorf("stage envelope: %w", err)
	}

	b.stats.published.Add(1)
	b.metrics.RecordPublish(ctx, topicName, "accepted")
	observability.LogPublishAccepted(b.logger, topicName, env.ID, env.CorrelationID)

	err = b.deliver(ctx, env)
	b.spans.EndSpanWithError(span, err)

	return &PublishResult{Envelope: env}, nil
}

func (b *Bus) reject(ctx context.Context, topicName, producerID, reason string) {
	b.stats.rejected.Add(1)
	b.metrics.RecordPublish(ctx, topicName, reason)
	observability.LogPublishRejected(b.logger, topicName, producerID, reason)
}

// deliver dispatches the envelope and settles its outbox record. A context
// cancellation mid-dispatch leaves the record pending; the retry scheduler
// redelivers stranded pendings after the configured age.
func (b *Bus) deliver(ctx context.Context, env *Envelope) error {
	started := time.Now()
	err := b.dispatch(ctx, env)
	b.metrics.RecordDispatch(ctx, env.Topic, time.Since(started), err)

	switch {
	case err == nil:
		if markErr := b.store.MarkDelivered(ctx, env.ID); markErr != nil {
			return markErr
		}
		b.stats.delivered.Add(1)
		return nil
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		rec, markErr := b.store.MarkFailed(ctx, env.ID, err)
		if markErr != nil {
			return errors.Join(err, markErr)
		}
		if rec.Status == outbox.StatusDead {
			b.deadLetter(ctx, rec)
		} else {
			observability.LogDispatchFailed(b.logger, env.Topic, env.ID, rec.Attempts, rec.NextRetryAt, err)
		}
		return err
	}
}

func (b *Bus) deadLetter(ctx context.Context, rec *outbox.Record) {
	b.stats.deadLettered.Add(1)
	b.metrics.RecordDeadLetter(ctx, rec.Topic)
	observability.LogDeadLetter(b.logger, rec.Topic, rec.MessageID, rec.Attempts)
}

// delivery is one envelope handed to one subscription worker.
type delivery struct {
	ctx    context.Context
	env    *Envelope
	result chan error
}

// dispatch fans the envelope out to every matching, unpaused subscription
// and waits for the handlers. Handler errors are joined; with several
// subscribers a single failure fails the whole delivery and redelivery
// reaches all of them, which at-least-once allows.
func (b *Bus) dispatch(ctx context.Context, env *Envelope) error {
	subs := b.matching(env.Topic)
	if len(subs) == 0 {
		return nil
	}

	type pendingResult struct {
		sub *Subscription
		res chan error
	}
	pending := make([]pendingResult, 0, len(subs))
	for _, sub := range subs {
		d := &delivery{ctx: ctx, env: env, result: make(chan error, 1)}
		select {
		case sub.ch <- d:
			pending = append(pending, pendingResult{sub: sub, res: d.result})
		case <-sub.stop:
			// Unsubscribed since the snapshot.
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	var errs []error
	collect := func(p pendingResult, err error) {
		if err != nil {
			errs = append(errs, &HandlerError{
				SubscriptionID: p.sub.id,
				AgentID:        p.sub.agentID,
				Err:            err,
			})
		}
	}
	for _, p := range pending {
		select {
		case err := <-p.res:
			collect(p, err)
		case <-p.sub.done:
			// Worker stopped. It may have settled the delivery just
			// before exiting; don't lose that verdict.
			select {
			case err := <-p.res:
				collect(p, err)
			default:
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return errors.Join(errs...)
}

// matching snapshots the unpaused subscriptions for a topic, in a stable
// order.
func (b *Bus) matching(topicName string) []*Subscription {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []*Subscription
	for _, sub := range b.subs {
		if sub.paused.Load() {
			continue
		}
		if topic.Match(sub.pattern, topicName) {
			out = append(out, sub)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// Subscription is one agent's registration on a topic pattern. Deliveries
// to a subscription are ordered; across subscriptions there is no ordering
// guarantee.
type Subscription struct {
	id      string
	seq     int64
	agentID string
	pattern string
	handler Handler

	// ch carries deliveries to the worker; it is never closed, senders
	// race against stop instead.
	ch     chan *delivery
	stop   chan struct{}
	done   chan struct{}
	paused atomic.Bool

	stopOnce sync.Once
}

// ID is the bus-assigned subscription identifier.
func (s *Subscription) ID() string { return s.id }

// Pattern is the topic pattern the subscription was registered with.
func (s *Subscription) Pattern() string { return s.pattern }

// Pause stops deliveries to this subscription without dropping it.
// Envelopes published while paused are not queued for it.
func (s *Subscription) Pause() { s.paused.Store(true) }

// Resume re-enables deliveries after Pause.
func (s *Subscription) Resume() { s.paused.Store(false) }

func (s *Subscription) run() {
	defer close(s.done)
	for {
		select {
		case <-s.stop:
			return
		case d := <-s.ch:
			d.result <- s.invoke(d.ctx, d.env)
		}
	}
}

// invoke shields the dispatch loop from panicking handlers.
func (s *Subscription) invoke(ctx context.Context, env *Envelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return s.handler(ctx, env)
}

var subSeq atomic.Int64

// Subscribe registers a handler for a topic pattern on behalf of an agent.
// The ACL must list the agent as an allowed consumer for the pattern.
func (b *Bus) Subscribe(agentID, pattern string, handler Handler) (*Subscription, error) {
	if b.closed.Load() {
		return nil, ErrBusClosed
	}
	if handler == nil {
		return nil, errors.New("agentbus: nil handler")
	}
	if !topic.Valid(pattern) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTopic, pattern)
	}
	if err := b.enforcer.Authorize(acl.ActionSubscribe, agentID, pattern); err != nil {
		return nil, err
	}

	sub := &Subscription{
		id:      uuid.NewString(),
		seq:     subSeq.Add(1),
		agentID: agentID,
		pattern: pattern,
		handler: handler,
		ch:      make(chan *delivery, b.dispatchBuffer),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}

	b.mu.Lock()
	b.subs[sub.id] = sub
	b.mu.Unlock()

	go sub.run()

	b.logger.Debug("subscription registered",
		slog.String("agent_id", agentID),
		slog.String("pattern", pattern),
		slog.String("subscription_id", sub.id))
	return sub, nil
}

// Unsubscribe drops a subscription and waits for its in-flight delivery to
// finish. Safe to call more than once.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	_, present := b.subs[sub.id]
	delete(b.subs, sub.id)
	b.mu.Unlock()

	sub.stopOnce.Do(func() { close(sub.stop) })
	if present {
		<-sub.done
	}
}

// SetPolicies atomically replaces the ACL.
func (b *Bus) SetPolicies(policies []acl.Policy) { b.enforcer.Replace(policies) }

// SetRedactRules atomically replaces the redaction rules.
func (b *Bus) SetRedactRules(rules []redact.Rule) { b.redactor.Replace(rules) }

// SetQuotaLimits atomically replaces the volume quota limits.
func (b *Bus) SetQuotaLimits(limits quota.Limits) { b.quota.SetLimits(limits) }

// Outbox exposes the staging store for inspection: listing the DLQ,
// purging delivered records.
func (b *Bus) Outbox() outbox.Store { return b.store }

// Stats snapshots bus activity counters.
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	active := len(b.subs)
	b.mu.RUnlock()

	return Stats{
		Published:           b.stats.published.Load(),
		Duplicates:          b.stats.duplicates.Load(),
		Rejected:            b.stats.rejected.Load(),
		Delivered:           b.stats.delivered.Load(),
		Retried:             b.stats.retried.Load(),
		DeadLettered:        b.stats.deadLettered.Load(),
		Replayed:            b.stats.replayed.Load(),
		ActiveSubscriptions: active,
	}
}

// Close stops the retry scheduler, drops all subscriptions, and closes the
// staging store. Publishes after Close return ErrBusClosed.
func (b *Bus) Close() error {
	var err error
	b.closeOnce.Do(func() {
		b.closed.Store(true)
		close(b.closeCh)
		b.sweepWG.Wait()

		b.mu.Lock()
		subs := make([]*Subscription, 0, len(b.subs))
		for _, sub := range b.subs {
			subs = append(subs, sub)
		}
		b.subs = make(map[string]*Subscription)
		b.mu.Unlock()

		for _, sub := range subs {
			sub.stopOnce.Do(func() { close(sub.stop) })
			<-sub.done
		}

		b.dedupe.Close()
		err = b.store.Close()
	})
	return err
}
