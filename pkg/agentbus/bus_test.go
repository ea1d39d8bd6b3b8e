package agentbus_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	agentbus "github.com/randalmurphal/agentbus/pkg/agentbus"
	"github.com/randalmurphal/agentbus/pkg/agentbus/acl"
	"github.com/randalmurphal/agentbus/pkg/agentbus/outbox"
	"github.com/randalmurphal/agentbus/pkg/agentbus/quota"
	"github.com/randalmurphal/agentbus/pkg/agentbus/ratelimit"
	"github.com/randalmurphal/agentbus/pkg/agentbus/redact"
	"github.com/randalmurphal/agentbus/pkg/agentbus/schema"
)

// openPolicy admits every producer and consumer on every topic.
var openPolicy = []acl.Policy{{
	Topic:            "*",
	AllowedProducers: []string{"*"},
	AllowedConsumers: []string{"*"},
}}

// recorder collects deliveries for assertions.
type recorder struct {
	mu   sync.Mutex
	envs []*agentbus.Envelope
}

func (r *recorder) handle(_ context.Context, env *agentbus.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.envs = append(r.envs, env)
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.envs)
}

func (r *recorder) topics() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.envs))
	for i, env := range r.envs {
		out[i] = env.Topic
	}
	return out
}

func newBus(t *testing.T, cfg agentbus.BusConfig) *agentbus.Bus {
	t.Helper()
	bus := agentbus.New(cfg)
	t.Cleanup(func() { bus.Close() })
	return bus
}

func TestPublishDeliversToMatchingSubscribers(t *testing.T) {
	bus := newBus(t, agentbus.BusConfig{Policies: openPolicy})

	var tasks, all recorder
	_, err := bus.Subscribe("worker.1", "task.created", tasks.handle)
	require.NoError(t, err)
	_, err = bus.Subscribe("auditor", "task.*", all.handle)
	require.NoError(t, err)

	res, err := bus.Publish(context.Background(), "orchestrator", "task.created",
		[]byte(`{"task_id":"t-1"}`))
	require.NoError(t, err)
	require.NotNil(t, res.Envelope)
	assert.False(t, res.Duplicate)
	assert.Equal(t, "task.created", res.Envelope.Topic)
	assert.Equal(t, 0, res.Envelope.Attempt)

	assert.Equal(t, 1, tasks.count())
	assert.Equal(t, 1, all.count())

	rec, err := bus.Outbox().Get(context.Background(), res.Envelope.ID)
	require.NoError(t, err)
	assert.Equal(t, outbox.StatusDelivered, rec.Status)
}

func TestPublishDefaultDeny(t *testing.T) {
	bus := newBus(t, agentbus.BusConfig{})

	_, err := bus.Publish(context.Background(), "rogue", "task.created", []byte(`{}`))
	assert.ErrorIs(t, err, agentbus.ErrPermissionDenied)

	_, err = bus.Subscribe("rogue", "task.*", func(context.Context, *agentbus.Envelope) error { return nil })
	assert.ErrorIs(t, err, agentbus.ErrPermissionDenied)

	// Nothing was staged.
	records, err := bus.Outbox().List(context.Background(), outbox.SourceOutbox, outbox.Filter{})
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestPublishACLScopedToTopic(t *testing.T) {
	bus := newBus(t, agentbus.BusConfig{Policies: []acl.Policy{{
		Topic:            "task.*",
		AllowedProducers: []string{"orchestrator"},
		AllowedConsumers: []string{"worker.*"},
	}}})

	_, err := bus.Publish(context.Background(), "orchestrator", "task.created", []byte(`{}`))
	require.NoError(t, err)

	_, err = bus.Publish(context.Background(), "orchestrator", "billing.charge", []byte(`{}`))
	assert.ErrorIs(t, err, agentbus.ErrPermissionDenied)

	_, err = bus.Publish(context.Background(), "worker.1", "task.created", []byte(`{}`))
	assert.ErrorIs(t, err, agentbus.ErrPermissionDenied)

	_, err = bus.Subscribe("worker.1", "task.*", func(context.Context, *agentbus.Envelope) error { return nil })
	assert.NoError(t, err)
}

func TestPublishRejectsInvalidTopic(t *testing.T) {
	bus := newBus(t, agentbus.BusConfig{Policies: openPolicy})

	for _, name := range []string{"", "task..created", "task.*", "*"} {
		_, err := bus.Publish(context.Background(), "p", name, []byte(`{}`))
		assert.ErrorIs(t, err, agentbus.ErrInvalidTopic, "topic %q", name)
	}
}

func TestPublishIdempotency(t *testing.T) {
	bus := newBus(t, agentbus.BusConfig{Policies: openPolicy})

	var rec recorder
	_, err := bus.Subscribe("worker.1", "task.*", rec.handle)
	require.NoError(t, err)

	payload := []byte(`{"task_id":"t-7"}`)

	first, err := bus.Publish(context.Background(), "orchestrator", "task.created", payload)
	require.NoError(t, err)
	assert.False(t, first.Duplicate)

	second, err := bus.Publish(context.Background(), "orchestrator", "task.created", payload)
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Nil(t, second.Envelope)

	// One delivery, one staged record.
	assert.Equal(t, 1, rec.count())
	records, err := bus.Outbox().List(context.Background(), outbox.SourceOutbox, outbox.Filter{})
	require.NoError(t, err)
	assert.Len(t, records, 1)

	// Same payload on a different topic is a distinct event.
	third, err := bus.Publish(context.Background(), "orchestrator", "task.updated", payload)
	require.NoError(t, err)
	assert.False(t, third.Duplicate)
}

func TestPublishIdempotencyExplicitKey(t *testing.T) {
	bus := newBus(t, agentbus.BusConfig{Policies: openPolicy})

	first, err := bus.Publish(context.Background(), "p", "task.created",
		[]byte(`{"n":1}`), agentbus.WithIdempotencyKey("op-42"))
	require.NoError(t, err)
	assert.False(t, first.Duplicate)
	assert.Equal(t, "op-42", first.Envelope.IdempotencyKey)

	// Different payload, same key: still a duplicate of the same operation.
	second, err := bus.Publish(context.Background(), "p", "task.created",
		[]byte(`{"n":2}`), agentbus.WithIdempotencyKey("op-42"))
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
}

func TestPublishQuotaPerAgent(t *testing.T) {
	bus := newBus(t, agentbus.BusConfig{
		Policies:    openPolicy,
		QuotaLimits: quota.Limits{PerAgent: 5, Window: time.Minute},
	})

	for i := range 5 {
		_, err := bus.Publish(context.Background(), "chatty", "agent.status",
			fmt.Appendf(nil, `{"seq":%d}`, i))
		require.NoError(t, err)
	}

	_, err := bus.Publish(context.Background(), "chatty", "agent.status", []byte(`{"seq":5}`))
	assert.ErrorIs(t, err, agentbus.ErrQuotaExceeded)

	// Another agent still has headroom.
	_, err = bus.Publish(context.Background(), "quiet", "agent.status", []byte(`{"seq":0}`))
	assert.NoError(t, err)
}

func TestPublishBurstSmoothing(t *testing.T) {
	bus := newBus(t, agentbus.BusConfig{
		Policies:  openPolicy,
		RateLimit: ratelimit.Config{Capacity: 3, RefillRate: 0.001},
	})

	for i := range 3 {
		_, err := bus.Publish(context.Background(), "bursty", "agent.status",
			fmt.Appendf(nil, `{"seq":%d}`, i))
		require.NoError(t, err)
	}

	_, err := bus.Publish(context.Background(), "bursty", "agent.status", []byte(`{"seq":3}`))
	assert.ErrorIs(t, err, agentbus.ErrRateSmoothed)
}

func TestRejectedPublishDoesNotPoisonIdempotency(t *testing.T) {
	t.Run("rate smoothed", func(t *testing.T) {
		bus := newBus(t, agentbus.BusConfig{
			Policies:  openPolicy,
			RateLimit: ratelimit.Config{Capacity: 1, RefillRate: 100},
		})

		var rec recorder
		_, err := bus.Subscribe("worker.1", "task.*", rec.handle)
		require.NoError(t, err)

		ctx := context.Background()
		_, err = bus.Publish(ctx, "p", "task.created", []byte(`{"n":1}`))
		require.NoError(t, err)

		// Bucket drained: the second event is rejected, not recorded.
		_, err = bus.Publish(ctx, "p", "task.created", []byte(`{"n":2}`))
		require.ErrorIs(t, err, agentbus.ErrRateSmoothed)

		// The producer backs off and retries the same event; it must be
		// admitted as a first publish, not acknowledged as a duplicate.
		var res *agentbus.PublishResult
		require.Eventually(t, func() bool {
			res, err = bus.Publish(ctx, "p", "task.created", []byte(`{"n":2}`))
			return err == nil
		}, 5*time.Second, 10*time.Millisecond)
		assert.False(t, res.Duplicate)
		assert.Equal(t, 2, rec.count())
	})

	t.Run("quota exceeded", func(t *testing.T) {
		bus := newBus(t, agentbus.BusConfig{
			Policies:    openPolicy,
			QuotaLimits: quota.Limits{PerAgent: 1, Window: time.Minute},
		})

		var rec recorder
		_, err := bus.Subscribe("worker.1", "task.*", rec.handle)
		require.NoError(t, err)

		ctx := context.Background()
		_, err = bus.Publish(ctx, "p", "task.created", []byte(`{"n":1}`))
		require.NoError(t, err)

		_, err = bus.Publish(ctx, "p", "task.created", []byte(`{"n":2}`))
		require.ErrorIs(t, err, agentbus.ErrQuotaExceeded)

		// An operator raises the quota; the producer's retry goes through.
		bus.SetQuotaLimits(quota.Limits{PerAgent: 100, Window: time.Minute})
		res, err := bus.Publish(ctx, "p", "task.created", []byte(`{"n":2}`))
		require.NoError(t, err)
		assert.False(t, res.Duplicate)
		assert.Equal(t, 2, rec.count())

		// Accepted events still dedupe.
		dup, err := bus.Publish(ctx, "p", "task.created", []byte(`{"n":2}`))
		require.NoError(t, err)
		assert.True(t, dup.Duplicate)
	})
}

func TestPublishRedactsBeforeDelivery(t *testing.T) {
	bus := newBus(t, agentbus.BusConfig{
		Policies: openPolicy,
		RedactRules: []redact.Rule{
			{TopicPattern: "task.*", Paths: []string{"credentials.token", "ssn"}},
		},
	})

	var rec recorder
	_, err := bus.Subscribe("worker.1", "task.*", rec.handle)
	require.NoError(t, err)

	res, err := bus.Publish(context.Background(), "orchestrator", "task.created",
		[]byte(`{"task_id":"t-1","ssn":"123-45-6789","credentials":{"token":"s3cret","user":"svc"}}`))
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(rec.envs[0].Payload, &doc))
	assert.Equal(t, redact.Placeholder, doc["ssn"])
	creds := doc["credentials"].(map[string]any)
	assert.Equal(t, redact.Placeholder, creds["token"])
	assert.Equal(t, "svc", creds["user"])

	// The staged record holds the redacted bytes too.
	staged, err := bus.Outbox().Get(context.Background(), res.Envelope.ID)
	require.NoError(t, err)
	assert.NotContains(t, string(staged.Envelope), "s3cret")
	assert.NotContains(t, string(staged.Envelope), "123-45-6789")
}

func TestPublishSchemaValidation(t *testing.T) {
	registry := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/schema/task.created.v1" {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(schema.Schema{
			ID:       "task.created.v1",
			Version:  1,
			Required: []string{"task_id", "kind"},
		})
	}))
	defer registry.Close()

	client := schema.NewClient(schema.ClientConfig{BaseURL: registry.URL})
	bus := newBus(t, agentbus.BusConfig{Policies: openPolicy, SchemaClient: client})

	_, err := bus.Publish(context.Background(), "p", "task.created",
		[]byte(`{"task_id":"t-1","kind":"build"}`),
		agentbus.WithSchemaID("task.created.v1"))
	assert.NoError(t, err)

	_, err = bus.Publish(context.Background(), "p", "task.created",
		[]byte(`{"task_id":"t-2"}`),
		agentbus.WithSchemaID("task.created.v1"))
	assert.ErrorIs(t, err, agentbus.ErrValidation)

	_, err = bus.Publish(context.Background(), "p", "task.created",
		[]byte(`{"task_id":"t-3","kind":"build"}`),
		agentbus.WithSchemaID("unknown.v1"))
	assert.ErrorIs(t, err, agentbus.ErrSchemaUnavailable)

	// Without a schema id the payload passes unvalidated.
	_, err = bus.Publish(context.Background(), "p", "task.created", []byte(`{"free":"form"}`))
	assert.NoError(t, err)
}

func TestFailedDeliveryRetriesThenSucceeds(t *testing.T) {
	bus := newBus(t, agentbus.BusConfig{
		Policies: openPolicy,
		StoreConfig: outbox.Config{
			MaxAttempts:            5,
			InitialBackoff:         time.Millisecond,
			MaxBackoff:             2 * time.Millisecond,
			PendingRedeliveryAfter: time.Hour,
		},
		RetrySweepInterval: 5 * time.Millisecond,
	})

	var mu sync.Mutex
	var attempts []int
	_, err := bus.Subscribe("worker.1", "task.*", func(_ context.Context, env *agentbus.Envelope) error {
		mu.Lock()
		defer mu.Unlock()
		attempts = append(attempts, env.Attempt)
		if len(attempts) < 3 {
			return errors.New("downstream unavailable")
		}
		return nil
	})
	require.NoError(t, err)

	res, err := bus.Publish(context.Background(), "orchestrator", "task.created", []byte(`{"task_id":"t-1"}`))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		rec, err := bus.Outbox().Get(context.Background(), res.Envelope.ID)
		return err == nil && rec.Status == outbox.StatusDelivered
	}, 5*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{0, 1, 2}, attempts)

	rec, err := bus.Outbox().Get(context.Background(), res.Envelope.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, rec.Attempts)
	assert.Len(t, rec.Failures, 2)
}

func TestExhaustedRetriesDeadLetter(t *testing.T) {
	bus := newBus(t, agentbus.BusConfig{
		Policies: openPolicy,
		StoreConfig: outbox.Config{
			MaxAttempts:            3,
			InitialBackoff:         time.Millisecond,
			MaxBackoff:             2 * time.Millisecond,
			PendingRedeliveryAfter: time.Hour,
		},
		RetrySweepInterval: 5 * time.Millisecond,
	})

	_, err := bus.Subscribe("worker.1", "task.*", func(context.Context, *agentbus.Envelope) error {
		return errors.New("handler always fails")
	})
	require.NoError(t, err)

	res, err := bus.Publish(context.Background(), "orchestrator", "task.created", []byte(`{"task_id":"t-1"}`))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		rec, err := bus.Outbox().Get(context.Background(), res.Envelope.ID)
		return err == nil && rec.Status == outbox.StatusDead
	}, 5*time.Second, 5*time.Millisecond)

	rec, err := bus.Outbox().Get(context.Background(), res.Envelope.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, rec.Attempts)
	require.Len(t, rec.Failures, 3)
	for i, f := range rec.Failures {
		assert.Equal(t, i+1, f.Attempt)
		assert.Contains(t, f.Error, "handler always fails")
	}

	dead, err := bus.Outbox().List(context.Background(), outbox.SourceDLQ, outbox.Filter{})
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, res.Envelope.ID, dead[0].MessageID)

	stats := bus.Stats()
	assert.Equal(t, int64(1), stats.DeadLettered)
}

func TestHandlerPanicIsAFailedDelivery(t *testing.T) {
	bus := newBus(t, agentbus.BusConfig{
		Policies:    openPolicy,
		StoreConfig: outbox.Config{MaxAttempts: 1, PendingRedeliveryAfter: time.Hour},
	})

	_, err := bus.Subscribe("worker.1", "task.*", func(context.Context, *agentbus.Envelope) error {
		panic("boom")
	})
	require.NoError(t, err)

	res, err := bus.Publish(context.Background(), "orchestrator", "task.created", []byte(`{}`))
	require.NoError(t, err)

	rec, err := bus.Outbox().Get(context.Background(), res.Envelope.ID)
	require.NoError(t, err)
	assert.Equal(t, outbox.StatusDead, rec.Status)
	assert.Contains(t, rec.Failures[0].Error, "handler panic")
}

func TestPauseAndResume(t *testing.T) {
	bus := newBus(t, agentbus.BusConfig{Policies: openPolicy})

	var rec recorder
	sub, err := bus.Subscribe("worker.1", "task.*", rec.handle)
	require.NoError(t, err)

	sub.Pause()
	_, err = bus.Publish(context.Background(), "p", "task.created", []byte(`{"n":1}`))
	require.NoError(t, err)
	assert.Equal(t, 0, rec.count())

	sub.Resume()
	_, err = bus.Publish(context.Background(), "p", "task.created", []byte(`{"n":2}`))
	require.NoError(t, err)
	assert.Equal(t, 1, rec.count())
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := newBus(t, agentbus.BusConfig{Policies: openPolicy})

	var rec recorder
	sub, err := bus.Subscribe("worker.1", "task.*", rec.handle)
	require.NoError(t, err)

	bus.Unsubscribe(sub)
	bus.Unsubscribe(sub) // idempotent

	_, err = bus.Publish(context.Background(), "p", "task.created", []byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, 0, rec.count())
	assert.Equal(t, 0, bus.Stats().ActiveSubscriptions)
}

func TestAdminSwaps(t *testing.T) {
	bus := newBus(t, agentbus.BusConfig{})

	ctx := context.Background()
	_, err := bus.Publish(ctx, "p", "task.created", []byte(`{}`))
	require.ErrorIs(t, err, agentbus.ErrPermissionDenied)

	bus.SetPolicies(openPolicy)
	_, err = bus.Publish(ctx, "p", "task.created", []byte(`{"n":1}`))
	require.NoError(t, err)

	bus.SetQuotaLimits(quota.Limits{PerAgent: 1, Window: time.Minute})
	_, err = bus.Publish(ctx, "p", "task.created", []byte(`{"n":2}`))
	require.NoError(t, err)
	_, err = bus.Publish(ctx, "p", "task.created", []byte(`{"n":3}`))
	require.ErrorIs(t, err, agentbus.ErrQuotaExceeded)
}

func TestCloseRejectsFurtherUse(t *testing.T) {
	bus := agentbus.New(agentbus.BusConfig{Policies: openPolicy})
	require.NoError(t, bus.Close())
	require.NoError(t, bus.Close()) // idempotent

	_, err := bus.Publish(context.Background(), "p", "task.created", []byte(`{}`))
	assert.ErrorIs(t, err, agentbus.ErrBusClosed)

	_, err = bus.Subscribe("a", "task.*", func(context.Context, *agentbus.Envelope) error { return nil })
	assert.ErrorIs(t, err, agentbus.ErrBusClosed)

	_, err = bus.Replay(context.Background(), outbox.SourceDLQ, outbox.Filter{})
	assert.ErrorIs(t, err, agentbus.ErrBusClosed)
}

func TestStatsCounters(t *testing.T) {
	bus := newBus(t, agentbus.BusConfig{Policies: openPolicy})

	var rec recorder
	_, err := bus.Subscribe("worker.1", "task.*", rec.handle)
	require.NoError(t, err)

	ctx := context.Background()
	_, err = bus.Publish(ctx, "p", "task.created", []byte(`{"n":1}`))
	require.NoError(t, err)
	_, err = bus.Publish(ctx, "p", "task.created", []byte(`{"n":1}`)) // duplicate
	require.NoError(t, err)
	_, err = bus.Publish(ctx, "p", "bad..topic", []byte(`{}`))
	require.Error(t, err)

	stats := bus.Stats()
	assert.Equal(t, int64(1), stats.Published)
	assert.Equal(t, int64(1), stats.Duplicates)
	assert.Equal(t, int64(1), stats.Delivered)
	assert.Equal(t, 1, stats.ActiveSubscriptions)
}
