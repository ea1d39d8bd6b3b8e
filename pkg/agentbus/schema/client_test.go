package schema_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/randalmurphal/agentbus/pkg/agentbus/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// registryServer serves schema documents and counts fetches.
type registryServer struct {
	*httptest.Server
	fetches atomic.Int32
	failing atomic.Bool
}

func newRegistryServer(t *testing.T) *registryServer {
	t.Helper()
	rs := &registryServer{}
	rs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rs.fetches.Add(1)
		if rs.failing.Load() {
			http.Error(w, "registry down", http.StatusInternalServerError)
			return
		}
		id := r.URL.Path[len("/schema/"):]
		if id == "unknown" {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(schema.Schema{
			ID:       id,
			Version:  1,
			Required: []string{"order_id"},
		})
	}))
	t.Cleanup(rs.Close)
	return rs
}

func TestGetSchemaCachesFetches(t *testing.T) {
	rs := newRegistryServer(t)
	c := schema.NewClient(schema.ClientConfig{BaseURL: rs.URL, TTL: time.Minute})
	ctx := context.Background()

	s1, err := c.GetSchema(ctx, "orders.created")
	require.NoError(t, err)
	assert.Equal(t, "orders.created", s1.ID)

	s2, err := c.GetSchema(ctx, "orders.created")
	require.NoError(t, err)
	assert.Equal(t, s1, s2)

	assert.Equal(t, int32(1), rs.fetches.Load())

	stats := c.Stats()
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
}

func TestStaleEntryTriggersRefetch(t *testing.T) {
	rs := newRegistryServer(t)
	c := schema.NewClient(schema.ClientConfig{BaseURL: rs.URL, TTL: 10 * time.Millisecond})
	ctx := context.Background()

	_, err := c.GetSchema(ctx, "orders.created")
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)

	_, err = c.GetSchema(ctx, "orders.created")
	require.NoError(t, err)
	assert.Equal(t, int32(2), rs.fetches.Load())
}

func TestServesStaleOnFetchFailure(t *testing.T) {
	rs := newRegistryServer(t)
	c := schema.NewClient(schema.ClientConfig{BaseURL: rs.URL, TTL: 10 * time.Millisecond})
	ctx := context.Background()

	s1, err := c.GetSchema(ctx, "orders.created")
	require.NoError(t, err)

	rs.failing.Store(true)
	time.Sleep(20 * time.Millisecond)

	s2, err := c.GetSchema(ctx, "orders.created")
	require.NoError(t, err)
	assert.Equal(t, s1, s2)
	assert.Equal(t, uint64(1), c.Stats().StaleServed)
}

func TestUnavailableWhenNoCache(t *testing.T) {
	rs := newRegistryServer(t)
	rs.failing.Store(true)

	c := schema.NewClient(schema.ClientConfig{BaseURL: rs.URL})
	_, err := c.GetSchema(context.Background(), "orders.created")
	assert.ErrorIs(t, err, schema.ErrUnavailable)
}

func TestNotFoundIsFetchFailure(t *testing.T) {
	rs := newRegistryServer(t)
	c := schema.NewClient(schema.ClientConfig{BaseURL: rs.URL})

	_, err := c.GetSchema(context.Background(), "unknown")
	assert.ErrorIs(t, err, schema.ErrUnavailable)
}

func TestLRUEviction(t *testing.T) {
	rs := newRegistryServer(t)
	c := schema.NewClient(schema.ClientConfig{BaseURL: rs.URL, Capacity: 2, TTL: time.Minute})
	ctx := context.Background()

	_, err := c.GetSchema(ctx, "a")
	require.NoError(t, err)
	_, err = c.GetSchema(ctx, "b")
	require.NoError(t, err)

	// Touch "a" so "b" is the least recently used.
	_, err = c.GetSchema(ctx, "a")
	require.NoError(t, err)

	_, err = c.GetSchema(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), c.Stats().Evictions)

	// "a" survived, "b" was evicted and needs a refetch.
	before := rs.fetches.Load()
	_, err = c.GetSchema(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, before, rs.fetches.Load())

	_, err = c.GetSchema(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, before+1, rs.fetches.Load())
}

func TestContextCancellation(t *testing.T) {
	blocked := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-blocked
	}))
	defer srv.Close()
	defer close(blocked)

	c := schema.NewClient(schema.ClientConfig{BaseURL: srv.URL})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := c.GetSchema(ctx, "slow")
	assert.ErrorIs(t, err, schema.ErrUnavailable)
}

func TestSchemaValidate(t *testing.T) {
	s := &schema.Schema{ID: "orders.created", Version: 1, Required: []string{"order_id", "total"}}

	assert.NoError(t, s.Validate([]byte(`{"order_id":"o-1","total":42}`)))
	assert.Error(t, s.Validate([]byte(`{"order_id":"o-1"}`)))
	assert.Error(t, s.Validate([]byte(`not json`)))
	assert.Error(t, s.Validate(nil))

	open := &schema.Schema{ID: "free-form", Version: 1}
	assert.NoError(t, open.Validate([]byte(`[1,2,3]`)))
	assert.NoError(t, open.Validate(nil))
	assert.Error(t, open.Validate([]byte(`{`)))
}

func TestConcurrentGets(t *testing.T) {
	rs := newRegistryServer(t)
	c := schema.NewClient(schema.ClientConfig{BaseURL: rs.URL, TTL: time.Minute})

	done := make(chan error, 32)
	for i := 0; i < 32; i++ {
		go func(i int) {
			_, err := c.GetSchema(context.Background(), fmt.Sprintf("s-%d", i%4))
			done <- err
		}(i)
	}
	for i := 0; i < 32; i++ {
		require.NoError(t, <-done)
	}
}
