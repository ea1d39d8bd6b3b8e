package schema

import (
	"container/list"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

// CacheStats are cumulative cache counters, exposed for metrics export.
type CacheStats struct {
	Hits        uint64
	Misses      uint64
	StaleServed uint64
	Evictions   uint64
}

// ClientConfig configures a registry client.
type ClientConfig struct {
	// BaseURL of the registry, e.g. "http://registry:8400".
	BaseURL string

	// TTL after which a cached schema is considered stale. Default: 5m.
	TTL time.Duration

	// Capacity bounds the cache; least-recently-used entries are evicted
	// beyond it. Default: 256.
	Capacity int

	// RequestTimeout bounds each registry round trip, in addition to the
	// caller's context. Default: 5s.
	RequestTimeout time.Duration

	// HTTPClient overrides the transport, for tests. Default: http.DefaultClient.
	HTTPClient *http.Client

	// Logger receives stale-serve warnings. Optional.
	Logger *slog.Logger
}

// Client is a caching schema registry client, safe for concurrent use.
type Client struct {
	cfg ClientConfig
	now func() time.Time

	mu       sync.Mutex
	entries  map[string]*list.Element
	lru      *list.List // front = most recently used
	stats    CacheStats
	observer func(hit bool)
}

type cacheEntry struct {
	id        string
	schema    *Schema
	fetchedAt time.Time
}

// NewClient builds a client from cfg.
func NewClient(cfg ClientConfig) *Client {
	if cfg.TTL <= 0 {
		cfg.TTL = 5 * time.Minute
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = 256
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 5 * time.Second
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	return &Client{
		cfg:     cfg,
		now:     time.Now,
		entries: make(map[string]*list.Element),
		lru:     list.New(),
	}
}

// GetSchema returns the schema for schemaID, from cache when fresh. On a
// miss or stale entry it fetches synchronously; on fetch failure it serves
// the stale copy if one exists, otherwise returns ErrUnavailable.
func (c *Client) GetSchema(ctx context.Context, schemaID string) (*Schema, error) {
	if schemaID == "" {
		return nil, fmt.Errorf("%w: empty schema id", ErrUnavailable)
	}

	cached, fresh := c.lookup(schemaID)
	if fresh {
		return cached.schema, nil
	}

	sch, err := c.fetch(ctx, schemaID)
	if err != nil {
		if cached != nil {
			// Last-known copy beats failing the publish path.
			c.recordStaleServed()
			if c.cfg.Logger != nil {
				c.cfg.Logger.Warn("schema registry fetch failed, serving stale entry",
					slog.String("schema_id", schemaID),
					slog.String("error", err.Error()),
				)
			}
			return cached.schema, nil
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrUnavailable, schemaID, err)
	}

	c.store(schemaID, sch)
	return sch, nil
}

// SetObserver registers a callback invoked after every cache lookup with
// whether it was served fresh from cache. The bus uses it to export
// lookup counters.
func (c *Client) SetObserver(fn func(hit bool)) {
	c.mu.Lock()
	c.observer = fn
	c.mu.Unlock()
}

// Stats returns a snapshot of the cache counters.
func (c *Client) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// lookup returns the cached entry (fresh or stale) and whether it is
// fresh. Fresh hits are moved to the LRU front.
func (c *Client) lookup(schemaID string) (*cacheEntry, bool) {
	c.mu.Lock()
	entry, fresh := c.lookupLocked(schemaID)
	observer := c.observer
	c.mu.Unlock()

	if observer != nil {
		observer(fresh)
	}
	return entry, fresh
}

func (c *Client) lookupLocked(schemaID string) (*cacheEntry, bool) {
	el, ok := c.entries[schemaID]
	if !ok {
		c.stats.Misses++
		return nil, false
	}
	entry := el.Value.(*cacheEntry)
	if c.now().Sub(entry.fetchedAt) >= c.cfg.TTL {
		// Stale counts as a miss; the entry is kept for fallback.
		c.stats.Misses++
		return entry, false
	}
	c.stats.Hits++
	c.lru.MoveToFront(el)
	return entry, true
}

func (c *Client) store(schemaID string, sch *Schema) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[schemaID]; ok {
		entry := el.Value.(*cacheEntry)
		entry.schema = sch
		entry.fetchedAt = c.now()
		c.lru.MoveToFront(el)
		return
	}

	el := c.lru.PushFront(&cacheEntry{id: schemaID, schema: sch, fetchedAt: c.now()})
	c.entries[schemaID] = el

	for c.lru.Len() > c.cfg.Capacity {
		oldest := c.lru.Back()
		if oldest == nil {
			break
		}
		c.lru.Remove(oldest)
		delete(c.entries, oldest.Value.(*cacheEntry).id)
		c.stats.Evictions++
	}
}

func (c *Client) recordStaleServed() {
	c.mu.Lock()
	c.stats.StaleServed++
	c.mu.Unlock()
}

func (c *Client) fetch(ctx context.Context, schemaID string) (*Schema, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	url := strings.TrimSuffix(c.cfg.BaseURL, "/") + "/schema/" + schemaID
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	// Any non-success response is a fetch failure.
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("registry returned %s", resp.Status)
	}

	var sch Schema
	if err := json.NewDecoder(resp.Body).Decode(&sch); err != nil {
		return nil, fmt.Errorf("decode schema document: %w", err)
	}
	if sch.ID == "" {
		sch.ID = schemaID
	}
	return &sch, nil
}
