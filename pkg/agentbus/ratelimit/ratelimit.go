// Package ratelimit shapes publish bursts with per-key token buckets.
//
// Each key (typically a producer ID) owns an independent bucket. Tokens
// refill continuously at a configured rate up to a capacity ceiling; a
// consume attempt either takes the requested cost atomically or fails,
// leaving the bucket untouched. This is burst smoothing, not a hard quota:
// a rejected caller should retry after a short delay.
package ratelimit

import (
	"sync"
	"time"
)

// Config sets the refill behavior shared by all buckets of a limiter.
type Config struct {
	// Capacity is the bucket ceiling in tokens. Default: 10.
	Capacity float64

	// RefillRate is tokens added per second. Default: 5.
	RefillRate float64
}

// DefaultConfig smooths short bursts without throttling steady traffic.
var DefaultConfig = Config{
	Capacity:   10,
	RefillRate: 5,
}

// Limiter owns one token bucket per key. Buckets are created on first use,
// starting full. The bucket map is guarded by a read-write mutex; each
// bucket carries its own lock so hot keys do not contend with each other.
type Limiter struct {
	cfg Config
	now func() time.Time

	mu      sync.RWMutex
	buckets map[string]*bucket
}

type bucket struct {
	mu     sync.Mutex
	tokens float64
	last   time.Time
}

// Option tweaks limiter construction.
type Option func(*Limiter)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// NewLimiter creates a limiter with the given config.
func NewLimiter(cfg Config, opts ...Option) *Limiter {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultConfig.Capacity
	}
	if cfg.RefillRate <= 0 {
		cfg.RefillRate = DefaultConfig.RefillRate
	}
	l := &Limiter{
		cfg:     cfg,
		now:     time.Now,
		buckets: make(map[string]*bucket),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// TryConsume takes cost tokens from key's bucket if available. The refill
// and the take happen under the bucket lock, so two concurrent callers can
// never both win the last token.
func (l *Limiter) TryConsume(key string, cost float64) bool {
	if cost <= 0 {
		cost = 1
	}
	b := l.bucket(key)
	now := l.now()

	b.mu.Lock()
	defer b.mu.Unlock()

	elapsed := now.Sub(b.last).Seconds()
	if elapsed > 0 {
		b.tokens += elapsed * l.cfg.RefillRate
		if b.tokens > l.cfg.Capacity {
			b.tokens = l.cfg.Capacity
		}
		b.last = now
	}

	if b.tokens < cost {
		return false
	}
	b.tokens -= cost
	return true
}

// Tokens returns the current token count for key after refill, clamped to
// [0, capacity]. Mostly useful for tests and introspection.
func (l *Limiter) Tokens(key string) float64 {
	b := l.bucket(key)
	now := l.now()

	b.mu.Lock()
	defer b.mu.Unlock()

	tokens := b.tokens + now.Sub(b.last).Seconds()*l.cfg.RefillRate
	if tokens > l.cfg.Capacity {
		tokens = l.cfg.Capacity
	}
	if tokens < 0 {
		tokens = 0
	}
	return tokens
}

func (l *Limiter) bucket(key string) *bucket {
	l.mu.RLock()
	b, ok := l.buckets[key]
	l.mu.RUnlock()
	if ok {
		return b
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok = l.buckets[key]; ok {
		return b
	}
	b = &bucket{tokens: l.cfg.Capacity, last: l.now()}
	l.buckets[key] = b
	return b
}
