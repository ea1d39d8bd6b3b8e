// Package quota enforces global and per-agent volume limits over fixed
// windows with lazy rollover.
//
// Counters live in a pluggable CounterStore. Multi-process deployments use
// the Redis-backed store; when the distributed store errors, the manager
// falls back to an in-process store and logs a degraded-mode event rather
// than failing publishes.
package quota

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ErrExceeded is returned when an increment would push a window past its
// limit. Callers should back off substantially longer than for burst
// smoothing rejections.
var ErrExceeded = errors.New("quota exceeded")

// GlobalScope is the counter key for the single bus-wide window.
const GlobalScope = "global"

// CounterStore atomically increments a windowed counter and returns the
// post-increment count. The store owns window rollover: an increment after
// the window has elapsed starts a fresh window.
type CounterStore interface {
	Incr(ctx context.Context, key string, window time.Duration, cost int64) (int64, error)
}

// Limits configures the two independently evaluated scopes. A zero limit
// disables that scope.
type Limits struct {
	// Global caps total publishes per window across all agents.
	Global int64

	// PerAgent caps publishes per window for each producer.
	PerAgent int64

	// Window is the counting interval. Default: 1 minute.
	Window time.Duration
}

// DefaultLimits applies no caps; callers opt in per deployment.
var DefaultLimits = Limits{Window: time.Minute}

// Manager evaluates quota checks against a counter store.
type Manager struct {
	store    CounterStore
	fallback CounterStore
	logger   *slog.Logger

	mu     sync.RWMutex
	limits Limits

	degraded atomic.Bool
}

// NewManager creates a manager over store. If store is nil the in-memory
// store is used directly. A separate in-memory fallback always exists for
// degraded mode.
func NewManager(store CounterStore, limits Limits, logger *slog.Logger) *Manager {
	if limits.Window <= 0 {
		limits.Window = DefaultLimits.Window
	}
	fallback := NewMemoryStore()
	if store == nil {
		store = fallback
	}
	return &Manager{
		store:    store,
		fallback: fallback,
		logger:   logger,
		limits:   limits,
	}
}

// SetLimits atomically swaps the active limits; the new values apply on
// the next check.
func (m *Manager) SetLimits(limits Limits) {
	if limits.Window <= 0 {
		limits.Window = DefaultLimits.Window
	}
	m.mu.Lock()
	m.limits = limits
	m.mu.Unlock()
}

// Degraded reports whether the manager is currently serving from the
// in-process fallback store.
func (m *Manager) Degraded() bool {
	return m.degraded.Load()
}

// CheckAndIncrement charges cost against both the global window and the
// agent's window. Both must pass; either at its limit returns ErrExceeded.
//
// The global scope is charged first. A publish rejected on the per-agent
// scope has therefore consumed global budget, which over-counts slightly
// in favor of rejecting; the window rollover clears it.
func (m *Manager) CheckAndIncrement(ctx context.Context, agentID string, cost int64) error {
	if cost <= 0 {
		cost = 1
	}

	m.mu.RLock()
	limits := m.limits
	m.mu.RUnlock()

	if limits.Global > 0 {
		if err := m.charge(ctx, GlobalScope, limits.Window, cost, limits.Global); err != nil {
			return err
		}
	}
	if limits.PerAgent > 0 && agentID != "" {
		if err := m.charge(ctx, "agent:"+agentID, limits.Window, cost, limits.PerAgent); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) charge(ctx context.Context, key string, window time.Duration, cost, limit int64) error {
	count, err := m.store.Incr(ctx, key, window, cost)
	if err != nil {
		// Store unreachable: recoverable fault, serve from local counters.
		if m.degraded.CompareAndSwap(false, true) && m.logger != nil {
			m.logger.Warn("quota store unreachable, falling back to in-process counters",
				slog.String("error", err.Error()),
			)
		}
		count, err = m.fallback.Incr(ctx, key, window, cost)
		if err != nil {
			return err
		}
	} else if m.degraded.CompareAndSwap(true, false) && m.logger != nil {
		m.logger.Info("quota store recovered")
	}

	if count > limit {
		return ErrExceeded
	}
	return nil
}

// MemoryStore is a process-local CounterStore with lazy window rollover.
type MemoryStore struct {
	now func() time.Time

	mu      sync.Mutex
	windows map[string]*window
}

type window struct {
	start time.Time
	count int64
}

// NewMemoryStore creates an empty in-process counter store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		now:     time.Now,
		windows: make(map[string]*window),
	}
}

// NewMemoryStoreWithClock creates a store with a custom time source, for tests.
func NewMemoryStoreWithClock(now func() time.Time) *MemoryStore {
	s := NewMemoryStore()
	s.now = now
	return s
}

// Incr implements CounterStore. Windows roll forward only: the first
// increment after expiry resets the window to start at the current time.
func (s *MemoryStore) Incr(_ context.Context, key string, size time.Duration, cost int64) (int64, error) {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.windows[key]
	if !ok || now.Sub(w.start) >= size {
		w = &window{start: now}
		s.windows[key] = w
	}
	w.count += cost
	return w.count, nil
}
