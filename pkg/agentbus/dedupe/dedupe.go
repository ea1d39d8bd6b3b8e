// Package dedupe tracks idempotency keys over a sliding time window.
//
// The bus consults the tracker on every publish so that retried copies of
// the same logical event are acknowledged without being dispatched twice.
package dedupe

import (
	"sync"
	"time"
)

// DefaultWindow is used when no window is configured.
const DefaultWindow = 5 * time.Minute

// Tracker remembers (topic, idempotencyKey) pairs seen within a window.
// A background sweeper drops expired entries.
type Tracker struct {
	window time.Duration
	now    func() time.Time

	mu   sync.Mutex
	seen map[string]time.Time

	closeOnce sync.Once
	closeCh   chan struct{}
}

// Option tweaks tracker construction.
type Option func(*Tracker)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// NewTracker creates a tracker with the given dedupe window and starts its
// sweeper. Call Close to stop it.
func NewTracker(window time.Duration, opts ...Option) *Tracker {
	if window <= 0 {
		window = DefaultWindow
	}
	t := &Tracker{
		window:  window,
		now:     time.Now,
		seen:    make(map[string]time.Time),
		closeCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	go t.sweep()
	return t
}

// CheckAndRecord reports whether the pair was already seen within the
// window, recording it if not. The check and the record are one atomic
// step so concurrent publishes of the same event admit exactly one.
func (t *Tracker) CheckAndRecord(topic, key string) bool {
	id := topic + "\x00" + key
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	if at, ok := t.seen[id]; ok && now.Sub(at) < t.window {
		return true
	}
	t.seen[id] = now
	return false
}

// Seen reports whether the pair is currently within the window, without
// recording it.
func (t *Tracker) Seen(topic, key string) bool {
	id := topic + "\x00" + key
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	at, ok := t.seen[id]
	return ok && now.Sub(at) < t.window
}

// Forget drops the pair so a later publish is admitted again. The bus
// calls it when a publish is rejected after the dedupe check, so a
// rejected event's retry is not mistaken for a duplicate.
func (t *Tracker) Forget(topic, key string) {
	id := topic + "\x00" + key

	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.seen, id)
}

// Len returns the number of tracked pairs, expired entries included.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.seen)
}

// Close stops the sweeper. Safe to call more than once.
func (t *Tracker) Close() {
	t.closeOnce.Do(func() { close(t.closeCh) })
}

func (t *Tracker) sweep() {
	ticker := time.NewTicker(t.window / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cutoff := t.now().Add(-t.window)
			t.mu.Lock()
			for id, at := range t.seen {
				if at.Before(cutoff) {
					delete(t.seen, id)
				}
			}
			t.mu.Unlock()
		case <-t.closeCh:
			return
		}
	}
}
