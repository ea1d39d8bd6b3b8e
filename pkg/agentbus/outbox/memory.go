package outbox

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps records in process memory. Suitable for tests and
// single-process deployments that can tolerate losing staged messages on
// restart; production deployments should prefer SQLiteStore.
type MemoryStore struct {
	cfg Config
	now func() time.Time

	mu      sync.RWMutex
	records map[string]*Record
	nextSeq int64
	closed  bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(cfg Config) *MemoryStore {
	return &MemoryStore{
		cfg:     cfg.withDefaults(),
		now:     time.Now,
		records: make(map[string]*Record),
	}
}

// Stage implements Store.
func (s *MemoryStore) Stage(_ context.Context, rec *Record) error {
	if rec == nil || rec.MessageID == "" {
		return fmt.Errorf("outbox: record requires a message id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	if _, ok := s.records[rec.MessageID]; ok {
		return fmt.Errorf("outbox: duplicate message id %s", rec.MessageID)
	}

	s.nextSeq++
	rec.Seq = s.nextSeq
	rec.Status = StatusPending
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now()
	}

	s.records[rec.MessageID] = cloneRecord(rec)
	return nil
}

// MarkDelivered implements Store.
func (s *MemoryStore) MarkDelivered(_ context.Context, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	rec, ok := s.records[messageID]
	if !ok {
		return ErrNotFound
	}
	rec.Status = StatusDelivered
	rec.NextRetryAt = time.Time{}
	return nil
}

// MarkFailed implements Store.
func (s *MemoryStore) MarkFailed(_ context.Context, messageID string, cause error) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	rec, ok := s.records[messageID]
	if !ok {
		return nil, ErrNotFound
	}

	rec.Attempts++
	rec.Failures = append(rec.Failures, Failure{
		Attempt: rec.Attempts,
		Error:   errString(cause),
		At:      s.now(),
	})

	if rec.Attempts >= s.cfg.MaxAttempts {
		rec.Status = StatusDead
		rec.NextRetryAt = time.Time{}
	} else {
		rec.Status = StatusFailed
		rec.NextRetryAt = s.now().Add(s.cfg.backoff(rec.Attempts))
	}
	return cloneRecord(rec), nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, messageID string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	rec, ok := s.records[messageID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRecord(rec), nil
}

// Due implements Store.
func (s *MemoryStore) Due(_ context.Context, now time.Time, limit int) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	var due []*Record
	stranded := now.Add(-s.cfg.PendingRedeliveryAfter)
	for _, rec := range s.records {
		switch rec.Status {
		case StatusFailed:
			if !rec.NextRetryAt.After(now) {
				due = append(due, cloneRecord(rec))
			}
		case StatusPending:
			if rec.CreatedAt.Before(stranded) {
				due = append(due, cloneRecord(rec))
			}
		}
	}

	sort.Slice(due, func(i, j int) bool { return due[i].Seq < due[j].Seq })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

// List implements Store.
func (s *MemoryStore) List(_ context.Context, source Source, filter Filter) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	var out []*Record
	for _, rec := range s.records {
		if inSource(rec, source) && filter.matches(rec) {
			out = append(out, cloneRecord(rec))
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// Purge implements Store.
func (s *MemoryStore) Purge(_ context.Context, source Source) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrStoreClosed
	}

	n := 0
	for id, rec := range s.records {
		if source == SourceDLQ && rec.Status == StatusDead {
			delete(s.records, id)
			n++
		}
		if source == SourceOutbox && rec.Status == StatusDelivered {
			delete(s.records, id)
			n++
		}
	}
	return n, nil
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func cloneRecord(rec *Record) *Record {
	cp := *rec
	cp.Envelope = append([]byte(nil), rec.Envelope...)
	cp.Failures = append([]Failure(nil), rec.Failures...)
	return &cp
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
