package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// SQLiteStore persists the outbox to SQLite so staged messages survive a
// process crash. Suitable for single-process production use.
type SQLiteStore struct {
	cfg Config
	now func() time.Time

	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// NewSQLiteStore opens (and if needed initializes) the store at path.
// Use ":memory:" for testing.
func NewSQLiteStore(path string, cfg Config) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// WAL keeps reads cheap while the dispatcher writes status updates.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS outbox (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			message_id TEXT NOT NULL UNIQUE,
			topic TEXT NOT NULL,
			envelope BLOB NOT NULL,
			status TEXT NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			next_retry_at TEXT,
			failures TEXT NOT NULL DEFAULT '[]'
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_outbox_status
		ON outbox(status, next_retry_at)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create index: %w", err)
	}

	return &SQLiteStore{cfg: cfg.withDefaults(), now: time.Now, db: db}, nil
}

// Stage implements Store.
func (s *SQLiteStore) Stage(ctx context.Context, rec *Record) error {
	if rec == nil || rec.MessageID == "" {
		return fmt.Errorf("outbox: record requires a message id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	rec.Status = StatusPending
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now()
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO outbox (message_id, topic, envelope, status, attempts, created_at, next_retry_at, failures)
		VALUES (?, ?, ?, ?, 0, ?, '', '[]')
	`, rec.MessageID, rec.Topic, rec.Envelope, string(StatusPending), formatTime(rec.CreatedAt))
	if err != nil {
		return fmt.Errorf("stage record: %w", err)
	}
	rec.Seq, _ = res.LastInsertId()
	return nil
}

// MarkDelivered implements Store.
func (s *SQLiteStore) MarkDelivered(ctx context.Context, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE outbox SET status = ?, next_retry_at = '' WHERE message_id = ?
	`, string(StatusDelivered), messageID)
	if err != nil {
		return fmt.Errorf("mark delivered: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkFailed implements Store.
func (s *SQLiteStore) MarkFailed(ctx context.Context, messageID string, cause error) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	rec, err := s.getLocked(ctx, messageID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	rec.Attempts++
	rec.Failures = append(rec.Failures, Failure{
		Attempt: rec.Attempts,
		Error:   errString(cause),
		At:      now,
	})

	if rec.Attempts >= s.cfg.MaxAttempts {
		rec.Status = StatusDead
		rec.NextRetryAt = time.Time{}
	} else {
		rec.Status = StatusFailed
		rec.NextRetryAt = now.Add(s.cfg.backoff(rec.Attempts))
	}

	failures, err := json.Marshal(rec.Failures)
	if err != nil {
		return nil, fmt.Errorf("encode failure history: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, `
		UPDATE outbox SET status = ?, attempts = ?, next_retry_at = ?, failures = ?
		WHERE message_id = ?
	`, string(rec.Status), rec.Attempts, formatTime(rec.NextRetryAt), string(failures), messageID); err != nil {
		return nil, fmt.Errorf("mark failed: %w", err)
	}
	return rec, nil
}

// Get implements Store.
func (s *SQLiteStore) Get(ctx context.Context, messageID string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	return s.getLocked(ctx, messageID)
}

func (s *SQLiteStore) getLocked(ctx context.Context, messageID string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT seq, message_id, topic, envelope, status, attempts, created_at, next_retry_at, failures
		FROM outbox WHERE message_id = ?
	`, messageID)

	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load record: %w", err)
	}
	return rec, nil
}

// Due implements Store.
func (s *SQLiteStore) Due(ctx context.Context, now time.Time, limit int) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	stranded := now.Add(-s.cfg.PendingRedeliveryAfter)
	q := `
		SELECT seq, message_id, topic, envelope, status, attempts, created_at, next_retry_at, failures
		FROM outbox
		WHERE (status = ? AND next_retry_at <= ?)
		   OR (status = ? AND created_at < ?)
		ORDER BY seq
	`
	args := []any{string(StatusFailed), formatTime(now), string(StatusPending), formatTime(stranded)}
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query due records: %w", err)
	}
	defer rows.Close()
	return collectRecords(rows)
}

// List implements Store.
func (s *SQLiteStore) List(ctx context.Context, source Source, filter Filter) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	var conds []string
	var args []any
	if source == SourceDLQ {
		conds = append(conds, "status = ?")
		args = append(args, string(StatusDead))
	} else {
		conds = append(conds, "status != ?")
		args = append(args, string(StatusDead))
	}
	if filter.Topic != "" {
		conds = append(conds, "topic = ?")
		args = append(args, filter.Topic)
	}
	if filter.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(filter.Status))
	}
	if !filter.Since.IsZero() {
		conds = append(conds, "created_at >= ?")
		args = append(args, formatTime(filter.Since))
	}

	q := `
		SELECT seq, message_id, topic, envelope, status, attempts, created_at, next_retry_at, failures
		FROM outbox WHERE ` + strings.Join(conds, " AND ") + ` ORDER BY seq`
	if filter.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()
	return collectRecords(rows)
}

// Purge implements Store.
func (s *SQLiteStore) Purge(ctx context.Context, source Source) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrStoreClosed
	}

	status := StatusDelivered
	if source == SourceDLQ {
		status = StatusDead
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM outbox WHERE status = ?`, string(status))
	if err != nil {
		return 0, fmt.Errorf("purge records: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var rec Record
	var status, createdAt, nextRetryAt, failures string
	if err := row.Scan(&rec.Seq, &rec.MessageID, &rec.Topic, &rec.Envelope,
		&status, &rec.Attempts, &createdAt, &nextRetryAt, &failures); err != nil {
		return nil, err
	}
	rec.Status = Status(status)
	rec.CreatedAt = parseTime(createdAt)
	rec.NextRetryAt = parseTime(nextRetryAt)
	if err := json.Unmarshal([]byte(failures), &rec.Failures); err != nil {
		return nil, fmt.Errorf("decode failure history: %w", err)
	}
	return &rec, nil
}

func collectRecords(rows *sql.Rows) ([]*Record, error) {
	var out []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return out, nil
}

// timeLayout is fixed-width so stored timestamps compare correctly as
// strings in SQL (RFC3339Nano trims trailing zeros and does not).
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}
