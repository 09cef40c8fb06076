// Package sqlite stores thread logs in a SQLite database.
//
// Each condensed event is one row keyed by thread id and a per-thread
// sequence number. Load returns events in sequence order, which is the
// order they were written.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/pithecene-io/tributary/policy"
	"github.com/pithecene-io/tributary/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS events (
	thread_id TEXT    NOT NULL,
	seq       INTEGER NOT NULL,
	type      TEXT    NOT NULL,
	ts        TEXT    NOT NULL,
	body      TEXT    NOT NULL,
	PRIMARY KEY (thread_id, seq)
);
CREATE INDEX IF NOT EXISTS events_type ON events (thread_id, type);
`

// Store provides SQLite-backed persistence for thread logs.
type Store struct {
	sqlDB *sql.DB
	now   func() time.Time
}

// Open opens and migrates a thread log store.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	dsn := filepath.Clean(path) + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := sqlDB.Exec(schema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB, now: time.Now}, nil
}

// Close releases the underlying SQLite connection.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// Sink returns a policy.Sink that appends to threadID. Sequence numbers
// continue from the highest one already stored.
func (s *Store) Sink(ctx context.Context, threadID string) (*ThreadSink, error) {
	if strings.TrimSpace(threadID) == "" {
		return nil, fmt.Errorf("thread id is required")
	}

	var last int64
	row := s.sqlDB.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM events WHERE thread_id = ?`, threadID)
	if err := row.Scan(&last); err != nil {
		return nil, fmt.Errorf("read last seq: %w", err)
	}
	return &ThreadSink{store: s, threadID: threadID, seq: last}, nil
}

// Load returns the events of threadID in sequence order.
func (s *Store) Load(ctx context.Context, threadID string) ([]types.Event, error) {
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT seq, body FROM events WHERE thread_id = ? ORDER BY seq`, threadID)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []types.Event
	for rows.Next() {
		var seq int64
		var body string
		if err := rows.Scan(&seq, &body); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		var ev types.Event
		if err := json.Unmarshal([]byte(body), &ev); err != nil {
			return nil, fmt.Errorf("decode event %s/%d: %w", threadID, seq, err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

// Threads lists stored thread ids, sorted.
func (s *Store) Threads(ctx context.Context) ([]string, error) {
	rows, err := s.sqlDB.QueryContext(ctx, `SELECT DISTINCT thread_id FROM events ORDER BY thread_id`)
	if err != nil {
		return nil, fmt.Errorf("query threads: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan thread id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ThreadSink appends events for one thread.
type ThreadSink struct {
	store    *Store
	threadID string

	mu  sync.Mutex
	seq int64
}

// WriteEvents inserts the batch in one transaction. On failure nothing is
// written and the sequence is not advanced.
func (t *ThreadSink) WriteEvents(ctx context.Context, events []types.Event) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(events) == 0 {
		return nil
	}

	tx, err := t.store.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO events (thread_id, seq, type, ts, body) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	now := types.FormatTimestamp(t.store.now())
	seq := t.seq
	for _, ev := range events {
		ts := ev.StringField(types.FieldTimestamp)
		if ts == "" {
			ts = now
			ev = ev.With(types.FieldTimestamp, ts)
		}
		body, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("encode event: %w", err)
		}
		seq++
		if _, err := stmt.ExecContext(ctx, t.threadID, seq, string(ev.Type), ts, string(body)); err != nil {
			return fmt.Errorf("insert event %d: %w", seq, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	t.seq = seq
	return nil
}

// Close is a no-op; the Store owns the connection.
func (t *ThreadSink) Close() error { return nil }

var _ policy.Sink = (*ThreadSink)(nil)
