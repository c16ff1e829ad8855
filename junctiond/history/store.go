// Package history keeps an audit trail of instance lifecycle events in sqlite.
// It is never read back to rebuild orchestrator state.
package history

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

// EventType names a lifecycle transition.
type EventType string

const (
	EventSpawn       EventType = "spawn"
	EventSpawnFailed EventType = "spawn_failed"
	EventExit        EventType = "exit"
	EventRemove      EventType = "remove"
	EventColdRun     EventType = "cold_run"
)

// Event is one row of the job_events table.
type Event struct {
	ID        string `db:"id" json:"id"`
	Instance  string `db:"instance" json:"instance"`
	EventType string `db:"event_type" json:"event_type"`
	PID       int    `db:"pid" json:"pid"`
	ExitCode  *int   `db:"exit_code" json:"exit_code,omitempty"` // nullable for events without an exit
	Detail    string `db:"detail" json:"detail,omitempty"`
	Timestamp int64  `db:"timestamp" json:"timestamp"` // unix milliseconds, UTC
}

// NewEvent fills in the ID and timestamp.
func NewEvent(eventType EventType, instance string, pid int) Event {
	return Event{
		ID:        uuid.New().String(),
		Instance:  instance,
		EventType: string(eventType),
		PID:       pid,
		Timestamp: time.Now().UTC().UnixMilli(),
	}
}

// WithExitCode returns a copy of e carrying code.
func (e Event) WithExitCode(code int) Event {
	e.ExitCode = &code
	return e
}

// WithDetail returns a copy of e carrying detail.
func (e Event) WithDetail(detail string) Event {
	e.Detail = detail
	return e
}

// Store persists events.
type Store struct {
	db     *sqlx.DB
	ownsDB bool
}

// NewStore wraps an existing connection. The caller keeps ownership of db.
func NewStore(db *sqlx.DB) (*Store, error) {
	if err := DBInit(db); err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// Open connects to the sqlite database at path and prepares the schema.
func Open(path string) (*Store, error) {
	db, err := sqlx.Connect("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open history database %s: %w", path, err)
	}
	store, err := NewStore(db)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize history database %s: %w", path, err)
	}
	store.ownsDB = true
	return store, nil
}

// DBInit creates the job_events table and its indexes.
func DBInit(db *sqlx.DB) error {
	_, err := db.Exec(`
	CREATE TABLE IF NOT EXISTS job_events (
		id TEXT PRIMARY KEY,
		instance TEXT NOT NULL,
		event_type TEXT NOT NULL,
		pid INTEGER NOT NULL DEFAULT 0,
		exit_code INTEGER,
		detail TEXT NOT NULL DEFAULT '',
		timestamp INTEGER NOT NULL
	)
	`)
	if err != nil {
		return err
	}

	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_job_events_timestamp ON job_events(timestamp)`)
	if err != nil {
		return err
	}

	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_job_events_instance ON job_events(instance)`)
	return err
}

// Record inserts e.
func (s *Store) Record(ctx context.Context, e Event) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp == 0 {
		e.Timestamp = time.Now().UTC().UnixMilli()
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO job_events (id, instance, event_type, pid, exit_code, detail, timestamp)
		VALUES (:id, :instance, :event_type, :pid, :exit_code, :detail, :timestamp)`,
		e,
	)
	return err
}

// Recent returns the newest events first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Event, error) {
	events := []Event{}
	err := s.db.SelectContext(ctx, &events,
		"SELECT * FROM job_events ORDER BY timestamp DESC, rowid DESC LIMIT $1",
		limit)
	return events, err
}

// ByInstance returns the newest events for one instance name first.
func (s *Store) ByInstance(ctx context.Context, instance string, limit int) ([]Event, error) {
	events := []Event{}
	err := s.db.SelectContext(ctx, &events,
		"SELECT * FROM job_events WHERE instance = $1 ORDER BY timestamp DESC, rowid DESC LIMIT $2",
		instance, limit)
	return events, err
}

// DeleteOlderThan prunes events recorded before now-olderThan.
func (s *Store) DeleteOlderThan(ctx context.Context, olderThan time.Duration) (int64, error) {
	threshold := time.Now().UTC().Add(-olderThan).UnixMilli()
	result, err := s.db.ExecContext(ctx, "DELETE FROM job_events WHERE timestamp < $1", threshold)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// Close closes the connection if the store opened it.
func (s *Store) Close() error {
	if !s.ownsDB {
		return nil
	}
	return s.db.Close()
}
