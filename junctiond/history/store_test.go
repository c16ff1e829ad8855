package history

import (
	"context"
	"path"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

func setupTestDB(t *testing.T) *sqlx.DB {
	dbPath := path.Join(t.TempDir(), "test_history.db")
	db := sqlx.MustConnect("sqlite3", dbPath)
	t.Cleanup(func() {
		db.Close()
	})
	return db
}

func TestDBInit(t *testing.T) {
	db := setupTestDB(t)
	if err := DBInit(db); err != nil {
		t.Fatalf("DBInit returned error: %v", err)
	}

	var tableName string
	err := db.Get(&tableName, "SELECT name FROM sqlite_master WHERE type='table' AND name='job_events'")
	if err != nil {
		t.Fatalf("Table 'job_events' does not exist: %v", err)
	}

	var count int
	err = db.Get(&count, "SELECT COUNT(*) FROM sqlite_master WHERE type='index' AND tbl_name='job_events'")
	if err != nil {
		t.Fatalf("Failed to query indexes: %v", err)
	}
	if count < 2 {
		t.Errorf("Expected at least 2 indexes, got %d", count)
	}

	// Idempotent.
	if err := DBInit(db); err != nil {
		t.Fatalf("Second DBInit returned error: %v", err)
	}
}

func TestRecordAndQuery(t *testing.T) {
	store, err := NewStore(setupTestDB(t))
	if err != nil {
		t.Fatalf("NewStore returned error: %v", err)
	}
	ctx := context.Background()

	events := []Event{
		NewEvent(EventSpawn, "fn-a", 100),
		NewEvent(EventExit, "fn-a", 100).WithExitCode(3),
		NewEvent(EventSpawn, "fn-b", 200),
		NewEvent(EventRemove, "fn-a", 100).WithDetail("removed by request"),
	}
	for _, e := range events {
		if err := store.Record(ctx, e); err != nil {
			t.Fatalf("Record(%s) returned error: %v", e.EventType, err)
		}
	}

	recent, err := store.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("Recent returned error: %v", err)
	}
	if len(recent) != 4 {
		t.Fatalf("Expected 4 events, got %d", len(recent))
	}
	if recent[0].EventType != string(EventRemove) {
		t.Errorf("Expected newest event to be remove, got %s", recent[0].EventType)
	}
	if recent[0].Detail != "removed by request" {
		t.Errorf("Expected detail to round trip, got %q", recent[0].Detail)
	}

	byA, err := store.ByInstance(ctx, "fn-a", 10)
	if err != nil {
		t.Fatalf("ByInstance returned error: %v", err)
	}
	if len(byA) != 3 {
		t.Fatalf("Expected 3 events for fn-a, got %d", len(byA))
	}
	var sawExit bool
	for _, e := range byA {
		if e.Instance != "fn-a" {
			t.Errorf("Unexpected instance %s in fn-a results", e.Instance)
		}
		if e.EventType == string(EventExit) {
			sawExit = true
			if e.ExitCode == nil || *e.ExitCode != 3 {
				t.Errorf("Expected exit code 3, got %v", e.ExitCode)
			}
		} else if e.ExitCode != nil {
			t.Errorf("Expected nil exit code for %s, got %d", e.EventType, *e.ExitCode)
		}
	}
	if !sawExit {
		t.Error("Exit event not returned for fn-a")
	}

	limited, err := store.Recent(ctx, 2)
	if err != nil {
		t.Fatalf("Recent returned error: %v", err)
	}
	if len(limited) != 2 {
		t.Errorf("Expected limit to cap results at 2, got %d", len(limited))
	}
}

func TestDeleteOlderThan(t *testing.T) {
	store, err := NewStore(setupTestDB(t))
	if err != nil {
		t.Fatalf("NewStore returned error: %v", err)
	}
	ctx := context.Background()

	old := NewEvent(EventSpawn, "old", 1)
	old.Timestamp = time.Now().Add(-48 * time.Hour).UTC().UnixMilli()
	if err := store.Record(ctx, old); err != nil {
		t.Fatal(err)
	}
	if err := store.Record(ctx, NewEvent(EventSpawn, "new", 2)); err != nil {
		t.Fatal(err)
	}

	deleted, err := store.DeleteOlderThan(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("DeleteOlderThan returned error: %v", err)
	}
	if deleted != 1 {
		t.Errorf("Expected 1 deleted event, got %d", deleted)
	}

	remaining, err := store.Recent(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(remaining) != 1 || remaining[0].Instance != "new" {
		t.Errorf("Expected only the new event to remain, got %+v", remaining)
	}
}

func TestOpenOwnsConnection(t *testing.T) {
	store, err := Open(path.Join(t.TempDir(), "owned.db"))
	if err != nil {
		t.Fatalf("Open returned error: %v", err)
	}
	if err := store.Record(context.Background(), NewEvent(EventColdRun, "infer-x", 0)); err != nil {
		t.Fatalf("Record returned error: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close returned error: %v", err)
	}
	if err := store.db.Ping(); err == nil {
		t.Error("Expected connection to be closed")
	}
}
