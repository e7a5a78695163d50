package provenance

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-logr/logr"
	_ "modernc.org/sqlite"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "provenance-test.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestOpenCreatesTable(t *testing.T) {
	db := openTestDB(t)
	sink, err := Open(db, "sqlite", logr.Discard())
	if err != nil {
		t.Fatalf("open sink: %v", err)
	}
	if sink == nil {
		t.Fatal("expected a non-nil sink")
	}

	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM provenance_events`).Scan(&count); err != nil {
		t.Fatalf("expected provenance_events table to exist: %v", err)
	}
}

func TestEmitInsertsRow(t *testing.T) {
	db := openTestDB(t)
	sink, err := Open(db, "sqlite", logr.Discard())
	if err != nil {
		t.Fatalf("open sink: %v", err)
	}

	sink.Emit(context.Background(), Event{
		TraceID: "trace-1", RunID: "run-1", StepID: "step-1", Tier: "tier0",
		PromptHash: "hash", Tokens: 10, Cost: 0.01, Duration: time.Second, Kind: EventLLMCall,
	})

	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM provenance_events WHERE run_id = ?`, "run-1").Scan(&count); err != nil {
		t.Fatalf("query: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 emitted row, got %d", count)
	}
}

func TestEmitOnNilSinkIsSafe(t *testing.T) {
	var sink *Sink
	sink.Emit(context.Background(), Event{RunID: "run-1"})
}

func TestEmitSwallowsDatabaseErrors(t *testing.T) {
	db := openTestDB(t)
	sink, err := Open(db, "sqlite", logr.Discard())
	if err != nil {
		t.Fatalf("open sink: %v", err)
	}
	db.Close() // force subsequent Emit to fail

	sink.Emit(context.Background(), Event{RunID: "run-1"}) // must not panic
}

func TestRebindPostgresPlaceholders(t *testing.T) {
	got := rebind("postgres", "INSERT INTO t (a, b) VALUES (?, ?)")
	want := "INSERT INTO t (a, b) VALUES ($1, $2)"
	if got != want {
		t.Fatalf("rebind() = %q, want %q", got, want)
	}
}

func TestRebindLeavesSQLiteUnchanged(t *testing.T) {
	query := "INSERT INTO t (a, b) VALUES (?, ?)"
	if got := rebind("sqlite", query); got != query {
		t.Fatalf("rebind() = %q, want unchanged %q", got, query)
	}
}

func TestCloseOnNilSinkIsSafe(t *testing.T) {
	var sink *Sink
	if err := sink.Close(); err != nil {
		t.Fatalf("expected nil-receiver Close to be a no-op, got %v", err)
	}
}
