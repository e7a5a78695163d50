// Package provenance is the Budget Executor's append-only, out-of-band
// event log: trace id, run id, step id, tier, prompt hash, token counts,
// cost, duration, and event kind for every Step persist. Loss of a
// provenance write must never affect Ledger correctness, so Emit never
// returns an error to its caller — it logs and moves on.
package provenance

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/go-logr/logr"
)

// EventKind names the kind of executor event being recorded.
type EventKind string

const (
	EventLLMCall      EventKind = "llm_call"
	EventTierDemotion EventKind = "tier_demotion"
	EventToolCall     EventKind = "tool_call"
)

// Event is one provenance record.
type Event struct {
	TraceID    string
	RunID      string
	StepID     string
	Tier       string
	PromptHash string
	Tokens     int64
	Cost       float64
	Duration   time.Duration
	Kind       EventKind
}

const ddl = `CREATE TABLE IF NOT EXISTS provenance_events (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	trace_id    TEXT NOT NULL,
	run_id      TEXT NOT NULL,
	step_id     TEXT NOT NULL,
	tier        TEXT NOT NULL,
	prompt_hash TEXT NOT NULL,
	tokens      INTEGER NOT NULL,
	cost        REAL NOT NULL,
	duration_ns INTEGER NOT NULL,
	kind        TEXT NOT NULL,
	recorded_at TEXT NOT NULL
)`

const pgDDL = `CREATE TABLE IF NOT EXISTS provenance_events (
	id          BIGSERIAL PRIMARY KEY,
	trace_id    TEXT NOT NULL,
	run_id      TEXT NOT NULL,
	step_id     TEXT NOT NULL,
	tier        TEXT NOT NULL,
	prompt_hash TEXT NOT NULL,
	tokens      BIGINT NOT NULL,
	cost        DOUBLE PRECISION NOT NULL,
	duration_ns BIGINT NOT NULL,
	kind        TEXT NOT NULL,
	recorded_at TEXT NOT NULL
)`

// Sink writes Events to a dedicated table on the *sql.DB handed to Open
// (cmd/controlplaned opens that handle against the Ledger's own storage DSN;
// CONTROLPLANE_PROVENANCE_SINK_ENDPOINT does not select it). It is deliberately not part of ledger.Store: the Ledger remains the
// source of truth and must not depend on provenance succeeding.
type Sink struct {
	db     *sql.DB
	driver string
	log    logr.Logger
}

// Open creates the provenance table (if absent) and returns a Sink bound
// to db. driver is "sqlite" or "postgres", matching the Ledger's dialect.
func Open(db *sql.DB, driver string, log logr.Logger) (*Sink, error) {
	stmt := ddl
	if driver == "postgres" {
		stmt = pgDDL
	}
	if _, err := db.Exec(stmt); err != nil {
		return nil, fmt.Errorf("create provenance table: %w", err)
	}
	return &Sink{db: db, driver: driver, log: log.WithName("provenance")}, nil
}

func rebind(driver, query string) string {
	if driver != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Emit records ev. On failure it logs and returns — never an error to the
// caller — because a dropped provenance event must not abort or fail a Run.
func (s *Sink) Emit(ctx context.Context, ev Event) {
	if s == nil {
		return
	}
	query := rebind(s.driver, `INSERT INTO provenance_events
		(trace_id, run_id, step_id, tier, prompt_hash, tokens, cost, duration_ns, kind, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := s.db.ExecContext(ctx, query,
		ev.TraceID, ev.RunID, ev.StepID, ev.Tier, ev.PromptHash,
		ev.Tokens, ev.Cost, int64(ev.Duration), string(ev.Kind),
		time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		s.log.Error(err, "provenance emit failed", "runId", ev.RunID, "stepId", ev.StepID, "kind", ev.Kind)
	}
}

// Close is a no-op: the Sink never owns the database handle passed to
// Open, and the caller that opened that handle closes it.
func (s *Sink) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return nil
}
