package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// sqlStore is the database/sql-backed Store implementation shared by the
// SQLite and Postgres backends. The two constructors differ only in how
// they open the connection and which pragmas/session settings they apply;
// every query below is written with "?" placeholders and rebound for
// Postgres at execution time, following the sqlx convention of keeping one
// SQL text per operation regardless of driver.
type sqlStore struct {
	db     *sql.DB
	driver string // "sqlite" or "postgres"
}

const schemaVersion = 1

const ddl = `
CREATE TABLE IF NOT EXISTS runs (
	id              TEXT PRIMARY KEY,
	idempotency_key TEXT NOT NULL,
	tenant_id       TEXT NOT NULL,
	agent_id        TEXT NOT NULL,
	trace_id        TEXT NOT NULL DEFAULT '',
	input_payload   BLOB,
	input_hash      TEXT NOT NULL,
	budget_json     TEXT NOT NULL,
	consumed_json   TEXT NOT NULL,
	tier            TEXT NOT NULL,
	status          TEXT NOT NULL,
	failure_reason  TEXT NOT NULL DEFAULT '',
	output_payload  BLOB,
	created_at      TEXT NOT NULL,
	updated_at      TEXT NOT NULL,
	completed_at    TEXT,
	UNIQUE(idempotency_key)
);
CREATE INDEX IF NOT EXISTS idx_runs_tenant_status ON runs(tenant_id, status);

CREATE TABLE IF NOT EXISTS steps (
	id           TEXT PRIMARY KEY,
	run_id       TEXT NOT NULL,
	idx          INTEGER NOT NULL,
	tier         TEXT NOT NULL,
	input_hash   TEXT NOT NULL,
	output_hash  TEXT NOT NULL DEFAULT '',
	tokens       INTEGER NOT NULL DEFAULT 0,
	cost         REAL NOT NULL DEFAULT 0,
	duration_ns  INTEGER NOT NULL DEFAULT 0,
	status       TEXT NOT NULL,
	error        TEXT NOT NULL DEFAULT '',
	created_at   TEXT NOT NULL,
	completed_at TEXT,
	UNIQUE(run_id, idx)
);

CREATE TABLE IF NOT EXISTS tenants (
	id                  TEXT PRIMARY KEY,
	name                TEXT NOT NULL,
	tier                TEXT NOT NULL,
	status              TEXT NOT NULL,
	concurrency_cap     INTEGER NOT NULL DEFAULT 0,
	queue_depth_cap     INTEGER NOT NULL DEFAULT 0,
	max_per_minute      INTEGER NOT NULL DEFAULT 0,
	max_per_hour        INTEGER NOT NULL DEFAULT 0,
	max_per_day         INTEGER NOT NULL DEFAULT 0,
	priority_boost      INTEGER NOT NULL DEFAULT 0,
	fair_share_weight   INTEGER NOT NULL DEFAULT 1,
	max_runs_per_day    INTEGER NOT NULL DEFAULT 0,
	max_cost_per_day    REAL NOT NULL DEFAULT 0,
	max_tokens_per_run  INTEGER NOT NULL DEFAULT 0,
	max_storage_bytes   INTEGER NOT NULL DEFAULT 0,
	created_at          TEXT NOT NULL,
	updated_at          TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS tenant_agent_allowlist (
	tenant_id TEXT NOT NULL,
	agent_id  TEXT NOT NULL,
	PRIMARY KEY (tenant_id, agent_id)
);

CREATE TABLE IF NOT EXISTS tenant_usage (
	tenant_id     TEXT NOT NULL,
	day           TEXT NOT NULL,
	runs          INTEGER NOT NULL DEFAULT 0,
	tokens        INTEGER NOT NULL DEFAULT 0,
	cost          REAL NOT NULL DEFAULT 0,
	storage_bytes INTEGER NOT NULL DEFAULT 0,
	active_agents INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (tenant_id, day)
);

CREATE TABLE IF NOT EXISTS tenant_rate_windows (
	tenant_id TEXT NOT NULL,
	kind      TEXT NOT NULL,
	bucket    TEXT NOT NULL,
	count     INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (tenant_id, kind, bucket)
);

CREATE TABLE IF NOT EXISTS queue_items (
	id                 TEXT PRIMARY KEY,
	tenant_id          TEXT NOT NULL,
	agent_id           TEXT NOT NULL,
	payload            BLOB,
	base_priority      INTEGER NOT NULL DEFAULT 0,
	effective_priority REAL NOT NULL DEFAULT 0,
	attempts           INTEGER NOT NULL DEFAULT 0,
	max_attempts       INTEGER NOT NULL DEFAULT 1,
	scheduled_at       TEXT,
	timeout_ms         INTEGER NOT NULL DEFAULT 0,
	status             TEXT NOT NULL,
	run_id             TEXT NOT NULL DEFAULT '',
	error              TEXT NOT NULL DEFAULT '',
	started_at         TEXT,
	created_at         TEXT NOT NULL,
	updated_at         TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_queue_dispatch ON queue_items(status, effective_priority, created_at);
CREATE INDEX IF NOT EXISTS idx_queue_tenant ON queue_items(tenant_id, status);
CREATE INDEX IF NOT EXISTS idx_queue_run ON queue_items(run_id);

CREATE TABLE IF NOT EXISTS policies (
	id                   TEXT PRIMARY KEY,
	tenant_id            TEXT NOT NULL DEFAULT '',
	name                 TEXT NOT NULL,
	priority             INTEGER NOT NULL DEFAULT 0,
	effect               TEXT NOT NULL,
	subject_conditions   TEXT NOT NULL,
	resource_conditions  TEXT NOT NULL,
	actions              TEXT NOT NULL,
	created_at           TEXT NOT NULL,
	updated_at           TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_policies_tenant ON policies(tenant_id);

CREATE TABLE IF NOT EXISTS role_bindings (
	id         TEXT PRIMARY KEY,
	tenant_id  TEXT NOT NULL DEFAULT '',
	subject    TEXT NOT NULL,
	role       TEXT NOT NULL,
	created_at TEXT NOT NULL,
	UNIQUE(tenant_id, subject, role)
);

CREATE TABLE IF NOT EXISTS provider_jobs (
	id          TEXT PRIMARY KEY,
	provider    TEXT NOT NULL,
	external_id TEXT NOT NULL,
	run_id      TEXT NOT NULL,
	status      TEXT NOT NULL,
	progress    INTEGER NOT NULL DEFAULT 0,
	result_url  TEXT NOT NULL DEFAULT '',
	cost        REAL NOT NULL DEFAULT 0,
	error       TEXT NOT NULL DEFAULT '',
	created_at  TEXT NOT NULL,
	updated_at  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_provider_jobs_status ON provider_jobs(provider, status);

CREATE TABLE IF NOT EXISTS api_keys (
	id            TEXT PRIMARY KEY,
	tenant_id     TEXT NOT NULL DEFAULT '',
	name          TEXT NOT NULL,
	key_hash      TEXT NOT NULL UNIQUE,
	key_prefix    TEXT NOT NULL,
	scopes        TEXT NOT NULL,
	created_at    TEXT NOT NULL,
	last_used_at  TEXT,
	expires_at    TEXT,
	enabled       INTEGER NOT NULL DEFAULT 1
);
CREATE INDEX IF NOT EXISTS idx_api_keys_prefix ON api_keys(key_prefix);
`

// ddlForDriver returns the CREATE TABLE script with column types adjusted
// for the target driver. The schema is otherwise identical across backends.
func ddlForDriver(driver string) string {
	if driver == "postgres" {
		return strings.ReplaceAll(ddl, "BLOB", "BYTEA")
	}
	return ddl
}

// rebind rewrites "?" placeholders into "$1", "$2", ... for postgres; sqlite
// and the embedded default keep "?" unchanged.
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

// execSchema applies the DDL script one statement at a time; splitting
// avoids relying on multi-statement support in either driver's Exec path.
func execSchema(db *sql.DB, driver string) error {
	for _, stmt := range strings.Split(ddlForDriver(driver), ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("apply schema statement %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *sqlStore) exec(ctx context.Context, q string, args ...interface{}) (sql.Result, error) {
	return s.db.ExecContext(ctx, rebind(s.driver, q), args...)
}

func (s *sqlStore) query(ctx context.Context, q string, args ...interface{}) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, rebind(s.driver, q), args...)
}

func (s *sqlStore) queryRow(ctx context.Context, q string, args ...interface{}) *sql.Row {
	return s.db.QueryRowContext(ctx, rebind(s.driver, q), args...)
}

func (s *sqlStore) txExec(ctx context.Context, tx *sql.Tx, q string, args ...interface{}) (sql.Result, error) {
	return tx.ExecContext(ctx, rebind(s.driver, q), args...)
}

func (s *sqlStore) txQueryRow(ctx context.Context, tx *sql.Tx, q string, args ...interface{}) *sql.Row {
	return tx.QueryRowContext(ctx, rebind(s.driver, q), args...)
}

func nowStr() string { return time.Now().UTC().Format(time.RFC3339Nano) }

func newID() string { return uuid.NewString() }

func (s *sqlStore) Close() error { return s.db.Close() }

// --- runs & steps -----------------------------------------------------

func (s *sqlStore) CreateOrGetRun(ctx context.Context, p CreateRunParams) (*Run, bool, error) {
	inputHash := HashInput(p.InputPayload)

	if existing, err := s.GetRunByIdempotencyKey(ctx, p.IdempotencyKey); err == nil {
		if existing.InputHash != inputHash {
			return nil, false, ErrStepDivergence
		}
		return existing, false, nil
	} else if err != ErrNotFound {
		return nil, false, err
	}

	budgetJSON, err := CanonicalJSON(p.Budget)
	if err != nil {
		return nil, false, err
	}
	consumedJSON, err := CanonicalJSON(Consumed{})
	if err != nil {
		return nil, false, err
	}

	now := nowStr()
	id := newID()
	_, err = s.exec(ctx, `
		INSERT INTO runs (id, idempotency_key, tenant_id, agent_id, trace_id, input_payload,
			input_hash, budget_json, consumed_json, tier, status, failure_reason, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, '', ?, ?)`,
		id, p.IdempotencyKey, p.TenantID, p.AgentID, p.TraceID, p.InputPayload,
		inputHash, string(budgetJSON), string(consumedJSON), p.InitialTier, RunPending, now, now,
	)
	if err != nil {
		// Lost a create race against a concurrent identical request; the
		// unique idempotency_key constraint rejected us. The winner's row is
		// now visible.
		if existing, gerr := s.GetRunByIdempotencyKey(ctx, p.IdempotencyKey); gerr == nil {
			return existing, false, nil
		}
		return nil, false, fmt.Errorf("insert run: %w", err)
	}

	run, err := s.GetRun(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return run, true, nil
}

func scanRun(row interface{ Scan(...interface{}) error }) (*Run, error) {
	var r Run
	var budgetJSON, consumedJSON string
	var createdAt, updatedAt string
	var completedAt sql.NullString
	var traceID, failureReason sql.NullString
	if err := row.Scan(
		&r.ID, &r.IdempotencyKey, &r.TenantID, &r.AgentID, &traceID, &r.InputPayload,
		&r.InputHash, &budgetJSON, &consumedJSON, &r.Tier, &r.Status, &failureReason,
		&r.OutputPayload, &createdAt, &updatedAt, &completedAt,
	); err != nil {
		return nil, err
	}
	r.TraceID = traceID.String
	r.FailureReason = failureReason.String
	if err := json.Unmarshal([]byte(budgetJSON), &r.Budget); err != nil {
		return nil, fmt.Errorf("decode budget: %w", err)
	}
	if err := json.Unmarshal([]byte(consumedJSON), &r.Consumed); err != nil {
		return nil, fmt.Errorf("decode consumed: %w", err)
	}
	r.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	r.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	if completedAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, completedAt.String)
		if err == nil {
			r.CompletedAt = &t
		}
	}
	return &r, nil
}

const runColumns = `id, idempotency_key, tenant_id, agent_id, trace_id, input_payload,
	input_hash, budget_json, consumed_json, tier, status, failure_reason,
	output_payload, created_at, updated_at, completed_at`

func (s *sqlStore) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.queryRow(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	r, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return r, nil
}

func (s *sqlStore) GetRunByIdempotencyKey(ctx context.Context, key string) (*Run, error) {
	row := s.queryRow(ctx, `SELECT `+runColumns+` FROM runs WHERE idempotency_key = ?`, key)
	r, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run by idempotency key: %w", err)
	}
	return r, nil
}

func (s *sqlStore) MarkRunRunning(ctx context.Context, id string) (*Run, error) {
	res, err := s.exec(ctx, `UPDATE runs SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		RunRunning, nowStr(), id, RunPending)
	if err != nil {
		return nil, fmt.Errorf("mark run running: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		run, gerr := s.GetRun(ctx, id)
		if gerr != nil {
			return nil, gerr
		}
		if run.Status == RunRunning {
			return run, nil
		}
		return nil, ErrCASFailed
	}
	return s.GetRun(ctx, id)
}

func (s *sqlStore) AppendStep(ctx context.Context, runID string, index int, tier, inputHash string) (*Step, bool, error) {
	row := s.queryRow(ctx, `SELECT id, run_id, idx, tier, input_hash, output_hash, tokens, cost,
		duration_ns, status, error, created_at, completed_at FROM steps WHERE run_id = ? AND idx = ?`, runID, index)
	existing, err := scanStep(row)
	if err == nil {
		if existing.InputHash != inputHash {
			return nil, false, ErrStepDivergence
		}
		return existing, true, nil
	}
	if err != sql.ErrNoRows {
		return nil, false, fmt.Errorf("lookup step: %w", err)
	}

	id := newID()
	now := nowStr()
	_, err = s.exec(ctx, `INSERT INTO steps (id, run_id, idx, tier, input_hash, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`, id, runID, index, tier, inputHash, StepPending, now)
	if err != nil {
		row := s.queryRow(ctx, `SELECT id, run_id, idx, tier, input_hash, output_hash, tokens, cost,
			duration_ns, status, error, created_at, completed_at FROM steps WHERE run_id = ? AND idx = ?`, runID, index)
		if existing, gerr := scanStep(row); gerr == nil {
			if existing.InputHash != inputHash {
				return nil, false, ErrStepDivergence
			}
			return existing, true, nil
		}
		return nil, false, fmt.Errorf("insert step: %w", err)
	}

	row = s.queryRow(ctx, `SELECT id, run_id, idx, tier, input_hash, output_hash, tokens, cost,
		duration_ns, status, error, created_at, completed_at FROM steps WHERE id = ?`, id)
	step, err := scanStep(row)
	if err != nil {
		return nil, false, err
	}
	return step, false, nil
}

func scanStep(row interface{ Scan(...interface{}) error }) (*Step, error) {
	var st Step
	var durNS int64
	var createdAt string
	var completedAt sql.NullString
	if err := row.Scan(
		&st.ID, &st.RunID, &st.Index, &st.Tier, &st.InputHash, &st.OutputHash,
		&st.Tokens, &st.Cost, &durNS, &st.Status, &st.Error, &createdAt, &completedAt,
	); err != nil {
		return nil, err
	}
	st.Duration = time.Duration(durNS)
	st.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	if completedAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, completedAt.String)
		if err == nil {
			st.CompletedAt = &t
		}
	}
	return &st, nil
}

func (s *sqlStore) CompleteStep(ctx context.Context, stepID string, tokens int64, cost float64, dur time.Duration, outputHash string) error {
	res, err := s.exec(ctx, `UPDATE steps SET status = ?, tokens = ?, cost = ?, duration_ns = ?,
		output_hash = ?, completed_at = ? WHERE id = ? AND status = ?`,
		StepCompleted, tokens, cost, int64(dur), outputHash, nowStr(), stepID, StepPending)
	if err != nil {
		return fmt.Errorf("complete step: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrCASFailed
	}
	return nil
}

func (s *sqlStore) FailStep(ctx context.Context, stepID string, dur time.Duration, reason string) error {
	res, err := s.exec(ctx, `UPDATE steps SET status = ?, duration_ns = ?, error = ?, completed_at = ?
		WHERE id = ? AND status = ?`, StepFailed, int64(dur), reason, nowStr(), stepID, StepPending)
	if err != nil {
		return fmt.Errorf("fail step: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrCASFailed
	}
	return nil
}

func (s *sqlStore) ListSteps(ctx context.Context, runID string) ([]Step, error) {
	rows, err := s.query(ctx, `SELECT id, run_id, idx, tier, input_hash, output_hash, tokens, cost,
		duration_ns, status, error, created_at, completed_at FROM steps WHERE run_id = ? ORDER BY idx ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	defer rows.Close()
	var out []Step
	for rows.Next() {
		st, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *st)
	}
	return out, rows.Err()
}

func (s *sqlStore) RecordTierDemotion(ctx context.Context, runID, newTier string) error {
	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	run.Consumed.Downgrades++
	consumedJSON, err := CanonicalJSON(run.Consumed)
	if err != nil {
		return err
	}
	res, err := s.exec(ctx, `UPDATE runs SET tier = ?, consumed_json = ?, updated_at = ? WHERE id = ? AND status IN (?, ?)`,
		newTier, string(consumedJSON), nowStr(), runID, RunPending, RunRunning)
	if err != nil {
		return fmt.Errorf("record tier demotion: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrCASFailed
	}
	return nil
}

func (s *sqlStore) finishRun(ctx context.Context, runID string, status RunStatus, output []byte, consumed Consumed, reason string) (*Run, error) {
	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status.Terminal() {
		return nil, ErrTerminalState
	}
	consumedJSON, err := CanonicalJSON(consumed)
	if err != nil {
		return nil, err
	}
	now := nowStr()
	res, err := s.exec(ctx, `UPDATE runs SET status = ?, output_payload = ?, consumed_json = ?,
		failure_reason = ?, updated_at = ?, completed_at = ? WHERE id = ? AND status IN (?, ?)`,
		status, output, string(consumedJSON), reason, now, now, runID, RunPending, RunRunning)
	if err != nil {
		return nil, fmt.Errorf("finish run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrCASFailed
	}
	return s.GetRun(ctx, runID)
}

func (s *sqlStore) CompleteRun(ctx context.Context, runID string, output []byte, consumed Consumed) (*Run, error) {
	return s.finishRun(ctx, runID, RunCompleted, output, consumed, "")
}

func (s *sqlStore) PartialRun(ctx context.Context, runID string, output []byte, consumed Consumed, reason string) (*Run, error) {
	return s.finishRun(ctx, runID, RunPartial, output, consumed, reason)
}

func (s *sqlStore) FailRun(ctx context.Context, runID string, consumed Consumed, reason string) (*Run, error) {
	return s.finishRun(ctx, runID, RunFailed, nil, consumed, reason)
}

func (s *sqlStore) CancelRun(ctx context.Context, runID, reason string) (*Run, error) {
	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	return s.finishRun(ctx, runID, RunFailed, nil, run.Consumed, "cancelled: "+reason)
}

// --- usage --------------------------------------------------------------

func (s *sqlStore) RecordUsage(ctx context.Context, tenantID, day string, runs int, tokens int64, cost float64, storage int64) error {
	_, err := s.exec(ctx, `INSERT INTO tenant_usage (tenant_id, day, runs, tokens, cost, storage_bytes, active_agents)
		VALUES (?, ?, ?, ?, ?, ?, 0)
		ON CONFLICT(tenant_id, day) DO UPDATE SET
			runs = tenant_usage.runs + excluded.runs,
			tokens = tenant_usage.tokens + excluded.tokens,
			cost = tenant_usage.cost + excluded.cost,
			storage_bytes = tenant_usage.storage_bytes + excluded.storage_bytes`,
		tenantID, day, runs, tokens, cost, storage)
	if err != nil {
		return fmt.Errorf("record usage: %w", err)
	}
	return nil
}

func (s *sqlStore) GetUsage(ctx context.Context, tenantID, day string) (*UsageCounter, error) {
	var u UsageCounter
	u.TenantID, u.Day = tenantID, day
	err := s.queryRow(ctx, `SELECT runs, tokens, cost, storage_bytes, active_agents FROM tenant_usage
		WHERE tenant_id = ? AND day = ?`, tenantID, day).Scan(&u.Runs, &u.Tokens, &u.Cost, &u.StorageBytes, &u.ActiveAgents)
	if err == sql.ErrNoRows {
		return &u, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get usage: %w", err)
	}
	return &u, nil
}

// --- tenants --------------------------------------------------------------

func (s *sqlStore) UpsertTenant(ctx context.Context, t TenantRecord) error {
	now := nowStr()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	_, err := s.exec(ctx, `INSERT INTO tenants (id, name, tier, status, concurrency_cap, queue_depth_cap,
			max_per_minute, max_per_hour, max_per_day, priority_boost, fair_share_weight,
			max_runs_per_day, max_cost_per_day, max_tokens_per_run, max_storage_bytes, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name, tier = excluded.tier, status = excluded.status,
			concurrency_cap = excluded.concurrency_cap, queue_depth_cap = excluded.queue_depth_cap,
			max_per_minute = excluded.max_per_minute, max_per_hour = excluded.max_per_hour,
			max_per_day = excluded.max_per_day, priority_boost = excluded.priority_boost,
			fair_share_weight = excluded.fair_share_weight, max_runs_per_day = excluded.max_runs_per_day,
			max_cost_per_day = excluded.max_cost_per_day, max_tokens_per_run = excluded.max_tokens_per_run,
			max_storage_bytes = excluded.max_storage_bytes, updated_at = excluded.updated_at`,
		t.ID, t.Name, t.Tier, t.Status, t.ConcurrencyCap, t.QueueDepthCap,
		t.MaxPerMinute, t.MaxPerHour, t.MaxPerDay, t.PriorityBoost, t.FairShareWeight,
		t.MaxRunsPerDay, t.MaxCostPerDay, t.MaxTokensPerRun, t.MaxStorageBytes,
		t.CreatedAt.UTC().Format(time.RFC3339Nano), now)
	if err != nil {
		return fmt.Errorf("upsert tenant: %w", err)
	}
	return nil
}

func (s *sqlStore) GetTenant(ctx context.Context, id string) (*TenantRecord, error) {
	var t TenantRecord
	var createdAt, updatedAt string
	err := s.queryRow(ctx, `SELECT id, name, tier, status, concurrency_cap, queue_depth_cap,
		max_per_minute, max_per_hour, max_per_day, priority_boost, fair_share_weight,
		max_runs_per_day, max_cost_per_day, max_tokens_per_run, max_storage_bytes, created_at, updated_at
		FROM tenants WHERE id = ?`, id).Scan(
		&t.ID, &t.Name, &t.Tier, &t.Status, &t.ConcurrencyCap, &t.QueueDepthCap,
		&t.MaxPerMinute, &t.MaxPerHour, &t.MaxPerDay, &t.PriorityBoost, &t.FairShareWeight,
		&t.MaxRunsPerDay, &t.MaxCostPerDay, &t.MaxTokensPerRun, &t.MaxStorageBytes, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get tenant: %w", err)
	}
	t.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	t.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &t, nil
}

func (s *sqlStore) ListTenants(ctx context.Context) ([]TenantRecord, error) {
	rows, err := s.query(ctx, `SELECT id FROM tenants ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	out := make([]TenantRecord, 0, len(ids))
	for _, id := range ids {
		t, err := s.GetTenant(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, nil
}

func (s *sqlStore) SetAgentAllowlist(ctx context.Context, tenantID string, agentIDs []string) error {
	if _, err := s.exec(ctx, `DELETE FROM tenant_agent_allowlist WHERE tenant_id = ?`, tenantID); err != nil {
		return fmt.Errorf("clear allowlist: %w", err)
	}
	for _, a := range agentIDs {
		if _, err := s.exec(ctx, `INSERT INTO tenant_agent_allowlist (tenant_id, agent_id) VALUES (?, ?)`, tenantID, a); err != nil {
			return fmt.Errorf("insert allowlist entry: %w", err)
		}
	}
	return nil
}

func (s *sqlStore) GetAgentAllowlist(ctx context.Context, tenantID string) ([]string, error) {
	rows, err := s.query(ctx, `SELECT agent_id FROM tenant_agent_allowlist WHERE tenant_id = ? ORDER BY agent_id ASC`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("get allowlist: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var a string
		if err := rows.Scan(&a); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// --- rate windows -----------------------------------------------------

func bucketFor(kind RateWindowKind, at time.Time) string {
	at = at.UTC()
	switch kind {
	case WindowMinute:
		return at.Format("2006-01-02T15:04")
	case WindowHour:
		return at.Format("2006-01-02T15")
	default:
		return at.Format("2006-01-02")
	}
}

func (s *sqlStore) IncrementRateWindows(ctx context.Context, tenantID string, at time.Time) error {
	for _, kind := range []RateWindowKind{WindowMinute, WindowHour, WindowDay} {
		_, err := s.exec(ctx, `INSERT INTO tenant_rate_windows (tenant_id, kind, bucket, count) VALUES (?, ?, ?, 1)
			ON CONFLICT(tenant_id, kind, bucket) DO UPDATE SET count = tenant_rate_windows.count + 1`,
			tenantID, string(kind), bucketFor(kind, at))
		if err != nil {
			return fmt.Errorf("increment rate window %s: %w", kind, err)
		}
	}
	return nil
}

func (s *sqlStore) CountRateWindow(ctx context.Context, tenantID string, kind RateWindowKind, at time.Time) (int, error) {
	var count int
	err := s.queryRow(ctx, `SELECT count FROM tenant_rate_windows WHERE tenant_id = ? AND kind = ? AND bucket = ?`,
		tenantID, string(kind), bucketFor(kind, at)).Scan(&count)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("count rate window: %w", err)
	}
	return count, nil
}

func (s *sqlStore) PruneRateWindows(ctx context.Context, olderThan time.Time) (int, error) {
	total := 0
	for _, kind := range []RateWindowKind{WindowMinute, WindowHour, WindowDay} {
		cutoff := bucketFor(kind, olderThan)
		res, err := s.exec(ctx, `DELETE FROM tenant_rate_windows WHERE kind = ? AND bucket < ?`, string(kind), cutoff)
		if err != nil {
			return total, fmt.Errorf("prune rate windows %s: %w", kind, err)
		}
		n, _ := res.RowsAffected()
		total += int(n)
	}
	return total, nil
}

// --- fair queue -----------------------------------------------------------

func scanQueueItem(row interface{ Scan(...interface{}) error }) (*QueueItem, error) {
	var q QueueItem
	var scheduledAt, startedAt sql.NullString
	var createdAt, updatedAt string
	if err := row.Scan(
		&q.ID, &q.TenantID, &q.AgentID, &q.Payload, &q.BasePriority, &q.EffectivePriority,
		&q.Attempts, &q.MaxAttempts, &scheduledAt, &q.TimeoutMs, &q.Status, &q.RunID, &q.Error,
		&startedAt, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}
	q.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	q.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	if scheduledAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, scheduledAt.String)
		if err == nil {
			q.ScheduledAt = &t
		}
	}
	if startedAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, startedAt.String)
		if err == nil {
			q.StartedAt = &t
		}
	}
	return &q, nil
}

const queueColumns = `id, tenant_id, agent_id, payload, base_priority, effective_priority,
	attempts, max_attempts, scheduled_at, timeout_ms, status, run_id, error, started_at, created_at, updated_at`

func (s *sqlStore) Enqueue(ctx context.Context, item QueueItem) (*QueueItem, error) {
	if item.ID == "" {
		item.ID = newID()
	}
	now := nowStr()
	if item.MaxAttempts <= 0 {
		item.MaxAttempts = 1
	}
	if item.Status == "" {
		item.Status = QueuePending
	}
	if item.EffectivePriority == 0 {
		item.EffectivePriority = float64(item.BasePriority)
	}
	var scheduledAt interface{}
	if item.ScheduledAt != nil {
		scheduledAt = item.ScheduledAt.UTC().Format(time.RFC3339Nano)
	}
	_, err := s.exec(ctx, `INSERT INTO queue_items (id, tenant_id, agent_id, payload, base_priority,
			effective_priority, attempts, max_attempts, scheduled_at, timeout_ms, status, run_id, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?, ?, '', ?, ?)`,
		item.ID, item.TenantID, item.AgentID, item.Payload, item.BasePriority,
		item.EffectivePriority, item.MaxAttempts, scheduledAt, item.TimeoutMs, item.Status, item.RunID, now, now)
	if err != nil {
		return nil, fmt.Errorf("enqueue: %w", err)
	}
	return s.GetQueueItem(ctx, item.ID)
}

func (s *sqlStore) GetQueueItem(ctx context.Context, id string) (*QueueItem, error) {
	row := s.queryRow(ctx, `SELECT `+queueColumns+` FROM queue_items WHERE id = ?`, id)
	q, err := scanQueueItem(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get queue item: %w", err)
	}
	return q, nil
}

func (s *sqlStore) GetQueueItemByRunID(ctx context.Context, runID string) (*QueueItem, error) {
	row := s.queryRow(ctx, `SELECT `+queueColumns+` FROM queue_items WHERE run_id = ?`, runID)
	q, err := scanQueueItem(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get queue item by run id: %w", err)
	}
	return q, nil
}

func (s *sqlStore) CountQueueDepth(ctx context.Context, tenantID string) (int, error) {
	var n int
	err := s.queryRow(ctx, `SELECT COUNT(*) FROM queue_items WHERE tenant_id = ? AND status IN (?, ?)`,
		tenantID, QueuePending, QueueProcessing).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count queue depth: %w", err)
	}
	return n, nil
}

func (s *sqlStore) ListDequeueCandidates(ctx context.Context, limit int, now time.Time) ([]QueueItem, error) {
	rows, err := s.query(ctx, `SELECT `+queueColumns+` FROM queue_items
		WHERE status = ? AND (scheduled_at IS NULL OR scheduled_at <= ?)
		ORDER BY effective_priority DESC, created_at ASC LIMIT ?`,
		QueuePending, now.UTC().Format(time.RFC3339Nano), limit)
	if err != nil {
		return nil, fmt.Errorf("list dequeue candidates: %w", err)
	}
	defer rows.Close()
	var out []QueueItem
	for rows.Next() {
		q, err := scanQueueItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *q)
	}
	return out, rows.Err()
}

func (s *sqlStore) DequeueCAS(ctx context.Context, itemID string, now time.Time) (*QueueItem, error) {
	res, err := s.exec(ctx, `UPDATE queue_items SET status = ?, attempts = attempts + 1, started_at = ?, updated_at = ?
		WHERE id = ? AND status = ?`, QueueProcessing, now.UTC().Format(time.RFC3339Nano), nowStr(), itemID, QueuePending)
	if err != nil {
		return nil, fmt.Errorf("dequeue cas: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrCASFailed
	}
	return s.GetQueueItem(ctx, itemID)
}

func (s *sqlStore) AgeQueue(ctx context.Context, ratePerMinute float64, since time.Time) (int, error) {
	minutes := time.Since(since).Minutes()
	if minutes <= 0 {
		return 0, nil
	}
	increment := ratePerMinute * minutes
	leastFn := "MIN"
	if s.driver == "postgres" {
		leastFn = "LEAST"
	}
	res, err := s.exec(ctx, `UPDATE queue_items SET effective_priority =
			`+leastFn+`(100.0, effective_priority + ?), updated_at = ?
		WHERE status = ?`, increment, nowStr(), QueuePending)
	if err != nil {
		return 0, fmt.Errorf("age queue: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *sqlStore) SweepTimeouts(ctx context.Context, now time.Time) (int, int, error) {
	rows, err := s.query(ctx, `SELECT id, attempts, max_attempts, timeout_ms, started_at FROM queue_items
		WHERE status = ? AND started_at IS NOT NULL`, QueueProcessing)
	if err != nil {
		return 0, 0, fmt.Errorf("sweep candidates: %w", err)
	}
	type cand struct {
		id                       string
		attempts, maxAttempts    int
		timeoutMs                int64
		startedAt                string
	}
	var cands []cand
	for rows.Next() {
		var c cand
		if err := rows.Scan(&c.id, &c.attempts, &c.maxAttempts, &c.timeoutMs, &c.startedAt); err != nil {
			rows.Close()
			return 0, 0, err
		}
		cands = append(cands, c)
	}
	rows.Close()

	requeued, timedOut := 0, 0
	for _, c := range cands {
		started, err := time.Parse(time.RFC3339Nano, c.startedAt)
		if err != nil {
			continue
		}
		deadline := started.Add(time.Duration(c.timeoutMs) * time.Millisecond)
		if now.Before(deadline) {
			continue
		}
		if c.attempts < c.maxAttempts {
			res, err := s.exec(ctx, `UPDATE queue_items SET status = ?, error = ?, started_at = NULL, updated_at = ?
				WHERE id = ? AND status = ?`, QueuePending, "Timeout", nowStr(), c.id, QueueProcessing)
			if err != nil {
				return requeued, timedOut, fmt.Errorf("requeue timed out item: %w", err)
			}
			if n, _ := res.RowsAffected(); n > 0 {
				requeued++
			}
		} else {
			res, err := s.exec(ctx, `UPDATE queue_items SET status = ?, error = ?, updated_at = ?
				WHERE id = ? AND status = ?`, QueueTimeout, "Timeout", nowStr(), c.id, QueueProcessing)
			if err != nil {
				return requeued, timedOut, fmt.Errorf("time out item: %w", err)
			}
			if n, _ := res.RowsAffected(); n > 0 {
				timedOut++
			}
		}
	}
	return requeued, timedOut, nil
}

func (s *sqlStore) CompleteQueueItem(ctx context.Context, itemID, runID string) error {
	_, err := s.exec(ctx, `UPDATE queue_items SET status = ?, run_id = ?, updated_at = ? WHERE id = ?`,
		QueueCompleted, runID, nowStr(), itemID)
	if err != nil {
		return fmt.Errorf("complete queue item: %w", err)
	}
	return nil
}

func (s *sqlStore) FailQueueItem(ctx context.Context, itemID, reason string) error {
	_, err := s.exec(ctx, `UPDATE queue_items SET status = ?, error = ?, updated_at = ? WHERE id = ?`,
		QueueFailed, reason, nowStr(), itemID)
	if err != nil {
		return fmt.Errorf("fail queue item: %w", err)
	}
	return nil
}

func (s *sqlStore) CancelQueueItem(ctx context.Context, itemID, reason string) error {
	res, err := s.exec(ctx, `UPDATE queue_items SET status = ?, error = ?, updated_at = ?
		WHERE id = ? AND status IN (?, ?)`, QueueCancelled, reason, nowStr(), itemID, QueuePending, QueueProcessing)
	if err != nil {
		return fmt.Errorf("cancel queue item: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrTerminalState
	}
	return nil
}

// --- policies & role bindings ----------------------------------------------

func (s *sqlStore) UpsertPolicy(ctx context.Context, p PolicyRecord) error {
	if p.ID == "" {
		p.ID = newID()
	}
	now := nowStr()
	_, err := s.exec(ctx, `INSERT INTO policies (id, tenant_id, name, priority, effect,
			subject_conditions, resource_conditions, actions, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET tenant_id = excluded.tenant_id, name = excluded.name,
			priority = excluded.priority, effect = excluded.effect,
			subject_conditions = excluded.subject_conditions, resource_conditions = excluded.resource_conditions,
			actions = excluded.actions, updated_at = excluded.updated_at`,
		p.ID, p.TenantID, p.Name, p.Priority, p.Effect, p.SubjectConditions, p.ResourceConditions, p.Actions, now, now)
	if err != nil {
		return fmt.Errorf("upsert policy: %w", err)
	}
	return nil
}

func (s *sqlStore) ListPolicies(ctx context.Context, tenantID string) ([]PolicyRecord, error) {
	rows, err := s.query(ctx, `SELECT id, tenant_id, name, priority, effect, subject_conditions,
		resource_conditions, actions, created_at, updated_at FROM policies
		WHERE tenant_id = ? OR tenant_id = '' ORDER BY priority DESC, created_at ASC`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list policies: %w", err)
	}
	defer rows.Close()
	var out []PolicyRecord
	for rows.Next() {
		var p PolicyRecord
		var createdAt, updatedAt string
		if err := rows.Scan(&p.ID, &p.TenantID, &p.Name, &p.Priority, &p.Effect,
			&p.SubjectConditions, &p.ResourceConditions, &p.Actions, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		p.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		p.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *sqlStore) DeletePolicy(ctx context.Context, id string) error {
	_, err := s.exec(ctx, `DELETE FROM policies WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete policy: %w", err)
	}
	return nil
}

func (s *sqlStore) UpsertRoleBinding(ctx context.Context, rb RoleBindingRecord) error {
	if rb.ID == "" {
		rb.ID = newID()
	}
	_, err := s.exec(ctx, `INSERT INTO role_bindings (id, tenant_id, subject, role, created_at)
		VALUES (?, ?, ?, ?, ?) ON CONFLICT(tenant_id, subject, role) DO NOTHING`,
		rb.ID, rb.TenantID, rb.Subject, rb.Role, nowStr())
	if err != nil {
		return fmt.Errorf("upsert role binding: %w", err)
	}
	return nil
}

func (s *sqlStore) ListRoleBindings(ctx context.Context, tenantID, subject string) ([]RoleBindingRecord, error) {
	rows, err := s.query(ctx, `SELECT id, tenant_id, subject, role, created_at FROM role_bindings
		WHERE subject = ? AND (tenant_id = ? OR tenant_id = '')`, subject, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list role bindings: %w", err)
	}
	defer rows.Close()
	var out []RoleBindingRecord
	for rows.Next() {
		var rb RoleBindingRecord
		var createdAt string
		if err := rows.Scan(&rb.ID, &rb.TenantID, &rb.Subject, &rb.Role, &createdAt); err != nil {
			return nil, err
		}
		rb.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		out = append(out, rb)
	}
	return out, rows.Err()
}

// --- provider jobs ----------------------------------------------------

func (s *sqlStore) CreateProviderJob(ctx context.Context, j ProviderJobRecord) (*ProviderJobRecord, error) {
	if j.ID == "" {
		j.ID = newID()
	}
	now := nowStr()
	_, err := s.exec(ctx, `INSERT INTO provider_jobs (id, provider, external_id, run_id, status,
		progress, result_url, cost, error, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.Provider, j.ExternalID, j.RunID, j.Status, j.Progress, j.ResultURL, j.Cost, j.Error, now, now)
	if err != nil {
		return nil, fmt.Errorf("create provider job: %w", err)
	}
	return s.GetProviderJob(ctx, j.ID)
}

func (s *sqlStore) GetProviderJob(ctx context.Context, id string) (*ProviderJobRecord, error) {
	var j ProviderJobRecord
	var createdAt, updatedAt string
	err := s.queryRow(ctx, `SELECT id, provider, external_id, run_id, status, progress, result_url,
		cost, error, created_at, updated_at FROM provider_jobs WHERE id = ?`, id).Scan(
		&j.ID, &j.Provider, &j.ExternalID, &j.RunID, &j.Status, &j.Progress, &j.ResultURL,
		&j.Cost, &j.Error, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get provider job: %w", err)
	}
	j.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	j.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &j, nil
}

func (s *sqlStore) ListProviderJobsByStatus(ctx context.Context, provider string, statuses []string) ([]ProviderJobRecord, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(statuses)), ",")
	args := []interface{}{provider}
	for _, st := range statuses {
		args = append(args, st)
	}
	rows, err := s.query(ctx, `SELECT id, provider, external_id, run_id, status, progress, result_url,
		cost, error, created_at, updated_at FROM provider_jobs WHERE provider = ? AND status IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("list provider jobs: %w", err)
	}
	defer rows.Close()
	var out []ProviderJobRecord
	for rows.Next() {
		var j ProviderJobRecord
		var createdAt, updatedAt string
		if err := rows.Scan(&j.ID, &j.Provider, &j.ExternalID, &j.RunID, &j.Status, &j.Progress,
			&j.ResultURL, &j.Cost, &j.Error, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		j.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		j.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *sqlStore) UpdateProviderJobStatus(ctx context.Context, id, status string, progress int, resultURL string, cost float64, errMsg string) error {
	_, err := s.exec(ctx, `UPDATE provider_jobs SET status = ?, progress = ?, result_url = ?, cost = ?,
		error = ?, updated_at = ? WHERE id = ?`, status, progress, resultURL, cost, errMsg, nowStr(), id)
	if err != nil {
		return fmt.Errorf("update provider job: %w", err)
	}
	return nil
}

// --- api keys -----------------------------------------------------------

func (s *sqlStore) CreateAPIKey(ctx context.Context, k APIKeyRecord) error {
	if k.ID == "" {
		k.ID = newID()
	}
	_, err := s.exec(ctx, `INSERT INTO api_keys (id, tenant_id, name, key_hash, key_prefix, scopes,
		created_at, enabled) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		k.ID, k.TenantID, k.Name, k.KeyHash, k.KeyPrefix, k.Scopes, nowStr(), boolToInt(k.Enabled))
	if err != nil {
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

func scanAPIKey(row interface{ Scan(...interface{}) error }) (*APIKeyRecord, error) {
	var k APIKeyRecord
	var createdAt string
	var lastUsed, expiresAt sql.NullString
	var enabled int
	if err := row.Scan(&k.ID, &k.TenantID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.Scopes,
		&createdAt, &lastUsed, &expiresAt, &enabled); err != nil {
		return nil, err
	}
	k.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	k.Enabled = enabled != 0
	if lastUsed.Valid {
		t, err := time.Parse(time.RFC3339Nano, lastUsed.String)
		if err == nil {
			k.LastUsedAt = &t
		}
	}
	if expiresAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, expiresAt.String)
		if err == nil {
			k.ExpiresAt = &t
		}
	}
	return &k, nil
}

func (s *sqlStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) (*APIKeyRecord, error) {
	row := s.queryRow(ctx, `SELECT id, tenant_id, name, key_hash, key_prefix, scopes, created_at,
		last_used_at, expires_at, enabled FROM api_keys WHERE key_prefix = ?`, prefix)
	k, err := scanAPIKey(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get api key: %w", err)
	}
	return k, nil
}

func (s *sqlStore) TouchAPIKeyLastUsed(ctx context.Context, id string, at time.Time) error {
	_, err := s.exec(ctx, `UPDATE api_keys SET last_used_at = ? WHERE id = ?`, at.UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("touch api key: %w", err)
	}
	return nil
}

func (s *sqlStore) ListAPIKeys(ctx context.Context, tenantID string) ([]APIKeyRecord, error) {
	rows, err := s.query(ctx, `SELECT id, tenant_id, name, key_hash, key_prefix, scopes, created_at,
		last_used_at, expires_at, enabled FROM api_keys WHERE tenant_id = ?`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	defer rows.Close()
	var out []APIKeyRecord
	for rows.Next() {
		k, err := scanAPIKey(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *k)
	}
	return out, rows.Err()
}

func (s *sqlStore) RevokeAPIKey(ctx context.Context, id string) error {
	_, err := s.exec(ctx, `UPDATE api_keys SET enabled = 0 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
