// Command controlplaned is the reference process: it wires the Ledger,
// Policy Engine, Quota Tracker, Fair Queue, Budget Executor, and
// Provider-Job Tracker behind a small HTTP surface (submit/get/cancel,
// health, and Prometheus metrics) and runs the dispatch, aging, and
// timeout-sweep loops in the background.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/runloom/controlplane/internal/authn"
	"github.com/runloom/controlplane/internal/config"
	"github.com/runloom/controlplane/internal/controlplane"
	"github.com/runloom/controlplane/internal/executor"
	"github.com/runloom/controlplane/internal/ledger"
	"github.com/runloom/controlplane/internal/metrics"
	"github.com/runloom/controlplane/internal/policy"
	"github.com/runloom/controlplane/internal/providerjob"
	"github.com/runloom/controlplane/internal/provenance"
	"github.com/runloom/controlplane/internal/quota"
	"github.com/runloom/controlplane/internal/queue"
	"github.com/runloom/controlplane/internal/telemetry"
	"github.com/runloom/controlplane/internal/tenant"
)

const serviceName = "controlplaned"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, zl, err := telemetry.NewLogger(cfg.Development)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer zl.Sync()
	log = log.WithName(serviceName)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.TracingEndpoint != "" {
		tp, err := telemetry.InitTracerProvider(ctx, cfg.TracingEndpoint, serviceName)
		if err != nil {
			return fmt.Errorf("init tracer provider: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tp.Shutdown(shutdownCtx); err != nil {
				log.Error(err, "shutdown tracer provider")
			}
		}()
	}

	store, err := openLedger(cfg)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer store.Close()

	provDB, err := openProvenanceDB(cfg)
	if err != nil {
		return fmt.Errorf("open provenance database: %w", err)
	}
	defer provDB.Close()

	prov, err := provenance.Open(provDB, cfg.StorageDriver, log)
	if err != nil {
		return fmt.Errorf("open provenance sink: %w", err)
	}

	m := metrics.New()

	tenants, err := loadTenantRegistry(ctx, store)
	if err != nil {
		return fmt.Errorf("load tenant registry: %w", err)
	}

	if cfg.RoleSeedFile != "" {
		n, err := policy.LoadRoleSeedFile(ctx, store, cfg.RoleSeedFile)
		if err != nil {
			return fmt.Errorf("load role seed file: %w", err)
		}
		log.Info("loaded role seed bindings", "count", n)
	}

	policyEngine := policy.NewEngine(store, log, m)
	quotaTracker := quota.NewTracker(store, log)
	fairQueue := queue.NewFairQueue(store, quotaTracker, log, m, cfg.GlobalConcurrencyCap)

	execCfg := executor.DefaultConfig()
	execCfg.StepTimeout = cfg.DefaultStepTimeout
	exec := executor.NewExecutor(store, execCfg, prov, m, log)

	jobs := providerjob.NewTracker(store, log, m)
	jobs.OnTerminal(func(ctx context.Context, job ledger.ProviderJobRecord) {
		log.Info("provider job reached terminal state", "provider", job.Provider, "jobId", job.ID, "status", job.Status)
	})
	jobs.Start()
	defer jobs.Stop()

	authenticator := authn.NewAuthenticator(store, log)

	cp := controlplane.New(controlplane.Deps{
		Store:      store,
		Tenants:    tenants,
		Policy:     policyEngine,
		Quota:      quotaTracker,
		Queue:      fairQueue,
		Exec:       exec,
		Jobs:       jobs,
		Workers:    httpWorkerFactory(cfg.WorkerEndpoint),
		Metrics:    m,
		Log:        log,
		TierFloors: cfg.TierFloorByTenantTier,
	})

	tenantCap := func(tenantID string) int {
		t, ok := tenants.Get(tenantID)
		if !ok {
			return 0
		}
		return t.Quota.ConcurrencyCap
	}

	go cp.RunDispatchLoop(ctx, cfg.QueuePollInterval, tenantCap)
	lastAged := time.Now().UTC()
	go cp.RunAgingLoop(ctx, cfg.QueuePollInterval, cfg.AgingRatePerMinute, func() time.Time {
		prev := lastAged
		lastAged = time.Now().UTC()
		return prev
	})
	go cp.RunTimeoutSweepLoop(ctx, cfg.TimeoutSweepInterval)

	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: newAPI(cp, authenticator, m).routes(),
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error(err, "http server shutdown")
		}
	}()

	log.Info("controlplaned listening", "addr", cfg.HTTPAddr, "driver", cfg.StorageDriver)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

func openLedger(cfg config.Config) (ledger.Store, error) {
	switch cfg.StorageDriver {
	case "sqlite":
		return ledger.OpenSQLite(cfg.StorageDSN)
	case "postgres":
		return ledger.OpenPostgres(cfg.StorageDSN)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.StorageDriver)
	}
}

// openProvenanceDB opens a second, independent *sql.DB for the provenance
// sink. The Ledger's Store interface never exposes its own handle — by
// design, the provenance sink must be able to lose its connection, or even
// its whole database, without taking the Ledger down with it — so this
// dials the same backend fresh, relying on the blank-import driver
// registration the ledger package already performed.
func openProvenanceDB(cfg config.Config) (*sql.DB, error) {
	switch cfg.StorageDriver {
	case "sqlite":
		dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)",
			url.PathEscape(cfg.StorageDSN))
		return sql.Open("sqlite", dsn)
	case "postgres":
		return sql.Open("pgx", cfg.StorageDSN)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.StorageDriver)
	}
}

func loadTenantRegistry(ctx context.Context, store ledger.Store) (*tenant.Registry, error) {
	reg := tenant.NewRegistry()
	records, err := store.ListTenants(ctx)
	if err != nil {
		return nil, err
	}
	for _, r := range records {
		allowlist, err := store.GetAgentAllowlist(ctx, r.ID)
		if err != nil {
			return nil, fmt.Errorf("load agent allowlist for tenant %s: %w", r.ID, err)
		}
		reg.Upsert(tenant.Tenant{
			ID:     r.ID,
			Name:   r.Name,
			Tier:   r.Tier,
			Status: tenant.Status(r.Status),
			Quota: tenant.Quota{
				ConcurrencyCap:  r.ConcurrencyCap,
				QueueDepthCap:   r.QueueDepthCap,
				MaxPerMinute:    r.MaxPerMinute,
				MaxPerHour:      r.MaxPerHour,
				MaxPerDay:       r.MaxPerDay,
				PriorityBoost:   r.PriorityBoost,
				FairShareWeight: r.FairShareWeight,
			},
			Limits: tenant.Limits{
				MaxRunsPerDay:   r.MaxRunsPerDay,
				MaxCostPerDay:   r.MaxCostPerDay,
				MaxTokensPerRun: r.MaxTokensPerRun,
				MaxStorageBytes: r.MaxStorageBytes,
			},
			AgentAllowlist: allowlist,
			CreatedAt:      r.CreatedAt,
			UpdatedAt:      r.UpdatedAt,
		})
	}
	return reg, nil
}

// api is the thin JSON/HTTP surface over the reference harness.
type api struct {
	cp   *controlplane.ControlPlane
	auth *authn.Authenticator
	m    *metrics.Metrics
}

func newAPI(cp *controlplane.ControlPlane, auth *authn.Authenticator, m *metrics.Metrics) *api {
	return &api{cp: cp, auth: auth, m: m}
}

func (a *api) routes() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.m.Registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/v1/runs", a.withAuth(a.handleSubmit))
	mux.HandleFunc("/v1/runs/", a.withAuth(a.handleRunByID))
	mux.HandleFunc("/v1/queue-items/", a.withAuth(a.handleQueueItemByID))
	return mux
}

func (a *api) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get("Authorization")
		if len(token) > 7 && token[:7] == "Bearer " {
			token = token[7:]
		}
		if token == "" {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}
		identity, err := a.auth.Validate(r.Context(), token)
		if err != nil {
			http.Error(w, "invalid api key", http.StatusUnauthorized)
			return
		}
		ctx := context.WithValue(r.Context(), identityKey{}, identity)
		next(w, r.WithContext(ctx))
	}
}

type identityKey struct{}

func identityFrom(ctx context.Context) *authn.Identity {
	id, _ := ctx.Value(identityKey{}).(*authn.Identity)
	return id
}

type submitPayload struct {
	AgentID        string                 `json:"agentId"`
	Payload        json.RawMessage        `json:"payload"`
	IdempotencyKey string                 `json:"idempotencyKey"`
	TraceID        string                 `json:"traceId"`
	Priority       int                    `json:"priority"`
	TimeoutMs      int64                  `json:"timeoutMs"`
	MaxAttempts    int                    `json:"maxAttempts"`
	Budget         ledger.Budget          `json:"budget"`
	Effort         executor.EffortLevel   `json:"effort"`
	SubjectAttrs   map[string]interface{} `json:"subjectAttributes,omitempty"`
}

func (a *api) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	identity := identityFrom(r.Context())
	var req submitPayload
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}
	result, err := a.cp.Submit(r.Context(), controlplane.SubmitRequest{
		TenantID:       identity.TenantID,
		AgentID:        req.AgentID,
		Payload:        req.Payload,
		IdempotencyKey: req.IdempotencyKey,
		TraceID:        req.TraceID,
		Priority:       req.Priority,
		TimeoutMs:      req.TimeoutMs,
		MaxAttempts:    req.MaxAttempts,
		Budget:         req.Budget,
		Effort:         req.Effort,
		SubjectID:      identity.KeyID,
		SubjectAttrs:   req.SubjectAttrs,
	})
	if err != nil {
		writeSubmitError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, result)
}

func writeSubmitError(w http.ResponseWriter, err error) {
	var pfErr *executor.PreflightError
	if errors.As(err, &pfErr) {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{
			"error":           err.Error(),
			"suggestedBudget": pfErr.SuggestedBudget,
		})
		return
	}
	var rej *queue.Rejection
	if errors.As(err, &rej) {
		writeJSON(w, http.StatusTooManyRequests, map[string]interface{}{
			"error":  err.Error(),
			"reason": rej.Reason,
		})
		return
	}
	http.Error(w, err.Error(), http.StatusBadRequest)
}

func (a *api) handleRunByID(w http.ResponseWriter, r *http.Request) {
	runID := r.URL.Path[len("/v1/runs/"):]
	if runID == "" {
		http.Error(w, "missing run id", http.StatusBadRequest)
		return
	}
	switch r.Method {
	case http.MethodGet:
		run, steps, err := a.cp.GetRun(r.Context(), runID)
		if err != nil {
			writeNotFoundable(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"run": run, "steps": steps})
	case http.MethodDelete:
		run, err := a.cp.CancelRun(r.Context(), runID, "cancelled via api")
		if err != nil {
			writeNotFoundable(w, err)
			return
		}
		writeJSON(w, http.StatusOK, run)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (a *api) handleQueueItemByID(w http.ResponseWriter, r *http.Request) {
	itemID := r.URL.Path[len("/v1/queue-items/"):]
	if itemID == "" {
		http.Error(w, "missing queue item id", http.StatusBadRequest)
		return
	}
	switch r.Method {
	case http.MethodGet:
		item, err := a.cp.GetQueueItem(r.Context(), itemID)
		if err != nil {
			writeNotFoundable(w, err)
			return
		}
		writeJSON(w, http.StatusOK, item)
	case http.MethodDelete:
		identity := identityFrom(r.Context())
		if err := a.cp.CancelQueueItem(r.Context(), identity.TenantID, itemID, "cancelled via api"); err != nil {
			writeNotFoundable(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func writeNotFoundable(w http.ResponseWriter, err error) {
	if errors.Is(err, ledger.ErrNotFound) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// httpWorkerFactory resolves every agent to the same HTTP-backed Worker
// pointed at workerEndpoint; a deployment fronting multiple worker fleets
// would key this off agentID instead.
func httpWorkerFactory(workerEndpoint string) controlplane.WorkerFactory {
	return func(agentID string) (executor.Worker, error) {
		if workerEndpoint == "" {
			return nil, fmt.Errorf("no worker endpoint configured for agent %s", agentID)
		}
		return newHTTPWorker(workerEndpoint), nil
	}
}
