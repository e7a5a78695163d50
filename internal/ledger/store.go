package ledger

import (
	"context"
	"time"
)

// Store is the durable, transactional state backing every other subsystem.
// It is the only component in the system allowed direct write access to
// shared state; everything else — the fair queue, the budget executor, the
// policy engine, the quota tracker, the provider-job tracker — reads and
// writes exclusively through this interface. Implementations must make the
// compound operations (CreateOrGetRun, AppendStep, CompleteRun/PartialRun/
// FailRun, DequeueCAS) atomic with respect to concurrent callers.
type Store interface {
	// Runs and steps.
	CreateOrGetRun(ctx context.Context, params CreateRunParams) (run *Run, created bool, err error)
	GetRun(ctx context.Context, id string) (*Run, error)
	GetRunByIdempotencyKey(ctx context.Context, key string) (*Run, error)
	MarkRunRunning(ctx context.Context, id string) (*Run, error)
	AppendStep(ctx context.Context, runID string, index int, tier, inputHash string) (step *Step, existed bool, err error)
	CompleteStep(ctx context.Context, stepID string, tokens int64, cost float64, dur time.Duration, outputHash string) error
	FailStep(ctx context.Context, stepID string, dur time.Duration, reason string) error
	ListSteps(ctx context.Context, runID string) ([]Step, error)
	RecordTierDemotion(ctx context.Context, runID, newTier string) error
	CompleteRun(ctx context.Context, runID string, output []byte, consumed Consumed) (*Run, error)
	PartialRun(ctx context.Context, runID string, output []byte, consumed Consumed, reason string) (*Run, error)
	FailRun(ctx context.Context, runID string, consumed Consumed, reason string) (*Run, error)
	CancelRun(ctx context.Context, runID, reason string) (*Run, error)

	// Tenant-day usage aggregates.
	RecordUsage(ctx context.Context, tenantID, day string, runs int, tokens int64, cost float64, storage int64) error
	GetUsage(ctx context.Context, tenantID, day string) (*UsageCounter, error)

	// Tenants.
	UpsertTenant(ctx context.Context, t TenantRecord) error
	GetTenant(ctx context.Context, id string) (*TenantRecord, error)
	ListTenants(ctx context.Context) ([]TenantRecord, error)
	SetAgentAllowlist(ctx context.Context, tenantID string, agentIDs []string) error
	GetAgentAllowlist(ctx context.Context, tenantID string) ([]string, error)

	// Rate windows (admission quota tracker).
	IncrementRateWindows(ctx context.Context, tenantID string, at time.Time) error
	CountRateWindow(ctx context.Context, tenantID string, kind RateWindowKind, at time.Time) (int, error)
	PruneRateWindows(ctx context.Context, olderThan time.Time) (int, error)

	// Fair queue.
	Enqueue(ctx context.Context, item QueueItem) (*QueueItem, error)
	GetQueueItem(ctx context.Context, id string) (*QueueItem, error)
	GetQueueItemByRunID(ctx context.Context, runID string) (*QueueItem, error)
	CountQueueDepth(ctx context.Context, tenantID string) (int, error)
	ListDequeueCandidates(ctx context.Context, limit int, now time.Time) ([]QueueItem, error)
	DequeueCAS(ctx context.Context, itemID string, now time.Time) (*QueueItem, error)
	AgeQueue(ctx context.Context, ratePerMinute float64, since time.Time) (int, error)
	SweepTimeouts(ctx context.Context, now time.Time) (requeued int, timedOut int, err error)
	CompleteQueueItem(ctx context.Context, itemID, runID string) error
	FailQueueItem(ctx context.Context, itemID, reason string) error
	CancelQueueItem(ctx context.Context, itemID, reason string) error

	// ABAC policies and role bindings.
	UpsertPolicy(ctx context.Context, p PolicyRecord) error
	ListPolicies(ctx context.Context, tenantID string) ([]PolicyRecord, error)
	DeletePolicy(ctx context.Context, id string) error
	UpsertRoleBinding(ctx context.Context, rb RoleBindingRecord) error
	ListRoleBindings(ctx context.Context, tenantID, subject string) ([]RoleBindingRecord, error)

	// Provider jobs.
	CreateProviderJob(ctx context.Context, j ProviderJobRecord) (*ProviderJobRecord, error)
	GetProviderJob(ctx context.Context, id string) (*ProviderJobRecord, error)
	ListProviderJobsByStatus(ctx context.Context, provider string, statuses []string) ([]ProviderJobRecord, error)
	UpdateProviderJobStatus(ctx context.Context, id, status string, progress int, resultURL string, cost float64, errMsg string) error

	// API keys.
	CreateAPIKey(ctx context.Context, k APIKeyRecord) error
	GetAPIKeyByPrefix(ctx context.Context, prefix string) (*APIKeyRecord, error)
	TouchAPIKeyLastUsed(ctx context.Context, id string, at time.Time) error
	ListAPIKeys(ctx context.Context, tenantID string) ([]APIKeyRecord, error)
	RevokeAPIKey(ctx context.Context, id string) error

	Close() error
}
