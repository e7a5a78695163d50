package controlplane

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-logr/logr"

	"github.com/runloom/controlplane/internal/executor"
	"github.com/runloom/controlplane/internal/ledger"
	"github.com/runloom/controlplane/internal/policy"
	"github.com/runloom/controlplane/internal/quota"
	"github.com/runloom/controlplane/internal/queue"
	"github.com/runloom/controlplane/internal/tenant"
)

type fakeWorker struct{ invocations int }

func (w *fakeWorker) Invoke(ctx context.Context, tier executor.Tier, input []byte) (executor.StepOutcome, error) {
	w.invocations++
	return executor.StepOutcome{Tokens: 10, Cost: 0.001, Output: []byte("ok"), Done: true}, nil
}

func newTestControlPlane(t *testing.T) (*ControlPlane, ledger.Store, *tenant.Registry, *fakeWorker) {
	t.Helper()
	store, err := ledger.OpenSQLite(filepath.Join(t.TempDir(), "controlplane-test.db"))
	if err != nil {
		t.Fatalf("open test ledger: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	registry := tenant.NewRegistry()
	registry.Upsert(tenant.Tenant{
		ID:     "tenant-a",
		Tier:   "gold",
		Status: tenant.StatusActive,
		Quota:  tenant.Quota{ConcurrencyCap: 10, QueueDepthCap: 10, MaxPerMinute: 100, MaxPerHour: 1000, MaxPerDay: 10000},
	})

	qt := quota.NewTracker(store, logr.Discard())
	fq := queue.NewFairQueue(store, qt, logr.Discard(), nil, 10)
	policyEngine := policy.NewEngine(store, logr.Discard(), nil)
	exec := executor.NewExecutor(store, executor.DefaultConfig(), nil, nil, logr.Discard())

	worker := &fakeWorker{}
	cp := New(Deps{
		Store:   store,
		Tenants: registry,
		Policy:  policyEngine,
		Quota:   qt,
		Queue:   fq,
		Exec:    exec,
		Workers: func(agentID string) (executor.Worker, error) { return worker, nil },
		Log:     logr.Discard(),
	})
	return cp, store, registry, worker
}

func TestSubmitAdmitsRunAndQueueItem(t *testing.T) {
	cp, _, _, _ := newTestControlPlane(t)

	result, err := cp.Submit(context.Background(), SubmitRequest{
		TenantID:       "tenant-a",
		AgentID:        "agent-1",
		Payload:        []byte("hello"),
		IdempotencyKey: "idem-1",
		Budget:         ledger.Budget{MaxTokens: 1000, MaxCost: 1.0, MaxDuration: time.Hour, MaxSteps: 10},
		Effort:         executor.EffortMedium,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if result.Run.Status != ledger.RunPending {
		t.Fatalf("expected pending run, got %s", result.Run.Status)
	}
	if result.QueueItem.Status != ledger.QueuePending {
		t.Fatalf("expected pending queue item, got %s", result.QueueItem.Status)
	}
}

func TestSubmitIsIdempotent(t *testing.T) {
	cp, _, _, _ := newTestControlPlane(t)
	req := SubmitRequest{
		TenantID:       "tenant-a",
		AgentID:        "agent-1",
		Payload:        []byte("hello"),
		IdempotencyKey: "idem-dup",
		Budget:         ledger.Budget{MaxTokens: 1000, MaxCost: 1.0, MaxDuration: time.Hour, MaxSteps: 10},
		Effort:         executor.EffortMedium,
	}

	first, err := cp.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("first submit: %v", err)
	}
	second, err := cp.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("second submit: %v", err)
	}
	if first.Run.ID != second.Run.ID {
		t.Fatalf("expected idempotent submits to resolve the same run, got %s and %s", first.Run.ID, second.Run.ID)
	}
}

func TestSubmitRejectsUnknownTenant(t *testing.T) {
	cp, _, _, _ := newTestControlPlane(t)

	_, err := cp.Submit(context.Background(), SubmitRequest{
		TenantID:       "no-such-tenant",
		AgentID:        "agent-1",
		IdempotencyKey: "idem-2",
		Budget:         ledger.Budget{MaxTokens: 1000, MaxCost: 1.0, MaxDuration: time.Hour, MaxSteps: 10},
	})
	if err == nil {
		t.Fatal("expected an error submitting for an unknown tenant")
	}
}

func TestSubmitRejectsPolicyDeny(t *testing.T) {
	cp, store, _, _ := newTestControlPlane(t)

	rec, err := policy.EncodePolicy(policy.Policy{
		ID: "deny-all", TenantID: "tenant-a", Name: "deny-all", Priority: 1, Effect: policy.Deny,
		Actions: []string{"submit"},
	})
	if err != nil {
		t.Fatalf("encode policy: %v", err)
	}
	if err := store.UpsertPolicy(context.Background(), rec); err != nil {
		t.Fatalf("upsert policy: %v", err)
	}

	_, err = cp.Submit(context.Background(), SubmitRequest{
		TenantID:       "tenant-a",
		AgentID:        "agent-1",
		SubjectID:      "user-1",
		IdempotencyKey: "idem-3",
		Budget:         ledger.Budget{MaxTokens: 1000, MaxCost: 1.0, MaxDuration: time.Hour, MaxSteps: 10},
	})
	if err == nil {
		t.Fatal("expected a policy deny to reject submission")
	}
}

func TestGetRunReturnsRunAndSteps(t *testing.T) {
	cp, _, _, _ := newTestControlPlane(t)

	result, err := cp.Submit(context.Background(), SubmitRequest{
		TenantID:       "tenant-a",
		AgentID:        "agent-1",
		Payload:        []byte("hi"),
		IdempotencyKey: "idem-4",
		Budget:         ledger.Budget{MaxTokens: 1000, MaxCost: 1.0, MaxDuration: time.Hour, MaxSteps: 10},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	run, steps, err := cp.GetRun(context.Background(), result.Run.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run.ID != result.Run.ID {
		t.Fatalf("expected matching run id, got %s", run.ID)
	}
	if len(steps) != 0 {
		t.Fatalf("expected no steps before dispatch, got %d", len(steps))
	}
}

func TestDriveItemCompletesRunAndQueueItem(t *testing.T) {
	cp, store, _, worker := newTestControlPlane(t)

	result, err := cp.Submit(context.Background(), SubmitRequest{
		TenantID:       "tenant-a",
		AgentID:        "agent-1",
		Payload:        []byte("hi"),
		IdempotencyKey: "idem-5",
		Budget:         ledger.Budget{MaxTokens: 1000, MaxCost: 1.0, MaxDuration: time.Hour, MaxSteps: 10},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	dequeued, err := store.DequeueCAS(context.Background(), result.QueueItem.ID, time.Now().UTC())
	if err != nil {
		t.Fatalf("dequeue cas: %v", err)
	}

	cp.driveItem(context.Background(), dequeued)

	if worker.invocations != 1 {
		t.Fatalf("expected exactly 1 worker invocation, got %d", worker.invocations)
	}

	run, err := store.GetRun(context.Background(), result.Run.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run.Status != ledger.RunCompleted {
		t.Fatalf("expected run completed, got %s", run.Status)
	}

	item, err := store.GetQueueItem(context.Background(), result.QueueItem.ID)
	if err != nil {
		t.Fatalf("get queue item: %v", err)
	}
	if item.Status != ledger.QueueCompleted {
		t.Fatalf("expected queue item completed, got %s", item.Status)
	}
}

func TestCancelRunClosesRegisteredSignal(t *testing.T) {
	cp, _, _, _ := newTestControlPlane(t)

	result, err := cp.Submit(context.Background(), SubmitRequest{
		TenantID:       "tenant-a",
		AgentID:        "agent-1",
		IdempotencyKey: "idem-6",
		Budget:         ledger.Budget{MaxTokens: 1000, MaxCost: 1.0, MaxDuration: time.Hour, MaxSteps: 10},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	ch := cp.registerCancel(result.Run.ID)

	if _, err := cp.CancelRun(context.Background(), result.Run.ID, "test cancel"); err != nil {
		t.Fatalf("cancel run: %v", err)
	}

	select {
	case <-ch:
	default:
		t.Fatal("expected the registered cancel channel to be closed")
	}
}

func TestCancelQueueItem(t *testing.T) {
	cp, store, _, _ := newTestControlPlane(t)

	result, err := cp.Submit(context.Background(), SubmitRequest{
		TenantID:       "tenant-a",
		AgentID:        "agent-1",
		IdempotencyKey: "idem-7",
		Budget:         ledger.Budget{MaxTokens: 1000, MaxCost: 1.0, MaxDuration: time.Hour, MaxSteps: 10},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	if err := cp.CancelQueueItem(context.Background(), "tenant-a", result.QueueItem.ID, "user requested"); err != nil {
		t.Fatalf("cancel queue item: %v", err)
	}

	item, err := store.GetQueueItem(context.Background(), result.QueueItem.ID)
	if err != nil {
		t.Fatalf("get queue item: %v", err)
	}
	if item.Status != ledger.QueueCancelled {
		t.Fatalf("expected cancelled status, got %s", item.Status)
	}
}
