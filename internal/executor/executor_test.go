package executor

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-logr/logr"

	"github.com/runloom/controlplane/internal/ledger"
)

type fakeWorker struct {
	invocations int
	outcomes    []StepOutcome
	err         error
}

func (w *fakeWorker) Invoke(ctx context.Context, tier Tier, input []byte) (StepOutcome, error) {
	if w.err != nil {
		return StepOutcome{}, w.err
	}
	i := w.invocations
	w.invocations++
	if i < len(w.outcomes) {
		return w.outcomes[i], nil
	}
	return w.outcomes[len(w.outcomes)-1], nil
}

func newTestStore(t *testing.T) ledger.Store {
	t.Helper()
	store, err := ledger.OpenSQLite(filepath.Join(t.TempDir(), "executor-test.db"))
	if err != nil {
		t.Fatalf("open test ledger: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func createTestRun(t *testing.T, store ledger.Store, budget ledger.Budget, tier string) *ledger.Run {
	t.Helper()
	run, _, err := store.CreateOrGetRun(context.Background(), ledger.CreateRunParams{
		IdempotencyKey: "idem-" + tier + "-" + time.Now().UTC().Format(time.RFC3339Nano),
		TenantID:       "tenant-a",
		AgentID:        "agent-1",
		InputPayload:   []byte("hello"),
		Budget:         budget,
		InitialTier:    tier,
	})
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	return run
}

func TestDriveCompletesRunInOneStep(t *testing.T) {
	store := newTestStore(t)
	run := createTestRun(t, store, ledger.Budget{MaxTokens: 1000, MaxCost: 1.0, MaxDuration: time.Hour, MaxSteps: 10}, "tier0")
	e := NewExecutor(store, DefaultConfig(), nil, nil, logr.Discard())
	worker := &fakeWorker{outcomes: []StepOutcome{{Tokens: 10, Cost: 0.01, Output: []byte("done"), Done: true}}}

	final, err := e.Drive(context.Background(), run, worker, "", nil)
	if err != nil {
		t.Fatalf("drive: %v", err)
	}
	if final.Status != ledger.RunCompleted {
		t.Fatalf("expected completed status, got %s", final.Status)
	}
	if final.Consumed.Steps != 1 {
		t.Fatalf("expected 1 step consumed, got %d", final.Consumed.Steps)
	}
	if worker.invocations != 1 {
		t.Fatalf("expected exactly 1 worker invocation, got %d", worker.invocations)
	}
}

func TestDriveRunsMultipleStepsBeforeCompleting(t *testing.T) {
	store := newTestStore(t)
	run := createTestRun(t, store, ledger.Budget{MaxTokens: 1000, MaxCost: 1.0, MaxDuration: time.Hour, MaxSteps: 10}, "tier0")
	e := NewExecutor(store, DefaultConfig(), nil, nil, logr.Discard())
	worker := &fakeWorker{outcomes: []StepOutcome{
		{Tokens: 5, Cost: 0.001, Done: false},
		{Tokens: 5, Cost: 0.001, Done: false},
		{Tokens: 5, Cost: 0.001, Output: []byte("final"), Done: true},
	}}

	final, err := e.Drive(context.Background(), run, worker, "", nil)
	if err != nil {
		t.Fatalf("drive: %v", err)
	}
	if final.Status != ledger.RunCompleted {
		t.Fatalf("expected completed status, got %s", final.Status)
	}
	if final.Consumed.Steps != 3 {
		t.Fatalf("expected 3 steps consumed, got %d", final.Consumed.Steps)
	}
	if worker.invocations != 3 {
		t.Fatalf("expected 3 worker invocations, got %d", worker.invocations)
	}
}

func TestDriveReachesPartialOnBudgetExhaustion(t *testing.T) {
	store := newTestStore(t)
	run := createTestRun(t, store, ledger.Budget{MaxTokens: 1000, MaxCost: 1.0, MaxDuration: time.Hour, MaxSteps: 1}, "tier0")
	e := NewExecutor(store, DefaultConfig(), nil, nil, logr.Discard())
	worker := &fakeWorker{outcomes: []StepOutcome{{Tokens: 5, Cost: 0.001, Done: false}}}

	final, err := e.Drive(context.Background(), run, worker, "", nil)
	if err != nil {
		t.Fatalf("drive: %v", err)
	}
	if final.Status != ledger.RunPartial {
		t.Fatalf("expected partial status once MaxSteps is exhausted, got %s", final.Status)
	}
	if final.FailureReason != "BUDGET_EXHAUSTED" {
		t.Fatalf("expected BUDGET_EXHAUSTED failure reason, got %q", final.FailureReason)
	}
}

func TestDriveDemotesTierWhenCostWouldExceedFraction(t *testing.T) {
	store := newTestStore(t)
	run := createTestRun(t, store, ledger.Budget{
		MaxTokens: 1000000, MaxCost: 0.01, MaxDuration: time.Hour, MaxSteps: 10, AllowDemote: true,
	}, "tier0")
	e := NewExecutor(store, DefaultConfig(), nil, nil, logr.Discard())
	worker := &fakeWorker{outcomes: []StepOutcome{{Tokens: 1, Cost: 0.0001, Output: []byte("ok"), Done: true}}}

	final, err := e.Drive(context.Background(), run, worker, "", nil)
	if err != nil {
		t.Fatalf("drive: %v", err)
	}
	if final.Status != ledger.RunCompleted {
		t.Fatalf("expected the run to complete after demotion, got %s", final.Status)
	}
	if final.Consumed.Downgrades != 1 {
		t.Fatalf("expected exactly 1 recorded downgrade, got %d", final.Consumed.Downgrades)
	}
	if final.Tier != "tier1" {
		t.Fatalf("expected tier demoted to tier1 before the completing step, got %s", final.Tier)
	}
}

func TestDriveFailsRunOnWorkerError(t *testing.T) {
	store := newTestStore(t)
	run := createTestRun(t, store, ledger.Budget{MaxTokens: 1000, MaxCost: 1.0, MaxDuration: time.Hour, MaxSteps: 10}, "tier0")
	e := NewExecutor(store, DefaultConfig(), nil, nil, logr.Discard())
	worker := &fakeWorker{err: errors.New("worker unreachable")}

	final, err := e.Drive(context.Background(), run, worker, "", nil)
	if err != nil {
		t.Fatalf("drive: %v", err)
	}
	if final.Status != ledger.RunFailed {
		t.Fatalf("expected failed status, got %s", final.Status)
	}
	if final.FailureReason != "worker unreachable" {
		t.Fatalf("expected failure reason from the worker error, got %q", final.FailureReason)
	}
}

func TestDriveHonorsCancelChannel(t *testing.T) {
	store := newTestStore(t)
	run := createTestRun(t, store, ledger.Budget{MaxTokens: 1000, MaxCost: 1.0, MaxDuration: time.Hour, MaxSteps: 10}, "tier0")
	e := NewExecutor(store, DefaultConfig(), nil, nil, logr.Discard())
	worker := &fakeWorker{outcomes: []StepOutcome{{Tokens: 1, Cost: 0.0001, Done: false}}}

	cancel := make(chan struct{})
	close(cancel)

	final, err := e.Drive(context.Background(), run, worker, "", cancel)
	if err != nil {
		t.Fatalf("drive: %v", err)
	}
	if final.Status != ledger.RunFailed {
		t.Fatalf("expected cancel to land in the terminal failed status, got %s", final.Status)
	}
	if final.FailureReason != "cancelled: cancelled by caller" {
		t.Fatalf("expected cancellation reason to be recorded, got %q", final.FailureReason)
	}
	if worker.invocations != 0 {
		t.Fatalf("expected no worker invocation once cancel fired before the first iteration, got %d", worker.invocations)
	}
}

func TestDriveRecoversFromCrashWithoutReinvokingWorker(t *testing.T) {
	store := newTestStore(t)
	run := createTestRun(t, store, ledger.Budget{MaxTokens: 1000, MaxCost: 1.0, MaxDuration: time.Hour, MaxSteps: 10}, "tier0")

	inputHash := ledger.HashInput(append(append([]byte{}, run.InputPayload...), byte(0)))
	step, existed, err := store.AppendStep(context.Background(), run.ID, 0, "tier0", inputHash)
	if err != nil {
		t.Fatalf("append step: %v", err)
	}
	if existed {
		t.Fatal("expected a fresh step to not already exist")
	}
	if err := store.CompleteStep(context.Background(), step.ID, 42, 0.02, time.Second, ledger.HashInput([]byte("recovered"))); err != nil {
		t.Fatalf("complete step: %v", err)
	}

	e := NewExecutor(store, DefaultConfig(), nil, nil, logr.Discard())
	worker := &fakeWorker{outcomes: []StepOutcome{{Tokens: 8, Cost: 0.001, Output: []byte("step 1 output"), Done: true}}}

	final, err := e.Drive(context.Background(), run, worker, "", nil)
	if err != nil {
		t.Fatalf("drive: %v", err)
	}
	// the recovered step (index 0) must not re-invoke the worker; only the
	// new step (index 1) that completes the run should.
	if worker.invocations != 1 {
		t.Fatalf("expected exactly 1 worker invocation for the step after recovery, got %d", worker.invocations)
	}
	if final.Consumed.Tokens != 42+8 {
		t.Fatalf("expected recovered step's accounted tokens (42) plus the new step's (8) to be reused, got %d", final.Consumed.Tokens)
	}
	if final.Consumed.Steps != 2 {
		t.Fatalf("expected 2 steps total (1 recovered + 1 new), got %d", final.Consumed.Steps)
	}
}
