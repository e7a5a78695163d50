// Package controlplane is the reference in-process harness wiring the
// Ledger, Policy Engine, Quota Tracker, Fair Queue, Budget Executor, and
// Provider-Job Tracker behind two operation names: Submit and Get/Cancel.
// Nothing here is a transport; it exists so the four core subsystems are
// callable, and testable, as one system.
package controlplane

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/runloom/controlplane/internal/executor"
	"github.com/runloom/controlplane/internal/ledger"
	"github.com/runloom/controlplane/internal/metrics"
	"github.com/runloom/controlplane/internal/policy"
	"github.com/runloom/controlplane/internal/providerjob"
	"github.com/runloom/controlplane/internal/quota"
	"github.com/runloom/controlplane/internal/queue"
	"github.com/runloom/controlplane/internal/tenant"
)

// WorkerFactory resolves the Worker that should execute Steps for agentID.
type WorkerFactory func(agentID string) (executor.Worker, error)

// ControlPlane wires every subsystem together and exposes the Admission
// and Status operations.
type ControlPlane struct {
	store   ledger.Store
	tenants *tenant.Registry
	policy  *policy.Engine
	quota   *quota.Tracker
	queue   *queue.FairQueue
	exec    *executor.Executor
	jobs    *providerjob.Tracker
	workers WorkerFactory
	m       *metrics.Metrics
	log     logr.Logger

	tierFloors map[string]executor.Tier

	cancelMu      sync.Mutex
	cancelSignals map[string]chan struct{}
}

// Deps bundles the collaborators a ControlPlane needs. All fields are
// required except TierFloors, Jobs and Metrics.
type Deps struct {
	Store      ledger.Store
	Tenants    *tenant.Registry
	Policy     *policy.Engine
	Quota      *quota.Tracker
	Queue      *queue.FairQueue
	Exec       *executor.Executor
	Jobs       *providerjob.Tracker
	Workers    WorkerFactory
	Metrics    *metrics.Metrics
	Log        logr.Logger
	TierFloors map[string]string // tenant tier -> floor capability tier
}

// New constructs a ControlPlane from its collaborators.
func New(d Deps) *ControlPlane {
	floors := make(map[string]executor.Tier, len(d.TierFloors))
	for k, v := range d.TierFloors {
		floors[k] = executor.Tier(v)
	}
	return &ControlPlane{
		store:         d.Store,
		tenants:       d.Tenants,
		policy:        d.Policy,
		quota:         d.Quota,
		queue:         d.Queue,
		exec:          d.Exec,
		jobs:          d.Jobs,
		workers:       d.Workers,
		m:             d.Metrics,
		log:           d.Log.WithName("controlplane"),
		tierFloors:    floors,
		cancelSignals: make(map[string]chan struct{}),
	}
}

// SubmitRequest is the Admission API's input.
type SubmitRequest struct {
	TenantID       string
	AgentID        string
	Payload        []byte
	IdempotencyKey string
	TraceID        string
	Priority       int
	ScheduledAt    *time.Time
	TimeoutMs      int64
	MaxAttempts    int
	Budget         ledger.Budget
	Effort         executor.EffortLevel

	// SubjectID/SubjectAttrs identify the caller for the ABAC check that
	// gates run:submit; an empty SubjectID skips the policy check.
	SubjectID    string
	SubjectAttrs map[string]interface{}
}

// SubmitResult is the Admission API's output on acceptance.
type SubmitResult struct {
	QueueItem *ledger.QueueItem
	Run       *ledger.Run
}

// Submit runs the full admission pipeline: policy check, pre-flight,
// idempotent Run resolution, and Fair Queue admission.
func (c *ControlPlane) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	t, ok := c.tenants.Get(req.TenantID)
	if !ok {
		return nil, fmt.Errorf("controlplane: unknown tenant %q", req.TenantID)
	}

	if req.SubjectID != "" {
		decision, err := c.policy.Evaluate(ctx, req.TenantID, policy.Request{
			SubjectID:    req.SubjectID,
			Subject:      req.SubjectAttrs,
			ResourceType: "run",
			Resource:     map[string]interface{}{"tenantId": req.TenantID, "agentId": req.AgentID},
			Action:       "submit",
		})
		if err != nil {
			return nil, fmt.Errorf("policy evaluation: %w", err)
		}
		if decision.Effect == policy.Deny {
			return nil, fmt.Errorf("controlplane: policy deny: %s", decision.Reason)
		}
	}

	tierFloor := c.tierFloors[t.Tier]
	preflight, err := c.exec.Preflight(req.Budget, req.Effort, tierFloor)
	if err != nil {
		return nil, err
	}

	run, created, err := c.store.CreateOrGetRun(ctx, ledger.CreateRunParams{
		IdempotencyKey: req.IdempotencyKey,
		TenantID:       req.TenantID,
		AgentID:        req.AgentID,
		TraceID:        req.TraceID,
		InputPayload:   req.Payload,
		Budget:         req.Budget,
		InitialTier:    string(preflight.StartTier),
	})
	if err != nil {
		return nil, fmt.Errorf("create or get run: %w", err)
	}

	if !created {
		item, err := c.store.GetQueueItemByRunID(ctx, run.ID)
		if err != nil {
			return nil, fmt.Errorf("lookup queue item for existing run %s: %w", run.ID, err)
		}
		return &SubmitResult{QueueItem: item, Run: run}, nil
	}

	item, err := c.queue.Admit(ctx, t, queue.AdmitRequest{
		TenantID:     req.TenantID,
		AgentID:      req.AgentID,
		Payload:      req.Payload,
		BasePriority: req.Priority,
		ScheduledAt:  req.ScheduledAt,
		TimeoutMs:    req.TimeoutMs,
		MaxAttempts:  req.MaxAttempts,
		RunID:        run.ID,
	}, time.Now().UTC())
	if err != nil {
		_, _ = c.store.FailRun(ctx, run.ID, run.Consumed, "admission rejected: "+err.Error())
		return nil, err
	}

	return &SubmitResult{QueueItem: item, Run: run}, nil
}

// GetRun returns a Run and its Steps.
func (c *ControlPlane) GetRun(ctx context.Context, runID string) (*ledger.Run, []ledger.Step, error) {
	run, err := c.store.GetRun(ctx, runID)
	if err != nil {
		return nil, nil, err
	}
	steps, err := c.store.ListSteps(ctx, runID)
	if err != nil {
		return nil, nil, err
	}
	return run, steps, nil
}

// GetQueueItem returns a QueueItem by id.
func (c *ControlPlane) GetQueueItem(ctx context.Context, itemID string) (*ledger.QueueItem, error) {
	return c.store.GetQueueItem(ctx, itemID)
}

// CancelRun requests cooperative cancellation of runID. If a driver is
// currently executing it in this process, its cancel channel is closed;
// the Ledger record is also moved to failed with a "cancelled: "-prefixed
// failure reason so other processes observe it.
func (c *ControlPlane) CancelRun(ctx context.Context, runID, reason string) (*ledger.Run, error) {
	c.signalCancel(runID)
	return c.store.CancelRun(ctx, runID, reason)
}

// CancelQueueItem cancels a not-yet-dequeued (or in-flight) QueueItem.
func (c *ControlPlane) CancelQueueItem(ctx context.Context, tenantID, itemID, reason string) error {
	return c.queue.Cancel(ctx, tenantID, itemID, reason)
}

func (c *ControlPlane) signalCancel(runID string) {
	c.cancelMu.Lock()
	defer c.cancelMu.Unlock()
	if ch, ok := c.cancelSignals[runID]; ok {
		close(ch)
		delete(c.cancelSignals, runID)
	}
}

func (c *ControlPlane) registerCancel(runID string) <-chan struct{} {
	c.cancelMu.Lock()
	defer c.cancelMu.Unlock()
	ch := make(chan struct{})
	c.cancelSignals[runID] = ch
	return ch
}

func (c *ControlPlane) clearCancel(runID string) {
	c.cancelMu.Lock()
	defer c.cancelMu.Unlock()
	delete(c.cancelSignals, runID)
}
