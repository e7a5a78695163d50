// Package queue implements the weighted-fair admission and dequeue pipeline
// described for the control plane's Fair Queue: priority- and age-ordered
// dequeue under per-tenant and global concurrency caps.
package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/runloom/controlplane/internal/ledger"
	"github.com/runloom/controlplane/internal/metrics"
	"github.com/runloom/controlplane/internal/quota"
	"github.com/runloom/controlplane/internal/tenant"
)

// AdmitRequest is one submission's admission-time parameters.
type AdmitRequest struct {
	TenantID     string
	AgentID      string
	Payload      []byte
	BasePriority int
	ScheduledAt  *time.Time
	TimeoutMs    int64
	MaxAttempts  int
	RunID        string // pre-resolved Run id, carried on the QueueItem from creation
}

// FairQueue admits work into and dequeues work from the Ledger's
// queue_items table, honoring tenant status, allowlists, backpressure,
// rate limits, and per-tenant/global concurrency caps. Its in-flight
// counters are an advisory in-process cache over the Ledger's status
// column; they start at zero in a new process and are not rebuilt from
// the Ledger.
type FairQueue struct {
	store ledger.Store
	quota *quota.Tracker
	log   logr.Logger
	m     *metrics.Metrics

	globalCap int
	mu        sync.Mutex
	inFlight  int
	tenantInFlight map[string]int
}

// NewFairQueue constructs a FairQueue with the given global concurrency cap.
func NewFairQueue(store ledger.Store, qt *quota.Tracker, log logr.Logger, m *metrics.Metrics, globalCap int) *FairQueue {
	return &FairQueue{
		store:          store,
		quota:          qt,
		log:            log.WithName("queue"),
		m:              m,
		globalCap:      globalCap,
		tenantInFlight: make(map[string]int),
	}
}

// Admit runs the six-step admission pipeline and, on acceptance, persists
// a pending QueueItem and increments the tenant's rate windows.
func (q *FairQueue) Admit(ctx context.Context, t *tenant.Tenant, req AdmitRequest, now time.Time) (*ledger.QueueItem, error) {
	if !t.IsActive() {
		q.reject(t.ID, ReasonTenantInactive)
		return nil, &Rejection{Reason: ReasonTenantInactive, Err: ErrTenantInactive}
	}
	if !t.AllowsAgent(req.AgentID) {
		q.reject(t.ID, ReasonAgentForbidden)
		return nil, &Rejection{Reason: ReasonAgentForbidden, Err: ErrAgentForbidden}
	}

	depth, err := q.store.CountQueueDepth(ctx, t.ID)
	if err != nil {
		return nil, fmt.Errorf("count queue depth: %w", err)
	}
	if t.Quota.QueueDepthCap > 0 && depth >= t.Quota.QueueDepthCap {
		q.reject(t.ID, ReasonBackpressure)
		return nil, &Rejection{Reason: ReasonBackpressure, Err: ErrBackpressure}
	}

	violation, err := q.quota.Check(ctx, t.Quota, t.ID, now)
	if err != nil {
		return nil, fmt.Errorf("check rate windows: %w", err)
	}
	if violation != "" {
		reason, quotaType := rateRejection(violation)
		q.reject(t.ID, reason)
		return nil, &Rejection{Reason: reason, QuotaType: quotaType, Err: ErrRateLimited}
	}

	effective := clamp(float64(req.BasePriority+t.Quota.PriorityBoost), 0, 100)

	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	item := ledger.QueueItem{
		TenantID:          t.ID,
		AgentID:           req.AgentID,
		Payload:           req.Payload,
		BasePriority:      req.BasePriority,
		EffectivePriority: effective,
		MaxAttempts:       maxAttempts,
		ScheduledAt:       req.ScheduledAt,
		TimeoutMs:         req.TimeoutMs,
		Status:            ledger.QueuePending,
		RunID:             req.RunID,
	}
	created, err := q.store.Enqueue(ctx, item)
	if err != nil {
		return nil, fmt.Errorf("enqueue: %w", err)
	}
	if err := q.quota.Record(ctx, t.ID, now); err != nil {
		return nil, err
	}
	if q.m != nil {
		q.m.SetQueueDepth(t.ID, depth+1)
	}
	return created, nil
}

func (q *FairQueue) reject(tenantID string, reason RejectionReason) {
	if q.m != nil {
		q.m.RecordAdmissionRejection(tenantID, string(reason))
	}
}

func rateRejection(v quota.Violation) (RejectionReason, string) {
	switch v {
	case quota.ViolationMinute:
		return ReasonRateMinute, "minute"
	case quota.ViolationHour:
		return ReasonRateHour, "hour"
	default:
		return ReasonRateDay, "day"
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Dequeue gathers candidates and CAS-transitions as many as fit within the
// per-tenant and global concurrency caps, returning the items now owned by
// this poll. tenantCap looks up each candidate's tenant concurrency cap.
func (q *FairQueue) Dequeue(ctx context.Context, tenantCap func(tenantID string) int, now time.Time) ([]*ledger.QueueItem, error) {
	q.mu.Lock()
	globalSlots := q.globalCap - q.inFlight
	q.mu.Unlock()
	if globalSlots <= 0 {
		return nil, nil
	}

	candidates, err := q.store.ListDequeueCandidates(ctx, globalSlots*2, now)
	if err != nil {
		return nil, fmt.Errorf("list dequeue candidates: %w", err)
	}

	var dequeued []*ledger.QueueItem
	for _, c := range candidates {
		q.mu.Lock()
		if q.inFlight >= q.globalCap {
			q.mu.Unlock()
			break
		}
		tcap := tenantCap(c.TenantID)
		if tcap > 0 && q.tenantInFlight[c.TenantID] >= tcap {
			q.mu.Unlock()
			continue
		}
		q.mu.Unlock()

		item, err := q.store.DequeueCAS(ctx, c.ID, now)
		if err == ledger.ErrCASFailed {
			continue // another poller already took it
		}
		if err != nil {
			return dequeued, fmt.Errorf("dequeue cas %s: %w", c.ID, err)
		}

		q.mu.Lock()
		q.inFlight++
		q.tenantInFlight[c.TenantID]++
		q.mu.Unlock()

		if q.m != nil {
			q.m.RecordQueueWait(c.TenantID, now.Sub(c.CreatedAt).Seconds())
		}
		dequeued = append(dequeued, item)
	}
	return dequeued, nil
}

// Release decrements the in-flight counters for a dequeued item once the
// driver finishes with it, regardless of outcome.
func (q *FairQueue) Release(tenantID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.inFlight > 0 {
		q.inFlight--
	}
	if q.tenantInFlight[tenantID] > 0 {
		q.tenantInFlight[tenantID]--
	}
}

// Complete marks itemID completed with the given runID and releases its slot.
func (q *FairQueue) Complete(ctx context.Context, tenantID, itemID, runID string) error {
	defer q.Release(tenantID)
	return q.store.CompleteQueueItem(ctx, itemID, runID)
}

// Fail marks itemID failed with reason and releases its slot.
func (q *FairQueue) Fail(ctx context.Context, tenantID, itemID, reason string) error {
	defer q.Release(tenantID)
	return q.store.FailQueueItem(ctx, itemID, reason)
}

// Cancel transitions itemID (pending or processing) to cancelled. Callers
// driving an in-flight executor must separately observe cancellation at
// step boundaries; this only updates the Ledger record.
func (q *FairQueue) Cancel(ctx context.Context, tenantID, itemID, reason string) error {
	defer q.Release(tenantID)
	return q.store.CancelQueueItem(ctx, itemID, reason)
}

// Age increases the effective priority of every pending item by
// ratePerMinute for each minute elapsed since since, capped at 100. It runs
// on a periodic background cadence and never blocks Admit.
func (q *FairQueue) Age(ctx context.Context, ratePerMinute float64, since time.Time) (int, error) {
	n, err := q.store.AgeQueue(ctx, ratePerMinute, since)
	if err != nil {
		return 0, fmt.Errorf("age queue: %w", err)
	}
	return n, nil
}

// SweepTimeouts requeues or terminates processing items that exceeded
// their timeout. It does not change the in-flight counters; a slot is freed
// only when the item's driver calls Complete, Fail, Cancel or Release.
func (q *FairQueue) SweepTimeouts(ctx context.Context, now time.Time) (requeued, timedOut int, err error) {
	return q.store.SweepTimeouts(ctx, now)
}
