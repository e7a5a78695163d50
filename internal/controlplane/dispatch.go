package controlplane

import (
	"context"
	"time"

	"github.com/runloom/controlplane/internal/executor"
	"github.com/runloom/controlplane/internal/ledger"
)

// RunDispatchLoop polls the Fair Queue at pollInterval, driving every
// dequeued item's Run to a terminal state via the Budget Executor. It
// blocks until ctx is cancelled.
func (c *ControlPlane) RunDispatchLoop(ctx context.Context, pollInterval time.Duration, tenantCap func(tenantID string) int) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.dispatchOnce(ctx, tenantCap)
		}
	}
}

func (c *ControlPlane) dispatchOnce(ctx context.Context, tenantCap func(tenantID string) int) {
	items, err := c.queue.Dequeue(ctx, tenantCap, time.Now().UTC())
	if err != nil {
		c.log.Error(err, "dequeue")
		return
	}
	for _, item := range items {
		go c.driveItem(ctx, item)
	}
}

// driveItem loads item's Run, resolves its Worker, and drives it to a
// terminal state, reflecting the outcome back onto the QueueItem.
func (c *ControlPlane) driveItem(ctx context.Context, item *ledger.QueueItem) {
	run, err := c.store.GetRun(ctx, item.RunID)
	if err != nil {
		c.log.Error(err, "load run for dequeued item", "itemId", item.ID, "runId", item.RunID)
		_ = c.queue.Fail(ctx, item.TenantID, item.ID, "run not found")
		return
	}

	worker, err := c.workers(item.AgentID)
	if err != nil {
		c.log.Error(err, "resolve worker", "agentId", item.AgentID)
		_, _ = c.store.FailRun(ctx, run.ID, run.Consumed, "worker unavailable: "+err.Error())
		_ = c.queue.Fail(ctx, item.TenantID, item.ID, "worker unavailable")
		return
	}

	t, ok := c.tenants.Get(item.TenantID)
	var tierFloor executor.Tier
	if ok {
		tierFloor = c.tierFloors[t.Tier]
	}

	cancel := c.registerCancel(run.ID)
	defer c.clearCancel(run.ID)

	finished, err := c.exec.Drive(ctx, run, worker, tierFloor, cancel)
	if err != nil {
		c.log.Error(err, "drive run", "runId", run.ID)
		_ = c.queue.Fail(ctx, item.TenantID, item.ID, err.Error())
		return
	}

	_ = c.queue.Complete(ctx, item.TenantID, item.ID, finished.ID)
}

// RunAgingLoop periodically boosts the effective priority of every pending
// item by ratePerMinute for each minute elapsed since since(). There is no
// minimum item age: an item enqueued just before a tick is boosted too. It
// must never block admission, so it runs on its own ticker independent of
// the dispatch loop.
func (c *ControlPlane) RunAgingLoop(ctx context.Context, interval time.Duration, ratePerMinute float64, since func() time.Time) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.queue.Age(ctx, ratePerMinute, since()); err != nil {
				c.log.Error(err, "age queue")
			}
		}
	}
}

// RunTimeoutSweepLoop periodically requeues or terminates processing items
// that exceeded their timeout.
func (c *ControlPlane) RunTimeoutSweepLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, _, err := c.queue.SweepTimeouts(ctx, time.Now().UTC()); err != nil {
				c.log.Error(err, "sweep timeouts")
			}
		}
	}
}
