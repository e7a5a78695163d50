// Package quota tracks the three admission rate windows (minute/hour/day)
// that gate how fast a tenant may submit work.
package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"

	"github.com/runloom/controlplane/internal/ledger"
	"github.com/runloom/controlplane/internal/tenant"
)

// Violation names the rate window a submission exceeded.
type Violation string

const (
	ViolationNone   Violation = ""
	ViolationMinute Violation = "minute"
	ViolationHour   Violation = "hour"
	ViolationDay    Violation = "day"
)

// Tracker checks and increments a tenant's three admission rate windows
// against the Ledger's rate-window counters.
type Tracker struct {
	store ledger.Store
	log   logr.Logger
}

// NewTracker constructs a Tracker backed by store.
func NewTracker(store ledger.Store, log logr.Logger) *Tracker {
	return &Tracker{store: store, log: log.WithName("quota")}
}

// Check reports the narrowest rate window t's quota already exceeds for a
// submission at now, or ViolationNone if all three windows have headroom.
func (t *Tracker) Check(ctx context.Context, q tenant.Quota, tenantID string, now time.Time) (Violation, error) {
	minuteCount, err := t.store.CountRateWindow(ctx, tenantID, ledger.WindowMinute, now)
	if err != nil {
		return "", fmt.Errorf("count minute window: %w", err)
	}
	if q.MaxPerMinute > 0 && minuteCount >= q.MaxPerMinute {
		return ViolationMinute, nil
	}

	hourCount, err := t.store.CountRateWindow(ctx, tenantID, ledger.WindowHour, now)
	if err != nil {
		return "", fmt.Errorf("count hour window: %w", err)
	}
	if q.MaxPerHour > 0 && hourCount >= q.MaxPerHour {
		return ViolationHour, nil
	}

	dayCount, err := t.store.CountRateWindow(ctx, tenantID, ledger.WindowDay, now)
	if err != nil {
		return "", fmt.Errorf("count day window: %w", err)
	}
	if q.MaxPerDay > 0 && dayCount >= q.MaxPerDay {
		return ViolationDay, nil
	}

	return ViolationNone, nil
}

// Record increments all three rate windows for one accepted submission.
func (t *Tracker) Record(ctx context.Context, tenantID string, now time.Time) error {
	if err := t.store.IncrementRateWindows(ctx, tenantID, now); err != nil {
		return fmt.Errorf("increment rate windows: %w", err)
	}
	return nil
}

// Prune deletes rate-window buckets older than olderThan, returning the
// number of rows removed. Intended to run on a periodic cadence so the
// tenant_rate_windows table does not grow unbounded.
func (t *Tracker) Prune(ctx context.Context, olderThan time.Time) (int, error) {
	n, err := t.store.PruneRateWindows(ctx, olderThan)
	if err != nil {
		return 0, fmt.Errorf("prune rate windows: %w", err)
	}
	if n > 0 {
		t.log.V(1).Info("pruned rate windows", "count", n)
	}
	return n, nil
}
