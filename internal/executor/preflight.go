package executor

import (
	"errors"
	"fmt"

	"github.com/runloom/controlplane/internal/ledger"
)

// ErrPreflightRejected marks a Run that never entered the step loop
// because even the cheapest viable step estimate exceeded its budget.
// Non-retryable.
var ErrPreflightRejected = errors.New("executor: preflight rejected")

// PreflightError carries a suggested corrected budget alongside the
// rejection, per the admission-error propagation contract.
type PreflightError struct {
	SuggestedBudget float64
	err             error
}

func (e *PreflightError) Error() string { return e.err.Error() }
func (e *PreflightError) Unwrap() error { return e.err }

// PreflightResult is the outcome of a successful pre-flight check.
type PreflightResult struct {
	StartTier Tier
	Warnings  []string
}

// Preflight picks a starting capability tier from effort (clamped to
// tierFloor if set) and estimates cost. A minimum-cost estimate exceeding
// budget.MaxCost rejects before any Step is opened.
func (e *Executor) Preflight(budget ledger.Budget, effort EffortLevel, tierFloor Tier) (PreflightResult, error) {
	startTier := e.cfg.EffortStartTier[effort]
	if startTier == "" {
		startTier = TierOrder[len(TierOrder)-1]
	}
	if tierFloor != "" && !atLeastAsCapable(startTier, tierFloor) {
		startTier = tierFloor
	}

	est, ok := e.cfg.TierCosts[startTier]
	if !ok {
		return PreflightResult{}, fmt.Errorf("executor: no cost estimate configured for tier %q", startTier)
	}

	if est.Base > budget.MaxCost {
		suggested := est.Base * e.cfg.PreflightRejectMultiple
		return PreflightResult{}, &PreflightError{
			SuggestedBudget: suggested,
			err:             fmt.Errorf("%w: estimated min cost %.4f exceeds budget %.4f", ErrPreflightRejected, est.Base, budget.MaxCost),
		}
	}

	var warnings []string
	if est.Median > 0.8*budget.MaxCost {
		warnings = append(warnings, "likely cost exceeds 80% of declared budget")
	}
	return PreflightResult{StartTier: startTier, Warnings: warnings}, nil
}
