package executor

import "github.com/runloom/controlplane/internal/ledger"

// canContinue reports whether consumed has not yet exhausted any budget
// dimension.
func canContinue(consumed ledger.Consumed, budget ledger.Budget) bool {
	return consumed.Tokens < budget.MaxTokens &&
		consumed.Cost < budget.MaxCost &&
		consumed.Duration < budget.MaxDuration &&
		consumed.Steps < budget.MaxSteps
}

// shouldDemote reports whether the executor should drop one capability
// tier before the next step, and which tier to drop to. Demotion requires
// allowDemote, a tier below currentTier to exist, that tier not falling
// below tierFloor, and the current tier's ceiling cost estimate exceeding
// DemoteCostFraction of the remaining budget.
func (e *Executor) shouldDemote(currentTier, tierFloor Tier, budget ledger.Budget, consumed ledger.Consumed) (Tier, bool) {
	if !budget.AllowDemote {
		return "", false
	}
	next := NextDown(currentTier)
	if next == "" {
		return "", false
	}
	if tierFloor != "" && !atLeastAsCapable(next, tierFloor) {
		return "", false
	}
	est, ok := e.cfg.TierCosts[currentTier]
	if !ok {
		return "", false
	}
	remaining := budget.MaxCost - consumed.Cost
	if remaining <= 0 {
		return "", false
	}
	if est.Ceiling > e.cfg.DemoteCostFraction*remaining {
		return next, true
	}
	return "", false
}

// gate evaluates the budget gate for one loop iteration.
func (e *Executor) gate(currentTier, tierFloor Tier, budget ledger.Budget, consumed ledger.Consumed) GateResult {
	if !canContinue(consumed, budget) {
		return GateResult{Outcome: GatePartial, Reason: "BUDGET_EXHAUSTED"}
	}
	if next, demote := e.shouldDemote(currentTier, tierFloor, budget, consumed); demote {
		return GateResult{Outcome: GateDemote, NextTier: next}
	}
	return GateResult{Outcome: GateContinue}
}
