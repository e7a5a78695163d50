package executor

import (
	"testing"

	"github.com/runloom/controlplane/internal/ledger"
)

func TestCanContinueTrueUnderBudget(t *testing.T) {
	budget := ledger.Budget{MaxTokens: 1000, MaxCost: 1.0, MaxDuration: 1000, MaxSteps: 10}
	consumed := ledger.Consumed{Tokens: 1, Cost: 0.1, Duration: 1, Steps: 1}
	if !canContinue(consumed, budget) {
		t.Fatal("expected canContinue true when every dimension has headroom")
	}
}

func TestCanContinueFalseWhenAnyDimensionExhausted(t *testing.T) {
	budget := ledger.Budget{MaxTokens: 1000, MaxCost: 1.0, MaxDuration: 1000, MaxSteps: 10}
	consumed := ledger.Consumed{Tokens: 1000, Cost: 0.1, Duration: 1, Steps: 1}
	if canContinue(consumed, budget) {
		t.Fatal("expected canContinue false once tokens reach the cap")
	}
}

func TestShouldDemoteTriggersPastCostFraction(t *testing.T) {
	e := newTestExecutor(DefaultConfig())
	budget := ledger.Budget{MaxCost: 0.005, AllowDemote: true}
	consumed := ledger.Consumed{Cost: 0}

	next, demote := e.shouldDemote("tier0", "", budget, consumed)
	if !demote {
		t.Fatal("expected demotion: tier0 ceiling 0.015 > 0.6 * remaining budget 0.005")
	}
	if next != "tier1" {
		t.Fatalf("expected demotion to tier1, got %s", next)
	}
}

func TestShouldDemoteFalseWhenDisallowed(t *testing.T) {
	e := newTestExecutor(DefaultConfig())
	budget := ledger.Budget{MaxCost: 0.005, AllowDemote: false}
	consumed := ledger.Consumed{Cost: 0}

	_, demote := e.shouldDemote("tier0", "", budget, consumed)
	if demote {
		t.Fatal("expected no demotion when AllowDemote is false")
	}
}

func TestShouldDemoteFalseAtLeastCapableTier(t *testing.T) {
	e := newTestExecutor(DefaultConfig())
	budget := ledger.Budget{MaxCost: 0.005, AllowDemote: true}
	consumed := ledger.Consumed{Cost: 0}

	_, demote := e.shouldDemote("tier3", "", budget, consumed)
	if demote {
		t.Fatal("expected no demotion from the least capable tier")
	}
}

func TestShouldDemoteRespectsTierFloor(t *testing.T) {
	e := newTestExecutor(DefaultConfig())
	budget := ledger.Budget{MaxCost: 0.005, AllowDemote: true}
	consumed := ledger.Consumed{Cost: 0}

	_, demote := e.shouldDemote("tier0", "tier0", budget, consumed)
	if demote {
		t.Fatal("expected tier floor equal to current tier to forbid demotion")
	}
}

func TestShouldDemoteFalseWhenBudgetExhausted(t *testing.T) {
	e := newTestExecutor(DefaultConfig())
	budget := ledger.Budget{MaxCost: 0.005, AllowDemote: true}
	consumed := ledger.Consumed{Cost: 0.005}

	_, demote := e.shouldDemote("tier0", "", budget, consumed)
	if demote {
		t.Fatal("expected no demotion once remaining budget is non-positive")
	}
}

func TestGateReturnsPartialWhenBudgetExhausted(t *testing.T) {
	e := newTestExecutor(DefaultConfig())
	budget := ledger.Budget{MaxTokens: 100, MaxCost: 1.0, MaxDuration: 1000, MaxSteps: 10}
	consumed := ledger.Consumed{Steps: 10}

	result := e.gate("tier0", "", budget, consumed)
	if result.Outcome != GatePartial {
		t.Fatalf("expected GatePartial, got %v", result.Outcome)
	}
}

func TestGateReturnsDemoteBeforeContinue(t *testing.T) {
	e := newTestExecutor(DefaultConfig())
	budget := ledger.Budget{MaxTokens: 100000, MaxCost: 0.005, MaxDuration: 1000, MaxSteps: 10, AllowDemote: true}
	consumed := ledger.Consumed{}

	result := e.gate("tier0", "", budget, consumed)
	if result.Outcome != GateDemote || result.NextTier != "tier1" {
		t.Fatalf("expected demote to tier1, got %+v", result)
	}
}

func TestGateReturnsContinueWhenHealthy(t *testing.T) {
	e := newTestExecutor(DefaultConfig())
	budget := ledger.Budget{MaxTokens: 100000, MaxCost: 1.0, MaxDuration: 1000, MaxSteps: 10}
	consumed := ledger.Consumed{}

	result := e.gate("tier0", "", budget, consumed)
	if result.Outcome != GateContinue {
		t.Fatalf("expected GateContinue, got %v", result.Outcome)
	}
}
