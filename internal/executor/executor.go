// Package executor implements the Budget Executor: it drives a single Run
// through a loop of Steps until a terminal state, enforcing the budget
// gate and monotonic tier demotion at every iteration.
package executor

import (
	"context"
	"fmt"

	"github.com/go-logr/logr"

	"github.com/runloom/controlplane/internal/ledger"
	"github.com/runloom/controlplane/internal/metrics"
	"github.com/runloom/controlplane/internal/provenance"
	"github.com/runloom/controlplane/internal/telemetry"
)

// Executor drives Runs against a Worker, persisting every Step through the
// Ledger and emitting provenance events alongside.
type Executor struct {
	store  ledger.Store
	cfg    Config
	prov   *provenance.Sink
	m      *metrics.Metrics
	log    logr.Logger
}

// NewExecutor constructs an Executor. prov and m may both be nil.
func NewExecutor(store ledger.Store, cfg Config, prov *provenance.Sink, m *metrics.Metrics, log logr.Logger) *Executor {
	return &Executor{store: store, cfg: cfg, prov: prov, m: m, log: log.WithName("executor")}
}

// Drive runs run to a terminal state against worker, honoring tierFloor
// (the lowest tier this Run may be demoted to) and cancel (closed to
// request cooperative cancellation at the next step boundary).
func (e *Executor) Drive(ctx context.Context, run *ledger.Run, worker Worker, tierFloor Tier, cancel <-chan struct{}) (*ledger.Run, error) {
	currentTier := Tier(run.Tier)
	var lastOutput []byte

	for {
		select {
		case <-cancel:
			return e.store.CancelRun(ctx, run.ID, "cancelled by caller")
		default:
		}

		result := e.gate(currentTier, tierFloor, run.Budget, run.Consumed)
		switch result.Outcome {
		case GatePartial:
			return e.finishPartial(ctx, run, lastOutput)

		case GateDemote:
			if err := e.store.RecordTierDemotion(ctx, run.ID, string(result.NextTier)); err != nil {
				return nil, fmt.Errorf("record tier demotion: %w", err)
			}
			run.Consumed.Downgrades++
			if e.m != nil {
				e.m.RecordTierDemotion(run.TenantID)
			}
			e.prov.Emit(ctx, provenance.Event{
				TraceID: run.TraceID, RunID: run.ID, Tier: string(result.NextTier),
				Kind: provenance.EventTierDemotion,
			})
			currentTier = result.NextTier
			continue

		case GateContinue:
			output, done, err := e.runStep(ctx, run, worker, currentTier)
			if err != nil {
				return e.finishFail(ctx, run, err.Error())
			}
			if output != nil {
				lastOutput = output
			}
			if done {
				return run, nil
			}
		}
	}
}

// runStep opens (or recovers) the next Step, invokes worker if needed, and
// accumulates consumed resources. It returns the step's output (nil on
// failure), done=true once the Run has reached a terminal status, and any
// error.
func (e *Executor) runStep(ctx context.Context, run *ledger.Run, worker Worker, tier Tier) ([]byte, bool, error) {
	index := run.Consumed.Steps
	stepInput := make([]byte, len(run.InputPayload)+1)
	copy(stepInput, run.InputPayload)
	stepInput[len(run.InputPayload)] = byte(index)
	inputHash := ledger.HashInput(stepInput)

	step, existed, err := e.store.AppendStep(ctx, run.ID, index, string(tier), inputHash)
	if err != nil {
		return nil, false, fmt.Errorf("append step %d: %w", index, err)
	}

	spanCtx, span := telemetry.StartStepSpan(ctx, run.ID, run.TenantID, string(tier), index)

	var outcome StepOutcome
	if existed && step.Status == ledger.StepCompleted {
		// Recovered from a prior crash after persist; reuse accounted
		// resources without re-invoking the worker.
		outcome = StepOutcome{Tokens: step.Tokens, Cost: step.Cost, Duration: step.Duration}
	} else {
		outcome, err = worker.Invoke(spanCtx, tier, run.InputPayload)
	}

	telemetry.EndStepSpan(span, outcome.Tokens, outcome.Cost, err)

	if err != nil {
		_ = e.store.FailStep(ctx, step.ID, outcome.Duration, err.Error())
		if e.m != nil {
			e.m.RecordStep(run.TenantID, "failed")
		}
		return nil, false, err
	}

	if !existed || step.Status != ledger.StepCompleted {
		outHash := ledger.HashInput(outcome.Output)
		if err := e.store.CompleteStep(ctx, step.ID, outcome.Tokens, outcome.Cost, outcome.Duration, outHash); err != nil {
			return nil, false, fmt.Errorf("complete step %d: %w", index, err)
		}
	}
	if e.m != nil {
		e.m.RecordStep(run.TenantID, "completed")
	}
	e.prov.Emit(ctx, provenance.Event{
		TraceID: run.TraceID, RunID: run.ID, StepID: step.ID, Tier: string(tier),
		PromptHash: inputHash, Tokens: outcome.Tokens, Cost: outcome.Cost,
		Duration: outcome.Duration, Kind: provenance.EventLLMCall,
	})

	run.Consumed.Tokens += outcome.Tokens
	run.Consumed.Cost += outcome.Cost
	run.Consumed.Duration += outcome.Duration
	run.Consumed.Steps++

	if outcome.Done {
		completed, err := e.store.CompleteRun(ctx, run.ID, outcome.Output, run.Consumed)
		if err != nil {
			return outcome.Output, false, fmt.Errorf("complete run: %w", err)
		}
		*run = *completed
		if e.m != nil {
			e.m.RecordRunComplete(run.TenantID, string(run.Status), run.Consumed.Duration.Seconds(), run.Consumed.Cost)
		}
		return outcome.Output, true, nil
	}
	return outcome.Output, false, nil
}

func (e *Executor) finishPartial(ctx context.Context, run *ledger.Run, lastOutput []byte) (*ledger.Run, error) {
	updated, err := e.store.PartialRun(ctx, run.ID, lastOutput, run.Consumed, "BUDGET_EXHAUSTED")
	if err != nil {
		return nil, fmt.Errorf("partial run: %w", err)
	}
	if e.m != nil {
		e.m.RecordRunComplete(updated.TenantID, string(updated.Status), updated.Consumed.Duration.Seconds(), updated.Consumed.Cost)
	}
	return updated, nil
}

func (e *Executor) finishFail(ctx context.Context, run *ledger.Run, reason string) (*ledger.Run, error) {
	updated, err := e.store.FailRun(ctx, run.ID, run.Consumed, reason)
	if err != nil {
		return nil, fmt.Errorf("fail run: %w", err)
	}
	if e.m != nil {
		e.m.RecordRunComplete(updated.TenantID, string(updated.Status), updated.Consumed.Duration.Seconds(), updated.Consumed.Cost)
	}
	return updated, nil
}
