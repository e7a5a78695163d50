package executor

import (
	"context"
	"time"
)

// StepOutcome is what a Worker reports after one invocation.
type StepOutcome struct {
	Tokens   int64
	Cost     float64
	Duration time.Duration
	Output   []byte
	// Done reports whether the agent considers the Run finished after this
	// step; when true the driver terminates the Run as completed.
	Done bool
}

// Worker performs one Step's work at the given tier. Implementations are
// provider/agent specific and live outside this package; the executor
// treats payloads as opaque bytes.
type Worker interface {
	Invoke(ctx context.Context, tier Tier, input []byte) (StepOutcome, error)
}
