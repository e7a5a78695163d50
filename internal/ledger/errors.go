package ledger

import "errors"

var (
	// ErrNotFound is returned when a lookup by id finds no row.
	ErrNotFound = errors.New("ledger: not found")

	// ErrStepDivergence is returned by AppendStep when a step already exists
	// at the given index with a different input hash — the caller replayed
	// an idempotency key against a different input than the one recorded.
	ErrStepDivergence = errors.New("ledger: step input diverges from recorded step")

	// ErrTerminalState is returned when a caller attempts to transition a
	// Run or QueueItem that has already reached a terminal status.
	ErrTerminalState = errors.New("ledger: already in a terminal state")

	// ErrCASFailed is returned when a compare-and-swap style UPDATE affected
	// zero rows because the expected prior state no longer held.
	ErrCASFailed = errors.New("ledger: compare-and-swap failed")
)
