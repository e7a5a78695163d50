// Package providerjob tracks external, asynchronously-completed work: a
// background poller walks pending/processing Provider Jobs per provider,
// on a provider-specific cron cadence, and reflects status changes into
// the Ledger.
package providerjob

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-logr/logr"
	"github.com/robfig/cron/v3"

	"github.com/runloom/controlplane/internal/ledger"
	"github.com/runloom/controlplane/internal/metrics"
)

// PollResult is one provider status query's outcome.
type PollResult struct {
	Status    string // "processing" | "complete" | "failed" | "cancelled"
	Progress  int
	ResultURL string
	Cost      float64
	Error     string
}

// StatusClient queries one provider's job-status endpoint.
type StatusClient interface {
	Poll(ctx context.Context, externalID string) (PollResult, error)
}

// OnTerminal is invoked after a job reaches complete/failed/cancelled, so
// the caller can finalize or continue the associated Run per agent policy.
type OnTerminal func(ctx context.Context, job ledger.ProviderJobRecord)

// Tracker polls registered providers on their configured cron cadence.
type Tracker struct {
	store ledger.Store
	log   logr.Logger
	m     *metrics.Metrics

	cron *cron.Cron

	mu        sync.Mutex
	clients   map[string]StatusClient
	onTerminal OnTerminal
}

// NewTracker constructs a Tracker. m may be nil.
func NewTracker(store ledger.Store, log logr.Logger, m *metrics.Metrics) *Tracker {
	return &Tracker{
		store:   store,
		log:     log.WithName("providerjob"),
		m:       m,
		cron:    cron.New(cron.WithSeconds()),
		clients: make(map[string]StatusClient),
	}
}

// OnTerminal registers the callback run after a job reaches a terminal state.
func (t *Tracker) OnTerminal(fn OnTerminal) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onTerminal = fn
}

// RegisterProvider wires a provider's status client to poll on cronExpr
// (standard 5-field or 6-field-with-seconds, per robfig/cron/v3 syntax).
func (t *Tracker) RegisterProvider(provider string, client StatusClient, cronExpr string) error {
	t.mu.Lock()
	t.clients[provider] = client
	t.mu.Unlock()

	_, err := t.cron.AddFunc(cronExpr, func() {
		t.pollOnce(context.Background(), provider)
	})
	if err != nil {
		return fmt.Errorf("schedule provider %s poll: %w", provider, err)
	}
	return nil
}

// Start begins the cron scheduler in its own goroutine.
func (t *Tracker) Start() { t.cron.Start() }

// Stop halts the cron scheduler and waits for any in-flight poll to finish.
func (t *Tracker) Stop() { <-t.cron.Stop().Done() }

func (t *Tracker) pollOnce(ctx context.Context, provider string) {
	t.mu.Lock()
	client := t.clients[provider]
	onTerminal := t.onTerminal
	t.mu.Unlock()
	if client == nil {
		return
	}

	jobs, err := t.store.ListProviderJobsByStatus(ctx, provider, []string{"pending", "processing"})
	if err != nil {
		t.log.Error(err, "list provider jobs", "provider", provider)
		return
	}

	for _, job := range jobs {
		result, err := client.Poll(ctx, job.ExternalID)
		if err != nil {
			t.log.Error(err, "poll provider job", "provider", provider, "externalId", job.ExternalID)
			continue
		}
		if err := t.store.UpdateProviderJobStatus(ctx, job.ID, result.Status, result.Progress, result.ResultURL, result.Cost, result.Error); err != nil {
			t.log.Error(err, "update provider job status", "jobId", job.ID)
			continue
		}
		if isTerminal(result.Status) {
			if t.m != nil {
				t.m.RecordProviderJobTerminal(provider, result.Status)
			}
			job.Status = result.Status
			job.Progress = result.Progress
			job.ResultURL = result.ResultURL
			job.Cost = result.Cost
			job.Error = result.Error
			if onTerminal != nil {
				onTerminal(ctx, job)
			}
		}
	}
}

func isTerminal(status string) bool {
	return status == "complete" || status == "failed" || status == "cancelled"
}
