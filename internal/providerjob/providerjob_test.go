package providerjob

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/go-logr/logr"

	"github.com/runloom/controlplane/internal/ledger"
)

type fakeStatusClient struct {
	results map[string]PollResult
	errs    map[string]error
	calls   []string
}

func (c *fakeStatusClient) Poll(ctx context.Context, externalID string) (PollResult, error) {
	c.calls = append(c.calls, externalID)
	if err, ok := c.errs[externalID]; ok {
		return PollResult{}, err
	}
	return c.results[externalID], nil
}

func newTestTracker(t *testing.T) (*Tracker, ledger.Store) {
	t.Helper()
	store, err := ledger.OpenSQLite(filepath.Join(t.TempDir(), "providerjob-test.db"))
	if err != nil {
		t.Fatalf("open test ledger: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return NewTracker(store, logr.Discard(), nil), store
}

func mustCreateJob(t *testing.T, store ledger.Store, externalID, status string) ledger.ProviderJobRecord {
	t.Helper()
	job, err := store.CreateProviderJob(context.Background(), ledger.ProviderJobRecord{
		Provider:   "acme",
		ExternalID: externalID,
		RunID:      "run-1",
		Status:     status,
	})
	if err != nil {
		t.Fatalf("create provider job: %v", err)
	}
	return *job
}

func TestPollOnceUpdatesNonTerminalStatus(t *testing.T) {
	tracker, store := newTestTracker(t)
	job := mustCreateJob(t, store, "ext-1", "pending")

	client := &fakeStatusClient{results: map[string]PollResult{
		"ext-1": {Status: "processing", Progress: 40},
	}}
	tracker.mu.Lock()
	tracker.clients["acme"] = client
	tracker.mu.Unlock()

	tracker.pollOnce(context.Background(), "acme")

	got, err := store.GetProviderJob(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("get provider job: %v", err)
	}
	if got.Status != "processing" || got.Progress != 40 {
		t.Fatalf("expected status processing/progress 40, got %+v", got)
	}
}

func TestPollOnceFiresOnTerminalForCompletion(t *testing.T) {
	tracker, store := newTestTracker(t)
	mustCreateJob(t, store, "ext-2", "processing")

	client := &fakeStatusClient{results: map[string]PollResult{
		"ext-2": {Status: "complete", Progress: 100, ResultURL: "https://example/result"},
	}}
	tracker.mu.Lock()
	tracker.clients["acme"] = client
	tracker.mu.Unlock()

	var fired ledger.ProviderJobRecord
	called := false
	tracker.OnTerminal(func(ctx context.Context, j ledger.ProviderJobRecord) {
		called = true
		fired = j
	})

	tracker.pollOnce(context.Background(), "acme")

	if !called {
		t.Fatal("expected OnTerminal callback to fire for a completed job")
	}
	if fired.Status != "complete" || fired.ResultURL != "https://example/result" {
		t.Fatalf("expected terminal callback to receive the updated job, got %+v", fired)
	}
}

func TestPollOnceDoesNotFireOnTerminalForProcessing(t *testing.T) {
	tracker, store := newTestTracker(t)
	mustCreateJob(t, store, "ext-3", "pending")

	client := &fakeStatusClient{results: map[string]PollResult{
		"ext-3": {Status: "processing", Progress: 10},
	}}
	tracker.mu.Lock()
	tracker.clients["acme"] = client
	tracker.mu.Unlock()

	called := false
	tracker.OnTerminal(func(ctx context.Context, j ledger.ProviderJobRecord) { called = true })

	tracker.pollOnce(context.Background(), "acme")

	if called {
		t.Fatal("expected OnTerminal not to fire while the job is still processing")
	}
}

func TestPollOnceSkipsJobsOnClientError(t *testing.T) {
	tracker, store := newTestTracker(t)
	job := mustCreateJob(t, store, "ext-4", "pending")

	client := &fakeStatusClient{errs: map[string]error{"ext-4": errPollFailed}}
	tracker.mu.Lock()
	tracker.clients["acme"] = client
	tracker.mu.Unlock()

	tracker.pollOnce(context.Background(), "acme")

	got, err := store.GetProviderJob(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("get provider job: %v", err)
	}
	if got.Status != "pending" {
		t.Fatalf("expected status untouched after a poll error, got %s", got.Status)
	}
}

func TestPollOnceIgnoresUnregisteredProvider(t *testing.T) {
	tracker, store := newTestTracker(t)
	mustCreateJob(t, store, "ext-5", "pending")

	// no client registered for "other" — pollOnce must be a no-op, not panic
	tracker.pollOnce(context.Background(), "other")

	jobs, err := store.ListProviderJobsByStatus(context.Background(), "acme", []string{"pending"})
	if err != nil {
		t.Fatalf("list provider jobs: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("expected the untouched job to remain pending, got %d", len(jobs))
	}
}

func TestIsTerminal(t *testing.T) {
	cases := map[string]bool{
		"complete":   true,
		"failed":     true,
		"cancelled":  true,
		"pending":    false,
		"processing": false,
	}
	for status, want := range cases {
		if got := isTerminal(status); got != want {
			t.Errorf("isTerminal(%q) = %v, want %v", status, got, want)
		}
	}
}

var errPollFailed = providerJobTestError("poll failed")

type providerJobTestError string

func (e providerJobTestError) Error() string { return string(e) }
