package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/runloom/controlplane/internal/executor"
)

// httpWorker invokes a single step against a worker fleet reachable over
// HTTP, POSTing the tier and input payload and decoding the outcome.
type httpWorker struct {
	endpoint string
	client   *http.Client
}

func newHTTPWorker(endpoint string) *httpWorker {
	return &httpWorker{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 120 * time.Second},
	}
}

type workerRequest struct {
	Tier  string `json:"tier"`
	Input []byte `json:"input"`
}

type workerResponse struct {
	Tokens     int64  `json:"tokens"`
	Cost       float64 `json:"cost"`
	DurationMs int64  `json:"durationMs"`
	Output     []byte `json:"output"`
	Done       bool   `json:"done"`
}

func (w *httpWorker) Invoke(ctx context.Context, tier executor.Tier, input []byte) (executor.StepOutcome, error) {
	body, err := json.Marshal(workerRequest{Tier: string(tier), Input: input})
	if err != nil {
		return executor.StepOutcome{}, fmt.Errorf("encode worker request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.endpoint, bytes.NewReader(body))
	if err != nil {
		return executor.StepOutcome{}, fmt.Errorf("build worker request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return executor.StepOutcome{}, fmt.Errorf("invoke worker: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return executor.StepOutcome{}, fmt.Errorf("worker returned status %d", resp.StatusCode)
	}

	var wr workerResponse
	if err := json.NewDecoder(resp.Body).Decode(&wr); err != nil {
		return executor.StepOutcome{}, fmt.Errorf("decode worker response: %w", err)
	}

	return executor.StepOutcome{
		Tokens:   wr.Tokens,
		Cost:     wr.Cost,
		Duration: time.Duration(wr.DurationMs) * time.Millisecond,
		Output:   wr.Output,
		Done:     wr.Done,
	}, nil
}
