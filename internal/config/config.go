// Package config loads process configuration from environment variables
// layered over defaults. There is no config file: the admission surface is
// internal, so env vars are the only input, namespaced under CONTROLPLANE_.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds every environment option recognized by the control plane.
type Config struct {
	// StorageDriver selects the Ledger backend: "sqlite" or "postgres".
	StorageDriver string
	// StorageDSN is the sqlite file path or the postgres connection string.
	StorageDSN string

	GlobalConcurrencyCap int
	QueuePollInterval     time.Duration
	TimeoutSweepInterval  time.Duration
	DefaultStepTimeout    time.Duration
	AgingRatePerMinute    float64

	ProvenanceSinkEndpoint string
	WorkerEndpoint         string

	// TracingEndpoint is the OTLP/gRPC collector address. Empty disables
	// tracing entirely rather than failing startup.
	TracingEndpoint string

	HTTPAddr string

	Development bool

	// TierFloorByTenantTier maps a tenant tier name to the lowest capability
	// tier a Run for that tenant may be demoted to. Empty means no floor.
	TierFloorByTenantTier map[string]string

	RoleSeedFile string
}

// Default returns the configuration with every option at its spec default.
func Default() Config {
	return Config{
		StorageDriver:         "sqlite",
		StorageDSN:            "controlplane.db",
		GlobalConcurrencyCap:  100,
		QueuePollInterval:     time.Second,
		TimeoutSweepInterval:  10 * time.Second,
		DefaultStepTimeout:    300 * time.Second,
		AgingRatePerMinute:    0.5,
		TierFloorByTenantTier: map[string]string{},
		HTTPAddr:              ":8080",
	}
}

// Load returns Default() with every recognized CONTROLPLANE_* environment
// variable applied on top.
func Load() (Config, error) {
	cfg := Default()

	if v, ok := os.LookupEnv("CONTROLPLANE_STORAGE_DRIVER"); ok {
		cfg.StorageDriver = v
	}
	if v, ok := os.LookupEnv("CONTROLPLANE_STORAGE_DSN"); ok {
		cfg.StorageDSN = v
	}
	if v, ok := os.LookupEnv("CONTROLPLANE_GLOBAL_CONCURRENCY_CAP"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("parse CONTROLPLANE_GLOBAL_CONCURRENCY_CAP: %w", err)
		}
		cfg.GlobalConcurrencyCap = n
	}
	if v, ok := os.LookupEnv("CONTROLPLANE_QUEUE_POLL_INTERVAL"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return cfg, fmt.Errorf("parse CONTROLPLANE_QUEUE_POLL_INTERVAL: %w", err)
		}
		cfg.QueuePollInterval = d
	}
	if v, ok := os.LookupEnv("CONTROLPLANE_TIMEOUT_SWEEP_INTERVAL"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return cfg, fmt.Errorf("parse CONTROLPLANE_TIMEOUT_SWEEP_INTERVAL: %w", err)
		}
		cfg.TimeoutSweepInterval = d
	}
	if v, ok := os.LookupEnv("CONTROLPLANE_DEFAULT_STEP_TIMEOUT"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return cfg, fmt.Errorf("parse CONTROLPLANE_DEFAULT_STEP_TIMEOUT: %w", err)
		}
		cfg.DefaultStepTimeout = d
	}
	if v, ok := os.LookupEnv("CONTROLPLANE_AGING_RATE_PER_MINUTE"); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return cfg, fmt.Errorf("parse CONTROLPLANE_AGING_RATE_PER_MINUTE: %w", err)
		}
		cfg.AgingRatePerMinute = f
	}
	if v, ok := os.LookupEnv("CONTROLPLANE_PROVENANCE_SINK_ENDPOINT"); ok {
		cfg.ProvenanceSinkEndpoint = v
	}
	if v, ok := os.LookupEnv("CONTROLPLANE_WORKER_ENDPOINT"); ok {
		cfg.WorkerEndpoint = v
	}
	if v, ok := os.LookupEnv("CONTROLPLANE_TIER_FLOORS"); ok {
		floors, err := parseTierFloors(v)
		if err != nil {
			return cfg, fmt.Errorf("parse CONTROLPLANE_TIER_FLOORS: %w", err)
		}
		cfg.TierFloorByTenantTier = floors
	}
	if v, ok := os.LookupEnv("CONTROLPLANE_ROLE_SEED_FILE"); ok {
		cfg.RoleSeedFile = v
	}
	if v, ok := os.LookupEnv("CONTROLPLANE_TRACING_ENDPOINT"); ok {
		cfg.TracingEndpoint = v
	}
	if v, ok := os.LookupEnv("CONTROLPLANE_HTTP_ADDR"); ok {
		cfg.HTTPAddr = v
	}
	if v, ok := os.LookupEnv("CONTROLPLANE_DEVELOPMENT"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return cfg, fmt.Errorf("parse CONTROLPLANE_DEVELOPMENT: %w", err)
		}
		cfg.Development = b
	}

	return cfg, nil
}

// parseTierFloors parses "tier=floor,tier=floor" pairs, e.g. "gold=tier2,silver=tier1".
func parseTierFloors(raw string) (map[string]string, error) {
	out := map[string]string{}
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) != 2 || kv[0] == "" || kv[1] == "" {
			return nil, fmt.Errorf("malformed tier floor entry %q, want tier=floor", pair)
		}
		out[kv[0]] = kv[1]
	}
	return out, nil
}
