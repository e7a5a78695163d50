package config

import (
	"testing"
	"time"
)

func TestDefaultValues(t *testing.T) {
	cfg := Default()
	if cfg.StorageDriver != "sqlite" {
		t.Fatalf("expected default storage driver sqlite, got %s", cfg.StorageDriver)
	}
	if cfg.GlobalConcurrencyCap != 100 {
		t.Fatalf("expected default concurrency cap 100, got %d", cfg.GlobalConcurrencyCap)
	}
	if cfg.HTTPAddr != ":8080" {
		t.Fatalf("expected default http addr :8080, got %s", cfg.HTTPAddr)
	}
	if cfg.TierFloorByTenantTier == nil {
		t.Fatal("expected TierFloorByTenantTier to default to an empty, non-nil map")
	}
}

func TestLoadAppliesEnvironmentOverrides(t *testing.T) {
	t.Setenv("CONTROLPLANE_STORAGE_DRIVER", "postgres")
	t.Setenv("CONTROLPLANE_STORAGE_DSN", "postgres://example/db")
	t.Setenv("CONTROLPLANE_GLOBAL_CONCURRENCY_CAP", "250")
	t.Setenv("CONTROLPLANE_QUEUE_POLL_INTERVAL", "2s")
	t.Setenv("CONTROLPLANE_AGING_RATE_PER_MINUTE", "1.5")
	t.Setenv("CONTROLPLANE_TRACING_ENDPOINT", "otel-collector:4317")
	t.Setenv("CONTROLPLANE_HTTP_ADDR", ":9090")
	t.Setenv("CONTROLPLANE_DEVELOPMENT", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.StorageDriver != "postgres" {
		t.Fatalf("expected storage driver postgres, got %s", cfg.StorageDriver)
	}
	if cfg.StorageDSN != "postgres://example/db" {
		t.Fatalf("expected overridden DSN, got %s", cfg.StorageDSN)
	}
	if cfg.GlobalConcurrencyCap != 250 {
		t.Fatalf("expected concurrency cap 250, got %d", cfg.GlobalConcurrencyCap)
	}
	if cfg.QueuePollInterval != 2*time.Second {
		t.Fatalf("expected poll interval 2s, got %v", cfg.QueuePollInterval)
	}
	if cfg.AgingRatePerMinute != 1.5 {
		t.Fatalf("expected aging rate 1.5, got %v", cfg.AgingRatePerMinute)
	}
	if cfg.TracingEndpoint != "otel-collector:4317" {
		t.Fatalf("expected tracing endpoint override, got %s", cfg.TracingEndpoint)
	}
	if cfg.HTTPAddr != ":9090" {
		t.Fatalf("expected http addr override, got %s", cfg.HTTPAddr)
	}
	if !cfg.Development {
		t.Fatal("expected development mode true")
	}
}

func TestLoadRejectsInvalidDuration(t *testing.T) {
	t.Setenv("CONTROLPLANE_QUEUE_POLL_INTERVAL", "not-a-duration")
	if _, err := Load(); err == nil {
		t.Fatal("expected an error for a malformed duration")
	}
}

func TestLoadRejectsInvalidBool(t *testing.T) {
	t.Setenv("CONTROLPLANE_DEVELOPMENT", "not-a-bool")
	if _, err := Load(); err == nil {
		t.Fatal("expected an error for a malformed bool")
	}
}

func TestParseTierFloors(t *testing.T) {
	floors, err := parseTierFloors("gold=tier2,silver=tier1")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if floors["gold"] != "tier2" || floors["silver"] != "tier1" {
		t.Fatalf("unexpected floors: %+v", floors)
	}
}

func TestParseTierFloorsEmptyString(t *testing.T) {
	floors, err := parseTierFloors("")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(floors) != 0 {
		t.Fatalf("expected no floors from an empty string, got %+v", floors)
	}
}

func TestParseTierFloorsRejectsMalformedEntry(t *testing.T) {
	if _, err := parseTierFloors("gold"); err == nil {
		t.Fatal("expected an error for an entry missing '='")
	}
	if _, err := parseTierFloors("=tier2"); err == nil {
		t.Fatal("expected an error for an entry with an empty tier name")
	}
}

func TestLoadAppliesRoleSeedFileAndWorkerEndpoint(t *testing.T) {
	t.Setenv("CONTROLPLANE_ROLE_SEED_FILE", "/etc/controlplane/roles.yaml")
	t.Setenv("CONTROLPLANE_WORKER_ENDPOINT", "http://worker.internal/invoke")
	t.Setenv("CONTROLPLANE_PROVENANCE_SINK_ENDPOINT", "postgres://prov/db")
	t.Setenv("CONTROLPLANE_TIER_FLOORS", "gold=tier1")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.RoleSeedFile != "/etc/controlplane/roles.yaml" {
		t.Fatalf("expected role seed file override, got %s", cfg.RoleSeedFile)
	}
	if cfg.WorkerEndpoint != "http://worker.internal/invoke" {
		t.Fatalf("expected worker endpoint override, got %s", cfg.WorkerEndpoint)
	}
	if cfg.ProvenanceSinkEndpoint != "postgres://prov/db" {
		t.Fatalf("expected provenance sink endpoint override, got %s", cfg.ProvenanceSinkEndpoint)
	}
	if cfg.TierFloorByTenantTier["gold"] != "tier1" {
		t.Fatalf("expected tier floor override, got %+v", cfg.TierFloorByTenantTier)
	}
}
