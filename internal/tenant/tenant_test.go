package tenant

import "testing"

func TestTenantIsActive(t *testing.T) {
	active := Tenant{Status: StatusActive}
	if !active.IsActive() {
		t.Fatal("expected active tenant to report IsActive")
	}
	suspended := Tenant{Status: StatusSuspended}
	if suspended.IsActive() {
		t.Fatal("expected suspended tenant to report not active")
	}
}

func TestTenantAllowsAgent(t *testing.T) {
	unrestricted := Tenant{}
	if !unrestricted.AllowsAgent("anything") {
		t.Fatal("expected empty allowlist to allow any agent")
	}

	restricted := Tenant{AgentAllowlist: []string{"agent-a", "agent-b"}}
	if !restricted.AllowsAgent("agent-a") {
		t.Fatal("expected listed agent to be allowed")
	}
	if restricted.AllowsAgent("agent-c") {
		t.Fatal("expected unlisted agent to be forbidden")
	}
}

func TestRegistryUpsertAndGet(t *testing.T) {
	reg := NewRegistry()
	reg.Upsert(Tenant{ID: "t1", Name: "Tenant One", Status: StatusActive})

	got, ok := reg.Get("t1")
	if !ok {
		t.Fatal("expected tenant t1 to be found")
	}
	if got.Name != "Tenant One" {
		t.Fatalf("expected name %q, got %q", "Tenant One", got.Name)
	}

	got.Name = "mutated"
	again, _ := reg.Get("t1")
	if again.Name == "mutated" {
		t.Fatal("expected Get to return a copy, not a pointer into internal state")
	}

	if _, ok := reg.Get("missing"); ok {
		t.Fatal("expected missing tenant lookup to fail")
	}
}

func TestRegistryChangeTier(t *testing.T) {
	reg := NewRegistry()
	reg.Upsert(Tenant{ID: "t1", Tier: "bronze", Status: StatusActive})

	newQuota := Quota{ConcurrencyCap: 10}
	newLimits := Limits{MaxRunsPerDay: 100}
	if err := reg.ChangeTier("t1", "gold", newQuota, newLimits); err != nil {
		t.Fatalf("change tier: %v", err)
	}

	got, _ := reg.Get("t1")
	if got.Tier != "gold" || got.Quota.ConcurrencyCap != 10 || got.Limits.MaxRunsPerDay != 100 {
		t.Fatalf("expected tier/quota/limits to update together, got %+v", got)
	}

	if err := reg.ChangeTier("missing", "gold", newQuota, newLimits); err == nil {
		t.Fatal("expected error changing tier of unknown tenant")
	}
}

func TestRegistryInFlightTracking(t *testing.T) {
	reg := NewRegistry()
	reg.Upsert(Tenant{ID: "t1", Status: StatusActive})

	reg.RecordRunStart("t1")
	reg.RecordRunStart("t1")
	if got := reg.InFlight("t1"); got != 2 {
		t.Fatalf("expected in-flight 2, got %d", got)
	}

	reg.RecordRunEnd("t1", 500, 0.05)
	if got := reg.InFlight("t1"); got != 1 {
		t.Fatalf("expected in-flight 1 after one completion, got %d", got)
	}

	got, _ := reg.Get("t1")
	if got.Usage.TokensToday != 500 || got.Usage.CostToday != 0.05 {
		t.Fatalf("expected usage folded in, got %+v", got.Usage)
	}

	reg.RecordRunEnd("missing", 1, 1)
}
