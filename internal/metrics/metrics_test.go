package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewRegistersWithoutPanicking(t *testing.T) {
	m := New()
	if m.Registry == nil {
		t.Fatal("expected a non-nil registry")
	}
	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if len(families) == 0 {
		t.Fatal("expected at least one registered metric family")
	}
}

func TestRecordRunCompleteUpdatesCounters(t *testing.T) {
	m := New()
	m.RecordRunComplete("tenant-a", "completed", 1.5, 0.02)

	if got := testutil.ToFloat64(m.RunsTotal.WithLabelValues("tenant-a", "completed")); got != 1 {
		t.Fatalf("expected RunsTotal=1, got %v", got)
	}
	if got := testutil.ToFloat64(m.RunCostTotal.WithLabelValues("tenant-a")); got != 0.02 {
		t.Fatalf("expected RunCostTotal=0.02, got %v", got)
	}
}

func TestSetQueueDepthUpdatesGauge(t *testing.T) {
	m := New()
	m.SetQueueDepth("tenant-a", 7)
	if got := testutil.ToFloat64(m.QueueDepth.WithLabelValues("tenant-a")); got != 7 {
		t.Fatalf("expected queue depth gauge 7, got %v", got)
	}
}

func TestRecordAdmissionRejectionIncrementsByReason(t *testing.T) {
	m := New()
	m.RecordAdmissionRejection("tenant-a", "BACKPRESSURE")
	m.RecordAdmissionRejection("tenant-a", "BACKPRESSURE")
	if got := testutil.ToFloat64(m.AdmissionRejections.WithLabelValues("tenant-a", "BACKPRESSURE")); got != 2 {
		t.Fatalf("expected 2 rejections recorded, got %v", got)
	}
}

func TestRecordPolicyDecision(t *testing.T) {
	m := New()
	m.RecordPolicyDecision("allow")
	if got := testutil.ToFloat64(m.PolicyDecisionsTotal.WithLabelValues("allow")); got != 1 {
		t.Fatalf("expected 1 allow decision recorded, got %v", got)
	}
}

func TestRecordTierDemotion(t *testing.T) {
	m := New()
	m.RecordTierDemotion("tenant-a")
	m.RecordTierDemotion("tenant-a")
	if got := testutil.ToFloat64(m.TierDemotionsTotal.WithLabelValues("tenant-a")); got != 2 {
		t.Fatalf("expected 2 demotions recorded, got %v", got)
	}
}

func TestRecordProviderJobTerminal(t *testing.T) {
	m := New()
	m.RecordProviderJobTerminal("openai", "completed")
	if got := testutil.ToFloat64(m.ProviderJobsTotal.WithLabelValues("openai", "completed")); got != 1 {
		t.Fatalf("expected 1 provider job recorded, got %v", got)
	}
}

func TestTwoInstancesDoNotShareState(t *testing.T) {
	a := New()
	b := New()
	a.RecordTierDemotion("tenant-a")
	if got := testutil.ToFloat64(b.TierDemotionsTotal.WithLabelValues("tenant-a")); got != 0 {
		t.Fatalf("expected independently registered instances not to share state, got %v", got)
	}
}
