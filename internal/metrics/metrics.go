// Package metrics defines the control plane's Prometheus instrumentation,
// registered against a package-owned registry rather than a global one so
// that multiple instances in a test binary don't collide.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles every counter/gauge/histogram the control plane emits.
type Metrics struct {
	Registry *prometheus.Registry

	RunsTotal          *prometheus.CounterVec
	RunDurationSeconds *prometheus.HistogramVec
	StepsTotal         *prometheus.CounterVec
	TierDemotionsTotal *prometheus.CounterVec
	RunCostTotal       *prometheus.CounterVec

	QueueDepth          *prometheus.GaugeVec
	AdmissionRejections *prometheus.CounterVec
	QueueWaitSeconds    *prometheus.HistogramVec

	PolicyDecisionsTotal *prometheus.CounterVec

	ProviderJobsTotal *prometheus.CounterVec
}

// New constructs and registers every metric against a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,
		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "controlplane_runs_total",
			Help: "Runs completed, by tenant and terminal status.",
		}, []string{"tenant_id", "status"}),
		RunDurationSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "controlplane_run_duration_seconds",
			Help:    "Wall-clock duration of terminal runs.",
			Buckets: prometheus.DefBuckets,
		}, []string{"tenant_id", "status"}),
		StepsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "controlplane_steps_total",
			Help: "Steps executed, by tenant and terminal status.",
		}, []string{"tenant_id", "status"}),
		TierDemotionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "controlplane_tier_demotions_total",
			Help: "Tier demotion events, by tenant.",
		}, []string{"tenant_id"}),
		RunCostTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "controlplane_run_cost_total",
			Help: "Accumulated run cost, by tenant.",
		}, []string{"tenant_id"}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "controlplane_queue_depth",
			Help: "Current pending+processing queue depth, by tenant.",
		}, []string{"tenant_id"}),
		AdmissionRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "controlplane_admission_rejections_total",
			Help: "Admission rejections, by tenant and reason.",
		}, []string{"tenant_id", "reason"}),
		QueueWaitSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "controlplane_queue_wait_seconds",
			Help:    "Time a queue item spent pending before dequeue.",
			Buckets: prometheus.DefBuckets,
		}, []string{"tenant_id"}),
		PolicyDecisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "controlplane_policy_decisions_total",
			Help: "Policy Engine decisions, by effect.",
		}, []string{"effect"}),
		ProviderJobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "controlplane_provider_jobs_total",
			Help: "Provider-job terminal outcomes, by provider and status.",
		}, []string{"provider", "status"}),
	}

	reg.MustRegister(
		m.RunsTotal, m.RunDurationSeconds, m.StepsTotal, m.TierDemotionsTotal, m.RunCostTotal,
		m.QueueDepth, m.AdmissionRejections, m.QueueWaitSeconds,
		m.PolicyDecisionsTotal, m.ProviderJobsTotal,
	)
	return m
}

// RecordRunComplete updates the per-run counters/histograms at a terminal state.
func (m *Metrics) RecordRunComplete(tenantID, status string, durationSeconds, cost float64) {
	m.RunsTotal.WithLabelValues(tenantID, status).Inc()
	m.RunDurationSeconds.WithLabelValues(tenantID, status).Observe(durationSeconds)
	m.RunCostTotal.WithLabelValues(tenantID).Add(cost)
}

// RecordStep updates the per-step counter.
func (m *Metrics) RecordStep(tenantID, status string) {
	m.StepsTotal.WithLabelValues(tenantID, status).Inc()
}

// RecordTierDemotion updates the demotion counter.
func (m *Metrics) RecordTierDemotion(tenantID string) {
	m.TierDemotionsTotal.WithLabelValues(tenantID).Inc()
}

// SetQueueDepth sets the current queue-depth gauge for a tenant.
func (m *Metrics) SetQueueDepth(tenantID string, depth int) {
	m.QueueDepth.WithLabelValues(tenantID).Set(float64(depth))
}

// RecordAdmissionRejection updates the rejection counter.
func (m *Metrics) RecordAdmissionRejection(tenantID, reason string) {
	m.AdmissionRejections.WithLabelValues(tenantID, reason).Inc()
}

// RecordQueueWait observes how long an item waited pending before dequeue.
func (m *Metrics) RecordQueueWait(tenantID string, waitSeconds float64) {
	m.QueueWaitSeconds.WithLabelValues(tenantID).Observe(waitSeconds)
}

// RecordPolicyDecision updates the policy-decision counter.
func (m *Metrics) RecordPolicyDecision(effect string) {
	m.PolicyDecisionsTotal.WithLabelValues(effect).Inc()
}

// RecordProviderJobTerminal updates the provider-job outcome counter.
func (m *Metrics) RecordProviderJobTerminal(provider, status string) {
	m.ProviderJobsTotal.WithLabelValues(provider, status).Inc()
}
