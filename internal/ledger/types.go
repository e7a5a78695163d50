package ledger

import "time"

// RunStatus is the lifecycle state of a Run.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunPartial   RunStatus = "partial"
	RunFailed    RunStatus = "failed"
)

// Terminal reports whether status is one a Run cannot leave.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunPartial || s == RunFailed
}

// StepStatus is the lifecycle state of a Step.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
)

// QueueItemStatus is the lifecycle state of a QueueItem.
type QueueItemStatus string

const (
	QueuePending    QueueItemStatus = "pending"
	QueueProcessing QueueItemStatus = "processing"
	QueueCompleted  QueueItemStatus = "completed"
	QueueFailed     QueueItemStatus = "failed"
	QueueCancelled  QueueItemStatus = "cancelled"
	QueueTimeout    QueueItemStatus = "timeout"
)

// RateWindowKind names one of the three admission rate windows.
type RateWindowKind string

const (
	WindowMinute RateWindowKind = "minute"
	WindowHour   RateWindowKind = "hour"
	WindowDay    RateWindowKind = "day"
)

// Budget is the caller-declared resource ceiling for a Run.
type Budget struct {
	MaxTokens   int64         `json:"maxTokens"`
	MaxCost     float64       `json:"maxCost"`
	MaxDuration time.Duration `json:"maxDuration"`
	MaxSteps    int           `json:"maxSteps"`
	AllowDemote bool          `json:"allowDemote"`
}

// Consumed is the monotonically non-decreasing resource usage of a Run.
type Consumed struct {
	Tokens     int64         `json:"tokens"`
	Cost       float64       `json:"cost"`
	Duration   time.Duration `json:"duration"`
	Steps      int           `json:"steps"`
	Downgrades int           `json:"downgrades"`
}

// Run is one logical execution of one agent on one input for one tenant.
type Run struct {
	ID             string    `json:"id"`
	IdempotencyKey string    `json:"idempotencyKey"`
	TenantID       string    `json:"tenantId"`
	AgentID        string    `json:"agentId"`
	TraceID        string    `json:"traceId"`
	InputPayload   []byte    `json:"inputPayload"`
	InputHash      string    `json:"inputHash"`
	Budget         Budget    `json:"budget"`
	Consumed       Consumed  `json:"consumed"`
	Tier           string    `json:"tier"`
	Status         RunStatus `json:"status"`
	FailureReason  string    `json:"failureReason,omitempty"`
	OutputPayload  []byte    `json:"outputPayload,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
	CompletedAt    *time.Time `json:"completedAt,omitempty"`
}

// Step is one unit of worker invocation within a Run, indexed from 0.
type Step struct {
	ID          string        `json:"id"`
	RunID       string        `json:"runId"`
	Index       int           `json:"index"`
	Tier        string        `json:"tier"`
	InputHash   string        `json:"inputHash"`
	OutputHash  string        `json:"outputHash,omitempty"`
	Tokens      int64         `json:"tokens"`
	Cost        float64       `json:"cost"`
	Duration    time.Duration `json:"duration"`
	Status      StepStatus    `json:"status"`
	Error       string        `json:"error,omitempty"`
	CreatedAt   time.Time     `json:"createdAt"`
	CompletedAt *time.Time    `json:"completedAt,omitempty"`
}

// QueueItem is pending or in-flight admitted work.
type QueueItem struct {
	ID                string          `json:"id"`
	TenantID          string          `json:"tenantId"`
	AgentID           string          `json:"agentId"`
	Payload           []byte          `json:"payload"`
	BasePriority      int             `json:"basePriority"`
	EffectivePriority float64         `json:"effectivePriority"`
	Attempts          int             `json:"attempts"`
	MaxAttempts       int             `json:"maxAttempts"`
	ScheduledAt       *time.Time      `json:"scheduledAt,omitempty"`
	TimeoutMs         int64           `json:"timeoutMs"`
	Status            QueueItemStatus `json:"status"`
	RunID             string          `json:"runId,omitempty"`
	Error             string          `json:"error,omitempty"`
	StartedAt         *time.Time      `json:"startedAt,omitempty"`
	CreatedAt         time.Time       `json:"createdAt"`
	UpdatedAt         time.Time       `json:"updatedAt"`
}

// TenantRecord is the Ledger's persisted view of a Tenant (see the
// higher-level tenant.Tenant for the in-memory, behavior-carrying view).
type TenantRecord struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	Tier            string    `json:"tier"`
	Status          string    `json:"status"`
	ConcurrencyCap  int       `json:"concurrencyCap"`
	QueueDepthCap   int       `json:"queueDepthCap"`
	MaxPerMinute    int       `json:"maxPerMinute"`
	MaxPerHour      int       `json:"maxPerHour"`
	MaxPerDay       int       `json:"maxPerDay"`
	PriorityBoost   int       `json:"priorityBoost"`
	FairShareWeight int       `json:"fairShareWeight"`
	MaxRunsPerDay   int       `json:"maxRunsPerDay"`
	MaxCostPerDay   float64   `json:"maxCostPerDay"`
	MaxTokensPerRun int64     `json:"maxTokensPerRun"`
	MaxStorageBytes int64     `json:"maxStorageBytes"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// UsageCounter is a per (tenant, UTC day) aggregate.
type UsageCounter struct {
	TenantID     string  `json:"tenantId"`
	Day          string  `json:"day"` // YYYY-MM-DD
	Runs         int     `json:"runs"`
	Tokens       int64   `json:"tokens"`
	Cost         float64 `json:"cost"`
	StorageBytes int64   `json:"storageBytes"`
	ActiveAgents int     `json:"activeAgents"`
}

// PolicyRecord is the Ledger's persisted view of an ABAC policy rule. An
// empty TenantID means the policy is global.
type PolicyRecord struct {
	ID                string    `json:"id"`
	TenantID          string    `json:"tenantId,omitempty"`
	Name              string    `json:"name"`
	Priority          int       `json:"priority"`
	Effect            string    `json:"effect"` // allow | deny
	SubjectConditions []byte    `json:"subjectConditions"` // JSON []Condition
	ResourceConditions []byte   `json:"resourceConditions"` // JSON []Condition
	Actions           []byte    `json:"actions"` // JSON []string
	CreatedAt         time.Time `json:"createdAt"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

// RoleBindingRecord maps a subject to a role within a tenant (or globally).
type RoleBindingRecord struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenantId,omitempty"`
	Subject   string    `json:"subject"`
	Role      string    `json:"role"`
	CreatedAt time.Time `json:"createdAt"`
}

// ProviderJobRecord mirrors an external long-running job.
type ProviderJobRecord struct {
	ID         string    `json:"id"`
	Provider   string    `json:"provider"`
	ExternalID string    `json:"externalId"`
	RunID      string    `json:"runId"`
	Status     string    `json:"status"`
	Progress   int       `json:"progress"`
	ResultURL  string    `json:"resultUrl,omitempty"`
	Cost       float64   `json:"cost"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// APIKeyRecord is a stored API key. Key material is never persisted, only
// its SHA-256 digest.
type APIKeyRecord struct {
	ID         string     `json:"id"`
	TenantID   string     `json:"tenantId,omitempty"`
	Name       string     `json:"name"`
	KeyHash    string     `json:"-"`
	KeyPrefix  string     `json:"keyPrefix"`
	Scopes     []byte     `json:"scopes"` // JSON []string
	CreatedAt  time.Time  `json:"createdAt"`
	LastUsedAt *time.Time `json:"lastUsedAt,omitempty"`
	ExpiresAt  *time.Time `json:"expiresAt,omitempty"`
	Enabled    bool       `json:"enabled"`
}

// CreateRunParams are the inputs to CreateOrGetRun.
type CreateRunParams struct {
	IdempotencyKey string
	TenantID       string
	AgentID        string
	TraceID        string
	InputPayload   []byte
	Budget         Budget
	InitialTier    string
}
