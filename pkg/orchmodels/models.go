// Package orchmodels holds the data model shared by every tier and
// runtime service in the orchestration core (§3 of the design).
package orchmodels

import "time"

// ── Domain ───────────────────────────────────────────────────

// Domain scopes memory content. BI and CODE do not cross-read by
// default; SHARED is universally readable.
type Domain string

const (
	DomainBI     Domain = "BI"
	DomainCode   Domain = "CODE"
	DomainShared Domain = "SHARED"
)

// Readable reports whether a query scoped to `queryDomain` may see an
// item stored under `itemDomain`. SHARED items are always readable;
// SHARED queries read across every domain; otherwise domains must match.
func Readable(queryDomain, itemDomain Domain) bool {
	if itemDomain == DomainShared || queryDomain == DomainShared {
		return true
	}
	return queryDomain == itemDomain
}

// ── Tier ─────────────────────────────────────────────────────

type Tier string

const (
	TierEphemeral  Tier = "L1_ephemeral"
	TierVector     Tier = "L2_vector"
	TierStructured Tier = "L3_structured"
	TierCold       Tier = "L4_cold"
)

// ── DocChunk (L2) ────────────────────────────────────────────

// DocChunk is the unit of L2. ChunkID is content-addressed
// (SHA-256 of Content) and computed by the memory router on upsert.
type DocChunk struct {
	ChunkID    string            `json:"chunk_id"`
	Content    string            `json:"content"`
	SourceURI  string            `json:"source_uri"`
	Domain     Domain            `json:"domain"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Embedding  []float64         `json:"embedding,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
	Confidence float64           `json:"confidence"`
	DeletedAt  *time.Time        `json:"deleted_at,omitempty"`
}

// ── Fact (L3) ────────────────────────────────────────────────

// Fact is the unit of L3, addressed by (Table, FactID). FactID is the
// SHA-256 of the canonical JSON encoding of Value.
type Fact struct {
	Table     string                 `json:"table"`
	FactID    string                 `json:"fact_id"`
	Value     map[string]interface{} `json:"value"`
	CreatedAt time.Time              `json:"created_at"`
	DeletedAt *time.Time             `json:"deleted_at,omitempty"`
}

// ── Ephemeral entry (L1) ─────────────────────────────────────

type EphemeralEntry struct {
	Key      string
	Value    string // pre-serialized: JSON if structured, raw string otherwise
	TTL      time.Duration
	ExpireAt time.Time
}

// ── Archive blob (L4) ────────────────────────────────────────

type ArchiveBlob struct {
	Key       string
	Bytes     []byte
	Metadata  map[string]string
	URI       string
	CreatedAt time.Time
}

// ── Virtual key / routes (Provider Router) ──────────────────

// VirtualKey stands in for a provider credential when invoking the
// Provider Router. The token is opaque to callers; see providerrouter
// for how it's minted and verified.
type VirtualKey struct {
	Provider string
	Token    string
	IssuedAt time.Time
	ExpireAt time.Time
}

// RouteTier classifies a ProviderRoute candidate by cost/latency band.
type RouteTier string

const (
	TierPremium   RouteTier = "premium"
	TierBalanced  RouteTier = "balanced"
	TierEconomy   RouteTier = "economy"
	TierUltraFast RouteTier = "ultra-fast"
)

// ProviderCandidate is one entry in a ProviderRoute's ordered list.
type ProviderCandidate struct {
	Provider   string
	Model      string
	Tier       RouteTier
	MaxTokens  int
	CostPer1K  float64 // USD per 1K tokens, blended input/output estimate
}

// ProviderRoute maps (task-type, tier) to an ordered list of candidates.
type ProviderRoute struct {
	TaskType   string
	Tier       RouteTier
	Candidates []ProviderCandidate
}

// ChatMessage is a single turn sent to a provider.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// RouteDecision is the chosen (provider, model, tier, budget bounds)
// tuple for a single provider call.
type RouteDecision struct {
	Provider      string
	Model         string
	Tier          RouteTier
	MaxTokens     int
	EstimatedCost float64
}

// RouteResponse carries a provider's reply plus usage/cost accounting.
type RouteResponse struct {
	Provider      string
	Model         string
	Content       string
	InputTokens   int64
	OutputTokens  int64
	TotalTokens   int64
	EstimatedCost float64
	LatencyMs     int64
}

// CostSummary accumulates cost across a session or process lifetime.
type CostSummary struct {
	TotalCostUSD float64
	TotalTokens  int64
	ByProvider   map[string]float64
	ByTaskType   map[string]float64
}

func NewCostSummary() *CostSummary {
	return &CostSummary{
		ByProvider: make(map[string]float64),
		ByTaskType: make(map[string]float64),
	}
}

// ── Connector config (§6) ────────────────────────────────────

type RateLimitStrategy string

const (
	StrategySlidingWindow RateLimitStrategy = "sliding-window"
	StrategyTokenBucket   RateLimitStrategy = "token-bucket"
)

type RateLimitConfig struct {
	Calls    int
	Window   time.Duration
	Strategy RateLimitStrategy
}

type ConnectorConfig struct {
	Name           string
	BaseURL        string
	APIVersion     string
	Timeout        time.Duration
	MaxRetries     int
	RateLimit      RateLimitConfig
	CacheTTL       time.Duration
	SyncInterval   time.Duration
	WebhookEnabled bool
	WebhookSecret  string
	Domain         Domain // memory domain this connector writes into; BI by default
}

// ── Task / Result (Orchestrator) ─────────────────────────────

type TaskType string

type TaskPriority string

const (
	PriorityLow    TaskPriority = "low"
	PriorityNormal TaskPriority = "normal"
	PriorityHigh   TaskPriority = "high"
)

type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// Budget caps the cost and tokens a single Task may consume.
type Budget struct {
	CostUSD float64
	Tokens  int
}

// Task is the unit of work submitted to an Orchestrator.
type Task struct {
	ID          string
	Type        TaskType
	Content     string
	Priority    TaskPriority
	Metadata    map[string]interface{}
	CreatedAt   time.Time
	StartedAt   time.Time
	CompletedAt time.Time
	Status      TaskStatus
	Retries     int
	MaxRetries  int
	Budget      Budget
}

// Result is what an Orchestrator hands back for a Task.
type Result struct {
	Success       bool
	Content       string
	Metadata      map[string]interface{}
	Citations     []string
	Confidence    float64
	CostUSD       float64
	TokensUsed    int64
	ExecutionMs   int64
	Errors        []string
}
