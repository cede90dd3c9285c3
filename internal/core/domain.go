// Package core holds the domain types shared across the gateway: requests,
// routes, and the classification enums the router and cache key off.
package core

import (
	"fmt"
	"strings"
	"time"
)

// TaskType identifies which workflow graph serves a request.
type TaskType string

const (
	TaskChat     TaskType = "chat"
	TaskSearch   TaskType = "search"
	TaskResearch TaskType = "research"
)

// Tier is the caller's subscription tier; it selects rate limits and budgets.
type Tier string

const (
	TierAnonymous  Tier = "anonymous"
	TierFree       Tier = "free"
	TierPro        Tier = "pro"
	TierEnterprise Tier = "enterprise"
)

// ParseTier normalizes a tier header, defaulting unknown values to anonymous.
func ParseTier(s string) Tier {
	switch Tier(strings.ToLower(strings.TrimSpace(s))) {
	case TierFree:
		return TierFree
	case TierPro:
		return TierPro
	case TierEnterprise:
		return TierEnterprise
	default:
		return TierAnonymous
	}
}

// Quality is the requested answer quality floor.
type Quality string

const (
	QualityLow      Quality = "low"
	QualityStandard Quality = "standard"
	QualityHigh     Quality = "high"
)

// Rank orders qualities so constraint checks can compare them.
func (q Quality) Rank() int {
	switch q {
	case QualityLow:
		return 0
	case QualityHigh:
		return 2
	default:
		return 1
	}
}

// ComplexityClass partitions requests for TTL policy and bandit buckets.
type ComplexityClass string

const (
	ComplexityUltraFast ComplexityClass = "ultra_fast"
	ComplexityStandard  ComplexityClass = "standard"
	ComplexityDetailed  ComplexityClass = "detailed"
)

// ResearchDepth controls how aggressively the research graph iterates.
type ResearchDepth string

const (
	DepthShallow  ResearchDepth = "shallow"
	DepthStandard ResearchDepth = "standard"
	DepthDeep     ResearchDepth = "deep"
)

// LatencyClass is the static latency expectation of a route.
type LatencyClass string

const (
	LatencyFast     LatencyClass = "fast"
	LatencyStandard LatencyClass = "standard"
	LatencySlow     LatencyClass = "slow"
)

// Rank orders latency classes, fastest first.
func (l LatencyClass) Rank() int {
	switch l {
	case LatencyFast:
		return 0
	case LatencySlow:
		return 2
	default:
		return 1
	}
}

// ApproxMillis is the planning estimate for a latency class, used when a
// request carries a max_latency_ms constraint.
func (l LatencyClass) ApproxMillis() int {
	switch l {
	case LatencyFast:
		return 1500
	case LatencySlow:
		return 20000
	default:
		return 6000
	}
}

// Message is one turn of chat history.
type Message struct {
	Role string `json:"role"` // user | assistant | system
	Text string `json:"text"`
}

// SearchFilters narrows a search request.
type SearchFilters struct {
	RecencyDays int      `json:"recency_days,omitempty"`
	Sources     []string `json:"sources,omitempty"`
}

// Constraints are the caller's optional hard limits on a request.
type Constraints struct {
	MaxCost      float64 `json:"max_cost,omitempty"`
	Quality      Quality `json:"quality,omitempty"`
	MaxLatencyMS int     `json:"max_latency_ms,omitempty"`
}

// Request is the normalized inbound request, one of three payload shapes
// depending on TaskType.
type Request struct {
	ID        string
	UserID    string
	Tier      Tier
	SessionID string
	TaskType  TaskType

	// Chat
	History []Message
	Message string

	// Search
	Query      string
	Filters    SearchFilters
	MaxResults int

	// Research
	Question string
	Depth    ResearchDepth

	Constraints Constraints
	Stream      bool
	Received    time.Time
}

// Text returns the primary user text for classification purposes.
func (r *Request) Text() string {
	switch r.TaskType {
	case TaskSearch:
		return r.Query
	case TaskResearch:
		return r.Question
	default:
		return r.Message
	}
}

// Validate enforces the minimal shape each task type requires.
func (r *Request) Validate() error {
	switch r.TaskType {
	case TaskChat:
		if strings.TrimSpace(r.Message) == "" {
			return fmt.Errorf("chat request requires a message")
		}
	case TaskSearch:
		if strings.TrimSpace(r.Query) == "" {
			return fmt.Errorf("search request requires a query")
		}
	case TaskResearch:
		if strings.TrimSpace(r.Question) == "" {
			return fmt.Errorf("research request requires a research_question")
		}
	default:
		return fmt.Errorf("unknown task type %q", r.TaskType)
	}
	if r.Constraints.MaxCost < 0 {
		return fmt.Errorf("max_cost must be non-negative")
	}
	if r.Constraints.MaxLatencyMS < 0 {
		return fmt.Errorf("max_latency_ms must be non-negative")
	}
	return nil
}

// Route maps a logical name to a concrete backend model plus static metadata
// the router filters on. A Route is immutable after catalog load.
type Route struct {
	Name         string       `yaml:"name" json:"name"`
	Model        string       `yaml:"model" json:"model"`
	LatencyClass LatencyClass `yaml:"latency_class" json:"latency_class"`
	CostPer1K    float64      `yaml:"cost_per_1k" json:"cost_per_1k"`
	Quality      Quality      `yaml:"quality" json:"quality"`
	// Fallbacks is the ordered chain tried on BACKEND_TIMEOUT/BACKEND_ERROR.
	Fallbacks []string `yaml:"fallbacks" json:"fallbacks,omitempty"`
}

// SearchResult is one ranked hit from a search provider.
type SearchResult struct {
	Title   string  `json:"title"`
	URL     string  `json:"url"`
	Snippet string  `json:"snippet"`
	Source  string  `json:"source"`
	Score   float64 `json:"score"`
}

// Chunk is one streamed frame of a response.
type Chunk struct {
	Delta string `json:"delta,omitempty"`
	Done  bool   `json:"done"`
}

// Response is the buffered result of a completed request.
type Response struct {
	Answer        string         `json:"answer,omitempty"`
	Results       []SearchResult `json:"results,omitempty"`
	Citations     []string       `json:"citations,omitempty"`
	ModelsUsed    []string       `json:"models_used"`
	Cost          float64        `json:"cost"`
	TokensUsed    int            `json:"tokens_used"`
	CacheHit      bool           `json:"cache_hit"`
	Degraded      bool           `json:"degraded,omitempty"`
	LatencyMS     int64          `json:"latency_ms"`
	CorrelationID string         `json:"correlation_id"`
}
