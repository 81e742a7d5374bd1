// Package storage defines the persisted entities and store interfaces for
// the review orchestration engine.
package storage

import "time"

// Installation represents a connected GitHub account or organization.
// Identity is the external GitHub installation id and is immutable after
// creation.
type Installation struct {
	GithubID  int64     `gorm:"primaryKey;autoIncrement:false" json:"github_id"`
	Owner     string    `gorm:"not null" json:"owner"`
	OwnerKind string    `gorm:"not null;default:user" json:"owner_kind"` // "user" or "org"
	CreatedAt time.Time `json:"created_at"`
}

// Repository is a VCS repository bound to one installation.
type Repository struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	InstallationID int64     `gorm:"not null;index" json:"installation_id"`
	FullName       string    `gorm:"uniqueIndex;not null" json:"full_name"` // "owner/repo"
	DefaultBranch  string    `gorm:"not null;default:main" json:"default_branch"`
	CreatedAt      time.Time `json:"created_at"`
}

// Agent is a reusable review configuration owned by a user. It is
// independent of any repository until bound via AgentRepositoryBinding.
type Agent struct {
	ID                uint      `gorm:"primaryKey" json:"id"`
	UserID            string    `gorm:"not null;index" json:"user_id"`
	Name              string    `gorm:"not null" json:"name"`
	Description       string    `json:"description,omitempty"`
	GenerationPrompt  string    `gorm:"not null" json:"generation_prompt"`
	FileFilters       []string  `gorm:"serializer:json" json:"file_filters"`
	SeverityThreshold int       `gorm:"not null;default:0" json:"severity_threshold"`
	Enabled           bool      `gorm:"not null;default:true" json:"enabled"`
	EvaluationPrompt  string    `json:"evaluation_prompt,omitempty"`
	EvaluationDims    []string  `gorm:"serializer:json" json:"evaluation_dims"`
	CreatedAt         time.Time `json:"created_at"`
}

// AgentRepositoryBinding enables an agent on a repository. A disabled
// binding is skipped by the orchestrator even when agent and repository
// are otherwise active.
type AgentRepositoryBinding struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	AgentID   uint      `gorm:"not null;uniqueIndex:idx_binding_agent_repo" json:"agent_id"`
	RepoID    uint      `gorm:"not null;uniqueIndex:idx_binding_agent_repo" json:"repo_id"`
	Enabled   bool      `gorm:"not null;default:true" json:"enabled"`
	CreatedAt time.Time `json:"created_at"`
}

// Review is one posted (or pending-post) finding. It is an append-only
// fact referenced by both repository and agent. GithubCommentID stays nil
// until the external post succeeds, which makes a crashed run auditable.
// DedupKey is a hash of (agent, commit, file, line) and carries a unique
// index so repeated runs over the same commit cannot create duplicates.
type Review struct {
	ID              uint       `gorm:"primaryKey" json:"id"`
	RepoID          uint       `gorm:"not null;index:idx_reviews_thread" json:"repo_id"`
	AgentID         uint       `gorm:"not null;index" json:"agent_id"`
	PRNumber        int        `gorm:"not null;index:idx_reviews_thread" json:"pr_number"`
	CommitSHA       string     `gorm:"not null" json:"commit_sha"`
	FilePath        string     `gorm:"not null;index:idx_reviews_thread" json:"file_path"`
	LineNumber      int        `gorm:"not null" json:"line_number"`
	CodeChunk       string     `json:"code_chunk,omitempty"`
	CommentText     string     `gorm:"not null" json:"comment_text"`
	Severity        int        `gorm:"not null" json:"severity"`
	GithubCommentID *int64     `json:"github_comment_id,omitempty"`
	RawLLMResponse  []byte     `json:"raw_llm_response,omitempty"`
	IsThreadReply   bool       `gorm:"not null;default:false" json:"is_thread_reply"`
	ParentReviewID  *uint      `json:"parent_review_id,omitempty"`
	DedupKey        string     `gorm:"uniqueIndex;not null" json:"dedup_key"`
	PostedAt        *time.Time `json:"posted_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

// Evaluation is an LLM-generated quality score for one review. A review
// may accumulate several evaluations; re-evaluation is allowed.
type Evaluation struct {
	ID        uint               `gorm:"primaryKey" json:"id"`
	ReviewID  uint               `gorm:"not null;index" json:"review_id"`
	Scores    map[string]float64 `gorm:"serializer:json" json:"scores"`
	Summary   string             `json:"summary,omitempty"`
	CreatedAt time.Time          `json:"created_at"`
}

// Feedback is a human rating on a review, independent of evaluations.
type Feedback struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	ReviewID  uint      `gorm:"not null;index" json:"review_id"`
	Rating    int       `gorm:"not null" json:"rating"`
	CreatedAt time.Time `json:"created_at"`
}

// CostTracking is one ledger entry per LLM invocation. Rows are append
// only; a nil RepoID marks cross-repo usage. TotalTokens equals the sum
// of the phases that actually ran.
type CostTracking struct {
	ID               uint      `gorm:"primaryKey" json:"id"`
	AgentID          uint      `gorm:"not null;index" json:"agent_id"`
	RepoID           *uint     `gorm:"index" json:"repo_id,omitempty"`
	GenerationTokens int64     `gorm:"not null;default:0" json:"generation_tokens"`
	EvaluationTokens int64     `gorm:"not null;default:0" json:"evaluation_tokens"`
	TotalTokens      int64     `gorm:"not null;default:0" json:"total_tokens"`
	EstimatedCostUSD float64   `gorm:"not null;default:0" json:"estimated_cost_usd"`
	CreatedAt        time.Time `gorm:"index" json:"created_at"`
}

// BoundAgent pairs an enabled agent with its enabled binding for one
// repository, as returned by the binding resolver query.
type BoundAgent struct {
	Agent   Agent
	Binding AgentRepositoryBinding
}

// CostScopeKind selects the accounting boundary for budget queries.
type CostScopeKind string

const (
	// ScopeAgent accounts per agent across all repositories.
	ScopeAgent CostScopeKind = "agent"
	// ScopeOrganization accounts per installation across its repositories.
	ScopeOrganization CostScopeKind = "organization"
)

// CostScope identifies one accounting boundary. For ScopeAgent only
// AgentID is set; for ScopeOrganization only InstallationID is set.
type CostScope struct {
	Kind           CostScopeKind
	AgentID        uint
	InstallationID int64
}
