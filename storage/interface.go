package storage

import (
	"context"
	"time"
)

// RepoStore covers installations and repositories.
type RepoStore interface {
	SaveInstallation(ctx context.Context, install *Installation) error
	GetInstallation(ctx context.Context, githubID int64) (*Installation, error)
	SaveRepository(ctx context.Context, repo *Repository) error
	// GetRepositoryByFullName returns (nil, nil) when the repository is
	// unknown.
	GetRepositoryByFullName(ctx context.Context, fullName string) (*Repository, error)
}

// AgentStore covers agents and their repository bindings.
type AgentStore interface {
	CreateAgent(ctx context.Context, agent *Agent) error
	GetAgent(ctx context.Context, id uint) (*Agent, error)
	CreateBinding(ctx context.Context, binding *AgentRepositoryBinding) error
	SetBindingEnabled(ctx context.Context, agentID, repoID uint, enabled bool) error
	// ListActiveBindings returns agents with both agent and binding enabled
	// for the repository, in stable binding-id order.
	ListActiveBindings(ctx context.Context, repoID uint) ([]BoundAgent, error)
}

// ReviewStore covers review rows and the thread queries the thread
// manager depends on.
type ReviewStore interface {
	CreateReview(ctx context.Context, review *Review) error
	GetReview(ctx context.Context, id uint) (*Review, error)
	GetReviewByDedupKey(ctx context.Context, key string) (*Review, error)
	// MarkReviewPosted fills the external comment id and posted timestamp
	// on an existing pending row.
	MarkReviewPosted(ctx context.Context, reviewID uint, commentID int64) error
	ListReviewsForPR(ctx context.Context, repoID uint, prNumber int) ([]*Review, error)
	// FindThreadRoot returns the most recent posted, non-reply review on
	// the same file and PR within the line neighborhood whose commit SHA
	// differs from excludeSHA, or (nil, nil) when there is none.
	FindThreadRoot(ctx context.Context, repoID uint, prNumber int, filePath string, line, neighborhood int, excludeSHA string) (*Review, error)
	// HasReplyForCommit reports whether the agent already replied to the
	// given root review for this commit.
	HasReplyForCommit(ctx context.Context, parentReviewID, agentID uint, commitSHA string) (bool, error)
	// HasAgentReviewedCommit reports whether any posted review exists for
	// the (agent, repo, PR, commit) tuple.
	HasAgentReviewedCommit(ctx context.Context, agentID, repoID uint, prNumber int, commitSHA string) (bool, error)
}

// EvaluationStore appends evaluation records.
type EvaluationStore interface {
	CreateEvaluation(ctx context.Context, eval *Evaluation) error
	ListEvaluationsForReview(ctx context.Context, reviewID uint) ([]*Evaluation, error)
}

// FeedbackStore appends human feedback records.
type FeedbackStore interface {
	CreateFeedback(ctx context.Context, fb *Feedback) error
	ListFeedbackForReview(ctx context.Context, reviewID uint) ([]*Feedback, error)
}

// CostLedger is append-only cost accounting. RecordCost must never
// update in place.
type CostLedger interface {
	RecordCost(ctx context.Context, row *CostTracking) error
	// SumCostUSDSince returns the summed estimated cost for a scope over
	// rows created at or after the cutoff.
	SumCostUSDSince(ctx context.Context, scope CostScope, since time.Time) (float64, error)
	ListCostForAgent(ctx context.Context, agentID uint) ([]*CostTracking, error)
}

// Store aggregates every store the engine needs, plus a health probe.
// The orchestrator treats persistence unavailability as fatal because
// thread-manager idempotence depends on durable review rows.
type Store interface {
	RepoStore
	AgentStore
	ReviewStore
	EvaluationStore
	FeedbackStore
	CostLedger

	Ping(ctx context.Context) error
	Close() error
}
