package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/agentreview/agentreview/github"
	"github.com/agentreview/agentreview/llm"
)

// ChangedFile is one file in a change event with its unified diff patch.
type ChangedFile struct {
	Path  string
	Patch string
}

// ChangeEvent is the inbound trigger: a code change on a bound
// repository, already authenticated upstream.
type ChangeEvent struct {
	RepoFullName string
	PRNumber     int
	HeadSHA      string
	Files        []ChangedFile
}

// prKey identifies the pull request a change event belongs to, used for
// supersede tracking.
func (ev *ChangeEvent) prKey() string {
	return fmt.Sprintf("%s#%d", ev.RepoFullName, ev.PRNumber)
}

// threadKey identifies the serialization scope for thread-manager
// decisions.
func (ev *ChangeEvent) threadKey() string {
	return fmt.Sprintf("%s#%d#%s", ev.RepoFullName, ev.PRNumber, ev.HeadSHA)
}

// LLMClient is the compute dependency for generation and evaluation.
type LLMClient interface {
	Generate(ctx context.Context, req *llm.GenerationRequest) (*llm.GenerationResult, error)
	Evaluate(ctx context.Context, req *llm.EvaluationRequest) (*llm.EvaluationResult, error)
}

// CommentPoster is the outbound VCS side effect: creating inline review
// comments and threaded replies.
type CommentPoster interface {
	CreateReviewComment(ctx context.Context, post *github.CommentPost) (*github.Comment, error)
	CreateReplyComment(ctx context.Context, post *github.CommentPost, inReplyToID int64) (*github.Comment, error)
}

// State names a binding task's terminal position in the pipeline.
type State string

const (
	// StateCancelled means a newer commit superseded the event before the
	// task started; no side effects occurred.
	StateCancelled State = "cancelled"
	// StateSkipped means there was legitimately nothing to do (commit
	// already reviewed, or no files matched the agent's filters).
	StateSkipped State = "skipped"
	// StateBudgetExceeded means admission control denied the LLM call.
	StateBudgetExceeded State = "budget_exceeded"
	// StateFailed means the binding's pipeline failed terminally.
	StateFailed State = "failed"
	// StateCostRecorded is terminal success; evaluation may still be
	// pending but does not gate it.
	StateCostRecorded State = "cost_recorded"
)

// BindingResult reports one binding task's outcome. Failures are scoped
// here and never propagate to sibling bindings.
type BindingResult struct {
	AgentID   uint
	AgentName string
	State     State
	ReviewIDs []uint
	Err       error
}

// DedupKey derives the idempotency key for a finding. Repeated runs over
// the same commit map to the same key and are rejected by the unique
// index on reviews.
func DedupKey(agentID uint, commitSHA, filePath string, line int) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("%d:%s:%s:%d", agentID, commitSHA, filePath, line)))
	return hex.EncodeToString(h[:])
}
