package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/agentreview/agentreview/github"
	"github.com/agentreview/agentreview/llm"
	"github.com/agentreview/agentreview/storage"
)

const (
	// LineNeighborhood is how far apart (in lines) a finding and an
	// earlier review can sit and still be treated as the same thread.
	LineNeighborhood = 3

	// postRetryBaseDelay is the initial delay between post retries
	// (doubles each attempt).
	postRetryBaseDelay = 1 * time.Second
)

// ThreadManager decides whether each retained finding becomes a new
// top-level review or a reply in an existing thread, persists the row
// before the external post, and fills in the comment id on success.
type ThreadManager struct {
	store      storage.ReviewStore
	poster     CommentPoster
	logger     *slog.Logger
	maxRetries int
}

// NewThreadManager creates a thread manager.
func NewThreadManager(store storage.ReviewStore, poster CommentPoster, maxRetries int, logger *slog.Logger) *ThreadManager {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &ThreadManager{
		store:      store,
		poster:     poster,
		logger:     logger,
		maxRetries: maxRetries,
	}
}

// Place threads one finding. It returns (nil, nil) when the finding was
// already handled on a previous run. On a persistent post failure the
// pending row is returned together with the error; the row stays
// auditable and a later run retries the post without duplicating it.
func (tm *ThreadManager) Place(ctx context.Context, repo *storage.Repository, agent *storage.Agent, ev *ChangeEvent, f llm.Finding, codeChunk string, raw []byte) (*storage.Review, error) {
	key := DedupKey(agent.ID, ev.HeadSHA, f.Path, f.Line)

	existing, err := tm.store.GetReviewByDedupKey(ctx, key)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if existing.GithubCommentID != nil {
			// Already posted on an earlier run.
			return nil, nil
		}
		// Pending row from a crashed or failed run: retry the post only.
		tm.logger.Info("retrying post for pending review",
			"review_id", existing.ID,
			"path", existing.FilePath,
			"line", existing.LineNumber,
		)
		if err := tm.post(ctx, repo, ev, existing); err != nil {
			return existing, err
		}
		return existing, nil
	}

	review := &storage.Review{
		RepoID:         repo.ID,
		AgentID:        agent.ID,
		PRNumber:       ev.PRNumber,
		CommitSHA:      ev.HeadSHA,
		FilePath:       f.Path,
		LineNumber:     f.Line,
		CodeChunk:      codeChunk,
		CommentText:    f.Comment,
		Severity:       f.Severity,
		RawLLMResponse: raw,
		DedupKey:       key,
	}

	// A finding replies to the most recent posted top-level review on the
	// same file near the same line, from a different commit, unless this
	// agent already replied there for this commit.
	root, err := tm.store.FindThreadRoot(ctx, repo.ID, ev.PRNumber, f.Path, f.Line, LineNeighborhood, ev.HeadSHA)
	if err != nil {
		return nil, err
	}
	if root != nil {
		replied, err := tm.store.HasReplyForCommit(ctx, root.ID, agent.ID, ev.HeadSHA)
		if err != nil {
			return nil, err
		}
		if !replied {
			review.IsThreadReply = true
			review.ParentReviewID = &root.ID
		}
	}

	// Persist the pending row before calling the external API so a crash
	// mid-post leaves an auditable record instead of a lost comment.
	if err := tm.store.CreateReview(ctx, review); err != nil {
		return nil, err
	}

	if err := tm.post(ctx, repo, ev, review); err != nil {
		return review, err
	}
	return review, nil
}

// post delivers the comment with bounded retries on transient VCS
// errors and marks the row posted on success. The review row already
// exists, so retries never create duplicates.
func (tm *ThreadManager) post(ctx context.Context, repo *storage.Repository, ev *ChangeEvent, review *storage.Review) error {
	owner, name, ok := strings.Cut(repo.FullName, "/")
	if !ok {
		return fmt.Errorf("malformed repository full name: %s", repo.FullName)
	}

	post := &github.CommentPost{
		InstallationID: repo.InstallationID,
		Owner:          owner,
		Repo:           name,
		PRNumber:       ev.PRNumber,
		CommitSHA:      review.CommitSHA,
		Path:           review.FilePath,
		Line:           review.LineNumber,
		Body:           review.CommentText,
	}

	var parentCommentID *int64
	if review.IsThreadReply && review.ParentReviewID != nil {
		parent, err := tm.store.GetReview(ctx, *review.ParentReviewID)
		if err != nil {
			return err
		}
		if parent == nil || parent.GithubCommentID == nil {
			return fmt.Errorf("thread parent %v has no posted comment", review.ParentReviewID)
		}
		parentCommentID = parent.GithubCommentID
	}

	var lastErr error
	for attempt := 0; attempt <= tm.maxRetries; attempt++ {
		var comment *github.Comment
		var err error
		if parentCommentID != nil {
			comment, err = tm.poster.CreateReplyComment(ctx, post, *parentCommentID)
		} else {
			comment, err = tm.poster.CreateReviewComment(ctx, post)
		}
		if err == nil {
			if err := tm.store.MarkReviewPosted(ctx, review.ID, comment.ID); err != nil {
				return err
			}
			review.GithubCommentID = &comment.ID
			now := time.Now().UTC()
			review.PostedAt = &now
			return nil
		}

		retryable := isTransientPostError(err)
		lastErr = &PostError{Retryable: retryable, Err: err}
		if !retryable {
			return lastErr
		}

		if attempt < tm.maxRetries {
			delay := postRetryBaseDelay * time.Duration(1<<attempt)
			tm.logger.Warn("retrying comment post after transient error",
				"review_id", review.ID,
				"attempt", attempt+1,
				"max_attempts", tm.maxRetries+1,
				"delay", delay,
				"error", err,
			)
			select {
			case <-ctx.Done():
				return &PostError{Retryable: true, Err: ctx.Err()}
			case <-time.After(delay):
			}
		}
	}

	return fmt.Errorf("max retries exceeded for post: %w", lastErr)
}

// isTransientPostError classifies VCS API failures worth retrying.
func isTransientPostError(err error) bool {
	var apiErr *github.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Transient()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return strings.Contains(err.Error(), "connection") ||
		strings.Contains(err.Error(), "timeout")
}
