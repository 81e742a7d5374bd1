// Package gormstore provides a GORM-backed implementation of the storage
// interfaces. PostgreSQL is used for deployments; SQLite backs tests and
// the local runner.
package gormstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/agentreview/agentreview/storage"
)

// Store implements storage.Store on top of a *gorm.DB.
type Store struct {
	db *gorm.DB
}

// New wraps an existing gorm DB handle.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Open connects to PostgreSQL and runs migrations.
func Open(dsn string) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	s := &Store{db: db}
	if err := s.Migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// OpenSQLite opens a SQLite database and runs migrations. An in-memory
// path is pinned to a single connection so the database survives pool
// churn.
func OpenSQLite(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if strings.Contains(path, ":memory:") || strings.Contains(path, "mode=memory") {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("failed to get sql.DB: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}
	s := &Store{db: db}
	if err := s.Migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Migrate creates or updates the schema for all entities.
func (s *Store) Migrate() error {
	err := s.db.AutoMigrate(
		&storage.Installation{},
		&storage.Repository{},
		&storage.Agent{},
		&storage.AgentRepositoryBinding{},
		&storage.Review{},
		&storage.Evaluation{},
		&storage.Feedback{},
		&storage.CostTracking{},
	)
	if err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get sql.DB: %w", err)
	}
	return sqlDB.PingContext(ctx)
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// SaveInstallation creates or refreshes an installation record.
func (s *Store) SaveInstallation(ctx context.Context, install *storage.Installation) error {
	err := s.db.WithContext(ctx).Save(install).Error
	if err != nil {
		return fmt.Errorf("failed to save installation: %w", err)
	}
	return nil
}

// GetInstallation returns (nil, nil) when the installation is unknown.
func (s *Store) GetInstallation(ctx context.Context, githubID int64) (*storage.Installation, error) {
	var install storage.Installation
	err := s.db.WithContext(ctx).First(&install, "github_id = ?", githubID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get installation: %w", err)
	}
	return &install, nil
}

// SaveRepository creates or updates a repository record.
func (s *Store) SaveRepository(ctx context.Context, repo *storage.Repository) error {
	err := s.db.WithContext(ctx).Save(repo).Error
	if err != nil {
		return fmt.Errorf("failed to save repository: %w", err)
	}
	return nil
}

// GetRepositoryByFullName returns (nil, nil) when the repository is unknown.
func (s *Store) GetRepositoryByFullName(ctx context.Context, fullName string) (*storage.Repository, error) {
	var repo storage.Repository
	err := s.db.WithContext(ctx).First(&repo, "full_name = ?", fullName).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get repository: %w", err)
	}
	return &repo, nil
}

// CreateAgent inserts a new agent configuration.
func (s *Store) CreateAgent(ctx context.Context, agent *storage.Agent) error {
	if err := s.db.WithContext(ctx).Create(agent).Error; err != nil {
		return fmt.Errorf("failed to create agent: %w", err)
	}
	return nil
}

// GetAgent returns (nil, nil) when the agent is unknown.
func (s *Store) GetAgent(ctx context.Context, id uint) (*storage.Agent, error) {
	var agent storage.Agent
	err := s.db.WithContext(ctx).First(&agent, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get agent: %w", err)
	}
	return &agent, nil
}

// CreateBinding inserts an agent-repository binding. The (agent, repo)
// pair is unique.
func (s *Store) CreateBinding(ctx context.Context, binding *storage.AgentRepositoryBinding) error {
	err := s.db.WithContext(ctx).Create(binding).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return fmt.Errorf("binding already exists for agent %d repo %d: %w", binding.AgentID, binding.RepoID, err)
	}
	if err != nil {
		return fmt.Errorf("failed to create binding: %w", err)
	}
	return nil
}

// SetBindingEnabled toggles a binding.
func (s *Store) SetBindingEnabled(ctx context.Context, agentID, repoID uint, enabled bool) error {
	res := s.db.WithContext(ctx).
		Model(&storage.AgentRepositoryBinding{}).
		Where("agent_id = ? AND repo_id = ?", agentID, repoID).
		Update("enabled", enabled)
	if res.Error != nil {
		return fmt.Errorf("failed to toggle binding: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("binding not found for agent %d repo %d", agentID, repoID)
	}
	return nil
}

// ListActiveBindings returns enabled (agent, binding) pairs for a
// repository ordered by binding id, so resolution is stable across calls.
func (s *Store) ListActiveBindings(ctx context.Context, repoID uint) ([]storage.BoundAgent, error) {
	var bindings []storage.AgentRepositoryBinding
	err := s.db.WithContext(ctx).
		Where("repo_id = ? AND enabled = ?", repoID, true).
		Order("id ASC").
		Find(&bindings).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list bindings: %w", err)
	}

	var result []storage.BoundAgent
	for _, b := range bindings {
		var agent storage.Agent
		err := s.db.WithContext(ctx).First(&agent, b.AgentID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load agent %d: %w", b.AgentID, err)
		}
		if !agent.Enabled {
			continue
		}
		result = append(result, storage.BoundAgent{Agent: agent, Binding: b})
	}
	return result, nil
}

// CreateReview inserts a review row. A duplicate dedup key is surfaced
// so callers can treat the finding as already handled.
func (s *Store) CreateReview(ctx context.Context, review *storage.Review) error {
	err := s.db.WithContext(ctx).Create(review).Error
	if err != nil {
		return fmt.Errorf("failed to create review: %w", err)
	}
	return nil
}

// GetReview returns (nil, nil) when the review is unknown.
func (s *Store) GetReview(ctx context.Context, id uint) (*storage.Review, error) {
	var review storage.Review
	err := s.db.WithContext(ctx).First(&review, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get review: %w", err)
	}
	return &review, nil
}

// GetReviewByDedupKey returns (nil, nil) when no row carries the key.
func (s *Store) GetReviewByDedupKey(ctx context.Context, key string) (*storage.Review, error) {
	var review storage.Review
	err := s.db.WithContext(ctx).First(&review, "dedup_key = ?", key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get review by dedup key: %w", err)
	}
	return &review, nil
}

// MarkReviewPosted fills the external comment id and posted timestamp on
// a pending row.
func (s *Store) MarkReviewPosted(ctx context.Context, reviewID uint, commentID int64) error {
	now := time.Now().UTC()
	res := s.db.WithContext(ctx).
		Model(&storage.Review{}).
		Where("id = ?", reviewID).
		Updates(map[string]any{
			"github_comment_id": commentID,
			"posted_at":         now,
		})
	if res.Error != nil {
		return fmt.Errorf("failed to mark review posted: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("review %d not found", reviewID)
	}
	return nil
}

// ListReviewsForPR returns all reviews for a pull request in creation order.
func (s *Store) ListReviewsForPR(ctx context.Context, repoID uint, prNumber int) ([]*storage.Review, error) {
	var reviews []*storage.Review
	err := s.db.WithContext(ctx).
		Where("repo_id = ? AND pr_number = ?", repoID, prNumber).
		Order("id ASC").
		Find(&reviews).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list reviews: %w", err)
	}
	return reviews, nil
}

// FindThreadRoot locates the most recent posted top-level review on the
// same file and PR near the given line, excluding reviews from the same
// commit. Pending rows are skipped because a reply needs the parent's
// external comment id.
func (s *Store) FindThreadRoot(ctx context.Context, repoID uint, prNumber int, filePath string, line, neighborhood int, excludeSHA string) (*storage.Review, error) {
	var review storage.Review
	err := s.db.WithContext(ctx).
		Where("repo_id = ? AND pr_number = ? AND file_path = ?", repoID, prNumber, filePath).
		Where("is_thread_reply = ?", false).
		Where("commit_sha <> ?", excludeSHA).
		Where("github_comment_id IS NOT NULL").
		Where("line_number BETWEEN ? AND ?", line-neighborhood, line+neighborhood).
		Order("id DESC").
		First(&review).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find thread root: %w", err)
	}
	return &review, nil
}

// HasReplyForCommit reports whether the agent already replied to the
// given root for this commit. Pending reply rows count here, unlike in
// HasAgentReviewedCommit: a pending reply is retried against its dedup
// key, so a second reply row for the same commit would end up as a
// duplicate once both post.
func (s *Store) HasReplyForCommit(ctx context.Context, parentReviewID, agentID uint, commitSHA string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&storage.Review{}).
		Where("parent_review_id = ? AND agent_id = ? AND commit_sha = ?", parentReviewID, agentID, commitSHA).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to count replies: %w", err)
	}
	return count > 0, nil
}

// HasAgentReviewedCommit reports whether a posted review exists for the
// (agent, repo, PR, commit) tuple. Pending rows do not count: a row
// whose post failed is a retry anchor, and treating it as done would
// skip the replay that delivers it.
func (s *Store) HasAgentReviewedCommit(ctx context.Context, agentID, repoID uint, prNumber int, commitSHA string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&storage.Review{}).
		Where("agent_id = ? AND repo_id = ? AND pr_number = ? AND commit_sha = ?", agentID, repoID, prNumber, commitSHA).
		Where("github_comment_id IS NOT NULL").
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to count reviews for commit: %w", err)
	}
	return count > 0, nil
}

// CreateEvaluation appends an evaluation record.
func (s *Store) CreateEvaluation(ctx context.Context, eval *storage.Evaluation) error {
	if err := s.db.WithContext(ctx).Create(eval).Error; err != nil {
		return fmt.Errorf("failed to create evaluation: %w", err)
	}
	return nil
}

// ListEvaluationsForReview returns evaluations in creation order.
func (s *Store) ListEvaluationsForReview(ctx context.Context, reviewID uint) ([]*storage.Evaluation, error) {
	var evals []*storage.Evaluation
	err := s.db.WithContext(ctx).
		Where("review_id = ?", reviewID).
		Order("id ASC").
		Find(&evals).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list evaluations: %w", err)
	}
	return evals, nil
}

// CreateFeedback appends a feedback record.
func (s *Store) CreateFeedback(ctx context.Context, fb *storage.Feedback) error {
	if err := s.db.WithContext(ctx).Create(fb).Error; err != nil {
		return fmt.Errorf("failed to create feedback: %w", err)
	}
	return nil
}

// ListFeedbackForReview returns feedback in creation order.
func (s *Store) ListFeedbackForReview(ctx context.Context, reviewID uint) ([]*storage.Feedback, error) {
	var fbs []*storage.Feedback
	err := s.db.WithContext(ctx).
		Where("review_id = ?", reviewID).
		Order("id ASC").
		Find(&fbs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list feedback: %w", err)
	}
	return fbs, nil
}

// RecordCost appends a ledger row. The ledger is never updated in place.
func (s *Store) RecordCost(ctx context.Context, row *storage.CostTracking) error {
	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		return fmt.Errorf("failed to record cost: %w", err)
	}
	return nil
}

// SumCostUSDSince sums estimated cost for a scope over rows created at or
// after the cutoff. Organization scope attributes rows through the
// repository's installation; rows with a nil repo id only count toward
// agent scope because they cannot be pinned to one installation.
func (s *Store) SumCostUSDSince(ctx context.Context, scope storage.CostScope, since time.Time) (float64, error) {
	var total float64
	q := s.db.WithContext(ctx).Model(&storage.CostTracking{})
	switch scope.Kind {
	case storage.ScopeAgent:
		q = q.Where("agent_id = ?", scope.AgentID)
	case storage.ScopeOrganization:
		q = q.Where("repo_id IN (?)",
			s.db.Model(&storage.Repository{}).
				Select("id").
				Where("installation_id = ?", scope.InstallationID))
	default:
		return 0, fmt.Errorf("unknown cost scope kind: %s", scope.Kind)
	}
	err := q.Where("created_at >= ?", since).
		Select("COALESCE(SUM(estimated_cost_usd), 0)").
		Scan(&total).Error
	if err != nil {
		return 0, fmt.Errorf("failed to sum cost: %w", err)
	}
	return total, nil
}

// ListCostForAgent returns the agent's ledger rows in creation order.
func (s *Store) ListCostForAgent(ctx context.Context, agentID uint) ([]*storage.CostTracking, error) {
	var rows []*storage.CostTracking
	err := s.db.WithContext(ctx).
		Where("agent_id = ?", agentID).
		Order("id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list cost rows: %w", err)
	}
	return rows, nil
}

// Verify Store implements the aggregate interface at compile time.
var _ storage.Store = (*Store)(nil)
