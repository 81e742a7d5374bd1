package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/agentreview/agentreview/llm"
	"github.com/agentreview/agentreview/storage"
)

// Evaluator scores posted reviews against their agent's evaluation
// dimensions. It runs off the posting path and never blocks comment
// delivery.
type Evaluator struct {
	store  storage.Store
	llm    LLMClient
	ledger *Ledger
	logger *slog.Logger
}

// NewEvaluator creates an evaluator.
func NewEvaluator(store storage.Store, client LLMClient, ledger *Ledger, logger *slog.Logger) *Evaluator {
	return &Evaluator{store: store, llm: client, ledger: ledger, logger: logger}
}

// Evaluate scores one posted review. The model must return exactly the
// agent's dimension keys; anything else is an EvaluationError and no
// record is written. Tokens the provider confirmed are booked either way.
func (e *Evaluator) Evaluate(ctx context.Context, reviewID uint, installationID int64) error {
	review, err := e.store.GetReview(ctx, reviewID)
	if err != nil {
		return err
	}
	if review == nil {
		return fmt.Errorf("review %d: %w", reviewID, ErrNotFound)
	}

	agent, err := e.store.GetAgent(ctx, review.AgentID)
	if err != nil {
		return err
	}
	if agent == nil {
		return fmt.Errorf("agent %d: %w", review.AgentID, ErrNotFound)
	}
	if agent.EvaluationPrompt == "" || len(agent.EvaluationDims) == 0 {
		e.logger.Info("agent has no evaluation configured, skipping",
			"agent", agent.Name,
			"review_id", reviewID,
		)
		return nil
	}

	if err := e.ledger.Check(ctx, agent.ID, installationID); err != nil {
		return err
	}

	result, err := e.llm.Evaluate(ctx, &llm.EvaluationRequest{
		Prompt:      agent.EvaluationPrompt,
		Dims:        agent.EvaluationDims,
		CodeChunk:   review.CodeChunk,
		CommentText: review.CommentText,
	})
	if err != nil {
		// Book confirmed usage even though the output was unusable.
		if result != nil && result.Usage.Total() > 0 {
			e.recordCost(ctx, agent.ID, review.RepoID, installationID, result.Usage)
		} else {
			e.ledger.Release(agent.ID, installationID)
		}
		return &EvaluationError{Err: err}
	}

	e.recordCost(ctx, agent.ID, review.RepoID, installationID, result.Usage)

	if err := validateScores(result.Scores, agent.EvaluationDims); err != nil {
		e.logger.Error("evaluation output violates dimension contract, not persisting",
			"review_id", reviewID,
			"agent", agent.Name,
			"error", err,
		)
		return &EvaluationError{Err: err}
	}

	eval := &storage.Evaluation{
		ReviewID: reviewID,
		Scores:   result.Scores,
		Summary:  result.Summary,
	}
	if err := e.store.CreateEvaluation(ctx, eval); err != nil {
		return err
	}

	e.logger.Info("evaluation recorded",
		"review_id", reviewID,
		"evaluation_id", eval.ID,
	)
	return nil
}

// recordCost books evaluation-phase tokens as their own ledger row.
func (e *Evaluator) recordCost(ctx context.Context, agentID, repoID uint, installationID int64, usage llm.Usage) {
	err := e.ledger.Record(ctx, agentID, &repoID, installationID, 0, usage.Total(), llm.EstimateCostUSD(usage))
	if err != nil {
		e.logger.Error("failed to record evaluation cost", "agent_id", agentID, "error", err)
	}
}

// validateScores enforces that scores contain exactly the configured
// dimension keys.
func validateScores(scores map[string]float64, dims []string) error {
	if len(scores) != len(dims) {
		return fmt.Errorf("expected %d dimensions, got %d", len(dims), len(scores))
	}
	missing := []string{}
	for _, d := range dims {
		if _, ok := scores[d]; !ok {
			missing = append(missing, d)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("missing dimensions: %v", missing)
	}
	return nil
}
