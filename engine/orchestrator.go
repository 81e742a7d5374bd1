package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/agentreview/agentreview/config"
	"github.com/agentreview/agentreview/llm"
	"github.com/agentreview/agentreview/storage"
)

// evalJob is the handoff from the posting path to the evaluation workers.
type evalJob struct {
	reviewID       uint
	installationID int64
}

// evalQueueSize bounds the evaluation backlog. Evaluation is
// fire-and-forget; when the queue is full the job is dropped and logged
// rather than blocking comment delivery.
const evalQueueSize = 256

// Orchestrator composes the pipeline per incoming change event:
// resolve bindings, gate on budget, generate, filter, thread, post,
// record cost, and schedule evaluation.
type Orchestrator struct {
	store     storage.Store
	resolver  *BindingResolver
	generator *Generator
	threads   *ThreadManager
	evaluator *Evaluator
	ledger    *Ledger
	cfg       *config.Config
	logger    *slog.Logger

	locks  *keyLocks
	evalCh chan evalJob
	evalWG sync.WaitGroup
	once   sync.Once

	mu         sync.Mutex
	latestHead map[string]string // pr key -> newest head SHA seen
}

// New creates an orchestrator and its sub-components.
func New(store storage.Store, client LLMClient, poster CommentPoster, cfg *config.Config, logger *slog.Logger) *Orchestrator {
	ledger := NewLedger(store, storage.CostScopeKind(cfg.BudgetScope), cfg.BudgetCapUSD, cfg.BudgetWindow(), cfg.EstimatedCallCostUSD)
	return &Orchestrator{
		store:      store,
		resolver:   NewBindingResolver(store),
		generator:  NewGenerator(client, logger),
		threads:    NewThreadManager(store, poster, cfg.MaxRetries, logger),
		evaluator:  NewEvaluator(store, client, ledger, logger),
		ledger:     ledger,
		cfg:        cfg,
		logger:     logger,
		locks:      newKeyLocks(),
		evalCh:     make(chan evalJob, evalQueueSize),
		latestHead: make(map[string]string),
	}
}

// Ledger exposes the budget gate, for callers that record cost outside
// the event pipeline (bulk operations with no repository scope).
func (o *Orchestrator) Ledger() *Ledger {
	return o.ledger
}

// Feedback returns a collector bound to the same store.
func (o *Orchestrator) Feedback() *FeedbackCollector {
	return NewFeedbackCollector(o.store)
}

// Start launches the evaluation worker pool. Workers exit when Close is
// called and the queue drains, or when ctx is cancelled.
func (o *Orchestrator) Start(ctx context.Context) {
	for i := 0; i < o.cfg.EvalWorkers; i++ {
		o.evalWG.Add(1)
		go func() {
			defer o.evalWG.Done()
			for job := range o.evalCh {
				if ctx.Err() != nil {
					return
				}
				if err := o.evaluator.Evaluate(ctx, job.reviewID, job.installationID); err != nil {
					o.logger.Error("evaluation failed",
						"review_id", job.reviewID,
						"error", err,
					)
				}
			}
		}()
	}
}

// Close stops accepting evaluation jobs and waits for workers to drain.
func (o *Orchestrator) Close() {
	o.once.Do(func() {
		close(o.evalCh)
	})
	o.evalWG.Wait()
}

// HandleEvent runs the pipeline for one change event. One task per
// active binding, isolated from its siblings; the returned results
// report each binding's terminal state. Only binding-independent
// failures (unknown repository, store errors) are returned as an error.
func (o *Orchestrator) HandleEvent(ctx context.Context, ev *ChangeEvent) ([]BindingResult, error) {
	logger := o.logger.With(
		"event_id", uuid.NewString(),
		"repo", ev.RepoFullName,
		"pr", ev.PRNumber,
		"commit", shortSHA(ev.HeadSHA),
	)
	logger.Info("event received", "changed_files", len(ev.Files))

	o.noteHead(ev)

	repo, bindings, err := o.resolver.Resolve(ctx, ev.RepoFullName)
	if err != nil {
		return nil, err
	}
	logger.Info("bindings resolved", "active_bindings", len(bindings))
	if len(bindings) == 0 {
		return nil, nil
	}

	results := make([]BindingResult, len(bindings))

	var g errgroup.Group
	sem := semaphore.NewWeighted(int64(o.cfg.MaxConcurrentBindings))

	for i := range bindings {
		i := i
		g.Go(func() error {
			if err := sem.Acquire(ctx, 1); err != nil {
				results[i] = BindingResult{
					AgentID:   bindings[i].Agent.ID,
					AgentName: bindings[i].Agent.Name,
					State:     StateCancelled,
					Err:       err,
				}
				return nil
			}
			defer sem.Release(1)

			results[i] = o.runBinding(ctx, logger, repo, &bindings[i], ev)
			return nil
		})
	}

	// Binding failures are captured per-result, never propagated, so one
	// agent's failure cannot block or roll back another's pipeline.
	_ = g.Wait()

	for _, r := range results {
		logger.Info("binding finished",
			"agent", r.AgentName,
			"state", string(r.State),
			"reviews", len(r.ReviewIDs),
			"error", r.Err,
		)
	}

	return results, nil
}

// runBinding executes the per-binding state machine:
// BudgetChecked -> Generated -> Filtered -> Threaded -> Posted ->
// CostRecorded, with evaluation scheduled afterwards.
func (o *Orchestrator) runBinding(ctx context.Context, logger *slog.Logger, repo *storage.Repository, ba *storage.BoundAgent, ev *ChangeEvent) BindingResult {
	agent := &ba.Agent
	res := BindingResult{AgentID: agent.ID, AgentName: agent.Name}
	logger = logger.With("agent", agent.Name)

	// A newer commit on the same PR supersedes this event; bail out
	// before any side effect.
	if o.superseded(ev) {
		res.State = StateCancelled
		return res
	}

	// Replaying an already-reviewed commit is a no-op: no tokens, no rows.
	reviewed, err := o.store.HasAgentReviewedCommit(ctx, agent.ID, repo.ID, ev.PRNumber, ev.HeadSHA)
	if err != nil {
		res.State = StateFailed
		res.Err = err
		return res
	}
	if reviewed {
		logger.Info("commit already reviewed by agent, skipping")
		res.State = StateSkipped
		return res
	}

	matched := FilterFiles(ev.Files, agent.FileFilters)
	if len(matched) == 0 {
		logger.Info("no changed files match agent filters, skipping")
		res.State = StateSkipped
		return res
	}

	if err := o.ledger.Check(ctx, agent.ID, repo.InstallationID); err != nil {
		if errors.Is(err, ErrBudgetExceeded) {
			logger.Warn("budget exceeded, binding stopped", "error", err)
			res.State = StateBudgetExceeded
		} else {
			res.State = StateFailed
		}
		res.Err = err
		return res
	}

	findings, genResult, err := o.generator.Generate(ctx, agent, ev)
	if err != nil {
		// The provider may have confirmed usage even though the call
		// failed (unparseable output). Book what was consumed; an
		// unconfirmed outcome books nothing.
		if genResult != nil && genResult.Usage.Total() > 0 {
			o.recordGeneration(ctx, logger, agent.ID, repo, genResult.Usage)
		} else {
			o.ledger.Release(agent.ID, repo.InstallationID)
		}
		logger.Error("generation failed", "error", err)
		res.State = StateFailed
		res.Err = err
		return res
	}
	if genResult == nil {
		o.ledger.Release(agent.ID, repo.InstallationID)
		res.State = StateSkipped
		return res
	}

	kept := FilterBySeverity(findings, agent.SeverityThreshold)
	logger.Info("findings filtered",
		"candidates", len(findings),
		"kept", len(kept),
		"threshold", agent.SeverityThreshold,
	)

	patches := make(map[string]string, len(matched))
	for _, f := range matched {
		patches[f.Path] = f.Patch
	}

	// Thread decisions for the same (repo, PR, commit) are serialized so
	// concurrent tasks cannot race on one open thread.
	key := ev.threadKey()
	o.locks.Lock(key)
	var threadErr error
	for _, f := range kept {
		review, err := o.threads.Place(ctx, repo, agent, ev, f, patches[f.Path], genResult.Raw)
		if err != nil && threadErr == nil {
			threadErr = err
		}
		if review != nil && review.GithubCommentID != nil {
			res.ReviewIDs = append(res.ReviewIDs, review.ID)
		}
	}
	o.locks.Unlock(key)

	// Cost is booked on consumption, not delivery: the ledger row is
	// written even when posting failed.
	o.recordGeneration(ctx, logger, agent.ID, repo, genResult.Usage)

	if threadErr != nil {
		logger.Error("threading failed", "error", threadErr)
		res.State = StateFailed
		res.Err = threadErr
		return res
	}

	res.State = StateCostRecorded

	for _, id := range res.ReviewIDs {
		o.scheduleEvaluation(logger, id, repo.InstallationID)
	}

	return res
}

// recordGeneration books generation-phase tokens as one ledger row per
// LLM call.
func (o *Orchestrator) recordGeneration(ctx context.Context, logger *slog.Logger, agentID uint, repo *storage.Repository, usage llm.Usage) {
	repoID := repo.ID
	err := o.ledger.Record(ctx, agentID, &repoID, repo.InstallationID, usage.Total(), 0, llm.EstimateCostUSD(usage))
	if err != nil {
		logger.Error("failed to record generation cost", "agent_id", agentID, "error", err)
	}
}

// scheduleEvaluation hands a posted review to the evaluation workers
// without blocking the posting path.
func (o *Orchestrator) scheduleEvaluation(logger *slog.Logger, reviewID uint, installationID int64) {
	defer func() {
		// Sending on a closed queue during shutdown is not an error
		// worth crashing for; the review simply goes unevaluated.
		if r := recover(); r != nil {
			logger.Warn("evaluation queue closed, dropping job", "review_id", reviewID)
		}
	}()
	select {
	case o.evalCh <- evalJob{reviewID: reviewID, installationID: installationID}:
	default:
		logger.Warn("evaluation queue full, dropping job", "review_id", reviewID)
	}
}

// noteHead tracks the newest head SHA per pull request for supersede
// checks.
func (o *Orchestrator) noteHead(ev *ChangeEvent) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.latestHead[ev.prKey()] = ev.HeadSHA
}

// superseded reports whether a newer commit for the same PR has been
// seen since this event arrived.
func (o *Orchestrator) superseded(ev *ChangeEvent) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	head, ok := o.latestHead[ev.prKey()]
	return ok && head != ev.HeadSHA
}

func shortSHA(sha string) string {
	if len(sha) > 7 {
		return sha[:7]
	}
	return sha
}
