package engine

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/agentreview/agentreview/config"
	"github.com/agentreview/agentreview/github"
	"github.com/agentreview/agentreview/llm"
	"github.com/agentreview/agentreview/storage"
	"github.com/agentreview/agentreview/storage/gormstore"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.MaxRetries = 0
	cfg.EvalWorkers = 1
	return cfg
}

func newTestStore(t *testing.T) *gormstore.Store {
	t.Helper()
	store, err := gormstore.OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func seedRepo(t *testing.T, store *gormstore.Store) *storage.Repository {
	t.Helper()
	ctx := context.Background()
	install := &storage.Installation{GithubID: 100, Owner: "acme", OwnerKind: "org"}
	if err := store.SaveInstallation(ctx, install); err != nil {
		t.Fatalf("failed to save installation: %v", err)
	}
	repo := &storage.Repository{InstallationID: 100, FullName: "acme/widgets", DefaultBranch: "main"}
	if err := store.SaveRepository(ctx, repo); err != nil {
		t.Fatalf("failed to save repository: %v", err)
	}
	return repo
}

func seedBoundAgent(t *testing.T, store *gormstore.Store, repoID uint, agent *storage.Agent) *storage.Agent {
	t.Helper()
	ctx := context.Background()
	if agent.UserID == "" {
		agent.UserID = "u1"
	}
	if agent.GenerationPrompt == "" {
		agent.GenerationPrompt = "review " + agent.Name
	}
	agent.Enabled = true
	if err := store.CreateAgent(ctx, agent); err != nil {
		t.Fatalf("failed to create agent: %v", err)
	}
	binding := &storage.AgentRepositoryBinding{AgentID: agent.ID, RepoID: repoID, Enabled: true}
	if err := store.CreateBinding(ctx, binding); err != nil {
		t.Fatalf("failed to create binding: %v", err)
	}
	return agent
}

// fakeLLM is a scripted LLMClient. failForPrompt makes generation fail
// for one agent while others succeed.
type fakeLLM struct {
	mu            sync.Mutex
	genCalls      int
	evalCalls     int
	findings      []llm.Finding
	genUsage      llm.Usage
	failForPrompt string
	genErr        error
	genErrResult  *llm.GenerationResult
	evalScores    map[string]float64
	evalUsage     llm.Usage
	evalErr       error
}

func (f *fakeLLM) Generate(_ context.Context, req *llm.GenerationRequest) (*llm.GenerationResult, error) {
	f.mu.Lock()
	f.genCalls++
	f.mu.Unlock()

	if f.genErr != nil && (f.failForPrompt == "" || req.Prompt == f.failForPrompt) {
		return f.genErrResult, f.genErr
	}
	return &llm.GenerationResult{
		Findings: f.findings,
		Raw:      []byte(`{"findings": []}`),
		Usage:    f.genUsage,
	}, nil
}

func (f *fakeLLM) Evaluate(_ context.Context, _ *llm.EvaluationRequest) (*llm.EvaluationResult, error) {
	f.mu.Lock()
	f.evalCalls++
	f.mu.Unlock()

	if f.evalErr != nil {
		return &llm.EvaluationResult{Usage: f.evalUsage}, f.evalErr
	}
	return &llm.EvaluationResult{Scores: f.evalScores, Summary: "ok", Usage: f.evalUsage}, nil
}

func (f *fakeLLM) generateCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.genCalls
}

// fakePoster records posted comments. A nonzero failStatus makes every
// post fail with that HTTP status.
type fakePoster struct {
	mu         sync.Mutex
	nextID     int64
	comments   []*github.CommentPost
	replies    []int64
	failStatus int
}

func (p *fakePoster) CreateReviewComment(_ context.Context, post *github.CommentPost) (*github.Comment, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failStatus != 0 {
		return nil, &github.APIError{StatusCode: p.failStatus, Body: "scripted failure"}
	}
	p.nextID++
	p.comments = append(p.comments, post)
	return &github.Comment{ID: p.nextID, Path: post.Path, Line: post.Line, Body: post.Body}, nil
}

func (p *fakePoster) CreateReplyComment(_ context.Context, post *github.CommentPost, inReplyToID int64) (*github.Comment, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failStatus != 0 {
		return nil, &github.APIError{StatusCode: p.failStatus, Body: "scripted failure"}
	}
	p.nextID++
	p.comments = append(p.comments, post)
	p.replies = append(p.replies, inReplyToID)
	return &github.Comment{ID: p.nextID, InReplyToID: inReplyToID}, nil
}

func (p *fakePoster) commentCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.comments)
}

func (p *fakePoster) replyCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.replies)
}

func testEvent(sha string) *ChangeEvent {
	return &ChangeEvent{
		RepoFullName: "acme/widgets",
		PRNumber:     7,
		HeadSHA:      sha,
		Files: []ChangedFile{
			{Path: "main.go", Patch: "@@ -1,3 +1,4 @@\n+if err != nil {\n+\treturn err\n+}"},
		},
	}
}

func TestHandleEventOneTaskPerBinding(t *testing.T) {
	store := newTestStore(t)
	repo := seedRepo(t, store)
	for _, name := range []string{"style", "security", "perf"} {
		seedBoundAgent(t, store, repo.ID, &storage.Agent{Name: name})
	}

	client := &fakeLLM{
		findings: []llm.Finding{{Path: "main.go", Line: 2, Severity: 3, Comment: "check the error"}},
		genUsage: llm.Usage{InputTokens: 500, OutputTokens: 100},
	}
	poster := &fakePoster{}
	orch := New(store, client, poster, testConfig(), testLogger())
	orch.Start(context.Background())
	defer orch.Close()

	results, err := orch.HandleEvent(context.Background(), testEvent("aaa111"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(results) != 3 {
		t.Fatalf("got %d results, want one per binding", len(results))
	}
	for _, r := range results {
		if r.State != StateCostRecorded {
			t.Errorf("agent %s: state %q, want %q (err: %v)", r.AgentName, r.State, StateCostRecorded, r.Err)
		}
		if len(r.ReviewIDs) != 1 {
			t.Errorf("agent %s: %d reviews, want 1", r.AgentName, len(r.ReviewIDs))
		}
	}
	if client.generateCalls() != 3 {
		t.Errorf("generate calls = %d, want 3", client.generateCalls())
	}
	if poster.commentCount() != 3 {
		t.Errorf("posted comments = %d, want 3", poster.commentCount())
	}
}

func TestSeverityThresholdFiltersPostings(t *testing.T) {
	store := newTestStore(t)
	repo := seedRepo(t, store)
	agent := seedBoundAgent(t, store, repo.ID, &storage.Agent{Name: "strict", SeverityThreshold: 3})

	client := &fakeLLM{
		findings: []llm.Finding{
			{Path: "main.go", Line: 1, Severity: 1, Comment: "nit"},
			{Path: "main.go", Line: 2, Severity: 3, Comment: "at threshold"},
			{Path: "main.go", Line: 3, Severity: 5, Comment: "critical"},
		},
		genUsage: llm.Usage{InputTokens: 800, OutputTokens: 200},
	}
	poster := &fakePoster{}
	orch := New(store, client, poster, testConfig(), testLogger())
	orch.Start(context.Background())
	defer orch.Close()

	results, err := orch.HandleEvent(context.Background(), testEvent("aaa111"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if results[0].State != StateCostRecorded {
		t.Fatalf("state = %q (err: %v)", results[0].State, results[0].Err)
	}

	if poster.commentCount() != 2 {
		t.Errorf("posted comments = %d, want 2 (severity 1 dropped)", poster.commentCount())
	}
	reviews, err := store.ListReviewsForPR(context.Background(), repo.ID, 7)
	if err != nil {
		t.Fatalf("list reviews: %v", err)
	}
	if len(reviews) != 2 {
		t.Errorf("persisted reviews = %d, want 2", len(reviews))
	}

	// Exactly one cost row for the single generation call, regardless of
	// how many findings survived the filter.
	rows, err := store.ListCostForAgent(context.Background(), agent.ID)
	if err != nil {
		t.Fatalf("list cost: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("cost rows = %d, want 1", len(rows))
	}
	if rows[0].GenerationTokens != 1000 || rows[0].TotalTokens != 1000 {
		t.Errorf("tokens = (%d, %d), want (1000, 1000)", rows[0].GenerationTokens, rows[0].TotalTokens)
	}
}

func TestReplaySameCommitIsNoop(t *testing.T) {
	store := newTestStore(t)
	repo := seedRepo(t, store)
	agent := seedBoundAgent(t, store, repo.ID, &storage.Agent{Name: "style"})

	client := &fakeLLM{
		findings: []llm.Finding{{Path: "main.go", Line: 2, Severity: 2, Comment: "x"}},
		genUsage: llm.Usage{InputTokens: 100, OutputTokens: 10},
	}
	poster := &fakePoster{}
	orch := New(store, client, poster, testConfig(), testLogger())
	orch.Start(context.Background())
	defer orch.Close()

	if _, err := orch.HandleEvent(context.Background(), testEvent("aaa111")); err != nil {
		t.Fatalf("first event: %v", err)
	}
	results, err := orch.HandleEvent(context.Background(), testEvent("aaa111"))
	if err != nil {
		t.Fatalf("second event: %v", err)
	}

	if results[0].State != StateSkipped {
		t.Errorf("replay state = %q, want %q", results[0].State, StateSkipped)
	}
	if client.generateCalls() != 1 {
		t.Errorf("generate calls = %d, want 1 (replay must not consume tokens)", client.generateCalls())
	}
	if poster.commentCount() != 1 {
		t.Errorf("posted comments = %d, want 1", poster.commentCount())
	}
	rows, _ := store.ListCostForAgent(context.Background(), agent.ID)
	if len(rows) != 1 {
		t.Errorf("cost rows = %d, want 1", len(rows))
	}
}

func TestReplayRetriesFailedPost(t *testing.T) {
	store := newTestStore(t)
	repo := seedRepo(t, store)
	seedBoundAgent(t, store, repo.ID, &storage.Agent{Name: "style"})

	client := &fakeLLM{
		findings: []llm.Finding{{Path: "main.go", Line: 2, Severity: 2, Comment: "x"}},
		genUsage: llm.Usage{InputTokens: 100, OutputTokens: 10},
	}
	poster := &fakePoster{failStatus: 404}
	orch := New(store, client, poster, testConfig(), testLogger())
	orch.Start(context.Background())
	defer orch.Close()

	ctx := context.Background()
	results, err := orch.HandleEvent(ctx, testEvent("aaa111"))
	if err != nil {
		t.Fatalf("first event: %v", err)
	}
	if results[0].State != StateFailed {
		t.Fatalf("state = %q, want %q", results[0].State, StateFailed)
	}

	reviews, err := store.ListReviewsForPR(ctx, repo.ID, 7)
	if err != nil {
		t.Fatalf("list reviews: %v", err)
	}
	if len(reviews) != 1 || reviews[0].GithubCommentID != nil {
		t.Fatalf("expected one pending row after the failed post")
	}

	// The pending row must not satisfy the replay check; the next run for
	// the same commit retries the post instead of skipping.
	poster.failStatus = 0
	results, err = orch.HandleEvent(ctx, testEvent("aaa111"))
	if err != nil {
		t.Fatalf("second event: %v", err)
	}
	if results[0].State != StateCostRecorded {
		t.Errorf("replay state = %q, want %q (err: %v)", results[0].State, StateCostRecorded, results[0].Err)
	}
	if poster.commentCount() != 1 {
		t.Errorf("posted comments = %d, want 1", poster.commentCount())
	}

	reviews, err = store.ListReviewsForPR(ctx, repo.ID, 7)
	if err != nil {
		t.Fatalf("list reviews: %v", err)
	}
	if len(reviews) != 1 {
		t.Fatalf("reviews = %d, want 1 (retry must reuse the pending row)", len(reviews))
	}
	if reviews[0].GithubCommentID == nil {
		t.Error("retried post should fill the comment id")
	}
}

func TestBudgetExceededStopsBeforeGeneration(t *testing.T) {
	store := newTestStore(t)
	repo := seedRepo(t, store)
	agent := seedBoundAgent(t, store, repo.ID, &storage.Agent{Name: "style"})

	cfg := testConfig()
	cfg.BudgetCapUSD = 0.01
	cfg.EstimatedCallCostUSD = 0.05

	client := &fakeLLM{genUsage: llm.Usage{InputTokens: 100, OutputTokens: 10}}
	poster := &fakePoster{}
	orch := New(store, client, poster, cfg, testLogger())
	orch.Start(context.Background())
	defer orch.Close()

	results, err := orch.HandleEvent(context.Background(), testEvent("aaa111"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if results[0].State != StateBudgetExceeded {
		t.Errorf("state = %q, want %q", results[0].State, StateBudgetExceeded)
	}
	if client.generateCalls() != 0 {
		t.Errorf("generate calls = %d, want 0 (denial must precede the LLM call)", client.generateCalls())
	}
	if rows, _ := store.ListCostForAgent(context.Background(), agent.ID); len(rows) != 0 {
		t.Errorf("cost rows = %d, want 0", len(rows))
	}
}

func TestNewCommitSameLineRepliesInThread(t *testing.T) {
	store := newTestStore(t)
	repo := seedRepo(t, store)
	seedBoundAgent(t, store, repo.ID, &storage.Agent{Name: "style"})

	client := &fakeLLM{
		findings: []llm.Finding{{Path: "main.go", Line: 2, Severity: 2, Comment: "still an issue"}},
		genUsage: llm.Usage{InputTokens: 100, OutputTokens: 10},
	}
	poster := &fakePoster{}
	orch := New(store, client, poster, testConfig(), testLogger())
	orch.Start(context.Background())
	defer orch.Close()

	ctx := context.Background()
	if _, err := orch.HandleEvent(ctx, testEvent("aaa111")); err != nil {
		t.Fatalf("first event: %v", err)
	}
	if _, err := orch.HandleEvent(ctx, testEvent("bbb222")); err != nil {
		t.Fatalf("second event: %v", err)
	}

	if poster.replyCount() != 1 {
		t.Fatalf("replies = %d, want 1", poster.replyCount())
	}

	reviews, err := store.ListReviewsForPR(ctx, repo.ID, 7)
	if err != nil {
		t.Fatalf("list reviews: %v", err)
	}
	if len(reviews) != 2 {
		t.Fatalf("reviews = %d, want 2", len(reviews))
	}

	var root, reply *storage.Review
	for _, r := range reviews {
		if r.CommitSHA == "aaa111" {
			root = r
		} else {
			reply = r
		}
	}
	if root == nil || reply == nil {
		t.Fatal("expected one review per commit")
	}
	if !reply.IsThreadReply {
		t.Error("second commit's review should be a thread reply")
	}
	if reply.ParentReviewID == nil || *reply.ParentReviewID != root.ID {
		t.Errorf("parent review id = %v, want %d", reply.ParentReviewID, root.ID)
	}
}

func TestBindingFailureIsIsolated(t *testing.T) {
	store := newTestStore(t)
	repo := seedRepo(t, store)
	bad := seedBoundAgent(t, store, repo.ID, &storage.Agent{Name: "bad", GenerationPrompt: "BAD"})
	good := seedBoundAgent(t, store, repo.ID, &storage.Agent{Name: "good", GenerationPrompt: "GOOD"})

	client := &fakeLLM{
		findings:      []llm.Finding{{Path: "main.go", Line: 2, Severity: 2, Comment: "x"}},
		genUsage:      llm.Usage{InputTokens: 100, OutputTokens: 10},
		failForPrompt: "BAD",
		genErr:        context.DeadlineExceeded,
	}
	poster := &fakePoster{}
	orch := New(store, client, poster, testConfig(), testLogger())
	orch.Start(context.Background())
	defer orch.Close()

	results, err := orch.HandleEvent(context.Background(), testEvent("aaa111"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	byName := map[string]BindingResult{}
	for _, r := range results {
		byName[r.AgentName] = r
	}
	if byName["bad"].State != StateFailed {
		t.Errorf("bad agent state = %q, want %q", byName["bad"].State, StateFailed)
	}
	if byName["good"].State != StateCostRecorded {
		t.Errorf("good agent state = %q, want %q (err: %v)", byName["good"].State, StateCostRecorded, byName["good"].Err)
	}
	if poster.commentCount() != 1 {
		t.Errorf("posted comments = %d, want 1", poster.commentCount())
	}

	// The failed call confirmed no usage, so only the good agent has a
	// ledger row.
	if rows, _ := store.ListCostForAgent(context.Background(), bad.ID); len(rows) != 0 {
		t.Errorf("bad agent cost rows = %d, want 0", len(rows))
	}
	if rows, _ := store.ListCostForAgent(context.Background(), good.ID); len(rows) != 1 {
		t.Errorf("good agent cost rows = %d, want 1", len(rows))
	}
}

func TestGenerationParseFailureBooksConfirmedUsage(t *testing.T) {
	store := newTestStore(t)
	repo := seedRepo(t, store)
	agent := seedBoundAgent(t, store, repo.ID, &storage.Agent{Name: "style"})

	parseErr := &llm.ParseError{Raw: []byte("not json")}
	client := &fakeLLM{
		genErr:       parseErr,
		genErrResult: &llm.GenerationResult{Raw: []byte("not json"), Usage: llm.Usage{InputTokens: 400, OutputTokens: 80}},
	}
	poster := &fakePoster{}
	orch := New(store, client, poster, testConfig(), testLogger())
	orch.Start(context.Background())
	defer orch.Close()

	results, err := orch.HandleEvent(context.Background(), testEvent("aaa111"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if results[0].State != StateFailed {
		t.Fatalf("state = %q, want %q", results[0].State, StateFailed)
	}

	// The provider confirmed token usage before the output proved
	// unusable, so the spend still lands in the ledger.
	rows, _ := store.ListCostForAgent(context.Background(), agent.ID)
	if len(rows) != 1 {
		t.Fatalf("cost rows = %d, want 1", len(rows))
	}
	if rows[0].GenerationTokens != 480 {
		t.Errorf("generation tokens = %d, want 480", rows[0].GenerationTokens)
	}
	if poster.commentCount() != 0 {
		t.Errorf("posted comments = %d, want 0", poster.commentCount())
	}
}

func TestFileFilterSkipsBindingWithoutMatches(t *testing.T) {
	store := newTestStore(t)
	repo := seedRepo(t, store)
	seedBoundAgent(t, store, repo.ID, &storage.Agent{Name: "docs-only", FileFilters: []string{".md"}})

	client := &fakeLLM{genUsage: llm.Usage{InputTokens: 1, OutputTokens: 1}}
	poster := &fakePoster{}
	orch := New(store, client, poster, testConfig(), testLogger())
	orch.Start(context.Background())
	defer orch.Close()

	results, err := orch.HandleEvent(context.Background(), testEvent("aaa111"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if results[0].State != StateSkipped {
		t.Errorf("state = %q, want %q", results[0].State, StateSkipped)
	}
	if client.generateCalls() != 0 {
		t.Errorf("generate calls = %d, want 0", client.generateCalls())
	}
}

func TestUnknownRepositoryFailsResolution(t *testing.T) {
	store := newTestStore(t)
	orch := New(store, &fakeLLM{}, &fakePoster{}, testConfig(), testLogger())

	_, err := orch.HandleEvent(context.Background(), testEvent("aaa111"))
	if err == nil {
		t.Fatal("expected error for unknown repository")
	}
}

func TestSupersededDetection(t *testing.T) {
	o := &Orchestrator{latestHead: make(map[string]string)}
	evOld := &ChangeEvent{RepoFullName: "acme/widgets", PRNumber: 7, HeadSHA: "aaa111"}
	evNew := &ChangeEvent{RepoFullName: "acme/widgets", PRNumber: 7, HeadSHA: "bbb222"}
	evOtherPR := &ChangeEvent{RepoFullName: "acme/widgets", PRNumber: 8, HeadSHA: "aaa111"}

	o.noteHead(evOld)
	if o.superseded(evOld) {
		t.Error("only event for the PR must not be superseded")
	}

	o.noteHead(evNew)
	if !o.superseded(evOld) {
		t.Error("older head must be superseded by the newer one")
	}
	if o.superseded(evNew) {
		t.Error("newest head must not be superseded")
	}
	if o.superseded(evOtherPR) {
		t.Error("supersede tracking is per pull request")
	}
}
