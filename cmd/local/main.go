// Package main provides a one-shot local runner: it reviews a unified
// diff from disk with a single agent, backed by an in-memory SQLite
// store and a poster that prints comments to stdout instead of calling
// GitHub.
//
// Usage:
//
//	go run cmd/local/main.go -diff change.patch -agent agent.yaml \
//	    -repo acme/widgets -pr 42 -sha deadbeef
//
// ANTHROPIC_API_KEY must be set.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/agentreview/agentreview/config"
	"github.com/agentreview/agentreview/engine"
	"github.com/agentreview/agentreview/github"
	"github.com/agentreview/agentreview/llm"
	"github.com/agentreview/agentreview/storage"
	"github.com/agentreview/agentreview/storage/gormstore"
)

// agentSpec is the YAML shape of a locally defined agent.
type agentSpec struct {
	Name              string   `yaml:"name"`
	GenerationPrompt  string   `yaml:"generation_prompt"`
	FileFilters       []string `yaml:"file_filters"`
	SeverityThreshold int      `yaml:"severity_threshold"`
	EvaluationPrompt  string   `yaml:"evaluation_prompt"`
	EvaluationDims    []string `yaml:"evaluation_dims"`
}

// stdoutPoster prints comments instead of calling the GitHub API.
type stdoutPoster struct {
	nextID atomic.Int64
}

func (p *stdoutPoster) CreateReviewComment(_ context.Context, post *github.CommentPost) (*github.Comment, error) {
	id := p.nextID.Add(1)
	fmt.Printf("\n--- comment %d: %s:%d ---\n%s\n", id, post.Path, post.Line, post.Body)
	return &github.Comment{ID: id, Path: post.Path, Line: post.Line, Body: post.Body}, nil
}

func (p *stdoutPoster) CreateReplyComment(_ context.Context, post *github.CommentPost, inReplyToID int64) (*github.Comment, error) {
	id := p.nextID.Add(1)
	fmt.Printf("\n--- reply %d (to %d): %s:%d ---\n%s\n", id, inReplyToID, post.Path, post.Line, post.Body)
	return &github.Comment{ID: id, Path: post.Path, Line: post.Line, Body: post.Body, InReplyToID: inReplyToID}, nil
}

func main() {
	diffPath := flag.String("diff", "", "path to a unified diff file (required)")
	agentPath := flag.String("agent", "", "path to an agent definition YAML (required)")
	repoName := flag.String("repo", "local/sandbox", "repository full name")
	prNumber := flag.Int("pr", 1, "pull request number")
	headSHA := flag.String("sha", "0000000", "head commit SHA")
	configPath := flag.String("config", "", "optional engine config YAML")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))

	if err := run(logger, *diffPath, *agentPath, *repoName, *prNumber, *headSHA, *configPath); err != nil {
		logger.Error("run failed", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger, diffPath, agentPath, repoName string, prNumber int, headSHA, configPath string) error {
	if diffPath == "" || agentPath == "" {
		return fmt.Errorf("-diff and -agent are required")
	}

	apiKey := os.Getenv("ANTHROPIC_API_KEY")
	if apiKey == "" {
		return fmt.Errorf("ANTHROPIC_API_KEY is required")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	diff, err := os.ReadFile(diffPath)
	if err != nil {
		return fmt.Errorf("failed to read diff: %w", err)
	}

	spec, err := loadAgentSpec(agentPath)
	if err != nil {
		return err
	}

	store, err := gormstore.OpenSQLite(":memory:")
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer store.Close()
	if err := store.Migrate(); err != nil {
		return fmt.Errorf("failed to migrate: %w", err)
	}

	ctx := context.Background()

	// Seed the store with the local installation, repo, agent, binding.
	install := &storage.Installation{GithubID: 1, Owner: "local", OwnerKind: "User"}
	if err := store.SaveInstallation(ctx, install); err != nil {
		return err
	}
	repo := &storage.Repository{InstallationID: install.GithubID, FullName: repoName, DefaultBranch: "main"}
	if err := store.SaveRepository(ctx, repo); err != nil {
		return err
	}
	agent := &storage.Agent{
		UserID:            "local",
		Name:              spec.Name,
		GenerationPrompt:  spec.GenerationPrompt,
		FileFilters:       spec.FileFilters,
		SeverityThreshold: spec.SeverityThreshold,
		Enabled:           true,
		EvaluationPrompt:  spec.EvaluationPrompt,
		EvaluationDims:    spec.EvaluationDims,
	}
	if err := store.CreateAgent(ctx, agent); err != nil {
		return err
	}
	binding := &storage.AgentRepositoryBinding{AgentID: agent.ID, RepoID: repo.ID, Enabled: true}
	if err := store.CreateBinding(ctx, binding); err != nil {
		return err
	}

	llmClient := llm.NewClient(apiKey, cfg.Model, cfg.MaxRetries, cfg.RequestTimeout(), logger)
	orchestrator := engine.New(store, llmClient, &stdoutPoster{}, cfg, logger)

	runCtx, cancel := context.WithTimeout(ctx, 10*time.Minute)
	defer cancel()
	orchestrator.Start(runCtx)

	ev := &engine.ChangeEvent{
		RepoFullName: repoName,
		PRNumber:     prNumber,
		HeadSHA:      headSHA,
		Files:        splitDiff(string(diff)),
	}

	results, err := orchestrator.HandleEvent(runCtx, ev)
	if err != nil {
		return err
	}

	// Drain the evaluation queue before reporting.
	orchestrator.Close()

	for _, r := range results {
		logger.Info("binding result",
			"agent", r.AgentName,
			"state", string(r.State),
			"reviews", len(r.ReviewIDs),
			"error", r.Err,
		)
		for _, id := range r.ReviewIDs {
			evals, err := store.ListEvaluationsForReview(ctx, id)
			if err != nil {
				return err
			}
			for _, e := range evals {
				logger.Info("evaluation", "review_id", id, "scores", e.Scores, "summary", e.Summary)
			}
		}
	}

	return nil
}

func loadAgentSpec(path string) (*agentSpec, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read agent file: %w", err)
	}
	var spec agentSpec
	if err := yaml.Unmarshal(content, &spec); err != nil {
		return nil, fmt.Errorf("failed to parse agent file: %w", err)
	}
	if spec.Name == "" || spec.GenerationPrompt == "" {
		return nil, fmt.Errorf("agent file must set name and generation_prompt")
	}
	return &spec, nil
}

// splitDiff breaks a unified diff into per-file changed files. Paths are
// taken from the "+++ b/<path>" headers.
func splitDiff(diff string) []engine.ChangedFile {
	var files []engine.ChangedFile
	var current *engine.ChangedFile
	var buf strings.Builder

	flush := func() {
		if current != nil {
			current.Patch = strings.TrimRight(buf.String(), "\n")
			files = append(files, *current)
		}
		buf.Reset()
	}

	for _, line := range strings.Split(diff, "\n") {
		if strings.HasPrefix(line, "+++ b/") {
			flush()
			current = &engine.ChangedFile{Path: strings.TrimPrefix(line, "+++ b/")}
			continue
		}
		if current != nil && !strings.HasPrefix(line, "--- a/") && !strings.HasPrefix(line, "diff ") {
			buf.WriteString(line)
			buf.WriteString("\n")
		}
	}
	flush()

	return files
}
