// Package main provides the standalone HTTP server for self-hosted
// review orchestration deployments.
//
// Configuration via environment variables:
//
//	GITHUB_APP_ID         - GitHub App ID (required)
//	GITHUB_WEBHOOK_SECRET - Webhook signature verification secret (required)
//	GITHUB_PRIVATE_KEY    - GitHub App private key in PEM format (required)
//	ANTHROPIC_API_KEY     - Anthropic API key for Claude (required)
//	DATABASE_URL          - PostgreSQL connection string (required)
//	PORT                  - HTTP server port (default: 8080)
//	CONFIG_PATH           - Optional engine config YAML (defaults apply)
//
// Usage:
//
//	go run cmd/server/main.go
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/agentreview/agentreview/config"
	"github.com/agentreview/agentreview/engine"
	"github.com/agentreview/agentreview/github"
	"github.com/agentreview/agentreview/llm"
	"github.com/agentreview/agentreview/storage"
	"github.com/agentreview/agentreview/storage/gormstore"
)

var (
	logger         *slog.Logger
	cfg            *config.Config
	webhookHandler *github.WebhookHandler
	githubClient   *github.Client
	store          *gormstore.Store
	orchestrator   *engine.Orchestrator
)

func main() {
	logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	if err := initialize(); err != nil {
		logger.Error("failed to initialize", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	runCtx, cancelRun := context.WithCancel(context.Background())
	orchestrator.Start(runCtx)

	// Set up routes
	mux := http.NewServeMux()
	mux.HandleFunc("/webhooks/github", handleWebhook)
	mux.HandleFunc("/api/reviews/", handleFeedback)
	mux.HandleFunc("/health", handleHealth)
	mux.HandleFunc("/", handleRoot)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	server := &http.Server{
		Addr:         ":" + port,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 600 * time.Second, // Long timeout for Claude API calls
		IdleTimeout:  120 * time.Second,
	}

	// Graceful shutdown
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		logger.Info("starting server", "port", port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-done
	logger.Info("shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("shutdown failed", "error", err)
	}

	orchestrator.Close()
	cancelRun()
}

func initialize() error {
	// Load required config from environment
	webhookSecret := os.Getenv("GITHUB_WEBHOOK_SECRET")
	if webhookSecret == "" {
		return fmt.Errorf("GITHUB_WEBHOOK_SECRET is required")
	}

	privateKey := os.Getenv("GITHUB_PRIVATE_KEY")
	if privateKey == "" {
		return fmt.Errorf("GITHUB_PRIVATE_KEY is required")
	}

	apiKey := os.Getenv("ANTHROPIC_API_KEY")
	if apiKey == "" {
		return fmt.Errorf("ANTHROPIC_API_KEY is required")
	}

	appIDStr := os.Getenv("GITHUB_APP_ID")
	if appIDStr == "" {
		return fmt.Errorf("GITHUB_APP_ID is required")
	}

	appID, err := strconv.ParseInt(appIDStr, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid GITHUB_APP_ID: %w", err)
	}

	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	cfg, err = config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		return err
	}

	store, err = gormstore.Open(databaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	webhookHandler = github.NewWebhookHandler(webhookSecret)
	githubClient = github.NewClient(appID, []byte(privateKey))

	llmClient := llm.NewClient(apiKey, cfg.Model, cfg.MaxRetries, cfg.RequestTimeout(), logger)
	orchestrator = engine.New(store, llmClient, githubClient, cfg, logger)

	logger.Info("initialized",
		"app_id", appID,
		"budget_scope", cfg.BudgetScope,
		"budget_cap_usd", cfg.BudgetCapUSD,
	)

	return nil
}

func handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	jsonResponse(w, http.StatusOK, map[string]string{
		"name":    "agentreview",
		"status":  "running",
		"version": "self-hosted",
	})
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := store.Ping(ctx); err != nil {
		logger.Error("health check failed", "error", err)
		jsonResponse(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unhealthy",
			"error":  "database unreachable",
		})
		return
	}
	jsonResponse(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func handleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// Read body
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		logger.Error("failed to read body", "error", err)
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	// Get event type
	eventType := r.Header.Get("X-GitHub-Event")
	if eventType == "" {
		http.Error(w, "missing X-GitHub-Event header", http.StatusBadRequest)
		return
	}

	logger.Info("received webhook", "event", eventType, "size", len(payload))

	// Verify signature
	signature := r.Header.Get("X-Hub-Signature-256")
	if err := webhookHandler.VerifySignature(payload, signature); err != nil {
		logger.Error("signature verification failed", "error", err)
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	// Handle ping
	if eventType == "ping" {
		logger.Info("received ping")
		jsonResponse(w, http.StatusOK, map[string]string{"message": "pong"})
		return
	}

	// Only handle pull_request events
	if eventType != "pull_request" {
		logger.Info("ignoring event", "type", eventType)
		jsonResponse(w, http.StatusOK, map[string]string{"message": "event ignored"})
		return
	}

	// Parse event
	event, err := webhookHandler.ParsePullRequestEvent(payload)
	if err != nil {
		logger.Error("failed to parse event", "error", err)
		http.Error(w, "failed to parse event", http.StatusBadRequest)
		return
	}

	// Check if we should process
	if !webhookHandler.ShouldProcess(eventType, event) {
		logger.Info("skipping event", "action", event.Action)
		jsonResponse(w, http.StatusOK, map[string]string{"message": "event skipped"})
		return
	}

	logger.Info("processing PR",
		"repo", event.Repository.FullName,
		"pr", event.PullRequest.Number,
		"action", event.Action,
	)

	// Keep installation and repository records current so binding
	// resolution can find them.
	if err := registerEventSource(r.Context(), event); err != nil {
		logger.Error("failed to register event source", "error", err)
		http.Error(w, "failed to register repository", http.StatusInternalServerError)
		return
	}

	// Respond immediately to GitHub
	jsonResponse(w, http.StatusOK, map[string]string{"message": "review started"})

	// Run the pipeline in background
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()

		files, err := githubClient.FetchPullRequestFiles(
			ctx,
			event.Installation.ID,
			event.Repository.Owner.Login,
			event.Repository.Name,
			event.PullRequest.Number,
		)
		if err != nil {
			logger.Error("failed to fetch changed files", "error", err)
			return
		}

		ev := &engine.ChangeEvent{
			RepoFullName: event.Repository.FullName,
			PRNumber:     event.PullRequest.Number,
			HeadSHA:      event.PullRequest.Head.SHA,
		}
		for _, f := range files {
			if f.Patch == "" {
				continue // binary or renamed file, nothing to review
			}
			ev.Files = append(ev.Files, engine.ChangedFile{Path: f.Filename, Patch: f.Patch})
		}

		if _, err := orchestrator.HandleEvent(ctx, ev); err != nil {
			logger.Error("event handling failed", "error", err)
		}
	}()
}

// registerEventSource upserts the installation and repository rows for
// an incoming event. Self-hosted deployments have no separate install
// flow, so the webhook is the source of truth.
func registerEventSource(ctx context.Context, event *github.WebhookEvent) error {
	install, err := store.GetInstallation(ctx, event.Installation.ID)
	if err != nil {
		return err
	}
	if install == nil {
		install = &storage.Installation{
			GithubID:  event.Installation.ID,
			Owner:     event.Repository.Owner.Login,
			OwnerKind: event.Repository.Owner.Type,
		}
		if err := store.SaveInstallation(ctx, install); err != nil {
			return err
		}
	}

	repo, err := store.GetRepositoryByFullName(ctx, event.Repository.FullName)
	if err != nil {
		return err
	}
	if repo == nil {
		repo = &storage.Repository{
			InstallationID: event.Installation.ID,
			FullName:       event.Repository.FullName,
			DefaultBranch:  event.Repository.DefaultBranch,
		}
		return store.SaveRepository(ctx, repo)
	}
	return nil
}

// handleFeedback accepts POST /api/reviews/{id}/feedback with a JSON
// body {"rating": 1..5}.
func handleFeedback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/api/reviews/")
	idStr, rest, ok := strings.Cut(path, "/")
	if !ok || rest != "feedback" {
		http.NotFound(w, r)
		return
	}
	reviewID, err := strconv.ParseUint(idStr, 10, 32)
	if err != nil {
		http.Error(w, "invalid review id", http.StatusBadRequest)
		return
	}

	var body struct {
		Rating int `json:"rating"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	fb, err := orchestrator.Feedback().Submit(r.Context(), uint(reviewID), body.Rating)
	if err != nil {
		logger.Error("feedback rejected", "review_id", reviewID, "error", err)
		status := http.StatusBadRequest
		if errors.Is(err, engine.ErrNotFound) {
			status = http.StatusNotFound
		}
		http.Error(w, err.Error(), status)
		return
	}

	jsonResponse(w, http.StatusCreated, map[string]any{
		"feedback_id": fb.ID,
		"review_id":   fb.ReviewID,
		"rating":      fb.Rating,
	})
}

func jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
