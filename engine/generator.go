package engine

import (
	"context"
	"errors"
	"log/slog"

	"github.com/agentreview/agentreview/llm"
	"github.com/agentreview/agentreview/storage"
)

// Generator produces candidate findings for one agent and change event.
// One LLM call per invocation; a failed call is re-invoked, never
// resumed.
type Generator struct {
	llm    LLMClient
	logger *slog.Logger
}

// NewGenerator creates a review generator.
func NewGenerator(client LLMClient, logger *slog.Logger) *Generator {
	return &Generator{llm: client, logger: logger}
}

// Generate restricts the event's files to the agent's filters, invokes
// the model once, and returns validated findings in order. When no files
// match, it returns (nil, nil, nil) without consuming tokens.
//
// Provider errors and timeouts map to GenerationError{Retryable: true};
// unparseable output maps to GenerationError{Retryable: false} with the
// raw response preserved. Usage is returned whenever the provider
// confirmed it, including on parse failures, so cost can be booked.
func (g *Generator) Generate(ctx context.Context, agent *storage.Agent, ev *ChangeEvent) ([]llm.Finding, *llm.GenerationResult, error) {
	files := FilterFiles(ev.Files, agent.FileFilters)
	if len(files) == 0 {
		g.logger.Info("no files match agent filters",
			"agent", agent.Name,
			"filters", agent.FileFilters,
			"changed_files", len(ev.Files),
		)
		return nil, nil, nil
	}

	req := &llm.GenerationRequest{
		Prompt:    agent.GenerationPrompt,
		Diff:      BuildDiff(files),
		PRNumber:  ev.PRNumber,
		CommitSHA: ev.HeadSHA,
	}

	result, err := g.llm.Generate(ctx, req)
	if err != nil {
		var parseErr *llm.ParseError
		if errors.As(err, &parseErr) {
			return nil, result, &GenerationError{Retryable: false, Raw: parseErr.Raw, Err: err}
		}
		return nil, result, &GenerationError{Retryable: true, Err: err}
	}

	g.logger.Info("generated findings",
		"agent", agent.Name,
		"pr", ev.PRNumber,
		"commit", ev.HeadSHA,
		"findings", len(result.Findings),
	)

	return result.Findings, result, nil
}
