package llm

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const (
	// DefaultModel is the Claude model used for generation and evaluation.
	DefaultModel = "claude-sonnet-4-20250514"

	// RetryBaseDelay is the initial delay between retries (doubles each attempt).
	RetryBaseDelay = 1 * time.Second

	// maxGenerationTokens bounds the generation response size.
	maxGenerationTokens = 4096
	// maxEvaluationTokens bounds the evaluation response size.
	maxEvaluationTokens = 1024
)

// Approximate Claude Sonnet pricing in USD per million tokens, used for
// budget accounting.
const (
	costPerMInputTokensUSD  = 3.0
	costPerMOutputTokensUSD = 15.0
)

// EstimateCostUSD converts token usage into an estimated dollar cost.
func EstimateCostUSD(usage Usage) float64 {
	return float64(usage.InputTokens)/1_000_000*costPerMInputTokensUSD +
		float64(usage.OutputTokens)/1_000_000*costPerMOutputTokensUSD
}

// Client calls the Anthropic API with bounded timeouts and retries on
// transient failures.
type Client struct {
	apiKey     string
	model      string
	maxRetries int
	timeout    time.Duration
	logger     *slog.Logger
}

// NewClient creates an LLM client. A zero timeout or negative retry
// count falls back to safe defaults.
func NewClient(apiKey, model string, maxRetries int, timeout time.Duration, logger *slog.Logger) *Client {
	if model == "" {
		model = DefaultModel
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	if timeout <= 0 {
		timeout = 3 * time.Minute
	}
	return &Client{
		apiKey:     apiKey,
		model:      model,
		maxRetries: maxRetries,
		timeout:    timeout,
		logger:     logger,
	}
}

// Generate performs one review-generation call. The call is not
// resumable; a failed call is retried whole. Unparseable model output
// returns a *ParseError with the raw payload preserved.
func (c *Client) Generate(ctx context.Context, req *GenerationRequest) (*GenerationResult, error) {
	system, user := BuildGenerationPrompts(req)

	text, usage, err := c.complete(ctx, "generate", system, user, maxGenerationTokens)
	if err != nil {
		return nil, err
	}

	c.logger.Info("generation call complete",
		"pr", req.PRNumber,
		"commit", req.CommitSHA,
		"input_tokens", usage.InputTokens,
		"output_tokens", usage.OutputTokens,
	)

	findings, err := ParseFindings(text)
	if err != nil {
		// The tokens were still consumed; callers book cost from the
		// usage attached to the parse failure result.
		return &GenerationResult{Raw: []byte(text), Usage: usage}, err
	}

	return &GenerationResult{
		Findings: findings,
		Raw:      []byte(text),
		Usage:    usage,
	}, nil
}

// Evaluate performs one review-evaluation call.
func (c *Client) Evaluate(ctx context.Context, req *EvaluationRequest) (*EvaluationResult, error) {
	system, user := BuildEvaluationPrompts(req)

	text, usage, err := c.complete(ctx, "evaluate", system, user, maxEvaluationTokens)
	if err != nil {
		return nil, err
	}

	c.logger.Info("evaluation call complete",
		"input_tokens", usage.InputTokens,
		"output_tokens", usage.OutputTokens,
	)

	scores, summary, err := ParseEvaluation(text)
	if err != nil {
		return &EvaluationResult{Usage: usage}, err
	}

	return &EvaluationResult{
		Scores:  scores,
		Summary: summary,
		Usage:   usage,
	}, nil
}

// complete sends one message to the API and extracts the text response
// and token usage.
func (c *Client) complete(ctx context.Context, operation, system, user string, maxTokens int64) (string, Usage, error) {
	client := anthropic.NewClient(option.WithAPIKey(c.apiKey))

	timeoutCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	message, err := retryWithBackoff(timeoutCtx, c.logger, operation, c.maxRetries, RetryBaseDelay, func() (*anthropic.Message, error) {
		return client.Messages.New(timeoutCtx, anthropic.MessageNewParams{
			Model:     anthropic.F(anthropic.Model(c.model)),
			MaxTokens: anthropic.F(maxTokens),
			System: anthropic.F([]anthropic.TextBlockParam{
				anthropic.NewTextBlock(system),
			}),
			Messages: anthropic.F([]anthropic.MessageParam{
				anthropic.NewUserMessage(anthropic.NewTextBlock(user)),
			}),
		})
	})
	if err != nil {
		return "", Usage{}, fmt.Errorf("Claude API error: %w", err)
	}

	usage := Usage{
		InputTokens:  message.Usage.InputTokens,
		OutputTokens: message.Usage.OutputTokens,
	}

	for _, block := range message.Content {
		if block.Type == anthropic.ContentBlockTypeText {
			return block.Text, usage, nil
		}
	}

	return "", usage, fmt.Errorf("no text content in Claude response")
}
