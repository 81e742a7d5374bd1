// Package llm wraps the Anthropic API for review generation and
// evaluation calls.
package llm

// Usage holds token consumption reported by the provider for one call.
type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// Total returns combined input and output tokens.
func (u Usage) Total() int64 {
	return u.InputTokens + u.OutputTokens
}

// Finding is one candidate issue extracted from a diff, before it becomes
// a persisted review.
type Finding struct {
	Path     string `json:"path"`
	Line     int    `json:"line"`
	Severity int    `json:"severity"` // 0 (informational) to 5 (critical)
	Comment  string `json:"comment"`
}

// GenerationRequest describes one review-generation call.
type GenerationRequest struct {
	Prompt    string // the agent's generation prompt, used as system context
	Diff      string // unified diff restricted to the agent's file filters
	PRNumber  int
	CommitSHA string
}

// GenerationResult carries the parsed findings, the raw provider payload
// kept for audit, and token usage.
type GenerationResult struct {
	Findings []Finding
	Raw      []byte
	Usage    Usage
}

// EvaluationRequest describes one review-evaluation call.
type EvaluationRequest struct {
	Prompt      string   // the agent's evaluation prompt
	Dims        []string // dimension names the scores must cover exactly
	CodeChunk   string
	CommentText string
}

// EvaluationResult carries the structured scores and token usage.
type EvaluationResult struct {
	Scores  map[string]float64
	Summary string
	Usage   Usage
}
