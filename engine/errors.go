// Package engine implements the agent review orchestration pipeline:
// binding resolution, budget admission, review generation, severity
// filtering, comment threading, posting, cost accounting, and deferred
// evaluation.
package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates an unknown repository, agent, or review.
	// Non-retryable; surfaced to the caller.
	ErrNotFound = errors.New("not found")

	// ErrBudgetExceeded is a hard stop for one binding's pipeline. Other
	// bindings are unaffected.
	ErrBudgetExceeded = errors.New("budget exceeded")

	// ErrInvalidRating indicates a feedback rating outside the accepted
	// bounds.
	ErrInvalidRating = errors.New("rating out of bounds")
)

// GenerationError wraps an LLM generation failure. Retryable failures
// (provider errors, timeouts) may be re-invoked; non-retryable failures
// (malformed output) carry the raw payload for diagnostics.
type GenerationError struct {
	Retryable bool
	Raw       []byte
	Err       error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("generation failed (retryable=%t): %v", e.Retryable, e.Err)
}

func (e *GenerationError) Unwrap() error {
	return e.Err
}

// PostError wraps a VCS comment-post failure. Transient API errors (rate
// limit, 5xx) are retryable; the pending review row is reused on retry so
// no duplicate rows appear.
type PostError struct {
	Retryable bool
	Err       error
}

func (e *PostError) Error() string {
	return fmt.Sprintf("post failed (retryable=%t): %v", e.Retryable, e.Err)
}

func (e *PostError) Unwrap() error {
	return e.Err
}

// EvaluationError indicates a malformed evaluation result. It is logged
// and never persisted; zero evaluations beat a malformed one.
type EvaluationError struct {
	Err error
}

func (e *EvaluationError) Error() string {
	return fmt.Sprintf("evaluation failed: %v", e.Err)
}

func (e *EvaluationError) Unwrap() error {
	return e.Err
}
