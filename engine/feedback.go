package engine

import (
	"context"
	"fmt"

	"github.com/agentreview/agentreview/storage"
)

// Feedback rating bounds.
const (
	MinRating = 1
	MaxRating = 5
)

// FeedbackCollector records human ratings against posted reviews,
// independent of LLM evaluations.
type FeedbackCollector struct {
	store storage.Store
}

// NewFeedbackCollector creates a feedback collector.
func NewFeedbackCollector(store storage.Store) *FeedbackCollector {
	return &FeedbackCollector{store: store}
}

// Submit validates and appends one rating for an existing review.
func (fc *FeedbackCollector) Submit(ctx context.Context, reviewID uint, rating int) (*storage.Feedback, error) {
	if rating < MinRating || rating > MaxRating {
		return nil, fmt.Errorf("rating %d outside [%d, %d]: %w", rating, MinRating, MaxRating, ErrInvalidRating)
	}

	review, err := fc.store.GetReview(ctx, reviewID)
	if err != nil {
		return nil, err
	}
	if review == nil {
		return nil, fmt.Errorf("review %d: %w", reviewID, ErrNotFound)
	}

	fb := &storage.Feedback{ReviewID: reviewID, Rating: rating}
	if err := fc.store.CreateFeedback(ctx, fb); err != nil {
		return nil, err
	}
	return fb, nil
}
