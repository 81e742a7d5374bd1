package llm

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"
)

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"rate limit", errors.New("API returned 429"), true},
		{"server error", errors.New("status 500"), true},
		{"bad gateway", errors.New("status 502"), true},
		{"connection reset", errors.New("connection reset by peer"), true},
		{"timeout", errors.New("request timeout"), true},
		{"deadline", context.DeadlineExceeded, true},
		{"auth failure", errors.New("invalid api key"), false},
		{"bad request", errors.New("status 400"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isRetryableError(tt.err); got != tt.want {
				t.Errorf("isRetryableError(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestRetryWithBackoff(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx := context.Background()

	t.Run("succeeds after transient failure", func(t *testing.T) {
		calls := 0
		result, err := retryWithBackoff(ctx, logger, "test", 3, time.Millisecond, func() (string, error) {
			calls++
			if calls < 3 {
				return "", errors.New("status 503")
			}
			return "ok", nil
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if result != "ok" {
			t.Errorf("result = %q, want ok", result)
		}
		if calls != 3 {
			t.Errorf("calls = %d, want 3", calls)
		}
	})

	t.Run("non-retryable error returns immediately", func(t *testing.T) {
		calls := 0
		_, err := retryWithBackoff(ctx, logger, "test", 3, time.Millisecond, func() (string, error) {
			calls++
			return "", errors.New("invalid api key")
		})
		if err == nil {
			t.Fatal("expected error")
		}
		if calls != 1 {
			t.Errorf("calls = %d, want 1", calls)
		}
	})

	t.Run("exhausts retries", func(t *testing.T) {
		calls := 0
		_, err := retryWithBackoff(ctx, logger, "test", 2, time.Millisecond, func() (string, error) {
			calls++
			return "", errors.New("status 429")
		})
		if err == nil {
			t.Fatal("expected error")
		}
		if calls != 3 {
			t.Errorf("calls = %d, want 3 (initial + 2 retries)", calls)
		}
	})
}
