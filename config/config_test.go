package config

import (
	"strings"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
	if cfg.Provider != "anthropic" {
		t.Errorf("provider = %q, want anthropic", cfg.Provider)
	}
	if cfg.BudgetScope != ScopeAgent {
		t.Errorf("budget scope = %q, want %q", cfg.BudgetScope, ScopeAgent)
	}
}

func TestParse(t *testing.T) {
	content := []byte(`
provider: anthropic
model: claude-test
max_retries: 1
budget_cap_usd: 10.5
budget_scope: organization
budget_window_days: 7
eval_workers: 4
`)
	cfg, err := Parse(content)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Model != "claude-test" {
		t.Errorf("model = %q, want claude-test", cfg.Model)
	}
	if cfg.MaxRetries != 1 {
		t.Errorf("max_retries = %d, want 1", cfg.MaxRetries)
	}
	if cfg.BudgetCapUSD != 10.5 {
		t.Errorf("budget_cap_usd = %f, want 10.5", cfg.BudgetCapUSD)
	}
	if cfg.BudgetScope != ScopeOrganization {
		t.Errorf("budget_scope = %q, want organization", cfg.BudgetScope)
	}
	if cfg.EvalWorkers != 4 {
		t.Errorf("eval_workers = %d, want 4", cfg.EvalWorkers)
	}
	// Unset fields keep defaults.
	if cfg.RequestTimeoutMS != 180_000 {
		t.Errorf("request_timeout_ms = %d, want default 180000", cfg.RequestTimeoutMS)
	}
}

func TestParseInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		errPart string
	}{
		{"unsupported provider", "provider: openai", "unsupported provider"},
		{"bad scope", "budget_scope: team", "invalid budget scope"},
		{"negative retries", "max_retries: -1", "max_retries"},
		{"zero timeout", "request_timeout_ms: 0", "request_timeout_ms"},
		{"zero cap", "budget_cap_usd: 0", "budget_cap_usd"},
		{"zero window", "budget_window_days: 0", "budget_window_days"},
		{"zero concurrency", "max_concurrent_bindings: 0", "max_concurrent_bindings"},
		{"zero workers", "eval_workers: 0", "eval_workers"},
		{"not yaml", "{{nope", "failed to parse"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.content))
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.errPart) {
				t.Errorf("error %q should mention %q", err, tt.errPart)
			}
		})
	}
}

func TestLoadMissingPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.BudgetCapUSD != DefaultConfig().BudgetCapUSD {
		t.Error("empty path should return defaults")
	}
}

func TestDurationHelpers(t *testing.T) {
	cfg := &Config{RequestTimeoutMS: 1500, BudgetWindowDays: 2}
	if cfg.RequestTimeout() != 1500*time.Millisecond {
		t.Errorf("RequestTimeout = %v", cfg.RequestTimeout())
	}
	if cfg.BudgetWindow() != 48*time.Hour {
		t.Errorf("BudgetWindow = %v", cfg.BudgetWindow())
	}
}
