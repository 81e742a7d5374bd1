// Package config handles loading and parsing engine configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// ScopeAgent enforces the budget cap per agent.
	ScopeAgent = "agent"
	// ScopeOrganization enforces the budget cap per installation.
	ScopeOrganization = "organization"
)

// Config is the engine configuration, consumed rather than produced by
// the orchestrator.
type Config struct {
	// Provider selects the LLM backend. Only "anthropic" is supported.
	Provider string `yaml:"provider"`
	// Model overrides the default Claude model.
	Model string `yaml:"model"`
	// MaxRetries bounds retries of transient LLM and VCS failures.
	MaxRetries int `yaml:"max_retries"`
	// RequestTimeoutMS bounds each LLM call.
	RequestTimeoutMS int `yaml:"request_timeout_ms"`
	// BudgetCapUSD is the spend cap per budget scope and window.
	BudgetCapUSD float64 `yaml:"budget_cap_usd"`
	// BudgetScope is "agent" or "organization".
	BudgetScope string `yaml:"budget_scope"`
	// BudgetWindowDays is the rolling accounting window.
	BudgetWindowDays int `yaml:"budget_window_days"`
	// EstimatedCallCostUSD is the per-call reservation used by admission
	// control before actual usage is known.
	EstimatedCallCostUSD float64 `yaml:"estimated_call_cost_usd"`
	// MaxConcurrentBindings limits parallel binding tasks per event.
	MaxConcurrentBindings int `yaml:"max_concurrent_bindings"`
	// EvalWorkers is the size of the async evaluation worker pool.
	EvalWorkers int `yaml:"eval_workers"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Provider:              "anthropic",
		MaxRetries:            3,
		RequestTimeoutMS:      180_000,
		BudgetCapUSD:          50,
		BudgetScope:           ScopeAgent,
		BudgetWindowDays:      30,
		EstimatedCallCostUSD:  0.05,
		MaxConcurrentBindings: 5,
		EvalWorkers:           2,
	}
}

// Load reads and parses a config file. A missing path returns defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		return DefaultConfig(), nil
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	return Parse(content)
}

// Parse parses a config from YAML content over the defaults.
func Parse(content []byte) (*Config, error) {
	config := DefaultConfig()
	if err := yaml.Unmarshal(content, config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Provider != "anthropic" {
		return fmt.Errorf("unsupported provider: %s", c.Provider)
	}

	switch c.BudgetScope {
	case ScopeAgent, ScopeOrganization, "":
		if c.BudgetScope == "" {
			c.BudgetScope = ScopeAgent
		}
	default:
		return fmt.Errorf("invalid budget scope: %s (must be 'agent' or 'organization')", c.BudgetScope)
	}

	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries must not be negative: %d", c.MaxRetries)
	}
	if c.RequestTimeoutMS <= 0 {
		return fmt.Errorf("request_timeout_ms must be positive: %d", c.RequestTimeoutMS)
	}
	if c.BudgetCapUSD <= 0 {
		return fmt.Errorf("budget_cap_usd must be positive: %f", c.BudgetCapUSD)
	}
	if c.BudgetWindowDays <= 0 {
		return fmt.Errorf("budget_window_days must be positive: %d", c.BudgetWindowDays)
	}
	if c.MaxConcurrentBindings <= 0 {
		return fmt.Errorf("max_concurrent_bindings must be positive: %d", c.MaxConcurrentBindings)
	}
	if c.EvalWorkers <= 0 {
		return fmt.Errorf("eval_workers must be positive: %d", c.EvalWorkers)
	}

	return nil
}

// RequestTimeout returns the LLM call timeout as a duration.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutMS) * time.Millisecond
}

// BudgetWindow returns the rolling accounting window as a duration.
func (c *Config) BudgetWindow() time.Duration {
	return time.Duration(c.BudgetWindowDays) * 24 * time.Hour
}
