package agent

import (
	"fmt"
	"time"

	"github.com/martinemde/agentrt/llm"
)

// ConcurrencyMode controls what happens when a thread is already running.
type ConcurrencyMode string

const (
	// ConcurrencyReject fails the second call with ErrThreadBusy.
	ConcurrencyReject ConcurrencyMode = "reject"
	// ConcurrencySerialize waits for the running call to finish.
	ConcurrencySerialize ConcurrencyMode = "serialize"
)

// Config holds runtime configuration.
type Config struct {
	Model               string          `yaml:"model"`                 // "provider:model" or bare model name
	SystemPrompt        string          `yaml:"system_prompt"`         // prepended to every request, never stored
	MaxModelCalls       int             `yaml:"max_model_calls"`       // per Invoke/Resume call
	ToolWorkers         int             `yaml:"tool_workers"`          // shared pool size
	ToolTimeout         time.Duration   `yaml:"tool_timeout"`          // 0 = no per-call timeout
	ToolOutputLimit     int             `yaml:"tool_output_limit"`     // characters, 0 = unlimited
	ConcurrentCalls     ConcurrencyMode `yaml:"concurrent_calls"`
	Retry               llm.RetryPolicy `yaml:"retry"`
	LoopDetectionWindow int             `yaml:"loop_detection_window"` // 0 = off
	BatchConcurrency    int             `yaml:"batch_concurrency"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		MaxModelCalls:    25,
		ToolWorkers:      4,
		ToolTimeout:      30 * time.Second,
		ConcurrentCalls:  ConcurrencyReject,
		Retry:            llm.DefaultRetryPolicy(),
		BatchConcurrency: 4,
	}
}

// withDefaults fills zero values from DefaultConfig.
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MaxModelCalls == 0 {
		c.MaxModelCalls = def.MaxModelCalls
	}
	if c.ToolWorkers == 0 {
		c.ToolWorkers = def.ToolWorkers
	}
	if c.ConcurrentCalls == "" {
		c.ConcurrentCalls = def.ConcurrentCalls
	}
	if c.BatchConcurrency == 0 {
		c.BatchConcurrency = def.BatchConcurrency
	}
	if c.Retry.BaseDelay == 0 && c.Retry.MaxRetries == 0 && c.Retry.BackoffMultiplier == 0 {
		c.Retry = def.Retry
	}
	return c
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	switch {
	case c.MaxModelCalls < 0:
		return fmt.Errorf("max_model_calls must not be negative, got %d", c.MaxModelCalls)
	case c.ToolWorkers < 0:
		return fmt.Errorf("tool_workers must not be negative, got %d", c.ToolWorkers)
	case c.ToolTimeout < 0:
		return fmt.Errorf("tool_timeout must not be negative, got %s", c.ToolTimeout)
	case c.ToolOutputLimit < 0:
		return fmt.Errorf("tool_output_limit must not be negative, got %d", c.ToolOutputLimit)
	case c.Retry.MaxRetries < 0:
		return fmt.Errorf("retry.max_retries must not be negative, got %d", c.Retry.MaxRetries)
	case c.LoopDetectionWindow < 0:
		return fmt.Errorf("loop_detection_window must not be negative, got %d", c.LoopDetectionWindow)
	case c.BatchConcurrency < 0:
		return fmt.Errorf("batch_concurrency must not be negative, got %d", c.BatchConcurrency)
	}
	switch c.ConcurrentCalls {
	case "", ConcurrencyReject, ConcurrencySerialize:
	default:
		return fmt.Errorf("concurrent_calls must be %q or %q, got %q", ConcurrencyReject, ConcurrencySerialize, c.ConcurrentCalls)
	}
	return nil
}
