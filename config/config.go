// Package config loads the agentrt YAML configuration file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/martinemde/agentrt/agent"
	"github.com/martinemde/agentrt/checkpoint"
	"github.com/martinemde/agentrt/guardrail"
	"github.com/martinemde/agentrt/policy"
	"github.com/martinemde/agentrt/telemetry"
)

// Provider adapter types.
const (
	ProviderGollm  = "gollm"
	ProviderOpenAI = "openai"
)

// Checkpoint drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// File is the top-level configuration file.
type File struct {
	Runtime    agent.Config     `yaml:"runtime"`
	Model      ModelConfig      `yaml:"model"`
	Guardrail  GuardrailConfig  `yaml:"guardrail"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	Policy     PolicyConfig     `yaml:"policy"`
}

// ModelConfig lists the model backends requests can be routed to.
type ModelConfig struct {
	DefaultProvider string                    `yaml:"default_provider"`
	Providers       map[string]ProviderConfig `yaml:"providers"`
	// LogCalls adds a logging middleware around every backend call.
	LogCalls bool `yaml:"log_calls"`
}

// ProviderConfig configures one backend adapter.
type ProviderConfig struct {
	Type string `yaml:"type"` // gollm | openai
	// Provider is the gollm provider name (openai, anthropic, ollama, ...).
	// Defaults to the map key.
	Provider    string   `yaml:"provider"`
	APIKey      string   `yaml:"api_key"`
	BaseURL     string   `yaml:"base_url"`
	Model       string   `yaml:"model"`
	MaxTokens   int      `yaml:"max_tokens"`
	Temperature *float64 `yaml:"temperature"`
}

// GuardrailConfig enables the safety hook.
type GuardrailConfig struct {
	Enabled          bool `yaml:"enabled"`
	guardrail.Config `yaml:",inline"`
}

// CheckpointConfig selects the checkpoint store.
type CheckpointConfig struct {
	Driver   string                    `yaml:"driver"`
	Path     string                    `yaml:"path"` // sqlite
	DSN      string                    `yaml:"dsn"`  // postgres
	Postgres checkpoint.PostgresConfig `yaml:"postgres"`
}

// TelemetryConfig configures tracing and the metrics endpoint.
type TelemetryConfig struct {
	Tracing telemetry.TraceConfig `yaml:"tracing"`
	// MetricsAddr serves /metrics when set, e.g. ":9090".
	MetricsAddr string `yaml:"metrics_addr"`
}

// PolicyConfig configures the approval policy. With no path the built-in
// policy is used when Enabled is set.
type PolicyConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
	Query   string `yaml:"query"`
}

// Default returns the configuration used for keys a file leaves out.
func Default() File {
	return File{
		Runtime: agent.DefaultConfig(),
		Checkpoint: CheckpointConfig{
			Driver:   DriverMemory,
			Postgres: checkpoint.DefaultPostgresConfig(),
		},
		Telemetry: TelemetryConfig{
			Tracing: telemetry.TraceConfig{ServiceName: "agentrt"},
		},
		Policy: PolicyConfig{Query: policy.DefaultQuery},
	}
}

// Load reads, expands and validates the file at path.
func Load(path string) (*File, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("config path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes a YAML document over Default. ${VAR} references are
// expanded from the environment first; unknown keys are errors.
func Parse(data []byte) (*File, error) {
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return nil, errors.New("failed to parse config: expected a single document")
	}

	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *File) {
	for name, p := range cfg.Model.Providers {
		if p.Type == "" {
			p.Type = ProviderGollm
		}
		if p.Provider == "" {
			p.Provider = name
		}
		cfg.Model.Providers[name] = p
	}
	if cfg.Model.DefaultProvider == "" && len(cfg.Model.Providers) == 1 {
		for name := range cfg.Model.Providers {
			cfg.Model.DefaultProvider = name
		}
	}
	if cfg.Checkpoint.Driver == "" {
		cfg.Checkpoint.Driver = DriverMemory
	}
	if cfg.Policy.Query == "" {
		cfg.Policy.Query = policy.DefaultQuery
	}
	if cfg.Policy.Path != "" {
		cfg.Policy.Enabled = true
	}
}

// Validate reports the first invalid setting.
func (f *File) Validate() error {
	if err := f.Runtime.Validate(); err != nil {
		return fmt.Errorf("runtime: %w", err)
	}

	if len(f.Model.Providers) == 0 {
		return errors.New("model: at least one provider is required")
	}
	for name, p := range f.Model.Providers {
		switch p.Type {
		case ProviderGollm:
			if p.BaseURL != "" {
				return fmt.Errorf("model.providers.%s: base_url is only supported by the openai type", name)
			}
		case ProviderOpenAI:
			if p.APIKey == "" && p.BaseURL == "" {
				return fmt.Errorf("model.providers.%s: openai requires api_key or base_url", name)
			}
		default:
			return fmt.Errorf("model.providers.%s: unknown type %q", name, p.Type)
		}
		if p.MaxTokens < 0 {
			return fmt.Errorf("model.providers.%s: max_tokens must not be negative", name)
		}
	}
	if _, ok := f.Model.Providers[f.Model.DefaultProvider]; !ok {
		return fmt.Errorf("model: default_provider %q is not configured", f.Model.DefaultProvider)
	}

	switch f.Checkpoint.Driver {
	case DriverMemory:
	case DriverSQLite:
		if f.Checkpoint.Path == "" {
			return errors.New("checkpoint: sqlite requires path")
		}
	case DriverPostgres:
		if f.Checkpoint.DSN == "" {
			return errors.New("checkpoint: postgres requires dsn")
		}
	default:
		return fmt.Errorf("checkpoint: unknown driver %q", f.Checkpoint.Driver)
	}

	if r := f.Telemetry.Tracing.SamplingRate; r < 0 || r > 1 {
		return fmt.Errorf("telemetry.tracing: sampling_rate must be within [0, 1], got %g", r)
	}
	if f.Guardrail.Enabled && f.Guardrail.Retry.MaxRetries < 0 {
		return errors.New("guardrail: retry.max_retries must not be negative")
	}
	return nil
}
