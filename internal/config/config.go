package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models devgen.yml.
type Config struct {
	Pipeline   PipelineConfig   `yaml:"pipeline"`
	Sandbox    SandboxConfig    `yaml:"sandbox"`
	Capability CapabilityConfig `yaml:"capability"`
	Consumer   ConsumerConfig   `yaml:"consumer"`
}

type PipelineConfig struct {
	// MaxConcurrent bounds the number of pipelines running at once.
	MaxConcurrent int `yaml:"max_concurrent"`
	// StageTimeoutSec bounds each capability call, independent of the
	// sandbox's own execution timeout.
	StageTimeoutSec int `yaml:"stage_timeout_sec"`
	// LeaseTTLSec is how long a per-project lease survives without release;
	// a crashed pipeline's lease becomes reacquirable after this window.
	LeaseTTLSec int `yaml:"lease_ttl_sec"`
	// ProgressRetentionSec keeps terminal progress records visible to
	// late pollers before Sweep may evict them.
	ProgressRetentionSec int `yaml:"progress_retention_sec"`
}

type SandboxConfig struct {
	TimeoutSec  int `yaml:"timeout_sec"`
	MaxLogBytes int `yaml:"max_log_bytes"`
	// SmokeCommands maps "language" or "language/framework" to the default
	// smoke-test command run against a generated project.
	SmokeCommands map[string]string `yaml:"smoke_commands"`
}

type CapabilityConfig struct {
	// Provider selects the breakdown/codegen backend: static, openai,
	// anthropic, or ollama.
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
	BaseURL  string `yaml:"base_url"`
	// MaxTasks caps the breakdown output.
	MaxTasks int `yaml:"max_tasks"`
}

type ConsumerConfig struct {
	GroupID       string `yaml:"group_id"`
	RetryBudget   int    `yaml:"retry_budget"`
	BackoffMS     int    `yaml:"backoff_ms"`
	BackoffMaxMS  int    `yaml:"backoff_max_ms"`
	DeadLetterDir string `yaml:"dead_letter_dir"`
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Pipeline.MaxConcurrent <= 0 {
		return fmt.Errorf("config.pipeline.max_concurrent must be positive")
	}
	if c.Pipeline.StageTimeoutSec <= 0 {
		return fmt.Errorf("config.pipeline.stage_timeout_sec must be positive")
	}
	if c.Pipeline.LeaseTTLSec <= 0 {
		return fmt.Errorf("config.pipeline.lease_ttl_sec must be positive")
	}
	if c.Sandbox.TimeoutSec <= 0 {
		return fmt.Errorf("config.sandbox.timeout_sec must be positive")
	}
	if c.Sandbox.MaxLogBytes <= 0 {
		return fmt.Errorf("config.sandbox.max_log_bytes must be positive")
	}
	if len(c.Sandbox.SmokeCommands) == 0 {
		return fmt.Errorf("config.sandbox.smoke_commands is required")
	}
	switch c.Capability.Provider {
	case "static", "openai", "anthropic", "ollama":
	case "":
		return fmt.Errorf("config.capability.provider is required")
	default:
		return fmt.Errorf("unknown capability provider %q", c.Capability.Provider)
	}
	if c.Consumer.RetryBudget < 0 {
		return fmt.Errorf("config.consumer.retry_budget must not be negative")
	}
	if c.Consumer.BackoffMS <= 0 {
		return fmt.Errorf("config.consumer.backoff_ms must be positive")
	}
	return nil
}

// StageTimeout returns the per-stage capability timeout.
func (c *Config) StageTimeout() time.Duration {
	return time.Duration(c.Pipeline.StageTimeoutSec) * time.Second
}

// LeaseTTL returns the per-project lease lifetime.
func (c *Config) LeaseTTL() time.Duration {
	return time.Duration(c.Pipeline.LeaseTTLSec) * time.Second
}

// SandboxTimeout returns the sandbox wall-clock budget.
func (c *Config) SandboxTimeout() time.Duration {
	return time.Duration(c.Sandbox.TimeoutSec) * time.Second
}

// SmokeCommand resolves the smoke-test command for a language/framework
// pair, preferring the more specific "language/framework" key.
func (c *Config) SmokeCommand(language, framework string) (string, bool) {
	if framework != "" {
		if cmd, ok := c.Sandbox.SmokeCommands[language+"/"+framework]; ok {
			return cmd, true
		}
	}
	cmd, ok := c.Sandbox.SmokeCommands[language]
	return cmd, ok
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "devgen.yml")
}

// Load reads and validates config from workspace, falling back to the
// default when no file exists.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

const defaultTemplate = `pipeline:
  max_concurrent: 8
  stage_timeout_sec: 120
  lease_ttl_sec: 600
  progress_retention_sec: 3600

sandbox:
  timeout_sec: 300
  max_log_bytes: 65536
  smoke_commands:
    python: "python -m compileall -q ."
    python/fastapi: "python -m compileall -q ."
    python/flask: "python -m compileall -q ."
    javascript: "node --check main.js"
    javascript/express: "node --check main.js"
    go: "gofmt -l ."

capability:
  provider: static
  model: ""
  base_url: ""
  max_tasks: 15

consumer:
  group_id: profile-service
  retry_budget: 3
  backoff_ms: 200
  backoff_max_ms: 5000
  dead_letter_dir: dead_letters
`
