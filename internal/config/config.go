// Package config loads pipeline configuration from YAML with
// environment-variable overrides. Every retry and timeout knob lives
// here so policy is centralized rather than scattered through callers.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// SDKConfig bounds a single agent invocation.
type SDKConfig struct {
	// TimeoutSeconds is the drain deadline for one invocation. Default 120.
	TimeoutSeconds int `yaml:"timeout_seconds"`
	// MaxRetries is the transport-error retry budget. Default 3.
	MaxRetries int `yaml:"max_retries"`
	// BackoffBaseMillis is the initial retry backoff. Default 500.
	BackoffBaseMillis int `yaml:"backoff_base_millis"`
	// BackoffCapMillis caps the retry backoff. Default 8000.
	BackoffCapMillis int `yaml:"backoff_cap_millis"`
}

// Timeout returns the invocation deadline as a duration.
func (c SDKConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// BackoffBase returns the initial backoff as a duration.
func (c SDKConfig) BackoffBase() time.Duration {
	return time.Duration(c.BackoffBaseMillis) * time.Millisecond
}

// BackoffCap returns the backoff ceiling as a duration.
func (c SDKConfig) BackoffCap() time.Duration {
	return time.Duration(c.BackoffCapMillis) * time.Millisecond
}

// DriverConfig bounds the per-story state machine loop.
type DriverConfig struct {
	// IterationCap is the per-story cap on same-role re-invocations. Default 5.
	IterationCap int `yaml:"iteration_cap"`
	// StoreWriteRetries bounds version-conflict retries. Default 3.
	StoreWriteRetries int `yaml:"store_write_retries"`
	// RetryFailed enables the one-shot failure reset.
	RetryFailed bool `yaml:"retry_failed"`
	// Concurrent enables bounded parallel story processing.
	Concurrent bool `yaml:"concurrent"`
	// Concurrency is the parallel story limit K. Default 2.
	Concurrency int `yaml:"concurrency"`
	// FinalizeWithDev routes Ready for Done through one Dev finalize
	// pass instead of completing directly.
	FinalizeWithDev bool `yaml:"finalize_with_dev"`
	// Strict aborts the epic on the first failed story.
	Strict bool `yaml:"strict"`
}

// QualityConfig bounds the static-analysis repair loop.
type QualityConfig struct {
	// Rounds is the repair-round cap. Default 5.
	Rounds int `yaml:"rounds"`
	// AnalyzerCommand produces a JSON report on stdout. Default
	// ["eslint", "--format", "json"].
	AnalyzerCommand []string `yaml:"analyzer_command"`
	// SourceDir is analyzed; defaults to ".".
	SourceDir string `yaml:"source_dir"`
	// Skip disables the phase.
	Skip bool `yaml:"skip"`
}

// TestConfig bounds the test run/repair loop.
type TestConfig struct {
	// Rounds is the repair-round cap. Default 3.
	Rounds int `yaml:"rounds"`
	// RunnerCommand produces a JSON report. Default
	// ["pytest", "--json-report", "--json-report-file", "-", "-q"].
	RunnerCommand []string `yaml:"runner_command"`
	// TestDir is the directory passed to the runner; defaults to "tests".
	TestDir string `yaml:"test_dir"`
	// Skip disables the phase.
	Skip bool `yaml:"skip"`
}

// AgentConfig selects and parameterizes the session runner.
type AgentConfig struct {
	// Runner is "cli" (interactive agent subprocess) or "anthropic".
	Runner string `yaml:"runner"`
	// Command is the agent CLI invocation for the cli runner.
	Command []string `yaml:"command"`
	// Model is the model passed to the anthropic runner.
	Model string `yaml:"model"`
	// APIKeyEnv names the env var holding the API key. Default
	// ANTHROPIC_API_KEY.
	APIKeyEnv string `yaml:"api_key_env"`
	// MaxTokens bounds one anthropic response. Default 8192.
	MaxTokens int `yaml:"max_tokens"`
}

// OtelConfig configures telemetry export.
type OtelConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Exporter    string `yaml:"exporter"` // "stdout" or "otlp"
	Endpoint    string `yaml:"endpoint"`
	ServiceName string `yaml:"service_name"`
}

// TelegramConfig configures the optional run-summary notification.
type TelegramConfig struct {
	Token   string `yaml:"token"`
	ChatID  int64  `yaml:"chat_id"`
	Enabled bool   `yaml:"enabled"`
}

// Config is the root configuration document.
type Config struct {
	// DataDir holds the database, logs, and audit trail. Default
	// ~/.storyflow.
	DataDir  string         `yaml:"data_dir"`
	DBPath   string         `yaml:"db_path"`
	LogLevel string         `yaml:"log_level"`
	SDK      SDKConfig      `yaml:"sdk"`
	Driver   DriverConfig   `yaml:"driver"`
	Quality  QualityConfig  `yaml:"quality"`
	Test     TestConfig     `yaml:"test"`
	Agent    AgentConfig    `yaml:"agent"`
	Otel     OtelConfig     `yaml:"otel"`
	Telegram TelegramConfig `yaml:"telegram"`
}

// Default returns the built-in configuration.
func Default() Config {
	dataDir := defaultDataDir()
	return Config{
		DataDir:  dataDir,
		DBPath:   filepath.Join(dataDir, "storyflow.db"),
		LogLevel: "info",
		SDK: SDKConfig{
			TimeoutSeconds:    120,
			MaxRetries:        3,
			BackoffBaseMillis: 500,
			BackoffCapMillis:  8000,
		},
		Driver: DriverConfig{
			IterationCap:      5,
			StoreWriteRetries: 3,
			Concurrency:       2,
		},
		Quality: QualityConfig{
			Rounds:          5,
			AnalyzerCommand: []string{"eslint", "--format", "json"},
			SourceDir:       ".",
		},
		Test: TestConfig{
			Rounds:        3,
			RunnerCommand: []string{"pytest", "--json-report", "--json-report-file", "-", "-q"},
			TestDir:       "tests",
		},
		Agent: AgentConfig{
			Runner:    "cli",
			Command:   []string{"claude", "--output-format", "stream-json"},
			APIKeyEnv: "ANTHROPIC_API_KEY",
			MaxTokens: 8192,
		},
		Otel: OtelConfig{
			Exporter:    "stdout",
			ServiceName: "storyflow",
		},
	}
}

func defaultDataDir() string {
	if dir := os.Getenv("STORYFLOW_HOME"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".storyflow")
}

// Load reads the config file at path, layering it over defaults. A
// missing file is not an error; defaults apply. Environment overrides
// are applied last.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		path = filepath.Join(cfg.DataDir, "config.yaml")
	}
	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		// Defaults only.
	case err != nil:
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	cfg.normalize()
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("STORYFLOW_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("STORYFLOW_DB"); v != "" {
		c.DBPath = v
	}
	if v := os.Getenv("STORYFLOW_SDK_TIMEOUT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			c.SDK.TimeoutSeconds = n
		}
	}
	if v := os.Getenv("STORYFLOW_TELEGRAM_TOKEN"); v != "" {
		c.Telegram.Token = v
		c.Telegram.Enabled = true
	}
}

// normalize clamps zero or negative knobs back to their defaults so a
// sparse config file cannot wedge the pipeline.
func (c *Config) normalize() {
	d := Default()
	if c.SDK.MaxRetries < 0 {
		c.SDK.MaxRetries = d.SDK.MaxRetries
	}
	if c.SDK.BackoffBaseMillis <= 0 {
		c.SDK.BackoffBaseMillis = d.SDK.BackoffBaseMillis
	}
	if c.SDK.BackoffCapMillis <= 0 {
		c.SDK.BackoffCapMillis = d.SDK.BackoffCapMillis
	}
	if c.Driver.IterationCap <= 0 {
		c.Driver.IterationCap = d.Driver.IterationCap
	}
	if c.Driver.StoreWriteRetries <= 0 {
		c.Driver.StoreWriteRetries = d.Driver.StoreWriteRetries
	}
	if c.Driver.Concurrency <= 0 {
		c.Driver.Concurrency = d.Driver.Concurrency
	}
	if c.Quality.Rounds <= 0 {
		c.Quality.Rounds = d.Quality.Rounds
	}
	if len(c.Quality.AnalyzerCommand) == 0 {
		c.Quality.AnalyzerCommand = d.Quality.AnalyzerCommand
	}
	if c.Quality.SourceDir == "" {
		c.Quality.SourceDir = d.Quality.SourceDir
	}
	if c.Test.Rounds <= 0 {
		c.Test.Rounds = d.Test.Rounds
	}
	if len(c.Test.RunnerCommand) == 0 {
		c.Test.RunnerCommand = d.Test.RunnerCommand
	}
	if c.Test.TestDir == "" {
		c.Test.TestDir = d.Test.TestDir
	}
	if c.Agent.Runner == "" {
		c.Agent.Runner = d.Agent.Runner
	}
	if len(c.Agent.Command) == 0 {
		c.Agent.Command = d.Agent.Command
	}
	if c.Agent.APIKeyEnv == "" {
		c.Agent.APIKeyEnv = d.Agent.APIKeyEnv
	}
	if c.Agent.MaxTokens <= 0 {
		c.Agent.MaxTokens = d.Agent.MaxTokens
	}
	if c.DataDir == "" {
		c.DataDir = d.DataDir
	}
	if c.DBPath == "" {
		c.DBPath = filepath.Join(c.DataDir, "storyflow.db")
	}
}

// Save writes the config back to path as YAML.
func Save(cfg Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config %s: %w", path, err)
	}
	return nil
}
