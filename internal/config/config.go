// Package config loads the runtime's YAML configuration with
// environment-variable expansion.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the main configuration structure for Parley.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Storage StorageConfig `yaml:"storage"`
	LLM     LLMConfig     `yaml:"llm"`
	Engine  EngineConfig  `yaml:"engine"`
	Tracing TracingConfig `yaml:"tracing"`
	Logging LoggingConfig `yaml:"logging"`
}

type ServerConfig struct {
	Host        string `yaml:"host"`
	HTTPPort    int    `yaml:"http_port"`
	MetricsPort int    `yaml:"metrics_port"`
}

type StorageConfig struct {
	// Backend is one of "memory", "jsonfile", "sqlite".
	Backend string `yaml:"backend"`

	// Path is the data directory (jsonfile) or database file (sqlite).
	Path string `yaml:"path"`

	// IndexPath is where the guideline checksum index lives.
	IndexPath string `yaml:"index_path"`
}

type LLMConfig struct {
	DefaultProvider string                       `yaml:"default_provider"`
	Providers       map[string]LLMProviderConfig `yaml:"providers"`

	// FallbackChain lists provider names to try, in order, when the
	// default provider fails.
	FallbackChain []string `yaml:"fallback_chain"`
}

type LLMProviderConfig struct {
	APIKey       string `yaml:"api_key"`
	DefaultModel string `yaml:"default_model"`
	BaseURL      string `yaml:"base_url"`
}

type EngineConfig struct {
	ProposerBatchSize   int           `yaml:"proposer_batch_size"`
	ActivationThreshold int           `yaml:"activation_threshold"`
	RevisionBudget      int           `yaml:"revision_budget"`
	GCInterval          time.Duration `yaml:"gc_interval"`
	ToolCallTimeout     time.Duration `yaml:"tool_call_timeout"`
}

type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Endpoint     string  `yaml:"endpoint"`
	ServiceName  string  `yaml:"service_name"`
	SamplingRate float64 `yaml:"sampling_rate"`
	Insecure     bool    `yaml:"insecure"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads and parses the configuration file. Environment variables
// referenced as $VAR or ${VAR} are expanded before parsing.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.HTTPPort == 0 {
		cfg.Server.HTTPPort = 8800
	}
	if cfg.Server.MetricsPort == 0 {
		cfg.Server.MetricsPort = 9090
	}
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = "memory"
	}
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = "data"
	}
	if cfg.Storage.IndexPath == "" {
		cfg.Storage.IndexPath = "data/guideline_index.json"
	}
	if cfg.LLM.DefaultProvider == "" {
		cfg.LLM.DefaultProvider = "anthropic"
	}
	if cfg.Engine.ProposerBatchSize == 0 {
		cfg.Engine.ProposerBatchSize = 5
	}
	if cfg.Engine.ActivationThreshold == 0 {
		cfg.Engine.ActivationThreshold = 7
	}
	if cfg.Engine.RevisionBudget == 0 {
		cfg.Engine.RevisionBudget = 3
	}
	if cfg.Engine.GCInterval == 0 {
		cfg.Engine.GCInterval = 5 * time.Second
	}
	if cfg.Engine.ToolCallTimeout == 0 {
		cfg.Engine.ToolCallTimeout = 120 * time.Second
	}
	if cfg.Tracing.ServiceName == "" {
		cfg.Tracing.ServiceName = "parley"
	}
	if cfg.Tracing.SamplingRate == 0 {
		cfg.Tracing.SamplingRate = 1.0
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// Validate rejects configurations the runtime cannot start with.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case "memory", "jsonfile", "sqlite":
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown logging level %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("unknown logging format %q", c.Logging.Format)
	}
	if c.Engine.ActivationThreshold < 1 || c.Engine.ActivationThreshold > 10 {
		return fmt.Errorf("activation threshold %d out of range 1..10", c.Engine.ActivationThreshold)
	}
	return nil
}
