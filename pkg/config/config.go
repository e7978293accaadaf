// Package config handles steward configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/steward-ai/steward/pkg/credits"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from the embedding application) is checked first.
// Then: ./steward.yaml, ~/.config/steward/config.yaml, /etc/steward/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"steward.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "steward", "config.yaml"))
	}

	paths = append(paths, "/etc/steward/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must
// exist. Otherwise, searches DefaultSearchPaths and returns the first
// that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all steward configuration.
type Config struct {
	Endpoint     EndpointConfig     `yaml:"endpoint"`
	Models       ModelsConfig       `yaml:"models"`
	Retry        RetryConfig        `yaml:"retry"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Pricing      credits.Pricing    `yaml:"pricing"`
	Metering     MeteringConfig     `yaml:"metering"`
	Storage      StorageConfig      `yaml:"storage"`
	LogLevel     string             `yaml:"log_level"`
}

// EndpointConfig defines the model endpoint connection.
type EndpointConfig struct {
	URL    string `yaml:"url"`
	APIKey string `yaml:"api_key"`
}

// ModelsConfig defines model selection.
type ModelsConfig struct {
	// Default is the full-capability model used for orchestration.
	Default string `yaml:"default"`
	// Classifier is the cheap constrained-label model tried before
	// escalating to Default.
	Classifier  string  `yaml:"classifier"`
	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`
}

// RetryConfig defines the backoff schedule for model and tool calls.
type RetryConfig struct {
	MaxRetries     int     `yaml:"max_retries"`
	InitialDelayMS int     `yaml:"initial_delay_ms"`
	BackoffFactor  float64 `yaml:"backoff_factor"`
	MaxDelayMS     int     `yaml:"max_delay_ms"`
}

// InitialDelay returns the initial delay as a duration.
func (r RetryConfig) InitialDelay() time.Duration {
	return time.Duration(r.InitialDelayMS) * time.Millisecond
}

// MaxDelay returns the delay cap as a duration.
func (r RetryConfig) MaxDelay() time.Duration {
	return time.Duration(r.MaxDelayMS) * time.Millisecond
}

// OrchestratorConfig bounds a single orchestration run.
type OrchestratorConfig struct {
	// MaxTurns caps model calls per run. The loop would otherwise be
	// unbounded on a model that keeps requesting tools.
	MaxTurns         int `yaml:"max_turns"`
	HistoryLimit     int `yaml:"history_limit"`
	MaxContextTokens int `yaml:"max_context_tokens"`
}

// MeteringConfig defines the optional MQTT usage-event sink.
type MeteringConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Broker   string `yaml:"broker"`
	Topic    string `yaml:"topic"`
	ClientID string `yaml:"client_id"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// StorageConfig locates the SQLite databases.
type StorageConfig struct {
	CreditsDB string `yaml:"credits_db"`
	MemoryDB  string `yaml:"memory_db"`
}

// Load reads configuration from a YAML file. Environment variable
// references in the file are expanded before parsing.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Endpoint: EndpointConfig{URL: "http://localhost:11434"},
		Models: ModelsConfig{
			Default:     "gpt-4o",
			Classifier:  "gpt-4o-mini",
			Temperature: 0.7,
			MaxTokens:   4096,
		},
		Retry: RetryConfig{
			MaxRetries:     3,
			InitialDelayMS: 1000,
			BackoffFactor:  2,
			MaxDelayMS:     10000,
		},
		Orchestrator: OrchestratorConfig{
			MaxTurns:         10,
			HistoryLimit:     50,
			MaxContextTokens: 8000,
		},
		Pricing: credits.DefaultPricing(),
		Metering: MeteringConfig{
			Topic: "steward/usage",
		},
		Storage: StorageConfig{
			CreditsDB: "steward-credits.db",
			MemoryDB:  "steward-memory.db",
		},
	}
}
