// Package config loads the agent's configuration from YAML, overlays
// environment variables, and exposes a RemoteStore for values an operator
// wants to shadow at runtime without a redeploy.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	WebhookPort string `yaml:"webhook_port"`
	MetricsPort string `yaml:"metrics_port"`
}

// WebhookAuthConfig configures inbound webhook authentication.
type WebhookAuthConfig struct {
	Type  string `yaml:"type"`
	Token string `yaml:"token"`
}

// WebhookConfig configures the work-tracker webhook entrypoint.
type WebhookConfig struct {
	Port          string            `yaml:"port"`
	Path          string            `yaml:"path"`
	Auth          WebhookAuthConfig `yaml:"auth"`
	TriggerField  string            `yaml:"trigger_field"`
	DedupCapacity int               `yaml:"dedup_capacity"`
}

// ProviderConfig configures one of the three external gateways.
type ProviderConfig struct {
	BaseURL string        `yaml:"base_url"`
	APIKey  string        `yaml:"api_key"`
	Timeout time.Duration `yaml:"timeout"`
}

// ProvidersConfig groups the three gateway configs.
type ProvidersConfig struct {
	Reasoning             ProviderConfig `yaml:"reasoning"`
	ImageEditing          ProviderConfig `yaml:"image_editing"`
	WorkTracker           ProviderConfig `yaml:"work_tracker"`
	PollingTimeout        time.Duration  `yaml:"polling_timeout"`
	PollingIntervalSecond int            `yaml:"polling_interval_seconds"`
}

// IterationConfig bounds the refinement loop.
type IterationConfig struct {
	MaxIterations           int     `yaml:"max_iterations"`
	MaxStepAttempts         int     `yaml:"max_step_attempts"`
	MaxRetries              int     `yaml:"max_retries"`
	ValidationPassThreshold float64 `yaml:"validation_pass_threshold"`
	SequentialTrigger       int     `yaml:"sequential_trigger"`
	CatastrophicThreshold   float64 `yaml:"catastrophic_threshold"`
	IncrementalThreshold    float64 `yaml:"incremental_threshold"`
}

// RateLimitConfig bounds gateway concurrency.
type RateLimitConfig struct {
	Enhancement             int           `yaml:"enhancement"`
	Validation              int           `yaml:"validation"`
	ValidationDelaySeconds  int           `yaml:"validation_delay_seconds"`
}

// LockConfig configures the single-flight task lock.
type LockConfig struct {
	TTL             time.Duration `yaml:"ttl"`
	CleanupInterval int           `yaml:"cleanup_interval"`
}

// LocaleConfig carries the locale-aware tokens used by sequential request
// decomposition.
type LocaleConfig struct {
	ConjunctionWords    []string `yaml:"conjunction_words"`
	PreservationPhrases []string `yaml:"preservation_phrases"`
	DefaultPreservation string   `yaml:"default_preservation"`
}

// ModelSpec describes one logical image-editing model.
type ModelSpec struct {
	LogicalName       string            `yaml:"logical_name"`
	RemotePath        string            `yaml:"remote_path"`
	DefaultParams     map[string]string `yaml:"default_params"`
	SupportedOptions  []string          `yaml:"supported_options"`
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// RemoteConfig configures the Redis-backed RemoteStore.
type RemoteConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// Config is the root configuration object.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Webhook   WebhookConfig   `yaml:"webhook"`
	Providers ProvidersConfig `yaml:"providers"`
	Iteration IterationConfig `yaml:"iteration"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Lock      LockConfig      `yaml:"lock"`
	Locale    LocaleConfig    `yaml:"locale"`
	Models    []ModelSpec     `yaml:"models"`
	Logging   LoggingConfig   `yaml:"logging"`
	Remote    RemoteConfig    `yaml:"remote"`
}

// Load reads path, applies defaults, overlays environment variables, and
// validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := defaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := loadFromEnv(config); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := validate(config); err != nil {
		return nil, err
	}

	return config, nil
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{WebhookPort: "8080", MetricsPort: "9090"},
		Webhook: WebhookConfig{
			Port:          "8080",
			Path:          "/webhook",
			TriggerField:  "ready_for_ai",
			DedupCapacity: 512,
		},
		Providers: ProvidersConfig{
			PollingTimeout:        300 * time.Second,
			PollingIntervalSecond: 2,
			Reasoning:             ProviderConfig{BaseURL: "https://openrouter.ai/api/v1", Timeout: 120 * time.Second},
			ImageEditing:          ProviderConfig{BaseURL: "https://api.wavespeed.ai/api/v3", Timeout: 120 * time.Second},
			WorkTracker:           ProviderConfig{BaseURL: "https://api.clickup.com/api/v2", Timeout: 30 * time.Second},
		},
		Iteration: IterationConfig{
			MaxIterations:           3,
			MaxStepAttempts:         2,
			MaxRetries:              5,
			ValidationPassThreshold: 8,
			SequentialTrigger:       3,
			CatastrophicThreshold:   5,
			IncrementalThreshold:    8,
		},
		RateLimit: RateLimitConfig{
			Enhancement:            3,
			Validation:             2,
			ValidationDelaySeconds: 2,
		},
		Lock: LockConfig{
			TTL:             3600 * time.Second,
			CleanupInterval: 100,
		},
		Locale: LocaleConfig{
			ConjunctionWords:    []string{" and ", " και "},
			PreservationPhrases: []string{"Όλα τα υπολοιπα ίδια", "keep everything else the same", "keep everything else identical"},
			DefaultPreservation: "Keep everything else the same",
		},
		Logging: LoggingConfig{Level: "info", Format: "json"},
		Remote:  RemoteConfig{Addr: "localhost:6379", DB: 0},
	}
}

func validate(config *Config) error {
	if config.Webhook.Port == "" {
		return fmt.Errorf("webhook port is required")
	}
	if config.Providers.Reasoning.BaseURL == "" {
		return fmt.Errorf("reasoning provider base URL is required")
	}
	if config.Iteration.MaxIterations <= 0 {
		return fmt.Errorf("max iterations must be greater than 0")
	}
	if config.Iteration.MaxStepAttempts <= 0 {
		return fmt.Errorf("max step attempts must be greater than 0")
	}
	if config.Iteration.ValidationPassThreshold < 0 || config.Iteration.ValidationPassThreshold > 10 {
		return fmt.Errorf("validation pass threshold must be between 0 and 10")
	}
	if config.RateLimit.Enhancement <= 0 {
		return fmt.Errorf("enhancement rate limit must be greater than 0")
	}
	if config.RateLimit.Validation <= 0 {
		return fmt.Errorf("validation rate limit must be greater than 0")
	}
	return nil
}

func loadFromEnv(config *Config) error {
	if v := os.Getenv("WEBHOOK_PORT"); v != "" {
		config.Webhook.Port = v
		config.Server.WebhookPort = v
	}
	if v := os.Getenv("METRICS_PORT"); v != "" {
		config.Server.MetricsPort = v
	}
	if v := os.Getenv("WEBHOOK_AUTH_TOKEN"); v != "" {
		config.Webhook.Auth.Type = "bearer"
		config.Webhook.Auth.Token = v
	}
	if v := os.Getenv("OPENROUTER_API_KEY"); v != "" {
		config.Providers.Reasoning.APIKey = v
	}
	if v := os.Getenv("WAVESPEED_API_KEY"); v != "" {
		config.Providers.ImageEditing.APIKey = v
	}
	if v := os.Getenv("CLICKUP_API_KEY"); v != "" {
		config.Providers.WorkTracker.APIKey = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		config.Logging.Level = v
	}
	if v := os.Getenv("MAX_ITERATIONS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid MAX_ITERATIONS: %w", err)
		}
		config.Iteration.MaxIterations = n
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		config.Remote.Addr = v
	}
	return nil
}

// GetModelSpec looks up a logical model name in the registry. Callers must
// never dispatch on substrings of logicalName themselves.
func (c *Config) GetModelSpec(logicalName string) (ModelSpec, bool) {
	for _, m := range c.Models {
		if m.LogicalName == logicalName {
			return m, true
		}
	}
	return ModelSpec{}, false
}
