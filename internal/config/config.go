// Package config loads the reflections service configuration from defaults,
// an optional YAML file, an optional .env file and the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultPath is where Load looks when no explicit path is given.
var DefaultPath = filepath.Join("config", "reflections.yaml")

// Store backends.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

type ServerConfig struct {
	Addr            string        `yaml:"addr" env:"REFLECTIONS_ADDR"`
	CORSOrigins     []string      `yaml:"cors_origins"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"REFLECTIONS_SHUTDOWN_TIMEOUT"`
	LogLevel        string        `yaml:"log_level" env:"LOG_LEVEL"`
	LogFormat       string        `yaml:"log_format" env:"LOG_FORMAT"`
	ActivityLog     string        `yaml:"activity_log" env:"REFLECTIONS_ACTIVITY_LOG"`
	ActivitySize    int           `yaml:"activity_size"`
}

type LedgerConfig struct {
	BaseURL          string        `yaml:"base_url" env:"GIC_INDEXER_URL"`
	APIKey           string        `yaml:"api_key" env:"GIC_INDEXER_KEY"`
	Timeout          time.Duration `yaml:"timeout" env:"GIC_INDEXER_TIMEOUT"`
	BreakerThreshold int           `yaml:"breaker_threshold"`
	BreakerCooldown  time.Duration `yaml:"breaker_cooldown"`
	Source           string        `yaml:"source" env:"GIC_EVENT_SOURCE"`
}

type LLMConfig struct {
	BaseURL     string        `yaml:"base_url" env:"OPENAI_BASE_URL"`
	APIKey      string        `yaml:"api_key" env:"OPENAI_API_KEY"`
	Model       string        `yaml:"model" env:"OPENAI_MODEL"`
	Temperature float64       `yaml:"temperature"`
	Timeout     time.Duration `yaml:"timeout" env:"OPENAI_TIMEOUT"`
}

type ClassifierConfig struct {
	URL     string        `yaml:"url" env:"CLASSIFIER_URL"`
	Timeout time.Duration `yaml:"timeout"`
}

type StoreConfig struct {
	Backend     string `yaml:"backend" env:"STORE_BACKEND"`
	Retention   int    `yaml:"retention" env:"REFLECTIONS_RETENTION"`
	RedisURL    string `yaml:"redis_url" env:"REDIS_URL"`
	RedisKey    string `yaml:"redis_key"`
	DatabaseURL string `yaml:"database_url" env:"DATABASE_URL"`
}

type StreamConfig struct {
	Interval     time.Duration `yaml:"interval" env:"STREAM_INTERVAL"`
	FetchTimeout time.Duration `yaml:"fetch_timeout"`
}

type SessionConfig struct {
	Secret     string        `yaml:"secret" env:"SESSION_SECRET"`
	CookieName string        `yaml:"cookie_name"`
	TTL        time.Duration `yaml:"ttl"`
	Secure     bool          `yaml:"secure" env:"SESSION_SECURE"`
}

type RateLimitConfig struct {
	PostsPerMinute int    `yaml:"posts_per_minute" env:"RATE_POSTS_PER_MINUTE"`
	Burst          int    `yaml:"burst"`
	CleanupSpec    string `yaml:"cleanup_spec"`
}

type EconomyConfig struct {
	UnlockCost float64 `yaml:"unlock_cost" env:"UNLOCK_COST_GIC"`
	// AllowBodyIdentity lets signed-out callers spend for the handle named
	// in the request body.
	AllowBodyIdentity bool `yaml:"allow_body_identity" env:"ECONOMY_ALLOW_BODY_IDENTITY"`
}

type OAAConfig struct {
	BaseURL   string        `yaml:"base_url" env:"OAA_API_URL"`
	APIKey    string        `yaml:"api_key" env:"OAA_API_KEY"`
	Timeout   time.Duration `yaml:"timeout" env:"OAA_TIMEOUT"`
	QueueSize int           `yaml:"queue_size"`
}

type NotifierConfig struct {
	QueueSize int           `yaml:"queue_size"`
	Workers   int           `yaml:"workers"`
	Timeout   time.Duration `yaml:"timeout"`
}

// Config is the full service configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Ledger     LedgerConfig     `yaml:"ledger"`
	LLM        LLMConfig        `yaml:"llm"`
	Classifier ClassifierConfig `yaml:"classifier"`
	Store      StoreConfig      `yaml:"store"`
	Stream     StreamConfig     `yaml:"stream"`
	Session    SessionConfig    `yaml:"session"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	Economy    EconomyConfig    `yaml:"economy"`
	Notifier   NotifierConfig   `yaml:"notifier"`
	OAA        OAAConfig        `yaml:"oaa"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			CORSOrigins:     []string{"*"},
			ShutdownTimeout: 15 * time.Second,
			LogLevel:        "info",
			LogFormat:       "json",
			ActivitySize:    500,
		},
		Ledger: LedgerConfig{
			Timeout:          10 * time.Second,
			BreakerThreshold: 5,
			BreakerCooldown:  30 * time.Second,
			Source:           "reflections",
		},
		LLM: LLMConfig{
			BaseURL:     "https://api.openai.com/v1",
			Model:       "gpt-4o-mini",
			Temperature: 0.3,
			Timeout:     10 * time.Second,
		},
		Classifier: ClassifierConfig{
			Timeout: 3 * time.Second,
		},
		Store: StoreConfig{
			Backend:   BackendMemory,
			Retention: 200,
			RedisKey:  "reflections",
		},
		Stream: StreamConfig{
			Interval:     5 * time.Second,
			FetchTimeout: 10 * time.Second,
		},
		Session: SessionConfig{
			CookieName: "agora_session",
			TTL:        7 * 24 * time.Hour,
		},
		RateLimit: RateLimitConfig{
			PostsPerMinute: 6,
			Burst:          3,
			CleanupSpec:    "@every 10m",
		},
		Economy: EconomyConfig{
			UnlockCost: 10,
		},
		Notifier: NotifierConfig{
			QueueSize: 256,
			Workers:   2,
			Timeout:   10 * time.Second,
		},
		OAA: OAAConfig{
			Timeout:   5 * time.Second,
			QueueSize: 128,
		},
	}
}

// Load builds a Config from defaults, the YAML file at path (DefaultPath
// when empty, skipped if absent), a .env file and the environment.
func Load(path string) (*Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = DefaultPath
	}
	if err := cfg.mergeFile(path); err != nil {
		if explicit || !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	if err := envdecode.Decode(c); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return fmt.Errorf("decode environment: %w", err)
	}
	if origins := strings.TrimSpace(os.Getenv("CORS_ORIGINS")); origins != "" {
		c.Server.CORSOrigins = splitAndTrimCSV(origins)
	}
	c.Ledger.BaseURL = strings.TrimRight(c.Ledger.BaseURL, "/")
	c.LLM.BaseURL = strings.TrimRight(c.LLM.BaseURL, "/")
	c.OAA.BaseURL = strings.TrimRight(c.OAA.BaseURL, "/")
	c.Store.Backend = strings.ToLower(strings.TrimSpace(c.Store.Backend))
	return nil
}

// Validate rejects configurations the service cannot run with.
func (c *Config) Validate() error {
	if c.Store.Retention <= 0 {
		return fmt.Errorf("store.retention must be positive, got %d", c.Store.Retention)
	}
	switch c.Store.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.Store.RedisURL == "" {
			return fmt.Errorf("store.redis_url required for redis backend")
		}
	case BackendPostgres:
		if c.Store.DatabaseURL == "" {
			return fmt.Errorf("store.database_url required for postgres backend")
		}
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	if c.Stream.Interval <= 0 {
		return fmt.Errorf("stream.interval must be positive")
	}
	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2 {
		return fmt.Errorf("llm.temperature must be between 0 and 2, got %v", c.LLM.Temperature)
	}
	if c.Ledger.Timeout <= 0 || c.LLM.Timeout <= 0 || c.Stream.FetchTimeout <= 0 || c.Notifier.Timeout <= 0 || c.OAA.Timeout <= 0 {
		return fmt.Errorf("timeouts must be positive")
	}
	if len(c.Session.Secret) < 32 {
		return fmt.Errorf("session.secret must be at least 32 bytes")
	}
	if c.Economy.UnlockCost <= 0 {
		return fmt.Errorf("economy.unlock_cost must be positive")
	}
	if c.RateLimit.PostsPerMinute <= 0 || c.RateLimit.Burst <= 0 {
		return fmt.Errorf("rate_limit values must be positive")
	}
	return nil
}

func splitAndTrimCSV(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
