// Package config loads service configuration from an optional YAML file
// overlaid with CHAT_ environment variables.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix prefixes every environment override. CHAT_LLM__API_KEY sets llm.api_key.
const EnvPrefix = "CHAT_"

type Config struct {
	App       AppConfig       `koanf:"app"`
	Server    ServerConfig    `koanf:"server"`
	Database  DatabaseConfig  `koanf:"database"`
	LLM       LLMConfig       `koanf:"llm"`
	Title     TitleConfig     `koanf:"title"`
	Search    SearchConfig    `koanf:"search"`
	Auth      AuthConfig      `koanf:"auth"`
	Stream    StreamConfig    `koanf:"stream"`
	History   HistoryConfig   `koanf:"history"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
}

type AppConfig struct {
	Name    string `koanf:"name"`
	Version string `koanf:"version"`
}

type ServerConfig struct {
	Port           int           `koanf:"port"`
	APIPrefix      string        `koanf:"api_prefix"`
	RequestTimeout time.Duration `koanf:"request_timeout"`
	CORSOrigins    []string      `koanf:"cors_origins"`
}

// DatabaseConfig selects the SQL dialect and connection string.
type DatabaseConfig struct {
	Driver       string `koanf:"driver"` // sqlite, postgres
	DSN          string `koanf:"dsn"`
	MaxOpenConns int    `koanf:"max_open_conns"`
}

// LLMConfig configures the OpenAI-compatible model used by the agent.
type LLMConfig struct {
	BaseURL       string  `koanf:"base_url"`
	APIKey        string  `koanf:"api_key"`
	Model         string  `koanf:"model"`
	Temperature   float64 `koanf:"temperature"`
	MaxSteps      int     `koanf:"max_steps"`
	ContextTokens int     `koanf:"context_tokens"`
	SystemPrompt  string  `koanf:"system_prompt"`
}

// TitleConfig configures the model used for thread title generation.
// Empty fields inherit from LLMConfig.
type TitleConfig struct {
	BaseURL string `koanf:"base_url"`
	APIKey  string `koanf:"api_key"`
	Model   string `koanf:"model"`
}

type SearchConfig struct {
	BaseURL    string `koanf:"base_url"`
	APIKey     string `koanf:"api_key"`
	MaxResults int    `koanf:"max_results"`
}

type AuthConfig struct {
	JWKSURL         string        `koanf:"jwks_url"`
	VerificationKey string        `koanf:"verification_key"` // PEM encoded RSA public key
	MaxCachedKeys   int           `koanf:"max_cached_keys"`
	JWKSTTL         time.Duration `koanf:"jwks_ttl"`
	JWKSMinRefresh  time.Duration `koanf:"jwks_min_refresh"` // minimum time between JWKS fetches
}

type StreamConfig struct {
	ChunkDelay time.Duration `koanf:"chunk_delay"`
}

type HistoryConfig struct {
	DeleteAttempts int `koanf:"delete_attempts"`
}

type TelemetryConfig struct {
	Enabled bool `koanf:"enabled"`
}

var defaults = map[string]any{
	"app.name":                "Chat Backend API",
	"app.version":             "1.0.0",
	"server.port":             8000,
	"server.api_prefix":       "/api/v1",
	"server.request_timeout":  "60s",
	"server.cors_origins":     []string{"http://localhost:3000", "http://localhost:8000"},
	"database.driver":         "sqlite",
	"database.dsn":            "file:chat.db",
	"database.max_open_conns": 20,
	"llm.base_url":            "https://api.groq.com/openai/v1",
	"llm.model":               "qwen/qwen3-32b",
	"llm.temperature":         0.1,
	"llm.max_steps":           8,
	"llm.context_tokens":      24000,
	"llm.system_prompt":       DefaultSystemPrompt,
	"search.base_url":         "https://api.tavily.com",
	"search.max_results":      3,
	"auth.max_cached_keys":    16,
	"auth.jwks_ttl":           "10m",
	"auth.jwks_min_refresh":   "30s",
	"stream.chunk_delay":      "50ms",
	"history.delete_attempts": 3,
}

// DefaultSystemPrompt is the agent persona used when llm.system_prompt is unset.
const DefaultSystemPrompt = "You are a helpful assistant. Use the web search tool when a question " +
	"needs current or factual information you are unsure about, and answer concisely."

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Load reads path (when it exists) then applies environment overrides and defaults.
// An empty path falls back to config.yaml in the working directory.
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.yaml"
	}

	k := koanf.New(".")

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		// File not found is OK, we'll use env vars
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("load %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".", -1)
	}), nil); err != nil {
		return nil, err
	}

	for key, value := range defaults {
		if !k.Exists(key) {
			k.Set(key, value)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	cfg.LLM.APIKey = substituteEnvVars(cfg.LLM.APIKey)
	cfg.Title.APIKey = substituteEnvVars(cfg.Title.APIKey)
	cfg.Search.APIKey = substituteEnvVars(cfg.Search.APIKey)
	cfg.Database.DSN = substituteEnvVars(cfg.Database.DSN)
	cfg.Auth.VerificationKey = substituteEnvVars(cfg.Auth.VerificationKey)

	if cfg.Title.BaseURL == "" {
		cfg.Title.BaseURL = cfg.LLM.BaseURL
	}
	if cfg.Title.APIKey == "" {
		cfg.Title.APIKey = cfg.LLM.APIKey
	}
	if cfg.Title.Model == "" {
		cfg.Title.Model = cfg.LLM.Model
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the service cannot start with.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("database.driver must be sqlite or postgres, got %q", c.Database.Driver)
	}
	if c.Stream.ChunkDelay < 0 {
		return fmt.Errorf("stream.chunk_delay must not be negative")
	}
	if c.History.DeleteAttempts < 1 {
		return fmt.Errorf("history.delete_attempts must be at least 1")
	}
	if c.LLM.MaxSteps < 1 {
		return fmt.Errorf("llm.max_steps must be at least 1")
	}
	if !strings.HasPrefix(c.Server.APIPrefix, "/") {
		return fmt.Errorf("server.api_prefix must start with /")
	}
	return nil
}

func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}
