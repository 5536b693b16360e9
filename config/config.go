// Package config loads the llmgate configuration from YAML with environment
// variable expansion, defaults, and validation.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/BaSui01/llmgate/gateway"
)

// Config is the full gateway configuration.
type Config struct {
	Server    ServerConfig           `yaml:"server"`
	Database  DatabaseConfig         `yaml:"database"`
	Cache     CacheConfig            `yaml:"cache"`
	Pool      PoolConfig             `yaml:"pool"`
	Dispatch  gateway.DispatchConfig `yaml:"dispatch"`
	Providers ProvidersConfig        `yaml:"providers"`
	Log       LogConfig              `yaml:"log"`
}

// ServerConfig configures the HTTP surface (health + metrics).
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// DatabaseConfig configures the persistent store.
type DatabaseConfig struct {
	DSN        string `yaml:"dsn"`
	InitScript string `yaml:"init_script"`
}

// CacheConfig configures the decrypted key cache and the optional Redis
// model-list cache.
type CacheConfig struct {
	TTLSeconds      int    `yaml:"ttl_seconds"`
	MaxEntries      int    `yaml:"max_entries"`
	RedisAddr       string `yaml:"redis_addr"`
	ModelTTLSeconds int    `yaml:"model_ttl_seconds"`
}

// PoolConfig configures the upstream client pool.
type PoolConfig struct {
	Size int `yaml:"size"`
}

// ProvidersConfig configures provider endpoints.
type ProvidersConfig struct {
	Ollama OllamaConfig `yaml:"ollama"`
	Ali    AliConfig    `yaml:"ali"`
	OpenAI OpenAIConfig `yaml:"openai"`
}

// OllamaConfig configures the Ollama provider.
type OllamaConfig struct {
	Enabled bool   `yaml:"enabled"`
	BaseURL string `yaml:"base_url"`
}

// AliConfig configures the DashScope provider.
type AliConfig struct {
	Enabled bool   `yaml:"enabled"`
	BaseURL string `yaml:"base_url"`
}

// OpenAIConfig configures the generic OpenAI-compatible provider. Keys come
// from the encrypted pool under the "openai" tag; an empty pool falls back
// to nothing (the adapter reports NO_ACTIVE_KEYS).
type OpenAIConfig struct {
	Enabled bool     `yaml:"enabled"`
	BaseURL string   `yaml:"base_url"`
	Models  []string `yaml:"models"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Server:   ServerConfig{Addr: ":8080"},
		Database: DatabaseConfig{DSN: "llmgate.db"},
		Cache: CacheConfig{
			TTLSeconds:      3600,
			MaxEntries:      1000,
			ModelTTLSeconds: 300,
		},
		Pool:     PoolConfig{Size: 4},
		Dispatch: gateway.DefaultDispatchConfig(),
		Providers: ProvidersConfig{
			Ollama: OllamaConfig{Enabled: true, BaseURL: "http://localhost:11434"},
			Ali:    AliConfig{Enabled: true, BaseURL: "https://dashscope.aliyuncs.com"},
			OpenAI: OpenAIConfig{Enabled: false, BaseURL: "https://api.openai.com"},
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads the YAML file at path, expanding ${ENV} references, and merges
// it over the defaults. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for obvious mistakes.
func (c *Config) Validate() error {
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if c.Pool.Size < 1 {
		return fmt.Errorf("pool.size must be at least 1, got %d", c.Pool.Size)
	}
	if c.Cache.TTLSeconds < 0 {
		return fmt.Errorf("cache.ttl_seconds must not be negative")
	}
	if c.Dispatch.DefaultTemperature < 0 || c.Dispatch.DefaultTemperature > 2 {
		return fmt.Errorf("dispatch.default_temperature must be between 0.0 and 2.0")
	}
	return nil
}

// CoreConfig derives the gateway core configuration.
func (c *Config) CoreConfig() gateway.CoreConfig {
	return gateway.CoreConfig{
		DSN:             c.Database.DSN,
		InitScriptPath:  c.Database.InitScript,
		CacheTTL:        time.Duration(c.Cache.TTLSeconds) * time.Second,
		CacheMaxEntries: c.Cache.MaxEntries,
		PoolSize:        c.Pool.Size,
		Dispatch:        c.Dispatch,
		RedisAddr:       c.Cache.RedisAddr,
		ModelCacheTTL:   time.Duration(c.Cache.ModelTTLSeconds) * time.Second,
	}
}
