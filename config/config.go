// Package config provides configuration loading and management for sitesync.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/c360studio/sitesync/llm"
	syncapi "github.com/c360studio/sitesync/processor/sync-api"
	webingester "github.com/c360studio/sitesync/processor/web-ingester"
)

// Config represents the complete sitesync configuration
type Config struct {
	NATS      NATSConfig         `yaml:"nats"`
	Redis     RedisConfig        `yaml:"redis"`
	HTTP      HTTPConfig         `yaml:"http"`
	Ingest    webingester.Config `yaml:"ingest"`
	API       syncapi.Config     `yaml:"api"`
	Embedding EmbeddingConfig    `yaml:"embedding"`
}

// NATSConfig configures the NATS connection
type NATSConfig struct {
	// URL is the NATS server URL. Empty runs against in-memory storage.
	URL string `yaml:"url"`
}

// RedisConfig configures the Redis-backed rate limiter
type RedisConfig struct {
	// Addr is host:port. Empty uses an in-process limiter.
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// HTTPConfig configures the HTTP listener
type HTTPConfig struct {
	Addr        string `yaml:"addr"`
	MetricsPath string `yaml:"metrics_path"`
	// ShutdownTimeout bounds graceful shutdown of the server and running jobs
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// EmbeddingConfig configures chunk embedding
type EmbeddingConfig struct {
	Enabled    bool          `yaml:"enabled"`
	Provider   string        `yaml:"provider"`
	URL        string        `yaml:"url"`
	Model      string        `yaml:"model"`
	Dimensions int           `yaml:"dimensions"`
	APIKey     string        `yaml:"api_key"`
	BatchSize  int           `yaml:"batch_size"`
	Timeout    time.Duration `yaml:"timeout"`
}

// Endpoint returns the llm endpoint described by the config.
func (e EmbeddingConfig) Endpoint() llm.EndpointConfig {
	return llm.EndpointConfig{
		Provider:   e.Provider,
		URL:        e.URL,
		Model:      e.Model,
		Dimensions: e.Dimensions,
		APIKey:     e.APIKey,
	}
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Addr:            ":8080",
			MetricsPath:     "/metrics",
			ShutdownTimeout: 30 * time.Second,
		},
		Ingest: webingester.DefaultConfig(),
		API:    syncapi.DefaultConfig(),
		Embedding: EmbeddingConfig{
			Enabled:   false,
			Provider:  "openai",
			Model:     "text-embedding-3-small",
			BatchSize: llm.DefaultBatchSize,
			Timeout:   60 * time.Second,
		},
	}
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.HTTP.Addr == "" {
		return fmt.Errorf("http.addr is required")
	}
	if c.Redis.DB < 0 {
		return fmt.Errorf("redis.db must be non-negative")
	}
	if err := c.Ingest.Validate(); err != nil {
		return fmt.Errorf("ingest: %w", err)
	}
	if err := c.API.Validate(); err != nil {
		return fmt.Errorf("api: %w", err)
	}
	if c.Embedding.Enabled {
		if c.Embedding.Provider == "" {
			return fmt.Errorf("embedding.provider is required when embeddings are enabled")
		}
		if c.Embedding.Model == "" {
			return fmt.Errorf("embedding.model is required when embeddings are enabled")
		}
	}
	if c.Embedding.BatchSize < 0 {
		return fmt.Errorf("embedding.batch_size must be non-negative")
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// SaveToFile saves configuration to a YAML file
func (c *Config) SaveToFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// set copies src into dst unless src is the zero value.
func set[T comparable](dst *T, src T) {
	var zero T
	if src != zero {
		*dst = src
	}
}

// Merge merges another config into this one (other takes precedence for non-zero values)
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	set(&c.NATS.URL, other.NATS.URL)

	set(&c.Redis.Addr, other.Redis.Addr)
	set(&c.Redis.Password, other.Redis.Password)
	set(&c.Redis.DB, other.Redis.DB)

	set(&c.HTTP.Addr, other.HTTP.Addr)
	set(&c.HTTP.MetricsPath, other.HTTP.MetricsPath)
	set(&c.HTTP.ShutdownTimeout, other.HTTP.ShutdownTimeout)

	in, o := &c.Ingest, other.Ingest
	set(&in.StreamName, o.StreamName)
	set(&in.ConsumerName, o.ConsumerName)
	set(&in.Subject, o.Subject)
	set(&in.FetchTimeout, o.FetchTimeout)
	set(&in.MaxContentSize, o.MaxContentSize)
	set(&in.UserAgent, o.UserAgent)
	set(&in.RateLimit, o.RateLimit)
	set(&in.RateBurst, o.RateBurst)
	set(&in.CrawlWorkers, o.CrawlWorkers)
	set(&in.MaxPages, o.MaxPages)
	set(&in.MaxDepth, o.MaxDepth)
	set(&in.Chunk, o.Chunk)
	set(&in.ParagraphChunking, o.ParagraphChunking)
	set(&in.PageWorkers, o.PageWorkers)
	set(&in.JobTimeout, o.JobTimeout)
	set(&in.IndexTimeout, o.IndexTimeout)
	if len(o.Include) > 0 {
		in.Include = o.Include
	}
	if len(o.Exclude) > 0 {
		in.Exclude = o.Exclude
	}

	set(&c.API.Prefix, other.API.Prefix)
	set(&c.API.SyncLimit, other.API.SyncLimit)
	set(&c.API.SyncWindow, other.API.SyncWindow)

	e, oe := &c.Embedding, other.Embedding
	set(&e.Enabled, oe.Enabled)
	set(&e.Provider, oe.Provider)
	set(&e.URL, oe.URL)
	set(&e.Model, oe.Model)
	set(&e.Dimensions, oe.Dimensions)
	set(&e.APIKey, oe.APIKey)
	set(&e.BatchSize, oe.BatchSize)
	set(&e.Timeout, oe.Timeout)
}

// ApplyEnv overrides settings from environment variables read with getenv.
// Invalid boolean values are reported, not ignored.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	if v := getenv("EMBEDDINGS_ENABLED"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("EMBEDDINGS_ENABLED: %w", err)
		}
		c.Embedding.Enabled = enabled
	}
	if v := getenv("OPENAI_API_KEY"); v != "" && c.Embedding.Provider == "openai" && c.Embedding.APIKey == "" {
		c.Embedding.APIKey = v
	}
	set(&c.NATS.URL, getenv("NATS_URL"))
	set(&c.Redis.Addr, getenv("REDIS_ADDR"))
	return nil
}

// HandlerConfig returns the ingestion job settings. Embedding is governed
// by the embedding section.
func (c *Config) HandlerConfig() webingester.HandlerConfig {
	hc := c.Ingest.HandlerConfig()
	hc.EmbeddingsEnabled = c.Embedding.Enabled
	return hc
}
