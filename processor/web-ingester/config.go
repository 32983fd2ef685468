package webingester

import (
	"fmt"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/c360studio/sitesync/source/chunker"
)

// Config holds configuration for the web-ingester component.
type Config struct {
	// StreamName is the JetStream stream carrying ingestion requests.
	StreamName string `json:"stream_name" yaml:"stream_name"`

	// ConsumerName is the durable consumer name.
	ConsumerName string `json:"consumer_name" yaml:"consumer_name"`

	// Subject is the subject ingestion requests are published on.
	Subject string `json:"subject" yaml:"subject"`

	// FetchTimeout is the maximum time for fetching a single page.
	FetchTimeout string `json:"fetch_timeout" yaml:"fetch_timeout"`

	// MaxContentSize is the maximum response body size in bytes.
	MaxContentSize int64 `json:"max_content_size" yaml:"max_content_size"`

	// UserAgent is the User-Agent header for HTTP requests.
	UserAgent string `json:"user_agent" yaml:"user_agent"`

	// RateLimit spaces requests per fetcher. Zero disables limiting.
	RateLimit float64 `json:"rate_limit" yaml:"rate_limit"`
	RateBurst int     `json:"rate_burst" yaml:"rate_burst"`

	// CrawlWorkers bounds concurrent fetches within a crawl level.
	CrawlWorkers int `json:"crawl_workers" yaml:"crawl_workers"`

	// MaxPages and MaxDepth are the crawl bounds for requests that carry none.
	MaxPages int `json:"max_pages" yaml:"max_pages"`
	MaxDepth int `json:"max_depth" yaml:"max_depth"`

	// Include and Exclude are doublestar path globs applied to links.
	Include []string `json:"include,omitempty" yaml:"include,omitempty"`
	Exclude []string `json:"exclude,omitempty" yaml:"exclude,omitempty"`

	// Chunk holds content chunking configuration.
	Chunk chunker.Config `json:"chunk" yaml:"chunk"`

	// ParagraphChunking batches whole paragraphs into chunks.
	ParagraphChunking bool `json:"paragraph_chunking" yaml:"paragraph_chunking"`

	// PageWorkers bounds concurrent chunk and embed work per job.
	PageWorkers int `json:"page_workers" yaml:"page_workers"`

	// JobTimeout caps the crawl of a single ingestion job.
	JobTimeout string `json:"job_timeout" yaml:"job_timeout"`

	// IndexTimeout caps chunking and embedding of the crawled pages.
	IndexTimeout string `json:"index_timeout" yaml:"index_timeout"`

	// EmbeddingsEnabled turns on chunk embedding.
	EmbeddingsEnabled bool `json:"embeddings_enabled" yaml:"embeddings_enabled"`
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.StreamName == "" {
		return fmt.Errorf("stream_name is required")
	}
	if c.ConsumerName == "" {
		return fmt.Errorf("consumer_name is required")
	}
	if c.Subject == "" {
		return fmt.Errorf("subject is required")
	}
	if c.FetchTimeout != "" {
		if _, err := time.ParseDuration(c.FetchTimeout); err != nil {
			return fmt.Errorf("invalid fetch_timeout format: %w", err)
		}
	}
	if c.JobTimeout != "" {
		if _, err := time.ParseDuration(c.JobTimeout); err != nil {
			return fmt.Errorf("invalid job_timeout format: %w", err)
		}
	}
	if c.IndexTimeout != "" {
		if _, err := time.ParseDuration(c.IndexTimeout); err != nil {
			return fmt.Errorf("invalid index_timeout format: %w", err)
		}
	}
	if c.MaxContentSize < 0 {
		return fmt.Errorf("max_content_size must be non-negative")
	}
	if c.RateLimit < 0 {
		return fmt.Errorf("rate_limit must be non-negative")
	}
	if c.MaxPages < 0 {
		return fmt.Errorf("max_pages must be non-negative")
	}
	for _, pattern := range append(append([]string(nil), c.Include...), c.Exclude...) {
		if !doublestar.ValidatePattern(pattern) {
			return fmt.Errorf("invalid path pattern %q", pattern)
		}
	}
	if c.Chunk != (chunker.Config{}) {
		if err := c.Chunk.Validate(); err != nil {
			return fmt.Errorf("chunk: %w", err)
		}
	}
	return nil
}

// parseDurationOrDefault parses a duration string and returns the default if empty or invalid.
func parseDurationOrDefault(s string, defaultVal time.Duration) time.Duration {
	if s == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultVal
	}
	return d
}

// GetFetchTimeout returns the fetch timeout as a duration.
func (c *Config) GetFetchTimeout() time.Duration {
	return parseDurationOrDefault(c.FetchTimeout, 15*time.Second)
}

// GetJobTimeout returns the job timeout as a duration.
func (c *Config) GetJobTimeout() time.Duration {
	return parseDurationOrDefault(c.JobTimeout, 5*time.Minute)
}

// GetIndexTimeout returns the indexing timeout as a duration.
func (c *Config) GetIndexTimeout() time.Duration {
	return parseDurationOrDefault(c.IndexTimeout, 2*time.Minute)
}

// GetMaxContentSize returns the max content size with default.
func (c *Config) GetMaxContentSize() int64 {
	if c.MaxContentSize <= 0 {
		return 10 * 1024 * 1024
	}
	return c.MaxContentSize
}

// GetUserAgent returns the user agent with default.
func (c *Config) GetUserAgent() string {
	if c.UserAgent == "" {
		return DefaultUserAgent
	}
	return c.UserAgent
}

// HandlerConfig converts the job settings for NewHandler.
func (c *Config) HandlerConfig() HandlerConfig {
	return HandlerConfig{
		MaxPages:          c.MaxPages,
		MaxDepth:          c.MaxDepth,
		Include:           c.Include,
		Exclude:           c.Exclude,
		Chunk:             c.Chunk,
		ParagraphChunking: c.ParagraphChunking,
		PageWorkers:       c.PageWorkers,
		JobTimeout:        c.GetJobTimeout(),
		IndexTimeout:      c.GetIndexTimeout(),
		EmbeddingsEnabled: c.EmbeddingsEnabled,
	}
}

// DefaultUserAgent identifies the crawler to websites.
const DefaultUserAgent = "sitesync-crawler/1.0"

// DefaultConfig returns default configuration for the web-ingester component.
func DefaultConfig() Config {
	return Config{
		StreamName:     "SITESYNC",
		ConsumerName:   "web-ingester",
		Subject:        "sitesync.ingest.request",
		FetchTimeout:   "15s",
		MaxContentSize: 10 * 1024 * 1024,
		UserAgent:      DefaultUserAgent,
		RateLimit:      5,
		RateBurst:      2,
		CrawlWorkers:   4,
		MaxPages:       50,
		MaxDepth:       3,
		Chunk:          chunker.DefaultConfig(),
		PageWorkers:    4,
		JobTimeout:     "5m",
		IndexTimeout:   "2m",
	}
}
