package webingester

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/c360studio/sitesync/source/chunker"
)

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults", func(*Config) {}, ""},
		{"missing stream", func(c *Config) { c.StreamName = "" }, "stream_name is required"},
		{"missing consumer", func(c *Config) { c.ConsumerName = "" }, "consumer_name is required"},
		{"missing subject", func(c *Config) { c.Subject = "" }, "subject is required"},
		{"bad fetch timeout", func(c *Config) { c.FetchTimeout = "soon" }, "invalid fetch_timeout"},
		{"bad job timeout", func(c *Config) { c.JobTimeout = "10" }, "invalid job_timeout"},
		{"bad index timeout", func(c *Config) { c.IndexTimeout = "later" }, "invalid index_timeout"},
		{"negative content size", func(c *Config) { c.MaxContentSize = -1 }, "max_content_size"},
		{"negative rate", func(c *Config) { c.RateLimit = -2 }, "rate_limit"},
		{"negative pages", func(c *Config) { c.MaxPages = -1 }, "max_pages"},
		{"bad glob", func(c *Config) { c.Exclude = []string{"/blog/[a"} }, "invalid path pattern"},
		{"bad chunk size", func(c *Config) { c.Chunk.ChunkSize = -5 }, "chunk:"},
		{"zero chunk size", func(c *Config) { c.Chunk.ChunkSize = 0 }, "chunk:"},
		{"unset chunk config", func(c *Config) { c.Chunk = chunker.Config{} }, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConfig_Accessors(t *testing.T) {
	var cfg Config
	assert.Equal(t, 15*time.Second, cfg.GetFetchTimeout())
	assert.Equal(t, 5*time.Minute, cfg.GetJobTimeout())
	assert.Equal(t, 2*time.Minute, cfg.GetIndexTimeout())
	assert.Equal(t, int64(10*1024*1024), cfg.GetMaxContentSize())
	assert.Equal(t, DefaultUserAgent, cfg.GetUserAgent())

	cfg = Config{FetchTimeout: "2s", JobTimeout: "bogus", MaxContentSize: 512, UserAgent: "bot/2"}
	assert.Equal(t, 2*time.Second, cfg.GetFetchTimeout())
	assert.Equal(t, 5*time.Minute, cfg.GetJobTimeout())
	assert.Equal(t, int64(512), cfg.GetMaxContentSize())
	assert.Equal(t, "bot/2", cfg.GetUserAgent())
}

func TestConfig_HandlerConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.JobTimeout = "90s"
	cfg.IndexTimeout = "45s"
	cfg.Include = []string{"/docs/**"}
	cfg.EmbeddingsEnabled = true

	hc := cfg.HandlerConfig()
	assert.Equal(t, 50, hc.MaxPages)
	assert.Equal(t, 3, hc.MaxDepth)
	assert.Equal(t, 90*time.Second, hc.JobTimeout)
	assert.Equal(t, 45*time.Second, hc.IndexTimeout)
	assert.Equal(t, []string{"/docs/**"}, hc.Include)
	assert.Equal(t, cfg.Chunk, hc.Chunk)
	assert.True(t, hc.EmbeddingsEnabled)
}

func TestConfig_Decode(t *testing.T) {
	raw := `
stream_name: SITES
consumer_name: sync-worker
subject: sites.ingest
max_pages: 10
max_depth: 1
exclude: ["/private/**"]
chunk:
  chunk_size: 800
  chunk_overlap: 50
  min_chunk_size: 100
`
	cfg := DefaultConfig()
	require.NoError(t, yaml.Unmarshal([]byte(raw), &cfg))
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "SITES", cfg.StreamName)
	assert.Equal(t, 10, cfg.MaxPages)
	assert.Equal(t, 800, cfg.Chunk.ChunkSize)
	assert.Equal(t, "15s", cfg.FetchTimeout, "unset keys keep defaults")

	data, err := json.Marshal(cfg)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"subject":"sites.ingest"`)
}
