package syncapi

import (
	"fmt"
	"time"
)

// Config holds configuration for the sync HTTP API.
type Config struct {
	// Prefix is the path the handlers are mounted under.
	Prefix string `json:"prefix" yaml:"prefix"`

	// SyncLimit is the number of sync triggers allowed per website and per
	// client address within SyncWindow.
	SyncLimit  int    `json:"sync_limit" yaml:"sync_limit"`
	SyncWindow string `json:"sync_window" yaml:"sync_window"`
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.SyncLimit < 0 {
		return fmt.Errorf("sync_limit must be non-negative")
	}
	if c.SyncWindow != "" {
		d, err := time.ParseDuration(c.SyncWindow)
		if err != nil {
			return fmt.Errorf("invalid sync_window format: %w", err)
		}
		if d <= 0 {
			return fmt.Errorf("sync_window must be positive")
		}
	}
	return nil
}

// GetPrefix returns the mount prefix with default.
func (c *Config) GetPrefix() string {
	if c.Prefix == "" {
		return "/api"
	}
	return c.Prefix
}

// GetSyncLimit returns the trigger limit with default.
func (c *Config) GetSyncLimit() int {
	if c.SyncLimit <= 0 {
		return 5
	}
	return c.SyncLimit
}

// GetSyncWindow returns the rate limit window as a duration.
func (c *Config) GetSyncWindow() time.Duration {
	if c.SyncWindow == "" {
		return time.Minute
	}
	d, err := time.ParseDuration(c.SyncWindow)
	if err != nil || d <= 0 {
		return time.Minute
	}
	return d
}

// DefaultConfig returns default configuration for the sync API.
func DefaultConfig() Config {
	return Config{
		Prefix:     "/api",
		SyncLimit:  5,
		SyncWindow: "1m",
	}
}
