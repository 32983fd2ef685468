package webingester

import (
	"errors"
	"fmt"

	"github.com/c360studio/sitesync/storage"
)

// IngestRequest asks for a website to be synced. It is the JSON body of
// messages on the ingest subject.
type IngestRequest struct {
	WebsiteID string `json:"website_id"`
	URL       string `json:"url"`

	// MaxURLs and MaxDepth override the configured crawl bounds when set.
	MaxURLs  int  `json:"max_urls,omitempty"`
	MaxDepth *int `json:"max_depth,omitempty"`
}

// Validate checks the request for missing or malformed fields. URL safety
// is checked when the job starts.
func (r IngestRequest) Validate() error {
	if r.WebsiteID == "" {
		return errors.New("website_id is required")
	}
	if err := storage.ValidateID(r.WebsiteID); err != nil {
		return err
	}
	if r.URL == "" {
		return errors.New("url is required")
	}
	if r.MaxURLs < 0 {
		return fmt.Errorf("max_urls must be non-negative, got %d", r.MaxURLs)
	}
	if r.MaxDepth != nil && *r.MaxDepth < 0 {
		return fmt.Errorf("max_depth must be non-negative, got %d", *r.MaxDepth)
	}
	return nil
}

// Website builds a new website record, filling unset bounds from cfg.
func (r IngestRequest) Website(cfg HandlerConfig) storage.Website {
	return r.Apply(storage.Website{
		ID:       r.WebsiteID,
		MaxURLs:  cfg.MaxPages,
		MaxDepth: cfg.MaxDepth,
	})
}

// Apply overlays the request's URL and bounds on a stored website.
func (r IngestRequest) Apply(w storage.Website) storage.Website {
	w.URL = r.URL
	if r.MaxURLs > 0 {
		w.MaxURLs = r.MaxURLs
	}
	if r.MaxDepth != nil {
		w.MaxDepth = *r.MaxDepth
	}
	return w
}
