package webingester

import (
	"context"
	"errors"
	"fmt"

	"github.com/c360studio/sitesync/storage"
)

// WebsiteStore reads and registers websites ahead of a sync.
type WebsiteStore interface {
	GetWebsite(ctx context.Context, id string) (*storage.Website, error)
	CreateWebsite(ctx context.Context, w *storage.Website) (string, error)
	UpdateWebsite(ctx context.Context, id string, u storage.WebsiteUpdate) error
}

// EnsureWebsite returns the stored website for w.ID, creating it from w when
// missing. A stored URL that differs from a non-empty w.URL is replaced.
func EnsureWebsite(ctx context.Context, store WebsiteStore, w storage.Website) (*storage.Website, error) {
	existing, err := store.GetWebsite(ctx, w.ID)
	if errors.Is(err, storage.ErrNotFound) {
		created := w
		if _, err := store.CreateWebsite(ctx, &created); err != nil {
			// Lost a race with another creator.
			if existing, getErr := store.GetWebsite(ctx, w.ID); getErr == nil {
				return existing, nil
			}
			return nil, fmt.Errorf("register website: %w", err)
		}
		return &created, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load website: %w", err)
	}

	if w.URL != "" && w.URL != existing.URL {
		if err := store.UpdateWebsite(ctx, w.ID, storage.WebsiteUpdate{URL: &w.URL}); err != nil {
			return nil, fmt.Errorf("update website url: %w", err)
		}
		existing.URL = w.URL
	}
	return existing, nil
}
