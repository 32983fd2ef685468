// Package storage persists websites, sync audit logs, crawled pages, and
// embedded chunks.
package storage

import (
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/c360studio/sitesync/source"
)

// idPattern restricts caller-supplied IDs to characters that are safe in
// KV keys and NATS subjects.
var idPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// ValidateID reports whether id can be used as a record key.
func ValidateID(id string) error {
	if !idPattern.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}

// NewID generates a new record ID.
func NewID() string {
	return uuid.New().String()
}

// WebsiteStatus is the sync state a UI polls.
type WebsiteStatus string

const (
	WebsiteStatusPending   WebsiteStatus = "PENDING"
	WebsiteStatusSyncing   WebsiteStatus = "SYNCING"
	WebsiteStatusCompleted WebsiteStatus = "COMPLETED"
	WebsiteStatusError     WebsiteStatus = "ERROR"
)

// Website is a customer site configured for knowledge ingestion.
type Website struct {
	ID           string        `json:"id"`
	URL          string        `json:"url"`
	Status       WebsiteStatus `json:"status"`
	MaxURLs      int           `json:"max_urls"`
	MaxDepth     int           `json:"max_depth"`
	Content      string        `json:"content,omitempty"`
	Links        []string      `json:"links,omitempty"`
	PageCount    int           `json:"page_count"`
	ErrorMessage string        `json:"error_message,omitempty"`
	LastSyncedAt *time.Time    `json:"last_synced_at,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// WebsiteUpdate is a partial website update; nil fields are left unchanged.
type WebsiteUpdate struct {
	Status       *WebsiteStatus
	URL          *string
	Content      *string
	Links        []string
	PageCount    *int
	ErrorMessage *string
	LastSyncedAt *time.Time
}

func (w *Website) apply(u WebsiteUpdate, now time.Time) {
	if u.Status != nil {
		w.Status = *u.Status
	}
	if u.URL != nil {
		w.URL = *u.URL
	}
	if u.Content != nil {
		w.Content = *u.Content
	}
	if u.Links != nil {
		w.Links = append([]string(nil), u.Links...)
	}
	if u.PageCount != nil {
		w.PageCount = *u.PageCount
	}
	if u.ErrorMessage != nil {
		w.ErrorMessage = *u.ErrorMessage
	}
	if u.LastSyncedAt != nil {
		t := *u.LastSyncedAt
		w.LastSyncedAt = &t
	}
	w.UpdatedAt = now
}

// SyncStatus is the state of one ingestion job.
type SyncStatus string

const (
	SyncStatusRunning   SyncStatus = "RUNNING"
	SyncStatusCompleted SyncStatus = "COMPLETED"
	SyncStatusFailed    SyncStatus = "FAILED"
)

// SyncLog records one ingestion job. Once COMPLETED,
// SuccessCount+FailedCount+SkippedCount == TotalURLs.
type SyncLog struct {
	ID           string     `json:"id"`
	WebsiteID    string     `json:"website_id"`
	Status       SyncStatus `json:"status"`
	StartedAt    time.Time  `json:"started_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	DurationMs   int64      `json:"duration_ms"`
	TotalURLs    int        `json:"total_urls"`
	SuccessCount int        `json:"success_count"`
	FailedCount  int        `json:"failed_count"`
	SkippedCount int        `json:"skipped_count"`
	ErrorMessage string     `json:"error_message,omitempty"`
}

// SyncLogUpdate is a partial sync log update; nil fields are left unchanged.
type SyncLogUpdate struct {
	Status       *SyncStatus
	CompletedAt  *time.Time
	DurationMs   *int64
	TotalURLs    *int
	SuccessCount *int
	FailedCount  *int
	SkippedCount *int
	ErrorMessage *string
}

func (l *SyncLog) apply(u SyncLogUpdate) {
	if u.Status != nil {
		l.Status = *u.Status
	}
	if u.CompletedAt != nil {
		t := *u.CompletedAt
		l.CompletedAt = &t
	}
	if u.DurationMs != nil {
		l.DurationMs = *u.DurationMs
	}
	if u.TotalURLs != nil {
		l.TotalURLs = *u.TotalURLs
	}
	if u.SuccessCount != nil {
		l.SuccessCount = *u.SuccessCount
	}
	if u.FailedCount != nil {
		l.FailedCount = *u.FailedCount
	}
	if u.SkippedCount != nil {
		l.SkippedCount = *u.SkippedCount
	}
	if u.ErrorMessage != nil {
		l.ErrorMessage = *u.ErrorMessage
	}
}

// EntryStatus is the per-URL outcome within a sync.
type EntryStatus string

const (
	EntrySuccess        EntryStatus = "SUCCESS"
	EntryFailed         EntryStatus = "FAILED"
	EntrySkipped        EntryStatus = "SKIPPED"
	EntryAlreadyVisited EntryStatus = "ALREADY_VISITED"
)

// SyncLogEntry records what happened to one URL during a sync.
type SyncLogEntry struct {
	ID           string      `json:"id"`
	SyncLogID    string      `json:"sync_log_id"`
	WebsiteID    string      `json:"website_id"`
	URL          string      `json:"url"`
	Status       EntryStatus `json:"status"`
	ErrorMessage *string     `json:"error_message,omitempty"`
	ContentSize  int         `json:"content_size"`
	CreatedAt    time.Time   `json:"created_at"`
}

// Page is a crawled page as persisted for a website.
type Page struct {
	ID         string    `json:"id"`
	WebsiteID  string    `json:"website_id"`
	SyncLogID  string    `json:"sync_log_id"`
	URL        string    `json:"url"`
	Title      *string   `json:"title,omitempty"`
	Content    string    `json:"content"`
	Links      []string  `json:"links"`
	StatusCode int       `json:"status_code,omitempty"`
	Error      *string   `json:"error,omitempty"`
	Depth      int       `json:"depth"`
	CreatedAt  time.Time `json:"created_at"`
}

// Document is the chunked form of a successful page.
type Document struct {
	ID         string    `json:"id"`
	WebsiteID  string    `json:"website_id"`
	PageID     string    `json:"page_id"`
	URL        string    `json:"url"`
	Title      string    `json:"title"`
	Content    string    `json:"content"`
	TokenCount int       `json:"token_count"`
	ChunkCount int       `json:"chunk_count"`
	CreatedAt  time.Time `json:"created_at"`
}

// ChunkRecord is one persisted chunk with its optional embedding.
type ChunkRecord struct {
	ID         string          `json:"id"`
	WebsiteID  string          `json:"website_id"`
	DocumentID string          `json:"document_id"`
	ChunkIndex int             `json:"chunk_index"`
	Content    string          `json:"content"`
	TokenCount int             `json:"token_count"`
	Metadata   source.Metadata `json:"metadata,omitempty"`
	Embedding  []float32       `json:"embedding,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Ptr returns a pointer to v. It keeps partial updates terse.
func Ptr[T any](v T) *T {
	return &v
}
