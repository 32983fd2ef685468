package storage

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// Bucket names for each record type.
const (
	BucketWebsites    = "SITESYNC_WEBSITES"
	BucketSyncLogs    = "SITESYNC_SYNC_LOGS"
	BucketSyncEntries = "SITESYNC_SYNC_ENTRIES"
	BucketPages       = "SITESYNC_PAGES"
	BucketDocuments   = "SITESYNC_DOCUMENTS"
	BucketChunks      = "SITESYNC_CHUNKS"
)

// KVStore persists records in NATS KV buckets. Child records are keyed
// "<parent>.<id>" so a parent's children can be listed or purged by prefix.
type KVStore struct {
	websites  jetstream.KeyValue
	syncLogs  jetstream.KeyValue
	entries   jetstream.KeyValue
	pages     jetstream.KeyValue
	documents jetstream.KeyValue
	chunks    jetstream.KeyValue
	now       func() time.Time
}

// NewKVStore creates a KVStore with the given JetStream context.
// It creates the necessary KV buckets if they don't exist.
func NewKVStore(ctx context.Context, js jetstream.JetStream) (*KVStore, error) {
	s := &KVStore{now: time.Now}

	buckets := []struct {
		name string
		kv   *jetstream.KeyValue
	}{
		{BucketWebsites, &s.websites},
		{BucketSyncLogs, &s.syncLogs},
		{BucketSyncEntries, &s.entries},
		{BucketPages, &s.pages},
		{BucketDocuments, &s.documents},
		{BucketChunks, &s.chunks},
	}
	for _, b := range buckets {
		kv, err := getOrCreateBucket(ctx, js, b.name)
		if err != nil {
			return nil, fmt.Errorf("create %s bucket: %w", strings.ToLower(b.name), err)
		}
		*b.kv = kv
	}

	return s, nil
}

func getOrCreateBucket(ctx context.Context, js jetstream.JetStream, name string) (jetstream.KeyValue, error) {
	kv, err := js.KeyValue(ctx, name)
	if err == nil {
		return kv, nil
	}
	// Bucket doesn't exist, create it
	return js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      name,
		Description: fmt.Sprintf("Sitesync %s storage", strings.ToLower(name)),
		History:     5,
	})
}

// CreateWebsite stores a new website. An empty ID is generated.
func (s *KVStore) CreateWebsite(ctx context.Context, w *Website) (string, error) {
	if w.ID == "" {
		w.ID = NewID()
	} else if err := ValidateID(w.ID); err != nil {
		return "", err
	}
	if w.Status == "" {
		w.Status = WebsiteStatusPending
	}
	w.CreatedAt = s.now()
	w.UpdatedAt = w.CreatedAt

	if err := createJSON(ctx, s.websites, w.ID, w); err != nil {
		return "", fmt.Errorf("store website: %w", err)
	}
	return w.ID, nil
}

// GetWebsite retrieves a website by ID.
func (s *KVStore) GetWebsite(ctx context.Context, id string) (*Website, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}
	var w Website
	if _, err := getJSON(ctx, s.websites, id, &w); err != nil {
		return nil, fmt.Errorf("get website: %w", err)
	}
	return &w, nil
}

// UpdateWebsite applies a partial update to a website.
func (s *KVStore) UpdateWebsite(ctx context.Context, id string, u WebsiteUpdate) error {
	if err := ValidateID(id); err != nil {
		return err
	}
	err := updateJSON(ctx, s.websites, id, func(w *Website) {
		w.apply(u, s.now())
	})
	if err != nil {
		return fmt.Errorf("update website: %w", err)
	}
	return nil
}

// CreateSyncLog opens a RUNNING sync log for a website and returns its ID.
func (s *KVStore) CreateSyncLog(ctx context.Context, websiteID string) (string, error) {
	if err := ValidateID(websiteID); err != nil {
		return "", err
	}
	l := SyncLog{
		ID:        NewID(),
		WebsiteID: websiteID,
		Status:    SyncStatusRunning,
		StartedAt: s.now(),
	}
	if err := createJSON(ctx, s.syncLogs, l.ID, &l); err != nil {
		return "", fmt.Errorf("store sync log: %w", err)
	}
	return l.ID, nil
}

// GetSyncLog retrieves a sync log by ID.
func (s *KVStore) GetSyncLog(ctx context.Context, id string) (*SyncLog, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}
	var l SyncLog
	if _, err := getJSON(ctx, s.syncLogs, id, &l); err != nil {
		return nil, fmt.Errorf("get sync log: %w", err)
	}
	return &l, nil
}

// UpdateSyncLog applies a partial update to a sync log.
func (s *KVStore) UpdateSyncLog(ctx context.Context, id string, u SyncLogUpdate) error {
	if err := ValidateID(id); err != nil {
		return err
	}
	if err := updateJSON(ctx, s.syncLogs, id, func(l *SyncLog) { l.apply(u) }); err != nil {
		return fmt.Errorf("update sync log: %w", err)
	}
	return nil
}

// ListSyncLogs returns a website's sync logs, newest first.
func (s *KVStore) ListSyncLogs(ctx context.Context, websiteID string) ([]*SyncLog, error) {
	all, err := listJSON[SyncLog](ctx, s.syncLogs, "")
	if err != nil {
		return nil, fmt.Errorf("list sync logs: %w", err)
	}
	logs := make([]*SyncLog, 0, len(all))
	for _, l := range all {
		if l.WebsiteID == websiteID {
			logs = append(logs, l)
		}
	}
	slices.SortStableFunc(logs, func(a, b *SyncLog) int {
		return b.StartedAt.Compare(a.StartedAt)
	})
	return logs, nil
}

// CreateSyncLogEntry appends a per-URL entry to a sync log.
func (s *KVStore) CreateSyncLogEntry(ctx context.Context, e *SyncLogEntry) error {
	if err := ValidateID(e.SyncLogID); err != nil {
		return err
	}
	e.ID = NewID()
	e.CreatedAt = s.now()
	if err := createJSON(ctx, s.entries, e.SyncLogID+"."+e.ID, e); err != nil {
		return fmt.Errorf("store sync log entry: %w", err)
	}
	return nil
}

// ListSyncLogEntries returns a sync log's entries in creation order.
func (s *KVStore) ListSyncLogEntries(ctx context.Context, syncLogID string) ([]*SyncLogEntry, error) {
	if err := ValidateID(syncLogID); err != nil {
		return nil, err
	}
	entries, err := listJSON[SyncLogEntry](ctx, s.entries, syncLogID+".")
	if err != nil {
		return nil, fmt.Errorf("list sync log entries: %w", err)
	}
	slices.SortStableFunc(entries, func(a, b *SyncLogEntry) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return entries, nil
}

// DeletePages removes a website's pages together with the documents and
// chunks derived from them.
func (s *KVStore) DeletePages(ctx context.Context, websiteID string) error {
	if err := ValidateID(websiteID); err != nil {
		return err
	}
	prefix := websiteID + "."
	for name, kv := range map[string]jetstream.KeyValue{
		"pages":     s.pages,
		"documents": s.documents,
		"chunks":    s.chunks,
	} {
		if err := deletePrefix(ctx, kv, prefix); err != nil {
			return fmt.Errorf("delete %s: %w", name, err)
		}
	}
	return nil
}

// CreatePage stores a crawled page and returns its ID.
func (s *KVStore) CreatePage(ctx context.Context, p *Page) (string, error) {
	if err := ValidateID(p.WebsiteID); err != nil {
		return "", err
	}
	p.ID = NewID()
	p.CreatedAt = s.now()
	if err := createJSON(ctx, s.pages, p.WebsiteID+"."+p.ID, p); err != nil {
		return "", fmt.Errorf("store page: %w", err)
	}
	return p.ID, nil
}

// ListPages returns a website's pages.
func (s *KVStore) ListPages(ctx context.Context, websiteID string) ([]*Page, error) {
	if err := ValidateID(websiteID); err != nil {
		return nil, err
	}
	pages, err := listJSON[Page](ctx, s.pages, websiteID+".")
	if err != nil {
		return nil, fmt.Errorf("list pages: %w", err)
	}
	slices.SortStableFunc(pages, func(a, b *Page) int {
		return cmp.Or(cmp.Compare(a.Depth, b.Depth), a.CreatedAt.Compare(b.CreatedAt))
	})
	return pages, nil
}

// CreateDocument stores a document and returns its ID.
func (s *KVStore) CreateDocument(ctx context.Context, d *Document) (string, error) {
	if err := ValidateID(d.WebsiteID); err != nil {
		return "", err
	}
	d.ID = NewID()
	d.CreatedAt = s.now()
	if err := createJSON(ctx, s.documents, d.WebsiteID+"."+d.ID, d); err != nil {
		return "", fmt.Errorf("store document: %w", err)
	}
	return d.ID, nil
}

// ListDocuments returns a website's documents.
func (s *KVStore) ListDocuments(ctx context.Context, websiteID string) ([]*Document, error) {
	if err := ValidateID(websiteID); err != nil {
		return nil, err
	}
	docs, err := listJSON[Document](ctx, s.documents, websiteID+".")
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	slices.SortStableFunc(docs, func(a, b *Document) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return docs, nil
}

// CreateChunks stores a document's chunks.
func (s *KVStore) CreateChunks(ctx context.Context, chunks []ChunkRecord) error {
	now := s.now()
	for i := range chunks {
		c := &chunks[i]
		if err := ValidateID(c.WebsiteID); err != nil {
			return err
		}
		c.ID = NewID()
		c.CreatedAt = now
		key := chunkKey(c.WebsiteID, c.DocumentID, c.ChunkIndex)
		if err := createJSON(ctx, s.chunks, key, c); err != nil {
			return fmt.Errorf("store chunk %d: %w", c.ChunkIndex, err)
		}
	}
	return nil
}

// ListChunks returns a document's chunks ordered by index.
func (s *KVStore) ListChunks(ctx context.Context, websiteID, documentID string) ([]*ChunkRecord, error) {
	if err := ValidateID(websiteID); err != nil {
		return nil, err
	}
	chunks, err := listJSON[ChunkRecord](ctx, s.chunks, websiteID+"."+documentID+".")
	if err != nil {
		return nil, fmt.Errorf("list chunks: %w", err)
	}
	slices.SortFunc(chunks, func(a, b *ChunkRecord) int {
		return cmp.Compare(a.ChunkIndex, b.ChunkIndex)
	})
	return chunks, nil
}

func chunkKey(websiteID, documentID string, index int) string {
	return fmt.Sprintf("%s.%s.%06d", websiteID, documentID, index)
}

func createJSON(ctx context.Context, kv jetstream.KeyValue, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	_, err = kv.Create(ctx, key, data)
	return err
}

func getJSON(ctx context.Context, kv jetstream.KeyValue, key string, v any) (uint64, error) {
	entry, err := kv.Get(ctx, key)
	if err != nil {
		if isNotFound(err) {
			return 0, ErrNotFound
		}
		return 0, err
	}
	if err := json.Unmarshal(entry.Value(), v); err != nil {
		return 0, fmt.Errorf("unmarshal: %w", err)
	}
	return entry.Revision(), nil
}

// updateRetries bounds how often updateJSON re-reads an entry after losing
// a revision race.
const updateRetries = 5

// updateJSON performs a read-modify-write guarded by the entry revision.
// mutate runs against a fresh read on every attempt.
func updateJSON[T any](ctx context.Context, kv jetstream.KeyValue, key string, mutate func(*T)) error {
	var err error
	for range updateRetries {
		var v T
		var rev uint64
		rev, err = getJSON(ctx, kv, key, &v)
		if err != nil {
			return err
		}
		mutate(&v)
		data, merr := json.Marshal(&v)
		if merr != nil {
			return fmt.Errorf("marshal: %w", merr)
		}
		if _, err = kv.Update(ctx, key, data, rev); err == nil || !isRevisionConflict(err) {
			return err
		}
	}
	return fmt.Errorf("update %s: %w", key, err)
}

// isRevisionConflict reports whether an Update lost to a concurrent writer.
func isRevisionConflict(err error) bool {
	if errors.Is(err, jetstream.ErrKeyExists) {
		return true
	}
	var apiErr *jetstream.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
}

// listKeys lists the keys under prefix, which is empty or ends in ".".
// The subject filter keeps other websites' keys on the server.
func listKeys(ctx context.Context, kv jetstream.KeyValue, prefix string) ([]string, error) {
	lister, err := kv.ListKeysFiltered(ctx, prefix+">")
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, err
	}
	defer func() { _ = lister.Stop() }()

	var keys []string
	for key := range lister.Keys() {
		keys = append(keys, key)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return keys, nil
}

func listJSON[T any](ctx context.Context, kv jetstream.KeyValue, prefix string) ([]*T, error) {
	keys, err := listKeys(ctx, kv, prefix)
	if err != nil {
		return nil, err
	}
	out := make([]*T, 0, len(keys))
	for _, key := range keys {
		var v T
		if _, err := getJSON(ctx, kv, key, &v); err != nil {
			continue // deleted between listing and reading
		}
		out = append(out, &v)
	}
	return out, nil
}

func deletePrefix(ctx context.Context, kv jetstream.KeyValue, prefix string) error {
	keys, err := listKeys(ctx, kv, prefix)
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := kv.Delete(ctx, key); err != nil && !isNotFound(err) {
			return err
		}
	}
	return nil
}

// isNotFound checks if an error indicates a key was not found.
func isNotFound(err error) bool {
	return errors.Is(err, jetstream.ErrKeyNotFound) ||
		(err != nil && strings.Contains(err.Error(), "key not found"))
}
