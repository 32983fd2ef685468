package storage

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"time"
)

// MemoryStore keeps records in process memory. It backs the CLI and tests
// and mirrors KVStore semantics, including copy-on-read.
type MemoryStore struct {
	mu        sync.RWMutex
	websites  map[string]*Website
	syncLogs  map[string]*SyncLog
	entries   map[string][]*SyncLogEntry
	pages     []*Page
	documents []*Document
	chunks    []*ChunkRecord
	now       func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		websites: make(map[string]*Website),
		syncLogs: make(map[string]*SyncLog),
		entries:  make(map[string][]*SyncLogEntry),
		now:      time.Now,
	}
}

// CreateWebsite stores a new website. An empty ID is generated.
func (s *MemoryStore) CreateWebsite(_ context.Context, w *Website) (string, error) {
	if w.ID == "" {
		w.ID = NewID()
	} else if err := ValidateID(w.ID); err != nil {
		return "", err
	}
	if w.Status == "" {
		w.Status = WebsiteStatusPending
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.websites[w.ID]; exists {
		return "", fmt.Errorf("store website: %s already exists", w.ID)
	}
	w.CreatedAt = s.now()
	w.UpdatedAt = w.CreatedAt
	s.websites[w.ID] = clone(w)
	return w.ID, nil
}

// GetWebsite retrieves a website by ID.
func (s *MemoryStore) GetWebsite(_ context.Context, id string) (*Website, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w, ok := s.websites[id]
	if !ok {
		return nil, fmt.Errorf("get website: %w", ErrNotFound)
	}
	return clone(w), nil
}

// UpdateWebsite applies a partial update to a website.
func (s *MemoryStore) UpdateWebsite(_ context.Context, id string, u WebsiteUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.websites[id]
	if !ok {
		return fmt.Errorf("update website: %w", ErrNotFound)
	}
	w.apply(u, s.now())
	return nil
}

// CreateSyncLog opens a RUNNING sync log for a website and returns its ID.
func (s *MemoryStore) CreateSyncLog(_ context.Context, websiteID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l := &SyncLog{
		ID:        NewID(),
		WebsiteID: websiteID,
		Status:    SyncStatusRunning,
		StartedAt: s.now(),
	}
	s.syncLogs[l.ID] = l
	return l.ID, nil
}

// GetSyncLog retrieves a sync log by ID.
func (s *MemoryStore) GetSyncLog(_ context.Context, id string) (*SyncLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	l, ok := s.syncLogs[id]
	if !ok {
		return nil, fmt.Errorf("get sync log: %w", ErrNotFound)
	}
	return clone(l), nil
}

// UpdateSyncLog applies a partial update to a sync log.
func (s *MemoryStore) UpdateSyncLog(_ context.Context, id string, u SyncLogUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.syncLogs[id]
	if !ok {
		return fmt.Errorf("update sync log: %w", ErrNotFound)
	}
	l.apply(u)
	return nil
}

// ListSyncLogs returns a website's sync logs, newest first.
func (s *MemoryStore) ListSyncLogs(_ context.Context, websiteID string) ([]*SyncLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var logs []*SyncLog
	for _, l := range s.syncLogs {
		if l.WebsiteID == websiteID {
			logs = append(logs, clone(l))
		}
	}
	slices.SortStableFunc(logs, func(a, b *SyncLog) int {
		return cmp.Or(b.StartedAt.Compare(a.StartedAt), cmp.Compare(a.ID, b.ID))
	})
	return logs, nil
}

// CreateSyncLogEntry appends a per-URL entry to a sync log.
func (s *MemoryStore) CreateSyncLogEntry(_ context.Context, e *SyncLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.syncLogs[e.SyncLogID]; !ok {
		return fmt.Errorf("store sync log entry: %w", ErrNotFound)
	}
	e.ID = NewID()
	e.CreatedAt = s.now()
	s.entries[e.SyncLogID] = append(s.entries[e.SyncLogID], clone(e))
	return nil
}

// ListSyncLogEntries returns a sync log's entries in creation order.
func (s *MemoryStore) ListSyncLogEntries(_ context.Context, syncLogID string) ([]*SyncLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := make([]*SyncLogEntry, 0, len(s.entries[syncLogID]))
	for _, e := range s.entries[syncLogID] {
		entries = append(entries, clone(e))
	}
	return entries, nil
}

// DeletePages removes a website's pages together with the documents and
// chunks derived from them.
func (s *MemoryStore) DeletePages(_ context.Context, websiteID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pages = slices.DeleteFunc(s.pages, func(p *Page) bool { return p.WebsiteID == websiteID })
	s.documents = slices.DeleteFunc(s.documents, func(d *Document) bool { return d.WebsiteID == websiteID })
	s.chunks = slices.DeleteFunc(s.chunks, func(c *ChunkRecord) bool { return c.WebsiteID == websiteID })
	return nil
}

// CreatePage stores a crawled page and returns its ID.
func (s *MemoryStore) CreatePage(_ context.Context, p *Page) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p.ID = NewID()
	p.CreatedAt = s.now()
	s.pages = append(s.pages, clone(p))
	return p.ID, nil
}

// ListPages returns a website's pages in creation order.
func (s *MemoryStore) ListPages(_ context.Context, websiteID string) ([]*Page, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var pages []*Page
	for _, p := range s.pages {
		if p.WebsiteID == websiteID {
			pages = append(pages, clone(p))
		}
	}
	return pages, nil
}

// CreateDocument stores a document and returns its ID.
func (s *MemoryStore) CreateDocument(_ context.Context, d *Document) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d.ID = NewID()
	d.CreatedAt = s.now()
	s.documents = append(s.documents, clone(d))
	return d.ID, nil
}

// ListDocuments returns a website's documents in creation order.
func (s *MemoryStore) ListDocuments(_ context.Context, websiteID string) ([]*Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var docs []*Document
	for _, d := range s.documents {
		if d.WebsiteID == websiteID {
			docs = append(docs, clone(d))
		}
	}
	return docs, nil
}

// CreateChunks stores a document's chunks.
func (s *MemoryStore) CreateChunks(_ context.Context, chunks []ChunkRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for i := range chunks {
		chunks[i].ID = NewID()
		chunks[i].CreatedAt = now
		s.chunks = append(s.chunks, clone(&chunks[i]))
	}
	return nil
}

// ListChunks returns a document's chunks ordered by index.
func (s *MemoryStore) ListChunks(_ context.Context, websiteID, documentID string) ([]*ChunkRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var chunks []*ChunkRecord
	for _, c := range s.chunks {
		if c.WebsiteID == websiteID && c.DocumentID == documentID {
			chunks = append(chunks, clone(c))
		}
	}
	slices.SortFunc(chunks, func(a, b *ChunkRecord) int {
		return cmp.Compare(a.ChunkIndex, b.ChunkIndex)
	})
	return chunks, nil
}

// clone deep-copies a record through JSON so callers never alias stored
// state, matching what a KV round trip returns.
func clone[T any](v *T) *T {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("clone %T: %v", v, err))
	}
	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		panic(fmt.Sprintf("clone %T: %v", v, err))
	}
	return &out
}
