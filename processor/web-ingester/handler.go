package webingester

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/c360studio/sitesync/llm"
	"github.com/c360studio/sitesync/source"
	"github.com/c360studio/sitesync/source/chunker"
	"github.com/c360studio/sitesync/source/crawler"
	"github.com/c360studio/sitesync/source/tokens"
	"github.com/c360studio/sitesync/source/weburl"
	"github.com/c360studio/sitesync/storage"
)

// Handler errors.
var (
	// ErrSyncInProgress is returned when a website already has a running job.
	ErrSyncInProgress = errors.New("sync already in progress")

	// ErrShuttingDown is returned for jobs started after Shutdown.
	ErrShuttingDown = errors.New("ingester is shutting down")
)

// Store persists the records an ingestion job produces.
type Store interface {
	CreateSyncLog(ctx context.Context, websiteID string) (string, error)
	UpdateSyncLog(ctx context.Context, id string, u storage.SyncLogUpdate) error
	CreateSyncLogEntry(ctx context.Context, e *storage.SyncLogEntry) error
	DeletePages(ctx context.Context, websiteID string) error
	CreatePage(ctx context.Context, p *storage.Page) (string, error)
	UpdateWebsite(ctx context.Context, id string, u storage.WebsiteUpdate) error
	CreateDocument(ctx context.Context, d *storage.Document) (string, error)
	CreateChunks(ctx context.Context, chunks []storage.ChunkRecord) error
}

// Crawler traverses a website.
type Crawler interface {
	Crawl(ctx context.Context, target source.CrawlTarget) source.CrawlResult
}

// HandlerConfig holds the settings of ingestion jobs.
type HandlerConfig struct {
	// MaxPages and MaxDepth bound crawls of websites that carry no bounds.
	MaxPages int
	MaxDepth int

	// Include and Exclude are path globs applied to discovered links.
	Include []string
	Exclude []string

	// Chunk configures the chunker.
	Chunk chunker.Config

	// ParagraphChunking batches whole paragraphs instead of cutting at
	// boundaries near fixed offsets.
	ParagraphChunking bool

	// PageWorkers bounds concurrent chunk and embed work.
	PageWorkers int

	// JobTimeout caps the crawl of one job.
	JobTimeout time.Duration

	// IndexTimeout caps chunking and embedding of the crawled pages. It
	// starts when the crawl ends, whether or not the crawl was cut short.
	IndexTimeout time.Duration

	// EmbeddingsEnabled turns on embedding of chunks.
	EmbeddingsEnabled bool
}

// DefaultHandlerConfig returns the job defaults.
func DefaultHandlerConfig() HandlerConfig {
	return HandlerConfig{
		MaxPages:    source.DefaultMaxPages,
		MaxDepth:    source.DefaultMaxDepth,
		Chunk:       chunker.DefaultConfig(),
		PageWorkers: 4,
		JobTimeout:   5 * time.Minute,
		IndexTimeout: 2 * time.Minute,
	}
}

func (c HandlerConfig) withDefaults() HandlerConfig {
	d := DefaultHandlerConfig()
	if c.MaxPages <= 0 {
		c.MaxPages = d.MaxPages
	}
	if c.MaxDepth < 0 {
		c.MaxDepth = d.MaxDepth
	}
	if c.Chunk == (chunker.Config{}) {
		c.Chunk = d.Chunk
	}
	if c.PageWorkers < 1 {
		c.PageWorkers = d.PageWorkers
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = d.JobTimeout
	}
	if c.IndexTimeout <= 0 {
		c.IndexTimeout = d.IndexTimeout
	}
	return c
}

// Handler runs website ingestion jobs: crawl, persist pages and audit
// entries, chunk and embed successful pages, then finalize the website and
// its sync log.
type Handler struct {
	store     Store
	crawler   Crawler
	validator crawler.URLValidator
	chunker   *chunker.Chunker
	embedder  llm.Embedder
	cfg       HandlerConfig
	metrics   *Metrics
	logger    *slog.Logger
	now       func() time.Time

	mu      sync.Mutex
	running map[string]struct{}
	closed  bool
	wg      sync.WaitGroup
	baseCtx context.Context
	cancel  context.CancelFunc
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithEmbedder sets the embedding collaborator.
func WithEmbedder(e llm.Embedder) HandlerOption {
	return func(h *Handler) {
		h.embedder = e
	}
}

// WithSeedValidator sets the validator used to reject seeds synchronously.
func WithSeedValidator(v crawler.URLValidator) HandlerOption {
	return func(h *Handler) {
		h.validator = v
	}
}

// WithMetrics sets the metrics collectors.
func WithMetrics(m *Metrics) HandlerOption {
	return func(h *Handler) {
		h.metrics = m
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) HandlerOption {
	return func(h *Handler) {
		h.logger = l
	}
}

// NewHandler creates a Handler persisting to store and crawling with c.
func NewHandler(store Store, c Crawler, cfg HandlerConfig, opts ...HandlerOption) (*Handler, error) {
	cfg = cfg.withDefaults()

	ch, err := chunker.New(cfg.Chunk)
	if err != nil {
		return nil, fmt.Errorf("create chunker: %w", err)
	}

	baseCtx, cancel := context.WithCancel(context.Background())
	h := &Handler{
		store:     store,
		crawler:   c,
		validator: weburl.NewValidator(),
		chunker:   ch,
		cfg:       cfg,
		logger:    slog.Default(),
		now:       time.Now,
		running:   make(map[string]struct{}),
		baseCtx:   baseCtx,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(h)
	}

	if cfg.EmbeddingsEnabled && h.embedder == nil {
		cancel()
		return nil, fmt.Errorf("embeddings enabled but no embedder configured")
	}

	return h, nil
}

// IngestWebsite starts a background sync of websiteID from url with the
// configured crawl bounds. The seed is validated before returning; the job
// reports its outcome only through the website and sync log records.
func (h *Handler) IngestWebsite(ctx context.Context, websiteID, url string) error {
	if err := storage.ValidateID(websiteID); err != nil {
		return err
	}
	return h.Start(ctx, storage.Website{
		ID:       websiteID,
		URL:      url,
		MaxURLs:  h.cfg.MaxPages,
		MaxDepth: h.cfg.MaxDepth,
	})
}

// Check reports whether a job for websiteID seeded at url would be
// accepted now. It starts nothing and writes no records, so callers run it
// before registering or updating the website.
func (h *Handler) Check(ctx context.Context, websiteID, url string) error {
	if res := h.validator.Validate(ctx, url); !res.Valid {
		return res.Err()
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrShuttingDown
	}
	if _, busy := h.running[websiteID]; busy {
		return fmt.Errorf("%w: %s", ErrSyncInProgress, websiteID)
	}
	return nil
}

// Start validates w's seed URL and runs Ingest in the background, bounded
// by the job timeout. The job outlives ctx; Shutdown cancels it.
func (h *Handler) Start(ctx context.Context, w storage.Website) error {
	if res := h.validator.Validate(ctx, w.URL); !res.Valid {
		return res.Err()
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrShuttingDown
	}
	if _, busy := h.running[w.ID]; busy {
		h.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSyncInProgress, w.ID)
	}
	h.running[w.ID] = struct{}{}
	h.wg.Add(1)
	h.mu.Unlock()

	jobCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.cfg.JobTimeout)
	stop := context.AfterFunc(h.baseCtx, cancel)

	go func() {
		defer h.wg.Done()
		defer func() {
			h.mu.Lock()
			delete(h.running, w.ID)
			h.mu.Unlock()
		}()
		defer stop()
		defer cancel()

		if err := h.Ingest(jobCtx, w); err != nil {
			h.logger.Error("Sync job failed", "website_id", w.ID, "error", err)
		}
	}()

	return nil
}

// Running reports whether websiteID has a job in flight.
func (h *Handler) Running(websiteID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.running[websiteID]
	return ok
}

// Config returns the effective job settings.
func (h *Handler) Config() HandlerConfig {
	return h.cfg
}

// Wait blocks until all background jobs have finished.
func (h *Handler) Wait() {
	h.wg.Wait()
}

// Shutdown rejects new jobs, cancels running ones, and waits for them to
// finalize their records or for ctx to end.
func (h *Handler) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
	h.cancel()

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// tally counts sync log entries that contribute to the job totals.
type tally struct {
	total, success, failed, skipped int
}

func (t *tally) add(s storage.EntryStatus) {
	switch s {
	case storage.EntrySuccess:
		t.success++
	case storage.EntryFailed:
		t.failed++
	case storage.EntrySkipped:
		t.skipped++
	default:
		return
	}
	t.total++
}

type indexJob struct {
	pageID string
	page   *source.CrawledPage
}

// Ingest runs one sync job synchronously. ctx's deadline bounds the crawl;
// indexing gets IndexTimeout of its own and stops early only when ctx is
// cancelled or the handler shuts down. Records are written even after ctx
// ends so the job always leaves the website and its sync log in a final
// state. The returned error is the fatal error that marked the job FAILED.
func (h *Handler) Ingest(ctx context.Context, w storage.Website) (err error) {
	started := h.now()
	persist := context.WithoutCancel(ctx)
	logger := h.logger.With("website_id", w.ID)

	h.metrics.jobStarted()
	final := storage.WebsiteStatusError
	defer func() { h.metrics.jobFinished(string(final)) }()

	logID, err := h.store.CreateSyncLog(persist, w.ID)
	if err != nil {
		h.markWebsiteError(persist, w.ID, err)
		return fmt.Errorf("create sync log: %w", err)
	}
	logger = logger.With("sync_log_id", logID)

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("ingest panic: %v", r)
		}
		if err != nil {
			final = storage.WebsiteStatusError
			h.failJob(persist, w.ID, logID, started, err)
		}
	}()

	err = h.store.UpdateWebsite(persist, w.ID, storage.WebsiteUpdate{
		Status:       storage.Ptr(storage.WebsiteStatusSyncing),
		ErrorMessage: storage.Ptr(""),
	})
	if err != nil {
		return fmt.Errorf("mark website syncing: %w", err)
	}

	if err := h.store.DeletePages(persist, w.ID); err != nil {
		return fmt.Errorf("delete previous pages: %w", err)
	}

	logger.Info("Sync started", "url", w.URL)

	crawlStarted := h.now()
	result := h.crawler.Crawl(ctx, h.target(w))
	h.metrics.crawlFinished(h.now().Sub(crawlStarted))

	counts, jobs, err := h.recordPages(persist, w.ID, logID, result)
	if err != nil {
		return err
	}

	indexCtx, stopIndex := h.indexContext(ctx)
	h.indexPages(indexCtx, persist, w, jobs)
	stopIndex()

	final, err = h.finish(persist, w, logID, started, result, counts)
	if err != nil {
		return err
	}

	logger.Info("Sync finished",
		"status", final,
		"total", counts.total,
		"success", counts.success,
		"failed", counts.failed,
		"skipped", counts.skipped,
		"revisits", len(result.Revisits),
		"truncated", result.Truncated,
		"duration", h.now().Sub(started))

	return nil
}

// indexContext bounds indexing by IndexTimeout instead of ctx's deadline,
// so pages finished before a crawl deadline are still chunked and embedded.
// Cancelling ctx or shutting down the handler cancels it.
func (h *Handler) indexContext(ctx context.Context) (context.Context, context.CancelFunc) {
	indexCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.cfg.IndexTimeout)
	stopShutdown := context.AfterFunc(h.baseCtx, cancel)
	stopCancel := context.AfterFunc(ctx, func() {
		if errors.Is(ctx.Err(), context.Canceled) {
			cancel()
		}
	})
	return indexCtx, func() {
		stopShutdown()
		stopCancel()
		cancel()
	}
}

// target applies handler defaults to the website's crawl bounds. A zero
// MaxDepth is honoured and crawls the seed only.
func (h *Handler) target(w storage.Website) source.CrawlTarget {
	t := source.CrawlTarget{
		URL:      w.URL,
		MaxPages: w.MaxURLs,
		MaxDepth: w.MaxDepth,
		Include:  h.cfg.Include,
		Exclude:  h.cfg.Exclude,
	}
	if t.MaxPages <= 0 {
		t.MaxPages = h.cfg.MaxPages
	}
	if t.MaxDepth < 0 {
		t.MaxDepth = h.cfg.MaxDepth
	}
	return t
}

// entryStatus derives a page's audit status.
func entryStatus(p *source.CrawledPage) storage.EntryStatus {
	switch {
	case p.Failed():
		return storage.EntryFailed
	case p.Content == "":
		return storage.EntrySkipped
	default:
		return storage.EntrySuccess
	}
}

// recordPages persists every crawled page and its sync log entry in fetch
// order, then audits revisits. It returns the successful pages to index.
func (h *Handler) recordPages(ctx context.Context, websiteID, logID string, result source.CrawlResult) (tally, []indexJob, error) {
	var (
		counts tally
		jobs   []indexJob
	)

	for i := range result.Pages {
		page := &result.Pages[i]
		status := entryStatus(page)

		pageID, err := h.store.CreatePage(ctx, &storage.Page{
			WebsiteID:  websiteID,
			SyncLogID:  logID,
			URL:        page.URL,
			Title:      page.Title,
			Content:    page.Content,
			Links:      page.Links,
			StatusCode: page.StatusCode,
			Error:      page.Error,
			Depth:      page.Depth,
		})
		if err != nil {
			return counts, nil, fmt.Errorf("store page %s: %w", page.URL, err)
		}

		err = h.store.CreateSyncLogEntry(ctx, &storage.SyncLogEntry{
			SyncLogID:    logID,
			WebsiteID:    websiteID,
			URL:          page.URL,
			Status:       status,
			ErrorMessage: page.Error,
			ContentSize:  len(page.Content),
		})
		if err != nil {
			return counts, nil, fmt.Errorf("store sync log entry for %s: %w", page.URL, err)
		}

		counts.add(status)
		h.metrics.pageFetched(string(status))
		if status == storage.EntrySuccess {
			jobs = append(jobs, indexJob{pageID: pageID, page: page})
		}
	}

	for _, u := range result.Revisits {
		err := h.store.CreateSyncLogEntry(ctx, &storage.SyncLogEntry{
			SyncLogID: logID,
			WebsiteID: websiteID,
			URL:       u,
			Status:    storage.EntryAlreadyVisited,
		})
		if err != nil {
			return counts, nil, fmt.Errorf("store sync log entry for %s: %w", u, err)
		}
		h.metrics.pageFetched(string(storage.EntryAlreadyVisited))
	}

	return counts, jobs, nil
}

// indexPages chunks and embeds successful pages in parallel. Failures are
// logged per page and never fail the job.
func (h *Handler) indexPages(ctx, persist context.Context, w storage.Website, jobs []indexJob) {
	var g errgroup.Group
	g.SetLimit(h.cfg.PageWorkers)

	for _, job := range jobs {
		g.Go(func() error {
			if err := h.indexPage(ctx, persist, w.ID, job); err != nil {
				h.metrics.embedFailed()
				h.logger.Warn("Page indexing failed",
					"website_id", w.ID,
					"url", job.page.URL,
					"error", err)
			}
			return nil
		})
	}

	_ = g.Wait()
}

// indexPage chunks one page, embeds the chunks when enabled, and stores the
// document with its chunks. Nothing is stored when embedding fails.
func (h *Handler) indexPage(ctx, persist context.Context, websiteID string, job indexJob) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	page := job.page
	var chunks []source.TextChunk
	if h.cfg.ParagraphChunking {
		chunks = h.chunker.ChunkParagraphs(page.Content)
	} else {
		chunks = h.chunker.Chunk(page.Content)
	}
	if len(chunks) == 0 {
		h.logger.Debug("Page below chunk floor, not indexed",
			"url", page.URL,
			"content_size", len(page.Content))
		return nil
	}

	title := page.TitleOr(page.URL)
	texts := make([]string, len(chunks))
	for i := range chunks {
		chunks[i].Metadata[source.MetaKeySource] = source.String("website")
		chunks[i].Metadata[source.MetaKeyURL] = source.String(page.URL)
		chunks[i].Metadata[source.MetaKeyTitle] = source.String(title)
		texts[i] = chunks[i].Content
	}

	var vectors [][]float32
	if h.cfg.EmbeddingsEnabled {
		vectors, err = h.embedder.Embed(ctx, texts)
		if err != nil {
			return fmt.Errorf("embed chunks: %w", err)
		}
		if len(vectors) != len(chunks) {
			return fmt.Errorf("embed chunks: got %d vectors for %d chunks", len(vectors), len(chunks))
		}
	}

	docID, err := h.store.CreateDocument(persist, &storage.Document{
		WebsiteID:  websiteID,
		PageID:     job.pageID,
		URL:        page.URL,
		Title:      title,
		Content:    page.Content,
		TokenCount: tokens.Estimate(page.Content),
		ChunkCount: len(chunks),
	})
	if err != nil {
		return fmt.Errorf("store document: %w", err)
	}

	records := make([]storage.ChunkRecord, len(chunks))
	for i, c := range chunks {
		records[i] = storage.ChunkRecord{
			WebsiteID:  websiteID,
			DocumentID: docID,
			ChunkIndex: c.ChunkIndex,
			Content:    c.Content,
			TokenCount: c.TokenCount,
			Metadata:   c.Metadata,
		}
		if vectors != nil {
			records[i].Embedding = vectors[i]
		}
	}
	if err := h.store.CreateChunks(persist, records); err != nil {
		return fmt.Errorf("store chunks: %w", err)
	}

	h.metrics.chunksStored(len(records))
	return nil
}

// finish writes the aggregate outcome: the website is COMPLETED when at
// least one page succeeded and ERROR otherwise; the sync log is COMPLETED
// either way.
func (h *Handler) finish(ctx context.Context, w storage.Website, logID string, started time.Time, result source.CrawlResult, counts tally) (storage.WebsiteStatus, error) {
	now := h.now()
	status := storage.WebsiteStatusError
	if counts.success > 0 {
		status = storage.WebsiteStatusCompleted
	}
	summary := errorSummary(result, counts)

	err := h.store.UpdateWebsite(ctx, w.ID, storage.WebsiteUpdate{
		Status:       &status,
		Content:      storage.Ptr(combineContent(result.Pages)),
		Links:        combineLinks(result.Pages),
		PageCount:    storage.Ptr(len(result.Pages)),
		ErrorMessage: &summary,
		LastSyncedAt: &now,
	})
	if err != nil {
		return status, fmt.Errorf("update website: %w", err)
	}

	err = h.store.UpdateSyncLog(ctx, logID, storage.SyncLogUpdate{
		Status:       storage.Ptr(storage.SyncStatusCompleted),
		CompletedAt:  &now,
		DurationMs:   storage.Ptr(now.Sub(started).Milliseconds()),
		TotalURLs:    &counts.total,
		SuccessCount: &counts.success,
		FailedCount:  &counts.failed,
		SkippedCount: &counts.skipped,
		ErrorMessage: &summary,
	})
	if err != nil {
		return status, fmt.Errorf("finalize sync log: %w", err)
	}

	return status, nil
}

// failJob marks the sync log FAILED and the website ERROR after a fatal
// error. Secondary failures are logged.
func (h *Handler) failJob(ctx context.Context, websiteID, logID string, started time.Time, cause error) {
	now := h.now()
	err := h.store.UpdateSyncLog(ctx, logID, storage.SyncLogUpdate{
		Status:       storage.Ptr(storage.SyncStatusFailed),
		CompletedAt:  &now,
		DurationMs:   storage.Ptr(now.Sub(started).Milliseconds()),
		ErrorMessage: storage.Ptr(cause.Error()),
	})
	if err != nil {
		h.logger.Error("Failed to mark sync log failed", "sync_log_id", logID, "error", err)
	}
	h.markWebsiteError(ctx, websiteID, cause)
}

func (h *Handler) markWebsiteError(ctx context.Context, websiteID string, cause error) {
	err := h.store.UpdateWebsite(ctx, websiteID, storage.WebsiteUpdate{
		Status:       storage.Ptr(storage.WebsiteStatusError),
		ErrorMessage: storage.Ptr(cause.Error()),
	})
	if err != nil {
		h.logger.Error("Failed to mark website errored", "website_id", websiteID, "error", err)
	}
}

// combineContent joins successful pages into one document, each under its
// title and source URL.
func combineContent(pages []source.CrawledPage) string {
	var b strings.Builder
	for i := range pages {
		p := &pages[i]
		if !p.Succeeded() {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n\n---\n\n")
		}
		fmt.Fprintf(&b, "# %s\nSource: %s\n\n%s", p.TitleOr(p.URL), p.URL, p.Content)
	}
	return b.String()
}

// combineLinks returns every link found across pages, first-seen order.
func combineLinks(pages []source.CrawledPage) []string {
	seen := make(map[string]struct{})
	links := []string{}
	for i := range pages {
		for _, l := range pages[i].Links {
			if _, ok := seen[l]; ok {
				continue
			}
			seen[l] = struct{}{}
			links = append(links, l)
		}
	}
	return links
}

func errorSummary(result source.CrawlResult, counts tally) string {
	parts := append([]string(nil), result.Errors...)
	if counts.success == 0 && len(result.Errors) == 0 {
		parts = append(parts, "no pages with content were crawled")
	}
	if counts.failed > 0 {
		parts = append(parts, fmt.Sprintf("%d of %d pages failed", counts.failed, counts.total))
	}
	if result.Truncated {
		parts = append(parts, "crawl stopped before the frontier was exhausted")
	}
	return strings.Join(parts, "; ")
}
