// Package syncapi provides HTTP endpoints to trigger website syncs and read
// their audit logs.
package syncapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	webingester "github.com/c360studio/sitesync/processor/web-ingester"
	"github.com/c360studio/sitesync/ratelimit"
	"github.com/c360studio/sitesync/source/weburl"
	"github.com/c360studio/sitesync/storage"
)

// maxRequestBodySize limits POST body sizes.
const maxRequestBodySize = 1 << 20

// Store reads and registers the records the API serves.
type Store interface {
	webingester.WebsiteStore
	ListSyncLogs(ctx context.Context, websiteID string) ([]*storage.SyncLog, error)
	GetSyncLog(ctx context.Context, id string) (*storage.SyncLog, error)
	ListSyncLogEntries(ctx context.Context, syncLogID string) ([]*storage.SyncLogEntry, error)
}

// Jobs starts sync jobs. *webingester.Handler implements it.
type Jobs interface {
	Check(ctx context.Context, websiteID, url string) error
	Start(ctx context.Context, w storage.Website) error
	Config() webingester.HandlerConfig
}

// Server serves the sync API.
type Server struct {
	config  Config
	store   Store
	jobs    Jobs
	limiter ratelimit.Limiter
	logger  *slog.Logger
	now     func() time.Time
}

// NewServer creates a sync API server. A nil limiter disables rate limiting.
func NewServer(config Config, store Store, jobs Jobs, limiter ratelimit.Limiter, logger *slog.Logger) (*Server, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if store == nil || jobs == nil {
		return nil, fmt.Errorf("store and jobs required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		config:  config,
		store:   store,
		jobs:    jobs,
		limiter: limiter,
		logger:  logger,
		now:     time.Now,
	}, nil
}

// RegisterHTTPHandlers registers the API under the configured prefix:
//
//	POST <prefix>/websites/{id}/sync
//	GET  <prefix>/websites/{id}
//	GET  <prefix>/websites/{id}/sync-logs
//	GET  <prefix>/sync-logs/{id}
//	GET  <prefix>/sync-logs/{id}/entries
func (s *Server) RegisterHTTPHandlers(mux *http.ServeMux) {
	prefix := "/" + strings.Trim(s.config.GetPrefix(), "/")
	if prefix == "/" {
		prefix = ""
	}

	mux.HandleFunc("POST "+prefix+"/websites/{id}/sync", s.handleSync)
	mux.HandleFunc("GET "+prefix+"/websites/{id}", s.handleGetWebsite)
	mux.HandleFunc("GET "+prefix+"/websites/{id}/sync-logs", s.handleListSyncLogs)
	mux.HandleFunc("GET "+prefix+"/sync-logs/{id}", s.handleGetSyncLog)
	mux.HandleFunc("GET "+prefix+"/sync-logs/{id}/entries", s.handleListEntries)
}

// SyncRequest is the optional body of a sync trigger.
type SyncRequest struct {
	URL      string `json:"url,omitempty"`
	MaxURLs  int    `json:"max_urls,omitempty"`
	MaxDepth *int   `json:"max_depth,omitempty"`
}

// SyncResponse acknowledges an accepted sync.
type SyncResponse struct {
	WebsiteID string `json:"website_id"`
	URL       string `json:"url"`
	Status    string `json:"status"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// handleSync starts a background sync. The website is registered on first
// use; the body URL may be omitted for known websites.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := storage.ValidateID(id); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if !s.allow(w, r, id) {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	var body SyncRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ctx := r.Context()
	req := webingester.IngestRequest{WebsiteID: id, URL: body.URL, MaxURLs: body.MaxURLs, MaxDepth: body.MaxDepth}
	if req.URL == "" {
		existing, err := s.store.GetWebsite(ctx, id)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			writeError(w, http.StatusBadRequest, "url is required for a new website")
			return
		case err != nil:
			s.internalError(w, "Failed to load website", id, err)
			return
		}
		req.URL = existing.URL
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	// Rejected requests must not register or rewrite the website.
	if err := s.jobs.Check(ctx, id, req.URL); err != nil {
		s.startError(w, id, err)
		return
	}

	site, err := webingester.EnsureWebsite(ctx, s.store, req.Website(s.jobs.Config()))
	if err != nil {
		s.internalError(w, "Failed to register website", id, err)
		return
	}

	if err := s.jobs.Start(ctx, req.Apply(*site)); err != nil {
		s.startError(w, id, err)
		return
	}

	s.logger.Info("Sync accepted", "website_id", id, "url", req.URL)
	writeJSON(w, http.StatusAccepted, SyncResponse{
		WebsiteID: id,
		URL:       req.URL,
		Status:    string(storage.WebsiteStatusSyncing),
	})
}

// startError maps a refused job to its HTTP status.
func (s *Server) startError(w http.ResponseWriter, websiteID string, err error) {
	switch {
	case errors.Is(err, weburl.ErrInvalidURL):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, webingester.ErrSyncInProgress):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, webingester.ErrShuttingDown):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.internalError(w, "Failed to start sync", websiteID, err)
	}
}

// allow applies the per-website and per-client limits. Limiter errors are
// logged and the request is let through.
func (s *Server) allow(w http.ResponseWriter, r *http.Request, websiteID string) bool {
	if s.limiter == nil {
		return true
	}
	limit, window := s.config.GetSyncLimit(), s.config.GetSyncWindow()
	keys := []string{"sync:website:" + websiteID, "sync:client:" + clientAddr(r)}

	for _, key := range keys {
		d, err := s.limiter.CheckRateLimit(r.Context(), key, limit, window)
		if err != nil {
			s.logger.Warn("Rate limit check failed", "key", key, "error", err)
			continue
		}
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
		if !d.Allowed {
			retry := d.RetryAfter(s.now())
			w.Header().Set("Retry-After", strconv.Itoa(int(retry/time.Second)))
			writeError(w, http.StatusTooManyRequests, "too many sync requests")
			return false
		}
	}
	return true
}

func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) handleGetWebsite(w http.ResponseWriter, r *http.Request) {
	site, err := s.store.GetWebsite(r.Context(), r.PathValue("id"))
	if err != nil {
		s.lookupError(w, "Failed to load website", r.PathValue("id"), err)
		return
	}
	writeJSON(w, http.StatusOK, site)
}

// handleListSyncLogs returns a website's sync logs newest first.
func (s *Server) handleListSyncLogs(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.store.GetWebsite(r.Context(), id); err != nil {
		s.lookupError(w, "Failed to load website", id, err)
		return
	}
	logs, err := s.store.ListSyncLogs(r.Context(), id)
	if err != nil {
		s.internalError(w, "Failed to list sync logs", id, err)
		return
	}
	if logs == nil {
		logs = []*storage.SyncLog{}
	}
	writeJSON(w, http.StatusOK, logs)
}

func (s *Server) handleGetSyncLog(w http.ResponseWriter, r *http.Request) {
	log, err := s.store.GetSyncLog(r.Context(), r.PathValue("id"))
	if err != nil {
		s.lookupError(w, "Failed to load sync log", r.PathValue("id"), err)
		return
	}
	writeJSON(w, http.StatusOK, log)
}

func (s *Server) handleListEntries(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.store.GetSyncLog(r.Context(), id); err != nil {
		s.lookupError(w, "Failed to load sync log", id, err)
		return
	}
	entries, err := s.store.ListSyncLogEntries(r.Context(), id)
	if err != nil {
		s.internalError(w, "Failed to list sync log entries", id, err)
		return
	}
	if entries == nil {
		entries = []*storage.SyncLogEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// lookupError maps not-found and invalid IDs to 404 and everything else to 500.
func (s *Server) lookupError(w http.ResponseWriter, msg, id string, err error) {
	if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrInvalidID) {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	s.internalError(w, msg, id, err)
}

func (s *Server) internalError(w http.ResponseWriter, msg, id string, err error) {
	s.logger.Error(msg, "id", id, "error", err)
	writeError(w, http.StatusInternalServerError, "internal error")
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// Response is already partially written on failure.
	_ = json.NewEncoder(w).Encode(v)
}
