package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/c360studio/sitesync/config"
	"github.com/c360studio/sitesync/llm"
	syncapi "github.com/c360studio/sitesync/processor/sync-api"
	webingester "github.com/c360studio/sitesync/processor/web-ingester"
	"github.com/c360studio/sitesync/ratelimit"
	"github.com/c360studio/sitesync/source/crawler"
	"github.com/c360studio/sitesync/storage"
)

// appStore is everything the pipeline and the API need from storage.
type appStore interface {
	webingester.Store
	syncapi.Store
}

// App wires storage, the ingestion pipeline, and the HTTP API together.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	// NATS
	natsConn *nats.Conn
	js       jetstream.JetStream

	redis *redis.Client

	store     appStore
	limiter   ratelimit.Limiter
	registry  *prometheus.Registry
	handler   *webingester.Handler
	component *webingester.Component

	server   *http.Server
	listener net.Listener
}

// NewApp creates a new application instance.
func NewApp(cfg *config.Config, logger *slog.Logger) *App {
	if logger == nil {
		logger = slog.Default()
	}
	return &App{cfg: cfg, logger: logger}
}

// Start connects backing services, starts the ingest consumer, and begins
// serving HTTP. Without a NATS URL the app runs on in-memory storage and
// accepts syncs only over HTTP.
func (a *App) Start(ctx context.Context) error {
	if err := a.startStorage(ctx); err != nil {
		return err
	}
	if err := a.startLimiter(ctx); err != nil {
		return err
	}

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	handler, err := newHandler(a.cfg, a.store, webingester.NewMetrics(a.registry), a.logger)
	if err != nil {
		return err
	}
	a.handler = handler

	if a.js != nil {
		comp, err := webingester.NewComponent(a.cfg.Ingest, a.js, handler, a.store, a.logger.With("component", "web-ingester"))
		if err != nil {
			return fmt.Errorf("create web ingester: %w", err)
		}
		if err := comp.Start(ctx); err != nil {
			return fmt.Errorf("start web ingester: %w", err)
		}
		a.component = comp
	}

	mux, err := a.routes()
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", a.cfg.HTTP.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", a.cfg.HTTP.Addr, err)
	}
	a.listener = ln
	a.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := a.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("HTTP server failed", "error", err)
		}
	}()

	a.logger.Info("HTTP server listening", "addr", ln.Addr().String())
	return nil
}

func (a *App) startStorage(ctx context.Context) error {
	if a.cfg.NATS.URL == "" {
		a.logger.Warn("No NATS URL configured, using in-memory storage")
		a.store = storage.NewMemoryStore()
		return nil
	}

	a.logger.Info("Connecting to NATS", "url", a.cfg.NATS.URL)
	conn, err := nats.Connect(a.cfg.NATS.URL,
		nats.Name(appName),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return wrapNATSError(err, a.cfg.NATS.URL)
	}
	a.natsConn = conn

	js, err := jetstream.New(conn)
	if err != nil {
		return fmt.Errorf("create JetStream context: %w", err)
	}
	a.js = js

	store, err := storage.NewKVStore(ctx, js)
	if err != nil {
		return fmt.Errorf("initialize storage: %w", err)
	}
	a.store = store
	return nil
}

func (a *App) startLimiter(ctx context.Context) error {
	if a.cfg.Redis.Addr == "" {
		a.limiter = ratelimit.NewMemoryLimiter()
		return nil
	}

	client, err := ratelimit.NewRedisClient(ctx, a.cfg.Redis.Addr, a.cfg.Redis.Password, a.cfg.Redis.DB)
	if err != nil {
		return fmt.Errorf("connect to redis: %w", err)
	}
	a.redis = client
	a.limiter = ratelimit.NewRedisLimiter(client, "")
	a.logger.Info("Using Redis rate limiter", "addr", a.cfg.Redis.Addr)
	return nil
}

func (a *App) routes() (*http.ServeMux, error) {
	api, err := syncapi.NewServer(a.cfg.API, a.store, a.handler, a.limiter, a.logger.With("component", "sync-api"))
	if err != nil {
		return nil, fmt.Errorf("create sync api: %w", err)
	}

	mux := http.NewServeMux()
	api.RegisterHTTPHandlers(mux)
	mux.Handle("GET "+a.cfg.HTTP.MetricsPath, promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /healthz", a.handleHealth)
	return mux, nil
}

func (a *App) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status := struct {
		Status   string                    `json:"status"`
		Storage  string                    `json:"storage"`
		Ingester *webingester.HealthStatus `json:"ingester,omitempty"`
	}{Status: "ok", Storage: "memory"}

	if a.natsConn != nil {
		status.Storage = "nats"
		if !a.natsConn.IsConnected() {
			status.Status = "degraded"
		}
	}
	if a.component != nil {
		h := a.component.Health()
		status.Ingester = &h
		if !h.Healthy {
			status.Status = "degraded"
		}
	}

	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(status)
}

// Addr returns the address the HTTP server listens on.
func (a *App) Addr() string {
	if a.listener == nil {
		return ""
	}
	return a.listener.Addr().String()
}

// Shutdown stops accepting work, lets running jobs finalize their records,
// and closes connections, all within timeout.
func (a *App) Shutdown(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var errs []error
	if a.server != nil {
		if err := a.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
	}
	if a.component != nil {
		if err := a.component.Stop(timeout); err != nil {
			errs = append(errs, err)
		}
	}
	if a.handler != nil {
		if err := a.handler.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("sync jobs: %w", err))
		}
	}
	if a.natsConn != nil {
		if err := a.natsConn.Drain(); err != nil {
			a.natsConn.Close()
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close redis: %w", err))
		}
	}
	return errors.Join(errs...)
}

// newHandler builds the crawl and ingestion pipeline from configuration.
func newHandler(cfg *config.Config, store webingester.Store, metrics *webingester.Metrics, logger *slog.Logger) (*webingester.Handler, error) {
	fetcher := webingester.NewFetcher(
		cfg.Ingest.GetFetchTimeout(),
		cfg.Ingest.GetUserAgent(),
		cfg.Ingest.GetMaxContentSize(),
		webingester.WithRateLimit(cfg.Ingest.RateLimit, cfg.Ingest.RateBurst),
		webingester.WithFetcherLogger(logger),
	)
	c := crawler.New(fetcher,
		crawler.WithWorkers(cfg.Ingest.CrawlWorkers),
		crawler.WithLogger(logger),
	)

	opts := []webingester.HandlerOption{
		webingester.WithLogger(logger),
		webingester.WithMetrics(metrics),
	}
	if cfg.Embedding.Enabled {
		clientOpts := []llm.ClientOption{
			llm.WithBatchSize(cfg.Embedding.BatchSize),
			llm.WithLogger(logger),
		}
		if cfg.Embedding.Timeout > 0 {
			clientOpts = append(clientOpts, llm.WithHTTPClient(&http.Client{Timeout: cfg.Embedding.Timeout}))
		}
		client, err := llm.NewClient(cfg.Embedding.Endpoint(), clientOpts...)
		if err != nil {
			return nil, fmt.Errorf("create embeddings client: %w", err)
		}
		opts = append(opts, webingester.WithEmbedder(client))
	}

	h, err := webingester.NewHandler(store, c, cfg.HandlerConfig(), opts...)
	if err != nil {
		return nil, fmt.Errorf("create ingestion handler: %w", err)
	}
	return h, nil
}

// wrapNATSError provides helpful guidance when NATS connection fails.
func wrapNATSError(err error, url string) error {
	errStr := err.Error()

	if strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "no servers available") ||
		strings.Contains(errStr, "timeout") {
		return fmt.Errorf(`NATS connection failed: %w

NATS is not running at %s.

To start NATS:
  docker run -p 4222:4222 nats:2.10-alpine -js

Or unset NATS_URL to run with in-memory storage.`, err, url)
	}

	return fmt.Errorf("NATS connection failed: %w", err)
}
