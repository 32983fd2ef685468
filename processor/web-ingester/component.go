package webingester

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360studio/sitesync/source/weburl"
)

// Component consumes ingestion requests from JetStream and starts sync jobs
// on a Handler.
type Component struct {
	name     string
	config   Config
	js       jetstream.JetStream
	handler  *Handler
	websites WebsiteStore
	logger   *slog.Logger

	consumer jetstream.Consumer

	// Lifecycle management
	running   bool
	startTime time.Time
	mu        sync.RWMutex
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	// Metrics
	requests       atomic.Int64
	jobsStarted    atomic.Int64
	errors         atomic.Int64
	lastActivityMu sync.RWMutex
	lastActivity   time.Time
}

// NewComponent creates a web-ingester component.
func NewComponent(config Config, js jetstream.JetStream, handler *Handler, websites WebsiteStore, logger *slog.Logger) (*Component, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if handler == nil {
		return nil, fmt.Errorf("handler required")
	}
	if websites == nil {
		return nil, fmt.Errorf("website store required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Component{
		name:     "web-ingester",
		config:   config,
		js:       js,
		handler:  handler,
		websites: websites,
		logger:   logger,
	}, nil
}

// Start creates the stream and durable consumer if needed and begins
// consuming ingestion requests.
func (c *Component) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("component already running")
	}
	if c.js == nil {
		c.mu.Unlock()
		return fmt.Errorf("JetStream required")
	}
	c.running = true
	c.startTime = time.Now()

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.mu.Unlock()

	stream, err := c.js.CreateOrUpdateStream(runCtx, jetstream.StreamConfig{
		Name:     c.config.StreamName,
		Subjects: []string{c.config.Subject},
	})
	if err != nil {
		c.rollbackStart(cancel)
		return fmt.Errorf("create stream %s: %w", c.config.StreamName, err)
	}

	consumer, err := stream.CreateOrUpdateConsumer(runCtx, jetstream.ConsumerConfig{
		Durable:       c.config.ConsumerName,
		FilterSubject: c.config.Subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    5,
	})
	if err != nil {
		c.rollbackStart(cancel)
		return fmt.Errorf("create consumer: %w", err)
	}
	c.consumer = consumer

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.consumeMessages(runCtx)
	}()

	c.logger.Info("Web ingester started",
		"stream", c.config.StreamName,
		"consumer", c.config.ConsumerName,
		"subject", c.config.Subject)

	return nil
}

func (c *Component) rollbackStart(cancel context.CancelFunc) {
	c.mu.Lock()
	c.running = false
	c.cancel = nil
	c.mu.Unlock()
	cancel()
}

// consumeMessages fetches ingestion requests until ctx is cancelled.
func (c *Component) consumeMessages(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msgs, err := c.consumer.Fetch(1, jetstream.FetchMaxWait(5*time.Second))
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Debug("Fetch timeout or error", "error", err)
			continue
		}

		for msg := range msgs.Messages() {
			select {
			case <-ctx.Done():
				_ = msg.Nak()
				for remaining := range msgs.Messages() {
					_ = remaining.Nak()
				}
				return
			default:
				c.handleMessage(ctx, msg)
			}
		}

		if err := msgs.Error(); err != nil && !errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			c.logger.Warn("Message fetch error", "error", err)
		}
	}
}

// handleMessage starts a sync for one request. Malformed requests and
// unsafe URLs are terminated; transient failures are redelivered.
func (c *Component) handleMessage(ctx context.Context, msg jetstream.Msg) {
	c.requests.Add(1)
	c.updateLastActivity()

	var req IngestRequest
	if err := json.Unmarshal(msg.Data(), &req); err != nil {
		c.reject(msg, "Failed to parse ingestion request", err)
		return
	}
	if err := req.Validate(); err != nil {
		c.reject(msg, "Invalid ingestion request", err)
		return
	}

	c.logger.Info("Processing ingestion request", "website_id", req.WebsiteID, "url", req.URL)

	// Rejected requests must not register or rewrite the website.
	if err := c.handler.Check(ctx, req.WebsiteID, req.URL); err != nil {
		c.settle(msg, req, err)
		return
	}

	w, err := EnsureWebsite(ctx, c.websites, req.Website(c.handler.Config()))
	if err != nil {
		c.logger.Error("Failed to register website", "website_id", req.WebsiteID, "error", err)
		c.errors.Add(1)
		_ = msg.Nak()
		return
	}

	err = c.handler.Start(ctx, req.Apply(*w))
	if err == nil {
		c.jobsStarted.Add(1)
		_ = msg.Ack()
		return
	}
	c.settle(msg, req, err)
}

// settle acknowledges a request whose job could not be started.
func (c *Component) settle(msg jetstream.Msg, req IngestRequest, err error) {
	switch {
	case errors.Is(err, ErrSyncInProgress):
		c.logger.Info("Sync already running, dropping request", "website_id", req.WebsiteID)
		_ = msg.Ack()
	case errors.Is(err, weburl.ErrInvalidURL):
		c.reject(msg, "Rejected unsafe URL", err)
	default:
		c.logger.Warn("Failed to start sync", "website_id", req.WebsiteID, "error", err)
		c.errors.Add(1)
		_ = msg.Nak()
	}
}

func (c *Component) reject(msg jetstream.Msg, reason string, err error) {
	c.logger.Warn(reason, "error", err)
	c.errors.Add(1)
	if termErr := msg.Term(); termErr != nil {
		c.logger.Warn("Failed to terminate message", "error", termErr)
	}
}

// Publish sends an ingestion request on subject.
func Publish(ctx context.Context, js jetstream.JetStream, subject string, req IngestRequest) error {
	if err := req.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal ingestion request: %w", err)
	}
	if _, err := js.Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("publish ingestion request: %w", err)
	}
	return nil
}

func (c *Component) updateLastActivity() {
	c.lastActivityMu.Lock()
	c.lastActivity = time.Now()
	c.lastActivityMu.Unlock()
}

func (c *Component) getLastActivity() time.Time {
	c.lastActivityMu.RLock()
	defer c.lastActivityMu.RUnlock()
	return c.lastActivity
}

// Stop stops consuming and waits for the consume loop to exit within
// timeout. Running jobs are left to Handler.Shutdown.
func (c *Component) Stop(timeout time.Duration) error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-time.After(timeout):
		err = fmt.Errorf("stop timed out after %v", timeout)
	}

	c.mu.Lock()
	c.running = false
	c.mu.Unlock()

	c.logger.Info("Web ingester stopped",
		"requests", c.requests.Load(),
		"jobs_started", c.jobsStarted.Load(),
		"errors", c.errors.Load())

	return err
}

// HealthStatus is a point-in-time view of the component.
type HealthStatus struct {
	Healthy      bool          `json:"healthy"`
	Status       string        `json:"status"`
	ErrorCount   int           `json:"error_count"`
	Uptime       time.Duration `json:"uptime"`
	LastActivity time.Time     `json:"last_activity"`
}

// Health returns the current health status.
func (c *Component) Health() HealthStatus {
	c.mu.RLock()
	running := c.running
	startTime := c.startTime
	c.mu.RUnlock()

	status := "stopped"
	var uptime time.Duration
	if running {
		status = "running"
		uptime = time.Since(startTime)
	}
	return HealthStatus{
		Healthy:      running,
		Status:       status,
		ErrorCount:   int(c.errors.Load()),
		Uptime:       uptime,
		LastActivity: c.getLastActivity(),
	}
}
