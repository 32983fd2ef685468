// Package llm provides an embeddings client with provider adapters, batching,
// and retry support.
package llm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"time"
)

// maxResponseSize limits the response body to prevent memory exhaustion.
const maxResponseSize = 32 * 1024 * 1024 // 32MB

// DefaultBatchSize is the number of inputs sent per request.
const DefaultBatchSize = 64

// EndpointConfig identifies an embeddings endpoint.
type EndpointConfig struct {
	// Provider names a registered Provider ("openai", "ollama").
	Provider string

	// URL is the provider base URL. Empty uses the provider default.
	URL string

	// Model is the embedding model name.
	Model string

	// Dimensions requests shortened vectors when the model supports it.
	// Zero uses the model default.
	Dimensions int

	// APIKey overrides the provider's environment variable.
	APIKey string
}

// Client generates embeddings for batches of text.
type Client struct {
	endpoint    EndpointConfig
	httpClient  *http.Client
	retryConfig RetryConfig
	batchSize   int
	jitter      bool
	logger      *slog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(client *Client) {
		client.httpClient = c
	}
}

// WithRetryConfig sets the retry configuration.
func WithRetryConfig(cfg RetryConfig) ClientOption {
	return func(client *Client) {
		client.retryConfig = cfg
	}
}

// WithBatchSize sets the number of inputs per request.
func WithBatchSize(n int) ClientOption {
	return func(client *Client) {
		if n > 0 {
			client.batchSize = n
		}
	}
}

// WithoutJitter disables backoff jitter. Intended for tests.
func WithoutJitter() ClientOption {
	return func(client *Client) {
		client.jitter = false
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(client *Client) {
		client.logger = logger
	}
}

// NewClient creates an embeddings client for the given endpoint.
func NewClient(endpoint EndpointConfig, opts ...ClientOption) (*Client, error) {
	if GetProvider(endpoint.Provider) == nil {
		return nil, fmt.Errorf("unknown provider: %s", endpoint.Provider)
	}
	if endpoint.Model == "" {
		return nil, fmt.Errorf("model is required")
	}

	c := &Client{
		endpoint:    endpoint,
		retryConfig: DefaultRetryConfig(),
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
		batchSize: DefaultBatchSize,
		jitter:    true,
		logger:    slog.Default(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

// Embed returns one vector per text, in input order. Texts are sent in
// batches; any batch failing after retries fails the whole call.
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	vectors := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += c.batchSize {
		end := min(start+c.batchSize, len(texts))
		batch, err := c.embedBatchWithRetry(ctx, texts[start:end])
		if err != nil {
			return nil, fmt.Errorf("embed batch %d-%d: %w", start, end, err)
		}
		vectors = append(vectors, batch...)
	}

	return vectors, nil
}

// embedBatchWithRetry attempts one batch with retry logic.
func (c *Client) embedBatchWithRetry(ctx context.Context, inputs []string) ([][]float32, error) {
	var lastErr error

	for attempt := 1; attempt <= c.retryConfig.MaxAttempts; attempt++ {
		vectors, err := c.doRequest(ctx, inputs)
		if err == nil {
			return vectors, nil
		}

		lastErr = err

		// Don't retry fatal errors
		if IsFatal(err) {
			return nil, err
		}

		if attempt < c.retryConfig.MaxAttempts {
			backoff := c.retryConfig.wait(c.calculateBackoff(attempt), retryAfterHint(err))
			c.logger.Debug("Embedding request failed, retrying",
				"attempt", attempt,
				"max_attempts", c.retryConfig.MaxAttempts,
				"backoff", backoff,
				"error", err)

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}
	}

	return nil, lastErr
}

// calculateBackoff computes exponential backoff duration with +/- 25% jitter.
func (c *Client) calculateBackoff(attempt int) time.Duration {
	backoff := c.retryConfig.backoff(attempt)
	if !c.jitter {
		return backoff
	}
	jitter := float64(backoff) * 0.25 * (rand.Float64()*2 - 1)
	return backoff + time.Duration(jitter)
}

// doRequest executes a single embeddings request.
func (c *Client) doRequest(ctx context.Context, inputs []string) ([][]float32, error) {
	provider := GetProvider(c.endpoint.Provider)
	if provider == nil {
		return nil, NewFatalError(fmt.Errorf("unknown provider: %s", c.endpoint.Provider))
	}

	url := provider.BuildURL(c.endpoint.URL)

	body, err := provider.BuildRequestBody(c.endpoint.Model, inputs, c.endpoint.Dimensions)
	if err != nil {
		return nil, NewFatalError(fmt.Errorf("build request body: %w", err))
	}

	c.logger.Debug("Sending embedding request",
		"provider", c.endpoint.Provider,
		"model", c.endpoint.Model,
		"inputs", len(inputs))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, NewFatalError(fmt.Errorf("create HTTP request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	provider.SetHeaders(httpReq, c.endpoint.APIKey)

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, NewFatalError(err)
		}
		// Network errors are transient
		return nil, NewTransientError(fmt.Errorf("HTTP request failed: %w", err))
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseSize))
	if err != nil {
		return nil, NewTransientError(fmt.Errorf("read response body: %w", err))
	}

	if httpResp.StatusCode != http.StatusOK {
		return nil, classifyResponse(httpResp, respBody, time.Now())
	}

	vectors, err := provider.ParseResponse(respBody)
	if err != nil {
		return nil, NewFatalError(fmt.Errorf("parse response: %w", err))
	}
	if len(vectors) != len(inputs) {
		return nil, NewFatalError(fmt.Errorf("expected %d embeddings, got %d", len(inputs), len(vectors)))
	}
	return vectors, nil
}
