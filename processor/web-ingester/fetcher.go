package webingester

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"strings"
	"time"

	"golang.org/x/net/html/charset"
	"golang.org/x/time/rate"

	"github.com/c360studio/sitesync/source"
	"github.com/c360studio/sitesync/source/weburl"
)

// maxRedirects bounds redirect chains.
const maxRedirects = 5

// Fetcher fetches web pages with SSRF protection and extracts their text,
// title, and links.
type Fetcher struct {
	client         *http.Client
	converter      *Converter
	validator      *weburl.Validator
	limiter        *rate.Limiter
	userAgent      string
	maxContentSize int64
	logger         *slog.Logger
}

// FetcherOption configures a Fetcher.
type FetcherOption func(*Fetcher)

// WithHTTPClient replaces the SSRF-safe client. Intended for tests against
// local servers.
func WithHTTPClient(c *http.Client) FetcherOption {
	return func(f *Fetcher) {
		f.client = c
	}
}

// WithRateLimit spaces requests to at most rps per second with the given
// burst. A non-positive rps disables limiting.
func WithRateLimit(rps float64, burst int) FetcherOption {
	return func(f *Fetcher) {
		if rps <= 0 {
			f.limiter = nil
			return
		}
		f.limiter = rate.NewLimiter(rate.Limit(rps), max(burst, 1))
	}
}

// WithValidator sets the validator used for redirect targets.
func WithValidator(v *weburl.Validator) FetcherOption {
	return func(f *Fetcher) {
		f.validator = v
	}
}

// WithFetcherLogger sets the logger.
func WithFetcherLogger(l *slog.Logger) FetcherOption {
	return func(f *Fetcher) {
		f.logger = l
	}
}

// NewFetcher creates a new web fetcher.
func NewFetcher(timeout time.Duration, userAgent string, maxContentSize int64, opts ...FetcherOption) *Fetcher {
	f := &Fetcher{
		converter:      NewConverter(),
		validator:      weburl.NewValidator(),
		userAgent:      userAgent,
		maxContentSize: maxContentSize,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.client == nil {
		f.client = newSafeClient(timeout, f.validator)
	}
	return f
}

// newSafeClient builds a client whose dialer re-checks resolved addresses
// against private ranges, defeating DNS rebinding between validation and
// connect, and whose redirect policy validates every hop.
func newSafeClient(timeout time.Duration, validator *weburl.Validator) *http.Client {
	dialer := &net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
	}

	safeDialContext := func(ctx context.Context, network, addr string) (net.Conn, error) {
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, fmt.Errorf("invalid address: %w", err)
		}

		ips, err := net.DefaultResolver.LookupIPAddr(ctx, host)
		if err != nil {
			return nil, fmt.Errorf("DNS lookup failed: %w", err)
		}

		for _, ipAddr := range ips {
			if weburl.IsPrivateIP(ipAddr.IP) {
				return nil, fmt.Errorf("connection to private IP %s is not allowed", ipAddr.IP)
			}
		}

		var lastErr error
		for _, ipAddr := range ips {
			conn, err := dialer.DialContext(ctx, network, net.JoinHostPort(ipAddr.IP.String(), port))
			if err == nil {
				return conn, nil
			}
			lastErr = err
		}
		return nil, fmt.Errorf("failed to connect to any resolved IP: %w", lastErr)
	}

	transport := &http.Transport{
		Proxy:                 nil,
		DialContext:           safeDialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: timeout,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
	}

	return &http.Client{
		Transport: transport,
		Timeout:   timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return fmt.Errorf("too many redirects (max %d)", maxRedirects)
			}
			if res := validator.Validate(req.Context(), req.URL.String()); !res.Valid {
				return fmt.Errorf("redirect blocked: %s", res.Reason)
			}
			return nil
		},
	}
}

// Fetch retrieves rawURL and extracts its content. It never returns an
// error: network failures, non-2xx statuses, oversized bodies, and
// extraction failures are recorded on the page with empty content and
// links. Non-text responses succeed with empty content.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) source.CrawledPage {
	page := source.CrawledPage{
		URL:       rawURL,
		Links:     []string{},
		FetchedAt: time.Now(),
	}

	if f.limiter != nil {
		if err := f.limiter.Wait(ctx); err != nil {
			page.SetError("fetch %s: %v", rawURL, err)
			return page
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		page.SetError("create request: %v", err)
		return page
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,text/plain;q=0.9,*/*;q=0.5")
	req.Header.Set("Accept-Language", "en-US,en;q=0.5")

	resp, err := f.client.Do(req)
	if err != nil {
		page.SetError("fetch failed: %s", describeFetchError(err))
		return page
	}
	defer resp.Body.Close()

	page.StatusCode = resp.StatusCode
	page.ContentType = resp.Header.Get("Content-Type")
	if final := resp.Request.URL.String(); final != rawURL {
		page.FinalURL = final
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		page.SetError("HTTP %d: %s", resp.StatusCode, http.StatusText(resp.StatusCode))
		return page
	}

	// Read body with size limit
	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxContentSize+1))
	if err != nil {
		page.SetError("read body: %v", err)
		return page
	}
	if int64(len(body)) > f.maxContentSize {
		page.SetError("content too large (exceeds %d bytes)", f.maxContentSize)
		return page
	}

	contentType := page.ContentType
	if contentType == "" {
		contentType = http.DetectContentType(body)
	}
	mediaType, _, _ := mime.ParseMediaType(contentType)

	switch {
	case mediaType == "text/html" || mediaType == "application/xhtml+xml":
		body, err = decodeCharset(body, contentType)
		if err != nil {
			page.SetError("decode body: %v", err)
			return page
		}
		extracted, err := f.converter.Extract(body, resp.Request.URL)
		if err != nil {
			page.SetError("extract content: %v", err)
			return page
		}
		if extracted.Title != "" {
			title := extracted.Title
			page.Title = &title
		}
		page.Content = extracted.Text
		page.Links = extracted.Links

	case mediaType == "text/plain" || mediaType == "text/markdown":
		body, err = decodeCharset(body, contentType)
		if err != nil {
			page.SetError("decode body: %v", err)
			return page
		}
		page.Content = strings.TrimSpace(string(body))

	default:
		f.logger.Debug("Skipping non-text content", "url", rawURL, "content_type", contentType)
	}

	return page
}

// decodeCharset converts body to UTF-8 using the Content-Type charset or
// the document's meta declaration.
func decodeCharset(body []byte, contentType string) ([]byte, error) {
	r, err := charset.NewReader(strings.NewReader(string(body)), contentType)
	if err != nil {
		return nil, err
	}
	return io.ReadAll(r)
}

func describeFetchError(err error) string {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "request timed out"
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err.Error()
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return "DNS lookup failed for " + dnsErr.Name
	}
	return err.Error()
}
