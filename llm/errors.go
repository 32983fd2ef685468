package llm

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// maxErrorBody bounds how much of a failed response is kept in an APIError.
const maxErrorBody = 200

// TransientError marks a failure worth retrying: network errors, request
// timeouts, rate limiting and server errors.
type TransientError struct {
	err error
}

func (e *TransientError) Error() string { return e.err.Error() }
func (e *TransientError) Unwrap() error { return e.err }

// NewTransientError wraps err as retryable.
func NewTransientError(err error) error {
	return &TransientError{err: err}
}

// FatalError marks a failure retrying cannot fix, such as a rejected API key
// or a malformed response.
type FatalError struct {
	err error
}

func (e *FatalError) Error() string { return e.err.Error() }
func (e *FatalError) Unwrap() error { return e.err }

// NewFatalError wraps err as non-retryable.
func NewFatalError(err error) error {
	return &FatalError{err: err}
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	var transient *TransientError
	return errors.As(err, &transient)
}

// IsFatal reports whether err must not be retried.
func IsFatal(err error) bool {
	var fatal *FatalError
	return errors.As(err, &fatal)
}

// APIError is a non-200 answer from an embeddings endpoint.
type APIError struct {
	StatusCode int
	Body       string
	// RetryAfter is the delay the server asked for, zero when it sent none.
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	return fmt.Sprintf("embeddings API error (status %d): %s", e.StatusCode, e.Body)
}

// classifyResponse turns a failed response into an APIError, transient for
// 408, 429 and 5xx and fatal for everything else.
func classifyResponse(resp *http.Response, body []byte, now time.Time) error {
	apiErr := &APIError{
		StatusCode: resp.StatusCode,
		Body:       truncate(string(body), maxErrorBody),
		RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), now),
	}

	switch code := resp.StatusCode; {
	case code == http.StatusTooManyRequests,
		code == http.StatusRequestTimeout,
		code >= 500:
		return NewTransientError(apiErr)
	default:
		return NewFatalError(apiErr)
	}
}

// retryAfterHint returns the delay an APIError in err's chain asked for.
func retryAfterHint(err error) time.Duration {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.RetryAfter
	}
	return 0
}

// parseRetryAfter reads a Retry-After header in delta-seconds or HTTP-date
// form. Unparseable and past values yield zero.
func parseRetryAfter(v string, now time.Time) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return max(time.Duration(secs)*time.Second, 0)
	}
	if t, err := http.ParseTime(v); err == nil {
		return max(t.Sub(now), 0)
	}
	return 0
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
