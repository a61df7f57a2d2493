package fetcher

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// ErrorKind classifies a failed API call for retry purposes.
type ErrorKind int

const (
	// KindRateLimited is an HTTP 429. Recovered by backoff and never surfaced on its own.
	KindRateLimited ErrorKind = iota + 1
	// KindTransient covers 5xx, configured transient statuses, connection errors and timeouts.
	KindTransient
	// KindClientError is a non-retryable 4xx.
	KindClientError
	// KindExhausted means the retry budget was consumed by retryable failures.
	KindExhausted
)

func (k ErrorKind) String() string {
	switch k {
	case KindRateLimited:
		return "rate_limited"
	case KindTransient:
		return "transient"
	case KindClientError:
		return "client_error"
	case KindExhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

// APIError is the only error shape Client.Execute surfaces besides context errors.
type APIError struct {
	Kind       ErrorKind
	Endpoint   string
	StatusCode int
	Attempts   int
	Err        error
}

func (e *APIError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("manifold api %s %s after %d attempt(s) (status %d): %v", e.Endpoint, e.Kind, e.Attempts, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("manifold api %s %s after %d attempt(s): %v", e.Endpoint, e.Kind, e.Attempts, e.Err)
}

func (e *APIError) Unwrap() error { return e.Err }

// IsKind reports whether err is an *APIError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Kind == kind
}

// StatusError is a single non-2xx response.
type StatusError struct {
	StatusCode int
	Message    string
	RetryAfter time.Duration
	Body       []byte
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("http %d", e.StatusCode)
}

// classify maps a single attempt's failure to an ErrorKind.
func (c *Client) classify(err error) (ErrorKind, int) {
	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		return KindTransient, 0
	}
	code := statusErr.StatusCode
	switch {
	case code == http.StatusTooManyRequests:
		return KindRateLimited, code
	case code >= 500:
		return KindTransient, code
	case c.transient[code]:
		return KindTransient, code
	default:
		return KindClientError, code
	}
}

func parseRetryAfter(header string, now time.Time) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil {
		if seconds < 0 {
			return 0
		}
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(header); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

func responseMessage(status int, payload []byte) string {
	var apiErr struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(payload, &apiErr); err == nil && apiErr.Message != "" {
		return apiErr.Message
	}
	if text := strings.TrimSpace(string(payload)); text != "" && len(text) <= 512 {
		return text
	}
	return http.StatusText(status)
}
