package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"manifold-etl/internal/clock"
	"manifold-etl/internal/metrics"
	"manifold-etl/internal/ratelimit"
)

const defaultBaseURL = "https://api.manifold.markets/v0"

// Options parameterise the retrying API client.
type Options struct {
	BaseURL     string
	APIKey      string
	UserAgent   string
	Timeout     time.Duration
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	JitterMax   time.Duration
	// MaxRetryAfter caps a server Retry-After hint. Hints up to it are honoured in full.
	MaxRetryAfter time.Duration
	// TransientStatus lists extra 4xx codes that are retried like 5xx (e.g. 408).
	TransientStatus []int
}

// Limiter is the shared request budget the client draws a permit from before every attempt.
type Limiter interface {
	Wait(ctx context.Context) error
}

// Client wraps single HTTP calls with rate limiting and bounded exponential backoff.
type Client struct {
	opts      Options
	baseURL   string
	http      *http.Client
	limiter   Limiter
	clock     clock.Clock
	logger    zerolog.Logger
	transient map[int]bool
}

// NewClient constructs a Client. The limiter is shared and must not be nil.
func NewClient(opts Options, limiter Limiter, clk clock.Clock, logger zerolog.Logger) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = time.Second
	}
	if opts.MaxBackoff < opts.BaseBackoff {
		opts.MaxBackoff = opts.BaseBackoff
	}
	if opts.MaxRetryAfter <= 0 {
		opts.MaxRetryAfter = 5 * time.Minute
	}
	if opts.MaxRetryAfter < opts.MaxBackoff {
		opts.MaxRetryAfter = opts.MaxBackoff
	}
	if clk == nil {
		clk = clock.Real{}
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	transient := make(map[int]bool, len(opts.TransientStatus))
	for _, code := range opts.TransientStatus {
		transient[code] = true
	}

	return &Client{
		opts:      opts,
		baseURL:   baseURL,
		http:      &http.Client{Timeout: opts.Timeout},
		limiter:   limiter,
		clock:     clk,
		logger:    logger.With().Str("component", "api_client").Logger(),
		transient: transient,
	}
}

type phase int

const (
	phaseAttempting phase = iota
	phaseBackoff
	phaseSucceeded
	phaseExhausted
)

// Execute performs req, retrying RateLimited and Transient failures up to MaxAttempts calls.
//
// Every attempt waits on the shared limiter first. A ClientError fails at once; running out of
// attempts yields an Exhausted error wrapping the last failure.
func (c *Client) Execute(ctx context.Context, req Request) ([]byte, error) {
	var (
		state   = phaseAttempting
		attempt int
		wait    time.Duration
		body    []byte
		lastErr error
		lastKnd ErrorKind
		status  int
	)

	for {
		switch state {
		case phaseAttempting:
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, err
			}
			attempt++

			var err error
			body, err = c.do(ctx, req)
			if err == nil {
				metrics.APIRequests.WithLabelValues(req.Endpoint, "ok").Inc()
				state = phaseSucceeded
				continue
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}

			lastErr = err
			lastKnd, status = c.classify(err)
			metrics.APIRequests.WithLabelValues(req.Endpoint, lastKnd.String()).Inc()

			switch {
			case lastKnd == KindClientError:
				return nil, &APIError{Kind: KindClientError, Endpoint: req.Endpoint, StatusCode: status, Attempts: attempt, Err: err}
			case attempt >= c.opts.MaxAttempts:
				state = phaseExhausted
			default:
				wait = c.backoff(attempt, err)
				state = phaseBackoff
			}

		case phaseBackoff:
			metrics.APIRetries.WithLabelValues(lastKnd.String()).Inc()
			c.logger.Warn().Err(lastErr).
				Str("endpoint", req.Endpoint).
				Str("kind", lastKnd.String()).
				Int("attempt", attempt).
				Dur("backoff", wait).
				Msg("retrying request")
			if err := c.clock.Sleep(ctx, wait); err != nil {
				return nil, err
			}
			state = phaseAttempting

		case phaseSucceeded:
			return body, nil

		case phaseExhausted:
			return nil, &APIError{Kind: KindExhausted, Endpoint: req.Endpoint, StatusCode: status, Attempts: attempt, Err: lastErr}
		}
	}
}

// backoff returns the pause after the given failed attempt (1-based).
func (c *Client) backoff(attempt int, err error) time.Duration {
	var statusErr *StatusError
	if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusTooManyRequests && statusErr.RetryAfter > 0 {
		return min(statusErr.RetryAfter, c.opts.MaxRetryAfter)
	}

	d := c.opts.BaseBackoff
	for i := 1; i < attempt && d < c.opts.MaxBackoff; i++ {
		d *= 2
	}
	d = min(d, c.opts.MaxBackoff)

	if c.opts.JitterMax > 0 {
		d += time.Duration(rand.Int64N(int64(c.opts.JitterMax)))
	}
	return d
}

// WorstCaseWait bounds the total backoff a single exhausted call can spend sleeping.
// Each retry waits either the capped backoff plus jitter or a capped Retry-After hint.
func (o Options) WorstCaseWait() time.Duration {
	var total time.Duration
	d := o.BaseBackoff
	for i := 1; i < o.MaxAttempts; i++ {
		total += max(min(d, o.MaxBackoff)+o.JitterMax, o.MaxRetryAfter)
		d *= 2
	}
	return total
}

func (c *Client) do(ctx context.Context, req Request) ([]byte, error) {
	fullURL := c.baseURL + "/" + strings.TrimLeft(req.Path, "/")
	if len(req.Query) > 0 {
		fullURL += "?" + req.Query.Encode()
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(c.opts.UserAgent); ua != "" {
		httpReq.Header.Set("User-Agent", ua)
	}
	if c.opts.APIKey != "" {
		httpReq.Header.Set("Authorization", "Key "+c.opts.APIKey)
	}

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	metrics.APIRequestDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{
			StatusCode: resp.StatusCode,
			Message:    responseMessage(resp.StatusCode, payload),
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), c.clock.Now()),
			Body:       payload,
		}
	}
	return payload, nil
}

var _ Limiter = (*ratelimit.Limiter)(nil)
