// Package httpclient is the rate-limited fetch layer every price provider
// goes through. One Client per provider: requests are serialized, budgeted
// through the shared limiter, guarded by a circuit breaker, and retried
// with exponential backoff on transient failures only.
package httpclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/sawpanic/signalrun/internal/net/ratelimit"
)

const maxBodyBytes = 10 << 20

// Config sets one provider's fetch behavior. Zero-value retry fields get
// the defaults: 3 retries, 1s base, 30s cap.
type Config struct {
	Provider       string
	RequestTimeout time.Duration
	MaxRetries     int
	BackoffBase    time.Duration
	BackoffMax     time.Duration
	UserAgent      string
	// Headers are attached to every request (API key headers go here).
	Headers map[string]string
}

func (c *Config) applyDefaults() {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 15 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 30 * time.Second
	}
}

// Stats counts fetch outcomes for one provider.
type Stats struct {
	Total   int64 `json:"total"`
	Success int64 `json:"success"`
	Failed  int64 `json:"failed"`
	Retried int64 `json:"retried"`
}

// Client is the per-provider fetcher. Safe for concurrent use; concurrent
// callers are serialized so a free-tier provider never sees parallel
// requests from us.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *ratelimit.Manager
	breaker *gobreaker.CircuitBreaker
	log     zerolog.Logger

	mu sync.Mutex // serializes whole fetches per provider

	total   atomic.Int64
	success atomic.Int64
	failed  atomic.Int64
	retried atomic.Int64
}

// New builds a provider client sharing the process-wide limiter. The
// breaker opens after 5 consecutive failures and probes again after 30s;
// NotFound answers are valid data and never trip it.
func New(cfg Config, limiter *ratelimit.Manager, log zerolog.Logger) *Client {
	cfg.applyDefaults()
	c := &Client{
		cfg: cfg,
		http: &http.Client{
			Timeout: cfg.RequestTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		limiter: limiter,
		log:     log.With().Str("provider", cfg.Provider).Logger(),
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Provider,
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			return IsKind(err, KindNotFound)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.log.Warn().
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Circuit breaker state change")
		},
	})
	return c
}

// Provider returns the provider name this client fetches for.
func (c *Client) Provider() string { return c.cfg.Provider }

// Stats returns a snapshot of fetch counters.
func (c *Client) Stats() Stats {
	return Stats{
		Total:   c.total.Load(),
		Success: c.success.Load(),
		Failed:  c.failed.Load(),
		Retried: c.retried.Load(),
	}
}

// GetJSON fetches url and decodes the JSON body into out. The error is
// always a *ProviderError on failure.
func (c *Client) GetJSON(ctx context.Context, url string, out any) error {
	body, err := c.Get(ctx, url)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		c.failed.Add(1)
		return &ProviderError{Provider: c.cfg.Provider, Kind: KindParse, Err: err}
	}
	return nil
}

// Get fetches url with the full budget/breaker/retry pipeline and returns
// the raw body.
func (c *Client) Get(ctx context.Context, url string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.total.Add(1)

	var lastErr *ProviderError
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			c.retried.Add(1)
			wait := c.backoff(attempt, lastErr)
			c.log.Debug().
				Int("attempt", attempt).
				Dur("backoff", wait).
				Str("url", url).
				Msg("Retrying request")
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				c.failed.Add(1)
				return nil, &ProviderError{Provider: c.cfg.Provider, Kind: KindTimeout, Err: ctx.Err()}
			}
		}

		body, err := c.doOnce(ctx, url)
		if err == nil {
			c.success.Add(1)
			return body, nil
		}

		pe, ok := AsProviderError(err)
		if !ok {
			pe = &ProviderError{Provider: c.cfg.Provider, Kind: KindTransport, Err: err}
		}
		lastErr = pe
		if !pe.Retryable() {
			break
		}
	}

	c.failed.Add(1)
	return nil, lastErr
}

// doOnce runs a single attempt through limiter and breaker.
func (c *Client) doOnce(ctx context.Context, url string) ([]byte, error) {
	if err := c.limiter.Acquire(ctx, c.cfg.Provider); err != nil {
		if errors.Is(err, ratelimit.ErrBudgetExhausted) {
			return nil, &ProviderError{Provider: c.cfg.Provider, Kind: KindRateLimited, BudgetExhausted: true, Err: err}
		}
		return nil, &ProviderError{Provider: c.cfg.Provider, Kind: KindTimeout, Err: err}
	}

	res, err := c.breaker.Execute(func() (interface{}, error) {
		return c.roundTrip(ctx, url)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			// Open breaker: fail the provider without burning retries so
			// the fallback chain moves on.
			return nil, &ProviderError{Provider: c.cfg.Provider, Kind: KindTransport, Permanent: true, Err: err}
		}
		return nil, err
	}
	return res.([]byte), nil
}

func (c *Client) roundTrip(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &ProviderError{Provider: c.cfg.Provider, Kind: KindParse, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}
	for k, v := range c.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, c.classifyTransport(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, c.classifyTransport(err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return body, nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &ProviderError{
			Provider:   c.cfg.Provider,
			Kind:       KindRateLimited,
			StatusCode: resp.StatusCode,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	case resp.StatusCode == http.StatusNotFound:
		return nil, &ProviderError{Provider: c.cfg.Provider, Kind: KindNotFound, StatusCode: resp.StatusCode}
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, &ProviderError{Provider: c.cfg.Provider, Kind: KindAuth, StatusCode: resp.StatusCode}
	case resp.StatusCode >= 500:
		return nil, &ProviderError{
			Provider:   c.cfg.Provider,
			Kind:       KindTransport,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("%s", truncate(body, 200)),
		}
	default:
		// Remaining 4xx: we built a request the provider rejects. Not
		// retryable; the fallback chain decides what to do.
		return nil, &ProviderError{
			Provider:   c.cfg.Provider,
			Kind:       KindParse,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("%s", truncate(body, 200)),
		}
	}
}

func (c *Client) classifyTransport(err error) *ProviderError {
	kind := KindTransport
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		kind = KindTimeout
	}
	return &ProviderError{Provider: c.cfg.Provider, Kind: kind, Err: err}
}

// backoff computes the wait before the given attempt: exponential from the
// base, capped, with ±50% jitter. A server-advised Retry-After wins when it
// is longer.
func (c *Client) backoff(attempt int, last *ProviderError) time.Duration {
	d := c.cfg.BackoffBase * time.Duration(1<<uint(attempt-1))
	if d > c.cfg.BackoffMax {
		d = c.cfg.BackoffMax
	}
	jittered := time.Duration(float64(d) * (0.5 + rand.Float64()))
	if last != nil && last.RetryAfter > jittered {
		jittered = last.RetryAfter
	}
	return jittered
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
