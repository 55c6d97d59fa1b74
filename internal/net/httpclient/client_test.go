package httpclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/signalrun/internal/net/ratelimit"
)

func testClient(t *testing.T, provider string) *Client {
	t.Helper()
	return New(Config{
		Provider:       provider,
		RequestTimeout: 2 * time.Second,
		MaxRetries:     3,
		BackoffBase:    time.Millisecond,
		BackoffMax:     5 * time.Millisecond,
	}, ratelimit.NewManager(), zerolog.Nop())
}

func TestGetJSONSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"price": 1.25}`))
	}))
	defer srv.Close()

	c := testClient(t, "test")
	var out struct {
		Price float64 `json:"price"`
	}
	err := c.GetJSON(context.Background(), srv.URL, &out)
	require.NoError(t, err)
	assert.Equal(t, 1.25, out.Price)
	assert.Equal(t, int64(1), c.Stats().Success)
}

func TestGetNotFoundDoesNotRetry(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := testClient(t, "test")
	_, err := c.Get(context.Background(), srv.URL)
	require.Error(t, err)
	assert.True(t, IsKind(err, KindNotFound))
	assert.Equal(t, int64(1), calls.Load(), "404 must not be retried")
}

func TestGetAuthDoesNotRetry(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := testClient(t, "test")
	_, err := c.Get(context.Background(), srv.URL)
	require.Error(t, err)
	assert.True(t, IsKind(err, KindAuth))
	assert.Equal(t, int64(1), calls.Load())
}

func TestGetRetriesTransportThenSucceeds(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`"ok"`))
	}))
	defer srv.Close()

	c := testClient(t, "test")
	body, err := c.Get(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, `"ok"`, string(body))
	assert.Equal(t, int64(3), calls.Load())
	assert.Equal(t, int64(2), c.Stats().Retried)
}

func TestGetRetriesRateLimited(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`"ok"`))
	}))
	defer srv.Close()

	c := testClient(t, "test")
	_, err := c.Get(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, int64(2), calls.Load())
}

func TestGetExhaustsRetries(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := testClient(t, "test")
	_, err := c.Get(context.Background(), srv.URL)
	require.Error(t, err)
	assert.True(t, IsKind(err, KindTransport))
	assert.Equal(t, int64(4), calls.Load(), "initial attempt plus 3 retries")
}

func TestGetDailyBudgetExhausted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`"ok"`))
	}))
	defer srv.Close()

	limiter := ratelimit.NewManager()
	// PerDay 2 scales to 1 usable request after headroom.
	require.NoError(t, limiter.SetBudget("test", ratelimit.Budget{PerMinute: 600, PerDay: 2}))

	c := New(Config{Provider: "test", BackoffBase: time.Millisecond}, limiter, zerolog.Nop())

	_, err := c.Get(context.Background(), srv.URL)
	require.NoError(t, err)

	_, err = c.Get(context.Background(), srv.URL)
	require.Error(t, err)
	pe, ok := AsProviderError(err)
	require.True(t, ok)
	assert.Equal(t, KindRateLimited, pe.Kind)
	assert.True(t, pe.BudgetExhausted)
	assert.False(t, pe.Retryable())
}

func TestGetJSONParseError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{not json`))
	}))
	defer srv.Close()

	c := testClient(t, "test")
	var out map[string]any
	err := c.GetJSON(context.Background(), srv.URL, &out)
	require.Error(t, err)
	assert.True(t, IsKind(err, KindParse))
}

func TestHeadersAttached(t *testing.T) {
	var gotKey, gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("X-Api-Key")
		gotUA = r.Header.Get("User-Agent")
		w.Write([]byte(`"ok"`))
	}))
	defer srv.Close()

	c := New(Config{
		Provider:  "test",
		UserAgent: "signalrun/1.0",
		Headers:   map[string]string{"X-Api-Key": "secret"},
	}, ratelimit.NewManager(), zerolog.Nop())

	_, err := c.Get(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "secret", gotKey)
	assert.Equal(t, "signalrun/1.0", gotUA)
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := testClient(t, "test")
	// Two full fetches burn 8 attempts; the breaker trips at 5.
	c.Get(context.Background(), srv.URL)
	c.Get(context.Background(), srv.URL)

	before := calls.Load()
	_, err := c.Get(context.Background(), srv.URL)
	require.Error(t, err)
	assert.Equal(t, before, calls.Load(), "open breaker must not reach the network")
	pe, ok := AsProviderError(err)
	require.True(t, ok)
	assert.False(t, pe.Retryable())
}
