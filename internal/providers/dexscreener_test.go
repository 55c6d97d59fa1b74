package providers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/signalrun/internal/domain"
	"github.com/sawpanic/signalrun/internal/net/httpclient"
	"github.com/sawpanic/signalrun/internal/net/ratelimit"
	"github.com/sawpanic/signalrun/internal/resolve"
)

func newHTTPClient(provider string) *httpclient.Client {
	return httpclient.New(httpclient.Config{
		Provider:    provider,
		MaxRetries:  1,
		BackoffBase: time.Millisecond,
	}, ratelimit.NewManager(), zerolog.Nop())
}

const dexPairsBody = `{
	"pairs": [
		{"chainId": "ethereum", "priceUsd": "0.5", "baseToken": {"address": "0xabc", "symbol": "FROG"}, "liquidity": {"usd": 1000}, "marketCap": 50000, "volume": {"h24": 200}},
		{"chainId": "ethereum", "priceUsd": "0.52", "baseToken": {"address": "0xabc", "symbol": "FROG"}, "liquidity": {"usd": 90000}, "marketCap": 50000, "volume": {"h24": 9000}},
		{"chainId": "bsc", "priceUsd": "0.7", "baseToken": {"address": "0xabc", "symbol": "FROG"}, "liquidity": {"usd": 999999}, "marketCap": 50000, "volume": {"h24": 100}}
	]
}`

func TestDexScreenerCurrentByAddressPicksDeepestPoolOnChain(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "/latest/dex/tokens/0xabc")
		w.Write([]byte(dexPairsBody))
	}))
	defer srv.Close()

	d := NewDexScreener(newHTTPClient("dexscreener"), resolve.Default(), 0)
	d.baseURL = srv.URL

	ref, err := domain.NewTokenRef(domain.ChainEVM, "0xabc", "")
	require.NoError(t, err)

	reading, err := d.CurrentByAddress(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, 0.52, reading.Price, "deepest ethereum pool wins, bsc pool ignored")
	assert.Equal(t, "FROG", reading.SymbolResolved)
	require.NotNil(t, reading.Liquidity)
	assert.Equal(t, 90000.0, *reading.Liquidity)
	assert.Equal(t, "dexscreener", reading.Source)
}

func TestDexScreenerCurrentBySymbolFiltersTicker(t *testing.T) {
	body := `{"pairs": [
		{"chainId": "solana", "priceUsd": "1.0", "baseToken": {"symbol": "OTHER"}, "liquidity": {"usd": 5000000}},
		{"chainId": "solana", "priceUsd": "2.0", "baseToken": {"symbol": "frog"}, "liquidity": {"usd": 100}}
	]}`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "FROG", r.URL.Query().Get("q"))
		w.Write([]byte(body))
	}))
	defer srv.Close()

	d := NewDexScreener(newHTTPClient("dexscreener"), resolve.Default(), 0)
	d.baseURL = srv.URL

	reading, err := d.CurrentBySymbol(context.Background(), "FROG")
	require.NoError(t, err)
	assert.Equal(t, 2.0, reading.Price, "symbol match is case-insensitive")
}

func TestDexScreenerNoPairsIsNoData(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"pairs": []}`))
	}))
	defer srv.Close()

	d := NewDexScreener(newHTTPClient("dexscreener"), resolve.Default(), 0)
	d.baseURL = srv.URL

	ref, err := domain.NewTokenRef(domain.ChainEVM, "0xdead", "")
	require.NoError(t, err)
	_, err = d.CurrentByAddress(context.Background(), ref)
	assert.True(t, errors.Is(err, ErrNoData))
}

func TestDexScreenerPriceAtRefusesStaleTimestamps(t *testing.T) {
	d := NewDexScreener(newHTTPClient("dexscreener"), resolve.Default(), time.Hour)
	now := time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return now }

	ref, err := domain.NewTokenRef(domain.ChainEVM, "0xabc", "")
	require.NoError(t, err)

	_, err = d.PriceAt(context.Background(), ref, now.Add(-2*time.Hour))
	assert.Error(t, err, "two-hour-old timestamp exceeds the one-hour tolerance")
}

func TestDexScreenerPriceAtServesRecentTimestamps(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(dexPairsBody))
	}))
	defer srv.Close()

	d := NewDexScreener(newHTTPClient("dexscreener"), resolve.Default(), time.Hour)
	d.baseURL = srv.URL
	now := time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return now }

	ref, err := domain.NewTokenRef(domain.ChainEVM, "0xabc", "")
	require.NoError(t, err)

	price, err := d.PriceAt(context.Background(), ref, now.Add(-10*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 0.52, price)
}
