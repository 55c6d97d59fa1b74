package providers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/signalrun/internal/domain"
	"github.com/sawpanic/signalrun/internal/resolve"
)

func TestMobulaCurrentByAddressUsesProviderChainSpelling(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "/market/data")
		assert.Equal(t, "0xabc", r.URL.Query().Get("asset"))
		assert.Equal(t, "evm:1", r.URL.Query().Get("blockchain"))
		w.Write([]byte(`{"data": {"price": 1.25, "market_cap": 100000, "liquidity": 4000, "volume": 900, "symbol": "FROG"}}`))
	}))
	defer srv.Close()

	m := NewMobula(newHTTPClient("mobula"), resolve.Default())
	m.baseURL = srv.URL

	ref, err := domain.NewTokenRef(domain.ChainEVM, "0xabc", "")
	require.NoError(t, err)

	reading, err := m.CurrentByAddress(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, 1.25, reading.Price)
	assert.Equal(t, "FROG", reading.SymbolResolved)
	assert.Equal(t, "mobula", reading.Source)
	require.NotNil(t, reading.MarketCap)
	assert.Equal(t, 100000.0, *reading.MarketCap)
	require.NotNil(t, reading.Liquidity)
	assert.Equal(t, 4000.0, *reading.Liquidity)
}

func TestMobulaZeroPriceIsNoData(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data": {"price": 0}}`))
	}))
	defer srv.Close()

	m := NewMobula(newHTTPClient("mobula"), resolve.Default())
	m.baseURL = srv.URL

	ref, err := domain.NewTokenRef(domain.ChainEVM, "0xdead", "")
	require.NoError(t, err)

	_, err = m.CurrentByAddress(context.Background(), ref)
	assert.True(t, errors.Is(err, ErrNoData))
}
