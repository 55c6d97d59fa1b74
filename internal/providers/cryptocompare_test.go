package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/signalrun/internal/domain"
	"github.com/sawpanic/signalrun/internal/net/httpclient"
)

func symbolRef(t *testing.T, sym string) domain.TokenRef {
	t.Helper()
	ref, err := domain.NewTokenRef("", "", sym)
	require.NoError(t, err)
	return ref
}

func TestCryptoComparePriceAt(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "ETH", r.URL.Query().Get("fsym"))
		w.Write([]byte(`{"ETH": {"USD": 2450.75}}`))
	}))
	defer srv.Close()

	c := NewCryptoCompare(newHTTPClient("cryptocompare"))
	c.baseURL = srv.URL

	price, err := c.PriceAt(context.Background(), symbolRef(t, "eth"), time.Now().Add(-48*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2450.75, price)
}

func TestCryptoCompareZeroPriceIsNoData(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"FROGX": {"USD": 0}}`))
	}))
	defer srv.Close()

	c := NewCryptoCompare(newHTTPClient("cryptocompare"))
	c.baseURL = srv.URL

	_, err := c.PriceAt(context.Background(), symbolRef(t, "FROGX"), time.Now().Add(-48*time.Hour))
	assert.True(t, errors.Is(err, ErrNoData))
}

func TestCryptoCompareInBandErrors(t *testing.T) {
	tests := []struct {
		name    string
		message string
		check   func(t *testing.T, err error)
	}{
		{
			"no data maps to ErrNoData",
			"There is no data for the symbol FROGX",
			func(t *testing.T, err error) { assert.True(t, errors.Is(err, ErrNoData)) },
		},
		{
			"rate limit maps to RateLimited",
			"You are over your rate limit",
			func(t *testing.T, err error) { assert.True(t, httpclient.IsKind(err, httpclient.KindRateLimited)) },
		},
		{
			"api key maps to Auth",
			"Invalid api key",
			func(t *testing.T, err error) { assert.True(t, httpclient.IsKind(err, httpclient.KindAuth)) },
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprintf(w, `{"Response": "Error", "Message": %q}`, tt.message)
			}))
			defer srv.Close()

			c := NewCryptoCompare(newHTTPClient("cryptocompare"))
			c.baseURL = srv.URL

			_, err := c.PriceAt(context.Background(), symbolRef(t, "FROGX"), time.Now().Add(-48*time.Hour))
			require.Error(t, err)
			tt.check(t, err)
		})
	}
}

func TestCryptoCompareDailyOHLC(t *testing.T) {
	day1 := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	day2 := day1.Add(24 * time.Hour)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body := fmt.Sprintf(`{"Response": "Success", "Data": {"Data": [
			{"time": %d, "open": 0, "high": 0, "low": 0, "close": 0},
			{"time": %d, "open": 1.0, "high": 1.5, "low": 0.9, "close": 1.2},
			{"time": %d, "open": 1.2, "high": 2.0, "low": 1.1, "close": 1.8}
		]}}`, day1.Add(-24*time.Hour).Unix(), day1.Unix(), day2.Unix())
		w.Write([]byte(body))
	}))
	defer srv.Close()

	c := NewCryptoCompare(newHTTPClient("cryptocompare"))
	c.baseURL = srv.URL

	candles, err := c.DailyOHLC(context.Background(), symbolRef(t, "FROG"), day1, day2.Add(12*time.Hour))
	require.NoError(t, err)
	require.Len(t, candles, 2, "all-zero leading rows are trimmed")
	assert.Equal(t, day1, candles[0].Day)
	assert.Equal(t, 1.5, candles[0].High)
	assert.Equal(t, day2, candles[1].Day)
	assert.Equal(t, 1.8, candles[1].Close)
}

func TestCryptoCompareNeedsSymbol(t *testing.T) {
	c := NewCryptoCompare(newHTTPClient("cryptocompare"))

	ref, err := domain.NewTokenRef(domain.ChainEVM, "0xabc", "")
	require.NoError(t, err)

	_, err = c.PriceAt(context.Background(), ref, time.Now())
	assert.True(t, httpclient.IsKind(err, httpclient.KindNotFound))
}
