package providers

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/sawpanic/signalrun/internal/domain"
	"github.com/sawpanic/signalrun/internal/net/httpclient"
	"github.com/sawpanic/signalrun/internal/resolve"
)

const cryptoCompareBaseURL = "https://min-api.cryptocompare.com"

// CryptoCompare is the premium timeseries fallback. Symbol-keyed only, and
// it reports errors inside 200-status bodies, so every response is checked
// for the in-band Response field.
type CryptoCompare struct {
	http    *httpclient.Client
	baseURL string
}

func NewCryptoCompare(http *httpclient.Client) *CryptoCompare {
	return &CryptoCompare{http: http, baseURL: cryptoCompareBaseURL}
}

func (c *CryptoCompare) Name() string { return resolve.ProviderCryptoCompare }

type ccEnvelope struct {
	Response string `json:"Response"`
	Message  string `json:"Message"`
}

type ccHistoDay struct {
	ccEnvelope
	Data struct {
		Data []struct {
			Time  int64   `json:"time"`
			Open  float64 `json:"open"`
			High  float64 `json:"high"`
			Low   float64 `json:"low"`
			Close float64 `json:"close"`
		} `json:"Data"`
	} `json:"Data"`
}

// PriceAt uses the pricehistorical endpoint. A zero price is CryptoCompare's
// way of saying the symbol had no market at that time.
func (c *CryptoCompare) PriceAt(ctx context.Context, ref domain.TokenRef, at time.Time) (float64, error) {
	if ref.Symbol == "" {
		return 0, &httpclient.ProviderError{
			Provider: c.Name(), Kind: httpclient.KindNotFound,
			Err: fmt.Errorf("symbol-keyed lookups need a symbol, got %s", ref.Key()),
		}
	}
	sym := strings.ToUpper(ref.Symbol)
	u := fmt.Sprintf("%s/data/pricehistorical?fsym=%s&tsyms=USD&ts=%d",
		c.baseURL, url.QueryEscape(sym), at.Unix())

	var out map[string]any
	if err := c.http.GetJSON(ctx, u, &out); err != nil {
		return 0, err
	}
	if resp, _ := out["Response"].(string); resp == "Error" {
		msg, _ := out["Message"].(string)
		return 0, c.classifyBodyError(msg)
	}
	entry, ok := out[sym].(map[string]any)
	if !ok {
		return 0, fmt.Errorf("%s: %s missing from response: %w", c.Name(), sym, ErrNoData)
	}
	price, ok := entry["USD"].(float64)
	if !ok || price <= 0 {
		return 0, fmt.Errorf("%s: no USD quote for %s at %s: %w",
			c.Name(), sym, at.Format(time.RFC3339), ErrNoData)
	}
	return price, nil
}

// DailyOHLC walks histoday backwards from `to`. limit is capped at 2000 by
// the API; a 31-day window never comes close.
func (c *CryptoCompare) DailyOHLC(ctx context.Context, ref domain.TokenRef, from, to time.Time) ([]Candle, error) {
	if ref.Symbol == "" {
		return nil, &httpclient.ProviderError{
			Provider: c.Name(), Kind: httpclient.KindNotFound,
			Err: fmt.Errorf("symbol-keyed lookups need a symbol, got %s", ref.Key()),
		}
	}
	days := int(to.Sub(from).Hours()/24) + 1
	if days < 1 {
		days = 1
	}
	sym := strings.ToUpper(ref.Symbol)
	u := fmt.Sprintf("%s/data/v2/histoday?fsym=%s&tsym=USD&toTs=%d&limit=%d",
		c.baseURL, url.QueryEscape(sym), to.Unix(), days)

	var out ccHistoDay
	if err := c.http.GetJSON(ctx, u, &out); err != nil {
		return nil, err
	}
	if out.Response == "Error" {
		return nil, c.classifyBodyError(out.Message)
	}

	var candles []Candle
	for _, row := range out.Data.Data {
		day := time.Unix(row.Time, 0).UTC()
		day = time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
		if day.Before(utcDayOf(from)) || day.After(to) {
			continue
		}
		// Leading zero rows mean the series starts later than asked.
		if row.Open == 0 && row.High == 0 && row.Low == 0 && row.Close == 0 {
			continue
		}
		candles = append(candles, Candle{
			Day:   day,
			Open:  row.Open,
			High:  row.High,
			Low:   row.Low,
			Close: row.Close,
		})
	}
	if len(candles) == 0 {
		return nil, fmt.Errorf("%s: no candles for %s in range: %w", c.Name(), sym, ErrNoData)
	}
	return candles, nil
}

// classifyBodyError maps CryptoCompare's in-band error messages onto the
// shared taxonomy. "no data" phrasing stays distinguishable for dead-token
// detection.
func (c *CryptoCompare) classifyBodyError(msg string) error {
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "no data"), strings.Contains(lower, "does not exist"):
		return fmt.Errorf("%s: %s: %w", c.Name(), msg, ErrNoData)
	case strings.Contains(lower, "rate limit"):
		return &httpclient.ProviderError{Provider: c.Name(), Kind: httpclient.KindRateLimited, Err: fmt.Errorf("%s", msg)}
	case strings.Contains(lower, "api key"):
		return &httpclient.ProviderError{Provider: c.Name(), Kind: httpclient.KindAuth, Err: fmt.Errorf("%s", msg)}
	default:
		return &httpclient.ProviderError{Provider: c.Name(), Kind: httpclient.KindParse, Err: fmt.Errorf("%s", msg)}
	}
}

func utcDayOf(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

var (
	_ HistoricalAt = (*CryptoCompare)(nil)
	_ ForwardOHLC  = (*CryptoCompare)(nil)
)
