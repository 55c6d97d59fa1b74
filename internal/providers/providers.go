// Package providers holds the upstream price source adapters. Each adapter
// speaks one provider's HTTP dialect and normalizes it to PriceReading and
// Candle; budgeting, retries and breaker logic live in net/httpclient.
package providers

import (
	"context"
	"errors"
	"time"

	"github.com/sawpanic/signalrun/internal/domain"
)

// ErrNoData marks an explicit empty answer from a historical archive: the
// provider responded, and the response says there is nothing for the
// requested token or range. Distinct from transport failure so callers can
// classify dead tokens.
var ErrNoData = errors.New("provider reports no data")

// PriceReading is one current-price observation.
type PriceReading struct {
	Price          float64   `json:"price"`
	MarketCap      *float64  `json:"market_cap,omitempty"`
	Liquidity      *float64  `json:"liquidity,omitempty"`
	Volume24h      *float64  `json:"volume_24h,omitempty"`
	SymbolResolved string    `json:"symbol_resolved,omitempty"`
	Source         string    `json:"source"`
	At             time.Time `json:"at"`
}

// Candle is one daily OHLC bucket, day-aligned to UTC.
type Candle struct {
	Day   time.Time `json:"day"`
	Open  float64   `json:"open"`
	High  float64   `json:"high"`
	Low   float64   `json:"low"`
	Close float64   `json:"close"`
}

// TokenMetadata is what explorer-class providers contribute: identity, not
// price.
type TokenMetadata struct {
	Symbol string `json:"symbol"`
	Name   string `json:"name"`
	Source string `json:"source"`
}

// CurrentByAddress serves the current price of an on-chain address.
type CurrentByAddress interface {
	Name() string
	CurrentByAddress(ctx context.Context, ref domain.TokenRef) (PriceReading, error)
}

// CurrentBySymbol serves the current price of a ticker symbol.
type CurrentBySymbol interface {
	Name() string
	CurrentBySymbol(ctx context.Context, symbol string) (PriceReading, error)
}

// HistoricalAt serves the price of a token at a past timestamp.
type HistoricalAt interface {
	Name() string
	PriceAt(ctx context.Context, ref domain.TokenRef, at time.Time) (float64, error)
}

// ForwardOHLC serves daily candles over a window.
type ForwardOHLC interface {
	Name() string
	DailyOHLC(ctx context.Context, ref domain.TokenRef, from, to time.Time) ([]Candle, error)
}

// MetadataLookup serves token identity from on-chain explorers.
type MetadataLookup interface {
	Name() string
	Metadata(ctx context.Context, ref domain.TokenRef) (TokenMetadata, error)
}
