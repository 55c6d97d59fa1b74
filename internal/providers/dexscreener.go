package providers

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sawpanic/signalrun/internal/domain"
	"github.com/sawpanic/signalrun/internal/net/httpclient"
	"github.com/sawpanic/signalrun/internal/resolve"
)

const dexScreenerBaseURL = "https://api.dexscreener.com"

// DexScreener reads DEX pair liquidity data. Best coverage for low-cap
// tokens; keyless, 300 requests/min documented.
type DexScreener struct {
	http    *httpclient.Client
	res     *resolve.Resolver
	baseURL string
	now     func() time.Time
	// tolerance bounds how stale a "price at timestamp" request may be and
	// still be answered with the current price. DexScreener has no
	// historical endpoint.
	tolerance time.Duration
}

// NewDexScreener wires the adapter. tolerance <= 0 falls back to one hour.
func NewDexScreener(http *httpclient.Client, res *resolve.Resolver, tolerance time.Duration) *DexScreener {
	if tolerance <= 0 {
		tolerance = time.Hour
	}
	return &DexScreener{
		http:      http,
		res:       res,
		baseURL:   dexScreenerBaseURL,
		now:       time.Now,
		tolerance: tolerance,
	}
}

func (d *DexScreener) Name() string { return resolve.ProviderDexScreener }

// dexPair mirrors one entry of DexScreener's pairs array. priceUsd arrives
// as a string.
type dexPair struct {
	ChainID   string `json:"chainId"`
	PriceUSD  string `json:"priceUsd"`
	BaseToken struct {
		Address string `json:"address"`
		Symbol  string `json:"symbol"`
	} `json:"baseToken"`
	Liquidity struct {
		USD float64 `json:"usd"`
	} `json:"liquidity"`
	MarketCap float64 `json:"marketCap"`
	Volume    struct {
		H24 float64 `json:"h24"`
	} `json:"volume"`
}

type dexPairsResponse struct {
	Pairs []dexPair `json:"pairs"`
}

// CurrentByAddress resolves the deepest-liquidity pair for the token on its
// chain.
func (d *DexScreener) CurrentByAddress(ctx context.Context, ref domain.TokenRef) (PriceReading, error) {
	pr, err := d.res.ForProvider(d.Name(), ref)
	if err != nil {
		return PriceReading{}, fmt.Errorf("%s: %w", d.Name(), err)
	}
	var out dexPairsResponse
	u := fmt.Sprintf("%s/latest/dex/tokens/%s", d.baseURL, url.PathEscape(pr.Address))
	if err := d.http.GetJSON(ctx, u, &out); err != nil {
		return PriceReading{}, err
	}
	best, err := d.bestPair(out.Pairs, pr.Chain)
	if err != nil {
		return PriceReading{}, err
	}
	return d.reading(best)
}

// CurrentBySymbol searches pairs by ticker and picks the deepest pool.
func (d *DexScreener) CurrentBySymbol(ctx context.Context, symbol string) (PriceReading, error) {
	var out dexPairsResponse
	u := fmt.Sprintf("%s/latest/dex/search?q=%s", d.baseURL, url.QueryEscape(symbol))
	if err := d.http.GetJSON(ctx, u, &out); err != nil {
		return PriceReading{}, err
	}
	matching := out.Pairs[:0:0]
	for _, p := range out.Pairs {
		if strings.EqualFold(p.BaseToken.Symbol, symbol) {
			matching = append(matching, p)
		}
	}
	best, err := d.bestPair(matching, "")
	if err != nil {
		return PriceReading{}, err
	}
	return d.reading(best)
}

// PriceAt only answers near-now requests: DexScreener keeps no history, so
// anything older than the tolerance is refused and the chain moves on. The
// refusal is a NotFound so dead-token classification treats it as "cannot
// answer", not as a transient failure.
func (d *DexScreener) PriceAt(ctx context.Context, ref domain.TokenRef, at time.Time) (float64, error) {
	if age := d.now().Sub(at); age > d.tolerance {
		return 0, &httpclient.ProviderError{
			Provider: d.Name(), Kind: httpclient.KindNotFound,
			Err: fmt.Errorf("timestamp %s is %s old, beyond current-price tolerance %s",
				at.Format(time.RFC3339), age.Round(time.Second), d.tolerance),
		}
	}
	var reading PriceReading
	var err error
	if ref.HasAddress() {
		reading, err = d.CurrentByAddress(ctx, ref)
	} else {
		reading, err = d.CurrentBySymbol(ctx, ref.Symbol)
	}
	if err != nil {
		return 0, err
	}
	return reading.Price, nil
}

func (d *DexScreener) bestPair(pairs []dexPair, chain string) (dexPair, error) {
	var best dexPair
	found := false
	for _, p := range pairs {
		if chain != "" && p.ChainID != chain {
			continue
		}
		if !found || p.Liquidity.USD > best.Liquidity.USD {
			best = p
			found = true
		}
	}
	if !found {
		return dexPair{}, fmt.Errorf("%s: no pairs: %w", d.Name(), ErrNoData)
	}
	return best, nil
}

func (d *DexScreener) reading(p dexPair) (PriceReading, error) {
	price, err := strconv.ParseFloat(p.PriceUSD, 64)
	if err != nil {
		return PriceReading{}, &httpclient.ProviderError{Provider: d.Name(), Kind: httpclient.KindParse, Err: err}
	}
	r := PriceReading{
		Price:          price,
		SymbolResolved: p.BaseToken.Symbol,
		Source:         d.Name(),
		At:             d.now().UTC(),
	}
	if p.MarketCap > 0 {
		mc := p.MarketCap
		r.MarketCap = &mc
	}
	if p.Liquidity.USD > 0 {
		lq := p.Liquidity.USD
		r.Liquidity = &lq
	}
	if p.Volume.H24 > 0 {
		v := p.Volume.H24
		r.Volume24h = &v
	}
	return r, nil
}

var (
	_ CurrentByAddress = (*DexScreener)(nil)
	_ CurrentBySymbol  = (*DexScreener)(nil)
	_ HistoricalAt     = (*DexScreener)(nil)
)
