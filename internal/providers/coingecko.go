package providers

import (
	"context"
	"fmt"
	"math"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/sawpanic/signalrun/internal/domain"
	"github.com/sawpanic/signalrun/internal/net/httpclient"
	"github.com/sawpanic/signalrun/internal/resolve"
)

const coinGeckoBaseURL = "https://api.coingecko.com/api/v3"

// atTolerance bounds how far the nearest archive point may sit from the
// requested timestamp before the answer counts as missing.
const coinGeckoAtTolerance = 12 * time.Hour

// geckoIDs maps major ticker symbols to CoinGecko coin ids. Only symbols in
// this table are answerable; everything else falls through the chain to
// DEX-backed sources.
var geckoIDs = map[string]string{
	"BTC":   "bitcoin",
	"ETH":   "ethereum",
	"SOL":   "solana",
	"BNB":   "binancecoin",
	"MATIC": "matic-network",
	"AVAX":  "avalanche-2",
	"ADA":   "cardano",
	"XRP":   "ripple",
	"DOGE":  "dogecoin",
	"DOT":   "polkadot",
	"TRX":   "tron",
	"LTC":   "litecoin",
	"SHIB":  "shiba-inu",
	"PEPE":  "pepe",
	"UNI":   "uniswap",
	"ATOM":  "cosmos",
	"FTM":   "fantom",
	"ARB":   "arbitrum",
	"OP":    "optimism",
	"SUI":   "sui",
	"TON":   "the-open-network",
	"WIF":   "dogwifcoin",
	"BONK":  "bonk",
}

// CoinGecko is the generalist index and the free historical archive. It is
// the only keyless source for arbitrary past timestamps.
type CoinGecko struct {
	http    *httpclient.Client
	res     *resolve.Resolver
	baseURL string
	now     func() time.Time
	ids     map[string]string
}

func NewCoinGecko(http *httpclient.Client, res *resolve.Resolver) *CoinGecko {
	return &CoinGecko{http: http, res: res, baseURL: coinGeckoBaseURL, now: time.Now, ids: geckoIDs}
}

func (g *CoinGecko) Name() string { return resolve.ProviderCoinGecko }

// coinMarket mirrors one /coins/markets row.
type coinMarket struct {
	ID           string  `json:"id"`
	Symbol       string  `json:"symbol"`
	CurrentPrice float64 `json:"current_price"`
	MarketCap    float64 `json:"market_cap"`
	TotalVolume  float64 `json:"total_volume"`
}

// marketChart mirrors /coins/{id}/market_chart/range: [ms, value] rows.
type marketChart struct {
	Prices [][2]float64 `json:"prices"`
}

func (g *CoinGecko) idFor(symbol string) (string, bool) {
	id, ok := g.ids[strings.ToUpper(symbol)]
	return id, ok
}

// CurrentBySymbol answers majors from the markets endpoint. Unknown tickers
// return NotFound so the fallback chain proceeds to DEX search.
func (g *CoinGecko) CurrentBySymbol(ctx context.Context, symbol string) (PriceReading, error) {
	id, ok := g.idFor(symbol)
	if !ok {
		return PriceReading{}, &httpclient.ProviderError{
			Provider: g.Name(), Kind: httpclient.KindNotFound,
			Err: fmt.Errorf("symbol %s has no coingecko id", symbol),
		}
	}
	var rows []coinMarket
	u := fmt.Sprintf("%s/coins/markets?vs_currency=usd&ids=%s&order=market_cap_desc&per_page=1&page=1&sparkline=false",
		g.baseURL, url.QueryEscape(id))
	if err := g.http.GetJSON(ctx, u, &rows); err != nil {
		return PriceReading{}, err
	}
	if len(rows) == 0 || rows[0].CurrentPrice <= 0 {
		return PriceReading{}, fmt.Errorf("%s: %s: %w", g.Name(), id, ErrNoData)
	}
	row := rows[0]
	r := PriceReading{
		Price:          row.CurrentPrice,
		SymbolResolved: strings.ToUpper(row.Symbol),
		Source:         g.Name(),
		At:             g.now().UTC(),
	}
	if row.MarketCap > 0 {
		mc := row.MarketCap
		r.MarketCap = &mc
	}
	if row.TotalVolume > 0 {
		v := row.TotalVolume
		r.Volume24h = &v
	}
	return r, nil
}

// PriceAt pulls the archive window around the timestamp and returns the
// nearest point. An empty prices array is the archive explicitly saying the
// token has no data there.
func (g *CoinGecko) PriceAt(ctx context.Context, ref domain.TokenRef, at time.Time) (float64, error) {
	chart, err := g.chartRange(ctx, ref, at.Add(-24*time.Hour), at.Add(24*time.Hour))
	if err != nil {
		return 0, err
	}
	if len(chart.Prices) == 0 {
		return 0, fmt.Errorf("%s: empty range at %s: %w", g.Name(), at.Format(time.RFC3339), ErrNoData)
	}
	target := float64(at.UnixMilli())
	bestPrice, bestDist := 0.0, math.MaxFloat64
	for _, p := range chart.Prices {
		if d := math.Abs(p[0] - target); d < bestDist {
			bestDist = d
			bestPrice = p[1]
		}
	}
	if bestDist > float64(coinGeckoAtTolerance.Milliseconds()) {
		return 0, fmt.Errorf("%s: nearest point %.0f min away: %w",
			g.Name(), bestDist/60000, ErrNoData)
	}
	if bestPrice <= 0 {
		return 0, fmt.Errorf("%s: non-positive archive price: %w", g.Name(), ErrNoData)
	}
	return bestPrice, nil
}

// DailyOHLC folds the archive's point series into UTC daily candles. The
// range endpoint auto-selects granularity (hourly under 90 days), which is
// enough to derive open/high/low/close per day.
func (g *CoinGecko) DailyOHLC(ctx context.Context, ref domain.TokenRef, from, to time.Time) ([]Candle, error) {
	chart, err := g.chartRange(ctx, ref, from, to)
	if err != nil {
		return nil, err
	}
	if len(chart.Prices) == 0 {
		return nil, fmt.Errorf("%s: empty range %s..%s: %w",
			g.Name(), from.Format("2006-01-02"), to.Format("2006-01-02"), ErrNoData)
	}
	return foldDaily(chart.Prices), nil
}

func (g *CoinGecko) chartRange(ctx context.Context, ref domain.TokenRef, from, to time.Time) (marketChart, error) {
	if ref.Symbol == "" {
		return marketChart{}, &httpclient.ProviderError{
			Provider: g.Name(), Kind: httpclient.KindNotFound,
			Err: fmt.Errorf("archive lookups need a symbol, got %s", ref.Key()),
		}
	}
	id, ok := g.idFor(ref.Symbol)
	if !ok {
		return marketChart{}, &httpclient.ProviderError{
			Provider: g.Name(), Kind: httpclient.KindNotFound,
			Err: fmt.Errorf("symbol %s has no coingecko id", ref.Symbol),
		}
	}
	var chart marketChart
	u := fmt.Sprintf("%s/coins/%s/market_chart/range?vs_currency=usd&from=%d&to=%d",
		g.baseURL, url.PathEscape(id), from.Unix(), to.Unix())
	if err := g.http.GetJSON(ctx, u, &chart); err != nil {
		return marketChart{}, err
	}
	return chart, nil
}

// foldDaily groups [ms, price] points into UTC-day candles.
func foldDaily(points [][2]float64) []Candle {
	byDay := make(map[time.Time][][2]float64)
	for _, p := range points {
		ts := time.UnixMilli(int64(p[0])).UTC()
		day := time.Date(ts.Year(), ts.Month(), ts.Day(), 0, 0, 0, 0, time.UTC)
		byDay[day] = append(byDay[day], p)
	}
	days := make([]time.Time, 0, len(byDay))
	for day := range byDay {
		days = append(days, day)
	}
	sort.Slice(days, func(i, j int) bool { return days[i].Before(days[j]) })

	candles := make([]Candle, 0, len(days))
	for _, day := range days {
		pts := byDay[day]
		sort.Slice(pts, func(i, j int) bool { return pts[i][0] < pts[j][0] })
		c := Candle{
			Day:  day,
			Open: pts[0][1],
			High: pts[0][1],
			Low:  pts[0][1],
		}
		for _, p := range pts {
			if p[1] > c.High {
				c.High = p[1]
			}
			if p[1] < c.Low {
				c.Low = p[1]
			}
		}
		c.Close = pts[len(pts)-1][1]
		candles = append(candles, c)
	}
	return candles
}

var (
	_ CurrentBySymbol = (*CoinGecko)(nil)
	_ HistoricalAt    = (*CoinGecko)(nil)
	_ ForwardOHLC     = (*CoinGecko)(nil)
)
