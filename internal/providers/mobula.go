package providers

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/sawpanic/signalrun/internal/domain"
	"github.com/sawpanic/signalrun/internal/net/httpclient"
	"github.com/sawpanic/signalrun/internal/resolve"
)

const mobulaBaseURL = "https://api.mobula.io/api/1"

// Mobula is the multi-chain index: second line for address lookups when the
// DEX aggregator has no pair.
type Mobula struct {
	http    *httpclient.Client
	res     *resolve.Resolver
	baseURL string
	now     func() time.Time
}

func NewMobula(http *httpclient.Client, res *resolve.Resolver) *Mobula {
	return &Mobula{http: http, res: res, baseURL: mobulaBaseURL, now: time.Now}
}

func (m *Mobula) Name() string { return resolve.ProviderMobula }

type mobulaMarketData struct {
	Data struct {
		Price     float64 `json:"price"`
		MarketCap float64 `json:"market_cap"`
		Liquidity float64 `json:"liquidity"`
		Volume    float64 `json:"volume"`
		Symbol    string  `json:"symbol"`
	} `json:"data"`
}

// CurrentByAddress queries market/data with the blockchain spelling Mobula
// expects ("evm:1", "solana", ...).
func (m *Mobula) CurrentByAddress(ctx context.Context, ref domain.TokenRef) (PriceReading, error) {
	pr, err := m.res.ForProvider(m.Name(), ref)
	if err != nil {
		return PriceReading{}, fmt.Errorf("%s: %w", m.Name(), err)
	}
	var out mobulaMarketData
	u := fmt.Sprintf("%s/market/data?asset=%s&blockchain=%s",
		m.baseURL, url.QueryEscape(pr.Address), url.QueryEscape(pr.Chain))
	if err := m.http.GetJSON(ctx, u, &out); err != nil {
		return PriceReading{}, err
	}
	if out.Data.Price <= 0 {
		return PriceReading{}, fmt.Errorf("%s: no market data: %w", m.Name(), ErrNoData)
	}
	r := PriceReading{
		Price:          out.Data.Price,
		SymbolResolved: out.Data.Symbol,
		Source:         m.Name(),
		At:             m.now().UTC(),
	}
	if out.Data.MarketCap > 0 {
		mc := out.Data.MarketCap
		r.MarketCap = &mc
	}
	if out.Data.Liquidity > 0 {
		lq := out.Data.Liquidity
		r.Liquidity = &lq
	}
	if out.Data.Volume > 0 {
		v := out.Data.Volume
		r.Volume24h = &v
	}
	return r, nil
}

// Compile-time interface check.
var _ CurrentByAddress = (*Mobula)(nil)
