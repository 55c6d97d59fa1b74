package providers

import (
	"context"
	"fmt"
	"net/url"

	"github.com/sawpanic/signalrun/internal/domain"
	"github.com/sawpanic/signalrun/internal/net/httpclient"
	"github.com/sawpanic/signalrun/internal/resolve"
)

const etherscanBaseURL = "https://api.etherscan.io/v2/api"

// Etherscan is the on-chain explorer at the end of the address chain. It
// contributes token identity only; it never prices anything, so a lookup
// that lands here confirms the contract exists while the price stays
// unavailable.
type Etherscan struct {
	http    *httpclient.Client
	res     *resolve.Resolver
	baseURL string
	apiKey  string
}

func NewEtherscan(http *httpclient.Client, res *resolve.Resolver, apiKey string) *Etherscan {
	return &Etherscan{http: http, res: res, baseURL: etherscanBaseURL, apiKey: apiKey}
}

func (e *Etherscan) Name() string { return resolve.ProviderEtherscan }

type etherscanResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Result  []struct {
		TokenName string `json:"tokenName"`
		Symbol    string `json:"symbol"`
	} `json:"result"`
}

// Metadata fetches tokeninfo keyed by the chain id spelling.
func (e *Etherscan) Metadata(ctx context.Context, ref domain.TokenRef) (TokenMetadata, error) {
	pr, err := e.res.ForProvider(e.Name(), ref)
	if err != nil {
		return TokenMetadata{}, fmt.Errorf("%s: %w", e.Name(), err)
	}
	u := fmt.Sprintf("%s?chainid=%s&module=token&action=tokeninfo&contractaddress=%s&apikey=%s",
		e.baseURL, url.QueryEscape(pr.Chain), url.QueryEscape(pr.Address), url.QueryEscape(e.apiKey))

	var out etherscanResponse
	if err := e.http.GetJSON(ctx, u, &out); err != nil {
		return TokenMetadata{}, err
	}
	if out.Status != "1" || len(out.Result) == 0 {
		return TokenMetadata{}, &httpclient.ProviderError{
			Provider: e.Name(), Kind: httpclient.KindNotFound,
			Err: fmt.Errorf("tokeninfo: %s", out.Message),
		}
	}
	return TokenMetadata{
		Symbol: out.Result[0].Symbol,
		Name:   out.Result[0].TokenName,
		Source: e.Name(),
	}, nil
}

var _ MetadataLookup = (*Etherscan)(nil)
