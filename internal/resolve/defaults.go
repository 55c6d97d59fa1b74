package resolve

import "github.com/sawpanic/signalrun/internal/domain"

// Provider names the resolver ships spellings for. The providers package
// uses the same strings as its Name() values.
const (
	ProviderDexScreener   = "dexscreener"
	ProviderMobula        = "mobula"
	ProviderCoinGecko     = "coingecko"
	ProviderCryptoCompare = "cryptocompare"
	ProviderEtherscan     = "etherscan"
)

// DefaultTables returns the built-in resolver configuration. Config files
// replace these wholesale when present.
func DefaultTables() Tables {
	return Tables{
		Aliases: AliasTable{
			Symbols: map[string]string{
				"WETH":   "ETH",
				"WBNB":   "BNB",
				"WSOL":   "SOL",
				"WMATIC": "MATIC",
				"WAVAX":  "AVAX",
				"WBTC":   "BTC",
			},
			Addresses: map[string]string{
				"evm:0xc02aaa39b223fe8d0a0e5c4f27ead9083c756cc2":      "ETH",
				"arbitrum:0x82af49447d8a07e3bd95bd0d56f35241523fbab1": "ETH",
				"base:0x4200000000000000000000000000000000000006":     "ETH",
				"bsc:0xbb4cdb9cbd36b01bd1cbaebf2de08d9173bc095c":      "BNB",
				"polygon:0x0d500b1d8e8ef31e21c99d1db9a6444d3adf1270":  "MATIC",
				"solana:so11111111111111111111111111111111111111112":  "SOL",
			},
		},
		Blocklist: map[string]BlocklistEntry{
			"ONE":  {RequiresPrefix: true},
			"LINK": {RequiresPrefix: true},
			"NEAR": {RequiresPrefix: true},
			"FLOW": {RequiresPrefix: true},
			"APE":  {RequiresPrefix: true},
			"SAND": {RequiresPrefix: true},
			"GAS":  {RequiresPrefix: true},
			"TIME": {RequiresPrefix: true},
			"MOON": {RequiresPrefix: true},
			"DUST": {RequiresPrefix: true},
		},
		ChainSpellings: map[string]map[domain.Chain]string{
			ProviderDexScreener: {
				domain.ChainEVM:      "ethereum",
				domain.ChainBSC:      "bsc",
				domain.ChainBase:     "base",
				domain.ChainArbitrum: "arbitrum",
				domain.ChainPolygon:  "polygon",
				domain.ChainSolana:   "solana",
			},
			ProviderMobula: {
				domain.ChainEVM:      "evm:1",
				domain.ChainBSC:      "evm:56",
				domain.ChainBase:     "evm:8453",
				domain.ChainArbitrum: "evm:42161",
				domain.ChainPolygon:  "evm:137",
				domain.ChainSolana:   "solana",
			},
			ProviderCoinGecko: {
				domain.ChainEVM:      "ethereum",
				domain.ChainBSC:      "binance-smart-chain",
				domain.ChainBase:     "base",
				domain.ChainArbitrum: "arbitrum-one",
				domain.ChainPolygon:  "polygon-pos",
				domain.ChainSolana:   "solana",
			},
			// Etherscan V2 keys every request by chainid. Metadata only.
			ProviderEtherscan: {
				domain.ChainEVM:      "1",
				domain.ChainBSC:      "56",
				domain.ChainBase:     "8453",
				domain.ChainArbitrum: "42161",
				domain.ChainPolygon:  "137",
			},
			// CryptoCompare is symbol-keyed; no address spellings on purpose.
		},
	}
}

// Default returns a resolver over DefaultTables. Panics only if the static
// tables are malformed, which is a programming error.
func Default() *Resolver {
	r, err := New(DefaultTables())
	if err != nil {
		panic(err)
	}
	return r
}
