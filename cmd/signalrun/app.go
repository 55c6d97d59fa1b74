package main

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/signalrun/internal/config"
	"github.com/sawpanic/signalrun/internal/domain"
	"github.com/sawpanic/signalrun/internal/export"
	"github.com/sawpanic/signalrun/internal/lifecycle"
	"github.com/sawpanic/signalrun/internal/net/httpclient"
	"github.com/sawpanic/signalrun/internal/net/ratelimit"
	"github.com/sawpanic/signalrun/internal/persistence"
	"github.com/sawpanic/signalrun/internal/price"
	"github.com/sawpanic/signalrun/internal/providers"
	"github.com/sawpanic/signalrun/internal/reputation"
	"github.com/sawpanic/signalrun/internal/resolve"
	"github.com/sawpanic/signalrun/internal/store"
)

const userAgent = appName + "/" + version

// app is the wiring every subcommand shares: config, resolver, schedule,
// the tracking books, and the optional Postgres mirror. The provider fetch
// stack is attached separately by the commands that price.
type app struct {
	cfg     *config.Config
	store   *store.Store
	rep     *reputation.Engine
	res     *resolve.Resolver
	sched   domain.Schedule
	persist *persistence.Manager
	log     zerolog.Logger
}

// openApp loads config and the books. ctx bounds the mirror's startup
// ping; everything else is local file I/O.
func openApp(ctx context.Context, cfgPath string) (*app, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	logger := log.Logger

	sched, err := cfg.Schedule()
	if err != nil {
		return nil, err
	}
	tables, err := cfg.LoadTables()
	if err != nil {
		return nil, err
	}
	res, err := resolve.New(tables)
	if err != nil {
		return nil, err
	}

	st, err := store.Open(cfg.DataDir, logger)
	if err != nil {
		return nil, err
	}
	mirrorCfg := persistence.Config{
		Enabled:         cfg.Mirror.Enabled,
		DSN:             cfg.Mirror.DSN,
		MaxOpenConns:    cfg.Mirror.MaxOpenConns,
		MaxIdleConns:    cfg.Mirror.MaxIdleConns,
		ConnMaxLifetime: cfg.Mirror.ConnMaxLifetime(),
		QueryTimeout:    cfg.Mirror.QueryTimeout(),
	}
	persist, err := persistence.Open(ctx, mirrorCfg, logger)
	if err != nil {
		// The mirror is best-effort; a dead database must not take the
		// tracker down.
		logger.Warn().Err(err).Msg("Postgres mirror unavailable; tracking continues without it")
		mirrorCfg.Enabled = false
		persist, _ = persistence.Open(ctx, mirrorCfg, logger)
	}
	if persist.IsEnabled() {
		st.SetMirror(persist.Mirror())
	}

	rep, err := reputation.Open(cfg.DataDir, reputation.Config{
		Alpha:           cfg.TDAlpha,
		WinnerThreshold: cfg.WinnerATHThreshold,
		MinSignals:      cfg.MinSignalsForReputation,
	}, st, logger)
	if err != nil {
		return nil, err
	}

	return &app{
		cfg:     cfg,
		store:   st,
		rep:     rep,
		res:     res,
		sched:   sched,
		persist: persist,
		log:     logger,
	}, nil
}

func (a *app) Close() {
	if err := a.persist.Close(); err != nil {
		a.log.Warn().Err(err).Msg("Closing postgres mirror failed")
	}
}

func (a *app) exporter() *export.Exporter {
	return export.New(export.Config{WinnerThreshold: a.cfg.WinnerATHThreshold}, a.store, a.rep, a.log)
}

// budgets registers every enabled provider's documented allowance with a
// fresh limiter.
func (a *app) budgets() (*ratelimit.Manager, error) {
	limits := ratelimit.NewManager()
	for _, p := range a.cfg.EnabledProviders() {
		if err := limits.SetBudget(p.Name, ratelimit.Budget{PerMinute: p.RatePerMinute, PerDay: p.DailyBudget}); err != nil {
			return nil, err
		}
	}
	return limits, nil
}

// pricing is the fetch stack: shared limiter, one client per provider in
// fallback order, both caches, the price service, and the lifecycle engine
// built on it.
type pricing struct {
	limits *ratelimit.Manager
	prices *price.Service
	engine *lifecycle.Engine
	redis  *redis.Client
}

func (a *app) pricing() (*pricing, error) {
	limits, err := a.budgets()
	if err != nil {
		return nil, err
	}

	var (
		ds *providers.DexScreener
		mb *providers.Mobula
		cg *providers.CoinGecko
		cc *providers.CryptoCompare
		es *providers.Etherscan
	)
	for _, p := range a.cfg.EnabledProviders() {
		client := httpclient.New(httpclient.Config{
			Provider:       p.Name,
			RequestTimeout: p.RequestTimeout(),
			UserAgent:      userAgent,
			Headers:        apiKeyHeaders(p.Name, p.APIKey),
		}, limits, a.log)

		switch p.Name {
		case resolve.ProviderDexScreener:
			ds = providers.NewDexScreener(client, a.res, 0)
		case resolve.ProviderMobula:
			mb = providers.NewMobula(client, a.res)
		case resolve.ProviderCoinGecko:
			cg = providers.NewCoinGecko(client, a.res)
		case resolve.ProviderCryptoCompare:
			cc = providers.NewCryptoCompare(client)
		case resolve.ProviderEtherscan:
			es = providers.NewEtherscan(client, a.res, p.APIKey)
		default:
			return nil, &config.Error{Option: "providers", Reason: fmt.Sprintf("no adapter for provider %q", p.Name)}
		}
	}
	chains := assembleChains(ds, mb, cg, cc, es)

	points, err := price.NewPointCache(a.priceCacheDir(), a.log)
	if err != nil {
		return nil, err
	}

	var hot price.HotCache
	var rdb *redis.Client
	if a.cfg.Redis.Enabled {
		rdb = redis.NewClient(&redis.Options{Addr: a.cfg.Redis.Addr, DB: a.cfg.Redis.DB})
		hot = price.NewRedisHotCache(rdb, a.cfg.Redis.CacheTTL(), a.log)
	} else {
		hot = price.NewMemoryHotCache(a.cfg.Redis.CacheTTL())
	}

	prices := price.NewService(a.res, chains, hot, points, a.sched, a.log)
	engine := lifecycle.NewEngine(prices, a.sched, a.log)
	return &pricing{limits: limits, prices: prices, engine: engine, redis: rdb}, nil
}

// assembleChains fixes each query type's fallback order no matter how the
// config lists the providers; the list controls enablement, budgets and
// keys only. Addresses price through liquidity-driven sources, symbols
// through the generalist index first, and past timestamps walk the
// archives before the DEX's near-now answer, which is a last resort.
func assembleChains(ds *providers.DexScreener, mb *providers.Mobula, cg *providers.CoinGecko, cc *providers.CryptoCompare, es *providers.Etherscan) price.Chains {
	var chains price.Chains
	if ds != nil {
		chains.AddressCurrent = append(chains.AddressCurrent, ds)
	}
	if mb != nil {
		chains.AddressCurrent = append(chains.AddressCurrent, mb)
	}
	if cg != nil {
		chains.SymbolCurrent = append(chains.SymbolCurrent, cg)
	}
	if ds != nil {
		chains.SymbolCurrent = append(chains.SymbolCurrent, ds)
	}
	if cg != nil {
		chains.HistoricalAt = append(chains.HistoricalAt, cg)
	}
	if cc != nil {
		chains.HistoricalAt = append(chains.HistoricalAt, cc)
	}
	if ds != nil {
		chains.HistoricalAt = append(chains.HistoricalAt, ds)
	}
	if cg != nil {
		chains.Forward = append(chains.Forward, cg)
	}
	if cc != nil {
		chains.Forward = append(chains.Forward, cc)
	}
	if es != nil {
		chains.Metadata = append(chains.Metadata, es)
	}
	return chains
}

func (p *pricing) Close() {
	if p.redis != nil {
		p.redis.Close()
	}
}

func (a *app) priceCacheDir() string {
	return filepath.Join(a.cfg.DataDir, "price_cache")
}

// apiKeyHeaders returns the auth header each upstream documents. Empty key
// means the free anonymous tier. Etherscan carries its key as a query
// parameter instead; its adapter owns that.
func apiKeyHeaders(name, key string) map[string]string {
	if key == "" {
		return nil
	}
	switch name {
	case resolve.ProviderCoinGecko:
		return map[string]string{"x-cg-demo-api-key": key}
	case resolve.ProviderMobula:
		return map[string]string{"Authorization": key}
	case resolve.ProviderCryptoCompare:
		return map[string]string{"Authorization": "Apikey " + key}
	default:
		return nil
	}
}
