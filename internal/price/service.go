// Package price is the data service every orchestrator prices through.
// Queries are typed by what is asked (current by address, current by
// symbol, at a past timestamp, forward daily OHLC) and each type walks its
// own ordered provider chain. Historical answers land in the persistent
// daily point cache; current answers in the short TTL cache.
package price

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/sawpanic/signalrun/internal/domain"
	"github.com/sawpanic/signalrun/internal/providers"
	"github.com/sawpanic/signalrun/internal/resolve"
)

// Chains holds the ordered providers per query type.
type Chains struct {
	AddressCurrent []providers.CurrentByAddress
	SymbolCurrent  []providers.CurrentBySymbol
	HistoricalAt   []providers.HistoricalAt
	Forward        []providers.ForwardOHLC
	Metadata       []providers.MetadataLookup
}

// ForwardWindow is the OHLC series over [entry, until] with the peak
// already derived: ATH is the max candle high, days to ATH counted from
// entry.
type ForwardWindow struct {
	TokenKey  string             `json:"token_key"`
	Entry     time.Time          `json:"entry"`
	Candles   []providers.Candle `json:"candles"`
	ATHPrice  float64            `json:"ath_price"`
	ATHTime   time.Time          `json:"ath_time"`
	DaysToATH float64            `json:"days_to_ath"`
}

// Service answers price questions through fallback chains and two caches.
type Service struct {
	res    *resolve.Resolver
	chains Chains
	hot    HotCache
	points *PointCache
	sched  domain.Schedule
	log    zerolog.Logger
	now    func() time.Time
}

// NewService wires the service. hot may be nil (no current-price caching);
// points must not be.
func NewService(res *resolve.Resolver, chains Chains, hot HotCache, points *PointCache, sched domain.Schedule, log zerolog.Logger) *Service {
	return &Service{
		res:    res,
		chains: chains,
		hot:    hot,
		points: points,
		sched:  sched,
		log:    log.With().Str("component", "price_service").Logger(),
		now:    time.Now,
	}
}

// SmartCheckpoints returns the checkpoints whose offset has elapsed between
// entry and now. Pure; no I/O.
func (s *Service) SmartCheckpoints(entry, now time.Time) []domain.Checkpoint {
	return s.sched.Elapsed(entry, now)
}

// Flush persists dirty point-cache files. Called at checkpoint boundaries.
func (s *Service) Flush() error { return s.points.Flush() }

// admit applies the ambiguous-symbol rule to bare-symbol references.
func (s *Service) admit(ref domain.TokenRef, explicitPrefix bool) error {
	if ref.HasAddress() {
		return nil
	}
	return s.res.AdmitSymbol(ref.Symbol, explicitPrefix)
}

// GetCurrent prices a token right now. Address references walk the DEX
// chain and finish on the explorer, which can only confirm the token
// exists; symbols walk the generalist chain.
func (s *Service) GetCurrent(ctx context.Context, ref domain.TokenRef, explicitPrefix bool) (providers.PriceReading, error) {
	if err := s.admit(ref, explicitPrefix); err != nil {
		return providers.PriceReading{}, &Error{
			Kind: FailUnavailable, Op: "get_current", Token: ref.Key(), Causes: []error{err},
		}
	}

	key := ref.Key()
	if s.hot != nil {
		if r, ok := s.hot.Get(ctx, key); ok {
			return r, nil
		}
	}

	var reading providers.PriceReading
	var err error
	if ref.HasAddress() {
		reading, err = s.currentByAddress(ctx, ref)
	} else {
		reading, err = s.currentBySymbol(ctx, ref.Symbol)
	}
	if err != nil {
		return providers.PriceReading{}, err
	}

	if s.hot != nil {
		s.hot.Set(ctx, key, reading)
	}
	return reading, nil
}

func (s *Service) currentByAddress(ctx context.Context, ref domain.TokenRef) (providers.PriceReading, error) {
	var causes []error
	for _, p := range s.chains.AddressCurrent {
		reading, err := p.CurrentByAddress(ctx, ref)
		if err == nil {
			return reading, nil
		}
		s.log.Debug().Err(err).Str("provider", p.Name()).Str("token", ref.Key()).Msg("Current price attempt failed")
		causes = append(causes, err)
	}

	// Explorer leg: identity only. A hit proves the contract exists while
	// the price stays unavailable, which is a different answer than
	// "everything failed".
	for _, m := range s.chains.Metadata {
		md, err := m.Metadata(ctx, ref)
		if err != nil {
			causes = append(causes, err)
			continue
		}
		s.log.Debug().Str("provider", m.Name()).Str("symbol", md.Symbol).Msg("Explorer confirmed token without price")
		return providers.PriceReading{}, &Error{
			Kind: FailUnavailable, Op: "get_current", Token: ref.Key(), Causes: causes,
		}
	}
	return providers.PriceReading{}, classify("get_current", ref.Key(), causes)
}

func (s *Service) currentBySymbol(ctx context.Context, symbol string) (providers.PriceReading, error) {
	var causes []error
	for _, p := range s.chains.SymbolCurrent {
		reading, err := p.CurrentBySymbol(ctx, symbol)
		if err == nil {
			return reading, nil
		}
		s.log.Debug().Err(err).Str("provider", p.Name()).Str("symbol", symbol).Msg("Current price attempt failed")
		causes = append(causes, err)
	}
	return providers.PriceReading{}, classify("get_current", symbol, causes)
}

// GetAt prices a token at a past timestamp. Wrapped natives fold to their
// canonical asset first; cache hits never touch the network or the
// limiter.
func (s *Service) GetAt(ctx context.Context, ref domain.TokenRef, at time.Time, explicitPrefix bool) (float64, error) {
	if err := s.admit(ref, explicitPrefix); err != nil {
		return 0, &Error{Kind: FailUnavailable, Op: "get_at", Token: ref.Key(), Causes: []error{err}}
	}
	folded := s.res.Canonical(ref)
	key := folded.Key()

	if p, ok := s.points.Get(key, at); ok {
		return p.Price, nil
	}

	var causes []error
	for _, p := range s.chains.HistoricalAt {
		value, err := p.PriceAt(ctx, folded, at)
		if err == nil {
			if value <= 0 {
				causes = append(causes, fmt.Errorf("%s: non-positive price %v", p.Name(), value))
				continue
			}
			s.points.Put(PricePoint{
				TokenKey:        key,
				TimestampBucket: at,
				Price:           value,
				SourceProvider:  p.Name(),
				FetchedAt:       s.now().UTC(),
			})
			return value, nil
		}
		s.log.Debug().Err(err).Str("provider", p.Name()).Str("token", key).Time("at", at).Msg("Historical price attempt failed")
		causes = append(causes, err)
	}
	return 0, classify("get_at", key, causes)
}

// GetForwardWindow fetches daily OHLC over [entry, until] and derives the
// peak. When every day of the window is already in the point cache the
// series is rebuilt from cache as flat candles.
func (s *Service) GetForwardWindow(ctx context.Context, ref domain.TokenRef, entry, until time.Time, explicitPrefix bool) (ForwardWindow, error) {
	if err := s.admit(ref, explicitPrefix); err != nil {
		return ForwardWindow{}, &Error{Kind: FailUnavailable, Op: "get_forward_window", Token: ref.Key(), Causes: []error{err}}
	}
	folded := s.res.Canonical(ref)
	key := folded.Key()

	if candles, ok := s.cachedWindow(key, entry, until); ok {
		return deriveWindow(key, entry, candles), nil
	}

	var causes []error
	for _, p := range s.chains.Forward {
		candles, err := p.DailyOHLC(ctx, folded, entry, until)
		if err == nil && len(candles) > 0 {
			for _, c := range candles {
				s.points.Put(PricePoint{
					TokenKey:        key,
					TimestampBucket: c.Day,
					Price:           c.Close,
					SourceProvider:  p.Name(),
					FetchedAt:       s.now().UTC(),
				})
			}
			return deriveWindow(key, entry, candles), nil
		}
		if err == nil {
			err = fmt.Errorf("%s: empty series: %w", p.Name(), providers.ErrNoData)
		}
		s.log.Debug().Err(err).Str("provider", p.Name()).Str("token", key).Msg("Forward window attempt failed")
		causes = append(causes, err)
	}
	return ForwardWindow{}, classify("get_forward_window", key, causes)
}

// cachedWindow rebuilds the window from the point cache when every UTC day
// in [entry, until] is present.
func (s *Service) cachedWindow(key string, entry, until time.Time) ([]providers.Candle, bool) {
	var candles []providers.Candle
	for day := Bucket(entry); !day.After(Bucket(until)); day = day.Add(24 * time.Hour) {
		p, ok := s.points.Get(key, day)
		if !ok {
			return nil, false
		}
		candles = append(candles, providers.Candle{
			Day: day, Open: p.Price, High: p.Price, Low: p.Price, Close: p.Price,
		})
	}
	return candles, len(candles) > 0
}

func deriveWindow(key string, entry time.Time, candles []providers.Candle) ForwardWindow {
	w := ForwardWindow{TokenKey: key, Entry: entry, Candles: candles}
	for _, c := range candles {
		if c.High > w.ATHPrice {
			w.ATHPrice = c.High
			w.ATHTime = c.Day
		}
	}
	w.DaysToATH = w.ATHTime.Sub(entry).Hours() / 24
	if w.DaysToATH < 0 {
		// Entry-day candle highs can precede the entry moment at daily
		// granularity.
		w.DaysToATH = 0
	}
	return w
}
