package metrics

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/sawpanic/signalrun/internal/domain"
	"github.com/sawpanic/signalrun/internal/net/ratelimit"
	"github.com/sawpanic/signalrun/internal/reputation"
	"github.com/sawpanic/signalrun/internal/store"
)

// defaultInterval spaces collection passes. The books change on cycle
// and batch boundaries, so anything near human refresh rates is plenty.
const defaultInterval = 30 * time.Second

// Collector polls the books into the registry's gauges. Counters are
// instrumented at their call sites; gauges reflect whatever the store,
// the learner, and the rate limiter report at poll time.
type Collector struct {
	reg      *Registry
	store    *store.Store
	rep      *reputation.Engine
	limits   *ratelimit.Manager
	interval time.Duration
	log      zerolog.Logger
}

// NewCollector wires a poll loop over the given sources. limits may be
// nil when the process runs without a price service.
func NewCollector(reg *Registry, st *store.Store, rep *reputation.Engine, limits *ratelimit.Manager, log zerolog.Logger) *Collector {
	return &Collector{
		reg:      reg,
		store:    st,
		rep:      rep,
		limits:   limits,
		interval: defaultInterval,
		log:      log.With().Str("component", "metrics").Logger(),
	}
}

// StartCollection polls until ctx is cancelled. The first pass runs
// immediately so /metrics is populated as soon as the server is up.
func (c *Collector) StartCollection(ctx context.Context) {
	c.Collect()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			c.log.Info().Msg("Metrics collection stopped")
			return
		case <-ticker.C:
			c.Collect()
		}
	}
}

// Collect runs one poll pass.
func (c *Collector) Collect() {
	active, _ := c.store.Counts()
	c.reg.ActiveSignals.Set(float64(active))

	byOutcome := make(map[domain.OutcomeCategory]int)
	for _, sig := range c.store.Completed() {
		byOutcome[sig.OutcomeCategory]++
	}
	c.reg.CompletedSignals.Reset()
	for outcome, n := range byOutcome {
		c.reg.CompletedSignals.WithLabelValues(string(outcome)).Set(float64(n))
	}

	channels, tokens := c.rep.Counts()
	c.reg.TrackedChannels.Set(float64(channels))
	c.reg.TrackedTokens.Set(float64(tokens))

	if c.limits != nil {
		for name, ps := range c.limits.Stats() {
			c.reg.ProviderBudgetUsed.WithLabelValues(name).Set(float64(ps.DailyUsed))
			c.reg.ProviderBudgetCap.WithLabelValues(name).Set(float64(ps.DailyCap))
			c.reg.ProviderTokens.WithLabelValues(name).Set(ps.TokensAvailable)
		}
	}
}
