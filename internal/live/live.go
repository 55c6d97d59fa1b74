// Package live owns signals after bootstrap: a periodic cycle advances
// every in-progress signal against the present, archives and learns from
// the ones that go terminal, and admits fresh mentions from the stream
// as they arrive.
package live

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sawpanic/signalrun/internal/domain"
	"github.com/sawpanic/signalrun/internal/ingest"
	"github.com/sawpanic/signalrun/internal/lifecycle"
	"github.com/sawpanic/signalrun/internal/price"
	"github.com/sawpanic/signalrun/internal/reputation"
	"github.com/sawpanic/signalrun/internal/resolve"
	"github.com/sawpanic/signalrun/internal/store"
)

// PriceSource is the slice of the price service the orchestrator touches
// directly: entry pricing for fresh mentions and the cycle-boundary cache
// flush. Checkpoint observation happens inside the lifecycle engine.
type PriceSource interface {
	GetAt(ctx context.Context, ref domain.TokenRef, at time.Time, explicitPrefix bool) (float64, error)
	Flush() error
}

// Config carries the loop knobs.
type Config struct {
	// CyclePeriod spaces advancement cycles.
	CyclePeriod time.Duration
	// Workers bounds concurrent signal advancement within one cycle.
	Workers int
	// RetryLimit is how many consecutive advancement failures close a
	// signal as a forced loser.
	RetryLimit int
	// PauseBase is the wait before the single in-cycle retry taken when
	// every provider fails or the rate budgets run out. Capped at half
	// the cycle period; signals still held after the retry wait for the
	// next cycle.
	PauseBase time.Duration
}

func (c Config) withDefaults() Config {
	if c.CyclePeriod <= 0 {
		c.CyclePeriod = 2 * time.Hour
	}
	if c.Workers <= 0 {
		c.Workers = 5
	}
	if c.RetryLimit <= 0 {
		c.RetryLimit = lifecycle.DefaultTerminalRetryLimit
	}
	if c.PauseBase <= 0 {
		c.PauseBase = time.Minute
	}
	if c.PauseBase > c.CyclePeriod/2 {
		c.PauseBase = c.CyclePeriod / 2
	}
	return c
}

// Orchestrator runs the live loop. One instance owns the store's active
// set; running two against the same data directory is not supported.
type Orchestrator struct {
	cfg    Config
	store  *store.Store
	prices PriceSource
	engine *lifecycle.Engine
	rep    *reputation.Engine
	res    *resolve.Resolver
	log    zerolog.Logger
	now    func() time.Time
}

func New(cfg Config, st *store.Store, prices PriceSource, engine *lifecycle.Engine, rep *reputation.Engine, res *resolve.Resolver, log zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		cfg:    cfg.withDefaults(),
		store:  st,
		prices: prices,
		engine: engine,
		rep:    rep,
		res:    res,
		log:    log.With().Str("component", "live").Logger(),
		now:    time.Now,
	}
}

// Run cycles until ctx is cancelled. The first cycle fires immediately so
// a process that slept across checkpoint offsets catches up on start;
// mentions arriving between ticks are admitted as they come. On cancel
// the current work drains naturally and the books are flushed before
// returning.
func (o *Orchestrator) Run(ctx context.Context, mentions <-chan ingest.Mention) error {
	o.cycle(ctx)

	ticker := time.NewTicker(o.cfg.CyclePeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			o.flushBooks()
			o.log.Info().Msg("Live loop stopped")
			return ctx.Err()
		case <-ticker.C:
			o.cycle(ctx)
		case m, ok := <-mentions:
			if !ok {
				// Stream gone; the receiver reconnects on its own, but a
				// closed channel means it gave up for good. Keep cycling.
				mentions = nil
				continue
			}
			o.admit(ctx, m)
		}
	}
}

// cycleStats is one cycle's report.
type cycleStats struct {
	advanced int
	archived int
	forced   int
	failed   int
	held     int
}

func (o *Orchestrator) cycle(ctx context.Context) {
	active := o.store.Active()
	if len(active) == 0 {
		return
	}
	started := o.now()
	o.log.Info().Int("active_signals", len(active)).Msg("Advancement cycle started")

	var stats cycleStats
	held := o.advanceAll(ctx, active, &stats)
	if len(held) > 0 && ctx.Err() == nil {
		stats.held = len(held)
		o.log.Warn().
			Int("held_signals", len(held)).
			Dur("pause", o.cfg.PauseBase).
			Msg("Providers exhausted; pausing cycle")
		if o.sleep(ctx, o.cfg.PauseBase) {
			// One retry; whatever is still walled waits for the next tick.
			o.advanceAll(ctx, held, &stats)
		}
	}

	o.flushBooks()
	o.log.Info().
		Int("advanced", stats.advanced).
		Int("archived", stats.archived).
		Int("forced_losers", stats.forced).
		Int("failed", stats.failed).
		Int("held", stats.held).
		Dur("took", o.now().Sub(started)).
		Msg("Advancement cycle complete")
}

// advanceAll fans the active set out to the worker pool and returns the
// signals held back by provider exhaustion.
func (o *Orchestrator) advanceAll(ctx context.Context, sigs []*domain.SignalOutcome, stats *cycleStats) []*domain.SignalOutcome {
	sem := make(chan struct{}, o.cfg.Workers)
	heldCh := make(chan *domain.SignalOutcome, len(sigs))
	var wg sync.WaitGroup
	var mu sync.Mutex

	for _, sig := range sigs {
		wg.Add(1)
		go func(sig *domain.SignalOutcome) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				return
			}
			outcome := o.advanceSignal(ctx, sig)
			mu.Lock()
			switch outcome {
			case advanceOK:
				stats.advanced++
			case advanceArchived:
				stats.advanced++
				stats.archived++
			case advanceForced:
				stats.advanced++
				stats.archived++
				stats.forced++
			case advanceFailed:
				stats.failed++
			}
			mu.Unlock()
			if outcome == advanceHeld {
				heldCh <- sig
			}
		}(sig)
	}
	wg.Wait()
	close(heldCh)

	var held []*domain.SignalOutcome
	for sig := range heldCh {
		held = append(held, sig)
	}
	return held
}

type advanceOutcome int

const (
	advanceOK advanceOutcome = iota
	advanceArchived
	advanceForced
	advanceFailed
	advanceHeld
)

// advanceSignal runs one signal through the lifecycle engine at the
// present moment and persists whatever changed. Terminal signals are
// archived and learned from immediately; the books flush after every
// archival so a crash never loses a learned outcome.
func (o *Orchestrator) advanceSignal(ctx context.Context, sig *domain.SignalOutcome) advanceOutcome {
	now := o.now().UTC()
	ev, err := o.engine.AdvanceLive(ctx, sig, now)
	forced := false
	if err != nil {
		if ctx.Err() != nil {
			return advanceFailed
		}
		if price.IsKind(err, price.FailAllProviders) || price.IsKind(err, price.FailRateBudget) {
			o.persist(sig)
			return advanceHeld
		}
		if sig.RetryCount < o.cfg.RetryLimit {
			o.log.Warn().Err(err).
				Str("signal_id", sig.SignalID).
				Int("retry_count", sig.RetryCount).
				Msg("Advancement failed; will retry next cycle")
			o.persist(sig)
			return advanceFailed
		}
		note := fmt.Sprintf("live: %d consecutive advancement failures, last: %v", sig.RetryCount, err)
		ev, err = o.engine.ForceLoser(sig, now, note)
		if err != nil {
			o.log.Error().Err(err).Str("signal_id", sig.SignalID).Msg("Force-close failed")
			return advanceFailed
		}
		forced = true
	}

	o.persist(sig)
	if ev == nil {
		return advanceOK
	}
	if !o.archiveAndLearn(sig, ev) {
		return advanceFailed
	}
	if forced {
		return advanceForced
	}
	return advanceArchived
}

// persist rewrites the stored copy of an in-flight signal. The store holds
// clones, so captured checkpoints and retry counts are invisible until
// this runs.
func (o *Orchestrator) persist(sig *domain.SignalOutcome) {
	if err := o.store.UpdateActive(sig); err != nil {
		o.log.Error().Err(err).Str("signal_id", sig.SignalID).Msg("Signal state not persisted")
	}
}

func (o *Orchestrator) archiveAndLearn(sig *domain.SignalOutcome, ev *domain.TerminalEvent) bool {
	if _, err := o.store.Archive(sig.ChannelID, sig.TokenKey()); err != nil {
		o.log.Error().Err(err).Str("signal_id", sig.SignalID).Msg("Archive failed; signal stays active")
		return false
	}
	if err := o.rep.Learn(ev); err != nil {
		o.log.Warn().Err(err).Str("signal_id", sig.SignalID).Msg("Outcome not learnable")
	}
	if err := o.rep.Flush(); err != nil {
		o.log.Error().Err(err).Msg("Reputation flush failed")
	}
	return true
}

// admit runs a fresh mention through dedup, entry pricing, and a first
// advancement. Live mode trusts the clock: no forward windows, only the
// checkpoints already due at arrival.
func (o *Orchestrator) admit(ctx context.Context, m ingest.Mention) {
	key := o.res.Key(m.Token)

	class := o.store.ClassifyMention(m.ChannelID, key)
	if class.Duplicate {
		o.log.Debug().
			Int64("message_id", m.MessageID).
			Str("channel_id", m.ChannelID).
			Str("token", key).
			Msg("Duplicate mention")
		return
	}

	entryPrice, err := o.prices.GetAt(ctx, m.Token, m.EntryTime, m.ExplicitPrefix)
	if err != nil {
		o.log.Warn().Err(err).
			Int64("message_id", m.MessageID).
			Str("token", key).
			Msg("Mention skipped")
		return
	}

	sig, err := domain.NewSignalOutcome(m.ChannelID, m.ChannelName, o.res.Canonical(m.Token),
		m.MessageID, class.NextSignalNumber, class.PreviousSignalIDs, m.EntryTime, entryPrice)
	if err != nil {
		o.log.Warn().Err(err).Int64("message_id", m.MessageID).Msg("Mention rejected")
		return
	}
	pred := o.rep.Predict(m.ChannelID, key)
	sig.PredictedROI = pred.ROI
	sig.PredictionSource = pred.Source

	// A mention can arrive late enough to have checkpoints already due;
	// an advancement failure here is not fatal, the next cycle retries.
	ev, err := o.engine.AdvanceLive(ctx, sig, o.now().UTC())
	if err != nil {
		o.log.Warn().Err(err).Str("signal_id", sig.SignalID).Msg("First advancement failed")
		ev = nil
	}

	if err := o.store.AddActive(sig); err != nil {
		o.log.Error().Err(err).Str("signal_id", sig.SignalID).Msg("Admission failed")
		return
	}
	o.rep.RecordMention(m.ChannelID, m.ChannelName, key, m.EntryTime)
	o.log.Info().
		Str("signal_id", sig.SignalID).
		Str("token", key).
		Float64("entry_price", entryPrice).
		Float64("predicted_roi", sig.PredictedROI).
		Str("prediction_source", sig.PredictionSource).
		Msg("Signal admitted")

	if ev != nil {
		o.archiveAndLearn(sig, ev)
	}
}

func (o *Orchestrator) flushBooks() {
	if err := o.rep.Flush(); err != nil {
		o.log.Error().Err(err).Msg("Reputation flush failed")
	}
	if err := o.prices.Flush(); err != nil {
		o.log.Error().Err(err).Msg("Point cache flush failed")
	}
}

func (o *Orchestrator) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
