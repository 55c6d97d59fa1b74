// Package bootstrap replays archived mention history through the tracker:
// classify, price, backfill, admit, archive, then one chronological
// learning pass over everything the store holds. A progress cursor written
// every batch makes the run resumable after a crash.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"sort"
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

// PriceSource is the slice of the price service the orchestrator drives
// directly; the lifecycle engine carries its own. Flush persists the
// point cache at batch boundaries so a crash refetches at most one batch.
type PriceSource interface {
	GetAt(ctx context.Context, ref domain.TokenRef, at time.Time, explicitPrefix bool) (float64, error)
	GetForwardWindow(ctx context.Context, ref domain.TokenRef, entry, until time.Time, explicitPrefix bool) (price.ForwardWindow, error)
	Flush() error
}

// Config carries the orchestration knobs.
type Config struct {
	// DataDir holds the progress cursor next to the tracking files.
	DataDir string
	// ProgressInterval is how many messages one batch spans. The cursor
	// and the reputation books are flushed at each batch boundary, so a
	// crash loses at most one batch of work.
	ProgressInterval int
	// Workers bounds concurrent mention processing. Mentions sharing a
	// channel-token key always run serially, in chronological order.
	Workers int
	// RetryLimit is how many consecutive advancement failures close a
	// signal as a forced loser.
	RetryLimit int
	// PauseBase and PauseMax bound the batch pause taken when every
	// provider fails or the rate budgets run out. The pause doubles per
	// consecutive exhaustion.
	PauseBase time.Duration
	PauseMax  time.Duration
}

func (c Config) withDefaults() Config {
	if c.ProgressInterval <= 0 {
		c.ProgressInterval = 100
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
	if c.PauseMax <= 0 {
		c.PauseMax = time.Hour
	}
	return c
}

// Stats is the run report: what was admitted, what was skipped and why.
type Stats struct {
	TotalMessages   int
	Processed       int
	Admitted        int
	Archived        int
	LeftActive      int
	Duplicates      int
	Failed          int
	ForcedLosers    int
	Pauses          int
	LearnedOutcomes int
	Resumed         bool
	SkipReasons     map[string]int
}

// Runner replays history. One Run call owns the whole pass; running two
// bootstraps over the same data directory at once is not supported.
type Runner struct {
	cfg    Config
	store  *store.Store
	prices PriceSource
	engine *lifecycle.Engine
	rep    *reputation.Engine
	res    *resolve.Resolver
	sched  domain.Schedule
	log    zerolog.Logger
	now    func() time.Time
}

func NewRunner(cfg Config, st *store.Store, prices PriceSource, engine *lifecycle.Engine, rep *reputation.Engine, res *resolve.Resolver, sched domain.Schedule, log zerolog.Logger) *Runner {
	return &Runner{
		cfg:    cfg.withDefaults(),
		store:  st,
		prices: prices,
		engine: engine,
		rep:    rep,
		res:    res,
		sched:  sched,
		log:    log.With().Str("component", "bootstrap").Logger(),
		now:    time.Now,
	}
}

// Run drives mentions, already sorted chronologically, through the
// tracker. A progress cursor left by a crashed run resumes it: messages at
// or before the cursor are skipped, and the final learning pass rebuilds
// reputation from the store, so nothing is double-learned no matter where
// the previous run died.
func (r *Runner) Run(ctx context.Context, mentions []ingest.Mention) (Stats, error) {
	stats := Stats{TotalMessages: len(mentions), SkipReasons: make(map[string]int)}

	pending := mentions
	prog, resumed, err := store.LoadProgress(r.cfg.DataDir)
	if err != nil {
		return stats, err
	}
	if resumed {
		stats.Resumed = true
		stats.Processed = prog.ProcessedMessages
		stats.Admitted = prog.SuccessfulOutcomes
		stats.Failed = prog.FailedOutcomes
		kept := make([]ingest.Mention, 0, len(pending))
		for _, m := range pending {
			if m.MessageID > prog.LastProcessedMessageID {
				kept = append(kept, m)
			}
		}
		pending = kept
		r.log.Info().
			Int64("last_message_id", prog.LastProcessedMessageID).
			Int("remaining", len(pending)).
			Msg("Resuming interrupted bootstrap")
	}

	for len(pending) > 0 {
		if err := ctx.Err(); err != nil {
			r.flushBooks()
			return stats, err
		}
		n := r.cfg.ProgressInterval
		if n > len(pending) {
			n = len(pending)
		}
		batch := pending[:n]
		pending = pending[n:]

		if err := r.runBatch(ctx, batch, &stats); err != nil {
			r.flushBooks()
			return stats, err
		}
		stats.Processed += n

		cursor := store.BootstrapProgress{
			TotalMessages:          stats.TotalMessages,
			ProcessedMessages:      stats.Processed,
			LastProcessedMessageID: batch[n-1].MessageID,
			LastCheckpointTime:     r.now().UTC(),
			SuccessfulOutcomes:     stats.Admitted,
			FailedOutcomes:         stats.Failed,
		}
		if err := store.SaveProgress(r.cfg.DataDir, cursor); err != nil {
			return stats, err
		}
		r.flushBooks()
	}

	stats.LearnedOutcomes = r.relearn()
	if err := r.rep.Flush(); err != nil {
		return stats, err
	}
	if err := r.prices.Flush(); err != nil {
		return stats, err
	}
	if err := store.ClearProgress(r.cfg.DataDir); err != nil {
		return stats, err
	}

	r.log.Info().
		Int("processed", stats.Processed).
		Int("admitted", stats.Admitted).
		Int("archived", stats.Archived).
		Int("still_active", stats.LeftActive).
		Int("duplicates", stats.Duplicates).
		Int("failed", stats.Failed).
		Int("forced_losers", stats.ForcedLosers).
		Int("learned_outcomes", stats.LearnedOutcomes).
		Msg("Bootstrap complete")
	return stats, nil
}

func (r *Runner) flushBooks() {
	if err := r.rep.Flush(); err != nil {
		r.log.Error().Err(err).Msg("Reputation flush failed")
	}
	if err := r.prices.Flush(); err != nil {
		r.log.Error().Err(err).Msg("Point cache flush failed")
	}
}

type work struct {
	m       ingest.Mention
	retried bool
}

// runBatch processes one progress interval. Provider exhaustion anywhere
// in the batch pauses it; held mentions get exactly one retry after the
// pause and count failed if the wall is still there.
func (r *Runner) runBatch(ctx context.Context, batch []ingest.Mention, stats *Stats) error {
	items := make([]work, len(batch))
	for i := range batch {
		items[i] = work{m: batch[i]}
	}

	backoff := r.cfg.PauseBase
	for len(items) > 0 {
		results, retry := r.dispatch(ctx, items)
		for _, res := range results {
			r.fold(res, stats)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if len(retry) == 0 {
			return nil
		}

		stats.Pauses++
		r.log.Warn().
			Int("held_mentions", len(retry)).
			Dur("pause", backoff).
			Msg("Providers exhausted; pausing batch")
		if !r.sleep(ctx, backoff) {
			return ctx.Err()
		}
		backoff = nextPause(backoff, r.cfg.PauseMax)
		items = retry
	}
	return nil
}

// dispatch fans a batch out to the worker pool. Mentions sharing a
// channel-token key form one chain and run in order on one worker, so
// dedup always sees the earlier mention admitted first; a pause parks the
// rest of the chain for the caller to retry as a unit.
func (r *Runner) dispatch(ctx context.Context, items []work) (results []mentionResult, retry []work) {
	var order []string
	chains := make(map[string][]work)
	for _, it := range items {
		key := store.MentionKey(it.m.ChannelID, r.res.Key(it.m.Token))
		if _, ok := chains[key]; !ok {
			order = append(order, key)
		}
		chains[key] = append(chains[key], it)
	}

	sem := make(chan struct{}, r.cfg.Workers)
	resCh := make(chan mentionResult, len(items))
	retryCh := make(chan work, len(items))
	var wg sync.WaitGroup

	for _, key := range order {
		chain := chains[key]
		wg.Add(1)
		go func(chain []work) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				return
			}
			for i, it := range chain {
				if ctx.Err() != nil {
					return
				}
				res := r.processMention(ctx, it.m)
				if res.kind == outcomePaused {
					if !it.retried {
						for _, held := range chain[i:] {
							held.retried = true
							retryCh <- held
						}
						return
					}
					res.kind = outcomeFailed
				}
				resCh <- res
			}
		}(chain)
	}

	wg.Wait()
	close(resCh)
	close(retryCh)
	for res := range resCh {
		results = append(results, res)
	}
	for it := range retryCh {
		retry = append(retry, it)
	}
	return results, retry
}

type outcomeKind int

const (
	outcomeActive outcomeKind = iota
	outcomeArchived
	outcomeForcedLoser
	outcomeDuplicate
	outcomeSkipped
	outcomeFailed
	outcomePaused
)

type mentionResult struct {
	messageID int64
	kind      outcomeKind
	reason    string
	err       error
}

func (r *Runner) fold(res mentionResult, stats *Stats) {
	switch res.kind {
	case outcomeActive:
		stats.Admitted++
		stats.LeftActive++
	case outcomeArchived:
		stats.Admitted++
		stats.Archived++
	case outcomeForcedLoser:
		stats.Admitted++
		stats.Archived++
		stats.ForcedLosers++
	case outcomeDuplicate:
		stats.Duplicates++
	case outcomeSkipped:
		stats.Failed++
		stats.SkipReasons[res.reason]++
		r.log.Info().
			Int64("message_id", res.messageID).
			Str("reason", res.reason).
			Msg("Mention skipped")
	default:
		stats.Failed++
		if res.reason != "" {
			stats.SkipReasons[res.reason]++
		}
		r.log.Warn().Err(res.err).
			Int64("message_id", res.messageID).
			Msg("Mention failed")
	}
}

// processMention runs steps one through five for a single message: dedup,
// entry price, forward window, backfill, admission. The caller owns retry
// and pause policy; this function only reports what happened.
func (r *Runner) processMention(ctx context.Context, m ingest.Mention) mentionResult {
	res := mentionResult{messageID: m.MessageID}
	key := r.res.Key(m.Token)

	class := r.store.ClassifyMention(m.ChannelID, key)
	if class.Duplicate {
		res.kind = outcomeDuplicate
		return res
	}

	entryPrice, err := r.prices.GetAt(ctx, m.Token, m.EntryTime, m.ExplicitPrefix)
	if err != nil {
		return r.classifyFailure(res, err)
	}

	sig, err := domain.NewSignalOutcome(m.ChannelID, m.ChannelName, r.res.Canonical(m.Token),
		m.MessageID, class.NextSignalNumber, class.PreviousSignalIDs, m.EntryTime, entryPrice)
	if err != nil {
		res.kind = outcomeFailed
		res.err = err
		return res
	}
	pred := r.rep.Predict(m.ChannelID, key)
	sig.PredictedROI = pred.ROI
	sig.PredictionSource = pred.Source

	now := r.now().UTC()
	until := m.EntryTime.Add(r.sched.TerminalOffset())
	if until.After(now) {
		until = now
	}
	window, err := r.prices.GetForwardWindow(ctx, m.Token, m.EntryTime, until, m.ExplicitPrefix)
	if err != nil {
		if price.IsKind(err, price.FailAllProviders) || price.IsKind(err, price.FailRateBudget) {
			res.kind = outcomePaused
			res.reason = failReason(err)
			res.err = err
			return res
		}
		// A missing daily series is not fatal; the per-checkpoint probes
		// inside Backfill settle each cell on their own.
		window = price.ForwardWindow{TokenKey: key, Entry: m.EntryTime}
	}

	var ev *domain.TerminalEvent
	forced := false
	for {
		ev, err = r.engine.Backfill(ctx, sig, window, now)
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			res.kind = outcomeFailed
			res.err = ctx.Err()
			return res
		}
		if price.IsKind(err, price.FailAllProviders) || price.IsKind(err, price.FailRateBudget) {
			res.kind = outcomePaused
			res.reason = failReason(err)
			res.err = err
			return res
		}
		if sig.RetryCount < r.cfg.RetryLimit {
			continue
		}
		note := fmt.Sprintf("bootstrap: %d consecutive advancement failures, last: %v", sig.RetryCount, err)
		ev, err = r.engine.ForceLoser(sig, now, note)
		if err != nil {
			res.kind = outcomeFailed
			res.err = err
			return res
		}
		forced = true
		break
	}

	if err := r.store.AddActive(sig); err != nil {
		res.kind = outcomeFailed
		res.err = err
		return res
	}
	r.rep.RecordMention(m.ChannelID, m.ChannelName, key, m.EntryTime)

	if ev == nil {
		res.kind = outcomeActive
		return res
	}
	if _, err := r.store.Archive(m.ChannelID, key); err != nil {
		// Admitted but stuck active; the live loop owns it from here.
		res.kind = outcomeFailed
		res.err = err
		return res
	}
	if forced {
		res.kind = outcomeForcedLoser
	} else {
		res.kind = outcomeArchived
	}
	return res
}

func (r *Runner) classifyFailure(res mentionResult, err error) mentionResult {
	res.err = err
	res.reason = failReason(err)
	switch {
	case price.IsKind(err, price.FailUnavailable), price.IsDeadToken(err):
		res.kind = outcomeSkipped
	case price.IsKind(err, price.FailAllProviders), price.IsKind(err, price.FailRateBudget):
		res.kind = outcomePaused
	default:
		res.kind = outcomeFailed
	}
	return res
}

func failReason(err error) string {
	var pe *price.Error
	if errors.As(err, &pe) {
		return string(pe.Kind)
	}
	return "error"
}

// relearn rebuilds the reputation books from the store: every admitted
// mention, then every terminal outcome, both replayed in chronological
// order. Resetting first makes the pass idempotent no matter how many
// runs or crashes preceded it.
func (r *Runner) relearn() int {
	r.rep.Reset()

	active := r.store.Active()
	completed := r.store.Completed()

	admitted := make([]*domain.SignalOutcome, 0, len(active)+len(completed))
	admitted = append(admitted, active...)
	admitted = append(admitted, completed...)
	sort.Slice(admitted, func(i, j int) bool {
		if !admitted[i].EntryTime.Equal(admitted[j].EntryTime) {
			return admitted[i].EntryTime.Before(admitted[j].EntryTime)
		}
		return admitted[i].SignalID < admitted[j].SignalID
	})
	for _, sig := range admitted {
		r.rep.RecordMention(sig.ChannelID, sig.ChannelName, sig.TokenKey(), sig.EntryTime)
	}

	sort.Slice(completed, func(i, j int) bool {
		if !completed[i].CurrentTime.Equal(completed[j].CurrentTime) {
			return completed[i].CurrentTime.Before(completed[j].CurrentTime)
		}
		return completed[i].SignalID < completed[j].SignalID
	})
	learned := 0
	for _, sig := range completed {
		if err := r.rep.Learn(lifecycle.Event(sig)); err != nil {
			r.log.Warn().Err(err).Str("signal_id", sig.SignalID).Msg("Outcome not learnable")
			continue
		}
		learned++
	}
	return learned
}

func (r *Runner) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func nextPause(cur, max time.Duration) time.Duration {
	next := cur * 2
	if next > max {
		return max
	}
	return next
}
