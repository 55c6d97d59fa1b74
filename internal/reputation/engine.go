// Package reputation learns which channels are worth listening to. Three
// temporal-difference levels update on every terminal outcome: the channel
// overall, the (channel, token) pair, and the token across all channels.
// Fresh mentions get a prediction blended from whichever levels have data.
package reputation

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sawpanic/signalrun/internal/domain"
	"github.com/sawpanic/signalrun/internal/fsjson"
)

// ErrNumericDomain marks a learning update whose inputs or results left
// the representable range; the update is reverted, never half-applied.
var ErrNumericDomain = errors.New("reputation update outside numeric domain")

// Blend weights for the three learning levels. The channel-token pair is
// the strongest signal when it exists; the cross-channel mean is a weak
// tiebreaker.
const (
	weightOverall      = 0.4
	weightChannelToken = 0.5
	weightTokenCross   = 0.1
)

const (
	channelsName = "channels.json"
	crossName    = "cross_channel.json"
)

// Archive supplies the completed signals that aggregates are computed
// over. The tracking store satisfies it; the engine never holds signal
// records itself, only ids and keys.
type Archive interface {
	CompletedByChannel(channelID string) []*domain.SignalOutcome
}

// Config carries the learning knobs.
type Config struct {
	// Alpha is the temporal-difference step size.
	Alpha float64
	// WinnerThreshold is the ATH multiplier at which a completed signal
	// counts toward the aggregate win rate.
	WinnerThreshold float64
	// MinSignals is the evidence floor below which a channel's tier is
	// pinned at Unreliable.
	MinSignals int
}

// DefaultConfig returns the production learning parameters.
func DefaultConfig() Config {
	return Config{
		Alpha:           0.1,
		WinnerThreshold: 2.0,
		MinSignals:      5,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Alpha <= 0 {
		c.Alpha = d.Alpha
	}
	if c.WinnerThreshold <= 0 {
		c.WinnerThreshold = d.WinnerThreshold
	}
	if c.MinSignals <= 0 {
		c.MinSignals = d.MinSignals
	}
	return c
}

// Engine owns the durable learning state under <dir>/reputation/ and the
// in-memory aggregate cache over the archive. Updates for one channel are
// strictly ordered by a per-channel mutex; updates across channels only
// contend on the short map-access sections.
type Engine struct {
	dir     string
	cfg     Config
	archive Archive
	log     zerolog.Logger

	mu       sync.Mutex
	locks    map[string]*sync.Mutex
	channels map[string]*ChannelState
	cross    map[string]*CrossTokenState
	repCache map[string]*ChannelReputation
}

// Open loads the learning state from dir (the tracker's data directory),
// starting empty when no files exist. A version mismatch on either file
// is fatal; stale-schema state is never silently migrated.
func Open(dir string, cfg Config, archive Archive, log zerolog.Logger) (*Engine, error) {
	e := &Engine{
		dir:      filepath.Join(dir, "reputation"),
		cfg:      cfg.withDefaults(),
		archive:  archive,
		log:      log.With().Str("component", "reputation").Logger(),
		locks:    make(map[string]*sync.Mutex),
		channels: make(map[string]*ChannelState),
		cross:    make(map[string]*CrossTokenState),
		repCache: make(map[string]*ChannelReputation),
	}

	var cf channelsFile
	switch err := fsjson.ReadVersioned(e.channelsPath(), channelsVersion, &cf); {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("load channel reputation: %w", err)
	case cf.Channels != nil:
		e.channels = cf.Channels
	}
	var xf crossFile
	switch err := fsjson.ReadVersioned(e.crossPath(), crossVersion, &xf); {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("load cross-channel stats: %w", err)
	case xf.Tokens != nil:
		e.cross = xf.Tokens
	}

	// Maps inside records marshal away when empty; restore them.
	for _, ch := range e.channels {
		if ch.Tokens == nil {
			ch.Tokens = make(map[string]*TokenLearning)
		}
	}
	for _, cs := range e.cross {
		if cs.Channels == nil {
			cs.Channels = make(map[string]*ChannelROI)
		}
	}

	e.log.Info().
		Int("channels", len(e.channels)).
		Int("tokens", len(e.cross)).
		Msg("Reputation state loaded")
	return e, nil
}

func (e *Engine) channelsPath() string { return filepath.Join(e.dir, channelsName) }
func (e *Engine) crossPath() string    { return filepath.Join(e.dir, crossName) }

// channelLock hands out the mutex that orders one channel's updates.
func (e *Engine) channelLock(channelID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l := e.locks[channelID]
	if l == nil {
		l = &sync.Mutex{}
		e.locks[channelID] = l
	}
	return l
}

func (e *Engine) channelLocked(channelID, channelName string) *ChannelState {
	ch := e.channels[channelID]
	if ch == nil {
		ch = &ChannelState{ChannelID: channelID, Tokens: make(map[string]*TokenLearning)}
		e.channels[channelID] = ch
	}
	if channelName != "" {
		ch.ChannelName = channelName
	}
	return ch
}

func (e *Engine) crossLocked(tokenKey string) *CrossTokenState {
	cs := e.cross[tokenKey]
	if cs == nil {
		cs = &CrossTokenState{TokenKey: tokenKey, Channels: make(map[string]*ChannelROI)}
		e.cross[tokenKey] = cs
	}
	return cs
}

// Predict blends the expected ROI for a fresh mention from whichever
// learning levels have data, weights renormalized over the present ones.
// The cross-channel level only participates when some other channel has
// observed the token; a channel's own history echoing back through the
// cross mean adds nothing. With no data anywhere the prediction is a
// neutral 1.0 and the signal only bootstraps the learner.
func (e *Engine) Predict(channelID, tokenKey string) Prediction {
	e.mu.Lock()
	defer e.mu.Unlock()

	var sum, sumW float64
	levels := 0
	crossUsed := false

	if ch := e.channels[channelID]; ch != nil && ch.Observations > 0 {
		sum += weightOverall * ch.ExpectedROI
		sumW += weightOverall
		levels++
		if tl := ch.Tokens[tokenKey]; tl != nil && tl.Observations > 0 {
			sum += weightChannelToken * tl.ExpectedROI
			sumW += weightChannelToken
			levels++
		}
	}
	if cs := e.cross[tokenKey]; cs != nil && cs.Observations > 0 && crossHasOtherChannels(cs, channelID) {
		sum += weightTokenCross * cs.AvgROI
		sumW += weightTokenCross
		levels++
		crossUsed = true
	}

	if levels == 0 {
		return Prediction{ROI: 1.0, Source: SourceNone}
	}
	p := Prediction{ROI: sum / sumW}
	switch {
	case crossUsed:
		p.Source = SourceBlended
	case levels == 1:
		p.Source = SourceOverall
	default:
		p.Source = SourceChannelToken
	}
	return p
}

func crossHasOtherChannels(cs *CrossTokenState, channelID string) bool {
	for id, cr := range cs.Channels {
		if id != channelID && cr.Observations > 0 {
			return true
		}
	}
	return false
}

// RecordMention counts an admitted mention against the channel-token slot
// and the token's cross-channel record. Called after dedup and entry
// pricing succeed, so skipped mentions never inflate the counters.
func (e *Engine) RecordMention(channelID, channelName, tokenKey string, at time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ch := e.channelLocked(channelID, channelName)
	tl := ch.token(tokenKey)
	tl.Mentions++
	if at.After(tl.LastMentioned) {
		tl.LastMentioned = at
	}
	if ch.FirstSignalAt.IsZero() || at.Before(ch.FirstSignalAt) {
		ch.FirstSignalAt = at
	}
	if at.After(ch.LastSignalAt) {
		ch.LastSignalAt = at
	}
	ch.LastUpdated = time.Now().UTC()

	e.crossLocked(tokenKey).TotalMentions++
	delete(e.repCache, channelID)
}

// Learn applies one terminal outcome to all three levels. The actual is
// the ATH multiplier. A prediction recorded at mention time is scored
// against it; outcomes admitted with no prediction only train. On a
// numeric-domain violation the whole update reverts and the event is
// reported, never half-applied.
func (e *Engine) Learn(ev *domain.TerminalEvent) error {
	a := ev.ATHMultiplier
	if math.IsNaN(a) || math.IsInf(a, 0) || a <= 0 {
		e.log.Error().
			Str("signal_id", ev.SignalID).
			Str("channel_id", ev.ChannelID).
			Float64("ath_multiplier", a).
			Msg("Terminal outcome outside numeric domain")
		return ErrNumericDomain
	}

	lock := e.channelLock(ev.ChannelID)
	lock.Lock()
	defer lock.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	chSnap := e.channels[ev.ChannelID].clone()
	csSnap := e.cross[ev.TokenKey].clone()

	ch := e.channelLocked(ev.ChannelID, ev.ChannelName)
	if ch.Observations == 0 {
		ch.ExpectedROI = a
	} else {
		ch.ExpectedROI += e.cfg.Alpha * (a - ch.ExpectedROI)
	}
	ch.Observations++

	tl := ch.token(ev.TokenKey)
	if tl.Observations == 0 {
		tl.ExpectedROI = a
	} else {
		tl.ExpectedROI += e.cfg.Alpha * (a - tl.ExpectedROI)
	}
	tl.AvgROI = (tl.AvgROI*float64(tl.Observations) + a) / float64(tl.Observations+1)
	tl.Observations++

	if ev.PredictionSource != "" && ev.PredictionSource != SourceNone {
		absErr := math.Abs(ev.PredictedROI - a)
		ch.MAE = (ch.MAE*float64(ch.PredictionCount) + absErr) / float64(ch.PredictionCount+1)
		ch.PredictionCount++
		ch.PredictionHistory = append(ch.PredictionHistory, PredictionRecord{
			SignalID:  ev.SignalID,
			TokenKey:  ev.TokenKey,
			Predicted: ev.PredictedROI,
			Actual:    a,
			AbsError:  absErr,
			At:        ev.CompletedAt,
		})
		if excess := len(ch.PredictionHistory) - predictionHistoryCap; excess > 0 {
			ch.PredictionHistory = append([]PredictionRecord(nil), ch.PredictionHistory[excess:]...)
		}
		acc := math.Max(0, 1-absErr/a)
		tl.PredictionAccuracy = (tl.PredictionAccuracy*float64(tl.PredictionCount) + acc) / float64(tl.PredictionCount+1)
		tl.PredictionCount++
	}
	ch.LastUpdated = time.Now().UTC()

	cs := e.crossLocked(ev.TokenKey)
	cs.Observations++
	cs.SumROI += a
	cs.SumSqROI += a * a
	cs.AvgROI = cs.SumROI / float64(cs.Observations)
	cr := cs.Channels[ev.ChannelID]
	if cr == nil {
		cr = &ChannelROI{}
		cs.Channels[ev.ChannelID] = cr
	}
	cr.AvgROI = (cr.AvgROI*float64(cr.Observations) + a) / float64(cr.Observations+1)
	cr.Observations++
	cs.recomputeExtremes()
	cs.recomputeConsensus()

	if !finiteUpdate(ch, tl, cs) {
		e.revertLocked(ev.ChannelID, chSnap, ev.TokenKey, csSnap)
		e.log.Error().
			Str("signal_id", ev.SignalID).
			Str("channel_id", ev.ChannelID).
			Str("token_key", ev.TokenKey).
			Msg("Reputation update reverted")
		return ErrNumericDomain
	}

	delete(e.repCache, ev.ChannelID)
	e.log.Debug().
		Str("channel_id", ev.ChannelID).
		Str("token_key", ev.TokenKey).
		Float64("ath_multiplier", a).
		Float64("expected_roi", ch.ExpectedROI).
		Msg("Terminal outcome learned")
	return nil
}

func finiteUpdate(ch *ChannelState, tl *TokenLearning, cs *CrossTokenState) bool {
	for _, v := range []float64{
		ch.ExpectedROI, ch.MAE,
		tl.ExpectedROI, tl.AvgROI, tl.PredictionAccuracy,
		cs.AvgROI, cs.SumROI, cs.SumSqROI, cs.ConsensusStrength,
	} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

func (e *Engine) revertLocked(channelID string, chSnap *ChannelState, tokenKey string, csSnap *CrossTokenState) {
	if chSnap == nil {
		delete(e.channels, channelID)
	} else {
		e.channels[channelID] = chSnap
	}
	if csSnap == nil {
		delete(e.cross, tokenKey)
	} else {
		e.cross[tokenKey] = csSnap
	}
}

// Flush persists both state files atomically. Learn itself never touches
// disk; orchestrators flush after each live archival and once at the end
// of a bootstrap learning pass.
func (e *Engine) Flush() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := fsjson.WriteAtomic(e.channelsPath(), channelsFile{Version: channelsVersion, Channels: e.channels}); err != nil {
		return fmt.Errorf("persist channel reputation: %w", err)
	}
	if err := fsjson.WriteAtomic(e.crossPath(), crossFile{Version: crossVersion, Tokens: e.cross}); err != nil {
		return fmt.Errorf("persist cross-channel stats: %w", err)
	}
	return nil
}

// Reset drops every learned record. Bootstrap rebuilds reputation from the
// archive in one chronological pass, and resetting first keeps that pass
// idempotent across reruns and resumed runs. Memory only; Flush persists.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.channels = make(map[string]*ChannelState)
	e.cross = make(map[string]*CrossTokenState)
	e.repCache = make(map[string]*ChannelReputation)
}

// Reputation assembles the read model for one channel: learned state
// joined with aggregates over its archived signals. Aggregates are
// cached until the next terminal outcome or mention for the channel.
func (e *Engine) Reputation(channelID string) (*ChannelReputation, bool) {
	e.mu.Lock()
	if rep := e.repCache[channelID]; rep != nil {
		out := rep.clone()
		e.mu.Unlock()
		return out, true
	}
	if e.channels[channelID] == nil {
		e.mu.Unlock()
		return nil, false
	}
	e.mu.Unlock()

	// Aggregate outside the engine lock; the archive takes its own.
	agg := ComputeAggregates(e.archive.CompletedByChannel(channelID), e.cfg.WinnerThreshold)

	e.mu.Lock()
	defer e.mu.Unlock()
	ch := e.channels[channelID]
	if ch == nil {
		return nil, false
	}
	score := agg.Score()
	rep := &ChannelReputation{
		ChannelID:             ch.ChannelID,
		ChannelName:           ch.ChannelName,
		Aggregates:            agg,
		ExpectedROI:           ch.ExpectedROI,
		PredictionCount:       ch.PredictionCount,
		MAE:                   ch.MAE,
		PredictionHistory:     append([]PredictionRecord(nil), ch.PredictionHistory...),
		ReputationScore:       score,
		ReputationTier:        TierFor(score, agg.TotalSignals, e.cfg.MinSignals),
		RecommendedHoldPeriod: agg.HoldPeriod(),
		Tokens:                make(map[string]*TokenLearning, len(ch.Tokens)),
		FirstSignalAt:         ch.FirstSignalAt,
		LastSignalAt:          ch.LastSignalAt,
		LastUpdated:           ch.LastUpdated,
	}
	for k, tl := range ch.Tokens {
		t := *tl
		rep.Tokens[k] = &t
	}
	e.repCache[channelID] = rep
	return rep.clone(), true
}

// Rankings returns every known channel's reputation sorted best first;
// equal scores order by channel id so the ranking is stable.
func (e *Engine) Rankings() []*ChannelReputation {
	e.mu.Lock()
	ids := make([]string, 0, len(e.channels))
	for id := range e.channels {
		ids = append(ids, id)
	}
	e.mu.Unlock()

	reps := make([]*ChannelReputation, 0, len(ids))
	for _, id := range ids {
		if rep, ok := e.Reputation(id); ok {
			reps = append(reps, rep)
		}
	}
	sort.Slice(reps, func(i, j int) bool {
		if reps[i].ReputationScore != reps[j].ReputationScore {
			return reps[i].ReputationScore > reps[j].ReputationScore
		}
		return reps[i].ChannelID < reps[j].ChannelID
	})
	return reps
}

// TokenStats returns a copy of one token's cross-channel record.
func (e *Engine) TokenStats(tokenKey string) (*CrossTokenState, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	cs := e.cross[tokenKey]
	if cs == nil {
		return nil, false
	}
	return cs.clone(), true
}

// TokenStatsAll returns every token's cross-channel record, ordered by
// token key.
func (e *Engine) TokenStatsAll() []*CrossTokenState {
	e.mu.Lock()
	defer e.mu.Unlock()
	keys := make([]string, 0, len(e.cross))
	for k := range e.cross {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]*CrossTokenState, 0, len(keys))
	for _, k := range keys {
		out = append(out, e.cross[k].clone())
	}
	return out
}

// Counts reports how many channels and tokens the learner has state for.
func (e *Engine) Counts() (channels, tokens int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.channels), len(e.cross)
}
