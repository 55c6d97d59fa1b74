// Package export assembles the outbound read models: flat row sets over
// the tracking store and the reputation books that downstream exporters
// consume without mutation. Five models exist: per-message context,
// channel rankings, channel-token performance, token cross-channel
// consensus, and per-signal performance.
package export

import (
	"path/filepath"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/sawpanic/signalrun/internal/domain"
	"github.com/sawpanic/signalrun/internal/fsjson"
	"github.com/sawpanic/signalrun/internal/reputation"
	"github.com/sawpanic/signalrun/internal/store"
)

const snapshotVersion = 1

// Recommendation cutoffs over the channel-token expected ROI.
const (
	recommendFollowMin  = 1.5
	recommendNeutralMin = 1.0
)

// Config carries the exporter knobs.
type Config struct {
	// WinnerThreshold is the ATH multiplier at or above which a signal
	// counts as a win in the per-token win rates. Matches the learner's
	// threshold so the two surfaces agree.
	WinnerThreshold float64
}

func (c Config) withDefaults() Config {
	if c.WinnerThreshold <= 0 {
		c.WinnerThreshold = 2.0
	}
	return c
}

// Exporter reads the store and the reputation engine and materializes
// row sets. It never writes back; every accessor returns fresh copies.
type Exporter struct {
	cfg   Config
	store *store.Store
	rep   *reputation.Engine
	log   zerolog.Logger
	now   func() time.Time
}

func New(cfg Config, st *store.Store, rep *reputation.Engine, log zerolog.Logger) *Exporter {
	return &Exporter{
		cfg:   cfg.withDefaults(),
		store: st,
		rep:   rep,
		log:   log.With().Str("component", "export").Logger(),
		now:   time.Now,
	}
}

// MessageRow is one tracked mention joined with the mentioning channel's
// present reputation. The channel column carries the channel id; ids are
// the stable join key across every read model.
type MessageRow struct {
	MessageID                 int64           `json:"message_id"`
	Timestamp                 time.Time       `json:"timestamp"`
	Channel                   string          `json:"channel"`
	TokenAddress              string          `json:"token_address"`
	TokenChain                domain.Chain    `json:"token_chain"`
	TokenSymbol               string          `json:"token_symbol"`
	ChannelReputationScore    float64         `json:"channel_reputation_score"`
	ChannelReputationTier     reputation.Tier `json:"channel_reputation_tier"`
	ChannelExpectedROIOverall float64         `json:"channel_expected_roi_overall"`
	ChannelExpectedROIToken   float64         `json:"channel_expected_roi_token"`
	ChannelWinRate            float64         `json:"channel_win_rate"`
	PredictionSource          string          `json:"prediction_source"`
}

// ChannelRankingRow is one channel's composite standing.
type ChannelRankingRow struct {
	Channel         string          `json:"channel"`
	TotalSignals    int             `json:"total_signals"`
	WinRate         float64         `json:"win_rate"`
	AvgROI          float64         `json:"avg_roi"`
	MedianROI       float64         `json:"median_roi"`
	BestROI         float64         `json:"best_roi"`
	WorstROI        float64         `json:"worst_roi"`
	ExpectedROI     float64         `json:"expected_roi"`
	SharpeLike      float64         `json:"sharpe_like"`
	SpeedScore      float64         `json:"speed_score"`
	ReputationScore float64         `json:"reputation_score"`
	ReputationTier  reputation.Tier `json:"reputation_tier"`
	PredictionCount int             `json:"prediction_count"`
	MAE             float64         `json:"mae"`
	FirstSignalDate time.Time       `json:"first_signal_date"`
	LastSignalDate  time.Time       `json:"last_signal_date"`
	LastUpdated     time.Time       `json:"last_updated"`
}

// ChannelTokenRow is one channel's record on one token.
type ChannelTokenRow struct {
	Channel            string    `json:"channel"`
	TokenKey           string    `json:"token_key"`
	Mentions           int       `json:"mentions"`
	AvgROI             float64   `json:"avg_roi"`
	ExpectedROI        float64   `json:"expected_roi"`
	WinRate            float64   `json:"win_rate"`
	BestROI            float64   `json:"best_roi"`
	WorstROI           float64   `json:"worst_roi"`
	PredictionAccuracy float64   `json:"prediction_accuracy"`
	LastMentioned      time.Time `json:"last_mentioned"`
	Recommendation     string    `json:"recommendation"`
}

// TokenCrossRow is one token's consensus across every channel that
// mentioned it.
type TokenCrossRow struct {
	TokenKey          string  `json:"token_key"`
	TotalMentions     int     `json:"total_mentions"`
	ChannelCount      int     `json:"channel_count"`
	AvgROI            float64 `json:"avg_roi"`
	BestChannel       string  `json:"best_channel"`
	BestChannelROI    float64 `json:"best_channel_roi"`
	WorstChannel      string  `json:"worst_channel"`
	WorstChannelROI   float64 `json:"worst_channel_roi"`
	ConsensusStrength float64 `json:"consensus_strength"`
}

// PerformanceRow is one signal's full price trajectory. Day-7 and day-30
// columns are null until their checkpoints capture; terminal columns are
// empty while the signal is still in flight.
type PerformanceRow struct {
	TokenAddress        string                 `json:"token_address"`
	Chain               domain.Chain           `json:"chain"`
	FirstMessageID      int64                  `json:"first_message_id"`
	EntryPrice          float64                `json:"entry_price"`
	EntryTime           time.Time              `json:"entry_time"`
	ATHPrice            float64                `json:"ath_price"`
	ATHTime             time.Time              `json:"ath_time"`
	ATHMultiplier       float64                `json:"ath_multiplier"`
	CurrentMultiplier   float64                `json:"current_multiplier"`
	DaysTracked         float64                `json:"days_tracked"`
	DaysToATH           float64                `json:"days_to_ath"`
	PeakTiming          domain.PeakTiming      `json:"peak_timing,omitempty"`
	Day7Price           *float64               `json:"day_7_price"`
	Day7Multiplier      *float64               `json:"day_7_multiplier"`
	Day7Classification  domain.OutcomeCategory `json:"day_7_classification,omitempty"`
	Day30Price          *float64               `json:"day_30_price"`
	Day30Multiplier     *float64               `json:"day_30_multiplier"`
	Day30Classification domain.OutcomeCategory `json:"day_30_classification,omitempty"`
	Trajectory          domain.Trajectory      `json:"trajectory,omitempty"`
	OutcomeCategory     domain.OutcomeCategory `json:"outcome_category,omitempty"`
}

// Messages returns every tracked mention, active and archived, ordered by
// message id, each joined with its channel's reputation as of now.
func (e *Exporter) Messages() []MessageRow {
	sigs := e.allSignals()
	sort.Slice(sigs, func(i, j int) bool {
		return sigs[i].FirstMessageID < sigs[j].FirstMessageID
	})

	reps := make(map[string]*reputation.ChannelReputation)
	rows := make([]MessageRow, 0, len(sigs))
	for _, sig := range sigs {
		rep, seen := reps[sig.ChannelID]
		if !seen {
			rep, _ = e.rep.Reputation(sig.ChannelID)
			reps[sig.ChannelID] = rep
		}

		row := MessageRow{
			MessageID:             sig.FirstMessageID,
			Timestamp:             sig.EntryTime,
			Channel:               sig.ChannelID,
			TokenAddress:          sig.Token.Address,
			TokenChain:            sig.Token.Chain,
			TokenSymbol:           sig.Token.Symbol,
			ChannelReputationTier: reputation.TierUnreliable,
			PredictionSource:      sig.PredictionSource,
		}
		if row.PredictionSource == "" {
			row.PredictionSource = reputation.SourceNone
		}
		if rep != nil {
			row.ChannelReputationScore = rep.ReputationScore
			row.ChannelReputationTier = rep.ReputationTier
			row.ChannelExpectedROIOverall = rep.ExpectedROI
			row.ChannelWinRate = rep.WinRate
			if tl := rep.Tokens[sig.TokenKey()]; tl != nil {
				row.ChannelExpectedROIToken = tl.ExpectedROI
			}
		}
		rows = append(rows, row)
	}
	return rows
}

// Rankings returns every known channel ordered by reputation score,
// best first.
func (e *Exporter) Rankings() []ChannelRankingRow {
	reps := e.rep.Rankings()
	rows := make([]ChannelRankingRow, 0, len(reps))
	for _, rep := range reps {
		rows = append(rows, ChannelRankingRow{
			Channel:         rep.ChannelID,
			TotalSignals:    rep.TotalSignals,
			WinRate:         rep.WinRate,
			AvgROI:          rep.AvgROI,
			MedianROI:       rep.MedianROI,
			BestROI:         rep.BestROI,
			WorstROI:        rep.WorstROI,
			ExpectedROI:     rep.ExpectedROI,
			SharpeLike:      rep.SharpeLike,
			SpeedScore:      rep.SpeedScore,
			ReputationScore: rep.ReputationScore,
			ReputationTier:  rep.ReputationTier,
			PredictionCount: rep.PredictionCount,
			MAE:             rep.MAE,
			FirstSignalDate: rep.FirstSignalAt,
			LastSignalDate:  rep.LastSignalAt,
			LastUpdated:     rep.LastUpdated,
		})
	}
	return rows
}

// ChannelTokens returns one row per channel-token pair, channels in
// ranking order and tokens alphabetical within a channel. Win rate and
// ROI extremes come from the pair's archived signals; learned state
// supplies the rest.
func (e *Exporter) ChannelTokens() []ChannelTokenRow {
	var rows []ChannelTokenRow
	for _, rep := range e.rep.Rankings() {
		keys := make([]string, 0, len(rep.Tokens))
		for k := range rep.Tokens {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		for _, key := range keys {
			tl := rep.Tokens[key]
			agg := reputation.ComputeAggregates(
				e.store.CompletedFor(rep.ChannelID, key), e.cfg.WinnerThreshold)
			rows = append(rows, ChannelTokenRow{
				Channel:            rep.ChannelID,
				TokenKey:           key,
				Mentions:           tl.Mentions,
				AvgROI:             tl.AvgROI,
				ExpectedROI:        tl.ExpectedROI,
				WinRate:            agg.WinRate,
				BestROI:            agg.BestROI,
				WorstROI:           agg.WorstROI,
				PredictionAccuracy: tl.PredictionAccuracy,
				LastMentioned:      tl.LastMentioned,
				Recommendation:     recommend(tl),
			})
		}
	}
	return rows
}

// recommend buckets a channel-token pair by its learned expected ROI. A
// pair with no terminal outcomes yet has no evidence either way and stays
// neutral.
func recommend(tl *reputation.TokenLearning) string {
	switch {
	case tl.Observations == 0:
		return "neutral"
	case tl.ExpectedROI >= recommendFollowMin:
		return "follow"
	case tl.ExpectedROI >= recommendNeutralMin:
		return "neutral"
	default:
		return "avoid"
	}
}

// TokenCross returns every token's cross-channel consensus, ordered by
// token key.
func (e *Exporter) TokenCross() []TokenCrossRow {
	stats := e.rep.TokenStatsAll()
	rows := make([]TokenCrossRow, 0, len(stats))
	for _, cs := range stats {
		rows = append(rows, TokenCrossRow{
			TokenKey:          cs.TokenKey,
			TotalMentions:     cs.TotalMentions,
			ChannelCount:      cs.ChannelCount(),
			AvgROI:            cs.AvgROI,
			BestChannel:       cs.BestChannel,
			BestChannelROI:    cs.BestChannelROI,
			WorstChannel:      cs.WorstChannel,
			WorstChannelROI:   cs.WorstChannelROI,
			ConsensusStrength: cs.ConsensusStrength,
		})
	}
	return rows
}

// Performance returns one row per signal, active and archived, in entry
// order.
func (e *Exporter) Performance() []PerformanceRow {
	sigs := e.allSignals()
	sort.Slice(sigs, func(i, j int) bool {
		if !sigs[i].EntryTime.Equal(sigs[j].EntryTime) {
			return sigs[i].EntryTime.Before(sigs[j].EntryTime)
		}
		return sigs[i].SignalID < sigs[j].SignalID
	})

	rows := make([]PerformanceRow, 0, len(sigs))
	for _, sig := range sigs {
		rows = append(rows, PerformanceRow{
			TokenAddress:        sig.Token.Address,
			Chain:               sig.Token.Chain,
			FirstMessageID:      sig.FirstMessageID,
			EntryPrice:          sig.EntryPrice,
			EntryTime:           sig.EntryTime,
			ATHPrice:            sig.ATHPrice,
			ATHTime:             sig.ATHTime,
			ATHMultiplier:       sig.ATHMultiplier(),
			CurrentMultiplier:   sig.CurrentMultiplier(),
			DaysTracked:         sig.DaysTracked(),
			DaysToATH:           sig.DaysToATH,
			PeakTiming:          sig.PeakTiming,
			Day7Price:           sig.Day7Price,
			Day7Multiplier:      sig.Day7Multiplier,
			Day7Classification:  sig.Day7Classification,
			Day30Price:          sig.Day30Price,
			Day30Multiplier:     sig.Day30Multiplier,
			Day30Classification: sig.Day30Classification,
			Trajectory:          sig.Trajectory,
			OutcomeCategory:     sig.OutcomeCategory,
		})
	}
	return rows
}

func (e *Exporter) allSignals() []*domain.SignalOutcome {
	sigs := e.store.Active()
	return append(sigs, e.store.Completed()...)
}

// snapshotFile wraps one read model for disk. Every durable JSON artifact
// leads with its version.
type snapshotFile struct {
	Version     int       `json:"version"`
	GeneratedAt time.Time `json:"generated_at"`
	Rows        any       `json:"rows"`
}

// Snapshot file names under the output directory.
const (
	MessagesFile      = "messages.json"
	RankingsFile      = "channel_rankings.json"
	ChannelTokensFile = "channel_token_performance.json"
	TokenCrossFile    = "token_cross_channel.json"
	PerformanceFile   = "performance.json"
)

// WriteAll materializes every read model as a versioned JSON file under
// dir, each written atomically.
func (e *Exporter) WriteAll(dir string) error {
	at := e.now().UTC()

	messages := e.Messages()
	rankings := e.Rankings()
	channelTokens := e.ChannelTokens()
	tokenCross := e.TokenCross()
	performance := e.Performance()

	files := []struct {
		name string
		rows any
		n    int
	}{
		{MessagesFile, messages, len(messages)},
		{RankingsFile, rankings, len(rankings)},
		{ChannelTokensFile, channelTokens, len(channelTokens)},
		{TokenCrossFile, tokenCross, len(tokenCross)},
		{PerformanceFile, performance, len(performance)},
	}
	for _, f := range files {
		path := filepath.Join(dir, f.name)
		if err := fsjson.WriteAtomic(path, snapshotFile{
			Version:     snapshotVersion,
			GeneratedAt: at,
			Rows:        f.rows,
		}); err != nil {
			return err
		}
		e.log.Debug().Str("file", f.name).Int("rows", f.n).Msg("Read model written")
	}

	e.log.Info().
		Str("dir", dir).
		Int("messages", len(messages)).
		Int("channels", len(rankings)).
		Int("channel_tokens", len(channelTokens)).
		Int("tokens", len(tokenCross)).
		Int("signals", len(performance)).
		Msg("Read models exported")
	return nil
}
