package reputation

import (
	"math"
	"sort"
	"time"
)

const (
	channelsVersion = 1
	crossVersion    = 1

	// predictionHistoryCap bounds the per-channel record of matched
	// predictions; older entries fall off the front.
	predictionHistoryCap = 100
)

// Tier buckets a channel's composite reputation score.
type Tier string

const (
	TierElite      Tier = "Elite"
	TierExcellent  Tier = "Excellent"
	TierGood       Tier = "Good"
	TierAverage    Tier = "Average"
	TierPoor       Tier = "Poor"
	TierUnreliable Tier = "Unreliable"
)

// HoldPeriod is the exit guidance derived from a channel's peak timing.
type HoldPeriod string

const (
	HoldExitEarly HoldPeriod = "exit_early"
	HoldLonger    HoldPeriod = "hold_longer"
	HoldMixed     HoldPeriod = "mixed"
)

// PredictionRecord is one matched prediction: what the blend said at
// mention time against the ATH multiplier the signal actually reached.
type PredictionRecord struct {
	SignalID  string    `json:"signal_id"`
	TokenKey  string    `json:"token_key"`
	Predicted float64   `json:"predicted"`
	Actual    float64   `json:"actual"`
	AbsError  float64   `json:"abs_error"`
	At        time.Time `json:"at"`
}

// TokenLearning is the channel-scoped learned state for one token.
type TokenLearning struct {
	Mentions        int     `json:"mentions"`
	Observations    int     `json:"observations"`
	AvgROI          float64 `json:"avg_roi"`
	ExpectedROI     float64 `json:"expected_roi"`
	PredictionCount int     `json:"prediction_count"`
	// PredictionAccuracy is the running mean of per-prediction accuracy,
	// where one prediction scores max(0, 1 - |predicted-actual|/actual).
	PredictionAccuracy float64   `json:"prediction_accuracy"`
	LastMentioned      time.Time `json:"last_mentioned"`
}

// ChannelState is the durable learned state for one channel. Aggregate
// metrics over the channel's archive are not stored here; they are
// recomputed from the tracking store and cached in memory.
type ChannelState struct {
	ChannelID   string `json:"channel_id"`
	ChannelName string `json:"channel_name,omitempty"`

	ExpectedROI  float64 `json:"expected_roi"`
	Observations int     `json:"observations"`

	PredictionCount   int                `json:"prediction_count"`
	MAE               float64            `json:"mae"`
	PredictionHistory []PredictionRecord `json:"prediction_history,omitempty"`

	Tokens map[string]*TokenLearning `json:"tokens,omitempty"`

	FirstSignalAt time.Time `json:"first_signal_at"`
	LastSignalAt  time.Time `json:"last_signal_at"`
	LastUpdated   time.Time `json:"last_updated"`
}

// token returns the channel's learning slot for tokenKey, creating it
// on first use.
func (c *ChannelState) token(tokenKey string) *TokenLearning {
	if c.Tokens == nil {
		c.Tokens = make(map[string]*TokenLearning)
	}
	tl := c.Tokens[tokenKey]
	if tl == nil {
		tl = &TokenLearning{}
		c.Tokens[tokenKey] = tl
	}
	return tl
}

func (c *ChannelState) clone() *ChannelState {
	if c == nil {
		return nil
	}
	dup := *c
	dup.PredictionHistory = append([]PredictionRecord(nil), c.PredictionHistory...)
	dup.Tokens = make(map[string]*TokenLearning, len(c.Tokens))
	for k, tl := range c.Tokens {
		t := *tl
		dup.Tokens[k] = &t
	}
	return &dup
}

// ChannelROI is one channel's running ROI mean inside a token's
// cross-channel record.
type ChannelROI struct {
	Observations int     `json:"observations"`
	AvgROI       float64 `json:"avg_roi"`
}

// CrossTokenState aggregates one token's outcomes across every channel
// that mentioned it.
type CrossTokenState struct {
	TokenKey      string  `json:"token_key"`
	TotalMentions int     `json:"total_mentions"`
	Observations  int     `json:"observations"`
	SumROI        float64 `json:"sum_roi"`
	SumSqROI      float64 `json:"sum_sq_roi"`
	AvgROI        float64 `json:"avg_roi"`

	Channels map[string]*ChannelROI `json:"channels,omitempty"`

	BestChannel       string  `json:"best_channel,omitempty"`
	BestChannelROI    float64 `json:"best_channel_roi,omitempty"`
	WorstChannel      string  `json:"worst_channel,omitempty"`
	WorstChannelROI   float64 `json:"worst_channel_roi,omitempty"`
	ConsensusStrength float64 `json:"consensus_strength"`
}

// ChannelCount is the number of channels that have mentioned the token.
func (c *CrossTokenState) ChannelCount() int { return len(c.Channels) }

func (c *CrossTokenState) clone() *CrossTokenState {
	if c == nil {
		return nil
	}
	dup := *c
	dup.Channels = make(map[string]*ChannelROI, len(c.Channels))
	for k, cr := range c.Channels {
		r := *cr
		dup.Channels[k] = &r
	}
	return &dup
}

// recomputeExtremes rescans the per-channel means for the best and
// worst channel. Ties resolve to the lexically first channel id so the
// output is stable across runs.
func (c *CrossTokenState) recomputeExtremes() {
	c.BestChannel, c.WorstChannel = "", ""
	c.BestChannelROI, c.WorstChannelROI = 0, 0
	ids := make([]string, 0, len(c.Channels))
	for id := range c.Channels {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		roi := c.Channels[id].AvgROI
		if c.BestChannel == "" || roi > c.BestChannelROI {
			c.BestChannel, c.BestChannelROI = id, roi
		}
		if c.WorstChannel == "" || roi < c.WorstChannelROI {
			c.WorstChannel, c.WorstChannelROI = id, roi
		}
	}
}

// recomputeConsensus derives agreement across channels from the running
// sums: 1 − stddev/mean, clamped to [0, 1]. A token every channel saw
// pump the same way scores near 1; wildly divergent outcomes near 0.
func (c *CrossTokenState) recomputeConsensus() {
	if c.Observations == 0 || c.AvgROI <= 0 {
		c.ConsensusStrength = 0
		return
	}
	n := float64(c.Observations)
	variance := c.SumSqROI/n - c.AvgROI*c.AvgROI
	std := math.Sqrt(math.Max(variance, 0))
	c.ConsensusStrength = clamp01(1 - std/c.AvgROI)
}

// ChannelReputation is the assembled read-model for one channel: the
// learned state joined with aggregates over its archived signals.
type ChannelReputation struct {
	ChannelID   string
	ChannelName string

	Aggregates

	ExpectedROI       float64
	PredictionCount   int
	MAE               float64
	PredictionHistory []PredictionRecord

	ReputationScore       float64
	ReputationTier        Tier
	RecommendedHoldPeriod HoldPeriod

	Tokens map[string]*TokenLearning

	FirstSignalAt time.Time
	LastSignalAt  time.Time
	LastUpdated   time.Time
}

func (r *ChannelReputation) clone() *ChannelReputation {
	dup := *r
	dup.PredictionHistory = append([]PredictionRecord(nil), r.PredictionHistory...)
	dup.Tokens = make(map[string]*TokenLearning, len(r.Tokens))
	for k, tl := range r.Tokens {
		t := *tl
		dup.Tokens[k] = &t
	}
	return &dup
}

// Prediction is the blended expected ROI for a fresh mention, tagged
// with which learning levels contributed.
type Prediction struct {
	ROI    float64
	Source string
}

// Prediction sources, in increasing specificity.
const (
	SourceNone         = "none"
	SourceOverall      = "overall"
	SourceChannelToken = "channel_token"
	SourceBlended      = "blended"
)

type channelsFile struct {
	Version  int                      `json:"version"`
	Channels map[string]*ChannelState `json:"channels"`
}

type crossFile struct {
	Version int                         `json:"version"`
	Tokens  map[string]*CrossTokenState `json:"tokens"`
}
