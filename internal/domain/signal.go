package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a signal.
type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
)

// ParseStatus rejects unknown statuses read from persisted state.
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusInProgress, StatusCompleted:
		return Status(s), nil
	}
	return "", fmt.Errorf("unknown signal status %q", s)
}

// OutcomeCategory is the terminal bucket assigned from ATH and day-30
// multipliers.
type OutcomeCategory string

const (
	OutcomeMoon      OutcomeCategory = "MOON"
	OutcomeWinner    OutcomeCategory = "WINNER"
	OutcomeGood      OutcomeCategory = "GOOD"
	OutcomeBreakEven OutcomeCategory = "BREAK-EVEN"
	OutcomeLoser     OutcomeCategory = "LOSER"
	OutcomeCrash     OutcomeCategory = "CRASH"
)

// ParseOutcomeCategory rejects unknown categories read from persisted state.
func ParseOutcomeCategory(s string) (OutcomeCategory, error) {
	switch OutcomeCategory(s) {
	case OutcomeMoon, OutcomeWinner, OutcomeGood, OutcomeBreakEven, OutcomeLoser, OutcomeCrash:
		return OutcomeCategory(s), nil
	}
	return "", fmt.Errorf("unknown outcome category %q", s)
}

// Trajectory describes whether the signal improved or crashed between day 7
// and day 30.
type Trajectory string

const (
	TrajectoryImproved Trajectory = "improved"
	TrajectoryCrashed  Trajectory = "crashed"
)

// ParseTrajectory rejects unknown trajectories read from persisted state.
func ParseTrajectory(s string) (Trajectory, error) {
	switch Trajectory(s) {
	case TrajectoryImproved, TrajectoryCrashed:
		return Trajectory(s), nil
	}
	return "", fmt.Errorf("unknown trajectory %q", s)
}

// PeakTiming buckets how fast the ATH was reached.
type PeakTiming string

const (
	EarlyPeaker PeakTiming = "early_peaker"
	LatePeaker  PeakTiming = "late_peaker"
)

// ParsePeakTiming rejects unknown peak timings read from persisted state.
func ParsePeakTiming(s string) (PeakTiming, error) {
	switch PeakTiming(s) {
	case EarlyPeaker, LatePeaker:
		return PeakTiming(s), nil
	}
	return "", fmt.Errorf("unknown peak timing %q", s)
}

// CheckpointData is one captured checkpoint observation. Price is nil when
// the checkpoint was reached but no upstream data existed for that moment;
// the sentinel keeps the signal progressing instead of blocking on gaps.
type CheckpointData struct {
	Timestamp     time.Time `json:"timestamp"`
	Price         *float64  `json:"price"`
	ROIMultiplier *float64  `json:"roi_multiplier"`
	ROIPercentage *float64  `json:"roi_percentage"`
	Reached       bool      `json:"reached"`
}

// NewSignalID mints a stable unique identifier for one mention.
func NewSignalID(channelID, tokenKey string, signalNumber int) string {
	return fmt.Sprintf("%s:%s:%d:%s", channelID, tokenKey, signalNumber, uuid.NewString()[:8])
}

// SignalOutcome tracks one token mention by one channel through its 30-day
// window. Created by an orchestrator, mutated exclusively by the lifecycle
// engine, archived by the tracking store, never destroyed.
type SignalOutcome struct {
	SignalID          string   `json:"signal_id"`
	ChannelID         string   `json:"channel_id"`
	ChannelName       string   `json:"channel_name,omitempty"`
	Token             TokenRef `json:"token"`
	SignalNumber      int      `json:"signal_number"`
	PreviousSignalIDs []string `json:"previous_signal_ids,omitempty"`
	FirstMessageID    int64    `json:"first_message_id,omitempty"`

	EntryTime  time.Time `json:"entry_time"`
	EntryPrice float64   `json:"entry_price"`

	ATHPrice     float64   `json:"ath_price"`
	ATHTime      time.Time `json:"ath_time"`
	DaysToATH    float64   `json:"days_to_ath"`
	CurrentPrice float64   `json:"current_price"`
	CurrentTime  time.Time `json:"current_time"`

	Checkpoints map[Checkpoint]*CheckpointData `json:"checkpoints"`

	// Day7ATHMultiplier freezes the ATH-so-far when the 7d checkpoint is
	// captured. The final ATH can keep climbing afterwards, so the day-7
	// classification cannot be rebuilt from terminal state alone.
	Day7ATHMultiplier *float64 `json:"day_7_ath_multiplier,omitempty"`

	Day7Price           *float64        `json:"day_7_price,omitempty"`
	Day7Multiplier      *float64        `json:"day_7_multiplier,omitempty"`
	Day7Classification  OutcomeCategory `json:"day_7_classification,omitempty"`
	Day30Price          *float64        `json:"day_30_price,omitempty"`
	Day30Multiplier     *float64        `json:"day_30_multiplier,omitempty"`
	Day30Classification OutcomeCategory `json:"day_30_classification,omitempty"`
	Trajectory          Trajectory      `json:"trajectory,omitempty"`
	CrashSeverityPct    float64         `json:"crash_severity_pct,omitempty"`
	PeakTiming          PeakTiming      `json:"peak_timing,omitempty"`
	OutcomeCategory     OutcomeCategory `json:"outcome_category,omitempty"`
	IsWinner            bool            `json:"is_winner,omitempty"`

	Status Status `json:"status"`

	PredictedROI     float64 `json:"predicted_roi,omitempty"`
	PredictionSource string  `json:"prediction_source,omitempty"`
	RetryCount       int     `json:"retry_count,omitempty"`
	Provenance       string  `json:"provenance,omitempty"`
}

// NewSignalOutcome creates an in-progress signal seeded at its entry price.
// The ATH starts at the entry observation so it can only climb from there.
func NewSignalOutcome(channelID, channelName string, token TokenRef, messageID int64, signalNumber int, previous []string, entryTime time.Time, entryPrice float64) (*SignalOutcome, error) {
	if entryPrice <= 0 {
		return nil, fmt.Errorf("entry price must be positive, got %v", entryPrice)
	}
	if signalNumber < 1 {
		return nil, fmt.Errorf("signal number must be >= 1, got %d", signalNumber)
	}
	prev := make([]string, len(previous))
	copy(prev, previous)
	return &SignalOutcome{
		SignalID:          NewSignalID(channelID, token.Key(), signalNumber),
		ChannelID:         channelID,
		ChannelName:       channelName,
		Token:             token,
		SignalNumber:      signalNumber,
		PreviousSignalIDs: prev,
		FirstMessageID:    messageID,
		EntryTime:         entryTime,
		EntryPrice:        entryPrice,
		ATHPrice:          entryPrice,
		ATHTime:           entryTime,
		CurrentPrice:      entryPrice,
		CurrentTime:       entryTime,
		Checkpoints:       make(map[Checkpoint]*CheckpointData),
		Status:            StatusInProgress,
	}, nil
}

// TokenKey is the canonical key the tracking store indexes by.
func (s *SignalOutcome) TokenKey() string { return s.Token.Key() }

// ATHMultiplier is the peak return so far relative to entry.
func (s *SignalOutcome) ATHMultiplier() float64 {
	if s.EntryPrice <= 0 {
		return 0
	}
	return s.ATHPrice / s.EntryPrice
}

// CurrentMultiplier is the latest observed return relative to entry.
func (s *SignalOutcome) CurrentMultiplier() float64 {
	if s.EntryPrice <= 0 {
		return 0
	}
	return s.CurrentPrice / s.EntryPrice
}

// DaysTracked is the span between entry and the latest observation, in days.
func (s *SignalOutcome) DaysTracked() float64 {
	return s.CurrentTime.Sub(s.EntryTime).Hours() / 24
}

// CheckpointCaptured reports whether cp has already been filled.
func (s *SignalOutcome) CheckpointCaptured(cp Checkpoint) bool {
	cd, ok := s.Checkpoints[cp]
	return ok && cd.Reached
}

// Validate re-checks structural invariants on a signal loaded from disk.
func (s *SignalOutcome) Validate() error {
	if s.SignalID == "" {
		return fmt.Errorf("signal has no id")
	}
	if err := s.Token.Validate(); err != nil {
		return fmt.Errorf("signal %s: %w", s.SignalID, err)
	}
	if s.SignalNumber < 1 {
		return fmt.Errorf("signal %s: signal number %d", s.SignalID, s.SignalNumber)
	}
	if s.EntryPrice <= 0 {
		return fmt.Errorf("signal %s: entry price %v", s.SignalID, s.EntryPrice)
	}
	if s.ATHPrice < s.EntryPrice {
		return fmt.Errorf("signal %s: ath %v below entry %v", s.SignalID, s.ATHPrice, s.EntryPrice)
	}
	if s.ATHTime.Before(s.EntryTime) {
		return fmt.Errorf("signal %s: ath time precedes entry", s.SignalID)
	}
	if _, err := ParseStatus(string(s.Status)); err != nil {
		return fmt.Errorf("signal %s: %w", s.SignalID, err)
	}
	if s.Status == StatusCompleted {
		if _, err := ParseOutcomeCategory(string(s.OutcomeCategory)); err != nil {
			return fmt.Errorf("signal %s: %w", s.SignalID, err)
		}
	}
	return nil
}

// Clone returns a deep copy; the store hands copies outward so callers can
// never mutate archived state in place.
func (s *SignalOutcome) Clone() *SignalOutcome {
	dup := *s
	dup.PreviousSignalIDs = append([]string(nil), s.PreviousSignalIDs...)
	dup.Checkpoints = make(map[Checkpoint]*CheckpointData, len(s.Checkpoints))
	for cp, cd := range s.Checkpoints {
		if cd == nil {
			continue
		}
		c := *cd
		c.Price = cloneFloat(cd.Price)
		c.ROIMultiplier = cloneFloat(cd.ROIMultiplier)
		c.ROIPercentage = cloneFloat(cd.ROIPercentage)
		dup.Checkpoints[cp] = &c
	}
	dup.Day7ATHMultiplier = cloneFloat(s.Day7ATHMultiplier)
	dup.Day7Price = cloneFloat(s.Day7Price)
	dup.Day7Multiplier = cloneFloat(s.Day7Multiplier)
	dup.Day30Price = cloneFloat(s.Day30Price)
	dup.Day30Multiplier = cloneFloat(s.Day30Multiplier)
	return &dup
}

func cloneFloat(f *float64) *float64 {
	if f == nil {
		return nil
	}
	v := *f
	return &v
}

// TerminalEvent is the explicit handoff record produced by the lifecycle
// engine when a signal completes and consumed by the learning engine.
type TerminalEvent struct {
	SignalID         string
	ChannelID        string
	ChannelName      string
	TokenKey         string
	ATHMultiplier    float64
	Day30Multiplier  float64
	Day7Multiplier   *float64
	DaysToATH        float64
	Trajectory       Trajectory
	OutcomeCategory  OutcomeCategory
	PredictedROI     float64
	PredictionSource string
	CompletedAt      time.Time
}
