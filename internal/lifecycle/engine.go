// Package lifecycle drives each signal through its tracking window: ATH
// updates on every observation, checkpoint capture, and the one-shot
// terminal classification. The engine mutates signals handed to it and
// reports terminal transitions as explicit events; persistence and learning
// stay with the caller.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/sawpanic/signalrun/internal/domain"
	"github.com/sawpanic/signalrun/internal/price"
	"github.com/sawpanic/signalrun/internal/providers"
)

// DefaultTerminalRetryLimit is how many consecutive failed advancement
// attempts on one checkpoint an orchestrator tolerates before forcing the
// signal closed as a LOSER.
const DefaultTerminalRetryLimit = 3

// ErrCorruptObservation rejects a non-positive observed price; the
// observation is dropped without mutating the signal.
var ErrCorruptObservation = errors.New("observed price is not positive")

// ErrSignalCompleted guards against advancing an already terminal signal.
var ErrSignalCompleted = errors.New("signal is already terminal")

// PriceSource is the slice of the price service the engine consumes.
type PriceSource interface {
	GetAt(ctx context.Context, ref domain.TokenRef, at time.Time, explicitPrefix bool) (float64, error)
	GetCurrent(ctx context.Context, ref domain.TokenRef, explicitPrefix bool) (providers.PriceReading, error)
	SmartCheckpoints(entry, now time.Time) []domain.Checkpoint
}

// Engine advances signals. Stateless apart from its wiring; the caller owns
// signal instances and serializes access per signal.
type Engine struct {
	prices PriceSource
	sched  domain.Schedule
	log    zerolog.Logger
}

func NewEngine(prices PriceSource, sched domain.Schedule, log zerolog.Logger) *Engine {
	return &Engine{
		prices: prices,
		sched:  sched,
		log:    log.With().Str("component", "lifecycle").Logger(),
	}
}

// Observe feeds one (time, price) observation into a signal: the ATH walk
// and the current-price fields.
func (e *Engine) Observe(sig *domain.SignalOutcome, at time.Time, px float64) error {
	if sig.Status == domain.StatusCompleted {
		return ErrSignalCompleted
	}
	if px <= 0 {
		return fmt.Errorf("%w: %v", ErrCorruptObservation, px)
	}
	if px > sig.ATHPrice {
		sig.ATHPrice = px
		sig.ATHTime = at
		sig.DaysToATH = daysBetween(sig.EntryTime, at)
	}
	sig.CurrentPrice = px
	sig.CurrentTime = at
	return nil
}

// Backfill drives a signal through every elapsed checkpoint using a
// pre-fetched forward window. Daily highs are applied in step with the
// checkpoints so the ATH-so-far frozen at the 7d capture reflects exactly
// the first seven days. Returns the terminal event when the signal
// completes in this pass.
//
// A transient failure leaves the signal in progress with RetryCount bumped
// and surfaces the error; missing data at one checkpoint is recorded as a
// reached checkpoint with no price and does not block progress.
func (e *Engine) Backfill(ctx context.Context, sig *domain.SignalOutcome, window price.ForwardWindow, now time.Time) (*domain.TerminalEvent, error) {
	if sig.Status == domain.StatusCompleted {
		return nil, ErrSignalCompleted
	}

	horizon := sig.EntryTime.Add(e.sched.TerminalOffset())
	if now.Before(horizon) {
		horizon = now
	}

	for _, cp := range e.prices.SmartCheckpoints(sig.EntryTime, now) {
		target, err := e.sched.At(sig.EntryTime, cp)
		if err != nil {
			return nil, err
		}
		e.applyHighs(sig, window.Candles, target)
		if sig.CheckpointCaptured(cp) {
			continue
		}

		px, err := e.prices.GetAt(ctx, sig.Token, target, true)
		switch {
		case err == nil:
			if oerr := e.Observe(sig, target, px); oerr != nil {
				return nil, oerr
			}
			e.capture(sig, cp, target, &px)
		case price.IsDeadToken(err):
			e.log.Info().Str("signal_id", sig.SignalID).Str("checkpoint", string(cp)).Msg("Token died mid-window")
			return e.finalizeDead(sig, target), nil
		case price.IsKind(err, price.FailUnavailable):
			e.log.Debug().Str("signal_id", sig.SignalID).Str("checkpoint", string(cp)).Msg("No data at checkpoint; recording sentinel")
			e.capture(sig, cp, target, nil)
		default:
			sig.RetryCount++
			return nil, fmt.Errorf("advance %s at %s: %w", sig.SignalID, cp, err)
		}

		if cp == e.sched.Terminal() {
			return e.finalize(sig, target), nil
		}
	}

	e.applyHighs(sig, window.Candles, horizon)
	return nil, nil
}

// AdvanceLive captures every newly due checkpoint using the price at this
// moment. One fetch serves all checkpoints due in the pass: a process that
// slept across several offsets has only the present to observe.
func (e *Engine) AdvanceLive(ctx context.Context, sig *domain.SignalOutcome, now time.Time) (*domain.TerminalEvent, error) {
	if sig.Status == domain.StatusCompleted {
		return nil, ErrSignalCompleted
	}

	var due []domain.Checkpoint
	for _, cp := range e.prices.SmartCheckpoints(sig.EntryTime, now) {
		if !sig.CheckpointCaptured(cp) {
			due = append(due, cp)
		}
	}
	if len(due) == 0 {
		return nil, nil
	}

	reading, err := e.prices.GetCurrent(ctx, sig.Token, true)
	switch {
	case err == nil:
		if oerr := e.Observe(sig, now, reading.Price); oerr != nil {
			return nil, oerr
		}
		for _, cp := range due {
			px := reading.Price
			e.capture(sig, cp, now, &px)
		}
	case price.IsDeadToken(err):
		e.log.Info().Str("signal_id", sig.SignalID).Msg("Token died mid-window")
		return e.finalizeDead(sig, now), nil
	case price.IsKind(err, price.FailUnavailable):
		e.log.Debug().Str("signal_id", sig.SignalID).Msg("No data at live checkpoint; recording sentinel")
		for _, cp := range due {
			e.capture(sig, cp, now, nil)
		}
	default:
		sig.RetryCount++
		return nil, fmt.Errorf("advance %s: %w", sig.SignalID, err)
	}

	if sig.CheckpointCaptured(e.sched.Terminal()) {
		return e.finalize(sig, now), nil
	}
	return nil, nil
}

// ForceLoser closes a signal the orchestrator gave up on after repeated
// advancement failures. The provenance note records why; the closure is
// never silent.
func (e *Engine) ForceLoser(sig *domain.SignalOutcome, now time.Time, note string) (*domain.TerminalEvent, error) {
	if sig.Status == domain.StatusCompleted {
		return nil, ErrSignalCompleted
	}
	sig.Provenance = note
	e.liftCheckpointFields(sig)
	sig.OutcomeCategory = domain.OutcomeLoser
	sig.Day30Classification = domain.OutcomeLoser
	sig.IsWinner = false
	d30 := sig.CurrentMultiplier()
	sig.Trajectory, sig.CrashSeverityPct = domain.ClassifyTrajectory(sig.Day7Multiplier, d30)
	sig.PeakTiming = domain.ClassifyPeakTiming(sig.DaysToATH)
	sig.Status = domain.StatusCompleted
	e.log.Warn().
		Str("signal_id", sig.SignalID).
		Int("retry_count", sig.RetryCount).
		Str("provenance", note).
		Msg("Signal force-closed as LOSER")
	return newEvent(sig, d30, now), nil
}

// capture fills one checkpoint cell. A nil price is the missing-data
// sentinel: the checkpoint is reached, the observation simply does not
// exist upstream. Every capture resets the consecutive-failure counter.
func (e *Engine) capture(sig *domain.SignalOutcome, cp domain.Checkpoint, at time.Time, px *float64) {
	cd := &domain.CheckpointData{Timestamp: at, Reached: true}
	if px != nil && *px > 0 {
		p := *px
		m := p / sig.EntryPrice
		pct := (m - 1) * 100
		cd.Price, cd.ROIMultiplier, cd.ROIPercentage = &p, &m, &pct
	}
	sig.Checkpoints[cp] = cd
	if cp == domain.Checkpoint7D {
		ath := sig.ATHMultiplier()
		sig.Day7ATHMultiplier = &ath
	}
	sig.RetryCount = 0
}

// applyHighs walks the daily-high series up to a boundary, raising the ATH.
func (e *Engine) applyHighs(sig *domain.SignalOutcome, candles []providers.Candle, until time.Time) {
	entryDay := price.Bucket(sig.EntryTime)
	for _, c := range candles {
		if c.Day.Before(entryDay) || c.Day.After(until) {
			continue
		}
		if c.High <= sig.ATHPrice {
			continue
		}
		at := c.Day
		if at.Before(sig.EntryTime) {
			at = sig.EntryTime
		}
		sig.ATHPrice = c.High
		sig.ATHTime = at
		sig.DaysToATH = daysBetween(sig.EntryTime, at)
	}
}

// liftCheckpointFields copies the 7d and terminal checkpoint observations
// into the signal's summary fields.
func (e *Engine) liftCheckpointFields(sig *domain.SignalOutcome) {
	if cd, ok := sig.Checkpoints[domain.Checkpoint7D]; ok && cd.Price != nil {
		sig.Day7Price = clonePrice(cd.Price)
		sig.Day7Multiplier = clonePrice(cd.ROIMultiplier)
	}
	if cd, ok := sig.Checkpoints[e.sched.Terminal()]; ok && cd.Price != nil {
		sig.Day30Price = clonePrice(cd.Price)
		sig.Day30Multiplier = clonePrice(cd.ROIMultiplier)
	}
	if sig.Day7ATHMultiplier != nil {
		sig.Day7Classification = domain.ClassifyDay7(*sig.Day7ATHMultiplier)
	}
}

// finalize runs the one-shot terminal classification once the terminal
// checkpoint is captured.
func (e *Engine) finalize(sig *domain.SignalOutcome, at time.Time) *domain.TerminalEvent {
	e.liftCheckpointFields(sig)

	// A terminal checkpoint with no upstream data falls back to the last
	// observation the signal ever had.
	d30 := sig.CurrentMultiplier()
	if sig.Day30Multiplier != nil {
		d30 = *sig.Day30Multiplier
	}

	sig.OutcomeCategory = domain.Classify(sig.ATHMultiplier(), d30)
	sig.Day30Classification = sig.OutcomeCategory
	sig.IsWinner = domain.IsWinnerCategory(sig.OutcomeCategory)
	sig.Trajectory, sig.CrashSeverityPct = domain.ClassifyTrajectory(sig.Day7Multiplier, d30)
	sig.PeakTiming = domain.ClassifyPeakTiming(sig.DaysToATH)
	sig.Status = domain.StatusCompleted

	e.log.Info().
		Str("signal_id", sig.SignalID).
		Str("category", string(sig.OutcomeCategory)).
		Float64("ath_multiplier", sig.ATHMultiplier()).
		Float64("day_30_multiplier", d30).
		Float64("days_to_ath", sig.DaysToATH).
		Msg("Signal completed")
	return newEvent(sig, d30, at)
}

// finalizeDead closes a signal whose token lost every market mid-window.
func (e *Engine) finalizeDead(sig *domain.SignalOutcome, at time.Time) *domain.TerminalEvent {
	e.liftCheckpointFields(sig)
	sig.Provenance = "dead_token: no provider has data for the token"
	sig.OutcomeCategory = domain.OutcomeCrash
	sig.Day30Classification = domain.OutcomeCrash
	sig.IsWinner = false
	sig.Trajectory, sig.CrashSeverityPct = domain.ClassifyTrajectory(sig.Day7Multiplier, 0)
	sig.PeakTiming = domain.ClassifyPeakTiming(sig.DaysToATH)
	sig.Status = domain.StatusCompleted

	e.log.Info().
		Str("signal_id", sig.SignalID).
		Str("token", sig.TokenKey()).
		Msg("Signal completed as CRASH: dead token")
	return newEvent(sig, 0, at)
}

// Event rebuilds the handoff record a completed signal produced when it
// went terminal. Replays, like bootstrap's final learning pass, re-derive
// events from persisted state instead of holding them in memory.
func Event(sig *domain.SignalOutcome) *domain.TerminalEvent {
	d30 := sig.CurrentMultiplier()
	if sig.Day30Multiplier != nil {
		d30 = *sig.Day30Multiplier
	}
	return newEvent(sig, d30, sig.CurrentTime)
}

func newEvent(sig *domain.SignalOutcome, d30 float64, at time.Time) *domain.TerminalEvent {
	return &domain.TerminalEvent{
		SignalID:         sig.SignalID,
		ChannelID:        sig.ChannelID,
		ChannelName:      sig.ChannelName,
		TokenKey:         sig.TokenKey(),
		ATHMultiplier:    sig.ATHMultiplier(),
		Day30Multiplier:  d30,
		Day7Multiplier:   clonePrice(sig.Day7Multiplier),
		DaysToATH:        sig.DaysToATH,
		Trajectory:       sig.Trajectory,
		OutcomeCategory:  sig.OutcomeCategory,
		PredictedROI:     sig.PredictedROI,
		PredictionSource: sig.PredictionSource,
		CompletedAt:      at,
	}
}

func clonePrice(f *float64) *float64 {
	if f == nil {
		return nil
	}
	v := *f
	return &v
}

func daysBetween(from, to time.Time) float64 {
	d := to.Sub(from).Hours() / 24
	if d < 0 {
		return 0
	}
	return d
}
