package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/sawpanic/signalrun/internal/domain"
)

// signalSchema is applied at connect time. The mirror is the only writer,
// so an in-band CREATE IF NOT EXISTS replaces a migration pipeline.
const signalSchema = `
CREATE TABLE IF NOT EXISTS signal_outcomes (
	signal_id          TEXT PRIMARY KEY,
	channel_id         TEXT NOT NULL,
	channel_name       TEXT,
	token_key          TEXT NOT NULL,
	chain              TEXT,
	address            TEXT,
	symbol             TEXT,
	signal_number      INTEGER NOT NULL,
	entry_time         TIMESTAMPTZ NOT NULL,
	entry_price        DOUBLE PRECISION NOT NULL,
	ath_price          DOUBLE PRECISION NOT NULL,
	ath_time           TIMESTAMPTZ NOT NULL,
	days_to_ath        DOUBLE PRECISION NOT NULL,
	day_7_multiplier   DOUBLE PRECISION,
	day_30_multiplier  DOUBLE PRECISION,
	outcome_category   TEXT,
	trajectory         TEXT,
	peak_timing        TEXT,
	crash_severity_pct DOUBLE PRECISION,
	is_winner          BOOLEAN NOT NULL DEFAULT FALSE,
	status             TEXT NOT NULL,
	predicted_roi      DOUBLE PRECISION,
	prediction_source  TEXT,
	provenance         TEXT,
	checkpoints        JSONB,
	updated_at         TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS signal_outcomes_channel_idx ON signal_outcomes (channel_id, token_key);
CREATE INDEX IF NOT EXISTS signal_outcomes_status_idx ON signal_outcomes (status);
`

const saveSignalQuery = `
	INSERT INTO signal_outcomes (
		signal_id, channel_id, channel_name, token_key, chain, address,
		symbol, signal_number, entry_time, entry_price, ath_price,
		ath_time, days_to_ath, day_7_multiplier, day_30_multiplier,
		outcome_category, trajectory, peak_timing, crash_severity_pct,
		is_winner, status, predicted_roi, prediction_source, provenance,
		checkpoints, updated_at
	) VALUES (
		$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
		$15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25, now()
	)
	ON CONFLICT (signal_id) DO UPDATE SET
		ath_price          = EXCLUDED.ath_price,
		ath_time           = EXCLUDED.ath_time,
		days_to_ath        = EXCLUDED.days_to_ath,
		day_7_multiplier   = EXCLUDED.day_7_multiplier,
		day_30_multiplier  = EXCLUDED.day_30_multiplier,
		outcome_category   = EXCLUDED.outcome_category,
		trajectory         = EXCLUDED.trajectory,
		peak_timing        = EXCLUDED.peak_timing,
		crash_severity_pct = EXCLUDED.crash_severity_pct,
		is_winner          = EXCLUDED.is_winner,
		status             = EXCLUDED.status,
		predicted_roi      = EXCLUDED.predicted_roi,
		prediction_source  = EXCLUDED.prediction_source,
		provenance         = EXCLUDED.provenance,
		checkpoints        = EXCLUDED.checkpoints,
		updated_at         = now()`

// SignalMirror upserts signals into signal_outcomes. It satisfies the
// tracking store's Mirror interface: the store hands it a clone of every
// signal it persists, so active rows converge to their terminal state.
type SignalMirror struct {
	db      *sqlx.DB
	timeout time.Duration
}

func NewSignalMirror(db *sqlx.DB, timeout time.Duration) *SignalMirror {
	return &SignalMirror{db: db, timeout: timeout}
}

// SaveSignal writes one signal. The store's contract supplies no context;
// the mirror bounds itself with its query timeout.
func (r *SignalMirror) SaveSignal(s *domain.SignalOutcome) error {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	checkpoints, err := json.Marshal(s.Checkpoints)
	if err != nil {
		return fmt.Errorf("marshal checkpoints: %w", err)
	}

	_, err = r.db.ExecContext(ctx, saveSignalQuery,
		s.SignalID, s.ChannelID, s.ChannelName, s.TokenKey(),
		string(s.Token.Chain), s.Token.Address, s.Token.Symbol,
		s.SignalNumber, s.EntryTime, s.EntryPrice, s.ATHPrice, s.ATHTime,
		s.DaysToATH, s.Day7Multiplier, s.Day30Multiplier,
		string(s.OutcomeCategory), string(s.Trajectory), string(s.PeakTiming),
		s.CrashSeverityPct, s.IsWinner, string(s.Status),
		s.PredictedROI, s.PredictionSource, s.Provenance, checkpoints)
	if err != nil {
		return fmt.Errorf("mirror signal %s: %w", s.SignalID, err)
	}
	return nil
}
