package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSignal(t *testing.T) *SignalOutcome {
	t.Helper()
	token, err := NewTokenRef(ChainSolana, "frogx111", "FROGX")
	require.NoError(t, err)
	entry := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	sig, err := NewSignalOutcome("alpha_calls", "Alpha Calls", token, 1001, 1, nil, entry, 0.001)
	require.NoError(t, err)
	return sig
}

func TestNewSignalOutcomeSeedsATHAtEntry(t *testing.T) {
	sig := newTestSignal(t)
	assert.Equal(t, sig.EntryPrice, sig.ATHPrice)
	assert.Equal(t, sig.EntryTime, sig.ATHTime)
	assert.Equal(t, sig.EntryPrice, sig.CurrentPrice)
	assert.Equal(t, StatusInProgress, sig.Status)
	assert.InDelta(t, 1.0, sig.ATHMultiplier(), 1e-12)
}

func TestNewSignalOutcomeRejectsBadInputs(t *testing.T) {
	token, err := NewTokenRef(ChainSolana, "frogx111", "FROGX")
	require.NoError(t, err)
	entry := time.Now()

	_, err = NewSignalOutcome("ch", "", token, 1, 1, nil, entry, 0)
	assert.Error(t, err, "zero entry price")

	_, err = NewSignalOutcome("ch", "", token, 1, 1, nil, entry, -1)
	assert.Error(t, err, "negative entry price")

	_, err = NewSignalOutcome("ch", "", token, 1, 0, nil, entry, 0.5)
	assert.Error(t, err, "signal number below one")
}

func TestSignalOutcomeValidate(t *testing.T) {
	sig := newTestSignal(t)
	require.NoError(t, sig.Validate())

	broken := sig.Clone()
	broken.ATHPrice = sig.EntryPrice / 2
	assert.Error(t, broken.Validate(), "ath below entry")

	broken = sig.Clone()
	broken.Status = Status("paused")
	assert.Error(t, broken.Validate(), "unknown status")

	broken = sig.Clone()
	broken.Status = StatusCompleted
	assert.Error(t, broken.Validate(), "completed without category")

	done := sig.Clone()
	done.Status = StatusCompleted
	done.OutcomeCategory = OutcomeWinner
	assert.NoError(t, done.Validate())
}

func TestSignalOutcomeCloneIsDeep(t *testing.T) {
	sig := newTestSignal(t)
	price := 0.002
	mult := 2.0
	sig.Checkpoints[Checkpoint1H] = &CheckpointData{
		Timestamp:     sig.EntryTime.Add(time.Hour),
		Price:         &price,
		ROIMultiplier: &mult,
		Reached:       true,
	}
	sig.PreviousSignalIDs = []string{"old-1"}

	dup := sig.Clone()
	*dup.Checkpoints[Checkpoint1H].Price = 99.0
	dup.PreviousSignalIDs[0] = "mutated"

	assert.Equal(t, 0.002, *sig.Checkpoints[Checkpoint1H].Price)
	assert.Equal(t, "old-1", sig.PreviousSignalIDs[0])
}

func TestSignalIDsAreUniquePerMention(t *testing.T) {
	a := newTestSignal(t)
	b := newTestSignal(t)
	assert.NotEqual(t, a.SignalID, b.SignalID)
}

func TestDaysTracked(t *testing.T) {
	sig := newTestSignal(t)
	sig.CurrentTime = sig.EntryTime.Add(36 * time.Hour)
	assert.InDelta(t, 1.5, sig.DaysTracked(), 1e-12)
}
