package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/signalrun/internal/domain"
	"github.com/sawpanic/signalrun/internal/fsjson"
)

var testEntry = time.Date(2025, 4, 1, 12, 0, 0, 0, time.UTC)

func newSignal(t *testing.T, channelID, symbol string, number int, previous []string) *domain.SignalOutcome {
	t.Helper()
	ref, err := domain.NewTokenRef("", "", symbol)
	require.NoError(t, err)
	sig, err := domain.NewSignalOutcome(channelID, channelID+" name", ref, 1000+int64(number), number, previous, testEntry, 100.0)
	require.NoError(t, err)
	return sig
}

func completeSignal(sig *domain.SignalOutcome) *domain.SignalOutcome {
	sig.Status = domain.StatusCompleted
	sig.OutcomeCategory = domain.OutcomeLoser
	sig.Trajectory = domain.TrajectoryImproved
	sig.PeakTiming = domain.EarlyPeaker
	return sig
}

func openStore(t *testing.T, dir string) *Store {
	t.Helper()
	s, err := Open(dir, zerolog.Nop())
	require.NoError(t, err)
	return s
}

func TestClassifyMentionLifecycle(t *testing.T) {
	s := openStore(t, t.TempDir())

	// Fresh token: signal number 1, no history.
	c := s.ClassifyMention("C", "ETH")
	assert.False(t, c.Duplicate)
	assert.Equal(t, 1, c.NextSignalNumber)
	assert.Empty(t, c.PreviousSignalIDs)

	first := newSignal(t, "C", "ETH", 1, nil)
	require.NoError(t, s.AddActive(first))

	// While active, every re-mention is a duplicate.
	c = s.ClassifyMention("C", "ETH")
	assert.True(t, c.Duplicate)

	// Another channel mentioning the same token is independent.
	c = s.ClassifyMention("D", "ETH")
	assert.False(t, c.Duplicate)
	assert.Equal(t, 1, c.NextSignalNumber)

	completeSignal(first)
	require.NoError(t, s.UpdateActive(first))
	_, err := s.Archive("C", "ETH")
	require.NoError(t, err)

	// After completion the next mention starts signal 2 carrying the
	// prior id.
	c = s.ClassifyMention("C", "ETH")
	assert.False(t, c.Duplicate)
	assert.Equal(t, 2, c.NextSignalNumber)
	assert.Equal(t, []string{first.SignalID}, c.PreviousSignalIDs)
}

func TestAddActiveRejectsWrongNumber(t *testing.T) {
	s := openStore(t, t.TempDir())

	err := s.AddActive(newSignal(t, "C", "ETH", 2, nil))
	require.Error(t, err)
	assert.True(t, IsErrorKind(err, ErrInvariant))
}

func TestAddActiveRejectsSecondForSameMention(t *testing.T) {
	s := openStore(t, t.TempDir())
	require.NoError(t, s.AddActive(newSignal(t, "C", "ETH", 1, nil)))

	err := s.AddActive(newSignal(t, "C", "ETH", 1, nil))
	require.Error(t, err)
	assert.True(t, IsErrorKind(err, ErrInvariant))
}

func TestUpdateActiveChecksIdentity(t *testing.T) {
	s := openStore(t, t.TempDir())
	sig := newSignal(t, "C", "ETH", 1, nil)
	require.NoError(t, s.AddActive(sig))

	sig.ATHPrice = 250
	sig.CurrentPrice = 240
	require.NoError(t, s.UpdateActive(sig))
	got, ok := s.ActiveFor("C", "ETH")
	require.True(t, ok)
	assert.Equal(t, 250.0, got.ATHPrice)

	imposter := newSignal(t, "C", "ETH", 1, nil)
	err := s.UpdateActive(imposter)
	require.Error(t, err)
	assert.True(t, IsErrorKind(err, ErrInvariant))
}

func TestArchiveRequiresTerminalStatus(t *testing.T) {
	s := openStore(t, t.TempDir())
	require.NoError(t, s.AddActive(newSignal(t, "C", "ETH", 1, nil)))

	_, err := s.Archive("C", "ETH")
	require.Error(t, err)
	assert.True(t, IsErrorKind(err, ErrInvariant))
}

func TestRoundTripPersistence(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir)

	done := completeSignal(newSignal(t, "C", "ETH", 1, nil))
	require.NoError(t, s.AddActive(done))
	_, err := s.Archive("C", "ETH")
	require.NoError(t, err)

	second := newSignal(t, "C", "ETH", 2, []string{done.SignalID})
	require.NoError(t, s.AddActive(second))
	require.NoError(t, s.AddActive(newSignal(t, "D", "SOL", 1, nil)))

	// A fresh process over the same directory sees identical state.
	reopened := openStore(t, dir)
	assert.Equal(t, s.Active(), reopened.Active())
	assert.Equal(t, s.Completed(), reopened.Completed())

	c := reopened.ClassifyMention("C", "ETH")
	assert.True(t, c.Duplicate)
	a, completed := reopened.Counts()
	assert.Equal(t, 2, a)
	assert.Equal(t, 1, completed)
}

func TestLoadKeepsArchivedCopyOnIDCollision(t *testing.T) {
	dir := t.TempDir()

	done := completeSignal(newSignal(t, "C", "ETH", 1, nil))
	stale := done.Clone()
	require.NoError(t, fsjson.WriteAtomic(filepath.Join(dir, completedFileName),
		signalFile{Version: trackingVersion, Signals: []*domain.SignalOutcome{done}}))
	require.NoError(t, fsjson.WriteAtomic(filepath.Join(dir, activeFileName),
		signalFile{Version: trackingVersion, Signals: []*domain.SignalOutcome{stale}}))

	s := openStore(t, dir)
	_, ok := s.ActiveFor("C", "ETH")
	assert.False(t, ok)
	assert.Len(t, s.CompletedFor("C", "ETH"), 1)
}

func TestLoadVersionMismatchFatal(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, fsjson.WriteAtomic(filepath.Join(dir, activeFileName),
		signalFile{Version: trackingVersion + 1}))

	_, err := Open(dir, zerolog.Nop())
	require.Error(t, err)
	assert.True(t, IsErrorKind(err, ErrVersion))
}

func TestRecoverInterruptedArchiveBeforeSecondWrite(t *testing.T) {
	dir := t.TempDir()
	sig := completeSignal(newSignal(t, "C", "T1", 1, nil))

	// Simulates a kill after active_tracking.json was emptied but before
	// completed_history.json was written: the signal is in no file, only
	// in the backup journal.
	require.NoError(t, fsjson.WriteAtomic(filepath.Join(dir, backupFileName),
		signalFile{Version: trackingVersion, Signals: []*domain.SignalOutcome{sig}}))
	require.NoError(t, fsjson.WriteAtomic(filepath.Join(dir, activeFileName),
		signalFile{Version: trackingVersion}))

	s := openStore(t, dir)
	got, ok := s.ActiveFor("C", "T1")
	require.True(t, ok)
	assert.Equal(t, sig.SignalID, got.SignalID)
	assert.Empty(t, s.CompletedFor("C", "T1"))
	_, err := os.Stat(filepath.Join(dir, backupFileName))
	assert.True(t, os.IsNotExist(err))
}

func TestRecoverInterruptedArchiveAfterSecondWrite(t *testing.T) {
	dir := t.TempDir()
	sig := completeSignal(newSignal(t, "C", "T1", 1, nil))

	// Kill landed after both rewrites but before the journal was removed:
	// the archive finished, so the backup must not resurrect the signal.
	require.NoError(t, fsjson.WriteAtomic(filepath.Join(dir, backupFileName),
		signalFile{Version: trackingVersion, Signals: []*domain.SignalOutcome{sig}}))
	require.NoError(t, fsjson.WriteAtomic(filepath.Join(dir, activeFileName),
		signalFile{Version: trackingVersion}))
	require.NoError(t, fsjson.WriteAtomic(filepath.Join(dir, completedFileName),
		signalFile{Version: trackingVersion, Signals: []*domain.SignalOutcome{sig}}))

	s := openStore(t, dir)
	_, ok := s.ActiveFor("C", "T1")
	assert.False(t, ok)
	assert.Len(t, s.CompletedFor("C", "T1"), 1)
	_, err := os.Stat(filepath.Join(dir, backupFileName))
	assert.True(t, os.IsNotExist(err))
}

func TestArchiveRemovesBackupOnSuccess(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir)
	require.NoError(t, s.AddActive(completeSignal(newSignal(t, "C", "ETH", 1, nil))))

	_, err := s.Archive("C", "ETH")
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, backupFileName))
	assert.True(t, os.IsNotExist(err))
}

type recordingMirror struct {
	ids []string
}

func (m *recordingMirror) SaveSignal(s *domain.SignalOutcome) error {
	m.ids = append(m.ids, s.SignalID)
	return nil
}

func TestMirrorReceivesEveryPersist(t *testing.T) {
	s := openStore(t, t.TempDir())
	mirror := &recordingMirror{}
	s.SetMirror(mirror)

	sig := newSignal(t, "C", "ETH", 1, nil)
	require.NoError(t, s.AddActive(sig))
	completeSignal(sig)
	require.NoError(t, s.UpdateActive(sig))
	_, err := s.Archive("C", "ETH")
	require.NoError(t, err)

	assert.Equal(t, []string{sig.SignalID, sig.SignalID, sig.SignalID}, mirror.ids)
}
