package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/signalrun/internal/fsjson"
)

func TestProgressRoundTrip(t *testing.T) {
	dir := t.TempDir()

	_, ok, err := LoadProgress(dir)
	require.NoError(t, err)
	assert.False(t, ok)

	p := BootstrapProgress{
		TotalMessages:          5000,
		ProcessedMessages:      1200,
		LastProcessedMessageID: 88421,
		LastCheckpointTime:     time.Date(2025, 4, 1, 12, 0, 0, 0, time.UTC),
		SuccessfulOutcomes:     1100,
		FailedOutcomes:         100,
	}
	require.NoError(t, SaveProgress(dir, p))

	got, ok, err := LoadProgress(dir)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, p, got)

	require.NoError(t, ClearProgress(dir))
	_, ok, err = LoadProgress(dir)
	require.NoError(t, err)
	assert.False(t, ok)

	// Clearing twice is harmless.
	assert.NoError(t, ClearProgress(dir))
}

func TestProgressVersionMismatch(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, fsjson.WriteAtomic(filepath.Join(dir, progressFileName),
		progressFile{Version: progressVersion + 1}))

	_, _, err := LoadProgress(dir)
	require.Error(t, err)
	assert.True(t, IsErrorKind(err, ErrVersion))
}
