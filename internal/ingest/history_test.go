package ingest

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/signalrun/internal/domain"
)

func writeHistory(t *testing.T, lines string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mentions.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(lines), 0o644))
	return path
}

func TestHistoryReaderSortsAndSkips(t *testing.T) {
	path := writeHistory(t, `
{"message_id": 2, "channel_id": "C", "channel_name": "Alpha", "token_ref": {"symbol": "eth"}, "entry_time": "2025-01-02T00:00:00Z"}
this line is not json
{"message_id": 1, "channel_id": "C", "channel_name": "Alpha", "token_ref": {"chain": "evm", "address": "0xAbC"}, "entry_time": "2025-01-01T00:00:00Z", "explicit_prefix": true}
{"message_id": 3, "channel_id": "", "token_ref": {"symbol": "BTC"}, "entry_time": "2025-01-03T00:00:00Z"}
`)

	mentions, skipped, err := NewHistoryReader(path, zerolog.Nop()).ReadAll()
	require.NoError(t, err)
	assert.Equal(t, 2, skipped, "one malformed line, one mention without a channel")
	require.Len(t, mentions, 2)

	assert.Equal(t, int64(1), mentions[0].MessageID, "earlier entry time sorts first")
	assert.True(t, mentions[0].ExplicitPrefix)
	assert.Equal(t, domain.ChainEVM, mentions[0].Token.Chain)

	assert.Equal(t, int64(2), mentions[1].MessageID)
	assert.Equal(t, "ETH", mentions[1].Token.Symbol, "symbols normalize to upper case")
	assert.Equal(t, time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC), mentions[1].EntryTime)
}

func TestHistoryReaderTiebreaksOnMessageID(t *testing.T) {
	path := writeHistory(t, `
{"message_id": 11, "channel_id": "C", "token_ref": {"symbol": "A"}, "entry_time": "2025-01-01T00:00:00Z"}
{"message_id": 10, "channel_id": "C", "token_ref": {"symbol": "B"}, "entry_time": "2025-01-01T00:00:00Z"}
`)

	mentions, skipped, err := NewHistoryReader(path, zerolog.Nop()).ReadAll()
	require.NoError(t, err)
	assert.Zero(t, skipped)
	require.Len(t, mentions, 2)
	assert.Equal(t, int64(10), mentions[0].MessageID)
	assert.Equal(t, int64(11), mentions[1].MessageID)
}

func TestHistoryReaderMissingFile(t *testing.T) {
	_, _, err := NewHistoryReader(filepath.Join(t.TempDir(), "nope.jsonl"), zerolog.Nop()).ReadAll()
	assert.Error(t, err)
}
