package ingest

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/rs/zerolog"
)

// historyMaxLine bounds one JSONL record; extraction output lines are
// small, anything past this is garbage.
const historyMaxLine = 1 << 20

// HistoryReader loads the extraction layer's archived output: one JSON
// mention per line, nominally chronological.
type HistoryReader struct {
	path string
	log  zerolog.Logger
}

func NewHistoryReader(path string, log zerolog.Logger) *HistoryReader {
	return &HistoryReader{path: path, log: log.With().Str("component", "history_reader").Logger()}
}

// ReadAll returns every parseable mention sorted by entry time (message
// id as tiebreak) plus the count of lines it had to drop. Malformed
// lines are logged and skipped; bootstrap must survive a dirty archive.
func (r *HistoryReader) ReadAll() ([]Mention, int, error) {
	f, err := os.Open(r.path)
	if err != nil {
		return nil, 0, fmt.Errorf("open mention history: %w", err)
	}
	defer f.Close()

	var mentions []Mention
	skipped := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), historyMaxLine)
	line := 0
	for sc.Scan() {
		line++
		raw := strings.TrimSpace(sc.Text())
		if raw == "" {
			continue
		}
		var m Mention
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			r.log.Warn().Err(err).Int("line", line).Msg("Malformed history line skipped")
			skipped++
			continue
		}
		if err := m.normalize(); err != nil {
			r.log.Warn().Err(err).Int("line", line).Msg("Invalid mention skipped")
			skipped++
			continue
		}
		mentions = append(mentions, m)
	}
	if err := sc.Err(); err != nil {
		return nil, skipped, fmt.Errorf("read mention history: %w", err)
	}

	sort.SliceStable(mentions, func(i, j int) bool {
		if !mentions[i].EntryTime.Equal(mentions[j].EntryTime) {
			return mentions[i].EntryTime.Before(mentions[j].EntryTime)
		}
		return mentions[i].MessageID < mentions[j].MessageID
	})

	r.log.Info().
		Int("mentions", len(mentions)).
		Int("skipped", skipped).
		Str("path", r.path).
		Msg("Mention history loaded")
	return mentions, skipped, nil
}
