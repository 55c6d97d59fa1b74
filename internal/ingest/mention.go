// Package ingest is the seam to the extraction layer: it reads archived
// mention history for bootstrap and receives the live mention stream. The
// chat-platform client and NL extraction live upstream and stay out of
// this process entirely.
package ingest

import (
	"fmt"
	"time"

	"github.com/sawpanic/signalrun/internal/domain"
)

// Mention is one extracted token call: who said it, what they called,
// and when. ExplicitPrefix is true iff the extractor saw a $ or # marker
// on the symbol; the resolver needs it to admit blocklisted tickers.
type Mention struct {
	MessageID      int64           `json:"message_id"`
	ChannelID      string          `json:"channel_id"`
	ChannelName    string          `json:"channel_name"`
	Token          domain.TokenRef `json:"token_ref"`
	EntryTime      time.Time       `json:"entry_time"`
	ExplicitPrefix bool            `json:"explicit_prefix"`
}

// normalize validates a decoded mention and re-derives the token
// reference so symbols and chains follow the canonical spelling no
// matter how the extractor cased them.
func (m *Mention) normalize() error {
	if m.MessageID <= 0 {
		return fmt.Errorf("mention has no message id")
	}
	if m.ChannelID == "" {
		return fmt.Errorf("mention %d has no channel id", m.MessageID)
	}
	if m.EntryTime.IsZero() {
		return fmt.Errorf("mention %d has no entry time", m.MessageID)
	}
	ref, err := domain.NewTokenRef(m.Token.Chain, m.Token.Address, m.Token.Symbol)
	if err != nil {
		return fmt.Errorf("mention %d: %w", m.MessageID, err)
	}
	m.Token = ref
	m.EntryTime = m.EntryTime.UTC()
	return nil
}
