package handlers

import "net/http"

// Tokens handles GET /tokens: cross-channel consensus per token.
func (h *Handlers) Tokens(w http.ResponseWriter, r *http.Request) {
	rows := h.deps.Exporter.TokenCross()
	h.writeList(w, len(rows), rows)
}

// ChannelTokens handles GET /channel-tokens: per channel-token pair
// learning state with a follow/neutral/avoid call.
func (h *Handlers) ChannelTokens(w http.ResponseWriter, r *http.Request) {
	rows := h.deps.Exporter.ChannelTokens()
	h.writeList(w, len(rows), rows)
}
