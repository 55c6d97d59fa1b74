package handlers

import "net/http"

// Rankings handles GET /rankings: every tracked channel's reputation,
// ordered best first.
func (h *Handlers) Rankings(w http.ResponseWriter, r *http.Request) {
	rows := h.deps.Exporter.Rankings()
	h.writeList(w, len(rows), rows)
}
