package handlers

import "net/http"

// Signals handles GET /signals: the per-signal performance ledger,
// in-flight and settled, in entry order.
func (h *Handlers) Signals(w http.ResponseWriter, r *http.Request) {
	rows := h.deps.Exporter.Performance()
	h.writeList(w, len(rows), rows)
}
