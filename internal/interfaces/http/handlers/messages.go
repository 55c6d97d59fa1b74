package handlers

import (
	"net/http"
	"strconv"

	httpContracts "github.com/sawpanic/signalrun/internal/http"
)

const (
	defaultPageLimit = 100
	maxPageLimit     = 1000
)

// Messages handles GET /messages with limit/offset pagination. The
// MESSAGES model grows by one row per mention, so this is the only
// endpoint that pages. Malformed parameters fall back to defaults.
func (h *Handlers) Messages(w http.ResponseWriter, r *http.Request) {
	limit := defaultPageLimit
	offset := 0

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if parsed, err := strconv.Atoi(limitStr); err == nil && parsed > 0 {
			limit = parsed
			if limit > maxPageLimit {
				limit = maxPageLimit
			}
		}
	}
	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		if parsed, err := strconv.Atoi(offsetStr); err == nil && parsed >= 0 {
			offset = parsed
		}
	}

	rows := h.deps.Exporter.Messages()
	total := len(rows)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	page := rows[offset:end]

	h.writeJSON(w, http.StatusOK, httpContracts.ListResponse{
		Generated: h.now().UTC(),
		Count:     len(page),
		Pagination: &httpContracts.PaginationInfo{
			Total:   total,
			Offset:  offset,
			Limit:   limit,
			HasNext: end < total,
		},
		Rows: page,
	})
}
