// Package handlers implements the monitor server's endpoints. Every
// handler reads from the tracking books and writes JSON; none mutates.
package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/sawpanic/signalrun/internal/export"
	httpContracts "github.com/sawpanic/signalrun/internal/http"
	"github.com/sawpanic/signalrun/internal/metrics"
	"github.com/sawpanic/signalrun/internal/net/ratelimit"
	"github.com/sawpanic/signalrun/internal/persistence"
	"github.com/sawpanic/signalrun/internal/reputation"
	"github.com/sawpanic/signalrun/internal/store"
)

// Deps are the read surfaces the endpoints serve from. Limits and
// Persist may be nil; their health sections degrade to absent and
// disabled. Metrics may be nil, which drops the /metrics route.
type Deps struct {
	Store    *store.Store
	Rep      *reputation.Engine
	Exporter *export.Exporter
	Limits   *ratelimit.Manager
	Persist  *persistence.Manager
	Metrics  *metrics.Registry
}

// Handlers manages all HTTP endpoint handlers.
type Handlers struct {
	deps Deps
	log  zerolog.Logger
	now  func() time.Time
}

// NewHandlers creates a new handlers instance.
func NewHandlers(deps Deps, logger zerolog.Logger) *Handlers {
	return &Handlers{
		deps: deps,
		log:  logger.With().Str("component", "monitor_handlers").Logger(),
		now:  time.Now,
	}
}

// writeJSON writes a JSON response with proper error handling.
func (h *Handlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		// Fallback error response
		http.Error(w, `{"error":"json_encoding_failed"}`, http.StatusInternalServerError)
	}
}

// writeList wraps one read model in the shared list envelope.
func (h *Handlers) writeList(w http.ResponseWriter, count int, rows any) {
	h.writeJSON(w, http.StatusOK, httpContracts.ListResponse{
		Generated: h.now().UTC(),
		Count:     count,
		Rows:      rows,
	})
}

// writeError writes the standardized error response.
func (h *Handlers) writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	requestID := r.Context().Value("request_id")
	if requestID == nil {
		requestID = "unknown"
	}

	errorResp := httpContracts.ErrorResponse{
		Error:     http.StatusText(status),
		Message:   message,
		Code:      code,
		RequestID: requestID.(string),
		Timestamp: h.now().UTC(),
	}

	h.writeJSON(w, status, errorResp)
}

// NotFound handles 404 responses.
func (h *Handlers) NotFound(w http.ResponseWriter, r *http.Request) {
	h.writeError(w, r, http.StatusNotFound, "endpoint_not_found",
		"The requested endpoint does not exist")
}
