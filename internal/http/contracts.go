// Package http holds the wire contracts of the monitor server. Handlers
// and clients share these shapes; they carry no behavior.
package http

import "time"

// HealthResponse is the GET /health body.
type HealthResponse struct {
	Status      string                    `json:"status"` // healthy, degraded
	Timestamp   time.Time                 `json:"timestamp"`
	Store       StoreHealth               `json:"store"`
	Reputation  ReputationHealth          `json:"reputation"`
	Providers   map[string]ProviderHealth `json:"providers,omitempty"`
	Persistence PersistenceHealth         `json:"persistence"`
}

// StoreHealth is the tracking store's census.
type StoreHealth struct {
	ActiveSignals    int `json:"active_signals"`
	CompletedSignals int `json:"completed_signals"`
}

// ReputationHealth is the learner's census.
type ReputationHealth struct {
	Channels int `json:"channels"`
	Tokens   int `json:"tokens"`
}

// ProviderHealth is one price provider's rate standing.
type ProviderHealth struct {
	Provider        string  `json:"provider"`
	Status          string  `json:"status"` // healthy, exhausted
	TokensAvailable float64 `json:"tokens_available"`
	DailyUsed       int     `json:"daily_used"`
	DailyCap        int     `json:"daily_cap"` // 0 = uncapped
}

// PersistenceHealth reports the optional SQL mirror.
type PersistenceHealth struct {
	Enabled bool   `json:"enabled"`
	Status  string `json:"status"` // disabled, healthy, down
}

// ListResponse wraps one read model for transport. Rows carries the
// model's row slice; Pagination is present only on paged endpoints.
type ListResponse struct {
	Generated  time.Time       `json:"generated"`
	Count      int             `json:"count"`
	Pagination *PaginationInfo `json:"pagination,omitempty"`
	Rows       any             `json:"rows"`
}

// PaginationInfo describes the window a paged endpoint returned.
type PaginationInfo struct {
	Total   int  `json:"total"`
	Offset  int  `json:"offset"`
	Limit   int  `json:"limit"`
	HasNext bool `json:"has_next"`
}

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	Error     string    `json:"error"`
	Message   string    `json:"message"`
	Code      string    `json:"code"`
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}
