package handlers

import (
	"net/http"

	httpContracts "github.com/sawpanic/signalrun/internal/http"
)

// Health handles GET /health. The report is assembled from the live
// books and limiters, not cached; an exhausted provider budget or an
// unreachable mirror degrades the overall status.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	active, completed := h.deps.Store.Counts()
	channels, tokens := h.deps.Rep.Counts()

	var providers map[string]httpContracts.ProviderHealth
	if h.deps.Limits != nil {
		stats := h.deps.Limits.Stats()
		providers = make(map[string]httpContracts.ProviderHealth, len(stats))
		for name, ps := range stats {
			providerStatus := "healthy"
			if ps.DailyCap > 0 && ps.DailyUsed >= ps.DailyCap {
				providerStatus = "exhausted"
				status = "degraded"
			}
			providers[name] = httpContracts.ProviderHealth{
				Provider:        ps.Provider,
				Status:          providerStatus,
				TokensAvailable: ps.TokensAvailable,
				DailyUsed:       ps.DailyUsed,
				DailyCap:        ps.DailyCap,
			}
		}
	}

	persist := httpContracts.PersistenceHealth{Status: "disabled"}
	if h.deps.Persist != nil && h.deps.Persist.IsEnabled() {
		persist.Enabled = true
		if err := h.deps.Persist.Ping(r.Context()); err != nil {
			persist.Status = "down"
			status = "degraded"
			h.log.Warn().Err(err).Msg("Persistence mirror unreachable")
		} else {
			persist.Status = "healthy"
		}
	}

	response := httpContracts.HealthResponse{
		Status:    status,
		Timestamp: h.now().UTC(),
		Store: httpContracts.StoreHealth{
			ActiveSignals:    active,
			CompletedSignals: completed,
		},
		Reputation: httpContracts.ReputationHealth{
			Channels: channels,
			Tokens:   tokens,
		},
		Providers:   providers,
		Persistence: persist,
	}

	h.writeJSON(w, http.StatusOK, response)
}
