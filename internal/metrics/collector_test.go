package metrics

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/signalrun/internal/domain"
	"github.com/sawpanic/signalrun/internal/net/ratelimit"
	"github.com/sawpanic/signalrun/internal/reputation"
	"github.com/sawpanic/signalrun/internal/store"
)

func seedStore(t *testing.T) (*store.Store, *reputation.Engine) {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(dir, zerolog.Nop())
	require.NoError(t, err)
	rep, err := reputation.Open(dir, reputation.DefaultConfig(), st, zerolog.Nop())
	require.NoError(t, err)

	entry := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	ref, err := domain.NewTokenRef("", "", "AAA")
	require.NoError(t, err)

	done, err := domain.NewSignalOutcome("C1", "Channel", ref, 1, 1, nil, entry, 1.0)
	require.NoError(t, err)
	done.Status = domain.StatusCompleted
	done.OutcomeCategory = domain.OutcomeWinner
	require.NoError(t, st.AddActive(done))
	_, err = st.Archive("C1", "AAA")
	require.NoError(t, err)

	live, err := domain.NewSignalOutcome("C1", "Channel", ref, 2, 2, []string{done.SignalID}, entry.Add(time.Hour), 1.0)
	require.NoError(t, err)
	require.NoError(t, st.AddActive(live))

	rep.RecordMention("C1", "Channel", "AAA", entry)
	return st, rep
}

func TestCollectPollsBooksIntoGauges(t *testing.T) {
	st, rep := seedStore(t)
	limits := ratelimit.NewManager()
	require.NoError(t, limits.SetBudget("coingecko", ratelimit.Budget{PerMinute: 30, PerDay: 100}))

	reg := NewRegistry()
	c := NewCollector(reg, st, rep, limits, zerolog.Nop())
	c.Collect()

	snap, err := reg.Snapshot()
	require.NoError(t, err)

	assert.Equal(t, 1.0, snap["signalrun_active_signals"])
	assert.Equal(t, 1.0, snap["signalrun_completed_signals{outcome=WINNER}"])
	assert.Equal(t, 1.0, snap["signalrun_tracked_channels"])
	assert.Equal(t, 1.0, snap["signalrun_tracked_tokens"])
	assert.Contains(t, snap, "signalrun_provider_budget_cap{provider=coingecko}")
}

func TestCollectWithoutLimiter(t *testing.T) {
	st, rep := seedStore(t)
	reg := NewRegistry()
	NewCollector(reg, st, rep, nil, zerolog.Nop()).Collect()

	snap, err := reg.Snapshot()
	require.NoError(t, err)
	assert.NotContains(t, snap, "signalrun_provider_budget_cap{provider=coingecko}")
}

func TestObserveRequestCountsByRoute(t *testing.T) {
	reg := NewRegistry()
	reg.ObserveRequest("/health", 200, 3*time.Millisecond)
	reg.ObserveRequest("/health", 200, 5*time.Millisecond)
	reg.ObserveRequest("/rankings", 500, time.Millisecond)

	snap, err := reg.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, 2.0, snap["signalrun_http_requests_total{code=200,route=/health}"])
	assert.Equal(t, 1.0, snap["signalrun_http_requests_total{code=500,route=/rankings}"])
	assert.Equal(t, 2.0, snap["signalrun_http_request_duration_seconds{route=/health}"])
}

func TestHandlerServesExposition(t *testing.T) {
	reg := NewRegistry()
	reg.ActiveSignals.Set(7)

	srv := httptest.NewServer(reg.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, 200, resp.StatusCode)
}
