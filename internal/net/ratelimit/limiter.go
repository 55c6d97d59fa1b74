package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// headroomFactor keeps actual usage at 90% of each provider's documented
// budget so bursts of parallel workers never trip the upstream limit.
const headroomFactor = 0.9

// ErrBudgetExhausted is returned when a provider's daily request budget is
// spent. Waiting inside one request deadline cannot recover it.
var ErrBudgetExhausted = errors.New("daily request budget exhausted")

// Budget is a provider's documented request allowance. PerDay of zero means
// the provider publishes no daily cap.
type Budget struct {
	PerMinute int
	PerDay    int
}

// providerLimiter pairs the per-minute token bucket with the daily counter.
type providerLimiter struct {
	bucket *rate.Limiter

	mu       sync.Mutex
	day      time.Time // UTC midnight the counter belongs to
	used     int
	dailyCap int // scaled; 0 = uncapped
}

// Manager holds one limiter per provider. Safe for concurrent use.
type Manager struct {
	mu        sync.RWMutex
	providers map[string]*providerLimiter
	now       func() time.Time
}

// NewManager creates an empty manager. Providers without a registered
// budget pass through unthrottled.
func NewManager() *Manager {
	return &Manager{
		providers: make(map[string]*providerLimiter),
		now:       time.Now,
	}
}

// SetBudget registers or replaces a provider's budget. The bucket is sized
// to 90% of the documented per-minute allowance with a full-minute burst.
func (m *Manager) SetBudget(provider string, b Budget) error {
	if b.PerMinute <= 0 {
		return fmt.Errorf("provider %s: per-minute budget must be positive", provider)
	}
	scaledMinute := int(float64(b.PerMinute) * headroomFactor)
	if scaledMinute < 1 {
		scaledMinute = 1
	}
	scaledDay := 0
	if b.PerDay > 0 {
		scaledDay = int(float64(b.PerDay) * headroomFactor)
		if scaledDay < 1 {
			scaledDay = 1
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.providers[provider] = &providerLimiter{
		bucket:   rate.NewLimiter(rate.Limit(float64(scaledMinute)/60.0), scaledMinute),
		dailyCap: scaledDay,
	}
	return nil
}

func (m *Manager) get(provider string) (*providerLimiter, bool) {
	m.mu.RLock()
	pl, ok := m.providers[provider]
	m.mu.RUnlock()
	return pl, ok
}

// Acquire blocks until the provider may issue one request, or fails fast
// with ErrBudgetExhausted when the daily allowance is gone. Context
// cancellation and deadline expiry surface as the context's error.
func (m *Manager) Acquire(ctx context.Context, provider string) error {
	pl, ok := m.get(provider)
	if !ok {
		return nil // unregistered providers are not throttled
	}
	if err := pl.spendDaily(m.now()); err != nil {
		return fmt.Errorf("provider %s: %w", provider, err)
	}
	if err := pl.bucket.Wait(ctx); err != nil {
		return fmt.Errorf("provider %s: rate wait: %w", provider, err)
	}
	return nil
}

// Allow reports whether one request may go out right now without waiting.
// It consumes a token (and daily budget) when it returns true.
func (m *Manager) Allow(provider string) bool {
	pl, ok := m.get(provider)
	if !ok {
		return true
	}
	pl.mu.Lock()
	defer pl.mu.Unlock()
	day := utcDay(m.now())
	if !day.Equal(pl.day) {
		pl.day = day
		pl.used = 0
	}
	if pl.dailyCap > 0 && pl.used >= pl.dailyCap {
		return false
	}
	if !pl.bucket.Allow() {
		return false
	}
	pl.used++
	return true
}

func (pl *providerLimiter) spendDaily(now time.Time) error {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	day := utcDay(now)
	if !day.Equal(pl.day) {
		pl.day = day
		pl.used = 0
	}
	if pl.dailyCap > 0 && pl.used >= pl.dailyCap {
		return ErrBudgetExhausted
	}
	pl.used++
	return nil
}

func utcDay(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// ProviderStats is a point-in-time view of one provider's limiter.
type ProviderStats struct {
	Provider        string  `json:"provider"`
	TokensAvailable float64 `json:"tokens_available"`
	DailyUsed       int     `json:"daily_used"`
	DailyCap        int     `json:"daily_cap"`
}

// Stats returns statistics for every registered provider.
func (m *Manager) Stats() map[string]ProviderStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]ProviderStats, len(m.providers))
	for name, pl := range m.providers {
		pl.mu.Lock()
		out[name] = ProviderStats{
			Provider:        name,
			TokensAvailable: pl.bucket.Tokens(),
			DailyUsed:       pl.used,
			DailyCap:        pl.dailyCap,
		}
		pl.mu.Unlock()
	}
	return out
}
