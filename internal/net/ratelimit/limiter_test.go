package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestManager_HeadroomScaling(t *testing.T) {
	m := NewManager()
	if err := m.SetBudget("coingecko", Budget{PerMinute: 10, PerDay: 100}); err != nil {
		t.Fatalf("SetBudget: %v", err)
	}

	stats := m.Stats()["coingecko"]
	// 90% of 10/min leaves a 9-token burst; 90% of 100/day leaves 90.
	if stats.DailyCap != 90 {
		t.Errorf("daily cap = %d, want 90", stats.DailyCap)
	}
	if stats.TokensAvailable < 8.9 || stats.TokensAvailable > 9.1 {
		t.Errorf("initial tokens = %v, want ~9", stats.TokensAvailable)
	}
}

func TestManager_AllowBurstThenBlock(t *testing.T) {
	m := NewManager()
	// 2/min scales to 1 token after headroom.
	if err := m.SetBudget("dexscreener", Budget{PerMinute: 2}); err != nil {
		t.Fatalf("SetBudget: %v", err)
	}

	if !m.Allow("dexscreener") {
		t.Error("first request should be allowed")
	}
	if m.Allow("dexscreener") {
		t.Error("second request should be blocked until refill")
	}
}

func TestManager_UnregisteredProviderPasses(t *testing.T) {
	m := NewManager()
	if !m.Allow("unknown") {
		t.Error("unregistered provider should not be throttled")
	}
	if err := m.Acquire(context.Background(), "unknown"); err != nil {
		t.Errorf("Acquire on unregistered provider: %v", err)
	}
}

func TestManager_DailyBudgetExhaustion(t *testing.T) {
	m := NewManager()
	// PerDay 2 scales to 1 after headroom.
	if err := m.SetBudget("cryptocompare", Budget{PerMinute: 600, PerDay: 2}); err != nil {
		t.Fatalf("SetBudget: %v", err)
	}

	if err := m.Acquire(context.Background(), "cryptocompare"); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	err := m.Acquire(context.Background(), "cryptocompare")
	if !errors.Is(err, ErrBudgetExhausted) {
		t.Errorf("second acquire = %v, want ErrBudgetExhausted", err)
	}
}

func TestManager_DailyCounterResetsAtUTCMidnight(t *testing.T) {
	m := NewManager()
	if err := m.SetBudget("cryptocompare", Budget{PerMinute: 600, PerDay: 2}); err != nil {
		t.Fatalf("SetBudget: %v", err)
	}

	day1 := time.Date(2025, 6, 1, 23, 59, 0, 0, time.UTC)
	m.now = func() time.Time { return day1 }
	if err := m.Acquire(context.Background(), "cryptocompare"); err != nil {
		t.Fatalf("day1 acquire: %v", err)
	}
	if err := m.Acquire(context.Background(), "cryptocompare"); !errors.Is(err, ErrBudgetExhausted) {
		t.Fatalf("day1 second acquire = %v, want exhausted", err)
	}

	m.now = func() time.Time { return day1.Add(2 * time.Minute) } // past midnight
	if err := m.Acquire(context.Background(), "cryptocompare"); err != nil {
		t.Errorf("acquire after midnight reset: %v", err)
	}
}

func TestManager_AcquireHonorsDeadline(t *testing.T) {
	m := NewManager()
	// 1/min after headroom: second acquire would need to wait over a minute.
	if err := m.SetBudget("mobula", Budget{PerMinute: 1}); err != nil {
		t.Fatalf("SetBudget: %v", err)
	}

	if err := m.Acquire(context.Background(), "mobula"); err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	err := m.Acquire(ctx, "mobula")
	if err == nil {
		t.Fatal("second acquire should fail on deadline")
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("deadline acquire took %v, should fail fast", elapsed)
	}
}

func TestManager_ConcurrentAcquire(t *testing.T) {
	m := NewManager()
	if err := m.SetBudget("dexscreener", Budget{PerMinute: 600}); err != nil {
		t.Fatalf("SetBudget: %v", err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- m.Acquire(context.Background(), "dexscreener")
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Errorf("concurrent acquire: %v", err)
		}
	}
}
