package lifecycle

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/signalrun/internal/domain"
	"github.com/sawpanic/signalrun/internal/price"
	"github.com/sawpanic/signalrun/internal/providers"
)

var entry = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

type fakeSource struct {
	sched        domain.Schedule
	entry        time.Time
	atPx         map[time.Duration]float64
	atErr        map[time.Duration]error
	reading      providers.PriceReading
	readErr      error
	currentCalls int
}

func (f *fakeSource) GetAt(_ context.Context, _ domain.TokenRef, at time.Time, _ bool) (float64, error) {
	d := at.Sub(f.entry)
	if err, ok := f.atErr[d]; ok {
		return 0, err
	}
	if px, ok := f.atPx[d]; ok {
		return px, nil
	}
	return 0, &price.Error{Kind: price.FailUnavailable, Op: "get_at"}
}

func (f *fakeSource) GetCurrent(_ context.Context, _ domain.TokenRef, _ bool) (providers.PriceReading, error) {
	f.currentCalls++
	if f.readErr != nil {
		return providers.PriceReading{}, f.readErr
	}
	return f.reading, nil
}

func (f *fakeSource) SmartCheckpoints(entry, now time.Time) []domain.Checkpoint {
	return f.sched.Elapsed(entry, now)
}

func newTestEngine(src *fakeSource) *Engine {
	return NewEngine(src, src.sched, zerolog.Nop())
}

func newSignal(t *testing.T, entryPrice float64) *domain.SignalOutcome {
	t.Helper()
	ref, err := domain.NewTokenRef("", "", "TKN")
	require.NoError(t, err)
	sig, err := domain.NewSignalOutcome("C", "Channel C", ref, 1, 1, nil, entry, entryPrice)
	require.NoError(t, err)
	return sig
}

// dailyWindow builds 31 daily candles from entry; highs overrides by day
// index, everything else sits at base.
func dailyWindow(base float64, highs map[int]float64) price.ForwardWindow {
	w := price.ForwardWindow{Entry: entry}
	for i := 0; i <= 30; i++ {
		high := base
		if h, ok := highs[i]; ok {
			high = h
		}
		w.Candles = append(w.Candles, providers.Candle{
			Day: entry.AddDate(0, 0, i), Open: base, High: high, Low: base, Close: base,
		})
	}
	return w
}

func day(d time.Duration) time.Duration { return d * 24 * time.Hour }

func TestObserve(t *testing.T) {
	src := &fakeSource{sched: domain.DefaultSchedule(), entry: entry}
	e := newTestEngine(src)
	sig := newSignal(t, 100)

	err := e.Observe(sig, entry.Add(time.Hour), -5)
	require.ErrorIs(t, err, ErrCorruptObservation)
	assert.Equal(t, 100.0, sig.CurrentPrice)

	require.NoError(t, e.Observe(sig, entry.Add(time.Hour), 120))
	assert.Equal(t, 120.0, sig.ATHPrice)
	assert.Equal(t, entry.Add(time.Hour), sig.ATHTime)

	// A lower later price moves current but never the ATH.
	require.NoError(t, e.Observe(sig, entry.Add(2*time.Hour), 110))
	assert.Equal(t, 120.0, sig.ATHPrice)
	assert.Equal(t, 110.0, sig.CurrentPrice)
	assert.Equal(t, entry.Add(2*time.Hour), sig.CurrentTime)
}

func TestBackfillFullHistory(t *testing.T) {
	src := &fakeSource{
		sched: domain.DefaultSchedule(),
		entry: entry,
		atPx: map[time.Duration]float64{
			time.Hour:      1000,
			4 * time.Hour:  1005,
			24 * time.Hour: 1020,
			day(3):         1050,
			day(7):         1100,
			day(30):        1200,
		},
	}
	e := newTestEngine(src)
	sig := newSignal(t, 1000)
	window := dailyWindow(1000, map[int]float64{7: 1100, 15: 1600, 20: 1400})

	ev, err := e.Backfill(context.Background(), sig, window, entry.AddDate(0, 0, 90))
	require.NoError(t, err)
	require.NotNil(t, ev)

	assert.Equal(t, domain.StatusCompleted, sig.Status)
	assert.Equal(t, domain.OutcomeGood, sig.OutcomeCategory)
	assert.True(t, sig.IsWinner)
	assert.InDelta(t, 1.6, sig.ATHMultiplier(), 1e-9)
	assert.InDelta(t, 15.0, sig.DaysToATH, 1e-9)
	assert.Equal(t, domain.LatePeaker, sig.PeakTiming)
	assert.Equal(t, domain.TrajectoryImproved, sig.Trajectory)
	assert.Equal(t, 0.0, sig.CrashSeverityPct)

	require.NotNil(t, sig.Day7Multiplier)
	assert.InDelta(t, 1.1, *sig.Day7Multiplier, 1e-9)
	require.NotNil(t, sig.Day30Multiplier)
	assert.InDelta(t, 1.2, *sig.Day30Multiplier, 1e-9)

	cd := sig.Checkpoints[domain.Checkpoint7D]
	require.NotNil(t, cd)
	assert.True(t, cd.Reached)
	assert.InDelta(t, 1.1, *cd.ROIMultiplier, 1e-9)
	assert.InDelta(t, 10.0, *cd.ROIPercentage, 1e-9)

	assert.Equal(t, domain.TrajectoryImproved, ev.Trajectory)
	assert.InDelta(t, 1.2, ev.Day30Multiplier, 1e-9)
	assert.Equal(t, domain.OutcomeGood, ev.OutcomeCategory)
}

func TestBackfillPumpAndDump(t *testing.T) {
	src := &fakeSource{
		sched: domain.DefaultSchedule(),
		entry: entry,
		atPx: map[time.Duration]float64{
			time.Hour:      1.00,
			4 * time.Hour:  1.20,
			24 * time.Hour: 1.50,
			day(3):         8.00,
			day(7):         2.00,
			day(30):        0.30,
		},
	}
	e := newTestEngine(src)
	sig := newSignal(t, 1.00)
	window := dailyWindow(1.0, map[int]float64{2: 10.0, 3: 8.0})

	ev, err := e.Backfill(context.Background(), sig, window, entry.AddDate(0, 0, 60))
	require.NoError(t, err)
	require.NotNil(t, ev)

	assert.Equal(t, domain.OutcomeCrash, sig.OutcomeCategory)
	assert.False(t, sig.IsWinner)
	assert.InDelta(t, 10.0, sig.ATHMultiplier(), 1e-9)
	assert.Equal(t, domain.TrajectoryCrashed, sig.Trajectory)
	assert.InDelta(t, 85.0, sig.CrashSeverityPct, 1e-9)
	assert.Equal(t, domain.EarlyPeaker, sig.PeakTiming)
	assert.InDelta(t, 2.0, sig.DaysToATH, 1e-9)
}

func TestBackfillFreezesDay7ATH(t *testing.T) {
	src := &fakeSource{
		sched: domain.DefaultSchedule(),
		entry: entry,
		atPx: map[time.Duration]float64{
			time.Hour:      1.0,
			4 * time.Hour:  1.0,
			24 * time.Hour: 1.1,
			day(3):         1.4,
			day(7):         1.6,
			day(30):        3.0,
		},
	}
	e := newTestEngine(src)
	sig := newSignal(t, 1.0)
	// The peak lands on day 20, well after the 7d capture.
	window := dailyWindow(1.0, map[int]float64{5: 1.8, 20: 8.0})

	_, err := e.Backfill(context.Background(), sig, window, entry.AddDate(0, 0, 45))
	require.NoError(t, err)

	require.NotNil(t, sig.Day7ATHMultiplier)
	assert.InDelta(t, 1.8, *sig.Day7ATHMultiplier, 1e-9)
	assert.Equal(t, domain.OutcomeGood, sig.Day7Classification)
	assert.Equal(t, domain.OutcomeMoon, sig.OutcomeCategory)
	assert.InDelta(t, 8.0, sig.ATHMultiplier(), 1e-9)
}

func TestBackfillSentinelOnMissingData(t *testing.T) {
	src := &fakeSource{
		sched: domain.DefaultSchedule(),
		entry: entry,
		atPx: map[time.Duration]float64{
			time.Hour:      2.0,
			24 * time.Hour: 2.2,
			day(3):         2.4,
			day(7):         2.5,
			day(30):        2.6,
		},
		// 4h missing on purpose: the fake answers FailUnavailable.
	}
	e := newTestEngine(src)
	sig := newSignal(t, 1.0)

	ev, err := e.Backfill(context.Background(), sig, dailyWindow(2.0, nil), entry.AddDate(0, 0, 40))
	require.NoError(t, err)
	require.NotNil(t, ev)

	cd := sig.Checkpoints[domain.Checkpoint4H]
	require.NotNil(t, cd)
	assert.True(t, cd.Reached)
	assert.Nil(t, cd.Price)
	assert.Nil(t, cd.ROIMultiplier)
	assert.Equal(t, domain.StatusCompleted, sig.Status)
}

func TestBackfillDeadTokenBecomesCrash(t *testing.T) {
	src := &fakeSource{
		sched: domain.DefaultSchedule(),
		entry: entry,
		atPx: map[time.Duration]float64{
			time.Hour:     1.5,
			4 * time.Hour: 1.4,
		},
		atErr: map[time.Duration]error{
			24 * time.Hour: &price.Error{Kind: price.FailDeadToken, Op: "get_at"},
		},
	}
	e := newTestEngine(src)
	sig := newSignal(t, 1.0)

	ev, err := e.Backfill(context.Background(), sig, dailyWindow(1.0, nil), entry.AddDate(0, 0, 40))
	require.NoError(t, err)
	require.NotNil(t, ev)

	assert.Equal(t, domain.OutcomeCrash, sig.OutcomeCategory)
	assert.Equal(t, domain.StatusCompleted, sig.Status)
	assert.Contains(t, sig.Provenance, "dead_token")
	assert.Equal(t, 0.0, ev.Day30Multiplier)
	// The terminal checkpoint was never captured; death is its own exit.
	assert.False(t, sig.CheckpointCaptured(domain.Checkpoint30D))
}

func TestBackfillTransientFailureBumpsRetry(t *testing.T) {
	src := &fakeSource{
		sched: domain.DefaultSchedule(),
		entry: entry,
		atPx: map[time.Duration]float64{
			time.Hour:     1.0,
			4 * time.Hour: 1.1,
		},
		atErr: map[time.Duration]error{
			24 * time.Hour: &price.Error{Kind: price.FailAllProviders, Op: "get_at"},
		},
	}
	e := newTestEngine(src)
	sig := newSignal(t, 1.0)
	window := dailyWindow(1.0, nil)
	now := entry.AddDate(0, 0, 40)

	for want := 1; want <= 2; want++ {
		ev, err := e.Backfill(context.Background(), sig, window, now)
		require.Error(t, err)
		assert.Nil(t, ev)
		assert.Equal(t, want, sig.RetryCount)
		assert.Equal(t, domain.StatusInProgress, sig.Status)
	}
	assert.True(t, sig.CheckpointCaptured(domain.Checkpoint1H))
	assert.True(t, sig.CheckpointCaptured(domain.Checkpoint4H))
	assert.False(t, sig.CheckpointCaptured(domain.Checkpoint24H))

	// Once the upstream recovers, the same signal finishes normally and
	// the counter clears.
	src.atErr = nil
	src.atPx[24*time.Hour] = 1.2
	src.atPx[day(3)] = 1.2
	src.atPx[day(7)] = 1.2
	src.atPx[day(30)] = 1.2
	ev, err := e.Backfill(context.Background(), sig, window, now)
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, 0, sig.RetryCount)
}

func TestForceLoser(t *testing.T) {
	src := &fakeSource{sched: domain.DefaultSchedule(), entry: entry}
	e := newTestEngine(src)
	sig := newSignal(t, 1.0)
	sig.RetryCount = DefaultTerminalRetryLimit

	ev, err := e.ForceLoser(sig, entry.AddDate(0, 0, 35), "advancement failed 3 times at 24h")
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, domain.OutcomeLoser, sig.OutcomeCategory)
	assert.Equal(t, domain.StatusCompleted, sig.Status)
	assert.False(t, sig.IsWinner)
	assert.Contains(t, sig.Provenance, "advancement failed")

	_, err = e.ForceLoser(sig, entry.AddDate(0, 0, 35), "again")
	assert.ErrorIs(t, err, ErrSignalCompleted)
}

func TestAdvanceLiveCapturesDueCheckpoints(t *testing.T) {
	src := &fakeSource{
		sched:   domain.DefaultSchedule(),
		entry:   entry,
		reading: providers.PriceReading{Price: 2.0, Source: "dexscreener"},
	}
	e := newTestEngine(src)
	sig := newSignal(t, 1.0)
	now := entry.Add(25 * time.Hour)

	ev, err := e.AdvanceLive(context.Background(), sig, now)
	require.NoError(t, err)
	assert.Nil(t, ev)
	assert.Equal(t, 1, src.currentCalls)

	for _, cp := range []domain.Checkpoint{domain.Checkpoint1H, domain.Checkpoint4H, domain.Checkpoint24H} {
		cd := sig.Checkpoints[cp]
		require.NotNil(t, cd, string(cp))
		assert.Equal(t, now, cd.Timestamp)
		assert.InDelta(t, 2.0, *cd.ROIMultiplier, 1e-9)
	}
	assert.Equal(t, 2.0, sig.ATHPrice)

	// Nothing newly due: no fetch, no mutation.
	ev, err = e.AdvanceLive(context.Background(), sig, now.Add(time.Minute))
	require.NoError(t, err)
	assert.Nil(t, ev)
	assert.Equal(t, 1, src.currentCalls)
}

func TestAdvanceLiveTerminal(t *testing.T) {
	src := &fakeSource{
		sched:   domain.DefaultSchedule(),
		entry:   entry,
		reading: providers.PriceReading{Price: 0.4, Source: "dexscreener"},
	}
	e := newTestEngine(src)
	sig := newSignal(t, 1.0)

	ev, err := e.AdvanceLive(context.Background(), sig, entry.AddDate(0, 0, 31))
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, domain.OutcomeCrash, sig.OutcomeCategory)
	assert.Equal(t, domain.StatusCompleted, sig.Status)
	assert.Equal(t, domain.TrajectoryImproved, sig.Trajectory)

	_, err = e.AdvanceLive(context.Background(), sig, entry.AddDate(0, 0, 32))
	assert.ErrorIs(t, err, ErrSignalCompleted)
}

func TestAdvanceLiveTransientFailure(t *testing.T) {
	src := &fakeSource{
		sched:   domain.DefaultSchedule(),
		entry:   entry,
		readErr: &price.Error{Kind: price.FailAllProviders, Op: "get_current"},
	}
	e := newTestEngine(src)
	sig := newSignal(t, 1.0)

	ev, err := e.AdvanceLive(context.Background(), sig, entry.Add(2*time.Hour))
	require.Error(t, err)
	assert.Nil(t, ev)
	assert.Equal(t, 1, sig.RetryCount)
	assert.False(t, sig.CheckpointCaptured(domain.Checkpoint1H))
}
