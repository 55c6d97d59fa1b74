package reputation

import (
	"math"
	"sort"

	"github.com/sawpanic/signalrun/internal/domain"
)

// Tier thresholds over the composite score. Channels below the minimum
// signal count stay Unreliable no matter what they score.
const (
	tierEliteMin     = 90.0
	tierExcellentMin = 75.0
	tierGoodMin      = 60.0
	tierAverageMin   = 40.0
	tierPoorMin      = 20.0
)

const sharpeEpsilon = 1e-6

// Aggregates are the metrics recomputed over a channel's archived
// signals. They are derived state: never persisted, rebuilt from the
// tracking store whenever a terminal outcome invalidates the cache.
type Aggregates struct {
	TotalSignals      int     `json:"total_signals"`
	Winners           int     `json:"winners"`
	WinRate           float64 `json:"win_rate"`
	AvgROI            float64 `json:"avg_roi"`
	MedianROI         float64 `json:"median_roi"`
	BestROI           float64 `json:"best_roi"`
	WorstROI          float64 `json:"worst_roi"`
	ROIStdDev         float64 `json:"roi_stddev"`
	SharpeLike        float64 `json:"sharpe_like_ratio"`
	AvgDaysToATH      float64 `json:"avg_days_to_ath"`
	EarlyPeakerPct    float64 `json:"early_peaker_pct"`
	LatePeakerPct     float64 `json:"late_peaker_pct"`
	CrashRatePostDay7 float64 `json:"crash_rate_post_day7"`
	SpeedScore        float64 `json:"speed_score"`
	ConfidenceScore   float64 `json:"confidence_score"`
}

// ComputeAggregates folds a set of completed signals into their
// aggregate metrics. A winner here is an ATH multiplier at or above
// winnerThreshold; that is stricter than the per-signal is_winner flag,
// which also admits GOOD outcomes below the threshold.
func ComputeAggregates(completed []*domain.SignalOutcome, winnerThreshold float64) Aggregates {
	n := len(completed)
	if n == 0 {
		return Aggregates{}
	}

	rois := make([]float64, 0, n)
	var sumROI, sumDays float64
	var winners, early, late, crashed int
	for _, sig := range completed {
		roi := sig.ATHMultiplier()
		rois = append(rois, roi)
		sumROI += roi
		sumDays += sig.DaysToATH
		if roi >= winnerThreshold {
			winners++
		}
		switch sig.PeakTiming {
		case domain.EarlyPeaker:
			early++
		case domain.LatePeaker:
			late++
		}
		if sig.Trajectory == domain.TrajectoryCrashed {
			crashed++
		}
	}
	sort.Float64s(rois)

	fn := float64(n)
	avg := sumROI / fn
	var sumSq float64
	for _, roi := range rois {
		d := roi - avg
		sumSq += d * d
	}
	std := math.Sqrt(sumSq / fn)

	a := Aggregates{
		TotalSignals:      n,
		Winners:           winners,
		WinRate:           float64(winners) / fn,
		AvgROI:            avg,
		MedianROI:         median(rois),
		BestROI:           rois[n-1],
		WorstROI:          rois[0],
		ROIStdDev:         std,
		SharpeLike:        (avg - 1.0) / math.Max(std, sharpeEpsilon),
		AvgDaysToATH:      sumDays / fn,
		EarlyPeakerPct:    float64(early) / fn * 100,
		LatePeakerPct:     float64(late) / fn * 100,
		CrashRatePostDay7: float64(crashed) / fn,
	}
	a.SpeedScore = clamp01((14-a.AvgDaysToATH)/14) * 100
	a.ConfidenceScore = clamp01(fn/20) * 100
	return a
}

// median expects rois sorted ascending.
func median(rois []float64) float64 {
	n := len(rois)
	if n%2 == 1 {
		return rois[n/2]
	}
	return (rois[n/2-1] + rois[n/2]) / 2
}

// Score folds the aggregates into the composite reputation score.
// Component weights sum to 100: win rate 30, average ROI 25, sharpe 20,
// speed 15, confidence 10. The ROI and sharpe components clip at their
// weight so one runaway metric cannot carry the whole score.
func (a Aggregates) Score() float64 {
	if a.TotalSignals == 0 {
		return 0
	}
	score := a.WinRate*30 +
		clip((a.AvgROI-1)*100*0.25, 0, 25) +
		clip(a.SharpeLike*10*0.20, 0, 20) +
		a.SpeedScore*0.15 +
		a.ConfidenceScore*0.10
	return clip(score, 0, 100)
}

// TierFor buckets a composite score, flooring channels with fewer than
// minSignals completed signals to Unreliable.
func TierFor(score float64, totalSignals, minSignals int) Tier {
	if totalSignals < minSignals {
		return TierUnreliable
	}
	switch {
	case score >= tierEliteMin:
		return TierElite
	case score >= tierExcellentMin:
		return TierExcellent
	case score >= tierGoodMin:
		return TierGood
	case score >= tierAverageMin:
		return TierAverage
	case score >= tierPoorMin:
		return TierPoor
	default:
		return TierUnreliable
	}
}

// HoldPeriod recommends an exit window from the channel's peak-timing
// split: 70% early peakers means take profit inside the first week,
// 70% late peakers means the channel's picks need room to run.
func (a Aggregates) HoldPeriod() HoldPeriod {
	switch {
	case a.EarlyPeakerPct >= 70:
		return HoldExitEarly
	case a.LatePeakerPct >= 70:
		return HoldLonger
	default:
		return HoldMixed
	}
}

func clamp01(v float64) float64 { return clip(v, 0, 1) }

func clip(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
