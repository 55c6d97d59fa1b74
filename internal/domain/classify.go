package domain

// Classify buckets a finished signal from its ATH and day-30 multipliers.
// The CRASH rule is evaluated first and overrides everything: a token that
// collapsed below half of entry by day 30 is a CRASH even when it mooned on
// the way down.
func Classify(athMultiplier, day30Multiplier float64) OutcomeCategory {
	switch {
	case day30Multiplier < 0.5:
		return OutcomeCrash
	case athMultiplier >= 5.0:
		return OutcomeMoon
	case athMultiplier >= 2.0 && day30Multiplier >= 1.0:
		return OutcomeWinner
	case athMultiplier >= 1.5 && day30Multiplier >= 0.9:
		return OutcomeGood
	case athMultiplier >= 1.0 && day30Multiplier >= 0.9:
		return OutcomeBreakEven
	default:
		return OutcomeLoser
	}
}

// IsWinnerCategory reports whether a category counts as a win for
// reputation purposes.
func IsWinnerCategory(cat OutcomeCategory) bool {
	switch cat {
	case OutcomeMoon, OutcomeWinner, OutcomeGood:
		return true
	}
	return false
}

// ClassifyDay7 classifies the mid-flight snapshot at day 7, using only the
// ATH observed so far. There is no day-30 multiplier yet, so the crash rule
// does not apply.
func ClassifyDay7(athSoFarMultiplier float64) OutcomeCategory {
	switch {
	case athSoFarMultiplier >= 5.0:
		return OutcomeMoon
	case athSoFarMultiplier >= 2.0:
		return OutcomeWinner
	case athSoFarMultiplier >= 1.5:
		return OutcomeGood
	default:
		return OutcomeLoser
	}
}

// ClassifyTrajectory compares day-7 and day-30 multipliers. A missing day-7
// reading means nothing can be said about decay, so the signal counts as
// improved with zero severity.
func ClassifyTrajectory(day7Multiplier *float64, day30Multiplier float64) (Trajectory, float64) {
	if day7Multiplier == nil {
		return TrajectoryImproved, 0
	}
	d7 := *day7Multiplier
	if day30Multiplier >= d7 {
		return TrajectoryImproved, 0
	}
	severity := 0.0
	if d7 > 0 {
		severity = (d7 - day30Multiplier) / d7 * 100
	}
	if severity < 0 {
		severity = 0
	}
	return TrajectoryCrashed, severity
}

// ClassifyPeakTiming buckets how quickly the ATH arrived.
func ClassifyPeakTiming(daysToATH float64) PeakTiming {
	if daysToATH <= 7 {
		return EarlyPeaker
	}
	return LatePeaker
}
