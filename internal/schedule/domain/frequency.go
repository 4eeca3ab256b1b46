package domain

import (
	"strings"
	"time"
)

const (
	FrequencyOnce       = "once"
	FrequencyDaily      = "daily"
	FrequencyWeekly     = "weekly"
	FrequencyBiweekly   = "biweekly"
	FrequencyMonthly    = "monthly"
	FrequencyBimonthly  = "bimonthly"
	FrequencyQuarterly  = "quarterly"
	FrequencyHalfYearly = "halfyearly"
	FrequencyYearly     = "yearly"
)

var frequencyAliases = map[string]string{
	"once": FrequencyOnce, "unico": FrequencyOnce, "único": FrequencyOnce,
	"daily": FrequencyDaily, "diario": FrequencyDaily,
	"weekly": FrequencyWeekly, "semanal": FrequencyWeekly,
	"biweekly": FrequencyBiweekly, "quincenal": FrequencyBiweekly,
	"monthly": FrequencyMonthly, "mensual": FrequencyMonthly,
	"bimonthly": FrequencyBimonthly, "bimestral": FrequencyBimonthly,
	"quarterly": FrequencyQuarterly, "trimestral": FrequencyQuarterly,
	"halfyearly": FrequencyHalfYearly, "half-yearly": FrequencyHalfYearly, "semestral": FrequencyHalfYearly,
	"yearly": FrequencyYearly, "annual": FrequencyYearly, "anual": FrequencyYearly,
}

// NormalizeFrequency lower-cases and resolves aliases. Blank input yields
// fallback; unknown values are returned lower-cased with ok=false.
func NormalizeFrequency(value, fallback string) (string, bool) {
	key := strings.ToLower(strings.TrimSpace(value))
	if key == "" {
		key = strings.ToLower(strings.TrimSpace(fallback))
	}
	if canonical, ok := frequencyAliases[key]; ok {
		return canonical, true
	}
	return key, false
}

// Periodicity is the processor's name for a frequency.
func Periodicity(frequency string) string {
	switch frequency {
	case FrequencyHalfYearly:
		return "halfYearly"
	case FrequencyOnce:
		return "custom"
	default:
		return frequency
	}
}

// CycleStart returns when cycle n (1-based) of a schedule starting at
// first begins. ok is false for frequencies that never renew.
func CycleStart(first time.Time, frequency string, cycle int) (time.Time, bool) {
	if cycle <= 1 {
		return first, true
	}
	n := cycle - 1
	switch frequency {
	case FrequencyDaily:
		return first.AddDate(0, 0, n), true
	case FrequencyWeekly:
		return first.AddDate(0, 0, 7*n), true
	case FrequencyBiweekly:
		return first.AddDate(0, 0, 14*n), true
	case FrequencyMonthly:
		return addMonths(first, n), true
	case FrequencyBimonthly:
		return addMonths(first, 2*n), true
	case FrequencyQuarterly:
		return addMonths(first, 3*n), true
	case FrequencyHalfYearly:
		return addMonths(first, 6*n), true
	case FrequencyYearly:
		return addMonths(first, 12*n), true
	default:
		return time.Time{}, false
	}
}

// addMonths clamps to the last day of the target month, so Jan 31 + 1
// month is Feb 28/29 rather than March.
func addMonths(t time.Time, months int) time.Time {
	y, m, d := t.Date()
	target := time.Date(y, m+time.Month(months), 1, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
	lastDay := target.AddDate(0, 1, -1).Day()
	if d > lastDay {
		d = lastDay
	}
	return time.Date(target.Year(), target.Month(), d, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}
