// Package dosage computes the dose a patient is expected to take on a calendar
// date and the variance between expected and logged doses.
//
// The package is pure computation over values handed in by the caller. It
// holds no state between calls, performs no I/O and is safe for concurrent use.
// Dates are civil dates with no time of day or zone; amounts are decimals.
package dosage

import (
	"fmt"
	"strings"

	"cloud.google.com/go/civil"
)

// Frequency is how often a regimen is dosed
type Frequency string

const (
	FrequencyOnceDaily       Frequency = "once_daily"
	FrequencyTwiceDaily      Frequency = "twice_daily"
	FrequencyThreeTimesDaily Frequency = "three_times_daily"
	FrequencyFourTimesDaily  Frequency = "four_times_daily"
	FrequencyEveryOtherDay   Frequency = "every_other_day"
	FrequencyWeekly          Frequency = "weekly"
	FrequencyAsNeeded        Frequency = "as_needed"
	FrequencyCustom          Frequency = "custom"
)

// Cadence is the calendar rule a frequency follows
type Cadence int

const (
	CadenceUnknown Cadence = iota
	CadenceDaily
	CadenceEveryOtherDay
	CadenceWeekly
	CadenceOnDemand
)

// String returns the cadence name
func (c Cadence) String() string {
	switch c {
	case CadenceDaily:
		return "daily"
	case CadenceEveryOtherDay:
		return "every_other_day"
	case CadenceWeekly:
		return "weekly"
	case CadenceOnDemand:
		return "on_demand"
	default:
		return "unknown"
	}
}

// ParseFrequency parses a frequency name, case-insensitively
func ParseFrequency(s string) (Frequency, error) {
	f := Frequency(strings.ToLower(strings.TrimSpace(s)))
	if f.Cadence() == CadenceUnknown {
		return "", fmt.Errorf("%w: %q", ErrUnknownFrequency, s)
	}
	return f, nil
}

// Cadence maps the frequency onto its calendar rule
func (f Frequency) Cadence() Cadence {
	switch f {
	case FrequencyOnceDaily, FrequencyTwiceDaily, FrequencyThreeTimesDaily, FrequencyFourTimesDaily:
		return CadenceDaily
	case FrequencyEveryOtherDay:
		return CadenceEveryOtherDay
	case FrequencyWeekly:
		return CadenceWeekly
	case FrequencyAsNeeded, FrequencyCustom:
		return CadenceOnDemand
	default:
		return CadenceUnknown
	}
}

// DosesPerDay returns administrations per scheduled day for display.
// It does not affect which days are scheduled.
func (f Frequency) DosesPerDay() int {
	switch f {
	case FrequencyTwiceDaily:
		return 2
	case FrequencyThreeTimesDaily:
		return 3
	case FrequencyFourTimesDaily:
		return 4
	default:
		return 1
	}
}

// IsScheduledDay reports whether date is a dosing day for the regimen.
// Dates before the regimen start are never scheduled. The end date is not
// checked here; see Resolver.
func IsScheduledDay(r Regimen, date civil.Date) bool {
	_, ok := ScheduledDayIndex(r, date)
	return ok
}

// ScheduledDayIndex returns the zero-based ordinal of date among all dosing
// days since the regimen started, or false when date is not a dosing day.
func ScheduledDayIndex(r Regimen, date civil.Date) (int, bool) {
	elapsed := date.DaysSince(r.StartDate)
	if elapsed < 0 {
		return 0, false
	}

	switch r.Frequency.Cadence() {
	case CadenceDaily, CadenceOnDemand:
		return elapsed, true
	case CadenceEveryOtherDay:
		if elapsed%2 != 0 {
			return 0, false
		}
		return elapsed / 2, true
	case CadenceWeekly:
		if elapsed%7 != 0 {
			return 0, false
		}
		return elapsed / 7, true
	default:
		return 0, false
	}
}

// scheduledDaysBefore counts dosing days in [regimen start, date).
func scheduledDaysBefore(r Regimen, date civil.Date) int {
	elapsed := date.DaysSince(r.StartDate)
	if elapsed <= 0 {
		return 0
	}

	switch r.Frequency.Cadence() {
	case CadenceDaily, CadenceOnDemand:
		return elapsed
	case CadenceEveryOtherDay:
		return (elapsed + 1) / 2
	case CadenceWeekly:
		return (elapsed + 6) / 7
	default:
		return 0
	}
}
