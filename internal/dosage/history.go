package dosage

import (
	"fmt"
	"slices"

	"cloud.google.com/go/civil"
)

// ActiveVersionOn returns the pattern version valid on date.
// Closed versions stay resolvable for the dates they covered.
func ActiveVersionOn(versions []PatternVersion, date civil.Date) (PatternVersion, bool) {
	v, matches := lookupVersion(versions, date)
	return v, matches > 0
}

// CurrentlyActiveVersion returns the open-ended version, if any.
// This is the pattern "in force right now" for display only; resolving a dose
// for today must go through ActiveVersionOn like any other date.
func CurrentlyActiveVersion(versions []PatternVersion) (PatternVersion, bool) {
	var (
		winner PatternVersion
		found  bool
	)
	for _, v := range versions {
		if !v.IsOpen() {
			continue
		}
		if !found || laterVersion(v, winner) {
			winner = v
			found = true
		}
	}
	return winner, found
}

// lookupVersion returns the latest-starting version containing date and how
// many versions contain it. Histories hold tens of entries; a linear scan is fine.
func lookupVersion(versions []PatternVersion, date civil.Date) (PatternVersion, int) {
	var (
		winner  PatternVersion
		matches int
	)
	for _, v := range versions {
		if !v.Contains(date) {
			continue
		}
		if matches == 0 || laterVersion(v, winner) {
			winner = v
		}
		matches++
	}
	return winner, matches
}

// laterVersion orders by start date, then creation time.
func laterVersion(a, b PatternVersion) bool {
	if a.StartDate != b.StartDate {
		return a.StartDate.After(b.StartDate)
	}
	return a.CreatedAt.After(b.CreatedAt)
}

// ValidateHistory checks every version and that no two windows overlap.
// Windows may touch only if one ends the day before the other starts.
func ValidateHistory(versions []PatternVersion) error {
	sorted := slices.Clone(versions)
	slices.SortFunc(sorted, func(a, b PatternVersion) int {
		switch {
		case a.StartDate.Before(b.StartDate):
			return -1
		case a.StartDate.After(b.StartDate):
			return 1
		default:
			return 0
		}
	})

	for i, v := range sorted {
		if err := v.Validate(); err != nil {
			return fmt.Errorf("version %q: %w", v.ID, err)
		}
		if i == 0 {
			continue
		}
		prev := sorted[i-1]
		if prev.EndDate == nil || !prev.EndDate.Before(v.StartDate) {
			return fmt.Errorf("%w: %q starting %s overlaps %q starting %s",
				ErrOverlappingVersions, v.ID, v.StartDate, prev.ID, prev.StartDate)
		}
	}
	return nil
}
