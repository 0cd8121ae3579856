package dosage

import (
	"fmt"
	"iter"

	"cloud.google.com/go/civil"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Source identifies where a resolved dose came from
type Source string

const (
	SourceNone    Source = ""
	SourcePattern Source = "pattern"
	SourceFixed   Source = "fixed"
)

// Resolution is the expected dose on a date plus its provenance.
// It is what the dose-logging workflow snapshots into a log entry.
type Resolution struct {
	Date civil.Date
	// Dose is invalid when no dose applies on Date
	Dose   decimal.NullDecimal
	Source Source
	// Scheduled is set when Date is a dosing day inside the regimen window
	Scheduled bool
	// ScheduledDayIndex is counted from the regimen start
	ScheduledDayIndex int
	// PatternDayNumber is counted from the pattern version start; -1 without a pattern
	PatternDayNumber int
	PatternVersionID string
	// Ambiguous is set when more than one version claimed Date
	Ambiguous bool
}

// HasDose reports whether a dose applies
func (r Resolution) HasDose() bool { return r.Dose.Valid }

// ScheduledDose is one entry of a forward-looking schedule
type ScheduledDose struct {
	Date              civil.Date
	Dose              decimal.Decimal
	ScheduledDayIndex int
	PatternDayNumber  int
	Source            Source
}

// Resolver composes the frequency scheduler, pattern history and pattern
// sequence. It holds no state between calls.
type Resolver struct {
	logger *zap.Logger
}

// NewResolver creates a resolver; ambiguous pattern windows are logged to logger
func NewResolver(logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{logger: logger}
}

// Resolve computes the expected dose for date.
//
// A date outside the regimen window, on an inactive regimen, or on a day the
// frequency skips resolves to no dose. A date covered by a pattern version
// uses that version's cycle, restarted at zero on the version's first dosing
// day. Otherwise the regimen's fixed dose applies, if it has one.
func (r *Resolver) Resolve(reg Regimen, versions []PatternVersion, date civil.Date) (Resolution, error) {
	res := Resolution{Date: date, PatternDayNumber: -1}

	if !reg.Active || !reg.InWindow(date) {
		return res, nil
	}

	idx, ok := ScheduledDayIndex(reg, date)
	if !ok {
		return res, nil
	}
	res.Scheduled = true
	res.ScheduledDayIndex = idx

	version, matches := lookupVersion(versions, date)
	if matches > 1 {
		res.Ambiguous = true
		r.logger.Warn("ambiguous pattern window",
			zap.String("date", date.String()),
			zap.Int("matching_versions", matches),
			zap.String("selected_version", version.ID),
			zap.Error(ErrAmbiguousPatternWindow))
	}

	if matches > 0 {
		day := patternDayNumber(reg, version, idx)
		dose, err := DoseAt(version.Doses, day)
		if err != nil {
			return res, fmt.Errorf("pattern version %q on %s: %w", version.ID, date, err)
		}
		res.Dose = decimal.NewNullDecimal(dose)
		res.Source = SourcePattern
		res.PatternDayNumber = day
		res.PatternVersionID = version.ID
		return res, nil
	}

	if reg.FixedDose.Valid {
		res.Dose = reg.FixedDose
		res.Source = SourceFixed
	}
	return res, nil
}

// patternDayNumber converts a regimen scheduled-day index into the index
// within version, counting dosing days from the version's own start.
func patternDayNumber(reg Regimen, v PatternVersion, scheduledIdx int) int {
	anchor := v.StartDate
	if anchor.Before(reg.StartDate) {
		anchor = reg.StartDate
	}
	return scheduledIdx - scheduledDaysBefore(reg, anchor)
}

// ExpectedDose returns the dose expected on date, or an invalid NullDecimal
// when none applies.
func (r *Resolver) ExpectedDose(reg Regimen, versions []PatternVersion, date civil.Date) (decimal.NullDecimal, error) {
	res, err := r.Resolve(reg, versions, date)
	if err != nil {
		return decimal.NullDecimal{}, err
	}
	return res.Dose, nil
}

// FutureSchedule lazily yields the doses over dayCount calendar days starting
// at from. Days without a dose are skipped, so at most dayCount entries are
// produced. Iteration stops after the first error.
func (r *Resolver) FutureSchedule(reg Regimen, versions []PatternVersion, from civil.Date, dayCount int) iter.Seq2[ScheduledDose, error] {
	return func(yield func(ScheduledDose, error) bool) {
		for i := 0; i < dayCount; i++ {
			date := from.AddDays(i)
			res, err := r.Resolve(reg, versions, date)
			if err != nil {
				yield(ScheduledDose{Date: date}, err)
				return
			}
			if !res.HasDose() {
				continue
			}
			entry := ScheduledDose{
				Date:              date,
				Dose:              res.Dose.Decimal,
				ScheduledDayIndex: res.ScheduledDayIndex,
				PatternDayNumber:  res.PatternDayNumber,
				Source:            res.Source,
			}
			if !yield(entry, nil) {
				return
			}
		}
	}
}

// CollectSchedule materialises FutureSchedule
func (r *Resolver) CollectSchedule(reg Regimen, versions []PatternVersion, from civil.Date, dayCount int) ([]ScheduledDose, error) {
	var out []ScheduledDose
	for entry, err := range r.FutureSchedule(reg, versions, from, dayCount) {
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, nil
}
