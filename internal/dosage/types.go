package dosage

import (
	"fmt"
	"time"

	"cloud.google.com/go/civil"
	"github.com/shopspring/decimal"
)

// MaxPatternLength bounds the number of doses in one pattern cycle
const MaxPatternLength = 365

// Regimen is the medication-level dosing configuration
type Regimen struct {
	Frequency Frequency
	StartDate civil.Date
	// EndDate is inclusive; nil means open-ended
	EndDate *civil.Date
	Active  bool
	// FixedDose applies only when no pattern version covers a date
	FixedDose decimal.NullDecimal
	DoseUnit  string
}

// Validate checks the regimen invariants
func (r Regimen) Validate() error {
	if r.Frequency.Cadence() == CadenceUnknown {
		return fmt.Errorf("%w: %w: %q", ErrInvalidRegimen, ErrUnknownFrequency, r.Frequency)
	}
	if !r.StartDate.IsValid() {
		return fmt.Errorf("%w: start date %s is not a calendar date", ErrInvalidRegimen, r.StartDate)
	}
	if r.EndDate != nil && r.EndDate.Before(r.StartDate) {
		return fmt.Errorf("%w: end date %s before start date %s", ErrInvalidRegimen, r.EndDate, r.StartDate)
	}
	if r.FixedDose.Valid && !r.FixedDose.Decimal.IsPositive() {
		return fmt.Errorf("%w: fixed dose must be positive", ErrInvalidRegimen)
	}
	return nil
}

// InWindow reports whether date falls inside [start, end]
func (r Regimen) InWindow(date civil.Date) bool {
	if date.Before(r.StartDate) {
		return false
	}
	return r.EndDate == nil || !date.After(*r.EndDate)
}

// PatternVersion is one time-bounded definition of a repeating dose cycle
type PatternVersion struct {
	ID        string
	Doses     []decimal.Decimal
	StartDate civil.Date
	// EndDate is inclusive; nil means the version is still in force
	EndDate   *civil.Date
	CreatedAt time.Time
}

// IsOpen reports whether the version has no end date
func (v PatternVersion) IsOpen() bool { return v.EndDate == nil }

// Contains reports whether date falls inside the version window
func (v PatternVersion) Contains(date civil.Date) bool {
	if date.Before(v.StartDate) {
		return false
	}
	return v.EndDate == nil || !date.After(*v.EndDate)
}

// CycleLength returns the number of doses in one cycle
func (v PatternVersion) CycleLength() int { return len(v.Doses) }

// Validate checks the version invariants
func (v PatternVersion) Validate() error {
	if len(v.Doses) == 0 {
		return fmt.Errorf("%w: %w", ErrInvalidPattern, ErrEmptySequence)
	}
	if len(v.Doses) > MaxPatternLength {
		return fmt.Errorf("%w: %d doses exceeds maximum of %d", ErrInvalidPattern, len(v.Doses), MaxPatternLength)
	}
	for i, d := range v.Doses {
		if !d.IsPositive() {
			return fmt.Errorf("%w: dose %d is %s, must be positive", ErrInvalidPattern, i, d)
		}
	}
	if !v.StartDate.IsValid() {
		return fmt.Errorf("%w: start date %s is not a calendar date", ErrInvalidPattern, v.StartDate)
	}
	if v.EndDate != nil && v.EndDate.Before(v.StartDate) {
		return fmt.Errorf("%w: end date %s before start date %s", ErrInvalidPattern, v.EndDate, v.StartDate)
	}
	return nil
}
