package regimen

import (
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/civil"
	"github.com/shopspring/decimal"

	"github.com/drfirst/go-dosing/internal/dosage"
)

// DoseStatus is what happened to a scheduled dose
type DoseStatus string

const (
	DoseTaken   DoseStatus = "taken"
	DoseMissed  DoseStatus = "missed"
	DoseSkipped DoseStatus = "skipped"
	DoseUnknown DoseStatus = "unknown"
)

// ParseDoseStatus parses a status name, case-insensitively
func ParseDoseStatus(s string) (DoseStatus, error) {
	switch st := DoseStatus(strings.ToLower(strings.TrimSpace(s))); st {
	case DoseTaken, DoseMissed, DoseSkipped, DoseUnknown:
		return st, nil
	default:
		return "", fmt.Errorf("%w: unknown status %q", ErrInvalidDose, s)
	}
}

// DoseLogEntry is one logged administration. The expected amount and its
// provenance are captured when the entry is written and never recomputed,
// so later pattern edits do not rewrite history.
type DoseLogEntry struct {
	ID            string              `json:"id"`
	ScheduledDate civil.Date          `json:"scheduled_date"`
	Status        DoseStatus          `json:"status"`
	ActualDose    decimal.NullDecimal `json:"actual_dose"`
	ExpectedDose  decimal.NullDecimal `json:"expected_dose"`
	DoseUnit      string              `json:"dose_unit,omitempty"`
	Source        dosage.Source       `json:"source,omitempty"`

	// ScheduledDayIndex is nil when ScheduledDate was not a dosing day
	ScheduledDayIndex *int `json:"scheduled_day_index,omitempty"`
	// PatternDayNumber is nil when no pattern version covered ScheduledDate
	PatternDayNumber *int   `json:"pattern_day_number,omitempty"`
	PatternVersionID string `json:"pattern_version_id,omitempty"`
	AmbiguousPattern bool   `json:"ambiguous_pattern,omitempty"`

	HasVariance        bool                `json:"has_variance"`
	VarianceAmount     decimal.NullDecimal `json:"variance_amount"`
	VariancePercentage decimal.NullDecimal `json:"variance_percentage"`

	TakenAt     *time.Time `json:"taken_at,omitempty"`
	Notes       string     `json:"notes,omitempty"`
	LoggedBy    string     `json:"logged_by,omitempty"`
	LoggedAt    time.Time  `json:"logged_at"`
	CorrectedAt *time.Time `json:"corrected_at,omitempty"`
}

// LogDoseInput is what a caller reports about a dose
type LogDoseInput struct {
	ScheduledDate civil.Date
	Status        DoseStatus
	ActualDose    decimal.NullDecimal
	TakenAt       *time.Time
	Notes         string
	LoggedBy      string
}

func (in LogDoseInput) validate() error {
	if !in.ScheduledDate.IsValid() {
		return fmt.Errorf("%w: scheduled date %s is not a calendar date", ErrInvalidDose, in.ScheduledDate)
	}
	if _, err := ParseDoseStatus(string(in.Status)); err != nil {
		return err
	}
	if in.Status == DoseTaken {
		if !in.ActualDose.Valid {
			return fmt.Errorf("%w: a taken dose needs an actual amount", ErrInvalidDose)
		}
		if in.ActualDose.Decimal.IsNegative() {
			return fmt.Errorf("%w: actual amount %s is negative", ErrInvalidDose, in.ActualDose.Decimal)
		}
		return nil
	}
	if in.ActualDose.Valid {
		return fmt.Errorf("%w: only taken doses carry an actual amount", ErrInvalidDose)
	}
	return nil
}

// applyVariance assesses actual against the snapshotted expected amount
func (e *DoseLogEntry) applyVariance() {
	e.HasVariance = false
	e.VarianceAmount = decimal.NullDecimal{}
	e.VariancePercentage = decimal.NullDecimal{}
	if e.Status != DoseTaken || !e.ActualDose.Valid {
		return
	}
	v := dosage.ResolveVariance(e.ExpectedDose, e.ActualDose.Decimal)
	e.HasVariance = v.HasVariance
	e.VarianceAmount = v.Amount
	e.VariancePercentage = v.Percentage
}

// AdherenceSummary aggregates the dose log over a date range
type AdherenceSummary struct {
	From         civil.Date `json:"from"`
	To           civil.Date `json:"to"`
	Total        int        `json:"total"`
	Taken        int        `json:"taken"`
	Missed       int        `json:"missed"`
	Skipped      int        `json:"skipped"`
	Unknown      int        `json:"unknown"`
	WithVariance int        `json:"with_variance"`
	// NetVariance sums the signed variance of taken doses
	NetVariance decimal.Decimal `json:"net_variance"`
	// AdherenceRate is taken / (taken + missed + skipped) as a percentage
	AdherenceRate decimal.NullDecimal `json:"adherence_rate"`
}

func summarize(entries []DoseLogEntry, from, to civil.Date) AdherenceSummary {
	s := AdherenceSummary{From: from, To: to}
	for _, e := range entries {
		if e.ScheduledDate.Before(from) || e.ScheduledDate.After(to) {
			continue
		}
		s.Total++
		switch e.Status {
		case DoseTaken:
			s.Taken++
		case DoseMissed:
			s.Missed++
		case DoseSkipped:
			s.Skipped++
		default:
			s.Unknown++
		}
		if e.HasVariance {
			s.WithVariance++
		}
		if e.VarianceAmount.Valid {
			s.NetVariance = s.NetVariance.Add(e.VarianceAmount.Decimal)
		}
	}

	if known := s.Taken + s.Missed + s.Skipped; known > 0 {
		rate := decimal.NewFromInt(int64(s.Taken)).
			Div(decimal.NewFromInt(int64(known))).
			Mul(decimal.NewFromInt(100)).
			Round(2)
		s.AdherenceRate = decimal.NewNullDecimal(rate)
	}
	return s
}
