package handlers

import (
	"time"

	"cloud.google.com/go/civil"
	"github.com/shopspring/decimal"

	"github.com/drfirst/go-dosing/internal/domain/regimen"
	"github.com/drfirst/go-dosing/internal/dosage"
)

// RegimenResponse is the API view of a regimen
type RegimenResponse struct {
	ID             string              `json:"id"`
	PatientRef     string              `json:"patient_ref"`
	MedicationName string              `json:"medication_name"`
	MedicationCode string              `json:"medication_code,omitempty"`
	Status         regimen.Status      `json:"status"`
	Active         bool                `json:"active"`
	Frequency      dosage.Frequency    `json:"frequency"`
	DosesPerDay    int                 `json:"doses_per_day"`
	StartDate      civil.Date          `json:"start_date"`
	EndDate        *civil.Date         `json:"end_date,omitempty"`
	FixedDose      decimal.NullDecimal `json:"fixed_dose"`
	DoseUnit       string              `json:"dose_unit,omitempty"`
	CurrentPattern string              `json:"current_pattern,omitempty"`
	Source         string              `json:"source,omitempty"`
	Version        int                 `json:"version"`
	CreatedAt      time.Time           `json:"created_at"`
	UpdatedAt      time.Time           `json:"updated_at"`
}

func newRegimenResponse(agg *regimen.Aggregate) RegimenResponse {
	reg := agg.Regimen()
	resp := RegimenResponse{
		ID:             agg.ID(),
		PatientRef:     agg.PatientRef(),
		MedicationName: agg.MedicationName(),
		MedicationCode: agg.MedicationCode(),
		Status:         agg.Status(),
		Active:         reg.Active,
		Frequency:      reg.Frequency,
		DosesPerDay:    reg.Frequency.DosesPerDay(),
		StartDate:      reg.StartDate,
		EndDate:        reg.EndDate,
		FixedDose:      reg.FixedDose,
		DoseUnit:       reg.DoseUnit,
		Source:         agg.Source(),
		Version:        agg.Version(),
		CreatedAt:      agg.CreatedAt(),
		UpdatedAt:      agg.UpdatedAt(),
	}
	if v, ok := dosage.CurrentlyActiveVersion(agg.Patterns()); ok {
		resp.CurrentPattern = dosage.FormatSequence(v.Doses, reg.DoseUnit)
	}
	return resp
}

// PatternResponse is one pattern version
type PatternResponse struct {
	ID          string            `json:"id"`
	Doses       []decimal.Decimal `json:"doses"`
	StartDate   civil.Date        `json:"start_date"`
	EndDate     *civil.Date       `json:"end_date,omitempty"`
	CycleLength int               `json:"cycle_length"`
	Display     string            `json:"display"`
	CreatedAt   time.Time         `json:"created_at"`
}

func newPatternResponse(v dosage.PatternVersion, unit string) PatternResponse {
	return PatternResponse{
		ID:          v.ID,
		Doses:       v.Doses,
		StartDate:   v.StartDate,
		EndDate:     v.EndDate,
		CycleLength: v.CycleLength(),
		Display:     dosage.FormatSequence(v.Doses, unit),
		CreatedAt:   v.CreatedAt,
	}
}

// ResolutionResponse is the expected dose on a date
type ResolutionResponse struct {
	Date              civil.Date          `json:"date"`
	ExpectedDose      decimal.NullDecimal `json:"expected_dose"`
	DoseUnit          string              `json:"dose_unit,omitempty"`
	Source            string              `json:"source"`
	Scheduled         bool                `json:"scheduled"`
	ScheduledDayIndex *int                `json:"scheduled_day_index,omitempty"`
	PatternDayNumber  *int                `json:"pattern_day_number,omitempty"`
	PatternVersionID  string              `json:"pattern_version_id,omitempty"`
	Ambiguous         bool                `json:"ambiguous,omitempty"`
}

func newResolutionResponse(res dosage.Resolution, unit string) ResolutionResponse {
	resp := ResolutionResponse{
		Date:             res.Date,
		ExpectedDose:     res.Dose,
		DoseUnit:         unit,
		Source:           sourceName(res.Source),
		Scheduled:        res.Scheduled,
		PatternVersionID: res.PatternVersionID,
		Ambiguous:        res.Ambiguous,
	}
	if res.Scheduled {
		idx := res.ScheduledDayIndex
		resp.ScheduledDayIndex = &idx
	}
	if res.PatternDayNumber >= 0 && res.PatternVersionID != "" {
		n := res.PatternDayNumber
		resp.PatternDayNumber = &n
	}
	return resp
}

// ScheduledDoseResponse is one upcoming dose
type ScheduledDoseResponse struct {
	Date              civil.Date      `json:"date"`
	Dose              decimal.Decimal `json:"dose"`
	Source            string          `json:"source"`
	ScheduledDayIndex int             `json:"scheduled_day_index"`
	PatternDayNumber  *int            `json:"pattern_day_number,omitempty"`
}

func newScheduledDoseResponse(d dosage.ScheduledDose) ScheduledDoseResponse {
	resp := ScheduledDoseResponse{
		Date:              d.Date,
		Dose:              d.Dose,
		Source:            sourceName(d.Source),
		ScheduledDayIndex: d.ScheduledDayIndex,
	}
	if d.Source == dosage.SourcePattern {
		n := d.PatternDayNumber
		resp.PatternDayNumber = &n
	}
	return resp
}

func sourceName(s dosage.Source) string {
	if s == dosage.SourceNone {
		return "none"
	}
	return string(s)
}
