// Package mapper turns FHIR R5 MedicationRequest resources into regimen
// creation data.
package mapper

import (
	"fmt"
	"strings"

	"cloud.google.com/go/civil"
	"github.com/shopspring/decimal"

	"github.com/drfirst/go-dosing/internal/domain/regimen"
	"github.com/drfirst/go-dosing/internal/dosage"
	fhir "github.com/drfirst/go-dosing/internal/fhir/r5"
)

// SourceFHIR tags regimens created from a MedicationRequest
const SourceFHIR = "fhir"

// Map error codes, named after the OperationOutcome issue types they render as
const (
	CodeRequired     = fhir.IssueTypeRequired
	CodeInvalidValue = fhir.IssueTypeValue
	CodeNotSupported = fhir.IssueTypeNotSupported
)

// MapError represents a mapping error with the offending element path
type MapError struct {
	Field   string
	Code    string
	Message string
	Cause   error
}

func (e *MapError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (%s)", e.Field, e.Message, e.Cause.Error())
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *MapError) Unwrap() error {
	return e.Cause
}

// timingCodes maps GTS abbreviations onto frequencies
var timingCodes = map[string]dosage.Frequency{
	"QD":  dosage.FrequencyOnceDaily,
	"BID": dosage.FrequencyTwiceDaily,
	"TID": dosage.FrequencyThreeTimesDaily,
	"QID": dosage.FrequencyFourTimesDaily,
	"QOD": dosage.FrequencyEveryOtherDay,
	"WK":  dosage.FrequencyWeekly,
}

// RegimenMapper maps MedicationRequest resources to RegimenCreatedData
type RegimenMapper struct{}

// NewRegimenMapper creates a mapper
func NewRegimenMapper() *RegimenMapper {
	return &RegimenMapper{}
}

// Map extracts the regimen configuration from the primary dosage instruction.
// The original resource is kept on the result as FHIRPayload.
func (m *RegimenMapper) Map(mr *fhir.MedicationRequest) (*regimen.RegimenCreatedData, error) {
	if mr == nil {
		return nil, &MapError{Field: "MedicationRequest", Code: CodeRequired, Message: "medication request is required"}
	}
	if mr.ResourceType != "MedicationRequest" {
		return nil, &MapError{Field: "MedicationRequest.resourceType", Code: CodeInvalidValue,
			Message: fmt.Sprintf("expected MedicationRequest, got %q", mr.ResourceType)}
	}
	switch mr.Status {
	case fhir.StatusCancelled, fhir.StatusCompleted, fhir.StatusEnteredInError, fhir.StatusStopped:
		return nil, &MapError{Field: "MedicationRequest.status", Code: CodeNotSupported,
			Message: fmt.Sprintf("cannot start a regimen from a %s request", mr.Status)}
	}

	patient := mr.GetPatientID()
	if patient == "" {
		return nil, &MapError{Field: "MedicationRequest.subject", Code: CodeRequired, Message: "patient reference is required"}
	}
	name := mr.GetMedicationDisplay()
	if name == "" {
		return nil, &MapError{Field: "MedicationRequest.medication", Code: CodeRequired, Message: "medication display name is required"}
	}

	dosageInstr := mr.PrimaryDosage()
	start, end, err := window(mr, dosageInstr)
	if err != nil {
		return nil, err
	}

	data := &regimen.RegimenCreatedData{
		PatientRef:     patient,
		MedicationName: name,
		Frequency:      frequency(dosageInstr),
		StartDate:      start,
		EndDate:        end,
		Source:         SourceFHIR,
	}
	if _, code := mr.GetMedicationCode(); code != "" {
		data.MedicationCode = code
	}

	if q := doseQuantity(dosageInstr); q != nil {
		if q.Comparator != "" {
			return nil, &MapError{Field: "MedicationRequest.dosageInstruction.doseAndRate.doseQuantity.comparator",
				Code: CodeNotSupported, Message: "dose comparators are not supported"}
		}
		if !q.Value.IsPositive() {
			return nil, &MapError{Field: "MedicationRequest.dosageInstruction.doseAndRate.doseQuantity.value",
				Code: CodeInvalidValue, Message: fmt.Sprintf("dose %s must be positive", q.Value)}
		}
		data.FixedDose = decimal.NewNullDecimal(*q.Value)
		data.DoseUnit = q.DisplayUnit()
	}

	payload, err := mr.ToJSON()
	if err != nil {
		return nil, fmt.Errorf("encode medication request: %w", err)
	}
	data.FHIRPayload = payload
	return data, nil
}

// frequency reads asNeeded, then Timing.code, then Timing.repeat
func frequency(d *fhir.Dosage) dosage.Frequency {
	if d == nil {
		return dosage.FrequencyCustom
	}
	if d.AsNeeded || len(d.AsNeededFor) > 0 {
		return dosage.FrequencyAsNeeded
	}
	if d.Timing == nil {
		return dosage.FrequencyCustom
	}
	if code := strings.ToUpper(strings.TrimSpace(d.Timing.Code.FirstCode())); code != "" {
		if f, ok := timingCodes[code]; ok {
			return f
		}
	}
	if r := d.Timing.Repeat; r != nil {
		return repeatFrequency(r)
	}
	return dosage.FrequencyCustom
}

func repeatFrequency(r *fhir.TimingRepeat) dosage.Frequency {
	if r.FrequencyMax != 0 || r.PeriodMax != 0 || len(r.DayOfWeek) > 0 {
		return dosage.FrequencyCustom
	}
	times := r.Frequency
	if times == 0 {
		times = 1
	}

	switch {
	case r.PeriodUnit == "d" && r.Period == 1:
		switch times {
		case 1:
			return dosage.FrequencyOnceDaily
		case 2:
			return dosage.FrequencyTwiceDaily
		case 3:
			return dosage.FrequencyThreeTimesDaily
		case 4:
			return dosage.FrequencyFourTimesDaily
		}
	case r.PeriodUnit == "d" && r.Period == 2 && times == 1:
		return dosage.FrequencyEveryOtherDay
	case r.PeriodUnit == "d" && r.Period == 7 && times == 1,
		r.PeriodUnit == "wk" && r.Period == 1 && times == 1:
		return dosage.FrequencyWeekly
	}
	return dosage.FrequencyCustom
}

// window reads Timing.repeat.boundsPeriod, falling back to authoredOn for the start
func window(mr *fhir.MedicationRequest, d *fhir.Dosage) (civil.Date, *civil.Date, error) {
	var bounds *fhir.Period
	if d != nil && d.Timing != nil && d.Timing.Repeat != nil {
		bounds = d.Timing.Repeat.BoundsPeriod
	}

	var startValue fhir.DateTime
	field := "MedicationRequest.authoredOn"
	if bounds != nil && !bounds.Start.IsZero() {
		startValue = bounds.Start
		field = "MedicationRequest.dosageInstruction.timing.repeat.boundsPeriod.start"
	} else {
		startValue = mr.AuthoredOn
	}
	if startValue.IsZero() {
		return civil.Date{}, nil, &MapError{Field: field, Code: CodeRequired, Message: "a start date is required"}
	}
	start, err := startValue.Date()
	if err != nil {
		return civil.Date{}, nil, &MapError{Field: field, Code: CodeInvalidValue, Message: "invalid date", Cause: err}
	}

	if bounds == nil || bounds.End.IsZero() {
		return start, nil, nil
	}
	end, err := bounds.End.Date()
	if err != nil {
		return civil.Date{}, nil, &MapError{Field: "MedicationRequest.dosageInstruction.timing.repeat.boundsPeriod.end",
			Code: CodeInvalidValue, Message: "invalid date", Cause: err}
	}
	return start, &end, nil
}

// doseQuantity returns the first doseAndRate entry carrying a dose quantity
func doseQuantity(d *fhir.Dosage) *fhir.Quantity {
	if d == nil {
		return nil
	}
	for _, dr := range d.DoseAndRate {
		if dr.DoseQuantity != nil && dr.DoseQuantity.Value != nil {
			return dr.DoseQuantity
		}
	}
	return nil
}
