package mapper

import (
	"encoding/json"
	"errors"
	"testing"

	"cloud.google.com/go/civil"

	"github.com/drfirst/go-dosing/internal/dosage"
	fhir "github.com/drfirst/go-dosing/internal/fhir/r5"
)

func decodeRequest(t *testing.T, payload string) *fhir.MedicationRequest {
	t.Helper()
	var mr fhir.MedicationRequest
	if err := json.Unmarshal([]byte(payload), &mr); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return &mr
}

const warfarinRequest = `{
	"resourceType": "MedicationRequest",
	"status": "active",
	"intent": "order",
	"subject": {"reference": "Patient/p-1"},
	"authoredOn": "2024-01-10T08:00:00Z",
	"medication": {"concept": {
		"text": "Warfarin",
		"coding": [{"system": "http://www.nlm.nih.gov/research/umls/rxnorm", "code": "11289"}]
	}},
	"dosageInstruction": [{
		"timing": {
			"code": {"coding": [{"system": "http://terminology.hl7.org/CodeSystem/v3-GTSAbbreviation", "code": "QOD"}]},
			"repeat": {"boundsPeriod": {"start": "2024-01-15", "end": "2024-06-30"}}
		},
		"doseAndRate": [{"doseQuantity": {"value": 5, "unit": "mg"}}]
	}]
}`

func TestMapMedicationRequest(t *testing.T) {
	data, err := NewRegimenMapper().Map(decodeRequest(t, warfarinRequest))
	if err != nil {
		t.Fatalf("map: %v", err)
	}

	if data.PatientRef != "p-1" || data.MedicationName != "Warfarin" || data.MedicationCode != "11289" {
		t.Errorf("identity = %q %q %q", data.PatientRef, data.MedicationName, data.MedicationCode)
	}
	if data.Frequency != dosage.FrequencyEveryOtherDay {
		t.Errorf("frequency = %s", data.Frequency)
	}
	if data.StartDate != (civil.Date{Year: 2024, Month: 1, Day: 15}) {
		t.Errorf("start = %s", data.StartDate)
	}
	if data.EndDate == nil || *data.EndDate != (civil.Date{Year: 2024, Month: 6, Day: 30}) {
		t.Errorf("end = %v", data.EndDate)
	}
	if !data.FixedDose.Valid || data.FixedDose.Decimal.String() != "5" || data.DoseUnit != "mg" {
		t.Errorf("dose = %v %s", data.FixedDose, data.DoseUnit)
	}
	if data.Source != SourceFHIR || len(data.FHIRPayload) == 0 {
		t.Errorf("source = %q, payload %d bytes", data.Source, len(data.FHIRPayload))
	}
}

func TestMapStartFallsBackToAuthoredOn(t *testing.T) {
	mr := decodeRequest(t, warfarinRequest)
	mr.DosageInstruction[0].Timing.Repeat.BoundsPeriod = nil

	data, err := NewRegimenMapper().Map(mr)
	if err != nil {
		t.Fatal(err)
	}
	if data.StartDate != (civil.Date{Year: 2024, Month: 1, Day: 10}) || data.EndDate != nil {
		t.Errorf("window = %s..%v", data.StartDate, data.EndDate)
	}
}

func TestFrequencyMapping(t *testing.T) {
	code := func(c string) *fhir.Timing {
		return &fhir.Timing{Code: &fhir.CodeableConcept{Coding: []fhir.Coding{{Code: c}}}}
	}
	repeat := func(freq int, period float64, unit string) *fhir.Timing {
		return &fhir.Timing{Repeat: &fhir.TimingRepeat{Frequency: freq, Period: period, PeriodUnit: unit}}
	}

	tests := []struct {
		name   string
		dosage *fhir.Dosage
		want   dosage.Frequency
	}{
		{"no dosage", nil, dosage.FrequencyCustom},
		{"no timing", &fhir.Dosage{}, dosage.FrequencyCustom},
		{"as needed", &fhir.Dosage{AsNeeded: true, Timing: code("QD")}, dosage.FrequencyAsNeeded},
		{"as needed for", &fhir.Dosage{AsNeededFor: []fhir.CodeableConcept{{Text: "pain"}}}, dosage.FrequencyAsNeeded},
		{"QD", &fhir.Dosage{Timing: code("QD")}, dosage.FrequencyOnceDaily},
		{"bid lower case", &fhir.Dosage{Timing: code("bid")}, dosage.FrequencyTwiceDaily},
		{"TID", &fhir.Dosage{Timing: code("TID")}, dosage.FrequencyThreeTimesDaily},
		{"QID", &fhir.Dosage{Timing: code("QID")}, dosage.FrequencyFourTimesDaily},
		{"WK", &fhir.Dosage{Timing: code("WK")}, dosage.FrequencyWeekly},
		{"unknown code", &fhir.Dosage{Timing: code("Q4H")}, dosage.FrequencyCustom},
		{"1 per day", &fhir.Dosage{Timing: repeat(1, 1, "d")}, dosage.FrequencyOnceDaily},
		{"implicit once", &fhir.Dosage{Timing: repeat(0, 1, "d")}, dosage.FrequencyOnceDaily},
		{"2 per day", &fhir.Dosage{Timing: repeat(2, 1, "d")}, dosage.FrequencyTwiceDaily},
		{"4 per day", &fhir.Dosage{Timing: repeat(4, 1, "d")}, dosage.FrequencyFourTimesDaily},
		{"6 per day", &fhir.Dosage{Timing: repeat(6, 1, "d")}, dosage.FrequencyCustom},
		{"every 2 days", &fhir.Dosage{Timing: repeat(1, 2, "d")}, dosage.FrequencyEveryOtherDay},
		{"every 7 days", &fhir.Dosage{Timing: repeat(1, 7, "d")}, dosage.FrequencyWeekly},
		{"every week", &fhir.Dosage{Timing: repeat(1, 1, "wk")}, dosage.FrequencyWeekly},
		{"every 8 hours", &fhir.Dosage{Timing: repeat(1, 8, "h")}, dosage.FrequencyCustom},
		{"day of week", &fhir.Dosage{Timing: &fhir.Timing{Repeat: &fhir.TimingRepeat{
			Frequency: 1, Period: 1, PeriodUnit: "wk", DayOfWeek: []string{"mon"}}}}, dosage.FrequencyCustom},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := frequency(tt.dosage); got != tt.want {
				t.Errorf("got %s, want %s", got, tt.want)
			}
		})
	}
}

func TestMapErrors(t *testing.T) {
	tests := []struct {
		name  string
		edit  func(*fhir.MedicationRequest)
		field string
		code  string
	}{
		{"wrong resource", func(mr *fhir.MedicationRequest) { mr.ResourceType = "Patient" },
			"MedicationRequest.resourceType", CodeInvalidValue},
		{"cancelled", func(mr *fhir.MedicationRequest) { mr.Status = fhir.StatusCancelled },
			"MedicationRequest.status", CodeNotSupported},
		{"no subject", func(mr *fhir.MedicationRequest) { mr.Subject = fhir.Reference{} },
			"MedicationRequest.subject", CodeRequired},
		{"no medication", func(mr *fhir.MedicationRequest) { mr.Medication = fhir.CodeableReference{} },
			"MedicationRequest.medication", CodeRequired},
		{"no start", func(mr *fhir.MedicationRequest) {
			mr.AuthoredOn = ""
			mr.DosageInstruction[0].Timing.Repeat.BoundsPeriod = nil
		}, "MedicationRequest.authoredOn", CodeRequired},
		{"bad end", func(mr *fhir.MedicationRequest) {
			mr.DosageInstruction[0].Timing.Repeat.BoundsPeriod.End = "June"
		}, "MedicationRequest.dosageInstruction.timing.repeat.boundsPeriod.end", CodeInvalidValue},
		{"comparator", func(mr *fhir.MedicationRequest) {
			mr.DosageInstruction[0].DoseAndRate[0].DoseQuantity.Comparator = "<"
		}, "MedicationRequest.dosageInstruction.doseAndRate.doseQuantity.comparator", CodeNotSupported},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mr := decodeRequest(t, warfarinRequest)
			tt.edit(mr)
			_, err := NewRegimenMapper().Map(mr)

			var mapErr *MapError
			if !errors.As(err, &mapErr) {
				t.Fatalf("expected MapError, got %v", err)
			}
			if mapErr.Field != tt.field || mapErr.Code != tt.code {
				t.Errorf("got %s/%s, want %s/%s", mapErr.Field, mapErr.Code, tt.field, tt.code)
			}
		})
	}
}

func TestMapNil(t *testing.T) {
	var mapErr *MapError
	if _, err := NewRegimenMapper().Map(nil); !errors.As(err, &mapErr) || mapErr.Code != CodeRequired {
		t.Errorf("got %v", err)
	}
}
