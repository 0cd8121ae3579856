package r5

import (
	"encoding/json"
	"strings"
)

// MedicationRequest represents a FHIR R5 MedicationRequest resource.
// Only the elements the dosing intake reads are modelled.
type MedicationRequest struct {
	ResourceType string `json:"resourceType"`
	ID           string `json:"id,omitempty"`
	Meta         *Meta  `json:"meta,omitempty"`

	Identifier []Identifier `json:"identifier,omitempty"`

	Status string `json:"status"` // active | on-hold | cancelled | completed | entered-in-error | stopped | draft | unknown
	Intent string `json:"intent"` // proposal | plan | order | original-order | reflex-order | filler-order | instance-order | option

	// Medication being requested (R5 uses CodeableReference)
	Medication CodeableReference `json:"medication"`

	// Subject (patient) for whom the medication is prescribed
	Subject Reference `json:"subject"`

	AuthoredOn DateTime     `json:"authoredOn,omitempty"`
	Requester  *Reference   `json:"requester,omitempty"`
	Note       []Annotation `json:"note,omitempty"`

	RenderedDosageInstruction string   `json:"renderedDosageInstruction,omitempty"`
	DosageInstruction         []Dosage `json:"dosageInstruction,omitempty"`
}

// Dosage contains dosage instructions for the medication.
type Dosage struct {
	Sequence           int               `json:"sequence,omitempty"`
	Text               string            `json:"text,omitempty"`
	PatientInstruction string            `json:"patientInstruction,omitempty"`
	Timing             *Timing           `json:"timing,omitempty"`
	AsNeeded           bool              `json:"asNeeded,omitempty"`
	AsNeededFor        []CodeableConcept `json:"asNeededFor,omitempty"`
	Route              *CodeableConcept  `json:"route,omitempty"`
	DoseAndRate        []DoseAndRate     `json:"doseAndRate,omitempty"`
}

// DoseAndRate contains dose/rate information.
type DoseAndRate struct {
	Type         *CodeableConcept `json:"type,omitempty"`
	DoseQuantity *Quantity        `json:"doseQuantity,omitempty"`
}

// Timing contains timing information for dosage.
type Timing struct {
	Event  []DateTime       `json:"event,omitempty"`
	Repeat *TimingRepeat    `json:"repeat,omitempty"`
	Code   *CodeableConcept `json:"code,omitempty"`
}

// TimingRepeat contains repeat details for timing.
type TimingRepeat struct {
	BoundsPeriod *Period  `json:"boundsPeriod,omitempty"`
	Count        int      `json:"count,omitempty"`
	Frequency    int      `json:"frequency,omitempty"`
	FrequencyMax int      `json:"frequencyMax,omitempty"`
	Period       float64  `json:"period,omitempty"`
	PeriodMax    float64  `json:"periodMax,omitempty"`
	PeriodUnit   string   `json:"periodUnit,omitempty"` // s | min | h | d | wk | mo | a
	DayOfWeek    []string `json:"dayOfWeek,omitempty"`
	TimeOfDay    []string `json:"timeOfDay,omitempty"`
	When         []string `json:"when,omitempty"`
}

// GetPatientID extracts the patient ID from the Subject reference.
func (m *MedicationRequest) GetPatientID() string {
	if m.Subject.Reference != "" {
		return extractIDFromReference(m.Subject.Reference)
	}
	if m.Subject.Identifier != nil {
		return m.Subject.Identifier.Value
	}
	return ""
}

// GetMedicationCode extracts the primary medication code, preferring RxNorm over NDC.
func (m *MedicationRequest) GetMedicationCode() (system, code string) {
	if m.Medication.Concept == nil {
		return "", ""
	}
	for _, want := range []string{SystemRxNorm, SystemNDC} {
		for _, coding := range m.Medication.Concept.Coding {
			if coding.System == want && coding.Code != "" {
				return coding.System, coding.Code
			}
		}
	}
	if len(m.Medication.Concept.Coding) > 0 {
		return m.Medication.Concept.Coding[0].System, m.Medication.Concept.Coding[0].Code
	}
	return "", ""
}

// GetMedicationDisplay returns the display name of the medication.
func (m *MedicationRequest) GetMedicationDisplay() string {
	if m.Medication.Concept != nil && m.Medication.Concept.Text != "" {
		return m.Medication.Concept.Text
	}
	if m.Medication.Concept != nil {
		for _, coding := range m.Medication.Concept.Coding {
			if coding.Display != "" {
				return coding.Display
			}
		}
	}
	if m.Medication.Reference != nil {
		return m.Medication.Reference.Display
	}
	return ""
}

// GetSigText returns the rendered dosage instruction (sig).
func (m *MedicationRequest) GetSigText() string {
	if m.RenderedDosageInstruction != "" {
		return m.RenderedDosageInstruction
	}
	if len(m.DosageInstruction) > 0 && m.DosageInstruction[0].Text != "" {
		return m.DosageInstruction[0].Text
	}
	return ""
}

// PrimaryDosage returns the lowest-sequence dosage instruction.
func (m *MedicationRequest) PrimaryDosage() *Dosage {
	var primary *Dosage
	for i := range m.DosageInstruction {
		d := &m.DosageInstruction[i]
		if primary == nil || (d.Sequence != 0 && (primary.Sequence == 0 || d.Sequence < primary.Sequence)) {
			primary = d
		}
	}
	return primary
}

// ToJSON serializes the MedicationRequest to JSON.
func (m *MedicationRequest) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// extractIDFromReference extracts the ID from a FHIR reference string
// like "Patient/123" or "urn:uuid:123".
func extractIDFromReference(ref string) string {
	if i := strings.LastIndexAny(ref, "/:"); i >= 0 {
		return ref[i+1:]
	}
	return ref
}
