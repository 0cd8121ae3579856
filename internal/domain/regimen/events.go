package regimen

import (
	"encoding/json"
	"fmt"
	"time"

	"cloud.google.com/go/civil"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/drfirst/go-dosing/internal/dosage"
)

// AggregateType is stamped on every regimen event
const AggregateType = "Regimen"

// EventType represents the type of domain event
type EventType string

const (
	EventRegimenCreated         EventType = "RegimenCreated"
	EventRegimenScheduleChanged EventType = "RegimenScheduleChanged"
	EventPatternVersionDefined  EventType = "PatternVersionDefined"
	EventRegimenDiscontinued    EventType = "RegimenDiscontinued"
	EventDoseLogged             EventType = "DoseLogged"
	EventDoseCorrected          EventType = "DoseCorrected"
)

// Event represents a domain event
type Event struct {
	ID            string          `json:"id"`
	AggregateID   string          `json:"aggregate_id"`
	AggregateType string          `json:"aggregate_type"`
	EventType     EventType       `json:"event_type"`
	EventData     json.RawMessage `json:"event_data"`
	Version       int             `json:"version"`
	Timestamp     time.Time       `json:"timestamp"`
	PatientRef    string          `json:"patient_ref,omitempty"`
	Actor         string          `json:"actor,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
}

// NewEvent creates a new event
func NewEvent(aggregateID string, eventType EventType, data any) (*Event, error) {
	eventData, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Event{
		ID:            uuid.New().String(),
		AggregateID:   aggregateID,
		AggregateType: AggregateType,
		EventType:     eventType,
		EventData:     eventData,
		Timestamp:     time.Now().UTC(),
	}, nil
}

// RegimenCreatedData contains the initial regimen configuration
type RegimenCreatedData struct {
	RegimenID      string              `json:"regimen_id"`
	PatientRef     string              `json:"patient_ref"`
	MedicationName string              `json:"medication_name"`
	MedicationCode string              `json:"medication_code,omitempty"`
	Frequency      dosage.Frequency    `json:"frequency"`
	StartDate      civil.Date          `json:"start_date"`
	EndDate        *civil.Date         `json:"end_date,omitempty"`
	FixedDose      decimal.NullDecimal `json:"fixed_dose"`
	DoseUnit       string              `json:"dose_unit"`
	Source         string              `json:"source,omitempty"`
	FHIRPayload    json.RawMessage     `json:"fhir_payload,omitempty"`
}

// RegimenScheduleChangedData contains an edit of the frequency or base dose
type RegimenScheduleChangedData struct {
	Frequency dosage.Frequency    `json:"frequency"`
	FixedDose decimal.NullDecimal `json:"fixed_dose"`
	DoseUnit  string              `json:"dose_unit"`
}

// PatternVersionDefinedData records a new pattern version and the version it closed
type PatternVersionDefinedData struct {
	VersionID       string            `json:"version_id"`
	Doses           []decimal.Decimal `json:"doses"`
	StartDate       civil.Date        `json:"start_date"`
	ClosedVersionID string            `json:"closed_version_id,omitempty"`
	ClosedEndDate   *civil.Date       `json:"closed_end_date,omitempty"`
}

// RegimenDiscontinuedData contains discontinuation details
type RegimenDiscontinuedData struct {
	EndDate civil.Date `json:"end_date"`
	Reason  string     `json:"reason,omitempty"`
}

// DoseLoggedData wraps the immutable log entry
type DoseLoggedData struct {
	Entry DoseLogEntry `json:"entry"`
}

// DoseCorrectedData replaces the actual amount of a logged dose
type DoseCorrectedData struct {
	DoseID             string              `json:"dose_id"`
	PreviousActual     decimal.NullDecimal `json:"previous_actual"`
	ActualDose         decimal.Decimal     `json:"actual_dose"`
	HasVariance        bool                `json:"has_variance"`
	VarianceAmount     decimal.NullDecimal `json:"variance_amount"`
	VariancePercentage decimal.NullDecimal `json:"variance_percentage"`
	Reason             string              `json:"reason,omitempty"`
	CorrectedAt        time.Time           `json:"corrected_at"`
}

// WithActor sets audit fields
func (e *Event) WithActor(actor, patientRef string) *Event {
	e.Actor = actor
	e.PatientRef = patientRef
	return e
}

// Decode unmarshals the event payload into v
func (e *Event) Decode(v any) error {
	return json.Unmarshal(e.EventData, v)
}

func encodeEvent(e *Event) ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode event %s: %w", e.ID, err)
	}
	return b, nil
}

// DecodeEvent parses an event as relayed to EventsTopic
func DecodeEvent(b []byte) (*Event, error) {
	var e Event
	if err := json.Unmarshal(b, &e); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	if e.AggregateType != AggregateType {
		return nil, fmt.Errorf("decode event %s: unexpected aggregate type %q", e.ID, e.AggregateType)
	}
	return &e, nil
}
