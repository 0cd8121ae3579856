// Package regimen implements the event-sourced medication regimen aggregate:
// schedule configuration, versioned dose patterns and the dose log.
package regimen

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"cloud.google.com/go/civil"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/drfirst/go-dosing/internal/dosage"
)

var (
	// ErrNotFound is returned when no events exist for a regimen ID
	ErrNotFound = errors.New("regimen not found")
	// ErrDoseNotFound is returned when a dose ID is not in the log
	ErrDoseNotFound = errors.New("dose log entry not found")
	// ErrConcurrentModification is returned when another writer appended first
	ErrConcurrentModification = errors.New("regimen modified concurrently")
	// ErrInvalidState is returned when an operation does not fit the lifecycle
	ErrInvalidState = errors.New("invalid regimen state")
	// ErrInvalidDose is returned for malformed dose log input
	ErrInvalidDose = errors.New("invalid dose")
)

// Status represents regimen lifecycle status
type Status string

const (
	StatusDraft        Status = "draft"
	StatusActive       Status = "active"
	StatusDiscontinued Status = "discontinued"
)

// Aggregate represents the regimen aggregate root
type Aggregate struct {
	id             string
	version        int
	status         Status
	patientRef     string
	medicationName string
	medicationCode string
	frequency      dosage.Frequency
	startDate      civil.Date
	endDate        *civil.Date
	fixedDose      decimal.NullDecimal
	doseUnit       string
	source         string
	patterns       []dosage.PatternVersion
	doses          []DoseLogEntry
	createdAt      time.Time
	updatedAt      time.Time
	changes        []*Event
}

// NewAggregate creates an empty regimen aggregate
func NewAggregate(id string) *Aggregate {
	return &Aggregate{
		id:     id,
		status: StatusDraft,
	}
}

// ID returns the aggregate ID
func (a *Aggregate) ID() string { return a.id }

// Version returns the current version
func (a *Aggregate) Version() int { return a.version }

// Status returns the current status
func (a *Aggregate) Status() Status { return a.status }

// PatientRef returns the patient reference
func (a *Aggregate) PatientRef() string { return a.patientRef }

// MedicationName returns the medication display name
func (a *Aggregate) MedicationName() string { return a.medicationName }

// MedicationCode returns the coded medication, if any
func (a *Aggregate) MedicationCode() string { return a.medicationCode }

// Source returns how the regimen was created
func (a *Aggregate) Source() string { return a.source }

// CreatedAt returns when the regimen was created
func (a *Aggregate) CreatedAt() time.Time { return a.createdAt }

// UpdatedAt returns the timestamp of the last applied event
func (a *Aggregate) UpdatedAt() time.Time { return a.updatedAt }

// Changes returns uncommitted events
func (a *Aggregate) Changes() []*Event { return a.changes }

// ClearChanges clears uncommitted events
func (a *Aggregate) ClearChanges() { a.changes = nil }

// Regimen returns the engine view of the regimen configuration
func (a *Aggregate) Regimen() dosage.Regimen {
	return dosage.Regimen{
		Frequency: a.frequency,
		StartDate: a.startDate,
		EndDate:   a.endDate,
		Active:    a.status == StatusActive,
		FixedDose: a.fixedDose,
		DoseUnit:  a.doseUnit,
	}
}

// Patterns returns the full pattern version history, oldest first
func (a *Aggregate) Patterns() []dosage.PatternVersion {
	return slices.Clone(a.patterns)
}

// DoseLog returns the logged doses in logging order
func (a *Aggregate) DoseLog() []DoseLogEntry {
	return slices.Clone(a.doses)
}

// Dose returns a logged dose by ID
func (a *Aggregate) Dose(id string) (DoseLogEntry, bool) {
	for _, d := range a.doses {
		if d.ID == id {
			return d, true
		}
	}
	return DoseLogEntry{}, false
}

// Create initializes the regimen
func (a *Aggregate) Create(data *RegimenCreatedData) error {
	if a.status != StatusDraft {
		return fmt.Errorf("%w: regimen already created", ErrInvalidState)
	}
	if strings.TrimSpace(data.PatientRef) == "" {
		return fmt.Errorf("%w: patient reference is required", dosage.ErrInvalidRegimen)
	}
	if strings.TrimSpace(data.MedicationName) == "" {
		return fmt.Errorf("%w: medication name is required", dosage.ErrInvalidRegimen)
	}

	data.RegimenID = a.id
	candidate := dosage.Regimen{
		Frequency: data.Frequency,
		StartDate: data.StartDate,
		EndDate:   data.EndDate,
		Active:    true,
		FixedDose: data.FixedDose,
		DoseUnit:  data.DoseUnit,
	}
	if err := candidate.Validate(); err != nil {
		return err
	}

	return a.raise(EventRegimenCreated, data, data.PatientRef)
}

// ChangeSchedule edits the frequency, base dose and unit
func (a *Aggregate) ChangeSchedule(frequency dosage.Frequency, fixedDose decimal.NullDecimal, unit string) error {
	if a.status != StatusActive {
		return fmt.Errorf("%w: cannot change schedule of %s regimen", ErrInvalidState, a.status)
	}

	candidate := a.Regimen()
	candidate.Frequency = frequency
	candidate.FixedDose = fixedDose
	candidate.DoseUnit = unit
	if err := candidate.Validate(); err != nil {
		return err
	}

	return a.raise(EventRegimenScheduleChanged, &RegimenScheduleChangedData{
		Frequency: frequency,
		FixedDose: fixedDose,
		DoseUnit:  unit,
	}, "")
}

// DefinePattern starts a new pattern version on start. The currently open
// version is closed the day before; earlier versions are never modified.
func (a *Aggregate) DefinePattern(doses []decimal.Decimal, start civil.Date) (dosage.PatternVersion, error) {
	if a.status != StatusActive {
		return dosage.PatternVersion{}, fmt.Errorf("%w: cannot define pattern on %s regimen", ErrInvalidState, a.status)
	}
	if start.Before(a.startDate) {
		return dosage.PatternVersion{}, fmt.Errorf("%w: starts %s before the regimen starts %s",
			dosage.ErrInvalidPattern, start, a.startDate)
	}

	data := &PatternVersionDefinedData{
		VersionID: uuid.New().String(),
		Doses:     slices.Clone(doses),
		StartDate: start,
	}

	candidate := slices.Clone(a.patterns)
	if n := len(candidate); n > 0 {
		latest := candidate[n-1]
		if !start.After(latest.StartDate) {
			return dosage.PatternVersion{}, fmt.Errorf("%w: must start after %s, the start of version %q",
				dosage.ErrInvalidPattern, latest.StartDate, latest.ID)
		}
		if latest.IsOpen() {
			end := start.AddDays(-1)
			latest.EndDate = &end
			candidate[n-1] = latest
			data.ClosedVersionID = latest.ID
			data.ClosedEndDate = &end
		}
	}
	next := dosage.PatternVersion{ID: data.VersionID, Doses: data.Doses, StartDate: start}
	candidate = append(candidate, next)

	if err := dosage.ValidateHistory(candidate); err != nil {
		return dosage.PatternVersion{}, err
	}

	if err := a.raise(EventPatternVersionDefined, data, ""); err != nil {
		return dosage.PatternVersion{}, err
	}
	return a.patterns[len(a.patterns)-1], nil
}

// Discontinue ends the regimen on end. The regimen becomes inactive.
func (a *Aggregate) Discontinue(end civil.Date, reason string) error {
	if a.status != StatusActive {
		return fmt.Errorf("%w: cannot discontinue %s regimen", ErrInvalidState, a.status)
	}
	if !end.IsValid() || end.Before(a.startDate) {
		return fmt.Errorf("%w: end date %s before start date %s", dosage.ErrInvalidRegimen, end, a.startDate)
	}

	return a.raise(EventRegimenDiscontinued, &RegimenDiscontinuedData{
		EndDate: end,
		Reason:  reason,
	}, "")
}

// LogDose records a dose, snapshotting the expected amount resolved for the
// scheduled date together with the variance against it.
func (a *Aggregate) LogDose(resolver *dosage.Resolver, in LogDoseInput) (DoseLogEntry, error) {
	if a.status != StatusActive {
		return DoseLogEntry{}, fmt.Errorf("%w: cannot log doses on %s regimen", ErrInvalidState, a.status)
	}
	if err := in.validate(); err != nil {
		return DoseLogEntry{}, err
	}

	res, err := resolver.Resolve(a.Regimen(), a.patterns, in.ScheduledDate)
	if err != nil {
		return DoseLogEntry{}, fmt.Errorf("resolve expected dose: %w", err)
	}

	entry := DoseLogEntry{
		ID:               uuid.New().String(),
		ScheduledDate:    in.ScheduledDate,
		Status:           in.Status,
		ActualDose:       in.ActualDose,
		ExpectedDose:     res.Dose,
		DoseUnit:         a.doseUnit,
		Source:           res.Source,
		PatternVersionID: res.PatternVersionID,
		AmbiguousPattern: res.Ambiguous,
		TakenAt:          in.TakenAt,
		Notes:            in.Notes,
		LoggedBy:         in.LoggedBy,
		LoggedAt:         time.Now().UTC(),
	}
	if res.Scheduled {
		idx := res.ScheduledDayIndex
		entry.ScheduledDayIndex = &idx
	}
	if res.PatternDayNumber >= 0 {
		n := res.PatternDayNumber
		entry.PatternDayNumber = &n
	}
	entry.applyVariance()

	if err := a.raise(EventDoseLogged, &DoseLoggedData{Entry: entry}, in.LoggedBy); err != nil {
		return DoseLogEntry{}, err
	}
	return entry, nil
}

// CorrectDose replaces the actual amount of a taken dose. The expected amount
// captured at logging time is kept and variance is reassessed against it.
func (a *Aggregate) CorrectDose(doseID string, actual decimal.Decimal, reason, actor string) (DoseLogEntry, error) {
	entry, ok := a.Dose(doseID)
	if !ok {
		return DoseLogEntry{}, fmt.Errorf("%w: %s", ErrDoseNotFound, doseID)
	}
	if entry.Status != DoseTaken {
		return DoseLogEntry{}, fmt.Errorf("%w: only taken doses can be corrected, %s is %s", ErrInvalidState, doseID, entry.Status)
	}
	if actual.IsNegative() {
		return DoseLogEntry{}, fmt.Errorf("%w: actual amount %s is negative", ErrInvalidDose, actual)
	}

	corrected := entry
	corrected.ActualDose = decimal.NewNullDecimal(actual)
	corrected.applyVariance()

	data := &DoseCorrectedData{
		DoseID:             doseID,
		PreviousActual:     entry.ActualDose,
		ActualDose:         actual,
		HasVariance:        corrected.HasVariance,
		VarianceAmount:     corrected.VarianceAmount,
		VariancePercentage: corrected.VariancePercentage,
		Reason:             reason,
		CorrectedAt:        time.Now().UTC(),
	}
	if err := a.raise(EventDoseCorrected, data, actor); err != nil {
		return DoseLogEntry{}, err
	}

	entry, _ = a.Dose(doseID)
	return entry, nil
}

// Adherence summarizes logged doses scheduled within [from, to]
func (a *Aggregate) Adherence(from, to civil.Date) (AdherenceSummary, error) {
	if to.Before(from) {
		return AdherenceSummary{}, fmt.Errorf("%w: range ends %s before it starts %s", ErrInvalidDose, to, from)
	}
	return summarize(a.doses, from, to), nil
}

func (a *Aggregate) raise(eventType EventType, data any, actor string) error {
	event, err := NewEvent(a.id, eventType, data)
	if err != nil {
		return fmt.Errorf("encode %s: %w", eventType, err)
	}
	patient := a.patientRef
	if patient == "" {
		if created, ok := data.(*RegimenCreatedData); ok {
			patient = created.PatientRef
		}
	}
	event.WithActor(actor, patient)

	if err := a.apply(event); err != nil {
		return err
	}
	event.Version = a.version
	a.changes = append(a.changes, event)
	return nil
}

// apply applies an event to update state
func (a *Aggregate) apply(event *Event) error {
	var err error
	switch event.EventType {
	case EventRegimenCreated:
		err = a.applyCreated(event)
	case EventRegimenScheduleChanged:
		err = a.applyScheduleChanged(event)
	case EventPatternVersionDefined:
		err = a.applyPatternDefined(event)
	case EventRegimenDiscontinued:
		err = a.applyDiscontinued(event)
	case EventDoseLogged:
		err = a.applyDoseLogged(event)
	case EventDoseCorrected:
		err = a.applyDoseCorrected(event)
	default:
		err = fmt.Errorf("unknown event type %q", event.EventType)
	}
	if err != nil {
		return fmt.Errorf("apply %s v%d: %w", event.EventType, event.Version, err)
	}

	a.version++
	a.updatedAt = event.Timestamp
	return nil
}

func (a *Aggregate) applyCreated(event *Event) error {
	var data RegimenCreatedData
	if err := event.Decode(&data); err != nil {
		return err
	}
	a.status = StatusActive
	a.patientRef = data.PatientRef
	a.medicationName = data.MedicationName
	a.medicationCode = data.MedicationCode
	a.frequency = data.Frequency
	a.startDate = data.StartDate
	a.endDate = data.EndDate
	a.fixedDose = data.FixedDose
	a.doseUnit = data.DoseUnit
	a.source = data.Source
	a.createdAt = event.Timestamp
	return nil
}

func (a *Aggregate) applyScheduleChanged(event *Event) error {
	var data RegimenScheduleChangedData
	if err := event.Decode(&data); err != nil {
		return err
	}
	a.frequency = data.Frequency
	a.fixedDose = data.FixedDose
	a.doseUnit = data.DoseUnit
	return nil
}

func (a *Aggregate) applyPatternDefined(event *Event) error {
	var data PatternVersionDefinedData
	if err := event.Decode(&data); err != nil {
		return err
	}
	if data.ClosedVersionID != "" {
		for i := range a.patterns {
			if a.patterns[i].ID == data.ClosedVersionID {
				a.patterns[i].EndDate = data.ClosedEndDate
			}
		}
	}
	a.patterns = append(a.patterns, dosage.PatternVersion{
		ID:        data.VersionID,
		Doses:     data.Doses,
		StartDate: data.StartDate,
		CreatedAt: event.Timestamp,
	})
	return nil
}

func (a *Aggregate) applyDiscontinued(event *Event) error {
	var data RegimenDiscontinuedData
	if err := event.Decode(&data); err != nil {
		return err
	}
	end := data.EndDate
	a.endDate = &end
	a.status = StatusDiscontinued
	return nil
}

func (a *Aggregate) applyDoseLogged(event *Event) error {
	var data DoseLoggedData
	if err := event.Decode(&data); err != nil {
		return err
	}
	a.doses = append(a.doses, data.Entry)
	return nil
}

func (a *Aggregate) applyDoseCorrected(event *Event) error {
	var data DoseCorrectedData
	if err := event.Decode(&data); err != nil {
		return err
	}
	for i := range a.doses {
		if a.doses[i].ID != data.DoseID {
			continue
		}
		at := data.CorrectedAt
		a.doses[i].ActualDose = decimal.NewNullDecimal(data.ActualDose)
		a.doses[i].HasVariance = data.HasVariance
		a.doses[i].VarianceAmount = data.VarianceAmount
		a.doses[i].VariancePercentage = data.VariancePercentage
		a.doses[i].CorrectedAt = &at
		return nil
	}
	return fmt.Errorf("%w: %s", ErrDoseNotFound, data.DoseID)
}

// LoadFromHistory rebuilds state from events
func (a *Aggregate) LoadFromHistory(events []*Event) error {
	for _, event := range events {
		if err := a.apply(event); err != nil {
			return err
		}
	}
	return nil
}
