package regimen

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/drfirst/go-dosing/internal/dosage"
)

type testStore struct {
	mu      sync.Mutex
	streams map[string][]*Event
	saveErr error
}

func newTestStore() *testStore {
	return &testStore{streams: make(map[string][]*Event)}
}

func (s *testStore) Save(_ context.Context, agg *Aggregate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	changes := agg.Changes()
	if len(changes) == 0 {
		return nil
	}
	if changes[0].Version != len(s.streams[agg.ID()])+1 {
		return ErrConcurrentModification
	}
	s.streams[agg.ID()] = append(s.streams[agg.ID()], changes...)
	agg.ClearChanges()
	return nil
}

func (s *testStore) Load(ctx context.Context, id string) (*Aggregate, error) {
	events, _ := s.GetEvents(ctx, id)
	if len(events) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	agg := NewAggregate(id)
	if err := agg.LoadFromHistory(events); err != nil {
		return nil, err
	}
	return agg, nil
}

func (s *testStore) GetEvents(_ context.Context, id string) ([]*Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Event(nil), s.streams[id]...), nil
}

type testObserver struct {
	created     []string
	resolutions []string
	logged      []string
	variances   []decimal.Decimal
}

func (o *testObserver) RegimenCreated(source string) { o.created = append(o.created, source) }

func (o *testObserver) ObserveResolution(outcome string, _ bool, _ time.Duration) {
	o.resolutions = append(o.resolutions, outcome)
}

func (o *testObserver) ObserveDoseLogged(status string) { o.logged = append(o.logged, status) }

func (o *testObserver) ObserveVariance(amount decimal.Decimal) {
	o.variances = append(o.variances, amount)
}

func newTestService() (*Service, *testStore, *testObserver) {
	store := newTestStore()
	obs := &testObserver{}
	return NewService(store, nil, obs, nil), store, obs
}

func createEODRegimen(t *testing.T, svc *Service) *Aggregate {
	t.Helper()
	agg, err := svc.Create(context.Background(), &RegimenCreatedData{
		PatientRef:     "Patient/1",
		MedicationName: "Warfarin",
		Frequency:      dosage.FrequencyEveryOtherDay,
		StartDate:      day(2025, time.November, 1),
		DoseUnit:       "mg",
		Source:         "api",
	}, "clinician-7")
	if err != nil {
		t.Fatal(err)
	}
	return agg
}

func TestServiceCreateAndGet(t *testing.T) {
	svc, _, obs := newTestService()
	ctx := context.Background()
	created := createEODRegimen(t, svc)

	got, err := svc.Get(ctx, created.ID())
	if err != nil {
		t.Fatal(err)
	}
	if got.MedicationName() != "Warfarin" || got.Version() != 1 {
		t.Errorf("loaded %s v%d", got.MedicationName(), got.Version())
	}

	events, err := svc.Events(ctx, created.ID())
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].Actor != "clinician-7" {
		t.Errorf("events = %+v", events)
	}
	if len(obs.created) != 1 || obs.created[0] != "api" {
		t.Errorf("observer saw %v", obs.created)
	}

	if _, err := svc.Get(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("get unknown: %v", err)
	}
	if _, err := svc.Events(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("events unknown: %v", err)
	}
}

func TestServiceDoseWorkflow(t *testing.T) {
	svc, _, obs := newTestService()
	ctx := context.Background()
	id := createEODRegimen(t, svc).ID()

	if _, err := svc.DefinePattern(ctx, id, decs("5.0", "4.0", "3.0"), day(2025, time.November, 1)); err != nil {
		t.Fatal(err)
	}

	res, err := svc.ExpectedDose(ctx, id, day(2025, time.November, 7))
	if err != nil {
		t.Fatal(err)
	}
	if !res.Dose.Decimal.Equal(dec("5")) || res.PatternDayNumber != 3 {
		t.Errorf("Nov 7 = %+v", res)
	}
	if _, err := svc.ExpectedDose(ctx, id, day(2025, time.November, 2)); err != nil {
		t.Fatal(err)
	}
	if len(obs.resolutions) != 2 || obs.resolutions[0] != "pattern" || obs.resolutions[1] != "none" {
		t.Errorf("resolution outcomes = %v", obs.resolutions)
	}

	entry, err := svc.LogDose(ctx, id, taken(day(2025, time.November, 3), "3"))
	if err != nil {
		t.Fatal(err)
	}
	if !entry.HasVariance || len(obs.variances) != 1 || !obs.variances[0].Equal(dec("-1")) {
		t.Errorf("entry %+v, variances %v", entry, obs.variances)
	}

	corrected, err := svc.CorrectDose(ctx, id, entry.ID, dec("4"), "entered wrong tablet count", "nurse")
	if err != nil {
		t.Fatal(err)
	}
	if corrected.HasVariance || len(obs.variances) != 1 {
		t.Errorf("corrected %+v, variances %v", corrected, obs.variances)
	}

	schedule, err := svc.Schedule(ctx, id, day(2025, time.November, 1), 7)
	if err != nil {
		t.Fatal(err)
	}
	if len(schedule) != 4 || !schedule[3].Dose.Equal(dec("5")) {
		t.Errorf("schedule = %+v", schedule)
	}
	if _, err := svc.Schedule(ctx, id, day(2025, time.November, 1), MaxScheduleDays+1); !errors.Is(err, ErrInvalidDose) {
		t.Errorf("oversized schedule: %v", err)
	}

	summary, err := svc.Adherence(ctx, id, day(2025, time.November, 1), day(2025, time.November, 30))
	if err != nil {
		t.Fatal(err)
	}
	if summary.Taken != 1 || summary.WithVariance != 0 {
		t.Errorf("summary = %+v", summary)
	}
}

func TestServiceRejectsStaleWriter(t *testing.T) {
	svc, store, _ := newTestService()
	ctx := context.Background()
	id := createEODRegimen(t, svc).ID()

	stale, err := store.Load(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Discontinue(ctx, id, day(2025, time.December, 1), ""); err != nil {
		t.Fatal(err)
	}

	if _, err := stale.DefinePattern(decs("1"), day(2025, time.November, 2)); err != nil {
		t.Fatal(err)
	}
	if err := store.Save(ctx, stale); !errors.Is(err, ErrConcurrentModification) {
		t.Errorf("stale save: %v", err)
	}
}

func TestServiceSaveFailure(t *testing.T) {
	svc, store, _ := newTestService()
	ctx := context.Background()
	id := createEODRegimen(t, svc).ID()

	store.saveErr = errors.New("connection reset")
	_, err := svc.ChangeSchedule(ctx, id, dosage.FrequencyOnceDaily, decimal.NullDecimal{}, "mg")
	if err == nil || errors.Is(err, ErrConcurrentModification) {
		t.Errorf("got %v", err)
	}
}
