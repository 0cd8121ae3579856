package regimen

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/civil"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/drfirst/go-dosing/internal/dosage"
)

// MaxScheduleDays bounds a single forward schedule request
const MaxScheduleDays = 366

// Store persists regimen event streams
type Store interface {
	// Save appends the aggregate's uncommitted events. It fails with
	// ErrConcurrentModification when the stream moved past the version
	// the aggregate was loaded at.
	Save(ctx context.Context, agg *Aggregate) error
	Load(ctx context.Context, id string) (*Aggregate, error)
	GetEvents(ctx context.Context, id string) ([]*Event, error)
}

// Observer receives dosing outcomes for metrics
type Observer interface {
	RegimenCreated(source string)
	ObserveResolution(outcome string, ambiguous bool, elapsed time.Duration)
	ObserveDoseLogged(status string)
	ObserveVariance(amount decimal.Decimal)
}

type nopObserver struct{}

func (nopObserver) RegimenCreated(string)                         {}
func (nopObserver) ObserveResolution(string, bool, time.Duration) {}
func (nopObserver) ObserveDoseLogged(string)                      {}
func (nopObserver) ObserveVariance(decimal.Decimal)               {}

// Service runs the regimen workflows against a Store
type Service struct {
	store    Store
	resolver *dosage.Resolver
	observer Observer
	logger   *zap.Logger
}

// NewService creates a service. observer may be nil.
func NewService(store Store, resolver *dosage.Resolver, observer Observer, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if resolver == nil {
		resolver = dosage.NewResolver(logger)
	}
	if observer == nil {
		observer = nopObserver{}
	}
	return &Service{store: store, resolver: resolver, observer: observer, logger: logger}
}

// Create creates and persists a new regimen
func (s *Service) Create(ctx context.Context, data *RegimenCreatedData, actor string) (*Aggregate, error) {
	agg := NewAggregate(uuid.New().String())
	if err := agg.Create(data); err != nil {
		return nil, err
	}
	for _, e := range agg.Changes() {
		e.Actor = actor
	}
	if err := s.store.Save(ctx, agg); err != nil {
		return nil, fmt.Errorf("save regimen: %w", err)
	}

	s.observer.RegimenCreated(data.Source)
	s.logger.Info("regimen created",
		zap.String("regimen_id", agg.ID()),
		zap.String("frequency", string(data.Frequency)),
		zap.String("source", data.Source))
	return agg, nil
}

// Get loads a regimen
func (s *Service) Get(ctx context.Context, id string) (*Aggregate, error) {
	return s.store.Load(ctx, id)
}

// Events returns the regimen's event stream
func (s *Service) Events(ctx context.Context, id string) ([]*Event, error) {
	events, err := s.store.GetEvents(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return events, nil
}

// ChangeSchedule edits frequency and base dose
func (s *Service) ChangeSchedule(ctx context.Context, id string, frequency dosage.Frequency, fixedDose decimal.NullDecimal, unit string) (*Aggregate, error) {
	return s.mutate(ctx, id, func(agg *Aggregate) error {
		return agg.ChangeSchedule(frequency, fixedDose, unit)
	})
}

// DefinePattern adds a pattern version starting on start
func (s *Service) DefinePattern(ctx context.Context, id string, doses []decimal.Decimal, start civil.Date) (dosage.PatternVersion, error) {
	var version dosage.PatternVersion
	_, err := s.mutate(ctx, id, func(agg *Aggregate) error {
		v, err := agg.DefinePattern(doses, start)
		version = v
		return err
	})
	if err != nil {
		return dosage.PatternVersion{}, err
	}

	s.logger.Info("pattern version defined",
		zap.String("regimen_id", id),
		zap.String("version_id", version.ID),
		zap.String("start_date", start.String()),
		zap.Int("cycle_length", version.CycleLength()))
	return version, nil
}

// Discontinue ends a regimen
func (s *Service) Discontinue(ctx context.Context, id string, end civil.Date, reason string) (*Aggregate, error) {
	return s.mutate(ctx, id, func(agg *Aggregate) error {
		return agg.Discontinue(end, reason)
	})
}

// LogDose records a dose against the expected amount for its scheduled date
func (s *Service) LogDose(ctx context.Context, id string, in LogDoseInput) (DoseLogEntry, error) {
	var entry DoseLogEntry
	_, err := s.mutate(ctx, id, func(agg *Aggregate) error {
		e, err := agg.LogDose(s.resolver, in)
		entry = e
		return err
	})
	if err != nil {
		return DoseLogEntry{}, err
	}

	s.observer.ObserveDoseLogged(string(entry.Status))
	if entry.HasVariance {
		s.observer.ObserveVariance(entry.VarianceAmount.Decimal)
		s.logger.Info("dose variance detected",
			zap.String("regimen_id", id),
			zap.String("dose_id", entry.ID),
			zap.String("expected", entry.ExpectedDose.Decimal.String()),
			zap.String("actual", entry.ActualDose.Decimal.String()))
	}
	return entry, nil
}

// CorrectDose replaces the actual amount of a logged dose
func (s *Service) CorrectDose(ctx context.Context, id, doseID string, actual decimal.Decimal, reason, actor string) (DoseLogEntry, error) {
	var entry DoseLogEntry
	_, err := s.mutate(ctx, id, func(agg *Aggregate) error {
		e, err := agg.CorrectDose(doseID, actual, reason, actor)
		entry = e
		return err
	})
	if err != nil {
		return DoseLogEntry{}, err
	}
	if entry.HasVariance {
		s.observer.ObserveVariance(entry.VarianceAmount.Decimal)
	}
	return entry, nil
}

// ExpectedDose resolves the dose expected on date
func (s *Service) ExpectedDose(ctx context.Context, id string, date civil.Date) (dosage.Resolution, error) {
	agg, err := s.store.Load(ctx, id)
	if err != nil {
		return dosage.Resolution{}, err
	}

	start := time.Now()
	res, err := s.resolver.Resolve(agg.Regimen(), agg.patterns, date)
	outcome := string(res.Source)
	switch {
	case err != nil:
		outcome = "error"
	case outcome == "":
		outcome = "none"
	}
	s.observer.ObserveResolution(outcome, res.Ambiguous, time.Since(start))
	return res, err
}

// Schedule lists the doses over days calendar days from from
func (s *Service) Schedule(ctx context.Context, id string, from civil.Date, days int) ([]dosage.ScheduledDose, error) {
	if days > MaxScheduleDays {
		return nil, fmt.Errorf("%w: at most %d days per request", ErrInvalidDose, MaxScheduleDays)
	}
	agg, err := s.store.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.resolver.CollectSchedule(agg.Regimen(), agg.patterns, from, days)
}

// Adherence summarizes the dose log over [from, to]
func (s *Service) Adherence(ctx context.Context, id string, from, to civil.Date) (AdherenceSummary, error) {
	agg, err := s.store.Load(ctx, id)
	if err != nil {
		return AdherenceSummary{}, err
	}
	return agg.Adherence(from, to)
}

func (s *Service) mutate(ctx context.Context, id string, fn func(*Aggregate) error) (*Aggregate, error) {
	agg, err := s.store.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := fn(agg); err != nil {
		return nil, err
	}
	if err := s.store.Save(ctx, agg); err != nil {
		if errors.Is(err, ErrConcurrentModification) {
			s.logger.Warn("concurrent regimen update rejected",
				zap.String("regimen_id", id),
				zap.Int("version", agg.Version()))
		}
		return nil, fmt.Errorf("save regimen: %w", err)
	}
	return agg, nil
}
