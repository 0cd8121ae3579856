// Package variance watches the regimen event stream for doses that differ
// from the expected amount and raises alerts for them.
package variance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/civil"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-dosing/internal/domain/regimen"
	"github.com/drfirst/go-dosing/internal/infrastructure/redpanda"
	"github.com/drfirst/go-dosing/pkg/idempotency"
	"github.com/drfirst/go-dosing/pkg/workerpool"
)

// HandlerName scopes inbox entries written by the monitor
const HandlerName = "variance-monitor"

// Alert is published to the variance alerts topic
type Alert struct {
	AlertID            string              `json:"alert_id"`
	EventID            string              `json:"event_id"`
	EventType          regimen.EventType   `json:"event_type"`
	RegimenID          string              `json:"regimen_id"`
	PatientRef         string              `json:"patient_ref,omitempty"`
	DoseID             string              `json:"dose_id"`
	ScheduledDate      *civil.Date         `json:"scheduled_date,omitempty"`
	ExpectedDose       decimal.NullDecimal `json:"expected_dose"`
	ActualDose         decimal.NullDecimal `json:"actual_dose"`
	VarianceAmount     decimal.NullDecimal `json:"variance_amount"`
	VariancePercentage decimal.NullDecimal `json:"variance_percentage"`
	DoseUnit           string              `json:"dose_unit,omitempty"`
	// Direction is "over" when more than expected was taken
	Direction  string    `json:"direction"`
	DetectedAt time.Time `json:"detected_at"`
}

// Publisher writes records to a topic
type Publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// Observer receives monitor outcomes for metrics
type Observer interface {
	EventConsumed(eventType string)
	ObserveVariance(amount decimal.Decimal)
	VarianceAlertPublished()
}

type nopObserver struct{}

func (nopObserver) EventConsumed(string)            {}
func (nopObserver) ObserveVariance(decimal.Decimal) {}
func (nopObserver) VarianceAlertPublished()         {}

// Config holds monitor configuration
type Config struct {
	AlertTopic      string
	DeadLetterTopic string
}

// DefaultConfig returns the standard topics
func DefaultConfig() Config {
	return Config{
		AlertTopic:      redpanda.TopicVarianceAlerts,
		DeadLetterTopic: redpanda.TopicDeadLetter,
	}
}

// Monitor turns DoseLogged and DoseCorrected events carrying a variance into alerts
type Monitor struct {
	config    Config
	inbox     *idempotency.Inbox
	publisher Publisher
	observer  Observer
	logger    *zap.Logger
	tracer    trace.Tracer
}

// NewMonitor creates a monitor. observer may be nil.
func NewMonitor(cfg Config, inbox *idempotency.Inbox, publisher Publisher, observer Observer, logger *zap.Logger) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if observer == nil {
		observer = nopObserver{}
	}
	return &Monitor{
		config:    cfg,
		inbox:     inbox,
		publisher: publisher,
		observer:  observer,
		logger:    logger,
		tracer:    otel.Tracer("variance-monitor"),
	}
}

// Handle processes one consumed record exactly once. Errors that retrying
// cannot fix are returned wrapped with workerpool.Permanent.
func (m *Monitor) Handle(ctx context.Context, msg *redpanda.ConsumedMessage) error {
	if msg.Context != nil {
		ctx = msg.Context
	}

	event, err := regimen.DecodeEvent(msg.Value)
	if err != nil {
		return workerpool.Permanent(fmt.Errorf("decode event at %s/%d/%d: %w", msg.Topic, msg.Partition, msg.Offset, err))
	}

	ctx, span := m.tracer.Start(ctx, "variance_check",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("event_id", event.ID),
			attribute.String("event_type", string(event.EventType)),
			attribute.String("regimen_id", event.AggregateID),
		))
	defer span.End()
	m.observer.EventConsumed(string(event.EventType))

	_, err = m.inbox.Process(ctx, event.ID, HandlerName, msg.Value, func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		alert, err := m.check(event)
		if err != nil {
			return nil, idempotency.Terminal(err)
		}
		if alert == nil {
			return json.RawMessage(`{"alert":false}`), nil
		}
		if err := m.publish(ctx, alert); err != nil {
			return nil, err
		}
		return json.Marshal(map[string]any{"alert": true, "alert_id": alert.AlertID})
	})

	switch {
	case err == nil:
		return nil
	case idempotency.IsTerminal(err),
		errors.Is(err, idempotency.ErrPreviouslyFailed),
		errors.Is(err, idempotency.ErrMessageInProgress):
		span.RecordError(err)
		return workerpool.Permanent(err)
	default:
		span.RecordError(err)
		return err
	}
}

// check builds the alert for event, or nil when there is nothing to report
func (m *Monitor) check(event *regimen.Event) (*Alert, error) {
	var alert *Alert

	switch event.EventType {
	case regimen.EventDoseLogged:
		var data regimen.DoseLoggedData
		if err := event.Decode(&data); err != nil {
			return nil, err
		}
		e := data.Entry
		if !e.HasVariance {
			return nil, nil
		}
		date := e.ScheduledDate
		alert = &Alert{
			DoseID:             e.ID,
			ScheduledDate:      &date,
			ExpectedDose:       e.ExpectedDose,
			ActualDose:         e.ActualDose,
			VarianceAmount:     e.VarianceAmount,
			VariancePercentage: e.VariancePercentage,
			DoseUnit:           e.DoseUnit,
		}

	case regimen.EventDoseCorrected:
		var data regimen.DoseCorrectedData
		if err := event.Decode(&data); err != nil {
			return nil, err
		}
		if !data.HasVariance {
			return nil, nil
		}
		alert = &Alert{
			DoseID:             data.DoseID,
			ActualDose:         decimal.NewNullDecimal(data.ActualDose),
			VarianceAmount:     data.VarianceAmount,
			VariancePercentage: data.VariancePercentage,
		}
		if data.VarianceAmount.Valid {
			alert.ExpectedDose = decimal.NewNullDecimal(data.ActualDose.Sub(data.VarianceAmount.Decimal))
		}

	default:
		return nil, nil
	}

	alert.AlertID = uuid.New().String()
	alert.EventID = event.ID
	alert.EventType = event.EventType
	alert.RegimenID = event.AggregateID
	alert.PatientRef = event.PatientRef
	alert.Direction = "over"
	if alert.VarianceAmount.Valid && alert.VarianceAmount.Decimal.IsNegative() {
		alert.Direction = "under"
	}
	alert.DetectedAt = time.Now().UTC()
	return alert, nil
}

func (m *Monitor) publish(ctx context.Context, alert *Alert) error {
	value, err := json.Marshal(alert)
	if err != nil {
		return idempotency.Terminal(fmt.Errorf("encode alert: %w", err))
	}
	if err := m.publisher.Publish(ctx, m.config.AlertTopic, alert.RegimenID, value); err != nil {
		return fmt.Errorf("publish alert: %w", err)
	}

	m.observer.ObserveVariance(alert.VarianceAmount.Decimal)
	m.observer.VarianceAlertPublished()
	m.logger.Info("variance alert published",
		zap.String("alert_id", alert.AlertID),
		zap.String("regimen_id", alert.RegimenID),
		zap.String("dose_id", alert.DoseID),
		zap.String("variance", alert.VarianceAmount.Decimal.String()),
		zap.String("direction", alert.Direction))
	return nil
}

// DeadLetter is the envelope for records the monitor could not process
type DeadLetter struct {
	Topic     string          `json:"original_topic"`
	Partition int32           `json:"partition"`
	Offset    int64           `json:"offset"`
	Key       string          `json:"key,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	Error     string          `json:"error"`
	Handler   string          `json:"handler"`
	FailedAt  time.Time       `json:"failed_at"`
}

// Batch returns a consumer batch handler that fans records out over pool and
// parks failed records on the dead letter topic. In-progress and already
// failed messages are not parked again.
func (m *Monitor) Batch(pool *workerpool.Pool[*redpanda.ConsumedMessage]) redpanda.BatchHandler {
	return func(ctx context.Context, msgs []*redpanda.ConsumedMessage) []error {
		errs := pool.ProcessBatch(ctx, msgs)
		for i, err := range errs {
			if err == nil ||
				errors.Is(err, idempotency.ErrMessageInProgress) ||
				errors.Is(err, idempotency.ErrPreviouslyFailed) {
				continue
			}
			if dlErr := m.deadLetter(ctx, msgs[i], err); dlErr != nil {
				errs[i] = errors.Join(err, dlErr)
			}
		}
		return errs
	}
}

func (m *Monitor) deadLetter(ctx context.Context, msg *redpanda.ConsumedMessage, cause error) error {
	payload := json.RawMessage(msg.Value)
	if !json.Valid(payload) {
		quoted, _ := json.Marshal(string(msg.Value))
		payload = quoted
	}
	value, err := json.Marshal(DeadLetter{
		Topic:     msg.Topic,
		Partition: msg.Partition,
		Offset:    msg.Offset,
		Key:       string(msg.Key),
		Payload:   payload,
		Error:     cause.Error(),
		Handler:   HandlerName,
		FailedAt:  time.Now().UTC(),
	})
	if err != nil {
		return err
	}

	m.logger.Warn("record dead-lettered",
		zap.String("topic", msg.Topic),
		zap.Int64("offset", msg.Offset),
		zap.Error(cause))
	return m.publisher.Publish(ctx, m.config.DeadLetterTopic, string(msg.Key), value)
}
