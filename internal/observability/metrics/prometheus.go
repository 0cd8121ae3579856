// Package metrics provides Prometheus metrics for the dosing services.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
)

// Metrics holds all application metrics
type Metrics struct {
	RegimensCreated         *prometheus.CounterVec
	DosesLogged             *prometheus.CounterVec
	VarianceDetected        *prometheus.CounterVec
	ExpectedDoseLookups     *prometheus.CounterVec
	AmbiguousPatternWindows prometheus.Counter
	ResolutionDuration      prometheus.Histogram
	EventsConsumed          *prometheus.CounterVec
	VarianceAlertsPublished prometheus.Counter
	OutboxPending           prometheus.Gauge
	OutboxRetrying          prometheus.Gauge
	CircuitBreakerState     *prometheus.GaugeVec
}

// New creates all metrics and registers them with reg
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RegimensCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dosing_regimens_created_total",
			Help: "Regimens created, by intake source",
		}, []string{"source"}),
		DosesLogged: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dosing_doses_logged_total",
			Help: "Dose log entries written, by status",
		}, []string{"status"}),
		VarianceDetected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dosing_variance_detected_total",
			Help: "Taken doses outside tolerance of the expected dose",
		}, []string{"direction"}),
		ExpectedDoseLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dosing_expected_dose_lookups_total",
			Help: "Expected dose resolutions, by outcome (pattern, fixed, none, error)",
		}, []string{"outcome"}),
		AmbiguousPatternWindows: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dosing_ambiguous_pattern_windows_total",
			Help: "Resolutions where more than one pattern version covered the date",
		}),
		ResolutionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "dosing_resolution_duration_seconds",
			Help:    "Expected dose resolution latency",
			Buckets: []float64{.00001, .00005, .0001, .0005, .001, .005, .01},
		}),
		EventsConsumed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dosing_events_consumed_total",
			Help: "Regimen events consumed by the variance monitor, by event type",
		}, []string{"event_type"}),
		VarianceAlertsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dosing_variance_alerts_published_total",
			Help: "Variance alerts published",
		}),
		OutboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_pending_entries",
			Help: "Pending outbox entries",
		}),
		OutboxRetrying: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_retrying_entries",
			Help: "Pending outbox entries that have failed at least once",
		}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
	}

	reg.MustRegister(
		m.RegimensCreated,
		m.DosesLogged,
		m.VarianceDetected,
		m.ExpectedDoseLookups,
		m.AmbiguousPatternWindows,
		m.ResolutionDuration,
		m.EventsConsumed,
		m.VarianceAlertsPublished,
		m.OutboxPending,
		m.OutboxRetrying,
		m.CircuitBreakerState,
	)
	return m
}

// RegimenCreated counts a new regimen
func (m *Metrics) RegimenCreated(source string) {
	if source == "" {
		source = "api"
	}
	m.RegimensCreated.WithLabelValues(source).Inc()
}

// ObserveResolution records one expected dose lookup
func (m *Metrics) ObserveResolution(outcome string, ambiguous bool, elapsed time.Duration) {
	m.ExpectedDoseLookups.WithLabelValues(outcome).Inc()
	m.ResolutionDuration.Observe(elapsed.Seconds())
	if ambiguous {
		m.AmbiguousPatternWindows.Inc()
	}
}

// ObserveDoseLogged counts a dose log entry
func (m *Metrics) ObserveDoseLogged(status string) {
	m.DosesLogged.WithLabelValues(status).Inc()
}

// ObserveVariance counts a variance by its sign
func (m *Metrics) ObserveVariance(amount decimal.Decimal) {
	direction := "over"
	if amount.IsNegative() {
		direction = "under"
	}
	m.VarianceDetected.WithLabelValues(direction).Inc()
}

// EventConsumed counts a regimen event read by a consumer
func (m *Metrics) EventConsumed(eventType string) {
	m.EventsConsumed.WithLabelValues(eventType).Inc()
}

// VarianceAlertPublished counts an alert written to the alerts topic
func (m *Metrics) VarianceAlertPublished() {
	m.VarianceAlertsPublished.Inc()
}

// SetOutboxBacklog records the relay backlog
func (m *Metrics) SetOutboxBacklog(pending, retrying int64) {
	m.OutboxPending.Set(float64(pending))
	m.OutboxRetrying.Set(float64(retrying))
}

// SetBreakerState records a breaker state in its numeric form
func (m *Metrics) SetBreakerState(name string, state float64) {
	m.CircuitBreakerState.WithLabelValues(name).Set(state)
}

// Handler returns the Prometheus HTTP handler for g
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
