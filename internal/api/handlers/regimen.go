// Package handlers provides HTTP handlers for the dosing API.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"cloud.google.com/go/civil"
	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-dosing/internal/api/middleware"
	"github.com/drfirst/go-dosing/internal/domain/regimen"
	"github.com/drfirst/go-dosing/internal/dosage"
	"github.com/drfirst/go-dosing/internal/fhir/mapper"
	fhir "github.com/drfirst/go-dosing/internal/fhir/r5"
)

// DefaultScheduleDays is the schedule length when days is omitted
const DefaultScheduleDays = 30

// maxBodyBytes caps request bodies; FHIR payloads are the largest
const maxBodyBytes = 1 << 20

// RegimenHandler handles regimen endpoints
type RegimenHandler struct {
	svc    *regimen.Service
	mapper *mapper.RegimenMapper
	logger *zap.Logger
	tracer trace.Tracer
}

// NewRegimenHandler creates a new handler
func NewRegimenHandler(svc *regimen.Service, logger *zap.Logger) *RegimenHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RegimenHandler{
		svc:    svc,
		mapper: mapper.NewRegimenMapper(),
		logger: logger,
		tracer: otel.Tracer("regimen-handler"),
	}
}

// Routes returns the handler routes
func (h *RegimenHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Create)
	r.Post("/fhir", h.CreateFromFHIR)
	r.Route("/{id}", func(r chi.Router) {
		r.Get("/", h.Get)
		r.Get("/events", h.GetEvents)
		r.Post("/schedule", h.ChangeSchedule)
		r.Get("/schedule", h.Schedule)
		r.Post("/discontinue", h.Discontinue)
		r.Post("/patterns", h.DefinePattern)
		r.Get("/patterns", h.Patterns)
		r.Get("/expected-dose", h.ExpectedDose)
		r.Post("/doses", h.LogDose)
		r.Get("/doses", h.Doses)
		r.Patch("/doses/{doseID}", h.CorrectDose)
		r.Get("/adherence", h.Adherence)
	})
	return r
}

// CreateRequest is the request body for creating a regimen
type CreateRequest struct {
	PatientRef     string              `json:"patient_ref"`
	MedicationName string              `json:"medication_name"`
	MedicationCode string              `json:"medication_code,omitempty"`
	Frequency      string              `json:"frequency"`
	StartDate      civil.Date          `json:"start_date"`
	EndDate        *civil.Date         `json:"end_date,omitempty"`
	FixedDose      decimal.NullDecimal `json:"fixed_dose"`
	DoseUnit       string              `json:"dose_unit"`
}

// Create handles POST /regimens
func (h *RegimenHandler) Create(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "create_regimen")
	defer span.End()

	var req CreateRequest
	if !h.decode(w, r, &req) {
		return
	}
	freq, err := dosage.ParseFrequency(req.Frequency)
	if err != nil {
		h.jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	agg, err := h.svc.Create(ctx, &regimen.RegimenCreatedData{
		PatientRef:     req.PatientRef,
		MedicationName: req.MedicationName,
		MedicationCode: req.MedicationCode,
		Frequency:      freq,
		StartDate:      req.StartDate,
		EndDate:        req.EndDate,
		FixedDose:      req.FixedDose,
		DoseUnit:       req.DoseUnit,
		Source:         "api",
	}, middleware.GetClientID(ctx))
	if err != nil {
		h.serviceError(w, span, err)
		return
	}

	span.SetAttributes(attribute.String("regimen_id", agg.ID()))
	h.writeJSON(w, http.StatusCreated, newRegimenResponse(agg))
}

// CreateFromFHIR handles POST /regimens/fhir. Errors are rendered as a FHIR
// OperationOutcome.
func (h *RegimenHandler) CreateFromFHIR(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "create_regimen_fhir")
	defer span.End()

	var mr fhir.MedicationRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&mr); err != nil {
		h.writeOutcome(w, http.StatusBadRequest, fhir.NewErrorOutcome(fhir.IssueTypeInvalid, "invalid JSON: "+err.Error()))
		return
	}

	data, err := h.mapper.Map(&mr)
	if err != nil {
		var mapErr *mapper.MapError
		if errors.As(err, &mapErr) {
			outcome := fhir.NewOperationOutcome(fhir.OperationOutcomeIssue{
				Severity:    fhir.IssueSeverityError,
				Code:        mapErr.Code,
				Diagnostics: mapErr.Error(),
				Expression:  []string{mapErr.Field},
			})
			h.writeOutcome(w, http.StatusUnprocessableEntity, outcome)
			return
		}
		h.logger.Error("fhir mapping failed", zap.Error(err))
		h.writeOutcome(w, http.StatusInternalServerError, fhir.NewErrorOutcome(fhir.IssueTypeException, "internal error"))
		return
	}

	agg, err := h.svc.Create(ctx, data, middleware.GetClientID(ctx))
	if err != nil {
		status := statusFor(err)
		span.SetStatus(codes.Error, err.Error())
		msg := err.Error()
		issueType := fhir.IssueTypeInvalid
		if status == http.StatusInternalServerError {
			h.logger.Error("fhir intake failed", zap.Error(err))
			msg = "internal error"
			issueType = fhir.IssueTypeException
		}
		h.writeOutcome(w, status, fhir.NewErrorOutcome(issueType, msg))
		return
	}

	span.SetAttributes(
		attribute.String("regimen_id", agg.ID()),
		attribute.String("frequency", string(data.Frequency)))
	h.logger.Info("regimen created from MedicationRequest",
		zap.String("regimen_id", agg.ID()),
		zap.String("medication_request_id", mr.ID),
		zap.String("request_id", middleware.GetRequestID(ctx)))
	h.writeJSON(w, http.StatusCreated, newRegimenResponse(agg))
}

// Get handles GET /regimens/{id}
func (h *RegimenHandler) Get(w http.ResponseWriter, r *http.Request) {
	agg, err := h.svc.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.serviceError(w, nil, err)
		return
	}
	h.writeJSON(w, http.StatusOK, newRegimenResponse(agg))
}

// GetEvents handles GET /regimens/{id}/events
func (h *RegimenHandler) GetEvents(w http.ResponseWriter, r *http.Request) {
	events, err := h.svc.Events(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.serviceError(w, nil, err)
		return
	}
	h.writeJSON(w, http.StatusOK, events)
}

// ScheduleRequest edits the frequency and base dose
type ScheduleRequest struct {
	Frequency string              `json:"frequency"`
	FixedDose decimal.NullDecimal `json:"fixed_dose"`
	DoseUnit  string              `json:"dose_unit"`
}

// ChangeSchedule handles POST /regimens/{id}/schedule
func (h *RegimenHandler) ChangeSchedule(w http.ResponseWriter, r *http.Request) {
	var req ScheduleRequest
	if !h.decode(w, r, &req) {
		return
	}
	freq, err := dosage.ParseFrequency(req.Frequency)
	if err != nil {
		h.jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	agg, err := h.svc.ChangeSchedule(r.Context(), chi.URLParam(r, "id"), freq, req.FixedDose, req.DoseUnit)
	if err != nil {
		h.serviceError(w, nil, err)
		return
	}
	h.writeJSON(w, http.StatusOK, newRegimenResponse(agg))
}

// DiscontinueRequest ends a regimen
type DiscontinueRequest struct {
	EndDate civil.Date `json:"end_date"`
	Reason  string     `json:"reason,omitempty"`
}

// Discontinue handles POST /regimens/{id}/discontinue
func (h *RegimenHandler) Discontinue(w http.ResponseWriter, r *http.Request) {
	var req DiscontinueRequest
	if !h.decode(w, r, &req) {
		return
	}
	agg, err := h.svc.Discontinue(r.Context(), chi.URLParam(r, "id"), req.EndDate, req.Reason)
	if err != nil {
		h.serviceError(w, nil, err)
		return
	}
	h.writeJSON(w, http.StatusOK, newRegimenResponse(agg))
}

// PatternRequest defines a new pattern version
type PatternRequest struct {
	Doses     []decimal.Decimal `json:"doses"`
	StartDate civil.Date        `json:"start_date"`
}

// DefinePattern handles POST /regimens/{id}/patterns
func (h *RegimenHandler) DefinePattern(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "define_pattern")
	defer span.End()

	var req PatternRequest
	if !h.decode(w, r, &req) {
		return
	}
	id := chi.URLParam(r, "id")
	version, err := h.svc.DefinePattern(ctx, id, req.Doses, req.StartDate)
	if err != nil {
		h.serviceError(w, span, err)
		return
	}

	agg, err := h.svc.Get(ctx, id)
	if err != nil {
		h.serviceError(w, span, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, newPatternResponse(version, agg.Regimen().DoseUnit))
}

// PatternsResponse is the pattern history of a regimen
type PatternsResponse struct {
	Versions []PatternResponse `json:"versions"`
	Current  *PatternResponse  `json:"current,omitempty"`
}

// Patterns handles GET /regimens/{id}/patterns
func (h *RegimenHandler) Patterns(w http.ResponseWriter, r *http.Request) {
	agg, err := h.svc.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.serviceError(w, nil, err)
		return
	}

	unit := agg.Regimen().DoseUnit
	versions := agg.Patterns()
	resp := PatternsResponse{Versions: make([]PatternResponse, len(versions))}
	for i, v := range versions {
		resp.Versions[i] = newPatternResponse(v, unit)
	}
	if current, ok := dosage.CurrentlyActiveVersion(versions); ok {
		p := newPatternResponse(current, unit)
		resp.Current = &p
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// ExpectedDose handles GET /regimens/{id}/expected-dose?date=YYYY-MM-DD
func (h *RegimenHandler) ExpectedDose(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "resolve_expected_dose")
	defer span.End()

	date, ok := h.dateParam(w, r, "date", true)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")
	span.SetAttributes(attribute.String("regimen_id", id), attribute.String("date", date.String()))

	res, err := h.svc.ExpectedDose(ctx, id, date)
	if err != nil {
		h.serviceError(w, span, err)
		return
	}
	span.SetAttributes(attribute.String("source", string(res.Source)), attribute.Bool("ambiguous", res.Ambiguous))

	agg, err := h.svc.Get(ctx, id)
	if err != nil {
		h.serviceError(w, span, err)
		return
	}
	h.writeJSON(w, http.StatusOK, newResolutionResponse(res, agg.Regimen().DoseUnit))
}

// ScheduleResponse is a forward-looking dose schedule
type ScheduleResponse struct {
	From     civil.Date              `json:"from"`
	Days     int                     `json:"days"`
	DoseUnit string                  `json:"dose_unit,omitempty"`
	Doses    []ScheduledDoseResponse `json:"doses"`
}

// Schedule handles GET /regimens/{id}/schedule?from=YYYY-MM-DD&days=N
func (h *RegimenHandler) Schedule(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "future_schedule")
	defer span.End()

	from, ok := h.dateParam(w, r, "from", false)
	if !ok {
		return
	}
	days := DefaultScheduleDays
	if s := r.URL.Query().Get("days"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			h.jsonError(w, "days must be a non-negative integer", http.StatusBadRequest)
			return
		}
		days = n
	}

	id := chi.URLParam(r, "id")
	doses, err := h.svc.Schedule(ctx, id, from, days)
	if err != nil {
		h.serviceError(w, span, err)
		return
	}
	agg, err := h.svc.Get(ctx, id)
	if err != nil {
		h.serviceError(w, span, err)
		return
	}

	resp := ScheduleResponse{From: from, Days: days, DoseUnit: agg.Regimen().DoseUnit,
		Doses: make([]ScheduledDoseResponse, len(doses))}
	for i, d := range doses {
		resp.Doses[i] = newScheduledDoseResponse(d)
	}
	span.SetAttributes(attribute.Int("doses", len(doses)))
	h.writeJSON(w, http.StatusOK, resp)
}

// LogDoseRequest reports a dose
type LogDoseRequest struct {
	ScheduledDate civil.Date          `json:"scheduled_date"`
	Status        string              `json:"status"`
	ActualDose    decimal.NullDecimal `json:"actual_dose"`
	TakenAt       *time.Time          `json:"taken_at,omitempty"`
	Notes         string              `json:"notes,omitempty"`
}

// LogDose handles POST /regimens/{id}/doses
func (h *RegimenHandler) LogDose(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "log_dose")
	defer span.End()

	var req LogDoseRequest
	if !h.decode(w, r, &req) {
		return
	}
	status, err := regimen.ParseDoseStatus(req.Status)
	if err != nil {
		h.jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	entry, err := h.svc.LogDose(ctx, chi.URLParam(r, "id"), regimen.LogDoseInput{
		ScheduledDate: req.ScheduledDate,
		Status:        status,
		ActualDose:    req.ActualDose,
		TakenAt:       req.TakenAt,
		Notes:         req.Notes,
		LoggedBy:      middleware.GetClientID(ctx),
	})
	if err != nil {
		h.serviceError(w, span, err)
		return
	}
	span.SetAttributes(attribute.String("dose_id", entry.ID), attribute.Bool("has_variance", entry.HasVariance))
	h.writeJSON(w, http.StatusCreated, entry)
}

// Doses handles GET /regimens/{id}/doses
func (h *RegimenHandler) Doses(w http.ResponseWriter, r *http.Request) {
	agg, err := h.svc.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.serviceError(w, nil, err)
		return
	}
	h.writeJSON(w, http.StatusOK, agg.DoseLog())
}

// CorrectDoseRequest replaces the actual amount of a logged dose
type CorrectDoseRequest struct {
	ActualDose decimal.NullDecimal `json:"actual_dose"`
	Reason     string              `json:"reason,omitempty"`
}

// CorrectDose handles PATCH /regimens/{id}/doses/{doseID}
func (h *RegimenHandler) CorrectDose(w http.ResponseWriter, r *http.Request) {
	var req CorrectDoseRequest
	if !h.decode(w, r, &req) {
		return
	}
	if !req.ActualDose.Valid {
		h.jsonError(w, "actual_dose is required", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	entry, err := h.svc.CorrectDose(ctx, chi.URLParam(r, "id"), chi.URLParam(r, "doseID"),
		req.ActualDose.Decimal, req.Reason, middleware.GetClientID(ctx))
	if err != nil {
		h.serviceError(w, nil, err)
		return
	}
	h.writeJSON(w, http.StatusOK, entry)
}

// Adherence handles GET /regimens/{id}/adherence?from=&to=
func (h *RegimenHandler) Adherence(w http.ResponseWriter, r *http.Request) {
	from, ok := h.dateParam(w, r, "from", true)
	if !ok {
		return
	}
	to, ok := h.dateParam(w, r, "to", true)
	if !ok {
		return
	}
	summary, err := h.svc.Adherence(r.Context(), chi.URLParam(r, "id"), from, to)
	if err != nil {
		h.serviceError(w, nil, err)
		return
	}
	h.writeJSON(w, http.StatusOK, summary)
}

func (h *RegimenHandler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); err != nil {
		h.jsonError(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

// dateParam reads a YYYY-MM-DD query parameter. Optional parameters default to today (UTC).
func (h *RegimenHandler) dateParam(w http.ResponseWriter, r *http.Request, name string, required bool) (civil.Date, bool) {
	s := r.URL.Query().Get(name)
	if s == "" {
		if required {
			h.jsonError(w, name+" is required (YYYY-MM-DD)", http.StatusBadRequest)
			return civil.Date{}, false
		}
		return civil.DateOf(time.Now().UTC()), true
	}
	d, err := civil.ParseDate(s)
	if err != nil {
		h.jsonError(w, "invalid "+name+": "+s, http.StatusBadRequest)
		return civil.Date{}, false
	}
	return d, true
}

func (h *RegimenHandler) serviceError(w http.ResponseWriter, span trace.Span, err error) {
	status := statusFor(err)
	if span != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", zap.Error(err))
		h.jsonError(w, "internal server error", status)
		return
	}
	h.jsonError(w, err.Error(), status)
}

// statusFor maps domain and engine errors onto HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, regimen.ErrNotFound), errors.Is(err, regimen.ErrDoseNotFound):
		return http.StatusNotFound
	case errors.Is(err, regimen.ErrConcurrentModification), errors.Is(err, regimen.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, regimen.ErrInvalidDose),
		errors.Is(err, dosage.ErrInvalidRegimen),
		errors.Is(err, dosage.ErrInvalidPattern),
		errors.Is(err, dosage.ErrOverlappingVersions),
		errors.Is(err, dosage.ErrEmptySequence),
		errors.Is(err, dosage.ErrInvalidIndex),
		errors.Is(err, dosage.ErrUnknownFrequency),
		errors.Is(err, dosage.ErrAmbiguousPatternWindow):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (h *RegimenHandler) writeJSON(w http.ResponseWriter, code int, v any) {
	if err := writeJSON(w, code, v); err != nil {
		h.logger.Warn("encode response", zap.Error(err))
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	return json.NewEncoder(w).Encode(v)
}

func (h *RegimenHandler) writeOutcome(w http.ResponseWriter, code int, outcome *fhir.OperationOutcome) {
	w.Header().Set("Content-Type", "application/fhir+json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(outcome)
}

func (h *RegimenHandler) jsonError(w http.ResponseWriter, message string, code int) {
	middleware.WriteError(w, message, code)
}
