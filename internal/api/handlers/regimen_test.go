package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/drfirst/go-dosing/internal/api/middleware"
	"github.com/drfirst/go-dosing/internal/domain/regimen"
	"github.com/drfirst/go-dosing/internal/infrastructure/memory"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	svc := regimen.NewService(memory.NewRegimenStore(nil), nil, nil, nil)
	r := chi.NewRouter()
	r.Use(middleware.APIKeyAuth(map[string]string{"k": "nurse-1"}))
	r.Mount("/regimens", NewRegimenHandler(svc, nil).Routes())
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, srv *httptest.Server, method, path, body string) *http.Response {
	t.Helper()
	var reader *bytes.Reader
	if body == "" {
		reader = bytes.NewReader(nil)
	} else {
		reader = bytes.NewReader([]byte(body))
	}
	req, err := http.NewRequest(method, srv.URL+path, reader)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("X-API-Key", "k")
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func expectStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		var body bytes.Buffer
		body.ReadFrom(resp.Body)
		t.Fatalf("%s %s: status %d, want %d: %s", resp.Request.Method, resp.Request.URL.Path, resp.StatusCode, want, body.String())
	}
}

func createEveryOtherDay(t *testing.T, srv *httptest.Server) string {
	t.Helper()
	resp := do(t, srv, http.MethodPost, "/regimens", `{
		"patient_ref": "p-1",
		"medication_name": "Warfarin",
		"frequency": "every_other_day",
		"start_date": "2024-01-01",
		"fixed_dose": "5",
		"dose_unit": "mg"
	}`)
	expectStatus(t, resp, http.StatusCreated)

	var created RegimenResponse
	decodeBody(t, resp, &created)
	if created.ID == "" || !created.Active || created.Status != regimen.StatusActive {
		t.Fatalf("created = %+v", created)
	}
	return created.ID
}

func TestCreateAndGet(t *testing.T) {
	srv := newTestServer(t)
	id := createEveryOtherDay(t, srv)

	resp := do(t, srv, http.MethodGet, "/regimens/"+id, "")
	expectStatus(t, resp, http.StatusOK)
	var got RegimenResponse
	decodeBody(t, resp, &got)
	if got.MedicationName != "Warfarin" || got.FixedDose.Decimal.String() != "5" || got.Source != "api" {
		t.Errorf("got %+v", got)
	}

	resp = do(t, srv, http.MethodGet, "/regimens/"+id+"/events", "")
	expectStatus(t, resp, http.StatusOK)
	var events []regimen.Event
	decodeBody(t, resp, &events)
	if len(events) != 1 || events[0].EventType != regimen.EventRegimenCreated || events[0].Actor != "nurse-1" {
		t.Errorf("events = %+v", events)
	}
}

func TestExpectedDoseWithPattern(t *testing.T) {
	srv := newTestServer(t)
	id := createEveryOtherDay(t, srv)

	resp := do(t, srv, http.MethodPost, "/regimens/"+id+"/patterns", `{"doses": ["4", "4", "3"], "start_date": "2024-01-01"}`)
	expectStatus(t, resp, http.StatusCreated)
	var pattern PatternResponse
	decodeBody(t, resp, &pattern)
	if pattern.Display != "4mg, 4mg, 3mg (3-day cycle)" || pattern.CycleLength != 3 {
		t.Errorf("pattern = %+v", pattern)
	}

	tests := []struct {
		date      string
		scheduled bool
		dose      string
		source    string
	}{
		{"2024-01-01", true, "4", "pattern"},
		{"2024-01-02", false, "", "none"},
		{"2024-01-05", true, "3", "pattern"},
		{"2024-01-07", true, "4", "pattern"},
		{"2023-12-31", false, "", "none"},
	}
	for _, tt := range tests {
		resp := do(t, srv, http.MethodGet, "/regimens/"+id+"/expected-dose?date="+tt.date, "")
		expectStatus(t, resp, http.StatusOK)
		var res ResolutionResponse
		decodeBody(t, resp, &res)

		if res.Scheduled != tt.scheduled || res.Source != tt.source {
			t.Errorf("%s: scheduled=%v source=%s", tt.date, res.Scheduled, res.Source)
		}
		if tt.dose == "" {
			if res.ExpectedDose.Valid {
				t.Errorf("%s: unexpected dose %s", tt.date, res.ExpectedDose.Decimal)
			}
			continue
		}
		if !res.ExpectedDose.Valid || res.ExpectedDose.Decimal.String() != tt.dose {
			t.Errorf("%s: dose = %v, want %s", tt.date, res.ExpectedDose, tt.dose)
		}
	}

	resp = do(t, srv, http.MethodGet, "/regimens/"+id+"/patterns", "")
	expectStatus(t, resp, http.StatusOK)
	var patterns PatternsResponse
	decodeBody(t, resp, &patterns)
	if len(patterns.Versions) != 1 || patterns.Current == nil || patterns.Current.ID != pattern.ID {
		t.Errorf("patterns = %+v", patterns)
	}
}

func TestPatternEditKeepsHistory(t *testing.T) {
	srv := newTestServer(t)
	id := createEveryOtherDay(t, srv)

	expectStatus(t, do(t, srv, http.MethodPost, "/regimens/"+id+"/patterns",
		`{"doses": ["4", "4", "3"], "start_date": "2024-01-01"}`), http.StatusCreated)
	expectStatus(t, do(t, srv, http.MethodPost, "/regimens/"+id+"/patterns",
		`{"doses": ["2"], "start_date": "2024-01-09"}`), http.StatusCreated)

	// starting on or before the latest version is rejected
	expectStatus(t, do(t, srv, http.MethodPost, "/regimens/"+id+"/patterns",
		`{"doses": ["1"], "start_date": "2024-01-09"}`), http.StatusBadRequest)
	expectStatus(t, do(t, srv, http.MethodPost, "/regimens/"+id+"/patterns",
		`{"doses": [], "start_date": "2024-02-01"}`), http.StatusBadRequest)

	var patterns PatternsResponse
	resp := do(t, srv, http.MethodGet, "/regimens/"+id+"/patterns", "")
	decodeBody(t, resp, &patterns)
	if len(patterns.Versions) != 2 {
		t.Fatalf("versions = %d", len(patterns.Versions))
	}
	if end := patterns.Versions[0].EndDate; end == nil || end.String() != "2024-01-08" {
		t.Errorf("first version end = %v", end)
	}

	// closed version still resolves its own dates
	var res ResolutionResponse
	decodeBody(t, do(t, srv, http.MethodGet, "/regimens/"+id+"/expected-dose?date=2024-01-05", ""), &res)
	if res.ExpectedDose.Decimal.String() != "3" {
		t.Errorf("2024-01-05 = %v", res.ExpectedDose)
	}
	decodeBody(t, do(t, srv, http.MethodGet, "/regimens/"+id+"/expected-dose?date=2024-01-09", ""), &res)
	if res.ExpectedDose.Decimal.String() != "2" || res.PatternDayNumber == nil || *res.PatternDayNumber != 0 {
		t.Errorf("2024-01-09 = %+v", res)
	}
}

func TestScheduleEndpoint(t *testing.T) {
	srv := newTestServer(t)
	id := createEveryOtherDay(t, srv)
	expectStatus(t, do(t, srv, http.MethodPost, "/regimens/"+id+"/patterns",
		`{"doses": ["4", "4", "3"], "start_date": "2024-01-01"}`), http.StatusCreated)

	resp := do(t, srv, http.MethodGet, "/regimens/"+id+"/schedule?from=2024-01-01&days=6", "")
	expectStatus(t, resp, http.StatusOK)
	var sched ScheduleResponse
	decodeBody(t, resp, &sched)

	want := []string{"4", "4", "3"}
	if len(sched.Doses) != len(want) {
		t.Fatalf("doses = %+v", sched.Doses)
	}
	for i, d := range sched.Doses {
		if d.Dose.String() != want[i] {
			t.Errorf("dose %d = %s, want %s", i, d.Dose, want[i])
		}
	}

	expectStatus(t, do(t, srv, http.MethodGet, "/regimens/"+id+"/schedule?from=2024-01-01&days=400", ""), http.StatusBadRequest)
	expectStatus(t, do(t, srv, http.MethodGet, "/regimens/"+id+"/schedule?from=2024-01-01&days=-1", ""), http.StatusBadRequest)

	resp = do(t, srv, http.MethodGet, "/regimens/"+id+"/schedule?from=2024-01-01&days=0", "")
	expectStatus(t, resp, http.StatusOK)
	decodeBody(t, resp, &sched)
	if len(sched.Doses) != 0 {
		t.Errorf("zero days produced %d doses", len(sched.Doses))
	}
}

func TestLogAndCorrectDose(t *testing.T) {
	srv := newTestServer(t)
	id := createEveryOtherDay(t, srv)
	expectStatus(t, do(t, srv, http.MethodPost, "/regimens/"+id+"/patterns",
		`{"doses": ["4", "4", "3"], "start_date": "2024-01-01"}`), http.StatusCreated)

	resp := do(t, srv, http.MethodPost, "/regimens/"+id+"/doses",
		`{"scheduled_date": "2024-01-05", "status": "taken", "actual_dose": "3.5"}`)
	expectStatus(t, resp, http.StatusCreated)
	var entry regimen.DoseLogEntry
	decodeBody(t, resp, &entry)
	if !entry.HasVariance || entry.ExpectedDose.Decimal.String() != "3" || entry.LoggedBy != "nurse-1" {
		t.Errorf("entry = %+v", entry)
	}
	if entry.PatternDayNumber == nil || *entry.PatternDayNumber != 2 {
		t.Errorf("pattern day = %v", entry.PatternDayNumber)
	}

	resp = do(t, srv, http.MethodPatch, "/regimens/"+id+"/doses/"+entry.ID, `{"actual_dose": "3", "reason": "miscount"}`)
	expectStatus(t, resp, http.StatusOK)
	var corrected regimen.DoseLogEntry
	decodeBody(t, resp, &corrected)
	if corrected.HasVariance || !corrected.ActualDose.Decimal.Equal(decimal.RequireFromString("3")) {
		t.Errorf("corrected = %+v", corrected)
	}

	expectStatus(t, do(t, srv, http.MethodPost, "/regimens/"+id+"/doses",
		`{"scheduled_date": "2024-01-07", "status": "missed"}`), http.StatusCreated)

	resp = do(t, srv, http.MethodGet, "/regimens/"+id+"/adherence?from=2024-01-01&to=2024-01-31", "")
	expectStatus(t, resp, http.StatusOK)
	var summary regimen.AdherenceSummary
	decodeBody(t, resp, &summary)
	if summary.Total != 2 || summary.Taken != 1 || summary.Missed != 1 {
		t.Errorf("summary = %+v", summary)
	}

	var log []regimen.DoseLogEntry
	decodeBody(t, do(t, srv, http.MethodGet, "/regimens/"+id+"/doses", ""), &log)
	if len(log) != 2 {
		t.Errorf("dose log = %d entries", len(log))
	}
}

func TestErrorMapping(t *testing.T) {
	srv := newTestServer(t)
	id := createEveryOtherDay(t, srv)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"unknown regimen", http.MethodGet, "/regimens/nope", "", http.StatusNotFound},
		{"unknown regimen events", http.MethodGet, "/regimens/nope/events", "", http.StatusNotFound},
		{"bad json", http.MethodPost, "/regimens", "{", http.StatusBadRequest},
		{"bad frequency", http.MethodPost, "/regimens",
			`{"patient_ref": "p", "medication_name": "m", "frequency": "hourly", "start_date": "2024-01-01"}`, http.StatusBadRequest},
		{"end before start", http.MethodPost, "/regimens",
			`{"patient_ref": "p", "medication_name": "m", "frequency": "once_daily", "start_date": "2024-01-10", "end_date": "2024-01-01"}`, http.StatusBadRequest},
		{"missing date", http.MethodGet, "/regimens/" + id + "/expected-dose", "", http.StatusBadRequest},
		{"bad date", http.MethodGet, "/regimens/" + id + "/expected-dose?date=2024-13-01", "", http.StatusBadRequest},
		{"unknown dose", http.MethodPatch, "/regimens/" + id + "/doses/nope", `{"actual_dose": "1"}`, http.StatusNotFound},
		{"correction without amount", http.MethodPatch, "/regimens/" + id + "/doses/nope", `{}`, http.StatusBadRequest},
		{"taken without amount", http.MethodPost, "/regimens/" + id + "/doses",
			`{"scheduled_date": "2024-01-01", "status": "taken"}`, http.StatusBadRequest},
		{"bad status", http.MethodPost, "/regimens/" + id + "/doses",
			`{"scheduled_date": "2024-01-01", "status": "forgot"}`, http.StatusBadRequest},
		{"adherence reversed", http.MethodGet, "/regimens/" + id + "/adherence?from=2024-02-01&to=2024-01-01", "", http.StatusBadRequest},
		{"adherence missing to", http.MethodGet, "/regimens/" + id + "/adherence?from=2024-02-01", "", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := do(t, srv, tt.method, tt.path, tt.body)
			expectStatus(t, resp, tt.want)
			var body map[string]string
			decodeBody(t, resp, &body)
			if body["error"] == "" {
				t.Error("missing error message")
			}
		})
	}
}

func TestDiscontinue(t *testing.T) {
	srv := newTestServer(t)
	id := createEveryOtherDay(t, srv)

	resp := do(t, srv, http.MethodPost, "/regimens/"+id+"/discontinue", `{"end_date": "2024-01-10", "reason": "bleeding risk"}`)
	expectStatus(t, resp, http.StatusOK)
	var got RegimenResponse
	decodeBody(t, resp, &got)
	if got.Active || got.Status != regimen.StatusDiscontinued || got.EndDate == nil {
		t.Errorf("got %+v", got)
	}

	var res ResolutionResponse
	decodeBody(t, do(t, srv, http.MethodGet, "/regimens/"+id+"/expected-dose?date=2024-01-05", ""), &res)
	if res.ExpectedDose.Valid || res.Source != "none" {
		t.Errorf("discontinued regimen resolved %+v", res)
	}

	expectStatus(t, do(t, srv, http.MethodPost, "/regimens/"+id+"/doses",
		`{"scheduled_date": "2024-01-05", "status": "missed"}`), http.StatusConflict)
	expectStatus(t, do(t, srv, http.MethodPost, "/regimens/"+id+"/discontinue",
		`{"end_date": "2024-01-10"}`), http.StatusConflict)
}

const fhirRequest = `{
	"resourceType": "MedicationRequest",
	"id": "mr-7",
	"status": "active",
	"intent": "order",
	"subject": {"reference": "Patient/p-9"},
	"authoredOn": "2024-04-01",
	"medication": {"concept": {"text": "Levothyroxine"}},
	"dosageInstruction": [{
		"timing": {"repeat": {"frequency": 1, "period": 1, "periodUnit": "d"}},
		"doseAndRate": [{"doseQuantity": {"value": 0.075, "unit": "mg"}}]
	}]
}`

func TestCreateFromFHIR(t *testing.T) {
	srv := newTestServer(t)

	resp := do(t, srv, http.MethodPost, "/regimens/fhir", fhirRequest)
	expectStatus(t, resp, http.StatusCreated)
	var got RegimenResponse
	decodeBody(t, resp, &got)
	if got.Frequency != "once_daily" || got.PatientRef != "p-9" || got.Source != "fhir" {
		t.Errorf("got %+v", got)
	}
	if got.FixedDose.Decimal.String() != "0.075" || got.StartDate.String() != "2024-04-01" {
		t.Errorf("dose/start = %s %s", got.FixedDose.Decimal, got.StartDate)
	}
}

func TestCreateFromFHIROperationOutcome(t *testing.T) {
	srv := newTestServer(t)

	tests := []struct {
		name string
		body string
		want int
		code string
	}{
		{"malformed", "{", http.StatusBadRequest, "invalid"},
		{"no subject", strings.Replace(fhirRequest, `"subject": {"reference": "Patient/p-9"},`, "", 1),
			http.StatusUnprocessableEntity, "required"},
		{"stopped", strings.Replace(fhirRequest, `"status": "active"`, `"status": "stopped"`, 1),
			http.StatusUnprocessableEntity, "not-supported"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := do(t, srv, http.MethodPost, "/regimens/fhir", tt.body)
			expectStatus(t, resp, tt.want)
			if ct := resp.Header.Get("Content-Type"); ct != "application/fhir+json" {
				t.Errorf("content type = %q", ct)
			}
			var outcome struct {
				ResourceType string `json:"resourceType"`
				Issue        []struct {
					Severity string `json:"severity"`
					Code     string `json:"code"`
				} `json:"issue"`
			}
			decodeBody(t, resp, &outcome)
			if outcome.ResourceType != "OperationOutcome" || len(outcome.Issue) != 1 || outcome.Issue[0].Code != tt.code {
				t.Errorf("outcome = %+v", outcome)
			}
		})
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{regimen.ErrNotFound, http.StatusNotFound},
		{regimen.ErrConcurrentModification, http.StatusConflict},
		{regimen.ErrInvalidDose, http.StatusBadRequest},
		{bytes.ErrTooLarge, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("%v: got %d, want %d", tt.err, got, tt.want)
		}
	}
}
