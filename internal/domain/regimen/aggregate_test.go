package regimen

import (
	"errors"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/shopspring/decimal"

	"github.com/drfirst/go-dosing/internal/dosage"
)

func day(y int, m time.Month, d int) civil.Date { return civil.Date{Year: y, Month: m, Day: d} }

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func decs(ss ...string) []decimal.Decimal {
	out := make([]decimal.Decimal, len(ss))
	for i, s := range ss {
		out[i] = dec(s)
	}
	return out
}

func taken(date civil.Date, amount string) LogDoseInput {
	return LogDoseInput{
		ScheduledDate: date,
		Status:        DoseTaken,
		ActualDose:    decimal.NewNullDecimal(dec(amount)),
	}
}

func newRegimen(t *testing.T, f dosage.Frequency, start civil.Date) *Aggregate {
	t.Helper()
	agg := NewAggregate("reg-1")
	err := agg.Create(&RegimenCreatedData{
		PatientRef:     "Patient/123",
		MedicationName: "Warfarin 1mg tablet",
		Frequency:      f,
		StartDate:      start,
		DoseUnit:       "mg",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return agg
}

func TestCreate(t *testing.T) {
	agg := newRegimen(t, dosage.FrequencyEveryOtherDay, day(2025, time.November, 1))

	if agg.Status() != StatusActive {
		t.Errorf("status = %s, want active", agg.Status())
	}
	if agg.Version() != 1 {
		t.Errorf("version = %d, want 1", agg.Version())
	}
	changes := agg.Changes()
	if len(changes) != 1 || changes[0].EventType != EventRegimenCreated {
		t.Fatalf("changes = %+v", changes)
	}
	if changes[0].Version != 1 || changes[0].PatientRef != "Patient/123" {
		t.Errorf("event = %+v", changes[0])
	}
	if !agg.Regimen().Active {
		t.Error("created regimen should be active")
	}

	if err := agg.Create(&RegimenCreatedData{}); !errors.Is(err, ErrInvalidState) {
		t.Errorf("second create: %v", err)
	}
}

func TestCreateValidation(t *testing.T) {
	start := day(2025, time.November, 10)
	before := day(2025, time.November, 1)

	cases := map[string]*RegimenCreatedData{
		"missing patient":   {MedicationName: "x", Frequency: dosage.FrequencyOnceDaily, StartDate: start},
		"missing drug":      {PatientRef: "p", Frequency: dosage.FrequencyOnceDaily, StartDate: start},
		"unknown frequency": {PatientRef: "p", MedicationName: "x", Frequency: "hourly", StartDate: start},
		"end before start":  {PatientRef: "p", MedicationName: "x", Frequency: dosage.FrequencyOnceDaily, StartDate: start, EndDate: &before},
		"zero fixed dose": {PatientRef: "p", MedicationName: "x", Frequency: dosage.FrequencyOnceDaily, StartDate: start,
			FixedDose: decimal.NewNullDecimal(decimal.Zero)},
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			err := NewAggregate("r").Create(data)
			if !errors.Is(err, dosage.ErrInvalidRegimen) {
				t.Errorf("got %v, want ErrInvalidRegimen", err)
			}
		})
	}
}

func TestDefinePatternClosesOpenVersion(t *testing.T) {
	agg := newRegimen(t, dosage.FrequencyEveryOtherDay, day(2025, time.November, 1))

	v1, err := agg.DefinePattern(decs("5", "4", "3"), day(2025, time.November, 1))
	if err != nil {
		t.Fatal(err)
	}
	v2, err := agg.DefinePattern(decs("2"), day(2025, time.November, 10))
	if err != nil {
		t.Fatal(err)
	}

	patterns := agg.Patterns()
	if len(patterns) != 2 {
		t.Fatalf("got %d versions", len(patterns))
	}
	if patterns[0].ID != v1.ID || patterns[0].EndDate == nil || *patterns[0].EndDate != day(2025, time.November, 9) {
		t.Errorf("first version = %+v, want closed on Nov 9", patterns[0])
	}
	if patterns[1].ID != v2.ID || !patterns[1].IsOpen() {
		t.Errorf("second version = %+v, want open", patterns[1])
	}
	if err := dosage.ValidateHistory(patterns); err != nil {
		t.Errorf("history invalid: %v", err)
	}

	current, ok := dosage.CurrentlyActiveVersion(patterns)
	if !ok || current.ID != v2.ID {
		t.Errorf("current = %v %v", current.ID, ok)
	}
	old, ok := dosage.ActiveVersionOn(patterns, day(2025, time.November, 5))
	if !ok || old.ID != v1.ID {
		t.Errorf("Nov 5 resolved to %v", old.ID)
	}
}

func TestDefinePatternRejects(t *testing.T) {
	agg := newRegimen(t, dosage.FrequencyOnceDaily, day(2025, time.November, 1))
	if _, err := agg.DefinePattern(decs("1"), day(2025, time.November, 5)); err != nil {
		t.Fatal(err)
	}
	version := agg.Version()

	cases := []struct {
		name  string
		doses []decimal.Decimal
		start civil.Date
	}{
		{"same start", decs("1"), day(2025, time.November, 5)},
		{"earlier start", decs("1"), day(2025, time.November, 3)},
		{"before regimen", decs("1"), day(2025, time.October, 1)},
		{"empty", nil, day(2025, time.November, 9)},
		{"negative dose", decs("-1"), day(2025, time.November, 9)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := agg.DefinePattern(tc.doses, tc.start); !errors.Is(err, dosage.ErrInvalidPattern) {
				t.Errorf("got %v, want ErrInvalidPattern", err)
			}
		})
	}
	if agg.Version() != version || len(agg.Patterns()) != 1 {
		t.Error("rejected definitions must not change state")
	}
}

func TestLogDoseSnapshotsExpectedDose(t *testing.T) {
	r := dosage.NewResolver(nil)
	agg := newRegimen(t, dosage.FrequencyEveryOtherDay, day(2025, time.November, 1))
	if _, err := agg.DefinePattern(decs("5.0", "4.0", "3.0"), day(2025, time.November, 1)); err != nil {
		t.Fatal(err)
	}

	first, err := agg.LogDose(r, taken(day(2025, time.November, 3), "4.0"))
	if err != nil {
		t.Fatal(err)
	}
	if !first.ExpectedDose.Decimal.Equal(dec("4")) || first.HasVariance {
		t.Errorf("first = %+v", first)
	}
	if first.ScheduledDayIndex == nil || *first.ScheduledDayIndex != 1 {
		t.Errorf("scheduled day index = %v", first.ScheduledDayIndex)
	}
	if first.PatternDayNumber == nil || *first.PatternDayNumber != 1 || first.Source != dosage.SourcePattern {
		t.Errorf("pattern day = %v, source = %s", first.PatternDayNumber, first.Source)
	}

	// a new pattern must not rewrite what was expected for Nov 3
	if _, err := agg.DefinePattern(decs("10"), day(2025, time.November, 3)); err != nil {
		t.Fatal(err)
	}
	logged, _ := agg.Dose(first.ID)
	if !logged.ExpectedDose.Decimal.Equal(dec("4")) {
		t.Errorf("snapshot changed to %s", logged.ExpectedDose.Decimal)
	}

	second, err := agg.LogDose(r, taken(day(2025, time.November, 5), "9"))
	if err != nil {
		t.Fatal(err)
	}
	if !second.ExpectedDose.Decimal.Equal(dec("10")) || !second.HasVariance {
		t.Fatalf("second = %+v", second)
	}
	if !second.VarianceAmount.Decimal.Equal(dec("-1")) || !second.VariancePercentage.Decimal.Equal(dec("-10")) {
		t.Errorf("variance = %s (%s%%)", second.VarianceAmount.Decimal, second.VariancePercentage.Decimal)
	}
	if *second.PatternDayNumber != 1 || *second.ScheduledDayIndex != 2 {
		t.Errorf("pattern day %d, scheduled day %d", *second.PatternDayNumber, *second.ScheduledDayIndex)
	}
}

func TestLogDoseOnUnscheduledDay(t *testing.T) {
	agg := newRegimen(t, dosage.FrequencyEveryOtherDay, day(2025, time.November, 1))
	if _, err := agg.DefinePattern(decs("5"), day(2025, time.November, 1)); err != nil {
		t.Fatal(err)
	}

	entry, err := agg.LogDose(dosage.NewResolver(nil), taken(day(2025, time.November, 2), "5"))
	if err != nil {
		t.Fatal(err)
	}
	if entry.ScheduledDayIndex != nil || entry.PatternDayNumber != nil {
		t.Errorf("unscheduled day got indexes %v %v", entry.ScheduledDayIndex, entry.PatternDayNumber)
	}
	if entry.ExpectedDose.Valid || entry.HasVariance || entry.VarianceAmount.Valid {
		t.Errorf("entry = %+v", entry)
	}
}

func TestLogDoseStatusRules(t *testing.T) {
	r := dosage.NewResolver(nil)
	agg := newRegimen(t, dosage.FrequencyOnceDaily, day(2025, time.November, 1))
	if _, err := agg.DefinePattern(decs("5"), day(2025, time.November, 1)); err != nil {
		t.Fatal(err)
	}
	d := day(2025, time.November, 2)

	missed, err := agg.LogDose(r, LogDoseInput{ScheduledDate: d, Status: DoseMissed})
	if err != nil {
		t.Fatal(err)
	}
	if missed.HasVariance || missed.VarianceAmount.Valid || !missed.ExpectedDose.Valid {
		t.Errorf("missed = %+v", missed)
	}

	bad := []LogDoseInput{
		{ScheduledDate: d, Status: DoseTaken},
		{ScheduledDate: d, Status: DoseSkipped, ActualDose: decimal.NewNullDecimal(dec("1"))},
		{ScheduledDate: d, Status: "vomited"},
		{ScheduledDate: d, Status: DoseTaken, ActualDose: decimal.NewNullDecimal(dec("-1"))},
	}
	for _, in := range bad {
		if _, err := agg.LogDose(r, in); !errors.Is(err, ErrInvalidDose) {
			t.Errorf("%+v: got %v, want ErrInvalidDose", in, err)
		}
	}
}

func TestCorrectDoseKeepsSnapshot(t *testing.T) {
	r := dosage.NewResolver(nil)
	agg := newRegimen(t, dosage.FrequencyOnceDaily, day(2025, time.November, 1))
	if _, err := agg.DefinePattern(decs("4"), day(2025, time.November, 1)); err != nil {
		t.Fatal(err)
	}
	entry, err := agg.LogDose(r, taken(day(2025, time.November, 1), "4"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := agg.DefinePattern(decs("8"), day(2025, time.November, 2)); err != nil {
		t.Fatal(err)
	}

	corrected, err := agg.CorrectDose(entry.ID, dec("5"), "typo", "nurse-1")
	if err != nil {
		t.Fatal(err)
	}
	if !corrected.ExpectedDose.Decimal.Equal(dec("4")) {
		t.Errorf("expected = %s, want snapshot 4", corrected.ExpectedDose.Decimal)
	}
	if !corrected.HasVariance || !corrected.VarianceAmount.Decimal.Equal(dec("1")) || corrected.CorrectedAt == nil {
		t.Errorf("corrected = %+v", corrected)
	}
	if !corrected.ActualDose.Decimal.Equal(dec("5")) {
		t.Errorf("actual = %s", corrected.ActualDose.Decimal)
	}

	if _, err := agg.CorrectDose("missing", dec("1"), "", ""); !errors.Is(err, ErrDoseNotFound) {
		t.Errorf("unknown dose: %v", err)
	}
	missed, err := agg.LogDose(r, LogDoseInput{ScheduledDate: day(2025, time.November, 3), Status: DoseMissed})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := agg.CorrectDose(missed.ID, dec("1"), "", ""); !errors.Is(err, ErrInvalidState) {
		t.Errorf("correcting missed dose: %v", err)
	}
}

func TestDiscontinue(t *testing.T) {
	r := dosage.NewResolver(nil)
	agg := newRegimen(t, dosage.FrequencyOnceDaily, day(2025, time.November, 1))

	if err := agg.Discontinue(day(2025, time.October, 1), ""); !errors.Is(err, dosage.ErrInvalidRegimen) {
		t.Errorf("end before start: %v", err)
	}
	if err := agg.Discontinue(day(2025, time.November, 20), "completed course"); err != nil {
		t.Fatal(err)
	}

	reg := agg.Regimen()
	if reg.Active || reg.EndDate == nil || *reg.EndDate != day(2025, time.November, 20) {
		t.Errorf("regimen = %+v", reg)
	}
	if _, err := agg.LogDose(r, taken(day(2025, time.November, 5), "1")); !errors.Is(err, ErrInvalidState) {
		t.Errorf("log after discontinue: %v", err)
	}
	if err := agg.Discontinue(day(2025, time.November, 21), ""); !errors.Is(err, ErrInvalidState) {
		t.Errorf("second discontinue: %v", err)
	}
}

func TestChangeSchedule(t *testing.T) {
	agg := newRegimen(t, dosage.FrequencyOnceDaily, day(2025, time.November, 1))

	if err := agg.ChangeSchedule(dosage.FrequencyWeekly, decimal.NewNullDecimal(dec("7.5")), "mg"); err != nil {
		t.Fatal(err)
	}
	reg := agg.Regimen()
	if reg.Frequency != dosage.FrequencyWeekly || !reg.FixedDose.Decimal.Equal(dec("7.5")) {
		t.Errorf("regimen = %+v", reg)
	}
	if err := agg.ChangeSchedule("fortnightly", decimal.NullDecimal{}, "mg"); !errors.Is(err, dosage.ErrUnknownFrequency) {
		t.Errorf("unknown frequency: %v", err)
	}
}

func TestLoadFromHistoryRebuildsState(t *testing.T) {
	r := dosage.NewResolver(nil)
	agg := newRegimen(t, dosage.FrequencyEveryOtherDay, day(2025, time.November, 1))
	if _, err := agg.DefinePattern(decs("5", "4", "3"), day(2025, time.November, 1)); err != nil {
		t.Fatal(err)
	}
	entry, err := agg.LogDose(r, taken(day(2025, time.November, 3), "4"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := agg.CorrectDose(entry.ID, dec("4.5"), "", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := agg.DefinePattern(decs("2"), day(2025, time.November, 7)); err != nil {
		t.Fatal(err)
	}

	rebuilt := NewAggregate(agg.ID())
	if err := rebuilt.LoadFromHistory(agg.Changes()); err != nil {
		t.Fatal(err)
	}
	if rebuilt.Version() != agg.Version() || rebuilt.Status() != agg.Status() {
		t.Errorf("version %d/%d status %s/%s", rebuilt.Version(), agg.Version(), rebuilt.Status(), agg.Status())
	}
	if len(rebuilt.Changes()) != 0 {
		t.Error("replayed events must not be recorded as changes")
	}

	got, want := rebuilt.Patterns(), agg.Patterns()
	if len(got) != len(want) || *got[0].EndDate != *want[0].EndDate || got[1].ID != want[1].ID {
		t.Errorf("patterns = %+v, want %+v", got, want)
	}

	dose, ok := rebuilt.Dose(entry.ID)
	if !ok || !dose.ActualDose.Decimal.Equal(dec("4.5")) || !dose.ExpectedDose.Decimal.Equal(dec("4")) {
		t.Errorf("dose = %+v", dose)
	}
	if !dose.HasVariance || *dose.PatternDayNumber != 1 {
		t.Errorf("dose variance %v pattern day %v", dose.HasVariance, dose.PatternDayNumber)
	}

	for d := day(2025, time.November, 1); d.Before(day(2025, time.November, 20)); d = d.AddDays(1) {
		a, _ := r.ExpectedDose(agg.Regimen(), agg.Patterns(), d)
		b, _ := r.ExpectedDose(rebuilt.Regimen(), rebuilt.Patterns(), d)
		if a.Valid != b.Valid || !a.Decimal.Equal(b.Decimal) {
			t.Errorf("%s: %v != %v", d, a, b)
		}
	}
}

func TestLoadFromHistoryRejectsUnknownEvent(t *testing.T) {
	err := NewAggregate("r").LoadFromHistory([]*Event{{EventType: "PrescriptionRouted", EventData: []byte("{}")}})
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestAdherence(t *testing.T) {
	r := dosage.NewResolver(nil)
	agg := newRegimen(t, dosage.FrequencyEveryOtherDay, day(2025, time.November, 1))
	if _, err := agg.DefinePattern(decs("5", "4", "3"), day(2025, time.November, 1)); err != nil {
		t.Fatal(err)
	}

	inputs := []LogDoseInput{
		taken(day(2025, time.November, 1), "5"),
		{ScheduledDate: day(2025, time.November, 3), Status: DoseMissed},
		taken(day(2025, time.November, 5), "3.5"),
		{ScheduledDate: day(2025, time.November, 7), Status: DoseSkipped},
		{ScheduledDate: day(2025, time.November, 9), Status: DoseUnknown},
		taken(day(2025, time.November, 30), "1"),
	}
	for _, in := range inputs {
		if _, err := agg.LogDose(r, in); err != nil {
			t.Fatal(err)
		}
	}

	s, err := agg.Adherence(day(2025, time.November, 1), day(2025, time.November, 9))
	if err != nil {
		t.Fatal(err)
	}
	if s.Total != 5 || s.Taken != 2 || s.Missed != 1 || s.Skipped != 1 || s.Unknown != 1 {
		t.Errorf("counts = %+v", s)
	}
	if s.WithVariance != 1 || !s.NetVariance.Equal(dec("0.5")) {
		t.Errorf("variance = %d %s", s.WithVariance, s.NetVariance)
	}
	if !s.AdherenceRate.Valid || !s.AdherenceRate.Decimal.Equal(dec("50")) {
		t.Errorf("rate = %v", s.AdherenceRate)
	}

	if _, err := agg.Adherence(day(2025, time.November, 9), day(2025, time.November, 1)); !errors.Is(err, ErrInvalidDose) {
		t.Errorf("inverted range: %v", err)
	}
	empty, _ := agg.Adherence(day(2026, time.January, 1), day(2026, time.January, 31))
	if empty.Total != 0 || empty.AdherenceRate.Valid {
		t.Errorf("empty range = %+v", empty)
	}
}
