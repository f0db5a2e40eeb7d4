package main

import (
	"testing"
	"time"
)

// fixedNow returns a deterministic clock for normalization tests.
func fixedNow() time.Time {
	return time.Date(2026, time.September, 1, 10, 30, 0, 0, time.UTC)
}

// TestNormalizeRecordAliasMapping verifies alternate provider spellings map to
// the canonical fields.
func TestNormalizeRecordAliasMapping(t *testing.T) {
	t.Parallel()

	payload := mustJSON(t, map[string]any{
		"records": []map[string]any{{
			"persondays_generated":           500,
			"households_provided_employment": 120,
			"individuals_worked":             340,
			"total_exp":                      987654.321,
		}},
	})

	rec, err := normalizeRecord(payload, "UP-AGRA", "2024-03", fixedNow)
	if err != nil {
		t.Fatalf("normalizeRecord() error = %v", err)
	}
	if rec.TotalWorkDays != 500 {
		t.Fatalf("TotalWorkDays = %d, want 500", rec.TotalWorkDays)
	}
	if rec.HouseholdsWorked != 120 {
		t.Fatalf("HouseholdsWorked = %d, want 120", rec.HouseholdsWorked)
	}
	if rec.PeopleBenefitted != 340 {
		t.Fatalf("PeopleBenefitted = %d, want 340", rec.PeopleBenefitted)
	}
	if rec.TotalPayments != 987654.32 {
		t.Fatalf("TotalPayments = %v, want 987654.32", rec.TotalPayments)
	}
	if got := rec.YearMonth; !got.Equal(time.Date(2024, time.March, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("YearMonth = %s, want 2024-03-01", got)
	}
	if rec.DefaultMonth {
		t.Fatalf("DefaultMonth = true, want false")
	}
}

// TestNormalizeRecordMissingFieldsDefaultToZero verifies a usable shape with no
// recognized metric fields still succeeds with zeros.
func TestNormalizeRecordMissingFieldsDefaultToZero(t *testing.T) {
	t.Parallel()

	payload := mustJSON(t, map[string]any{
		"district_name": "Agra",
		"state":         "Uttar Pradesh",
	})

	rec, err := normalizeRecord(payload, "UP-AGRA", "2024-03", fixedNow)
	if err != nil {
		t.Fatalf("normalizeRecord() error = %v", err)
	}
	if !rec.zeroMetrics() {
		t.Fatalf("zeroMetrics() = false, want true for %+v", rec)
	}
}

// TestNormalizeRecordNumericStrings verifies numeric strings parse and
// unparsable values fall through to later aliases or zero.
func TestNormalizeRecordNumericStrings(t *testing.T) {
	t.Parallel()

	payload := mustJSON(t, map[string]any{
		"total_work_days":   "48210",
		"households_worked": "n/a",
		"total_payments":    "5231890.50",
	})

	rec, err := normalizeRecord(payload, "UP-AGRA", "2024-03", fixedNow)
	if err != nil {
		t.Fatalf("normalizeRecord() error = %v", err)
	}
	if rec.TotalWorkDays != 48210 {
		t.Fatalf("TotalWorkDays = %d, want 48210", rec.TotalWorkDays)
	}
	if rec.HouseholdsWorked != 0 {
		t.Fatalf("HouseholdsWorked = %d, want 0 for unparsable value", rec.HouseholdsWorked)
	}
	if rec.TotalPayments != 5231890.50 {
		t.Fatalf("TotalPayments = %v, want 5231890.50", rec.TotalPayments)
	}
}

// TestNormalizeRecordDefaultMonthSubstitution verifies unparsable months fall
// back to the current calendar month with the substitution flagged.
func TestNormalizeRecordDefaultMonthSubstitution(t *testing.T) {
	t.Parallel()

	payload := mustJSON(t, map[string]any{"total_work_days": 10})

	rec, err := normalizeRecord(payload, "UP-AGRA", "March 2024", fixedNow)
	if err != nil {
		t.Fatalf("normalizeRecord() error = %v", err)
	}
	if !rec.DefaultMonth {
		t.Fatalf("DefaultMonth = false, want true")
	}
	want := time.Date(2026, time.September, 1, 0, 0, 0, 0, time.UTC)
	if !rec.YearMonth.Equal(want) {
		t.Fatalf("YearMonth = %s, want %s", rec.YearMonth, want)
	}
}

// TestNormalizeRecordUnusableShapes verifies the permanent failure cases.
func TestNormalizeRecordUnusableShapes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		payload []byte
	}{
		{name: "not-json", payload: []byte("<html>error</html>")},
		{name: "top-level-array", payload: []byte(`[1,2,3]`)},
		{name: "empty-records-list", payload: mustJSON(t, map[string]any{"records": []any{}})},
		{name: "non-object-record", payload: mustJSON(t, map[string]any{"records": []any{"oops"}})},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := normalizeRecord(tt.payload, "UP-AGRA", "2024-03", fixedNow); err == nil {
				t.Fatalf("normalizeRecord(%s) error = nil, want non-nil", tt.name)
			}
		})
	}
}

// TestRound2 verifies monetary rounding.
func TestRound2(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   float64
		want float64
	}{
		{in: 0, want: 0},
		{in: 1.004, want: 1.0},
		{in: 1.006, want: 1.01},
		{in: 100.125, want: 100.13},
		{in: -2.346, want: -2.35},
	}

	for _, tt := range tests {
		if got := round2(tt.in); got != tt.want {
			t.Fatalf("round2(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
