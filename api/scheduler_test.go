package main

import (
	"reflect"
	"testing"
)

// TestMonthsInRangeInclusive verifies calendar enumeration covers both endpoints.
func TestMonthsInRangeInclusive(t *testing.T) {
	t.Parallel()

	months, err := monthsInRange("2024-01", "2024-04")
	if err != nil {
		t.Fatalf("monthsInRange() error = %v", err)
	}
	want := []string{"2024-01", "2024-02", "2024-03", "2024-04"}
	if !reflect.DeepEqual(months, want) {
		t.Fatalf("monthsInRange() = %v, want %v", months, want)
	}
}

// TestMonthsInRangeCrossesYearBoundary verifies December rolls into January.
func TestMonthsInRangeCrossesYearBoundary(t *testing.T) {
	t.Parallel()

	months, err := monthsInRange("2023-11", "2024-02")
	if err != nil {
		t.Fatalf("monthsInRange() error = %v", err)
	}
	want := []string{"2023-11", "2023-12", "2024-01", "2024-02"}
	if !reflect.DeepEqual(months, want) {
		t.Fatalf("monthsInRange() = %v, want %v", months, want)
	}
}

// TestMonthsInRangeSingleMonth verifies equal endpoints yield one month.
func TestMonthsInRangeSingleMonth(t *testing.T) {
	t.Parallel()

	months, err := monthsInRange("2024-06", "2024-06")
	if err != nil {
		t.Fatalf("monthsInRange() error = %v", err)
	}
	if len(months) != 1 || months[0] != "2024-06" {
		t.Fatalf("monthsInRange() = %v, want [2024-06]", months)
	}
}

// TestMonthsInRangeInvalid verifies parse and ordering failures.
func TestMonthsInRangeInvalid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		start string
		end   string
	}{
		{name: "bad-start", start: "January 2024", end: "2024-04"},
		{name: "bad-end", start: "2024-01", end: "04-2024"},
		{name: "reversed", start: "2024-05", end: "2024-01"},
		{name: "empty", start: "", end: ""},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := monthsInRange(tt.start, tt.end); err == nil {
				t.Fatalf("monthsInRange(%q, %q) error = nil, want non-nil", tt.start, tt.end)
			}
		})
	}
}
