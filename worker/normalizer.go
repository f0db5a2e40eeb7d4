package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// yearMonthLayout is the wire format for target months.
const yearMonthLayout = "2006-01"

// errNormalization marks permanent data-shape failures. Tasks that hit it
// report failure immediately instead of consuming retry budget.
var errNormalization = errors.New("normalization failed")

// monthlySnapshot is the canonical normalized record for one district-month.
type monthlySnapshot struct {
	DistrictCode     string
	YearMonth        time.Time
	TotalWorkDays    int64
	HouseholdsWorked int64
	PeopleBenefitted int64
	TotalPayments    float64
	SourceUpdatedAt  time.Time
	DefaultMonth     bool
}

// zeroMetrics reports whether every metric field normalized to its zero value.
func (m monthlySnapshot) zeroMetrics() bool {
	return m.TotalWorkDays == 0 && m.HouseholdsWorked == 0 && m.PeopleBenefitted == 0 && m.TotalPayments == 0
}

// Field-name aliases per canonical metric, tried in order. New provider
// spellings are added here without touching normalization logic.
var (
	workDaysAliases   = []string{"total_work_days", "persondays_generated", "total_persondays", "persondays"}
	householdsAliases = []string{"households_worked", "households_provided_employment", "total_households_worked"}
	peopleAliases     = []string{"people_benefitted", "individuals_worked", "total_individuals_worked"}
	paymentsAliases   = []string{"total_payments", "total_exp", "total_expenditure", "wages_paid"}
)

// normalizeRecord maps an arbitrary provider payload into the canonical
// monthly record. Missing or unparsable metric fields default to zero; only a
// payload whose overall shape is unusable fails, and that failure is permanent.
func normalizeRecord(payload []byte, districtCode, yearMonth string, now func() time.Time) (monthlySnapshot, error) {
	var root any
	if err := json.Unmarshal(payload, &root); err != nil {
		return monthlySnapshot{}, fmt.Errorf("%w: payload is not valid JSON: %v", errNormalization, err)
	}

	record, err := firstRecord(root)
	if err != nil {
		return monthlySnapshot{}, err
	}

	month, defaulted := resolveTargetMonth(yearMonth, now)
	return monthlySnapshot{
		DistrictCode:     districtCode,
		YearMonth:        month,
		TotalWorkDays:    pickCount(record, workDaysAliases),
		HouseholdsWorked: pickCount(record, householdsAliases),
		PeopleBenefitted: pickCount(record, peopleAliases),
		TotalPayments:    round2(pickAmount(record, paymentsAliases)),
		SourceUpdatedAt:  now().UTC(),
		DefaultMonth:     defaulted,
	}, nil
}

// firstRecord picks the candidate record from a payload that is either a
// wrapped non-empty record list or a single object.
func firstRecord(root any) (map[string]any, error) {
	doc, ok := root.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: payload is not a JSON object", errNormalization)
	}

	wrapped, ok := doc["records"].([]any)
	if !ok {
		return doc, nil
	}
	if len(wrapped) == 0 {
		return nil, fmt.Errorf("%w: payload records list is empty", errNormalization)
	}
	record, ok := wrapped[0].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: first payload record is not an object", errNormalization)
	}
	return record, nil
}

// resolveTargetMonth parses YYYY-MM into a first-of-month UTC date. A parse
// failure substitutes the first of the current calendar month and reports the
// substitution so it never passes silently.
func resolveTargetMonth(yearMonth string, now func() time.Time) (time.Time, bool) {
	parsed, err := time.ParseInLocation(yearMonthLayout, strings.TrimSpace(yearMonth), time.UTC)
	if err != nil {
		return firstOfMonth(now().UTC()), true
	}
	return firstOfMonth(parsed), false
}

// firstOfMonth truncates a time to the first day of its calendar month in UTC.
func firstOfMonth(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// pickCount returns the first alias present that parses as a number, truncated
// to a whole count; anything else yields zero.
func pickCount(record map[string]any, aliases []string) int64 {
	for _, alias := range aliases {
		if value, ok := numericValue(record[alias]); ok {
			return int64(value)
		}
	}
	return 0
}

// pickAmount returns the first alias present that parses as a number.
func pickAmount(record map[string]any, aliases []string) float64 {
	for _, alias := range aliases {
		if value, ok := numericValue(record[alias]); ok {
			return value
		}
	}
	return 0
}

// numericValue accepts JSON numbers and numeric strings.
func numericValue(v any) (float64, bool) {
	switch value := v.(type) {
	case float64:
		return value, true
	case json.Number:
		parsed, err := value.Float64()
		if err != nil {
			return 0, false
		}
		return parsed, true
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil {
			return 0, false
		}
		return parsed, true
	default:
		return 0, false
	}
}

// round2 rounds a monetary amount to two decimal places.
func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
