package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
)

// fakeConsumer is a test double for commit assertions.
type fakeConsumer struct {
	commitCalls int
	events      *[]string
}

// FetchMessage is unused in these unit tests.
func (f *fakeConsumer) FetchMessage(context.Context) (kafka.Message, error) {
	return kafka.Message{}, errors.New("not implemented")
}

// CommitMessages records commit invocations for assertions.
func (f *fakeConsumer) CommitMessages(_ context.Context, _ ...kafka.Message) error {
	f.commitCalls++
	if f.events != nil {
		*f.events = append(*f.events, "commit")
	}
	return nil
}

// Close satisfies the kafkaConsumer interface.
func (f *fakeConsumer) Close() error {
	return nil
}

// recordingStatusStore captures every status transition for assertions.
type recordingStatusStore struct {
	records []taskStatusRecord
}

// UpsertStatus appends the status record.
func (s *recordingStatusStore) UpsertStatus(_ context.Context, status taskStatusRecord) error {
	s.records = append(s.records, status)
	return nil
}

// lastState returns the most recent recorded state, or empty.
func (s *recordingStatusStore) lastState() string {
	if len(s.records) == 0 {
		return ""
	}
	return s.records[len(s.records)-1].State
}

// rawAppend captures one audit-trail insert.
type rawAppend struct {
	districtCode string
	yearMonth    time.Time
	payload      string
}

// recordingIngestStore is an in-memory store double with upsert-by-key semantics.
type recordingIngestStore struct {
	rawRows    []rawAppend
	snapshots  map[string]monthlySnapshot
	appendErr  error
	upsertErr  error
	upsertHits int
}

// AppendRaw records the audit insert, never merging rows.
func (s *recordingIngestStore) AppendRaw(_ context.Context, districtCode string, yearMonth time.Time, payload []byte) error {
	if s.appendErr != nil {
		return s.appendErr
	}
	s.rawRows = append(s.rawRows, rawAppend{districtCode: districtCode, yearMonth: yearMonth, payload: string(payload)})
	return nil
}

// UpsertSnapshot overwrites by (district, month) key and reports inserts.
func (s *recordingIngestStore) UpsertSnapshot(_ context.Context, rec monthlySnapshot) (bool, error) {
	if s.upsertErr != nil {
		return false, s.upsertErr
	}
	if s.snapshots == nil {
		s.snapshots = make(map[string]monthlySnapshot)
	}
	s.upsertHits++
	key := rec.DistrictCode + "|" + rec.YearMonth.Format(yearMonthLayout)
	_, existed := s.snapshots[key]
	s.snapshots[key] = rec
	return !existed, nil
}

// scheduledRetry captures one delayed resubmission request.
type scheduledRetry struct {
	env   taskEnvelope
	delay time.Duration
}

// recordingRetryScheduler captures Schedule calls and optionally fails them.
type recordingRetryScheduler struct {
	scheduled []scheduledRetry
	err       error
}

// Schedule records the resubmission request.
func (s *recordingRetryScheduler) Schedule(_ context.Context, env taskEnvelope, delay time.Duration) error {
	if s.err != nil {
		return s.err
	}
	s.scheduled = append(s.scheduled, scheduledRetry{env: env, delay: delay})
	return nil
}

// providerResult scripts fake provider responses for retry tests.
type providerResult struct {
	payload []byte
	err     error
}

// scriptedProvider is a provider client test double.
type scriptedProvider struct {
	results []providerResult
	calls   int
}

// Fetch returns scripted results in order.
func (p *scriptedProvider) Fetch(context.Context, string, string) ([]byte, error) {
	if p.calls >= len(p.results) {
		p.calls++
		return nil, errors.New("no scripted provider result")
	}
	result := p.results[p.calls]
	p.calls++
	return result.payload, result.err
}

// newTestWorker builds a worker wired with the supplied doubles.
func newTestWorker(t *testing.T, provider providerClient, store ingestStore, status statusStore, retry retryScheduler) *worker {
	t.Helper()
	return &worker{
		cfg: config{
			fetchTimeout:     time.Second,
			processTimeout:   time.Second,
			commitTimeout:    time.Second,
			retryBaseBackoff: 60 * time.Second,
			retryMaxBackoff:  time.Hour,
			maxRetries:       5,
		},
		logger:      log.New(testWriter{t: t}, "", 0),
		statusStore: status,
		store:       store,
		provider:    provider,
		retry:       retry,
	}
}

// TestRetryBackoffDoublesAndCaps verifies the exponential resubmission delays.
func TestRetryBackoffDoublesAndCaps(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		base    time.Duration
		max     time.Duration
		attempt int
		want    time.Duration
	}{
		{name: "attempt-0", base: 60 * time.Second, max: time.Hour, attempt: 0, want: 60 * time.Second},
		{name: "attempt-1", base: 60 * time.Second, max: time.Hour, attempt: 1, want: 120 * time.Second},
		{name: "attempt-2", base: 60 * time.Second, max: time.Hour, attempt: 2, want: 240 * time.Second},
		{name: "attempt-3", base: 60 * time.Second, max: time.Hour, attempt: 3, want: 480 * time.Second},
		{name: "attempt-4", base: 60 * time.Second, max: time.Hour, attempt: 4, want: 960 * time.Second},
		{name: "capped", base: 60 * time.Second, max: time.Hour, attempt: 10, want: time.Hour},
		{name: "negative-attempt", base: 60 * time.Second, max: time.Hour, attempt: -3, want: 60 * time.Second},
		{name: "zero-base", base: 0, max: time.Hour, attempt: 4, want: 0},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := retryBackoff(tt.base, tt.max, tt.attempt)
			if got != tt.want {
				t.Fatalf("retryBackoff(%s, %s, %d) = %s, want %s", tt.base, tt.max, tt.attempt, got, tt.want)
			}
		})
	}
}

// TestDelayQueueNamePerBackoff verifies every distinct backoff maps to its own
// fixed-TTL queue, so a short delay is never queued behind a longer one.
func TestDelayQueueNamePerBackoff(t *testing.T) {
	t.Parallel()

	tests := []struct {
		attempt int
		want    string
	}{
		{attempt: 0, want: "ingest.retry.delay.v1.60000ms"},
		{attempt: 1, want: "ingest.retry.delay.v1.120000ms"},
		{attempt: 2, want: "ingest.retry.delay.v1.240000ms"},
		{attempt: 10, want: "ingest.retry.delay.v1.3600000ms"},
	}

	seen := make(map[string]bool)
	for _, tt := range tests {
		delay := retryBackoff(60*time.Second, time.Hour, tt.attempt)
		got := delayQueueName("ingest.retry.delay.v1", delay)
		if got != tt.want {
			t.Fatalf("delayQueueName(attempt %d) = %q, want %q", tt.attempt, got, tt.want)
		}
		seen[got] = true
	}
	if len(seen) != len(tests) {
		t.Fatalf("distinct queues = %d, want %d", len(seen), len(tests))
	}
}

// TestExecuteTaskSuccessAppendsRawAndUpserts verifies the full happy path and
// its idempotent re-run for the same district and month.
func TestExecuteTaskSuccessAppendsRawAndUpserts(t *testing.T) {
	t.Parallel()

	payload := mustJSON(t, map[string]any{
		"records": []map[string]any{{
			"persondays_generated":           500,
			"households_provided_employment": 120,
			"individuals_worked":             340,
			"total_exp":                      "5231890.50",
		}},
	})
	provider := &scriptedProvider{results: []providerResult{{payload: payload}, {payload: payload}}}
	store := &recordingIngestStore{}
	status := &recordingStatusStore{}
	retry := &recordingRetryScheduler{}
	w := newTestWorker(t, provider, store, status, retry)

	env := taskEnvelope{TaskID: "task-1", TraceID: "trace-1", DistrictCode: "UP-AGRA", YearMonth: "2024-03"}
	if err := w.executeTask(context.Background(), env); err != nil {
		t.Fatalf("executeTask() error = %v", err)
	}
	if err := w.executeTask(context.Background(), env); err != nil {
		t.Fatalf("executeTask() second run error = %v", err)
	}

	if len(store.rawRows) != 2 {
		t.Fatalf("raw rows = %d, want 2 (append-only audit trail)", len(store.rawRows))
	}
	if len(store.snapshots) != 1 {
		t.Fatalf("snapshot rows = %d, want 1 (same key collapses)", len(store.snapshots))
	}
	if store.upsertHits != 2 {
		t.Fatalf("upsert calls = %d, want 2", store.upsertHits)
	}

	rec := store.snapshots["UP-AGRA|2024-03"]
	if rec.TotalWorkDays != 500 {
		t.Fatalf("TotalWorkDays = %d, want 500", rec.TotalWorkDays)
	}
	if rec.HouseholdsWorked != 120 {
		t.Fatalf("HouseholdsWorked = %d, want 120", rec.HouseholdsWorked)
	}
	if rec.PeopleBenefitted != 340 {
		t.Fatalf("PeopleBenefitted = %d, want 340", rec.PeopleBenefitted)
	}
	if rec.TotalPayments != 5231890.50 {
		t.Fatalf("TotalPayments = %v, want 5231890.50", rec.TotalPayments)
	}
	if rec.DefaultMonth {
		t.Fatalf("DefaultMonth = true, want false for a valid month")
	}
	if got := status.lastState(); got != "succeeded" {
		t.Fatalf("last state = %q, want succeeded", got)
	}
	if len(retry.scheduled) != 0 {
		t.Fatalf("scheduled retries = %d, want 0", len(retry.scheduled))
	}
}

// TestExecuteTaskTransientFailureSchedulesRetry verifies that a provider error
// resubmits the whole task with an incremented attempt and the base backoff.
func TestExecuteTaskTransientFailureSchedulesRetry(t *testing.T) {
	t.Parallel()

	provider := &scriptedProvider{results: []providerResult{
		{err: &fetchFailure{kind: fetchRateLimited, status: 429, err: errors.New("provider returned status=429")}},
	}}
	store := &recordingIngestStore{}
	status := &recordingStatusStore{}
	retry := &recordingRetryScheduler{}
	w := newTestWorker(t, provider, store, status, retry)

	env := taskEnvelope{TaskID: "task-2", TraceID: "trace-2", DistrictCode: "UP-AGRA", YearMonth: "2024-03", Attempt: 0}
	if err := w.executeTask(context.Background(), env); err != nil {
		t.Fatalf("executeTask() error = %v (retry handoff should not fail the message)", err)
	}

	if len(retry.scheduled) != 1 {
		t.Fatalf("scheduled retries = %d, want 1", len(retry.scheduled))
	}
	if retry.scheduled[0].delay != 60*time.Second {
		t.Fatalf("retry delay = %s, want 60s", retry.scheduled[0].delay)
	}
	if retry.scheduled[0].env.Attempt != 1 {
		t.Fatalf("resubmitted attempt = %d, want 1", retry.scheduled[0].env.Attempt)
	}
	if got := status.lastState(); got != "retry_scheduled" {
		t.Fatalf("last state = %q, want retry_scheduled", got)
	}
	if len(store.rawRows) != 0 || len(store.snapshots) != 0 {
		t.Fatalf("store writes happened on a failed fetch: raw=%d snapshots=%d", len(store.rawRows), len(store.snapshots))
	}
	last := status.records[len(status.records)-1]
	if last.ErrorCode != "FETCH_RATE_LIMITED" {
		t.Fatalf("error code = %q, want FETCH_RATE_LIMITED", last.ErrorCode)
	}
}

// TestExecuteTaskStopsAfterRetryBudget verifies the attempt ceiling produces a
// terminal failure instead of a sixth resubmission.
func TestExecuteTaskStopsAfterRetryBudget(t *testing.T) {
	t.Parallel()

	provider := &scriptedProvider{results: []providerResult{
		{err: &fetchFailure{kind: fetchTimeout, err: errors.New("provider request timed out")}},
	}}
	status := &recordingStatusStore{}
	retry := &recordingRetryScheduler{}
	w := newTestWorker(t, provider, &recordingIngestStore{}, status, retry)

	env := taskEnvelope{TaskID: "task-3", DistrictCode: "UP-AGRA", YearMonth: "2024-03", Attempt: 5}
	if err := w.executeTask(context.Background(), env); err != nil {
		t.Fatalf("executeTask() error = %v", err)
	}

	if len(retry.scheduled) != 0 {
		t.Fatalf("scheduled retries = %d, want 0 after budget exhaustion", len(retry.scheduled))
	}
	if got := status.lastState(); got != "failed" {
		t.Fatalf("last state = %q, want failed", got)
	}
	last := status.records[len(status.records)-1]
	if last.ErrorCode != "FETCH_TIMEOUT" {
		t.Fatalf("error code = %q, want FETCH_TIMEOUT", last.ErrorCode)
	}
}

// TestExecuteTaskNormalizationFailureNeverRetries verifies that unusable
// payload shapes fail permanently without touching the retry scheduler.
func TestExecuteTaskNormalizationFailureNeverRetries(t *testing.T) {
	t.Parallel()

	provider := &scriptedProvider{results: []providerResult{{payload: []byte("not-json")}}}
	store := &recordingIngestStore{}
	status := &recordingStatusStore{}
	retry := &recordingRetryScheduler{}
	w := newTestWorker(t, provider, store, status, retry)

	env := taskEnvelope{TaskID: "task-4", DistrictCode: "UP-AGRA", YearMonth: "2024-03"}
	if err := w.executeTask(context.Background(), env); err != nil {
		t.Fatalf("executeTask() error = %v", err)
	}

	if len(retry.scheduled) != 0 {
		t.Fatalf("scheduled retries = %d, want 0 for a permanent failure", len(retry.scheduled))
	}
	if got := status.lastState(); got != "failed" {
		t.Fatalf("last state = %q, want failed", got)
	}
	last := status.records[len(status.records)-1]
	if last.ErrorCode != "NORMALIZATION_FAILED" {
		t.Fatalf("error code = %q, want NORMALIZATION_FAILED", last.ErrorCode)
	}
	if len(store.rawRows) != 0 {
		t.Fatalf("raw rows = %d, want 0 when normalization fails", len(store.rawRows))
	}
}

// TestExecuteTaskStoreFailureUsesRetryBudget verifies persistence errors share
// the transient retry path.
func TestExecuteTaskStoreFailureUsesRetryBudget(t *testing.T) {
	t.Parallel()

	payload := mustJSON(t, map[string]any{"total_work_days": 10})
	provider := &scriptedProvider{results: []providerResult{{payload: payload}}}
	store := &recordingIngestStore{upsertErr: errors.New("duplicate key race lost")}
	status := &recordingStatusStore{}
	retry := &recordingRetryScheduler{}
	w := newTestWorker(t, provider, store, status, retry)

	env := taskEnvelope{TaskID: "task-5", DistrictCode: "UP-AGRA", YearMonth: "2024-03", Attempt: 2}
	if err := w.executeTask(context.Background(), env); err != nil {
		t.Fatalf("executeTask() error = %v", err)
	}

	if len(retry.scheduled) != 1 {
		t.Fatalf("scheduled retries = %d, want 1", len(retry.scheduled))
	}
	if retry.scheduled[0].delay != 240*time.Second {
		t.Fatalf("retry delay = %s, want 240s for attempt 2", retry.scheduled[0].delay)
	}
	last := status.records[len(status.records)-1]
	if last.ErrorCode != "STORE_UPSERT_FAILED" {
		t.Fatalf("error code = %q, want STORE_UPSERT_FAILED", last.ErrorCode)
	}
}

// TestProcessFetchedMessageCommitsAfterTerminalOutcome verifies commit ordering.
func TestProcessFetchedMessageCommitsAfterTerminalOutcome(t *testing.T) {
	t.Parallel()

	events := make([]string, 0, 2)
	consumer := &fakeConsumer{events: &events}
	payload := mustJSON(t, map[string]any{"total_work_days": 42})
	w := newTestWorker(t, &scriptedProvider{results: []providerResult{{payload: payload}}}, &recordingIngestStore{}, &recordingStatusStore{}, &recordingRetryScheduler{})
	w.consumer = consumer

	msg := kafka.Message{
		Topic:  "ingest.tasks.v1",
		Offset: 42,
		Key:    []byte("UP-AGRA"),
		Value: mustTaskMessage(t, taskEnvelope{
			SchemaVersion: "1.0",
			TaskID:        "task-6",
			TraceID:       "trace-6",
			DistrictCode:  "UP-AGRA",
			YearMonth:     "2024-03",
			SubmittedAt:   time.Now().UTC().Format(time.RFC3339),
		}),
	}

	if err := w.processFetchedMessage(context.Background(), msg); err != nil {
		t.Fatalf("processFetchedMessage() error = %v", err)
	}
	if consumer.commitCalls != 1 {
		t.Fatalf("commitCalls = %d, want 1", consumer.commitCalls)
	}
}

// TestProcessFetchedMessageSkipsCommitOnRetryScheduleFailure verifies that a
// failed retry handoff leaves the offset uncommitted for redelivery.
func TestProcessFetchedMessageSkipsCommitOnRetryScheduleFailure(t *testing.T) {
	t.Parallel()

	consumer := &fakeConsumer{}
	provider := &scriptedProvider{results: []providerResult{
		{err: &fetchFailure{kind: fetchNetwork, err: errors.New("connection refused")}},
	}}
	w := newTestWorker(t, provider, &recordingIngestStore{}, &recordingStatusStore{}, &recordingRetryScheduler{err: errors.New("broker unavailable")})
	w.consumer = consumer

	msg := kafka.Message{
		Topic: "ingest.tasks.v1",
		Key:   []byte("UP-AGRA"),
		Value: mustTaskMessage(t, taskEnvelope{
			TaskID:       "task-7",
			DistrictCode: "UP-AGRA",
			YearMonth:    "2024-03",
		}),
	}

	if err := w.processFetchedMessage(context.Background(), msg); err == nil {
		t.Fatalf("processFetchedMessage() error = nil, want non-nil")
	}
	if consumer.commitCalls != 0 {
		t.Fatalf("commitCalls = %d, want 0", consumer.commitCalls)
	}
}

// TestProcessFetchedMessageCommitsInvalidEnvelope verifies poison-message drop behavior.
func TestProcessFetchedMessageCommitsInvalidEnvelope(t *testing.T) {
	t.Parallel()

	consumer := &fakeConsumer{}
	w := newTestWorker(t, &scriptedProvider{}, &recordingIngestStore{}, &recordingStatusStore{}, &recordingRetryScheduler{})
	w.consumer = consumer

	msg := kafka.Message{
		Topic: "ingest.tasks.v1",
		Key:   []byte("task-8"),
		Value: []byte("not-json"),
	}

	if err := w.processFetchedMessage(context.Background(), msg); err != nil {
		t.Fatalf("processFetchedMessage() error = %v, want nil", err)
	}
	if consumer.commitCalls != 1 {
		t.Fatalf("commitCalls = %d, want 1", consumer.commitCalls)
	}
}

// TestDecodeTaskEnvelope validates required fields of the task message.
func TestDecodeTaskEnvelope(t *testing.T) {
	t.Parallel()

	valid := mustJSON(t, map[string]any{
		"schema_version": "1.0",
		"task_id":        "6aab8fca-7059-40c4-97d4-53f55fd5bf67",
		"trace_id":       "f2ce7230-d853-4a5f-ab27-bf20a4f5e273",
		"district_code":  "UP-AGRA",
		"year_month":     "2024-03",
		"attempt":        0,
		"submitted_at":   "2026-02-15T08:00:00Z",
	})
	env, err := decodeTaskEnvelope(valid)
	if err != nil {
		t.Fatalf("decodeTaskEnvelope(valid) error = %v", err)
	}
	if env.DistrictCode != "UP-AGRA" || env.YearMonth != "2024-03" {
		t.Fatalf("decoded envelope = %+v, want UP-AGRA 2024-03", env)
	}

	tests := []struct {
		name  string
		mutes map[string]any
	}{
		{name: "missing-task-id", mutes: map[string]any{"task_id": ""}},
		{name: "missing-district", mutes: map[string]any{"district_code": " "}},
		{name: "missing-month", mutes: map[string]any{"year_month": ""}},
		{name: "negative-attempt", mutes: map[string]any{"attempt": -1}},
		{name: "bad-schema-version", mutes: map[string]any{"schema_version": "9.9"}},
		{name: "bad-submitted-at", mutes: map[string]any{"submitted_at": "yesterday"}},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			doc := map[string]any{
				"schema_version": "1.0",
				"task_id":        "task-x",
				"district_code":  "UP-AGRA",
				"year_month":     "2024-03",
				"attempt":        0,
				"submitted_at":   "2026-02-15T08:00:00Z",
			}
			for k, v := range tt.mutes {
				doc[k] = v
			}
			if _, err := decodeTaskEnvelope(mustJSON(t, doc)); err == nil {
				t.Fatalf("decodeTaskEnvelope(%s) error = nil, want non-nil", tt.name)
			}
		})
	}

	if _, err := decodeTaskEnvelope(nil); err == nil {
		t.Fatalf("decodeTaskEnvelope(nil) error = nil, want non-nil")
	}
}

// testWriter routes logger output into test logs.
type testWriter struct {
	t *testing.T
}

// Write sends log bytes into t.Log for deterministic test output capture.
func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

// mustTaskMessage marshals task envelopes for test fixtures.
func mustTaskMessage(t *testing.T, env taskEnvelope) []byte {
	t.Helper()
	b, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("json.Marshal() failed: %v", err)
	}
	return b
}

// mustJSON marshals arbitrary payload fixtures.
func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("json.Marshal() failed: %v", err)
	}
	return b
}
