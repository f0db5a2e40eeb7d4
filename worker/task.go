package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
)

// taskEnvelope is the canonical ingest task message carried over Kafka for
// fresh submissions and over the RabbitMQ retry queues for resubmissions.
// Attempt counts retries so far; a fresh task carries zero.
type taskEnvelope struct {
	SchemaVersion string `json:"schema_version"`
	TaskID        string `json:"task_id"`
	TraceID       string `json:"trace_id"`
	DistrictCode  string `json:"district_code"`
	YearMonth     string `json:"year_month"`
	Attempt       int    `json:"attempt"`
	SubmittedAt   string `json:"submitted_at"`
}

// taskStatusRecord models one Redis status update for an ingest task.
type taskStatusRecord struct {
	TaskID          string
	TraceID         string
	DistrictCode    string
	YearMonth       string
	Attempt         int
	State           string
	ProgressPercent int
	Message         string
	UpdatedAt       time.Time
	ErrorCode       string
	ErrorMessage    string
	Metrics         *monthlySnapshot
}

// statusStore writes transient task status updates.
type statusStore interface {
	UpsertStatus(ctx context.Context, status taskStatusRecord) error
}

// retryScheduler resubmits a task envelope after a delay, without blocking
// the calling worker loop.
type retryScheduler interface {
	Schedule(ctx context.Context, env taskEnvelope, delay time.Duration) error
}

// decodeTaskEnvelope validates and parses the canonical task message.
func decodeTaskEnvelope(raw []byte) (taskEnvelope, error) {
	if len(raw) == 0 {
		return taskEnvelope{}, errors.New("empty task payload")
	}

	var env taskEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return taskEnvelope{}, fmt.Errorf("decode failed: %w", err)
	}

	env.SchemaVersion = strings.TrimSpace(env.SchemaVersion)
	env.TaskID = strings.TrimSpace(env.TaskID)
	env.TraceID = strings.TrimSpace(env.TraceID)
	env.DistrictCode = strings.TrimSpace(env.DistrictCode)
	env.YearMonth = strings.TrimSpace(env.YearMonth)
	env.SubmittedAt = strings.TrimSpace(env.SubmittedAt)

	if env.SchemaVersion != "" && env.SchemaVersion != "1.0" {
		return taskEnvelope{}, fmt.Errorf("unsupported schema_version: %s", env.SchemaVersion)
	}
	if env.TaskID == "" {
		return taskEnvelope{}, errors.New("task_id is required")
	}
	if env.DistrictCode == "" {
		return taskEnvelope{}, errors.New("district_code is required")
	}
	if env.YearMonth == "" {
		return taskEnvelope{}, errors.New("year_month is required")
	}
	if env.Attempt < 0 {
		return taskEnvelope{}, errors.New("attempt must not be negative")
	}
	if env.SubmittedAt != "" {
		if _, err := time.Parse(time.RFC3339, env.SubmittedAt); err != nil {
			return taskEnvelope{}, fmt.Errorf("submitted_at must be RFC3339: %w", err)
		}
	}
	return env, nil
}

// executeTask runs the full fetch -> normalize -> store sequence for one task
// attempt. A nil return means the message reached a terminal outcome or was
// handed to the retry scheduler and may be acknowledged; a non-nil return
// means handling itself failed and the message must be redelivered.
func (w *worker) executeTask(ctx context.Context, env taskEnvelope) error {
	startedAt := time.Now().UTC()
	workerMetricsState.recordTaskStart()
	w.logger.Printf(
		"task started task_id=%s trace_id=%s district=%s month=%s attempt=%d",
		env.TaskID, env.TraceID, env.DistrictCode, env.YearMonth, env.Attempt,
	)

	outcome, err := w.runTaskAttempt(ctx, env)
	workerMetricsState.recordTaskEnd(outcome, time.Since(startedAt))
	return err
}

// runTaskAttempt walks the task state machine and returns the terminal outcome
// label for metrics.
func (w *worker) runTaskAttempt(ctx context.Context, env taskEnvelope) (string, error) {
	w.writeStatus(ctx, env, "fetching", 25, "fetching provider data", "", "", nil)

	fetchCtx, cancel := context.WithTimeout(ctx, w.cfg.fetchTimeout)
	payload, err := w.provider.Fetch(fetchCtx, env.DistrictCode, env.YearMonth)
	cancel()
	if err != nil {
		kind := classifyFetchError(err)
		workerMetricsState.recordFetchFailure(kind)
		return w.handleTransientFailure(ctx, env, fetchErrorCode(kind), err)
	}

	w.writeStatus(ctx, env, "normalizing", 55, "normalizing provider payload", "", "", nil)

	rec, err := normalizeRecord(payload, env.DistrictCode, env.YearMonth, time.Now)
	if err != nil {
		// Permanent data-shape problem: retrying the same payload cannot
		// succeed, so the task fails immediately with a distinct code.
		workerMetricsState.recordNormalizationFailure()
		w.logger.Printf(
			"task normalization failed task_id=%s trace_id=%s district=%s month=%s err=%v",
			env.TaskID, env.TraceID, env.DistrictCode, env.YearMonth, err,
		)
		w.writeStatus(ctx, env, "failed", 55, "provider payload shape is not usable", "NORMALIZATION_FAILED", err.Error(), nil)
		return "failed", nil
	}
	if rec.DefaultMonth {
		workerMetricsState.recordDefaultMonthSubstitution()
		w.logger.Printf(
			"default-month substitution task_id=%s district=%s requested_month=%q stored_month=%s",
			env.TaskID, env.DistrictCode, env.YearMonth, rec.YearMonth.Format(yearMonthLayout),
		)
	}
	if rec.zeroMetrics() {
		// Overwrite still proceeds (last write wins), but an all-zero result
		// usually means the provider renamed its fields.
		workerMetricsState.recordZeroMetricOverwrite()
		w.logger.Printf(
			"zero-metrics overwrite task_id=%s district=%s month=%s; possible provider schema change",
			env.TaskID, env.DistrictCode, rec.YearMonth.Format(yearMonthLayout),
		)
	}

	w.writeStatus(ctx, env, "storing", 80, "persisting raw record and snapshot", "", "", nil)

	if err := w.store.AppendRaw(ctx, env.DistrictCode, rec.YearMonth, payload); err != nil {
		workerMetricsState.recordStoreFailure()
		return w.handleTransientFailure(ctx, env, "STORE_RAW_FAILED", err)
	}
	inserted, err := w.store.UpsertSnapshot(ctx, rec)
	if err != nil {
		workerMetricsState.recordStoreFailure()
		return w.handleTransientFailure(ctx, env, "STORE_UPSERT_FAILED", err)
	}

	w.writeStatus(ctx, env, "succeeded", 100, "snapshot stored", "", "", &rec)
	w.logger.Printf(
		"task succeeded task_id=%s trace_id=%s district=%s month=%s attempt=%d inserted=%t work_days=%d households=%d people=%d payments=%.2f",
		env.TaskID, env.TraceID, env.DistrictCode, rec.YearMonth.Format(yearMonthLayout), env.Attempt,
		inserted, rec.TotalWorkDays, rec.HouseholdsWorked, rec.PeopleBenefitted, rec.TotalPayments,
	)
	return "succeeded", nil
}

// handleTransientFailure either schedules a delayed resubmission of the whole
// task or, once the retry budget is spent, marks the task terminally failed.
func (w *worker) handleTransientFailure(ctx context.Context, env taskEnvelope, code string, cause error) (string, error) {
	if env.Attempt >= w.cfg.maxRetries {
		w.logger.Printf(
			"task retries exhausted task_id=%s trace_id=%s district=%s month=%s attempt=%d code=%s err=%v",
			env.TaskID, env.TraceID, env.DistrictCode, env.YearMonth, env.Attempt, code, cause,
		)
		w.writeStatus(ctx, env, "failed", 0, fmt.Sprintf("retries exhausted after %d attempts", env.Attempt+1), code, cause.Error(), nil)
		return "failed", nil
	}

	backoff := retryBackoff(w.cfg.retryBaseBackoff, w.cfg.retryMaxBackoff, env.Attempt)
	next := env
	next.Attempt++

	if err := w.retry.Schedule(ctx, next, backoff); err != nil {
		// Without a scheduled retry the message must redeliver, otherwise the
		// task would be lost mid-budget.
		workerMetricsState.recordRetrySchedulingFailure()
		w.logger.Printf(
			"retry scheduling failed task_id=%s trace_id=%s attempt=%d backoff=%s err=%v",
			env.TaskID, env.TraceID, env.Attempt, backoff, err,
		)
		return "retry_error", fmt.Errorf("retry schedule failed: %w", err)
	}

	w.logger.Printf(
		"task retry scheduled task_id=%s trace_id=%s district=%s month=%s attempt=%d next_attempt=%d backoff=%s code=%s err=%v",
		env.TaskID, env.TraceID, env.DistrictCode, env.YearMonth, env.Attempt, next.Attempt, backoff, code, cause,
	)
	w.writeStatus(ctx, env, "retry_scheduled", 0, fmt.Sprintf("retry %d/%d in %s", next.Attempt, w.cfg.maxRetries, backoff), code, cause.Error(), nil)
	return "retry_scheduled", nil
}

// retryBackoff computes the exponential resubmission delay for a zero-based
// retry attempt, capped at max.
func retryBackoff(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	}

	delay := base
	for i := 0; i < attempt; i++ {
		if delay > time.Duration(math.MaxInt64/2) {
			delay = time.Duration(math.MaxInt64)
			break
		}
		delay *= 2
	}

	if max > 0 && delay > max {
		return max
	}
	return delay
}

// fetchErrorCode maps a fetch classification to a stable status error code.
func fetchErrorCode(kind fetchErrorKind) string {
	switch kind {
	case fetchRateLimited:
		return "FETCH_RATE_LIMITED"
	case fetchTimeout:
		return "FETCH_TIMEOUT"
	case fetchHTTPStatus:
		return "FETCH_HTTP_ERROR"
	default:
		return "FETCH_NETWORK_ERROR"
	}
}

// writeStatus records one status transition, logging rather than failing the
// task when the status store is unavailable.
func (w *worker) writeStatus(ctx context.Context, env taskEnvelope, state string, progress int, message, errorCode, errorMessage string, metrics *monthlySnapshot) {
	record := taskStatusRecord{
		TaskID:          env.TaskID,
		TraceID:         env.TraceID,
		DistrictCode:    env.DistrictCode,
		YearMonth:       env.YearMonth,
		Attempt:         env.Attempt,
		State:           state,
		ProgressPercent: progress,
		Message:         message,
		UpdatedAt:       time.Now().UTC(),
		ErrorCode:       errorCode,
		ErrorMessage:    errorMessage,
		Metrics:         metrics,
	}
	if err := w.statusStore.UpsertStatus(ctx, record); err != nil {
		w.logger.Printf("status store write failed task_id=%s state=%s err=%v", env.TaskID, state, err)
		return
	}
	w.logger.Printf("status updated task_id=%s trace_id=%s state=%s progress=%d", env.TaskID, env.TraceID, state, progress)
}

// redisHashStatusStore persists status records into the canonical Redis hash key.
type redisHashStatusStore struct {
	client *redis.Client
	ttl    time.Duration
	logger *log.Logger
}

// UpsertStatus writes canonical status fields into Redis and refreshes key TTL.
func (s *redisHashStatusStore) UpsertStatus(ctx context.Context, status taskStatusRecord) error {
	key := taskStatusKey(status.TaskID)
	fields := map[string]any{
		"task_id":          status.TaskID,
		"trace_id":         status.TraceID,
		"district_code":    status.DistrictCode,
		"year_month":       status.YearMonth,
		"attempt":          status.Attempt,
		"state":            status.State,
		"progress_percent": status.ProgressPercent,
		"updated_at":       status.UpdatedAt.Format(time.RFC3339),
		"message":          status.Message,
	}
	if status.ErrorCode != "" {
		fields["error_code"] = status.ErrorCode
		fields["error_message"] = status.ErrorMessage
	}
	if status.Metrics != nil {
		fields["total_work_days"] = status.Metrics.TotalWorkDays
		fields["households_worked"] = status.Metrics.HouseholdsWorked
		fields["people_benefitted"] = status.Metrics.PeopleBenefitted
		fields["total_payments"] = strconv.FormatFloat(status.Metrics.TotalPayments, 'f', 2, 64)
	}

	if err := s.client.HSet(ctx, key, fields).Err(); err != nil {
		return err
	}
	if status.ErrorCode == "" {
		if err := s.client.HDel(ctx, key, "error_code", "error_message").Err(); err != nil {
			s.logger.Printf("redis HDEL optional error fields failed key=%s err=%v", key, err)
		}
	}
	if err := s.client.Expire(ctx, key, s.ttl).Err(); err != nil {
		return err
	}
	return nil
}

// taskStatusKey returns the canonical Redis key for transient task status.
func taskStatusKey(taskID string) string {
	return fmt.Sprintf("task:%s:status", taskID)
}

// amqpRetryScheduler resubmits tasks through fixed-TTL RabbitMQ delay queues
// (one per distinct backoff) whose expired messages dead-letter into the ready
// queue the worker consumes.
type amqpRetryScheduler struct {
	conn             *amqp.Connection
	delayQueuePrefix string
	readyQueue       string
	logger           *log.Logger

	mu       sync.Mutex
	ch       *amqp.Channel
	declared map[string]bool
}

// Schedule publishes the envelope into the delay queue matching the backoff.
// RabbitMQ only expires messages at the queue head, so every queue holds
// exactly one TTL; a short backoff is never held behind a longer one.
func (s *amqpRetryScheduler) Schedule(ctx context.Context, env taskEnvelope, delay time.Duration) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("retry envelope encode failed: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ch, err := s.channel()
	if err != nil {
		return err
	}

	queue := delayQueueName(s.delayQueuePrefix, delay)
	if !s.declared[queue] {
		if err := declareDelayQueue(ch, queue, s.readyQueue, delay); err != nil {
			s.dropChannel()
			return err
		}
		if s.declared == nil {
			s.declared = make(map[string]bool)
		}
		s.declared[queue] = true
	}

	err = ch.PublishWithContext(
		ctx,
		"",
		queue,
		false,
		false,
		amqp.Publishing{
			ContentType: "application/json",
			Body:        body,
			Timestamp:   time.Now().UTC(),
		},
	)
	if err != nil {
		s.dropChannel()
		return fmt.Errorf("retry publish failed: %w", err)
	}
	return nil
}

// channel lazily opens and configures the publish channel.
func (s *amqpRetryScheduler) channel() (*amqp.Channel, error) {
	if s.ch != nil {
		return s.ch, nil
	}

	ch, err := s.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("rabbitmq retry channel open failed: %w", err)
	}
	if err := declareReadyQueue(ch, s.readyQueue); err != nil {
		_ = ch.Close()
		return nil, err
	}
	s.ch = ch
	return ch, nil
}

// dropChannel discards a broken channel so the next schedule reopens a fresh
// one and re-verifies queue declarations.
func (s *amqpRetryScheduler) dropChannel() {
	if s.ch != nil {
		_ = s.ch.Close()
		s.ch = nil
	}
	s.declared = nil
}

// delayQueueName returns the queue holding retries for one backoff duration.
func delayQueueName(prefix string, delay time.Duration) string {
	return fmt.Sprintf("%s.%dms", prefix, delay.Milliseconds())
}

// declareDelayQueue declares one fixed-TTL delay queue whose expired messages
// dead-letter into the ready queue.
func declareDelayQueue(ch *amqp.Channel, queue, readyQueue string, delay time.Duration) error {
	if _, err := ch.QueueDeclare(queue, true, false, false, false, amqp.Table{
		"x-message-ttl":             delay.Milliseconds(),
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": readyQueue,
	}); err != nil {
		return fmt.Errorf("retry delay queue declare failed: %w", err)
	}
	return nil
}

// declareReadyQueue declares the queue resubmitted tasks land on after their
// backoff elapses. Safe to call from every channel owner.
func declareReadyQueue(ch *amqp.Channel, readyQueue string) error {
	if _, err := ch.QueueDeclare(readyQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("retry ready queue declare failed: %w", err)
	}
	return nil
}
