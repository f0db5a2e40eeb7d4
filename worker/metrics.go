package main

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"
)

// workerMetrics stores process-local worker observability counters exported via /metrics.
type workerMetrics struct {
	tasksStartedTotal              atomic.Uint64
	tasksSucceededTotal            atomic.Uint64
	tasksFailedTotal               atomic.Uint64
	tasksRetryScheduledTotal       atomic.Uint64
	tasksDroppedTotal              atomic.Uint64
	normalizationFailuresTotal     atomic.Uint64
	zeroMetricOverwritesTotal      atomic.Uint64
	defaultMonthSubstitutionsTotal atomic.Uint64
	fetchRateLimitedTotal          atomic.Uint64
	fetchTimeoutsTotal             atomic.Uint64
	fetchNetworkErrorsTotal        atomic.Uint64
	fetchHTTPErrorsTotal           atomic.Uint64
	storeFailuresTotal             atomic.Uint64
	retrySchedulingFailuresTotal   atomic.Uint64
	kafkaFetchErrorsTotal          atomic.Uint64
	grpcStatusRequestsTotal        atomic.Uint64
	grpcWatchRequestsTotal         atomic.Uint64
	taskDurationNanosTotal         atomic.Uint64
	taskDurationSamplesTotal       atomic.Uint64
	tasksInFlight                  atomic.Int64
}

var workerMetricsState = &workerMetrics{}

// recordTaskStart records one accepted task execution attempt.
func (m *workerMetrics) recordTaskStart() {
	m.tasksStartedTotal.Add(1)
	m.tasksInFlight.Add(1)
}

// recordTaskEnd records the outcome and duration of one task attempt.
func (m *workerMetrics) recordTaskEnd(outcome string, duration time.Duration) {
	m.tasksInFlight.Add(-1)
	switch outcome {
	case "succeeded":
		m.tasksSucceededTotal.Add(1)
	case "retry_scheduled":
		m.tasksRetryScheduledTotal.Add(1)
	case "retry_error":
		// Counted under scheduling failures; the attempt itself will redeliver.
	default:
		m.tasksFailedTotal.Add(1)
	}
	m.taskDurationNanosTotal.Add(uint64(duration.Nanoseconds()))
	m.taskDurationSamplesTotal.Add(1)
}

// recordDroppedMessage increments invalid-message drop counters.
func (m *workerMetrics) recordDroppedMessage() {
	m.tasksDroppedTotal.Add(1)
}

// recordNormalizationFailure increments permanent data-shape failure counters.
func (m *workerMetrics) recordNormalizationFailure() {
	m.normalizationFailuresTotal.Add(1)
}

// recordZeroMetricOverwrite increments counters for all-zero snapshot overwrites.
func (m *workerMetrics) recordZeroMetricOverwrite() {
	m.zeroMetricOverwritesTotal.Add(1)
}

// recordDefaultMonthSubstitution increments counters for month parse fallbacks.
func (m *workerMetrics) recordDefaultMonthSubstitution() {
	m.defaultMonthSubstitutionsTotal.Add(1)
}

// recordFetchFailure increments the counter for one fetch failure classification.
func (m *workerMetrics) recordFetchFailure(kind fetchErrorKind) {
	switch kind {
	case fetchRateLimited:
		m.fetchRateLimitedTotal.Add(1)
	case fetchTimeout:
		m.fetchTimeoutsTotal.Add(1)
	case fetchHTTPStatus:
		m.fetchHTTPErrorsTotal.Add(1)
	default:
		m.fetchNetworkErrorsTotal.Add(1)
	}
}

// recordStoreFailure increments persistence failure counters.
func (m *workerMetrics) recordStoreFailure() {
	m.storeFailuresTotal.Add(1)
}

// recordRetrySchedulingFailure increments delayed-queue publish failure counters.
func (m *workerMetrics) recordRetrySchedulingFailure() {
	m.retrySchedulingFailuresTotal.Add(1)
}

// recordKafkaFetchError increments fetch-loop error counters.
func (m *workerMetrics) recordKafkaFetchError() {
	m.kafkaFetchErrorsTotal.Add(1)
}

// recordGRPCStatusRequest increments unary status RPC request counters.
func (m *workerMetrics) recordGRPCStatusRequest() {
	m.grpcStatusRequestsTotal.Add(1)
}

// recordGRPCWatchRequest increments streaming status RPC request counters.
func (m *workerMetrics) recordGRPCWatchRequest() {
	m.grpcWatchRequestsTotal.Add(1)
}

// renderPrometheus renders Prometheus text exposition for worker counters.
func (m *workerMetrics) renderPrometheus() string {
	durationSumSeconds := float64(m.taskDurationNanosTotal.Load()) / float64(time.Second)
	averageDurationSeconds := 0.0
	if samples := m.taskDurationSamplesTotal.Load(); samples > 0 {
		averageDurationSeconds = durationSumSeconds / float64(samples)
	}

	var b strings.Builder
	writeWorkerCounterMetric(&b, "mgnrega_worker_tasks_started_total", "Total ingest task attempts started.", m.tasksStartedTotal.Load())
	writeWorkerCounterMetric(&b, "mgnrega_worker_tasks_succeeded_total", "Total ingest task attempts that stored a snapshot.", m.tasksSucceededTotal.Load())
	writeWorkerCounterMetric(&b, "mgnrega_worker_tasks_failed_total", "Total ingest tasks that reached terminal failure.", m.tasksFailedTotal.Load())
	writeWorkerCounterMetric(&b, "mgnrega_worker_tasks_retry_scheduled_total", "Total ingest task attempts resubmitted through the delay queue.", m.tasksRetryScheduledTotal.Load())
	writeWorkerCounterMetric(&b, "mgnrega_worker_tasks_dropped_total", "Total task messages dropped before processing (invalid envelope).", m.tasksDroppedTotal.Load())
	writeWorkerCounterMetric(&b, "mgnrega_worker_normalization_failures_total", "Total permanent provider payload shape failures.", m.normalizationFailuresTotal.Load())
	writeWorkerCounterMetric(&b, "mgnrega_worker_zero_metric_overwrites_total", "Total snapshot overwrites where every metric normalized to zero.", m.zeroMetricOverwritesTotal.Load())
	writeWorkerCounterMetric(&b, "mgnrega_worker_default_month_substitutions_total", "Total target months replaced by the current-month fallback.", m.defaultMonthSubstitutionsTotal.Load())
	writeWorkerCounterMetric(&b, "mgnrega_worker_fetch_rate_limited_total", "Total provider fetches rejected with HTTP 429.", m.fetchRateLimitedTotal.Load())
	writeWorkerCounterMetric(&b, "mgnrega_worker_fetch_timeouts_total", "Total provider fetches that exceeded the request timeout.", m.fetchTimeoutsTotal.Load())
	writeWorkerCounterMetric(&b, "mgnrega_worker_fetch_network_errors_total", "Total provider fetches that failed in transport.", m.fetchNetworkErrorsTotal.Load())
	writeWorkerCounterMetric(&b, "mgnrega_worker_fetch_http_errors_total", "Total provider fetches rejected with a non-2xx status.", m.fetchHTTPErrorsTotal.Load())
	writeWorkerCounterMetric(&b, "mgnrega_worker_store_failures_total", "Total persistence failures during task attempts.", m.storeFailuresTotal.Load())
	writeWorkerCounterMetric(&b, "mgnrega_worker_retry_scheduling_failures_total", "Total failed delay-queue resubmissions.", m.retrySchedulingFailuresTotal.Load())
	writeWorkerCounterMetric(&b, "mgnrega_worker_kafka_fetch_errors_total", "Total Kafka fetch-loop errors.", m.kafkaFetchErrorsTotal.Load())
	writeWorkerCounterMetric(&b, "mgnrega_worker_grpc_status_requests_total", "Total GetTaskStatus gRPC requests.", m.grpcStatusRequestsTotal.Load())
	writeWorkerCounterMetric(&b, "mgnrega_worker_grpc_watch_requests_total", "Total WatchTaskProgress gRPC requests.", m.grpcWatchRequestsTotal.Load())
	writeWorkerCounterMetric(&b, "mgnrega_worker_task_duration_seconds_count", "Total task-duration samples.", m.taskDurationSamplesTotal.Load())
	b.WriteString("# HELP mgnrega_worker_tasks_in_flight Current in-flight task attempts.\n")
	b.WriteString("# TYPE mgnrega_worker_tasks_in_flight gauge\n")
	b.WriteString(fmt.Sprintf("mgnrega_worker_tasks_in_flight %d\n", m.tasksInFlight.Load()))
	b.WriteString("# HELP mgnrega_worker_task_duration_seconds_sum Total task duration seconds.\n")
	b.WriteString("# TYPE mgnrega_worker_task_duration_seconds_sum counter\n")
	b.WriteString(fmt.Sprintf("mgnrega_worker_task_duration_seconds_sum %.6f\n", durationSumSeconds))
	b.WriteString("# HELP mgnrega_worker_task_duration_seconds_average Average task duration seconds.\n")
	b.WriteString("# TYPE mgnrega_worker_task_duration_seconds_average gauge\n")
	b.WriteString(fmt.Sprintf("mgnrega_worker_task_duration_seconds_average %.6f\n", averageDurationSeconds))
	return b.String()
}

// writeWorkerCounterMetric writes one Prometheus counter entry.
func writeWorkerCounterMetric(builder *strings.Builder, name, help string, value uint64) {
	builder.WriteString("# HELP ")
	builder.WriteString(name)
	builder.WriteByte(' ')
	builder.WriteString(help)
	builder.WriteByte('\n')
	builder.WriteString("# TYPE ")
	builder.WriteString(name)
	builder.WriteString(" counter\n")
	builder.WriteString(name)
	builder.WriteByte(' ')
	builder.WriteString(fmt.Sprintf("%d\n", value))
}
