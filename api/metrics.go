package main

import (
	"fmt"
	"strings"
	"sync/atomic"
)

// apiMetrics stores process-local API observability counters exported via /metrics.
type apiMetrics struct {
	taskSubmissionsTotal       atomic.Uint64
	backfillRequestsTotal      atomic.Uint64
	backfillTasksEnqueuedTotal atomic.Uint64
	refreshRunsTotal           atomic.Uint64
	enqueueFailuresTotal       atomic.Uint64
	statusRequestsTotal        atomic.Uint64
	watchConnectionsTotal      atomic.Uint64
	summaryCacheHitsTotal      atomic.Uint64
	summaryCacheMissesTotal    atomic.Uint64
}

var apiMetricsState = &apiMetrics{}

// recordTaskSubmission increments accepted ingest task submission counters.
func (m *apiMetrics) recordTaskSubmission() {
	m.taskSubmissionsTotal.Add(1)
}

// recordBackfillRequest increments accepted backfill request counters.
func (m *apiMetrics) recordBackfillRequest() {
	m.backfillRequestsTotal.Add(1)
}

// recordBackfillTaskEnqueued increments per-month backfill enqueue counters.
func (m *apiMetrics) recordBackfillTaskEnqueued() {
	m.backfillTasksEnqueuedTotal.Add(1)
}

// recordRefreshRun increments scheduled refresh run counters.
func (m *apiMetrics) recordRefreshRun() {
	m.refreshRunsTotal.Add(1)
}

// recordEnqueueFailure increments failed enqueue counters.
func (m *apiMetrics) recordEnqueueFailure() {
	m.enqueueFailuresTotal.Add(1)
}

// recordStatusRequest increments task status lookup counters.
func (m *apiMetrics) recordStatusRequest() {
	m.statusRequestsTotal.Add(1)
}

// recordWatchConnection increments accepted watch connection counters.
func (m *apiMetrics) recordWatchConnection() {
	m.watchConnectionsTotal.Add(1)
}

// recordSummaryCacheHit increments summary cache hit counters.
func (m *apiMetrics) recordSummaryCacheHit() {
	m.summaryCacheHitsTotal.Add(1)
}

// recordSummaryCacheMiss increments summary cache miss counters.
func (m *apiMetrics) recordSummaryCacheMiss() {
	m.summaryCacheMissesTotal.Add(1)
}

// renderPrometheus renders Prometheus text exposition for API counters.
func (m *apiMetrics) renderPrometheus() string {
	var b strings.Builder
	writeAPICounterMetric(&b, "mgnrega_api_task_submissions_total", "Total accepted ingest task submissions.", m.taskSubmissionsTotal.Load())
	writeAPICounterMetric(&b, "mgnrega_api_backfill_requests_total", "Total accepted backfill range requests.", m.backfillRequestsTotal.Load())
	writeAPICounterMetric(&b, "mgnrega_api_backfill_tasks_enqueued_total", "Total ingest tasks enqueued by backfill runs.", m.backfillTasksEnqueuedTotal.Load())
	writeAPICounterMetric(&b, "mgnrega_api_refresh_runs_total", "Total scheduled full-catalog refresh runs.", m.refreshRunsTotal.Load())
	writeAPICounterMetric(&b, "mgnrega_api_enqueue_failures_total", "Total failed task enqueue attempts.", m.enqueueFailuresTotal.Load())
	writeAPICounterMetric(&b, "mgnrega_api_status_requests_total", "Total task status lookups.", m.statusRequestsTotal.Load())
	writeAPICounterMetric(&b, "mgnrega_api_watch_connections_total", "Total accepted task watch websocket connections.", m.watchConnectionsTotal.Load())
	writeAPICounterMetric(&b, "mgnrega_api_summary_cache_hits_total", "Total district summaries served from cache.", m.summaryCacheHitsTotal.Load())
	writeAPICounterMetric(&b, "mgnrega_api_summary_cache_misses_total", "Total district summaries rebuilt from storage.", m.summaryCacheMissesTotal.Load())
	return b.String()
}

// writeAPICounterMetric writes one Prometheus counter entry.
func writeAPICounterMetric(builder *strings.Builder, name, help string, value uint64) {
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
