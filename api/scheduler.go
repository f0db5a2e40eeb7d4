package main

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// backfillTask is one pre-assigned district-month enqueue unit.
type backfillTask struct {
	taskID       string
	traceID      string
	districtCode string
	yearMonth    string
}

// monthsInRange enumerates every calendar month from start through end
// inclusive, both in YYYY-MM form.
func monthsInRange(start, end string) ([]string, error) {
	startMonth, err := time.Parse(yearMonthLayout, strings.TrimSpace(start))
	if err != nil {
		return nil, errors.New("start_month must use the YYYY-MM format")
	}
	endMonth, err := time.Parse(yearMonthLayout, strings.TrimSpace(end))
	if err != nil {
		return nil, errors.New("end_month must use the YYYY-MM format")
	}
	if endMonth.Before(startMonth) {
		return nil, errors.New("end_month must not precede start_month")
	}

	months := make([]string, 0, 12)
	for cursor := startMonth; !cursor.After(endMonth); cursor = cursor.AddDate(0, 1, 0) {
		months = append(months, cursor.Format(yearMonthLayout))
	}
	return months, nil
}

// startBackfill enqueues the prepared tasks in the background, pacing
// submissions so a long range does not flood the provider all at once.
func (a *app) startBackfill(tasks []backfillTask) {
	go func() {
		ctx := context.Background()
		enqueued := 0
		for i, task := range tasks {
			if i > 0 {
				time.Sleep(a.cfg.backfillPacing)
			}
			if _, _, _, err := a.enqueueTaskAs(ctx, task.taskID, task.traceID, task.districtCode, task.yearMonth); err != nil {
				apiMetricsState.recordEnqueueFailure()
				a.logger.Printf("backfill enqueue failed task_id=%s district=%s month=%s err=%v", task.taskID, task.districtCode, task.yearMonth, err)
				continue
			}
			enqueued++
			apiMetricsState.recordBackfillTaskEnqueued()
		}
		a.logger.Printf("backfill finished enqueued=%d of=%d", enqueued, len(tasks))
	}()
}

// runDailyRefresh periodically resubmits the current month for every catalog
// district so stored snapshots keep tracking provider revisions.
func (a *app) runDailyRefresh(ctx context.Context) {
	a.logger.Printf("refresh loop starting interval=%s pacing=%s", a.cfg.refreshInterval, a.cfg.refreshPacing)
	ticker := time.NewTicker(a.cfg.refreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.logger.Println("refresh loop stopping due to cancellation")
			return
		case <-ticker.C:
			a.refreshAllDistricts(ctx)
		}
	}
}

// refreshAllDistricts enqueues a current-month ingest task per district.
func (a *app) refreshAllDistricts(ctx context.Context) {
	apiMetricsState.recordRefreshRun()
	currentMonth := time.Now().UTC().Format(yearMonthLayout)

	listCtx, cancel := context.WithTimeout(ctx, a.cfg.requestTimeout)
	districts, err := a.readStore.ListDistricts(listCtx)
	cancel()
	if err != nil {
		a.logger.Printf("refresh district list failed: %v", err)
		return
	}
	if len(districts) == 0 {
		a.logger.Println("refresh skipped: district catalog is empty")
		return
	}

	a.logger.Printf("refresh run starting districts=%d month=%s", len(districts), currentMonth)
	enqueued := 0
	for i, entry := range districts {
		if ctx.Err() != nil {
			a.logger.Printf("refresh run canceled after %d of %d districts", enqueued, len(districts))
			return
		}
		if i > 0 {
			time.Sleep(a.cfg.refreshPacing)
		}
		taskID, _, _, err := a.enqueueTaskAs(ctx, uuid.NewString(), uuid.NewString(), entry.Code, currentMonth)
		if err != nil {
			apiMetricsState.recordEnqueueFailure()
			a.logger.Printf("refresh enqueue failed district=%s month=%s err=%v", entry.Code, currentMonth, err)
			continue
		}
		enqueued++
		a.logger.Printf("refresh enqueued district=%s month=%s task_id=%s", entry.Code, currentMonth, taskID)
	}
	a.logger.Printf("refresh run finished enqueued=%d of=%d", enqueued, len(districts))
}
