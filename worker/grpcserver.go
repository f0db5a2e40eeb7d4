package main

import (
	"context"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jk-1012/mgnrega/internal/ingestgrpc"
)

// statusHashes reads the Redis status hashes the task pipeline writes.
type statusHashes interface {
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
}

// taskStatusServer serves task status RPCs from the Redis status hashes the
// task pipeline writes. Closing shutdown ends every open watch stream so a
// graceful server stop cannot wait on long-lived watchers.
type taskStatusServer struct {
	ingestgrpc.UnimplementedTaskStatusServer
	statuses    statusHashes
	logger      *log.Logger
	defaultPoll time.Duration
	shutdown    <-chan struct{}
}

// GetTaskStatus returns the latest status snapshot for one task.
func (s *taskStatusServer) GetTaskStatus(ctx context.Context, req *ingestgrpc.GetTaskStatusRequest) (*ingestgrpc.TaskStatusReply, error) {
	workerMetricsState.recordGRPCStatusRequest()
	reply, _, err := s.loadReply(ctx, strings.TrimSpace(req.TaskID))
	if err != nil {
		return nil, err
	}
	return reply, nil
}

// WatchTaskProgress streams status changes until the task reaches a terminal
// state or the caller goes away.
func (s *taskStatusServer) WatchTaskProgress(req *ingestgrpc.WatchTaskProgressRequest, stream ingestgrpc.TaskStatus_WatchTaskProgressServer) error {
	workerMetricsState.recordGRPCWatchRequest()

	poll := s.defaultPoll
	if req.PollIntervalMS > 0 {
		poll = time.Duration(req.PollIntervalMS) * time.Millisecond
	}

	taskID := strings.TrimSpace(req.TaskID)
	ctx := stream.Context()
	var last *ingestgrpc.TaskStatusReply

	for {
		reply, _, err := s.loadReply(ctx, taskID)
		if err != nil {
			return err
		}

		if last == nil || *last != *reply {
			if err := stream.Send(reply); err != nil {
				return err
			}
			last = reply
		}
		if isTerminalTaskState(reply.State) {
			return nil
		}

		timer := time.NewTimer(poll)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-s.shutdown:
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// loadReply fetches the canonical Redis hash and projects the reply envelope.
func (s *taskStatusServer) loadReply(ctx context.Context, taskID string) (*ingestgrpc.TaskStatusReply, bool, error) {
	values, err := s.statuses.HGetAll(ctx, taskStatusKey(taskID)).Result()
	if err != nil {
		return nil, false, err
	}
	if len(values) == 0 {
		return &ingestgrpc.TaskStatusReply{
			TaskID:    taskID,
			State:     "not_found",
			Message:   "task not found",
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		}, false, nil
	}

	state := strings.ToLower(strings.TrimSpace(values["state"]))
	if state == "" {
		state = "not_found"
	}
	message := strings.TrimSpace(values["message"])
	if message == "" {
		message = "status available"
	}
	attempt, _ := strconv.Atoi(strings.TrimSpace(values["attempt"]))

	// The timestamp comes from the stored hash so an unchanged status projects
	// an identical reply and watch streams only send on real transitions.
	timestamp := strings.TrimSpace(values["updated_at"])
	if timestamp == "" {
		timestamp = time.Now().UTC().Format(time.RFC3339)
	}

	return &ingestgrpc.TaskStatusReply{
		TaskID:          taskID,
		DistrictCode:    values["district_code"],
		YearMonth:       values["year_month"],
		State:           state,
		Attempt:         int32(attempt),
		ProgressPercent: int32(parseProgressPercent(values["progress_percent"])),
		Message:         message,
		Timestamp:       timestamp,
	}, true, nil
}

// isTerminalTaskState reports whether no further status updates can follow.
// A retry_scheduled task is not terminal; the rescheduled attempt will write
// new transitions once its backoff elapses.
func isTerminalTaskState(state string) bool {
	switch strings.ToLower(strings.TrimSpace(state)) {
	case "succeeded", "failed", "not_found":
		return true
	default:
		return false
	}
}

// parseProgressPercent converts status progress values to bounded integer percentages.
func parseProgressPercent(raw string) int {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0
	}

	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	if value < 0 {
		return 0
	}
	if value > 100 {
		return 100
	}
	return value
}
