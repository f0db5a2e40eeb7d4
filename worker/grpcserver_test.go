package main

import (
	"context"
	"log"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"google.golang.org/grpc"

	"github.com/jk-1012/mgnrega/internal/ingestgrpc"
)

// scriptedStatusHashes serves a fixed sequence of status hashes, repeating the
// final entry once the script runs out.
type scriptedStatusHashes struct {
	values []map[string]string
	calls  int
}

func (s *scriptedStatusHashes) HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd {
	idx := s.calls
	if idx >= len(s.values) {
		idx = len(s.values) - 1
	}
	s.calls++
	return redis.NewMapStringStringResult(s.values[idx], nil)
}

// fakeWatchStream records the frames a watch stream sends.
type fakeWatchStream struct {
	grpc.ServerStream
	ctx  context.Context
	sent []*ingestgrpc.TaskStatusReply
}

func (f *fakeWatchStream) Context() context.Context {
	return f.ctx
}

func (f *fakeWatchStream) Send(reply *ingestgrpc.TaskStatusReply) error {
	f.sent = append(f.sent, reply)
	return nil
}

func statusHash(state, progress, attempt, updatedAt string) map[string]string {
	return map[string]string{
		"district_code":    "UP-AGRA",
		"year_month":       "2024-03",
		"state":            state,
		"progress_percent": progress,
		"attempt":          attempt,
		"updated_at":       updatedAt,
		"message":          "state " + state,
	}
}

// TestWatchTaskProgressEndsAfterTerminalFrame verifies the stream keeps going
// through retry_scheduled and returns right after the first terminal frame.
func TestWatchTaskProgressEndsAfterTerminalFrame(t *testing.T) {
	t.Parallel()

	statuses := &scriptedStatusHashes{values: []map[string]string{
		statusHash("fetching", "25", "0", "2024-03-01T00:00:01Z"),
		statusHash("retry_scheduled", "25", "1", "2024-03-01T00:00:02Z"),
		statusHash("succeeded", "100", "1", "2024-03-01T00:01:02Z"),
	}}
	server := &taskStatusServer{
		statuses:    statuses,
		logger:      log.New(testWriter{t}, "", 0),
		defaultPoll: time.Millisecond,
	}
	stream := &fakeWatchStream{ctx: context.Background()}

	err := server.WatchTaskProgress(&ingestgrpc.WatchTaskProgressRequest{TaskID: "task-1"}, stream)
	if err != nil {
		t.Fatalf("WatchTaskProgress() error = %v, want nil", err)
	}

	wantStates := []string{"fetching", "retry_scheduled", "succeeded"}
	if len(stream.sent) != len(wantStates) {
		t.Fatalf("sent %d frames, want %d", len(stream.sent), len(wantStates))
	}
	for i, want := range wantStates {
		if got := stream.sent[i].State; got != want {
			t.Fatalf("frame %d state = %q, want %q", i, got, want)
		}
	}
}

// TestWatchTaskProgressSkipsUnchangedStatus verifies a poll that reads the same
// stored status again does not resend the frame.
func TestWatchTaskProgressSkipsUnchangedStatus(t *testing.T) {
	t.Parallel()

	statuses := &scriptedStatusHashes{values: []map[string]string{
		statusHash("fetching", "25", "0", "2024-03-01T00:00:01Z"),
		statusHash("fetching", "25", "0", "2024-03-01T00:00:01Z"),
		statusHash("succeeded", "100", "0", "2024-03-01T00:00:09Z"),
	}}
	server := &taskStatusServer{
		statuses:    statuses,
		logger:      log.New(testWriter{t}, "", 0),
		defaultPoll: time.Millisecond,
	}
	stream := &fakeWatchStream{ctx: context.Background()}

	err := server.WatchTaskProgress(&ingestgrpc.WatchTaskProgressRequest{TaskID: "task-1"}, stream)
	if err != nil {
		t.Fatalf("WatchTaskProgress() error = %v, want nil", err)
	}

	if len(stream.sent) != 2 {
		t.Fatalf("sent %d frames, want 2", len(stream.sent))
	}
	if got := stream.sent[0].State; got != "fetching" {
		t.Fatalf("frame 0 state = %q, want %q", got, "fetching")
	}
	if got := stream.sent[1].State; got != "succeeded" {
		t.Fatalf("frame 1 state = %q, want %q", got, "succeeded")
	}
	if statuses.calls != 3 {
		t.Fatalf("status reads = %d, want 3", statuses.calls)
	}
}

// TestWatchTaskProgressStopsOnShutdown verifies a watcher on a non-terminal
// task releases its stream once the server-wide shutdown signal fires.
func TestWatchTaskProgressStopsOnShutdown(t *testing.T) {
	t.Parallel()

	shutdown := make(chan struct{})
	close(shutdown)

	statuses := &scriptedStatusHashes{values: []map[string]string{
		statusHash("retry_scheduled", "25", "1", "2024-03-01T00:00:02Z"),
	}}
	server := &taskStatusServer{
		statuses:    statuses,
		logger:      log.New(testWriter{t}, "", 0),
		defaultPoll: time.Hour,
		shutdown:    shutdown,
	}
	stream := &fakeWatchStream{ctx: context.Background()}

	done := make(chan error, 1)
	go func() {
		done <- server.WatchTaskProgress(&ingestgrpc.WatchTaskProgressRequest{TaskID: "task-1"}, stream)
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("WatchTaskProgress() error = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("watch stream did not stop after shutdown")
	}

	if len(stream.sent) != 1 {
		t.Fatalf("sent %d frames, want 1", len(stream.sent))
	}
}

// TestParseProgressPercent verifies bounds-safe conversion from Redis values.
func TestParseProgressPercent(t *testing.T) {
	t.Parallel()

	tests := []struct {
		raw  string
		want int
	}{
		{raw: "", want: 0},
		{raw: "-5", want: 0},
		{raw: "25", want: 25},
		{raw: "100", want: 100},
		{raw: "250", want: 100},
		{raw: "not-int", want: 0},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.raw, func(t *testing.T) {
			t.Parallel()
			got := parseProgressPercent(tt.raw)
			if got != tt.want {
				t.Fatalf("parseProgressPercent(%q) = %d, want %d", tt.raw, got, tt.want)
			}
		})
	}
}

// TestIsTerminalTaskState verifies which states stop a watch stream.
func TestIsTerminalTaskState(t *testing.T) {
	t.Parallel()

	tests := []struct {
		state string
		want  bool
	}{
		{state: "succeeded", want: true},
		{state: "FAILED", want: true},
		{state: "not_found", want: true},
		{state: "retry_scheduled", want: false},
		{state: "fetching", want: false},
		{state: "queued", want: false},
		{state: "", want: false},
	}

	for _, tt := range tests {
		if got := isTerminalTaskState(tt.state); got != tt.want {
			t.Fatalf("isTerminalTaskState(%q) = %t, want %t", tt.state, got, tt.want)
		}
	}
}
