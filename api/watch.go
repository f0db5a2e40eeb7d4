package main

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jk-1012/mgnrega/internal/ingestgrpc"
)

// watchUpgrader upgrades task watch requests to websocket connections.
var watchUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(*http.Request) bool {
		return true
	},
}

// watchSession owns one websocket connection relaying worker progress events.
type watchSession struct {
	conn    *websocket.Conn
	cancel  context.CancelFunc
	writeMu sync.Mutex
}

// write sends one JSON frame with synchronized websocket writes.
func (s *watchSession) write(v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(v)
}

// close stops the relay goroutine and closes the websocket.
func (s *watchSession) close() {
	s.cancel()
	_ = s.conn.Close()
}

// handleTaskWatch upgrades the request and relays the worker's progress stream
// until the task reaches a terminal state or the client disconnects.
func (a *app) handleTaskWatch(w http.ResponseWriter, r *http.Request, taskID string) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed"})
		return
	}

	conn, err := watchUpgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.Printf("watch upgrade failed task_id=%s err=%v", taskID, err)
		return
	}
	apiMetricsState.recordWatchConnection()

	streamCtx, cancel := context.WithCancel(context.Background())
	session := &watchSession{conn: conn, cancel: cancel}
	defer session.close()

	// Read pump: the client sends nothing meaningful, but reading is the only
	// way to observe a close frame and stop the relay promptly.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					a.logger.Printf("watch read pump ended task_id=%s err=%v", taskID, err)
				}
				cancel()
				return
			}
		}
	}()

	stream, err := a.taskStatus.WatchTaskProgress(
		streamCtx,
		&ingestgrpc.WatchTaskProgressRequest{
			TaskID:         taskID,
			PollIntervalMS: int32(a.cfg.watchPollInterval / time.Millisecond),
		},
		ingestgrpc.DefaultClientCallOptions()...,
	)
	if err != nil {
		a.logger.Printf("watch stream open failed task_id=%s err=%v", taskID, err)
		_ = session.write(errorResponse{Error: "failed to open progress stream"})
		return
	}

	a.logger.Printf("watch stream opened task_id=%s", taskID)
	for {
		reply, err := stream.Recv()
		if err != nil {
			if streamCtx.Err() == nil {
				a.logger.Printf("watch stream ended task_id=%s err=%v", taskID, err)
			}
			return
		}
		if err := session.write(reply); err != nil {
			a.logger.Printf("watch frame write failed task_id=%s err=%v", taskID, err)
			return
		}
		if isTerminalWatchState(reply.State) {
			a.logger.Printf("watch stream complete task_id=%s state=%s", taskID, reply.State)
			_ = session.conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "task reached terminal state"),
				time.Now().Add(time.Second),
			)
			return
		}
	}
}

// isTerminalWatchState reports whether a streamed state ends the relay.
func isTerminalWatchState(state string) bool {
	switch state {
	case "succeeded", "failed", "not_found":
		return true
	default:
		return false
	}
}
