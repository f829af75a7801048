package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/bernard/internal/database"
	"github.com/nugget/bernard/internal/events"
	"github.com/nugget/bernard/internal/queue"
)

// WebSocket timing.
const (
	wsWriteWait  = 10 * time.Second
	wsPingPeriod = 30 * time.Second
	wsBuffer     = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Callers are API clients, not browsers on other origins.
	CheckOrigin: func(*http.Request) bool { return true },
}

func (s *Server) taskError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, queue.ErrNotFound):
		s.errorResponse(w, http.StatusNotFound, "task not found")
	case errors.Is(err, queue.ErrFinished):
		s.errorResponse(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error("task request failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "task lookup failed")
	}
}

func (s *Server) handleTaskList(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		s.errorResponse(w, http.StatusNotFound, "task queue not configured")
		return
	}
	q := r.URL.Query()
	opts := queue.ListOptions{
		UserID:          q.Get("user"),
		ConversationID:  q.Get("conversation_id"),
		IncludeArchived: q.Get("archived") == "true",
	}
	if v := q.Get("status"); v != "" {
		for _, st := range strings.Split(v, ",") {
			opts.Statuses = append(opts.Statuses, queue.Status(strings.TrimSpace(st)))
		}
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.errorResponse(w, http.StatusBadRequest, "invalid limit")
			return
		}
		opts.Limit = n
	}

	tasks, err := s.tasks.List(r.Context(), opts)
	if err != nil {
		s.taskError(w, err)
		return
	}
	if tasks == nil {
		tasks = []queue.Task{}
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"tasks": tasks, "count": len(tasks)}, s.logger)
}

func (s *Server) handleTaskGet(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		s.errorResponse(w, http.StatusNotFound, "task queue not configured")
		return
	}
	task, err := s.tasks.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.taskError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, task, s.logger)
}

func (s *Server) handleTaskCancel(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		s.errorResponse(w, http.StatusNotFound, "task queue not configured")
		return
	}
	task, err := s.tasks.Cancel(r.Context(), r.PathValue("id"))
	if err != nil {
		s.taskError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, task, s.logger)
}

// handleTaskEvents streams a task's progress over a WebSocket: first the
// stored events, then live ones from the bus until the task finishes or
// the client goes away.
func (s *Server) handleTaskEvents(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		s.errorResponse(w, http.StatusNotFound, "task queue not configured")
		return
	}
	id := r.PathValue("id")
	if _, err := s.tasks.Get(r.Context(), id); err != nil {
		s.taskError(w, err)
		return
	}

	// Subscribe before reading history so nothing falls in between.
	var live <-chan events.Event
	if s.bus != nil {
		live = s.bus.Subscribe(wsBuffer)
		defer s.bus.Unsubscribe(live)
	}

	stored, err := s.tasks.Events(r.Context(), id)
	if err != nil {
		s.taskError(w, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "task_id", id, "error", err)
		return
	}
	defer conn.Close()

	logger := s.logger.With("task_id", id)
	logger.Debug("task event stream opened", "stored", len(stored))

	// The read loop only notices the client closing.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	seen := make(map[string]struct{}, len(stored))
	for _, e := range stored {
		seen[eventKey(e)] = struct{}{}
		if err := writeEvent(conn, e); err != nil {
			return
		}
		if e.Terminal() {
			closeStream(conn, "task finished")
			return
		}
	}

	// A task that finished without a stored terminal event has nothing
	// more to say once the pending live events are flushed.
	finished := false
	if task, err := s.tasks.Get(r.Context(), id); err == nil && task.Status.Terminal() {
		finished = true
	}
	if live == nil {
		closeStream(conn, "no live events")
		return
	}

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		if finished && len(live) == 0 {
			closeStream(conn, "task finished")
			return
		}
		select {
		case <-r.Context().Done():
			closeStream(conn, "server shutting down")
			return
		case <-gone:
			logger.Debug("task event stream closed by client")
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		case e, ok := <-live:
			if !ok {
				return
			}
			if e.TaskID != id {
				continue
			}
			if _, dup := seen[eventKey(e)]; dup {
				continue
			}
			if err := writeEvent(conn, e); err != nil {
				logger.Debug("task event write failed", "error", err)
				return
			}
			if e.Terminal() {
				closeStream(conn, "task finished")
				return
			}
		}
	}
}

// eventKey identifies an event across the stored and live paths.
func eventKey(e events.Event) string {
	return e.Type + "|" + database.FormatTime(e.Timestamp)
}

func writeEvent(conn *websocket.Conn, e events.Event) error {
	conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return conn.WriteJSON(e)
}

func closeStream(conn *websocket.Conn, reason string) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteWait))
}
