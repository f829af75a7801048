// Package api implements the OpenAI-compatible HTTP API.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/nugget/bernard/internal/buildinfo"
	"github.com/nugget/bernard/internal/events"
	"github.com/nugget/bernard/internal/ledger"
	"github.com/nugget/bernard/internal/orchestrator"
	"github.com/nugget/bernard/internal/queue"
)

// healthTimeout bounds each backend probe on /health.
const healthTimeout = 3 * time.Second

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// TurnRunner answers chat turns. *orchestrator.Orchestrator implements it.
type TurnRunner interface {
	RunTurn(ctx context.Context, req orchestrator.TurnRequest) (*orchestrator.Reply, error)
}

// TaskStore is the task queue surface the API reads. *queue.Queue
// implements it.
type TaskStore interface {
	Get(ctx context.Context, id string) (*queue.Task, error)
	List(ctx context.Context, opts queue.ListOptions) ([]queue.Task, error)
	Cancel(ctx context.Context, id string) (*queue.Task, error)
	Events(ctx context.Context, taskID string) ([]events.Event, error)
}

// ConversationStore is the ledger surface the API reads. *ledger.Ledger
// implements it.
type ConversationStore interface {
	ListConversations(ctx context.Context, opts ledger.ListOptions) ([]ledger.Conversation, error)
	GetConversation(ctx context.Context, id string) (*ledger.Conversation, error)
	History(ctx context.Context, id string) ([]ledger.Message, error)
}

// HealthCheck probes one backend.
type HealthCheck func(ctx context.Context) error

// Server is the HTTP API server.
type Server struct {
	address string
	port    int
	models  []string
	turns   TurnRunner
	logger  *slog.Logger
	server  *http.Server

	tasks         TaskStore
	bus           *events.Bus
	conversations ConversationStore

	checksMu sync.RWMutex
	checks   map[string]HealthCheck
}

// NewServer creates a new API server. models are advertised on
// /v1/models, the first being the default.
func NewServer(address string, port int, models []string, turns TurnRunner, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address: address,
		port:    port,
		models:  models,
		turns:   turns,
		logger:  logger.With("component", "api"),
		checks:  make(map[string]HealthCheck),
	}
}

// SetTasks enables the task endpoints. bus feeds live events to
// WebSocket subscribers and may be nil.
func (s *Server) SetTasks(tasks TaskStore, bus *events.Bus) {
	s.tasks = tasks
	s.bus = bus
}

// SetConversations enables the conversation history endpoints.
func (s *Server) SetConversations(c ConversationStore) {
	s.conversations = c
}

// AddHealthCheck registers a backend probed by /health.
func (s *Server) AddHealthCheck(name string, check HealthCheck) {
	s.checksMu.Lock()
	defer s.checksMu.Unlock()
	s.checks[name] = check
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// OpenAI-compatible endpoints
	mux.HandleFunc("POST /v1/chat/completions", s.handleChatCompletions)
	mux.HandleFunc("GET /v1/models", s.handleModels)

	// Health endpoints
	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /{$}", s.handleRoot)

	// Background tasks
	mux.HandleFunc("GET /v1/tasks", s.handleTaskList)
	mux.HandleFunc("GET /v1/tasks/{id}", s.handleTaskGet)
	mux.HandleFunc("POST /v1/tasks/{id}/cancel", s.handleTaskCancel)
	mux.HandleFunc("GET /v1/tasks/{id}/events", s.handleTaskEvents)

	// Conversation history
	mux.HandleFunc("GET /v1/conversations", s.handleConversationList)
	mux.HandleFunc("GET /v1/conversations/{id}", s.handleConversationGet)

	return s.withLogging(mux)
}

// Start begins serving HTTP requests. It blocks until Shutdown.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:     s.Handler(),
		ReadTimeout: 30 * time.Second,
		// Turns may run several model calls; WebSocket streams manage
		// their own write deadlines.
		WriteTimeout: 0,
		BaseContext:  func(_ net.Listener) context.Context { return ctx },
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":    "Bernard",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Current(), s.logger)
}

// HealthReport is the /health body. Status is "ok" when every backend
// answers and "degraded" otherwise.
type HealthReport struct {
	Status   string            `json:"status"`
	Services map[string]string `json:"services"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.checksMu.RLock()
	checks := make(map[string]HealthCheck, len(s.checks))
	for name, c := range s.checks {
		checks[name] = c
	}
	s.checksMu.RUnlock()

	report := HealthReport{Status: "ok", Services: make(map[string]string, len(checks))}
	var mu sync.Mutex
	var wg sync.WaitGroup
	for name, check := range checks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
			defer cancel()
			status := "up"
			if err := check(ctx); err != nil {
				status = "down (" + err.Error() + ")"
			}
			mu.Lock()
			report.Services[name] = status
			mu.Unlock()
		}()
	}
	wg.Wait()

	for name, status := range report.Services {
		if status != "up" {
			report.Status = "degraded"
			s.logger.Warn("backend unhealthy", "service", name, "status", status)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, report, s.logger)
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	// OpenAI-compatible models list
	created := buildinfo.StartTime().Unix()
	names := append([]string(nil), s.models...)
	if len(names) > 1 {
		sort.Strings(names[1:])
	}
	data := make([]map[string]any, 0, len(names))
	for _, name := range names {
		data = append(data, map[string]any{
			"id":       name,
			"object":   "model",
			"created":  created,
			"owned_by": "bernard",
		})
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"object": "list", "data": data}, s.logger)
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	errType := "invalid_request_error"
	if code >= 500 {
		errType = "server_error"
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"type":    errType,
			"code":    code,
		},
	}, s.logger)
}
