// Package queue is the durable background task queue and its worker.
// Long-running tool work is enqueued here so the request path stays
// fast; tasks run at least once, with retries, lease-based stall
// detection and cooperative cancellation.
package queue

import (
	"encoding/json"
	"errors"
	"time"
)

// Status is a task lifecycle state.
type Status string

// Task states.
const (
	StatusQueued      Status = "queued"
	StatusRunning     Status = "running"
	StatusCompleted   Status = "completed"
	StatusErrored     Status = "errored"
	StatusCancelled   Status = "cancelled"
	StatusUncompleted Status = "uncompleted"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusErrored, StatusCancelled, StatusUncompleted:
		return true
	}
	return false
}

// failedStatuses count against the failed retention budget.
var failedStatuses = []Status{StatusErrored, StatusUncompleted, StatusCancelled}

// allowedTransitions lists every legal state change. running -> queued
// is the internal retry path; running -> running is a stalled task
// reclaimed after its lease expired.
var allowedTransitions = map[Status]map[Status]struct{}{
	StatusQueued: {
		StatusRunning:   {},
		StatusCancelled: {},
	},
	StatusRunning: {
		StatusRunning:     {},
		StatusQueued:      {},
		StatusCompleted:   {},
		StatusErrored:     {},
		StatusCancelled:   {},
		StatusUncompleted: {},
	},
}

func canTransition(from, to Status) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

var (
	// ErrNotFound is returned for unknown task ids.
	ErrNotFound = errors.New("task not found")

	// ErrValidation marks a task that can never run as submitted. It is
	// never retried.
	ErrValidation = errors.New("invalid task")

	// ErrFinished is returned when cancelling a task that already
	// reached a terminal state.
	ErrFinished = errors.New("task already finished")
)

// Payload is the wire form of a task submission.
type Payload struct {
	TaskID           string          `json:"taskId"`
	ToolName         string          `json:"toolName"`
	Arguments        json.RawMessage `json:"arguments"`
	SettingsSnapshot map[string]any  `json:"settingsSnapshot,omitempty"`
	UserID           string          `json:"userId"`
	ConversationID   string          `json:"conversationId,omitempty"`
	MaxTokens        *int            `json:"maxTokens,omitempty"`
	Sections         []string        `json:"sections,omitempty"`
}

// Task is a unit of background work.
type Task struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	Status         Status     `json:"status"`
	ToolName       string     `json:"tool_name"`
	UserID         string     `json:"user_id"`
	ConversationID string     `json:"conversation_id,omitempty"`
	Payload        Payload    `json:"payload"`
	IdempotencyKey string     `json:"idempotency_key"`
	CreatedAt      time.Time  `json:"created_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	RuntimeMs      *int64     `json:"runtime_ms,omitempty"`
	ErrorMessage   string     `json:"error_message,omitempty"`

	MessageCount  int `json:"message_count"`
	ToolCallCount int `json:"tool_call_count"`
	TokensIn      int `json:"tokens_in"`
	TokensOut     int `json:"tokens_out"`

	Archived   bool       `json:"archived"`
	ArchivedAt *time.Time `json:"archived_at,omitempty"`

	AttemptsMade    int        `json:"attempts_made"`
	MaxAttempts     int        `json:"max_attempts"`
	AvailableAt     time.Time  `json:"available_at"`
	LeaseOwner      string     `json:"lease_owner,omitempty"`
	LeaseExpiresAt  *time.Time `json:"lease_expires_at,omitempty"`
	CancelRequested bool       `json:"cancel_requested"`
}

// ListOptions filters List. Zero values mean no filter; Limit 0 means
// 100.
type ListOptions struct {
	Statuses        []Status
	UserID          string
	ConversationID  string
	IncludeArchived bool
	Limit           int
}

// PruneResult reports what Prune did.
type PruneResult struct {
	Archived int
	Deleted  int
}

// permanentError wraps an error that must not be retried.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not retryable: the task fails immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err must not be retried.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p) || errors.Is(err, ErrValidation)
}
