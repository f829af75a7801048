// Package llm talks to the external completion endpoint and defines the
// message and tool-call types the rest of Bernard passes around.
package llm

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// LevelTrace is below Debug, used for wire-level payload logging.
const LevelTrace = slog.Level(-8)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is a chat message in canonical form.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"` // set on role=tool replies
}

// ToolCall is the canonical tool invocation every provider shape is
// normalized into. Raw holds the original payload when some part of it
// could not be interpreted; it is diagnostic only.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
	Raw       json.RawMessage `json:"raw,omitempty"`
}

// ToolDef is a tool advertised to the model.
type ToolDef struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Usage is provider-neutral token accounting.
type Usage struct {
	In         int `json:"in"`
	Out        int `json:"out"`
	CacheRead  int `json:"cache_read,omitempty"`
	CacheWrite int `json:"cache_write,omitempty"`
}

// Add returns the sum of u and o.
func (u Usage) Add(o Usage) Usage {
	return Usage{
		In:         u.In + o.In,
		Out:        u.Out + o.Out,
		CacheRead:  u.CacheRead + o.CacheRead,
		CacheWrite: u.CacheWrite + o.CacheWrite,
	}
}

// ChatResponse is what a Client returns for one completion.
type ChatResponse struct {
	Model        string
	Message      Message
	FinishReason string
	Usage        Usage
}

// ErrTimeout is matched by every *TimeoutError via errors.Is.
var ErrTimeout = errors.New("model call timed out")

// TimeoutError reports a model call that exceeded its deadline.
type TimeoutError struct {
	Duration time.Duration
	Stage    Stage
}

func (e *TimeoutError) Error() string {
	if e.Stage != "" {
		return fmt.Sprintf("%s model call timed out after %s", e.Stage, e.Duration)
	}
	return fmt.Sprintf("model call timed out after %s", e.Duration)
}

// Is makes errors.Is(err, ErrTimeout) true.
func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

// APIError is a non-2xx answer from the completion endpoint.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error %d: %s", e.StatusCode, e.Body)
}
