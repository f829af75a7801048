// Package ledger is the durable conversation ledger: conversations,
// turns and their append-only messages, including traces of every model
// call. It decides which conversation a request belongs to and closes
// idle conversations after summarizing them.
package ledger

import (
	"errors"
	"time"

	"github.com/nugget/bernard/internal/llm"
)

// Conversation statuses.
const (
	StatusOpen   = "open"
	StatusClosed = "closed"
)

// CloseReasonIdle is recorded when the sweeper closes a conversation.
const CloseReasonIdle = "idle"

// TraceType is the metadata type of model-call trace messages.
const TraceType = "llm_call"

var (
	// ErrNotFound is returned for unknown conversations.
	ErrNotFound = errors.New("conversation not found")

	// ErrClosed is returned when appending dialogue to a closed
	// conversation. Resolving it again reopens it.
	ErrClosed = errors.New("conversation is closed")

	// ErrGhostLocked is returned when clearing the ghost flag of a
	// closed ghost conversation. Ghost and closed is terminal.
	ErrGhostLocked = errors.New("closed ghost conversation cannot be un-ghosted")
)

// Flags are content markers set by summarization.
type Flags struct {
	Explicit     bool `json:"explicit"`
	Forbidden    bool `json:"forbidden"`
	SummaryError bool `json:"summary_error"`
}

// Conversation is a thread of turns for one or more caller tokens.
type Conversation struct {
	ID            string     `json:"id"`
	Status        string     `json:"status"`
	Ghost         bool       `json:"ghost"`
	Title         string     `json:"title,omitempty"`
	StartedAt     time.Time  `json:"started_at"`
	LastTouchedAt time.Time  `json:"last_touched_at"`
	ClosedAt      *time.Time `json:"closed_at,omitempty"`
	CloseReason   string     `json:"close_reason,omitempty"`
	CallerTokens  []string   `json:"caller_tokens"`

	MessageCount  int `json:"message_count"`
	ToolCallCount int `json:"tool_call_count"`
	ErrorCount    int `json:"error_count"`

	Summary             string   `json:"summary,omitempty"`
	SummaryErrorMessage string   `json:"summary_error_message,omitempty"`
	Tags                []string `json:"tags"`
	Keywords            []string `json:"keywords"`
	PlaceTags           []string `json:"place_tags"`
	Flags               Flags    `json:"flags"`
}

// Open reports whether the conversation is accepting turns.
func (c *Conversation) Open() bool {
	return c.Status == StatusOpen
}

// Turn is one inbound message and the work it caused.
type Turn struct {
	ID             string    `json:"id"`
	RequestID      string    `json:"request_id"`
	ConversationID string    `json:"conversation_id"`
	CallerToken    string    `json:"caller_token"`
	Model          string    `json:"model"`
	StartedAt      time.Time `json:"started_at"`
}

// TokenDeltas are the tokens a message cost.
type TokenDeltas struct {
	In  int `json:"in"`
	Out int `json:"out"`
}

// Message is an append-only ledger entry.
type Message struct {
	ID          string         `json:"id"`
	TurnID      string         `json:"turn_id,omitempty"`
	Role        string         `json:"role"`
	Content     string         `json:"content"`
	CreatedAt   time.Time      `json:"created_at"`
	TokenDeltas *TokenDeltas   `json:"token_deltas,omitempty"`
	ToolCalls   []llm.ToolCall `json:"tool_calls,omitempty"`
	ToolCallID  string         `json:"tool_call_id,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// IsTrace reports whether m records a model call rather than dialogue.
func (m *Message) IsTrace() bool {
	if m.Role != llm.RoleSystem || m.Metadata == nil {
		return false
	}
	t, _ := m.Metadata["type"].(string)
	return t == TraceType
}

// LLM converts a dialogue message into model input.
func (m *Message) LLM() llm.Message {
	return llm.Message{Role: m.Role, Content: m.Content, ToolCalls: m.ToolCalls, ToolCallID: m.ToolCallID}
}

// Summary is the outcome of summarizing a conversation. A failed
// summarization still produces a Summary, with Flags.SummaryError set
// and Error describing the failure.
type Summary struct {
	Summary  string   `json:"summary"`
	Tags     []string `json:"tags"`
	Keywords []string `json:"keywords"`
	Places   []string `json:"places"`
	Flags    Flags    `json:"flags"`
	Error    string   `json:"error,omitempty"`
}

// StartParams identifies the conversation an inbound request targets.
type StartParams struct {
	Token          string
	Model          string
	ConversationID string // optional explicit target
	Ghost          bool
}

// RequestRef is the result of StartRequest.
type RequestRef struct {
	RequestID      string
	ConversationID string
	Created        bool
}

// ListOptions filters ListConversations. With no Include* set, open and
// closed non-ghost conversations are listed.
type ListOptions struct {
	IncludeOpen   bool
	IncludeClosed bool
	IncludeGhost  bool
	Limit         int
}

// Closure is the terminal state written by a guarded close.
type Closure struct {
	ClosedAt time.Time
	Reason   string
	Summary  *Summary // nil for ghost conversations
}
