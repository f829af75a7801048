package ledger

import (
	"context"
	"time"
)

// Store is the ledger's persistence layer: per-conversation records,
// per-turn records, caller-token membership and the listing index.
// Every method that changes more than one field does so atomically.
type Store interface {
	CreateConversation(ctx context.Context, c *Conversation) error
	GetConversation(ctx context.Context, id string) (*Conversation, error)

	// FindOpenForToken returns the most recently touched open
	// conversation with the given ghost flag that token has touched
	// since touchedAfter, or ErrNotFound.
	FindOpenForToken(ctx context.Context, token string, ghost bool, touchedAfter time.Time) (*Conversation, error)

	// Touch adds token to the caller set and sets lastTouchedAt. It
	// fails with ErrNotFound unless the conversation is open.
	Touch(ctx context.Context, id, token string, at time.Time) error

	// Reopen moves a closed, non-ghost conversation back to open and
	// touches it. It reports false when the guard did not match.
	Reopen(ctx context.Context, id, token string, at time.Time) (bool, error)

	// InsertTurn records a turn and counts its inbound message.
	InsertTurn(ctx context.Context, t *Turn) error
	Turns(ctx context.Context, conversationID string) ([]Turn, error)

	AppendMessage(ctx context.Context, conversationID string, m *Message) error
	Messages(ctx context.Context, conversationID string) ([]Message, error)

	IncrementErrors(ctx context.Context, id string) error

	// SetGhost changes the ghost flag. Clearing it on a closed ghost
	// conversation fails with ErrGhostLocked.
	SetGhost(ctx context.Context, id string, ghost bool) error
	SetTitle(ctx context.Context, id, title string) error

	ListConversations(ctx context.Context, opts ListOptions) ([]Conversation, error)

	// ListIdle returns open conversations last touched before cutoff.
	ListIdle(ctx context.Context, cutoff time.Time) ([]Conversation, error)

	// CloseConversation applies c only if the conversation is still open
	// and still untouched since cutoff. It reports whether it applied.
	CloseConversation(ctx context.Context, id string, cutoff time.Time, c Closure) (bool, error)

	Close() error
}
