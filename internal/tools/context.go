package tools

import "context"

type contextKey string

const (
	conversationIDKey contextKey = "conversation_id"
	userIDKey         contextKey = "user_id"
	toolCallIDKey     contextKey = "tool_call_id"
)

// WithConversationID adds the conversation ID to the context.
func WithConversationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, conversationIDKey, id)
}

// ConversationIDFromContext extracts the conversation ID from the
// context. Returns "" if not set.
func ConversationIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(conversationIDKey).(string)
	return id
}

// WithUserID adds the caller identity to the context. Background tools
// need it to submit tasks.
func WithUserID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, userIDKey, id)
}

// UserIDFromContext extracts the caller identity. Returns "" if not set.
func UserIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(userIDKey).(string)
	return id
}

// WithToolCallID adds the current tool call ID to the context.
func WithToolCallID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, toolCallIDKey, id)
}

// ToolCallIDFromContext extracts the tool call ID. Returns "" if not set.
func ToolCallIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(toolCallIDKey).(string)
	return id
}
