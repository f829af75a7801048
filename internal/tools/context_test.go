package tools

import (
	"context"
	"testing"
)

func TestContextValues(t *testing.T) {
	tests := []struct {
		name string
		ctx  context.Context
		get  func(context.Context) string
		want string
	}{
		{"conversation unset", context.Background(), ConversationIDFromContext, ""},
		{"conversation round trip", WithConversationID(context.Background(), "conv-123"), ConversationIDFromContext, "conv-123"},
		{"user unset", context.Background(), UserIDFromContext, ""},
		{"user round trip", WithUserID(context.Background(), "tok-abc"), UserIDFromContext, "tok-abc"},
		{"tool call unset", context.Background(), ToolCallIDFromContext, ""},
		{"tool call round trip", WithToolCallID(context.Background(), "call_xyz"), ToolCallIDFromContext, "call_xyz"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.get(tt.ctx); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}
