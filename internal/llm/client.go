package llm

import "context"

// Client is the transport to a completion endpoint.
type Client interface {
	// Chat sends one non-streaming completion request.
	Chat(ctx context.Context, model string, messages []Message, tools []ToolDef) (*ChatResponse, error)

	// Ping checks if the endpoint is reachable.
	Ping(ctx context.Context) error
}
