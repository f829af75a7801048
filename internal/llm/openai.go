package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/nugget/bernard/internal/httpkit"
)

// OpenAIClient speaks the OpenAI-compatible chat completions protocol
// served by vLLM, llama.cpp, Ollama's /v1 surface and hosted APIs.
type OpenAIClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewOpenAIClient creates a client for baseURL (without the /v1 suffix).
// Request deadlines come from the caller's context.
func NewOpenAIClient(baseURL, apiKey string, logger *slog.Logger) *OpenAIClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &OpenAIClient{
		baseURL: strings.TrimSuffix(strings.TrimSuffix(baseURL, "/"), "/v1"),
		apiKey:  apiKey,
		logger:  logger.With("provider", "openai"),
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(0),
			httpkit.WithRetry(2, 250*time.Millisecond),
			httpkit.WithLogger(logger),
		),
	}
}

type wireRequest struct {
	Model    string        `json:"model"`
	Messages []wireMessage `json:"messages"`
	Tools    []wireTool    `json:"tools,omitempty"`
	Stream   bool          `json:"stream"`
}

type wireMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

type wireToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type wireTool struct {
	Type     string  `json:"type"`
	Function ToolDef `json:"function"`
}

type wireResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Role      string            `json:"role"`
			Content   *string           `json:"content"`
			ToolCalls []json.RawMessage `json:"tool_calls"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens        int `json:"prompt_tokens"`
		CompletionTokens    int `json:"completion_tokens"`
		PromptTokensDetails struct {
			CachedTokens int `json:"cached_tokens"`
		} `json:"prompt_tokens_details"`
		CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
	} `json:"usage"`
}

func toWireMessages(messages []Message) []wireMessage {
	out := make([]wireMessage, len(messages))
	for i, m := range messages {
		wm := wireMessage{Role: m.Role, Content: m.Content, ToolCallID: m.ToolCallID}
		for _, tc := range m.ToolCalls {
			var w wireToolCall
			w.ID = tc.ID
			w.Type = "function"
			w.Function.Name = tc.Name
			w.Function.Arguments = string(tc.Arguments)
			if w.Function.Arguments == "" {
				w.Function.Arguments = "{}"
			}
			wm.ToolCalls = append(wm.ToolCalls, w)
		}
		out[i] = wm
	}
	return out
}

func (r *wireResponse) toChatResponse() (*ChatResponse, error) {
	if len(r.Choices) == 0 {
		return nil, fmt.Errorf("response has no choices")
	}
	choice := r.Choices[0]

	msg := Message{Role: RoleAssistant}
	if choice.Message.Content != nil {
		msg.Content = *choice.Message.Content
	}
	msg.ToolCalls = NormalizeToolCalls(choice.Message.ToolCalls)

	// Some models write the call into the content instead of tool_calls.
	if len(msg.ToolCalls) == 0 && msg.Content != "" {
		if parsed := ParseTextToolCalls(msg.Content); len(parsed) > 0 {
			msg.ToolCalls = parsed
			msg.Content = ""
		}
	}

	return &ChatResponse{
		Model:        r.Model,
		Message:      msg,
		FinishReason: choice.FinishReason,
		Usage: Usage{
			In:         r.Usage.PromptTokens,
			Out:        r.Usage.CompletionTokens,
			CacheRead:  r.Usage.PromptTokensDetails.CachedTokens,
			CacheWrite: r.Usage.CacheCreationInputTokens,
		},
	}, nil
}

// Chat sends a chat completion request.
func (c *OpenAIClient) Chat(ctx context.Context, model string, messages []Message, tools []ToolDef) (*ChatResponse, error) {
	req := wireRequest{
		Model:    model,
		Messages: toWireMessages(messages),
	}
	for _, t := range tools {
		req.Tools = append(req.Tools, wireTool{Type: "function", Function: t})
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	c.logger.Log(ctx, LevelTrace, "completion request", "model", model, "body", string(body))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{StatusCode: resp.StatusCode, Body: httpkit.ReadErrorBody(resp.Body, 2048)}
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	var wire wireResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	c.logger.Log(ctx, LevelTrace, "completion response",
		"model", wire.Model,
		"choices", len(wire.Choices),
		"tokens_in", wire.Usage.PromptTokens,
		"tokens_out", wire.Usage.CompletionTokens,
	)

	out, err := wire.toChatResponse()
	if err != nil {
		return nil, err
	}
	if out.Model == "" {
		out.Model = model
	}
	return out, nil
}

// Ping checks the endpoint by listing its models.
func (c *OpenAIClient) Ping(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/models", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)
	if resp.StatusCode != http.StatusOK {
		return &APIError{StatusCode: resp.StatusCode}
	}
	return nil
}
