package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/nugget/bernard/internal/llm"
	"github.com/nugget/bernard/internal/orchestrator"
)

// maxRequestBody caps chat completion request bodies.
const maxRequestBody = 4 << 20

// ChatMessage is a reply message in the OpenAI wire format.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// InboundMessage is a request message. Content is either a string or
// an array of content parts.
type InboundMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// Text returns the message text, joining text parts.
func (m InboundMessage) Text() string {
	var s string
	if err := json.Unmarshal(m.Content, &s); err == nil {
		return s
	}
	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(m.Content, &parts); err != nil {
		return ""
	}
	var texts []string
	for _, p := range parts {
		if p.Type == "text" && p.Text != "" {
			texts = append(texts, p.Text)
		}
	}
	return strings.Join(texts, "\n")
}

// ChatCompletionRequest is the OpenAI-compatible request format, plus
// conversation_id and ghost for callers that manage conversations.
type ChatCompletionRequest struct {
	Model          string           `json:"model"`
	Messages       []InboundMessage `json:"messages"`
	Stream         bool             `json:"stream,omitempty"`
	User           string           `json:"user,omitempty"`
	ConversationID string           `json:"conversation_id,omitempty"`
	Ghost          bool             `json:"ghost,omitempty"`
}

// ChatCompletionResponse is the OpenAI-compatible response format.
type ChatCompletionResponse struct {
	ID             string   `json:"id"`
	Object         string   `json:"object"`
	Created        int64    `json:"created"`
	Model          string   `json:"model"`
	Choices        []Choice `json:"choices"`
	Usage          Usage    `json:"usage"`
	ConversationID string   `json:"conversation_id,omitempty"`
	Degraded       bool     `json:"degraded"`
	DegradeReason  string   `json:"degrade_reason,omitempty"`
}

// Choice represents a completion choice.
type Choice struct {
	Index        int         `json:"index"`
	Message      ChatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

// Usage represents token usage.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// callerToken identifies the caller: the bearer token when present,
// otherwise the request's user field.
func callerToken(r *http.Request, req *ChatCompletionRequest) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if token, ok := strings.CutPrefix(auth, "Bearer "); ok && strings.TrimSpace(token) != "" {
			return strings.TrimSpace(token)
		}
	}
	return strings.TrimSpace(req.User)
}

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var req ChatCompletionRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Stream {
		s.errorResponse(w, http.StatusBadRequest, "streaming is not supported")
		return
	}

	token := callerToken(r, &req)
	if token == "" {
		s.errorResponse(w, http.StatusUnauthorized, "caller token required (Authorization: Bearer or user)")
		return
	}

	msgs := make([]llm.Message, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch m.Role {
		case llm.RoleSystem, llm.RoleUser, llm.RoleAssistant:
			msgs = append(msgs, llm.Message{Role: m.Role, Content: m.Text()})
		}
	}

	reply, err := s.turns.RunTurn(r.Context(), orchestrator.TurnRequest{
		Token:          token,
		Model:          req.Model,
		Messages:       msgs,
		ConversationID: req.ConversationID,
		Ghost:          req.Ghost,
	})
	if errors.Is(err, orchestrator.ErrNoUserMessage) {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		s.logger.Error("turn failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "turn failed")
		return
	}

	id := reply.RequestID
	if id == "" {
		id = fmt.Sprintf("%d", time.Now().UnixNano())
	}
	completion := ChatCompletionResponse{
		ID:      "chatcmpl-" + id,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   reply.Model,
		Choices: []Choice{{
			Index:        0,
			Message:      ChatMessage{Role: llm.RoleAssistant, Content: reply.Text},
			FinishReason: "stop",
		}},
		Usage: Usage{
			PromptTokens:     reply.Usage.In,
			CompletionTokens: reply.Usage.Out,
			TotalTokens:      reply.Usage.In + reply.Usage.Out,
		},
		ConversationID: reply.ConversationID,
		Degraded:       reply.Degraded,
		DegradeReason:  reply.DegradeReason,
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, completion, s.logger)
}
