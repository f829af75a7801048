package harness

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nugget/bernard/internal/llm"
	"github.com/nugget/bernard/internal/prompts"
)

// clearedPlaceholder replaces the content of tool-use messages removed
// by the context-editing policy.
const clearedPlaceholder = "[tool output cleared to save context]"

// ResponseConfig is the context-editing policy applied before
// synthesis.
type ResponseConfig struct {
	// TriggerTokens starts clearing at this estimated size. Default: 50000.
	TriggerTokens int
	// TriggerMessages starts clearing at this many messages. Default: 50.
	TriggerMessages int
	// KeepMessages is how many recent messages are never cleared.
	// Default: 20.
	KeepMessages int
}

func (c *ResponseConfig) applyDefaults() {
	if c.TriggerTokens <= 0 {
		c.TriggerTokens = 50000
	}
	if c.TriggerMessages <= 0 {
		c.TriggerMessages = 50
	}
	if c.KeepMessages <= 0 {
		c.KeepMessages = 20
	}
}

// SynthesisRequest is the input to Synthesize. History is the full
// model context including the intent loop's messages.
type SynthesisRequest struct {
	Model     string
	History   []llm.Message
	Intent    *IntentResult
	Recalled  []RecallItem
	Recording *llm.Recording
}

// Synthesis is the final reply. Synthesized is false when the intent
// loop's answer was used as is.
type Synthesis struct {
	Text        string
	Model       string
	Synthesized bool
	Cleared     int
	Usage       llm.Usage
}

// Response is the response harness.
type Response struct {
	caller ModelCaller
	cfg    ResponseConfig
	logger *slog.Logger
}

// NewResponse creates the response harness.
func NewResponse(caller ModelCaller, cfg ResponseConfig, logger *slog.Logger) *Response {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.applyDefaults()
	return &Response{caller: caller, cfg: cfg, logger: logger.With("component", "response")}
}

// Synthesize produces the reply. When the intent loop already answered,
// nothing was cleared and nothing was recalled, its answer is returned
// without another model call. Otherwise a tool-free call writes the
// reply from the edited context.
func (h *Response) Synthesize(ctx context.Context, req SynthesisRequest) (*Synthesis, error) {
	history, cleared := EditContext(req.History, h.cfg)

	if req.Intent != nil && !req.Intent.Degraded && req.Intent.Text != "" && cleared == 0 && len(req.Recalled) == 0 {
		return &Synthesis{Text: req.Intent.Text, Model: req.Intent.Model}, nil
	}

	msgs := append([]llm.Message(nil), history...)
	if len(req.Recalled) > 0 {
		facts := make([]string, 0, len(req.Recalled))
		for _, r := range req.Recalled {
			facts = append(facts, fmt.Sprintf("%s: %s", r.Label, r.Content))
		}
		msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: prompts.RecalledMemories(facts)})
	}
	msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: prompts.SynthesisInstruction()})

	result, err := h.caller.Call(ctx, llm.CallRequest{
		Model:     req.Model,
		Messages:  msgs,
		Stage:     llm.StageResponse,
		Recording: req.Recording,
	})
	if err != nil {
		return nil, fmt.Errorf("synthesis: %w", err)
	}

	h.logger.Debug("reply synthesized",
		"cleared", cleared,
		"recalled", len(req.Recalled),
		"messages", len(msgs),
		"tokens_out", result.Usage.Out,
	)
	return &Synthesis{
		Text:        result.Text,
		Model:       result.Model,
		Synthesized: true,
		Cleared:     cleared,
		Usage:       result.Usage,
	}, nil
}

// EditContext applies the context-editing policy. Once the history
// reaches either trigger, tool results and assistant tool-call turns
// older than the last KeepMessages have their content replaced and
// their call arguments emptied. System messages are never touched. The
// input slice is not modified.
func EditContext(history []llm.Message, cfg ResponseConfig) ([]llm.Message, int) {
	cfg.applyDefaults()
	if len(history) < cfg.TriggerMessages && EstimateTokens(history) < cfg.TriggerTokens {
		return history, 0
	}

	out := make([]llm.Message, len(history))
	copy(out, history)

	cleared := 0
	cutoff := len(out) - cfg.KeepMessages
	for i := 0; i < cutoff; i++ {
		m := out[i]
		switch {
		case m.Role == llm.RoleTool:
			m.Content = clearedPlaceholder
		case m.Role == llm.RoleAssistant && len(m.ToolCalls) > 0:
			calls := make([]llm.ToolCall, len(m.ToolCalls))
			for j, tc := range m.ToolCalls {
				calls[j] = llm.ToolCall{ID: tc.ID, Name: tc.Name, Arguments: json.RawMessage("{}")}
			}
			m.ToolCalls = calls
			m.Content = clearedPlaceholder
		default:
			continue
		}
		out[i] = m
		cleared++
	}
	return out, cleared
}

// EstimateTokens approximates the token count of msgs at four
// characters per token.
func EstimateTokens(msgs []llm.Message) int {
	chars := 0
	for _, m := range msgs {
		chars += len(m.Content)
		for _, tc := range m.ToolCalls {
			chars += len(tc.Name) + len(tc.Arguments)
		}
	}
	return chars / 4
}
