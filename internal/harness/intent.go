// Package harness holds the four stages of a turn: intent (the bounded
// tool-use loop), memory (recall and memorize), response (synthesis) and
// utility (follow-up jobs on the background queue).
package harness

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nugget/bernard/internal/events"
	"github.com/nugget/bernard/internal/llm"
	"github.com/nugget/bernard/internal/tools"
)

// DegradeMaxIterations is the degrade reason when the intent loop hits
// its iteration cap.
const DegradeMaxIterations = "max_iterations"

// fallbackText is the reply when the loop ends without any usable
// assistant text.
const fallbackText = "I wasn't able to finish working that out. Could you try asking again, perhaps more specifically?"

// ModelCaller performs model calls. *llm.Caller implements it.
type ModelCaller interface {
	Call(ctx context.Context, req llm.CallRequest) (*llm.CallResult, error)
}

// ToolExecutor advertises and runs tools. *tools.Registry implements it.
type ToolExecutor interface {
	Definitions() []llm.ToolDef
	Execute(ctx context.Context, name string, args json.RawMessage) (string, error)
}

// EventRecorder receives progress events. *queue.ExecContext implements
// it for background runs; the orchestrator adapts the event bus.
type EventRecorder interface {
	RecordEvent(ctx context.Context, e events.Event)
}

// State is a step of the intent loop.
type State int

// Intent loop states.
const (
	StateAwaitingModel State = iota
	StateExecutingTools
	StateDone
)

func (s State) String() string {
	switch s {
	case StateAwaitingModel:
		return "awaiting_model"
	case StateExecutingTools:
		return "executing_tools"
	case StateDone:
		return "done"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// IntentConfig bounds the loop.
type IntentConfig struct {
	// MaxIterations caps model calls per turn. Default: 4.
	MaxIterations int
}

// IntentRequest is one run of the loop.
type IntentRequest struct {
	Model     string
	Messages  []llm.Message
	Recording *llm.Recording
	// Events is optional.
	Events EventRecorder
}

// IntentResult is what the loop produced. Messages holds only the new
// messages (assistant tool-call turns, tool results and the final
// assistant message), in order.
type IntentResult struct {
	Text          string
	Messages      []llm.Message
	Iterations    int
	ToolCalls     int
	Usage         llm.Usage
	Model         string
	Degraded      bool
	DegradeReason string
}

// Intent runs the tool-use loop as an explicit state machine.
type Intent struct {
	caller ModelCaller
	tools  ToolExecutor
	cfg    IntentConfig
	logger *slog.Logger
}

// NewIntent creates the intent harness.
func NewIntent(caller ModelCaller, registry ToolExecutor, cfg IntentConfig, logger *slog.Logger) *Intent {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 4
	}
	return &Intent{
		caller: caller,
		tools:  registry,
		cfg:    cfg,
		logger: logger.With("component", "intent"),
	}
}

// Run drives the loop until the model answers without tool calls or the
// iteration cap is reached. Tool failures are fed back to the model as
// tool messages. A model call error ends the loop and is returned along
// with whatever was produced so far.
func (h *Intent) Run(ctx context.Context, req IntentRequest) (*IntentResult, error) {
	history := append([]llm.Message(nil), req.Messages...)
	res := &IntentResult{Model: req.Model}

	var defs []llm.ToolDef
	if h.tools != nil {
		defs = h.tools.Definitions()
	}

	var pending []llm.ToolCall
	state := StateAwaitingModel

	for state != StateDone {
		switch state {
		case StateAwaitingModel:
			if res.Iterations >= h.cfg.MaxIterations {
				h.logger.Warn("intent max iterations reached",
					"max_iter", h.cfg.MaxIterations,
					"tool_calls", res.ToolCalls,
				)
				res.Degraded = true
				res.DegradeReason = DegradeMaxIterations
				res.Text = bestText(res.Messages)
				state = StateDone
				continue
			}
			if err := ctx.Err(); err != nil {
				return res, fmt.Errorf("intent cancelled: %w", err)
			}

			res.Iterations++
			msg, err := h.callModel(ctx, req, history, defs, res)
			if err != nil {
				return res, err
			}

			history = append(history, msg)
			res.Messages = append(res.Messages, msg)
			if len(msg.ToolCalls) == 0 {
				res.Text = msg.Content
				if res.Text == "" {
					res.Text = bestText(res.Messages)
				}
				state = StateDone
				continue
			}
			pending = msg.ToolCalls
			state = StateExecutingTools

		case StateExecutingTools:
			for _, tc := range pending {
				tm := h.executeTool(ctx, req, tc, res.Iterations)
				history = append(history, tm)
				res.Messages = append(res.Messages, tm)
				res.ToolCalls++
			}
			pending = nil
			state = StateAwaitingModel
		}
	}

	return res, nil
}

// callModel performs one iteration's model call and returns the
// assistant message with tool calls normalized.
func (h *Intent) callModel(ctx context.Context, req IntentRequest, history []llm.Message, defs []llm.ToolDef, res *IntentResult) (llm.Message, error) {
	emit(ctx, req.Events, events.TypeLLMCallStart, map[string]any{
		"model":     req.Model,
		"stage":     string(llm.StageIntent),
		"iteration": res.Iterations,
	})

	iterStart := time.Now()
	result, err := h.caller.Call(ctx, llm.CallRequest{
		Model:     req.Model,
		Messages:  history,
		Tools:     defs,
		Stage:     llm.StageIntent,
		Recording: req.Recording,
	})
	if err != nil {
		return llm.Message{}, fmt.Errorf("intent model call failed (iter %d): %w", res.Iterations, err)
	}

	if result.Model != "" {
		res.Model = result.Model
	}
	res.Usage = res.Usage.Add(result.Usage)

	msg := result.Message()
	if len(msg.ToolCalls) == 0 {
		// Some models write the call into the text instead.
		if calls := llm.ParseTextToolCalls(msg.Content); len(calls) > 0 {
			msg.ToolCalls = calls
			msg.Content = ""
		}
	}

	emit(ctx, req.Events, events.TypeLLMCallComplete, map[string]any{
		"model":      res.Model,
		"stage":      string(llm.StageIntent),
		"iteration":  res.Iterations,
		"tokens_in":  result.Usage.In,
		"tokens_out": result.Usage.Out,
		"latency_ms": time.Since(iterStart).Milliseconds(),
		"tool_calls": len(msg.ToolCalls),
	})

	h.logger.Debug("intent llm response",
		"iter", res.Iterations,
		"model", res.Model,
		"tool_calls", len(msg.ToolCalls),
		"elapsed", time.Since(iterStart).Round(time.Millisecond),
	)
	return msg, nil
}

// executeTool runs one call. Every failure becomes the tool message
// content so the model can react to it.
func (h *Intent) executeTool(ctx context.Context, req IntentRequest, tc llm.ToolCall, iter int) llm.Message {
	emit(ctx, req.Events, events.TypeToolCallStart, map[string]any{
		"tool":    tc.Name,
		"call_id": tc.ID,
	})

	toolStart := time.Now()
	var result string
	var err error
	if h.tools == nil {
		err = fmt.Errorf("%w: %s", tools.ErrUnknownTool, tc.Name)
	} else {
		result, err = h.tools.Execute(tools.WithToolCallID(ctx, tc.ID), tc.Name, tc.Arguments)
	}
	if err != nil {
		result = "Error: " + err.Error()
		h.logger.Warn("tool exec failed",
			"iter", iter,
			"tool", tc.Name,
			"error", err,
		)
	} else {
		h.logger.Debug("tool exec done",
			"iter", iter,
			"tool", tc.Name,
			"result_len", len(result),
			"elapsed", time.Since(toolStart).Round(time.Millisecond),
		)
	}

	emit(ctx, req.Events, events.TypeToolCallComplete, map[string]any{
		"tool":        tc.Name,
		"call_id":     tc.ID,
		"ok":          err == nil,
		"duration_ms": time.Since(toolStart).Milliseconds(),
	})

	return llm.Message{
		Role:       llm.RoleTool,
		Content:    result,
		ToolCallID: tc.ID,
	}
}

// bestText returns the last non-empty assistant content, or the fixed
// fallback.
func bestText(msgs []llm.Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == llm.RoleAssistant && msgs[i].Content != "" {
			return msgs[i].Content
		}
	}
	return fallbackText
}

func emit(ctx context.Context, rec EventRecorder, typ string, data map[string]any) {
	if rec == nil {
		return
	}
	rec.RecordEvent(ctx, events.Event{Type: typ, Data: data})
}
