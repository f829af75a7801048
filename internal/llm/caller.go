package llm

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/nugget/bernard/internal/usage"
)

// Stage names the pipeline step a model call belongs to.
type Stage string

// Pipeline stages.
const (
	StageIntent   Stage = "intent"
	StageResponse Stage = "response"
	StageSummary  Stage = "summary"
	StageDedup    Stage = "dedup"
	StageUtility  Stage = "utility"
)

// Recording identifies where a call's trace belongs. A nil Recording
// means the call is not traced into a conversation.
type Recording struct {
	ConversationID string
	RequestID      string
	TurnID         string
	TaskID         string
}

// CallRequest is one model call.
type CallRequest struct {
	Model     string
	Messages  []Message
	Tools     []ToolDef
	Stage     Stage
	Recording *Recording

	// Timeout replaces the caller's per-call deadline when positive.
	Timeout time.Duration
}

// CallResult is a completed model call.
type CallResult struct {
	Model     string
	Text      string
	ToolCalls []ToolCall
	Usage     Usage
	Latency   time.Duration
}

// Message returns the result as an assistant message.
func (r *CallResult) Message() Message {
	return Message{Role: RoleAssistant, Content: r.Text, ToolCalls: r.ToolCalls}
}

// CallRecord is the trace of one model call, persisted by the ledger.
type CallRecord struct {
	Model               string
	Stage               Stage
	Context             []Message
	Result              Message
	Error               string
	StartedAt           time.Time
	LatencyMs           int64
	Tokens              Usage
	RequestID           string
	TurnID              string
	ContextLimit        int
	ContentPreviewChars int
}

// TraceRecorder persists call traces. The conversation ledger
// implements it.
type TraceRecorder interface {
	RecordLLMCall(ctx context.Context, conversationID string, rec CallRecord) error
}

// UsageRecorder persists billing rows. *usage.Store implements it.
type UsageRecorder interface {
	Record(ctx context.Context, rec usage.Record) error
}

// CallerConfig configures a Caller.
type CallerConfig struct {
	Timeout             time.Duration
	ContextLimit        int
	ContentPreviewChars int
}

// Caller wraps a Client with a hard per-call deadline, usage
// normalization, trace recording and billing.
type Caller struct {
	client Client
	cfg    CallerConfig
	traces TraceRecorder
	usage  UsageRecorder
	logger *slog.Logger
}

// NewCaller creates a Caller. traces and usage may be nil.
func NewCaller(client Client, cfg CallerConfig, traces TraceRecorder, usage UsageRecorder, logger *slog.Logger) *Caller {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.ContextLimit <= 0 {
		cfg.ContextLimit = 20
	}
	if cfg.ContentPreviewChars <= 0 {
		cfg.ContentPreviewChars = 2000
	}
	return &Caller{
		client: client,
		cfg:    cfg,
		traces: traces,
		usage:  usage,
		logger: logger.With("component", "caller"),
	}
}

// Timeout returns the per-call deadline.
func (c *Caller) Timeout() time.Duration {
	return c.cfg.Timeout
}

// Call performs one model call. It never outlives its deadline: if the
// transport ignores cancellation the in-flight result is abandoned and a
// *TimeoutError is returned.
func (c *Caller) Call(ctx context.Context, req CallRequest) (*CallResult, error) {
	timeout := c.cfg.Timeout
	if req.Timeout > 0 {
		timeout = req.Timeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		resp *ChatResponse
		err  error
	}
	done := make(chan outcome, 1)
	started := time.Now()

	go func() {
		resp, err := c.client.Chat(callCtx, req.Model, req.Messages, req.Tools)
		done <- outcome{resp, err}
	}()

	var resp *ChatResponse
	var err error
	select {
	case o := <-done:
		resp, err = o.resp, o.err
	case <-callCtx.Done():
	}
	latency := time.Since(started)

	// Deadline of our own making, not the caller's cancellation.
	if ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) && (resp == nil || err != nil) {
		err = &TimeoutError{Duration: timeout, Stage: req.Stage}
	} else if resp == nil && err == nil {
		err = ctx.Err()
	}

	result := &CallResult{Model: req.Model, Latency: latency}
	if err == nil {
		if resp.Model != "" {
			result.Model = resp.Model
		}
		result.Text = resp.Message.Content
		result.ToolCalls = resp.Message.ToolCalls
		result.Usage = resp.Usage
	}

	c.logger.Debug("model call",
		"model", result.Model,
		"stage", req.Stage,
		"messages", len(req.Messages),
		"tools", len(req.Tools),
		"tool_calls", len(result.ToolCalls),
		"tokens_in", result.Usage.In,
		"tokens_out", result.Usage.Out,
		"elapsed", latency.Round(time.Millisecond),
		"error", err,
	)

	c.record(ctx, req, result, started, err)

	if err != nil {
		return nil, err
	}
	return result, nil
}

// record writes the trace and billing row. Failures are logged only;
// they never change the call's outcome.
func (c *Caller) record(ctx context.Context, req CallRequest, result *CallResult, started time.Time, callErr error) {
	// The trace must land even when the call's own context expired.
	ctx = context.WithoutCancel(ctx)
	rec := req.Recording

	if c.traces != nil && rec != nil && rec.ConversationID != "" {
		cr := CallRecord{
			Model:               result.Model,
			Stage:               req.Stage,
			Context:             req.Messages,
			Result:              result.Message(),
			StartedAt:           started,
			LatencyMs:           result.Latency.Milliseconds(),
			Tokens:              result.Usage,
			RequestID:           rec.RequestID,
			TurnID:              rec.TurnID,
			ContextLimit:        c.cfg.ContextLimit,
			ContentPreviewChars: c.cfg.ContentPreviewChars,
		}
		if callErr != nil {
			cr.Error = callErr.Error()
		}
		if err := c.traces.RecordLLMCall(ctx, rec.ConversationID, cr); err != nil {
			c.logger.Warn("failed to record model call trace",
				"conversation_id", rec.ConversationID,
				"error", err,
			)
		}
	}

	if c.usage != nil && callErr == nil {
		ur := usage.Record{
			Timestamp:        started,
			Model:            result.Model,
			Stage:            string(req.Stage),
			InputTokens:      result.Usage.In,
			OutputTokens:     result.Usage.Out,
			CacheReadTokens:  result.Usage.CacheRead,
			CacheWriteTokens: result.Usage.CacheWrite,
		}
		if rec != nil {
			ur.ConversationID = rec.ConversationID
			ur.RequestID = rec.RequestID
			ur.TurnID = rec.TurnID
			ur.TaskID = rec.TaskID
		}
		if err := c.usage.Record(ctx, ur); err != nil {
			c.logger.Warn("failed to record usage", "error", err)
		}
	}
}
