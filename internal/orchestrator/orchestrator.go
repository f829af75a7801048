// Package orchestrator runs one conversational turn: it records the
// inbound message, drives the intent and response harnesses, records the
// reply, and hands follow-up work to the utility harness.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/nugget/bernard/internal/events"
	"github.com/nugget/bernard/internal/harness"
	"github.com/nugget/bernard/internal/ledger"
	"github.com/nugget/bernard/internal/llm"
	"github.com/nugget/bernard/internal/prompts"
	"github.com/nugget/bernard/internal/tools"
)

// Degrade reasons reported on a Reply.
const (
	DegradeLedger    = "ledger_unavailable"
	DegradeIntent    = "intent_failed"
	DegradeSynthesis = "synthesis_failed"
)

// apologyText is the reply when no harness produced any text.
const apologyText = "Sorry, I ran into a problem answering that. Please try again."

// recallToolName is the memory tool whose results feed synthesis.
const recallToolName = "recall"

// ErrNoUserMessage is returned when a turn carries nothing to answer.
var ErrNoUserMessage = errors.New("request has no user message")

// Ledger is the conversation ledger surface a turn writes to.
// *ledger.Ledger implements it.
type Ledger interface {
	StartRequest(ctx context.Context, p ledger.StartParams) (ledger.RequestRef, error)
	StartTurn(ctx context.Context, requestID, conversationID, token, model string) (string, error)
	AppendMessage(ctx context.Context, conversationID string, m ledger.Message) error
	RecordError(ctx context.Context, conversationID, msg string) error
	History(ctx context.Context, id string) ([]ledger.Message, error)
}

// IntentRunner is the intent harness.
type IntentRunner interface {
	Run(ctx context.Context, req harness.IntentRequest) (*harness.IntentResult, error)
}

// Synthesizer is the response harness.
type Synthesizer interface {
	Synthesize(ctx context.Context, req harness.SynthesisRequest) (*harness.Synthesis, error)
}

// Dispatcher submits follow-up jobs. *harness.Utility implements it.
type Dispatcher interface {
	DispatchAll(ctx context.Context, jobs []harness.Job) []string
}

// Config holds orchestrator settings.
type Config struct {
	// DefaultModel answers turns that name no model.
	DefaultModel string

	// SystemPrompt replaces the built-in persona when set.
	SystemPrompt string

	// LedgerTimeout bounds each ledger write. Default: 5s.
	LedgerTimeout time.Duration

	// FollowUpTimeout bounds follow-up dispatch. Default: 30s.
	FollowUpTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.LedgerTimeout <= 0 {
		c.LedgerTimeout = 5 * time.Second
	}
	if c.FollowUpTimeout <= 0 {
		c.FollowUpTimeout = 30 * time.Second
	}
}

// TurnRequest is one inbound chat request.
type TurnRequest struct {
	Token          string
	Model          string
	Messages       []llm.Message
	ConversationID string
	Ghost          bool
}

// Reply is the outcome of a turn. A degraded reply is still a valid
// answer for the caller.
type Reply struct {
	Text           string    `json:"text"`
	Model          string    `json:"model"`
	ConversationID string    `json:"conversation_id,omitempty"`
	RequestID      string    `json:"request_id,omitempty"`
	TurnID         string    `json:"turn_id,omitempty"`
	Created        bool      `json:"created"`
	Degraded       bool      `json:"degraded"`
	DegradeReason  string    `json:"degrade_reason,omitempty"`
	ToolCalls      int       `json:"tool_calls"`
	Usage          llm.Usage `json:"usage"`
}

// Orchestrator runs turns.
type Orchestrator struct {
	ledger   Ledger
	intent   IntentRunner
	response Synthesizer
	utility  Dispatcher
	bus      *events.Bus
	cfg      Config
	logger   *slog.Logger

	followUps sync.WaitGroup
}

// New creates an orchestrator. utility and bus may be nil.
func New(l Ledger, intent IntentRunner, response Synthesizer, utility Dispatcher, bus *events.Bus, cfg Config, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.applyDefaults()
	return &Orchestrator{
		ledger:   l,
		intent:   intent,
		response: response,
		utility:  utility,
		bus:      bus,
		cfg:      cfg,
		logger:   logger.With("component", "orchestrator"),
	}
}

// turn carries the state of one RunTurn call.
type turn struct {
	req       TurnRequest
	model     string
	ref       ledger.RequestRef
	turnID    string
	recorded  bool
	recording *llm.Recording
	reply     *Reply

	synthesized bool
}

// RunTurn answers one inbound message. Only a request without a user
// message is an error; every other failure yields a degraded reply.
func (o *Orchestrator) RunTurn(ctx context.Context, req TurnRequest) (*Reply, error) {
	inbound, ok := lastUserMessage(req.Messages)
	if !ok {
		return nil, ErrNoUserMessage
	}

	t := &turn{req: req, model: req.Model}
	if t.model == "" {
		t.model = o.cfg.DefaultModel
	}
	t.reply = &Reply{Model: t.model}
	start := time.Now()

	o.begin(ctx, t)
	o.publish(t, events.TypeTurnStart, map[string]any{"model": t.model, "created": t.ref.Created})

	if t.recorded {
		o.write(ctx, t, "record user message", func(ctx context.Context) error {
			return o.ledger.AppendMessage(ctx, t.ref.ConversationID, ledger.Message{
				TurnID:  t.turnID,
				Role:    llm.RoleUser,
				Content: inbound.Content,
			})
		})
	}

	history := o.context(ctx, t)

	ctx = tools.WithConversationID(ctx, t.ref.ConversationID)
	ctx = tools.WithUserID(ctx, req.Token)

	o.answer(ctx, t, history)

	if t.reply.Text == "" {
		t.reply.Text = apologyText
		o.degrade(t, DegradeSynthesis)
	}

	if t.recorded {
		meta := map[string]any{"synthesized": t.synthesized}
		if t.reply.Degraded {
			meta["degraded"] = true
			meta["degrade_reason"] = t.reply.DegradeReason
		}
		o.write(ctx, t, "record reply", func(ctx context.Context) error {
			return o.ledger.AppendMessage(ctx, t.ref.ConversationID, ledger.Message{
				TurnID:      t.turnID,
				Role:        llm.RoleAssistant,
				Content:     t.reply.Text,
				TokenDeltas: &ledger.TokenDeltas{In: t.reply.Usage.In, Out: t.reply.Usage.Out},
				Metadata:    meta,
			})
		})
	}

	o.publish(t, events.TypeTurnComplete, map[string]any{
		"degraded":   t.reply.Degraded,
		"tool_calls": t.reply.ToolCalls,
		"tokens_in":  t.reply.Usage.In,
		"tokens_out": t.reply.Usage.Out,
		"elapsed_ms": time.Since(start).Milliseconds(),
	})

	o.logger.Info("turn complete",
		"conversation_id", t.ref.ConversationID,
		"request_id", t.ref.RequestID,
		"model", t.reply.Model,
		"tool_calls", t.reply.ToolCalls,
		"degraded", t.reply.Degraded,
		"elapsed", time.Since(start).Round(time.Millisecond),
	)

	o.followUp(ctx, t)
	return t.reply, nil
}

// begin resolves the conversation and opens the turn.
func (o *Orchestrator) begin(ctx context.Context, t *turn) {
	wctx, cancel := o.writeContext(ctx)
	defer cancel()

	ref, err := o.ledger.StartRequest(wctx, ledger.StartParams{
		Token:          t.req.Token,
		Model:          t.model,
		ConversationID: t.req.ConversationID,
		Ghost:          t.req.Ghost,
	})
	if err != nil {
		o.logger.Error("start request failed, answering unrecorded", "token_set", t.req.Token != "", "error", err)
		o.degrade(t, DegradeLedger)
		return
	}
	t.ref = ref
	t.recorded = true
	t.reply.ConversationID = ref.ConversationID
	t.reply.RequestID = ref.RequestID
	t.reply.Created = ref.Created

	turnID, err := o.ledger.StartTurn(wctx, ref.RequestID, ref.ConversationID, t.req.Token, t.model)
	if err != nil {
		o.logger.Warn("start turn failed", "conversation_id", ref.ConversationID, "error", err)
	}
	t.turnID = turnID
	t.reply.TurnID = turnID
	t.recording = &llm.Recording{
		ConversationID: ref.ConversationID,
		RequestID:      ref.RequestID,
		TurnID:         turnID,
	}
}

// context assembles the model input: the system prompt, any system
// messages the client sent, and the conversation history. Without a
// ledger history the client's own messages stand in.
func (o *Orchestrator) context(ctx context.Context, t *turn) []llm.Message {
	system := o.cfg.SystemPrompt
	if system == "" {
		system = prompts.BaseSystemPrompt()
	}
	msgs := []llm.Message{{Role: llm.RoleSystem, Content: system}}
	for _, m := range t.req.Messages {
		if m.Role == llm.RoleSystem && m.Content != "" {
			msgs = append(msgs, m)
		}
	}

	if t.recorded {
		rctx, cancel := o.writeContext(ctx)
		history, err := o.ledger.History(rctx, t.ref.ConversationID)
		cancel()
		if err == nil && len(history) > 0 {
			for i := range history {
				if history[i].Role == llm.RoleSystem {
					continue
				}
				msgs = append(msgs, history[i].LLM())
			}
			return msgs
		}
		if err != nil {
			o.logger.Warn("history unavailable, using request messages", "conversation_id", t.ref.ConversationID, "error", err)
		}
	}

	for _, m := range t.req.Messages {
		if m.Role != llm.RoleSystem {
			msgs = append(msgs, m)
		}
	}
	return msgs
}

// answer runs the intent and response harnesses, filling t.reply.
func (o *Orchestrator) answer(ctx context.Context, t *turn, history []llm.Message) {
	res, err := o.intent.Run(ctx, harness.IntentRequest{
		Model:     t.model,
		Messages:  history,
		Recording: t.recording,
		Events:    &busRecorder{o: o, t: t},
	})
	if err != nil {
		o.logger.Error("intent failed", "conversation_id", t.ref.ConversationID, "error", err)
		o.fail(ctx, t, DegradeIntent, err)
		return
	}

	t.reply.ToolCalls = res.ToolCalls
	t.reply.Usage = t.reply.Usage.Add(res.Usage)
	if res.Model != "" {
		t.reply.Model = res.Model
	}
	if res.Degraded {
		o.degrade(t, res.DegradeReason)
	}

	intermediate := res.Messages
	if n := len(intermediate); n > 0 && intermediate[n-1].Role == llm.RoleAssistant && len(intermediate[n-1].ToolCalls) == 0 {
		intermediate = intermediate[:n-1]
	}
	if t.recorded {
		for _, m := range intermediate {
			o.write(ctx, t, "record tool exchange", func(ctx context.Context) error {
				return o.ledger.AppendMessage(ctx, t.ref.ConversationID, ledger.Message{
					TurnID:     t.turnID,
					Role:       m.Role,
					Content:    m.Content,
					ToolCalls:  m.ToolCalls,
					ToolCallID: m.ToolCallID,
				})
			})
		}
	}

	full := append(append([]llm.Message(nil), history...), intermediate...)
	syn, err := o.response.Synthesize(ctx, harness.SynthesisRequest{
		Model:     t.model,
		History:   full,
		Intent:    res,
		Recalled:  recalled(res.Messages),
		Recording: t.recording,
	})
	if err != nil {
		o.logger.Error("synthesis failed", "conversation_id", t.ref.ConversationID, "error", err)
		t.reply.Text = res.Text
		o.fail(ctx, t, DegradeSynthesis, err)
		return
	}

	t.reply.Text = syn.Text
	t.reply.Usage = t.reply.Usage.Add(syn.Usage)
	t.synthesized = syn.Synthesized
	if syn.Model != "" {
		t.reply.Model = syn.Model
	}
}

// fail degrades the reply and counts the error on the conversation.
func (o *Orchestrator) fail(ctx context.Context, t *turn, reason string, err error) {
	o.degrade(t, reason)
	o.publish(t, events.TypeError, map[string]any{"reason": reason, "error": err.Error()})
	if !t.recorded {
		return
	}
	o.write(ctx, t, "record error", func(ctx context.Context) error {
		return o.ledger.RecordError(ctx, t.ref.ConversationID, reason+": "+err.Error())
	})
}

func (o *Orchestrator) degrade(t *turn, reason string) {
	t.reply.Degraded = true
	if t.reply.DegradeReason == "" {
		t.reply.DegradeReason = reason
	}
}

// followUp dispatches post-turn jobs without holding up the reply.
func (o *Orchestrator) followUp(ctx context.Context, t *turn) {
	if o.utility == nil || !t.recorded || !t.ref.Created || t.req.Ghost {
		return
	}
	jobs := []harness.Job{harness.NamingJob(t.req.Token, t.ref.ConversationID)}

	o.followUps.Add(1)
	go func() {
		defer o.followUps.Done()
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.FollowUpTimeout)
		defer cancel()
		ids := o.utility.DispatchAll(fctx, jobs)
		o.logger.Debug("follow-ups dispatched", "conversation_id", t.ref.ConversationID, "tasks", len(ids))
	}()
}

// WaitIdle blocks until dispatched follow-ups have been submitted.
func (o *Orchestrator) WaitIdle() {
	o.followUps.Wait()
}

// write runs a ledger write under its own timeout. Failures are logged
// and never abort the turn.
func (o *Orchestrator) write(ctx context.Context, t *turn, what string, fn func(context.Context) error) {
	wctx, cancel := o.writeContext(ctx)
	defer cancel()
	if err := fn(wctx); err != nil {
		o.logger.Warn("ledger write failed", "op", what, "conversation_id", t.ref.ConversationID, "error", err)
	}
}

// writeContext detaches ledger writes from the caller so a client that
// hangs up does not leave a half-recorded turn.
func (o *Orchestrator) writeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), o.cfg.LedgerTimeout)
}

func (o *Orchestrator) publish(t *turn, typ string, data map[string]any) {
	if o.bus == nil {
		return
	}
	if data == nil {
		data = map[string]any{}
	}
	if t.ref.RequestID != "" {
		data["request_id"] = t.ref.RequestID
	}
	o.bus.Publish(events.Event{
		Type:           typ,
		Timestamp:      time.Now(),
		Source:         events.SourceOrchestrator,
		ConversationID: t.ref.ConversationID,
		Data:           data,
	})
}

// busRecorder forwards harness progress events to the bus.
type busRecorder struct {
	o *Orchestrator
	t *turn
}

func (r *busRecorder) RecordEvent(_ context.Context, e events.Event) {
	r.o.publish(r.t, e.Type, e.Data)
}

func lastUserMessage(msgs []llm.Message) (llm.Message, bool) {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == llm.RoleUser && msgs[i].Content != "" {
			return msgs[i], true
		}
	}
	return llm.Message{}, false
}

// recalled collects the memories the recall tool returned during the
// intent loop.
func recalled(msgs []llm.Message) []harness.RecallItem {
	calls := map[string]string{}
	for _, m := range msgs {
		for _, tc := range m.ToolCalls {
			calls[tc.ID] = tc.Name
		}
	}
	var items []harness.RecallItem
	for _, m := range msgs {
		if m.Role != llm.RoleTool || calls[m.ToolCallID] != recallToolName {
			continue
		}
		var res harness.RecallResult
		if err := json.Unmarshal([]byte(m.Content), &res); err != nil {
			continue
		}
		items = append(items, res.Results...)
	}
	return items
}
