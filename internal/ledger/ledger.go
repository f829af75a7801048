package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/nugget/bernard/internal/llm"
)

// Summarizer produces the closing summary of a conversation. It never
// fails: problems are reported through Summary.Flags.SummaryError.
type Summarizer interface {
	Summarize(ctx context.Context, conversationID string, history []Message) Summary
}

// Config controls ledger timing.
type Config struct {
	// IdleTimeout is how long an open conversation may go untouched
	// before a new request starts a fresh one and the sweeper closes it.
	IdleTimeout time.Duration

	// SummaryTimeout bounds one summarization during close.
	SummaryTimeout time.Duration

	// Now overrides the clock. Nil means time.Now.
	Now func() time.Time
}

// Ledger applies conversation lifecycle rules over a Store.
type Ledger struct {
	store      Store
	summarizer Summarizer
	cfg        Config
	logger     *slog.Logger
}

// New creates a Ledger. summarizer may be nil, in which case closed
// conversations are flagged with a summary error.
func New(store Store, summarizer Summarizer, cfg Config, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 30 * time.Minute
	}
	if cfg.SummaryTimeout <= 0 {
		cfg.SummaryTimeout = 60 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Ledger{
		store:      store,
		summarizer: summarizer,
		cfg:        cfg,
		logger:     logger.With("component", "ledger"),
	}
}

// IdleTimeout returns the configured idle window.
func (l *Ledger) IdleTimeout() time.Duration {
	return l.cfg.IdleTimeout
}

func (l *Ledger) now() time.Time {
	return l.cfg.Now().UTC()
}

// StartRequest resolves the conversation an inbound request belongs to,
// creating one when needed. A closed ghost conversation is never
// reopened: the request starts a new ghost conversation instead.
func (l *Ledger) StartRequest(ctx context.Context, p StartParams) (RequestRef, error) {
	ref := RequestRef{RequestID: newID()}
	now := l.now()

	if p.ConversationID != "" {
		id, created, err := l.resolveExplicit(ctx, p, now)
		if err != nil {
			return RequestRef{}, err
		}
		ref.ConversationID, ref.Created = id, created
	} else {
		id, created, err := l.resolveByToken(ctx, p, now)
		if err != nil {
			return RequestRef{}, err
		}
		ref.ConversationID, ref.Created = id, created
	}

	l.logger.Debug("request started",
		"request_id", ref.RequestID,
		"conversation_id", ref.ConversationID,
		"created", ref.Created,
		"ghost", p.Ghost,
	)
	return ref, nil
}

func (l *Ledger) resolveExplicit(ctx context.Context, p StartParams, now time.Time) (string, bool, error) {
	c, err := l.store.GetConversation(ctx, p.ConversationID)
	switch {
	case errors.Is(err, ErrNotFound):
		id, err := l.create(ctx, p.ConversationID, p.Token, p.Ghost, now)
		return id, true, err
	case err != nil:
		return "", false, fmt.Errorf("load conversation: %w", err)
	}

	if c.Open() {
		if err := l.store.Touch(ctx, c.ID, p.Token, now); err == nil {
			return c.ID, false, l.promoteGhost(ctx, c, p.Ghost)
		} else if !errors.Is(err, ErrNotFound) {
			return "", false, err
		}
		// Closed by the sweeper since we looked; fall through to the
		// closed-conversation rules.
	}

	if c.Ghost {
		l.logger.Info("closed ghost conversation addressed, starting a new ghost conversation",
			"conversation_id", c.ID,
		)
		id, err := l.create(ctx, "", p.Token, true, now)
		return id, true, err
	}

	ok, err := l.store.Reopen(ctx, c.ID, p.Token, now)
	if err != nil {
		return "", false, err
	}
	if !ok {
		// Reopened by a concurrent request.
		if err := l.store.Touch(ctx, c.ID, p.Token, now); err != nil {
			return "", false, err
		}
	}
	return c.ID, false, l.promoteGhost(ctx, c, p.Ghost)
}

func (l *Ledger) resolveByToken(ctx context.Context, p StartParams, now time.Time) (string, bool, error) {
	c, err := l.store.FindOpenForToken(ctx, p.Token, p.Ghost, now.Add(-l.cfg.IdleTimeout))
	if err == nil {
		err = l.store.Touch(ctx, c.ID, p.Token, now)
		if err == nil {
			return c.ID, false, nil
		}
	}
	if !errors.Is(err, ErrNotFound) {
		return "", false, err
	}
	id, err := l.create(ctx, "", p.Token, p.Ghost, now)
	return id, true, err
}

// promoteGhost sets the ghost flag when the request asks for it. A
// request without the flag never clears it.
func (l *Ledger) promoteGhost(ctx context.Context, c *Conversation, ghost bool) error {
	if !ghost || c.Ghost {
		return nil
	}
	return l.store.SetGhost(ctx, c.ID, true)
}

func (l *Ledger) create(ctx context.Context, id, token string, ghost bool, now time.Time) (string, error) {
	if id == "" {
		id = newID()
	}
	c := &Conversation{
		ID:            id,
		Status:        StatusOpen,
		Ghost:         ghost,
		StartedAt:     now,
		LastTouchedAt: now,
	}
	if token != "" {
		c.CallerTokens = []string{token}
	}
	if err := l.store.CreateConversation(ctx, c); err != nil {
		return "", err
	}
	l.logger.Info("conversation created", "conversation_id", id, "ghost", ghost)
	return id, nil
}

// StartTurn records one inbound message for a request.
func (l *Ledger) StartTurn(ctx context.Context, requestID, conversationID, token, model string) (string, error) {
	t := &Turn{
		ID:             newID(),
		RequestID:      requestID,
		ConversationID: conversationID,
		CallerToken:    token,
		Model:          model,
		StartedAt:      l.now(),
	}
	if err := l.store.InsertTurn(ctx, t); err != nil {
		return "", fmt.Errorf("start turn: %w", err)
	}
	return t.ID, nil
}

// AppendMessage adds m to the conversation, filling ID and CreatedAt.
func (l *Ledger) AppendMessage(ctx context.Context, conversationID string, m Message) error {
	if m.ID == "" {
		m.ID = newID()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = l.now()
	}
	if err := l.store.AppendMessage(ctx, conversationID, &m); err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

// RecordLLMCall appends a trace message for one model call. The context
// keeps only the ContextLimit most recent items and every content string
// is cut to ContentPreviewChars.
func (l *Ledger) RecordLLMCall(ctx context.Context, conversationID string, rec llm.CallRecord) error {
	items := rec.Context
	if rec.ContextLimit > 0 && len(items) > rec.ContextLimit {
		items = items[len(items)-rec.ContextLimit:]
	}
	preview := rec.ContentPreviewChars

	contextItems := make([]map[string]any, 0, len(items))
	for _, m := range items {
		contextItems = append(contextItems, traceItem(m, preview))
	}

	meta := map[string]any{
		"type":          TraceType,
		"model":         rec.Model,
		"stage":         string(rec.Stage),
		"started_at":    rec.StartedAt.UTC().Format(time.RFC3339Nano),
		"latency_ms":    rec.LatencyMs,
		"tokens":        rec.Tokens,
		"request_id":    rec.RequestID,
		"turn_id":       rec.TurnID,
		"context":       contextItems,
		"context_total": len(rec.Context),
		"result":        traceItem(rec.Result, preview),
	}
	if rec.Error != "" {
		meta["error"] = truncate(rec.Error, preview)
	}

	content := fmt.Sprintf("%s call to %s (%dms)", rec.Stage, rec.Model, rec.LatencyMs)
	if rec.Error != "" {
		content += ": " + truncate(rec.Error, preview)
	}

	return l.AppendMessage(ctx, conversationID, Message{
		TurnID:      rec.TurnID,
		Role:        llm.RoleSystem,
		Content:     content,
		TokenDeltas: &TokenDeltas{In: rec.Tokens.In, Out: rec.Tokens.Out},
		Metadata:    meta,
	})
}

func traceItem(m llm.Message, preview int) map[string]any {
	item := map[string]any{
		"role":    m.Role,
		"content": truncate(m.Content, preview),
	}
	if len(m.ToolCalls) > 0 {
		calls := make([]map[string]any, 0, len(m.ToolCalls))
		for _, tc := range m.ToolCalls {
			calls = append(calls, map[string]any{
				"id":        tc.ID,
				"name":      tc.Name,
				"arguments": truncate(string(tc.Arguments), preview),
			})
		}
		item["tool_calls"] = calls
	}
	if m.ToolCallID != "" {
		item["tool_call_id"] = m.ToolCallID
	}
	return item
}

// truncate cuts s to n runes, marking the cut with an ellipsis.
func truncate(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n]) + "…"
}

// RecordError counts a failure against the conversation.
func (l *Ledger) RecordError(ctx context.Context, conversationID, msg string) error {
	l.logger.Warn("conversation error recorded", "conversation_id", conversationID, "error", msg)
	if err := l.store.IncrementErrors(ctx, conversationID); err != nil {
		return fmt.Errorf("record error: %w", err)
	}
	return nil
}

// ListConversations lists conversations by most recent activity.
func (l *Ledger) ListConversations(ctx context.Context, opts ListOptions) ([]Conversation, error) {
	return l.store.ListConversations(ctx, opts)
}

// GetConversation returns one conversation or ErrNotFound.
func (l *Ledger) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	return l.store.GetConversation(ctx, id)
}

// Messages returns every message of a conversation, traces included.
func (l *Ledger) Messages(ctx context.Context, id string) ([]Message, error) {
	return l.store.Messages(ctx, id)
}

// History returns the dialogue of a conversation without trace messages.
func (l *Ledger) History(ctx context.Context, id string) ([]Message, error) {
	all, err := l.store.Messages(ctx, id)
	if err != nil {
		return nil, err
	}
	out := make([]Message, 0, len(all))
	for _, m := range all {
		if !m.IsTrace() {
			out = append(out, m)
		}
	}
	return out, nil
}

// Turns returns the turns of a conversation in start order.
func (l *Ledger) Turns(ctx context.Context, id string) ([]Turn, error) {
	return l.store.Turns(ctx, id)
}

// SetGhost changes the ghost flag. Clearing it on a closed ghost
// conversation returns ErrGhostLocked.
func (l *Ledger) SetGhost(ctx context.Context, id string, ghost bool) error {
	return l.store.SetGhost(ctx, id, ghost)
}

// SetTitle names a conversation.
func (l *Ledger) SetTitle(ctx context.Context, id, title string) error {
	return l.store.SetTitle(ctx, id, title)
}

// CloseIfIdle closes every open conversation untouched for the idle
// timeout. Non-ghost conversations are summarized first. Each close is a
// guarded update that only applies if the conversation is still open and
// still idle, so repeated calls close nothing new. A failure on one
// conversation is logged and the sweep continues.
func (l *Ledger) CloseIfIdle(ctx context.Context) (int, error) {
	now := l.now()
	cutoff := now.Add(-l.cfg.IdleTimeout)

	idle, err := l.store.ListIdle(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("list idle conversations: %w", err)
	}

	closed := 0
	for i := range idle {
		if err := ctx.Err(); err != nil {
			return closed, err
		}
		c := &idle[i]

		closure := Closure{ClosedAt: now, Reason: CloseReasonIdle}
		if !c.Ghost {
			s := l.summarize(ctx, c.ID)
			closure.Summary = &s
		}

		ok, err := l.store.CloseConversation(ctx, c.ID, cutoff, closure)
		if err != nil {
			l.logger.Error("failed to close idle conversation", "conversation_id", c.ID, "error", err)
			continue
		}
		if !ok {
			l.logger.Debug("conversation no longer idle, left open", "conversation_id", c.ID)
			continue
		}
		closed++

		attrs := []any{"conversation_id", c.ID, "ghost", c.Ghost, "messages", c.MessageCount}
		if closure.Summary != nil {
			attrs = append(attrs, "summary_error", closure.Summary.Flags.SummaryError)
		}
		l.logger.Info("conversation closed", attrs...)
	}
	return closed, nil
}

func (l *Ledger) summarize(ctx context.Context, id string) Summary {
	if l.summarizer == nil {
		return Summary{Flags: Flags{SummaryError: true}, Error: "no summarizer configured", Tags: []string{}, Keywords: []string{}, Places: []string{}}
	}
	history, err := l.store.Messages(ctx, id)
	if err != nil {
		return Summary{Flags: Flags{SummaryError: true}, Error: err.Error(), Tags: []string{}, Keywords: []string{}, Places: []string{}}
	}

	sctx, cancel := context.WithTimeout(ctx, l.cfg.SummaryTimeout)
	defer cancel()
	return l.summarizer.Summarize(sctx, id, history)
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
