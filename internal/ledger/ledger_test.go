package ledger

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/nugget/bernard/internal/llm"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type stubSummarizer struct {
	mu     sync.Mutex
	calls  []string
	result Summary
	seen   []Message
}

func (s *stubSummarizer) Summarize(_ context.Context, id string, history []Message) Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, id)
	s.seen = history
	return s.result
}

func (s *stubSummarizer) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	s, err := NewSQLiteStore(context.Background(), db, nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestLedger(t *testing.T, sum Summarizer) (*Ledger, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	l := New(newTestStore(t), sum, Config{IdleTimeout: 30 * time.Minute, Now: clock.Now}, nil)
	return l, clock
}

func TestThreeMessagesOneConversation(t *testing.T) {
	sum := &stubSummarizer{result: Summary{
		Summary:  "Talked about tea.",
		Tags:     []string{"tea"},
		Keywords: []string{"oolong"},
		Places:   []string{"Kyoto"},
	}}
	l, clock := newTestLedger(t, sum)
	ctx := context.Background()

	var convID string
	for i := 0; i < 3; i++ {
		ref, err := l.StartRequest(ctx, StartParams{Token: "alice", Model: "m"})
		require.NoError(t, err)
		if convID == "" {
			convID = ref.ConversationID
			assert.True(t, ref.Created)
		} else {
			assert.Equal(t, convID, ref.ConversationID)
			assert.False(t, ref.Created)
		}
		_, err = l.StartTurn(ctx, ref.RequestID, ref.ConversationID, "alice", "m")
		require.NoError(t, err)
		require.NoError(t, l.AppendMessage(ctx, convID, Message{Role: llm.RoleUser, Content: "hello"}))
		clock.Advance(5 * time.Minute)
	}

	c, err := l.GetConversation(ctx, convID)
	require.NoError(t, err)
	assert.Equal(t, 3, c.MessageCount)
	assert.Equal(t, []string{"alice"}, c.CallerTokens)

	turns, err := l.Turns(ctx, convID)
	require.NoError(t, err)
	require.Len(t, turns, 3)
	for _, turn := range turns {
		assert.Equal(t, convID, turn.ConversationID)
	}

	clock.Advance(31 * time.Minute)
	n, err := l.CloseIfIdle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	c, err = l.GetConversation(ctx, convID)
	require.NoError(t, err)
	assert.Equal(t, StatusClosed, c.Status)
	assert.Equal(t, CloseReasonIdle, c.CloseReason)
	require.NotNil(t, c.ClosedAt)
	assert.Equal(t, "Talked about tea.", c.Summary)
	assert.Equal(t, []string{"tea"}, c.Tags)
	assert.Equal(t, []string{"oolong"}, c.Keywords)
	assert.Equal(t, []string{"Kyoto"}, c.PlaceTags)
	assert.False(t, c.Flags.SummaryError)
}

func TestCloseIfIdle_Idempotent(t *testing.T) {
	sum := &stubSummarizer{result: Summary{Summary: "s"}}
	l, clock := newTestLedger(t, sum)
	ctx := context.Background()

	for _, tok := range []string{"a", "b"} {
		_, err := l.StartRequest(ctx, StartParams{Token: tok})
		require.NoError(t, err)
	}
	clock.Advance(time.Hour)

	n, err := l.CloseIfIdle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = l.CloseIfIdle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, 2, sum.callCount(), "closed conversations are not summarized again")
}

func TestCloseIfIdle_LeavesActiveOpen(t *testing.T) {
	l, clock := newTestLedger(t, &stubSummarizer{})
	ctx := context.Background()

	old, err := l.StartRequest(ctx, StartParams{Token: "old"})
	require.NoError(t, err)
	clock.Advance(20 * time.Minute)
	fresh, err := l.StartRequest(ctx, StartParams{Token: "fresh"})
	require.NoError(t, err)
	clock.Advance(15 * time.Minute)

	n, err := l.CloseIfIdle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	c, _ := l.GetConversation(ctx, old.ConversationID)
	assert.Equal(t, StatusClosed, c.Status)
	c, _ = l.GetConversation(ctx, fresh.ConversationID)
	assert.Equal(t, StatusOpen, c.Status)
}

func TestCloseIfIdle_SummaryFailureStillCloses(t *testing.T) {
	sum := &stubSummarizer{result: Summary{
		Flags: Flags{SummaryError: true},
		Error: "model unavailable",
	}}
	l, clock := newTestLedger(t, sum)
	ctx := context.Background()

	ref, err := l.StartRequest(ctx, StartParams{Token: "t"})
	require.NoError(t, err)
	clock.Advance(time.Hour)

	n, err := l.CloseIfIdle(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	c, err := l.GetConversation(ctx, ref.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, StatusClosed, c.Status)
	assert.True(t, c.Flags.SummaryError)
	assert.Equal(t, "model unavailable", c.SummaryErrorMessage)
	assert.Empty(t, c.Summary)
}

func TestCloseIfIdle_NoSummarizer(t *testing.T) {
	l, clock := newTestLedger(t, nil)
	ctx := context.Background()

	ref, err := l.StartRequest(ctx, StartParams{Token: "t"})
	require.NoError(t, err)
	clock.Advance(time.Hour)

	_, err = l.CloseIfIdle(ctx)
	require.NoError(t, err)

	c, _ := l.GetConversation(ctx, ref.ConversationID)
	assert.Equal(t, StatusClosed, c.Status)
	assert.True(t, c.Flags.SummaryError)
}

func TestCloseIfIdle_GhostNotSummarized(t *testing.T) {
	sum := &stubSummarizer{result: Summary{Summary: "s"}}
	l, clock := newTestLedger(t, sum)
	ctx := context.Background()

	ref, err := l.StartRequest(ctx, StartParams{Token: "t", Ghost: true})
	require.NoError(t, err)
	clock.Advance(time.Hour)

	n, err := l.CloseIfIdle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 0, sum.callCount())

	c, _ := l.GetConversation(ctx, ref.ConversationID)
	assert.Equal(t, StatusClosed, c.Status)
	assert.True(t, c.Ghost)
	assert.Empty(t, c.Summary)
}

func TestSummarizerSeesTraces(t *testing.T) {
	sum := &stubSummarizer{result: Summary{Summary: "s"}}
	l, clock := newTestLedger(t, sum)
	ctx := context.Background()

	ref, err := l.StartRequest(ctx, StartParams{Token: "t"})
	require.NoError(t, err)
	require.NoError(t, l.AppendMessage(ctx, ref.ConversationID, Message{Role: llm.RoleUser, Content: "hi"}))
	require.NoError(t, l.RecordLLMCall(ctx, ref.ConversationID, llm.CallRecord{Model: "m", Stage: llm.StageIntent}))
	clock.Advance(time.Hour)

	_, err = l.CloseIfIdle(ctx)
	require.NoError(t, err)
	// The full message log is handed over; filtering is the
	// summarizer's job.
	assert.Len(t, sum.seen, 2)
}

func TestGhostRules(t *testing.T) {
	l, clock := newTestLedger(t, &stubSummarizer{})
	ctx := context.Background()

	ref, err := l.StartRequest(ctx, StartParams{Token: "t"})
	require.NoError(t, err)
	id := ref.ConversationID

	// Open conversations accept either value.
	require.NoError(t, l.SetGhost(ctx, id, true))
	require.NoError(t, l.SetGhost(ctx, id, false))
	require.NoError(t, l.SetGhost(ctx, id, true))

	clock.Advance(time.Hour)
	_, err = l.CloseIfIdle(ctx)
	require.NoError(t, err)

	assert.ErrorIs(t, l.SetGhost(ctx, id, false), ErrGhostLocked)
	require.NoError(t, l.SetGhost(ctx, id, true), "re-asserting ghost is harmless")

	c, _ := l.GetConversation(ctx, id)
	assert.True(t, c.Ghost)
	assert.Equal(t, StatusClosed, c.Status)

	// Addressing the closed ghost conversation starts a new ghost one.
	next, err := l.StartRequest(ctx, StartParams{Token: "t", ConversationID: id})
	require.NoError(t, err)
	assert.NotEqual(t, id, next.ConversationID)
	assert.True(t, next.Created)

	nc, _ := l.GetConversation(ctx, next.ConversationID)
	assert.True(t, nc.Ghost)
	assert.Equal(t, StatusOpen, nc.Status)

	c, _ = l.GetConversation(ctx, id)
	assert.Equal(t, StatusClosed, c.Status)
	assert.True(t, c.Ghost)

	assert.ErrorIs(t, l.SetGhost(ctx, "missing", true), ErrNotFound)
}

func TestGhostAndNormalThreadsAreSeparate(t *testing.T) {
	l, _ := newTestLedger(t, nil)
	ctx := context.Background()

	normal, err := l.StartRequest(ctx, StartParams{Token: "t"})
	require.NoError(t, err)
	ghost, err := l.StartRequest(ctx, StartParams{Token: "t", Ghost: true})
	require.NoError(t, err)
	assert.NotEqual(t, normal.ConversationID, ghost.ConversationID)

	again, err := l.StartRequest(ctx, StartParams{Token: "t"})
	require.NoError(t, err)
	assert.Equal(t, normal.ConversationID, again.ConversationID)
}

func TestExplicitConversation(t *testing.T) {
	l, clock := newTestLedger(t, &stubSummarizer{})
	ctx := context.Background()

	ref, err := l.StartRequest(ctx, StartParams{Token: "a", ConversationID: "conv-x"})
	require.NoError(t, err)
	assert.Equal(t, "conv-x", ref.ConversationID)
	assert.True(t, ref.Created)

	// A second caller joins the same conversation.
	_, err = l.StartRequest(ctx, StartParams{Token: "b", ConversationID: "conv-x"})
	require.NoError(t, err)
	c, _ := l.GetConversation(ctx, "conv-x")
	assert.Equal(t, []string{"a", "b"}, c.CallerTokens)

	clock.Advance(time.Hour)
	_, err = l.CloseIfIdle(ctx)
	require.NoError(t, err)

	// A closed non-ghost conversation reopens.
	ref, err = l.StartRequest(ctx, StartParams{Token: "a", ConversationID: "conv-x"})
	require.NoError(t, err)
	assert.Equal(t, "conv-x", ref.ConversationID)
	assert.False(t, ref.Created)

	c, _ = l.GetConversation(ctx, "conv-x")
	assert.Equal(t, StatusOpen, c.Status)
	assert.Nil(t, c.ClosedAt)
	assert.Empty(t, c.CloseReason)
}

func TestIdleTokenStartsNewConversation(t *testing.T) {
	l, clock := newTestLedger(t, nil)
	ctx := context.Background()

	first, err := l.StartRequest(ctx, StartParams{Token: "t"})
	require.NoError(t, err)
	clock.Advance(31 * time.Minute)

	second, err := l.StartRequest(ctx, StartParams{Token: "t"})
	require.NoError(t, err)
	assert.NotEqual(t, first.ConversationID, second.ConversationID)
	assert.True(t, second.Created)
}

func TestRecordLLMCall_Truncates(t *testing.T) {
	l, _ := newTestLedger(t, nil)
	ctx := context.Background()

	ref, err := l.StartRequest(ctx, StartParams{Token: "t"})
	require.NoError(t, err)

	var msgs []llm.Message
	for i := 0; i < 30; i++ {
		msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: "message number " + string(rune('a'+i%26))})
	}
	long := ""
	for i := 0; i < 50; i++ {
		long += "ü"
	}
	msgs[29].Content = long

	err = l.RecordLLMCall(ctx, ref.ConversationID, llm.CallRecord{
		Model:               "m",
		Stage:               llm.StageIntent,
		Context:             msgs,
		Result:              llm.Message{Role: llm.RoleAssistant, Content: "done"},
		StartedAt:           time.Now(),
		LatencyMs:           42,
		Tokens:              llm.Usage{In: 100, Out: 7},
		ContextLimit:        20,
		ContentPreviewChars: 10,
	})
	require.NoError(t, err)

	all, err := l.Messages(ctx, ref.ConversationID)
	require.NoError(t, err)
	require.Len(t, all, 1)
	trace := all[0]
	assert.True(t, trace.IsTrace())
	require.NotNil(t, trace.TokenDeltas)
	assert.Equal(t, 100, trace.TokenDeltas.In)

	items, ok := trace.Metadata["context"].([]any)
	require.True(t, ok)
	assert.Len(t, items, 20)
	assert.EqualValues(t, 30, trace.Metadata["context_total"])

	lastItem := items[19].(map[string]any)
	content := lastItem["content"].(string)
	assert.Equal(t, 11, utf8.RuneCountInString(content), "10 runes plus ellipsis")

	history, err := l.History(ctx, ref.ConversationID)
	require.NoError(t, err)
	assert.Empty(t, history)

	// Traces do not extend the conversation's life.
	c, _ := l.GetConversation(ctx, ref.ConversationID)
	assert.Equal(t, 0, c.ToolCallCount)
}

func TestAppendMessage_ClosedConversation(t *testing.T) {
	l, clock := newTestLedger(t, &stubSummarizer{})
	ctx := context.Background()

	ref, err := l.StartRequest(ctx, StartParams{Token: "t"})
	require.NoError(t, err)
	id := ref.ConversationID
	clock.Advance(time.Hour)
	n, err := l.CloseIfIdle(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	before, err := l.GetConversation(ctx, id)
	require.NoError(t, err)

	clock.Advance(time.Minute)
	err = l.AppendMessage(ctx, id, Message{Role: llm.RoleAssistant, Content: "late result"})
	assert.ErrorIs(t, err, ErrClosed)

	// Traces still land; they are not dialogue.
	require.NoError(t, l.RecordLLMCall(ctx, id, llm.CallRecord{Model: "m", Stage: llm.StageUtility}))

	after, err := l.GetConversation(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusClosed, after.Status)
	assert.True(t, before.LastTouchedAt.Equal(after.LastTouchedAt), "last touched moved")

	history, err := l.History(ctx, id)
	require.NoError(t, err)
	for _, m := range history {
		assert.NotEqual(t, "late result", m.Content)
	}
}

func TestCounters(t *testing.T) {
	l, _ := newTestLedger(t, nil)
	ctx := context.Background()

	ref, err := l.StartRequest(ctx, StartParams{Token: "t"})
	require.NoError(t, err)
	id := ref.ConversationID

	require.NoError(t, l.AppendMessage(ctx, id, Message{
		Role:      llm.RoleAssistant,
		ToolCalls: []llm.ToolCall{{ID: "c1", Name: "recall", Arguments: []byte(`{"query":"x"}`)}},
	}))
	require.NoError(t, l.AppendMessage(ctx, id, Message{Role: llm.RoleTool, Content: "result", ToolCallID: "c1"}))
	require.NoError(t, l.RecordError(ctx, id, "boom"))

	c, err := l.GetConversation(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, c.ToolCallCount)
	assert.Equal(t, 1, c.ErrorCount)

	history, err := l.History(ctx, id)
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.Len(t, history[0].ToolCalls, 1)
	assert.Equal(t, "recall", history[0].ToolCalls[0].Name)
	assert.Equal(t, "c1", history[1].ToolCallID)

	assert.ErrorIs(t, l.RecordError(ctx, "missing", "x"), ErrNotFound)
	assert.ErrorIs(t, l.AppendMessage(ctx, "missing", Message{Role: llm.RoleUser}), ErrNotFound)
}

func TestListConversations(t *testing.T) {
	l, clock := newTestLedger(t, nil)
	ctx := context.Background()

	closed, _ := l.StartRequest(ctx, StartParams{Token: "a"})
	ghost, _ := l.StartRequest(ctx, StartParams{Token: "b", Ghost: true})
	clock.Advance(time.Hour)
	_, err := l.CloseIfIdle(ctx)
	require.NoError(t, err)
	open, _ := l.StartRequest(ctx, StartParams{Token: "c"})
	require.NoError(t, l.SetTitle(ctx, open.ConversationID, "Tea chat"))

	ids := func(cs []Conversation) []string {
		var out []string
		for _, c := range cs {
			out = append(out, c.ID)
		}
		return out
	}

	all, err := l.ListConversations(ctx, ListOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{open.ConversationID, closed.ConversationID}, ids(all))
	assert.Equal(t, "Tea chat", all[0].Title)

	onlyOpen, err := l.ListConversations(ctx, ListOptions{IncludeOpen: true})
	require.NoError(t, err)
	assert.Equal(t, []string{open.ConversationID}, ids(onlyOpen))

	withGhost, err := l.ListConversations(ctx, ListOptions{IncludeClosed: true, IncludeGhost: true})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{closed.ConversationID, ghost.ConversationID}, ids(withGhost))

	limited, err := l.ListConversations(ctx, ListOptions{IncludeGhost: true, Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestCloseConversation_Guarded(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, s.CreateConversation(ctx, &Conversation{
		ID: "c", Status: StatusOpen, StartedAt: now, LastTouchedAt: now,
	}))

	// Touched at the cutoff, so not idle.
	ok, err := s.CloseConversation(ctx, "c", now, Closure{ClosedAt: now, Reason: CloseReasonIdle})
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.CloseConversation(ctx, "c", now.Add(time.Second), Closure{ClosedAt: now, Reason: CloseReasonIdle})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.CloseConversation(ctx, "c", now.Add(time.Second), Closure{ClosedAt: now, Reason: CloseReasonIdle})
	require.NoError(t, err)
	assert.False(t, ok, "already closed")
}

func TestSweeper(t *testing.T) {
	l, clock := newTestLedger(t, &stubSummarizer{result: Summary{Summary: "s"}})
	ctx := context.Background()

	ref, err := l.StartRequest(ctx, StartParams{Token: "t"})
	require.NoError(t, err)
	clock.Advance(time.Hour)

	sw := NewSweeper(l, 10*time.Millisecond, nil)
	sw.Start(ctx)
	defer sw.Stop()

	require.Eventually(t, func() bool {
		c, err := l.GetConversation(ctx, ref.ConversationID)
		return err == nil && c.Status == StatusClosed
	}, 2*time.Second, 10*time.Millisecond)
}
