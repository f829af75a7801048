package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	_ "modernc.org/sqlite"

	"github.com/nugget/bernard/internal/events"
	"github.com/nugget/bernard/internal/llm"
	"github.com/nugget/bernard/internal/orchestrator"
	"github.com/nugget/bernard/internal/queue"
)

type fakeTurns struct {
	got   orchestrator.TurnRequest
	reply *orchestrator.Reply
	err   error
}

func (f *fakeTurns) RunTurn(_ context.Context, req orchestrator.TurnRequest) (*orchestrator.Reply, error) {
	f.got = req
	if f.err != nil {
		return nil, f.err
	}
	return f.reply, nil
}

func newTestServer(t *testing.T, turns TurnRunner) *httptest.Server {
	t.Helper()
	s := NewServer("", 0, []string{"default-model", "zeta", "alpha"}, turns, nil)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func post(t *testing.T, url, auth, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestChatCompletions(t *testing.T) {
	turns := &fakeTurns{reply: &orchestrator.Reply{
		Text:           "Hello!",
		Model:          "default-model",
		ConversationID: "conv-1",
		RequestID:      "req-1",
		Degraded:       true,
		DegradeReason:  orchestrator.DegradeSynthesis,
		Usage:          llm.Usage{In: 12, Out: 3},
	}}
	ts := newTestServer(t, turns)

	resp := post(t, ts.URL+"/v1/chat/completions", "Bearer tok-1", `{
		"model": "m",
		"user": "ignored-user",
		"conversation_id": "conv-1",
		"messages": [
			{"role": "system", "content": "be brief"},
			{"role": "user", "content": [{"type": "text", "text": "hi"}, {"type": "image_url"}]},
			{"role": "tool", "content": "dropped"}
		]
	}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var got ChatCompletionResponse
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if got.ID != "chatcmpl-req-1" || got.Object != "chat.completion" {
		t.Errorf("id/object = %q/%q", got.ID, got.Object)
	}
	if len(got.Choices) != 1 || got.Choices[0].Message.Content != "Hello!" || got.Choices[0].Message.Role != "assistant" {
		t.Errorf("choices = %+v", got.Choices)
	}
	if got.Usage.TotalTokens != 15 {
		t.Errorf("usage = %+v", got.Usage)
	}
	if got.ConversationID != "conv-1" || !got.Degraded || got.DegradeReason != orchestrator.DegradeSynthesis {
		t.Errorf("conversation/degraded = %q/%v/%q", got.ConversationID, got.Degraded, got.DegradeReason)
	}

	if turns.got.Token != "tok-1" {
		t.Errorf("token = %q, want bearer token", turns.got.Token)
	}
	if turns.got.ConversationID != "conv-1" || turns.got.Model != "m" {
		t.Errorf("turn request = %+v", turns.got)
	}
	if len(turns.got.Messages) != 2 || turns.got.Messages[1].Content != "hi" {
		t.Errorf("messages = %+v", turns.got.Messages)
	}
}

func TestChatCompletions_Errors(t *testing.T) {
	tests := []struct {
		name  string
		auth  string
		body  string
		err   error
		want  int
		token string
	}{
		{name: "user field token", body: `{"user":"tok-2","messages":[{"role":"user","content":"hi"}]}`, want: http.StatusOK, token: "tok-2"},
		{name: "no token", body: `{"messages":[{"role":"user","content":"hi"}]}`, want: http.StatusUnauthorized},
		{name: "bad json", auth: "Bearer t", body: `{"messages":`, want: http.StatusBadRequest},
		{name: "streaming", auth: "Bearer t", body: `{"stream":true,"messages":[]}`, want: http.StatusBadRequest},
		{name: "no user message", auth: "Bearer t", body: `{"messages":[]}`, err: orchestrator.ErrNoUserMessage, want: http.StatusBadRequest},
		{name: "turn failure", auth: "Bearer t", body: `{"messages":[{"role":"user","content":"hi"}]}`, err: errors.New("boom"), want: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			turns := &fakeTurns{reply: &orchestrator.Reply{Text: "ok"}, err: tt.err}
			ts := newTestServer(t, turns)
			resp := post(t, ts.URL+"/v1/chat/completions", tt.auth, tt.body)
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
			if tt.token != "" && turns.got.Token != tt.token {
				t.Errorf("token = %q, want %q", turns.got.Token, tt.token)
			}
		})
	}
}

func TestModels(t *testing.T) {
	ts := newTestServer(t, &fakeTurns{})
	resp, err := http.Get(ts.URL + "/v1/models")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var body struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	var ids []string
	for _, d := range body.Data {
		ids = append(ids, d.ID)
	}
	if strings.Join(ids, ",") != "default-model,alpha,zeta" {
		t.Errorf("models = %v", ids)
	}
}

func TestHealth(t *testing.T) {
	s := NewServer("", 0, nil, &fakeTurns{}, nil)
	s.AddHealthCheck("completion", func(context.Context) error { return nil })
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	get := func() HealthReport {
		resp, err := http.Get(ts.URL + "/health")
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		var r HealthReport
		if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
			t.Fatal(err)
		}
		return r
	}

	if r := get(); r.Status != "ok" || r.Services["completion"] != "up" {
		t.Errorf("report = %+v", r)
	}

	s.AddHealthCheck("embeddings", func(context.Context) error { return errors.New("connection refused") })
	r := get()
	if r.Status != "degraded" {
		t.Errorf("status = %q, want degraded", r.Status)
	}
	if !strings.HasPrefix(r.Services["embeddings"], "down (") {
		t.Errorf("embeddings = %q", r.Services["embeddings"])
	}
}

func newTaskServer(t *testing.T) (*httptest.Server, *queue.Queue) {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	db.SetMaxOpenConns(1)
	bus := events.New()
	q, err := queue.New(context.Background(), db, queue.Config{}, bus, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { q.Close() })

	s := NewServer("", 0, nil, &fakeTurns{}, nil)
	s.SetTasks(q, bus)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return ts, q
}

func TestTaskEndpoints(t *testing.T) {
	ts, q := newTaskServer(t)
	ctx := context.Background()

	task, err := q.Enqueue(ctx, "task-1", queue.Payload{ToolName: "research", UserID: "tok-1", Arguments: json.RawMessage(`{}`)})
	if err != nil {
		t.Fatal(err)
	}

	resp, err := http.Get(ts.URL + "/v1/tasks/" + task.ID)
	if err != nil {
		t.Fatal(err)
	}
	var got queue.Task
	err = json.NewDecoder(resp.Body).Decode(&got)
	resp.Body.Close()
	if err != nil || got.ID != "task-1" || got.Status != queue.StatusQueued {
		t.Errorf("task = %+v (%v)", got, err)
	}

	resp, err = http.Get(ts.URL + "/v1/tasks/missing")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing task status = %d", resp.StatusCode)
	}

	if resp := post(t, ts.URL+"/v1/tasks/task-1/cancel", "", ""); resp.StatusCode != http.StatusOK {
		t.Errorf("cancel status = %d", resp.StatusCode)
	}
	if resp := post(t, ts.URL+"/v1/tasks/task-1/cancel", "", ""); resp.StatusCode != http.StatusConflict {
		t.Errorf("second cancel status = %d, want 409", resp.StatusCode)
	}

	resp, err = http.Get(ts.URL + "/v1/tasks?status=cancelled")
	if err != nil {
		t.Fatal(err)
	}
	var list struct {
		Count int `json:"count"`
	}
	err = json.NewDecoder(resp.Body).Decode(&list)
	resp.Body.Close()
	if err != nil || list.Count != 1 {
		t.Errorf("list count = %d (%v)", list.Count, err)
	}
}

func TestTaskEvents_WebSocket(t *testing.T) {
	ts, q := newTaskServer(t)
	ctx := context.Background()

	task, err := q.Enqueue(ctx, "task-ws", queue.Payload{ToolName: "research", UserID: "tok-1", Arguments: json.RawMessage(`{}`)})
	if err != nil {
		t.Fatal(err)
	}
	q.RecordEvent(ctx, task, events.Event{Type: events.TypeLLMCallStart, Data: map[string]any{"model": "m"}})

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/tasks/task-ws/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var first events.Event
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatalf("read stored event: %v", err)
	}
	if first.Type != events.TypeLLMCallStart || first.TaskID != "task-ws" {
		t.Errorf("stored event = %+v", first)
	}

	// Cancelling the queued task publishes the terminal event live.
	if _, err := q.Cancel(ctx, "task-ws"); err != nil {
		t.Fatal(err)
	}
	var last events.Event
	if err := conn.ReadJSON(&last); err != nil {
		t.Fatalf("read live event: %v", err)
	}
	if last.Type != events.TypeTaskCompleted || last.Data["status"] != string(queue.StatusCancelled) {
		t.Errorf("live event = %+v", last)
	}

	_, _, err = conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Errorf("expected normal close, got %v", err)
	}
}

func TestTaskEvents_UnknownTask(t *testing.T) {
	ts, _ := newTaskServer(t)
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/tasks/nope/events"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("expected dial to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Errorf("response = %v", resp)
	}
}
