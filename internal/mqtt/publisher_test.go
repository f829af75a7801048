package mqtt

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/bernard/internal/config"
	"github.com/nugget/bernard/internal/events"
)

type fakeClient struct {
	mu   sync.Mutex
	msgs []*paho.Publish
}

func (c *fakeClient) Publish(_ context.Context, p *paho.Publish) (*paho.PublishResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, p)
	return &paho.PublishResponse{}, nil
}

func (c *fakeClient) byTopic() map[string]*paho.Publish {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]*paho.Publish, len(c.msgs))
	for _, m := range c.msgs {
		out[m.Topic] = m
	}
	return out
}

func TestEventTopic(t *testing.T) {
	tests := []struct {
		name string
		e    events.Event
		want string
	}{
		{"task", events.Event{TaskID: "t1", ConversationID: "c1"}, "bernard/tasks/t1/events"},
		{"conversation", events.Event{ConversationID: "c1"}, "bernard/conversations/c1/events"},
		{"neither", events.Event{}, "bernard/events"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := EventTopic("bernard", tt.e); got != tt.want {
				t.Errorf("EventTopic() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestPublisher_Run(t *testing.T) {
	client := &fakeClient{}
	p := New(config.MQTTConfig{TopicPrefix: "home/bernard"}, "bernard-test", nil, nil)
	p.client = client

	ch := make(chan events.Event, 4)
	ch <- events.Event{Type: events.TypeLLMCallComplete, ConversationID: "c1", Data: map[string]any{"tokens_in": 100, "tokens_out": 20}}
	ch <- events.Event{Type: events.TypeTaskCompleted, TaskID: "t1", Data: map[string]any{"status": "completed"}}
	close(ch)

	p.run(context.Background(), ch, time.Hour)

	got := client.byTopic()
	conv, ok := got["home/bernard/conversations/c1/events"]
	if !ok {
		t.Fatalf("conversation event not published; topics = %v", got)
	}
	if conv.Retain {
		t.Error("progress events should not be retained")
	}
	var e events.Event
	if err := json.Unmarshal(conv.Payload, &e); err != nil {
		t.Fatal(err)
	}
	if e.Type != events.TypeLLMCallComplete || e.ConversationID != "c1" {
		t.Errorf("payload = %+v", e)
	}

	done, ok := got["home/bernard/tasks/t1/events"]
	if !ok || !done.Retain {
		t.Errorf("terminal task event = %+v, want retained", done)
	}

	in, out, calls := p.tokens.Snapshot()
	if in != 100 || out != 20 || calls != 1 {
		t.Errorf("tokens = %d/%d/%d", in, out, calls)
	}

	p.publishState(context.Background())
	state := client.byTopic()["home/bernard/state/tokens_today"]
	if state == nil || string(state.Payload) != "120" || !state.Retain {
		t.Errorf("state = %+v", state)
	}
}

func TestPublisher_NotStarted(t *testing.T) {
	p := New(config.MQTTConfig{TopicPrefix: "bernard"}, "x", nil, nil)
	if err := p.publish(context.Background(), "bernard/events", nil, 0, false); err == nil {
		t.Error("publish before Start should fail")
	}
	if err := p.Stop(context.Background()); err != nil {
		t.Errorf("Stop before Start = %v", err)
	}
}

func TestInstanceID(t *testing.T) {
	dir := t.TempDir()

	first, err := InstanceID(dir)
	if err != nil {
		t.Fatalf("InstanceID() error = %v", err)
	}
	if parts := strings.Split(first, "-"); len(parts) != 5 {
		t.Errorf("id %q does not look like a UUID", first)
	}
	data, err := os.ReadFile(filepath.Join(dir, instanceFile))
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(string(data)) != first {
		t.Errorf("file = %q, want %q", data, first)
	}

	second, err := InstanceID(dir)
	if err != nil {
		t.Fatal(err)
	}
	if second != first {
		t.Errorf("second = %q, want stable %q", second, first)
	}
}

func TestClientID(t *testing.T) {
	if got := ClientID("custom", "0190a1b2-0000-7000-8000-000000000000"); got != "custom" {
		t.Errorf("configured = %q", got)
	}
	if got := ClientID("", "0190a1b2-0000-7000-8000-000000000000"); got != "bernard-0190a1b2" {
		t.Errorf("derived = %q", got)
	}
}

func TestMQTTConfig_Configured(t *testing.T) {
	if (config.MQTTConfig{}).Configured() {
		t.Error("empty config reports configured")
	}
	if !(config.MQTTConfig{Broker: "mqtt://localhost:1883"}).Configured() {
		t.Error("broker config reports unconfigured")
	}
}
