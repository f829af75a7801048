// Package events carries progress events from the turn pipeline and the
// background worker to subscribers (WebSocket clients, the MQTT
// publisher). The bus is nil-safe: Publish on a nil *Bus is a no-op, so
// producers never need guard checks.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	SourceOrchestrator = "orchestrator"
	SourceQueue        = "queue"
)

// Event types. Background task events are persisted by the queue before
// they are published; orchestrator events are publish-only.
const (
	// TypeTaskStarted: a worker claimed the task. Data: attempt.
	TypeTaskStarted = "task_started"
	// TypeLLMCallStart: Data: model, stage, iteration.
	TypeLLMCallStart = "llm_call_start"
	// TypeLLMCallComplete: Data: model, stage, tokens_in, tokens_out, latency_ms.
	TypeLLMCallComplete = "llm_call_complete"
	// TypeToolCallStart: Data: tool, call_id.
	TypeToolCallStart = "tool_call_start"
	// TypeToolCallComplete: Data: tool, call_id, ok, duration_ms.
	TypeToolCallComplete = "tool_call_complete"
	// TypeMessageRecorded: Data: role.
	TypeMessageRecorded = "message_recorded"
	// TypeError: Data: error, attempt, retrying.
	TypeError = "error"
	// TypeTaskCompleted marks any terminal state. Data: status, runtime_ms.
	TypeTaskCompleted = "task_completed"

	// TypeTurnStart: Data: request_id, conversation_id, model.
	TypeTurnStart = "turn_start"
	// TypeTurnComplete: Data: request_id, conversation_id, degraded, elapsed_ms.
	TypeTurnComplete = "turn_complete"
)

// Event is the progress record pushed to subscribers.
type Event struct {
	Type           string         `json:"type"`
	Timestamp      time.Time      `json:"timestamp"`
	Source         string         `json:"source,omitempty"`
	TaskID         string         `json:"task_id,omitempty"`
	ConversationID string         `json:"conversation_id,omitempty"`
	Data           map[string]any `json:"data,omitempty"`
}

// Terminal reports whether no further events will follow for the task.
func (e Event) Terminal() bool {
	return e.Type == TypeTaskCompleted
}

// Bus is a non-blocking broadcast bus. Slow subscribers miss events
// rather than blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend lets Unsubscribe accept the receive-only view handed
	// out by Subscribe.
	recvToSend map[<-chan Event]chan Event
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends e to every subscriber, stamping Timestamp when unset.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Subscribe returns a channel of published events. Callers must
// Unsubscribe when done.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes its channel. Unknown
// channels are ignored.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
