package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/nugget/bernard/internal/database"
	"github.com/nugget/bernard/internal/events"
)

func testConfig() Config {
	return Config{
		Attempts:      3,
		BackoffBase:   time.Millisecond,
		Concurrency:   2,
		MaxRuntime:    5 * time.Second,
		LeaseDuration: 300 * time.Millisecond,
		PollInterval:  5 * time.Millisecond,
	}
}

func newTestQueue(t *testing.T, cfg Config, bus *events.Bus) *Queue {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	q, err := New(context.Background(), db, cfg, bus, nil)
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })
	return q
}

func startWorker(t *testing.T, q *Queue, procs map[string]Processor) *Worker {
	t.Helper()
	w := NewWorker(q, nil)
	for name, p := range procs {
		w.Register(name, p)
	}
	w.Start(context.Background())
	t.Cleanup(w.Stop)
	return w
}

func payload(tool string) Payload {
	return Payload{ToolName: tool, UserID: "user-1", Arguments: json.RawMessage(`{"q":"x"}`)}
}

func waitStatus(t *testing.T, q *Queue, id string, want Status) *Task {
	t.Helper()
	var last *Task
	require.Eventually(t, func() bool {
		task, err := q.Get(context.Background(), id)
		if err != nil {
			return false
		}
		last = task
		return task.Status == want
	}, 5*time.Second, 5*time.Millisecond, "task %s never reached %s", id, want)
	return last
}

func eventTypes(t *testing.T, q *Queue, id string) []string {
	t.Helper()
	evs, err := q.Events(context.Background(), id)
	require.NoError(t, err)
	var out []string
	for _, e := range evs {
		out = append(out, e.Type)
	}
	return out
}

func TestEnqueue_Validation(t *testing.T) {
	q := newTestQueue(t, testConfig(), nil)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "", Payload{UserID: "u"})
	assert.ErrorIs(t, err, ErrValidation)
	_, err = q.Enqueue(ctx, "", Payload{ToolName: "research"})
	assert.ErrorIs(t, err, ErrValidation)
	assert.True(t, IsPermanent(err))
}

func TestEnqueue_Idempotent(t *testing.T) {
	q := newTestQueue(t, testConfig(), nil)
	ctx := context.Background()

	first, err := q.Enqueue(ctx, "task-1", payload("research"), WithName("Research tea"))
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, first.Status)
	assert.Equal(t, "Research tea", first.Name)
	assert.Equal(t, 3, first.MaxAttempts)
	assert.Equal(t, "task-1", first.Payload.TaskID)
	assert.Contains(t, first.IdempotencyKey, "task-1:")

	again, err := q.Enqueue(ctx, "task-1", payload("other"))
	require.NoError(t, err)
	assert.Equal(t, first.IdempotencyKey, again.IdempotencyKey)
	assert.Equal(t, "research", again.ToolName)

	tasks, err := q.List(ctx, ListOptions{})
	require.NoError(t, err)
	assert.Len(t, tasks, 1)

	generated, err := q.Enqueue(ctx, "", payload("research"))
	require.NoError(t, err)
	assert.NotEmpty(t, generated.ID)
}

func TestWorker_RetriesThenCompletes(t *testing.T) {
	q := newTestQueue(t, testConfig(), nil)
	var calls atomic.Int32
	startWorker(t, q, map[string]Processor{
		"flaky": func(ctx context.Context, ec *ExecContext) error {
			if calls.Add(1) < 3 {
				return errors.New("upstream 503")
			}
			return nil
		},
	})

	task, err := q.Enqueue(context.Background(), "", payload("flaky"))
	require.NoError(t, err)

	done := waitStatus(t, q, task.ID, StatusCompleted)
	assert.Equal(t, 3, done.AttemptsMade)
	assert.Empty(t, done.ErrorMessage)
	require.NotNil(t, done.CompletedAt)
	require.NotNil(t, done.RuntimeMs)

	assert.Equal(t, []string{
		events.TypeTaskStarted, events.TypeError,
		events.TypeTaskStarted, events.TypeError,
		events.TypeTaskStarted, events.TypeTaskCompleted,
	}, eventTypes(t, q, task.ID))
}

func TestWorker_ExhaustsAttempts(t *testing.T) {
	q := newTestQueue(t, testConfig(), nil)
	var calls atomic.Int32
	startWorker(t, q, map[string]Processor{
		"broken": func(ctx context.Context, ec *ExecContext) error {
			n := calls.Add(1)
			return errors.New("failure " + string(rune('0'+n)))
		},
	})

	task, err := q.Enqueue(context.Background(), "", payload("broken"))
	require.NoError(t, err)

	done := waitStatus(t, q, task.ID, StatusErrored)
	assert.Equal(t, 3, done.AttemptsMade)
	assert.Equal(t, done.MaxAttempts, done.AttemptsMade)
	assert.Equal(t, "failure 3", done.ErrorMessage)
	assert.EqualValues(t, 3, calls.Load())
}

func TestWorker_PermanentErrorNotRetried(t *testing.T) {
	q := newTestQueue(t, testConfig(), nil)
	var calls atomic.Int32
	startWorker(t, q, map[string]Processor{
		"strict": func(ctx context.Context, ec *ExecContext) error {
			calls.Add(1)
			return Permanent(errors.New("bad arguments"))
		},
	})

	task, err := q.Enqueue(context.Background(), "", payload("strict"))
	require.NoError(t, err)

	done := waitStatus(t, q, task.ID, StatusErrored)
	assert.Equal(t, 1, done.AttemptsMade)
	assert.Equal(t, "bad arguments", done.ErrorMessage)
	assert.EqualValues(t, 1, calls.Load())
}

func TestWorker_UnknownTool(t *testing.T) {
	q := newTestQueue(t, testConfig(), nil)
	startWorker(t, q, nil)

	task, err := q.Enqueue(context.Background(), "", payload("nobody-home"))
	require.NoError(t, err)

	done := waitStatus(t, q, task.ID, StatusErrored)
	assert.Equal(t, 1, done.AttemptsMade)
	assert.Contains(t, done.ErrorMessage, "no processor")
}

func TestWorker_PanicIsRetried(t *testing.T) {
	q := newTestQueue(t, testConfig(), nil)
	var calls atomic.Int32
	startWorker(t, q, map[string]Processor{
		"panicky": func(ctx context.Context, ec *ExecContext) error {
			if calls.Add(1) == 1 {
				panic("nil map")
			}
			return nil
		},
	})

	task, err := q.Enqueue(context.Background(), "", payload("panicky"))
	require.NoError(t, err)
	done := waitStatus(t, q, task.ID, StatusCompleted)
	assert.Equal(t, 2, done.AttemptsMade)
}

func TestWorker_MaxRuntimeIsUncompleted(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRuntime = 50 * time.Millisecond
	q := newTestQueue(t, cfg, nil)
	var calls atomic.Int32
	startWorker(t, q, map[string]Processor{
		"slow": func(ctx context.Context, ec *ExecContext) error {
			calls.Add(1)
			<-ctx.Done()
			return ctx.Err()
		},
	})

	task, err := q.Enqueue(context.Background(), "", payload("slow"))
	require.NoError(t, err)

	done := waitStatus(t, q, task.ID, StatusUncompleted)
	assert.Equal(t, 1, done.AttemptsMade)
	assert.Contains(t, done.ErrorMessage, "maximum runtime")
	assert.EqualValues(t, 1, calls.Load())
}

func TestCancel_Queued(t *testing.T) {
	bus := events.New()
	ch := bus.Subscribe(8)
	defer bus.Unsubscribe(ch)

	q := newTestQueue(t, testConfig(), bus)
	ctx := context.Background()

	task, err := q.Enqueue(ctx, "", payload("research"))
	require.NoError(t, err)

	cancelled, err := q.Cancel(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, cancelled.Status)
	assert.NotNil(t, cancelled.CompletedAt)

	select {
	case e := <-ch:
		assert.Equal(t, events.TypeTaskCompleted, e.Type)
		assert.Equal(t, task.ID, e.TaskID)
		assert.True(t, e.Terminal())
	case <-time.After(time.Second):
		t.Fatal("no event published")
	}

	_, err = q.Cancel(ctx, task.ID)
	assert.ErrorIs(t, err, ErrFinished)

	_, err = q.Cancel(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCancel_Running(t *testing.T) {
	cfg := testConfig()
	cfg.LeaseDuration = 60 * time.Millisecond
	q := newTestQueue(t, cfg, nil)

	running := make(chan struct{})
	startWorker(t, q, map[string]Processor{
		"long": func(ctx context.Context, ec *ExecContext) error {
			close(running)
			<-ctx.Done()
			return ctx.Err()
		},
	})

	task, err := q.Enqueue(context.Background(), "", payload("long"))
	require.NoError(t, err)

	select {
	case <-running:
	case <-time.After(5 * time.Second):
		t.Fatal("task never started")
	}

	flagged, err := q.Cancel(context.Background(), task.ID)
	require.NoError(t, err)
	assert.True(t, flagged.CancelRequested)

	done := waitStatus(t, q, task.ID, StatusCancelled)
	assert.Equal(t, 1, done.AttemptsMade, "cancelled tasks are not retried")
}

func TestExecContext_RecordEventCounters(t *testing.T) {
	bus := events.New()
	ch := bus.Subscribe(32)
	defer bus.Unsubscribe(ch)

	q := newTestQueue(t, testConfig(), bus)
	startWorker(t, q, map[string]Processor{
		"agent": func(ctx context.Context, ec *ExecContext) error {
			ec.RecordEvent(ctx, events.Event{Type: events.TypeLLMCallComplete, Data: map[string]any{"tokens_in": 120, "tokens_out": 30}})
			ec.RecordEvent(ctx, events.Event{Type: events.TypeToolCallStart, Data: map[string]any{"tool": "recall"}})
			ec.RecordEvent(ctx, events.Event{Type: events.TypeToolCallComplete, Data: map[string]any{"tool": "recall", "ok": true}})
			ec.RecordEvent(ctx, events.Event{Type: events.TypeLLMCallComplete, Data: map[string]any{"tokens_in": 80, "tokens_out": 20}})
			ec.RecordEvent(ctx, events.Event{Type: events.TypeMessageRecorded, Data: map[string]any{"role": "assistant"}})
			return nil
		},
	})

	p := payload("agent")
	p.ConversationID = "conv-9"
	task, err := q.Enqueue(context.Background(), "", p)
	require.NoError(t, err)

	done := waitStatus(t, q, task.ID, StatusCompleted)
	assert.Equal(t, 200, done.TokensIn)
	assert.Equal(t, 50, done.TokensOut)
	assert.Equal(t, 1, done.ToolCallCount)
	assert.Equal(t, 1, done.MessageCount)

	evs, err := q.Events(context.Background(), task.ID)
	require.NoError(t, err)
	require.Len(t, evs, 7)
	assert.Equal(t, "conv-9", evs[1].ConversationID)
	assert.EqualValues(t, 120, evs[1].Data["tokens_in"])

	var published []string
	timeout := time.After(2 * time.Second)
	for len(published) < 7 {
		select {
		case e := <-ch:
			if e.TaskID == task.ID {
				published = append(published, e.Type)
			}
		case <-timeout:
			t.Fatalf("only %d events published: %v", len(published), published)
		}
	}
	assert.Equal(t, events.TypeTaskStarted, published[0])
	assert.Equal(t, events.TypeTaskCompleted, published[6])
}

func TestClaim_ReclaimsStalledTask(t *testing.T) {
	q := newTestQueue(t, testConfig(), nil)
	ctx := context.Background()

	task, err := q.Enqueue(ctx, "", payload("research"))
	require.NoError(t, err)

	first, err := q.claim(ctx, "dead-worker")
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, StatusRunning, first.Status)
	assert.Equal(t, 1, first.AttemptsMade)

	// Lease still valid: nothing to claim.
	none, err := q.claim(ctx, "live-worker")
	require.NoError(t, err)
	assert.Nil(t, none)

	expireLease(t, q, task.ID)

	second, err := q.claim(ctx, "live-worker")
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, task.ID, second.ID)
	assert.Equal(t, "live-worker", second.LeaseOwner)
	assert.Equal(t, 2, second.AttemptsMade)

	// The dead worker's late result is rejected.
	ok, err := q.finish(ctx, task.ID, "dead-worker", outcome{status: StatusCompleted})
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = q.heartbeat(ctx, task.ID, "dead-worker")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestClaim_ExpiresStalledTaskWithoutAttempts(t *testing.T) {
	q := newTestQueue(t, testConfig(), nil)
	ctx := context.Background()

	task, err := q.Enqueue(ctx, "", payload("research"), WithMaxAttempts(1))
	require.NoError(t, err)
	_, err = q.claim(ctx, "dead-worker")
	require.NoError(t, err)
	expireLease(t, q, task.ID)

	next, err := q.claim(ctx, "live-worker")
	require.NoError(t, err)
	assert.Nil(t, next)

	got, err := q.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusErrored, got.Status)
	assert.Equal(t, "worker lease expired", got.ErrorMessage)
}

func expireLease(t *testing.T, q *Queue, id string) {
	t.Helper()
	_, err := q.db.Exec(`UPDATE tasks SET lease_expires_at = ? WHERE id = ?`,
		database.FormatTime(time.Now().Add(-time.Minute)), id)
	require.NoError(t, err)
}

func TestWorker_StopReleasesRunningTask(t *testing.T) {
	q := newTestQueue(t, testConfig(), nil)

	running := make(chan struct{})
	w := NewWorker(q, nil)
	w.Register("long", func(ctx context.Context, ec *ExecContext) error {
		close(running)
		<-ctx.Done()
		return ctx.Err()
	})
	w.Start(context.Background())

	task, err := q.Enqueue(context.Background(), "", payload("long"))
	require.NoError(t, err)

	select {
	case <-running:
	case <-time.After(5 * time.Second):
		w.Stop()
		t.Fatal("task never started")
	}
	w.Stop()

	got, err := q.Get(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, got.Status)
	assert.Equal(t, 0, got.AttemptsMade, "shutdown does not charge an attempt")
	assert.Empty(t, got.LeaseOwner)
}

func TestPrune(t *testing.T) {
	cfg := testConfig()
	cfg.KeepCompleted = 2
	cfg.KeepFailed = 1
	cfg.ArchiveAfter = 24 * time.Hour
	q := newTestQueue(t, cfg, nil)
	ctx := context.Background()

	finishAt := func(id string, status Status, at time.Time) {
		_, err := q.db.Exec(`UPDATE tasks SET status = ?, completed_at = ? WHERE id = ?`,
			string(status), database.FormatTime(at), id)
		require.NoError(t, err)
	}

	now := time.Now()
	var completed []string
	for i := 0; i < 4; i++ {
		task, err := q.Enqueue(ctx, "", payload("research"))
		require.NoError(t, err)
		completed = append(completed, task.ID)
		finishAt(task.ID, StatusCompleted, now.Add(-time.Duration(4-i)*time.Hour))
	}
	old, err := q.Enqueue(ctx, "", payload("research"))
	require.NoError(t, err)
	finishAt(old.ID, StatusErrored, now.Add(-48*time.Hour))
	recent, err := q.Enqueue(ctx, "", payload("research"))
	require.NoError(t, err)
	finishAt(recent.ID, StatusCancelled, now.Add(-time.Hour))
	pending, err := q.Enqueue(ctx, "", payload("research"))
	require.NoError(t, err)

	res, err := q.Prune(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Archived)
	assert.Equal(t, 3, res.Deleted)

	for _, id := range completed[:2] {
		_, err := q.Get(ctx, id)
		assert.ErrorIs(t, err, ErrNotFound)
	}
	for _, id := range append(completed[2:], recent.ID, pending.ID) {
		_, err := q.Get(ctx, id)
		assert.NoError(t, err)
	}
	_, err = q.Get(ctx, old.ID)
	assert.ErrorIs(t, err, ErrNotFound, "oldest failed task is beyond the failed budget")
}

func TestList(t *testing.T) {
	q := newTestQueue(t, testConfig(), nil)
	ctx := context.Background()

	a := payload("research")
	a.ConversationID = "conv-a"
	_, err := q.Enqueue(ctx, "t1", a)
	require.NoError(t, err)
	b := payload("research")
	b.UserID = "user-2"
	_, err = q.Enqueue(ctx, "t2", b)
	require.NoError(t, err)
	_, err = q.Cancel(ctx, "t2")
	require.NoError(t, err)

	byUser, err := q.List(ctx, ListOptions{UserID: "user-2"})
	require.NoError(t, err)
	require.Len(t, byUser, 1)
	assert.Equal(t, "t2", byUser[0].ID)

	byConv, err := q.List(ctx, ListOptions{ConversationID: "conv-a"})
	require.NoError(t, err)
	require.Len(t, byConv, 1)
	assert.Equal(t, "t1", byConv[0].ID)

	queued, err := q.List(ctx, ListOptions{Statuses: []Status{StatusQueued}})
	require.NoError(t, err)
	require.Len(t, queued, 1)
	assert.Equal(t, "t1", queued[0].ID)
}

func TestBackoff(t *testing.T) {
	cfg := Config{BackoffBase: time.Second}
	assert.Equal(t, time.Second, cfg.Backoff(1))
	assert.Equal(t, 2*time.Second, cfg.Backoff(2))
	assert.Equal(t, 4*time.Second, cfg.Backoff(3))
	assert.Equal(t, time.Second, cfg.Backoff(0))
}

func TestTransitions(t *testing.T) {
	assert.True(t, canTransition(StatusQueued, StatusRunning))
	assert.True(t, canTransition(StatusRunning, StatusQueued))
	assert.False(t, canTransition(StatusCompleted, StatusQueued))
	assert.False(t, canTransition(StatusQueued, StatusCompleted))
	for _, s := range []Status{StatusCompleted, StatusErrored, StatusCancelled, StatusUncompleted} {
		assert.True(t, s.Terminal(), s)
	}
	assert.False(t, StatusRunning.Terminal())
}
