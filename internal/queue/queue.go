package queue

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nugget/bernard/internal/database"
	"github.com/nugget/bernard/internal/events"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Config controls retries, retention and the worker.
type Config struct {
	// Attempts is how many times a task may run. Default: 3.
	Attempts int
	// BackoffBase is the first retry delay; attempt n waits
	// BackoffBase * 2^(n-1). Default: 1s.
	BackoffBase time.Duration
	// Concurrency bounds tasks running at once per worker. Default: 3.
	Concurrency int
	// KeepCompleted and KeepFailed are how many finished tasks of each
	// kind survive Prune. Defaults: 50 and 100.
	KeepCompleted int
	KeepFailed    int
	// ArchiveAfter marks finished tasks archived. Default: 7 days.
	ArchiveAfter time.Duration
	// MaxRuntime ends a run as uncompleted. Default: 10 minutes.
	MaxRuntime time.Duration
	// LeaseDuration is how long a claim holds without a heartbeat.
	// Default: 30s.
	LeaseDuration time.Duration
	// PollInterval is the idle wait between claim attempts. Default: 1s.
	PollInterval time.Duration
	// PruneInterval is how often the worker prunes. Default: 1h.
	PruneInterval time.Duration
}

// DefaultConfig returns the default queue settings.
func DefaultConfig() Config {
	return Config{
		Attempts:      3,
		BackoffBase:   time.Second,
		Concurrency:   3,
		KeepCompleted: 50,
		KeepFailed:    100,
		ArchiveAfter:  7 * 24 * time.Hour,
		MaxRuntime:    10 * time.Minute,
		LeaseDuration: 30 * time.Second,
		PollInterval:  time.Second,
		PruneInterval: time.Hour,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.Attempts <= 0 {
		c.Attempts = d.Attempts
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = d.BackoffBase
	}
	if c.Concurrency <= 0 {
		c.Concurrency = d.Concurrency
	}
	if c.KeepCompleted <= 0 {
		c.KeepCompleted = d.KeepCompleted
	}
	if c.KeepFailed <= 0 {
		c.KeepFailed = d.KeepFailed
	}
	if c.ArchiveAfter <= 0 {
		c.ArchiveAfter = d.ArchiveAfter
	}
	if c.MaxRuntime <= 0 {
		c.MaxRuntime = d.MaxRuntime
	}
	if c.LeaseDuration <= 0 {
		c.LeaseDuration = d.LeaseDuration
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.PruneInterval <= 0 {
		c.PruneInterval = d.PruneInterval
	}
}

// Backoff returns the delay before retry number attempt (1-based).
func (c Config) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 30 {
		attempt = 30
	}
	return c.BackoffBase * time.Duration(1<<(attempt-1))
}

// Queue is the SQLite-backed task store. It owns every task state
// change; workers go through it.
type Queue struct {
	db     *sql.DB
	cfg    Config
	bus    *events.Bus
	logger *slog.Logger
}

// Open opens the queue database at path and migrates it.
func Open(ctx context.Context, path string, cfg Config, bus *events.Bus, logger *slog.Logger) (*Queue, error) {
	db, err := database.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open queue database: %w", err)
	}
	q, err := New(ctx, db, cfg, bus, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	return q, nil
}

// New wraps an open database. bus may be nil.
func New(ctx context.Context, db *sql.DB, cfg Config, bus *events.Bus, logger *slog.Logger) (*Queue, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := database.Migrate(ctx, db, database.MustSub(migrations, "migrations"), logger); err != nil {
		return nil, fmt.Errorf("migrate queue schema: %w", err)
	}
	cfg.applyDefaults()
	return &Queue{
		db:     db,
		cfg:    cfg,
		bus:    bus,
		logger: logger.With("component", "queue"),
	}, nil
}

// Close closes the database connection.
func (q *Queue) Close() error {
	return q.db.Close()
}

// Config returns the effective configuration.
func (q *Queue) Config() Config {
	return q.cfg
}

// EnqueueOption customizes Enqueue.
type EnqueueOption func(*Task)

// WithName sets the display name. The default is the tool name.
func WithName(name string) EnqueueOption {
	return func(t *Task) { t.Name = name }
}

// WithMaxAttempts overrides the configured attempt budget.
func WithMaxAttempts(n int) EnqueueOption {
	return func(t *Task) {
		if n > 0 {
			t.MaxAttempts = n
		}
	}
}

// Enqueue submits a task. An empty taskID gets a generated one. If a
// task with taskID already exists it is returned unchanged, so
// resubmitting is safe. Missing tool name or user id fail with
// ErrValidation.
func (q *Queue) Enqueue(ctx context.Context, taskID string, p Payload, opts ...EnqueueOption) (*Task, error) {
	if strings.TrimSpace(p.ToolName) == "" {
		return nil, fmt.Errorf("%w: tool name is required", ErrValidation)
	}
	if strings.TrimSpace(p.UserID) == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrValidation)
	}
	if taskID == "" {
		taskID = p.TaskID
	}
	if taskID == "" {
		taskID = newID()
	}
	p.TaskID = taskID
	if len(p.Arguments) == 0 {
		p.Arguments = json.RawMessage("{}")
	}

	if existing, err := q.Get(ctx, taskID); err == nil {
		return existing, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	now := time.Now().UTC()
	t := &Task{
		ID:             taskID,
		Name:           p.ToolName,
		Status:         StatusQueued,
		ToolName:       p.ToolName,
		UserID:         p.UserID,
		ConversationID: p.ConversationID,
		CreatedAt:      now,
		AvailableAt:    now,
		MaxAttempts:    q.cfg.Attempts,
	}
	for _, opt := range opts {
		opt(t)
	}
	t.Payload = p
	t.IdempotencyKey = fmt.Sprintf("%s:%d", taskID, now.UnixMilli())

	payload, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("%w: payload: %v", ErrValidation, err)
	}

	_, err = q.db.ExecContext(ctx, `
		INSERT INTO tasks (id, name, status, tool_name, user_id, conversation_id, payload,
			idempotency_key, created_at, max_attempts, available_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		t.ID, t.Name, string(t.Status), t.ToolName, t.UserID, nullString(t.ConversationID), string(payload),
		t.IdempotencyKey, database.FormatTime(t.CreatedAt), t.MaxAttempts, database.FormatTime(t.AvailableAt),
	)
	if err != nil {
		return nil, fmt.Errorf("insert task: %w", err)
	}

	// A concurrent submission may have won; return whatever is stored.
	stored, err := q.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if stored.IdempotencyKey == t.IdempotencyKey {
		q.logger.Info("task enqueued", "task_id", t.ID, "tool", t.ToolName, "user_id", t.UserID)
	}
	return stored, nil
}

const taskColumns = `id, name, status, tool_name, user_id, conversation_id, payload,
	idempotency_key, created_at, started_at, completed_at, runtime_ms, error_message,
	message_count, tool_call_count, tokens_in, tokens_out, archived, archived_at,
	attempts_made, max_attempts, available_at, lease_owner, lease_expires_at, cancel_requested`

// Get returns one task or ErrNotFound.
func (q *Queue) Get(ctx context.Context, id string) (*Task, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

// List returns tasks, newest first.
func (q *Queue) List(ctx context.Context, opts ListOptions) ([]Task, error) {
	var where []string
	var args []any
	if len(opts.Statuses) > 0 {
		marks := make([]string, len(opts.Statuses))
		for i, s := range opts.Statuses {
			marks[i] = "?"
			args = append(args, string(s))
		}
		where = append(where, "status IN ("+strings.Join(marks, ", ")+")")
	}
	if opts.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, opts.UserID)
	}
	if opts.ConversationID != "" {
		where = append(where, "conversation_id = ?")
		args = append(args, opts.ConversationID)
	}
	if !opts.IncludeArchived {
		where = append(where, "archived = 0")
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT ` + taskColumns + ` FROM tasks`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// Cancel cancels a task. A queued task is cancelled at once; a running
// task is flagged and its worker cancels it at the next heartbeat.
// Cancelling a finished task fails with ErrFinished.
func (q *Queue) Cancel(ctx context.Context, id string) (*Task, error) {
	now := time.Now().UTC()
	res, err := q.db.ExecContext(ctx, `
		UPDATE tasks SET status = ?, completed_at = ?, error_message = 'cancelled before start'
		WHERE id = ? AND status = ?`,
		string(StatusCancelled), database.FormatTime(now), id, string(StatusQueued),
	)
	if err != nil {
		return nil, fmt.Errorf("cancel task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		t, err := q.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		q.logger.Info("task cancelled", "task_id", id)
		q.RecordEvent(ctx, t, events.Event{
			Type: events.TypeTaskCompleted,
			Data: map[string]any{"status": string(StatusCancelled)},
		})
		return t, nil
	}

	res, err = q.db.ExecContext(ctx,
		`UPDATE tasks SET cancel_requested = 1 WHERE id = ? AND status = ?`,
		id, string(StatusRunning),
	)
	if err != nil {
		return nil, fmt.Errorf("request task cancel: %w", err)
	}
	t, err := q.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 1 {
		q.logger.Info("task cancel requested", "task_id", id)
		return t, nil
	}
	if t.Status.Terminal() {
		return t, ErrFinished
	}
	return t, nil
}

// RecordEvent persists e for t, updates the task's counters and
// publishes it. Failures are logged; event recording never fails a task.
func (q *Queue) RecordEvent(ctx context.Context, t *Task, e events.Event) {
	e.Source = events.SourceQueue
	e.TaskID = t.ID
	e.ConversationID = t.ConversationID
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	if err := q.appendEvent(ctx, e); err != nil {
		q.logger.Warn("failed to record task event",
			"task_id", t.ID,
			"type", e.Type,
			"error", err,
		)
	}
	q.bus.Publish(e)
}

func (q *Queue) appendEvent(ctx context.Context, e events.Event) error {
	var data sql.NullString
	if len(e.Data) > 0 {
		b, err := json.Marshal(e.Data)
		if err != nil {
			return fmt.Errorf("marshal event data: %w", err)
		}
		data = sql.NullString{String: string(b), Valid: true}
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin event: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO task_events (task_id, type, timestamp, data) VALUES (?, ?, ?, ?)`,
		e.TaskID, e.Type, database.FormatTime(e.Timestamp), data,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	var counter string
	var args []any
	switch e.Type {
	case events.TypeMessageRecorded:
		counter = "message_count = message_count + 1"
	case events.TypeToolCallStart:
		counter = "tool_call_count = tool_call_count + 1"
	case events.TypeLLMCallComplete:
		counter = "tokens_in = tokens_in + ?, tokens_out = tokens_out + ?"
		args = append(args, intFrom(e.Data["tokens_in"]), intFrom(e.Data["tokens_out"]))
	}
	if counter != "" {
		args = append(args, e.TaskID)
		if _, err := tx.ExecContext(ctx, `UPDATE tasks SET `+counter+` WHERE id = ?`, args...); err != nil {
			return fmt.Errorf("update task counters: %w", err)
		}
	}
	return tx.Commit()
}

// Events returns the stored events of a task in order.
func (q *Queue) Events(ctx context.Context, taskID string) ([]events.Event, error) {
	var conversationID sql.NullString
	err := q.db.QueryRowContext(ctx, `SELECT conversation_id FROM tasks WHERE id = ?`, taskID).Scan(&conversationID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load task: %w", err)
	}

	rows, err := q.db.QueryContext(ctx,
		`SELECT type, timestamp, data FROM task_events WHERE task_id = ? ORDER BY seq`, taskID)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []events.Event
	for rows.Next() {
		e := events.Event{Source: events.SourceQueue, TaskID: taskID, ConversationID: conversationID.String}
		var ts string
		var data sql.NullString
		if err := rows.Scan(&e.Type, &ts, &data); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Timestamp = database.ParseTime(ts)
		if data.Valid {
			if err := json.Unmarshal([]byte(data.String), &e.Data); err != nil {
				return nil, fmt.Errorf("decode event data: %w", err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanTask(row interface{ Scan(...any) error }) (*Task, error) {
	var t Task
	var status, payload, created, available string
	var conversationID, started, completed, errMsg, archivedAt, leaseOwner, leaseExpires sql.NullString
	var runtime sql.NullInt64
	err := row.Scan(&t.ID, &t.Name, &status, &t.ToolName, &t.UserID, &conversationID, &payload,
		&t.IdempotencyKey, &created, &started, &completed, &runtime, &errMsg,
		&t.MessageCount, &t.ToolCallCount, &t.TokensIn, &t.TokensOut, &t.Archived, &archivedAt,
		&t.AttemptsMade, &t.MaxAttempts, &available, &leaseOwner, &leaseExpires, &t.CancelRequested,
	)
	if err != nil {
		return nil, err
	}
	t.Status = Status(status)
	t.ConversationID = conversationID.String
	t.CreatedAt = database.ParseTime(created)
	t.AvailableAt = database.ParseTime(available)
	t.StartedAt = optionalTime(started)
	t.CompletedAt = optionalTime(completed)
	t.ArchivedAt = optionalTime(archivedAt)
	t.LeaseExpiresAt = optionalTime(leaseExpires)
	t.LeaseOwner = leaseOwner.String
	t.ErrorMessage = errMsg.String
	if runtime.Valid {
		ms := runtime.Int64
		t.RuntimeMs = &ms
	}
	if err := json.Unmarshal([]byte(payload), &t.Payload); err != nil {
		return nil, fmt.Errorf("decode payload of %s: %w", t.ID, err)
	}
	return &t, nil
}

func optionalTime(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t := database.ParseTime(s.String)
	return &t
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func intFrom(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	case json.Number:
		i, _ := n.Int64()
		return int(i)
	}
	return 0
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
