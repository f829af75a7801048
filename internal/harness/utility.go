package harness

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nugget/bernard/internal/queue"
)

// Built-in follow-up jobs.
const (
	JobConversationNaming = "conversation_naming"
	JobMemoryReindex      = "memory_reindex"
)

// TaskSubmitter enqueues background work. *queue.Queue implements it.
type TaskSubmitter interface {
	Enqueue(ctx context.Context, taskID string, p queue.Payload, opts ...queue.EnqueueOption) (*queue.Task, error)
}

// Job is a follow-up to run on the background queue. TaskID is optional;
// a fixed one makes repeated dispatches of the same job a no-op.
type Job struct {
	Kind           string
	TaskID         string
	Name           string
	UserID         string
	ConversationID string
	Arguments      map[string]any
}

// NamingJob names a conversation after its first turn. Its task ID is
// derived from the conversation so it runs once.
func NamingJob(userID, conversationID string) Job {
	return Job{
		Kind:           JobConversationNaming,
		TaskID:         JobConversationNaming + ":" + conversationID,
		Name:           "Name conversation",
		UserID:         userID,
		ConversationID: conversationID,
	}
}

// ReindexJob embeds up to limit memory records that have no embedding.
func ReindexJob(userID string, limit int) Job {
	return Job{
		Kind:      JobMemoryReindex,
		Name:      "Re-index memory",
		UserID:    userID,
		Arguments: map[string]any{"limit": limit},
	}
}

// Utility is the utility harness. It holds no state: every job becomes
// a queue task and the worker does the rest.
type Utility struct {
	queue  TaskSubmitter
	logger *slog.Logger
}

// NewUtility creates the utility harness.
func NewUtility(q TaskSubmitter, logger *slog.Logger) *Utility {
	if logger == nil {
		logger = slog.Default()
	}
	return &Utility{queue: q, logger: logger.With("component", "utility")}
}

// Dispatch submits job and returns its task ID.
func (u *Utility) Dispatch(ctx context.Context, job Job) (string, error) {
	args := job.Arguments
	if args == nil {
		args = map[string]any{}
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("encode %s arguments: %w", job.Kind, err)
	}

	var opts []queue.EnqueueOption
	if job.Name != "" {
		opts = append(opts, queue.WithName(job.Name))
	}
	task, err := u.queue.Enqueue(ctx, job.TaskID, queue.Payload{
		ToolName:       job.Kind,
		Arguments:      raw,
		UserID:         job.UserID,
		ConversationID: job.ConversationID,
	}, opts...)
	if err != nil {
		return "", fmt.Errorf("dispatch %s: %w", job.Kind, err)
	}
	u.logger.Debug("job dispatched", "job", job.Kind, "task_id", task.ID, "conversation_id", job.ConversationID)
	return task.ID, nil
}

// DispatchAll submits every job, logging failures and carrying on. It
// returns the IDs of the tasks that were submitted.
func (u *Utility) DispatchAll(ctx context.Context, jobs []Job) []string {
	var ids []string
	for _, job := range jobs {
		id, err := u.Dispatch(ctx, job)
		if err != nil {
			u.logger.Warn("follow-up dispatch failed", "job", job.Kind, "conversation_id", job.ConversationID, "error", err)
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

func marshalResult(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal result: %w", err)
	}
	return string(b), nil
}
