package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nugget/bernard/internal/queue"
)

// TaskQueue is the part of the background queue the task tools use.
type TaskQueue interface {
	Enqueue(ctx context.Context, taskID string, p queue.Payload, opts ...queue.EnqueueOption) (*queue.Task, error)
	Get(ctx context.Context, id string) (*queue.Task, error)
}

// BackgroundTool is a tool whose work runs on the queue worker instead
// of inside the turn. Calling it only enqueues a task; a processor
// registered under the same name does the work.
type BackgroundTool struct {
	Name        string
	Description string
	Parameters  map[string]any
	// Sections names the payload sections the processor reads.
	Sections []string
	// MaxTokens caps the processor's model output, 0 for no cap.
	MaxTokens int
}

// RegisterTaskTools installs task_status and one enqueueing tool per
// background tool.
func RegisterTaskTools(r *Registry, q TaskQueue, background ...BackgroundTool) error {
	err := r.Register(&Tool{
		Name:        "task_status",
		Description: "Check the progress of a background task started earlier in this conversation.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"task_id": map[string]any{
					"type":        "string",
					"description": "The task ID returned when the task was started",
				},
			},
			"required": []string{"task_id"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			return taskStatus(ctx, q, StringArg(args, "task_id"))
		},
	})
	if err != nil {
		return err
	}

	for _, bt := range background {
		bt := bt
		err := r.Register(&Tool{
			Name:        bt.Name,
			Description: bt.Description,
			Parameters:  bt.Parameters,
			Handler: func(ctx context.Context, args map[string]any) (string, error) {
				return enqueueBackground(ctx, q, bt, args)
			},
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func enqueueBackground(ctx context.Context, q TaskQueue, bt BackgroundTool, args map[string]any) (string, error) {
	userID := UserIDFromContext(ctx)
	if userID == "" {
		return "", fmt.Errorf("%s needs a caller identity to run in the background", bt.Name)
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("encode arguments: %w", err)
	}

	p := queue.Payload{
		ToolName:       bt.Name,
		Arguments:      raw,
		UserID:         userID,
		ConversationID: ConversationIDFromContext(ctx),
		Sections:       bt.Sections,
	}
	if bt.MaxTokens > 0 {
		n := bt.MaxTokens
		p.MaxTokens = &n
	}

	task, err := q.Enqueue(ctx, "", p)
	if err != nil {
		return "", fmt.Errorf("enqueue %s: %w", bt.Name, err)
	}
	return jsonResult(map[string]any{
		"task_id": task.ID,
		"status":  task.Status,
		"message": "Started in the background. Use task_status with this task_id to check on it.",
	})
}

func taskStatus(ctx context.Context, q TaskQueue, id string) (string, error) {
	task, err := q.Get(ctx, id)
	if errors.Is(err, queue.ErrNotFound) {
		return fmt.Sprintf("No task with id %q.", id), nil
	}
	if err != nil {
		return "", err
	}

	out := map[string]any{
		"task_id":       task.ID,
		"name":          task.Name,
		"status":        task.Status,
		"attempts_made": task.AttemptsMade,
		"max_attempts":  task.MaxAttempts,
		"tool_calls":    task.ToolCallCount,
	}
	if task.ErrorMessage != "" {
		out["error"] = task.ErrorMessage
	}
	if task.RuntimeMs != nil {
		out["runtime_ms"] = *task.RuntimeMs
	}
	return jsonResult(out)
}
