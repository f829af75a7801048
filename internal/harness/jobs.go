package harness

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nugget/bernard/internal/events"
	"github.com/nugget/bernard/internal/ledger"
	"github.com/nugget/bernard/internal/llm"
	"github.com/nugget/bernard/internal/prompts"
	"github.com/nugget/bernard/internal/queue"
	"github.com/nugget/bernard/internal/tools"
)

// ResearchToolName is the background tool that runs a full intent loop
// on the worker.
const ResearchToolName = "research"

// maxTitleLen caps generated conversation titles.
const maxTitleLen = 80

// ConversationLog is the ledger surface the jobs use. *ledger.Ledger
// implements it.
type ConversationLog interface {
	History(ctx context.Context, id string) ([]ledger.Message, error)
	SetTitle(ctx context.Context, id, title string) error
	AppendMessage(ctx context.Context, conversationID string, m ledger.Message) error
}

// Reindexer re-embeds memory records. *memory.Store implements it.
type Reindexer interface {
	Reindex(ctx context.Context, limit int) (int, error)
}

// JobDeps are what the job processors need. Nil members disable the
// processors that use them.
type JobDeps struct {
	Ledger  ConversationLog
	Memory  Reindexer
	Caller  ModelCaller
	Tools   ToolExecutor
	Model   string
	MaxIter int
	Logger  *slog.Logger
}

// ResearchTool is the tool definition that enqueues a research task.
func ResearchTool() tools.BackgroundTool {
	return tools.BackgroundTool{
		Name: ResearchToolName,
		Description: "Work on a question in the background using the other tools, for jobs that need several " +
			"lookups. Returns a task_id at once; the answer is added to this conversation when done.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"question": map[string]any{
					"type":        "string",
					"minLength":   1,
					"description": "What to find out",
				},
			},
			"required": []string{"question"},
		},
		Sections: []string{"findings"},
	}
}

// RegisterJobProcessors registers the utility jobs and the research
// tool with the worker.
func RegisterJobProcessors(w *queue.Worker, deps JobDeps) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "jobs")

	if deps.Ledger != nil && deps.Caller != nil {
		w.Register(JobConversationNaming, func(ctx context.Context, ec *queue.ExecContext) error {
			return nameConversation(ctx, ec, deps, logger)
		})
	}
	if deps.Memory != nil {
		w.Register(JobMemoryReindex, func(ctx context.Context, ec *queue.ExecContext) error {
			return reindexMemory(ctx, ec, deps.Memory, logger)
		})
	}
	if deps.Caller != nil {
		w.Register(ResearchToolName, func(ctx context.Context, ec *queue.ExecContext) error {
			return research(ctx, ec, deps, logger)
		})
	}
}

func nameConversation(ctx context.Context, ec *queue.ExecContext, deps JobDeps, logger *slog.Logger) error {
	convID := ec.Payload.ConversationID
	if convID == "" {
		return queue.Permanent(errors.New("conversation_naming needs a conversation id"))
	}
	history, err := deps.Ledger.History(ctx, convID)
	if errors.Is(err, ledger.ErrNotFound) {
		return queue.Permanent(err)
	}
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}

	var opening strings.Builder
	n := 0
	for _, m := range history {
		if m.Role != llm.RoleUser && m.Role != llm.RoleAssistant {
			continue
		}
		if m.Content == "" {
			continue
		}
		fmt.Fprintf(&opening, "%s: %s\n", m.Role, clip(m.Content, 500))
		if n++; n == 4 {
			break
		}
	}
	if n == 0 {
		return queue.Permanent(errors.New("conversation has no dialogue to name"))
	}

	result, err := callRecorded(ctx, ec, deps.Caller, llm.CallRequest{
		Model:    deps.Model,
		Messages: []llm.Message{{Role: llm.RoleUser, Content: prompts.TitlePrompt(opening.String())}},
		Stage:    llm.StageUtility,
	})
	if err != nil {
		return err
	}

	title := cleanTitle(result.Text)
	if title == "" {
		return errors.New("model returned an empty title")
	}
	if err := deps.Ledger.SetTitle(ctx, convID, title); err != nil {
		return fmt.Errorf("set title: %w", err)
	}
	logger.Info("conversation named", "conversation_id", convID, "title", title)
	return nil
}

func reindexMemory(ctx context.Context, ec *queue.ExecContext, r Reindexer, logger *slog.Logger) error {
	args := decodeArgs(ec.Payload.Arguments)
	limit := tools.IntArg(args, "limit", 100)
	n, err := r.Reindex(ctx, limit)
	if err != nil {
		return fmt.Errorf("reindex memory: %w", err)
	}
	logger.Info("memory reindexed", "records", n, "limit", limit)
	return nil
}

// research runs the intent loop for a question on the worker. The
// background tools themselves are hidden from the loop so a research
// task cannot enqueue more research.
func research(ctx context.Context, ec *queue.ExecContext, deps JobDeps, logger *slog.Logger) error {
	args := decodeArgs(ec.Payload.Arguments)
	question := strings.TrimSpace(tools.StringArg(args, "question"))
	if question == "" {
		return queue.Permanent(fmt.Errorf("%w: question is required", queue.ErrValidation))
	}

	var executor ToolExecutor
	if deps.Tools != nil {
		executor = withoutTools(deps.Tools, ResearchToolName)
	}
	intent := NewIntent(deps.Caller, executor, IntentConfig{MaxIterations: deps.MaxIter}, logger)

	convID := ec.Payload.ConversationID
	ctx = tools.WithUserID(tools.WithConversationID(ctx, convID), ec.Payload.UserID)

	var rec *llm.Recording
	if convID != "" {
		rec = &llm.Recording{ConversationID: convID, TaskID: ec.Task.ID}
	}

	res, err := intent.Run(ctx, IntentRequest{
		Model: deps.Model,
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: prompts.BaseSystemPrompt()},
			{Role: llm.RoleUser, Content: question},
		},
		Recording: rec,
		Events:    ec,
	})
	if err != nil {
		return err
	}

	ec.RecordEvent(ctx, events.Event{
		Type: events.TypeMessageRecorded,
		Data: map[string]any{
			"role":     llm.RoleAssistant,
			"content":  res.Text,
			"degraded": res.Degraded,
		},
	})

	if convID != "" && deps.Ledger != nil {
		err := deps.Ledger.AppendMessage(ctx, convID, ledger.Message{
			Role:    llm.RoleAssistant,
			Content: res.Text,
			Metadata: map[string]any{
				"task_id":  ec.Task.ID,
				"source":   ResearchToolName,
				"question": question,
			},
		})
		switch {
		case errors.Is(err, ledger.ErrClosed):
			logger.Info("conversation closed before research finished, result kept on task",
				"conversation_id", convID, "task_id", ec.Task.ID)
		case err != nil:
			logger.Warn("failed to record research result", "conversation_id", convID, "task_id", ec.Task.ID, "error", err)
		}
	}
	return nil
}

// callRecorded performs a model call, reporting it as task events.
func callRecorded(ctx context.Context, ec *queue.ExecContext, caller ModelCaller, req llm.CallRequest) (*llm.CallResult, error) {
	emit(ctx, ec, events.TypeLLMCallStart, map[string]any{"model": req.Model, "stage": string(req.Stage)})
	result, err := caller.Call(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("%s model call: %w", req.Stage, err)
	}
	emit(ctx, ec, events.TypeLLMCallComplete, map[string]any{
		"model":      result.Model,
		"stage":      string(req.Stage),
		"tokens_in":  result.Usage.In,
		"tokens_out": result.Usage.Out,
		"latency_ms": result.Latency.Milliseconds(),
	})
	return result, nil
}

func cleanTitle(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	s = strings.TrimPrefix(s, "Title:")
	s = strings.Trim(strings.TrimSpace(s), "\"'`*.")
	return strings.TrimSpace(clip(s, maxTitleLen))
}

// clip shortens s to n runes.
func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func decodeArgs(raw json.RawMessage) map[string]any {
	args := map[string]any{}
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &args)
	}
	return args
}

// filteredTools hides some tools from an executor.
type filteredTools struct {
	ToolExecutor
	hidden map[string]struct{}
}

func withoutTools(t ToolExecutor, names ...string) ToolExecutor {
	hidden := make(map[string]struct{}, len(names))
	for _, n := range names {
		hidden[n] = struct{}{}
	}
	return &filteredTools{ToolExecutor: t, hidden: hidden}
}

func (f *filteredTools) Definitions() []llm.ToolDef {
	var out []llm.ToolDef
	for _, d := range f.ToolExecutor.Definitions() {
		if _, ok := f.hidden[d.Name]; !ok {
			out = append(out, d)
		}
	}
	return out
}

func (f *filteredTools) Execute(ctx context.Context, name string, args json.RawMessage) (string, error) {
	if _, ok := f.hidden[name]; ok {
		return "", fmt.Errorf("%w: %s", tools.ErrUnknownTool, name)
	}
	return f.ToolExecutor.Execute(ctx, name, args)
}
