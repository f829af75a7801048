// Package summarizer produces the closing summary, tags and content
// flags of a conversation. It is called by the ledger when an idle
// conversation closes and never fails: a model or parse error yields a
// well-formed result with the summary error flag set.
package summarizer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/nugget/bernard/internal/ledger"
	"github.com/nugget/bernard/internal/llm"
	"github.com/nugget/bernard/internal/prompts"
)

// Result is the summary handed back to the ledger.
type Result = ledger.Summary

// Caller performs model calls. *llm.Caller implements it.
type Caller interface {
	Call(ctx context.Context, req llm.CallRequest) (*llm.CallResult, error)
}

// Config controls summarization.
type Config struct {
	// Model is the summary model.
	Model string

	// MaxMessages is how many of the most recent dialogue messages are
	// sent. Default: 80.
	MaxMessages int

	// Timeout bounds the model call. Default: 60 seconds.
	Timeout time.Duration
}

// DefaultConfig returns the default summarization settings.
func DefaultConfig() Config {
	return Config{
		MaxMessages: 80,
		Timeout:     60 * time.Second,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.MaxMessages <= 0 {
		c.MaxMessages = d.MaxMessages
	}
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
}

// Service summarizes conversations.
type Service struct {
	caller Caller
	config Config
	logger *slog.Logger
}

var _ ledger.Summarizer = (*Service)(nil)

// New creates a summarization service.
func New(caller Caller, cfg Config, logger *slog.Logger) *Service {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		caller: caller,
		config: cfg,
		logger: logger.With("component", "summarizer"),
	}
}

// Summarize summarizes history. Trace messages are skipped and only the
// most recent MaxMessages are sent to the model.
func (s *Service) Summarize(ctx context.Context, conversationID string, history []ledger.Message) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("summarizer panic", "conversation_id", conversationID, "panic", r)
			res = failed(fmt.Errorf("summarizer panic: %v", r))
		}
	}()

	transcript := buildTranscript(history, s.config.MaxMessages)
	if transcript == "" {
		return failed(errors.New("no messages to summarize"))
	}

	ctx, cancel := context.WithTimeout(ctx, s.config.Timeout)
	defer cancel()

	result, err := s.caller.Call(ctx, llm.CallRequest{
		Model:    s.config.Model,
		Messages: []llm.Message{{Role: llm.RoleUser, Content: prompts.SummaryPrompt(transcript)}},
		Stage:    llm.StageSummary,
		Timeout:  s.config.Timeout,
	})
	if err != nil {
		s.logger.Warn("summary model call failed", "conversation_id", conversationID, "error", err)
		return failed(fmt.Errorf("summary model call: %w", err))
	}

	out, err := parseSummary(result.Text)
	if err != nil {
		s.logger.Warn("summary parse failed",
			"conversation_id", conversationID,
			"error", err,
			"response", truncateForLog(result.Text),
		)
		return failed(err)
	}

	s.logger.Debug("conversation summarized",
		"conversation_id", conversationID,
		"tags", len(out.Tags),
		"keywords", len(out.Keywords),
	)
	return out
}

// buildTranscript renders the most recent max dialogue messages as
// "role: content" lines. Tool calls and metadata are appended as JSON.
func buildTranscript(history []ledger.Message, max int) string {
	dialogue := make([]ledger.Message, 0, len(history))
	for _, m := range history {
		if !m.IsTrace() {
			dialogue = append(dialogue, m)
		}
	}
	if len(dialogue) > max {
		dialogue = dialogue[len(dialogue)-max:]
	}

	var b strings.Builder
	for _, m := range dialogue {
		b.WriteString(m.Role)
		b.WriteString(": ")
		b.WriteString(m.Content)
		if len(m.ToolCalls) > 0 {
			b.WriteString(" [tool_calls: ")
			b.WriteString(jsonString(m.ToolCalls))
			b.WriteString("]")
		}
		if len(m.Metadata) > 0 {
			b.WriteString(" [metadata: ")
			b.WriteString(jsonString(m.Metadata))
			b.WriteString("]")
		}
		b.WriteByte('\n')
	}
	return b.String()
}

// parseSummary reads the model's JSON answer. The object is decoded
// loosely and every list field is coerced to strings.
func parseSummary(content string) (Result, error) {
	content = llm.StripCodeFences(content)

	var raw map[string]any
	if err := json.Unmarshal([]byte(content), &raw); err != nil {
		return Result{}, fmt.Errorf("parse summary JSON: %w", err)
	}

	out := Result{
		Tags:     toStringArray(raw["tags"]),
		Keywords: toStringArray(raw["keywords"]),
		Places:   toStringArray(firstOf(raw, "places", "place_tags", "placeTags")),
	}
	switch v := raw["summary"].(type) {
	case string:
		out.Summary = strings.TrimSpace(v)
	case nil:
	default:
		out.Summary = scalarString(v)
	}
	if out.Summary == "" {
		return Result{}, errors.New("summary field missing or empty")
	}

	if flags, ok := raw["flags"].(map[string]any); ok {
		out.Flags.Explicit = truthy(flags["explicit"])
		out.Flags.Forbidden = truthy(flags["forbidden"])
	}
	return out, nil
}

func failed(err error) Result {
	return Result{
		Tags:     []string{},
		Keywords: []string{},
		Places:   []string{},
		Flags:    ledger.Flags{SummaryError: true},
		Error:    err.Error(),
	}
}

// toStringArray coerces a decoded JSON value to a string list. Numbers,
// booleans and nested values are stringified, nulls are dropped and a
// lone scalar becomes a one-element list.
func toStringArray(v any) []string {
	out := []string{}
	switch t := v.(type) {
	case nil:
	case []any:
		for _, e := range t {
			if e == nil {
				continue
			}
			if s := scalarString(e); s != "" {
				out = append(out, s)
			}
		}
	default:
		if s := scalarString(t); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func scalarString(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case nil:
		return ""
	default:
		return jsonString(t)
	}
}

func truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		b, _ := strconv.ParseBool(strings.TrimSpace(t))
		return b
	case float64:
		return t != 0
	}
	return false
}

func firstOf(m map[string]any, keys ...string) any {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			return v
		}
	}
	return nil
}

func jsonString(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}

func truncateForLog(s string) string {
	const max = 200
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
