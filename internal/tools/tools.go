// Package tools defines the tools available to the model and the
// registry that validates and executes them.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"

	"github.com/nugget/bernard/internal/llm"
)

// Handler executes a tool with validated arguments. A returned error is
// reported to the model as an error result; it never aborts a turn.
type Handler func(ctx context.Context, args map[string]any) (string, error)

// Tool represents a callable tool.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
	Handler     Handler        `json:"-"`
}

type entry struct {
	tool   *Tool
	schema *gojsonschema.Schema
}

// Registry holds available tools.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]*entry
	logger *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		tools:  make(map[string]*entry),
		logger: logger.With("component", "tools"),
	}
}

// Register adds a tool, compiling its parameter schema. A tool with
// the same name is replaced.
func (r *Registry) Register(t *Tool) error {
	if t.Name == "" {
		return fmt.Errorf("tool name is required")
	}
	if t.Handler == nil {
		return fmt.Errorf("tool %s: handler is required", t.Name)
	}
	if t.Parameters == nil {
		t.Parameters = map[string]any{"type": "object", "properties": map[string]any{}}
	}
	schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(t.Parameters))
	if err != nil {
		return fmt.Errorf("tool %s: compile schema: %w", t.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name] = &entry{tool: t, schema: schema}
	return nil
}

// Get retrieves a tool by name, or nil.
func (r *Registry) Get(name string) *Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.tools[name]; ok {
		return e.tool
	}
	return nil
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Definitions returns the tool schemas advertised to the model, sorted
// by name so prompts are stable.
func (r *Registry) Definitions() []llm.ToolDef {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]llm.ToolDef, 0, len(r.tools))
	for _, e := range r.tools {
		defs = append(defs, llm.ToolDef{
			Name:        e.tool.Name,
			Description: e.tool.Description,
			Parameters:  e.tool.Parameters,
		})
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Execute validates args against the tool's schema and runs it. Unknown
// tools fail with ErrUnknownTool, schema violations with
// ErrInvalidArguments.
func (r *Registry) Execute(ctx context.Context, name string, args json.RawMessage) (string, error) {
	r.mu.RLock()
	e, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}

	if len(strings.TrimSpace(string(args))) == 0 || string(args) == "null" {
		args = json.RawMessage("{}")
	}
	if !json.Valid(args) {
		return "", fmt.Errorf("%w: %s: arguments are not valid JSON", ErrInvalidArguments, name)
	}

	result, err := e.schema.Validate(gojsonschema.NewBytesLoader(args))
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrInvalidArguments, name, err)
	}
	if !result.Valid() {
		var problems []string
		for _, desc := range result.Errors() {
			problems = append(problems, desc.String())
		}
		return "", fmt.Errorf("%w: %s: %s", ErrInvalidArguments, name, strings.Join(problems, "; "))
	}

	var parsed map[string]any
	if err := json.Unmarshal(args, &parsed); err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrInvalidArguments, name, err)
	}

	r.logger.Debug("executing tool", "tool", name)
	return e.tool.Handler(ctx, parsed)
}

// StringArg returns args[key] as a string, or "" when absent.
func StringArg(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}

// IntArg returns args[key] as an int, or def when absent.
func IntArg(args map[string]any, key string, def int) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n)
		}
	}
	return def
}

// jsonResult marshals v for a tool result.
func jsonResult(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal result: %w", err)
	}
	return string(b), nil
}
