package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nugget/bernard/internal/buildinfo"
	"github.com/nugget/bernard/internal/harness"
	"github.com/nugget/bernard/internal/ledger"
	"github.com/nugget/bernard/internal/orchestrator"
	"github.com/nugget/bernard/internal/queue"
)

func TestRun_Version(t *testing.T) {
	var out bytes.Buffer
	if err := run(context.Background(), &out, &out, []string{"version"}); err != nil {
		t.Fatalf("run() error = %v", err)
	}
	if !strings.Contains(out.String(), buildinfo.Version) {
		t.Errorf("output %q missing version", out.String())
	}

	out.Reset()
	if err := run(context.Background(), &out, &out, []string{"-o", "json", "version"}); err != nil {
		t.Fatalf("run() error = %v", err)
	}
	var info buildinfo.Info
	if err := json.Unmarshal(out.Bytes(), &info); err != nil {
		t.Fatalf("version JSON: %v (%q)", err, out.String())
	}
	if info.Version != buildinfo.Version || info.GoVersion == "" {
		t.Errorf("info = %+v", info)
	}
}

func TestRun_Usage(t *testing.T) {
	for _, args := range [][]string{nil, {"-h"}, {"--help"}} {
		var out bytes.Buffer
		if err := run(context.Background(), &out, &out, args); err != nil {
			t.Fatalf("run(%v) error = %v", args, err)
		}
		if !strings.Contains(out.String(), "Usage: bernard") {
			t.Errorf("run(%v) output = %q", args, out.String())
		}
	}
}

func TestRun_Errors(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"unknown command", []string{"frobnicate"}, "unknown command"},
		{"unknown flag", []string{"-x", "version"}, "unknown flag"},
		{"bad output", []string{"-o", "yaml", "version"}, "unknown output format"},
		{"ask without question", []string{"ask"}, "usage: bernard ask"},
		{"history bad arg", []string{"history", "-closed"}, "usage: bernard history"},
		{"missing config", []string{"-config", "/nonexistent/bernard.yaml", "sweep"}, "not found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			err := run(context.Background(), &out, &out, tt.args)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("run(%v) error = %v, want containing %q", tt.args, err, tt.want)
			}
		})
	}
}

// fakeCompletions answers every chat completion with reply.
func fakeCompletions(t *testing.T, reply string) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"model":"test-model","choices":[{"message":{"role":"assistant","content":%q},"finish_reason":"stop"}],"usage":{"prompt_tokens":7,"completion_tokens":2}}`, reply)
	}))
	t.Cleanup(ts.Close)
	return ts
}

func writeConfig(t *testing.T, baseURL string, extra ...string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	cfg := fmt.Sprintf(`models:
  base_url: %s
  default: test-model
data_dir: %s
log_level: warn
`, baseURL, filepath.Join(dir, "data")) + strings.Join(extra, "\n")
	if err := os.WriteFile(path, []byte(cfg), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRun_AskThenInspect(t *testing.T) {
	ts := fakeCompletions(t, "Paris.")
	cfgPath := writeConfig(t, ts.URL)
	ctx := context.Background()

	var out, logs bytes.Buffer
	if err := run(ctx, &out, &logs, []string{"-config", cfgPath, "-o", "json", "ask", "capital", "of", "France?"}); err != nil {
		t.Fatalf("ask error = %v\nlogs:\n%s", err, logs.String())
	}
	var reply orchestrator.Reply
	if err := json.Unmarshal(out.Bytes(), &reply); err != nil {
		t.Fatalf("reply JSON: %v (%q)", err, out.String())
	}
	if reply.Text != "Paris." || reply.Degraded {
		t.Errorf("reply = %+v", reply)
	}
	if reply.ConversationID == "" {
		t.Error("reply has no conversation id")
	}

	out.Reset()
	if err := run(ctx, &out, &logs, []string{"-config", cfgPath, "-o", "json", "history"}); err != nil {
		t.Fatalf("history error = %v", err)
	}
	var convs []ledger.Conversation
	if err := json.Unmarshal(out.Bytes(), &convs); err != nil {
		t.Fatalf("history JSON: %v (%q)", err, out.String())
	}
	if len(convs) != 1 || convs[0].ID != reply.ConversationID || convs[0].Status != ledger.StatusOpen {
		t.Errorf("conversations = %+v", convs)
	}

	// The new conversation was queued for naming.
	out.Reset()
	if err := run(ctx, &out, &logs, []string{"-config", cfgPath, "-o", "json", "tasks"}); err != nil {
		t.Fatalf("tasks error = %v", err)
	}
	var tasks []queue.Task
	if err := json.Unmarshal(out.Bytes(), &tasks); err != nil {
		t.Fatalf("tasks JSON: %v (%q)", err, out.String())
	}
	if len(tasks) != 1 || tasks[0].ToolName != harness.JobConversationNaming || tasks[0].Status != queue.StatusQueued {
		t.Errorf("tasks = %+v", tasks)
	}

	// Nothing is idle yet.
	out.Reset()
	if err := run(ctx, &out, &logs, []string{"-config", cfgPath, "sweep"}); err != nil {
		t.Fatalf("sweep error = %v", err)
	}
	if !strings.Contains(out.String(), "closed 0") {
		t.Errorf("sweep output = %q", out.String())
	}

	out.Reset()
	if err := run(ctx, &out, &logs, []string{"-config", cfgPath, "history", "-all"}); err != nil {
		t.Fatalf("history -all error = %v", err)
	}
	if !strings.Contains(out.String(), reply.ConversationID) {
		t.Errorf("history text = %q", out.String())
	}
}

func TestRun_InvalidConfig(t *testing.T) {
	cfgPath := writeConfig(t, "")
	var out bytes.Buffer
	err := run(context.Background(), &out, &out, []string{"-config", cfgPath, "tasks"})
	if err == nil || !strings.Contains(err.Error(), "base_url") {
		t.Errorf("error = %v, want missing base_url", err)
	}
}

func TestRun_Reindex(t *testing.T) {
	ts := fakeCompletions(t, "ok")
	ctx := context.Background()

	var out, logs bytes.Buffer
	err := run(ctx, &out, &logs, []string{"-config", writeConfig(t, ts.URL), "reindex"})
	if err == nil || !strings.Contains(err.Error(), "embeddings are disabled") {
		t.Errorf("reindex without embeddings: error = %v", err)
	}

	cfgPath := writeConfig(t, ts.URL, "embeddings:\n  enabled: true\n  model: test-embed\n")
	if err := run(ctx, &out, &logs, []string{"-config", cfgPath, "-o", "json", "reindex"}); err != nil {
		t.Fatalf("reindex error = %v\nlogs:\n%s", err, logs.String())
	}
	var queued map[string]string
	if err := json.Unmarshal(out.Bytes(), &queued); err != nil {
		t.Fatalf("reindex JSON: %v (%q)", err, out.String())
	}

	out.Reset()
	if err := run(ctx, &out, &logs, []string{"-config", cfgPath, "-o", "json", "tasks"}); err != nil {
		t.Fatalf("tasks error = %v", err)
	}
	var tasks []queue.Task
	if err := json.Unmarshal(out.Bytes(), &tasks); err != nil {
		t.Fatalf("tasks JSON: %v (%q)", err, out.String())
	}
	if len(tasks) != 1 || tasks[0].ID != queued["task_id"] || tasks[0].ToolName != harness.JobMemoryReindex {
		t.Errorf("tasks = %+v, queued = %v", tasks, queued)
	}
}
