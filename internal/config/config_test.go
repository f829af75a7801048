package config

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestFindConfig_Explicit(t *testing.T) {
	path := writeConfig(t, "listen:\n  port: 9999\n")

	got, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig(%q) error: %v", path, err)
	}
	if got != path {
		t.Errorf("FindConfig(%q) = %q, want %q", path, got, path)
	}
}

func TestFindConfig_ExplicitMissing(t *testing.T) {
	_, err := FindConfig("/nonexistent/config.yaml")
	if err == nil {
		t.Fatal("FindConfig with missing explicit path should error")
	}
}

func TestFindConfig_CWD(t *testing.T) {
	path := writeConfig(t, "listen:\n  port: 8080\n")

	orig, _ := os.Getwd()
	os.Chdir(filepath.Dir(path))
	defer os.Chdir(orig)

	got, err := FindConfig("")
	if err != nil {
		t.Fatalf("FindConfig(\"\") error: %v", err)
	}
	if got != "config.yaml" {
		t.Errorf("FindConfig(\"\") = %q, want %q", got, "config.yaml")
	}
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, "models:\n  base_url: http://llm:8000\n  default: small\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}

	checks := []struct {
		name string
		got  any
		want any
	}{
		{"call_timeout", cfg.Models.CallTimeout, 10 * time.Second},
		{"summary_model", cfg.Models.SummaryModel, "small"},
		{"classifier_model", cfg.Models.ClassifierModel, "small"},
		{"embeddings.base_url", cfg.Embeddings.BaseURL, "http://llm:8000"},
		{"max_intent_iterations", cfg.Orchestrator.MaxIntentIterations, 4},
		{"trace.context_limit", cfg.Trace.ContextLimit, 20},
		{"trace.content_preview_chars", cfg.Trace.ContentPreviewChars, 2000},
		{"recall_timeout", cfg.Memory.RecallTimeout, 10 * time.Second},
		{"memorize_timeout", cfg.Memory.MemorizeTimeout, 30 * time.Second},
		{"duplicate_threshold", cfg.Memory.DuplicateThreshold, 0.9},
		{"recall_min_score", cfg.Memory.RecallMinScore, 0.05},
		{"reindex_interval", cfg.Memory.ReindexInterval, time.Hour},
		{"reindex_batch", cfg.Memory.ReindexBatch, 100},
		{"trigger_tokens", cfg.Response.TriggerTokens, 50000},
		{"trigger_messages", cfg.Response.TriggerMessages, 50},
		{"keep_messages", cfg.Response.KeepMessages, 20},
		{"sweep_interval", cfg.Ledger.SweepInterval, time.Minute},
		{"summary_max_messages", cfg.Ledger.SummaryMaxMessages, 80},
		{"attempts", cfg.Queue.Attempts, 3},
		{"backoff_base", cfg.Queue.BackoffBase, time.Second},
		{"concurrency", cfg.Queue.Concurrency, 3},
		{"keep_completed", cfg.Queue.KeepCompleted, 50},
		{"keep_failed", cfg.Queue.KeepFailed, 100},
		{"archive_after_days", cfg.Queue.ArchiveAfterDays, 7},
		{"lease_duration", cfg.Queue.LeaseDuration, 30 * time.Second},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	path := writeConfig(t, "models:\n  api_key: ${BERNARD_TEST_KEY}\n")
	t.Setenv("BERNARD_TEST_KEY", "secret123")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Models.APIKey != "secret123" {
		t.Errorf("api_key = %q, want %q", cfg.Models.APIKey, "secret123")
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "orchestrator:\n  max_intent_iterations: 2\nmodels:\n  call_timeout: 5s\n")
	t.Setenv("BERNARD_MAX_INTENT_ITERATIONS", "7")
	t.Setenv("BERNARD_MODEL_TIMEOUT", "250ms")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Orchestrator.MaxIntentIterations != 7 {
		t.Errorf("max_intent_iterations = %d, want 7", cfg.Orchestrator.MaxIntentIterations)
	}
	if cfg.Models.CallTimeout != 250*time.Millisecond {
		t.Errorf("call_timeout = %v, want 250ms", cfg.Models.CallTimeout)
	}
}

func TestApplyEnv_BadValue(t *testing.T) {
	env := map[string]string{"BERNARD_QUEUE_CONCURRENCY": "lots"}
	cfg := &Config{}
	err := cfg.applyEnv(func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	})
	if !errors.Is(err, ErrFatal) {
		t.Fatalf("applyEnv error = %v, want ErrFatal", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"ok", func(*Config) {}, ""},
		{"missing base url", func(c *Config) { c.Models.BaseURL = "" }, "base_url"},
		{"missing model", func(c *Config) { c.Models.Default = "" }, "models.default"},
		{"bad level", func(c *Config) { c.LogLevel = "loud" }, "log level"},
		{"bad format", func(c *Config) { c.LogFormat = "xml" }, "log_format"},
		{"threshold above one", func(c *Config) { c.Memory.DuplicateThreshold = 1.5 }, "duplicate_threshold"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{Models: ModelsConfig{BaseURL: "http://llm", Default: "m"}}
			cfg.applyDefaults()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			if !errors.Is(err, ErrFatal) {
				t.Fatalf("Validate() = %v, want ErrFatal", err)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() = %q, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestModelNames(t *testing.T) {
	cfg := &Config{Models: ModelsConfig{Default: "a", Available: []string{"b", "a", "", "c"}}}
	got := strings.Join(cfg.ModelNames(), ",")
	if got != "a,b,c" {
		t.Errorf("ModelNames() = %q, want %q", got, "a,b,c")
	}
}

func TestNewLogger_TraceLevelName(t *testing.T) {
	var buf bytes.Buffer
	cfg := &Config{LogLevel: "trace"}
	logger, err := cfg.NewLogger(&buf)
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	logger.Log(t.Context(), LevelTrace, "wire")
	if !strings.Contains(buf.String(), "level=TRACE") {
		t.Errorf("output = %q, want level=TRACE", buf.String())
	}
}

func TestParseLogLevel(t *testing.T) {
	for _, in := range []string{"", "INFO", " debug ", "warning", "error", "trace"} {
		if _, err := ParseLogLevel(in); err != nil {
			t.Errorf("ParseLogLevel(%q) error: %v", in, err)
		}
	}
	if _, err := ParseLogLevel("verbose"); err == nil {
		t.Error("ParseLogLevel(\"verbose\") should error")
	}
}
