// Package config handles Bernard configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrFatal marks configuration problems that must stop the process
// before it serves a single turn (missing endpoint, missing model).
var ErrFatal = errors.New("fatal configuration error")

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/bernard/config.yaml, /etc/bernard/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "bernard", "config.yaml"))
	}

	paths = append(paths, "/etc/bernard/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Bernard configuration.
type Config struct {
	Listen       ListenConfig            `yaml:"listen"`
	Models       ModelsConfig            `yaml:"models"`
	Embeddings   EmbeddingsConfig        `yaml:"embeddings"`
	Orchestrator OrchestratorConfig      `yaml:"orchestrator"`
	Trace        TraceConfig             `yaml:"trace"`
	Memory       MemoryConfig            `yaml:"memory"`
	Response     ResponseConfig          `yaml:"response"`
	Ledger       LedgerConfig            `yaml:"ledger"`
	Queue        QueueConfig             `yaml:"queue"`
	MQTT         MQTTConfig              `yaml:"mqtt"`
	Pricing      map[string]PricingEntry `yaml:"pricing"`
	DataDir      string                  `yaml:"data_dir"`
	LogLevel     string                  `yaml:"log_level"`
	LogFormat    string                  `yaml:"log_format"` // text (default) or json
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// ModelsConfig points at the external completion endpoint. Any
// OpenAI-compatible server works (vLLM, llama.cpp, a hosted API).
type ModelsConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	Default string `yaml:"default"`

	// SummaryModel and ClassifierModel fall back to Default when empty.
	SummaryModel    string `yaml:"summary_model"`
	ClassifierModel string `yaml:"classifier_model"`

	// Available is advertised on /v1/models. Default is always included.
	Available []string `yaml:"available"`

	// CallTimeout bounds every single completion call (default 10s).
	CallTimeout time.Duration `yaml:"call_timeout"`
}

// EmbeddingsConfig defines embedding generation for memory search.
// When disabled, memory search falls back to lexical similarity.
type EmbeddingsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Model   string `yaml:"model"`
	BaseURL string `yaml:"base_url"` // defaults to models.base_url
}

// OrchestratorConfig bounds the per-turn pipeline.
type OrchestratorConfig struct {
	MaxIntentIterations int           `yaml:"max_intent_iterations"`
	FollowUpTimeout     time.Duration `yaml:"follow_up_timeout"`
	SystemPrompt        string        `yaml:"system_prompt"`
}

// TraceConfig caps what an LLM trace message may carry into the ledger.
type TraceConfig struct {
	ContextLimit        int `yaml:"context_limit"`
	ContentPreviewChars int `yaml:"content_preview_chars"`
}

// MemoryConfig controls recall, memorize, and deduplication.
type MemoryConfig struct {
	RecallTimeout      time.Duration `yaml:"recall_timeout"`
	MemorizeTimeout    time.Duration `yaml:"memorize_timeout"`
	RecallLimit        int           `yaml:"recall_limit"`
	DuplicateThreshold float64       `yaml:"duplicate_threshold"`
	NeighborCount      int           `yaml:"neighbor_count"`
	RecallMinScore     float64       `yaml:"recall_min_score"`
	FreshnessMaxDays   int           `yaml:"freshness_max_days"`

	// ReindexInterval is how often records stored without an embedding
	// are queued for re-embedding. Only used when embeddings are enabled.
	ReindexInterval time.Duration `yaml:"reindex_interval"`
	ReindexBatch    int           `yaml:"reindex_batch"`
}

// ResponseConfig is the context-editing policy applied before synthesis.
type ResponseConfig struct {
	TriggerTokens   int `yaml:"trigger_tokens"`
	TriggerMessages int `yaml:"trigger_messages"`
	KeepMessages    int `yaml:"keep_messages"`
}

// LedgerConfig controls conversation lifecycle.
type LedgerConfig struct {
	IdleTimeout        time.Duration `yaml:"idle_timeout"`
	SweepInterval      time.Duration `yaml:"sweep_interval"`
	SummaryMaxMessages int           `yaml:"summary_max_messages"`
	SummaryTimeout     time.Duration `yaml:"summary_timeout"`
}

// QueueConfig is the background task policy.
type QueueConfig struct {
	Attempts         int           `yaml:"attempts"`
	BackoffBase      time.Duration `yaml:"backoff_base"`
	Concurrency      int           `yaml:"concurrency"`
	KeepCompleted    int           `yaml:"keep_completed"`
	KeepFailed       int           `yaml:"keep_failed"`
	ArchiveAfterDays int           `yaml:"archive_after_days"`
	MaxRuntime       time.Duration `yaml:"max_runtime"`
	LeaseDuration    time.Duration `yaml:"lease_duration"`
	PollInterval     time.Duration `yaml:"poll_interval"`
	PruneInterval    time.Duration `yaml:"prune_interval"`
}

// MQTTConfig enables publishing task progress events to a broker.
type MQTTConfig struct {
	Broker      string `yaml:"broker"` // e.g. mqtt://localhost:1883
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
	ClientID    string `yaml:"client_id"` // default: derived from the instance id
}

// Configured reports whether an MQTT broker has been set.
func (c MQTTConfig) Configured() bool {
	return c.Broker != ""
}

// PricingEntry is the per-million-token cost of a model.
type PricingEntry struct {
	InputPerMillion  float64 `yaml:"input_per_million"`
	OutputPerMillion float64 `yaml:"output_per_million"`
}

// Load reads configuration from a YAML file, expands ${VAR} references,
// applies BERNARD_* environment overrides and fills defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return cfg, nil
}

// Default returns a configuration with every default filled and
// environment overrides applied. The completion endpoint still has to be
// provided for Validate to pass.
func Default() *Config {
	cfg := &Config{}
	_ = cfg.applyEnv(os.LookupEnv)
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 8080
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}

	if c.Models.CallTimeout <= 0 {
		c.Models.CallTimeout = 10 * time.Second
	}
	if c.Models.SummaryModel == "" {
		c.Models.SummaryModel = c.Models.Default
	}
	if c.Models.ClassifierModel == "" {
		c.Models.ClassifierModel = c.Models.Default
	}

	if c.Embeddings.BaseURL == "" {
		c.Embeddings.BaseURL = c.Models.BaseURL
	}

	if c.Orchestrator.MaxIntentIterations <= 0 {
		c.Orchestrator.MaxIntentIterations = 4
	}
	if c.Orchestrator.FollowUpTimeout <= 0 {
		c.Orchestrator.FollowUpTimeout = 10 * time.Second
	}

	if c.Trace.ContextLimit <= 0 {
		c.Trace.ContextLimit = 20
	}
	if c.Trace.ContentPreviewChars <= 0 {
		c.Trace.ContentPreviewChars = 2000
	}

	if c.Memory.RecallTimeout <= 0 {
		c.Memory.RecallTimeout = 10 * time.Second
	}
	if c.Memory.MemorizeTimeout <= 0 {
		c.Memory.MemorizeTimeout = 30 * time.Second
	}
	if c.Memory.RecallLimit <= 0 {
		c.Memory.RecallLimit = 5
	}
	if c.Memory.DuplicateThreshold <= 0 {
		c.Memory.DuplicateThreshold = 0.9
	}
	if c.Memory.NeighborCount <= 0 {
		c.Memory.NeighborCount = 3
	}
	if c.Memory.FreshnessMaxDays <= 0 {
		c.Memory.FreshnessMaxDays = 90
	}
	if c.Memory.RecallMinScore <= 0 {
		c.Memory.RecallMinScore = 0.05
	}
	if c.Memory.ReindexInterval <= 0 {
		c.Memory.ReindexInterval = time.Hour
	}
	if c.Memory.ReindexBatch <= 0 {
		c.Memory.ReindexBatch = 100
	}

	if c.Response.TriggerTokens <= 0 {
		c.Response.TriggerTokens = 50000
	}
	if c.Response.TriggerMessages <= 0 {
		c.Response.TriggerMessages = 50
	}
	if c.Response.KeepMessages <= 0 {
		c.Response.KeepMessages = 20
	}

	if c.Ledger.IdleTimeout <= 0 {
		c.Ledger.IdleTimeout = 30 * time.Minute
	}
	if c.Ledger.SweepInterval <= 0 {
		c.Ledger.SweepInterval = time.Minute
	}
	if c.Ledger.SummaryMaxMessages <= 0 {
		c.Ledger.SummaryMaxMessages = 80
	}
	if c.Ledger.SummaryTimeout <= 0 {
		c.Ledger.SummaryTimeout = 60 * time.Second
	}

	if c.Queue.Attempts <= 0 {
		c.Queue.Attempts = 3
	}
	if c.Queue.BackoffBase <= 0 {
		c.Queue.BackoffBase = time.Second
	}
	if c.Queue.Concurrency <= 0 {
		c.Queue.Concurrency = 3
	}
	if c.Queue.KeepCompleted <= 0 {
		c.Queue.KeepCompleted = 50
	}
	if c.Queue.KeepFailed <= 0 {
		c.Queue.KeepFailed = 100
	}
	if c.Queue.ArchiveAfterDays <= 0 {
		c.Queue.ArchiveAfterDays = 7
	}
	if c.Queue.MaxRuntime <= 0 {
		c.Queue.MaxRuntime = 10 * time.Minute
	}
	if c.Queue.LeaseDuration <= 0 {
		c.Queue.LeaseDuration = 30 * time.Second
	}
	if c.Queue.PollInterval <= 0 {
		c.Queue.PollInterval = time.Second
	}
	if c.Queue.PruneInterval <= 0 {
		c.Queue.PruneInterval = time.Hour
	}

	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "bernard"
	}
}

// lookupFunc matches os.LookupEnv so tests can inject an environment.
type lookupFunc func(string) (string, bool)

// applyEnv overrides individual settings from BERNARD_* variables. Values
// set this way win over the YAML file.
func (c *Config) applyEnv(lookup lookupFunc) error {
	strs := map[string]*string{
		"BERNARD_COMPLETION_URL": &c.Models.BaseURL,
		"BERNARD_API_KEY":        &c.Models.APIKey,
		"BERNARD_DEFAULT_MODEL":  &c.Models.Default,
		"BERNARD_DATA_DIR":       &c.DataDir,
		"BERNARD_LOG_LEVEL":      &c.LogLevel,
	}
	for name, dst := range strs {
		if v, ok := lookup(name); ok && v != "" {
			*dst = v
		}
	}

	ints := map[string]*int{
		"BERNARD_PORT":                  &c.Listen.Port,
		"BERNARD_MAX_INTENT_ITERATIONS": &c.Orchestrator.MaxIntentIterations,
		"BERNARD_TRIGGER_TOKENS":        &c.Response.TriggerTokens,
		"BERNARD_TRIGGER_MESSAGES":      &c.Response.TriggerMessages,
		"BERNARD_KEEP_MESSAGES":         &c.Response.KeepMessages,
		"BERNARD_QUEUE_ATTEMPTS":        &c.Queue.Attempts,
		"BERNARD_QUEUE_CONCURRENCY":     &c.Queue.Concurrency,
		"BERNARD_SUMMARY_MAX_MESSAGES":  &c.Ledger.SummaryMaxMessages,
	}
	for name, dst := range ints {
		v, ok := lookup(name)
		if !ok || v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: %s=%q is not an integer", ErrFatal, name, v)
		}
		*dst = n
	}

	durations := map[string]*time.Duration{
		"BERNARD_MODEL_TIMEOUT":    &c.Models.CallTimeout,
		"BERNARD_RECALL_TIMEOUT":   &c.Memory.RecallTimeout,
		"BERNARD_MEMORIZE_TIMEOUT": &c.Memory.MemorizeTimeout,
		"BERNARD_IDLE_TIMEOUT":     &c.Ledger.IdleTimeout,
		"BERNARD_QUEUE_BACKOFF":    &c.Queue.BackoffBase,
		"BERNARD_TASK_MAX_RUNTIME": &c.Queue.MaxRuntime,
	}
	for name, dst := range durations {
		v, ok := lookup(name)
		if !ok || v == "" {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%w: %s=%q is not a duration", ErrFatal, name, v)
		}
		*dst = d
	}
	return nil
}

// Validate reports configuration that would make the process unable to
// serve. Every returned error wraps ErrFatal.
func (c *Config) Validate() error {
	if c.Models.BaseURL == "" {
		return fmt.Errorf("%w: models.base_url is required", ErrFatal)
	}
	if c.Models.Default == "" {
		return fmt.Errorf("%w: models.default is required", ErrFatal)
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return fmt.Errorf("%w: %v", ErrFatal, err)
	}
	switch c.LogFormat {
	case "", "text", "json":
	default:
		return fmt.Errorf("%w: log_format %q (valid: text, json)", ErrFatal, c.LogFormat)
	}
	if c.Memory.DuplicateThreshold > 1 {
		return fmt.Errorf("%w: memory.duplicate_threshold must be within (0, 1]", ErrFatal)
	}
	return nil
}

// ModelNames returns the models advertised to clients, default first.
func (c *Config) ModelNames() []string {
	names := []string{c.Models.Default}
	for _, m := range c.Models.Available {
		if m != "" && m != c.Models.Default {
			names = append(names, m)
		}
	}
	return names
}
