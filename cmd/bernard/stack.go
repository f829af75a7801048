package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/nugget/bernard/internal/config"
	"github.com/nugget/bernard/internal/dedup"
	"github.com/nugget/bernard/internal/embeddings"
	"github.com/nugget/bernard/internal/events"
	"github.com/nugget/bernard/internal/harness"
	"github.com/nugget/bernard/internal/ledger"
	"github.com/nugget/bernard/internal/llm"
	"github.com/nugget/bernard/internal/memory"
	"github.com/nugget/bernard/internal/orchestrator"
	"github.com/nugget/bernard/internal/queue"
	"github.com/nugget/bernard/internal/summarizer"
	"github.com/nugget/bernard/internal/tools"
	"github.com/nugget/bernard/internal/usage"
)

// stack is every long-lived component a command may need, wired from
// one config. Nothing here touches the network until it is used.
type stack struct {
	cfg    *config.Config
	logger *slog.Logger
	bus    *events.Bus

	client     *llm.OpenAIClient
	embeddings *embeddings.Client // nil when disabled
	caller     *llm.Caller

	usage       *usage.Store
	ledgerStore *ledger.SQLiteStore
	ledger      *ledger.Ledger
	queue       *queue.Queue
	memoryStore *memory.Store

	registry *tools.Registry
	memory   *harness.Memory
	utility  *harness.Utility
	reindex  *harness.ReindexSchedule // nil when embeddings are disabled
	orch     *orchestrator.Orchestrator

	closers []func() error
}

// ledgerTraces forwards call traces to the ledger. The ledger is built
// after the caller since its summarizer calls the model.
type ledgerTraces struct {
	ledger *ledger.Ledger
}

func (t *ledgerTraces) RecordLLMCall(ctx context.Context, conversationID string, rec llm.CallRecord) error {
	if t.ledger == nil {
		return nil
	}
	return t.ledger.RecordLLMCall(ctx, conversationID, rec)
}

// openStack opens the stores under cfg.DataDir and wires the pipeline.
// Close releases everything that was opened, also on partial failure.
func openStack(ctx context.Context, cfg *config.Config, logger *slog.Logger) (s *stack, err error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	s = &stack{cfg: cfg, logger: logger, bus: events.New()}
	defer func() {
		if err != nil {
			s.Close()
			s = nil
		}
	}()

	// --- Stores ---
	s.usage, err = usage.Open(ctx, s.path("usage.db"), cfg.Pricing)
	if err != nil {
		return s, fmt.Errorf("open usage store: %w", err)
	}
	s.closers = append(s.closers, s.usage.Close)

	s.ledgerStore, err = ledger.OpenSQLite(ctx, s.path("ledger.db"), logger)
	if err != nil {
		return s, fmt.Errorf("open ledger: %w", err)
	}
	s.closers = append(s.closers, s.ledgerStore.Close)

	s.queue, err = queue.Open(ctx, s.path("queue.db"), queueConfig(cfg.Queue), s.bus, logger)
	if err != nil {
		return s, fmt.Errorf("open task queue: %w", err)
	}
	s.closers = append(s.closers, s.queue.Close)

	// A nil *Client must not reach the store as a non-nil interface.
	var embedder embeddings.Generator
	if cfg.Embeddings.Enabled {
		s.embeddings = embeddings.New(embeddings.Config{
			BaseURL: cfg.Embeddings.BaseURL,
			Model:   cfg.Embeddings.Model,
			APIKey:  cfg.Models.APIKey,
		})
		embedder = s.embeddings
		logger.Info("embeddings enabled", "model", cfg.Embeddings.Model)
	}
	s.memoryStore, err = memory.Open(ctx, s.path("memory.db"), embedder, cfg.Memory.FreshnessMaxDays, logger)
	if err != nil {
		return s, fmt.Errorf("open memory store: %w", err)
	}
	s.closers = append(s.closers, s.memoryStore.Close)

	// --- Model access ---
	s.client = llm.NewOpenAIClient(cfg.Models.BaseURL, cfg.Models.APIKey, logger)
	traces := &ledgerTraces{}
	s.caller = llm.NewCaller(s.client, llm.CallerConfig{
		Timeout:             cfg.Models.CallTimeout,
		ContextLimit:        cfg.Trace.ContextLimit,
		ContentPreviewChars: cfg.Trace.ContentPreviewChars,
	}, traces, s.usage, logger)

	sum := summarizer.New(s.caller, summarizer.Config{
		Model:       cfg.Models.SummaryModel,
		MaxMessages: cfg.Ledger.SummaryMaxMessages,
		Timeout:     cfg.Ledger.SummaryTimeout,
	}, logger)
	s.ledger = ledger.New(s.ledgerStore, sum, ledger.Config{
		IdleTimeout:    cfg.Ledger.IdleTimeout,
		SummaryTimeout: cfg.Ledger.SummaryTimeout,
	}, logger)
	traces.ledger = s.ledger

	// --- Tools and harnesses ---
	classifier := dedup.New(s.caller, dedup.Config{
		Model:     cfg.Models.ClassifierModel,
		Threshold: cfg.Memory.DuplicateThreshold,
	}, logger)
	s.memory = harness.NewMemory(s.memoryStore, classifier, harness.MemoryConfig{
		RecallTimeout:   cfg.Memory.RecallTimeout,
		MemorizeTimeout: cfg.Memory.MemorizeTimeout,
		RecallLimit:     cfg.Memory.RecallLimit,
		NeighborCount:   cfg.Memory.NeighborCount,
		MinScore:        cfg.Memory.RecallMinScore,
	}, logger)

	s.registry = tools.NewRegistry(logger)
	if err := harness.RegisterMemoryTools(s.registry, s.memory); err != nil {
		return s, fmt.Errorf("register memory tools: %w", err)
	}
	if err := tools.RegisterTaskTools(s.registry, s.queue, harness.ResearchTool()); err != nil {
		return s, fmt.Errorf("register task tools: %w", err)
	}

	intent := harness.NewIntent(s.caller, s.registry, harness.IntentConfig{
		MaxIterations: cfg.Orchestrator.MaxIntentIterations,
	}, logger)
	response := harness.NewResponse(s.caller, harness.ResponseConfig{
		TriggerTokens:   cfg.Response.TriggerTokens,
		TriggerMessages: cfg.Response.TriggerMessages,
		KeepMessages:    cfg.Response.KeepMessages,
	}, logger)
	s.utility = harness.NewUtility(s.queue, logger)
	if s.embeddings != nil {
		s.reindex = harness.NewReindexSchedule(s.utility, cfg.Memory.ReindexInterval, cfg.Memory.ReindexBatch, logger)
	}

	s.orch = orchestrator.New(s.ledger, intent, response, s.utility, s.bus, orchestrator.Config{
		DefaultModel:    cfg.Models.Default,
		SystemPrompt:    cfg.Orchestrator.SystemPrompt,
		FollowUpTimeout: cfg.Orchestrator.FollowUpTimeout,
	}, logger)

	logger.Info("pipeline ready",
		"data_dir", cfg.DataDir,
		"model", cfg.Models.Default,
		"tools", s.registry.Names(),
	)
	return s, nil
}

// newWorker builds the queue worker with every background processor.
func (s *stack) newWorker() *queue.Worker {
	w := queue.NewWorker(s.queue, s.logger)
	harness.RegisterJobProcessors(w, harness.JobDeps{
		Ledger:  s.ledger,
		Memory:  s.memoryStore,
		Caller:  s.caller,
		Tools:   s.registry,
		Model:   s.cfg.Models.Default,
		MaxIter: s.cfg.Orchestrator.MaxIntentIterations,
		Logger:  s.logger,
	})
	return w
}

// drain waits for detached work started by turns: memorizations and
// follow-up dispatch.
func (s *stack) drain() {
	if s.orch != nil {
		s.orch.WaitIdle()
	}
	if s.memory != nil {
		s.memory.Wait()
	}
}

// Close closes the stores in reverse order of opening.
func (s *stack) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}

func (s *stack) path(name string) string {
	return filepath.Join(s.cfg.DataDir, name)
}

func queueConfig(c config.QueueConfig) queue.Config {
	return queue.Config{
		Attempts:      c.Attempts,
		BackoffBase:   c.BackoffBase,
		Concurrency:   c.Concurrency,
		KeepCompleted: c.KeepCompleted,
		KeepFailed:    c.KeepFailed,
		ArchiveAfter:  time.Duration(c.ArchiveAfterDays) * 24 * time.Hour,
		MaxRuntime:    c.MaxRuntime,
		LeaseDuration: c.LeaseDuration,
		PollInterval:  c.PollInterval,
		PruneInterval: c.PruneInterval,
	}
}
