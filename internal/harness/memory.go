package harness

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nugget/bernard/internal/dedup"
	"github.com/nugget/bernard/internal/memory"
	"github.com/nugget/bernard/internal/tools"
)

// MemoryStore is the long-term record store. *memory.Store implements it.
type MemoryStore interface {
	Search(ctx context.Context, query string, limit, offset int) ([]memory.Hit, error)
	Insert(ctx context.Context, rec memory.Record) (*memory.Record, error)
	Supersede(ctx context.Context, oldID string, successor memory.Record) (*memory.Record, error)
	Refresh(ctx context.Context, id string) error
}

// Classifier decides whether a candidate memory is new. *dedup.Classifier
// implements it.
type Classifier interface {
	Classify(ctx context.Context, cand dedup.Candidate, neighbors []dedup.Neighbor) dedup.Decision
}

// MemoryConfig bounds recall and memorize.
type MemoryConfig struct {
	// RecallTimeout bounds one search. Default: 10s.
	RecallTimeout time.Duration
	// MemorizeTimeout bounds one background memorization. Default: 30s.
	MemorizeTimeout time.Duration
	// RecallLimit is the default number of results. Default: 5.
	RecallLimit int
	// NeighborCount is how many stored records a candidate is compared
	// against. Default: 5.
	NeighborCount int
	// MinScore drops recalled records scoring below it. Default: 0.05.
	MinScore float64
}

// RecallItem is one recalled memory. Score is similarity in [0, 1].
type RecallItem struct {
	ID        string    `json:"id"`
	Label     string    `json:"label"`
	Content   string    `json:"content"`
	Score     float64   `json:"score"`
	CreatedAt time.Time `json:"created_at"`
	Stale     bool      `json:"stale,omitempty"`
}

// RecallResult is always well formed: on failure Results is empty and
// Error says why.
type RecallResult struct {
	Results []RecallItem `json:"results"`
	Error   string       `json:"error,omitempty"`
}

// MemorizeAck acknowledges a memorize request. The write itself happens
// in the background.
type MemorizeAck struct {
	Status string `json:"status"`
}

// Memory is the memory harness.
type Memory struct {
	store      MemoryStore
	classifier Classifier
	cfg        MemoryConfig
	logger     *slog.Logger

	inflight sync.WaitGroup
}

// NewMemory creates the memory harness.
func NewMemory(store MemoryStore, classifier Classifier, cfg MemoryConfig, logger *slog.Logger) *Memory {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RecallTimeout <= 0 {
		cfg.RecallTimeout = 10 * time.Second
	}
	if cfg.MemorizeTimeout <= 0 {
		cfg.MemorizeTimeout = 30 * time.Second
	}
	if cfg.RecallLimit <= 0 {
		cfg.RecallLimit = 5
	}
	if cfg.NeighborCount <= 0 {
		cfg.NeighborCount = 5
	}
	if cfg.MinScore <= 0 {
		cfg.MinScore = 0.05
	}
	return &Memory{
		store:      store,
		classifier: classifier,
		cfg:        cfg,
		logger:     logger.With("component", "memory"),
	}
}

// Recall searches long-term memory. It never fails: a timeout or store
// error yields an empty result carrying the error text.
func (m *Memory) Recall(ctx context.Context, query string, limit, offset int) RecallResult {
	if limit <= 0 {
		limit = m.cfg.RecallLimit
	}
	if offset < 0 {
		offset = 0
	}

	ctx, cancel := context.WithTimeout(ctx, m.cfg.RecallTimeout)
	defer cancel()

	type outcome struct {
		hits []memory.Hit
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		hits, err := m.store.Search(ctx, query, limit, offset)
		done <- outcome{hits, err}
	}()

	var o outcome
	select {
	case o = <-done:
	case <-ctx.Done():
		o.err = ctx.Err()
	}
	if o.err != nil {
		m.logger.Warn("recall failed", "query_len", len(query), "error", o.err)
		return RecallResult{Results: []RecallItem{}, Error: fmt.Sprintf("recall failed: %v", o.err)}
	}

	now := time.Now()
	items := make([]RecallItem, 0, len(o.hits))
	for _, h := range o.hits {
		score := dedup.SimilarityFromDistance(h.Distance)
		if score < m.cfg.MinScore {
			continue
		}
		rec := h.Record
		items = append(items, RecallItem{
			ID:        rec.ID,
			Label:     rec.Label,
			Content:   rec.Content,
			Score:     score,
			CreatedAt: rec.CreatedAt,
			Stale:     rec.Stale(now),
		})
	}
	m.logger.Debug("recall", "results", len(items), "dropped", len(o.hits)-len(items), "limit", limit, "offset", offset)
	return RecallResult{Results: items}
}

// Memorize accepts a fact and returns at once. Deduplication and the
// write run in the background, detached from ctx, and failures are only
// logged.
func (m *Memory) Memorize(ctx context.Context, label, content, conversationID string) MemorizeAck {
	bg := context.WithoutCancel(ctx)
	m.inflight.Add(1)
	go func() {
		defer m.inflight.Done()
		ctx, cancel := context.WithTimeout(bg, m.cfg.MemorizeTimeout)
		defer cancel()
		if err := m.memorize(ctx, label, content, conversationID); err != nil {
			m.logger.Error("memorize failed",
				"label", label,
				"conversation_id", conversationID,
				"error", err,
			)
		}
	}()
	return MemorizeAck{Status: "queued"}
}

// Wait blocks until every in-flight memorization has finished.
func (m *Memory) Wait() {
	m.inflight.Wait()
}

func (m *Memory) memorize(ctx context.Context, label, content, conversationID string) error {
	hits, err := m.store.Search(ctx, label+" "+content, m.cfg.NeighborCount, 0)
	if err != nil {
		return fmt.Errorf("search neighbours: %w", err)
	}

	neighbors := make([]dedup.Neighbor, 0, len(hits))
	for _, h := range hits {
		neighbors = append(neighbors, dedup.Neighbor{
			ID:      h.Record.ID,
			Label:   h.Record.Label,
			Content: h.Record.Content,
			Score:   dedup.SimilarityFromDistance(h.Distance),
		})
	}

	cand := dedup.Candidate{Label: label, Content: content}
	d := dedup.Decision{Kind: dedup.KindNew, Reason: dedup.ReasonNoNeighbors}
	if m.classifier != nil {
		d = m.classifier.Classify(ctx, cand, neighbors)
	}

	log := m.logger.With("label", label, "decision", d.Kind, "reason", d.Reason, "fallback", d.Fallback)

	switch d.Kind {
	case dedup.KindDuplicate:
		if err := m.store.Refresh(ctx, d.TargetID); err != nil {
			return fmt.Errorf("refresh %s: %w", d.TargetID, err)
		}
		log.Info("memory refreshed", "id", d.TargetID)
	case dedup.KindUpdate:
		merged := d.MergedContent
		if merged == "" {
			merged = content
		}
		rec, err := m.store.Supersede(ctx, d.TargetID, memory.Record{
			Label:          label,
			Content:        merged,
			ConversationID: conversationID,
		})
		if err != nil {
			return fmt.Errorf("supersede %s: %w", d.TargetID, err)
		}
		log.Info("memory updated", "id", rec.ID, "predecessor", d.TargetID)
	default:
		rec, err := m.store.Insert(ctx, memory.Record{
			Label:          label,
			Content:        content,
			ConversationID: conversationID,
		})
		if err != nil {
			return fmt.Errorf("insert: %w", err)
		}
		log.Info("memory stored", "id", rec.ID)
	}
	return nil
}

// RegisterMemoryTools installs recall and memorize.
func RegisterMemoryTools(r *tools.Registry, m *Memory) error {
	err := r.Register(&tools.Tool{
		Name:        "recall",
		Description: "Search long-term memory for facts about the user, their home, and past conversations.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{
					"type":        "string",
					"description": "What to look for, in natural language",
				},
				"limit": map[string]any{
					"type":        "integer",
					"minimum":     1,
					"maximum":     50,
					"description": "Maximum results (default 5)",
				},
				"offset": map[string]any{
					"type":        "integer",
					"minimum":     0,
					"description": "Results to skip, for paging",
				},
			},
			"required": []string{"query"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			res := m.Recall(ctx, tools.StringArg(args, "query"), tools.IntArg(args, "limit", 0), tools.IntArg(args, "offset", 0))
			return marshalResult(res)
		},
	})
	if err != nil {
		return err
	}

	return r.Register(&tools.Tool{
		Name:        "memorize",
		Description: "Store a durable fact in long-term memory. Use a short label and a self-contained statement.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"label": map[string]any{
					"type":        "string",
					"minLength":   1,
					"description": "Short topic label, e.g. \"coffee preference\"",
				},
				"content": map[string]any{
					"type":        "string",
					"minLength":   1,
					"description": "The fact itself",
				},
			},
			"required": []string{"label", "content"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			ack := m.Memorize(ctx, tools.StringArg(args, "label"), tools.StringArg(args, "content"), tools.ConversationIDFromContext(ctx))
			return marshalResult(ack)
		},
	})
}
