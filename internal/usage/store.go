// Package usage is the token billing ledger: one append-only row per
// model call, with cost computed from the configured pricing table.
package usage

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nugget/bernard/internal/config"
	"github.com/nugget/bernard/internal/database"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Record is a single model call's token usage and cost.
type Record struct {
	ID               string
	Timestamp        time.Time
	RequestID        string
	TurnID           string
	ConversationID   string
	TaskID           string
	Model            string
	Stage            string // intent, response, summary, dedup, utility
	InputTokens      int
	OutputTokens     int
	CacheReadTokens  int
	CacheWriteTokens int
	CostUSD          float64
}

// Summary holds aggregated totals.
type Summary struct {
	TotalRecords      int
	TotalInputTokens  int64
	TotalOutputTokens int64
	TotalCostUSD      float64
}

// Store is an append-only SQLite store for usage records.
type Store struct {
	db      *sql.DB
	pricing map[string]config.PricingEntry
}

// Open opens the usage database at path and migrates it.
func Open(ctx context.Context, path string, pricing map[string]config.PricingEntry) (*Store, error) {
	db, err := database.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open usage database: %w", err)
	}
	s, err := NewStore(ctx, db, pricing)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewStore wraps an open database, applying migrations.
func NewStore(ctx context.Context, db *sql.DB, pricing map[string]config.PricingEntry) (*Store, error) {
	if err := database.Migrate(ctx, db, database.MustSub(migrations, "migrations"), nil); err != nil {
		return nil, fmt.Errorf("migrate usage schema: %w", err)
	}
	return &Store{db: db, pricing: pricing}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record persists rec. An empty ID gets a UUIDv7; a zero CostUSD is
// filled from the pricing table.
func (s *Store) Record(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate usage record ID: %w", err)
		}
		rec.ID = id.String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	if rec.CostUSD == 0 {
		rec.CostUSD = ComputeCost(rec.Model, rec.InputTokens, rec.OutputTokens, s.pricing)
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO usage_records
			(id, timestamp, request_id, turn_id, conversation_id, task_id, model, stage,
			 input_tokens, output_tokens, cache_read_tokens, cache_write_tokens, cost_usd)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		database.FormatTime(rec.Timestamp),
		rec.RequestID,
		rec.TurnID,
		rec.ConversationID,
		rec.TaskID,
		rec.Model,
		rec.Stage,
		rec.InputTokens,
		rec.OutputTokens,
		rec.CacheReadTokens,
		rec.CacheWriteTokens,
		rec.CostUSD,
	)
	if err != nil {
		return fmt.Errorf("insert usage record: %w", err)
	}
	return nil
}

// Summary returns totals for records within [start, end).
func (s *Store) Summary(ctx context.Context, start, end time.Time) (*Summary, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0), COALESCE(SUM(cost_usd), 0)
		 FROM usage_records
		 WHERE timestamp >= ? AND timestamp < ?`,
		database.FormatTime(start),
		database.FormatTime(end),
	)
	var sum Summary
	if err := row.Scan(&sum.TotalRecords, &sum.TotalInputTokens, &sum.TotalOutputTokens, &sum.TotalCostUSD); err != nil {
		return nil, fmt.Errorf("query usage summary: %w", err)
	}
	return &sum, nil
}

// ConversationSummary returns totals for one conversation.
func (s *Store) ConversationSummary(ctx context.Context, conversationID string) (*Summary, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0), COALESCE(SUM(cost_usd), 0)
		 FROM usage_records WHERE conversation_id = ?`,
		conversationID,
	)
	var sum Summary
	if err := row.Scan(&sum.TotalRecords, &sum.TotalInputTokens, &sum.TotalOutputTokens, &sum.TotalCostUSD); err != nil {
		return nil, fmt.Errorf("query conversation usage: %w", err)
	}
	return &sum, nil
}

// SummaryByModel returns per-model totals within [start, end).
func (s *Store) SummaryByModel(ctx context.Context, start, end time.Time) (map[string]*Summary, error) {
	return s.summaryGroupedBy(ctx, "model", start, end)
}

// SummaryByStage returns per-stage totals within [start, end).
func (s *Store) SummaryByStage(ctx context.Context, start, end time.Time) (map[string]*Summary, error) {
	return s.summaryGroupedBy(ctx, "stage", start, end)
}

func (s *Store) summaryGroupedBy(ctx context.Context, column string, start, end time.Time) (map[string]*Summary, error) {
	// column comes from our own methods, never from input.
	query := fmt.Sprintf(
		`SELECT COALESCE(%s, ''), COUNT(*), COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0), COALESCE(SUM(cost_usd), 0)
		 FROM usage_records
		 WHERE timestamp >= ? AND timestamp < ?
		 GROUP BY %s`,
		column, column,
	)
	rows, err := s.db.QueryContext(ctx, query,
		database.FormatTime(start),
		database.FormatTime(end),
	)
	if err != nil {
		return nil, fmt.Errorf("query usage by %s: %w", column, err)
	}
	defer rows.Close()

	result := make(map[string]*Summary)
	for rows.Next() {
		var key string
		var sum Summary
		if err := rows.Scan(&key, &sum.TotalRecords, &sum.TotalInputTokens, &sum.TotalOutputTokens, &sum.TotalCostUSD); err != nil {
			return nil, fmt.Errorf("scan usage by %s: %w", column, err)
		}
		result[key] = &sum
	}
	return result, rows.Err()
}

// ComputeCost prices a call from the pricing table. Models absent from
// the table are treated as free (self-hosted).
func ComputeCost(model string, inputTokens, outputTokens int, pricing map[string]config.PricingEntry) float64 {
	entry, ok := pricing[model]
	if !ok {
		return 0
	}
	cost := float64(inputTokens) / 1_000_000.0 * entry.InputPerMillion
	cost += float64(outputTokens) / 1_000_000.0 * entry.OutputPerMillion
	return cost
}
