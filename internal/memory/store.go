// Package memory provides the long-term memory record store: labelled
// facts learned in conversation, searchable by semantic similarity and
// linked into supersession chains when a fact is updated.
package memory

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	"github.com/nugget/bernard/internal/database"
	"github.com/nugget/bernard/internal/embeddings"
)

//go:embed migrations/*.sql
var migrations embed.FS

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("memory record not found")

// ErrSuperseded is returned when updating a record that already has a
// successor.
var ErrSuperseded = errors.New("memory record already superseded")

// Record is one long-term fact. SuccessorID is a forward pointer only:
// a record never learns about its predecessors.
type Record struct {
	ID               string    `json:"id"`
	Label            string    `json:"label"`
	Content          string    `json:"content"`
	ConversationID   string    `json:"conversation_id,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	RefreshedAt      time.Time `json:"refreshed_at"`
	FreshnessMaxDays int       `json:"freshness_max_days"`
	SuccessorID      string    `json:"successor_id,omitempty"`

	embedding []float32
}

// Stale reports whether the record has not been refreshed within its
// freshness window.
func (r *Record) Stale(now time.Time) bool {
	if r.FreshnessMaxDays <= 0 {
		return false
	}
	return now.Sub(r.RefreshedAt) > time.Duration(r.FreshnessMaxDays)*24*time.Hour
}

// Hit is a search result. Distance is cosine distance in [0, 2] (0 is
// identical); lexical matches report 1 - Jaccard overlap.
type Hit struct {
	Record   Record  `json:"record"`
	Distance float64 `json:"distance"`
}

// Store is the SQLite-backed record store.
type Store struct {
	db               *sql.DB
	embedder         embeddings.Generator
	freshnessMaxDays int
	logger           *slog.Logger
}

// Open opens the memory database at path and migrates it.
func Open(ctx context.Context, path string, embedder embeddings.Generator, freshnessMaxDays int, logger *slog.Logger) (*Store, error) {
	db, err := database.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open memory database: %w", err)
	}
	s, err := NewStore(ctx, db, embedder, freshnessMaxDays, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewStore wraps an open database. embedder may be nil, in which case
// search falls back to lexical overlap.
func NewStore(ctx context.Context, db *sql.DB, embedder embeddings.Generator, freshnessMaxDays int, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := database.Migrate(ctx, db, database.MustSub(migrations, "migrations"), logger); err != nil {
		return nil, fmt.Errorf("migrate memory schema: %w", err)
	}
	if freshnessMaxDays <= 0 {
		freshnessMaxDays = 90
	}
	return &Store{
		db:               db,
		embedder:         embedder,
		freshnessMaxDays: freshnessMaxDays,
		logger:           logger.With("component", "memory"),
	}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Insert stores a new record. ID, timestamps and freshness are filled
// when zero. An embedding failure is logged and the record is stored
// without one; the reindex job picks it up later.
func (s *Store) Insert(ctx context.Context, rec Record) (*Record, error) {
	if err := s.prepare(ctx, &rec); err != nil {
		return nil, err
	}
	if err := s.insert(ctx, s.db, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Supersede inserts successor and points old at it in one transaction.
// It fails with ErrSuperseded if old already has a successor.
func (s *Store) Supersede(ctx context.Context, oldID string, successor Record) (*Record, error) {
	if err := s.prepare(ctx, &successor); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin supersede: %w", err)
	}
	defer tx.Rollback()

	if err := s.insert(ctx, tx, &successor); err != nil {
		return nil, err
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE memory_records SET successor_id = ? WHERE id = ? AND successor_id IS NULL`,
		successor.ID, oldID,
	)
	if err != nil {
		return nil, fmt.Errorf("link successor: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM memory_records WHERE id = ?`, oldID).Scan(&exists)
		if err == nil && exists == 0 {
			return nil, ErrNotFound
		}
		return nil, ErrSuperseded
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit supersede: %w", err)
	}
	return &successor, nil
}

// Refresh marks a record as reconfirmed now.
func (s *Store) Refresh(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE memory_records SET refreshed_at = ? WHERE id = ?`,
		database.FormatTime(time.Now()), id,
	)
	if err != nil {
		return fmt.Errorf("refresh record: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Get returns one record by ID.
func (s *Store) Get(ctx context.Context, id string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM memory_records WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get record: %w", err)
	}
	return rec, nil
}

// Search ranks current (unsuperseded) records against query, nearest
// first, and returns the limit records after offset.
func (s *Store) Search(ctx context.Context, query string, limit, offset int) ([]Hit, error) {
	if limit <= 0 {
		limit = 5
	}
	if offset < 0 {
		offset = 0
	}

	records, err := s.current(ctx)
	if err != nil {
		return nil, err
	}

	var queryVec []float32
	if s.embedder != nil {
		queryVec, err = s.embedder.Generate(ctx, query)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			s.logger.Warn("query embedding failed, using lexical match", "error", err)
			queryVec = nil
		}
	}

	queryTerms := terms(query)
	hits := make([]Hit, 0, len(records))
	for _, r := range records {
		var d float64
		if queryVec != nil && len(r.embedding) == len(queryVec) {
			d = embeddings.CosineDistance(queryVec, r.embedding)
		} else {
			d = 1 - jaccard(queryTerms, terms(r.Label+" "+r.Content))
		}
		hits = append(hits, Hit{Record: r, Distance: d})
	}

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Distance < hits[j].Distance })

	if offset >= len(hits) {
		return []Hit{}, nil
	}
	hits = hits[offset:]
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// Reindex embeds up to limit records that have no embedding yet and
// returns how many were updated.
func (s *Store) Reindex(ctx context.Context, limit int) (int, error) {
	if s.embedder == nil {
		return 0, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, label, content FROM memory_records WHERE embedding IS NULL AND successor_id IS NULL LIMIT ?`, limit)
	if err != nil {
		return 0, fmt.Errorf("query unembedded records: %w", err)
	}
	type pending struct{ id, text string }
	var todo []pending
	for rows.Next() {
		var p pending
		var label, content string
		if err := rows.Scan(&p.id, &label, &content); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan unembedded record: %w", err)
		}
		p.text = label + ": " + content
		todo = append(todo, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	updated := 0
	for _, p := range todo {
		vec, err := s.embedder.Generate(ctx, p.text)
		if err != nil {
			return updated, fmt.Errorf("embed record %s: %w", p.id, err)
		}
		if _, err := s.db.ExecContext(ctx,
			`UPDATE memory_records SET embedding = ? WHERE id = ?`, embeddings.Encode(vec), p.id); err != nil {
			return updated, fmt.Errorf("store embedding: %w", err)
		}
		updated++
	}
	return updated, nil
}

// Count returns the number of current records.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memory_records WHERE successor_id IS NULL`).Scan(&n)
	return n, err
}

func (s *Store) prepare(ctx context.Context, rec *Record) error {
	if strings.TrimSpace(rec.Content) == "" {
		return fmt.Errorf("memory record content is empty")
	}
	if rec.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate record ID: %w", err)
		}
		rec.ID = id.String()
	}
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.RefreshedAt.IsZero() {
		rec.RefreshedAt = rec.CreatedAt
	}
	if rec.FreshnessMaxDays <= 0 {
		rec.FreshnessMaxDays = s.freshnessMaxDays
	}
	rec.SuccessorID = ""

	if s.embedder != nil && rec.embedding == nil {
		vec, err := s.embedder.Generate(ctx, rec.Label+": "+rec.Content)
		if err != nil {
			s.logger.Warn("record embedding failed, storing without", "label", rec.Label, "error", err)
		} else {
			rec.embedding = vec
		}
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) insert(ctx context.Context, db execer, rec *Record) error {
	var blob []byte
	if rec.embedding != nil {
		blob = embeddings.Encode(rec.embedding)
	}
	_, err := db.ExecContext(ctx,
		`INSERT INTO memory_records
			(id, label, content, conversation_id, created_at, refreshed_at, freshness_max_days, embedding)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Label, rec.Content, nullString(rec.ConversationID),
		database.FormatTime(rec.CreatedAt), database.FormatTime(rec.RefreshedAt), rec.FreshnessMaxDays, blob,
	)
	if err != nil {
		return fmt.Errorf("insert record: %w", err)
	}
	return nil
}

func (s *Store) current(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM memory_records WHERE successor_id IS NULL ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

const recordColumns = `id, label, content, conversation_id, created_at, refreshed_at, freshness_max_days, successor_id, embedding`

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*Record, error) {
	var (
		rec                  Record
		convID, successorID  sql.NullString
		createdAt, refreshed string
		blob                 []byte
	)
	if err := row.Scan(&rec.ID, &rec.Label, &rec.Content, &convID, &createdAt, &refreshed,
		&rec.FreshnessMaxDays, &successorID, &blob); err != nil {
		return nil, err
	}
	rec.ConversationID = convID.String
	rec.SuccessorID = successorID.String
	rec.CreatedAt = database.ParseTime(createdAt)
	rec.RefreshedAt = database.ParseTime(refreshed)
	if len(blob) > 0 {
		rec.embedding = embeddings.Decode(blob)
	}
	return &rec, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func terms(s string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, w := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		out[w] = struct{}{}
	}
	return out
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for w := range a {
		if _, ok := b[w]; ok {
			inter++
		}
	}
	return float64(inter) / float64(len(a)+len(b)-inter)
}
