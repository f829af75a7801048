package ledger

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nugget/bernard/internal/database"
	"github.com/nugget/bernard/internal/llm"
)

//go:embed migrations/*.sql
var migrations embed.FS

// SQLiteStore is the SQLite implementation of Store.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// OpenSQLite opens the ledger database at path and migrates it.
func OpenSQLite(ctx context.Context, path string, logger *slog.Logger) (*SQLiteStore, error) {
	db, err := database.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open ledger database: %w", err)
	}
	s, err := NewSQLiteStore(ctx, db, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLiteStore wraps an open database and applies the ledger schema.
func NewSQLiteStore(ctx context.Context, db *sql.DB, logger *slog.Logger) (*SQLiteStore, error) {
	if err := database.Migrate(ctx, db, database.MustSub(migrations, "migrations"), logger); err != nil {
		return nil, fmt.Errorf("migrate ledger schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const conversationColumns = `id, status, ghost, title, started_at, last_touched_at,
	closed_at, close_reason, message_count, tool_call_count, error_count,
	summary, summary_error_message, tags, keywords, place_tags,
	flag_explicit, flag_forbidden, flag_summary_error`

// CreateConversation inserts c with its caller tokens.
func (s *SQLiteStore) CreateConversation(ctx context.Context, c *Conversation) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create conversation: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO conversations (id, status, ghost, title, started_at, last_touched_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		c.ID, c.Status, c.Ghost, c.Title,
		database.FormatTime(c.StartedAt), database.FormatTime(c.LastTouchedAt),
	)
	if err != nil {
		return fmt.Errorf("insert conversation: %w", err)
	}
	for _, tok := range c.CallerTokens {
		if err := addToken(ctx, tx, c.ID, tok); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// GetConversation loads one conversation with its caller tokens.
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id)
	c, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	if err := s.loadTokens(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// FindOpenForToken implements Store.
func (s *SQLiteStore) FindOpenForToken(ctx context.Context, token string, ghost bool, touchedAfter time.Time) (*Conversation, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `
		SELECT c.id FROM conversations c
		JOIN conversation_tokens t ON t.conversation_id = c.id
		WHERE t.token = ? AND c.status = 'open' AND c.ghost = ? AND c.last_touched_at >= ?
		ORDER BY c.last_touched_at DESC
		LIMIT 1`,
		token, ghost, database.FormatTime(touchedAfter),
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find open conversation: %w", err)
	}
	return s.GetConversation(ctx, id)
}

// Touch implements Store.
func (s *SQLiteStore) Touch(ctx context.Context, id, token string, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin touch: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE conversations SET last_touched_at = ? WHERE id = ? AND status = 'open'`,
		database.FormatTime(at), id,
	)
	if err != nil {
		return fmt.Errorf("touch conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	if err := addToken(ctx, tx, id, token); err != nil {
		return err
	}
	return tx.Commit()
}

// Reopen implements Store.
func (s *SQLiteStore) Reopen(ctx context.Context, id, token string, at time.Time) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin reopen: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE conversations
		SET status = 'open', closed_at = NULL, close_reason = NULL, last_touched_at = ?
		WHERE id = ? AND status = 'closed' AND ghost = 0`,
		database.FormatTime(at), id,
	)
	if err != nil {
		return false, fmt.Errorf("reopen conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, nil
	}
	if err := addToken(ctx, tx, id, token); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

// InsertTurn implements Store.
func (s *SQLiteStore) InsertTurn(ctx context.Context, t *Turn) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin turn: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE conversations SET message_count = message_count + 1 WHERE id = ?`,
		t.ConversationID,
	)
	if err != nil {
		return fmt.Errorf("count turn: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO turns (id, request_id, conversation_id, caller_token, model, started_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		t.ID, t.RequestID, t.ConversationID, t.CallerToken, t.Model, database.FormatTime(t.StartedAt),
	)
	if err != nil {
		return fmt.Errorf("insert turn: %w", err)
	}
	return tx.Commit()
}

// Turns implements Store.
func (s *SQLiteStore) Turns(ctx context.Context, conversationID string) ([]Turn, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, request_id, conversation_id, caller_token, model, started_at
		FROM turns WHERE conversation_id = ? ORDER BY started_at, id`,
		conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}
	defer rows.Close()

	var out []Turn
	for rows.Next() {
		var t Turn
		var started string
		if err := rows.Scan(&t.ID, &t.RequestID, &t.ConversationID, &t.CallerToken, &t.Model, &started); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		t.StartedAt = database.ParseTime(started)
		out = append(out, t)
	}
	return out, rows.Err()
}

// AppendMessage implements Store. Trace messages do not count as
// activity, so recording a model call never keeps a conversation open.
// Other messages need an open conversation and fail with ErrClosed
// otherwise.
func (s *SQLiteStore) AppendMessage(ctx context.Context, conversationID string, m *Message) error {
	var toolCalls, metadata sql.NullString
	if len(m.ToolCalls) > 0 {
		b, err := json.Marshal(m.ToolCalls)
		if err != nil {
			return fmt.Errorf("marshal tool calls: %w", err)
		}
		toolCalls = sql.NullString{String: string(b), Valid: true}
	}
	if len(m.Metadata) > 0 {
		b, err := json.Marshal(m.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
		metadata = sql.NullString{String: string(b), Valid: true}
	}
	var tokensIn, tokensOut sql.NullInt64
	if m.TokenDeltas != nil {
		tokensIn = sql.NullInt64{Int64: int64(m.TokenDeltas.In), Valid: true}
		tokensOut = sql.NullInt64{Int64: int64(m.TokenDeltas.Out), Valid: true}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback()

	toolDelta := 0
	if m.Role == llm.RoleTool {
		toolDelta = 1
	}
	var n int64
	if m.IsTrace() {
		err = tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM conversations WHERE id = ?`, conversationID).Scan(&n)
	} else {
		var res sql.Result
		res, err = tx.ExecContext(ctx, `
			UPDATE conversations
			SET tool_call_count = tool_call_count + ?,
			    last_touched_at = MAX(last_touched_at, ?)
			WHERE id = ? AND status = ?`,
			toolDelta, database.FormatTime(m.CreatedAt), conversationID, StatusOpen,
		)
		if err == nil {
			n, err = res.RowsAffected()
		}
		if err == nil && n == 0 {
			var exists int64
			err = tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM conversations WHERE id = ?`, conversationID).Scan(&exists)
			if err == nil && exists > 0 {
				return ErrClosed
			}
		}
	}
	if err != nil {
		return fmt.Errorf("update conversation counters: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, turn_id, role, content, created_at,
			tokens_in, tokens_out, tool_calls, tool_call_id, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, conversationID, nullString(m.TurnID), m.Role, m.Content, database.FormatTime(m.CreatedAt),
		tokensIn, tokensOut, toolCalls, nullString(m.ToolCallID), metadata,
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return tx.Commit()
}

// Messages implements Store. Messages come back in creation order.
func (s *SQLiteStore) Messages(ctx context.Context, conversationID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, turn_id, role, content, created_at, tokens_in, tokens_out,
			tool_calls, tool_call_id, metadata
		FROM messages WHERE conversation_id = ? ORDER BY seq`,
		conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		var created string
		var turnID, toolCalls, toolCallID, metadata sql.NullString
		var tokensIn, tokensOut sql.NullInt64
		if err := rows.Scan(&m.ID, &turnID, &m.Role, &m.Content, &created, &tokensIn, &tokensOut,
			&toolCalls, &toolCallID, &metadata); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.CreatedAt = database.ParseTime(created)
		m.TurnID = turnID.String
		m.ToolCallID = toolCallID.String
		if tokensIn.Valid || tokensOut.Valid {
			m.TokenDeltas = &TokenDeltas{In: int(tokensIn.Int64), Out: int(tokensOut.Int64)}
		}
		if toolCalls.Valid {
			if err := json.Unmarshal([]byte(toolCalls.String), &m.ToolCalls); err != nil {
				return nil, fmt.Errorf("decode tool calls of %s: %w", m.ID, err)
			}
		}
		if metadata.Valid {
			if err := json.Unmarshal([]byte(metadata.String), &m.Metadata); err != nil {
				return nil, fmt.Errorf("decode metadata of %s: %w", m.ID, err)
			}
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// IncrementErrors implements Store.
func (s *SQLiteStore) IncrementErrors(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE conversations SET error_count = error_count + 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("increment errors: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetGhost implements Store.
func (s *SQLiteStore) SetGhost(ctx context.Context, id string, ghost bool) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin set ghost: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE conversations SET ghost = ?
		WHERE id = ? AND NOT (status = 'closed' AND ghost = 1 AND ? = 0)`,
		ghost, id, ghost,
	)
	if err != nil {
		return fmt.Errorf("set ghost: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM conversations WHERE id = ?`, id).Scan(&exists); err != nil {
			return fmt.Errorf("check conversation: %w", err)
		}
		if exists == 0 {
			return ErrNotFound
		}
		return ErrGhostLocked
	}
	return tx.Commit()
}

// SetTitle implements Store.
func (s *SQLiteStore) SetTitle(ctx context.Context, id, title string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE conversations SET title = ? WHERE id = ?`, title, id)
	if err != nil {
		return fmt.Errorf("set title: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListConversations implements Store, newest activity first.
func (s *SQLiteStore) ListConversations(ctx context.Context, opts ListOptions) ([]Conversation, error) {
	var where []string
	var args []any
	switch {
	case opts.IncludeOpen && !opts.IncludeClosed:
		where = append(where, "status = 'open'")
	case opts.IncludeClosed && !opts.IncludeOpen:
		where = append(where, "status = 'closed'")
	}
	if !opts.IncludeGhost {
		where = append(where, "ghost = 0")
	}

	query := `SELECT ` + conversationColumns + ` FROM conversations`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY last_touched_at DESC, id DESC"
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}
	return s.queryConversations(ctx, query, args...)
}

// ListIdle implements Store.
func (s *SQLiteStore) ListIdle(ctx context.Context, cutoff time.Time) ([]Conversation, error) {
	return s.queryConversations(ctx,
		`SELECT `+conversationColumns+` FROM conversations
		WHERE status = 'open' AND last_touched_at < ?
		ORDER BY last_touched_at`,
		database.FormatTime(cutoff),
	)
}

// CloseConversation implements Store as one guarded UPDATE, so readers
// see either the open row or the fully closed one.
func (s *SQLiteStore) CloseConversation(ctx context.Context, id string, cutoff time.Time, c Closure) (bool, error) {
	var summary, summaryErr sql.NullString
	tags, keywords, places := "[]", "[]", "[]"
	var flags Flags
	if c.Summary != nil {
		summary = nullString(c.Summary.Summary)
		summaryErr = nullString(c.Summary.Error)
		tags = encodeList(c.Summary.Tags)
		keywords = encodeList(c.Summary.Keywords)
		places = encodeList(c.Summary.Places)
		flags = c.Summary.Flags
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE conversations
		SET status = 'closed', closed_at = ?, close_reason = ?,
		    summary = ?, summary_error_message = ?,
		    tags = ?, keywords = ?, place_tags = ?,
		    flag_explicit = ?, flag_forbidden = ?, flag_summary_error = ?
		WHERE id = ? AND status = 'open' AND last_touched_at < ?`,
		database.FormatTime(c.ClosedAt), c.Reason,
		summary, summaryErr,
		tags, keywords, places,
		flags.Explicit, flags.Forbidden, flags.SummaryError,
		id, database.FormatTime(cutoff),
	)
	if err != nil {
		return false, fmt.Errorf("close conversation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("close conversation: %w", err)
	}
	return n == 1, nil
}

func (s *SQLiteStore) queryConversations(ctx context.Context, query string, args ...any) ([]Conversation, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	var out []Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		out = append(out, *c)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}

	// Tokens are loaded after the cursor is closed; the store may run
	// on a single connection.
	for i := range out {
		if err := s.loadTokens(ctx, &out[i]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *SQLiteStore) loadTokens(ctx context.Context, c *Conversation) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT token FROM conversation_tokens WHERE conversation_id = ? ORDER BY token`, c.ID)
	if err != nil {
		return fmt.Errorf("query caller tokens: %w", err)
	}
	defer rows.Close()

	c.CallerTokens = []string{}
	for rows.Next() {
		var tok string
		if err := rows.Scan(&tok); err != nil {
			return fmt.Errorf("scan caller token: %w", err)
		}
		c.CallerTokens = append(c.CallerTokens, tok)
	}
	return rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanConversation(row scanner) (*Conversation, error) {
	var c Conversation
	var started, touched string
	var closedAt, closeReason, summary, summaryErr sql.NullString
	var tags, keywords, places string
	err := row.Scan(&c.ID, &c.Status, &c.Ghost, &c.Title, &started, &touched,
		&closedAt, &closeReason, &c.MessageCount, &c.ToolCallCount, &c.ErrorCount,
		&summary, &summaryErr, &tags, &keywords, &places,
		&c.Flags.Explicit, &c.Flags.Forbidden, &c.Flags.SummaryError,
	)
	if err != nil {
		return nil, err
	}
	c.StartedAt = database.ParseTime(started)
	c.LastTouchedAt = database.ParseTime(touched)
	if closedAt.Valid {
		t := database.ParseTime(closedAt.String)
		c.ClosedAt = &t
	}
	c.CloseReason = closeReason.String
	c.Summary = summary.String
	c.SummaryErrorMessage = summaryErr.String
	c.Tags = decodeList(tags)
	c.Keywords = decodeList(keywords)
	c.PlaceTags = decodeList(places)
	return &c, nil
}

func addToken(ctx context.Context, tx *sql.Tx, conversationID, token string) error {
	if token == "" {
		return nil
	}
	_, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO conversation_tokens (conversation_id, token) VALUES (?, ?)`,
		conversationID, token,
	)
	if err != nil {
		return fmt.Errorf("add caller token: %w", err)
	}
	return nil
}

func encodeList(v []string) string {
	if len(v) == 0 {
		return "[]"
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func decodeList(s string) []string {
	out := []string{}
	_ = json.Unmarshal([]byte(s), &out)
	if out == nil {
		out = []string{}
	}
	return out
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
