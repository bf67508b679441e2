package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists short-term turns and long-term memories in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS short_term_messages (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			conversation_id TEXT NOT NULL DEFAULT '',
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			pii_redacted BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`ALTER TABLE short_term_messages ADD COLUMN IF NOT EXISTS seq BIGSERIAL;`,
		`CREATE INDEX IF NOT EXISTS idx_short_term_user_conv_created
			ON short_term_messages (user_id, conversation_id, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_short_term_user_created
			ON short_term_messages (user_id, created_at DESC, seq DESC);`,
		`CREATE TABLE IF NOT EXISTS long_term_memories (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			category TEXT NOT NULL,
			content TEXT NOT NULL,
			importance INT NOT NULL CHECK (importance BETWEEN 1 AND 10),
			metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_long_term_user_rank
			ON long_term_memories (user_id, importance DESC, created_at DESC);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) AppendMessage(ctx context.Context, m Message) (Message, error) {
	m, err := prepareMessage(m, time.Time{})
	if err != nil {
		return Message{}, err
	}

	// The timestamp is lifted past the user's latest one so ordering stays
	// strictly increasing even with skewed writers; seq breaks any tie left
	// by concurrent inserts.
	err = s.pool.QueryRow(ctx,
		`INSERT INTO short_term_messages (id, user_id, conversation_id, role, content, pii_redacted, created_at)
		 SELECT $1, $2, $3, $4, $5, $6, GREATEST($7::timestamptz, COALESCE(MAX(created_at) + interval '1 microsecond', $7::timestamptz))
		 FROM short_term_messages WHERE user_id=$2
		 ON CONFLICT (id) DO NOTHING
		 RETURNING created_at`,
		m.ID,
		m.UserID,
		m.ConversationID,
		string(m.Role),
		m.Content,
		m.PIIRedacted,
		m.CreatedAt,
	).Scan(&m.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Message{}, ErrDuplicate
	}
	if err != nil {
		return Message{}, storeErr("append message", err)
	}
	m.CreatedAt = m.CreatedAt.UTC()
	return m, nil
}

func (s *PostgresStore) RecentMessages(ctx context.Context, userID string, q MessageQuery) ([]Message, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = defaultMessageLimit
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, conversation_id, role, content, pii_redacted, created_at
		 FROM short_term_messages
		 WHERE user_id=$1 AND ($2::text = '' OR conversation_id=$2)
		 ORDER BY created_at DESC, seq DESC LIMIT $3`,
		userID,
		q.ConversationID,
		limit,
	)
	if err != nil {
		return nil, storeErr("query recent messages", err)
	}
	defer rows.Close()

	items := make([]Message, 0, limit)
	for rows.Next() {
		var m Message
		var role string
		if err := rows.Scan(&m.ID, &m.UserID, &m.ConversationID, &role, &m.Content, &m.PIIRedacted, &m.CreatedAt); err != nil {
			return nil, storeErr("scan message row", err)
		}
		m.Role = Role(role)
		m.CreatedAt = m.CreatedAt.UTC()
		items = append(items, m)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("iterate message rows", err)
	}

	// Reverse into chronological order for prompt coherence.
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
	return items, nil
}

func (s *PostgresStore) ListConversations(ctx context.Context, userID string) ([]ConversationSummary, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT conversation_id, COUNT(*), MIN(created_at), MAX(created_at),
		        (SELECT f.content FROM short_term_messages f
		          WHERE f.user_id = m.user_id AND f.conversation_id = m.conversation_id
		          ORDER BY (f.role <> 'user'), f.created_at, f.seq LIMIT 1)
		 FROM short_term_messages m
		 WHERE user_id=$1 AND conversation_id <> ''
		 GROUP BY user_id, conversation_id
		 ORDER BY MAX(created_at) DESC`,
		userID,
	)
	if err != nil {
		return nil, storeErr("list conversations", err)
	}
	defer rows.Close()

	var out []ConversationSummary
	for rows.Next() {
		var (
			c     ConversationSummary
			first string
		)
		if err := rows.Scan(&c.ID, &c.MessageCount, &c.CreatedAt, &c.UpdatedAt, &first); err != nil {
			return nil, storeErr("scan conversation", err)
		}
		c.Title = conversationTitle(first)
		c.CreatedAt = c.CreatedAt.UTC()
		c.UpdatedAt = c.UpdatedAt.UTC()
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list conversations", err)
	}
	return out, nil
}

func (s *PostgresStore) DeleteMessages(ctx context.Context, userID string, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM short_term_messages WHERE user_id=$1 AND id = ANY($2)`,
		userID,
		ids,
	)
	if err != nil {
		return 0, storeErr("delete messages", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) ClearMessages(ctx context.Context, userID, conversationID string) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM short_term_messages WHERE user_id=$1 AND ($2::text = '' OR conversation_id=$2)`,
		userID,
		conversationID,
	)
	if err != nil {
		return 0, storeErr("clear messages", err)
	}
	return int(tag.RowsAffected()), nil
}

const recordColumns = `id, user_id, category, content, importance, metadata, created_at, updated_at`

func (s *PostgresStore) CreateRecord(ctx context.Context, r Record) (Record, error) {
	r, err := prepareRecord(r)
	if err != nil {
		return Record{}, err
	}
	md, err := encodeMetadata(r.Metadata)
	if err != nil {
		return Record{}, err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO long_term_memories (`+recordColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7, $8)`,
		r.ID,
		r.UserID,
		string(r.Category),
		r.Content,
		r.Importance,
		md,
		r.CreatedAt,
		r.UpdatedAt,
	)
	if err != nil {
		return Record{}, storeErr("create record", err)
	}
	return r, nil
}

func (s *PostgresStore) GetRecord(ctx context.Context, userID, id string) (Record, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM long_term_memories WHERE user_id=$1 AND id=$2`,
		userID,
		id,
	)
	r, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, storeErr("get record", err)
	}
	return r, nil
}

func (s *PostgresStore) QueryRecords(ctx context.Context, userID string, q RecordQuery) ([]Record, error) {
	sql, args := buildRecordQuery(userID, q)
	return s.queryRecords(ctx, "query records", sql, args...)
}

func (s *PostgresStore) SearchRecords(ctx context.Context, userID, query string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = defaultRecordLimit
	}
	return s.queryRecords(ctx, "search records",
		`SELECT `+recordColumns+` FROM long_term_memories
		 WHERE user_id=$1 AND strpos(lower(content), lower($2)) > 0
		 ORDER BY importance DESC, created_at DESC LIMIT $3`,
		userID,
		strings.TrimSpace(query),
		limit,
	)
}

func (s *PostgresStore) queryRecords(ctx context.Context, op, sql string, args ...any) ([]Record, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, storeErr(op, err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, storeErr(op, err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr(op, err)
	}
	return out, nil
}

func (s *PostgresStore) UpdateRecord(ctx context.Context, userID, id string, u RecordUpdate) (Record, error) {
	if err := u.Validate(); err != nil {
		return Record{}, err
	}
	var md *string
	if u.Metadata != nil {
		encoded, err := encodeMetadata(u.Metadata)
		if err != nil {
			return Record{}, err
		}
		md = &encoded
	}
	row := s.pool.QueryRow(ctx,
		`UPDATE long_term_memories SET
			content = COALESCE($3, content),
			importance = COALESCE($4, importance),
			metadata = COALESCE($5::jsonb, metadata),
			updated_at = $6
		 WHERE user_id=$1 AND id=$2
		 RETURNING `+recordColumns,
		userID,
		id,
		u.Content,
		u.Importance,
		md,
		time.Now().UTC(),
	)
	r, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, storeErr("update record", err)
	}
	return r, nil
}

func (s *PostgresStore) DeleteRecord(ctx context.Context, userID, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM long_term_memories WHERE user_id=$1 AND id=$2`, userID, id)
	if err != nil {
		return storeErr("delete record", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return storeErr("ping", s.pool.Ping(ctx))
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func buildRecordQuery(userID string, q RecordQuery) (string, []any) {
	limit := q.Limit
	if limit <= 0 {
		limit = defaultRecordLimit
	}
	var b strings.Builder
	b.WriteString(`SELECT ` + recordColumns + ` FROM long_term_memories WHERE user_id=$1`)
	args := []any{userID}
	add := func(clause string, v any) {
		args = append(args, v)
		b.WriteString(" AND " + clause + "$" + strconv.Itoa(len(args)))
	}
	if q.Category != "" {
		add("category=", string(q.Category))
	}
	if !q.Since.IsZero() {
		add("created_at>=", q.Since)
	}
	if !q.Until.IsZero() {
		add("created_at<=", q.Until)
	}
	args = append(args, limit)
	b.WriteString(" ORDER BY importance DESC, created_at DESC LIMIT $" + strconv.Itoa(len(args)))
	return b.String(), args
}

func scanRecord(row pgx.Row) (Record, error) {
	var (
		r        Record
		category string
		md       []byte
	)
	if err := row.Scan(&r.ID, &r.UserID, &category, &r.Content, &r.Importance, &md, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return Record{}, err
	}
	r.Category = Category(category)
	r.CreatedAt = r.CreatedAt.UTC()
	r.UpdatedAt = r.UpdatedAt.UTC()
	if len(md) > 0 {
		if err := json.Unmarshal(md, &r.Metadata); err != nil {
			return Record{}, fmt.Errorf("decode metadata: %w", err)
		}
		if len(r.Metadata) == 0 {
			r.Metadata = nil
		}
	}
	return r, nil
}

func encodeMetadata(md map[string]any) (string, error) {
	if md == nil {
		return "{}", nil
	}
	b, err := json.Marshal(md)
	if err != nil {
		return "", fmt.Errorf("%w: metadata is not JSON encodable: %v", ErrInvalid, err)
	}
	return string(b), nil
}
