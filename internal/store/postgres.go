// Package store persists conversation history in PostgreSQL. Every completed
// turn (final transcript, reply text, emotion) is appended to an exchanges
// table; the HTTP API reads it back for per-device history.
package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Exchange is one completed conversation turn.
type Exchange struct {
	ID        int64     `json:"id"`
	DeviceID  string    `json:"device_id"`
	SessionID string    `json:"session_id"`
	UserText  string    `json:"user_text"`
	ReplyText string    `json:"reply_text"`
	Emotion   string    `json:"emotion"`
	CreatedAt time.Time `json:"created_at"`
}

const ddlExchanges = `
CREATE TABLE IF NOT EXISTS exchanges (
    id          BIGSERIAL    PRIMARY KEY,
    device_id   TEXT         NOT NULL,
    session_id  TEXT         NOT NULL DEFAULT '',
    user_text   TEXT         NOT NULL,
    reply_text  TEXT         NOT NULL,
    emotion     TEXT         NOT NULL DEFAULT 'neutral',
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_exchanges_device_id
    ON exchanges (device_id);

CREATE INDEX IF NOT EXISTS idx_exchanges_device_created
    ON exchanges (device_id, created_at);

CREATE INDEX IF NOT EXISTS idx_exchanges_fts
    ON exchanges USING GIN (to_tsvector('english', user_text || ' ' || reply_text));
`

// Store is a PostgreSQL-backed conversation log. All methods are safe for
// concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// New connects to the database at dsn, verifies the connection, and ensures
// the schema exists.
func New(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, ddlExchanges); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping verifies the database is reachable. Used by readiness checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// SaveExchange appends one completed turn for the device.
func (s *Store) SaveExchange(ctx context.Context, deviceID, sessionID, userText, replyText, emotion string) error {
	const q = `
		INSERT INTO exchanges (device_id, session_id, user_text, reply_text, emotion)
		VALUES ($1, $2, $3, $4, $5)`

	_, err := s.pool.Exec(ctx, q, deviceID, sessionID, userText, replyText, emotion)
	if err != nil {
		return fmt.Errorf("store: save exchange: %w", err)
	}
	return nil
}

// Recent returns up to limit exchanges for deviceID, newest first.
func (s *Store) Recent(ctx context.Context, deviceID string, limit int) ([]Exchange, error) {
	if limit <= 0 {
		limit = 50
	}
	const q = `
		SELECT id, device_id, session_id, user_text, reply_text, emotion, created_at
		FROM   exchanges
		WHERE  device_id = $1
		ORDER  BY created_at DESC
		LIMIT  $2`

	rows, err := s.pool.Query(ctx, q, deviceID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: recent: %w", err)
	}
	return collectExchanges(rows)
}

// SearchOpts filters a [Store.Search] call. Zero fields are ignored.
type SearchOpts struct {
	DeviceID string
	After    time.Time
	Before   time.Time
	Limit    int
}

// Search runs a full-text search over user and reply text. The query goes
// through plainto_tsquery, so no operator syntax is needed.
func (s *Store) Search(ctx context.Context, query string, opts SearchOpts) ([]Exchange, error) {
	args := []any{query}
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	conditions := []string{
		"to_tsvector('english', user_text || ' ' || reply_text) @@ plainto_tsquery('english', $1)",
	}
	if opts.DeviceID != "" {
		conditions = append(conditions, "device_id = "+next(opts.DeviceID))
	}
	if !opts.After.IsZero() {
		conditions = append(conditions, "created_at > "+next(opts.After))
	}
	if !opts.Before.IsZero() {
		conditions = append(conditions, "created_at < "+next(opts.Before))
	}

	q := "SELECT id, device_id, session_id, user_text, reply_text, emotion, created_at\n" +
		"FROM   exchanges\n" +
		"WHERE  " + strings.Join(conditions, "\n  AND  ") + "\n" +
		"ORDER  BY created_at DESC"

	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		q += fmt.Sprintf("\nLIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("store: search: %w", err)
	}
	return collectExchanges(rows)
}

// Prune deletes exchanges older than the retention window and reports how
// many rows were removed.
func (s *Store) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	const q = `DELETE FROM exchanges WHERE created_at < now() - ($1::bigint * interval '1 microsecond')`

	tag, err := s.pool.Exec(ctx, q, retention.Microseconds())
	if err != nil {
		return 0, fmt.Errorf("store: prune: %w", err)
	}
	return tag.RowsAffected(), nil
}

func collectExchanges(rows pgx.Rows) ([]Exchange, error) {
	exchanges, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Exchange, error) {
		var e Exchange
		err := row.Scan(&e.ID, &e.DeviceID, &e.SessionID, &e.UserText, &e.ReplyText, &e.Emotion, &e.CreatedAt)
		return e, err
	})
	if err != nil {
		return nil, fmt.Errorf("store: scan rows: %w", err)
	}
	if exchanges == nil {
		exchanges = []Exchange{}
	}
	return exchanges, nil
}
