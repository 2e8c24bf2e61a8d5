package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS users (
	user_key   TEXT PRIMARY KEY,
	name       TEXT NOT NULL DEFAULT '',
	email      TEXT NOT NULL DEFAULT '',
	first_seen INTEGER NOT NULL,
	last_seen  INTEGER NOT NULL,
	count      INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS searches (
	id                 TEXT PRIMARY KEY,
	user_key           TEXT NOT NULL REFERENCES users(user_key),
	message            TEXT NOT NULL,
	model              TEXT NOT NULL DEFAULT '',
	timestamp          INTEGER NOT NULL,
	status             TEXT NOT NULL,
	stream             INTEGER NOT NULL DEFAULT 0,
	messages_count     INTEGER NOT NULL DEFAULT 0,
	conversation_id    TEXT NOT NULL DEFAULT '',
	prompt_tokens      INTEGER NOT NULL DEFAULT 0,
	estimated_cost_usd REAL NOT NULL DEFAULT 0,
	upstream_status    INTEGER NOT NULL DEFAULT 0,
	request_id         TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_searches_user_ts ON searches(user_key, timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_searches_model_ts ON searches(model, timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_searches_ts ON searches(timestamp DESC);

CREATE TRIGGER IF NOT EXISTS searches_no_update BEFORE UPDATE ON searches
BEGIN
	SELECT RAISE(ABORT, 'searches are append-only');
END;

CREATE TRIGGER IF NOT EXISTS searches_no_delete BEFORE DELETE ON searches
BEGIN
	SELECT RAISE(ABORT, 'searches are append-only');
END;
`

// SQLiteStore implements Store on a local SQLite database.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// NewSQLiteStore opens (and creates if needed) the database at path.
// ":memory:" gives a private in-memory database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	inMemory := path == ":memory:"
	if !inMemory {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	// Pragmas in the DSN apply to every pooled connection.
	dsn := path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	if !inMemory {
		dsn += "&_pragma=journal_mode(WAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Each connection to :memory: is its own database.
	if inMemory {
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(4)
		db.SetMaxIdleConns(4)
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	log.WithField("path", path).Info("[STORAGE] sqlite storage initialized")
	return &SQLiteStore{db: db, path: path}, nil
}

func (s *SQLiteStore) UpsertUser(ctx context.Context, u UserUpsert) (*UserRecord, error) {
	if err := prepareUpsert(&u); err != nil {
		return nil, err
	}

	const query = `
		INSERT INTO users (user_key, name, email, first_seen, last_seen, count)
		VALUES (?, ?, ?, ?, ?, 1)
		ON CONFLICT(user_key) DO UPDATE SET
			count     = count + 1,
			last_seen = MAX(last_seen, excluded.last_seen),
			name      = CASE WHEN excluded.name != '' THEN excluded.name ELSE name END,
			email     = CASE WHEN excluded.email != '' THEN excluded.email ELSE email END
		RETURNING user_key, name, email, first_seen, last_seen, count
	`

	seen := u.SeenAt.UnixNano()
	row := s.db.QueryRowContext(ctx, query, u.Key, u.Name, u.Email, seen, seen)
	rec, err := scanUser(row)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert user: %w", err)
	}
	return rec, nil
}

func (s *SQLiteStore) InsertSearch(ctx context.Context, rec *SearchRecord) (string, error) {
	if err := prepareSearch(rec); err != nil {
		return "", err
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}

	const query = `
		INSERT INTO searches (
			id, user_key, message, model, timestamp, status, stream, messages_count,
			conversation_id, prompt_tokens, estimated_cost_usd, upstream_status, request_id
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`

	_, err := s.db.ExecContext(ctx, query,
		rec.ID, rec.UserKey, rec.Message, rec.Model, rec.Timestamp.UnixNano(), string(rec.Status),
		rec.Stream, rec.MessagesCount, rec.ConversationID, rec.PromptTokens, rec.EstimatedCostUSD,
		rec.UpstreamStatus, rec.RequestID,
	)
	if err != nil {
		return "", fmt.Errorf("failed to insert search: %w", err)
	}
	return rec.ID, nil
}

func (s *SQLiteStore) GetUser(ctx context.Context, key string) (*UserRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT user_key, name, email, first_seen, last_seen, count FROM users WHERE user_key = ?`, key)
	rec, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	return rec, nil
}

func (s *SQLiteStore) ListSearches(ctx context.Context, filter SearchFilter) ([]*SearchRecord, error) {
	filter = filter.normalized()

	var (
		where []string
		args  []interface{}
	)
	if filter.UserKey != "" {
		where = append(where, "user_key = ?")
		args = append(args, filter.UserKey)
	}
	if filter.Model != "" {
		where = append(where, "model = ?")
		args = append(args, filter.Model)
	}
	if !filter.From.IsZero() {
		where = append(where, "timestamp >= ?")
		args = append(args, filter.From.UnixNano())
	}
	if !filter.To.IsZero() {
		where = append(where, "timestamp <= ?")
		args = append(args, filter.To.UnixNano())
	}

	query := `SELECT id, user_key, message, model, timestamp, status, stream, messages_count,
		conversation_id, prompt_tokens, estimated_cost_usd, upstream_status, request_id
		FROM searches`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY timestamp DESC LIMIT ? OFFSET ?"
	args = append(args, filter.Limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query searches: %w", err)
	}
	defer rows.Close()

	out := make([]*SearchRecord, 0, filter.Limit)
	for rows.Next() {
		var (
			rec    SearchRecord
			ts     int64
			status string
		)
		if err := rows.Scan(&rec.ID, &rec.UserKey, &rec.Message, &rec.Model, &ts, &status,
			&rec.Stream, &rec.MessagesCount, &rec.ConversationID, &rec.PromptTokens,
			&rec.EstimatedCostUSD, &rec.UpstreamStatus, &rec.RequestID); err != nil {
			return nil, fmt.Errorf("failed to scan search: %w", err)
		}
		rec.Timestamp = time.Unix(0, ts).UTC()
		rec.Status = Status(status)
		out = append(out, &rec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanUser(row rowScanner) (*UserRecord, error) {
	var (
		rec         UserRecord
		first, last int64
	)
	if err := row.Scan(&rec.Key, &rec.Name, &rec.Email, &first, &last, &rec.Count); err != nil {
		return nil, err
	}
	rec.FirstSeen = time.Unix(0, first).UTC()
	rec.LastSeen = time.Unix(0, last).UTC()
	return &rec, nil
}
