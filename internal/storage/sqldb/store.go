// Package sqldb is the SQL implementation of storage.Store. It supports the
// SQLite (modernc.org/sqlite) and PostgreSQL (pgx stdlib) drivers through the
// dialect package.
package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/tjfontaine/polyglot-chat-backend/internal/storage"
	"github.com/tjfontaine/polyglot-chat-backend/internal/storage/dialect"
)

// Store is a SQL implementation of storage.Store.
type Store struct {
	db      *sqlx.DB
	dialect dialect.Dialect
}

var _ storage.Store = (*Store)(nil)

// Config holds database connection configuration
type Config struct {
	Driver       string // sqlite or postgres
	DSN          string
	MaxOpenConns int
}

// New opens the database, applies dialect initialization and creates the schema.
func New(cfg Config) (*Store, error) {
	d, err := dialect.FromDriverName(cfg.Driver)
	if err != nil {
		return nil, fmt.Errorf("unsupported database driver: %w", err)
	}

	db, err := sqlx.Open(d.DriverName(), cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	// A private in-memory SQLite database exists per connection.
	if d.Name() == "sqlite" && strings.Contains(cfg.DSN, ":memory:") {
		db.SetMaxOpenConns(1)
	}

	for _, stmt := range d.PragmaStatements() {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute pragma: %w", err)
		}
	}

	store := &Store{db: db, dialect: d}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// NewSQLite creates a new SQLite store.
func NewSQLite(dsn string) (*Store, error) {
	return New(Config{Driver: "sqlite", DSN: dsn})
}

// DB returns the underlying sqlx.DB
func (s *Store) DB() *sqlx.DB {
	return s.db
}

// Dialect returns the dialect being used
func (s *Store) Dialect() dialect.Dialect {
	return s.dialect
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema() error {
	ts := s.dialect.TimestampType()
	statements := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			email TEXT,
			created_at ` + ts + ` NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS threads (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			thread_title TEXT NOT NULL,
			created_at ` + ts + ` NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS checkpoints (
			seq ` + s.dialect.SequenceColumn() + `,
			id TEXT NOT NULL,
			thread_id TEXT NOT NULL,
			parent_id TEXT,
			payload TEXT NOT NULL,
			metadata TEXT,
			created_at ` + ts + ` NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_threads_user ON threads(user_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_checkpoints_thread ON checkpoints(thread_id, seq)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

type checkpointRow struct {
	ID        string         `db:"id"`
	ThreadID  string         `db:"thread_id"`
	ParentID  sql.NullString `db:"parent_id"`
	Payload   string         `db:"payload"`
	Metadata  sql.NullString `db:"metadata"`
	CreatedAt time.Time      `db:"created_at"`
}

func (r checkpointRow) toCheckpoint() *storage.Checkpoint {
	cp := &storage.Checkpoint{
		ID:        r.ID,
		ThreadID:  r.ThreadID,
		ParentID:  r.ParentID.String,
		Payload:   []byte(r.Payload),
		CreatedAt: r.CreatedAt,
	}
	if r.Metadata.Valid && r.Metadata.String != "" {
		cp.Metadata = []byte(r.Metadata.String)
	}
	return cp
}

const checkpointColumns = `id, thread_id, parent_id, payload, metadata, created_at`

func (s *Store) AppendCheckpoint(ctx context.Context, cp *storage.Checkpoint) error {
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}

	var metadata sql.NullString
	if len(cp.Metadata) > 0 {
		metadata = sql.NullString{String: string(cp.Metadata), Valid: true}
	}
	var parent sql.NullString
	if cp.ParentID != "" {
		parent = sql.NullString{String: cp.ParentID, Valid: true}
	}

	query := s.dialect.Rebind(`INSERT INTO checkpoints (` + checkpointColumns + `)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if _, err := s.db.ExecContext(ctx, query,
		cp.ID, cp.ThreadID, parent, string(cp.Payload), metadata, cp.CreatedAt); err != nil {
		return fmt.Errorf("failed to append checkpoint: %w", err)
	}
	return nil
}

func (s *Store) ListCheckpoints(ctx context.Context, threadID string) ([]*storage.Checkpoint, error) {
	query := s.dialect.Rebind(`SELECT ` + checkpointColumns + `
		FROM checkpoints WHERE thread_id = ? ORDER BY seq ASC`)

	var rows []checkpointRow
	if err := s.db.SelectContext(ctx, &rows, query, threadID); err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}

	out := make([]*storage.Checkpoint, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toCheckpoint())
	}
	return out, nil
}

func (s *Store) LatestCheckpoint(ctx context.Context, threadID string) (*storage.Checkpoint, error) {
	query := s.dialect.Rebind(`SELECT ` + checkpointColumns + `
		FROM checkpoints WHERE thread_id = ? ORDER BY seq DESC LIMIT 1`)

	var row checkpointRow
	err := s.db.GetContext(ctx, &row, query, threadID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest checkpoint: %w", err)
	}
	return row.toCheckpoint(), nil
}

func (s *Store) DeleteCheckpoints(ctx context.Context, threadID string) error {
	query := s.dialect.Rebind(`DELETE FROM checkpoints WHERE thread_id = ?`)
	if _, err := s.db.ExecContext(ctx, query, threadID); err != nil {
		return fmt.Errorf("failed to delete checkpoints: %w", err)
	}
	return nil
}

func (s *Store) CreateThread(ctx context.Context, thread *storage.Thread) error {
	if thread.CreatedAt.IsZero() {
		thread.CreatedAt = time.Now().UTC()
	}
	query := s.dialect.Rebind(`INSERT INTO threads (id, user_id, thread_title, created_at)
		VALUES (?, ?, ?, ?)`)
	if _, err := s.db.ExecContext(ctx, query,
		thread.ID, thread.UserID, thread.Title, thread.CreatedAt); err != nil {
		return fmt.Errorf("failed to create thread: %w", err)
	}
	return nil
}

func (s *Store) GetThread(ctx context.Context, id string) (*storage.Thread, error) {
	query := s.dialect.Rebind(`SELECT id, user_id, thread_title, created_at
		FROM threads WHERE id = ?`)

	var thread storage.Thread
	err := s.db.GetContext(ctx, &thread, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("thread %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get thread: %w", err)
	}
	return &thread, nil
}

func (s *Store) ListThreads(ctx context.Context, opts storage.ListOptions) ([]*storage.Thread, error) {
	var (
		where = []string{"user_id = ?"}
		args  = []any{opts.UserID}
	)
	if opts.Query != "" {
		where = append(where, s.dialect.ContainsFold("thread_title"))
		args = append(args, dialect.ContainsPattern(opts.Query))
	}

	query := `SELECT id, user_id, thread_title, created_at FROM threads
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY created_at DESC, id DESC`
	if opts.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, opts.Limit, opts.Offset)
	}

	threads := []*storage.Thread{}
	if err := s.db.SelectContext(ctx, &threads, s.dialect.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list threads: %w", err)
	}
	return threads, nil
}

func (s *Store) UpdateThreadTitle(ctx context.Context, id, title string) error {
	query := s.dialect.Rebind(`UPDATE threads SET thread_title = ? WHERE id = ?`)
	res, err := s.db.ExecContext(ctx, query, title, id)
	if err != nil {
		return fmt.Errorf("failed to update thread title: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("thread %s: %w", id, storage.ErrNotFound)
	}
	return nil
}

func (s *Store) DeleteThread(ctx context.Context, id string) error {
	query := s.dialect.Rebind(`DELETE FROM threads WHERE id = ?`)
	res, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to delete thread: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("thread %s: %w", id, storage.ErrNotFound)
	}
	return nil
}

func (s *Store) Owns(ctx context.Context, threadID, userID string) (bool, error) {
	query := s.dialect.Rebind(`SELECT COUNT(*) FROM threads WHERE id = ? AND user_id = ?`)
	var count int
	if err := s.db.GetContext(ctx, &count, query, threadID, userID); err != nil {
		return false, fmt.Errorf("failed to check thread ownership: %w", err)
	}
	return count > 0, nil
}

func (s *Store) EnsureUser(ctx context.Context, user *storage.User) error {
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	query := s.dialect.Rebind(`INSERT INTO users (id, email, created_at) VALUES (?, ?, ?) ` +
		s.dialect.InsertIgnore("id"))
	if _, err := s.db.ExecContext(ctx, query, user.ID, user.Email, user.CreatedAt); err != nil {
		return fmt.Errorf("failed to ensure user: %w", err)
	}
	return nil
}
