package sessions

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db   *sql.DB
	opts Options
}

// NewSQLite creates a new SQLite store and runs migrations.
func NewSQLite(dsn string, opts Options) (*SQLiteStore, error) {
	// Shared cache so every pooled connection sees the same in-memory database.
	if dsn == ":memory:" {
		dsn = "file::memory:?cache=shared"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	s := &SQLiteStore{db: db, opts: opts.withDefaults()}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS relay_sessions (
			connection_id TEXT PRIMARY KEY,
			downstream_session_id TEXT NOT NULL,
			expires_at INTEGER NOT NULL,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_relay_sessions_expires_at ON relay_sessions(expires_at)`,
	}
	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, connID string) (*Session, error) {
	var sess Session
	var expiresAt int64
	err := s.db.QueryRowContext(ctx,
		"SELECT connection_id, downstream_session_id, expires_at FROM relay_sessions WHERE connection_id = ?",
		connID,
	).Scan(&sess.ConnectionID, &sess.DownstreamSessionID, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get session: %v", ErrPersistence, err)
	}
	if !live(expiresAt, s.opts.Now()) {
		return nil, nil
	}
	sess.ExpiresAt = time.Unix(expiresAt, 0)
	return &sess, nil
}

func (s *SQLiteStore) Put(ctx context.Context, sess *Session) error {
	now := s.opts.Now()
	expiresAt := s.opts.expiry(now)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO relay_sessions (connection_id, downstream_session_id, expires_at, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(connection_id) DO UPDATE SET
			downstream_session_id = excluded.downstream_session_id,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at`,
		sess.ConnectionID, sess.DownstreamSessionID, expiresAt, now.UTC(),
	)
	if err != nil {
		return fmt.Errorf("%w: put session: %v", ErrPersistence, err)
	}
	sess.ExpiresAt = time.Unix(expiresAt, 0)
	return nil
}

func (s *SQLiteStore) PurgeExpired(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM relay_sessions WHERE expires_at <= ?", s.opts.Now().Unix(),
	)
	if err != nil {
		return 0, fmt.Errorf("%w: purge sessions: %v", ErrPersistence, err)
	}
	return result.RowsAffected()
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
