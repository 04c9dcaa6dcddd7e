package sessions

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db   *sql.DB
	opts Options
}

// NewPostgres creates a new PostgreSQL store and runs migrations.
func NewPostgres(dsn string, opts Options) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &PostgresStore{db: db, opts: opts.withDefaults()}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS relay_sessions (
			connection_id TEXT PRIMARY KEY,
			downstream_session_id TEXT NOT NULL,
			expires_at BIGINT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
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

func (s *PostgresStore) Get(ctx context.Context, connID string) (*Session, error) {
	var sess Session
	var expiresAt int64
	err := s.db.QueryRowContext(ctx,
		"SELECT connection_id, downstream_session_id, expires_at FROM relay_sessions WHERE connection_id = $1",
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

func (s *PostgresStore) Put(ctx context.Context, sess *Session) error {
	now := s.opts.Now()
	expiresAt := s.opts.expiry(now)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO relay_sessions (connection_id, downstream_session_id, expires_at, updated_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT(connection_id) DO UPDATE SET
			downstream_session_id = EXCLUDED.downstream_session_id,
			expires_at = EXCLUDED.expires_at,
			updated_at = EXCLUDED.updated_at`,
		sess.ConnectionID, sess.DownstreamSessionID, expiresAt, now,
	)
	if err != nil {
		return fmt.Errorf("%w: put session: %v", ErrPersistence, err)
	}
	sess.ExpiresAt = time.Unix(expiresAt, 0)
	return nil
}

func (s *PostgresStore) PurgeExpired(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM relay_sessions WHERE expires_at <= $1", s.opts.Now().Unix(),
	)
	if err != nil {
		return 0, fmt.Errorf("%w: purge sessions: %v", ErrPersistence, err)
	}
	return result.RowsAffected()
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
