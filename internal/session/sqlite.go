package session

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

// SQLiteStore keeps sessions in a local SQLite file so they survive restarts.
type SQLiteStore struct {
	db     *sql.DB
	logger zerolog.Logger
}

// NewSQLiteStore opens (or creates) the database at path and runs migrations.
func NewSQLiteStore(path string, logger zerolog.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Test connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger.With().Str("component", "session-sqlite").Logger(),
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migration failed: %w", err)
	}

	s.logger.Info().Str("path", path).Msg("session store initialized")
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS http_sessions (
		client_id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create http_sessions: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, clientID string) (string, bool, error) {
	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT session_id FROM http_sessions WHERE client_id = ?`, clientID,
	).Scan(&id)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get session: %w", err)
	}
	return id, true, nil
}

func (s *SQLiteStore) PutIfAbsent(ctx context.Context, clientID, sessionID string) (string, error) {
	now := time.Now().UnixMilli()
	_, err := s.db.ExecContext(ctx, `
	INSERT OR IGNORE INTO http_sessions (client_id, session_id, created_at, updated_at)
	VALUES (?, ?, ?, ?)
	`, clientID, sessionID, now, now)
	if err != nil {
		return "", fmt.Errorf("failed to insert session: %w", err)
	}

	id, found, err := s.Get(ctx, clientID)
	if err != nil {
		return "", err
	}
	if !found {
		return "", fmt.Errorf("session for %q vanished after insert", clientID)
	}
	return id, nil
}

func (s *SQLiteStore) Put(ctx context.Context, clientID, sessionID string) error {
	now := time.Now().UnixMilli()
	_, err := s.db.ExecContext(ctx, `
	INSERT INTO http_sessions (client_id, session_id, created_at, updated_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(client_id) DO UPDATE SET session_id = excluded.session_id, updated_at = excluded.updated_at
	`, clientID, sessionID, now, now)
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
