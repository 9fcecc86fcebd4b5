package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/andreypedro/wa-agent-api/internal/domain"
	"github.com/andreypedro/wa-agent-api/internal/shared"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db        *sql.DB
	contextMu sync.Mutex // Mutex for context writes to prevent SQLITE_BUSY
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS contexts (
		session_id TEXT PRIMARY KEY,
		phase TEXT NOT NULL,
		fields_json TEXT NOT NULL,
		validation_json TEXT NOT NULL,
		history_json TEXT NOT NULL,
		refine_target TEXT,
		terminal INTEGER DEFAULT 0,
		turns INTEGER DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_contexts_updated ON contexts(updated_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// GetContext retrieves a session's context. Returns (nil, nil) when no
// context exists for the session.
func (s *SQLiteStore) GetContext(ctx context.Context, sessionID string) (*domain.Context, error) {
	query := `
		SELECT session_id, phase, fields_json, validation_json, history_json,
		       refine_target, terminal, turns, created_at, updated_at
		FROM contexts WHERE session_id = ?`

	row := s.db.QueryRowContext(ctx, query, sessionID)

	var c domain.Context
	var fieldsJSON, validationJSON, historyJSON string
	var refineTarget sql.NullString
	var createdAt, updatedAt int64

	err := row.Scan(
		&c.SessionID, &c.Phase, &fieldsJSON, &validationJSON, &historyJSON,
		&refineTarget, &c.Terminal, &c.Turns, &createdAt, &updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan context row: %w: %w", err, ErrPersistence)
	}

	if err := json.Unmarshal([]byte(fieldsJSON), &c.Fields); err != nil {
		return nil, fmt.Errorf("decode fields for %s: %w: %w", sessionID, err, ErrPersistence)
	}
	if err := json.Unmarshal([]byte(validationJSON), &c.Validation); err != nil {
		return nil, fmt.Errorf("decode validation for %s: %w: %w", sessionID, err, ErrPersistence)
	}
	if err := json.Unmarshal([]byte(historyJSON), &c.History); err != nil {
		return nil, fmt.Errorf("decode history for %s: %w: %w", sessionID, err, ErrPersistence)
	}

	c.RefineTarget = domain.Phase(refineTarget.String)
	c.CreatedAt = time.Unix(createdAt, 0)
	c.UpdatedAt = time.Unix(updatedAt, 0)

	return &c, nil
}

// PutContext creates or replaces a session's context.
func (s *SQLiteStore) PutContext(ctx context.Context, c *domain.Context) error {
	s.contextMu.Lock()
	defer s.contextMu.Unlock()

	fieldsJSON, err := json.Marshal(c.Fields)
	if err != nil {
		return fmt.Errorf("encode fields: %w", err)
	}
	validationJSON, err := json.Marshal(c.Validation)
	if err != nil {
		return fmt.Errorf("encode validation: %w", err)
	}
	historyJSON, err := json.Marshal(c.History)
	if err != nil {
		return fmt.Errorf("encode history: %w", err)
	}

	query := `
		INSERT INTO contexts (
			session_id, phase, fields_json, validation_json, history_json,
			refine_target, terminal, turns, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			phase = excluded.phase,
			fields_json = excluded.fields_json,
			validation_json = excluded.validation_json,
			history_json = excluded.history_json,
			refine_target = excluded.refine_target,
			terminal = excluded.terminal,
			turns = excluded.turns,
			updated_at = excluded.updated_at`

	var refineTarget interface{}
	if c.RefineTarget != "" {
		refineTarget = string(c.RefineTarget)
	}

	_, err = s.db.ExecContext(ctx, query,
		c.SessionID, string(c.Phase), string(fieldsJSON), string(validationJSON),
		string(historyJSON), refineTarget, c.Terminal, c.Turns,
		c.CreatedAt.Unix(), c.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("upsert context: %w: %w", err, ErrPersistence)
	}
	return nil
}

// DeleteContext removes a session's context. Retries with exponential
// backoff on SQLITE_BUSY.
func (s *SQLiteStore) DeleteContext(ctx context.Context, sessionID string) error {
	maxRetries := 3
	baseDelay := 100 * time.Millisecond

	for i := 0; i < maxRetries; i++ {
		err := s.deleteContextOnce(ctx, sessionID)
		if err == nil {
			return nil
		}

		if shared.IsSQLiteConflictError(err) {
			if i < maxRetries-1 {
				delay := baseDelay * time.Duration(1<<i) // 100ms, 200ms, 400ms
				slog.Debug("DeleteContext failed with SQLITE_BUSY, retrying",
					"session_id", sessionID,
					"attempt", i+1,
					"delay", delay)
				time.Sleep(delay)
				continue
			}
		}

		return fmt.Errorf("delete context for %s after %d attempts: %w: %w", sessionID, i+1, err, ErrPersistence)
	}

	return nil
}

func (s *SQLiteStore) deleteContextOnce(ctx context.Context, sessionID string) error {
	s.contextMu.Lock()
	defer s.contextMu.Unlock()

	query := `DELETE FROM contexts WHERE session_id = ?`
	if _, err := s.db.ExecContext(ctx, query, sessionID); err != nil {
		return fmt.Errorf("delete context: %w", err)
	}
	return nil
}

// CleanupExpiredSessions removes contexts idle for longer than ttl.
func (s *SQLiteStore) CleanupExpiredSessions(ctx context.Context, ttl time.Duration) (int64, error) {
	threshold := time.Now().Add(-ttl).Unix()
	query := `DELETE FROM contexts WHERE updated_at < ?`
	result, err := s.db.ExecContext(ctx, query, threshold)
	if err != nil {
		return 0, fmt.Errorf("cleanup expired sessions: %w: %w", err, ErrPersistence)
	}
	return result.RowsAffected()
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}
