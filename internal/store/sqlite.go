// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Persists the session ledger with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// WAL lets the admin API read while sessions are being written.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS sessions (
			session_id      TEXT PRIMARY KEY,
			agent_id        TEXT NOT NULL,
			agent_type      TEXT NOT NULL DEFAULT '',
			capabilities    TEXT NOT NULL DEFAULT '[]',
			connected_at    TEXT NOT NULL,
			disconnected_at TEXT,
			close_reason    TEXT,
			request_count   INTEGER NOT NULL DEFAULT 0,
			avg_latency_ms  REAL NOT NULL DEFAULT 0
		);

		CREATE INDEX IF NOT EXISTS idx_sessions_agent ON sessions(agent_id, connected_at);
		CREATE INDEX IF NOT EXISTS idx_sessions_open ON sessions(disconnected_at);
		CREATE INDEX IF NOT EXISTS idx_sessions_connected ON sessions(connected_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// RecordConnect inserts a new open session.
func (s *SQLiteStore) RecordConnect(ctx context.Context, rec *SessionRecord) error {
	caps, err := json.Marshal(nonNil(rec.Capabilities))
	if err != nil {
		return fmt.Errorf("encoding capabilities: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (session_id, agent_id, agent_type, capabilities, connected_at)
		VALUES (?, ?, ?, ?, ?)
	`,
		rec.SessionID,
		rec.AgentID,
		rec.AgentType,
		string(caps),
		formatTime(rec.ConnectedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateSession
		}
		return fmt.Errorf("inserting session: %w", err)
	}

	s.logger.Debug("recorded session connect", "session_id", rec.SessionID, "agent_id", rec.AgentID)
	return nil
}

// RecordDisconnect closes an open session. Closing an already closed session
// keeps the first close.
func (s *SQLiteStore) RecordDisconnect(ctx context.Context, sessionID string, end SessionEnd) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions
		SET disconnected_at = ?, close_reason = ?, request_count = ?, avg_latency_ms = ?
		WHERE session_id = ? AND disconnected_at IS NULL
	`,
		formatTime(end.At),
		end.Reason,
		end.RequestCount,
		end.AvgLatencyMS,
		sessionID,
	)
	if err != nil {
		return fmt.Errorf("updating session: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		var exists int
		err := s.db.QueryRowContext(ctx, `SELECT 1 FROM sessions WHERE session_id = ?`, sessionID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("querying session: %w", err)
		}
	}
	return nil
}

const sessionColumns = `session_id, agent_id, agent_type, capabilities, connected_at,
	disconnected_at, close_reason, request_count, avg_latency_ms`

// GetSession retrieves a session by id.
// Returns ErrNotFound if the session doesn't exist.
func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*SessionRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE session_id = ?`, sessionID)
	rec, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// ListSessions returns sessions matching f, most recently connected first.
func (s *SQLiteStore) ListSessions(ctx context.Context, f SessionFilter) ([]*SessionRecord, error) {
	var (
		where []string
		args  []any
	)
	if f.AgentID != "" {
		where = append(where, "agent_id = ?")
		args = append(args, f.AgentID)
	}
	if f.OpenOnly {
		where = append(where, "disconnected_at IS NULL")
	}

	query := `SELECT ` + sessionColumns + ` FROM sessions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	limit := f.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	query += " ORDER BY connected_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	defer rows.Close()

	var out []*SessionRecord
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating sessions: %w", err)
	}
	return out, nil
}

// CloseOrphaned closes every session still open, e.g. after a crash.
func (s *SQLiteStore) CloseOrphaned(ctx context.Context, at time.Time, reason string) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET disconnected_at = ?, close_reason = ?
		WHERE disconnected_at IS NULL
	`, formatTime(at), reason)
	if err != nil {
		return 0, fmt.Errorf("closing orphaned sessions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}
	if n > 0 {
		s.logger.Info("closed orphaned sessions", "count", n, "reason", reason)
	}
	return int(n), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*SessionRecord, error) {
	var (
		rec            SessionRecord
		capsJSON       string
		connectedAt    string
		disconnectedAt sql.NullString
		closeReason    sql.NullString
	)
	err := row.Scan(
		&rec.SessionID,
		&rec.AgentID,
		&rec.AgentType,
		&capsJSON,
		&connectedAt,
		&disconnectedAt,
		&closeReason,
		&rec.RequestCount,
		&rec.AvgLatencyMS,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning session: %w", err)
	}

	if err := json.Unmarshal([]byte(capsJSON), &rec.Capabilities); err != nil {
		return nil, fmt.Errorf("decoding capabilities: %w", err)
	}
	rec.ConnectedAt, err = time.Parse(timeLayout, connectedAt)
	if err != nil {
		return nil, fmt.Errorf("parsing connected_at: %w", err)
	}
	if disconnectedAt.Valid {
		t, err := time.Parse(timeLayout, disconnectedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parsing disconnected_at: %w", err)
		}
		rec.DisconnectedAt = &t
	}
	rec.CloseReason = closeReason.String
	return &rec, nil
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

// timeLayout is fixed width so text ordering matches time ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
