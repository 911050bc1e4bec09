// ABOUTME: SQLite implementation of the HistoryStore interface using modernc.org/sqlite
// ABOUTME: Schema is created on open; timestamps are stored as RFC 3339 text in UTC

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const memoryPath = ":memory:"

// SQLiteStore implements HistoryStore using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ HistoryStore = (*SQLiteStore)(nil)

// NewSQLiteStore opens the database at path, creating parent directories
// and the schema as needed. ":memory:" opens a private in-memory database.
func NewSQLiteStore(path string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "store")

	if path != memoryPath {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if path == memoryPath {
		// Every pooled connection would otherwise see its own empty database.
		db.SetMaxOpenConns(1)
	} else if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{db: db, logger: logger}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS sessions_log (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			session_key  TEXT NOT NULL,
			session_id   TEXT NOT NULL,
			agent_id     TEXT NOT NULL,
			agent_type   TEXT NOT NULL,
			kind         TEXT NOT NULL,
			reason       TEXT NOT NULL DEFAULT '',
			transport    TEXT NOT NULL DEFAULT '',
			remote_addr  TEXT NOT NULL DEFAULT '',
			machine_name TEXT NOT NULL DEFAULT '',
			at           TEXT NOT NULL,

			CHECK (kind IN ('connected', 'disconnected'))
		);

		CREATE INDEX IF NOT EXISTS idx_sessions_log_key_at
			ON sessions_log(session_key, at);

		CREATE TABLE IF NOT EXISTS agents (
			session_key     TEXT PRIMARY KEY,
			agent_id        TEXT NOT NULL,
			agent_type      TEXT NOT NULL,
			machine_name    TEXT NOT NULL DEFAULT '',
			last_transport  TEXT NOT NULL DEFAULT '',
			first_seen      TEXT NOT NULL,
			last_seen       TEXT NOT NULL,
			connect_count   INTEGER NOT NULL DEFAULT 0,
			heartbeat_count INTEGER NOT NULL DEFAULT 0
		);

		CREATE TABLE IF NOT EXISTS command_results (
			id            INTEGER PRIMARY KEY AUTOINCREMENT,
			session_key   TEXT NOT NULL,
			command_id    TEXT NOT NULL,
			success       INTEGER NOT NULL,
			exit_code     INTEGER NOT NULL,
			stdout        TEXT NOT NULL DEFAULT '',
			stderr        TEXT NOT NULL DEFAULT '',
			error_message TEXT NOT NULL DEFAULT '',
			received_at   TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_command_results_key
			ON command_results(session_key, received_at);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_command_results_key_command
			ON command_results(session_key, command_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func limitOrDefault(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	return limit
}

// RecordSessionEvent appends to sessions_log and, for connects, upserts the
// agent summary.
func (s *SQLiteStore) RecordSessionEvent(ctx context.Context, ev *SessionEvent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	at := formatTime(ev.At)
	res, err := tx.ExecContext(ctx, `
		INSERT INTO sessions_log (session_key, session_id, agent_id, agent_type, kind, reason, transport, remote_addr, machine_name, at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.SessionKey, ev.SessionID, ev.AgentID, ev.AgentType, ev.Kind, ev.Reason, ev.Transport, ev.RemoteAddr, ev.MachineName, at)
	if err != nil {
		return fmt.Errorf("inserting session event: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		ev.ID = id
	}

	connects := 0
	if ev.Kind == SessionConnected {
		connects = 1
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO agents (session_key, agent_id, agent_type, machine_name, last_transport, first_seen, last_seen, connect_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_key) DO UPDATE SET
			machine_name   = CASE WHEN excluded.machine_name != '' THEN excluded.machine_name ELSE agents.machine_name END,
			last_transport = CASE WHEN excluded.last_transport != '' THEN excluded.last_transport ELSE agents.last_transport END,
			last_seen      = excluded.last_seen,
			connect_count  = agents.connect_count + excluded.connect_count`,
		ev.SessionKey, ev.AgentID, ev.AgentType, ev.MachineName, ev.Transport, at, at, connects)
	if err != nil {
		return fmt.Errorf("upserting agent: %w", err)
	}

	return tx.Commit()
}

// RecordHeartbeat bumps the agent's heartbeat counter. Unknown keys are
// ignored; a connect always precedes heartbeats.
func (s *SQLiteStore) RecordHeartbeat(ctx context.Context, sessionKey string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE agents SET heartbeat_count = heartbeat_count + 1, last_seen = ?
		WHERE session_key = ?`, formatTime(at), sessionKey)
	if err != nil {
		return fmt.Errorf("recording heartbeat: %w", err)
	}
	return nil
}

// RecordCommandResult stores a result. A repeat of the same command id for
// the same session is ignored.
func (s *SQLiteStore) RecordCommandResult(ctx context.Context, rec *CommandRecord) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO command_results (session_key, command_id, success, exit_code, stdout, stderr, error_message, received_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_key, command_id) DO NOTHING`,
		rec.SessionKey, rec.CommandID, rec.Success, rec.ExitCode, rec.Stdout, rec.Stderr, rec.ErrorMessage, formatTime(rec.ReceivedAt))
	if err != nil {
		return fmt.Errorf("inserting command result: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 1 {
		if id, err := res.LastInsertId(); err == nil {
			rec.ID = id
		}
	}
	return nil
}

// ListSessionEvents returns session log rows, newest first.
func (s *SQLiteStore) ListSessionEvents(ctx context.Context, sessionKey string, limit int) ([]SessionEvent, error) {
	query := `
		SELECT id, session_key, session_id, agent_id, agent_type, kind, reason, transport, remote_addr, machine_name, at
		FROM sessions_log`
	args := []any{}
	if sessionKey != "" {
		query += ` WHERE session_key = ?`
		args = append(args, sessionKey)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limitOrDefault(limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying session events: %w", err)
	}
	defer rows.Close()

	var out []SessionEvent
	for rows.Next() {
		var ev SessionEvent
		var at string
		if err := rows.Scan(&ev.ID, &ev.SessionKey, &ev.SessionID, &ev.AgentID, &ev.AgentType, &ev.Kind,
			&ev.Reason, &ev.Transport, &ev.RemoteAddr, &ev.MachineName, &at); err != nil {
			return nil, fmt.Errorf("scanning session event: %w", err)
		}
		ev.At = parseTime(at)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// ListCommandResults returns stored results, newest first.
func (s *SQLiteStore) ListCommandResults(ctx context.Context, sessionKey string, limit int) ([]CommandRecord, error) {
	query := `
		SELECT id, session_key, command_id, success, exit_code, stdout, stderr, error_message, received_at
		FROM command_results`
	args := []any{}
	if sessionKey != "" {
		query += ` WHERE session_key = ?`
		args = append(args, sessionKey)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limitOrDefault(limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying command results: %w", err)
	}
	defer rows.Close()

	var out []CommandRecord
	for rows.Next() {
		var rec CommandRecord
		var at string
		if err := rows.Scan(&rec.ID, &rec.SessionKey, &rec.CommandID, &rec.Success, &rec.ExitCode,
			&rec.Stdout, &rec.Stderr, &rec.ErrorMessage, &at); err != nil {
			return nil, fmt.Errorf("scanning command result: %w", err)
		}
		rec.ReceivedAt = parseTime(at)
		out = append(out, rec)
	}
	return out, rows.Err()
}

const agentColumns = `session_key, agent_id, agent_type, machine_name, last_transport, first_seen, last_seen, connect_count, heartbeat_count`

type scanner interface {
	Scan(dest ...any) error
}

func scanAgent(row scanner) (*AgentSummary, error) {
	var a AgentSummary
	var first, last string
	if err := row.Scan(&a.SessionKey, &a.AgentID, &a.AgentType, &a.MachineName, &a.LastTransport,
		&first, &last, &a.ConnectCount, &a.HeartbeatCount); err != nil {
		return nil, err
	}
	a.FirstSeen = parseTime(first)
	a.LastSeen = parseTime(last)
	return &a, nil
}

// GetAgent returns the summary for one session key.
func (s *SQLiteStore) GetAgent(ctx context.Context, sessionKey string) (*AgentSummary, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE session_key = ?`, sessionKey)
	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying agent: %w", err)
	}
	return a, nil
}

// ListAgents returns every known agent, most recently seen first.
func (s *SQLiteStore) ListAgents(ctx context.Context) ([]AgentSummary, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+agentColumns+` FROM agents ORDER BY last_seen DESC, session_key`)
	if err != nil {
		return nil, fmt.Errorf("querying agents: %w", err)
	}
	defer rows.Close()

	var out []AgentSummary
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning agent: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}
