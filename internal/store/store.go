// Package store keeps the calibration history: one row per session and
// one row per accepted tool offset, in SQLite or PostgreSQL.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"           // PostgreSQL driver
	_ "github.com/mattn/go-sqlite3" // SQLite driver
	"go.uber.org/zap"

	"github.com/mikeyg42/toolalign/internal/calibration"
)

// ErrNotFound is returned when a session does not exist.
var ErrNotFound = errors.New("session not found")

// Session statuses
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusStopped   = "stopped"
	StatusFailed    = "failed"
)

// Config selects and tunes the database connection
type Config struct {
	Driver          string // sqlite3, postgres
	DSN             string
	MaxConnections  int
	ConnMaxLifetime time.Duration
}

// Session is one calibration run.
type Session struct {
	ID        string         `db:"id" json:"id"`
	ToolsJSON string         `db:"tools" json:"-"`
	Tools     []int          `db:"-" json:"tools"`
	Cycles    int            `db:"cycles" json:"cycles"`
	Status    string         `db:"status" json:"status"`
	Error     sql.NullString `db:"error" json:"-"`
	StartedAt time.Time      `db:"started_at" json:"started_at"`
	EndedAt   sql.NullTime   `db:"ended_at" json:"-"`
}

// Result is one stored tool offset.
type Result struct {
	ID        int64     `db:"id"`
	SessionID string    `db:"session_id"`
	Tool      int       `db:"tool"`
	Cycle     int       `db:"cycle"`
	MPP       float64   `db:"mpp"`
	X         float64   `db:"x"`
	Y         float64   `db:"y"`
	Elapsed   float64   `db:"elapsed"`
	CreatedAt time.Time `db:"created_at"`
}

// Offset converts the row back to a calibration result.
func (r Result) Offset() calibration.ToolOffsetResult {
	return calibration.ToolOffsetResult{
		Tool:    r.Tool,
		Cycle:   r.Cycle,
		MPP:     r.MPP,
		X:       r.X,
		Y:       r.Y,
		Elapsed: r.Elapsed,
	}
}

var schemas = map[string]string{
	"sqlite3": `
	CREATE TABLE IF NOT EXISTS calibration_sessions (
		id TEXT PRIMARY KEY,
		tools TEXT NOT NULL,
		cycles INTEGER NOT NULL,
		status TEXT NOT NULL,
		error TEXT,
		started_at TIMESTAMP NOT NULL,
		ended_at TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS calibration_results (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL REFERENCES calibration_sessions(id) ON DELETE CASCADE,
		tool INTEGER NOT NULL,
		cycle INTEGER NOT NULL,
		mpp REAL NOT NULL,
		x REAL NOT NULL,
		y REAL NOT NULL,
		elapsed REAL NOT NULL,
		created_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_results_session ON calibration_results(session_id);
	CREATE INDEX IF NOT EXISTS idx_results_tool ON calibration_results(tool);
	`,
	"postgres": `
	CREATE TABLE IF NOT EXISTS calibration_sessions (
		id UUID PRIMARY KEY,
		tools TEXT NOT NULL,
		cycles INTEGER NOT NULL,
		status VARCHAR(20) NOT NULL CHECK (status IN ('running', 'completed', 'stopped', 'failed')),
		error TEXT,
		started_at TIMESTAMPTZ NOT NULL,
		ended_at TIMESTAMPTZ
	);

	CREATE TABLE IF NOT EXISTS calibration_results (
		id BIGSERIAL PRIMARY KEY,
		session_id UUID NOT NULL REFERENCES calibration_sessions(id) ON DELETE CASCADE,
		tool INTEGER NOT NULL,
		cycle INTEGER NOT NULL,
		mpp DOUBLE PRECISION NOT NULL,
		x DOUBLE PRECISION NOT NULL,
		y DOUBLE PRECISION NOT NULL,
		elapsed DOUBLE PRECISION NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_results_session ON calibration_results(session_id);
	CREATE INDEX IF NOT EXISTS idx_results_tool ON calibration_results(tool);
	`,
}

// Store is the calibration history
type Store struct {
	db     *sqlx.DB
	logger *zap.Logger
	now    func() time.Time
}

// Open connects, checks the connection and creates the schema.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	schema, ok := schemas[cfg.Driver]
	if !ok {
		return nil, fmt.Errorf("unsupported store driver %q", cfg.Driver)
	}

	db, err := sqlx.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if cfg.MaxConnections > 0 {
		db.SetMaxOpenConns(cfg.MaxConnections)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if cfg.Driver == "sqlite3" {
		if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable foreign keys: %w", err)
		}
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	s := &Store{
		db:     db,
		logger: zap.L().Named("store"),
		now:    func() time.Time { return time.Now().UTC() },
	}
	s.logger.Info("History store ready", zap.String("driver", cfg.Driver))
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// HealthCheck pings the database.
func (s *Store) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// BeginSession records the start of a run.
func (s *Store) BeginSession(ctx context.Context, id uuid.UUID, tools []int, cycles int) error {
	toolsJSON, err := json.Marshal(tools)
	if err != nil {
		return fmt.Errorf("failed to marshal tools: %w", err)
	}
	query := s.db.Rebind(`
		INSERT INTO calibration_sessions (id, tools, cycles, status, started_at)
		VALUES (?, ?, ?, ?, ?)
	`)
	if _, err := s.db.ExecContext(ctx, query, id.String(), string(toolsJSON), cycles, StatusRunning, s.now()); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// RecordResult appends a result to a session.
func (s *Store) RecordResult(ctx context.Context, id uuid.UUID, r calibration.ToolOffsetResult) error {
	query := s.db.Rebind(`
		INSERT INTO calibration_results (session_id, tool, cycle, mpp, x, y, elapsed, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if _, err := s.db.ExecContext(ctx, query, id.String(), r.Tool, r.Cycle, r.MPP, r.X, r.Y, r.Elapsed, s.now()); err != nil {
		return fmt.Errorf("failed to save result: %w", err)
	}
	s.logger.Debug("Result saved",
		zap.String("session", id.String()),
		zap.Int("tool", r.Tool),
		zap.Int("cycle", r.Cycle))
	return nil
}

// EndSession marks a run finished. runErr selects the final status.
func (s *Store) EndSession(ctx context.Context, id uuid.UUID, runErr error) error {
	status := StatusCompleted
	var msg sql.NullString
	switch {
	case runErr == nil:
	case errors.Is(runErr, context.Canceled):
		status = StatusStopped
	default:
		status = StatusFailed
		msg = sql.NullString{String: runErr.Error(), Valid: true}
	}

	query := s.db.Rebind(`UPDATE calibration_sessions SET status = ?, error = ?, ended_at = ? WHERE id = ?`)
	res, err := s.db.ExecContext(ctx, query, status, msg, s.now(), id.String())
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// Sessions lists the most recent sessions, newest first.
func (s *Store) Sessions(ctx context.Context, limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 50
	}
	var sessions []Session
	query := s.db.Rebind(`
		SELECT id, tools, cycles, status, error, started_at, ended_at
		FROM calibration_sessions
		ORDER BY started_at DESC
		LIMIT ?
	`)
	if err := s.db.SelectContext(ctx, &sessions, query, limit); err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	for i := range sessions {
		if err := sessions[i].decode(); err != nil {
			return nil, err
		}
	}
	return sessions, nil
}

// Session returns one session.
func (s *Store) Session(ctx context.Context, id string) (Session, error) {
	var sess Session
	query := s.db.Rebind(`
		SELECT id, tools, cycles, status, error, started_at, ended_at
		FROM calibration_sessions
		WHERE id = ?
	`)
	err := s.db.GetContext(ctx, &sess, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return Session{}, fmt.Errorf("failed to get session: %w", err)
	}
	return sess, sess.decode()
}

// Results returns a session's results in the order they were accepted.
func (s *Store) Results(ctx context.Context, sessionID string) ([]Result, error) {
	var results []Result
	query := s.db.Rebind(`
		SELECT id, session_id, tool, cycle, mpp, x, y, elapsed, created_at
		FROM calibration_results
		WHERE session_id = ?
		ORDER BY id
	`)
	if err := s.db.SelectContext(ctx, &results, query, sessionID); err != nil {
		return nil, fmt.Errorf("failed to query results: %w", err)
	}
	return results, nil
}

// ToolHistory returns the latest results for one tool across sessions,
// newest first.
func (s *Store) ToolHistory(ctx context.Context, tool, limit int) ([]Result, error) {
	if limit <= 0 {
		limit = 100
	}
	var results []Result
	query := s.db.Rebind(`
		SELECT id, session_id, tool, cycle, mpp, x, y, elapsed, created_at
		FROM calibration_results
		WHERE tool = ?
		ORDER BY id DESC
		LIMIT ?
	`)
	if err := s.db.SelectContext(ctx, &results, query, tool, limit); err != nil {
		return nil, fmt.Errorf("failed to query tool history: %w", err)
	}
	return results, nil
}

// DeleteSession removes a session and its results.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM calibration_results WHERE session_id = ?`), id); err != nil {
		return fmt.Errorf("failed to delete results: %w", err)
	}
	res, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM calibration_sessions WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	if rows, err := res.RowsAffected(); err == nil && rows == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return tx.Commit()
}

func (s *Session) decode() error {
	if s.ToolsJSON == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(s.ToolsJSON), &s.Tools); err != nil {
		return fmt.Errorf("decode tools of session %s: %w", s.ID, err)
	}
	return nil
}

// MarshalJSON adds the nullable columns as plain fields.
func (s Session) MarshalJSON() ([]byte, error) {
	type plain Session
	out := struct {
		plain
		Error   string     `json:"error,omitempty"`
		EndedAt *time.Time `json:"ended_at,omitempty"`
	}{plain: plain(s)}
	if s.Error.Valid {
		out.Error = s.Error.String
	}
	if s.EndedAt.Valid {
		t := s.EndedAt.Time
		out.EndedAt = &t
	}
	return json.Marshal(out)
}
