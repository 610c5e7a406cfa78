// Package store provides session persistence backends for the AI Call backend.
//
// This file implements the PostgreSQL-backed store.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/aicall/server/internal/models"
	_ "github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		return nil, err
	}

	slog.Debug("Running Postgres migrations")
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")

	return &PostgresStore{db: db}, nil
}

// SaveSession stores or updates a session record.
func (s *PostgresStore) SaveSession(session models.Session) error {
	historyJSON, err := marshalHistory(session.History)
	if err != nil {
		slog.Error("PostgresStore.SaveSession: history marshal failed", "error", err, "session_id", session.ID)
		return err
	}

	now := time.Now().UTC()
	createdAt := session.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	query := `
		INSERT INTO sessions (id, flow_type, base_prompt, history, state, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			flow_type = EXCLUDED.flow_type,
			base_prompt = EXCLUDED.base_prompt,
			history = EXCLUDED.history,
			state = EXCLUDED.state,
			updated_at = EXCLUDED.updated_at`

	_, err = s.db.Exec(query, session.ID, string(session.FlowType), session.BasePrompt,
		historyJSON, session.StateJSON, createdAt, now)
	if err != nil {
		slog.Error("PostgresStore.SaveSession failed", "error", err, "session_id", session.ID)
		return fmt.Errorf("failed to save session %s: %w", session.ID, err)
	}
	slog.Debug("PostgresStore.SaveSession succeeded", "session_id", session.ID, "flow_type", session.FlowType)
	return nil
}

// GetSession retrieves a session record, (nil, nil) when no row exists.
func (s *PostgresStore) GetSession(id string) (*models.Session, error) {
	query := `SELECT id, flow_type, base_prompt, history, state, created_at, updated_at
			  FROM sessions WHERE id = $1`

	var session models.Session
	var flowType, historyJSON string
	var basePrompt, stateJSON sql.NullString

	err := s.db.QueryRow(query, id).Scan(
		&session.ID, &flowType, &basePrompt, &historyJSON,
		&stateJSON, &session.CreatedAt, &session.UpdatedAt)
	if err == sql.ErrNoRows {
		slog.Debug("PostgresStore.GetSession not found", "session_id", id)
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore.GetSession failed", "error", err, "session_id", id)
		return nil, fmt.Errorf("failed to load session %s: %w", id, err)
	}

	session.FlowType = models.FlowType(flowType)
	session.BasePrompt = basePrompt.String
	session.StateJSON = stateJSON.String
	if session.History, err = unmarshalHistory(historyJSON); err != nil {
		slog.Error("PostgresStore.GetSession: history unmarshal failed", "error", err, "session_id", id)
		return nil, err
	}

	slog.Debug("PostgresStore.GetSession found", "session_id", id, "flow_type", session.FlowType)
	return &session, nil
}

// DeleteSession removes a session record.
func (s *PostgresStore) DeleteSession(id string) error {
	_, err := s.db.Exec(`DELETE FROM sessions WHERE id = $1`, id)
	if err != nil {
		slog.Error("PostgresStore.DeleteSession failed", "error", err, "session_id", id)
		return fmt.Errorf("failed to delete session %s: %w", id, err)
	}
	slog.Debug("PostgresStore.DeleteSession succeeded", "session_id", id)
	return nil
}

// ListSessions returns sessions for a flow type, or all sessions when the
// flow type is empty.
func (s *PostgresStore) ListSessions(flowType models.FlowType) ([]models.Session, error) {
	query := `SELECT id, flow_type, base_prompt, history, state, created_at, updated_at FROM sessions`
	args := []interface{}{}
	if flowType != "" {
		query += ` WHERE flow_type = $1`
		args = append(args, string(flowType))
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		slog.Error("PostgresStore.ListSessions query failed", "error", err)
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	sessions, err := scanSessions(rows)
	if err != nil {
		slog.Error("PostgresStore.ListSessions scan failed", "error", err)
		return nil, err
	}
	slog.Debug("PostgresStore.ListSessions succeeded", "count", len(sessions))
	return sessions, nil
}

// Close closes the Postgres database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing Postgres database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close Postgres database", "error", err)
	}
	return err
}
