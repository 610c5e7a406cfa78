// Package store provides session persistence backends for the AI Call backend.
//
// This file implements the SQLite-backed store, the default when the DSN is a
// plain file path.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	"github.com/aicall/server/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// DefaultDirPermissions defines the default permissions for database directories.
const DefaultDirPermissions = 0755

//go:embed migrations_sqlite.sql
var sqliteMigrations string

type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}
	slog.Debug("SQLite database directory verified/created", "dir", dir)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}

	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	slog.Debug("Running SQLite migrations")
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db}, nil
}

// SaveSession stores or updates a session record.
func (s *SQLiteStore) SaveSession(session models.Session) error {
	historyJSON, err := marshalHistory(session.History)
	if err != nil {
		slog.Error("SQLiteStore.SaveSession: history marshal failed", "error", err, "session_id", session.ID)
		return err
	}

	now := time.Now().UTC()
	createdAt := session.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	query := `
		INSERT INTO sessions (id, flow_type, base_prompt, history, state, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			flow_type = excluded.flow_type,
			base_prompt = excluded.base_prompt,
			history = excluded.history,
			state = excluded.state,
			updated_at = excluded.updated_at`

	_, err = s.db.Exec(query, session.ID, string(session.FlowType), session.BasePrompt,
		historyJSON, session.StateJSON, createdAt, now)
	if err != nil {
		slog.Error("SQLiteStore.SaveSession failed", "error", err, "session_id", session.ID)
		return fmt.Errorf("failed to save session %s: %w", session.ID, err)
	}
	slog.Debug("SQLiteStore.SaveSession succeeded", "session_id", session.ID, "flow_type", session.FlowType)
	return nil
}

// GetSession retrieves a session record, (nil, nil) when no row exists.
func (s *SQLiteStore) GetSession(id string) (*models.Session, error) {
	query := `SELECT id, flow_type, base_prompt, history, state, created_at, updated_at
			  FROM sessions WHERE id = ?`

	var session models.Session
	var flowType, historyJSON string
	var basePrompt, stateJSON sql.NullString

	err := s.db.QueryRow(query, id).Scan(
		&session.ID, &flowType, &basePrompt, &historyJSON,
		&stateJSON, &session.CreatedAt, &session.UpdatedAt)
	if err == sql.ErrNoRows {
		slog.Debug("SQLiteStore.GetSession not found", "session_id", id)
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore.GetSession failed", "error", err, "session_id", id)
		return nil, fmt.Errorf("failed to load session %s: %w", id, err)
	}

	session.FlowType = models.FlowType(flowType)
	session.BasePrompt = basePrompt.String
	session.StateJSON = stateJSON.String
	if session.History, err = unmarshalHistory(historyJSON); err != nil {
		slog.Error("SQLiteStore.GetSession: history unmarshal failed", "error", err, "session_id", id)
		return nil, err
	}

	slog.Debug("SQLiteStore.GetSession found", "session_id", id, "flow_type", session.FlowType)
	return &session, nil
}

// DeleteSession removes a session record.
func (s *SQLiteStore) DeleteSession(id string) error {
	_, err := s.db.Exec(`DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		slog.Error("SQLiteStore.DeleteSession failed", "error", err, "session_id", id)
		return fmt.Errorf("failed to delete session %s: %w", id, err)
	}
	slog.Debug("SQLiteStore.DeleteSession succeeded", "session_id", id)
	return nil
}

// ListSessions returns sessions for a flow type, or all sessions when the
// flow type is empty.
func (s *SQLiteStore) ListSessions(flowType models.FlowType) ([]models.Session, error) {
	query := `SELECT id, flow_type, base_prompt, history, state, created_at, updated_at FROM sessions`
	args := []interface{}{}
	if flowType != "" {
		query += ` WHERE flow_type = ?`
		args = append(args, string(flowType))
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		slog.Error("SQLiteStore.ListSessions query failed", "error", err)
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	sessions, err := scanSessions(rows)
	if err != nil {
		slog.Error("SQLiteStore.ListSessions scan failed", "error", err)
		return nil, err
	}
	slog.Debug("SQLiteStore.ListSessions succeeded", "count", len(sessions))
	return sessions, nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close SQLite database", "error", err)
	}
	return err
}

// marshalHistory serializes a message history for a JSON column.
func marshalHistory(history []models.ChatMessage) (string, error) {
	if len(history) == 0 {
		return "[]", nil
	}
	data, err := json.Marshal(history)
	if err != nil {
		return "", fmt.Errorf("failed to marshal history: %w", err)
	}
	return string(data), nil
}

// unmarshalHistory restores a message history from its JSON column.
func unmarshalHistory(raw string) ([]models.ChatMessage, error) {
	if raw == "" {
		return nil, nil
	}
	var history []models.ChatMessage
	if err := json.Unmarshal([]byte(raw), &history); err != nil {
		return nil, fmt.Errorf("failed to unmarshal history: %w", err)
	}
	return history, nil
}
