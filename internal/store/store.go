// Package store provides session persistence backends for the AI Call backend.
//
// It defines the Store interface plus SQLite, PostgreSQL, and in-memory
// implementations. Sessions are stored as one row per session with the
// message history and dialogue state serialized to JSON columns, so the
// persisted form is the exact reconstruction basis for resuming a
// conversation after a restart.
package store

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/aicall/server/internal/models"
)

// Store is the session persistence interface. GetSession returns (nil, nil)
// when no record exists; callers translate that to their own not-found error.
type Store interface {
	SaveSession(session models.Session) error
	GetSession(id string) (*models.Session, error)
	DeleteSession(id string) error
	ListSessions(flowType models.FlowType) ([]models.Session, error)
	Close() error
}

// Opts holds configuration options for store backends.
type Opts struct {
	// DSN is the database connection string (file path for SQLite, URL or
	// key=value form for Postgres).
	DSN string
}

// Option configures store creation.
type Option func(*Opts)

// WithSQLiteDSN sets a SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithPostgresDSN sets a PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// DetectDSNType reports which backend a DSN selects: "postgres" for
// postgres:// URLs and key=value connection strings, otherwise "sqlite"
// (plain file paths).
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") || strings.Contains(dsn, "host=") {
		return "postgres"
	}
	return "sqlite"
}

// NewStore builds the backend matching the DSN in the options; with no DSN it
// falls back to the in-memory store.
func NewStore(opts ...Option) (Store, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.DSN == "" {
		slog.Debug("NewStore: no DSN configured, using in-memory store")
		return NewInMemoryStore(), nil
	}
	if DetectDSNType(cfg.DSN) == "postgres" {
		slog.Debug("NewStore: postgres DSN detected")
		return NewPostgresStore(opts...)
	}
	slog.Debug("NewStore: sqlite DSN detected", "db_path", cfg.DSN)
	return NewSQLiteStore(opts...)
}

// InMemoryStore keeps sessions in a map. Used in tests and when no DSN is
// configured.
type InMemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]models.Session
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{sessions: make(map[string]models.Session)}
}

// SaveSession stores or replaces a session record.
func (s *InMemoryStore) SaveSession(session models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if session.CreatedAt.IsZero() {
		if existing, ok := s.sessions[session.ID]; ok {
			session.CreatedAt = existing.CreatedAt
		} else {
			session.CreatedAt = time.Now().UTC()
		}
	}
	session.UpdatedAt = time.Now().UTC()
	s.sessions[session.ID] = session
	slog.Debug("InMemoryStore.SaveSession: stored", "session_id", session.ID, "flow_type", session.FlowType)
	return nil
}

// GetSession retrieves a session, (nil, nil) when absent.
func (s *InMemoryStore) GetSession(id string) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[id]
	if !ok {
		slog.Debug("InMemoryStore.GetSession: not found", "session_id", id)
		return nil, nil
	}
	copied := session
	return &copied, nil
}

// DeleteSession removes a session record; deleting a missing session is not
// an error.
func (s *InMemoryStore) DeleteSession(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	slog.Debug("InMemoryStore.DeleteSession: removed", "session_id", id)
	return nil
}

// ListSessions returns sessions for a flow type, or all sessions when the
// flow type is empty.
func (s *InMemoryStore) ListSessions(flowType models.FlowType) ([]models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []models.Session
	for _, session := range s.sessions {
		if flowType == "" || session.FlowType == flowType {
			result = append(result, session)
		}
	}
	return result, nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error {
	return nil
}
