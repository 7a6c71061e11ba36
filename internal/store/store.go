// Package store provides storage backends for session and turn records.
//
// It includes an in-memory store plus SQLite and PostgreSQL backed stores
// sharing the same interface, so the dialogue layer never cares which one
// is wired in.
package store

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/SBPLab-LDV/llm-quest-copilot-sub001/internal/models"
)

// Opts holds configuration options for store implementations.
type Opts struct {
	// DSN is the data source name for the database connection.
	DSN string
}

// Option defines a functional option for store configuration.
type Option func(*Opts)

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// DetectDSNType inspects a DSN and reports "postgres" or "sqlite".
// Anything that does not look like a Postgres connection string is
// treated as a SQLite file path.
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") || strings.Contains(dsn, "host=") {
		return "postgres"
	}
	return "sqlite"
}

// Store is the persistence interface used by the dialogue layer.
// Session rows are upserted on every state change; turn rows are
// append-only except for the operator's selection, which is filled in
// after the fact.
type Store interface {
	SaveSession(rec models.SessionRecord) error
	GetSession(id string) (*models.SessionRecord, error)
	DeleteSession(id string) error
	SaveTurn(sessionID string, turn models.Turn) error
	UpdateTurnSelection(sessionID string, round int, selected string) error
	ListTurns(sessionID string) ([]models.Turn, error)
	Close() error
}

// InMemoryStore keeps sessions and turns in process memory. It backs
// tests and deployments that do not need durability.
type InMemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]models.SessionRecord
	turns    map[string][]models.Turn
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		sessions: make(map[string]models.SessionRecord),
		turns:    make(map[string][]models.Turn),
	}
}

func (s *InMemoryStore) SaveSession(rec models.SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[rec.ID] = rec
	return nil
}

func (s *InMemoryStore) GetSession(id string) (*models.SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, models.ErrSessionNotFound)
	}
	out := rec
	return &out, nil
}

func (s *InMemoryStore) DeleteSession(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	delete(s.turns, id)
	return nil
}

func (s *InMemoryStore) SaveTurn(sessionID string, turn models.Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns[sessionID] = append(s.turns[sessionID], turn)
	return nil
}

func (s *InMemoryStore) UpdateTurnSelection(sessionID string, round int, selected string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	turns := s.turns[sessionID]
	for i := range turns {
		if turns[i].Round == round {
			turns[i].Selected = selected
			return nil
		}
	}
	return fmt.Errorf("turn %d of session %s: %w", round, sessionID, models.ErrSessionNotFound)
}

func (s *InMemoryStore) ListTurns(sessionID string) ([]models.Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	turns := append([]models.Turn(nil), s.turns[sessionID]...)
	sort.Slice(turns, func(i, j int) bool { return turns[i].Round < turns[j].Round })
	return turns, nil
}

func (s *InMemoryStore) Close() error {
	return nil
}
