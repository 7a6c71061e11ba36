package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/SBPLab-LDV/llm-quest-copilot-sub001/internal/models"
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

	// Configure connection pool for better performance
	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		return nil, err
	}
	// Run migrations to ensure tables exist
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) SaveSession(rec models.SessionRecord) error {
	_, err := s.db.Exec(`INSERT INTO sessions (id, character_id, state, created_at, last_active) VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET state = EXCLUDED.state, last_active = EXCLUDED.last_active`,
		rec.ID, rec.CharacterID, rec.State, rec.CreatedAt, rec.LastActive)
	if err != nil {
		slog.Error("PostgresStore SaveSession failed", "error", err, "session", rec.ID)
		return fmt.Errorf("failed to save session %s: %w", rec.ID, err)
	}
	slog.Debug("PostgresStore SaveSession succeeded", "session", rec.ID, "state", rec.State)
	return nil
}

func (s *PostgresStore) GetSession(id string) (*models.SessionRecord, error) {
	row := s.db.QueryRow(`SELECT id, character_id, state, created_at, last_active FROM sessions WHERE id = $1`, id)
	var rec models.SessionRecord
	err := row.Scan(&rec.ID, &rec.CharacterID, &rec.State, &rec.CreatedAt, &rec.LastActive)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, models.ErrSessionNotFound)
	}
	if err != nil {
		slog.Error("PostgresStore GetSession scan failed", "error", err, "session", id)
		return nil, fmt.Errorf("failed to scan session row: %w", err)
	}
	return &rec, nil
}

func (s *PostgresStore) DeleteSession(id string) error {
	if _, err := s.db.Exec(`DELETE FROM sessions WHERE id = $1`, id); err != nil {
		slog.Error("PostgresStore DeleteSession failed", "error", err, "session", id)
		return fmt.Errorf("failed to delete session %s: %w", id, err)
	}
	slog.Debug("PostgresStore DeleteSession succeeded", "session", id)
	return nil
}

func (s *PostgresStore) SaveTurn(sessionID string, turn models.Turn) error {
	candidates, err := encodeStrings(turn.Candidates)
	if err != nil {
		return err
	}
	indicators, err := encodeStrings(turn.Indicators)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT INTO turns (session_id, round, input, modality, candidates, selected, result_state, dialogue_context, reassurance, indicators, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		sessionID, turn.Round, turn.Input, turn.Modality, candidates, nilIfEmpty(turn.Selected),
		turn.ResultState, nilIfEmpty(turn.Context), nilIfEmpty(turn.Reassurance), indicators, turn.Timestamp)
	if err != nil {
		slog.Error("PostgresStore SaveTurn failed", "error", err, "session", sessionID, "round", turn.Round)
		return fmt.Errorf("failed to insert turn %d for session %s: %w", turn.Round, sessionID, err)
	}
	slog.Debug("PostgresStore SaveTurn succeeded", "session", sessionID, "round", turn.Round)
	return nil
}

func (s *PostgresStore) UpdateTurnSelection(sessionID string, round int, selected string) error {
	res, err := s.db.Exec(`UPDATE turns SET selected = $1 WHERE session_id = $2 AND round = $3`, selected, sessionID, round)
	if err != nil {
		slog.Error("PostgresStore UpdateTurnSelection failed", "error", err, "session", sessionID, "round", round)
		return fmt.Errorf("failed to update selection for turn %d of session %s: %w", round, sessionID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("turn %d of session %s: %w", round, sessionID, models.ErrSessionNotFound)
	}
	return nil
}

func (s *PostgresStore) ListTurns(sessionID string) ([]models.Turn, error) {
	rows, err := s.db.Query(`SELECT round, input, modality, candidates, selected, result_state, dialogue_context, reassurance, indicators, created_at
		FROM turns WHERE session_id = $1 ORDER BY round`, sessionID)
	if err != nil {
		slog.Error("PostgresStore ListTurns query failed", "error", err, "session", sessionID)
		return nil, fmt.Errorf("failed to query turns: %w", err)
	}
	defer rows.Close()

	var turns []models.Turn
	for rows.Next() {
		t, err := scanTurn(rows)
		if err != nil {
			slog.Error("PostgresStore ListTurns scan failed", "error", err, "session", sessionID)
			return nil, err
		}
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		slog.Error("PostgresStore ListTurns rows iteration failed", "error", err, "session", sessionID)
		return nil, fmt.Errorf("failed to iterate turn rows: %w", err)
	}
	slog.Debug("PostgresStore ListTurns succeeded", "session", sessionID, "count", len(turns))
	return turns, nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
