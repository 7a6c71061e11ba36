package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "embed"

	"github.com/SBPLab-LDV/llm-quest-copilot-sub001/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

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

	// Ensure the directory exists
	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}

	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	// Run migrations to ensure tables exist
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) SaveSession(rec models.SessionRecord) error {
	_, err := s.db.Exec(`INSERT INTO sessions (id, character_id, state, created_at, last_active) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET state = excluded.state, last_active = excluded.last_active`,
		rec.ID, rec.CharacterID, rec.State, rec.CreatedAt, rec.LastActive)
	if err != nil {
		slog.Error("SQLiteStore SaveSession failed", "error", err, "session", rec.ID)
		return fmt.Errorf("failed to save session %s: %w", rec.ID, err)
	}
	slog.Debug("SQLiteStore SaveSession succeeded", "session", rec.ID, "state", rec.State)
	return nil
}

func (s *SQLiteStore) GetSession(id string) (*models.SessionRecord, error) {
	row := s.db.QueryRow(`SELECT id, character_id, state, created_at, last_active FROM sessions WHERE id = ?`, id)
	var rec models.SessionRecord
	err := row.Scan(&rec.ID, &rec.CharacterID, &rec.State, &rec.CreatedAt, &rec.LastActive)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, models.ErrSessionNotFound)
	}
	if err != nil {
		slog.Error("SQLiteStore GetSession scan failed", "error", err, "session", id)
		return nil, fmt.Errorf("failed to scan session row: %w", err)
	}
	return &rec, nil
}

func (s *SQLiteStore) DeleteSession(id string) error {
	if _, err := s.db.Exec(`DELETE FROM sessions WHERE id = ?`, id); err != nil {
		slog.Error("SQLiteStore DeleteSession failed", "error", err, "session", id)
		return fmt.Errorf("failed to delete session %s: %w", id, err)
	}
	slog.Debug("SQLiteStore DeleteSession succeeded", "session", id)
	return nil
}

func (s *SQLiteStore) SaveTurn(sessionID string, turn models.Turn) error {
	candidates, err := encodeStrings(turn.Candidates)
	if err != nil {
		return err
	}
	indicators, err := encodeStrings(turn.Indicators)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT INTO turns (session_id, round, input, modality, candidates, selected, result_state, dialogue_context, reassurance, indicators, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sessionID, turn.Round, turn.Input, turn.Modality, candidates, nilIfEmpty(turn.Selected),
		turn.ResultState, nilIfEmpty(turn.Context), nilIfEmpty(turn.Reassurance), indicators, turn.Timestamp)
	if err != nil {
		slog.Error("SQLiteStore SaveTurn failed", "error", err, "session", sessionID, "round", turn.Round)
		return fmt.Errorf("failed to insert turn %d for session %s: %w", turn.Round, sessionID, err)
	}
	slog.Debug("SQLiteStore SaveTurn succeeded", "session", sessionID, "round", turn.Round)
	return nil
}

func (s *SQLiteStore) UpdateTurnSelection(sessionID string, round int, selected string) error {
	res, err := s.db.Exec(`UPDATE turns SET selected = ? WHERE session_id = ? AND round = ?`, selected, sessionID, round)
	if err != nil {
		slog.Error("SQLiteStore UpdateTurnSelection failed", "error", err, "session", sessionID, "round", round)
		return fmt.Errorf("failed to update selection for turn %d of session %s: %w", round, sessionID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("turn %d of session %s: %w", round, sessionID, models.ErrSessionNotFound)
	}
	return nil
}

func (s *SQLiteStore) ListTurns(sessionID string) ([]models.Turn, error) {
	rows, err := s.db.Query(`SELECT round, input, modality, candidates, selected, result_state, dialogue_context, reassurance, indicators, created_at
		FROM turns WHERE session_id = ? ORDER BY round`, sessionID)
	if err != nil {
		slog.Error("SQLiteStore ListTurns query failed", "error", err, "session", sessionID)
		return nil, fmt.Errorf("failed to query turns: %w", err)
	}
	defer rows.Close()

	var turns []models.Turn
	for rows.Next() {
		t, err := scanTurn(rows)
		if err != nil {
			slog.Error("SQLiteStore ListTurns scan failed", "error", err, "session", sessionID)
			return nil, err
		}
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		slog.Error("SQLiteStore ListTurns rows iteration failed", "error", err, "session", sessionID)
		return nil, fmt.Errorf("failed to iterate turn rows: %w", err)
	}
	slog.Debug("SQLiteStore ListTurns succeeded", "session", sessionID, "count", len(turns))
	return turns, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
