package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/SBPLab-LDV/llm-quest-copilot-sub001/internal/models"
)

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// encodeStrings serializes a string slice for a TEXT column.
func encodeStrings(values []string) (string, error) {
	if len(values) == 0 {
		return "[]", nil
	}
	data, err := json.Marshal(values)
	if err != nil {
		return "", fmt.Errorf("failed to encode string list: %w", err)
	}
	return string(data), nil
}

// decodeStrings deserializes a TEXT column produced by encodeStrings.
func decodeStrings(raw string) ([]string, error) {
	if raw == "" || raw == "[]" {
		return nil, nil
	}
	var values []string
	if err := json.Unmarshal([]byte(raw), &values); err != nil {
		return nil, fmt.Errorf("failed to decode string list: %w", err)
	}
	return values, nil
}

// scanTurn scans a Turn from sql.Rows.
func scanTurn(rows *sql.Rows) (models.Turn, error) {
	var t models.Turn
	var candidates string
	var selected, dialogueContext, reassurance, indicators sql.NullString
	err := rows.Scan(
		&t.Round, &t.Input, &t.Modality, &candidates, &selected,
		&t.ResultState, &dialogueContext, &reassurance, &indicators, &t.Timestamp,
	)
	if err != nil {
		return t, fmt.Errorf("scan turn failed: %w", err)
	}
	t.Selected = selected.String
	t.Context = dialogueContext.String
	t.Reassurance = reassurance.String
	if t.Candidates, err = decodeStrings(candidates); err != nil {
		return t, err
	}
	if t.Indicators, err = decodeStrings(indicators.String); err != nil {
		return t, err
	}
	return t, nil
}
