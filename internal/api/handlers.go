package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/SBPLab-LDV/llm-quest-copilot-sub001/internal/dialogue"
	"github.com/SBPLab-LDV/llm-quest-copilot-sub001/internal/models"
)

// turnRequestBody is the JSON body for a text turn.
type turnRequestBody struct {
	SessionID   string                   `json:"session_id,omitempty"`
	CharacterID string                   `json:"character_id,omitempty"`
	Character   *models.CharacterProfile `json:"character,omitempty"`
	Input       string                   `json:"input"`
}

// selectRequestBody is the JSON body for a response selection.
type selectRequestBody struct {
	SessionID string `json:"session_id"`
	Selected  string `json:"selected"`
}

// statusForError maps pipeline sentinel errors to HTTP status codes.
func statusForError(err error) int {
	switch {
	case errors.Is(err, models.ErrEmptyInput), errors.Is(err, models.ErrInputTooLong), errors.Is(err, models.ErrEmptyCharacterRef):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrInvalidSessionState):
		return http.StatusConflict
	case errors.Is(err, models.ErrSessionNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) textTurnHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.textTurnHandler: processing text turn", "method", r.Method, "path", r.URL.Path)

	var body turnRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		slog.Warn("Server.textTurnHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}

	result, err := s.processor.ProcessTurn(r.Context(), dialogue.TurnRequest{
		SessionID:   body.SessionID,
		CharacterID: body.CharacterID,
		Character:   body.Character,
		Input:       body.Input,
		Modality:    models.ModalityText,
	})
	if err != nil {
		slog.Warn("Server.textTurnHandler: turn rejected", "error", err, "sessionID", body.SessionID)
		writeJSONResponse(w, statusForError(err), models.Error(err.Error()))
		return
	}

	slog.Info("Server.textTurnHandler: turn processed", "sessionID", result.SessionID, "round", result.Round, "options", len(result.Options))
	writeJSONResponse(w, http.StatusOK, models.Success(result))
}

func (s *Server) audioTurnHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.audioTurnHandler: processing audio turn", "method", r.Method, "path", r.URL.Path)

	if err := r.ParseMultipartForm(maxAudioUploadBytes); err != nil {
		slog.Warn("Server.audioTurnHandler: failed to parse multipart form", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid multipart form"))
		return
	}
	file, _, err := r.FormFile("audio")
	if err != nil {
		slog.Warn("Server.audioTurnHandler: missing audio file", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing audio file"))
		return
	}
	defer file.Close()

	result, err := s.processor.ProcessTurn(r.Context(), dialogue.TurnRequest{
		SessionID:   r.FormValue("session_id"),
		CharacterID: r.FormValue("character_id"),
		Audio:       file,
		Modality:    models.ModalityAudio,
	})
	if err != nil {
		slog.Warn("Server.audioTurnHandler: turn rejected", "error", err)
		writeJSONResponse(w, statusForError(err), models.Error(err.Error()))
		return
	}

	slog.Info("Server.audioTurnHandler: turn processed", "sessionID", result.SessionID, "round", result.Round)
	writeJSONResponse(w, http.StatusOK, models.Success(result))
}

func (s *Server) selectHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.selectHandler: processing selection", "method", r.Method, "path", r.URL.Path)

	var body selectRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		slog.Warn("Server.selectHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if body.SessionID == "" || body.Selected == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("session_id and selected are required"))
		return
	}

	result, err := s.processor.SelectResponse(body.SessionID, body.Selected)
	if err != nil {
		slog.Warn("Server.selectHandler: selection rejected", "error", err, "sessionID", body.SessionID)
		writeJSONResponse(w, statusForError(err), models.Error(err.Error()))
		return
	}

	slog.Info("Server.selectHandler: selection committed", "sessionID", result.SessionID, "round", result.Round)
	writeJSONResponse(w, http.StatusOK, models.Success(result))
}

func (s *Server) resetHandler(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	slog.Debug("Server.resetHandler: processing reset", "sessionID", sessionID)

	if err := s.processor.ResetSession(sessionID); err != nil {
		slog.Error("Server.resetHandler: reset failed", "error", err, "sessionID", sessionID)
		writeJSONResponse(w, statusForError(err), models.Error(err.Error()))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Session reset", nil))
}

func (s *Server) historyHandler(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	slog.Debug("Server.historyHandler: fetching history", "sessionID", sessionID)

	turns, err := s.processor.SessionHistory(sessionID)
	if err != nil {
		slog.Warn("Server.historyHandler: history lookup failed", "error", err, "sessionID", sessionID)
		writeJSONResponse(w, statusForError(err), models.Error(err.Error()))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(turns))
}

func (s *Server) charactersHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.Success(s.catalog.List()))
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	stats := s.processor.Stats()
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]interface{}{
		"status":  "healthy",
		"uptime":  time.Since(s.startedAt).String(),
		"stats":   stats,
		"version": "1.0.0",
	}))
}
