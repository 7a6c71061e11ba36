package dialogue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/SBPLab-LDV/llm-quest-copilot-sub001/internal/character"
	"github.com/SBPLab-LDV/llm-quest-copilot-sub001/internal/models"
	"github.com/SBPLab-LDV/llm-quest-copilot-sub001/internal/store"
)

// Default processing parameters.
const (
	// DefaultHistoryWindow is the number of trailing history lines sent to
	// the generator on a normal turn.
	DefaultHistoryWindow = 5
	// DefaultRecoveryWindow is the reduced history window used when
	// regenerating after a degradation verdict.
	DefaultRecoveryWindow = 2
	// DefaultGenerationTimeout bounds a single generator or transcriber call.
	DefaultGenerationTimeout = 30 * time.Second
)

// Config tunes the turn processing pipeline. Zero values fall back to the
// package defaults.
type Config struct {
	HistoryWindow     int
	RecoveryWindow    int
	GenerationTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.HistoryWindow <= 0 {
		c.HistoryWindow = DefaultHistoryWindow
	}
	if c.RecoveryWindow <= 0 {
		c.RecoveryWindow = DefaultRecoveryWindow
	}
	if c.GenerationTimeout <= 0 {
		c.GenerationTimeout = DefaultGenerationTimeout
	}
	return c
}

// TurnRequest carries one caregiver input into the pipeline. Exactly one of
// Input or Audio is consumed, keyed on Modality. SessionID empty means a new
// session; CharacterID or Character select the simulated patient.
type TurnRequest struct {
	SessionID   string
	CharacterID string
	Character   *models.CharacterProfile
	Input       string
	Audio       io.Reader
	Modality    models.Modality
}

// TurnResult is what the operator console needs to render a processed turn.
type TurnResult struct {
	SessionID   string               `json:"session_id"`
	Round       int                  `json:"round"`
	Options     []string             `json:"options"`
	State       models.SessionState  `json:"state"`
	Context     string               `json:"dialogue_context,omitempty"`
	Transcript  string               `json:"transcript,omitempty"`
	Reassurance string               `json:"reassurance,omitempty"`
	Indicators  []string             `json:"degradation_indicators,omitempty"`
	Recovered   bool                 `json:"recovered,omitempty"`
}

// Stats is a point-in-time snapshot of pipeline counters.
type Stats struct {
	ActiveSessions        int   `json:"active_sessions"`
	TurnsProcessed        int64 `json:"turns_processed"`
	DegradationsDetected  int64 `json:"degradations_detected"`
	RecoveriesApplied     int64 `json:"recoveries_applied"`
	RewritesApplied       int64 `json:"rewrites_applied"`
	TranscriptionFailures int64 `json:"transcription_failures"`
}

// Processor orchestrates one caregiver turn end to end: session resolution,
// optional transcription, candidate generation, the sensitive-question
// guard, degradation detection with recovery, and persistence.
type Processor struct {
	sessions    *SessionStore
	catalog     *character.Catalog
	generator   Generator
	transcriber Transcriber
	guard       *Guard
	policy      *RecoveryPolicy
	persist     store.Store
	cfg         Config

	turnsProcessed        atomic.Int64
	degradationsDetected  atomic.Int64
	recoveriesApplied     atomic.Int64
	rewritesApplied       atomic.Int64
	transcriptionFailures atomic.Int64
}

// NewProcessor wires the pipeline. transcriber may be nil when audio input
// is not configured; persist may be nil to disable the audit log.
func NewProcessor(sessions *SessionStore, catalog *character.Catalog, generator Generator, transcriber Transcriber, guard *Guard, persist store.Store, cfg Config) *Processor {
	return &Processor{
		sessions:    sessions,
		catalog:     catalog,
		generator:   generator,
		transcriber: transcriber,
		guard:       guard,
		policy:      NewRecoveryPolicy(),
		persist:     persist,
		cfg:         cfg.withDefaults(),
	}
}

// Sessions exposes the live session registry, mainly for the idle sweeper.
func (p *Processor) Sessions() *SessionStore { return p.sessions }

// Stats snapshots the pipeline counters.
func (p *Processor) Stats() Stats {
	return Stats{
		ActiveSessions:        p.sessions.Len(),
		TurnsProcessed:        p.turnsProcessed.Load(),
		DegradationsDetected:  p.degradationsDetected.Load(),
		RecoveriesApplied:     p.recoveriesApplied.Load(),
		RewritesApplied:       p.rewritesApplied.Load(),
		TranscriptionFailures: p.transcriptionFailures.Load(),
	}
}

// ProcessTurn runs one caregiver input through the pipeline. Every accepted
// input commits exactly one turn, including failure turns. Collaborator
// failures never surface as errors; they become a CONFUSED turn carrying a
// spoken fallback so the training session keeps moving.
func (p *Processor) ProcessTurn(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	input := strings.TrimSpace(req.Input)
	if req.Modality != models.ModalityAudio {
		// Reject malformed text before touching the registry so a bad
		// request never leaves an empty session behind.
		if err := validateInput(input); err != nil {
			return nil, err
		}
	}

	sess, err := p.resolveSession(req)
	if err != nil {
		return nil, err
	}

	sess.lock()
	defer sess.unlock()
	if sess.state == models.StateReset {
		// A concurrent reset retired the session between lookup and lock.
		return nil, fmt.Errorf("session %s: %w", sess.ID(), models.ErrSessionNotFound)
	}

	transcript := ""
	if req.Modality == models.ModalityAudio {
		transcript, err = p.transcribe(ctx, req.Audio)
		if err != nil {
			p.transcriptionFailures.Add(1)
			slog.Warn("Processor.ProcessTurn: transcription failed", "sessionID", sess.ID(), "error", err)
			return p.commitFailureTurn(sess, "", models.ModalityAudio, audioFailureFallback, "", nil), nil
		}
		input = strings.TrimSpace(transcript)
		if err := validateInput(input); err != nil {
			return nil, err
		}
	}

	sess.discardStaleOptions()
	window := sess.historyWindow(p.cfg.HistoryWindow)

	result, reassurance, effectiveInput, err := p.generate(ctx, sess, window, input)
	if err != nil {
		slog.Warn("Processor.ProcessTurn: generation failed", "sessionID", sess.ID(), "error", err)
		sess.appendCaregiverLine(input)
		res := p.commitFailureTurn(sess, input, req.Modality, apologeticFallback, "", nil)
		res.Transcript = transcript
		return res, nil
	}

	candidates := result.Candidates
	dialogueContext := result.Context
	var indicators []string
	recovered := false

	verdict := Detect(DetectorInput{
		Round:      sess.round(),
		Candidates: candidates,
		State:      result.State,
		Context:    dialogueContext,
	})
	if verdict.IsDegraded {
		p.degradationsDetected.Add(1)
		indicators = verdict.IndicatorStrings()
		slog.Info("Processor.ProcessTurn: degradation detected", "sessionID", sess.ID(), "round", sess.round(), "indicators", indicators)

		switch p.policy.Decide(verdict, 0) {
		case ActionRegenerate:
			retryWindow := sess.historyWindow(p.cfg.RecoveryWindow)
			retry, _, _, retryErr := p.generate(ctx, sess, retryWindow, effectiveInput)
			if retryErr == nil {
				retryVerdict := Detect(DetectorInput{
					Round:      sess.round(),
					Candidates: retry.Candidates,
					State:      retry.State,
					Context:    retry.Context,
				})
				if !retryVerdict.IsDegraded {
					candidates = retry.Candidates
					dialogueContext = retry.Context
					recovered = true
					p.recoveriesApplied.Add(1)
				} else {
					verdict = retryVerdict
					indicators = retryVerdict.IndicatorStrings()
				}
			}
		}

		if !recovered {
			switch p.policy.Decide(verdict, 1) {
			case ActionSubstitute:
				candidates = SubstituteResponses(input)
				dialogueContext = recoveredContextLabel
				recovered = true
				p.recoveriesApplied.Add(1)
			default:
				sess.appendCaregiverLine(effectiveInput)
				res := p.commitFailureTurn(sess, input, req.Modality, apologeticFallback, reassurance, indicators)
				res.Transcript = transcript
				return res, nil
			}
		}
	}

	// Staging requires at least one candidate; an empty set means the
	// generator produced nothing usable regardless of what it reported.
	if len(candidates) == 0 {
		slog.Warn("Processor.ProcessTurn: generator returned no candidates", "sessionID", sess.ID())
		sess.appendCaregiverLine(effectiveInput)
		res := p.commitFailureTurn(sess, input, req.Modality, apologeticFallback, reassurance, indicators)
		res.Transcript = transcript
		return res, nil
	}

	sess.appendCaregiverLine(effectiveInput)
	sess.stageOptions(candidates, dialogueContext)

	turn := models.Turn{
		Input:       req.Input,
		Modality:    req.Modality,
		Candidates:  candidates,
		ResultState: models.StateAwaitingSelection,
		Context:     dialogueContext,
		Reassurance: reassurance,
		Indicators:  indicators,
	}
	if req.Modality == models.ModalityAudio {
		turn.Input = input
	}
	sess.commitTurn(turn)
	p.turnsProcessed.Add(1)
	p.persistTurn(sess)

	return &TurnResult{
		SessionID:   sess.ID(),
		Round:       len(sess.turns),
		Options:     append([]string(nil), candidates...),
		State:       sess.state,
		Context:     dialogueContext,
		Transcript:  transcript,
		Reassurance: reassurance,
		Indicators:  indicators,
		Recovered:   recovered,
	}, nil
}

// validateInput rejects blank or oversized caregiver input.
func validateInput(input string) error {
	if input == "" {
		return fmt.Errorf("caregiver input: %w", models.ErrEmptyInput)
	}
	if len(input) > models.MaxInputLength {
		return fmt.Errorf("caregiver input length %d: %w", len(input), models.ErrInputTooLong)
	}
	return nil
}

// resolveSession finds the existing session or creates one. Switching
// character mid-session retires the old session and starts fresh.
func (p *Processor) resolveSession(req TurnRequest) (*Session, error) {
	if req.SessionID == "" {
		profile := p.catalog.Resolve(req.CharacterID, req.Character)
		sess := p.sessions.Create(profile)
		slog.Info("Processor.resolveSession: created session", "sessionID", sess.ID(), "character", profile.ID)
		return sess, nil
	}
	sess, err := p.sessions.Get(req.SessionID)
	if err != nil {
		return nil, err
	}
	if req.CharacterID != "" && req.CharacterID != sess.Profile().ID {
		slog.Info("Processor.resolveSession: character switched, starting new session",
			"oldSessionID", sess.ID(), "from", sess.Profile().ID, "to", req.CharacterID)
		sess.lock()
		p.retire(sess)
		sess.unlock()
		profile := p.catalog.Resolve(req.CharacterID, req.Character)
		return p.sessions.Create(profile), nil
	}
	return sess, nil
}

func (p *Processor) transcribe(ctx context.Context, audio io.Reader) (string, error) {
	if p.transcriber == nil {
		return "", fmt.Errorf("no transcriber configured")
	}
	if audio == nil {
		return "", fmt.Errorf("no audio payload: %w", models.ErrEmptyInput)
	}
	ctx, cancel := context.WithTimeout(ctx, p.cfg.GenerationTimeout)
	defer cancel()
	return p.transcriber.Transcribe(ctx, audio)
}

// generate calls the generator, routing policy refusals through the
// sensitive-question guard for one rewrite-and-retry. It returns the input
// that actually produced the result, which is the rewritten question when a
// rewrite was applied; reassurance is non-empty only in that case.
func (p *Processor) generate(ctx context.Context, sess *Session, window []string, input string) (*models.GenerationResult, string, string, error) {
	result, err := p.generateOnce(ctx, sess, window, input)
	if err == nil {
		return result, "", input, nil
	}
	if !errors.Is(err, models.ErrPolicyRefusal) || p.guard == nil {
		return nil, "", input, err
	}

	slog.Info("Processor.generate: policy refusal, consulting guard", "sessionID", sess.ID())
	summary := strings.Join(window, "\n")
	rewrite, guardErr := p.guard.Rewrite(ctx, input, summary, sess.Profile())
	if guardErr != nil {
		return nil, "", input, fmt.Errorf("guard rewrite failed after refusal: %w", guardErr)
	}
	if !rewrite.NeedsRewrite() {
		return nil, "", input, err
	}

	p.rewritesApplied.Add(1)
	slog.Info("Processor.generate: retrying with rewritten question", "sessionID", sess.ID(), "reason", rewrite.Reason)
	result, retryErr := p.generateOnce(ctx, sess, window, rewrite.RewrittenQuestion)
	if retryErr != nil {
		return nil, "", input, fmt.Errorf("retry with rewritten question failed: %w", retryErr)
	}
	return result, rewrite.Reassurance, rewrite.RewrittenQuestion, nil
}

func (p *Processor) generateOnce(ctx context.Context, sess *Session, window []string, input string) (*models.GenerationResult, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.GenerationTimeout)
	defer cancel()
	return p.generator.GenerateCandidates(ctx, models.GenerationRequest{
		Profile: sess.Profile(),
		History: window,
		Input:   input,
	})
}

// commitFailureTurn records a turn whose collaborator calls failed. The
// fallback is surfaced as the only option but nothing is staged: the
// session returns to a state where the next input starts a fresh turn.
func (p *Processor) commitFailureTurn(sess *Session, input string, modality models.Modality, fallback, reassurance string, indicators []string) *TurnResult {
	sess.commitTurn(models.Turn{
		Input:       input,
		Modality:    modality,
		Candidates:  []string{fallback},
		ResultState: models.StateConfused,
		Reassurance: reassurance,
		Indicators:  indicators,
	})
	p.turnsProcessed.Add(1)
	p.persistTurn(sess)
	return &TurnResult{
		SessionID:   sess.ID(),
		Round:       len(sess.turns),
		Options:     []string{fallback},
		State:       sess.state,
		Reassurance: reassurance,
		Indicators:  indicators,
	}
}

// persistTurn writes the session snapshot and the newest turn to the audit
// store. Persistence failures are logged, never surfaced; the live session
// stays authoritative.
func (p *Processor) persistTurn(sess *Session) {
	if p.persist == nil || len(sess.turns) == 0 {
		return
	}
	if err := p.persist.SaveSession(sess.record()); err != nil {
		slog.Error("Processor.persistTurn: session save failed", "sessionID", sess.ID(), "error", err)
	}
	if err := p.persist.SaveTurn(sess.ID(), sess.turns[len(sess.turns)-1]); err != nil {
		slog.Error("Processor.persistTurn: turn save failed", "sessionID", sess.ID(), "error", err)
	}
}

// SelectResponse resolves a staged option by its literal text and records
// it as the patient's canonical reply for the latest turn.
func (p *Processor) SelectResponse(sessionID, selected string) (*TurnResult, error) {
	sess, err := p.sessions.Get(sessionID)
	if err != nil {
		return nil, err
	}
	sess.lock()
	defer sess.unlock()
	if sess.state == models.StateReset {
		return nil, fmt.Errorf("session %s: %w", sessionID, models.ErrSessionNotFound)
	}

	if err := sess.selectOption(selected); err != nil {
		return nil, err
	}
	round := len(sess.turns)
	if p.persist != nil {
		if err := p.persist.UpdateTurnSelection(sess.ID(), round, selected); err != nil {
			slog.Error("Processor.SelectResponse: selection persist failed", "sessionID", sess.ID(), "round", round, "error", err)
		}
		if err := p.persist.SaveSession(sess.record()); err != nil {
			slog.Error("Processor.SelectResponse: session save failed", "sessionID", sess.ID(), "error", err)
		}
	}
	slog.Info("Processor.SelectResponse: selection committed", "sessionID", sess.ID(), "round", round)
	return &TurnResult{
		SessionID: sess.ID(),
		Round:     round,
		State:     sess.state,
		Context:   sess.context,
	}, nil
}

// ResetSession retires a session. Resetting an unknown or already-reset
// session is a no-op; the persisted turn log is kept for audit.
func (p *Processor) ResetSession(sessionID string) error {
	sess, err := p.sessions.Get(sessionID)
	if err != nil {
		if errors.Is(err, models.ErrSessionNotFound) {
			return nil
		}
		return err
	}
	sess.lock()
	p.retire(sess)
	sess.unlock()
	slog.Info("Processor.ResetSession: session reset", "sessionID", sessionID)
	return nil
}

// retire marks the session RESET, persists the final snapshot, and evicts
// it from the live registry. Caller holds the session lock.
func (p *Processor) retire(sess *Session) {
	sess.state = models.StateReset
	sess.pending = nil
	if p.persist != nil {
		if err := p.persist.SaveSession(sess.record()); err != nil {
			slog.Error("Processor.retire: session save failed", "sessionID", sess.ID(), "error", err)
		}
	}
	p.sessions.Evict(sess.ID())
}

// SessionHistory returns the turn log for a session, preferring the live
// session and falling back to the audit store for retired ones.
func (p *Processor) SessionHistory(sessionID string) ([]models.Turn, error) {
	sess, err := p.sessions.Get(sessionID)
	if err == nil {
		sess.lock()
		defer sess.unlock()
		return sess.snapshotTurns(), nil
	}
	if p.persist == nil {
		return nil, err
	}
	if _, recErr := p.persist.GetSession(sessionID); recErr != nil {
		return nil, recErr
	}
	return p.persist.ListTurns(sessionID)
}
