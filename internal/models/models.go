// Package models defines the core data structures for patientsim.
//
// It includes the character profile, session and turn records, degradation
// verdicts, and the API response types shared across modules.
package models

import (
	"errors"
	"fmt"
	"time"
)

// SessionState is the lifecycle state of a conversation session.
type SessionState string

const (
	// StateActive indicates normal operation with no options pending.
	StateActive SessionState = "ACTIVE"
	// StateAwaitingSelection indicates response options are staged and a
	// human operator must pick one before the next generative turn.
	StateAwaitingSelection SessionState = "AWAITING_SELECTION"
	// StateConfused indicates the last turn failed to produce a usable
	// candidate set. It is not sticky; the next caregiver input is accepted
	// as a normal turn.
	StateConfused SessionState = "CONFUSED"
	// StateReset is the terminal marker after an explicit reset.
	StateReset SessionState = "RESET"
)

// IsValidSessionState checks if the given session state is supported.
func IsValidSessionState(s SessionState) bool {
	switch s {
	case StateActive, StateAwaitingSelection, StateConfused, StateReset:
		return true
	default:
		return false
	}
}

// Modality describes how a caregiver turn arrived.
type Modality string

const (
	ModalityText  Modality = "text"
	ModalityAudio Modality = "audio"
)

// Validation constants for input validation
const (
	// MaxInputLength defines the maximum allowed length for caregiver input
	MaxInputLength = 4096
	// MaxCandidateCount defines the maximum number of staged response options
	MaxCandidateCount = 5
	// GenericContextLabel is the collapsed dialogue context the degradation
	// detector treats as a regression after the early rounds.
	GenericContextLabel = "一般問診對話"
)

// Error variables for better error handling and testability
var (
	ErrEmptyInput          = errors.New("caregiver input cannot be empty")
	ErrInputTooLong        = errors.New("caregiver input exceeds maximum length")
	ErrEmptyCharacterRef   = errors.New("character reference cannot be empty")
	ErrSessionNotFound     = errors.New("session not found")
	ErrInvalidSessionState = errors.New("operation not valid for current session state")
	// ErrOptionNotPending wraps ErrInvalidSessionState so callers can treat a
	// non-matching selection as an invalid-state condition, not a new turn.
	ErrOptionNotPending   = fmt.Errorf("selected text does not match any pending option: %w", ErrInvalidSessionState)
	ErrSessionReset       = errors.New("session has been reset")
	ErrPolicyRefusal      = errors.New("generation refused by content policy")
	ErrNoChoicesReturned  = errors.New("no choices returned")
	ErrRewriteUnavailable = errors.New("sensitive question rewrite unavailable")
)

// CharacterProfile holds the static and dynamic persona data for one
// simulated patient. FixedSettings never change after creation;
// FloatingSettings may be overwritten between turns but never deleted
// mid-session.
type CharacterProfile struct {
	ID               string            `json:"id" yaml:"id"`
	Name             string            `json:"name" yaml:"name"`
	Persona          string            `json:"persona" yaml:"persona"`
	Backstory        string            `json:"backstory" yaml:"backstory"`
	Goal             string            `json:"goal" yaml:"goal"`
	FixedSettings    map[string]string `json:"fixed_settings,omitempty" yaml:"fixed_settings"`
	FloatingSettings map[string]string `json:"floating_settings,omitempty" yaml:"floating_settings"`
}

// Validate checks that a caller-supplied profile is usable. A profile that
// fails validation falls back to the catalog default rather than erroring.
func (p *CharacterProfile) Validate() error {
	if p.Name == "" {
		return errors.New("character name is required")
	}
	if p.Persona == "" {
		return errors.New("character persona is required")
	}
	return nil
}

// Clone returns a deep copy so a session's profile cannot be mutated through
// the catalog entry it was created from.
func (p *CharacterProfile) Clone() *CharacterProfile {
	cp := *p
	if p.FixedSettings != nil {
		cp.FixedSettings = make(map[string]string, len(p.FixedSettings))
		for k, v := range p.FixedSettings {
			cp.FixedSettings[k] = v
		}
	}
	if p.FloatingSettings != nil {
		cp.FloatingSettings = make(map[string]string, len(p.FloatingSettings))
		for k, v := range p.FloatingSettings {
			cp.FloatingSettings[k] = v
		}
	}
	return &cp
}

// Turn is one caregiver input and its resolved output within a session.
// Append-only once committed.
type Turn struct {
	Round       int          `json:"round"`
	Input       string       `json:"input"`
	Modality    Modality     `json:"modality"`
	Candidates  []string     `json:"candidates"`
	Selected    string       `json:"selected,omitempty"` // empty until the operator picks
	ResultState SessionState `json:"result_state"`
	Context     string       `json:"dialogue_context,omitempty"`
	Reassurance string       `json:"reassurance,omitempty"`
	Indicators  []string     `json:"degradation_indicators,omitempty"`
	Timestamp   time.Time    `json:"timestamp"`
}

// SessionRecord is the persisted snapshot of a session's metadata.
type SessionRecord struct {
	ID          string       `json:"id"`
	CharacterID string       `json:"character_id"`
	State       SessionState `json:"state"`
	CreatedAt   time.Time    `json:"created_at"`
	LastActive  time.Time    `json:"last_active"`
}

// Indicator tags one degradation failure mode. Each has a distinct
// remediation, so the detector reports which fired rather than one score.
type Indicator string

const (
	IndicatorSelfIntroduction   Indicator = "self_introduction"
	IndicatorConfusedState      Indicator = "confused_state"
	IndicatorGenericResponses   Indicator = "generic_responses"
	IndicatorFallbackOveruse    Indicator = "fallback_overuse"
	IndicatorContextDegradation Indicator = "context_degradation"
	IndicatorSingleResponse     Indicator = "single_response"
)

// DegradationVerdict is the detector's output for one round. Ephemeral;
// computed per turn and kept only on the Turn record for observability.
type DegradationVerdict struct {
	IsDegraded bool                   `json:"is_degraded"`
	Indicators []Indicator            `json:"indicators,omitempty"`
	Evidence   map[Indicator][]string `json:"evidence,omitempty"`
}

// IndicatorStrings returns the fired indicator tags as plain strings for
// logging and Turn annotation.
func (v *DegradationVerdict) IndicatorStrings() []string {
	if len(v.Indicators) == 0 {
		return nil
	}
	out := make([]string, len(v.Indicators))
	for i, ind := range v.Indicators {
		out[i] = string(ind)
	}
	return out
}

// Has reports whether the given indicator fired.
func (v *DegradationVerdict) Has(ind Indicator) bool {
	for _, i := range v.Indicators {
		if i == ind {
			return true
		}
	}
	return false
}

// RewriteResult is the sensitive-question guard's output. Ephemeral,
// produced once per guarded call.
type RewriteResult struct {
	Sensitive         bool   `json:"sensitive"`
	RewrittenQuestion string `json:"rewritten_question,omitempty"`
	Reason            string `json:"reason,omitempty"`
	Reassurance       string `json:"reassurance,omitempty"`
	Analysis          string `json:"analysis,omitempty"`
}

// NeedsRewrite reports whether the guard produced an applicable rewrite.
// An empty rewritten question must never be applied as a substitution.
func (r *RewriteResult) NeedsRewrite() bool {
	return r.Sensitive && r.RewrittenQuestion != ""
}
