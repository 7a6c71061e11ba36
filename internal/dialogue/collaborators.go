// Package dialogue implements the per-session conversation state machine,
// the degradation detector and recovery policy, the sensitive-question
// guard, and the turn processor that composes them.
package dialogue

import (
	"context"
	"io"

	"github.com/SBPLab-LDV/llm-quest-copilot-sub001/internal/models"
)

// Generator is the external LLM collaborator proposing candidate patient
// utterances. A policy refusal tied to the caregiver's phrasing is reported
// as models.ErrPolicyRefusal; any other error is a transport failure.
type Generator interface {
	GenerateCandidates(ctx context.Context, req models.GenerationRequest) (*models.GenerationResult, error)
}

// Transcriber is the external speech-to-text collaborator.
type Transcriber interface {
	Transcribe(ctx context.Context, audio io.Reader) (string, error)
}

// Rewriter is the external collaborator behind the sensitive-question guard.
type Rewriter interface {
	RewriteSensitiveQuestion(ctx context.Context, originalQuestion, conversationSummary, characterName, characterPersona string) (*models.RewriteResult, error)
}
