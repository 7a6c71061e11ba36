package dialogue

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/SBPLab-LDV/llm-quest-copilot-sub001/internal/models"
)

// Guard is the sensitive-question rewrite flow, invoked when the primary
// generation call signals a policy refusal tied to the caregiver's phrasing.
// It is a single-shot call with no internal retry; callers own any backoff.
type Guard struct {
	rewriter Rewriter
}

// NewGuard creates a guard backed by the given rewrite collaborator. A nil
// rewriter yields a guard that always reports unavailability, which callers
// treat as a soft failure.
func NewGuard(rewriter Rewriter) *Guard {
	return &Guard{rewriter: rewriter}
}

// Rewrite produces a policy-compliant rephrasing of the original question
// plus reassurance text for the caregiver. An empty original question is
// rejected immediately, before any collaborator call. Any underlying
// collaborator failure is reported as models.ErrRewriteUnavailable so the
// caller continues with the original refused outcome instead of aborting
// the turn.
func (g *Guard) Rewrite(ctx context.Context, originalQuestion, conversationSummary string, profile *models.CharacterProfile) (*models.RewriteResult, error) {
	if strings.TrimSpace(originalQuestion) == "" {
		slog.Warn("Guard.Rewrite: empty original question, no rewrite available")
		return nil, fmt.Errorf("empty original question: %w", models.ErrEmptyInput)
	}
	if g.rewriter == nil {
		return nil, models.ErrRewriteUnavailable
	}

	name, persona := "", ""
	if profile != nil {
		name = profile.Name
		persona = profile.Persona
	}

	result, err := g.rewriter.RewriteSensitiveQuestion(ctx, originalQuestion, conversationSummary, name, persona)
	if err != nil {
		slog.Warn("Guard.Rewrite: rewrite collaborator failed", "error", err)
		return nil, fmt.Errorf("%w: %v", models.ErrRewriteUnavailable, err)
	}

	slog.Info("Guard.Rewrite: rewrite produced", "sensitive", result.Sensitive, "hasRewrite", result.RewrittenQuestion != "")
	return result, nil
}
