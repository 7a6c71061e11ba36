package dialogue

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/SBPLab-LDV/llm-quest-copilot-sub001/internal/character"
	"github.com/SBPLab-LDV/llm-quest-copilot-sub001/internal/models"
)

func TestGuardRejectsEmptyQuestionBeforeCollaboratorCall(t *testing.T) {
	rw := &mockRewriter{result: &models.RewriteResult{Sensitive: true, RewrittenQuestion: "改寫"}}
	g := NewGuard(rw)

	_, err := g.Rewrite(context.Background(), "   ", "", character.NewCatalog().Default())
	if !errors.Is(err, models.ErrEmptyInput) {
		t.Errorf("expected ErrEmptyInput, got %v", err)
	}
	if rw.calls != 0 {
		t.Errorf("collaborator must not be called for empty input, got %d calls", rw.calls)
	}
}

func TestGuardWithoutRewriter(t *testing.T) {
	g := NewGuard(nil)
	_, err := g.Rewrite(context.Background(), "這個問題", "", nil)
	if !errors.Is(err, models.ErrRewriteUnavailable) {
		t.Errorf("expected ErrRewriteUnavailable, got %v", err)
	}
}

func TestGuardWrapsCollaboratorFailure(t *testing.T) {
	rw := &mockRewriter{err: fmt.Errorf("upstream timeout")}
	g := NewGuard(rw)
	_, err := g.Rewrite(context.Background(), "這個問題", "", nil)
	if !errors.Is(err, models.ErrRewriteUnavailable) {
		t.Errorf("expected ErrRewriteUnavailable wrapping, got %v", err)
	}
}

func TestGuardPassesProfileDetails(t *testing.T) {
	var gotName, gotPersona string
	rw := &recordingRewriter{
		result: &models.RewriteResult{Sensitive: true, RewrittenQuestion: "改寫後"},
		record: func(name, persona string) { gotName, gotPersona = name, persona },
	}
	g := NewGuard(rw)

	profile := character.NewCatalog().Default()
	result, err := g.Rewrite(context.Background(), "敏感問題", "摘要", profile)
	if err != nil {
		t.Fatalf("Rewrite failed: %v", err)
	}
	if !result.NeedsRewrite() {
		t.Error("expected an applicable rewrite")
	}
	if gotName != profile.Name || gotPersona != profile.Persona {
		t.Errorf("profile details not forwarded: name=%q persona=%q", gotName, gotPersona)
	}
}

type recordingRewriter struct {
	result *models.RewriteResult
	record func(name, persona string)
}

func (r *recordingRewriter) RewriteSensitiveQuestion(ctx context.Context, originalQuestion, conversationSummary, characterName, characterPersona string) (*models.RewriteResult, error) {
	if r.record != nil {
		r.record(characterName, characterPersona)
	}
	return r.result, nil
}
