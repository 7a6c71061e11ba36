package dialogue

import (
	"errors"
	"testing"
	"time"

	"github.com/SBPLab-LDV/llm-quest-copilot-sub001/internal/character"
	"github.com/SBPLab-LDV/llm-quest-copilot-sub001/internal/models"
)

func newTestSession(t *testing.T) (*SessionStore, *Session) {
	t.Helper()
	st := NewSessionStore()
	sess := st.Create(character.NewCatalog().Default())
	return st, sess
}

func TestSessionStoreCreateAndGet(t *testing.T) {
	st, sess := newTestSession(t)
	if sess.ID() == "" {
		t.Fatal("expected non-empty session ID")
	}
	got, err := st.Get(sess.ID())
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got != sess {
		t.Error("Get returned a different session instance")
	}
	if st.Len() != 1 {
		t.Errorf("expected 1 live session, got %d", st.Len())
	}
}

func TestSessionStoreGetUnknown(t *testing.T) {
	st := NewSessionStore()
	if _, err := st.Get("no-such-session"); !errors.Is(err, models.ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestSessionStoreEvictIsIdempotent(t *testing.T) {
	st, sess := newTestSession(t)
	st.Evict(sess.ID())
	st.Evict(sess.ID())
	if _, err := st.Get(sess.ID()); !errors.Is(err, models.ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound after evict, got %v", err)
	}
}

func TestSelectOptionHappyPath(t *testing.T) {
	_, sess := newTestSession(t)
	sess.lock()
	defer sess.unlock()

	sess.appendCaregiverLine("今天感覺怎麼樣？")
	sess.stageOptions([]string{"還可以。", "傷口有點痛。"}, "醫師查房")
	sess.commitTurn(models.Turn{
		Input:       "今天感覺怎麼樣？",
		Modality:    models.ModalityText,
		Candidates:  []string{"還可以。", "傷口有點痛。"},
		ResultState: models.StateAwaitingSelection,
	})

	if err := sess.selectOption("傷口有點痛。"); err != nil {
		t.Fatalf("selectOption failed: %v", err)
	}
	if sess.state != models.StateActive {
		t.Errorf("expected ACTIVE after selection, got %s", sess.state)
	}
	if len(sess.pending) != 0 {
		t.Errorf("expected pending cleared, got %v", sess.pending)
	}
	if sess.turns[0].Selected != "傷口有點痛。" {
		t.Errorf("selection not recorded on turn: %+v", sess.turns[0])
	}
	last := sess.historyLines[len(sess.historyLines)-1]
	if last != sess.profile.Name+": 傷口有點痛。" {
		t.Errorf("patient line not appended, got %q", last)
	}
}

func TestSelectOptionWithoutPending(t *testing.T) {
	_, sess := newTestSession(t)
	sess.lock()
	defer sess.unlock()
	if err := sess.selectOption("任何文字"); !errors.Is(err, models.ErrInvalidSessionState) {
		t.Errorf("expected ErrInvalidSessionState, got %v", err)
	}
}

func TestSelectOptionNotInPendingSet(t *testing.T) {
	_, sess := newTestSession(t)
	sess.lock()
	defer sess.unlock()
	sess.stageOptions([]string{"還可以。"}, "醫師查房")

	err := sess.selectOption("完全不同的文字")
	if !errors.Is(err, models.ErrInvalidSessionState) {
		t.Errorf("mismatched selection should map to invalid state, got %v", err)
	}
	// Failed selection leaves the staged options intact.
	if sess.state != models.StateAwaitingSelection || len(sess.pending) != 1 {
		t.Errorf("staged options should survive a failed selection: state=%s pending=%v", sess.state, sess.pending)
	}
}

func TestDiscardStaleOptionsMarksSkip(t *testing.T) {
	_, sess := newTestSession(t)
	sess.lock()
	defer sess.unlock()
	sess.stageOptions([]string{"還可以。"}, "醫師查房")

	sess.discardStaleOptions()
	if sess.state != models.StateActive || sess.pending != nil {
		t.Errorf("expected ACTIVE with no pending, got state=%s pending=%v", sess.state, sess.pending)
	}
	last := sess.historyLines[len(sess.historyLines)-1]
	if last != "(跳過此輪回應)" {
		t.Errorf("expected skip marker in history, got %q", last)
	}

	// No-op when nothing is pending.
	before := len(sess.historyLines)
	sess.discardStaleOptions()
	if len(sess.historyLines) != before {
		t.Error("discard with no pending options should not touch history")
	}
}

func TestAppendCaregiverLineSkipsDuplicate(t *testing.T) {
	_, sess := newTestSession(t)
	sess.lock()
	defer sess.unlock()

	sess.appendCaregiverLine("你好")
	sess.appendCaregiverLine("你好")
	if len(sess.historyLines) != 1 {
		t.Fatalf("duplicate input should not duplicate history, got %v", sess.historyLines)
	}

	sess.historyLines = append(sess.historyLines, sess.profile.Name+": 您好")
	sess.appendCaregiverLine("你好")
	if len(sess.historyLines) != 2 {
		t.Errorf("repeat after an intervening patient line is still the most recent caregiver line, got %v", sess.historyLines)
	}

	sess.appendCaregiverLine("傷口還痛嗎？")
	sess.appendCaregiverLine("你好")
	if len(sess.historyLines) != 4 {
		t.Errorf("different most-recent caregiver line should append, got %v", sess.historyLines)
	}
}

func TestHistoryWindowReturnsTail(t *testing.T) {
	_, sess := newTestSession(t)
	sess.lock()
	defer sess.unlock()

	inputs := []string{"第一句", "第二句", "第三句", "第四句", "第五句", "第六句", "第七句"}
	for _, in := range inputs {
		sess.appendCaregiverLine(in)
	}

	window := sess.historyWindow(5)
	if len(window) != 5 {
		t.Fatalf("expected 5 lines, got %d", len(window))
	}
	if window[0] != "護理人員: 第三句" || window[4] != "護理人員: 第七句" {
		t.Errorf("unexpected window: %v", window)
	}
	if got := sess.historyWindow(0); got != nil {
		t.Errorf("zero window should be nil, got %v", got)
	}
	if got := sess.historyWindow(100); len(got) != len(inputs) {
		t.Errorf("oversized window should return everything, got %d lines", len(got))
	}
}

func TestCommitTurnNumbersRounds(t *testing.T) {
	_, sess := newTestSession(t)
	sess.lock()
	defer sess.unlock()

	sess.commitTurn(models.Turn{ResultState: models.StateAwaitingSelection})
	sess.commitTurn(models.Turn{ResultState: models.StateConfused})

	if sess.turns[0].Round != 1 || sess.turns[1].Round != 2 {
		t.Errorf("rounds not sequential: %d, %d", sess.turns[0].Round, sess.turns[1].Round)
	}
	if sess.state != models.StateConfused {
		t.Errorf("state should follow the last committed turn, got %s", sess.state)
	}
	if sess.round() != 3 {
		t.Errorf("next round should be 3, got %d", sess.round())
	}
}

func TestSweepEvictsIdleSessions(t *testing.T) {
	st, idle := newTestSession(t)
	fresh := st.Create(character.NewCatalog().Default())

	idle.lock()
	idle.lastActive = time.Now().Add(-2 * time.Hour)
	idle.unlock()

	evicted := st.sweepOnce(time.Hour)
	if evicted != 1 {
		t.Fatalf("expected 1 eviction, got %d", evicted)
	}
	if _, err := st.Get(idle.ID()); !errors.Is(err, models.ErrSessionNotFound) {
		t.Error("idle session should be gone")
	}
	if _, err := st.Get(fresh.ID()); err != nil {
		t.Errorf("fresh session should survive sweep: %v", err)
	}
}

func TestSweepSkipsLockedSession(t *testing.T) {
	st, sess := newTestSession(t)
	sess.lock()
	sess.lastActive = time.Now().Add(-2 * time.Hour)

	if evicted := st.sweepOnce(time.Hour); evicted != 0 {
		t.Errorf("locked session must not be evicted mid-turn, evicted %d", evicted)
	}
	sess.unlock()

	if evicted := st.sweepOnce(time.Hour); evicted != 1 {
		t.Errorf("unlocked idle session should be evicted, evicted %d", evicted)
	}
}
