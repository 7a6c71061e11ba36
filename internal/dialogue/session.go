package dialogue

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/SBPLab-LDV/llm-quest-copilot-sub001/internal/models"
)

// Session owns one conversation's turn history, current state, and pending
// response options. It is owned exclusively by the SessionStore and mutated
// only by the Processor while the session lock is held.
type Session struct {
	// mu serializes turn processing for this session. It is held for the
	// full duration of a turn, and by the idle sweeper before eviction.
	mu sync.Mutex

	id           string
	profile      *models.CharacterProfile
	state        models.SessionState
	turns        []models.Turn
	pending      []string
	historyLines []string
	context      string
	createdAt    time.Time
	lastActive   time.Time
}

func newSession(profile *models.CharacterProfile) *Session {
	now := time.Now()
	return &Session{
		id:         uuid.NewString(),
		profile:    profile,
		state:      models.StateActive,
		createdAt:  now,
		lastActive: now,
	}
}

// ID returns the opaque session identifier.
func (s *Session) ID() string { return s.id }

// Profile returns the session's character profile. The profile is immutable
// for the session's lifetime; switching character forces a session reset.
func (s *Session) Profile() *models.CharacterProfile { return s.profile }

// lock/unlock wrap the per-session mutex so intent reads at call sites.
func (s *Session) lock()   { s.mu.Lock() }
func (s *Session) unlock() { s.mu.Unlock() }

// round is the 1-based index of the turn currently being processed.
func (s *Session) round() int { return len(s.turns) + 1 }

// stageOptions stores the candidate list as the session's pending options
// and moves the state machine to AWAITING_SELECTION. At most one set of
// pending options exists at a time.
func (s *Session) stageOptions(options []string, context string) {
	s.pending = append([]string(nil), options...)
	s.context = context
	s.state = models.StateAwaitingSelection
}

// discardStaleOptions clears pending options when a new caregiver input
// arrives before a selection was made. The new input is treated as a fresh
// turn rather than rejected.
func (s *Session) discardStaleOptions() {
	if len(s.pending) == 0 {
		return
	}
	slog.Debug("Session.discardStaleOptions: discarding unselected options", "sessionID", s.id, "count", len(s.pending))
	s.pending = nil
	s.historyLines = append(s.historyLines, "(跳過此輪回應)")
	s.state = models.StateActive
}

// selectOption resolves a pending option by its literal text, appends the
// patient line to history, and returns the session to ACTIVE. Selecting with
// nothing pending, or selecting text outside the staged list, is an
// invalid-state error, never silently ignored.
func (s *Session) selectOption(selected string) error {
	if s.state != models.StateAwaitingSelection || len(s.pending) == 0 {
		return fmt.Errorf("no options pending in state %s: %w", s.state, models.ErrInvalidSessionState)
	}
	found := false
	for _, opt := range s.pending {
		if opt == selected {
			found = true
			break
		}
	}
	if !found {
		return models.ErrOptionNotPending
	}

	if len(s.turns) > 0 {
		s.turns[len(s.turns)-1].Selected = selected
	}
	s.historyLines = append(s.historyLines, fmt.Sprintf("%s: %s", s.profile.Name, selected))
	s.pending = nil
	s.state = models.StateActive
	s.lastActive = time.Now()
	return nil
}

// appendCaregiverLine records the caregiver's side of the turn in the
// history used for prompt assembly. An input identical to the immediately
// preceding caregiver line is not duplicated.
func (s *Session) appendCaregiverLine(input string) {
	line := "護理人員: " + input
	for i := len(s.historyLines) - 1; i >= 0; i-- {
		if !strings.HasPrefix(s.historyLines[i], "護理人員: ") {
			continue
		}
		if s.historyLines[i] == line {
			slog.Debug("Session.appendCaregiverLine: duplicate input, skipping history line", "sessionID", s.id)
			return
		}
		break
	}
	s.historyLines = append(s.historyLines, line)
}

// historyWindow returns the most recent n history lines, oldest first.
func (s *Session) historyWindow(n int) []string {
	if n <= 0 || len(s.historyLines) == 0 {
		return nil
	}
	if len(s.historyLines) <= n {
		return append([]string(nil), s.historyLines...)
	}
	return append([]string(nil), s.historyLines[len(s.historyLines)-n:]...)
}

// commitTurn appends one fully-built Turn record. Turns are append-only once
// committed; every processed caregiver input commits exactly one.
func (s *Session) commitTurn(turn models.Turn) {
	turn.Round = len(s.turns) + 1
	turn.Timestamp = time.Now()
	s.turns = append(s.turns, turn)
	s.state = turn.ResultState
	s.lastActive = turn.Timestamp
}

// snapshotTurns copies the committed turn log for read-only callers.
func (s *Session) snapshotTurns() []models.Turn {
	out := make([]models.Turn, len(s.turns))
	copy(out, s.turns)
	return out
}

// record snapshots the session metadata for persistence and introspection.
func (s *Session) record() models.SessionRecord {
	return models.SessionRecord{
		ID:          s.id,
		CharacterID: s.profile.ID,
		State:       s.state,
		CreatedAt:   s.createdAt,
		LastActive:  s.lastActive,
	}
}

// SessionStore is the process-wide registry mapping session identifiers to
// live sessions. It is an explicit owned object with lifecycle control, safe
// under concurrent access from multiple request handlers.
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewSessionStore creates an empty session registry.
func NewSessionStore() *SessionStore {
	return &SessionStore{sessions: make(map[string]*Session)}
}

// Create registers a new empty session bound to the given profile.
func (st *SessionStore) Create(profile *models.CharacterProfile) *Session {
	sess := newSession(profile)
	st.mu.Lock()
	st.sessions[sess.id] = sess
	st.mu.Unlock()
	slog.Info("SessionStore.Create: session created", "sessionID", sess.id, "characterID", profile.ID)
	return sess
}

// Get returns the session for the given id, or models.ErrSessionNotFound.
func (st *SessionStore) Get(id string) (*Session, error) {
	st.mu.RLock()
	sess, ok := st.sessions[id]
	st.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, models.ErrSessionNotFound)
	}
	return sess, nil
}

// Touch updates the session's last-active timestamp.
func (st *SessionStore) Touch(id string) {
	st.mu.RLock()
	sess, ok := st.sessions[id]
	st.mu.RUnlock()
	if ok {
		sess.lock()
		sess.lastActive = time.Now()
		sess.unlock()
	}
}

// Evict removes the session from the registry. Further lookups fail with
// NotFound. Evicting an unknown id is a no-op.
func (st *SessionStore) Evict(id string) {
	st.mu.Lock()
	_, ok := st.sessions[id]
	delete(st.sessions, id)
	st.mu.Unlock()
	if ok {
		slog.Info("SessionStore.Evict: session evicted", "sessionID", id)
	}
}

// Len returns the number of live sessions.
func (st *SessionStore) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.sessions)
}

// sweepOnce evicts sessions idle beyond the timeout. Eviction acquires the
// per-session lock first so it never races with an in-flight turn; sessions
// whose lock is currently held are skipped until the next sweep.
func (st *SessionStore) sweepOnce(idleTimeout time.Duration) int {
	st.mu.RLock()
	candidates := make([]*Session, 0, len(st.sessions))
	for _, sess := range st.sessions {
		candidates = append(candidates, sess)
	}
	st.mu.RUnlock()

	evicted := 0
	cutoff := time.Now().Add(-idleTimeout)
	for _, sess := range candidates {
		if !sess.mu.TryLock() {
			continue
		}
		idle := sess.lastActive.Before(cutoff)
		sess.mu.Unlock()
		if idle {
			st.Evict(sess.id)
			evicted++
		}
	}
	if evicted > 0 {
		slog.Info("SessionStore.sweepOnce: idle sessions evicted", "count", evicted, "idleTimeout", idleTimeout)
	}
	return evicted
}

// StartSweeper runs the idle-session sweep on its own schedule until the
// context is cancelled. This bounds memory growth under a long-running
// process.
func (st *SessionStore) StartSweeper(ctx context.Context, idleTimeout, interval time.Duration) {
	if idleTimeout <= 0 || interval <= 0 {
		slog.Debug("SessionStore.StartSweeper: sweeper disabled", "idleTimeout", idleTimeout, "interval", interval)
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				st.sweepOnce(idleTimeout)
			}
		}
	}()
}
