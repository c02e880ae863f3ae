// Package flow implements the DoseLog conversation core: per-user sessions,
// the structured capture state machine, the free-form chat flow, and the
// message router that arbitrates between them.
package flow

import (
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/DoseLog/internal/models"
)

// Session holds all mutable conversational state for one user: the capture
// state machine position, the partial field buffer, the bounded free-form
// context window, and a per-state extraction retry counter.
//
// A Session is owned by the Manager and must only be mutated while holding
// its mutex; the Router locks it for the duration of each inbound message so
// interactions for one user are strictly sequential.
type Session struct {
	mu sync.Mutex

	UserID       string
	State        models.StateType
	Buffer       map[string]int64
	History      *ConversationHistory
	Retries      int
	CreatedAt    time.Time
	LastActivity time.Time
}

// Lock acquires the session's mutex.
func (s *Session) Lock() { s.mu.Lock() }

// Unlock releases the session's mutex.
func (s *Session) Unlock() { s.mu.Unlock() }

// Touch updates the last-activity timestamp.
func (s *Session) Touch() { s.LastActivity = time.Now() }

// ClearBuffer discards all provisional capture fields and the retry counter.
func (s *Session) ClearBuffer() {
	s.Buffer = make(map[string]int64)
	s.Retries = 0
}

// Manager owns the user-id → Session map. It is the single point of session
// creation; sessions live for the process lifetime.
type Manager struct {
	mu           sync.RWMutex
	sessions     map[string]*Session
	historyLimit int
}

// NewManager creates a session manager whose sessions carry context windows
// capped at historyLimit turns.
func NewManager(historyLimit int) *Manager {
	if historyLimit <= 0 {
		historyLimit = models.DefaultHistoryLimit
	}
	slog.Debug("flow.NewManager: creating session manager", "historyLimit", historyLimit)
	return &Manager{
		sessions:     make(map[string]*Session),
		historyLimit: historyLimit,
	}
}

// GetOrCreate returns the session for userID, creating an Idle one on first
// call. Idempotent: repeated calls return the same instance.
func (m *Manager) GetOrCreate(userID string) *Session {
	m.mu.RLock()
	sess, ok := m.sessions[userID]
	m.mu.RUnlock()
	if ok {
		return sess
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	// Re-check under the write lock.
	if sess, ok := m.sessions[userID]; ok {
		return sess
	}
	now := time.Now()
	sess = &Session{
		UserID:       userID,
		State:        models.StateIdle,
		Buffer:       make(map[string]int64),
		History:      NewConversationHistory(m.historyLimit),
		CreatedAt:    now,
		LastActivity: now,
	}
	m.sessions[userID] = sess
	slog.Info("flow.Manager: session created", "userID", userID)
	return sess
}

// Reset clears the session's partial buffer and context window and returns it
// to Idle. Callers must not hold the session lock.
func (m *Manager) Reset(userID string) {
	sess := m.GetOrCreate(userID)
	sess.Lock()
	defer sess.Unlock()
	sess.State = models.StateIdle
	sess.ClearBuffer()
	sess.History.Clear()
	sess.Touch()
	slog.Info("flow.Manager: session reset", "userID", userID)
}

// Known returns the user IDs with existing sessions, in no particular order.
func (m *Manager) Known() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	return ids
}
