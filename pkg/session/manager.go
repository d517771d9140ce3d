package session

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adhocore/gronx"
	"github.com/google/uuid"

	"github.com/ctxbudget/ctxbudget/pkg/logger"
	"github.com/ctxbudget/ctxbudget/pkg/tokens"
)

// Config configures the session manager.
type Config struct {
	SessionTimeout  time.Duration
	CleanupInterval time.Duration
	// CleanupSchedule optionally replaces the fixed interval with a cron
	// expression. Validated at construction.
	CleanupSchedule     string
	MaxFilesPerSession  int
	MaxTokensPerSession int
	// MaxSessionsPerUser is advisory: exposed for callers to enforce, the
	// manager itself never rejects a create on it.
	MaxSessionsPerUser int

	Estimator tokens.Estimator
	Store     Store
}

type managed struct {
	mu       sync.Mutex
	data     ChatSession
	files    *SessionContext
	messages []SessionMessage
}

// Manager is the registry of all chat sessions. Reads share the registry
// lock; create/delete and the cleanup sweep take it exclusively. Each
// session's own state is linearized by a per-session mutex.
type Manager struct {
	cfg Config

	mu       sync.RWMutex
	sessions map[string]*managed

	swept int64

	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	wg        sync.WaitGroup
	closeErr  error
}

// NewManager validates cfg, applies defaults, and returns a stopped manager.
// Call Start to launch the cleanup sweep.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = 30 * time.Minute
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Minute
	}
	if cfg.MaxFilesPerSession <= 0 {
		cfg.MaxFilesPerSession = 10
	}
	if cfg.MaxTokensPerSession <= 0 {
		cfg.MaxTokensPerSession = 50000
	}
	if cfg.Estimator == nil {
		cfg.Estimator = tokens.Default
	}
	if expr := strings.TrimSpace(cfg.CleanupSchedule); expr != "" {
		if !gronx.New().IsValid(expr) {
			return nil, fmt.Errorf("invalid cleanup schedule %q", expr)
		}
		cfg.CleanupSchedule = expr
	}

	return &Manager{
		cfg:      cfg,
		sessions: make(map[string]*managed),
		stopCh:   make(chan struct{}),
	}, nil
}

// Start launches the background cleanup sweep. Safe to call once.
func (m *Manager) Start() {
	m.startOnce.Do(func() {
		m.wg.Add(1)
		go m.runSweeper()
	})
}

// Stop terminates the sweep and closes the attached store, if any.
// Idempotent.
func (m *Manager) Stop() error {
	m.stopOnce.Do(func() {
		close(m.stopCh)
		m.wg.Wait()
		if m.cfg.Store != nil {
			m.closeErr = m.cfg.Store.Close()
		}
	})
	return m.closeErr
}

// CreateSession registers a new ACTIVE session with a fresh empty context.
func (m *Manager) CreateSession(userID, title, repositoryID, branch string) ChatSession {
	now := time.Now().UnixMilli()
	id := uuid.NewString()
	s := &managed{
		data: ChatSession{
			SessionID:      id,
			UserID:         userID,
			Title:          title,
			RepositoryID:   repositoryID,
			Branch:         branch,
			Status:         StatusActive,
			CreatedAtMS:    now,
			UpdatedAtMS:    now,
			LastActivityMS: now,
		},
		files: NewSessionContext(id, m.cfg.MaxFilesPerSession, m.cfg.MaxTokensPerSession, m.cfg.Estimator),
	}

	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()

	m.mirrorSave(s.data)
	logger.DebugCF("session", "Session created", map[string]interface{}{
		"session_id": id, "user_id": userID,
	})
	return s.data
}

// GetSession returns the session snapshot and refreshes its activity. An
// idle session beyond the timeout is flipped to EXPIRED in place and
// reported absent, so lazy and proactive expiry agree.
func (m *Manager) GetSession(sessionID string) (ChatSession, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return ChatSession{}, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if m.expireIfIdleLocked(s) {
		return ChatSession{}, false
	}
	m.touchLocked(s)
	return s.data, true
}

// ListUserSessions returns the user's currently-active sessions ordered by
// last activity, most recent first.
func (m *Manager) ListUserSessions(userID string) []ChatSession {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := []ChatSession{}
	now := time.Now().UnixMilli()
	for _, s := range m.sessions {
		s.mu.Lock()
		if s.data.UserID == userID && m.isActiveLocked(s, now) {
			out = append(out, s.data)
		}
		s.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastActivityMS > out[j].LastActivityMS
	})
	return out
}

// UpdateSession applies whitelist-only field changes and refreshes activity.
func (m *Manager) UpdateSession(sessionID string, upd SessionUpdate) (ChatSession, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return ChatSession{}, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if m.expireIfIdleLocked(s) {
		return ChatSession{}, false
	}

	if upd.Title != nil {
		s.data.Title = *upd.Title
	}
	if upd.RepositoryID != nil {
		s.data.RepositoryID = *upd.RepositoryID
	}
	if upd.Branch != nil {
		s.data.Branch = *upd.Branch
	}
	// Terminal statuses admit no further transitions.
	if upd.Status != nil && !s.data.Status.Terminal() {
		s.data.Status = *upd.Status
	}
	m.touchLocked(s)

	m.mirrorSave(s.data)
	return s.data, true
}

// DeleteSession removes the session, its context, and its message log.
// Concurrent readers never observe a partially-deleted session.
func (m *Manager) DeleteSession(sessionID string) bool {
	m.mu.Lock()
	_, ok := m.sessions[sessionID]
	if ok {
		delete(m.sessions, sessionID)
	}
	m.mu.Unlock()
	if !ok {
		return false
	}

	m.mirrorDelete(sessionID)
	logger.DebugCF("session", "Session deleted", map[string]interface{}{"session_id": sessionID})
	return true
}

// AddFile admits a file into the session context. The bool result reports
// admission; ErrSessionNotFound keeps capacity rejection distinguishable
// from a missing session.
func (m *Manager) AddFile(sessionID string, in FileInput) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return false, ErrSessionNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if m.expireIfIdleLocked(s) {
		return false, ErrSessionNotFound
	}

	admitted := s.files.Add(in)
	if admitted {
		m.touchLocked(s)
	}
	return admitted, nil
}

// RemoveFile removes a file from the session context. The bool result
// reports whether the entry existed.
func (m *Manager) RemoveFile(sessionID, path, branch string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return false, ErrSessionNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if m.expireIfIdleLocked(s) {
		return false, ErrSessionNotFound
	}

	removed := s.files.Remove(path, branch)
	if removed {
		m.touchLocked(s)
	}
	return removed, nil
}

// ClearFiles empties the session context.
func (m *Manager) ClearFiles(sessionID string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if m.expireIfIdleLocked(s) {
		return ErrSessionNotFound
	}

	s.files.Clear()
	m.touchLocked(s)
	return nil
}

// ContextSummary returns the read-only projection of a session's context.
func (m *Manager) ContextSummary(sessionID string) (ContextSummary, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return ContextSummary{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.expireIfIdleLocked(s) {
		return ContextSummary{}, false
	}
	return s.files.Summary(), true
}

// Context exposes the session's live context for query-time use.
func (m *Manager) Context(sessionID string) (*SessionContext, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.expireIfIdleLocked(s) {
		return nil, false
	}
	return s.files, true
}

// AppendMessage stores one append-only message on an active session and
// bumps its message counter.
func (m *Manager) AppendMessage(sessionID, role, content string, filesReferenced, codeSnippets []string, metadata map[string]string) (SessionMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return SessionMessage{}, ErrSessionNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if m.expireIfIdleLocked(s) {
		return SessionMessage{}, ErrSessionNotFound
	}
	if s.data.Status != StatusActive {
		return SessionMessage{}, ErrSessionInactive
	}

	msg := SessionMessage{
		MessageID:       uuid.NewString(),
		SessionID:       sessionID,
		Role:            role,
		Content:         content,
		FilesReferenced: filesReferenced,
		CodeSnippets:    codeSnippets,
		Metadata:        metadata,
		CreatedAtMS:     time.Now().UnixMilli(),
	}
	s.messages = append(s.messages, msg)
	s.data.MessageCount++
	m.touchLocked(s)

	if m.cfg.Store != nil {
		if err := m.cfg.Store.AppendMessage(context.Background(), msg); err != nil {
			logger.WarnCF("session", "Store mirror failed on message append", map[string]interface{}{
				"session_id": sessionID, "error": err.Error(),
			})
		}
	}
	m.mirrorSave(s.data)
	return msg, nil
}

// Messages returns up to limit most recent messages for the session, oldest
// first. A non-positive limit returns everything.
func (m *Manager) Messages(sessionID string, limit int) ([]SessionMessage, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	msgs := s.messages
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]SessionMessage, len(msgs))
	copy(out, msgs)
	return out, true
}

// Stats reports aggregate counters without mutating any session state.
func (m *Manager) Stats() ManagerStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := ManagerStats{
		TotalSessions: len(m.sessions),
		ExpiredSwept:  atomic.LoadInt64(&m.swept),
	}
	now := time.Now().UnixMilli()
	for _, s := range m.sessions {
		s.mu.Lock()
		if m.isActiveLocked(s, now) {
			stats.ActiveSessions++
		}
		stats.TotalMessages += s.data.MessageCount
		s.mu.Unlock()
	}
	return stats
}

func (m *Manager) runSweeper() {
	defer m.wg.Done()

	interval := m.cfg.CleanupInterval
	gron := gronx.New()
	if m.cfg.CleanupSchedule != "" {
		// Cron granularity is one minute; poll below it so due marks are
		// not skipped.
		interval = 30 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			if m.cfg.CleanupSchedule != "" {
				due, err := gron.IsDue(m.cfg.CleanupSchedule, time.Now())
				if err != nil || !due {
					continue
				}
			}
			m.Sweep()
		}
	}
}

// Sweep deletes every session that fails the is-active check: status other
// than ACTIVE, or idle beyond the timeout. This is the only path that
// proactively frees memory for sessions nobody polls.
func (m *Manager) Sweep() int {
	now := time.Now().UnixMilli()

	m.mu.Lock()
	stale := []string{}
	for id, s := range m.sessions {
		s.mu.Lock()
		if !m.isActiveLocked(s, now) {
			stale = append(stale, id)
		}
		s.mu.Unlock()
	}
	for _, id := range stale {
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	for _, id := range stale {
		m.mirrorDelete(id)
	}
	if len(stale) > 0 {
		atomic.AddInt64(&m.swept, int64(len(stale)))
		logger.InfoCF("session", "Cleanup sweep removed sessions", map[string]interface{}{
			"count": len(stale),
		})
	}
	return len(stale)
}

// isActiveLocked is the single is-active predicate shared by lazy expiry,
// listing, stats, and the sweep. Caller holds s.mu.
func (m *Manager) isActiveLocked(s *managed, nowMS int64) bool {
	if s.data.Status != StatusActive {
		return false
	}
	return nowMS-s.data.LastActivityMS <= m.cfg.SessionTimeout.Milliseconds()
}

// expireIfIdleLocked reports whether the session should be treated as
// absent, flipping an idle ACTIVE session to EXPIRED so subsequent lookups
// agree. Idle expiry applies to ACTIVE sessions only; PAUSED sessions wait
// for the sweep. Caller holds s.mu.
func (m *Manager) expireIfIdleLocked(s *managed) bool {
	if s.data.Status != StatusActive {
		return s.data.Status == StatusExpired
	}
	now := time.Now().UnixMilli()
	if now-s.data.LastActivityMS > m.cfg.SessionTimeout.Milliseconds() {
		s.data.Status = StatusExpired
		s.data.UpdatedAtMS = now
		return true
	}
	return false
}

func (m *Manager) touchLocked(s *managed) {
	now := time.Now().UnixMilli()
	s.data.LastActivityMS = now
	s.data.UpdatedAtMS = now
}

// mirrorSave writes the session snapshot to the attached store. Failures are
// logged so a broken mirror is visible on every write path.
func (m *Manager) mirrorSave(sess ChatSession) {
	if m.cfg.Store == nil {
		return
	}
	if err := m.cfg.Store.SaveSession(context.Background(), sess); err != nil {
		logger.WarnCF("session", "Store mirror failed on session save", map[string]interface{}{
			"session_id": sess.SessionID, "error": err.Error(),
		})
	}
}

func (m *Manager) mirrorDelete(sessionID string) {
	if m.cfg.Store == nil {
		return
	}
	if err := m.cfg.Store.DeleteSession(context.Background(), sessionID); err != nil {
		logger.WarnCF("session", "Store mirror failed on session delete", map[string]interface{}{
			"session_id": sessionID, "error": err.Error(),
		})
	}
}
