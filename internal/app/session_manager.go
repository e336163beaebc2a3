package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/mobvibe/mobvibe-worker/internal/domain"
)

const (
	defaultSessionIdleTimeout   = 30 * time.Minute
	defaultSessionSweepInterval = time.Minute
)

// sessionMeta is the cached view of a session. Owned by SessionManager.
type sessionMeta struct {
	state          domain.SessionStatus
	startedAt      time.Time
	lastActivityAt time.Time
	stats          domain.SessionStats
}

// SessionManager runs the session state machine: it validates every transition,
// persists it, records a STATE_CHANGED event and keeps an in-memory cache that
// drives the idle sweep.
type SessionManager struct {
	store       SessionStore
	events      EventSink
	logger      *log.Logger
	idleTimeout time.Duration
	interval    time.Duration
	now         func() time.Time

	// txMu serializes transitions so validate-persist-cache is one step.
	txMu  sync.Mutex
	mu    sync.Mutex
	cache map[string]*sessionMeta

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
	started  bool
}

// SessionManagerOption configures the manager.
type SessionManagerOption func(*SessionManager)

// WithSessionIdleTimeout sets how long an active or paused session may go without activity.
func WithSessionIdleTimeout(d time.Duration) SessionManagerOption {
	return func(m *SessionManager) { m.idleTimeout = d }
}

// WithSessionSweepInterval sets how often the idle sweep runs.
func WithSessionSweepInterval(d time.Duration) SessionManagerOption {
	return func(m *SessionManager) { m.interval = d }
}

// NewSessionManager creates a SessionManager.
func NewSessionManager(store SessionStore, events EventSink, logger *log.Logger, opts ...SessionManagerOption) *SessionManager {
	m := &SessionManager{
		store:       store,
		events:      events,
		logger:      logger,
		idleTimeout: defaultSessionIdleTimeout,
		interval:    defaultSessionSweepInterval,
		now:         time.Now,
		cache:       make(map[string]*sessionMeta),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Start runs the idle sweep until Stop or Shutdown.
func (m *SessionManager) Start(ctx context.Context) {
	m.mu.Lock()
	m.started = true
	m.mu.Unlock()
	defer close(m.doneCh)
	m.logger.Printf("SessionManager: started (idle_timeout=%s, sweep=%s)", m.idleTimeout, m.interval)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Stop halts the sweep loop and waits for it to exit.
func (m *SessionManager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.mu.Lock()
	started := m.started
	m.mu.Unlock()
	if started {
		<-m.doneCh
	}
}

// currentState returns the cached state, else the durable one. A failed durable
// read defaults to pending.
func (m *SessionManager) currentState(ctx context.Context, sessionID string) domain.SessionStatus {
	m.mu.Lock()
	meta, ok := m.cache[sessionID]
	m.mu.Unlock()
	if ok {
		return meta.state
	}
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		if !errors.Is(err, domain.ErrSessionNotFound) {
			m.logger.Printf("SessionManager: read session %s: %v (assuming pending)", sessionID, err)
		}
		return domain.SessionPending
	}
	return sess.Status
}

// TransitionState moves a session to `to`. Illegal transitions return
// ErrInvalidTransition and change nothing.
func (m *SessionManager) TransitionState(ctx context.Context, sessionID string, to domain.SessionStatus, message string) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()
	return m.transitionLocked(ctx, sessionID, to, message)
}

func (m *SessionManager) transitionLocked(ctx context.Context, sessionID string, to domain.SessionStatus, message string) error {
	from := m.currentState(ctx, sessionID)
	if !domain.CanTransition(from, to) {
		return fmt.Errorf("session %s: %w: %s -> %s", sessionID, ErrInvalidTransition, from, to)
	}
	now := m.now()
	if err := m.store.UpdateSessionStatus(ctx, sessionID, to, now, message); err != nil {
		return fmt.Errorf("session %s: persist %s: %w", sessionID, to, err)
	}

	Emit(ctx, m.events, sessionID, domain.StateChanged{From: from, To: to}).LogIfFailed(m.logger, "SessionManager")

	m.mu.Lock()
	meta, ok := m.cache[sessionID]
	if !ok {
		meta = &sessionMeta{}
		m.cache[sessionID] = meta
	}
	meta.state = to
	meta.lastActivityAt = now
	if to == domain.SessionActive && meta.startedAt.IsZero() {
		meta.startedAt = now
	}
	if !meta.startedAt.IsZero() {
		meta.stats.Duration = now.Sub(meta.startedAt)
	}
	if to == domain.SessionExpired {
		delete(m.cache, sessionID)
	}
	m.mu.Unlock()

	m.logger.Printf("SessionManager: session %s %s -> %s", sessionID, from, to)
	return nil
}

// StartSession activates a session for a run. A paused session (a retried job)
// resumes; a session already active (a recovered claim) is adopted as is.
func (m *SessionManager) StartSession(ctx context.Context, sessionID string) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()
	if m.currentState(ctx, sessionID) == domain.SessionActive {
		m.mu.Lock()
		now := m.now()
		meta, ok := m.cache[sessionID]
		if !ok {
			meta = &sessionMeta{state: domain.SessionActive, startedAt: now}
			m.cache[sessionID] = meta
		}
		meta.lastActivityAt = now
		m.mu.Unlock()
		m.logger.Printf("SessionManager: session %s already active, adopting", sessionID)
		return nil
	}
	return m.transitionLocked(ctx, sessionID, domain.SessionActive, "")
}

// CompleteSession records the run's stats and moves the session to completed.
func (m *SessionManager) CompleteSession(ctx context.Context, sessionID string, stats domain.SessionStats) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()
	if err := m.transitionLocked(ctx, sessionID, domain.SessionCompleted, ""); err != nil {
		return err
	}
	m.mu.Lock()
	meta := m.cache[sessionID]
	duration := meta.stats.Duration
	stats.Duration = duration
	meta.stats = stats
	m.mu.Unlock()
	out := Outcome{Op: "persist stats", Err: m.store.UpdateSessionStats(ctx, sessionID, stats)}
	out.LogIfFailed(m.logger, "SessionManager")
	return nil
}

// FailSession moves the session to failed with message.
func (m *SessionManager) FailSession(ctx context.Context, sessionID, message string) error {
	return m.TransitionState(ctx, sessionID, domain.SessionFailed, message)
}

// PauseSession moves an active session to paused. message, if set, is recorded.
func (m *SessionManager) PauseSession(ctx context.Context, sessionID, message string) error {
	return m.TransitionState(ctx, sessionID, domain.SessionPaused, message)
}

// ResumeSession moves a paused session back to active.
func (m *SessionManager) ResumeSession(ctx context.Context, sessionID string) error {
	return m.TransitionState(ctx, sessionID, domain.SessionActive, "")
}

// RecordActivity refreshes the idle clock. Call on every unit of agent progress.
func (m *SessionManager) RecordActivity(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if meta, ok := m.cache[sessionID]; ok {
		meta.lastActivityAt = m.now()
	}
}

// AddStats accumulates run stats into the cached metadata.
func (m *SessionManager) AddStats(sessionID string, delta domain.SessionStats) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if meta, ok := m.cache[sessionID]; ok {
		meta.stats = meta.stats.Add(delta)
	}
}

// State returns the cached state of a session.
func (m *SessionManager) State(sessionID string) (domain.SessionStatus, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	meta, ok := m.cache[sessionID]
	if !ok {
		return "", false
	}
	return meta.state, true
}

// Stats returns the cached stats of a session.
func (m *SessionManager) Stats(sessionID string) domain.SessionStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	if meta, ok := m.cache[sessionID]; ok {
		return meta.stats
	}
	return domain.SessionStats{}
}

// CachedCount returns the number of cached sessions.
func (m *SessionManager) CachedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.cache)
}

// Sweep expires every active or paused session idle longer than the timeout and
// drops terminal sessions from the cache. Returns how many sessions expired.
func (m *SessionManager) Sweep(ctx context.Context) int {
	cutoff := m.now().Add(-m.idleTimeout)
	var idle []string
	m.mu.Lock()
	for id, meta := range m.cache {
		switch meta.state {
		case domain.SessionActive, domain.SessionPaused:
			if meta.lastActivityAt.Before(cutoff) {
				idle = append(idle, id)
			}
		case domain.SessionCompleted, domain.SessionFailed:
			if meta.lastActivityAt.Before(cutoff) {
				delete(m.cache, id)
			}
		}
	}
	m.mu.Unlock()

	expired := 0
	for _, id := range idle {
		if m.expireIfIdle(ctx, id, cutoff) {
			expired++
		}
	}
	return expired
}

// expireIfIdle re-checks idleness under the transition lock, so activity
// recorded since the scan keeps the session alive.
func (m *SessionManager) expireIfIdle(ctx context.Context, sessionID string, cutoff time.Time) bool {
	m.txMu.Lock()
	defer m.txMu.Unlock()
	m.mu.Lock()
	meta, ok := m.cache[sessionID]
	stillIdle := ok && meta.lastActivityAt.Before(cutoff) &&
		(meta.state == domain.SessionActive || meta.state == domain.SessionPaused)
	m.mu.Unlock()
	if !stillIdle {
		return false
	}
	if err := m.transitionLocked(ctx, sessionID, domain.SessionExpired, "session expired after inactivity"); err != nil {
		m.logger.Printf("SessionManager: expire %s: %v", sessionID, err)
		return false
	}
	return true
}

// Shutdown stops the sweep and pauses every active session.
func (m *SessionManager) Shutdown(ctx context.Context) {
	m.Stop()
	var active []string
	m.mu.Lock()
	for id, meta := range m.cache {
		if meta.state == domain.SessionActive {
			active = append(active, id)
		}
	}
	m.mu.Unlock()
	for _, id := range active {
		if err := m.PauseSession(ctx, id, ""); err != nil {
			m.logger.Printf("SessionManager: pause %s on shutdown: %v", id, err)
		}
	}
	m.mu.Lock()
	m.cache = make(map[string]*sessionMeta)
	m.mu.Unlock()
	m.logger.Printf("SessionManager: shutdown complete (%d session(s) paused)", len(active))
}
