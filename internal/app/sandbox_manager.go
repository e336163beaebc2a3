package app

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/mobvibe/mobvibe-worker/internal/sandbox"
)

const (
	defaultSandboxTimeout       = time.Hour
	defaultSandboxSweepInterval = 5 * time.Minute
)

// activeSandbox is one tracked sandbox. Owned by SandboxManager.
type activeSandbox struct {
	sandbox   *sandbox.Sandbox
	createdAt time.Time
	sessionID string
}

// SandboxIDRecorder persists the sandbox serving a session.
type SandboxIDRecorder interface {
	SetSandboxID(ctx context.Context, sessionID, sandboxID string) error
}

// SandboxManager creates, tracks, runs commands in and reaps one sandbox per session.
type SandboxManager struct {
	provider sandbox.Provider
	sessions SandboxIDRecorder
	profile  sandbox.Config
	logger   *log.Logger
	timeout  time.Duration
	interval time.Duration
	now      func() time.Time

	mu     sync.Mutex
	active map[string]*activeSandbox // sessionID -> sandbox
	// creating serializes concurrent StartSandbox calls for the same session.
	creating map[string]chan struct{}

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
	started  bool
}

// SandboxManagerOption configures the manager.
type SandboxManagerOption func(*SandboxManager)

// WithSandboxTimeout sets the max sandbox age before the sweep stops it.
func WithSandboxTimeout(d time.Duration) SandboxManagerOption {
	return func(m *SandboxManager) { m.timeout = d }
}

// WithSandboxSweepInterval sets how often the sweep runs.
func WithSandboxSweepInterval(d time.Duration) SandboxManagerOption {
	return func(m *SandboxManager) { m.interval = d }
}

// NewSandboxManager creates a SandboxManager that creates every sandbox with profile.
func NewSandboxManager(provider sandbox.Provider, sessions SandboxIDRecorder, profile sandbox.Config, logger *log.Logger, opts ...SandboxManagerOption) *SandboxManager {
	m := &SandboxManager{
		provider: provider,
		sessions: sessions,
		profile:  profile,
		logger:   logger,
		timeout:  defaultSandboxTimeout,
		interval: defaultSandboxSweepInterval,
		now:      time.Now,
		active:   make(map[string]*activeSandbox),
		creating: make(map[string]chan struct{}),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Start runs the cleanup sweep until Stop or Shutdown.
func (m *SandboxManager) Start(ctx context.Context) {
	m.mu.Lock()
	m.started = true
	m.mu.Unlock()
	defer close(m.doneCh)
	m.logger.Printf("SandboxManager: started (timeout=%s, sweep=%s)", m.timeout, m.interval)

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
func (m *SandboxManager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.mu.Lock()
	started := m.started
	m.mu.Unlock()
	if started {
		<-m.doneCh
	}
}

// StartSandbox returns the session's sandbox, creating it on first use. The
// sandbox id is then recorded on the session (best-effort).
func (m *SandboxManager) StartSandbox(ctx context.Context, sessionID string) (*sandbox.Sandbox, error) {
	for {
		m.mu.Lock()
		if a, ok := m.active[sessionID]; ok {
			m.mu.Unlock()
			return a.sandbox, nil
		}
		wait, busy := m.creating[sessionID]
		if !busy {
			done := make(chan struct{})
			m.creating[sessionID] = done
			m.mu.Unlock()
			sb, err := m.create(ctx, sessionID)
			m.mu.Lock()
			delete(m.creating, sessionID)
			close(done)
			m.mu.Unlock()
			return sb, err
		}
		m.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (m *SandboxManager) create(ctx context.Context, sessionID string) (*sandbox.Sandbox, error) {
	cfg := m.profile
	cfg.Labels = map[string]string{"session_id": sessionID}
	sb, err := m.provider.Create(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create sandbox for session %s: %w", sessionID, err)
	}
	m.mu.Lock()
	m.active[sessionID] = &activeSandbox{sandbox: sb, createdAt: m.now(), sessionID: sessionID}
	m.mu.Unlock()
	m.logger.Printf("SandboxManager: created sandbox %s for session %s", sb.ID, sessionID)

	out := Outcome{Op: "record sandbox id", Err: m.sessions.SetSandboxID(ctx, sessionID, sb.ID)}
	out.LogIfFailed(m.logger, "SandboxManager")
	return sb, nil
}

// Sandbox returns the session's active sandbox, if any.
func (m *SandboxManager) Sandbox(sessionID string) (*sandbox.Sandbox, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.active[sessionID]
	if !ok {
		return nil, false
	}
	return a.sandbox, true
}

// ActiveCount returns the number of tracked sandboxes.
func (m *SandboxManager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

func (m *SandboxManager) lookup(sessionID string) (*sandbox.Sandbox, error) {
	sb, ok := m.Sandbox(sessionID)
	if !ok {
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrNoActiveSandbox)
	}
	return sb, nil
}

// Exec runs argv in the session's sandbox.
func (m *SandboxManager) Exec(ctx context.Context, sessionID string, argv []string) (sandbox.ExecResult, error) {
	sb, err := m.lookup(sessionID)
	if err != nil {
		return sandbox.ExecResult{}, err
	}
	return m.provider.Exec(ctx, sb.ID, argv)
}

// ExecStreaming runs argv in the session's sandbox, streaming output as it arrives.
func (m *SandboxManager) ExecStreaming(ctx context.Context, sessionID string, argv []string, stdout, stderr io.Writer) (sandbox.ExecResult, error) {
	sb, err := m.lookup(sessionID)
	if err != nil {
		return sandbox.ExecResult{}, err
	}
	return m.provider.ExecStreaming(ctx, sb.ID, argv, stdout, stderr)
}

// ExecInput runs argv in the session's sandbox with r as stdin.
func (m *SandboxManager) ExecInput(ctx context.Context, sessionID string, argv []string, r io.Reader) (sandbox.ExecResult, error) {
	sb, err := m.lookup(sessionID)
	if err != nil {
		return sandbox.ExecResult{}, err
	}
	return m.provider.ExecInput(ctx, sb.ID, argv, r)
}

// StopSandbox destroys the session's sandbox. Destroy failures are logged; the
// sandbox is always dropped from tracking and its id cleared from the session.
func (m *SandboxManager) StopSandbox(ctx context.Context, sessionID string) {
	m.mu.Lock()
	a, ok := m.active[sessionID]
	delete(m.active, sessionID)
	m.mu.Unlock()
	if !ok {
		return
	}
	if err := m.provider.Destroy(ctx, a.sandbox.ID); err != nil {
		m.logger.Printf("SandboxManager: destroy sandbox %s for session %s: %v", a.sandbox.ID, sessionID, err)
	} else {
		m.logger.Printf("SandboxManager: destroyed sandbox %s for session %s", a.sandbox.ID, sessionID)
	}
	out := Outcome{Op: "clear sandbox id", Err: m.sessions.SetSandboxID(ctx, sessionID, "")}
	out.LogIfFailed(m.logger, "SandboxManager")
}

// Sweep stops every sandbox older than the timeout. Returns how many were stopped.
func (m *SandboxManager) Sweep(ctx context.Context) int {
	cutoff := m.now().Add(-m.timeout)
	var expired []string
	m.mu.Lock()
	for sessionID, a := range m.active {
		if a.createdAt.Before(cutoff) {
			expired = append(expired, sessionID)
		}
	}
	m.mu.Unlock()
	for _, sessionID := range expired {
		m.logger.Printf("SandboxManager: sandbox for session %s exceeded %s, stopping", sessionID, m.timeout)
		m.StopSandbox(ctx, sessionID)
	}
	return len(expired)
}

// Shutdown stops the sweep and destroys every active sandbox concurrently,
// returning once all have finished or failed.
func (m *SandboxManager) Shutdown(ctx context.Context) {
	m.Stop()
	m.mu.Lock()
	sessions := make([]string, 0, len(m.active))
	for sessionID := range m.active {
		sessions = append(sessions, sessionID)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, sessionID := range sessions {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			m.StopSandbox(ctx, id)
		}(sessionID)
	}
	wg.Wait()
	m.logger.Printf("SandboxManager: shutdown complete (%d sandbox(es) destroyed)", len(sessions))
}
