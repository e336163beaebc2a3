package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/mobvibe/mobvibe-worker/internal/domain"
	"github.com/mobvibe/mobvibe-worker/internal/sandbox"
)

func discardLogger() *log.Logger { return log.New(io.Discard, "", 0) }

// fakeProvider is an in-memory sandbox.Provider. Exec answers come from handler.
type fakeProvider struct {
	mu         sync.Mutex
	created    int
	destroyed  []string
	live       map[string]bool
	destroyErr error
	createGate chan struct{} // if set, Create blocks until closed
	handler    func(argv []string) (sandbox.ExecResult, error)
	commands   [][]string
	inputs     [][]byte // stdin of each ExecInput call
	workRoot   string   // if set, Create makes a real work directory under it
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{live: make(map[string]bool)}
}

func (p *fakeProvider) Create(ctx context.Context, cfg sandbox.Config) (*sandbox.Sandbox, error) {
	if p.createGate != nil {
		<-p.createGate
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.created++
	id := fmt.Sprintf("sb-%d", p.created)
	p.live[id] = true
	sb := &sandbox.Sandbox{ID: id, Config: cfg, CreatedAt: time.Now()}
	if p.workRoot != "" {
		sb.WorkDir = filepath.Join(p.workRoot, id)
		if err := os.MkdirAll(sb.WorkDir, 0o755); err != nil {
			return nil, err
		}
	}
	return sb, nil
}

func (p *fakeProvider) Exec(ctx context.Context, id string, argv []string) (sandbox.ExecResult, error) {
	return p.ExecStreaming(ctx, id, argv, nil, nil)
}

func (p *fakeProvider) ExecStreaming(ctx context.Context, id string, argv []string, stdout, stderr io.Writer) (sandbox.ExecResult, error) {
	p.mu.Lock()
	live := p.live[id]
	p.commands = append(p.commands, argv)
	handler := p.handler
	p.mu.Unlock()
	if !live {
		return sandbox.ExecResult{}, sandbox.ErrNotFound
	}
	if handler == nil {
		return sandbox.ExecResult{}, nil
	}
	res, err := handler(argv)
	if stdout != nil && res.Stdout != "" {
		_, _ = io.WriteString(stdout, res.Stdout)
	}
	if stderr != nil && res.Stderr != "" {
		_, _ = io.WriteString(stderr, res.Stderr)
	}
	return res, err
}

func (p *fakeProvider) ExecInput(ctx context.Context, id string, argv []string, r io.Reader) (sandbox.ExecResult, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return sandbox.ExecResult{}, err
	}
	p.mu.Lock()
	p.inputs = append(p.inputs, data)
	p.mu.Unlock()
	return p.ExecStreaming(ctx, id, argv, nil, nil)
}

func (p *fakeProvider) Destroy(ctx context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.destroyed = append(p.destroyed, id)
	delete(p.live, id)
	if p.workRoot != "" {
		_ = os.RemoveAll(filepath.Join(p.workRoot, id))
	}
	return p.destroyErr
}

func (p *fakeProvider) createdCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.created
}

// memStore is an in-memory session/event/file-metadata store.
type memStore struct {
	mu         sync.Mutex
	sessions   map[string]*domain.Session
	events     []domain.SessionEvent
	files      map[string]domain.FileMetadata // sessionID + "\x00" + path
	getErr     error
	updateErr  error
	sandboxErr error
}

func newMemStore() *memStore {
	return &memStore{sessions: make(map[string]*domain.Session), files: make(map[string]domain.FileMetadata)}
}

func (s *memStore) addSession(id string, status domain.SessionStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[id] = &domain.Session{ID: id, Status: status, CreatedAt: time.Now()}
}

func (s *memStore) CreateSession(_ context.Context, sess *domain.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sess.ID]; ok {
		return errors.New("duplicate session")
	}
	if sess.Status == "" {
		sess.Status = domain.SessionPending
	}
	cp := *sess
	s.sessions[sess.ID] = &cp
	return nil
}

func (s *memStore) GetSession(_ context.Context, id string) (*domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return nil, s.getErr
	}
	sess, ok := s.sessions[id]
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	cp := *sess
	return &cp, nil
}

func (s *memStore) status(id string) domain.SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[id]; ok {
		return sess.Status
	}
	return ""
}

func (s *memStore) UpdateSessionStatus(_ context.Context, id string, status domain.SessionStatus, at time.Time, msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.updateErr != nil {
		return s.updateErr
	}
	sess, ok := s.sessions[id]
	if !ok {
		return domain.ErrSessionNotFound
	}
	sess.Status = status
	if status == domain.SessionActive && sess.StartedAt.IsZero() {
		sess.StartedAt = at
	}
	if status == domain.SessionCompleted || status == domain.SessionFailed {
		sess.CompletedAt = at
	}
	if msg != "" {
		sess.ErrorMessage = msg
	}
	return nil
}

func (s *memStore) SetSandboxID(_ context.Context, id, sandboxID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sandboxErr != nil {
		return s.sandboxErr
	}
	sess, ok := s.sessions[id]
	if !ok {
		return domain.ErrSessionNotFound
	}
	sess.SandboxID = sandboxID
	return nil
}

func (s *memStore) UpdateSessionStats(_ context.Context, id string, stats domain.SessionStats) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return domain.ErrSessionNotFound
	}
	sess.Stats = stats
	return nil
}

func (s *memStore) SetPreview(_ context.Context, id, status, url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return domain.ErrSessionNotFound
	}
	sess.PreviewStatus, sess.PreviewURL = status, url
	return nil
}

func (s *memStore) AppendEvent(_ context.Context, ev *domain.SessionEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev.ID = int64(len(s.events) + 1)
	s.events = append(s.events, *ev)
	return nil
}

func (s *memStore) ListEvents(_ context.Context, sessionID string, afterID int64, limit int) ([]domain.SessionEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.SessionEvent
	for _, ev := range s.events {
		if ev.SessionID == sessionID && ev.ID > afterID {
			out = append(out, ev)
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (s *memStore) eventsOfType(sessionID string, t domain.EventType) []domain.SessionEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.SessionEvent
	for _, ev := range s.events {
		if ev.SessionID == sessionID && ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func (s *memStore) UpsertFileMetadata(_ context.Context, m domain.FileMetadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[m.SessionID+"\x00"+m.Path] = m
	return nil
}

func (s *memStore) GetFileMetadata(_ context.Context, sessionID, path string) (*domain.FileMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.files[sessionID+"\x00"+path]
	if !ok {
		return nil, nil
	}
	return &m, nil
}

func (s *memStore) ListFileMetadata(_ context.Context, sessionID string) ([]domain.FileMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.FileMetadata
	for _, m := range s.files {
		if m.SessionID == sessionID {
			out = append(out, m)
		}
	}
	return out, nil
}

// memBlobs is an in-memory BlobStore.
type memBlobs struct {
	mu     sync.Mutex
	data   map[string][]byte
	putErr error
	puts   int
}

func newMemBlobs() *memBlobs { return &memBlobs{data: make(map[string][]byte)} }

func (b *memBlobs) Put(_ context.Context, path string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.puts++
	if b.putErr != nil {
		return b.putErr
	}
	b.data[path] = append([]byte(nil), data...)
	return nil
}

func (b *memBlobs) Get(_ context.Context, path string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	d, ok := b.data[path]
	if !ok {
		return nil, fmt.Errorf("blob %s: not found", path)
	}
	return append([]byte(nil), d...), nil
}

func (b *memBlobs) List(_ context.Context, prefix string) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for k := range b.data {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			out = append(out, k)
		}
	}
	return out, nil
}
