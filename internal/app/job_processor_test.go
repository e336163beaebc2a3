package app

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/mobvibe/mobvibe-worker/internal/domain"
	"github.com/mobvibe/mobvibe-worker/internal/sandbox"
)

type fakeRunner struct {
	mu   sync.Mutex
	runs []int64
	fn   func(job *domain.Job) (domain.SessionStats, error)
}

func (r *fakeRunner) Run(_ context.Context, job *domain.Job) (domain.SessionStats, error) {
	r.mu.Lock()
	r.runs = append(r.runs, job.ID)
	fn := r.fn
	r.mu.Unlock()
	if fn == nil {
		return domain.SessionStats{Iterations: 1}, nil
	}
	return fn(job)
}

func (r *fakeRunner) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.runs)
}

type processorHarness struct {
	store     *memStore
	jobs      *memJobs
	blobs     *memBlobs
	provider  *fakeProvider
	queue     *QueueClient
	sessions  *SessionManager
	sandboxes *SandboxManager
	runner    *fakeRunner
	proc      *JobProcessor
}

func newProcessorHarness(t *testing.T, maxRetries int, opts ...JobProcessorOption) *processorHarness {
	t.Helper()
	return buildProcessorHarness(t, maxRetries, false, opts...)
}

// buildProcessorHarness wires a processor over in-memory stores. withFiles
// gives sandboxes real work directories and enables workspace sync.
func buildProcessorHarness(t *testing.T, maxRetries int, withFiles bool, opts ...JobProcessorOption) *processorHarness {
	t.Helper()
	logger := discardLogger()
	store := newMemStore()
	jobs := &memJobs{sessions: store}
	provider := newFakeProvider()
	h := &processorHarness{
		store:     store,
		jobs:      jobs,
		blobs:     newMemBlobs(),
		provider:  provider,
		queue:     NewQueueClient(jobs, nil, filepath.Join(t.TempDir(), ".notify"), maxRetries, logger),
		sessions:  NewSessionManager(store, store, logger),
		sandboxes: NewSandboxManager(provider, store, sandbox.Config{}, logger),
		runner:    &fakeRunner{},
	}
	var files *FileSync
	if withFiles {
		provider.workRoot = t.TempDir()
		resolver, _ := NewConflictResolver(domain.StrategyLastWriteWins)
		files = NewFileSync(store, h.blobs, resolver, 0, logger)
	}
	h.proc = NewJobProcessor(JobProcessorDeps{
		Queue:     h.queue,
		Sessions:  h.sessions,
		Sandboxes: h.sandboxes,
		Output:    NewOutputStreamer(store, logger),
		Agent:     h.runner,
		Errors:    NewErrorHandler(store, logger),
		Files:     files,
	}, logger, append([]JobProcessorOption{WithNextJobDelay(time.Hour), WithPollInterval(time.Hour)}, opts...)...)
	h.proc.accepting.Store(true)
	return h
}

func (h *processorHarness) enqueue(t *testing.T, sessionID string) *domain.Job {
	t.Helper()
	h.store.addSession(sessionID, domain.SessionPending)
	job, err := h.queue.Enqueue(context.Background(), sessionID, "do "+sessionID, 0)
	if err != nil {
		t.Fatal(err)
	}
	return job
}

// runOne processes the next job synchronously.
func (h *processorHarness) runOne(t *testing.T) bool {
	t.Helper()
	started := h.proc.ProcessNext(context.Background())
	h.proc.inflight.Wait()
	return started
}

func TestJobProcessor_Success(t *testing.T) {
	h := newProcessorHarness(t, 3)
	job := h.enqueue(t, "s1")
	h.runner.fn = func(*domain.Job) (domain.SessionStats, error) {
		return domain.SessionStats{Iterations: 2, ToolCalls: 3}, nil
	}

	if !h.runOne(t) {
		t.Fatal("no job started")
	}
	if got := h.jobs.get(job.ID).Status; got != domain.JobCompleted {
		t.Fatalf("job status = %s", got)
	}
	if got := h.store.status("s1"); got != domain.SessionCompleted {
		t.Fatalf("session status = %s", got)
	}
	sess, _ := h.store.GetSession(context.Background(), "s1")
	if sess.Stats.Iterations != 2 || sess.Stats.ToolCalls != 3 {
		t.Fatalf("stats = %+v", sess.Stats)
	}
	if h.sandboxes.ActiveCount() != 0 || len(h.provider.destroyed) != 1 {
		t.Fatalf("sandbox not released: active=%d destroyed=%v", h.sandboxes.ActiveCount(), h.provider.destroyed)
	}
	if h.proc.IsProcessing() || h.proc.Processed() != 1 {
		t.Fatalf("processing=%v processed=%d", h.proc.IsProcessing(), h.proc.Processed())
	}
}

func TestJobProcessor_EmptyQueue(t *testing.T) {
	h := newProcessorHarness(t, 3)
	if h.runOne(t) {
		t.Fatal("started a job on an empty queue")
	}
	if h.proc.IsProcessing() {
		t.Fatal("still marked processing")
	}
}

func TestJobProcessor_FailureWithRetryPausesSession(t *testing.T) {
	h := newProcessorHarness(t, 1)
	job := h.enqueue(t, "s1")
	h.runner.fn = func(*domain.Job) (domain.SessionStats, error) {
		return domain.SessionStats{}, NewTransientError(CodeNetwork, "connection reset", "", nil)
	}

	h.runOne(t)
	j := h.jobs.get(job.ID)
	if j.Status != domain.JobPending || j.RetryCount != 1 || j.ErrorMessage != "connection reset" {
		t.Fatalf("job = %+v", j)
	}
	sess, _ := h.store.GetSession(context.Background(), "s1")
	if sess.Status != domain.SessionPaused || sess.ErrorMessage != "connection reset" {
		t.Fatalf("session = %+v", sess)
	}

	// The retry resumes the paused session and completes it.
	h.runner.fn = nil
	h.runOne(t)
	if got := h.jobs.get(job.ID).Status; got != domain.JobCompleted {
		t.Fatalf("job status after retry = %s", got)
	}
	if got := h.store.status("s1"); got != domain.SessionCompleted {
		t.Fatalf("session status after retry = %s", got)
	}
	if h.runner.count() != 2 {
		t.Fatalf("runs = %d", h.runner.count())
	}
}

func TestJobProcessor_DeadLetterFailsSession(t *testing.T) {
	h := newProcessorHarness(t, 0)
	job := h.enqueue(t, "s1")
	h.runner.fn = func(*domain.Job) (domain.SessionStats, error) {
		return domain.SessionStats{}, errors.New("agent exploded")
	}

	h.runOne(t)
	if got := h.jobs.get(job.ID).Status; got != domain.JobFailed {
		t.Fatalf("job status = %s", got)
	}
	sess, _ := h.store.GetSession(context.Background(), "s1")
	if sess.Status != domain.SessionFailed || sess.ErrorMessage != "agent exploded" {
		t.Fatalf("session = %+v", sess)
	}
	if st, _ := h.sessions.State("s1"); st != domain.SessionFailed {
		t.Fatalf("cached state = %s", st)
	}
	if h.sandboxes.ActiveCount() != 0 {
		t.Fatal("sandbox not released after failure")
	}
}

func TestJobProcessor_MissingSession(t *testing.T) {
	h := newProcessorHarness(t, 0)
	job, err := h.queue.Enqueue(context.Background(), "ghost", "x", 0)
	if err != nil {
		t.Fatal(err)
	}
	h.runOne(t)
	if got := h.jobs.get(job.ID).Status; got != domain.JobFailed {
		t.Fatalf("job status = %s", got)
	}
	if h.runner.count() != 0 {
		t.Fatal("agent ran without a session")
	}
	if n := len(h.store.eventsOfType("ghost", domain.EventError)); n != 1 {
		t.Fatalf("error events = %d", n)
	}
}

func TestJobProcessor_OneJobAtATime(t *testing.T) {
	h := newProcessorHarness(t, 3)
	h.enqueue(t, "s1")
	h.enqueue(t, "s2")
	gate := make(chan struct{})
	h.runner.fn = func(*domain.Job) (domain.SessionStats, error) {
		<-gate
		return domain.SessionStats{}, nil
	}

	if !h.proc.ProcessNext(context.Background()) {
		t.Fatal("first job not started")
	}
	if h.proc.ProcessNext(context.Background()) {
		t.Fatal("second job started while first in flight")
	}
	if !h.proc.IsProcessing() {
		t.Fatal("not marked processing")
	}
	close(gate)
	h.proc.inflight.Wait()
	if !h.runOne(t) {
		t.Fatal("second job not started after first finished")
	}
	if h.runner.count() != 2 {
		t.Fatalf("runs = %d", h.runner.count())
	}
}

func TestJobProcessor_StartProcessesAndShutsDown(t *testing.T) {
	h := newProcessorHarness(t, 3, WithNextJobDelay(time.Millisecond))
	h.enqueue(t, "s1")
	h.enqueue(t, "s2")

	h.proc.Start(context.Background())
	deadline := time.Now().Add(5 * time.Second)
	for h.proc.Processed() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("processed %d jobs", h.proc.Processed())
		}
		time.Sleep(5 * time.Millisecond)
	}
	h.proc.Shutdown(context.Background())

	if h.store.status("s1") != domain.SessionCompleted || h.store.status("s2") != domain.SessionCompleted {
		t.Fatalf("statuses = %s, %s", h.store.status("s1"), h.store.status("s2"))
	}
	if h.proc.ProcessNext(context.Background()) {
		t.Fatal("accepted work after shutdown")
	}
	if h.sessions.CachedCount() != 0 {
		t.Fatal("session cache not cleared")
	}
}

func TestJobProcessor_StartRecoversStaleClaims(t *testing.T) {
	h := newProcessorHarness(t, 3, WithStaleClaimRecovery(time.Minute))
	job := h.enqueue(t, "s1")
	h.jobs.mu.Lock()
	h.jobs.jobs[0].Status = domain.JobProcessing
	h.jobs.jobs[0].ClaimedAt = time.Now().Add(-time.Hour)
	h.jobs.mu.Unlock()

	h.proc.Start(context.Background())
	defer h.proc.Shutdown(context.Background())
	deadline := time.Now().Add(5 * time.Second)
	for h.jobs.get(job.ID).Status != domain.JobCompleted {
		if time.Now().After(deadline) {
			t.Fatalf("job status = %s", h.jobs.get(job.ID).Status)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestJobProcessor_ShutdownTimeout(t *testing.T) {
	h := newProcessorHarness(t, 3, WithShutdownTimeout(20*time.Millisecond))
	h.enqueue(t, "s1")
	gate := make(chan struct{})
	defer close(gate)
	h.runner.fn = func(*domain.Job) (domain.SessionStats, error) {
		<-gate
		return domain.SessionStats{}, nil
	}
	if !h.proc.ProcessNext(context.Background()) {
		t.Fatal("job not started")
	}

	done := make(chan struct{})
	go func() {
		h.proc.Shutdown(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Shutdown did not honor its timeout")
	}
	if !h.proc.IsProcessing() {
		t.Fatal("in-flight job reported finished")
	}
}

func TestJobProcessor_RetryRestoresWorkspace(t *testing.T) {
	h := buildProcessorHarness(t, 1, true)
	job := h.enqueue(t, "s1")

	workDir := func() string {
		sb, ok := h.sandboxes.Sandbox("s1")
		if !ok || sb.WorkDir == "" {
			t.Error("no sandbox work directory")
			return ""
		}
		return sb.WorkDir
	}

	// The first attempt writes a file the way a shell command would, then fails.
	var firstDir string
	h.runner.fn = func(*domain.Job) (domain.SessionStats, error) {
		firstDir = workDir()
		if err := os.MkdirAll(filepath.Join(firstDir, "src"), 0o755); err != nil {
			return domain.SessionStats{}, err
		}
		if err := os.WriteFile(filepath.Join(firstDir, "src", "main.go"), []byte("package main\n"), 0o644); err != nil {
			return domain.SessionStats{}, err
		}
		return domain.SessionStats{}, NewTransientError(CodeNetwork, "connection reset", "", nil)
	}
	h.runOne(t)
	if got := h.jobs.get(job.ID).Status; got != domain.JobPending {
		t.Fatalf("job status after first attempt = %s", got)
	}
	if _, err := os.Stat(firstDir); !os.IsNotExist(err) {
		t.Fatal("first sandbox work directory not removed")
	}
	if m, _ := h.store.GetFileMetadata(context.Background(), "s1", "src/main.go"); m == nil {
		t.Fatal("file not saved before the sandbox was destroyed")
	}

	// The retry runs in a fresh sandbox that already holds the file.
	var restored string
	h.runner.fn = func(*domain.Job) (domain.SessionStats, error) {
		dir := workDir()
		if dir == firstDir {
			t.Error("retry reused the destroyed sandbox")
		}
		data, err := os.ReadFile(filepath.Join(dir, "src", "main.go"))
		if err != nil {
			return domain.SessionStats{}, err
		}
		restored = string(data)
		return domain.SessionStats{Iterations: 1}, nil
	}
	h.runOne(t)
	if restored != "package main\n" {
		t.Fatalf("restored content = %q", restored)
	}
	if got := h.jobs.get(job.ID).Status; got != domain.JobCompleted {
		t.Fatalf("job status after retry = %s", got)
	}
}
