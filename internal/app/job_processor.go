package app

import (
	"context"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mobvibe/mobvibe-worker/internal/domain"
	"github.com/mobvibe/mobvibe-worker/internal/sandbox"
)

const (
	defaultPollInterval    = 5 * time.Second
	defaultNextJobDelay    = time.Second
	defaultShutdownTimeout = 30 * time.Second
)

// JobRunner executes the agent work for one claimed job.
type JobRunner interface {
	Run(ctx context.Context, job *domain.Job) (domain.SessionStats, error)
}

// JobProcessorDeps are the collaborators the processor drives.
type JobProcessorDeps struct {
	Queue     *QueueClient
	Sessions  *SessionManager
	Sandboxes *SandboxManager
	Output    *OutputStreamer
	Agent     JobRunner
	Errors    *ErrorHandler
	// Files, if set, restores the session's stored files into each new
	// sandbox and saves the work directory before the sandbox is destroyed.
	Files *FileSync
}

// JobProcessor is the worker loop: it claims one job at a time, runs it to a
// terminal outcome and reports that outcome to the session and the queue.
type JobProcessor struct {
	queue      *QueueClient
	sessions   *SessionManager
	sandboxes  *SandboxManager
	output     *OutputStreamer
	agent      JobRunner
	errHandler *ErrorHandler
	files      *FileSync
	logger     *log.Logger

	pollInterval    time.Duration
	nextJobDelay    time.Duration
	shutdownTimeout time.Duration
	staleClaimAfter time.Duration

	processing atomic.Bool
	accepting  atomic.Bool
	processed  atomic.Int64
	inflight   sync.WaitGroup
	wakeCh     chan struct{}

	mu        sync.Mutex
	nextTimer *time.Timer

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
	started  atomic.Bool
}

// JobProcessorOption configures the processor.
type JobProcessorOption func(*JobProcessor)

// WithPollInterval sets the fallback poll period.
func WithPollInterval(d time.Duration) JobProcessorOption {
	return func(p *JobProcessor) { p.pollInterval = d }
}

// WithNextJobDelay sets the pause between finishing one job and claiming the next.
func WithNextJobDelay(d time.Duration) JobProcessorOption {
	return func(p *JobProcessor) { p.nextJobDelay = d }
}

// WithShutdownTimeout bounds how long Shutdown waits for an in-flight job.
func WithShutdownTimeout(d time.Duration) JobProcessorOption {
	return func(p *JobProcessor) { p.shutdownTimeout = d }
}

// WithStaleClaimRecovery returns jobs claimed longer than d ago to pending on Start.
// Zero disables recovery.
func WithStaleClaimRecovery(d time.Duration) JobProcessorOption {
	return func(p *JobProcessor) { p.staleClaimAfter = d }
}

// NewJobProcessor creates a JobProcessor.
func NewJobProcessor(deps JobProcessorDeps, logger *log.Logger, opts ...JobProcessorOption) *JobProcessor {
	p := &JobProcessor{
		queue:           deps.Queue,
		sessions:        deps.Sessions,
		sandboxes:       deps.Sandboxes,
		output:          deps.Output,
		agent:           deps.Agent,
		errHandler:      deps.Errors,
		files:           deps.Files,
		logger:          logger,
		pollInterval:    defaultPollInterval,
		nextJobDelay:    defaultNextJobDelay,
		shutdownTimeout: defaultShutdownTimeout,
		wakeCh:          make(chan struct{}, 1),
		stopCh:          make(chan struct{}),
		doneCh:          make(chan struct{}),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Start recovers stale claims, subscribes to new jobs and runs the loop until
// Shutdown. The first claim attempt happens immediately.
func (p *JobProcessor) Start(ctx context.Context) {
	if p.staleClaimAfter > 0 {
		if _, err := p.queue.RecoverStaleClaims(ctx, p.staleClaimAfter); err != nil {
			p.logger.Printf("JobProcessor: %v", err)
		}
	}
	p.accepting.Store(true)
	p.started.Store(true)
	sub := p.queue.SubscribeToNewJobs()
	p.wake()
	go p.loop(ctx, sub)
	p.logger.Printf("JobProcessor: started (poll every %s)", p.pollInterval)
}

func (p *JobProcessor) loop(ctx context.Context, sub *Subscription) {
	defer close(p.doneCh)
	defer sub.Stop()
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		case n := <-sub.C:
			p.logger.Printf("JobProcessor: notified of %d new job(s)", len(n.JobIDs))
			p.ProcessNext(ctx)
		case <-ticker.C:
			p.ProcessNext(ctx)
		case <-p.wakeCh:
			p.ProcessNext(ctx)
		}
	}
}

func (p *JobProcessor) wake() {
	select {
	case p.wakeCh <- struct{}{}:
	default:
	}
}

// ProcessNext claims a job and starts it in the background unless a job is
// already running or the processor is shutting down. Reports whether a job
// was started.
func (p *JobProcessor) ProcessNext(ctx context.Context) bool {
	if !p.accepting.Load() {
		return false
	}
	if !p.processing.CompareAndSwap(false, true) {
		return false
	}
	job, err := p.queue.ClaimNextJob(ctx)
	if err != nil || job == nil {
		p.processing.Store(false)
		return false
	}

	p.inflight.Add(1)
	jobCtx := context.WithoutCancel(ctx)
	go func() {
		defer p.inflight.Done()
		p.processJob(jobCtx, job)
		p.processed.Add(1)
		p.processing.Store(false)
		p.scheduleNext()
	}()
	return true
}

// scheduleNext re-arms the loop after the post-job delay, whatever the outcome.
func (p *JobProcessor) scheduleNext() {
	if !p.accepting.Load() {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.nextTimer != nil {
		p.nextTimer.Stop()
	}
	p.nextTimer = time.AfterFunc(p.nextJobDelay, p.wake)
}

// IsProcessing reports whether a job is in flight.
func (p *JobProcessor) IsProcessing() bool { return p.processing.Load() }

// Processed returns how many jobs have run to an outcome.
func (p *JobProcessor) Processed() int64 { return p.processed.Load() }

func (p *JobProcessor) processJob(ctx context.Context, job *domain.Job) {
	sessionID := job.SessionID
	start := time.Now()
	defer func() {
		if sb, ok := p.sandboxes.Sandbox(sessionID); ok {
			p.syncWorkspace(ctx, sessionID, sb)
		}
		p.sandboxes.StopSandbox(ctx, sessionID)
		if p.output != nil {
			p.output.Cleanup(sessionID)
		}
	}()

	stats, err := p.runJob(ctx, job)
	if err != nil {
		p.failJob(ctx, job, err)
		p.logger.Printf("JobProcessor: job %d (session %s) failed after %s: %v", job.ID, sessionID, time.Since(start).Round(time.Millisecond), err)
		return
	}
	if err := p.sessions.CompleteSession(ctx, sessionID, stats); err != nil {
		p.logger.Printf("JobProcessor: complete session %s: %v", sessionID, err)
	}
	if err := p.queue.CompleteJob(ctx, job.ID); err != nil {
		p.logger.Printf("JobProcessor: ack job %d: %v", job.ID, err)
	}
	p.logger.Printf("JobProcessor: job %d (session %s) completed in %s", job.ID, sessionID, time.Since(start).Round(time.Millisecond))
}

func (p *JobProcessor) runJob(ctx context.Context, job *domain.Job) (domain.SessionStats, error) {
	if err := p.sessions.StartSession(ctx, job.SessionID); err != nil {
		return domain.SessionStats{}, p.errHandler.HandleError(ctx, job.SessionID, err)
	}
	sb, err := p.sandboxes.StartSandbox(ctx, job.SessionID)
	if err != nil {
		return domain.SessionStats{}, p.errHandler.HandleError(ctx, job.SessionID, err)
	}
	p.syncWorkspace(ctx, job.SessionID, sb)
	return p.agent.Run(ctx, job)
}

// syncWorkspace reconciles the sandbox work directory with durable storage.
// Sandboxes without a local work directory are skipped. Failures never fail the job.
func (p *JobProcessor) syncWorkspace(ctx context.Context, sessionID string, sb *sandbox.Sandbox) {
	if p.files == nil || sb.WorkDir == "" {
		return
	}
	res, err := p.files.SyncDirectory(ctx, sessionID, sb.WorkDir)
	Outcome{Op: "sync workspace for session " + sessionID, Err: err}.LogIfFailed(p.logger, "JobProcessor")
	if len(res.Errors) > 0 {
		p.logger.Printf("JobProcessor: session %s: %d file(s) failed to sync, first: %s: %s",
			sessionID, len(res.Errors), res.Errors[0].Path, res.Errors[0].Error)
	}
}

// failJob reports the failure to the queue first so the session's next state
// matches the queue's decision: paused while a retry is pending, failed once
// the job is dead-lettered.
func (p *JobProcessor) failJob(ctx context.Context, job *domain.Job, cause error) {
	msg := cause.Error()
	var we *WorkerError
	if errors.As(cause, &we) {
		msg = we.Message
	}
	willRetry, err := p.queue.FailJob(ctx, job.ID, msg)
	if err != nil {
		// Left in processing; stale-claim recovery returns it to pending.
		willRetry = true
	}

	state, _ := p.sessions.State(job.SessionID)
	if state != domain.SessionActive && state != domain.SessionPaused {
		return
	}
	if willRetry {
		if state == domain.SessionActive {
			if err := p.sessions.PauseSession(ctx, job.SessionID, msg); err != nil {
				p.logger.Printf("JobProcessor: pause session %s: %v", job.SessionID, err)
			}
		}
		return
	}
	if err := p.sessions.FailSession(ctx, job.SessionID, msg); err != nil {
		p.logger.Printf("JobProcessor: fail session %s: %v", job.SessionID, err)
	}
}

// Shutdown stops taking work, waits up to the shutdown timeout for an
// in-flight job and then shuts down sessions, sandboxes and the queue client
// in that order.
func (p *JobProcessor) Shutdown(ctx context.Context) {
	p.accepting.Store(false)
	p.stopOnce.Do(func() { close(p.stopCh) })
	if p.started.Load() {
		<-p.doneCh
	}
	p.mu.Lock()
	if p.nextTimer != nil {
		p.nextTimer.Stop()
	}
	p.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		p.inflight.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(p.shutdownTimeout):
		p.logger.Printf("JobProcessor: WARNING: in-flight job still running after %s, shutting down anyway", p.shutdownTimeout)
	}

	p.sessions.Shutdown(ctx)
	p.sandboxes.Shutdown(ctx)
	if p.output != nil {
		p.output.Stop()
	}
	p.queue.Shutdown()
	p.logger.Println("JobProcessor: shutdown complete")
}
