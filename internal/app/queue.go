package app

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/mobvibe/mobvibe-worker/internal/domain"
)

// QueueClient is the worker's view of the shared job queue. Every store error is
// logged and returned; callers treat a failed call as "nothing changed".
type QueueClient struct {
	store      JobStore
	notifier   *JobNotifier
	signalPath string
	maxRetries int
	logger     *log.Logger
}

// NewQueueClient creates a QueueClient. notifier may be nil (poll-only).
// signalPath is touched after every Enqueue.
func NewQueueClient(store JobStore, notifier *JobNotifier, signalPath string, maxRetries int, logger *log.Logger) *QueueClient {
	return &QueueClient{store: store, notifier: notifier, signalPath: signalPath, maxRetries: maxRetries, logger: logger}
}

// Enqueue adds a pending job and pokes the notify signal.
func (q *QueueClient) Enqueue(ctx context.Context, sessionID, prompt string, priority int) (*domain.Job, error) {
	job := &domain.Job{SessionID: sessionID, Prompt: prompt, Priority: priority, MaxRetries: q.maxRetries}
	if _, err := q.store.EnqueueJob(ctx, job); err != nil {
		q.logger.Printf("QueueClient: enqueue for session %s: %v", sessionID, err)
		return nil, err
	}
	out := Outcome{Op: "touch notify signal", Err: TouchNotifySignal(q.signalPath)}
	out.LogIfFailed(q.logger, "QueueClient")
	return job, nil
}

// ClaimNextJob atomically claims the highest-priority, oldest pending job.
// Returns nil when the queue is empty.
func (q *QueueClient) ClaimNextJob(ctx context.Context) (*domain.Job, error) {
	job, err := q.store.ClaimNextJob(ctx)
	if err != nil {
		q.logger.Printf("QueueClient: claim: %v", err)
		return nil, err
	}
	if job != nil {
		q.logger.Printf("QueueClient: claimed job %d (session %s, priority %d, attempt %d)",
			job.ID, job.SessionID, job.Priority, job.RetryCount+1)
	}
	return job, nil
}

// CompleteJob acknowledges a job.
func (q *QueueClient) CompleteJob(ctx context.Context, jobID int64) error {
	if err := q.store.CompleteJob(ctx, jobID); err != nil {
		q.logger.Printf("QueueClient: complete job %d: %v", jobID, err)
		return err
	}
	return nil
}

// FailJob reports a failed attempt. Returns true when the job will be retried,
// false when it was dead-lettered (and its session marked failed).
func (q *QueueClient) FailJob(ctx context.Context, jobID int64, errorMessage string) (bool, error) {
	willRetry, err := q.store.FailJob(ctx, jobID, errorMessage)
	if err != nil {
		q.logger.Printf("QueueClient: fail job %d: %v", jobID, err)
		return false, err
	}
	if willRetry {
		q.logger.Printf("QueueClient: job %d failed, will retry: %s", jobID, errorMessage)
	} else {
		q.logger.Printf("QueueClient: job %d dead-lettered: %s", jobID, errorMessage)
	}
	return willRetry, nil
}

// QueueStats returns job counts and the oldest pending age.
func (q *QueueClient) QueueStats(ctx context.Context) (domain.QueueStats, error) {
	stats, err := q.store.QueueStats(ctx)
	if err != nil {
		q.logger.Printf("QueueClient: stats: %v", err)
		return stats, err
	}
	return stats, nil
}

// SubscribeToNewJobs returns a handle that receives a notification whenever new
// pending jobs are inserted. With no notifier the handle never fires.
func (q *QueueClient) SubscribeToNewJobs() *Subscription {
	if q.notifier == nil {
		ch := make(chan JobNotification)
		return &Subscription{C: ch, ch: ch}
	}
	return q.notifier.Subscribe()
}

// RecoverStaleClaims returns jobs stuck in processing longer than olderThan to pending.
func (q *QueueClient) RecoverStaleClaims(ctx context.Context, olderThan time.Duration) (int64, error) {
	n, err := q.store.RecoverStaleClaims(ctx, time.Now().Add(-olderThan))
	if err != nil {
		q.logger.Printf("QueueClient: recover stale claims: %v", err)
		return 0, fmt.Errorf("recover stale claims: %w", err)
	}
	if n > 0 {
		q.logger.Printf("QueueClient: recovered %d stale claim(s) older than %s", n, olderThan)
	}
	return n, nil
}

// Shutdown stops the change feed.
func (q *QueueClient) Shutdown() {
	if q.notifier != nil {
		q.notifier.Stop()
	}
	q.logger.Println("QueueClient: shutdown complete")
}
