package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mobvibe/mobvibe-worker/internal/domain"
)

const jobColumns = `id, session_id, prompt, priority, status, retry_count, max_retries,
	error_message, created_at, claimed_at, completed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*domain.Job, error) {
	var (
		j                    domain.Job
		status, created      string
		claimed, completedAt sql.NullString
	)
	if err := row.Scan(&j.ID, &j.SessionID, &j.Prompt, &j.Priority, &status, &j.RetryCount,
		&j.MaxRetries, &j.ErrorMessage, &created, &claimed, &completedAt); err != nil {
		return nil, err
	}
	j.Status = domain.JobStatus(status)
	var err error
	if j.CreatedAt, err = parseTime(created, "jobs.created_at"); err != nil {
		return nil, err
	}
	if j.ClaimedAt, err = parseNullTime(claimed, "jobs.claimed_at"); err != nil {
		return nil, err
	}
	if j.CompletedAt, err = parseNullTime(completedAt, "jobs.completed_at"); err != nil {
		return nil, err
	}
	return &j, nil
}

// EnqueueJob inserts a pending job and returns its id. A zero CreatedAt is stamped with now.
func (s *Store) EnqueueJob(ctx context.Context, job *domain.Job) (int64, error) {
	created := job.CreatedAt
	if created.IsZero() {
		created = s.now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (session_id, prompt, priority, status, retry_count, max_retries, created_at)
		 VALUES (?, ?, ?, 'pending', 0, ?, ?)`,
		job.SessionID, job.Prompt, job.Priority, job.MaxRetries, formatTime(created))
	if err != nil {
		return 0, fmt.Errorf("enqueue job: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("enqueue job id: %w", err)
	}
	job.ID = id
	job.Status = domain.JobPending
	job.CreatedAt = created
	return id, nil
}

// ClaimNextJob atomically moves the best pending job to processing and returns it.
// Highest priority wins, then oldest created_at, then lowest id. Returns nil when
// nothing is pending. The select and update are one statement, so two callers
// (in this process or another) can never claim the same row.
func (s *Store) ClaimNextJob(ctx context.Context) (*domain.Job, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE jobs SET status = 'processing', claimed_at = ?
		WHERE id = (
			SELECT id FROM jobs WHERE status = 'pending'
			ORDER BY priority DESC, created_at ASC, id ASC
			LIMIT 1
		) AND status = 'pending'
		RETURNING `+jobColumns,
		formatTime(s.now()))
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	return job, nil
}

// GetJob loads a job by id.
func (s *Store) GetJob(ctx context.Context, id int64) (*domain.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job %d: %w", id, err)
	}
	return job, nil
}

// CompleteJob acknowledges a processing job.
func (s *Store) CompleteJob(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = 'completed', completed_at = ?, error_message = ''
		 WHERE id = ? AND status = 'processing'`,
		formatTime(s.now()), id)
	if err != nil {
		return fmt.Errorf("complete job %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("complete job %d: %w", id, domain.ErrJobNotFound)
	}
	return nil
}

// FailJob records a failed attempt. While retry_count < max_retries the counter is
// incremented, the job returns to pending and true is returned. Otherwise the job is
// dead-lettered (status failed), the owning session is marked failed in the same
// transaction, and false is returned.
func (s *Store) FailJob(ctx context.Context, id int64, errorMessage string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("fail job %d: begin: %w", id, err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		sessionID            string
		status               string
		retryCount, maxRetry int
	)
	err = tx.QueryRowContext(ctx,
		`SELECT session_id, status, retry_count, max_retries FROM jobs WHERE id = ?`, id).
		Scan(&sessionID, &status, &retryCount, &maxRetry)
	if errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("fail job %d: %w", id, domain.ErrJobNotFound)
	}
	if err != nil {
		return false, fmt.Errorf("fail job %d: %w", id, err)
	}
	if status == string(domain.JobCompleted) || status == string(domain.JobFailed) {
		return false, fmt.Errorf("fail job %d: job already %s", id, status)
	}

	now := formatTime(s.now())
	willRetry := retryCount < maxRetry
	if willRetry {
		_, err = tx.ExecContext(ctx,
			`UPDATE jobs SET status = 'pending', retry_count = retry_count + 1,
			 error_message = ?, claimed_at = NULL WHERE id = ?`,
			errorMessage, id)
		if err != nil {
			return false, fmt.Errorf("fail job %d: requeue: %w", id, err)
		}
	} else {
		_, err = tx.ExecContext(ctx,
			`UPDATE jobs SET status = 'failed', error_message = ?, completed_at = ? WHERE id = ?`,
			errorMessage, now, id)
		if err != nil {
			return false, fmt.Errorf("fail job %d: dead-letter: %w", id, err)
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE sessions SET status = 'failed', error_message = ?, completed_at = ?, updated_at = ?
			 WHERE id = ? AND status NOT IN ('completed', 'failed', 'expired')`,
			errorMessage, now, now, sessionID)
		if err != nil {
			return false, fmt.Errorf("fail job %d: fail session %s: %w", id, sessionID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("fail job %d: commit: %w", id, err)
	}
	return willRetry, nil
}

// QueueStats counts jobs per status and reports the age of the oldest pending job.
func (s *Store) QueueStats(ctx context.Context) (domain.QueueStats, error) {
	var stats domain.QueueStats
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return stats, fmt.Errorf("queue stats: %w", err)
	}
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			_ = rows.Close()
			return stats, fmt.Errorf("queue stats: %w", err)
		}
		switch domain.JobStatus(status) {
		case domain.JobPending:
			stats.Pending = n
		case domain.JobProcessing:
			stats.Processing = n
		case domain.JobCompleted:
			stats.Completed = n
		case domain.JobFailed:
			stats.Failed = n
		}
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return stats, fmt.Errorf("queue stats iteration: %w", err)
	}

	var oldest sql.NullString
	if err := s.db.QueryRowContext(ctx,
		`SELECT MIN(created_at) FROM jobs WHERE status = 'pending'`).Scan(&oldest); err != nil {
		return stats, fmt.Errorf("queue stats oldest: %w", err)
	}
	t, err := parseNullTime(oldest, "jobs.created_at")
	if err != nil {
		return stats, err
	}
	if !t.IsZero() {
		if age := s.now().Sub(t); age > 0 {
			stats.OldestPendingAge = age
		}
	}
	return stats, nil
}

// PendingJobIDsAfter lists pending job ids greater than afterID, ascending.
// The job notifier uses it to tell newly inserted jobs from ones it already saw.
func (s *Store) PendingJobIDsAfter(ctx context.Context, afterID int64) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM jobs WHERE status = 'pending' AND id > ? ORDER BY id`, afterID)
	if err != nil {
		return nil, fmt.Errorf("pending job ids: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// MaxJobID returns the highest job id ever inserted (0 for an empty table).
func (s *Store) MaxJobID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(id) FROM jobs`).Scan(&id); err != nil {
		return 0, fmt.Errorf("max job id: %w", err)
	}
	return id.Int64, nil
}

// RecoverStaleClaims returns jobs stuck in processing since before cutoff to pending.
// Retry counts are untouched: the worker that claimed them never reported an outcome.
func (s *Store) RecoverStaleClaims(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = 'pending', claimed_at = NULL
		 WHERE status = 'processing' AND claimed_at < ?`,
		formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("recover stale claims: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
