// Package app implements the worker's use cases and defines its ports (repository interfaces).
package app

import (
	"context"
	"time"

	"github.com/mobvibe/mobvibe-worker/internal/domain"
)

// JobStore is the atomic claim/ack/fail surface over the shared job table.
// Implementation: internal/repository/sqlite.
type JobStore interface {
	EnqueueJob(ctx context.Context, job *domain.Job) (int64, error)
	ClaimNextJob(ctx context.Context) (*domain.Job, error)
	CompleteJob(ctx context.Context, id int64) error
	FailJob(ctx context.Context, id int64, errorMessage string) (bool, error)
	QueueStats(ctx context.Context) (domain.QueueStats, error)
	PendingJobIDsAfter(ctx context.Context, afterID int64) ([]int64, error)
	MaxJobID(ctx context.Context) (int64, error)
	RecoverStaleClaims(ctx context.Context, cutoff time.Time) (int64, error)
}

// SessionStore holds session rows. Status is written only by SessionManager;
// sandbox id and preview fields by their own managers.
type SessionStore interface {
	CreateSession(ctx context.Context, sess *domain.Session) error
	GetSession(ctx context.Context, id string) (*domain.Session, error)
	UpdateSessionStatus(ctx context.Context, id string, status domain.SessionStatus, at time.Time, errorMessage string) error
	SetSandboxID(ctx context.Context, id, sandboxID string) error
	UpdateSessionStats(ctx context.Context, id string, stats domain.SessionStats) error
	SetPreview(ctx context.Context, id, status, url string) error
}

// EventStore is the append-only session event log.
type EventStore interface {
	AppendEvent(ctx context.Context, ev *domain.SessionEvent) error
	ListEvents(ctx context.Context, sessionID string, afterID int64, limit int) ([]domain.SessionEvent, error)
}

// FileMetadataStore tracks the stored version of every synced file.
type FileMetadataStore interface {
	UpsertFileMetadata(ctx context.Context, m domain.FileMetadata) error
	GetFileMetadata(ctx context.Context, sessionID, path string) (*domain.FileMetadata, error)
	ListFileMetadata(ctx context.Context, sessionID string) ([]domain.FileMetadata, error)
}

// BlobStore is durable object storage.
// Implementation: internal/storage.
type BlobStore interface {
	Put(ctx context.Context, path string, data []byte) error
	Get(ctx context.Context, path string) ([]byte, error)
	List(ctx context.Context, prefix string) ([]string, error)
}

// Repository bundles every store the worker needs; the SQLite store satisfies all of them.
type Repository interface {
	JobStore
	SessionStore
	EventStore
	FileMetadataStore
	Close() error
}
