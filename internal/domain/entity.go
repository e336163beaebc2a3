// Package domain holds worker entities: jobs, sessions, session events and file sync records.
// It has no dependencies on other packages.
package domain

import "time"

// JobStatus is the queue state of a job.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed" // dead-letter: retries exhausted
)

// Job is one queued request to run a coding session.
type Job struct {
	ID           int64     `json:"job_id"`
	SessionID    string    `json:"session_id"`
	Prompt       string    `json:"prompt"`
	Priority     int       `json:"priority"`
	Status       JobStatus `json:"status"`
	RetryCount   int       `json:"retry_count"`
	MaxRetries   int       `json:"max_retries"`
	ErrorMessage string    `json:"error_message,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	ClaimedAt    time.Time `json:"claimed_at,omitempty"`
	CompletedAt  time.Time `json:"completed_at,omitempty"`
}

// QueueStats is a point-in-time summary of the job table.
type QueueStats struct {
	Pending          int           `json:"pending"`
	Processing       int           `json:"processing"`
	Completed        int           `json:"completed"`
	Failed           int           `json:"failed"`
	OldestPendingAge time.Duration `json:"oldest_pending_age"`
}

// SessionStatus is a state of the session state machine.
type SessionStatus string

const (
	SessionPending   SessionStatus = "pending"
	SessionActive    SessionStatus = "active"
	SessionPaused    SessionStatus = "paused"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
	SessionExpired   SessionStatus = "expired"
)

// sessionTransitions is the legal transition table. Terminal states map to nothing.
var sessionTransitions = map[SessionStatus][]SessionStatus{
	SessionPending:   {SessionActive, SessionExpired},
	SessionActive:    {SessionPaused, SessionCompleted, SessionFailed, SessionExpired},
	SessionPaused:    {SessionActive, SessionFailed, SessionExpired},
	SessionCompleted: {},
	SessionFailed:    {},
	SessionExpired:   {},
}

// CanTransition reports whether from -> to is a legal session transition.
func CanTransition(from, to SessionStatus) bool {
	for _, next := range sessionTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no transition leaves s.
func (s SessionStatus) IsTerminal() bool {
	next, ok := sessionTransitions[s]
	return ok && len(next) == 0
}

// AllSessionStatuses lists every state, in table order.
func AllSessionStatuses() []SessionStatus {
	return []SessionStatus{SessionPending, SessionActive, SessionPaused, SessionCompleted, SessionFailed, SessionExpired}
}

// SessionStats accumulates agent usage for a session.
type SessionStats struct {
	Iterations   int           `json:"iterations"`
	InputTokens  int64         `json:"input_tokens"`
	OutputTokens int64         `json:"output_tokens"`
	ToolCalls    int           `json:"tool_calls"`
	Duration     time.Duration `json:"duration,omitempty"`
}

// Add returns s with other's counters added.
func (s SessionStats) Add(other SessionStats) SessionStats {
	s.Iterations += other.Iterations
	s.InputTokens += other.InputTokens
	s.OutputTokens += other.OutputTokens
	s.ToolCalls += other.ToolCalls
	return s
}

// Session is the durable record of one agent run building one app.
type Session struct {
	ID            string        `json:"id"`
	Prompt        string        `json:"prompt"`
	Status        SessionStatus `json:"status"`
	SandboxID     string        `json:"sandbox_id,omitempty"`
	StartedAt     time.Time     `json:"started_at,omitempty"`
	CompletedAt   time.Time     `json:"completed_at,omitempty"`
	ErrorMessage  string        `json:"error_message,omitempty"`
	Stats         SessionStats  `json:"stats"`
	PreviewStatus string        `json:"preview_status,omitempty"` // "", ready, failed
	PreviewURL    string        `json:"preview_url,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// ConflictStrategy selects how divergent file content is reconciled.
type ConflictStrategy string

const (
	StrategyLastWriteWins    ConflictStrategy = "last_write_wins"
	StrategyUserIntervention ConflictStrategy = "user_intervention"
	StrategyAutoMerge        ConflictStrategy = "auto_merge" // falls back to last_write_wins
)

// Resolution names the side that won a conflict. Empty while unresolved.
type Resolution string

const (
	ResolutionLocal  Resolution = "local"
	ResolutionRemote Resolution = "remote"
)

// Conflict is a divergence between local and stored content for one path.
type Conflict struct {
	Path             string           `json:"path"`
	LocalHash        string           `json:"local_hash"`
	RemoteHash       string           `json:"remote_hash"`
	LocalModifiedAt  time.Time        `json:"local_modified_at"`
	RemoteModifiedAt time.Time        `json:"remote_modified_at"`
	Strategy         ConflictStrategy `json:"strategy"`
	Resolved         bool             `json:"resolved"`
	Resolution       Resolution       `json:"resolution,omitempty"`
}

// FileMetadata is the stored record for one synced file.
type FileMetadata struct {
	SessionID   string    `json:"session_id"`
	Path        string    `json:"path"`
	Size        int64     `json:"size"`
	Hash        string    `json:"hash"`
	ModifiedAt  time.Time `json:"modified_at"`
	StoragePath string    `json:"storage_path"`
}

// SyncError is a per-file failure during a directory sync.
type SyncError struct {
	Path  string `json:"path"`
	Error string `json:"error"`
}

// SyncResult aggregates one syncDirectory run.
type SyncResult struct {
	Uploaded   []string      `json:"uploaded"`
	Downloaded []string      `json:"downloaded"`
	Conflicts  []Conflict    `json:"conflicts"`
	Errors     []SyncError   `json:"errors"`
	Duration   time.Duration `json:"duration"`
}

// StorageQuota reports stored bytes for a session against its limit.
type StorageQuota struct {
	Used      int64   `json:"used"`
	Limit     int64   `json:"limit"`
	Remaining int64   `json:"remaining"`
	Percent   float64 `json:"percent"`
}
