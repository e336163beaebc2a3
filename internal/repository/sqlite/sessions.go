package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mobvibe/mobvibe-worker/internal/domain"
)

// CreateSession inserts a session row. A blank status defaults to pending.
func (s *Store) CreateSession(ctx context.Context, sess *domain.Session) error {
	now := s.now()
	if sess.Status == "" {
		sess.Status = domain.SessionPending
	}
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	sess.UpdatedAt = now
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, prompt, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		sess.ID, sess.Prompt, string(sess.Status), formatTime(sess.CreatedAt), formatTime(now))
	if err != nil {
		return fmt.Errorf("create session %s: %w", sess.ID, err)
	}
	return nil
}

// GetSession loads a session row. Missing rows return domain.ErrSessionNotFound.
func (s *Store) GetSession(ctx context.Context, id string) (*domain.Session, error) {
	var (
		sess                     domain.Session
		status, created, updated string
		started, completed       sql.NullString
		durationMS               int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, prompt, status, sandbox_id, started_at, completed_at, error_message,
			iterations, input_tokens, output_tokens, tool_calls, duration_ms,
			preview_status, preview_url, created_at, updated_at
		FROM sessions WHERE id = ?`, id).Scan(
		&sess.ID, &sess.Prompt, &status, &sess.SandboxID, &started, &completed, &sess.ErrorMessage,
		&sess.Stats.Iterations, &sess.Stats.InputTokens, &sess.Stats.OutputTokens, &sess.Stats.ToolCalls,
		&durationMS, &sess.PreviewStatus, &sess.PreviewURL, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}
	sess.Status = domain.SessionStatus(status)
	sess.Stats.Duration = time.Duration(durationMS) * time.Millisecond
	if sess.StartedAt, err = parseNullTime(started, "sessions.started_at"); err != nil {
		return nil, err
	}
	if sess.CompletedAt, err = parseNullTime(completed, "sessions.completed_at"); err != nil {
		return nil, err
	}
	if sess.CreatedAt, err = parseTime(created, "sessions.created_at"); err != nil {
		return nil, err
	}
	if sess.UpdatedAt, err = parseTime(updated, "sessions.updated_at"); err != nil {
		return nil, err
	}
	return &sess, nil
}

// UpdateSessionStatus persists a transition. Entering active stamps started_at once;
// entering completed or failed stamps completed_at. A non-empty errorMessage is stored.
func (s *Store) UpdateSessionStatus(ctx context.Context, id string, status domain.SessionStatus, at time.Time, errorMessage string) error {
	ts := formatTime(at)
	st := string(status)
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET
			status = ?,
			updated_at = ?,
			started_at = CASE WHEN ? = 'active' AND started_at IS NULL THEN ? ELSE started_at END,
			completed_at = CASE WHEN ? IN ('completed', 'failed') THEN ? ELSE completed_at END,
			error_message = CASE WHEN ? != '' THEN ? ELSE error_message END
		WHERE id = ?`,
		st, ts, st, ts, st, ts, errorMessage, errorMessage, id)
	if err != nil {
		return fmt.Errorf("update session %s status: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrSessionNotFound
	}
	return nil
}

// SetSandboxID records (or clears, with "") the sandbox serving a session.
func (s *Store) SetSandboxID(ctx context.Context, id, sandboxID string) error {
	return s.updateSession(ctx, id, "sandbox_id = ?", sandboxID)
}

// UpdateSessionStats overwrites the accumulated run stats.
func (s *Store) UpdateSessionStats(ctx context.Context, id string, stats domain.SessionStats) error {
	return s.updateSession(ctx, id,
		"iterations = ?, input_tokens = ?, output_tokens = ?, tool_calls = ?, duration_ms = ?",
		stats.Iterations, stats.InputTokens, stats.OutputTokens, stats.ToolCalls, stats.Duration.Milliseconds())
}

// SetPreview records the preview outcome for a session.
func (s *Store) SetPreview(ctx context.Context, id, status, url string) error {
	return s.updateSession(ctx, id, "preview_status = ?, preview_url = ?", status, url)
}

func (s *Store) updateSession(ctx context.Context, id, set string, args ...any) error {
	args = append(args, formatTime(s.now()), id)
	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET `+set+`, updated_at = ? WHERE id = ?`, args...)
	if err != nil {
		return fmt.Errorf("update session %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrSessionNotFound
	}
	return nil
}

// AppendEvent inserts an immutable session event and sets its ID.
func (s *Store) AppendEvent(ctx context.Context, ev *domain.SessionEvent) error {
	if ev.Payload == nil {
		return fmt.Errorf("append event: nil payload")
	}
	data, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("append event: marshal %s: %w", ev.Type, err)
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = s.now()
	}
	ev.Type = ev.Payload.EventType()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO session_events (session_id, event_type, data, timestamp) VALUES (?, ?, ?, ?)`,
		ev.SessionID, string(ev.Type), string(data), formatTime(ev.Timestamp))
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	if ev.ID, err = res.LastInsertId(); err != nil {
		return fmt.Errorf("append event id: %w", err)
	}
	return nil
}

// ListEvents returns a session's events with id > afterID in insertion order.
// limit <= 0 means no limit.
func (s *Store) ListEvents(ctx context.Context, sessionID string, afterID int64, limit int) ([]domain.SessionEvent, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, event_type, data, timestamp FROM session_events
		 WHERE session_id = ? AND id > ? ORDER BY id LIMIT ?`,
		sessionID, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []domain.SessionEvent
	for rows.Next() {
		var (
			ev           domain.SessionEvent
			evType, data string
			ts           string
		)
		if err := rows.Scan(&ev.ID, &ev.SessionID, &evType, &data, &ts); err != nil {
			return nil, err
		}
		ev.Type = domain.EventType(evType)
		if ev.Payload, err = domain.DecodeEventPayload(ev.Type, []byte(data)); err != nil {
			return nil, fmt.Errorf("event %d: %w", ev.ID, err)
		}
		if ev.Timestamp, err = parseTime(ts, "session_events.timestamp"); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}
