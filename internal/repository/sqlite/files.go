package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mobvibe/mobvibe-worker/internal/domain"
)

// UpsertFileMetadata records the stored version of a session file.
func (s *Store) UpsertFileMetadata(ctx context.Context, m domain.FileMetadata) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO file_metadata (session_id, path, size, hash, modified_at, storage_path)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id, path) DO UPDATE SET
			size = excluded.size,
			hash = excluded.hash,
			modified_at = excluded.modified_at,
			storage_path = excluded.storage_path`,
		m.SessionID, m.Path, m.Size, m.Hash, formatTime(m.ModifiedAt), m.StoragePath)
	if err != nil {
		return fmt.Errorf("upsert file metadata %s: %w", m.Path, err)
	}
	return nil
}

// GetFileMetadata returns the metadata for one path, or nil when none is stored.
func (s *Store) GetFileMetadata(ctx context.Context, sessionID, path string) (*domain.FileMetadata, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT session_id, path, size, hash, modified_at, storage_path
		FROM file_metadata WHERE session_id = ? AND path = ?`, sessionID, path)
	m, err := scanFileMetadata(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get file metadata %s: %w", path, err)
	}
	return m, nil
}

// ListFileMetadata returns every stored file for a session, ordered by path.
func (s *Store) ListFileMetadata(ctx context.Context, sessionID string) ([]domain.FileMetadata, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, path, size, hash, modified_at, storage_path
		FROM file_metadata WHERE session_id = ? ORDER BY path`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list file metadata: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []domain.FileMetadata
	for rows.Next() {
		m, err := scanFileMetadata(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

func scanFileMetadata(row rowScanner) (*domain.FileMetadata, error) {
	var (
		m  domain.FileMetadata
		ts string
	)
	if err := row.Scan(&m.SessionID, &m.Path, &m.Size, &m.Hash, &ts, &m.StoragePath); err != nil {
		return nil, err
	}
	var err error
	if m.ModifiedAt, err = parseTime(ts, "file_metadata.modified_at"); err != nil {
		return nil, err
	}
	return &m, nil
}
