package app

import (
	"context"
	"encoding/hex"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/zeebo/blake3"

	"github.com/mobvibe/mobvibe-worker/internal/domain"
)

// HashContent returns the hex BLAKE3-256 digest of data.
func HashContent(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// FileStoragePath is the blob name for a session file.
func FileStoragePath(sessionID, relPath string) string {
	return path.Join("sessions", sessionID, "files", path.Clean("/" + relPath)[1:])
}

// skippedDirs are never synced.
var skippedDirs = map[string]bool{".git": true, "node_modules": true}

// FileSync moves file content between a sandbox directory and durable storage,
// keeping per-file metadata and reconciling divergent content.
type FileSync struct {
	meta     FileMetadataStore
	blobs    BlobStore
	resolver *ConflictResolver
	quota    int64
	logger   *log.Logger
	now      func() time.Time
}

// NewFileSync creates a FileSync. quota is the per-session byte limit (0 means unlimited).
func NewFileSync(meta FileMetadataStore, blobs BlobStore, resolver *ConflictResolver, quota int64, logger *log.Logger) *FileSync {
	return &FileSync{meta: meta, blobs: blobs, resolver: resolver, quota: quota, logger: logger, now: time.Now}
}

// UploadFile stores data for relPath and upserts its metadata.
func (f *FileSync) UploadFile(ctx context.Context, sessionID, relPath string, data []byte, modifiedAt time.Time) (domain.FileMetadata, error) {
	if modifiedAt.IsZero() {
		modifiedAt = f.now()
	}
	m := domain.FileMetadata{
		SessionID:   sessionID,
		Path:        relPath,
		Size:        int64(len(data)),
		Hash:        HashContent(data),
		ModifiedAt:  modifiedAt,
		StoragePath: FileStoragePath(sessionID, relPath),
	}
	if err := f.blobs.Put(ctx, m.StoragePath, data); err != nil {
		return m, NewTransientError(CodeSyncFailed, fmt.Sprintf("upload %s: %v", relPath, err),
			"Saving your files failed. Retrying shortly.", err)
	}
	if err := f.meta.UpsertFileMetadata(ctx, m); err != nil {
		return m, NewTransientError(CodeSyncFailed, fmt.Sprintf("record %s: %v", relPath, err),
			"Saving your files failed. Retrying shortly.", err)
	}
	return m, nil
}

// DownloadFile returns the stored content of relPath, verified against its hash.
func (f *FileSync) DownloadFile(ctx context.Context, sessionID, relPath string) ([]byte, *domain.FileMetadata, error) {
	m, err := f.meta.GetFileMetadata(ctx, sessionID, relPath)
	if err != nil {
		return nil, nil, fmt.Errorf("download %s: %w", relPath, err)
	}
	if m == nil {
		return nil, nil, fmt.Errorf("download %s: no stored version", relPath)
	}
	data, err := f.blobs.Get(ctx, m.StoragePath)
	if err != nil {
		return nil, m, fmt.Errorf("download %s: %w", relPath, err)
	}
	if got := HashContent(data); got != m.Hash {
		return nil, m, fmt.Errorf("download %s: hash mismatch (stored %s, got %s)", relPath, m.Hash, got)
	}
	return data, m, nil
}

// SyncDirectory reconciles dir with durable storage for a session. Local files
// without a stored version are uploaded; diverging files become conflicts
// resolved by the configured strategy; stored files missing locally are
// downloaded. Per-file failures are collected, not fatal.
func (f *FileSync) SyncDirectory(ctx context.Context, sessionID, dir string) (domain.SyncResult, error) {
	start := f.now()
	var res domain.SyncResult
	seen := make(map[string]bool)
	addErr := func(p string, err error) {
		res.Errors = append(res.Errors, domain.SyncError{Path: p, Error: err.Error()})
	}

	walkErr := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == dir {
				return err
			}
			addErr(p, err)
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if p != dir && skippedDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			addErr(p, err)
			return nil
		}
		rel = filepath.ToSlash(rel)
		seen[rel] = true
		if err := f.syncLocalFile(ctx, sessionID, dir, rel, &res); err != nil {
			addErr(rel, err)
		}
		return nil
	})
	if walkErr != nil {
		return res, fmt.Errorf("sync %s: %w", dir, walkErr)
	}

	stored, err := f.meta.ListFileMetadata(ctx, sessionID)
	if err != nil {
		addErr("", fmt.Errorf("list stored files: %w", err))
	}
	for _, m := range stored {
		if seen[m.Path] {
			continue
		}
		if err := f.writeLocal(ctx, sessionID, dir, m.Path); err != nil {
			addErr(m.Path, err)
			continue
		}
		res.Downloaded = append(res.Downloaded, m.Path)
	}

	res.Duration = f.now().Sub(start)
	f.logger.Printf("FileSync: session %s: %d uploaded, %d downloaded, %d conflict(s), %d error(s) in %s",
		sessionID, len(res.Uploaded), len(res.Downloaded), len(res.Conflicts), len(res.Errors), res.Duration)
	return res, nil
}

func (f *FileSync) syncLocalFile(ctx context.Context, sessionID, dir, rel string, res *domain.SyncResult) error {
	local := filepath.Join(dir, filepath.FromSlash(rel))
	info, err := os.Stat(local)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(local)
	if err != nil {
		return err
	}
	stored, err := f.meta.GetFileMetadata(ctx, sessionID, rel)
	if err != nil {
		return err
	}
	if stored == nil {
		if _, err := f.UploadFile(ctx, sessionID, rel, data, info.ModTime()); err != nil {
			return err
		}
		res.Uploaded = append(res.Uploaded, rel)
		return nil
	}
	localHash := HashContent(data)
	if localHash == stored.Hash {
		return nil
	}

	c := f.resolver.Resolve(domain.Conflict{
		Path:             rel,
		LocalHash:        localHash,
		RemoteHash:       stored.Hash,
		LocalModifiedAt:  info.ModTime(),
		RemoteModifiedAt: stored.ModifiedAt,
	})
	res.Conflicts = append(res.Conflicts, c)
	if !c.Resolved {
		return nil
	}
	switch c.Resolution {
	case domain.ResolutionLocal:
		if _, err := f.UploadFile(ctx, sessionID, rel, data, info.ModTime()); err != nil {
			return err
		}
		res.Uploaded = append(res.Uploaded, rel)
	case domain.ResolutionRemote:
		if err := f.writeLocal(ctx, sessionID, dir, rel); err != nil {
			return err
		}
		res.Downloaded = append(res.Downloaded, rel)
	}
	return nil
}

// writeLocal downloads relPath into dir and stamps the stored modification time.
func (f *FileSync) writeLocal(ctx context.Context, sessionID, dir, rel string) error {
	data, m, err := f.DownloadFile(ctx, sessionID, rel)
	if err != nil {
		return err
	}
	local := filepath.Join(dir, filepath.FromSlash(path.Clean("/" + rel)[1:]))
	if err := os.MkdirAll(filepath.Dir(local), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(local, data, 0o644); err != nil {
		return err
	}
	if err := os.Chtimes(local, m.ModifiedAt, m.ModifiedAt); err != nil {
		return err
	}
	return nil
}

// StorageQuota sums stored file sizes for a session against the configured limit.
func (f *FileSync) StorageQuota(ctx context.Context, sessionID string) (domain.StorageQuota, error) {
	files, err := f.meta.ListFileMetadata(ctx, sessionID)
	if err != nil {
		return domain.StorageQuota{}, fmt.Errorf("storage quota: %w", err)
	}
	q := domain.StorageQuota{Limit: f.quota}
	for _, m := range files {
		q.Used += m.Size
	}
	if q.Limit > 0 {
		q.Remaining = max(q.Limit-q.Used, 0)
		q.Percent = float64(q.Used) / float64(q.Limit) * 100
	}
	return q, nil
}
