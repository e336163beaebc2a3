package app

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/mobvibe/mobvibe-worker/internal/domain"
)

func newTestFileSync(t *testing.T, strategy domain.ConflictStrategy) (*FileSync, *memStore, *memBlobs) {
	t.Helper()
	r, err := NewConflictResolver(strategy)
	if err != nil {
		t.Fatal(err)
	}
	store, blobs := newMemStore(), newMemBlobs()
	return NewFileSync(store, blobs, r, 1000, discardLogger()), store, blobs
}

func writeLocal(t *testing.T, dir, rel, content string, mod time.Time) {
	t.Helper()
	p := filepath.Join(dir, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(p, mod, mod); err != nil {
		t.Fatal(err)
	}
}

func TestConflictResolver(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		name         string
		strategy     domain.ConflictStrategy
		local        time.Time
		remote       time.Time
		wantResolved bool
		want         domain.Resolution
	}{
		{"lww local newer", domain.StrategyLastWriteWins, t0.Add(time.Second), t0, true, domain.ResolutionLocal},
		{"lww remote newer", domain.StrategyLastWriteWins, t0, t0.Add(time.Second), true, domain.ResolutionRemote},
		{"lww tie goes remote", domain.StrategyLastWriteWins, t0, t0, true, domain.ResolutionRemote},
		{"user intervention", domain.StrategyUserIntervention, t0.Add(time.Hour), t0, false, ""},
		{"auto merge falls back", domain.StrategyAutoMerge, t0.Add(time.Second), t0, true, domain.ResolutionLocal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := NewConflictResolver(tt.strategy)
			if err != nil {
				t.Fatal(err)
			}
			c := r.Resolve(domain.Conflict{Path: "a", LocalModifiedAt: tt.local, RemoteModifiedAt: tt.remote})
			if c.Resolved != tt.wantResolved || c.Resolution != tt.want {
				t.Fatalf("got resolved=%v resolution=%q", c.Resolved, c.Resolution)
			}
			if c.Strategy != tt.strategy {
				t.Fatalf("strategy = %q", c.Strategy)
			}
		})
	}
}

func TestConflictResolver_Unknown(t *testing.T) {
	if _, err := NewConflictResolver("coin_flip"); err == nil {
		t.Fatal("expected error for unknown strategy")
	}
	r, err := NewConflictResolver("")
	if err != nil || r.Strategy() != domain.StrategyLastWriteWins {
		t.Fatalf("empty strategy: %v %q", err, r.Strategy())
	}
}

func TestHashContent(t *testing.T) {
	a, b := HashContent([]byte("hello")), HashContent([]byte("hello"))
	if a != b || len(a) != 64 {
		t.Fatalf("hash = %q", a)
	}
	if a == HashContent([]byte("hello!")) {
		t.Fatal("different content hashed equal")
	}
}

func TestFileSync_UploadDownload(t *testing.T) {
	ctx := context.Background()
	fs, _, blobs := newTestFileSync(t, domain.StrategyLastWriteWins)
	m, err := fs.UploadFile(ctx, "s1", "src/main.go", []byte("package main"), time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if m.StoragePath != "sessions/s1/files/src/main.go" || m.Size != 12 {
		t.Fatalf("metadata = %+v", m)
	}
	data, got, err := fs.DownloadFile(ctx, "s1", "src/main.go")
	if err != nil || string(data) != "package main" || got.Hash != m.Hash {
		t.Fatalf("download = %q %+v %v", data, got, err)
	}

	blobs.data[m.StoragePath] = []byte("tampered")
	if _, _, err := fs.DownloadFile(ctx, "s1", "src/main.go"); err == nil {
		t.Fatal("expected hash mismatch")
	}
	if _, _, err := fs.DownloadFile(ctx, "s1", "missing"); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestFileSync_UploadFailureIsTransient(t *testing.T) {
	fs, _, blobs := newTestFileSync(t, domain.StrategyLastWriteWins)
	blobs.putErr = errors.New("disk full")
	_, err := fs.UploadFile(context.Background(), "s1", "a.txt", []byte("x"), time.Now())
	var we *WorkerError
	if !errors.As(err, &we) || we.Code != CodeSyncFailed || !we.Retryable {
		t.Fatalf("err = %v", err)
	}
}

func TestFileSync_SyncDirectoryUploadsNewFiles(t *testing.T) {
	ctx := context.Background()
	fs, store, _ := newTestFileSync(t, domain.StrategyLastWriteWins)
	dir := t.TempDir()
	now := time.Now().Truncate(time.Second)
	writeLocal(t, dir, "a.txt", "A", now)
	writeLocal(t, dir, "sub/b.txt", "B", now)
	writeLocal(t, dir, ".git/HEAD", "ref", now)
	writeLocal(t, dir, "node_modules/x/index.js", "x", now)

	res, err := fs.SyncDirectory(ctx, "s1", dir)
	if err != nil {
		t.Fatal(err)
	}
	slices.Sort(res.Uploaded)
	if !slices.Equal(res.Uploaded, []string{"a.txt", "sub/b.txt"}) {
		t.Fatalf("uploaded = %v", res.Uploaded)
	}
	if len(res.Conflicts) != 0 || len(res.Errors) != 0 || len(res.Downloaded) != 0 {
		t.Fatalf("result = %+v", res)
	}
	if files, _ := store.ListFileMetadata(ctx, "s1"); len(files) != 2 {
		t.Fatalf("stored %d files", len(files))
	}

	// Unchanged content is a no-op.
	res, err = fs.SyncDirectory(ctx, "s1", dir)
	if err != nil || len(res.Uploaded)+len(res.Downloaded)+len(res.Conflicts) != 0 {
		t.Fatalf("second sync = %+v, %v", res, err)
	}
}

func TestFileSync_LocalNewerWins(t *testing.T) {
	ctx := context.Background()
	fs, store, _ := newTestFileSync(t, domain.StrategyLastWriteWins)
	dir := t.TempDir()
	t0 := time.Now().Add(-time.Hour).Truncate(time.Second)
	if _, err := fs.UploadFile(ctx, "s1", "a.txt", []byte("old"), t0); err != nil {
		t.Fatal(err)
	}
	writeLocal(t, dir, "a.txt", "new", t0.Add(time.Minute))

	res, err := fs.SyncDirectory(ctx, "s1", dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Conflicts) != 1 || res.Conflicts[0].Resolution != domain.ResolutionLocal || !res.Conflicts[0].Resolved {
		t.Fatalf("conflicts = %+v", res.Conflicts)
	}
	if !slices.Equal(res.Uploaded, []string{"a.txt"}) {
		t.Fatalf("uploaded = %v", res.Uploaded)
	}
	m, _ := store.GetFileMetadata(ctx, "s1", "a.txt")
	if m.Hash != HashContent([]byte("new")) {
		t.Fatal("stored version not replaced by local")
	}
}

func TestFileSync_RemoteNewerWins(t *testing.T) {
	ctx := context.Background()
	fs, _, _ := newTestFileSync(t, domain.StrategyLastWriteWins)
	dir := t.TempDir()
	t0 := time.Now().Add(-time.Hour).Truncate(time.Second)
	writeLocal(t, dir, "a.txt", "local", t0)
	if _, err := fs.UploadFile(ctx, "s1", "a.txt", []byte("remote"), t0.Add(time.Minute)); err != nil {
		t.Fatal(err)
	}

	res, err := fs.SyncDirectory(ctx, "s1", dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Conflicts) != 1 || res.Conflicts[0].Resolution != domain.ResolutionRemote {
		t.Fatalf("conflicts = %+v", res.Conflicts)
	}
	got, _ := os.ReadFile(filepath.Join(dir, "a.txt"))
	if string(got) != "remote" {
		t.Fatalf("local content = %q", got)
	}
	info, _ := os.Stat(filepath.Join(dir, "a.txt"))
	if !info.ModTime().Equal(t0.Add(time.Minute)) {
		t.Fatalf("mtime = %v", info.ModTime())
	}
}

func TestFileSync_UserInterventionLeavesBothSides(t *testing.T) {
	ctx := context.Background()
	fs, store, _ := newTestFileSync(t, domain.StrategyUserIntervention)
	dir := t.TempDir()
	t0 := time.Now().Add(-time.Hour).Truncate(time.Second)
	if _, err := fs.UploadFile(ctx, "s1", "a.txt", []byte("remote"), t0); err != nil {
		t.Fatal(err)
	}
	writeLocal(t, dir, "a.txt", "local", t0.Add(time.Minute))

	res, err := fs.SyncDirectory(ctx, "s1", dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Conflicts) != 1 || res.Conflicts[0].Resolved {
		t.Fatalf("conflicts = %+v", res.Conflicts)
	}
	if len(res.Uploaded)+len(res.Downloaded) != 0 {
		t.Fatalf("result = %+v", res)
	}
	got, _ := os.ReadFile(filepath.Join(dir, "a.txt"))
	m, _ := store.GetFileMetadata(ctx, "s1", "a.txt")
	if string(got) != "local" || m.Hash != HashContent([]byte("remote")) {
		t.Fatal("unresolved conflict modified a side")
	}
}

func TestFileSync_DownloadsRemoteOnly(t *testing.T) {
	ctx := context.Background()
	fs, _, _ := newTestFileSync(t, domain.StrategyLastWriteWins)
	dir := t.TempDir()
	if _, err := fs.UploadFile(ctx, "s1", "deep/dir/c.txt", []byte("C"), time.Now()); err != nil {
		t.Fatal(err)
	}
	res, err := fs.SyncDirectory(ctx, "s1", dir)
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(res.Downloaded, []string{"deep/dir/c.txt"}) {
		t.Fatalf("downloaded = %v", res.Downloaded)
	}
	got, err := os.ReadFile(filepath.Join(dir, "deep", "dir", "c.txt"))
	if err != nil || string(got) != "C" {
		t.Fatalf("local = %q %v", got, err)
	}
}

func TestFileSync_PerFileErrorsCollected(t *testing.T) {
	ctx := context.Background()
	fs, _, blobs := newTestFileSync(t, domain.StrategyLastWriteWins)
	dir := t.TempDir()
	writeLocal(t, dir, "a.txt", "A", time.Now())
	blobs.putErr = errors.New("unavailable")

	res, err := fs.SyncDirectory(ctx, "s1", dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Errors) != 1 || res.Errors[0].Path != "a.txt" {
		t.Fatalf("errors = %+v", res.Errors)
	}
}

func TestFileSync_MissingDirectory(t *testing.T) {
	fs, _, _ := newTestFileSync(t, domain.StrategyLastWriteWins)
	if _, err := fs.SyncDirectory(context.Background(), "s1", filepath.Join(t.TempDir(), "nope")); err == nil {
		t.Fatal("expected error for missing directory")
	}
}

func TestFileSync_StorageQuota(t *testing.T) {
	ctx := context.Background()
	fs, _, _ := newTestFileSync(t, domain.StrategyLastWriteWins)
	if _, err := fs.UploadFile(ctx, "s1", "a", make([]byte, 250), time.Now()); err != nil {
		t.Fatal(err)
	}
	q, err := fs.StorageQuota(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if q.Used != 250 || q.Limit != 1000 || q.Remaining != 750 || q.Percent != 25 {
		t.Fatalf("quota = %+v", q)
	}
}
