package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
)

const defaultExecTimeout = 5 * time.Minute

// LocalProvider runs each sandbox as a work directory on this host. Commands run
// in their own process group so a timeout kills the whole tree. Memory and CPU
// limits are recorded but not enforced.
type LocalProvider struct {
	root        string
	execTimeout time.Duration
	logger      *log.Logger

	mu        sync.Mutex
	sandboxes map[string]*Sandbox
}

// LocalOption configures a LocalProvider.
type LocalOption func(*LocalProvider)

// WithExecTimeout sets the per-command time budget.
func WithExecTimeout(d time.Duration) LocalOption {
	return func(p *LocalProvider) { p.execTimeout = d }
}

// NewLocalProvider creates sandboxes under root.
func NewLocalProvider(root string, logger *log.Logger, opts ...LocalOption) *LocalProvider {
	p := &LocalProvider{
		root:        root,
		execTimeout: defaultExecTimeout,
		logger:      logger,
		sandboxes:   make(map[string]*Sandbox),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Create makes a fresh work directory.
func (p *LocalProvider) Create(ctx context.Context, cfg Config) (*Sandbox, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	id := "sb-" + uuid.NewString()
	dir := filepath.Join(p.root, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create sandbox dir: %w", err)
	}
	sb := &Sandbox{ID: id, Config: cfg, CreatedAt: time.Now(), WorkDir: dir}
	p.mu.Lock()
	p.sandboxes[id] = sb
	p.mu.Unlock()
	p.logger.Printf("LocalProvider: created %s (image=%s mem=%dMB cpus=%d)", id, cfg.Image, cfg.MemoryMB, cfg.CPUs)
	return sb, nil
}

// Exec runs argv to completion.
func (p *LocalProvider) Exec(ctx context.Context, id string, argv []string) (ExecResult, error) {
	return p.ExecStreaming(ctx, id, argv, nil, nil)
}

// ExecStreaming runs argv, teeing output to stdout/stderr when they are non-nil.
func (p *LocalProvider) ExecStreaming(ctx context.Context, id string, argv []string, stdout, stderr io.Writer) (ExecResult, error) {
	return p.run(ctx, id, argv, nil, stdout, stderr)
}

// ExecInput runs argv with r as its stdin.
func (p *LocalProvider) ExecInput(ctx context.Context, id string, argv []string, r io.Reader) (ExecResult, error) {
	return p.run(ctx, id, argv, r, nil, nil)
}

func (p *LocalProvider) run(ctx context.Context, id string, argv []string, stdin io.Reader, stdout, stderr io.Writer) (ExecResult, error) {
	if len(argv) == 0 {
		return ExecResult{}, errors.New("exec: empty argv")
	}
	p.mu.Lock()
	sb, ok := p.sandboxes[id]
	p.mu.Unlock()
	if !ok {
		return ExecResult{}, fmt.Errorf("exec in %s: %w", id, ErrNotFound)
	}

	ctx, cancel := context.WithTimeout(ctx, p.execTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = sb.WorkDir
	cmd.Env = append(os.Environ(), "HOME="+sb.WorkDir, "MOBVIBE_SANDBOX_ID="+sb.ID)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = 2 * time.Second

	var outBuf, errBuf bytes.Buffer
	cmd.Stdin = stdin
	cmd.Stdout = teeTo(&outBuf, stdout)
	cmd.Stderr = teeTo(&errBuf, stderr)

	runErr := cmd.Run()
	res := ExecResult{Stdout: outBuf.String(), Stderr: errBuf.String()}
	if ctx.Err() == context.DeadlineExceeded {
		res.ExitCode = -1
		return res, fmt.Errorf("%w after %s", ErrExecTimeout, p.execTimeout)
	}
	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		return res, fmt.Errorf("exec in %s: %w", id, runErr)
	}
	return res, nil
}

// Destroy removes the sandbox's work directory.
func (p *LocalProvider) Destroy(ctx context.Context, id string) error {
	p.mu.Lock()
	sb, ok := p.sandboxes[id]
	delete(p.sandboxes, id)
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("destroy %s: %w", id, ErrNotFound)
	}
	if err := os.RemoveAll(sb.WorkDir); err != nil {
		return fmt.Errorf("destroy %s: %w", id, err)
	}
	p.logger.Printf("LocalProvider: destroyed %s", id)
	return nil
}

func teeTo(buf *bytes.Buffer, w io.Writer) io.Writer {
	if w == nil {
		return buf
	}
	return io.MultiWriter(buf, w)
}
