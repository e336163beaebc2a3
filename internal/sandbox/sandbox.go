// Package sandbox defines the compute environment the agent's commands run in
// and a local process-backed implementation.
package sandbox

import (
	"context"
	"errors"
	"io"
	"time"
)

var (
	// ErrNotFound is returned for operations on an unknown or destroyed sandbox.
	ErrNotFound = errors.New("sandbox not found")
	// ErrExecTimeout is returned when a command exceeds its time budget.
	ErrExecTimeout = errors.New("sandbox exec timeout")
)

// Config is the resource profile a sandbox is created with.
type Config struct {
	Image    string
	Region   string
	MemoryMB int
	CPUs     int
	Labels   map[string]string
}

// Sandbox is a created environment.
type Sandbox struct {
	ID        string
	Config    Config
	CreatedAt time.Time
	WorkDir   string
}

// ExecResult is the outcome of a finished command. A non-zero ExitCode is not an error.
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Provider creates, runs commands in and destroys sandboxes.
type Provider interface {
	Create(ctx context.Context, cfg Config) (*Sandbox, error)
	Exec(ctx context.Context, id string, argv []string) (ExecResult, error)
	// ExecStreaming copies output to stdout/stderr as it is produced and also
	// returns it in the result.
	ExecStreaming(ctx context.Context, id string, argv []string, stdout, stderr io.Writer) (ExecResult, error)
	// ExecInput runs argv with stdin read from r. Large payloads go here
	// rather than into argv, which the kernel caps per argument.
	ExecInput(ctx context.Context, id string, argv []string, r io.Reader) (ExecResult, error)
	Destroy(ctx context.Context, id string) error
}

// Shell wraps a shell command line as argv.
func Shell(command string) []string {
	return []string{"sh", "-c", command}
}
