package app

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/mobvibe/mobvibe-worker/internal/sandbox"
)

// Preview statuses recorded on the session row.
const (
	PreviewReady  = "ready"
	PreviewFailed = "failed"
)

// PreviewRecorder persists a session's preview fields.
type PreviewRecorder interface {
	SetPreview(ctx context.Context, sessionID, status, url string) error
}

// PreviewManager builds a preview of a finished session's workspace.
type PreviewManager struct {
	sandboxes   *SandboxManager
	store       PreviewRecorder
	command     string
	urlTemplate string
	logger      *log.Logger
}

// NewPreviewManager creates a PreviewManager. With neither a command nor a URL
// template configured, Generate does nothing.
func NewPreviewManager(sandboxes *SandboxManager, store PreviewRecorder, command, urlTemplate string, logger *log.Logger) *PreviewManager {
	return &PreviewManager{sandboxes: sandboxes, store: store, command: command, urlTemplate: urlTemplate, logger: logger}
}

// Enabled reports whether previews are configured.
func (p *PreviewManager) Enabled() bool {
	return p != nil && (p.command != "" || p.urlTemplate != "")
}

// Generate runs the preview command in the session's sandbox and records the
// result. Returns the preview URL.
func (p *PreviewManager) Generate(ctx context.Context, sessionID string) (string, error) {
	if !p.Enabled() {
		return "", nil
	}
	sb, ok := p.sandboxes.Sandbox(sessionID)
	if !ok {
		return "", p.fail(ctx, sessionID, ErrNoActiveSandbox)
	}
	if p.command != "" {
		res, err := p.sandboxes.Exec(ctx, sessionID, sandbox.Shell(p.command))
		if err != nil {
			return "", p.fail(ctx, sessionID, err)
		}
		if res.ExitCode != 0 {
			return "", p.fail(ctx, sessionID, fmt.Errorf("preview command exited %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr)))
		}
	}
	url := strings.NewReplacer("{session}", sessionID, "{sandbox}", sb.ID).Replace(p.urlTemplate)
	if err := p.store.SetPreview(ctx, sessionID, PreviewReady, url); err != nil {
		return url, fmt.Errorf("record preview: %w", err)
	}
	p.logger.Printf("PreviewManager: preview ready for session %s: %s", sessionID, url)
	return url, nil
}

func (p *PreviewManager) fail(ctx context.Context, sessionID string, cause error) error {
	out := Outcome{Op: "record preview failure", Err: p.store.SetPreview(ctx, sessionID, PreviewFailed, "")}
	out.LogIfFailed(p.logger, "PreviewManager")
	return fmt.Errorf("preview for session %s: %w", sessionID, cause)
}
