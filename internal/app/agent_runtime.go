package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/mobvibe/mobvibe-worker/internal/domain"
	"github.com/mobvibe/mobvibe-worker/internal/llm"
	"github.com/mobvibe/mobvibe-worker/internal/sandbox"
	"github.com/mobvibe/mobvibe-worker/internal/tools"
)

const (
	defaultMaxIterations = 25
	defaultMaxTokens     = 8192
	// maxToolResultBytes caps what one tool result adds to the transcript.
	maxToolResultBytes = 32 * 1024
)

// DefaultSystemPrompt is used when no prompt is configured.
const DefaultSystemPrompt = `You are a coding agent working inside an isolated sandbox.
Use the bash, read_file and write_file tools to inspect and change the project in the
current working directory. Work in small verifiable steps. When the task is done,
reply with a short summary of what you changed and do not call any more tools.`

// AgentConfig tunes the agent loop.
type AgentConfig struct {
	Model         string
	MaxTokens     int
	MaxIterations int
	SystemPrompt  string
	// LLMRetry governs model calls; SyncRetry governs post-write storage sync.
	LLMRetry  RetryOptions
	SyncRetry RetryOptions
}

func (c AgentConfig) withDefaults() AgentConfig {
	if c.MaxTokens <= 0 {
		c.MaxTokens = defaultMaxTokens
	}
	if c.MaxIterations <= 0 {
		c.MaxIterations = defaultMaxIterations
	}
	if c.SystemPrompt == "" {
		c.SystemPrompt = DefaultSystemPrompt
	}
	return c
}

// AgentRuntime drives one session's conversation with the model and runs the
// tools it asks for in the session's sandbox.
type AgentRuntime struct {
	llm         llm.Provider
	sandboxes   *SandboxManager
	sessions    *SessionManager
	output      *OutputStreamer
	files       *FileSync
	preview     *PreviewManager
	checkpoints *TranscriptCheckpointer
	events      EventSink
	errHandler  *ErrorHandler
	cfg         AgentConfig
	logger      *log.Logger
	newID       func() string
}

// AgentDeps are the collaborators of an AgentRuntime. Files, Preview and
// Checkpoints are optional.
type AgentDeps struct {
	LLM         llm.Provider
	Sandboxes   *SandboxManager
	Sessions    *SessionManager
	Output      *OutputStreamer
	Files       *FileSync
	Preview     *PreviewManager
	Checkpoints *TranscriptCheckpointer
	Events      EventSink
	Errors      *ErrorHandler
}

// NewAgentRuntime creates an AgentRuntime.
func NewAgentRuntime(deps AgentDeps, cfg AgentConfig, logger *log.Logger) *AgentRuntime {
	return &AgentRuntime{
		llm:         deps.LLM,
		sandboxes:   deps.Sandboxes,
		sessions:    deps.Sessions,
		output:      deps.Output,
		files:       deps.Files,
		preview:     deps.Preview,
		checkpoints: deps.Checkpoints,
		events:      deps.Events,
		errHandler:  deps.Errors,
		cfg:         cfg.withDefaults(),
		logger:      logger,
		newID:       uuid.NewString,
	}
}

// Run executes the agent loop for a claimed job until the model stops calling
// tools. The session must be active with a sandbox attached. Failures are
// recorded as ERROR events and returned as *WorkerError.
func (a *AgentRuntime) Run(ctx context.Context, job *domain.Job) (domain.SessionStats, error) {
	stats, err := a.run(ctx, job)
	if err != nil {
		return stats, a.errHandler.HandleError(ctx, job.SessionID, err)
	}
	return stats, nil
}

func (a *AgentRuntime) run(ctx context.Context, job *domain.Job) (domain.SessionStats, error) {
	sessionID := job.SessionID
	var stats domain.SessionStats
	transcript := []llm.Message{llm.UserMessage(job.Prompt)}
	toolDefs := toolDefinitions()

	for iteration := 1; iteration <= a.cfg.MaxIterations; iteration++ {
		req := llm.Request{
			Model:     a.cfg.Model,
			System:    a.cfg.SystemPrompt,
			Messages:  transcript,
			Tools:     toolDefs,
			MaxTokens: a.cfg.MaxTokens,
		}
		resp, err := WithRetry(ctx, func(ctx context.Context) (*llm.Response, error) {
			r, err := a.llm.Complete(ctx, req)
			if err != nil {
				return nil, Classify(err)
			}
			return r, nil
		}, a.llmRetryOptions(sessionID))
		if err != nil {
			return stats, fmt.Errorf("model call (iteration %d): %w", iteration, err)
		}

		delta := domain.SessionStats{
			Iterations:   1,
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
		}
		transcript = append(transcript, resp.AssistantMessage())

		uses := resp.ToolUses()
		if len(uses) == 0 {
			stats = stats.Add(delta)
			a.sessions.AddStats(sessionID, delta)
			a.complete(ctx, sessionID, resp.Text(), stats)
			a.checkpoint(ctx, sessionID, iteration, transcript, stats)
			return stats, nil
		}

		results := make([]llm.ContentBlock, 0, len(uses))
		names := make([]string, 0, len(uses))
		for _, use := range uses {
			content, err := a.executeTool(ctx, sessionID, use)
			if err != nil {
				a.logger.Printf("AgentRuntime: session %s: tool %s failed: %v", sessionID, use.Name, err)
				results = append(results, llm.ToolResultBlock(use.ID, err.Error(), true))
			} else {
				results = append(results, llm.ToolResultBlock(use.ID, content, false))
			}
			names = append(names, use.Name)
		}
		transcript = append(transcript, llm.Message{Role: llm.RoleUser, Content: results})
		delta.ToolCalls = len(uses)
		stats = stats.Add(delta)
		a.sessions.AddStats(sessionID, delta)

		a.sessions.RecordActivity(sessionID)
		Emit(ctx, a.events, sessionID, domain.Thinking{Iteration: iteration, Tools: names}).
			LogIfFailed(a.logger, "AgentRuntime")
		a.checkpoint(ctx, sessionID, iteration, transcript, stats)
	}
	return stats, fmt.Errorf("session %s: %w (%d)", sessionID, ErrMaxIterations, a.cfg.MaxIterations)
}

func (a *AgentRuntime) llmRetryOptions(sessionID string) RetryOptions {
	opts := a.cfg.LLMRetry
	if opts.OnRetry == nil {
		opts.OnRetry = func(attempt int, delay time.Duration, err error) {
			a.logger.Printf("AgentRuntime: session %s: model call failed, attempt %d in %s: %v", sessionID, attempt, delay, err)
		}
	}
	return opts
}

// complete emits COMPLETION and triggers the optional preview. Neither can fail the run.
func (a *AgentRuntime) complete(ctx context.Context, sessionID, text string, stats domain.SessionStats) {
	Emit(ctx, a.events, sessionID, domain.Completion{Text: text, Stats: stats}).
		LogIfFailed(a.logger, "AgentRuntime")
	if a.preview.Enabled() {
		_, err := a.preview.Generate(ctx, sessionID)
		Outcome{Op: "preview generation", Err: err}.LogIfFailed(a.logger, "AgentRuntime")
	}
	a.logger.Printf("AgentRuntime: session %s completed after %d iteration(s), %d tool call(s)",
		sessionID, stats.Iterations, stats.ToolCalls)
}

func (a *AgentRuntime) checkpoint(ctx context.Context, sessionID string, iteration int, transcript []llm.Message, stats domain.SessionStats) {
	if a.checkpoints == nil {
		return
	}
	a.checkpoints.Save(ctx, Transcript{
		SessionID: sessionID,
		Iteration: iteration,
		System:    a.cfg.SystemPrompt,
		Messages:  transcript,
		Stats:     stats,
		SavedAt:   time.Now().UTC(),
	}).LogIfFailed(a.logger, "AgentRuntime")
}

func toolDefinitions() []llm.ToolDefinition {
	defs := tools.Definitions()
	out := make([]llm.ToolDefinition, 0, len(defs))
	for _, d := range defs {
		out = append(out, llm.ToolDefinition{Name: d.Name, Description: d.Description, InputSchema: tools.Schema(d)})
	}
	return out
}

// executeTool runs one tool call. The returned error becomes an error result
// for that call only.
func (a *AgentRuntime) executeTool(ctx context.Context, sessionID string, use llm.ToolUse) (string, error) {
	args, err := tools.ParseArgs(use.Input)
	if err != nil {
		return "", err
	}
	switch use.Name {
	case tools.Bash:
		command, err := args.RequireString("command")
		if err != nil {
			return "", err
		}
		return a.runBash(ctx, sessionID, use.ID, command)
	case tools.ReadFile:
		p, err := args.RequireString("path")
		if err != nil {
			return "", err
		}
		return a.readFile(ctx, sessionID, p)
	case tools.WriteFile:
		p, err := args.RequireString("path")
		if err != nil {
			return "", err
		}
		content, err := args.String("content")
		if err != nil {
			return "", err
		}
		return a.writeFile(ctx, sessionID, p, content)
	default:
		return "", fmt.Errorf("unknown tool %q", use.Name)
	}
}

func (a *AgentRuntime) runBash(ctx context.Context, sessionID, commandID, command string) (string, error) {
	stdout := a.output.Writer(ctx, sessionID, commandID, "stdout")
	stderr := a.output.Writer(ctx, sessionID, commandID, "stderr")
	res, err := a.sandboxes.ExecStreaming(ctx, sessionID, sandbox.Shell(command), stdout, stderr)
	a.output.End(ctx, sessionID, commandID)
	if err != nil {
		return "", err
	}
	out := formatExecResult(res)
	if res.ExitCode != 0 {
		return "", errors.New(out)
	}
	return out, nil
}

func (a *AgentRuntime) readFile(ctx context.Context, sessionID, p string) (string, error) {
	res, err := a.sandboxes.Exec(ctx, sessionID, tools.ReadFileArgv(p))
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		return "", fmt.Errorf("read %s: exit code %d: %s", p, res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return truncate(res.Stdout), nil
}

func (a *AgentRuntime) writeFile(ctx context.Context, sessionID, p, content string) (string, error) {
	res, err := a.sandboxes.ExecInput(ctx, sessionID, tools.WriteFileArgv(p, a.newID()), strings.NewReader(content))
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		return "", fmt.Errorf("write %s: exit code %d: %s", p, res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	Emit(ctx, a.events, sessionID, domain.FileChange{Path: p, Action: "write", Size: len(content)}).
		LogIfFailed(a.logger, "AgentRuntime")
	a.sessions.RecordActivity(sessionID)

	if a.files != nil {
		rel := a.relativePath(sessionID, p)
		err := Retry(ctx, func(ctx context.Context) error {
			_, err := a.files.UploadFile(ctx, sessionID, rel, []byte(content), time.Now())
			return err
		}, a.cfg.SyncRetry)
		Outcome{Op: "sync " + rel, Err: err}.LogIfFailed(a.logger, "AgentRuntime")
	}
	return fmt.Sprintf("wrote %d bytes to %s", len(content), p), nil
}

// relativePath maps a sandbox path to its storage name, relative to the
// sandbox work directory when it lies inside it.
func (a *AgentRuntime) relativePath(sessionID, p string) string {
	if sb, ok := a.sandboxes.Sandbox(sessionID); ok && sb.WorkDir != "" && filepath.IsAbs(p) {
		if rel, err := filepath.Rel(sb.WorkDir, p); err == nil && !strings.HasPrefix(rel, "..") {
			return filepath.ToSlash(rel)
		}
	}
	return strings.TrimPrefix(path.Clean("/"+filepath.ToSlash(p)), "/")
}

func formatExecResult(res sandbox.ExecResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "exit code: %d", res.ExitCode)
	if res.Stdout != "" {
		b.WriteString("\nstdout:\n")
		b.WriteString(res.Stdout)
	}
	if res.Stderr != "" {
		b.WriteString("\nstderr:\n")
		b.WriteString(res.Stderr)
	}
	return truncate(b.String())
}

// truncate caps s at maxToolResultBytes, cutting on a rune boundary.
func truncate(s string) string {
	if len(s) <= maxToolResultBytes {
		return s
	}
	cut := maxToolResultBytes
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + fmt.Sprintf("\n... [truncated %d bytes]", len(s)-cut)
}
