package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mobvibe/mobvibe-worker/internal/app"
	"github.com/mobvibe/mobvibe-worker/internal/dashboard"
	"github.com/mobvibe/mobvibe-worker/internal/domain"
	"github.com/mobvibe/mobvibe-worker/internal/llm"
	"github.com/mobvibe/mobvibe-worker/internal/policy"
	"github.com/mobvibe/mobvibe-worker/internal/repository"
	"github.com/mobvibe/mobvibe-worker/internal/sandbox"
	"github.com/mobvibe/mobvibe-worker/internal/storage"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the worker and process jobs until interrupted",
	Args:  cobra.NoArgs,
	RunE:  runWorker,
}

func init() {
	f := runCmd.Flags()
	f.String("poll-interval", "", "fallback queue poll interval, e.g. 5s (or MOBVIBE_POLL_INTERVAL)")
	f.String("shutdown-timeout", "", "max wait for an in-flight job on shutdown (or MOBVIBE_SHUTDOWN_TIMEOUT)")
	f.String("sandbox-timeout", "", "max sandbox age (or MOBVIBE_SANDBOX_TIMEOUT)")
	f.Int("sandbox-memory-mb", 0, "sandbox memory in MB (or MOBVIBE_SANDBOX_MEMORY_MB)")
	f.Int("sandbox-cpus", 0, "sandbox CPU count (or MOBVIBE_SANDBOX_CPUS)")
	f.Int64("storage-quota-bytes", 0, "per-session storage quota (or MOBVIBE_STORAGE_QUOTA_BYTES)")
	f.Int("http-port", 0, "status API port, 0 disables it (or MOBVIBE_HTTP_PORT)")
	f.String("model", "", "LLM model name (or MOBVIBE_LLM_MODEL)")
	bindFlag("poll_interval", f.Lookup("poll-interval"))
	bindFlag("shutdown_timeout", f.Lookup("shutdown-timeout"))
	bindFlag("sandbox_timeout", f.Lookup("sandbox-timeout"))
	bindFlag("sandbox_memory_mb", f.Lookup("sandbox-memory-mb"))
	bindFlag("sandbox_cpus", f.Lookup("sandbox-cpus"))
	bindFlag("storage_quota_bytes", f.Lookup("storage-quota-bytes"))
	bindFlag("http_port", f.Lookup("http-port"))
	bindFlag("llm_model", f.Lookup("model"))

	rootCmd.AddCommand(runCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(settings)
	if err != nil {
		return err
	}
	pol := policy.New(cfg)

	logger := setupLogger(pol.LogFile())
	logger.Printf("Starting mobvibe-worker %s (pid %d)", Version, os.Getpid())
	logger.Printf("State file: %s", pol.StateFile())
	if cfg.Agent.APIKey == "" {
		return errors.New("no LLM API key: set agent.api_key, MOBVIBE_ANTHROPIC_API_KEY or ANTHROPIC_API_KEY")
	}

	if err := os.MkdirAll(filepath.Dir(pol.StateFile()), 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	repo, err := repository.NewRepository(pol.StateFile())
	if err != nil {
		return fmt.Errorf("open state: %w", err)
	}
	defer func() {
		if err := repo.Close(); err != nil {
			logger.Printf("Close state: %v", err)
		}
	}()

	w, err := buildWorker(pol, repo, logger)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signal.Ignore(syscall.SIGHUP)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	w.start(ctx)
	httpShutdown, err := startHTTP(pol.Config().HTTPPort, w, repo, logger)
	if err != nil {
		w.processor.Shutdown(context.Background())
		return err
	}

	sig := <-sigCh
	logger.Printf("Received signal %v, shutting down...", sig)
	httpShutdown()
	w.processor.Shutdown(context.Background())
	cancel()
	logger.Println("mobvibe-worker stopped")
	return nil
}

// worker is the wired component graph of a running process.
type worker struct {
	notifier  *app.JobNotifier
	queue     *app.QueueClient
	sessions  *app.SessionManager
	sandboxes *app.SandboxManager
	output    *app.OutputStreamer
	files     *app.FileSync
	processor *app.JobProcessor
}

func buildWorker(pol *policy.Policy, repo app.Repository, logger *log.Logger) (*worker, error) {
	cfg := pol.Config()

	blobs, err := storage.NewFileStore(pol.StorageRoot())
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	resolver, err := app.NewConflictResolver(domain.ConflictStrategy(pol.ConflictStrategy()))
	if err != nil {
		return nil, err
	}

	profile := pol.SandboxProfile()
	provider := sandbox.NewLocalProvider(pol.SandboxWorkRoot(), logger, sandbox.WithExecTimeout(pol.ExecTimeout()))

	w := &worker{}
	w.notifier = app.NewJobNotifier(pol.SignalFilePath(), repo, logger)
	w.queue = app.NewQueueClient(repo, w.notifier, pol.SignalFilePath(), pol.MaxRetries(), logger)
	w.sessions = app.NewSessionManager(repo, repo, logger,
		app.WithSessionIdleTimeout(pol.SessionIdleTimeout()),
		app.WithSessionSweepInterval(pol.SessionSweepInterval()))
	w.sandboxes = app.NewSandboxManager(provider, repo, sandbox.Config{
		Image:    profile.Image,
		Region:   profile.Region,
		MemoryMB: profile.MemoryMB,
		CPUs:     profile.CPUs,
	}, logger,
		app.WithSandboxTimeout(pol.SandboxTimeout()),
		app.WithSandboxSweepInterval(pol.SandboxCleanupInterval()))
	w.output = app.NewOutputStreamer(repo, logger,
		app.WithFlushInterval(pol.FlushInterval()),
		app.WithMaxBufferBytes(pol.MaxBufferBytes()))
	w.files = app.NewFileSync(repo, blobs, resolver, pol.StorageQuotaBytes(), logger)
	errHandler := app.NewErrorHandler(repo, logger)

	llmOpts := []llm.AnthropicOption{llm.WithTimeout(pol.LLMTimeout())}
	if cfg.Agent.BaseURL != "" {
		llmOpts = append(llmOpts, llm.WithBaseURL(cfg.Agent.BaseURL))
	}

	agent := app.NewAgentRuntime(app.AgentDeps{
		LLM:         llm.NewAnthropic(cfg.Agent.APIKey, llmOpts...),
		Sandboxes:   w.sandboxes,
		Sessions:    w.sessions,
		Output:      w.output,
		Files:       w.files,
		Preview:     app.NewPreviewManager(w.sandboxes, repo, cfg.Sandbox.PreviewCommand, cfg.Sandbox.PreviewURLTemplate, logger),
		Checkpoints: app.NewTranscriptCheckpointer(blobs),
		Events:      repo,
		Errors:      errHandler,
	}, app.AgentConfig{
		Model:         cfg.Agent.Model,
		MaxTokens:     cfg.Agent.MaxTokens,
		MaxIterations: pol.MaxIterations(),
		SystemPrompt:  cfg.Agent.SystemPrompt,
		LLMRetry:      app.DefaultRetryOptions(),
		SyncRetry:     app.DefaultRetryOptions(),
	}, logger)

	w.processor = app.NewJobProcessor(app.JobProcessorDeps{
		Queue:     w.queue,
		Sessions:  w.sessions,
		Sandboxes: w.sandboxes,
		Output:    w.output,
		Agent:     agent,
		Errors:    errHandler,
		Files:     w.files,
	}, logger,
		app.WithPollInterval(pol.PollInterval()),
		app.WithNextJobDelay(pol.NextJobDelay()),
		app.WithShutdownTimeout(pol.ShutdownTimeout()),
		app.WithStaleClaimRecovery(pol.StaleClaimAfter()))
	return w, nil
}

// start launches the background loops and the job processor. It returns
// once they are running; processor.Shutdown stops them all.
func (w *worker) start(ctx context.Context) {
	go w.notifier.Start(ctx)
	go w.sessions.Start(ctx)
	go w.sandboxes.Start(ctx)
	go w.output.Start(ctx)
	w.processor.Start(ctx)
}

// startHTTP serves the health and status API. Port 0 disables it.
func startHTTP(port int, w *worker, repo app.Repository, logger *log.Logger) (func(), error) {
	if port <= 0 {
		return func() {}, nil
	}
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return nil, fmt.Errorf("listen on port %d: %w", port, err)
	}

	mux := http.NewServeMux()
	dash := dashboard.NewHandler(w.queue, w.sandboxes,
		dashboard.WithSessions(repo),
		dashboard.WithStorageQuota(w.files),
		dashboard.WithWorkerStatus(w.processor))
	dash.RegisterRoutes(mux)

	httpServer := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := httpServer.Serve(ln); err != http.ErrServerClosed {
			logger.Printf("HTTP server error: %v", err)
		}
	}()
	logger.Printf("Status API listening on %s", ln.Addr())

	return func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Printf("HTTP shutdown error: %v", err)
		}
	}, nil
}
