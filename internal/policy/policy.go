// Package policy holds worker configuration: file locations, queue cadence,
// sandbox resource limits, storage quota and agent bounds.
package policy

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mitchellh/go-homedir"
	"gopkg.in/yaml.v3"
)

// GlobalStateDir returns the default state directory (~/.config/mobvibe).
func GlobalStateDir() string {
	home, err := homedir.Dir()
	if err != nil {
		home = os.TempDir()
	}
	return filepath.Join(home, ".config", "mobvibe")
}

// GlobalStateFile returns the default SQLite state file path.
func GlobalStateFile() string {
	return filepath.Join(GlobalStateDir(), "state.sqlite")
}

// QueueConfig controls job polling and retry budget.
type QueueConfig struct {
	PollIntervalSeconds    int `yaml:"poll_interval_seconds"`
	NextJobDelayMillis     int `yaml:"next_job_delay_ms"`
	MaxRetries             int `yaml:"max_retries"`
	StaleClaimAfterSeconds int `yaml:"stale_claim_after_seconds"`
}

// SandboxConfig is the fixed resource profile for every sandbox.
type SandboxConfig struct {
	Image               string `yaml:"image"`
	Region              string `yaml:"region"`
	MemoryMB            int    `yaml:"memory_mb"`
	CPUs                int    `yaml:"cpus"`
	TimeoutSeconds      int    `yaml:"timeout_seconds"`       // max sandbox age before the sweep reaps it
	CleanupEverySeconds int    `yaml:"cleanup_every_seconds"` // sweep interval
	ExecTimeoutSeconds  int    `yaml:"exec_timeout_seconds"`  // per-command budget
	WorkRoot            string `yaml:"work_root"`             // local provider: parent dir of sandbox workdirs
	PreviewCommand      string `yaml:"preview_command"`       // optional; run after completion
	PreviewURLTemplate  string `yaml:"preview_url_template"`  // {session} and {sandbox} expanded
}

// SessionConfig controls the idle sweep.
type SessionConfig struct {
	IdleTimeoutSeconds int `yaml:"idle_timeout_seconds"`
	SweepEverySeconds  int `yaml:"sweep_every_seconds"`
}

// StorageConfig controls durable file storage and sync.
type StorageConfig struct {
	Root             string `yaml:"root"`
	QuotaBytes       int64  `yaml:"quota_bytes"`
	ConflictStrategy string `yaml:"conflict_strategy"` // last_write_wins, user_intervention, auto_merge
}

// AgentConfig controls the LLM loop.
type AgentConfig struct {
	Model         string `yaml:"model"`
	MaxTokens     int    `yaml:"max_tokens"`
	MaxIterations int    `yaml:"max_iterations"`
	APIKey        string `yaml:"api_key"`
	BaseURL       string `yaml:"base_url"`
	LLMTimeoutSec int    `yaml:"llm_timeout_seconds"`
	SystemPrompt  string `yaml:"system_prompt"`
}

// OutputConfig controls terminal output buffering.
type OutputConfig struct {
	FlushIntervalMillis int `yaml:"flush_interval_ms"`
	MaxBufferBytes      int `yaml:"max_buffer_bytes"`
}

// Config holds the worker configuration.
type Config struct {
	StateFile              string        `yaml:"state_file"`
	LogFile                string        `yaml:"log_file"`
	HTTPPort               int           `yaml:"http_port"`
	ShutdownTimeoutSeconds int           `yaml:"shutdown_timeout_seconds"`
	Queue                  QueueConfig   `yaml:"queue"`
	Sandbox                SandboxConfig `yaml:"sandbox"`
	Session                SessionConfig `yaml:"session"`
	Storage                StorageConfig `yaml:"storage"`
	Agent                  AgentConfig   `yaml:"agent"`
	Output                 OutputConfig  `yaml:"output"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		HTTPPort:               8944,
		ShutdownTimeoutSeconds: 30,
		Queue: QueueConfig{
			PollIntervalSeconds:    5,
			NextJobDelayMillis:     1000,
			MaxRetries:             3,
			StaleClaimAfterSeconds: 2 * 60 * 60,
		},
		Sandbox: SandboxConfig{
			Image:               "node:20-bookworm",
			Region:              "local",
			MemoryMB:            2048,
			CPUs:                2,
			TimeoutSeconds:      60 * 60,
			CleanupEverySeconds: 5 * 60,
			ExecTimeoutSeconds:  5 * 60,
		},
		Session: SessionConfig{
			IdleTimeoutSeconds: 30 * 60,
			SweepEverySeconds:  60,
		},
		Storage: StorageConfig{
			QuotaBytes:       500 << 20,
			ConflictStrategy: "last_write_wins",
		},
		Agent: AgentConfig{
			Model:         "claude-sonnet-4-5",
			MaxTokens:     8192,
			MaxIterations: 25,
			LLMTimeoutSec: 120,
		},
		Output: OutputConfig{
			FlushIntervalMillis: 500,
			MaxBufferBytes:      4096,
		},
	}
}

// LoadConfig loads configuration from a YAML file on top of DefaultConfig.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// Policy exposes typed, defaulted accessors over a Config.
type Policy struct {
	config *Config
}

// New wraps cfg.
func New(cfg *Config) *Policy {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Policy{config: cfg}
}

// Config returns the underlying config.
func (p *Policy) Config() *Config { return p.config }

// StateFile returns the SQLite path, defaulting to the global state file.
func (p *Policy) StateFile() string {
	if p.config.StateFile == "" {
		return GlobalStateFile()
	}
	return p.config.StateFile
}

// SignalFilePath returns the notify signal file next to the state file.
// Producers touch it on enqueue; the job notifier watches it.
func (p *Policy) SignalFilePath() string {
	return filepath.Join(filepath.Dir(p.StateFile()), ".mobvibe-notify")
}

// LogFile returns the log path. "none" or "off" disables file logging.
func (p *Policy) LogFile() string {
	if p.config.LogFile == "" {
		return filepath.Join(GlobalStateDir(), "mobvibe-worker.log")
	}
	return p.config.LogFile
}

// StorageRoot returns the blob storage root directory.
func (p *Policy) StorageRoot() string {
	if p.config.Storage.Root == "" {
		return filepath.Join(GlobalStateDir(), "blobs")
	}
	return p.config.Storage.Root
}

// SandboxWorkRoot returns the parent directory for local sandbox workdirs.
func (p *Policy) SandboxWorkRoot() string {
	if p.config.Sandbox.WorkRoot == "" {
		return filepath.Join(os.TempDir(), "mobvibe-sandboxes")
	}
	return p.config.Sandbox.WorkRoot
}

func seconds(v, def int) time.Duration {
	if v <= 0 {
		v = def
	}
	return time.Duration(v) * time.Second
}

func millis(v, def int) time.Duration {
	if v <= 0 {
		v = def
	}
	return time.Duration(v) * time.Millisecond
}

// PollInterval is the fallback queue poll cadence.
func (p *Policy) PollInterval() time.Duration { return seconds(p.config.Queue.PollIntervalSeconds, 5) }

// NextJobDelay is the pause between finishing one job and trying the next.
func (p *Policy) NextJobDelay() time.Duration { return millis(p.config.Queue.NextJobDelayMillis, 1000) }

// MaxRetries is the per-job retry budget stamped on enqueue.
func (p *Policy) MaxRetries() int {
	if p.config.Queue.MaxRetries < 0 {
		return 0
	}
	return p.config.Queue.MaxRetries
}

// StaleClaimAfter is how long a job may sit in processing before startup recovery resets it.
func (p *Policy) StaleClaimAfter() time.Duration {
	return seconds(p.config.Queue.StaleClaimAfterSeconds, 2*60*60)
}

// ShutdownTimeout bounds the in-flight job drain.
func (p *Policy) ShutdownTimeout() time.Duration { return seconds(p.config.ShutdownTimeoutSeconds, 30) }

// SandboxTimeout is the max sandbox age.
func (p *Policy) SandboxTimeout() time.Duration {
	return seconds(p.config.Sandbox.TimeoutSeconds, 60*60)
}

// SandboxCleanupInterval is the sandbox sweep cadence.
func (p *Policy) SandboxCleanupInterval() time.Duration {
	return seconds(p.config.Sandbox.CleanupEverySeconds, 5*60)
}

// ExecTimeout is the per-command budget inside a sandbox.
func (p *Policy) ExecTimeout() time.Duration {
	return seconds(p.config.Sandbox.ExecTimeoutSeconds, 5*60)
}

// SessionIdleTimeout is how long an active/paused session may go without activity.
func (p *Policy) SessionIdleTimeout() time.Duration {
	return seconds(p.config.Session.IdleTimeoutSeconds, 30*60)
}

// SessionSweepInterval is the idle sweep cadence.
func (p *Policy) SessionSweepInterval() time.Duration {
	return seconds(p.config.Session.SweepEverySeconds, 60)
}

// StorageQuotaBytes is the per-session storage limit.
func (p *Policy) StorageQuotaBytes() int64 { return p.config.Storage.QuotaBytes }

// ConflictStrategy returns the configured strategy name (validated by the caller).
func (p *Policy) ConflictStrategy() string {
	if p.config.Storage.ConflictStrategy == "" {
		return "last_write_wins"
	}
	return p.config.Storage.ConflictStrategy
}

// MaxIterations is the agent loop cap.
func (p *Policy) MaxIterations() int {
	if p.config.Agent.MaxIterations <= 0 {
		return 25
	}
	return p.config.Agent.MaxIterations
}

// LLMTimeout is the per-request LLM budget.
func (p *Policy) LLMTimeout() time.Duration { return seconds(p.config.Agent.LLMTimeoutSec, 120) }

// FlushInterval is the output streamer timer.
func (p *Policy) FlushInterval() time.Duration {
	return millis(p.config.Output.FlushIntervalMillis, 500)
}

// MaxBufferBytes is the output streamer size threshold.
func (p *Policy) MaxBufferBytes() int {
	if p.config.Output.MaxBufferBytes <= 0 {
		return 4096
	}
	return p.config.Output.MaxBufferBytes
}

// SandboxProfile returns the resource profile applied to every new sandbox.
func (p *Policy) SandboxProfile() SandboxConfig {
	sb := p.config.Sandbox
	def := DefaultConfig().Sandbox
	if sb.Image == "" {
		sb.Image = def.Image
	}
	if sb.Region == "" {
		sb.Region = def.Region
	}
	if sb.MemoryMB <= 0 {
		sb.MemoryMB = def.MemoryMB
	}
	if sb.CPUs <= 0 {
		sb.CPUs = def.CPUs
	}
	return sb
}

// Validate rejects configurations the worker cannot run with.
func (c *Config) Validate() error {
	switch c.Storage.ConflictStrategy {
	case "", "last_write_wins", "user_intervention", "auto_merge":
	default:
		return fmt.Errorf("unknown conflict_strategy %q", c.Storage.ConflictStrategy)
	}
	if c.Storage.QuotaBytes < 0 {
		return fmt.Errorf("storage quota_bytes must not be negative")
	}
	if c.Queue.MaxRetries < 0 {
		return fmt.Errorf("queue max_retries must not be negative")
	}
	return nil
}
