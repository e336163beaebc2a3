package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/mobvibe/mobvibe-worker/internal/policy"
)

// settings layers MOBVIBE_* environment variables and command-line flags
// over the YAML config file.
var settings = newSettings()

func newSettings() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("MOBVIBE")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("anthropic_api_key", "MOBVIBE_ANTHROPIC_API_KEY", "ANTHROPIC_API_KEY")
	return v
}

func bindFlag(key string, f *pflag.Flag) {
	if err := settings.BindPFlag(key, f); err != nil {
		panic(fmt.Sprintf("bind flag %s: %v", key, err))
	}
}

// loadConfig reads the config file named by --config or MOBVIBE_CONFIG (if
// any), applies overrides and validates the result.
func loadConfig(v *viper.Viper) (*policy.Config, error) {
	cfg := policy.DefaultConfig()
	if path := v.GetString("config"); path != "" {
		expanded, err := homedir.Expand(path)
		if err != nil {
			return nil, fmt.Errorf("config path: %w", err)
		}
		if cfg, err = policy.LoadConfig(expanded); err != nil {
			return nil, err
		}
	}
	if err := applyOverrides(v, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func applyOverrides(v *viper.Viper, cfg *policy.Config) error {
	if v.IsSet("state_file") {
		cfg.StateFile = v.GetString("state_file")
	}
	if v.IsSet("log_file") {
		cfg.LogFile = v.GetString("log_file")
	}
	if v.IsSet("http_port") {
		cfg.HTTPPort = v.GetInt("http_port")
	}
	if v.IsSet("sandbox_memory_mb") {
		cfg.Sandbox.MemoryMB = v.GetInt("sandbox_memory_mb")
	}
	if v.IsSet("sandbox_cpus") {
		cfg.Sandbox.CPUs = v.GetInt("sandbox_cpus")
	}
	if v.IsSet("storage_quota_bytes") {
		cfg.Storage.QuotaBytes = v.GetInt64("storage_quota_bytes")
	}
	if v.IsSet("llm_model") {
		cfg.Agent.Model = v.GetString("llm_model")
	}
	if v.IsSet("anthropic_api_key") {
		cfg.Agent.APIKey = v.GetString("anthropic_api_key")
	}

	durations := []struct {
		key string
		dst *int
	}{
		{"poll_interval", &cfg.Queue.PollIntervalSeconds},
		{"shutdown_timeout", &cfg.ShutdownTimeoutSeconds},
		{"sandbox_timeout", &cfg.Sandbox.TimeoutSeconds},
	}
	for _, d := range durations {
		if !v.IsSet(d.key) {
			continue
		}
		secs, err := parseSeconds(v.GetString(d.key))
		if err != nil {
			return fmt.Errorf("%s: %w", d.key, err)
		}
		*d.dst = secs
	}
	return nil
}

// parseSeconds accepts a Go duration ("90s", "5m") or a bare number of
// seconds and returns whole seconds, rounding sub-second values up to one.
func parseSeconds(s string) (int, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.Atoi(s); err == nil {
		return n, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	if d > 0 && d < time.Second {
		return 1, nil
	}
	return int(d / time.Second), nil
}
