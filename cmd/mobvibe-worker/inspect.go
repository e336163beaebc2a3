package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/mobvibe/mobvibe-worker/internal/app"
	"github.com/mobvibe/mobvibe-worker/internal/domain"
	"github.com/mobvibe/mobvibe-worker/internal/policy"
	"github.com/mobvibe/mobvibe-worker/internal/repository"
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue",
	Short: "Queue a prompt for a session, creating the session if needed",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		sessionID, _ := cmd.Flags().GetString("session")
		prompt, _ := cmd.Flags().GetString("prompt")
		priority, _ := cmd.Flags().GetInt("priority")
		return withRepo(func(pol *policy.Policy, repo app.Repository) error {
			job, err := enqueue(cmd.Context(), pol, repo, sessionID, prompt, priority)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), job)
		})
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print queue counts by status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRepo(func(_ *policy.Policy, repo app.Repository) error {
			stats, err := repo.QueueStats(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), stats)
		})
	},
}

var eventsCmd = &cobra.Command{
	Use:   "events SESSION_ID",
	Short: "Print a session and its events",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		after, _ := cmd.Flags().GetInt64("after")
		limit, _ := cmd.Flags().GetInt("limit")
		return withRepo(func(_ *policy.Policy, repo app.Repository) error {
			sess, err := repo.GetSession(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			events, err := repo.ListEvents(cmd.Context(), args[0], after, limit)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), struct {
				Session *domain.Session       `json:"session"`
				Events  []domain.SessionEvent `json:"events"`
			}{sess, events})
		})
	},
}

func init() {
	enqueueCmd.Flags().String("session", "", "session id (a new one is generated when empty)")
	enqueueCmd.Flags().String("prompt", "", "prompt for the agent")
	enqueueCmd.Flags().Int("priority", 0, "higher runs first")
	_ = enqueueCmd.MarkFlagRequired("prompt")

	eventsCmd.Flags().Int64("after", 0, "only events with a larger id")
	eventsCmd.Flags().Int("limit", 500, "max events to print")

	rootCmd.AddCommand(enqueueCmd, statsCmd, eventsCmd)
}

// withRepo opens the configured state file for a one-shot command.
func withRepo(fn func(pol *policy.Policy, repo app.Repository) error) error {
	cfg, err := loadConfig(settings)
	if err != nil {
		return err
	}
	pol := policy.New(cfg)
	if err := os.MkdirAll(filepath.Dir(pol.StateFile()), 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	repo, err := repository.NewRepository(pol.StateFile())
	if err != nil {
		return fmt.Errorf("open state: %w", err)
	}
	defer repo.Close()
	return fn(pol, repo)
}

// enqueue adds a job for sessionID, creating a pending session first when it
// does not exist yet.
func enqueue(ctx context.Context, pol *policy.Policy, repo app.Repository, sessionID, prompt string, priority int) (*domain.Job, error) {
	if prompt == "" {
		return nil, errors.New("prompt is required")
	}
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	if _, err := repo.GetSession(ctx, sessionID); errors.Is(err, domain.ErrSessionNotFound) {
		if err := repo.CreateSession(ctx, &domain.Session{ID: sessionID, Prompt: prompt, Status: domain.SessionPending}); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	}
	logger := log.New(os.Stderr, "[mobvibe] ", 0)
	queue := app.NewQueueClient(repo, nil, pol.SignalFilePath(), pol.MaxRetries(), logger)
	return queue.Enqueue(ctx, sessionID, prompt, priority)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
