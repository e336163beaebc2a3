// mobvibe-worker claims agent jobs from the shared queue, runs each one in an
// isolated sandbox and records the session's progress as events.
package main

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
)

// Version is set by -ldflags at build time.
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:           "mobvibe-worker",
	Short:         "Background worker that runs coding-agent sessions in sandboxes",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "path to YAML config (or MOBVIBE_CONFIG)")
	rootCmd.PersistentFlags().String("state-file", "", "SQLite state file (or MOBVIBE_STATE_FILE)")
	rootCmd.PersistentFlags().String("log-file", "", `log file, "none" to disable (or MOBVIBE_LOG_FILE)`)
	bindFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	bindFlag("state_file", rootCmd.PersistentFlags().Lookup("state-file"))
	bindFlag("log_file", rootCmd.PersistentFlags().Lookup("log-file"))

	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the worker version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), "mobvibe-worker "+Version)
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// setupLogger writes to the log file and, when stderr is a terminal or the
// file cannot be opened, to stderr.
func setupLogger(logFilePath string) *log.Logger {
	var writers []io.Writer

	stderrIsTerminal := false
	if info, err := os.Stderr.Stat(); err == nil {
		stderrIsTerminal = (info.Mode() & os.ModeCharDevice) != 0
	}

	hasLogFile := false
	lower := strings.ToLower(logFilePath)
	if lower != "none" && lower != "off" && logFilePath != "" {
		if err := os.MkdirAll(filepath.Dir(logFilePath), 0o755); err == nil {
			f, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err == nil {
				writers = append(writers, f)
				hasLogFile = true
			} else {
				fmt.Fprintf(os.Stderr, "[mobvibe] Warning: cannot open log file %s: %v\n", logFilePath, err)
			}
		} else {
			fmt.Fprintf(os.Stderr, "[mobvibe] Warning: cannot create log dir %s: %v\n", filepath.Dir(logFilePath), err)
		}
	}

	if stderrIsTerminal || !hasLogFile {
		writers = append(writers, os.Stderr)
	}

	return log.New(io.MultiWriter(writers...), "[mobvibe] ", log.LstdFlags|log.Lshortfile)
}
