package app

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// TouchNotifySignal writes a fresh revision (UnixNano) to the signal file so
// JobNotifier watchers wake up. Producers call it after every enqueue. Creates
// the parent dir and file if needed; an empty path is a no-op.
func TouchNotifySignal(signalPath string) error {
	if signalPath == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(signalPath), 0755); err != nil {
		return fmt.Errorf("create signal file dir: %w", err)
	}
	rev := strconv.FormatInt(time.Now().UnixNano(), 10)
	return os.WriteFile(signalPath, []byte(rev), 0644)
}
