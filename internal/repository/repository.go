package repository

import (
	"github.com/mobvibe/mobvibe-worker/internal/app"
	"github.com/mobvibe/mobvibe-worker/internal/repository/sqlite"
)

// NewRepository returns the worker's stores backed by SQLite at the given path.
// The path is typically from policy.StateFile() (default ~/.config/mobvibe/state.sqlite).
func NewRepository(path string) (app.Repository, error) {
	return sqlite.New(path)
}
