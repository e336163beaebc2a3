package app

import (
	"fmt"

	"github.com/mobvibe/mobvibe-worker/internal/domain"
)

// ConflictResolver applies the configured strategy to divergent files.
type ConflictResolver struct {
	strategy domain.ConflictStrategy
}

// NewConflictResolver validates strategy and returns a resolver.
func NewConflictResolver(strategy domain.ConflictStrategy) (*ConflictResolver, error) {
	switch strategy {
	case domain.StrategyLastWriteWins, domain.StrategyUserIntervention, domain.StrategyAutoMerge:
	case "":
		strategy = domain.StrategyLastWriteWins
	default:
		return nil, fmt.Errorf("unknown conflict strategy %q", strategy)
	}
	return &ConflictResolver{strategy: strategy}, nil
}

// Strategy returns the active strategy.
func (r *ConflictResolver) Strategy() domain.ConflictStrategy { return r.strategy }

// Resolve stamps the strategy on c and, unless the strategy defers to the user,
// picks a winner.
func (r *ConflictResolver) Resolve(c domain.Conflict) domain.Conflict {
	c.Strategy = r.strategy
	switch r.strategy {
	case domain.StrategyUserIntervention:
		c.Resolved = false
		c.Resolution = ""
	case domain.StrategyAutoMerge:
		// No content merge exists yet; behaves as last_write_wins.
		return lastWriteWins(c)
	default:
		return lastWriteWins(c)
	}
	return c
}

// lastWriteWins prefers local only when it is strictly newer; ties go to remote.
func lastWriteWins(c domain.Conflict) domain.Conflict {
	c.Resolved = true
	if c.LocalModifiedAt.After(c.RemoteModifiedAt) {
		c.Resolution = domain.ResolutionLocal
	} else {
		c.Resolution = domain.ResolutionRemote
	}
	return c
}
