// Package checkpoint implements the per (chain, registry, task) progress
// marker that makes every daemon task resumable and pausable.
package checkpoint

import (
	"context"
	"fmt"

	"github.com/restakefi/keyguard/common"
	"github.com/restakefi/keyguard/log"
	"github.com/restakefi/keyguard/storage"
)

// Store reads and writes task checkpoints.
type Store struct {
	db     storage.TaskStateStorage
	logger *log.Logger
}

// NewStore creates a checkpoint store over the given storage.
func NewStore(db storage.TaskStateStorage, logger *log.Logger) *Store {
	return &Store{db: db, logger: logger.WithModule("checkpoint")}
}

// GetStatus returns the stored checkpoint, or nil if the task never ran.
func (s *Store) GetStatus(ctx context.Context, key common.TaskKey) (*common.TaskState, error) {
	state, err := s.db.TaskState(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("checkpoint %s: %w", key, err)
	}
	return state, nil
}

// EnsureRunning creates the checkpoint on first use and returns the last
// processed block. It returns nil when the task is paused, in which case
// the caller must skip the tuple for this tick.
func (s *Store) EnsureRunning(ctx context.Context, key common.TaskKey) (*uint64, error) {
	last, err := s.db.EnsureTaskRunning(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("checkpoint %s: %w", key, err)
	}
	if last == nil {
		s.logger.Debug("task is paused", "task", key.String())
	}
	return last, nil
}

// Advance moves the checkpoint to block. It never moves backwards.
func (s *Store) Advance(ctx context.Context, key common.TaskKey, block uint64) error {
	if err := s.db.AdvanceTaskCheckpoint(ctx, key, block); err != nil {
		return fmt.Errorf("checkpoint %s: %w", key, err)
	}
	return nil
}

// Pause stops the task for the tuple until Resume is called.
func (s *Store) Pause(ctx context.Context, key common.TaskKey) error {
	if err := s.db.SetTaskStatus(ctx, key, common.TaskStatusPaused); err != nil {
		return fmt.Errorf("checkpoint %s: %w", key, err)
	}
	s.logger.Warn("task paused", "task", key.String())
	return nil
}

// Resume marks a paused task running again.
func (s *Store) Resume(ctx context.Context, key common.TaskKey) error {
	if err := s.db.SetTaskStatus(ctx, key, common.TaskStatusRunning); err != nil {
		return fmt.Errorf("checkpoint %s: %w", key, err)
	}
	s.logger.Info("task resumed", "task", key.String())
	return nil
}

// List returns every stored checkpoint.
func (s *Store) List(ctx context.Context) ([]*common.TaskState, error) {
	return s.db.ListTaskStates(ctx)
}
