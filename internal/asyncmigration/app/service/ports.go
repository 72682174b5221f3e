// Package service provides the async migration control plane
package service

import (
	"context"

	"github.com/linkflow-ai/chmigrate/internal/asyncmigration/domain/model"
)

// Introspector reads the storage engine's system catalog
type Introspector interface {
	// CurrentEngine returns the full engine definition of a table and whether it exists
	CurrentEngine(ctx context.Context, table string) (string, bool, error)
	NodeCount(ctx context.Context) (int, error)
	ActiveMergeCount(ctx context.Context, table string) (int, error)
	ActivePartitions(ctx context.Context, table string) ([]string, error)
}

// SQLExecutor runs a DDL or DML statement
type SQLExecutor interface {
	Exec(ctx context.Context, query string, args ...any) error
}

// FlagStore holds process-wide boolean settings shared with other services
type FlagStore interface {
	Get(ctx context.Context, name string) (bool, error)
	Set(ctx context.Context, name string, value bool) error
}

// RunLock keeps two runs of the same migration from overlapping. Acquire returns
// model.ErrRunInProgress when the lock is held elsewhere.
type RunLock interface {
	Acquire(ctx context.Context, migration string) (release func(context.Context) error, err error)
}

// RunRepository persists run records and their per-operation checkpoints
type RunRepository interface {
	Create(ctx context.Context, run *model.Run) error
	Update(ctx context.Context, run *model.Run) error
	FindByID(ctx context.Context, id string) (*model.Run, error)
	// FindLatest returns model.ErrRunNotFound when the migration never ran
	FindLatest(ctx context.Context, migration string) (*model.Run, error)
	SaveCheckpoint(ctx context.Context, checkpoint *model.Checkpoint) error
	ListCheckpoints(ctx context.Context, runID string) ([]model.Checkpoint, error)
}

// EventPublisher announces finished runs to the rest of the system
type EventPublisher interface {
	PublishRunFinished(ctx context.Context, run *model.Run) error
}
