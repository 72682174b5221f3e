// Package memory provides an in-memory run repository for tests and standalone use
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/linkflow-ai/chmigrate/internal/asyncmigration/domain/model"
)

// RunRepository keeps runs and checkpoints in process memory
type RunRepository struct {
	mu          sync.RWMutex
	runs        map[string]model.Run
	checkpoints map[string]map[int]model.Checkpoint
}

// NewRunRepository creates an empty repository
func NewRunRepository() *RunRepository {
	return &RunRepository{
		runs:        make(map[string]model.Run),
		checkpoints: make(map[string]map[int]model.Checkpoint),
	}
}

func copyRun(run model.Run) *model.Run {
	run.RollbackErrors = append([]string(nil), run.RollbackErrors...)
	if run.FinishedAt != nil {
		finished := *run.FinishedAt
		run.FinishedAt = &finished
	}
	return &run
}

// Create stores a new run
func (r *RunRepository) Create(_ context.Context, run *model.Run) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs[run.ID] = *copyRun(*run)
	return nil
}

// Update replaces a stored run
func (r *RunRepository) Update(_ context.Context, run *model.Run) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.runs[run.ID]; !ok {
		return model.ErrRunNotFound
	}
	r.runs[run.ID] = *copyRun(*run)
	return nil
}

// FindByID returns a run by id
func (r *RunRepository) FindByID(_ context.Context, id string) (*model.Run, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	run, ok := r.runs[id]
	if !ok {
		return nil, model.ErrRunNotFound
	}
	return copyRun(run), nil
}

// FindLatest returns the most recently started run of a migration
func (r *RunRepository) FindLatest(_ context.Context, migration string) (*model.Run, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var latest *model.Run
	for _, run := range r.runs {
		if run.MigrationName != migration {
			continue
		}
		if latest == nil || run.StartedAt.After(latest.StartedAt) {
			latest = copyRun(run)
		}
	}
	if latest == nil {
		return nil, model.ErrRunNotFound
	}
	return latest, nil
}

// SaveCheckpoint stores the latest state of an operation
func (r *RunRepository) SaveCheckpoint(_ context.Context, checkpoint *model.Checkpoint) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	byIndex, ok := r.checkpoints[checkpoint.RunID]
	if !ok {
		byIndex = make(map[int]model.Checkpoint)
		r.checkpoints[checkpoint.RunID] = byIndex
	}
	byIndex[checkpoint.Index] = *checkpoint
	return nil
}

// ListCheckpoints returns the checkpoints of a run ordered by operation index
func (r *RunRepository) ListCheckpoints(_ context.Context, runID string) ([]model.Checkpoint, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]model.Checkpoint, 0, len(r.checkpoints[runID]))
	for _, cp := range r.checkpoints[runID] {
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Index < out[j].Index
	})
	return out, nil
}
