package model

import (
	"time"

	"github.com/google/uuid"
)

// RunStatus is the lifecycle state of a migration run
type RunStatus string

const (
	RunStatusPending     RunStatus = "pending"
	RunStatusRunning     RunStatus = "running"
	RunStatusCompleted   RunStatus = "completed"
	RunStatusRollingBack RunStatus = "rolling_back"
	RunStatusRolledBack  RunStatus = "rolled_back"
	RunStatusFailed      RunStatus = "failed"
	RunStatusNotRequired RunStatus = "not_required"
)

// IsTerminal reports whether no further transition happens without an operator
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusRolledBack, RunStatusFailed, RunStatusNotRequired:
		return true
	}
	return false
}

// NewRunKey derives the per-run suffix used in tmp/backup names and replication paths
func NewRunKey(prefix string, at time.Time) string {
	return prefix + "_" + at.UTC().Format("20060102150405")
}

// Run is the persisted record of one migration run
type Run struct {
	ID             string     `json:"id"`
	MigrationName  string     `json:"migration"`
	RunKey         string     `json:"runKey"`
	Status         RunStatus  `json:"status"`
	Error          string     `json:"error,omitempty"`
	RollbackErrors []string   `json:"rollbackErrors,omitempty"`
	StepsApplied   int        `json:"stepsApplied"`
	TotalSteps     int        `json:"totalSteps"`
	StartedAt      time.Time  `json:"startedAt"`
	FinishedAt     *time.Time `json:"finishedAt,omitempty"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

// NewRun creates a running record for a migration
func NewRun(migration, runKey string, startedAt time.Time) *Run {
	return &Run{
		ID:            uuid.New().String(),
		MigrationName: migration,
		RunKey:        runKey,
		Status:        RunStatusRunning,
		StartedAt:     startedAt,
		UpdatedAt:     startedAt,
	}
}

// Finish moves the run to a terminal status
func (r *Run) Finish(status RunStatus, err error, rollbackErrs []error, at time.Time) {
	r.Status = status
	r.Error = ""
	if err != nil {
		r.Error = err.Error()
	}
	r.RollbackErrors = nil
	for _, rbErr := range rollbackErrs {
		r.RollbackErrors = append(r.RollbackErrors, rbErr.Error())
	}
	r.FinishedAt = &at
	r.UpdatedAt = at
}

// Duration returns how long the run took, or has taken so far
func (r *Run) Duration(now time.Time) time.Duration {
	if r.FinishedAt != nil {
		return r.FinishedAt.Sub(r.StartedAt)
	}
	return now.Sub(r.StartedAt)
}

// CheckpointState is the recorded state of a single plan operation
type CheckpointState string

const (
	// CheckpointStarted is written before the forward action runs. A run that crashed
	// leaves its last operation in this state.
	CheckpointStarted        CheckpointState = "started"
	CheckpointApplied        CheckpointState = "applied"
	CheckpointFailed         CheckpointState = "failed"
	CheckpointRolledBack     CheckpointState = "rolled_back"
	CheckpointRollbackFailed CheckpointState = "rollback_failed"
)

// NeedsRollback reports whether the operation's effects may still be in place.
// Every rollback tolerates an operation that never ran or only partly applied, so
// started and failed operations are reverted too.
func (s CheckpointState) NeedsRollback() bool {
	switch s {
	case CheckpointStarted, CheckpointApplied, CheckpointFailed, CheckpointRollbackFailed:
		return true
	}
	return false
}

// Checkpoint records what happened to one operation of a run
type Checkpoint struct {
	RunID       string          `json:"runId"`
	Index       int             `json:"index"`
	Description string          `json:"description"`
	State       CheckpointState `json:"state"`
	Error       string          `json:"error,omitempty"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}
