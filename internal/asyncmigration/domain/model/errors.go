package model

import (
	"errors"
	"fmt"
)

var (
	ErrRunInProgress     = errors.New("an async migration run is already in progress")
	ErrRunNotFound       = errors.New("async migration run not found")
	ErrMigrationNotFound = errors.New("async migration not found")
	ErrMergesRunning     = errors.New("merges are running on table")
	ErrEngineGrammar     = errors.New("engine definition must contain exactly one MergeTree constructor")
	ErrTableNotFound     = errors.New("table not found")
	ErrInvalidPartition  = errors.New("invalid partition identifier")
	ErrInvalidDescriptor = errors.New("invalid table migration descriptor")
	ErrPlanDrift         = errors.New("rebuilt plan does not match recorded checkpoints")
	ErrTableNotEmpty     = errors.New("table still holds partitions")
)

// PreconditionError is returned when the environment does not allow the migration to start.
// Nothing has run when it is returned, so there is nothing to roll back.
type PreconditionError struct {
	Reason string
}

func (e *PreconditionError) Error() string {
	return "precondition failed: " + e.Reason
}

// OperationError wraps the failure of a forward operation
type OperationError struct {
	Index       int
	Description string
	Err         error
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("operation %d (%s) failed: %v", e.Index, e.Description, e.Err)
}

func (e *OperationError) Unwrap() error {
	return e.Err
}

// RollbackError wraps the failure of one rollback during an unwind
type RollbackError struct {
	Index       int
	Description string
	Err         error
}

func (e *RollbackError) Error() string {
	return fmt.Sprintf("rollback of operation %d (%s) failed: %v", e.Index, e.Description, e.Err)
}

func (e *RollbackError) Unwrap() error {
	return e.Err
}

// IsPreconditionError reports whether err is or wraps a PreconditionError
func IsPreconditionError(err error) bool {
	var pe *PreconditionError
	return errors.As(err, &pe)
}
