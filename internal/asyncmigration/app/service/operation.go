package service

import (
	"context"
	"fmt"

	"github.com/linkflow-ai/chmigrate/internal/platform/logger"
)

// OperationKind tags the two shapes an operation can take
type OperationKind string

const (
	KindSQL    OperationKind = "sql"
	KindAction OperationKind = "action"
)

// Env carries the collaborators an operation may touch
type Env struct {
	SQL     SQLExecutor
	Catalog Introspector
	Flags   FlagStore
	Mover   *PartitionMover
	Logger  logger.Logger
}

// ActionFunc is the forward or rollback half of an action operation
type ActionFunc func(ctx context.Context, env Env) error

// Operation is one atomic, reversible step of a plan
type Operation struct {
	Kind        OperationKind
	Description string

	// KindSQL. An empty RollbackSQL marks the statement as irreversible.
	SQL         string
	RollbackSQL string
	// RollbackCheck runs before RollbackSQL; an error leaves the rollback undone
	RollbackCheck ActionFunc

	// KindAction. A nil Rollback marks the action as irreversible.
	Forward  ActionFunc
	Rollback ActionFunc
}

// NewSQLOperation creates an operation running a single statement
func NewSQLOperation(description, sql, rollbackSQL string) Operation {
	return Operation{
		Kind:        KindSQL,
		Description: description,
		SQL:         sql,
		RollbackSQL: rollbackSQL,
	}
}

// NewActionOperation creates an operation running arbitrary logic
func NewActionOperation(description string, forward, rollback ActionFunc) Operation {
	return Operation{
		Kind:        KindAction,
		Description: description,
		Forward:     forward,
		Rollback:    rollback,
	}
}

// WithRollbackCheck returns a copy of the operation that runs check before its
// rollback statement
func (o Operation) WithRollbackCheck(check ActionFunc) Operation {
	o.RollbackCheck = check
	return o
}

// Reversible reports whether the operation has a rollback
func (o Operation) Reversible() bool {
	if o.Kind == KindSQL {
		return o.RollbackSQL != ""
	}
	return o.Rollback != nil
}

// Apply runs the forward half
func (o Operation) Apply(ctx context.Context, env Env) error {
	switch o.Kind {
	case KindSQL:
		if o.SQL == "" {
			return fmt.Errorf("operation %q has no forward statement", o.Description)
		}
		return env.SQL.Exec(ctx, o.SQL)
	case KindAction:
		if o.Forward == nil {
			return fmt.Errorf("operation %q has no forward action", o.Description)
		}
		return o.Forward(ctx, env)
	default:
		return fmt.Errorf("unknown operation kind %q", o.Kind)
	}
}

// Revert runs the rollback half. Irreversible operations revert to a no-op.
func (o Operation) Revert(ctx context.Context, env Env) error {
	if !o.Reversible() {
		return nil
	}

	switch o.Kind {
	case KindSQL:
		if o.RollbackCheck != nil {
			if err := o.RollbackCheck(ctx, env); err != nil {
				return err
			}
		}
		return env.SQL.Exec(ctx, o.RollbackSQL)
	case KindAction:
		return o.Rollback(ctx, env)
	default:
		return fmt.Errorf("unknown operation kind %q", o.Kind)
	}
}

// Plan is the ordered list of operations of one run. It is not modified once built.
type Plan struct {
	migration string
	runKey    string
	ops       []Operation
	// rollbackOnly plans are rebuilt without introspection and cannot run forward
	rollbackOnly bool
}

func newPlan(migration, runKey string, ops []Operation, rollbackOnly bool) *Plan {
	return &Plan{
		migration:    migration,
		runKey:       runKey,
		ops:          append([]Operation(nil), ops...),
		rollbackOnly: rollbackOnly,
	}
}

// Migration returns the name of the migration the plan belongs to
func (p *Plan) Migration() string { return p.migration }

// RunKey returns the key the plan's table names are derived from
func (p *Plan) RunKey() string { return p.runKey }

// Len returns the number of operations
func (p *Plan) Len() int { return len(p.ops) }

// RollbackOnly reports whether the plan can only be used to unwind a recorded run
func (p *Plan) RollbackOnly() bool { return p.rollbackOnly }

// Operation returns the operation at index i
func (p *Plan) Operation(i int) Operation { return p.ops[i] }

// Operations returns a copy of the operation list
func (p *Plan) Operations() []Operation {
	return append([]Operation(nil), p.ops...)
}

// Step is the printable form of an operation
type Step struct {
	Index       int           `json:"index"`
	Kind        OperationKind `json:"kind"`
	Description string        `json:"description"`
	SQL         string        `json:"sql,omitempty"`
	RollbackSQL string        `json:"rollbackSql,omitempty"`
	Reversible  bool          `json:"reversible"`
}

// Steps describes every operation of the plan
func (p *Plan) Steps() []Step {
	steps := make([]Step, 0, len(p.ops))
	for i, op := range p.ops {
		steps = append(steps, Step{
			Index:       i,
			Kind:        op.Kind,
			Description: op.Description,
			SQL:         op.SQL,
			RollbackSQL: op.RollbackSQL,
			Reversible:  op.Reversible(),
		})
	}
	return steps
}
