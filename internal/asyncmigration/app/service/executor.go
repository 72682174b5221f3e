package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/linkflow-ai/chmigrate/internal/asyncmigration/domain/model"
	"github.com/linkflow-ai/chmigrate/internal/platform/logger"
	"github.com/linkflow-ai/chmigrate/internal/platform/metrics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	directionForward  = "forward"
	directionRollback = "rollback"
)

var errRollbackOnlyPlan = errors.New("plan was rebuilt for rollback and cannot run forward")

// ProgressObserver is told about every state change of an operation
type ProgressObserver interface {
	OperationStateChanged(ctx context.Context, index int, op Operation, state model.CheckpointState, err error)
}

// RunResult is the outcome of executing a plan
type RunResult struct {
	Status model.RunStatus
	// Err is the error that stopped forward progress
	Err error
	// RollbackErrors are the rollbacks that failed during the unwind
	RollbackErrors []error
	StepsApplied   int
	// FailedIndex is the operation that failed, -1 if none did
	FailedIndex int
}

// Executor runs plans one operation at a time and unwinds them on failure
type Executor struct {
	env     Env
	logger  logger.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
}

// NewExecutor creates a new executor. A nil tracer uses the global provider.
func NewExecutor(env Env, log logger.Logger, m *metrics.Metrics, tracer trace.Tracer) *Executor {
	if tracer == nil {
		tracer = otel.Tracer("asyncmigration")
	}
	if env.Logger == nil {
		env.Logger = log
	}

	return &Executor{
		env:     env,
		logger:  log,
		metrics: m,
		tracer:  tracer,
	}
}

// Execute runs the plan forward. The first failure, or a cancelled context between
// two operations, stops forward progress and rolls back in reverse order the completed
// operations plus the one that failed, which may have partly applied. The unwind is
// best-effort: a failing rollback is recorded and the unwind carries on with the
// operation before it.
//
// Cancellation is only observed between operations. A running operation always
// finishes on a context detached from ctx.
func (e *Executor) Execute(ctx context.Context, plan *Plan, observer ProgressObserver) *RunResult {
	result := &RunResult{Status: model.RunStatusRunning, FailedIndex: -1}
	if plan.RollbackOnly() {
		result.Status = model.RunStatusFailed
		result.Err = errRollbackOnlyPlan
		return result
	}

	ctx, span := e.tracer.Start(ctx, "asyncmigration.execute", trace.WithAttributes(
		attribute.String("migration", plan.Migration()),
		attribute.String("run_key", plan.RunKey()),
		attribute.Int("operations", plan.Len()),
	))
	defer span.End()

	log := e.logger.WithContext(ctx)
	opCtx := context.WithoutCancel(ctx)
	completed := make([]int, 0, plan.Len())

	for i := 0; i < plan.Len(); i++ {
		if err := ctx.Err(); err != nil {
			result.Err = fmt.Errorf("run stopped before operation %d: %w", i, err)
			break
		}

		op := plan.Operation(i)
		e.notify(opCtx, observer, i, op, model.CheckpointStarted, nil)

		log.Info("Running operation", "index", i, "operation", op.Description)
		if err := e.run(opCtx, directionForward, i, op, op.Apply); err != nil {
			log.Error("Operation failed", "index", i, "operation", op.Description, "error", err)
			e.notify(opCtx, observer, i, op, model.CheckpointFailed, err)
			result.FailedIndex = i
			result.Err = &model.OperationError{Index: i, Description: op.Description, Err: err}
			break
		}

		e.notify(opCtx, observer, i, op, model.CheckpointApplied, nil)
		completed = append(completed, i)
	}

	result.StepsApplied = len(completed)
	if result.Err == nil {
		result.Status = model.RunStatusCompleted
		return result
	}

	span.RecordError(result.Err)
	span.SetStatus(codes.Error, result.Err.Error())

	toUnwind := completed
	if result.FailedIndex >= 0 {
		toUnwind = append(toUnwind, result.FailedIndex)
	}

	log.Warn("Rolling back operations", "count", len(toUnwind), "failed_index", result.FailedIndex)
	result.RollbackErrors = e.unwind(opCtx, plan, toUnwind, observer)
	result.Status = model.RunStatusRolledBack
	return result
}

// Revert rolls back the given operations of the plan, highest index first
func (e *Executor) Revert(ctx context.Context, plan *Plan, indices []int, observer ProgressObserver) []error {
	sorted := append([]int(nil), indices...)
	sort.Ints(sorted)

	ctx, span := e.tracer.Start(ctx, "asyncmigration.revert", trace.WithAttributes(
		attribute.String("migration", plan.Migration()),
		attribute.String("run_key", plan.RunKey()),
		attribute.Int("operations", len(sorted)),
	))
	defer span.End()

	errs := e.unwind(ctx, plan, sorted, observer)
	if len(errs) > 0 {
		span.SetStatus(codes.Error, errors.Join(errs...).Error())
	}
	return errs
}

func (e *Executor) unwind(ctx context.Context, plan *Plan, completed []int, observer ProgressObserver) []error {
	log := e.logger.WithContext(ctx)

	var errs []error
	for j := len(completed) - 1; j >= 0; j-- {
		i := completed[j]
		if i < 0 || i >= plan.Len() {
			errs = append(errs, fmt.Errorf("operation %d is outside the plan", i))
			continue
		}

		op := plan.Operation(i)
		if !op.Reversible() {
			log.Info("Operation has no rollback, skipping", "index", i, "operation", op.Description)
			e.notify(ctx, observer, i, op, model.CheckpointRolledBack, nil)
			continue
		}

		log.Info("Rolling back operation", "index", i, "operation", op.Description)
		if err := e.run(ctx, directionRollback, i, op, op.Revert); err != nil {
			log.Error("Rollback failed, continuing unwind", "index", i, "operation", op.Description, "error", err)
			errs = append(errs, &model.RollbackError{Index: i, Description: op.Description, Err: err})
			e.notify(ctx, observer, i, op, model.CheckpointRollbackFailed, err)
			continue
		}

		e.notify(ctx, observer, i, op, model.CheckpointRolledBack, nil)
	}

	return errs
}

func (e *Executor) run(ctx context.Context, direction string, index int, op Operation, fn func(context.Context, Env) error) error {
	ctx, span := e.tracer.Start(ctx, "asyncmigration.operation", trace.WithAttributes(
		attribute.String("direction", direction),
		attribute.Int("index", index),
		attribute.String("kind", string(op.Kind)),
		attribute.String("description", op.Description),
	))
	defer span.End()

	start := time.Now()
	err := fn(ctx, e.env)
	e.metrics.ObserveOperation(direction, string(op.Kind), err, time.Since(start))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (e *Executor) notify(ctx context.Context, observer ProgressObserver, index int, op Operation, state model.CheckpointState, err error) {
	if observer == nil {
		return
	}
	observer.OperationStateChanged(ctx, index, op, state, err)
}
