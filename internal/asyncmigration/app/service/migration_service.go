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
	"go.opentelemetry.io/otel/trace"
)

// Dependencies are the collaborators of a MigrationService. Events may be nil.
type Dependencies struct {
	Definitions []model.Definition
	Catalog     Introspector
	SQL         SQLExecutor
	Flags       FlagStore
	Runs        RunRepository
	Lock        RunLock
	Events      EventPublisher
	Logger      logger.Logger
	Metrics     *metrics.Metrics
	Tracer      trace.Tracer
	// Replication mirrors CLICKHOUSE_REPLICATION; the migration refuses to start without it
	Replication bool
}

// Option configures a MigrationService
type Option func(*MigrationService)

// WithClock overrides the time source used for run keys and timestamps
func WithClock(now func() time.Time) Option {
	return func(s *MigrationService) {
		s.now = now
	}
}

// MigrationService drives async migration runs
type MigrationService struct {
	definitions map[string]model.Definition
	catalog     Introspector
	sequencer   *Sequencer
	executor    *Executor
	runs        RunRepository
	lock        RunLock
	events      EventPublisher
	logger      logger.Logger
	metrics     *metrics.Metrics
	replication bool
	now         func() time.Time
}

// NewMigrationService creates a new migration service
func NewMigrationService(deps Dependencies, opts ...Option) *MigrationService {
	log := deps.Logger
	if log == nil {
		log = logger.NewNop()
	}

	mover := NewPartitionMover(deps.Catalog, deps.SQL, log, deps.Metrics)
	env := Env{
		SQL:     deps.SQL,
		Catalog: deps.Catalog,
		Flags:   deps.Flags,
		Mover:   mover,
		Logger:  log,
	}

	definitions := make(map[string]model.Definition, len(deps.Definitions))
	for _, def := range deps.Definitions {
		definitions[def.Name] = def
	}

	s := &MigrationService{
		definitions: definitions,
		catalog:     deps.Catalog,
		sequencer:   NewSequencer(deps.Catalog),
		executor:    NewExecutor(env, log, deps.Metrics, deps.Tracer),
		runs:        deps.Runs,
		lock:        deps.Lock,
		events:      deps.Events,
		logger:      log,
		metrics:     deps.Metrics,
		replication: deps.Replication,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Definitions lists the registered migrations by name
func (s *MigrationService) Definitions() []model.Definition {
	defs := make([]model.Definition, 0, len(s.definitions))
	for _, def := range s.definitions {
		defs = append(defs, def)
	}
	sort.Slice(defs, func(i, j int) bool {
		return defs[i].Name < defs[j].Name
	})
	return defs
}

func (s *MigrationService) definition(name string) (model.Definition, error) {
	def, ok := s.definitions[name]
	if !ok {
		return model.Definition{}, fmt.Errorf("%w: %s", model.ErrMigrationNotFound, name)
	}
	return def, nil
}

// IsRequired reports whether the migration still has to run. It only reads the
// catalog, so asking twice without catalog changes gives the same answer.
func (s *MigrationService) IsRequired(ctx context.Context, name string) (bool, error) {
	def, err := s.definition(name)
	if err != nil {
		return false, err
	}

	engine, exists, err := s.catalog.CurrentEngine(ctx, def.PrimaryTable)
	if err != nil {
		return false, fmt.Errorf("failed to read engine of %s: %w", def.PrimaryTable, err)
	}
	if !exists {
		return false, fmt.Errorf("%w: %s", model.ErrTableNotFound, def.PrimaryTable)
	}

	return !def.IsApplied(engine), nil
}

// CheckPreconditions returns a *model.PreconditionError when the cluster is not fit
// for the migration
func (s *MigrationService) CheckPreconditions(ctx context.Context, name string) error {
	if _, err := s.definition(name); err != nil {
		return err
	}

	if !s.replication {
		return &model.PreconditionError{Reason: "CLICKHOUSE_REPLICATION env var needs to be set for this migration"}
	}

	nodes, err := s.catalog.NodeCount(ctx)
	if err != nil {
		return fmt.Errorf("failed to count cluster nodes: %w", err)
	}
	if nodes > 1 {
		return &model.PreconditionError{
			Reason: fmt.Sprintf("ClickHouse cluster should only contain one node at the time of this migration, found %d", nodes),
		}
	}

	return nil
}

// Plan builds the plan a run started now would execute. Nothing is executed.
func (s *MigrationService) Plan(ctx context.Context, name string) (*Plan, error) {
	def, err := s.definition(name)
	if err != nil {
		return nil, err
	}
	return s.sequencer.Build(ctx, def, model.NewRunKey(def.KeyPrefix, s.now()))
}

// Run executes the migration. The returned run is never nil when err is a
// *model.PreconditionError or an operation failure; its Status tells the verdict.
func (s *MigrationService) Run(ctx context.Context, name string) (*model.Run, error) {
	def, err := s.definition(name)
	if err != nil {
		return nil, err
	}

	release, err := s.lock.Acquire(ctx, name)
	if err != nil {
		return nil, err
	}
	defer s.release(ctx, name, release)

	required, err := s.IsRequired(ctx, name)
	if err != nil {
		return nil, err
	}
	if !required {
		s.logger.Info("Async migration not required, skipping", "migration", name)
		return &model.Run{MigrationName: name, Status: model.RunStatusNotRequired}, nil
	}

	if err := s.CheckPreconditions(ctx, name); err != nil {
		s.metrics.PreconditionFailed(name)
		s.logger.Warn("Async migration precondition failed", "migration", name, "error", err)
		return &model.Run{MigrationName: name, Status: model.RunStatusFailed, Error: err.Error()}, err
	}

	startedAt := s.now().UTC()
	run := model.NewRun(name, model.NewRunKey(def.KeyPrefix, startedAt), startedAt)
	if err := s.runs.Create(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to record run: %w", err)
	}

	ctx = context.WithValue(ctx, logger.RunIDKey, run.ID)
	log := s.logger.WithContext(ctx)
	log.Info("Starting async migration", "migration", name, "run_key", run.RunKey)

	s.metrics.RunStarted(name)

	plan, err := s.sequencer.Build(ctx, def, run.RunKey)
	if err != nil {
		run.Finish(model.RunStatusFailed, fmt.Errorf("failed to build plan: %w", err), nil, s.now().UTC())
		s.finish(ctx, run)
		return run, err
	}

	run.TotalSteps = plan.Len()
	if err := s.runs.Update(ctx, run); err != nil {
		log.Warn("Failed to record plan size", "error", err)
	}

	result := s.executor.Execute(ctx, plan, &checkpointRecorder{service: s, run: run})
	run.StepsApplied = result.StepsApplied
	run.Finish(result.Status, result.Err, result.RollbackErrors, s.now().UTC())
	s.finish(ctx, run)

	if result.Err != nil {
		log.Error("Async migration rolled back",
			"migration", name,
			"failed_index", result.FailedIndex,
			"rollback_errors", len(result.RollbackErrors),
			"error", result.Err,
		)
		return run, result.Err
	}

	log.Info("Async migration completed", "migration", name, "steps", run.StepsApplied)
	return run, nil
}

// RollbackRun unwinds a recorded run. Every operation whose checkpoint says it may
// still be in effect is reverted, highest index first. This resumes the unwind of a
// run that crashed or whose rollbacks failed, and it also reverts a completed run.
func (s *MigrationService) RollbackRun(ctx context.Context, runID string) (*model.Run, error) {
	run, err := s.runs.FindByID(ctx, runID)
	if err != nil {
		return nil, err
	}

	def, err := s.definition(run.MigrationName)
	if err != nil {
		return nil, err
	}

	release, err := s.lock.Acquire(ctx, run.MigrationName)
	if err != nil {
		return nil, err
	}
	defer s.release(ctx, run.MigrationName, release)

	checkpoints, err := s.runs.ListCheckpoints(ctx, run.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}

	plan, err := s.sequencer.BuildForRollback(def, run.RunKey)
	if err != nil {
		return nil, err
	}

	indices, err := pendingRollbacks(plan, checkpoints)
	if err != nil {
		return nil, err
	}

	ctx = context.WithValue(ctx, logger.RunIDKey, run.ID)
	log := s.logger.WithContext(ctx)
	log.Info("Rolling back async migration run", "migration", run.MigrationName, "operations", len(indices))

	previousError := run.Error
	run.Status = model.RunStatusRollingBack
	run.UpdatedAt = s.now().UTC()
	if err := s.runs.Update(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to update run: %w", err)
	}

	errs := s.executor.Revert(ctx, plan, indices, &checkpointRecorder{service: s, run: run})

	run.Finish(model.RunStatusRolledBack, nil, errs, s.now().UTC())
	run.Error = previousError
	s.finish(ctx, run)

	if len(errs) > 0 {
		log.Error("Some rollbacks failed", "count", len(errs), "error", errors.Join(errs...))
	}
	return run, nil
}

// pendingRollbacks checks the checkpoints against the rebuilt plan and returns the
// operations that still need a rollback
func pendingRollbacks(plan *Plan, checkpoints []model.Checkpoint) ([]int, error) {
	var indices []int
	for _, cp := range checkpoints {
		if cp.Index < 0 || cp.Index >= plan.Len() {
			return nil, fmt.Errorf("%w: checkpoint %d is outside a plan of %d operations", model.ErrPlanDrift, cp.Index, plan.Len())
		}
		if got := plan.Operation(cp.Index).Description; got != cp.Description {
			return nil, fmt.Errorf("%w: operation %d is %q, recorded %q", model.ErrPlanDrift, cp.Index, got, cp.Description)
		}
		if cp.State.NeedsRollback() {
			indices = append(indices, cp.Index)
		}
	}
	return indices, nil
}

// MigrationStatus summarizes a migration for operators
type MigrationStatus struct {
	Name        string     `json:"name"`
	Description string     `json:"description"`
	DependsOn   string     `json:"dependsOn,omitempty"`
	Required    bool       `json:"required"`
	LatestRun   *model.Run `json:"latestRun,omitempty"`
}

// Status returns whether the migration is required and its latest run
func (s *MigrationService) Status(ctx context.Context, name string) (*MigrationStatus, error) {
	def, err := s.definition(name)
	if err != nil {
		return nil, err
	}

	required, err := s.IsRequired(ctx, name)
	if err != nil {
		return nil, err
	}

	status := &MigrationStatus{
		Name:        def.Name,
		Description: def.Description,
		DependsOn:   def.DependsOn,
		Required:    required,
	}

	latest, err := s.runs.FindLatest(ctx, name)
	switch {
	case err == nil:
		status.LatestRun = latest
	case !errors.Is(err, model.ErrRunNotFound):
		return nil, fmt.Errorf("failed to get latest run: %w", err)
	}

	return status, nil
}

// GetRun returns a run and its checkpoints
func (s *MigrationService) GetRun(ctx context.Context, runID string) (*model.Run, []model.Checkpoint, error) {
	run, err := s.runs.FindByID(ctx, runID)
	if err != nil {
		return nil, nil, err
	}

	checkpoints, err := s.runs.ListCheckpoints(ctx, runID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	return run, checkpoints, nil
}

// finish persists the final state of a run and announces it. Neither step can
// change the verdict, so failures are only logged.
func (s *MigrationService) finish(ctx context.Context, run *model.Run) {
	ctx = context.WithoutCancel(ctx)
	log := s.logger.WithContext(ctx)

	s.metrics.RunFinished(run.MigrationName, string(run.Status), run.Duration(s.now()))

	if err := s.runs.Update(ctx, run); err != nil {
		log.Error("Failed to record run result", "status", run.Status, "error", err)
	}

	if s.events == nil {
		return
	}
	if err := s.events.PublishRunFinished(ctx, run); err != nil {
		log.Error("Failed to publish run result", "status", run.Status, "error", err)
	}
}

func (s *MigrationService) release(ctx context.Context, name string, release func(context.Context) error) {
	if err := release(context.WithoutCancel(ctx)); err != nil {
		s.logger.Error("Failed to release run lock", "migration", name, "error", err)
	}
}

// checkpointRecorder persists operation progress of one run
type checkpointRecorder struct {
	service *MigrationService
	run     *model.Run
}

func (r *checkpointRecorder) OperationStateChanged(ctx context.Context, index int, op Operation, state model.CheckpointState, err error) {
	s := r.service
	now := s.now().UTC()

	cp := &model.Checkpoint{
		RunID:       r.run.ID,
		Index:       index,
		Description: op.Description,
		State:       state,
		UpdatedAt:   now,
	}
	if err != nil {
		cp.Error = err.Error()
	}

	// The catalog stays the source of truth, a lost checkpoint does not stop the run
	if saveErr := s.runs.SaveCheckpoint(ctx, cp); saveErr != nil {
		s.logger.WithContext(ctx).Warn("Failed to save checkpoint", "index", index, "state", state, "error", saveErr)
	}

	rollingBack := state == model.CheckpointRolledBack || state == model.CheckpointRollbackFailed
	if rollingBack && r.run.Status == model.RunStatusRunning {
		r.run.Status = model.RunStatusRollingBack
		r.run.UpdatedAt = now
		if updateErr := s.runs.Update(ctx, r.run); updateErr != nil {
			s.logger.WithContext(ctx).Warn("Failed to mark run as rolling back", "error", updateErr)
		}
	}
}
