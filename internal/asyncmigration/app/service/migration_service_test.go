package service

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/linkflow-ai/chmigrate/internal/asyncmigration/adapters/memory"
	"github.com/linkflow-ai/chmigrate/internal/asyncmigration/domain/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunEndToEndPlainTable(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, plainDefinition(), true)
	seedPlain(f)

	run, err := f.svc.Run(ctx, f.def.Name)
	require.NoError(t, err)

	assert.Equal(t, model.RunStatusCompleted, run.Status)
	assert.Equal(t, testRunKey, run.RunKey)
	assert.Equal(t, 7, run.TotalSteps)
	assert.Equal(t, 7, run.StepsApplied)

	table, ok := f.catalog.Table("T")
	require.True(t, ok)
	assert.True(t, strings.HasPrefix(table.Engine, "ReplicatedMergeTree('/clickhouse/tables/am0004_20220201030405_noshard/default.T'"))
	assert.True(t, strings.HasSuffix(table.Engine, "PARTITION BY toYYYYMM(timestamp) ORDER BY id"))
	assert.Equal(t, []string{"p1", "p2"}, table.Partitions)

	backup, ok := f.catalog.Table("T_backup_am0004_20220201030405")
	require.True(t, ok)
	assert.Empty(t, backup.Partitions)
	assert.Equal(t, "MergeTree() PARTITION BY toYYYYMM(timestamp) ORDER BY id", backup.Engine)

	_, ok = f.catalog.Table("T_tmp_am0004_20220201030405")
	assert.False(t, ok)

	assert.False(t, f.catalog.MergesStopped())
	assert.False(t, f.flag(t))
	assert.False(t, f.lock.Held(f.def.Name))

	stored, checkpoints, err := f.svc.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleted, stored.Status)
	require.Len(t, checkpoints, 7)
	for _, cp := range checkpoints {
		assert.Equal(t, model.CheckpointApplied, cp.State)
	}

	assert.Equal(t, []model.RunStatus{model.RunStatusCompleted}, f.events.publishedStatuses())
}

func TestRunPostHogSchema(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, postHogDefinition(), true)
	seedPostHog(t, f)

	run, err := f.svc.Run(ctx, f.def.Name)
	require.NoError(t, err)
	require.Equal(t, model.RunStatusCompleted, run.Status)

	events, ok := f.catalog.Table("events")
	require.True(t, ok)
	assert.True(t, strings.HasPrefix(events.Engine, "Distributed('posthog', 'posthog', 'sharded_events'"))

	sharded, ok := f.catalog.Table("sharded_events")
	require.True(t, ok)
	assert.True(t, strings.HasPrefix(sharded.Engine, "ReplicatedReplacingMergeTree("))
	assert.Equal(t, []string{"202201", "202202"}, sharded.Partitions)

	for _, name := range []string{"writable_events", "events_mv", "kafka_events", "session_recording_events_mv", "kafka_person"} {
		_, ok := f.catalog.Table(name)
		assert.True(t, ok, name)
	}

	person, _ := f.catalog.Table("person")
	assert.True(t, strings.HasPrefix(person.Engine, "ReplicatedReplacingMergeTree('/clickhouse/tables/am0004_20220201030405_noshard/posthog.person', '{replica}-{shard}', _timestamp)"))

	required, err := f.svc.IsRequired(ctx, f.def.Name)
	require.NoError(t, err)
	assert.False(t, required)
}

func TestRoundTripRestoresCatalog(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, postHogDefinition(), true)
	seedPostHog(t, f)
	before := f.catalog.Snapshot()

	plan, err := NewSequencer(f.catalog).Build(ctx, f.def, testRunKey)
	require.NoError(t, err)

	executor := NewExecutor(f.env(), f.env().Logger, nil, nil)
	result := executor.Execute(ctx, plan, nil)
	require.Equal(t, model.RunStatusCompleted, result.Status, "%v", result.Err)

	all := make([]int, plan.Len())
	for i := range all {
		all[i] = i
	}
	require.Empty(t, executor.Revert(ctx, plan, all, nil))

	after := f.catalog.Snapshot()

	// Dropping a stale view has no rollback, the recreated view is dropped on the way back
	for _, view := range []string{"events_mv", "session_recording_events_mv"} {
		assert.Contains(t, before, view)
		assert.NotContains(t, after, view)
		delete(before, view)
	}
	assert.Equal(t, before, after)
	assert.False(t, f.catalog.MergesStopped())
}

func TestRunRollsBackOnFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, postHogDefinition(), true)
	seedPostHog(t, f)
	before := f.catalog.Snapshot()

	// fail the swap of the third table, after two tables were fully swapped
	f.catalog.FailOn("RENAME TABLE events_dead_letter_queue TO", memory.ErrInjected, 1)

	run, err := f.svc.Run(ctx, f.def.Name)
	require.Error(t, err)
	assert.ErrorIs(t, err, memory.ErrInjected)

	assert.Equal(t, model.RunStatusRolledBack, run.Status)
	assert.Empty(t, run.RollbackErrors)
	assert.NotEmpty(t, run.Error)
	assert.Equal(t, before, f.catalog.Snapshot())
	assert.False(t, f.catalog.MergesStopped())
	assert.True(t, f.flag(t))

	stored, checkpoints, err := f.svc.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusRolledBack, stored.Status)
	for _, cp := range checkpoints {
		assert.False(t, cp.State.NeedsRollback(), "operation %d is %s", cp.Index, cp.State)
	}

	assert.Equal(t, []model.RunStatus{model.RunStatusRolledBack}, f.events.publishedStatuses())
}

func TestRunKeepsPartitionsWhenMoveRestoreFails(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, plainDefinition(), true)
	seedPlain(f)
	before := f.catalog.Snapshot()

	// p2 fails to move, then p1 fails to come back: p1 is left in the tmp table
	f.catalog.FailOn("ATTACH PARTITION p2", memory.ErrInjected, 1)
	f.catalog.FailOn("ALTER TABLE T ATTACH PARTITION p1", memory.ErrInjected, 1)

	run, err := f.svc.Run(ctx, f.def.Name)
	require.Error(t, err)

	assert.Equal(t, model.RunStatusRolledBack, run.Status)
	assert.Empty(t, run.RollbackErrors)
	assert.Equal(t, before, f.catalog.Snapshot())

	_, checkpoints, err := f.svc.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, checkpoints, 4)
	assert.Equal(t, model.CheckpointRolledBack, checkpoints[3].State)
}

func TestRequiredCheckIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, plainDefinition(), true)
	seedPlain(f)

	first, err := f.svc.IsRequired(ctx, f.def.Name)
	require.NoError(t, err)
	second, err := f.svc.IsRequired(ctx, f.def.Name)
	require.NoError(t, err)
	assert.True(t, first)
	assert.Equal(t, first, second)

	_, err = f.svc.Run(ctx, f.def.Name)
	require.NoError(t, err)

	first, _ = f.svc.IsRequired(ctx, f.def.Name)
	second, _ = f.svc.IsRequired(ctx, f.def.Name)
	assert.False(t, first)
	assert.Equal(t, first, second)
}

func TestRunSkipsWhenNotRequired(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, plainDefinition(), true)
	f.catalog.AddTable("T", "ReplicatedMergeTree('/clickhouse/tables/noshard/default.T', '{replica}-{shard}')")
	f.catalog.SetNodeCount(3)

	run, err := f.svc.Run(ctx, f.def.Name)
	require.NoError(t, err)

	assert.Equal(t, model.RunStatusNotRequired, run.Status)
	assert.Empty(t, f.catalog.Statements())
	assert.Empty(t, f.events.Calls)
}

func TestPreconditionGate(t *testing.T) {
	tests := []struct {
		name        string
		nodes       int
		replication bool
		wantErr     bool
	}{
		{name: "two nodes refuse", nodes: 2, replication: true, wantErr: true},
		{name: "replication disabled refuses", nodes: 1, replication: false, wantErr: true},
		{name: "single node proceeds", nodes: 1, replication: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			f := newFixture(t, plainDefinition(), tt.replication)
			seedPlain(f)
			f.catalog.SetNodeCount(tt.nodes)

			run, err := f.svc.Run(ctx, f.def.Name)
			if !tt.wantErr {
				require.NoError(t, err)
				assert.Equal(t, model.RunStatusCompleted, run.Status)
				return
			}

			require.Error(t, err)
			assert.True(t, model.IsPreconditionError(err))
			assert.Equal(t, model.RunStatusFailed, run.Status)
			assert.Empty(t, f.catalog.Statements())

			_, err = f.runs.FindLatest(ctx, f.def.Name)
			assert.ErrorIs(t, err, model.ErrRunNotFound)
		})
	}
}

func TestRunRefusesConcurrentRun(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, plainDefinition(), true)
	seedPlain(f)

	release, err := f.lock.Acquire(ctx, f.def.Name)
	require.NoError(t, err)
	defer release(ctx)

	_, err = f.svc.Run(ctx, f.def.Name)
	assert.ErrorIs(t, err, model.ErrRunInProgress)
	assert.Empty(t, f.catalog.Statements())
}

func TestRunUnknownMigration(t *testing.T) {
	f := newFixture(t, plainDefinition(), true)

	_, err := f.svc.Run(context.Background(), "0099_unknown")
	assert.ErrorIs(t, err, model.ErrMigrationNotFound)
}

func TestRollbackRunResumesFailedUnwind(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, plainDefinition(), true)
	seedPlain(f)
	before := f.catalog.Snapshot()

	f.catalog.FailOn("RENAME TABLE", memory.ErrInjected, 1)
	f.catalog.FailOn("DROP TABLE IF EXISTS T_tmp", memory.ErrInjected, 0)

	run, err := f.svc.Run(ctx, f.def.Name)
	require.Error(t, err)
	require.Equal(t, model.RunStatusRolledBack, run.Status)
	require.Len(t, run.RollbackErrors, 1)

	_, ok := f.catalog.Table("T_tmp_am0004_20220201030405")
	require.True(t, ok)

	f.catalog.ClearFailures()
	rolledBack, err := f.svc.RollbackRun(ctx, run.ID)
	require.NoError(t, err)

	assert.Equal(t, model.RunStatusRolledBack, rolledBack.Status)
	assert.Empty(t, rolledBack.RollbackErrors)
	assert.Equal(t, run.Error, rolledBack.Error)
	assert.Equal(t, before, f.catalog.Snapshot())

	_, checkpoints, err := f.svc.GetRun(ctx, run.ID)
	require.NoError(t, err)
	for _, cp := range checkpoints {
		assert.False(t, cp.State.NeedsRollback(), "operation %d is %s", cp.Index, cp.State)
	}
}

func TestRollbackRunAfterCrash(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, plainDefinition(), true)

	// The process died halfway through moving partitions: p1 already lives in the tmp table
	tmp := "T_tmp_am0004_20220201030405"
	f.catalog.AddTable("T", "MergeTree()", "p2")
	f.catalog.AddTable(tmp, "ReplicatedMergeTree()", "p1")
	require.NoError(t, f.catalog.Exec(ctx, "SYSTEM STOP MERGES"))
	require.NoError(t, f.flags.Set(ctx, model.FlagComputeMaterializedColumns, false))

	run := model.NewRun(f.def.Name, testRunKey, testClock.Add(-time.Hour))
	require.NoError(t, f.runs.Create(ctx, run))
	for i, cp := range []struct {
		description string
		state       model.CheckpointState
	}{
		{"stop merges", model.CheckpointApplied},
		{"disable COMPUTE_MATERIALIZED_COLUMNS_ENABLED", model.CheckpointApplied},
		{"create " + tmp + " as T", model.CheckpointApplied},
		{"move partitions T -> " + tmp, model.CheckpointStarted},
	} {
		require.NoError(t, f.runs.SaveCheckpoint(ctx, &model.Checkpoint{
			RunID: run.ID, Index: i, Description: cp.description, State: cp.state,
		}))
	}

	rolledBack, err := f.svc.RollbackRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusRolledBack, rolledBack.Status)

	table, ok := f.catalog.Table("T")
	require.True(t, ok)
	assert.Equal(t, []string{"p1", "p2"}, table.Partitions)
	_, ok = f.catalog.Table(tmp)
	assert.False(t, ok)
	assert.False(t, f.catalog.MergesStopped())
	assert.True(t, f.flag(t))
}

func TestRollbackRunDetectsPlanDrift(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, plainDefinition(), true)
	seedPlain(f)

	run := model.NewRun(f.def.Name, testRunKey, testClock)
	require.NoError(t, f.runs.Create(ctx, run))
	require.NoError(t, f.runs.SaveCheckpoint(ctx, &model.Checkpoint{
		RunID: run.ID, Index: 0, Description: "something else", State: model.CheckpointApplied,
	}))

	_, err := f.svc.RollbackRun(ctx, run.ID)
	assert.ErrorIs(t, err, model.ErrPlanDrift)
	assert.Empty(t, f.catalog.Statements())

	require.NoError(t, f.runs.SaveCheckpoint(ctx, &model.Checkpoint{
		RunID: run.ID, Index: 0, Description: "stop merges", State: model.CheckpointApplied,
	}))
	require.NoError(t, f.runs.SaveCheckpoint(ctx, &model.Checkpoint{
		RunID: run.ID, Index: 42, Description: "stop merges", State: model.CheckpointApplied,
	}))
	_, err = f.svc.RollbackRun(ctx, run.ID)
	assert.ErrorIs(t, err, model.ErrPlanDrift)
}

func TestRollbackRunNotFound(t *testing.T) {
	f := newFixture(t, plainDefinition(), true)

	_, err := f.svc.RollbackRun(context.Background(), "missing")
	assert.ErrorIs(t, err, model.ErrRunNotFound)
}

func TestStatus(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, plainDefinition(), true)
	seedPlain(f)

	status, err := f.svc.Status(ctx, f.def.Name)
	require.NoError(t, err)
	assert.True(t, status.Required)
	assert.Nil(t, status.LatestRun)

	run, err := f.svc.Run(ctx, f.def.Name)
	require.NoError(t, err)

	status, err = f.svc.Status(ctx, f.def.Name)
	require.NoError(t, err)
	assert.False(t, status.Required)
	require.NotNil(t, status.LatestRun)
	assert.Equal(t, run.ID, status.LatestRun.ID)
}

func TestPlanDoesNotTouchTheCatalog(t *testing.T) {
	f := newFixture(t, plainDefinition(), true)
	seedPlain(f)

	plan, err := f.svc.Plan(context.Background(), f.def.Name)
	require.NoError(t, err)

	assert.Equal(t, 7, plan.Len())
	assert.Equal(t, testRunKey, plan.RunKey())
	assert.Empty(t, f.catalog.Statements())
}

func TestDefinitions(t *testing.T) {
	f := newFixture(t, plainDefinition(), true)

	defs := f.svc.Definitions()
	require.Len(t, defs, 1)
	assert.Equal(t, "0004_replicated_schema", defs[0].Name)
}
