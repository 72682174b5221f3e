package service

import (
	"context"
	"testing"

	"github.com/linkflow-ai/chmigrate/internal/asyncmigration/adapters/memory"
	"github.com/linkflow-ai/chmigrate/internal/asyncmigration/domain/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func descriptions(plan *Plan) []string {
	var out []string
	for _, step := range plan.Steps() {
		out = append(out, step.Description)
	}
	return out
}

func TestBuildPlainTable(t *testing.T) {
	f := newFixture(t, plainDefinition(), true)
	seedPlain(f)

	plan, err := NewSequencer(f.catalog).Build(context.Background(), f.def, testRunKey)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"stop merges",
		"disable COMPUTE_MATERIALIZED_COLUMNS_ENABLED",
		"create T_tmp_am0004_20220201030405 as T",
		"move partitions T -> T_tmp_am0004_20220201030405",
		"rename T -> T_backup_am0004_20220201030405, T_tmp_am0004_20220201030405 -> T",
		"disable COMPUTE_MATERIALIZED_COLUMNS_ENABLED",
		"start merges",
	}, descriptions(plan))

	create := plan.Operation(2)
	assert.Equal(t, KindSQL, create.Kind)
	assert.Equal(t,
		"CREATE TABLE T_tmp_am0004_20220201030405 AS T ENGINE = ReplicatedMergeTree('/clickhouse/tables/am0004_20220201030405_noshard/default.T', '{replica}-{shard}') PARTITION BY toYYYYMM(timestamp) ORDER BY id",
		create.SQL)
	assert.Equal(t, "DROP TABLE IF EXISTS T_tmp_am0004_20220201030405", create.RollbackSQL)

	assert.Equal(t, "SYSTEM STOP MERGES", plan.Operation(0).SQL)
	assert.Equal(t, "SYSTEM START MERGES", plan.Operation(0).RollbackSQL)
	assert.Equal(t, "SYSTEM START MERGES", plan.Operation(6).SQL)
	assert.Equal(t, "SYSTEM STOP MERGES", plan.Operation(6).RollbackSQL)
}

func TestPlainTableExpandsToThreeOperations(t *testing.T) {
	table := plainDefinition().Tables[0]

	assert.Len(t, replaceEngineOperations(table, testRunKey, "ReplicatedMergeTree()"), 3)
	assert.Empty(t, reenableIngestionOperations(table))
}

func TestBuildShardedTable(t *testing.T) {
	def := postHogDefinition()
	def.Tables = def.Tables[:1]
	f := newFixture(t, def, true)
	seedPostHog(t, f)

	plan, err := NewSequencer(f.catalog).Build(context.Background(), def, testRunKey)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"stop merges",
		"disable COMPUTE_MATERIALIZED_COLUMNS_ENABLED",
		"create events_tmp_am0004_20220201030405 as events",
		"drop ingestion table kafka_events",
		"move partitions events -> events_tmp_am0004_20220201030405",
		"rename events -> events_backup_am0004_20220201030405, events_tmp_am0004_20220201030405 -> sharded_events",
		"create writable_events",
		"create events",
		"drop materialized view events_mv",
		"create ingestion table kafka_events",
		"create materialized view events_mv",
		"disable COMPUTE_MATERIALIZED_COLUMNS_ENABLED",
		"start merges",
	}, descriptions(plan))

	dropView := plan.Operation(8)
	assert.False(t, dropView.Reversible())
	assert.Equal(t, "DROP TABLE IF EXISTS events_mv", dropView.SQL)

	dropKafka := plan.Operation(3)
	assert.Equal(t, def.Tables[0].CreateIngestionTableSQL, dropKafka.RollbackSQL)
	assert.Contains(t, plan.Operation(2).SQL, "ReplicatedReplacingMergeTree('/clickhouse/tables/am0004_20220201030405_{shard}/posthog.events', '{replica}', _timestamp)")
}

func TestBuildRunsEveryFirstPhaseBeforeAnySecondPhase(t *testing.T) {
	f := newFixture(t, postHogDefinition(), true)
	seedPostHog(t, f)

	plan, err := NewSequencer(f.catalog).Build(context.Background(), f.def, testRunKey)
	require.NoError(t, err)

	lastRename, firstExtra := -1, -1
	for i, step := range plan.Steps() {
		switch {
		case len(step.Description) > 7 && step.Description[:7] == "rename ":
			lastRename = i
		case step.Description == "create writable_events" && firstExtra < 0:
			firstExtra = i
		}
	}
	require.Positive(t, lastRename)
	assert.Greater(t, firstExtra, lastRename)
}

func TestBuildFailsOnMissingTable(t *testing.T) {
	f := newFixture(t, plainDefinition(), true)

	_, err := NewSequencer(f.catalog).Build(context.Background(), f.def, testRunKey)
	assert.ErrorIs(t, err, model.ErrTableNotFound)
}

func TestBuildFailsOnUnexpectedEngine(t *testing.T) {
	f := newFixture(t, plainDefinition(), true)
	f.catalog.AddTable("T", "Log")

	_, err := NewSequencer(f.catalog).Build(context.Background(), f.def, testRunKey)
	assert.ErrorIs(t, err, model.ErrEngineGrammar)
}

func TestBuildIsDeterministic(t *testing.T) {
	f := newFixture(t, postHogDefinition(), true)
	seedPostHog(t, f)
	sequencer := NewSequencer(f.catalog)

	first, err := sequencer.Build(context.Background(), f.def, testRunKey)
	require.NoError(t, err)
	second, err := sequencer.Build(context.Background(), f.def, testRunKey)
	require.NoError(t, err)

	assert.Equal(t, first.Steps(), second.Steps())
}

func TestBuildForRollbackMatchesBuild(t *testing.T) {
	f := newFixture(t, postHogDefinition(), true)
	seedPostHog(t, f)
	sequencer := NewSequencer(f.catalog)

	plan, err := sequencer.Build(context.Background(), f.def, testRunKey)
	require.NoError(t, err)
	rollback, err := sequencer.BuildForRollback(f.def, testRunKey)
	require.NoError(t, err)

	assert.True(t, rollback.RollbackOnly())
	assert.False(t, plan.RollbackOnly())
	assert.Equal(t, descriptions(plan), descriptions(rollback))
	assert.Empty(t, rollback.Operation(2).SQL)
	assert.Equal(t, plan.Operation(2).RollbackSQL, rollback.Operation(2).RollbackSQL)
}

func TestRenameRollbackIsNoOpWithoutBackup(t *testing.T) {
	f := newFixture(t, plainDefinition(), true)
	seedPlain(f)
	f.catalog.AddTable("T_tmp_am0004_20220201030405", "ReplicatedMergeTree()")

	rename := replaceEngineOperations(f.def.Tables[0], testRunKey, "ReplicatedMergeTree()")[2]
	require.Equal(t, KindAction, rename.Kind)

	require.NoError(t, rename.Revert(context.Background(), f.env()))
	assert.Empty(t, f.catalog.Statements())

	_, ok := f.catalog.Table("T")
	assert.True(t, ok)
}

func TestRenameRollbackRestoresNames(t *testing.T) {
	f := newFixture(t, plainDefinition(), true)
	f.catalog.AddTable("T", "ReplicatedMergeTree()", "p1")
	f.catalog.AddTable("T_backup_am0004_20220201030405", "MergeTree()")

	rename := replaceEngineOperations(f.def.Tables[0], testRunKey, "ReplicatedMergeTree()")[2]
	require.NoError(t, rename.Revert(context.Background(), f.env()))

	assert.Equal(t,
		[]string{"RENAME TABLE T TO T_tmp_am0004_20220201030405, T_backup_am0004_20220201030405 TO T"},
		f.catalog.Statements())
	table, _ := f.catalog.Table("T")
	assert.Equal(t, "MergeTree()", table.Engine)
}

func TestFlagOperation(t *testing.T) {
	f := newFixture(t, plainDefinition(), true)
	op := disableFlagOperation(model.FlagComputeMaterializedColumns)

	require.NoError(t, op.Apply(context.Background(), f.env()))
	assert.False(t, f.flag(t))

	require.NoError(t, op.Revert(context.Background(), f.env()))
	assert.True(t, f.flag(t))
}

func TestCreateTmpRollbackRefusesWhileHoldingPartitions(t *testing.T) {
	tmp := "T_tmp_" + testRunKey
	tests := []struct {
		name       string
		seed       func(c *memory.Catalog)
		wantErr    error
		wantExists bool
	}{
		{
			name:       "holds partitions",
			seed:       func(c *memory.Catalog) { c.AddTable(tmp, "ReplicatedMergeTree()", "p1") },
			wantErr:    model.ErrTableNotEmpty,
			wantExists: true,
		},
		{
			name: "empty",
			seed: func(c *memory.Catalog) { c.AddTable(tmp, "ReplicatedMergeTree()") },
		},
		{
			name: "never created",
			seed: func(*memory.Catalog) {},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, plainDefinition(), true)
			seedPlain(f)
			tt.seed(f.catalog)

			create := replaceEngineOperations(f.def.Tables[0], testRunKey, "ReplicatedMergeTree()")[0]
			err := create.Revert(context.Background(), f.env())

			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
			_, exists := f.catalog.Table(tmp)
			assert.Equal(t, tt.wantExists, exists)
		})
	}
}
