package service

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/linkflow-ai/chmigrate/internal/asyncmigration/adapters/memory"
	runmemory "github.com/linkflow-ai/chmigrate/internal/asyncmigration/adapters/repository/memory"
	"github.com/linkflow-ai/chmigrate/internal/asyncmigration/domain/catalog"
	"github.com/linkflow-ai/chmigrate/internal/asyncmigration/domain/model"
	"github.com/linkflow-ai/chmigrate/internal/platform/logger"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var testClock = time.Date(2022, 2, 1, 3, 4, 5, 0, time.UTC)

const testRunKey = "am0004_20220201030405"

type mockEventPublisher struct {
	mock.Mock
}

func (m *mockEventPublisher) PublishRunFinished(ctx context.Context, run *model.Run) error {
	args := m.Called(ctx, run)
	return args.Error(0)
}

// publishedStatuses returns the status of every published run, in order
func (m *mockEventPublisher) publishedStatuses() []model.RunStatus {
	var statuses []model.RunStatus
	for _, call := range m.Calls {
		statuses = append(statuses, call.Arguments.Get(1).(*model.Run).Status)
	}
	return statuses
}

type fixture struct {
	catalog *memory.Catalog
	flags   *memory.FlagStore
	runs    *runmemory.RunRepository
	lock    *memory.RunLock
	events  *mockEventPublisher
	def     model.Definition
	svc     *MigrationService
}

func newFixture(t *testing.T, def model.Definition, replication bool) *fixture {
	t.Helper()

	f := &fixture{
		catalog: memory.NewCatalog(),
		flags:   memory.NewFlagStore(map[string]bool{model.FlagComputeMaterializedColumns: true}),
		runs:    runmemory.NewRunRepository(),
		lock:    memory.NewRunLock(),
		events:  &mockEventPublisher{},
		def:     def,
	}
	f.events.On("PublishRunFinished", mock.Anything, mock.Anything).Return(nil)

	f.svc = NewMigrationService(Dependencies{
		Definitions: []model.Definition{def},
		Catalog:     f.catalog,
		SQL:         f.catalog,
		Flags:       f.flags,
		Runs:        f.runs,
		Lock:        f.lock,
		Events:      f.events,
		Logger:      logger.NewNop(),
		Replication: replication,
	}, WithClock(func() time.Time { return testClock }))

	return f
}

func (f *fixture) env() Env {
	return Env{
		SQL:     f.catalog,
		Catalog: f.catalog,
		Flags:   f.flags,
		Mover:   NewPartitionMover(f.catalog, f.catalog, logger.NewNop(), nil),
		Logger:  logger.NewNop(),
	}
}

func (f *fixture) flag(t *testing.T) bool {
	t.Helper()
	v, err := f.flags.Get(context.Background(), model.FlagComputeMaterializedColumns)
	require.NoError(t, err)
	return v
}

// plainDefinition migrates a single table T without ingestion or facades
func plainDefinition() model.Definition {
	return model.Definition{
		Name:                "0004_replicated_schema",
		Description:         "Replace tables with replicated counterparts",
		KeyPrefix:           "am0004",
		PrimaryTable:        "T",
		AppliedEngineMarker: "Replicated",
		Tables: []model.TableMigration{
			{
				Name: "T",
				NewEngine: model.EngineSpec{
					Family:      model.FamilyMergeTree,
					Database:    "default",
					Table:       "T",
					Scheme:      model.SchemeReplicated,
					Replication: true,
				},
			},
		},
	}
}

func seedPlain(f *fixture) {
	f.catalog.AddTable("T", "MergeTree() PARTITION BY toYYYYMM(timestamp) ORDER BY id", "p1", "p2")
}

func postHogDefinition() model.Definition {
	return catalog.ReplicatedSchema(catalog.Settings{
		Database:    "posthog",
		Cluster:     "posthog",
		KafkaHosts:  "kafka:9092",
		Replication: true,
	})
}

// seedPostHog lays out the single-node schema as it looks before the migration
func seedPostHog(t *testing.T, f *fixture) {
	t.Helper()
	ctx := context.Background()

	for _, table := range f.def.Tables {
		engine := fmt.Sprintf("%s(%s) PARTITION BY toYYYYMM(timestamp) ORDER BY (team_id, id) SETTINGS index_granularity = 8192",
			table.NewEngine.Family, table.NewEngine.Ver)
		f.catalog.AddTable(table.Name, engine, "202201", "202202")

		if table.HasIngestion() {
			require.NoError(t, f.catalog.Exec(ctx, table.CreateIngestionTableSQL))
		}
		if table.HasMaterializedView() {
			require.NoError(t, f.catalog.Exec(ctx, table.Sharded.CreateMaterializedViewSQL))
		}
	}
}

// recorder collects the progress reported by an executor
type recorder struct {
	states []string
}

func (r *recorder) OperationStateChanged(_ context.Context, index int, _ Operation, state model.CheckpointState, _ error) {
	r.states = append(r.states, fmt.Sprintf("%d:%s", index, state))
}

// cancellingExecutor cancels a context once a statement containing match ran
type cancellingExecutor struct {
	SQLExecutor
	match  string
	cancel context.CancelFunc
}

func (e *cancellingExecutor) Exec(ctx context.Context, query string, args ...any) error {
	err := e.SQLExecutor.Exec(ctx, query, args...)
	if strings.Contains(query, e.match) {
		e.cancel()
	}
	return err
}
