package service

import (
	"context"
	"fmt"

	"github.com/linkflow-ai/chmigrate/internal/asyncmigration/domain/model"
)

// Sequencer expands a migration definition into its global plan
type Sequencer struct {
	catalog Introspector
}

// NewSequencer creates a new sequencer
func NewSequencer(catalog Introspector) *Sequencer {
	return &Sequencer{catalog: catalog}
}

// Build resolves every table's current engine and returns the plan of a new run.
// The result only depends on the definition, the run key and the catalog, so a
// retry with the same key yields the same operations.
func (s *Sequencer) Build(ctx context.Context, def model.Definition, runKey string) (*Plan, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}

	engines := make(map[string]string, len(def.Tables))
	for _, table := range def.Tables {
		current, exists, err := s.catalog.CurrentEngine(ctx, table.Name)
		if err != nil {
			return nil, fmt.Errorf("failed to read engine of %s: %w", table.Name, err)
		}
		if !exists {
			return nil, fmt.Errorf("%w: %s", model.ErrTableNotFound, table.Name)
		}

		engine, err := model.ReplaceEngine(current, table.NewEngine.WithPathKey(runKey).String())
		if err != nil {
			return nil, fmt.Errorf("failed to derive new engine of %s: %w", table.Name, err)
		}
		engines[table.Name] = engine
	}

	return newPlan(def.Name, runKey, sequence(def, runKey, engines), false), nil
}

// BuildForRollback rebuilds the plan of a recorded run without reading the catalog.
// The tables may already be renamed, so the forward statement of the tmp table
// creation is left empty and the plan refuses to run forward.
func (s *Sequencer) BuildForRollback(def model.Definition, runKey string) (*Plan, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return newPlan(def.Name, runKey, sequence(def, runKey, nil), true), nil
}

func sequence(def model.Definition, runKey string, engines map[string]string) []Operation {
	ops := []Operation{
		NewSQLOperation("stop merges", "SYSTEM STOP MERGES", "SYSTEM START MERGES"),
		disableFlagOperation(model.FlagComputeMaterializedColumns),
	}

	// Every table is swapped before ingestion comes back for any of them
	for _, table := range def.Tables {
		ops = append(ops, replaceEngineOperations(table, runKey, engines[table.Name])...)
	}
	for _, table := range def.Tables {
		ops = append(ops, reenableIngestionOperations(table)...)
	}

	// Writes during the second phase may have turned the flag back on
	ops = append(ops,
		disableFlagOperation(model.FlagComputeMaterializedColumns),
		NewSQLOperation("start merges", "SYSTEM START MERGES", "SYSTEM STOP MERGES"),
	)
	return ops
}

func disableFlagOperation(flag string) Operation {
	return NewActionOperation("disable "+flag,
		func(ctx context.Context, env Env) error {
			return env.Flags.Set(ctx, flag, false)
		},
		func(ctx context.Context, env Env) error {
			return env.Flags.Set(ctx, flag, true)
		},
	)
}

func replaceEngineOperations(table model.TableMigration, runKey, newEngine string) []Operation {
	tmp := table.TmpTableName(runKey)
	backup := table.BackupTableName(runKey)
	renamed := table.RenamedTableName()

	var createSQL string
	if newEngine != "" {
		createSQL = fmt.Sprintf("CREATE TABLE %s AS %s ENGINE = %s", tmp, table.Name, newEngine)
	}

	ops := []Operation{
		NewSQLOperation(
			fmt.Sprintf("create %s as %s", tmp, table.Name),
			createSQL,
			"DROP TABLE IF EXISTS "+tmp,
		).WithRollbackCheck(refuseIfHoldingPartitions(tmp)),
	}

	if table.HasIngestion() {
		ops = append(ops, NewSQLOperation(
			"drop ingestion table "+table.IngestionTable,
			"DROP TABLE IF EXISTS "+table.IngestionTable,
			table.CreateIngestionTableSQL,
		))
	}

	ops = append(ops,
		NewActionOperation(
			fmt.Sprintf("move partitions %s -> %s", table.Name, tmp),
			func(ctx context.Context, env Env) error {
				return env.Mover.Move(ctx, table.Name, tmp)
			},
			func(ctx context.Context, env Env) error {
				return env.Mover.Move(ctx, tmp, table.Name)
			},
		),
		NewActionOperation(
			fmt.Sprintf("rename %s -> %s, %s -> %s", table.Name, backup, tmp, renamed),
			func(ctx context.Context, env Env) error {
				return renameTables(ctx, env, [2]string{table.Name, backup}, [2]string{tmp, renamed}, "")
			},
			func(ctx context.Context, env Env) error {
				return renameTables(ctx, env, [2]string{renamed, tmp}, [2]string{backup, table.Name}, backup)
			},
		),
	)
	return ops
}

func reenableIngestionOperations(table model.TableMigration) []Operation {
	var ops []Operation

	if table.Sharded != nil {
		for _, extra := range table.Sharded.ExtraTables {
			ops = append(ops, NewSQLOperation("create "+extra.Name, extra.CreateSQL, "DROP TABLE IF EXISTS "+extra.Name))
		}
	}

	// The view is recreated a few operations later, so dropping it needs no rollback
	if table.HasMaterializedView() {
		ops = append(ops, NewSQLOperation(
			"drop materialized view "+table.Sharded.MaterializedView,
			"DROP TABLE IF EXISTS "+table.Sharded.MaterializedView,
			"",
		))
	}

	if table.HasIngestion() {
		ops = append(ops, NewSQLOperation(
			"create ingestion table "+table.IngestionTable,
			table.CreateIngestionTableSQL,
			"DROP TABLE IF EXISTS "+table.IngestionTable,
		))
	}

	if table.HasMaterializedView() {
		ops = append(ops, NewSQLOperation(
			"create materialized view "+table.Sharded.MaterializedView,
			table.Sharded.CreateMaterializedViewSQL,
			"DROP TABLE IF EXISTS "+table.Sharded.MaterializedView,
		))
	}

	return ops
}

// refuseIfHoldingPartitions fails while table still has active partitions. Dropping
// the tmp table then would delete data a partial move left behind.
func refuseIfHoldingPartitions(table string) ActionFunc {
	return func(ctx context.Context, env Env) error {
		_, exists, err := env.Catalog.CurrentEngine(ctx, table)
		if err != nil {
			return fmt.Errorf("failed to check table %s: %w", table, err)
		}
		if !exists {
			return nil
		}

		partitions, err := env.Catalog.ActivePartitions(ctx, table)
		if err != nil {
			return fmt.Errorf("failed to list partitions of %s: %w", table, err)
		}
		if len(partitions) > 0 {
			return fmt.Errorf("%w: %s holds partitions %v", model.ErrTableNotEmpty, table, partitions)
		}
		return nil
	}
}

// renameTables swaps two pairs of tables in one statement so neither name is ever
// missing. With guard set, the rename only happens if the guard table exists: a
// rollback may run for a rename that never happened.
func renameTables(ctx context.Context, env Env, first, second [2]string, guard string) error {
	if guard != "" {
		_, exists, err := env.Catalog.CurrentEngine(ctx, guard)
		if err != nil {
			return fmt.Errorf("failed to check table %s: %w", guard, err)
		}
		if !exists {
			env.Logger.Info("(Rollback) source table doesn't exist, skipping renaming",
				"table", guard,
				"rename_1", first[0]+" -> "+first[1],
				"rename_2", second[0]+" -> "+second[1],
			)
			return nil
		}
	}

	return env.SQL.Exec(ctx, fmt.Sprintf("RENAME TABLE %s TO %s, %s TO %s", first[0], first[1], second[0], second[1]))
}
