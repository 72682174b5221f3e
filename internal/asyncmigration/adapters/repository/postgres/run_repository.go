// Package postgres provides PostgreSQL implementation of the run repository
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/linkflow-ai/chmigrate/internal/asyncmigration/domain/model"
	"github.com/linkflow-ai/chmigrate/internal/platform/database"
)

// RunRepository implements run persistence using PostgreSQL
type RunRepository struct {
	db *database.DB
}

// NewRunRepository creates a new PostgreSQL run repository
func NewRunRepository(db *database.DB) *RunRepository {
	return &RunRepository{db: db}
}

// EnsureSchema creates the run and checkpoint tables if they don't exist
func (r *RunRepository) EnsureSchema(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS async_migration_runs (
			id VARCHAR(36) PRIMARY KEY,
			migration VARCHAR(255) NOT NULL,
			run_key VARCHAR(64) NOT NULL,
			status VARCHAR(20) NOT NULL,
			error TEXT,
			rollback_errors TEXT[] NOT NULL DEFAULT '{}',
			steps_applied INTEGER NOT NULL DEFAULT 0,
			total_steps INTEGER NOT NULL DEFAULT 0,
			started_at TIMESTAMP WITH TIME ZONE NOT NULL,
			finished_at TIMESTAMP WITH TIME ZONE,
			updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_async_migration_runs_migration
			ON async_migration_runs(migration, started_at DESC);

		CREATE TABLE IF NOT EXISTS async_migration_checkpoints (
			run_id VARCHAR(36) NOT NULL REFERENCES async_migration_runs(id) ON DELETE CASCADE,
			op_index INTEGER NOT NULL,
			description TEXT NOT NULL,
			state VARCHAR(20) NOT NULL,
			error TEXT,
			updated_at TIMESTAMP WITH TIME ZONE NOT NULL,
			PRIMARY KEY (run_id, op_index)
		);
	`
	if _, err := r.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create run tables: %w", err)
	}
	return nil
}

// Create records a new run
func (r *RunRepository) Create(ctx context.Context, run *model.Run) error {
	query := `
		INSERT INTO async_migration_runs
			(id, migration, run_key, status, error, rollback_errors, steps_applied, total_steps, started_at, finished_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`

	_, err := r.db.ExecContext(ctx, query,
		run.ID,
		run.MigrationName,
		run.RunKey,
		string(run.Status),
		database.NullString(run.Error),
		pq.Array(nonNil(run.RollbackErrors)),
		run.StepsApplied,
		run.TotalSteps,
		run.StartedAt,
		nullTime(run.FinishedAt),
		run.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}

	return nil
}

// Update replaces the mutable fields of a run
func (r *RunRepository) Update(ctx context.Context, run *model.Run) error {
	query := `
		UPDATE async_migration_runs
		SET status = $2, error = $3, rollback_errors = $4, steps_applied = $5,
			total_steps = $6, finished_at = $7, updated_at = $8
		WHERE id = $1
	`

	res, err := r.db.ExecContext(ctx, query,
		run.ID,
		string(run.Status),
		database.NullString(run.Error),
		pq.Array(nonNil(run.RollbackErrors)),
		run.StepsApplied,
		run.TotalSteps,
		nullTime(run.FinishedAt),
		run.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}
	if n == 0 {
		return model.ErrRunNotFound
	}
	return nil
}

const selectRun = `
	SELECT id, migration, run_key, status, COALESCE(error, ''), rollback_errors,
		steps_applied, total_steps, started_at, finished_at, updated_at
	FROM async_migration_runs
`

// FindByID returns a run by id
func (r *RunRepository) FindByID(ctx context.Context, id string) (*model.Run, error) {
	return r.scanRun(r.db.QueryRowContext(ctx, selectRun+`WHERE id = $1`, id))
}

// FindLatest returns the most recently started run of a migration
func (r *RunRepository) FindLatest(ctx context.Context, migration string) (*model.Run, error) {
	return r.scanRun(r.db.QueryRowContext(ctx,
		selectRun+`WHERE migration = $1 ORDER BY started_at DESC LIMIT 1`, migration))
}

func (r *RunRepository) scanRun(row *sql.Row) (*model.Run, error) {
	var run model.Run
	var status string
	var finishedAt sql.NullTime

	err := row.Scan(
		&run.ID,
		&run.MigrationName,
		&run.RunKey,
		&status,
		&run.Error,
		pq.Array(&run.RollbackErrors),
		&run.StepsApplied,
		&run.TotalSteps,
		&run.StartedAt,
		&finishedAt,
		&run.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan run: %w", err)
	}

	run.Status = model.RunStatus(status)
	if finishedAt.Valid {
		run.FinishedAt = &finishedAt.Time
	}
	if len(run.RollbackErrors) == 0 {
		run.RollbackErrors = nil
	}
	return &run, nil
}

// SaveCheckpoint upserts the latest state of an operation and stamps the run with
// the same time, in one transaction
func (r *RunRepository) SaveCheckpoint(ctx context.Context, checkpoint *model.Checkpoint) error {
	upsert := `
		INSERT INTO async_migration_checkpoints (run_id, op_index, description, state, error, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (run_id, op_index) DO UPDATE SET
			description = EXCLUDED.description,
			state = EXCLUDED.state,
			error = EXCLUDED.error,
			updated_at = EXCLUDED.updated_at
	`
	touch := `UPDATE async_migration_runs SET updated_at = $2 WHERE id = $1`

	err := r.db.Transaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, upsert,
			checkpoint.RunID,
			checkpoint.Index,
			checkpoint.Description,
			string(checkpoint.State),
			database.NullString(checkpoint.Error),
			checkpoint.UpdatedAt,
		); err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx, touch, checkpoint.RunID, checkpoint.UpdatedAt)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return model.ErrRunNotFound
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save checkpoint %d of run %s: %w", checkpoint.Index, checkpoint.RunID, err)
	}
	return nil
}

// ListCheckpoints returns the checkpoints of a run ordered by operation index
func (r *RunRepository) ListCheckpoints(ctx context.Context, runID string) ([]model.Checkpoint, error) {
	query := `
		SELECT run_id, op_index, description, state, COALESCE(error, ''), updated_at
		FROM async_migration_checkpoints
		WHERE run_id = $1
		ORDER BY op_index ASC
	`

	rows, err := r.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query checkpoints: %w", err)
	}
	defer rows.Close()

	var checkpoints []model.Checkpoint
	for rows.Next() {
		var cp model.Checkpoint
		var state string

		if err := rows.Scan(&cp.RunID, &cp.Index, &cp.Description, &state, &cp.Error, &cp.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint: %w", err)
		}
		cp.State = model.CheckpointState(state)
		checkpoints = append(checkpoints, cp)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating checkpoint rows: %w", err)
	}

	return checkpoints, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return database.NullTime(*t)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
