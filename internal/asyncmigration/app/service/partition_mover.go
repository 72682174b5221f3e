package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/linkflow-ai/chmigrate/internal/asyncmigration/domain/model"
	"github.com/linkflow-ai/chmigrate/internal/platform/logger"
	"github.com/linkflow-ai/chmigrate/internal/platform/metrics"
)

// PartitionMover relocates every active partition of one table into another table
// with an identical schema. ATTACH PARTITION ... FROM hard-links the parts, so the
// move costs no extra disk space.
type PartitionMover struct {
	catalog Introspector
	sql     SQLExecutor
	logger  logger.Logger
	metrics *metrics.Metrics
}

// NewPartitionMover creates a new partition mover
func NewPartitionMover(catalog Introspector, sql SQLExecutor, log logger.Logger, m *metrics.Metrics) *PartitionMover {
	return &PartitionMover{
		catalog: catalog,
		sql:     sql,
		logger:  log,
		metrics: m,
	}
}

// Move attaches each partition of from into to, then drops it from from. Merges must
// already be stopped: a running merge is fatal and is not waited out.
//
// If a partition fails to move, the partitions moved so far are put back before the
// error is returned, so the caller only has to undo operations that completed.
func (m *PartitionMover) Move(ctx context.Context, from, to string) error {
	merges, err := m.catalog.ActiveMergeCount(ctx, from)
	if err != nil {
		return fmt.Errorf("failed to count merges on %s: %w", from, err)
	}
	if merges != 0 {
		return fmt.Errorf("%w: table=%s merges=%d", model.ErrMergesRunning, from, merges)
	}

	partitions, err := m.catalog.ActivePartitions(ctx, from)
	if err != nil {
		return fmt.Errorf("failed to list partitions of %s: %w", from, err)
	}
	for _, partition := range partitions {
		if err := model.ValidatePartitionID(partition); err != nil {
			return fmt.Errorf("refusing to move partitions of %s: %w", from, err)
		}
	}

	moved := make([]string, 0, len(partitions))
	for _, partition := range partitions {
		m.logger.Info("Moving partition between tables",
			"from_table", from,
			"to_table", to,
			"partition", partition,
		)

		if err := m.attach(ctx, to, from, partition); err != nil {
			return m.restore(ctx, from, to, moved, err)
		}
		if err := m.drop(ctx, from, partition); err != nil {
			// The partition now lives in both tables; keep the copy in from
			if dropErr := m.drop(ctx, to, partition); dropErr != nil {
				err = errors.Join(err, dropErr)
			}
			return m.restore(ctx, from, to, moved, err)
		}

		moved = append(moved, partition)
		m.metrics.PartitionMoved(from, to)
	}

	return nil
}

// restore moves already relocated partitions back, newest first. It runs even when
// ctx was cancelled during the move.
func (m *PartitionMover) restore(ctx context.Context, from, to string, moved []string, cause error) error {
	ctx = context.WithoutCancel(ctx)
	errs := []error{cause}
	for i := len(moved) - 1; i >= 0; i-- {
		partition := moved[i]
		if err := m.attach(ctx, from, to, partition); err != nil {
			errs = append(errs, fmt.Errorf("failed to restore partition %s of %s: %w", partition, from, err))
			continue
		}
		if err := m.drop(ctx, to, partition); err != nil {
			errs = append(errs, fmt.Errorf("failed to restore partition %s of %s: %w", partition, from, err))
		}
	}

	if len(errs) > 1 {
		m.logger.Error("Partitions left split between tables",
			"from_table", from,
			"to_table", to,
			"error", errors.Join(errs[1:]...),
		)
	}
	return errors.Join(errs...)
}

// Partition ids cannot be bound as parameters; they are validated before this point
func (m *PartitionMover) attach(ctx context.Context, table, source, partition string) error {
	query := fmt.Sprintf("ALTER TABLE %s ATTACH PARTITION %s FROM %s", table, partition, source)
	if err := m.sql.Exec(ctx, query); err != nil {
		return fmt.Errorf("failed to attach partition %s to %s: %w", partition, table, err)
	}
	return nil
}

func (m *PartitionMover) drop(ctx context.Context, table, partition string) error {
	query := fmt.Sprintf("ALTER TABLE %s DROP PARTITION %s", table, partition)
	if err := m.sql.Exec(ctx, query); err != nil {
		return fmt.Errorf("failed to drop partition %s from %s: %w", partition, table, err)
	}
	return nil
}
