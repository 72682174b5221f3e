package model

import (
	"fmt"
	"strings"
)

// TableMigration describes how one table moves to its new engine. Values are static
// configuration and are never mutated after the catalog is built.
type TableMigration struct {
	Name      string
	NewEngine EngineSpec
	// IngestionTable is the Kafka engine table feeding Name, if any
	IngestionTable          string
	CreateIngestionTableSQL string
	// Sharded is set for tables that get distributed facades after the swap
	Sharded *ShardedTable
}

// ShardedTable is the extra payload of a table that becomes sharded
type ShardedTable struct {
	// RenameTo is where the migrated data table lands, freeing Name for the distributed facade
	RenameTo string
	// ExtraTables are created in order once every table has been swapped
	ExtraTables               []ExtraTable
	MaterializedView          string
	CreateMaterializedViewSQL string
}

// ExtraTable is a distributed or writable facade of a sharded table
type ExtraTable struct {
	Name      string
	CreateSQL string
}

// BackupTableName is where the old table is parked after the swap
func (t TableMigration) BackupTableName(runKey string) string {
	return t.Name + "_backup_" + runKey
}

// TmpTableName is the table the data is moved into before the swap
func (t TableMigration) TmpTableName(runKey string) string {
	return t.Name + "_tmp_" + runKey
}

// RenamedTableName is the final name of the migrated data table
func (t TableMigration) RenamedTableName() string {
	if t.Sharded != nil && t.Sharded.RenameTo != "" {
		return t.Sharded.RenameTo
	}
	return t.Name
}

// HasIngestion reports whether a Kafka table has to be paused around the swap
func (t TableMigration) HasIngestion() bool {
	return t.IngestionTable != ""
}

// HasMaterializedView reports whether a sharded table's view has to be recreated
func (t TableMigration) HasMaterializedView() bool {
	return t.Sharded != nil && t.Sharded.MaterializedView != ""
}

// Validate checks the descriptor is internally consistent
func (t TableMigration) Validate() error {
	if t.Name == "" {
		return fmt.Errorf("%w: missing name", ErrInvalidDescriptor)
	}
	if t.HasIngestion() != (t.CreateIngestionTableSQL != "") {
		return fmt.Errorf("%w: %s: ingestion table and its create statement must be set together", ErrInvalidDescriptor, t.Name)
	}
	if t.Sharded == nil {
		return nil
	}

	if t.Sharded.RenameTo == "" || t.Sharded.RenameTo == t.Name {
		return fmt.Errorf("%w: %s: sharded table must be renamed away from its name", ErrInvalidDescriptor, t.Name)
	}
	if (t.Sharded.MaterializedView != "") != (t.Sharded.CreateMaterializedViewSQL != "") {
		return fmt.Errorf("%w: %s: materialized view and its create statement must be set together", ErrInvalidDescriptor, t.Name)
	}
	seen := make(map[string]bool, len(t.Sharded.ExtraTables))
	for _, extra := range t.Sharded.ExtraTables {
		if extra.Name == "" || seen[extra.Name] {
			return fmt.Errorf("%w: %s: extra table names must be unique and non-empty", ErrInvalidDescriptor, t.Name)
		}
		seen[extra.Name] = true
		// Retries re-run the whole second phase
		if !strings.Contains(strings.ToUpper(extra.CreateSQL), "IF NOT EXISTS") {
			return fmt.Errorf("%w: %s: create statement of %s must use IF NOT EXISTS", ErrInvalidDescriptor, t.Name, extra.Name)
		}
	}

	return nil
}
