package model

import (
	"fmt"
	"strings"
)

// FlagComputeMaterializedColumns gates the background job that backfills materialized
// columns. It must stay off while tables are swapped underneath it.
const FlagComputeMaterializedColumns = "COMPUTE_MATERIALIZED_COLUMNS_ENABLED"

// Definition is a named async migration over a static table catalog
type Definition struct {
	Name        string
	Description string
	DependsOn   string
	// KeyPrefix starts every run key, e.g. am0004
	KeyPrefix string
	// PrimaryTable is inspected to decide whether the migration already ran
	PrimaryTable string
	// AppliedEngineMarker in the primary table's engine means the migration is done
	AppliedEngineMarker string
	Tables              []TableMigration
}

// IsApplied reports whether the primary table's engine shows the target topology
func (d Definition) IsApplied(primaryEngine string) bool {
	return strings.Contains(primaryEngine, d.AppliedEngineMarker)
}

// Validate checks every table descriptor and that table names are unique
func (d Definition) Validate() error {
	if d.Name == "" || d.KeyPrefix == "" || d.PrimaryTable == "" || d.AppliedEngineMarker == "" {
		return fmt.Errorf("%w: migration definition is incomplete", ErrInvalidDescriptor)
	}

	seen := make(map[string]bool, len(d.Tables))
	for _, table := range d.Tables {
		if err := table.Validate(); err != nil {
			return err
		}
		if seen[table.Name] {
			return fmt.Errorf("%w: duplicate table %s", ErrInvalidDescriptor, table.Name)
		}
		seen[table.Name] = true
	}
	return nil
}
