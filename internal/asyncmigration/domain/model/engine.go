package model

import (
	"fmt"
	"regexp"
)

// EngineFamily is a MergeTree engine family
type EngineFamily string

const (
	FamilyMergeTree   EngineFamily = "MergeTree"
	FamilyReplacing   EngineFamily = "ReplacingMergeTree"
	FamilyCollapsing  EngineFamily = "CollapsingMergeTree"
	FamilyAggregating EngineFamily = "AggregatingMergeTree"
)

// ReplicationScheme decides how a table is laid out across the cluster
type ReplicationScheme string

const (
	// SchemeNotSharded renders a plain, non-replicated engine
	SchemeNotSharded ReplicationScheme = "not_sharded"
	// SchemeSharded replicates within a shard; each shard holds a slice of the data
	SchemeSharded ReplicationScheme = "sharded"
	// SchemeReplicated keeps a full copy on every node of the cluster
	SchemeReplicated ReplicationScheme = "replicated"
)

// EngineSpec describes the engine a table is migrated to
type EngineSpec struct {
	Family   EngineFamily
	Database string
	// Table is baked into the replication path. It is the logical table name, not the tmp name.
	Table string
	// Ver is the version column for Replacing, the sign column for Collapsing.
	Ver    string
	Scheme ReplicationScheme
	// Replication off renders the NotSharded form regardless of Scheme
	Replication bool
	// PathKey makes the replication path unique per run. Replication metadata is not
	// removed by DROP TABLE, so a retried run must not reuse the previous path.
	PathKey string
}

// WithPathKey returns a copy of the spec using the given replication path key
func (e EngineSpec) WithPathKey(key string) EngineSpec {
	e.PathKey = key
	return e
}

// ReplicationPath returns the coordination path of a replicated engine
func (e EngineSpec) ReplicationPath() string {
	shardKey, _ := e.keys()
	return fmt.Sprintf("/clickhouse/tables/%s/%s.%s", shardKey, e.Database, e.Table)
}

func (e EngineSpec) keys() (shardKey, replicaKey string) {
	if e.Scheme == SchemeSharded {
		shardKey, replicaKey = "{shard}", "{replica}"
	} else {
		shardKey, replicaKey = "noshard", "{replica}-{shard}"
	}
	if e.PathKey != "" {
		shardKey = e.PathKey + "_" + shardKey
	}
	return shardKey, replicaKey
}

// String renders the engine constructor expression
func (e EngineSpec) String() string {
	if !e.Replication || e.Scheme == SchemeNotSharded {
		return fmt.Sprintf("%s(%s)", e.Family, e.Ver)
	}

	_, replicaKey := e.keys()
	args := fmt.Sprintf("'%s', '%s'", e.ReplicationPath(), replicaKey)
	if e.Ver != "" {
		args += ", " + e.Ver
	}
	return fmt.Sprintf("Replicated%s(%s)", e.Family, args)
}

var mergeTreeConstructor = regexp.MustCompile(`[A-Za-z]*MergeTree\([^)]*\)`)

// ReplaceEngine substitutes the MergeTree constructor in a full engine definition
// (as read from system.tables.engine_full) and keeps every other clause verbatim.
func ReplaceEngine(current, newEngine string) (string, error) {
	matches := mergeTreeConstructor.FindAllStringIndex(current, -1)
	if len(matches) != 1 {
		return "", fmt.Errorf("%w: found %d in %q", ErrEngineGrammar, len(matches), current)
	}

	start, end := matches[0][0], matches[0][1]
	return current[:start] + newEngine + current[end:], nil
}
