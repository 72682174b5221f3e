package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEngineSpecString(t *testing.T) {
	tests := []struct {
		name string
		spec EngineSpec
		want string
	}{
		{
			name: "replication disabled renders plain engine",
			spec: EngineSpec{Family: FamilyReplacing, Database: "posthog", Table: "person", Ver: "_timestamp", Scheme: SchemeReplicated},
			want: "ReplacingMergeTree(_timestamp)",
		},
		{
			name: "not sharded",
			spec: EngineSpec{Family: FamilyReplacing, Database: "posthog", Table: "person", Ver: "_timestamp", Scheme: SchemeNotSharded, Replication: true},
			want: "ReplacingMergeTree(_timestamp)",
		},
		{
			name: "sharded",
			spec: EngineSpec{Family: FamilyReplacing, Database: "posthog", Table: "events", Ver: "_timestamp", Scheme: SchemeSharded, Replication: true},
			want: "ReplicatedReplacingMergeTree('/clickhouse/tables/{shard}/posthog.events', '{replica}', _timestamp)",
		},
		{
			name: "replicated",
			spec: EngineSpec{Family: FamilyCollapsing, Database: "posthog", Table: "cohortpeople", Ver: "sign", Scheme: SchemeReplicated, Replication: true},
			want: "ReplicatedCollapsingMergeTree('/clickhouse/tables/noshard/posthog.cohortpeople', '{replica}-{shard}', sign)",
		},
		{
			name: "path key prefixes the shard key",
			spec: EngineSpec{Family: FamilyReplacing, Database: "posthog", Table: "events", Ver: "_timestamp", Scheme: SchemeSharded, Replication: true, PathKey: "am0004_20220201030000"},
			want: "ReplicatedReplacingMergeTree('/clickhouse/tables/am0004_20220201030000_{shard}/posthog.events', '{replica}', _timestamp)",
		},
		{
			name: "family without version column",
			spec: EngineSpec{Family: FamilyMergeTree, Database: "posthog", Table: "t", Scheme: SchemeReplicated, Replication: true},
			want: "ReplicatedMergeTree('/clickhouse/tables/noshard/posthog.t', '{replica}-{shard}')",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.spec.String())
		})
	}
}

func TestWithPathKeyDoesNotMutate(t *testing.T) {
	spec := EngineSpec{Family: FamilyReplacing, Database: "posthog", Table: "events", Scheme: SchemeSharded, Replication: true}
	keyed := spec.WithPathKey("am0004_1")

	assert.Empty(t, spec.PathKey)
	assert.Equal(t, "am0004_1", keyed.PathKey)
}

func TestReplaceEngine(t *testing.T) {
	tests := []struct {
		name      string
		current   string
		newEngine string
		want      string
		wantErr   error
	}{
		{
			name:      "keeps trailing clauses",
			current:   "ReplacingMergeTree(_timestamp) PARTITION BY toYYYYMM(timestamp) ORDER BY (team_id, toDate(timestamp), event, cityHash64(distinct_id), cityHash64(uuid)) SAMPLE BY cityHash64(distinct_id) SETTINGS index_granularity = 8192",
			newEngine: "ReplicatedReplacingMergeTree('/clickhouse/tables/k_{shard}/posthog.events', '{replica}', _timestamp)",
			want:      "ReplicatedReplacingMergeTree('/clickhouse/tables/k_{shard}/posthog.events', '{replica}', _timestamp) PARTITION BY toYYYYMM(timestamp) ORDER BY (team_id, toDate(timestamp), event, cityHash64(distinct_id), cityHash64(uuid)) SAMPLE BY cityHash64(distinct_id) SETTINGS index_granularity = 8192",
		},
		{
			name:      "empty argument list",
			current:   "MergeTree() ORDER BY id",
			newEngine: "ReplicatedMergeTree('/p', '{replica}')",
			want:      "ReplicatedMergeTree('/p', '{replica}') ORDER BY id",
		},
		{
			name:      "no constructor",
			current:   "Distributed('posthog', 'posthog', 'sharded_events', sipHash64(distinct_id))",
			newEngine: "X()",
			wantErr:   ErrEngineGrammar,
		},
		{
			name:      "two constructors",
			current:   "MergeTree() ORDER BY id COMMENT 'was ReplacingMergeTree(ver)'",
			newEngine: "X()",
			wantErr:   ErrEngineGrammar,
		},
		{
			name:      "empty engine",
			current:   "",
			newEngine: "X()",
			wantErr:   ErrEngineGrammar,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ReplaceEngine(tt.current, tt.newEngine)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestValidatePartitionID(t *testing.T) {
	valid := []string{"202201", "'2022-01-01'", "tuple()", "(202201, 'web')", "-1", "'a.b:c'"}
	for _, id := range valid {
		assert.NoError(t, ValidatePartitionID(id), id)
	}

	invalid := []string{"", "  ", "1; DROP TABLE events", "1 -- x", "1 /* x */", "'unterminated", "`x`", "a\\b", "x\ny"}
	for _, id := range invalid {
		assert.ErrorIs(t, ValidatePartitionID(id), ErrInvalidPartition, id)
	}
}
