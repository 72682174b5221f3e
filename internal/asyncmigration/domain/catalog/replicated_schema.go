// Package catalog holds the static table catalogs of the async migrations this service runs
package catalog

import "github.com/linkflow-ai/chmigrate/internal/asyncmigration/domain/model"

// ReplicatedSchemaName is the name of the replicated schema migration
const ReplicatedSchemaName = "0004_replicated_schema"

var (
	eventsColumns = []string{
		"uuid UUID",
		"event VARCHAR",
		"properties VARCHAR",
		"timestamp DateTime64(6, 'UTC')",
		"team_id Int64",
		"distinct_id VARCHAR",
		"elements_chain VARCHAR",
		"created_at DateTime64(6, 'UTC')",
	}

	sessionRecordingEventsColumns = []string{
		"uuid UUID",
		"timestamp DateTime64(6, 'UTC')",
		"team_id Int64",
		"distinct_id VARCHAR",
		"session_id VARCHAR",
		"window_id VARCHAR",
		"snapshot_data VARCHAR",
		"created_at DateTime64(6, 'UTC')",
	}

	deadLetterQueueColumns = []string{
		"id UUID",
		"event_uuid UUID",
		"event VARCHAR",
		"properties VARCHAR",
		"distinct_id VARCHAR",
		"team_id Int64",
		"elements_chain VARCHAR",
		"created_at DateTime64(6, 'UTC')",
		"ip VARCHAR",
		"site_url VARCHAR",
		"now DateTime64(6, 'UTC')",
		"raw_payload VARCHAR",
		"error_timestamp DateTime64(6, 'UTC')",
		"error_location VARCHAR",
		"error VARCHAR",
		"tags Array(VARCHAR)",
	}

	groupsColumns = []string{
		"group_type_index UInt8",
		"group_key VARCHAR",
		"created_at DateTime64",
		"team_id Int64",
		"group_properties VARCHAR",
	}

	personColumns = []string{
		"id UUID",
		"created_at DateTime64",
		"team_id Int64",
		"properties VARCHAR",
		"is_identified Int8",
		"is_deleted Int8",
	}

	personDistinctID2Columns = []string{
		"team_id Int64",
		"distinct_id VARCHAR",
		"person_id UUID",
		"is_deleted Int8",
		"version Int64",
	}

	pluginLogEntriesColumns = []string{
		"id UUID",
		"team_id Int64",
		"plugin_id Int64",
		"plugin_config_id Int64",
		"timestamp DateTime64(6, 'UTC')",
		"source VARCHAR",
		"type VARCHAR",
		"message VARCHAR",
		"instance_id UUID",
	}
)

// ReplicatedSchema moves every MergeTree table to its Replicated counterpart and puts
// distributed facades in front of the sharded ones. Tables are listed in execution order.
func ReplicatedSchema(s Settings) model.Definition {
	return model.Definition{
		Name:                ReplicatedSchemaName,
		Description:         "Replace tables with replicated counterparts",
		DependsOn:           "0003_fill_person_distinct_id2",
		KeyPrefix:           "am0004",
		PrimaryTable:        "events",
		AppliedEngineMarker: "Distributed",
		Tables: []model.TableMigration{
			{
				Name:                    "events",
				NewEngine:               s.engineSpec(model.FamilyReplacing, "events", "_timestamp", model.SchemeSharded),
				IngestionTable:          "kafka_events",
				CreateIngestionTableSQL: s.kafkaTableSQL("kafka_events", "clickhouse_events_json", eventsColumns),
				Sharded: &model.ShardedTable{
					RenameTo: "sharded_events",
					ExtraTables: []model.ExtraTable{
						{
							Name:      "writable_events",
							CreateSQL: s.distributedTableSQL("writable_events", "sharded_events", "sipHash64(distinct_id)", eventsColumns),
						},
						{
							Name:      "events",
							CreateSQL: s.distributedTableSQL("events", "sharded_events", "sipHash64(distinct_id)", eventsColumns),
						},
					},
					MaterializedView:          "events_mv",
					CreateMaterializedViewSQL: s.materializedViewSQL("events_mv", "writable_events", "kafka_events", eventsColumns),
				},
			},
			{
				Name:                    "session_recording_events",
				NewEngine:               s.engineSpec(model.FamilyReplacing, "session_recording_events", "_timestamp", model.SchemeSharded),
				IngestionTable:          "kafka_session_recording_events",
				CreateIngestionTableSQL: s.kafkaTableSQL("kafka_session_recording_events", "clickhouse_session_recording_events", sessionRecordingEventsColumns),
				Sharded: &model.ShardedTable{
					RenameTo: "sharded_session_recording_events",
					ExtraTables: []model.ExtraTable{
						{
							Name:      "writable_session_recording_events",
							CreateSQL: s.distributedTableSQL("writable_session_recording_events", "sharded_session_recording_events", "sipHash64(distinct_id)", sessionRecordingEventsColumns),
						},
						{
							Name:      "session_recording_events",
							CreateSQL: s.distributedTableSQL("session_recording_events", "sharded_session_recording_events", "sipHash64(distinct_id)", sessionRecordingEventsColumns),
						},
					},
					MaterializedView:          "session_recording_events_mv",
					CreateMaterializedViewSQL: s.materializedViewSQL("session_recording_events_mv", "writable_session_recording_events", "kafka_session_recording_events", sessionRecordingEventsColumns),
				},
			},
			{
				Name:                    "events_dead_letter_queue",
				NewEngine:               s.engineSpec(model.FamilyReplacing, "events_dead_letter_queue", "_timestamp", model.SchemeReplicated),
				IngestionTable:          "kafka_events_dead_letter_queue",
				CreateIngestionTableSQL: s.kafkaTableSQL("kafka_events_dead_letter_queue", "events_dead_letter_queue", deadLetterQueueColumns),
			},
			{
				Name:                    "groups",
				NewEngine:               s.engineSpec(model.FamilyReplacing, "groups", "_timestamp", model.SchemeReplicated),
				IngestionTable:          "kafka_groups",
				CreateIngestionTableSQL: s.kafkaTableSQL("kafka_groups", "clickhouse_groups", groupsColumns),
			},
			{
				Name:                    "person",
				NewEngine:               s.engineSpec(model.FamilyReplacing, "person", "_timestamp", model.SchemeReplicated),
				IngestionTable:          "kafka_person",
				CreateIngestionTableSQL: s.kafkaTableSQL("kafka_person", "clickhouse_person", personColumns),
			},
			{
				Name:                    "person_distinct_id2",
				NewEngine:               s.engineSpec(model.FamilyReplacing, "person_distinct_id2", "version", model.SchemeReplicated),
				IngestionTable:          "kafka_person_distinct_id2",
				CreateIngestionTableSQL: s.kafkaTableSQL("kafka_person_distinct_id2", "clickhouse_person_distinct_id", personDistinctID2Columns),
			},
			{
				Name:                    "plugin_log_entries",
				NewEngine:               s.engineSpec(model.FamilyReplacing, "plugin_log_entries", "_timestamp", model.SchemeReplicated),
				IngestionTable:          "kafka_plugin_log_entries",
				CreateIngestionTableSQL: s.kafkaTableSQL("kafka_plugin_log_entries", "plugin_log_entries", pluginLogEntriesColumns),
			},
			{
				Name:      "cohortpeople",
				NewEngine: s.engineSpec(model.FamilyCollapsing, "cohortpeople", "sign", model.SchemeReplicated),
			},
			{
				Name:      "person_static_cohort",
				NewEngine: s.engineSpec(model.FamilyReplacing, "person_static_cohort", "_timestamp", model.SchemeReplicated),
			},
		},
	}
}

// Registry lists every migration definition this service can run, keyed by name
func Registry(s Settings) map[string]model.Definition {
	def := ReplicatedSchema(s)
	return map[string]model.Definition{def.Name: def}
}
