package catalog

import (
	"fmt"
	"strings"

	"github.com/linkflow-ai/chmigrate/internal/asyncmigration/domain/model"
)

// Settings carries the cluster-specific values rendered into the catalog's DDL
type Settings struct {
	Database string
	Cluster  string
	// KafkaHosts is the broker list ClickHouse itself connects to
	KafkaHosts  string
	Replication bool
}

const kafkaConsumerGroup = "group1"

// ingestionColumns are written by the materialized views that read from Kafka
var ingestionColumns = []string{
	"_timestamp DateTime",
	"_offset UInt64",
}

func columnList(columns []string) string {
	return "(\n    " + strings.Join(columns, ",\n    ") + "\n)"
}

func columnNames(columns []string) string {
	names := make([]string, 0, len(columns))
	for _, c := range columns {
		names = append(names, strings.Fields(c)[0])
	}
	return strings.Join(names, ", ")
}

func (s Settings) onCluster() string {
	return fmt.Sprintf("ON CLUSTER '%s'", s.Cluster)
}

func (s Settings) kafkaTableSQL(name, topic string, columns []string) string {
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s %s\n%s\nENGINE = Kafka('%s', '%s', '%s', 'JSONEachRow')",
		name, s.onCluster(), columnList(columns), s.KafkaHosts, topic, kafkaConsumerGroup)
}

func (s Settings) distributedTableSQL(name, dataTable, shardingKey string, columns []string) string {
	all := append(append([]string{}, columns...), ingestionColumns...)
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s %s\n%s\nENGINE = Distributed('%s', '%s', '%s', %s)",
		name, s.onCluster(), columnList(all), s.Cluster, s.Database, dataTable, shardingKey)
}

func (s Settings) materializedViewSQL(name, target, source string, columns []string) string {
	return fmt.Sprintf("CREATE MATERIALIZED VIEW IF NOT EXISTS %s %s\nTO %s.%s\nAS SELECT %s, _timestamp, _offset\nFROM %s.%s",
		name, s.onCluster(), s.Database, target, columnNames(columns), s.Database, source)
}

func (s Settings) engineSpec(family model.EngineFamily, table, ver string, scheme model.ReplicationScheme) model.EngineSpec {
	return model.EngineSpec{
		Family:      family,
		Database:    s.Database,
		Table:       table,
		Ver:         ver,
		Scheme:      scheme,
		Replication: s.Replication,
	}
}
