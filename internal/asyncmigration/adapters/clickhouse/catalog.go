// Package clickhouse reads the ClickHouse system catalog and runs migration DDL
package clickhouse

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/linkflow-ai/chmigrate/internal/platform/logger"
)

// Catalog talks to a ClickHouse server over the native protocol
type Catalog struct {
	conn     clickhouse.Conn
	database string
	cluster  string
	logger   logger.Logger
}

// NewCatalog creates a catalog bound to one database of a cluster
func NewCatalog(conn clickhouse.Conn, database, cluster string, log logger.Logger) *Catalog {
	return &Catalog{
		conn:     conn,
		database: database,
		cluster:  cluster,
		logger:   log,
	}
}

// CurrentEngine returns system.tables.engine_full of a table
func (c *Catalog) CurrentEngine(ctx context.Context, table string) (string, bool, error) {
	var engine string
	err := c.conn.QueryRow(ctx,
		"SELECT engine_full FROM system.tables WHERE database = $1 AND name = $2",
		c.database, table,
	).Scan(&engine)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to query engine of %s: %w", table, err)
	}
	return engine, true, nil
}

// NodeCount returns the number of replicas visible across the cluster
func (c *Catalog) NodeCount(ctx context.Context) (int, error) {
	var count uint64
	if err := c.conn.QueryRow(ctx,
		"SELECT count() FROM clusterAllReplicas($1, system, one)",
		c.cluster,
	).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count replicas of cluster %s: %w", c.cluster, err)
	}
	return int(count), nil
}

// ActiveMergeCount returns the number of merges running on a table
func (c *Catalog) ActiveMergeCount(ctx context.Context, table string) (int, error) {
	var count uint64
	if err := c.conn.QueryRow(ctx,
		"SELECT count() FROM system.merges WHERE database = $1 AND table = $2",
		c.database, table,
	).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count merges of %s: %w", table, err)
	}
	return int(count), nil
}

// ActivePartitions returns the distinct partition ids of a table's active parts
func (c *Catalog) ActivePartitions(ctx context.Context, table string) ([]string, error) {
	rows, err := c.conn.Query(ctx,
		"SELECT DISTINCT partition FROM system.parts WHERE database = $1 AND table = $2 AND active ORDER BY partition",
		c.database, table,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list partitions of %s: %w", table, err)
	}
	defer rows.Close()

	var partitions []string
	for rows.Next() {
		var partition string
		if err := rows.Scan(&partition); err != nil {
			return nil, fmt.Errorf("failed to scan partition of %s: %w", table, err)
		}
		partitions = append(partitions, partition)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list partitions of %s: %w", table, err)
	}
	return partitions, nil
}

// Exec runs a statement without a server-side time limit. Attaching a large
// partition can take far longer than any default.
func (c *Catalog) Exec(ctx context.Context, query string, args ...any) error {
	ctx = clickhouse.Context(ctx, clickhouse.WithSettings(clickhouse.Settings{
		"max_execution_time": 0,
	}))

	start := time.Now()
	if err := c.conn.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("clickhouse exec failed: %w", err)
	}

	c.logger.WithContext(ctx).Debug("Executed statement", "query", query, "duration", time.Since(start))
	return nil
}

// Health pings the server
func (c *Catalog) Health(ctx context.Context) error {
	if err := c.conn.Ping(ctx); err != nil {
		return fmt.Errorf("clickhouse health check failed: %w", err)
	}
	return nil
}
