package clickhouse

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	platformch "github.com/linkflow-ai/chmigrate/internal/platform/clickhouse"
	"github.com/linkflow-ai/chmigrate/internal/platform/config"
	"github.com/linkflow-ai/chmigrate/internal/platform/logger"
	"github.com/stretchr/testify/suite"
)

// CatalogSuite runs against the server described by the CLICKHOUSE_* variables.
// Set CLICKHOUSE_INTEGRATION=1 to enable it.
type CatalogSuite struct {
	suite.Suite
	catalog *Catalog
	table   string
}

func TestCatalogSuite(t *testing.T) {
	if testing.Short() || os.Getenv("CLICKHOUSE_INTEGRATION") == "" {
		t.Skip("Skipping ClickHouse integration tests")
	}
	suite.Run(t, new(CatalogSuite))
}

func (s *CatalogSuite) SetupSuite() {
	cfg, err := config.Load("asyncmigration")
	s.Require().NoError(err)

	ctx := context.Background()
	conn, err := platformch.Open(ctx, cfg.ClickHouse, logger.NewNop())
	s.Require().NoError(err)

	s.catalog = NewCatalog(conn, cfg.ClickHouse.Database, cfg.ClickHouse.Cluster, logger.NewNop())
	s.table = fmt.Sprintf("catalog_test_%d", time.Now().UnixNano())

	s.Require().NoError(s.catalog.Exec(ctx, fmt.Sprintf(
		"CREATE TABLE %s.%s (id UInt64, timestamp DateTime) ENGINE = MergeTree() PARTITION BY toYYYYMM(timestamp) ORDER BY id",
		cfg.ClickHouse.Database, s.table)))
	s.Require().NoError(s.catalog.Exec(ctx, fmt.Sprintf(
		"INSERT INTO %s.%s VALUES (1, '2022-01-15 00:00:00'), (2, '2022-02-15 00:00:00')",
		cfg.ClickHouse.Database, s.table)))
}

func (s *CatalogSuite) TearDownSuite() {
	ctx := context.Background()
	s.NoError(s.catalog.Exec(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s.%s", s.catalog.database, s.table)))
	s.catalog.conn.Close()
}

func (s *CatalogSuite) TestCurrentEngine() {
	ctx := context.Background()

	engine, ok, err := s.catalog.CurrentEngine(ctx, s.table)
	s.Require().NoError(err)
	s.True(ok)
	s.Contains(engine, "MergeTree")
	s.Contains(engine, "PARTITION BY toYYYYMM(timestamp)")

	_, ok, err = s.catalog.CurrentEngine(ctx, "no_such_table")
	s.Require().NoError(err)
	s.False(ok)
}

func (s *CatalogSuite) TestActivePartitions() {
	partitions, err := s.catalog.ActivePartitions(context.Background(), s.table)
	s.Require().NoError(err)
	s.Equal([]string{"202201", "202202"}, partitions)
}

func (s *CatalogSuite) TestActiveMergeCount() {
	n, err := s.catalog.ActiveMergeCount(context.Background(), s.table)
	s.Require().NoError(err)
	s.GreaterOrEqual(n, 0)
}

func (s *CatalogSuite) TestNodeCount() {
	n, err := s.catalog.NodeCount(context.Background())
	s.Require().NoError(err)
	s.GreaterOrEqual(n, 1)
}

func (s *CatalogSuite) TestHealth() {
	s.NoError(s.catalog.Health(context.Background()))
}
