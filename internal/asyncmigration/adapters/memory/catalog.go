// Package memory provides an in-memory ClickHouse catalog. It understands the DDL the
// async migrations emit and keeps tables as sets of partition ids, which is enough
// to run whole plans without a server.
package memory

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
)

// ErrInjected is a ready-made error for FailOn
var ErrInjected = errors.New("injected failure")

var (
	createAsRe      = regexp.MustCompile(`(?is)^CREATE TABLE (IF NOT EXISTS )?(\w+)(?: ON CLUSTER '[^']*')? AS (\w+)\s+ENGINE = (.+)$`)
	createTableRe   = regexp.MustCompile(`(?is)^CREATE TABLE (IF NOT EXISTS )?(\w+)(?: ON CLUSTER '[^']*')?\s*\(.*\)\s*ENGINE = (.+)$`)
	createViewRe    = regexp.MustCompile(`(?is)^CREATE MATERIALIZED VIEW (IF NOT EXISTS )?(\w+)(?: ON CLUSTER '[^']*')?\s+TO\s+`)
	dropTableRe     = regexp.MustCompile(`(?i)^DROP TABLE (IF EXISTS )?(\w+)$`)
	attachRe        = regexp.MustCompile(`(?is)^ALTER TABLE (\w+) ATTACH PARTITION (.+) FROM (\w+)$`)
	dropPartitionRe = regexp.MustCompile(`(?is)^ALTER TABLE (\w+) DROP PARTITION (.+)$`)
	renameRe        = regexp.MustCompile(`(?is)^RENAME TABLE (.+)$`)
	renamePairRe    = regexp.MustCompile(`(?i)^(\w+) TO (\w+)$`)
)

// MaterializedViewEngine is the engine reported for views
const MaterializedViewEngine = "MaterializedView"

// Table is a snapshot of one table
type Table struct {
	Engine     string
	Partitions []string
}

type table struct {
	engine     string
	partitions map[string]struct{}
}

func (t *table) snapshot() Table {
	partitions := make([]string, 0, len(t.partitions))
	for p := range t.partitions {
		partitions = append(partitions, p)
	}
	sort.Strings(partitions)
	return Table{Engine: t.engine, Partitions: partitions}
}

type failure struct {
	match     string
	err       error
	remaining int
	forever   bool
}

// Catalog is an in-memory stand-in for a single-node ClickHouse server
type Catalog struct {
	mu            sync.Mutex
	tables        map[string]*table
	merges        map[string]int
	nodes         int
	mergesStopped bool
	failures      []*failure
	statements    []string
}

// NewCatalog creates an empty single-node catalog
func NewCatalog() *Catalog {
	return &Catalog{
		tables: make(map[string]*table),
		merges: make(map[string]int),
		nodes:  1,
	}
}

// AddTable creates or replaces a table
func (c *Catalog) AddTable(name, engine string, partitions ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := &table{engine: engine, partitions: make(map[string]struct{}, len(partitions))}
	for _, p := range partitions {
		t.partitions[p] = struct{}{}
	}
	c.tables[name] = t
}

// SetNodeCount sets the number of replicas reported cluster-wide
func (c *Catalog) SetNodeCount(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nodes = n
}

// SetActiveMerges sets the number of running merges reported for a table
func (c *Catalog) SetActiveMerges(name string, n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.merges[name] = n
}

// FailOn makes statements containing match fail with err. A positive times limits
// the number of failures, zero or less fails forever.
func (c *Catalog) FailOn(match string, err error, times int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures = append(c.failures, &failure{match: match, err: err, remaining: times, forever: times <= 0})
}

// ClearFailures removes every injected failure
func (c *Catalog) ClearFailures() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures = nil
}

// MergesStopped reports whether SYSTEM STOP MERGES is in effect
func (c *Catalog) MergesStopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mergesStopped
}

// Statements returns every statement that was executed successfully
func (c *Catalog) Statements() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.statements...)
}

// Table returns a snapshot of a table
func (c *Catalog) Table(name string) (Table, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, ok := c.tables[name]
	if !ok {
		return Table{}, false
	}
	return t.snapshot(), true
}

// Snapshot returns every table keyed by name
func (c *Catalog) Snapshot() map[string]Table {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]Table, len(c.tables))
	for name, t := range c.tables {
		out[name] = t.snapshot()
	}
	return out
}

// CurrentEngine returns the engine of a table
func (c *Catalog) CurrentEngine(_ context.Context, name string) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, ok := c.tables[name]
	if !ok {
		return "", false, nil
	}
	return t.engine, true, nil
}

// NodeCount returns the configured node count
func (c *Catalog) NodeCount(_ context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nodes, nil
}

// ActiveMergeCount returns the configured merge count of a table
func (c *Catalog) ActiveMergeCount(_ context.Context, name string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.merges[name], nil
}

// ActivePartitions returns the sorted partition ids of a table. A missing table has none.
func (c *Catalog) ActivePartitions(_ context.Context, name string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, ok := c.tables[name]
	if !ok {
		return nil, nil
	}
	return t.snapshot().Partitions, nil
}

// Exec applies a statement to the catalog
func (c *Catalog) Exec(ctx context.Context, query string, _ ...any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	query = strings.TrimSpace(query)
	if err := c.injectedFailure(query); err != nil {
		return err
	}
	if err := c.apply(query); err != nil {
		return err
	}

	c.statements = append(c.statements, query)
	return nil
}

func (c *Catalog) injectedFailure(query string) error {
	for _, f := range c.failures {
		if !strings.Contains(query, f.match) || (!f.forever && f.remaining == 0) {
			continue
		}
		if !f.forever {
			f.remaining--
		}
		return f.err
	}
	return nil
}

func (c *Catalog) apply(query string) error {
	upper := strings.ToUpper(query)

	switch {
	case upper == "SYSTEM STOP MERGES":
		c.mergesStopped = true
		return nil
	case upper == "SYSTEM START MERGES":
		c.mergesStopped = false
		return nil
	}

	if m := createAsRe.FindStringSubmatch(query); m != nil {
		if _, ok := c.tables[m[3]]; !ok {
			return fmt.Errorf("table %s doesn't exist", m[3])
		}
		return c.create(m[2], strings.TrimSpace(m[4]), m[1] != "")
	}
	if m := createTableRe.FindStringSubmatch(query); m != nil {
		return c.create(m[2], strings.TrimSpace(m[3]), m[1] != "")
	}
	if m := createViewRe.FindStringSubmatch(query); m != nil {
		return c.create(m[2], MaterializedViewEngine, m[1] != "")
	}
	if m := dropTableRe.FindStringSubmatch(query); m != nil {
		if _, ok := c.tables[m[2]]; !ok {
			if m[1] != "" {
				return nil
			}
			return fmt.Errorf("table %s doesn't exist", m[2])
		}
		delete(c.tables, m[2])
		return nil
	}
	if m := attachRe.FindStringSubmatch(query); m != nil {
		return c.attach(m[1], strings.TrimSpace(m[2]), m[3])
	}
	if m := dropPartitionRe.FindStringSubmatch(query); m != nil {
		t, ok := c.tables[m[1]]
		if !ok {
			return fmt.Errorf("table %s doesn't exist", m[1])
		}
		delete(t.partitions, strings.TrimSpace(m[2]))
		return nil
	}
	if m := renameRe.FindStringSubmatch(query); m != nil {
		return c.rename(m[1])
	}

	return fmt.Errorf("unsupported statement: %s", query)
}

func (c *Catalog) create(name, engine string, ifNotExists bool) error {
	if _, ok := c.tables[name]; ok {
		if ifNotExists {
			return nil
		}
		return fmt.Errorf("table %s already exists", name)
	}
	c.tables[name] = &table{engine: engine, partitions: make(map[string]struct{})}
	return nil
}

// attach copies a partition; the source keeps it until it is dropped
func (c *Catalog) attach(name, partition, source string) error {
	to, ok := c.tables[name]
	if !ok {
		return fmt.Errorf("table %s doesn't exist", name)
	}
	from, ok := c.tables[source]
	if !ok {
		return fmt.Errorf("table %s doesn't exist", source)
	}
	if _, ok := from.partitions[partition]; !ok {
		return fmt.Errorf("partition %s not found in %s", partition, source)
	}

	to.partitions[partition] = struct{}{}
	return nil
}

// rename applies every pair or none of them
func (c *Catalog) rename(clause string) error {
	type pair struct{ from, to string }

	var pairs []pair
	for _, part := range strings.Split(clause, ",") {
		m := renamePairRe.FindStringSubmatch(strings.TrimSpace(part))
		if m == nil {
			return fmt.Errorf("malformed rename %q", part)
		}
		pairs = append(pairs, pair{from: m[1], to: m[2]})
	}

	staged := make(map[string]*table, len(c.tables))
	for name, t := range c.tables {
		staged[name] = t
	}
	for _, p := range pairs {
		t, ok := staged[p.from]
		if !ok {
			return fmt.Errorf("table %s doesn't exist", p.from)
		}
		if _, ok := staged[p.to]; ok {
			return fmt.Errorf("table %s already exists", p.to)
		}
		delete(staged, p.from)
		staged[p.to] = t
	}

	c.tables = staged
	return nil
}
