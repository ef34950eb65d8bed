package shard

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

var (
	ErrIndexOutOfRange        = errors.New("shard index out of range")
	ErrCanonicalTableNotFound = errors.New("canonical table does not exist")
)

// CanonicalSchema is the reference table definition every shard must
// structurally match. It is captured once from the live definition of the
// canonical (non-sharded) order table and cached for the process
// lifetime; schema changes require re-running the migration and
// restarting dependent processes.
type CanonicalSchema struct {
	Table       string
	Columns     []Column
	Constraints []Constraint
	Indexes     []Index
}

type Column struct {
	Name      string
	Type      string // rendered by format_type, e.g. numeric(12,2)
	NotNull   bool
	Default   string // empty when none; generation expression for generated columns
	Identity  string // "a" (always), "d" (by default) or empty
	Generated bool
}

// Constraint kinds follow pg_constraint.contype.
const (
	ConstraintPrimaryKey = "p"
	ConstraintForeignKey = "f"
	ConstraintUnique     = "u"
	ConstraintCheck      = "c"
)

// Constraint carries the definition without its name (as rendered by
// pg_get_constraintdef), so it can be re-attached to a shard under a
// shard-scoped name.
type Constraint struct {
	Name string
	Kind string
	Def  string
}

type Index struct {
	Name    string
	Unique  bool
	Method  string
	Columns []string // column names or expressions, in index order
}

// ShardDescriptor describes one physical shard table.
type ShardDescriptor struct {
	Index int
	Table string
	Ready bool
}

// Catalog is the source of truth for the physical shard layout: the
// canonical schema, the shard count and every physical table name. It is
// immutable after construction and handed to collaborators explicitly —
// no component is permitted to derive a shard table name on its own.
type Catalog struct {
	table  string
	count  int
	schema *CanonicalSchema
}

// NewCatalog loads the canonical table definition from the live database
// and returns an immutable catalog over count shards. Fails with
// ErrCanonicalTableNotFound before anything else if the reference table
// is missing.
func NewCatalog(ctx context.Context, pool *pgxpool.Pool, table string, count int) (*Catalog, error) {
	if count <= 0 {
		return nil, fmt.Errorf("catalog: shard count must be positive, got %d", count)
	}
	if table == "" {
		return nil, errors.New("catalog: canonical table name must be non-empty")
	}

	exists, err := tableExists(ctx, pool, table)
	if err != nil {
		return nil, fmt.Errorf("catalog: failed to check canonical table %s: %w", table, err)
	}
	if !exists {
		return nil, fmt.Errorf("catalog: %s: %w", table, ErrCanonicalTableNotFound)
	}

	schema, err := introspectSchema(ctx, pool, table)
	if err != nil {
		return nil, fmt.Errorf("catalog: failed to introspect canonical table %s: %w", table, err)
	}

	log.Info().
		Str("canonical_table", table).
		Int("shard_count", count).
		Int("columns", len(schema.Columns)).
		Int("constraints", len(schema.Constraints)).
		Int("indexes", len(schema.Indexes)).
		Msg("catalog: canonical schema loaded")

	return &Catalog{table: table, count: count, schema: schema}, nil
}

// NewStaticCatalog builds a catalog from an already-captured schema,
// for tooling and tests that hold a schema snapshot instead of a live
// database connection.
func NewStaticCatalog(table string, count int, schema *CanonicalSchema) (*Catalog, error) {
	if count <= 0 {
		return nil, fmt.Errorf("catalog: shard count must be positive, got %d", count)
	}
	if table == "" {
		return nil, errors.New("catalog: canonical table name must be non-empty")
	}
	return &Catalog{table: table, count: count, schema: schema}, nil
}

func (c *Catalog) CanonicalTable() string {
	return c.table
}

func (c *Catalog) ShardCount() int {
	return c.count
}

func (c *Catalog) CanonicalSchema() *CanonicalSchema {
	return c.schema
}

// ShardName returns the physical table name for a shard index: the
// canonical name suffixed with the two-digit zero-padded index.
func (c *Catalog) ShardName(index int) (string, error) {
	if index < 0 || index >= c.count {
		return "", fmt.Errorf("shard index %d not in [0, %d): %w", index, c.count, ErrIndexOutOfRange)
	}
	return fmt.Sprintf("%s_%02d", c.table, index), nil
}

func (c *Catalog) AllShardNames() []string {
	names := make([]string, c.count)
	for i := range names {
		names[i] = fmt.Sprintf("%s_%02d", c.table, i)
	}
	return names
}

// ShardScopedName rewrites an index or constraint name for one shard so
// that names stay unique across shards in engines with global index-name
// uniqueness. A name carrying the canonical table prefix has the prefix
// replaced with the shard table name; any other name gets the shard
// suffix appended.
func (c *Catalog) ShardScopedName(canonicalName string, index int) (string, error) {
	shardTable, err := c.ShardName(index)
	if err != nil {
		return "", err
	}
	if rest, ok := strings.CutPrefix(canonicalName, c.table); ok {
		return shardTable + rest, nil
	}
	return fmt.Sprintf("%s_%02d", canonicalName, index), nil
}

// Descriptors reports every shard with its physical name and whether the
// table currently exists.
func (c *Catalog) Descriptors(ctx context.Context, pool *pgxpool.Pool) ([]ShardDescriptor, error) {
	descriptors := make([]ShardDescriptor, 0, c.count)
	for i, name := range c.AllShardNames() {
		ready, err := tableExists(ctx, pool, name)
		if err != nil {
			return nil, fmt.Errorf("catalog: failed to check shard table %s: %w", name, err)
		}
		descriptors = append(descriptors, ShardDescriptor{Index: i, Table: name, Ready: ready})
	}
	return descriptors, nil
}

func tableExists(ctx context.Context, pool *pgxpool.Pool, table string) (bool, error) {
	var exists bool
	err := pool.QueryRow(ctx, `SELECT to_regclass($1) IS NOT NULL`, table).Scan(&exists)
	if err != nil {
		return false, err
	}
	return exists, nil
}
