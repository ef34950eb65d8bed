package shard

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Introspection reads the live definition of the canonical table from
// pg_catalog. Everything needed to rebuild a structurally identical
// table is captured: column types as rendered by format_type (length,
// precision and scale included), defaults, nullability, identity and
// generated columns, and every constraint and index. Constraint bodies
// come from pg_get_constraintdef, which renders the definition without
// its name, so each one can be re-attached under a shard-scoped name.

const columnsQuery = `
	SELECT a.attname,
	       pg_catalog.format_type(a.atttypid, a.atttypmod),
	       a.attnotnull,
	       COALESCE(pg_catalog.pg_get_expr(d.adbin, d.adrelid), ''),
	       a.attidentity::text,
	       a.attgenerated <> ''
	FROM pg_catalog.pg_attribute a
	LEFT JOIN pg_catalog.pg_attrdef d ON d.adrelid = a.attrelid AND d.adnum = a.attnum
	WHERE a.attrelid = $1::regclass
	  AND a.attnum > 0
	  AND NOT a.attisdropped
	ORDER BY a.attnum
`

const constraintsQuery = `
	SELECT c.conname,
	       c.contype::text,
	       pg_catalog.pg_get_constraintdef(c.oid, true)
	FROM pg_catalog.pg_constraint c
	WHERE c.conrelid = $1::regclass
	  AND c.contype IN ('p', 'f', 'u', 'c')
	ORDER BY c.contype, c.conname
`

// Indexes backing a constraint (primary key, unique constraint) are
// excluded: they come back with the constraint itself.
const indexesQuery = `
	SELECT ic.relname,
	       i.indisunique,
	       am.amname,
	       (SELECT array_agg(pg_catalog.pg_get_indexdef(i.indexrelid, k, true) ORDER BY k)
	          FROM generate_series(1, i.indnatts::int) AS k)
	FROM pg_catalog.pg_index i
	JOIN pg_catalog.pg_class ic ON ic.oid = i.indexrelid
	JOIN pg_catalog.pg_am am ON am.oid = ic.relam
	WHERE i.indrelid = $1::regclass
	  AND NOT EXISTS (
	        SELECT 1 FROM pg_catalog.pg_constraint c WHERE c.conindid = i.indexrelid
	  )
	ORDER BY ic.relname
`

func introspectSchema(ctx context.Context, pool *pgxpool.Pool, table string) (*CanonicalSchema, error) {
	schema := &CanonicalSchema{Table: table}

	rows, err := pool.Query(ctx, columnsQuery, table)
	if err != nil {
		return nil, fmt.Errorf("failed to query columns: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var col Column
		if err := rows.Scan(&col.Name, &col.Type, &col.NotNull, &col.Default, &col.Identity, &col.Generated); err != nil {
			return nil, fmt.Errorf("failed to scan column: %w", err)
		}
		schema.Columns = append(schema.Columns, col)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating columns: %w", err)
	}
	rows.Close()

	rows, err = pool.Query(ctx, constraintsQuery, table)
	if err != nil {
		return nil, fmt.Errorf("failed to query constraints: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var con Constraint
		if err := rows.Scan(&con.Name, &con.Kind, &con.Def); err != nil {
			return nil, fmt.Errorf("failed to scan constraint: %w", err)
		}
		schema.Constraints = append(schema.Constraints, con)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating constraints: %w", err)
	}
	rows.Close()

	rows, err = pool.Query(ctx, indexesQuery, table)
	if err != nil {
		return nil, fmt.Errorf("failed to query indexes: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var idx Index
		if err := rows.Scan(&idx.Name, &idx.Unique, &idx.Method, &idx.Columns); err != nil {
			return nil, fmt.Errorf("failed to scan index: %w", err)
		}
		schema.Indexes = append(schema.Indexes, idx)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating indexes: %w", err)
	}

	if len(schema.Columns) == 0 {
		return nil, fmt.Errorf("table %s has no columns", table)
	}

	return schema, nil
}
