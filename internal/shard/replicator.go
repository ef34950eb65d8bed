package shard

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// Replicator brings every physical shard table into structural agreement
// with the canonical schema held by the catalog. Up and Down are offline
// administrative operations run by deployment tooling, never by
// request-serving code, and must not run concurrently against the same
// shard set.
type Replicator struct {
	pool    *pgxpool.Pool
	catalog *Catalog
}

func NewReplicator(pool *pgxpool.Pool, catalog *Catalog) *Replicator {
	return &Replicator{pool: pool, catalog: catalog}
}

// Up creates every missing shard table as a structural clone of the
// canonical table: same columns, same constraints and indexes with names
// rewritten per shard. Shards that already exist are skipped, so a
// partially applied run is resumable by re-running Up.
func (r *Replicator) Up(ctx context.Context) error {
	exists, err := tableExists(ctx, r.pool, r.catalog.CanonicalTable())
	if err != nil {
		return fmt.Errorf("replicator: failed to check canonical table: %w", err)
	}
	if !exists {
		return fmt.Errorf("replicator: %s: %w", r.catalog.CanonicalTable(), ErrCanonicalTableNotFound)
	}

	for index := 0; index < r.catalog.ShardCount(); index++ {
		if err := r.replicateShard(ctx, index); err != nil {
			return err
		}
	}
	return nil
}

// Down drops every shard table that exists. Idempotent; the canonical
// table is never touched.
func (r *Replicator) Down(ctx context.Context) error {
	for index := r.catalog.ShardCount() - 1; index >= 0; index-- {
		name, err := r.catalog.ShardName(index)
		if err != nil {
			return err
		}

		ddl := fmt.Sprintf("DROP TABLE IF EXISTS %s", pgx.Identifier{name}.Sanitize())
		if _, err := r.pool.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("replicator: failed to drop shard table %s: %w", name, err)
		}
		log.Info().Str("shard_table", name).Msg("replicator: shard table dropped")
	}
	return nil
}

// Verify reports the indices of shards whose table is missing. It never
// mutates anything.
func (r *Replicator) Verify(ctx context.Context) ([]int, error) {
	descriptors, err := r.catalog.Descriptors(ctx, r.pool)
	if err != nil {
		return nil, fmt.Errorf("replicator: %w", err)
	}

	var missing []int
	for _, d := range descriptors {
		if !d.Ready {
			missing = append(missing, d.Index)
		}
	}
	return missing, nil
}

// replicateShard creates one shard table inside a transaction so a shard
// either appears fully formed or not at all.
func (r *Replicator) replicateShard(ctx context.Context, index int) error {
	name, err := r.catalog.ShardName(index)
	if err != nil {
		return err
	}

	exists, err := tableExists(ctx, r.pool, name)
	if err != nil {
		return fmt.Errorf("replicator: failed to check shard table %s: %w", name, err)
	}
	if exists {
		log.Debug().Str("shard_table", name).Msg("replicator: shard table already exists, skipping")
		return nil
	}

	statements, err := r.shardDDL(index, name)
	if err != nil {
		return err
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("replicator: failed to begin transaction for shard %s: %w", name, err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	for _, ddl := range statements {
		if _, err := tx.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("replicator: failed to execute %q for shard %s: %w", ddl, name, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("replicator: failed to commit shard %s: %w", name, err)
	}

	log.Info().Str("shard_table", name).Int("shard_index", index).Msg("replicator: shard table created")
	return nil
}

// shardDDL renders the full statement list for one shard from the cached
// canonical schema: CREATE TABLE with the column list, one ALTER TABLE
// ADD CONSTRAINT per constraint and one CREATE INDEX per secondary
// index. All object names go through ShardScopedName.
func (r *Replicator) shardDDL(index int, shardTable string) ([]string, error) {
	schema := r.catalog.CanonicalSchema()
	quoted := pgx.Identifier{shardTable}.Sanitize()

	columns := make([]string, 0, len(schema.Columns))
	for _, col := range schema.Columns {
		columns = append(columns, renderColumn(col))
	}

	statements := []string{
		fmt.Sprintf("CREATE TABLE %s (\n\t%s\n)", quoted, strings.Join(columns, ",\n\t")),
	}

	for _, con := range schema.Constraints {
		scoped, err := r.catalog.ShardScopedName(con.Name, index)
		if err != nil {
			return nil, err
		}
		statements = append(statements, fmt.Sprintf(
			"ALTER TABLE %s ADD CONSTRAINT %s %s",
			quoted, pgx.Identifier{scoped}.Sanitize(), con.Def,
		))
	}

	for _, idx := range schema.Indexes {
		scoped, err := r.catalog.ShardScopedName(idx.Name, index)
		if err != nil {
			return nil, err
		}
		unique := ""
		if idx.Unique {
			unique = "UNIQUE "
		}
		statements = append(statements, fmt.Sprintf(
			"CREATE %sINDEX %s ON %s USING %s (%s)",
			unique, pgx.Identifier{scoped}.Sanitize(), quoted, idx.Method, strings.Join(idx.Columns, ", "),
		))
	}

	return statements, nil
}

func renderColumn(col Column) string {
	parts := []string{pgx.Identifier{col.Name}.Sanitize(), col.Type}

	switch {
	case col.Generated:
		parts = append(parts, fmt.Sprintf("GENERATED ALWAYS AS (%s) STORED", col.Default))
	case col.Identity == "a":
		parts = append(parts, "GENERATED ALWAYS AS IDENTITY")
	case col.Identity == "d":
		parts = append(parts, "GENERATED BY DEFAULT AS IDENTITY")
	case col.Default != "":
		parts = append(parts, "DEFAULT "+col.Default)
	}

	if col.NotNull {
		parts = append(parts, "NOT NULL")
	}

	return strings.Join(parts, " ")
}
