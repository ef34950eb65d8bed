package shard

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSchema() *CanonicalSchema {
	return &CanonicalSchema{
		Table: "orders",
		Columns: []Column{
			{Name: "id", Type: "uuid", NotNull: true},
			{Name: "total_amount", Type: "numeric(12,2)", NotNull: true, Default: "0"},
			{Name: "status", Type: "text", NotNull: true, Default: "'PENDING'::text"},
			{Name: "paid_at", Type: "timestamp with time zone"},
		},
		Constraints: []Constraint{
			{Name: "orders_pkey", Kind: ConstraintPrimaryKey, Def: "PRIMARY KEY (id)"},
			{Name: "orders_amounts_non_negative", Kind: ConstraintCheck, Def: "CHECK ((total_amount >= (0)::numeric))"},
			{Name: "orders_user_id_fkey", Kind: ConstraintForeignKey, Def: "FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE"},
		},
		Indexes: []Index{
			{Name: "orders_status_idx", Unique: false, Method: "btree", Columns: []string{"status"}},
			{Name: "orders_user_created_idx", Unique: true, Method: "btree", Columns: []string{"user_id", "created_at DESC"}},
		},
	}
}

func TestReplicator_ShardDDL(t *testing.T) {
	catalog := &Catalog{table: "orders", count: 16, schema: testSchema()}
	r := NewReplicator(nil, catalog)

	statements, err := r.shardDDL(3, "orders_03")
	require.NoError(t, err)
	require.Len(t, statements, 6) // create table + 3 constraints + 2 indexes

	assert.Equal(t, "CREATE TABLE \"orders_03\" (\n"+
		"\t\"id\" uuid NOT NULL,\n"+
		"\t\"total_amount\" numeric(12,2) DEFAULT 0 NOT NULL,\n"+
		"\t\"status\" text DEFAULT 'PENDING'::text NOT NULL,\n"+
		"\t\"paid_at\" timestamp with time zone\n"+
		")", statements[0])

	// Constraint definitions are re-attached verbatim under shard-scoped
	// names: only the name differs between shards.
	assert.Equal(t, `ALTER TABLE "orders_03" ADD CONSTRAINT "orders_03_pkey" PRIMARY KEY (id)`, statements[1])
	assert.Equal(t, `ALTER TABLE "orders_03" ADD CONSTRAINT "orders_03_amounts_non_negative" CHECK ((total_amount >= (0)::numeric))`, statements[2])
	assert.Equal(t, `ALTER TABLE "orders_03" ADD CONSTRAINT "orders_03_user_id_fkey" FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE`, statements[3])

	assert.Equal(t, `CREATE INDEX "orders_03_status_idx" ON "orders_03" USING btree (status)`, statements[4])
	assert.Equal(t, `CREATE UNIQUE INDEX "orders_03_user_created_idx" ON "orders_03" USING btree (user_id, created_at DESC)`, statements[5])
}

func TestReplicator_ShardDDL_NamesDifferAcrossShards(t *testing.T) {
	catalog := &Catalog{table: "orders", count: 16, schema: testSchema()}
	r := NewReplicator(nil, catalog)

	first, err := r.shardDDL(0, "orders_00")
	require.NoError(t, err)
	second, err := r.shardDDL(1, "orders_01")
	require.NoError(t, err)

	for i := range first {
		assert.NotEqual(t, first[i], second[i], "statement %d must be shard-specific", i)
	}
}

func TestRenderColumn(t *testing.T) {
	tests := []struct {
		name string
		col  Column
		want string
	}{
		{
			name: "plain",
			col:  Column{Name: "paid_at", Type: "timestamp with time zone"},
			want: `"paid_at" timestamp with time zone`,
		},
		{
			name: "not_null_default",
			col:  Column{Name: "deleted", Type: "boolean", NotNull: true, Default: "false"},
			want: `"deleted" boolean DEFAULT false NOT NULL`,
		},
		{
			name: "identity_always",
			col:  Column{Name: "seq", Type: "bigint", NotNull: true, Identity: "a"},
			want: `"seq" bigint GENERATED ALWAYS AS IDENTITY NOT NULL`,
		},
		{
			name: "identity_by_default",
			col:  Column{Name: "seq", Type: "bigint", NotNull: true, Identity: "d"},
			want: `"seq" bigint GENERATED BY DEFAULT AS IDENTITY NOT NULL`,
		},
		{
			name: "generated",
			col:  Column{Name: "net", Type: "numeric(12,2)", NotNull: true, Generated: true, Default: "total_amount - discount_amount"},
			want: `"net" numeric(12,2) GENERATED ALWAYS AS (total_amount - discount_amount) STORED NOT NULL`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, renderColumn(tt.col))
		})
	}
}
