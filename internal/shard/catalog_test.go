package shard

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCatalog(t *testing.T, table string, count int) *Catalog {
	t.Helper()
	return &Catalog{table: table, count: count, schema: &CanonicalSchema{Table: table}}
}

func TestCatalog_ShardName(t *testing.T) {
	c := testCatalog(t, "orders", 16)

	name, err := c.ShardName(0)
	require.NoError(t, err)
	assert.Equal(t, "orders_00", name)

	name, err = c.ShardName(7)
	require.NoError(t, err)
	assert.Equal(t, "orders_07", name)

	name, err = c.ShardName(15)
	require.NoError(t, err)
	assert.Equal(t, "orders_15", name)
}

func TestCatalog_ShardName_OutOfRange(t *testing.T) {
	c := testCatalog(t, "orders", 16)

	for _, index := range []int{-1, 16, 100} {
		_, err := c.ShardName(index)
		assert.ErrorIs(t, err, ErrIndexOutOfRange, "index %d", index)
	}
}

func TestCatalog_AllShardNames(t *testing.T) {
	c := testCatalog(t, "orders", 3)

	assert.Equal(t, []string{"orders_00", "orders_01", "orders_02"}, c.AllShardNames())
}

func TestCatalog_ShardScopedName(t *testing.T) {
	c := testCatalog(t, "orders", 16)

	tests := []struct {
		name      string
		canonical string
		index     int
		want      string
	}{
		// Names carrying the canonical table prefix have the prefix
		// replaced with the shard table name.
		{name: "pkey", canonical: "orders_pkey", index: 3, want: "orders_03_pkey"},
		{name: "index", canonical: "orders_user_created_idx", index: 0, want: "orders_00_user_created_idx"},
		{name: "check", canonical: "orders_amounts_non_negative", index: 15, want: "orders_15_amounts_non_negative"},
		// Anything else gets the shard suffix appended.
		{name: "foreign_name", canonical: "fk_wallet", index: 4, want: "fk_wallet_04"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := c.ShardScopedName(tt.canonical, tt.index)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCatalog_ShardScopedName_OutOfRange(t *testing.T) {
	c := testCatalog(t, "orders", 4)

	_, err := c.ShardScopedName("orders_pkey", 4)
	assert.ErrorIs(t, err, ErrIndexOutOfRange)
}
