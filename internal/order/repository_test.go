package order

import (
	"errors"
	"testing"
	"time"

	"github.com/gofrs/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aeglx/MallEcoAPI-sub007/internal/shard"
)

func TestPage_Defaults(t *testing.T) {
	assert.Equal(t, 20, Page{}.size())
	assert.Equal(t, 0, Page{}.offset())
	assert.Equal(t, 0, Page{Number: 1, Size: 10}.offset())
	assert.Equal(t, 30, Page{Number: 4, Size: 10}.offset())
}

func TestPredicate_Clauses(t *testing.T) {
	t.Run("empty", func(t *testing.T) {
		where, args := Predicate{}.clauses()
		assert.Equal(t, "TRUE AND NOT deleted", where)
		assert.Empty(t, args)
	})

	t.Run("include_deleted", func(t *testing.T) {
		where, args := Predicate{IncludeDeleted: true}.clauses()
		assert.Equal(t, "TRUE", where)
		assert.Empty(t, args)
	})

	t.Run("all_fields", func(t *testing.T) {
		userID := uuid.Must(uuid.NewV4())
		status := StatusPending
		payStatus := PayStatusPaid
		after := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
		before := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

		where, args := Predicate{
			UserID:        &userID,
			Status:        &status,
			PayStatus:     &payStatus,
			CreatedAfter:  &after,
			CreatedBefore: &before,
		}.clauses()

		assert.Equal(t, "TRUE AND NOT deleted AND user_id = $1 AND status = $2 AND pay_status = $3 AND created_at >= $4 AND created_at < $5", where)
		assert.Equal(t, []any{userID, "PENDING", "PAID", after, before}, args)
	})
}

func TestSortOrders(t *testing.T) {
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	idLow := uuid.FromStringOrNil("00000000-0000-0000-0000-000000000001")
	idHigh := uuid.FromStringOrNil("ffffffff-0000-0000-0000-000000000001")

	orders := []Order{
		{ID: idLow, CreatedAt: base.Add(-time.Hour)},
		{ID: idLow, CreatedAt: base},
		{ID: idHigh, CreatedAt: base},
		{ID: idHigh, CreatedAt: base.Add(time.Hour)},
	}
	sortOrders(orders)

	// Newest first; same timestamp ordered by id bytes descending.
	assert.Equal(t, base.Add(time.Hour), orders[0].CreatedAt)
	assert.Equal(t, idHigh, orders[1].ID)
	assert.Equal(t, base, orders[1].CreatedAt)
	assert.Equal(t, idLow, orders[2].ID)
	assert.Equal(t, base.Add(-time.Hour), orders[3].CreatedAt)
}

func TestPaginate(t *testing.T) {
	orders := make([]Order, 25)

	assert.Len(t, paginate(orders, Page{Number: 1, Size: 10}), 10)
	assert.Len(t, paginate(orders, Page{Number: 3, Size: 10}), 5)
	assert.Empty(t, paginate(orders, Page{Number: 4, Size: 10}))
	assert.Len(t, paginate(orders, Page{}), 20)
}

func TestClassifyShardError(t *testing.T) {
	t.Run("undefined_table", func(t *testing.T) {
		pgErr := &pgconn.PgError{Code: pgerrcode.UndefinedTable, Message: `relation "orders_03" does not exist`}
		err := classifyShardError(pgErr)
		assert.ErrorIs(t, err, ErrShardUnavailable)
	})

	t.Run("wrapped_undefined_table", func(t *testing.T) {
		pgErr := &pgconn.PgError{Code: pgerrcode.UndefinedTable}
		err := classifyShardError(errors.Join(errors.New("query failed"), pgErr))
		assert.ErrorIs(t, err, ErrShardUnavailable)
	})

	t.Run("other_pg_error", func(t *testing.T) {
		pgErr := &pgconn.PgError{Code: pgerrcode.UniqueViolation}
		err := classifyShardError(pgErr)
		assert.NotErrorIs(t, err, ErrShardUnavailable)
	})

	t.Run("plain_error", func(t *testing.T) {
		plain := errors.New("boom")
		assert.Equal(t, plain, classifyShardError(plain))
	})
}

func TestNewRepository_ShardCountMismatch(t *testing.T) {
	resolver, err := shard.NewResolver(8)
	require.NoError(t, err)
	catalog, err := shard.NewStaticCatalog("orders", 16, &shard.CanonicalSchema{Table: "orders"})
	require.NoError(t, err)

	_, err = NewRepository(nil, resolver, catalog, time.Second)
	require.Error(t, err)
}
