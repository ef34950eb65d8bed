package order

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/gofrs/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/Aeglx/MallEcoAPI-sub007/internal/shard"
)

// maxScatterConcurrency bounds how many shard queries a single
// scatter-gather call keeps in flight at once.
const maxScatterConcurrency = 16

// Mutation is applied to a copy of the stored order inside Update's
// read-modify-write transaction. Identifier, owner and creation time are
// immutable; changes to them are discarded.
type Mutation func(*Order) error

type Page struct {
	Number int // 1-based
	Size   int
}

func (p Page) size() int {
	if p.Size <= 0 {
		return 20
	}
	return p.Size
}

func (p Page) offset() int {
	if p.Number <= 1 {
		return 0
	}
	return (p.Number - 1) * p.size()
}

// Predicate is the per-shard filter for scatter-gather queries. Nil
// fields are not constrained.
type Predicate struct {
	UserID         *uuid.UUID
	Status         *Status
	PayStatus      *PayStatus
	CreatedAfter   *time.Time
	CreatedBefore  *time.Time
	IncludeDeleted bool
}

// Repository is the order CRUD and query API consumed by order-facing
// collaborators. Callers supply routing keys explicitly: the identifier
// alone does not indicate the shard, so any external reference to an
// order id must carry its routing key alongside.
type Repository interface {
	Create(ctx context.Context, o *Order, routingKey string) (*Order, error)
	FindByID(ctx context.Context, orderID uuid.UUID, routingKey string) (*Order, error)
	Update(ctx context.Context, orderID uuid.UUID, routingKey string, mutate Mutation) (*Order, error)
	FindByUser(ctx context.Context, userID uuid.UUID, page Page, statusFilter *Status) ([]Order, error)
	ScatterGather(ctx context.Context, pred Predicate, page Page) ([]Order, error)
}

type shardedRepository struct {
	pool         *pgxpool.Pool
	resolver     *shard.Resolver
	catalog      *shard.Catalog
	shardTimeout time.Duration
}

func NewRepository(pool *pgxpool.Pool, resolver *shard.Resolver, catalog *shard.Catalog, shardTimeout time.Duration) (Repository, error) {
	if resolver.ShardCount() != catalog.ShardCount() {
		return nil, fmt.Errorf("repository: resolver shard count %d != catalog shard count %d", resolver.ShardCount(), catalog.ShardCount())
	}
	return &shardedRepository{
		pool:         pool,
		resolver:     resolver,
		catalog:      catalog,
		shardTimeout: shardTimeout,
	}, nil
}

const orderColumns = `id, user_id, total_amount, pay_amount, freight_amount, discount_amount,
		pay_status, status, receiver_name, receiver_phone, shipping_address,
		created_at, updated_at, paid_at, shipped_at, completed_at, cancelled_at, deleted`

func (r *shardedRepository) Create(ctx context.Context, o *Order, routingKey string) (*Order, error) {
	table, err := r.shardTable(routingKey)
	if err != nil {
		return nil, err
	}

	stored := *o
	if stored.ID == uuid.Nil {
		genID, genErr := uuid.NewV4()
		if genErr != nil {
			return nil, fmt.Errorf("repository: failed to generate order id: %w", genErr)
		}
		stored.ID = genID
	}
	if stored.Status == "" {
		stored.Status = StatusPending
	}
	if stored.PayStatus == "" {
		stored.PayStatus = PayStatusUnpaid
	}
	now := time.Now().UTC()
	stored.CreatedAt = now
	stored.UpdatedAt = now

	if err := stored.ValidateAmounts(); err != nil {
		return nil, fmt.Errorf("repository: %w", err)
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (`+orderColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
	`, pgx.Identifier{table}.Sanitize())

	shardCtx, cancel := r.shardContext(ctx)
	defer cancel()

	_, err = r.pool.Exec(shardCtx, query,
		stored.ID,
		stored.UserID,
		stored.TotalAmount,
		stored.PayAmount,
		stored.FreightAmount,
		stored.DiscountAmount,
		string(stored.PayStatus),
		string(stored.Status),
		stored.ReceiverName,
		stored.ReceiverPhone,
		stored.ShippingAddress,
		stored.CreatedAt,
		stored.UpdatedAt,
		stored.PaidAt,
		stored.ShippedAt,
		stored.CompletedAt,
		stored.CancelledAt,
		stored.Deleted,
	)
	if err != nil {
		return nil, classifyShardError(fmt.Errorf("repository: failed to insert order into %s: %w", table, err))
	}

	log.Info().Stringer("order_id", stored.ID).Str("shard_table", table).Msg("repository: order created")
	return &stored, nil
}

func (r *shardedRepository) FindByID(ctx context.Context, orderID uuid.UUID, routingKey string) (*Order, error) {
	table, err := r.shardTable(routingKey)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`
		SELECT `+orderColumns+`
		FROM %s
		WHERE id = $1 AND NOT deleted
	`, pgx.Identifier{table}.Sanitize())

	shardCtx, cancel := r.shardContext(ctx)
	defer cancel()

	o, err := scanOrder(r.pool.QueryRow(shardCtx, query, orderID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, classifyShardError(fmt.Errorf("repository: failed to select order %s from %s: %w", orderID, table, err))
	}
	return o, nil
}

func (r *shardedRepository) Update(ctx context.Context, orderID uuid.UUID, routingKey string, mutate Mutation) (updated *Order, err error) {
	table, err := r.shardTable(routingKey)
	if err != nil {
		return nil, err
	}

	shardCtx, cancel := r.shardContext(ctx)
	defer cancel()

	tx, err := r.pool.Begin(shardCtx)
	if err != nil {
		return nil, classifyShardError(fmt.Errorf("repository: failed to begin transaction on %s: %w", table, err))
	}
	defer func() {
		_ = tx.Rollback(shardCtx)
	}()

	selectQuery := fmt.Sprintf(`
		SELECT `+orderColumns+`
		FROM %s
		WHERE id = $1 AND NOT deleted
		FOR UPDATE
	`, pgx.Identifier{table}.Sanitize())

	current, err := scanOrder(tx.QueryRow(shardCtx, selectQuery, orderID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, classifyShardError(fmt.Errorf("repository: failed to select order %s for update: %w", orderID, err))
	}

	next := *current
	if err := mutate(&next); err != nil {
		return nil, fmt.Errorf("repository: mutation rejected: %w", err)
	}

	// Immutable fields.
	next.ID = current.ID
	next.UserID = current.UserID
	next.CreatedAt = current.CreatedAt

	if next.Status != current.Status {
		if !current.Status.CanTransitionTo(next.Status) {
			return nil, fmt.Errorf("repository: %s -> %s: %w", current.Status, next.Status, ErrInvalidStatusTransition)
		}
		stampStatusChange(&next)
	}
	if next.PayStatus == PayStatusPaid && next.PaidAt == nil {
		paidAt := time.Now().UTC()
		next.PaidAt = &paidAt
	}

	if err := next.ValidateAmounts(); err != nil {
		return nil, fmt.Errorf("repository: %w", err)
	}
	next.UpdatedAt = time.Now().UTC()

	updateQuery := fmt.Sprintf(`
		UPDATE %s
		SET total_amount = $2, pay_amount = $3, freight_amount = $4, discount_amount = $5,
		    pay_status = $6, status = $7, receiver_name = $8, receiver_phone = $9,
		    shipping_address = $10, updated_at = $11, paid_at = $12, shipped_at = $13,
		    completed_at = $14, cancelled_at = $15, deleted = $16
		WHERE id = $1
	`, pgx.Identifier{table}.Sanitize())

	cmdTag, err := tx.Exec(shardCtx, updateQuery,
		next.ID,
		next.TotalAmount,
		next.PayAmount,
		next.FreightAmount,
		next.DiscountAmount,
		string(next.PayStatus),
		string(next.Status),
		next.ReceiverName,
		next.ReceiverPhone,
		next.ShippingAddress,
		next.UpdatedAt,
		next.PaidAt,
		next.ShippedAt,
		next.CompletedAt,
		next.CancelledAt,
		next.Deleted,
	)
	if err != nil {
		return nil, classifyShardError(fmt.Errorf("repository: failed to update order %s: %w", orderID, err))
	}
	if cmdTag.RowsAffected() == 0 {
		return nil, ErrOrderNotFound
	}

	if err := tx.Commit(shardCtx); err != nil {
		return nil, fmt.Errorf("repository: failed to commit update of order %s: %w", orderID, err)
	}

	log.Info().
		Stringer("order_id", next.ID).
		Str("old_status", current.Status.String()).
		Str("new_status", next.Status.String()).
		Msg("repository: order updated")
	return &next, nil
}

// FindByUser targets exactly one shard because the owning user id is the
// routing key. Results are ordered by creation time descending, ties
// broken by id descending.
func (r *shardedRepository) FindByUser(ctx context.Context, userID uuid.UUID, page Page, statusFilter *Status) ([]Order, error) {
	table, err := r.shardTable(userID.String())
	if err != nil {
		return nil, err
	}

	args := []any{userID}
	filter := ""
	if statusFilter != nil {
		args = append(args, string(*statusFilter))
		filter = "AND status = $2"
	}
	args = append(args, page.size(), page.offset())

	query := fmt.Sprintf(`
		SELECT `+orderColumns+`
		FROM %s
		WHERE user_id = $1 AND NOT deleted %s
		ORDER BY created_at DESC, id DESC
		LIMIT $%d OFFSET $%d
	`, pgx.Identifier{table}.Sanitize(), filter, len(args)-1, len(args))

	shardCtx, cancel := r.shardContext(ctx)
	defer cancel()

	rows, err := r.pool.Query(shardCtx, query, args...)
	if err != nil {
		return nil, classifyShardError(fmt.Errorf("repository: failed to query orders for user %s: %w", userID, err))
	}
	defer rows.Close()

	return collectOrders(rows)
}

// ScatterGather runs the same predicate against every shard concurrently
// and merges the per-shard pages into one globally ordered page. Shards
// that fail or exceed the per-shard timeout are reported in a
// PartialResultsError carrying the rows gathered from the shards that
// answered; the caller decides whether to retry or accept partial data.
func (r *shardedRepository) ScatterGather(ctx context.Context, pred Predicate, page Page) ([]Order, error) {
	count := r.catalog.ShardCount()
	// Each shard must over-fetch up to the end of the requested window
	// for the merged page to be correct.
	perShardLimit := page.offset() + page.size()

	results := make([][]Order, count)
	failures := make([]error, count)

	var g errgroup.Group
	g.SetLimit(maxScatterConcurrency)
	for i := 0; i < count; i++ {
		i := i
		g.Go(func() error {
			shardCtx, cancel := r.shardContext(ctx)
			defer cancel()

			rows, shardErr := r.queryShard(shardCtx, i, pred, perShardLimit)
			if shardErr != nil {
				log.Warn().Err(shardErr).Int("shard_index", i).Msg("repository: scatter-gather shard failed")
				failures[i] = shardErr
				return nil
			}
			results[i] = rows
			return nil
		})
	}
	_ = g.Wait()

	var merged []Order
	for _, rows := range results {
		merged = append(merged, rows...)
	}
	sortOrders(merged)
	window := paginate(merged, page)

	var failed []int
	for i, failure := range failures {
		if failure != nil {
			failed = append(failed, i)
		}
	}
	if len(failed) > 0 {
		return nil, &PartialResultsError{Rows: window, FailedShards: failed}
	}
	return window, nil
}

func (r *shardedRepository) queryShard(ctx context.Context, index int, pred Predicate, limit int) ([]Order, error) {
	table, err := r.catalog.ShardName(index)
	if err != nil {
		return nil, err
	}

	where, args := pred.clauses()
	args = append(args, limit)

	query := fmt.Sprintf(`
		SELECT `+orderColumns+`
		FROM %s
		WHERE %s
		ORDER BY created_at DESC, id DESC
		LIMIT $%d
	`, pgx.Identifier{table}.Sanitize(), where, len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, classifyShardError(err)
	}
	defer rows.Close()

	return collectOrders(rows)
}

func (p Predicate) clauses() (string, []any) {
	where := "TRUE"
	var args []any

	add := func(clause string, value any) {
		args = append(args, value)
		where += fmt.Sprintf(" AND %s $%d", clause, len(args))
	}

	if !p.IncludeDeleted {
		where += " AND NOT deleted"
	}
	if p.UserID != nil {
		add("user_id =", *p.UserID)
	}
	if p.Status != nil {
		add("status =", string(*p.Status))
	}
	if p.PayStatus != nil {
		add("pay_status =", string(*p.PayStatus))
	}
	if p.CreatedAfter != nil {
		add("created_at >=", *p.CreatedAfter)
	}
	if p.CreatedBefore != nil {
		add("created_at <", *p.CreatedBefore)
	}
	return where, args
}

func (r *shardedRepository) shardTable(routingKey string) (string, error) {
	index, err := r.resolver.Resolve(routingKey)
	if err != nil {
		return "", err
	}
	return r.catalog.ShardName(index)
}

func (r *shardedRepository) shardContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.shardTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, r.shardTimeout)
}

func stampStatusChange(o *Order) {
	now := time.Now().UTC()
	switch o.Status {
	case StatusShipped:
		if o.ShippedAt == nil {
			o.ShippedAt = &now
		}
	case StatusCompleted:
		if o.CompletedAt == nil {
			o.CompletedAt = &now
		}
	case StatusCancelled:
		if o.CancelledAt == nil {
			o.CancelledAt = &now
		}
	}
}

// sortOrders re-sorts merged scatter-gather rows into the global page
// order: creation time descending, id bytes descending.
func sortOrders(orders []Order) {
	sort.Slice(orders, func(i, j int) bool {
		if !orders[i].CreatedAt.Equal(orders[j].CreatedAt) {
			return orders[i].CreatedAt.After(orders[j].CreatedAt)
		}
		return bytes.Compare(orders[i].ID.Bytes(), orders[j].ID.Bytes()) > 0
	})
}

func paginate(orders []Order, page Page) []Order {
	start := page.offset()
	if start >= len(orders) {
		return []Order{}
	}
	end := start + page.size()
	if end > len(orders) {
		end = len(orders)
	}
	return orders[start:end]
}

func scanOrder(row pgx.Row) (*Order, error) {
	var o Order
	err := row.Scan(
		&o.ID,
		&o.UserID,
		&o.TotalAmount,
		&o.PayAmount,
		&o.FreightAmount,
		&o.DiscountAmount,
		&o.PayStatus,
		&o.Status,
		&o.ReceiverName,
		&o.ReceiverPhone,
		&o.ShippingAddress,
		&o.CreatedAt,
		&o.UpdatedAt,
		&o.PaidAt,
		&o.ShippedAt,
		&o.CompletedAt,
		&o.CancelledAt,
		&o.Deleted,
	)
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func collectOrders(rows pgx.Rows) ([]Order, error) {
	orders := make([]Order, 0)
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("repository: failed to scan order row: %w", err)
		}
		orders = append(orders, *o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("repository: error iterating order rows: %w", err)
	}
	return orders, nil
}

// classifyShardError maps an undefined-table error onto
// ErrShardUnavailable so callers can tell "schema not replicated yet"
// apart from ordinary query failures.
func classifyShardError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UndefinedTable {
		return fmt.Errorf("%w: %s", ErrShardUnavailable, pgErr.Message)
	}
	return err
}
