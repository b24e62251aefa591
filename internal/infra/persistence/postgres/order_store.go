package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tradeforge/venuegate/errs"
	"github.com/tradeforge/venuegate/internal/domain/orderstore"
	"github.com/tradeforge/venuegate/internal/schema"
)

// OrderStore persists order lifecycle state.
type OrderStore struct {
	pool *pgxpool.Pool
}

// NewOrderStore constructs an OrderStore backed by the provided pool.
func NewOrderStore(pool *pgxpool.Pool) *OrderStore {
	return &OrderStore{pool: pool}
}

const (
	orderUpsertSQL = `
INSERT INTO orders (
    venue_id,
    local_id,
    perm_id,
    symbol,
    action,
    order_type,
    quantity,
    limit_price,
    stop_price,
    time_in_force,
    status,
    filled_qty,
    remaining_qty,
    avg_fill_price,
    parent_id,
    oca_group,
    created_at,
    updated_at
)
VALUES (
    @venue_id,
    @local_id,
    @perm_id,
    @symbol,
    @action,
    @order_type,
    @quantity,
    @limit_price,
    @stop_price,
    @time_in_force,
    @status,
    @filled_qty,
    @remaining_qty,
    @avg_fill_price,
    @parent_id,
    @oca_group,
    COALESCE(@created_at, NOW()),
    NOW()
)
ON CONFLICT (venue_id) DO UPDATE SET
    perm_id = COALESCE(EXCLUDED.perm_id, orders.perm_id),
    quantity = EXCLUDED.quantity,
    limit_price = EXCLUDED.limit_price,
    stop_price = EXCLUDED.stop_price,
    status = EXCLUDED.status,
    filled_qty = EXCLUDED.filled_qty,
    remaining_qty = EXCLUDED.remaining_qty,
    avg_fill_price = COALESCE(EXCLUDED.avg_fill_price, orders.avg_fill_price),
    updated_at = NOW();
`

	fillUpsertSQL = `
INSERT INTO fills (
    exec_id,
    order_id,
    symbol,
    side,
    shares,
    price,
    cum_qty,
    avg_price,
    commission,
    executed_at
)
VALUES (
    @exec_id,
    @order_id,
    @symbol,
    @side,
    @shares,
    @price,
    @cum_qty,
    @avg_price,
    @commission,
    @executed_at
)
ON CONFLICT (exec_id) DO UPDATE SET
    shares = EXCLUDED.shares,
    price = EXCLUDED.price,
    cum_qty = EXCLUDED.cum_qty,
    avg_price = EXCLUDED.avg_price,
    commission = EXCLUDED.commission;
`

	orderSelectBase = `
SELECT
    venue_id,
    local_id,
    COALESCE(perm_id, 0),
    symbol,
    action,
    order_type,
    quantity::text,
    limit_price::text,
    stop_price::text,
    COALESCE(time_in_force, ''),
    status,
    filled_qty::text,
    remaining_qty::text,
    avg_fill_price::text,
    COALESCE(parent_id, 0),
    COALESCE(oca_group, ''),
    created_at,
    updated_at
FROM orders
`

	fillSelectSQL = `
SELECT
    exec_id,
    order_id,
    symbol,
    side,
    shares::text,
    price::text,
    cum_qty::text,
    avg_price::text,
    commission::text,
    executed_at
FROM fills
WHERE order_id = $1
ORDER BY executed_at ASC
LIMIT $2;
`

	defaultOrderLimit = 50
	maxOrderLimit     = 500
	defaultFillLimit  = 100
)

type execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

type orderTx struct {
	tx    pgx.Tx
	store *OrderStore
}

func (s *OrderStore) upsertOrderWith(ctx context.Context, exec execer, order schema.VenueOrder) error {
	const op = "postgres/upsert_order"
	if order.VenueID == 0 {
		return errs.New(op, errs.CodeInvalid, errs.WithMessage("venue id required"))
	}
	args := pgx.NamedArgs{
		"venue_id":       order.VenueID,
		"local_id":       order.LocalID,
		"perm_id":        nullableInt64(order.PermID),
		"symbol":         order.Symbol,
		"action":         string(order.Action),
		"order_type":     string(order.Kind),
		"quantity":       order.Quantity,
		"limit_price":    nullableDecimal(order.LimitPrice),
		"stop_price":     nullableDecimal(order.StopPrice),
		"time_in_force":  nullableString(string(order.TimeInForce)),
		"status":         string(order.Status),
		"filled_qty":     order.FilledQty,
		"remaining_qty":  order.RemainingQty,
		"avg_fill_price": nullableDecimal(order.AvgFillPrice),
		"parent_id":      nullableInt64(order.ParentID),
		"oca_group":      nullableString(order.OCAGroup),
		"created_at":     nullableTime(order.CreatedAt),
	}
	if _, err := exec.Exec(ctx, orderUpsertSQL, args); err != nil {
		return storeErr(op, "upsert order", err)
	}
	return nil
}

func (s *OrderStore) recordFillWith(ctx context.Context, exec execer, fill schema.Fill) error {
	const op = "postgres/record_fill"
	if strings.TrimSpace(fill.ExecID) == "" {
		return errs.New(op, errs.CodeInvalid, errs.WithMessage("exec id required"))
	}
	args := pgx.NamedArgs{
		"exec_id":     fill.ExecID,
		"order_id":    fill.OrderID,
		"symbol":      fill.Symbol,
		"side":        string(fill.Side),
		"shares":      fill.Shares,
		"price":       fill.Price,
		"cum_qty":     fill.CumQty,
		"avg_price":   fill.AvgPrice,
		"commission":  nullableDecimal(fill.Commission),
		"executed_at": fill.ExecutedAt,
	}
	if _, err := exec.Exec(ctx, fillUpsertSQL, args); err != nil {
		return storeErr(op, "upsert fill", err)
	}
	return nil
}

// UpsertOrder stores or refreshes one order snapshot.
func (s *OrderStore) UpsertOrder(ctx context.Context, order schema.VenueOrder) error {
	return s.upsertOrderWith(ctx, s.pool, order)
}

// RecordFill stores one execution, replacing an earlier row with the same
// exec id.
func (s *OrderStore) RecordFill(ctx context.Context, fill schema.Fill) error {
	return s.recordFillWith(ctx, s.pool, fill)
}

// WithTransaction runs fn inside a read-committed transaction.
func (s *OrderStore) WithTransaction(ctx context.Context, fn func(context.Context, orderstore.Tx) error) error {
	const op = "postgres/order_tx"
	if fn == nil {
		return errs.New(op, errs.CodeInvalid, errs.WithMessage("transaction callback required"))
	}
	txOptions := pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	}
	tx, err := s.pool.BeginTx(ctx, txOptions)
	if err != nil {
		return storeErr(op, "begin tx", err)
	}
	wrapped := &orderTx{tx: tx, store: s}
	if runErr := fn(ctx, wrapped); runErr != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			return storeErr(op, "rollback tx", rbErr)
		}
		return runErr
	}
	if err := tx.Commit(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return storeErr(op, "commit tx", err)
	}
	return nil
}

func (t *orderTx) UpsertOrder(ctx context.Context, order schema.VenueOrder) error {
	return t.store.upsertOrderWith(ctx, t.tx, order)
}

func (t *orderTx) RecordFill(ctx context.Context, fill schema.Fill) error {
	return t.store.recordFillWith(ctx, t.tx, fill)
}

// GetOrder fetches an order by local id.
func (s *OrderStore) GetOrder(ctx context.Context, localID int64) (schema.VenueOrder, error) {
	return s.getOrder(ctx, orderSelectBase+" WHERE local_id = $1", localID)
}

// GetOrderByVenueID fetches an order by venue-assigned id.
func (s *OrderStore) GetOrderByVenueID(ctx context.Context, venueID int64) (schema.VenueOrder, error) {
	return s.getOrder(ctx, orderSelectBase+" WHERE venue_id = $1", venueID)
}

func (s *OrderStore) getOrder(ctx context.Context, query string, id int64) (schema.VenueOrder, error) {
	const op = "postgres/get_order"
	rows, err := s.pool.Query(ctx, query, id)
	if err != nil {
		return schema.VenueOrder{}, storeErr(op, "query order", err)
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return schema.VenueOrder{}, storeErr(op, "iterate order", err)
		}
		return schema.VenueOrder{}, errs.New(op, errs.CodeNotFound, errs.WithMessage("order not found"))
	}
	return scanOrder(rows)
}

// ListOrders retrieves orders matching the query, newest first.
func (s *OrderStore) ListOrders(ctx context.Context, query orderstore.Query) ([]schema.VenueOrder, error) {
	const op = "postgres/list_orders"
	limit := clampLimit(query.Limit, defaultOrderLimit, maxOrderLimit)

	builder := strings.Builder{}
	builder.WriteString(orderSelectBase)
	builder.WriteString(" WHERE 1=1")

	args := make([]any, 0, 3)
	argPos := 1
	if symbol := strings.TrimSpace(query.Symbol); symbol != "" {
		fmt.Fprintf(&builder, " AND symbol = $%d", argPos)
		args = append(args, symbol)
		argPos++
	}
	if len(query.Statuses) > 0 {
		statuses := make([]string, 0, len(query.Statuses))
		for _, status := range query.Statuses {
			statuses = append(statuses, string(status))
		}
		fmt.Fprintf(&builder, " AND status = ANY($%d)", argPos)
		args = append(args, statuses)
		argPos++
	}
	fmt.Fprintf(&builder, " ORDER BY created_at DESC LIMIT $%d", argPos)
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, builder.String(), args...)
	if err != nil {
		return nil, storeErr(op, "list orders", err)
	}
	defer rows.Close()

	var orders []schema.VenueOrder
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr(op, "iterate orders", err)
	}
	return orders, nil
}

// ListFills retrieves executions for one order, oldest first.
func (s *OrderStore) ListFills(ctx context.Context, venueID int64, limit int) ([]schema.Fill, error) {
	const op = "postgres/list_fills"
	rows, err := s.pool.Query(ctx, fillSelectSQL, venueID, clampLimit(limit, defaultFillLimit, maxOrderLimit))
	if err != nil {
		return nil, storeErr(op, "list fills", err)
	}
	defer rows.Close()

	var fills []schema.Fill
	for rows.Next() {
		var (
			fill       schema.Fill
			side       string
			shares     string
			price      string
			cumQty     string
			avgPrice   string
			commission sql.NullString
		)
		if err := rows.Scan(
			&fill.ExecID,
			&fill.OrderID,
			&fill.Symbol,
			&side,
			&shares,
			&price,
			&cumQty,
			&avgPrice,
			&commission,
			&fill.ExecutedAt,
		); err != nil {
			return nil, storeErr(op, "scan fill", err)
		}
		fill.Side = schema.OrderAction(side)
		if fill.Shares, err = parseDecimal(op, "shares", shares); err != nil {
			return nil, err
		}
		if fill.Price, err = parseDecimal(op, "price", price); err != nil {
			return nil, err
		}
		if fill.CumQty, err = parseDecimal(op, "cum_qty", cumQty); err != nil {
			return nil, err
		}
		if fill.AvgPrice, err = parseDecimal(op, "avg_price", avgPrice); err != nil {
			return nil, err
		}
		if fill.Commission, err = parseNullDecimal(op, "commission", commission); err != nil {
			return nil, err
		}
		fills = append(fills, fill)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr(op, "iterate fills", err)
	}
	return fills, nil
}

// CountOrdersSince counts orders created at or after the cutoff.
func (s *OrderStore) CountOrdersSince(ctx context.Context, since time.Time) (int, error) {
	const op = "postgres/count_orders"
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM orders WHERE created_at >= $1`, since).Scan(&count)
	if err != nil {
		return 0, storeErr(op, "count orders", err)
	}
	return count, nil
}

// NextLocalID draws the next value from the store-owned sequence.
func (s *OrderStore) NextLocalID(ctx context.Context) (int64, error) {
	const op = "postgres/next_local_id"
	var id int64
	if err := s.pool.QueryRow(ctx, `SELECT nextval('local_order_seq')`).Scan(&id); err != nil {
		return 0, storeErr(op, "next local id", err)
	}
	return id, nil
}

func scanOrder(rows pgx.Rows) (schema.VenueOrder, error) {
	const op = "postgres/scan_order"
	var (
		order        schema.VenueOrder
		action       string
		orderType    string
		quantity     string
		limitPrice   sql.NullString
		stopPrice    sql.NullString
		tif          string
		status       string
		filledQty    string
		remainingQty string
		avgFillPrice sql.NullString
	)
	if err := rows.Scan(
		&order.VenueID,
		&order.LocalID,
		&order.PermID,
		&order.Symbol,
		&action,
		&orderType,
		&quantity,
		&limitPrice,
		&stopPrice,
		&tif,
		&status,
		&filledQty,
		&remainingQty,
		&avgFillPrice,
		&order.ParentID,
		&order.OCAGroup,
		&order.CreatedAt,
		&order.UpdatedAt,
	); err != nil {
		return schema.VenueOrder{}, storeErr(op, "scan order", err)
	}
	order.Action = schema.OrderAction(action)
	order.Kind = schema.OrderKind(orderType)
	order.TimeInForce = schema.TimeInForce(tif)
	order.Status = schema.OrderStatus(status)

	var err error
	if order.Quantity, err = parseDecimal(op, "quantity", quantity); err != nil {
		return schema.VenueOrder{}, err
	}
	if order.LimitPrice, err = parseNullDecimal(op, "limit_price", limitPrice); err != nil {
		return schema.VenueOrder{}, err
	}
	if order.StopPrice, err = parseNullDecimal(op, "stop_price", stopPrice); err != nil {
		return schema.VenueOrder{}, err
	}
	if order.FilledQty, err = parseDecimal(op, "filled_qty", filledQty); err != nil {
		return schema.VenueOrder{}, err
	}
	if order.RemainingQty, err = parseDecimal(op, "remaining_qty", remainingQty); err != nil {
		return schema.VenueOrder{}, err
	}
	if order.AvgFillPrice, err = parseNullDecimal(op, "avg_fill_price", avgFillPrice); err != nil {
		return schema.VenueOrder{}, err
	}
	return order, nil
}
