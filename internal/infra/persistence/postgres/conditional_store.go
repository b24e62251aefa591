package postgres

import (
	"context"
	"database/sql"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/tradeforge/venuegate/errs"
	"github.com/tradeforge/venuegate/internal/schema"
)

// ConditionalStore persists price-triggered latent orders. Status moves are
// compare-and-set at the row level so a trigger and a cancel can race safely.
type ConditionalStore struct {
	pool *pgxpool.Pool
}

// NewConditionalStore constructs a ConditionalStore backed by the provided pool.
func NewConditionalStore(pool *pgxpool.Pool) *ConditionalStore {
	return &ConditionalStore{pool: pool}
}

const (
	conditionalInsertSQL = `
INSERT INTO conditional_orders (
    id,
    condition_type,
    condition_symbol,
    condition_price,
    order_template,
    status,
    created_at
)
VALUES (
    @id,
    @condition_type,
    @condition_symbol,
    @condition_price,
    @order_template::jsonb,
    @status,
    COALESCE(@created_at, NOW())
);
`

	conditionalSelectBase = `
SELECT
    id,
    condition_type,
    condition_symbol,
    condition_price::text,
    order_template,
    status,
    last_checked_price::text,
    last_checked_at,
    triggered_at,
    COALESCE(result_order_id, 0),
    created_at
FROM conditional_orders
`

	conditionalRecordCheckSQL = `
UPDATE conditional_orders
SET last_checked_price = $2,
    last_checked_at = $3
WHERE id = $1;
`

	conditionalTriggerSQL = `
UPDATE conditional_orders
SET status = 'TRIGGERED',
    result_order_id = $2,
    triggered_at = $3
WHERE id = $1 AND status = 'ACTIVE';
`

	conditionalCancelSQL = `
UPDATE conditional_orders
SET status = 'CANCELLED'
WHERE id = $1 AND status = 'ACTIVE';
`

	defaultConditionalLimit = 50
	maxConditionalLimit     = 500
)

// Create inserts a new conditional order record.
func (s *ConditionalStore) Create(ctx context.Context, order schema.ConditionalOrder) error {
	const op = "postgres/create_conditional"
	if strings.TrimSpace(order.ID) == "" {
		return errs.New(op, errs.CodeInvalid, errs.WithMessage("conditional order id required"))
	}
	template, err := json.Marshal(order.Template)
	if err != nil {
		return errs.New(op, errs.CodeInvalid, errs.WithMessage("encode order template"), errs.WithCause(err))
	}
	status := order.Status
	if status == "" {
		status = schema.ConditionalActive
	}
	args := pgx.NamedArgs{
		"id":               order.ID,
		"condition_type":   string(order.Condition),
		"condition_symbol": order.WatchSymbol,
		"condition_price":  order.Threshold,
		"order_template":   template,
		"status":           string(status),
		"created_at":       nullableTime(order.CreatedAt),
	}
	if _, err := s.pool.Exec(ctx, conditionalInsertSQL, args); err != nil {
		return storeErr(op, "insert conditional order", err)
	}
	return nil
}

// Get fetches one conditional order.
func (s *ConditionalStore) Get(ctx context.Context, id string) (schema.ConditionalOrder, error) {
	const op = "postgres/get_conditional"
	rows, err := s.pool.Query(ctx, conditionalSelectBase+" WHERE id = $1", id)
	if err != nil {
		return schema.ConditionalOrder{}, storeErr(op, "query conditional order", err)
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return schema.ConditionalOrder{}, storeErr(op, "iterate conditional order", err)
		}
		return schema.ConditionalOrder{}, errs.New(op, errs.CodeNotFound, errs.WithMessage("conditional order not found"))
	}
	return scanConditional(rows)
}

// List returns records filtered by status (empty means all), newest first.
func (s *ConditionalStore) List(ctx context.Context, status schema.ConditionalStatus, limit int) ([]schema.ConditionalOrder, error) {
	const op = "postgres/list_conditionals"

	builder := strings.Builder{}
	builder.WriteString(conditionalSelectBase)
	args := make([]any, 0, 2)
	if status != "" {
		builder.WriteString(" WHERE status = $1 ORDER BY created_at DESC LIMIT $2")
		args = append(args, string(status), clampLimit(limit, defaultConditionalLimit, maxConditionalLimit))
	} else {
		builder.WriteString(" ORDER BY created_at DESC LIMIT $1")
		args = append(args, clampLimit(limit, defaultConditionalLimit, maxConditionalLimit))
	}

	rows, err := s.pool.Query(ctx, builder.String(), args...)
	if err != nil {
		return nil, storeErr(op, "list conditional orders", err)
	}
	defer rows.Close()

	var orders []schema.ConditionalOrder
	for rows.Next() {
		order, err := scanConditional(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr(op, "iterate conditional orders", err)
	}
	return orders, nil
}

// ListActive snapshots every ACTIVE record for one monitor cycle.
func (s *ConditionalStore) ListActive(ctx context.Context) ([]schema.ConditionalOrder, error) {
	return s.List(ctx, schema.ConditionalActive, maxConditionalLimit)
}

// RecordCheck stamps the observed price and check time on a record.
func (s *ConditionalStore) RecordCheck(ctx context.Context, id string, price decimal.Decimal, at time.Time) error {
	const op = "postgres/record_check"
	tag, err := s.pool.Exec(ctx, conditionalRecordCheckSQL, id, price, at)
	if err != nil {
		return storeErr(op, "record check", err)
	}
	if tag.RowsAffected() == 0 {
		return errs.New(op, errs.CodeNotFound, errs.WithMessage("conditional order not found"))
	}
	return nil
}

// MarkTriggered moves an ACTIVE record to TRIGGERED, reporting false when
// another actor already moved it.
func (s *ConditionalStore) MarkTriggered(ctx context.Context, id string, orderID int64, at time.Time) (bool, error) {
	const op = "postgres/mark_triggered"
	tag, err := s.pool.Exec(ctx, conditionalTriggerSQL, id, orderID, at)
	if err != nil {
		return false, storeErr(op, "mark triggered", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Cancel moves an ACTIVE record to CANCELLED, reporting false when the record
// had already left ACTIVE.
func (s *ConditionalStore) Cancel(ctx context.Context, id string) (bool, error) {
	const op = "postgres/cancel_conditional"
	tag, err := s.pool.Exec(ctx, conditionalCancelSQL, id)
	if err != nil {
		return false, storeErr(op, "cancel conditional order", err)
	}
	return tag.RowsAffected() == 1, nil
}

func scanConditional(rows pgx.Rows) (schema.ConditionalOrder, error) {
	const op = "postgres/scan_conditional"
	var (
		order       schema.ConditionalOrder
		condition   string
		threshold   string
		template    []byte
		status      string
		lastPrice   sql.NullString
		lastChecked sql.NullTime
		triggeredAt sql.NullTime
	)
	if err := rows.Scan(
		&order.ID,
		&condition,
		&order.WatchSymbol,
		&threshold,
		&template,
		&status,
		&lastPrice,
		&lastChecked,
		&triggeredAt,
		&order.ResultOrderID,
		&order.CreatedAt,
	); err != nil {
		return schema.ConditionalOrder{}, storeErr(op, "scan conditional order", err)
	}
	order.Condition = schema.ConditionType(condition)
	order.Status = schema.ConditionalStatus(status)

	var err error
	if order.Threshold, err = parseDecimal(op, "condition_price", threshold); err != nil {
		return schema.ConditionalOrder{}, err
	}
	if order.LastPrice, err = parseNullDecimal(op, "last_checked_price", lastPrice); err != nil {
		return schema.ConditionalOrder{}, err
	}
	if lastChecked.Valid {
		order.LastCheckedAt = lastChecked.Time
	}
	if triggeredAt.Valid {
		order.TriggeredAt = triggeredAt.Time
	}
	if len(template) > 0 {
		if err := json.Unmarshal(template, &order.Template); err != nil {
			return schema.ConditionalOrder{}, storeErr(op, "decode order template", err)
		}
	}
	return order, nil
}
