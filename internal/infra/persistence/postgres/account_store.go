package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/tradeforge/venuegate/errs"
	"github.com/tradeforge/venuegate/internal/schema"
)

// AccountStore persists position and account snapshot rows.
type AccountStore struct {
	pool *pgxpool.Pool
}

// NewAccountStore constructs an AccountStore backed by the provided pool.
func NewAccountStore(pool *pgxpool.Pool) *AccountStore {
	return &AccountStore{pool: pool}
}

const (
	positionInsertSQL = `
INSERT INTO positions (
    account,
    symbol,
    sec_type,
    currency,
    position_size,
    avg_cost,
    market_price,
    market_value,
    unrealized_pnl,
    realized_pnl,
    snapshot_at
)
VALUES (
    @account,
    @symbol,
    @sec_type,
    @currency,
    @position_size,
    @avg_cost,
    @market_price,
    @market_value,
    @unrealized_pnl,
    @realized_pnl,
    COALESCE(@snapshot_at, NOW())
);
`

	positionSelectSQL = `
SELECT
    account,
    symbol,
    sec_type,
    currency,
    position_size::text,
    avg_cost::text,
    market_price::text,
    market_value::text,
    unrealized_pnl::text,
    realized_pnl::text,
    snapshot_at
FROM positions
WHERE symbol = $1
ORDER BY snapshot_at DESC
LIMIT 1;
`

	recentPositionValueSQL = `
SELECT COALESCE(SUM(ABS(latest.market_value)), 0)::text
FROM (
    SELECT DISTINCT ON (symbol) market_value
    FROM positions
    WHERE snapshot_at >= $1
    ORDER BY symbol, snapshot_at DESC
) AS latest;
`

	snapshotInsertSQL = `
INSERT INTO account_snapshots (
    account,
    net_liquidation,
    total_cash_value,
    buying_power,
    gross_position_value,
    unrealized_pnl,
    realized_pnl,
    daily_pnl,
    available_funds,
    excess_liquidity,
    snapshot_at
)
VALUES (
    @account,
    @net_liquidation,
    @total_cash_value,
    @buying_power,
    @gross_position_value,
    @unrealized_pnl,
    @realized_pnl,
    @daily_pnl,
    @available_funds,
    @excess_liquidity,
    COALESCE(@snapshot_at, NOW())
);
`

	snapshotSelectSQL = `
SELECT
    account,
    net_liquidation::text,
    total_cash_value::text,
    buying_power::text,
    gross_position_value::text,
    unrealized_pnl::text,
    realized_pnl::text,
    daily_pnl::text,
    available_funds::text,
    excess_liquidity::text,
    snapshot_at
FROM account_snapshots
WHERE ($1::timestamptz IS NULL OR snapshot_at >= $1)
ORDER BY snapshot_at DESC
LIMIT 1;
`
)

// UpsertPositions appends a snapshot row per position.
func (s *AccountStore) UpsertPositions(ctx context.Context, positions []schema.Position) error {
	const op = "postgres/upsert_positions"
	for _, p := range positions {
		args := pgx.NamedArgs{
			"account":        p.Account,
			"symbol":         p.Symbol,
			"sec_type":       p.SecType,
			"currency":       p.Currency,
			"position_size":  p.Size,
			"avg_cost":       p.AvgCost,
			"market_price":   nullableDecimal(p.MarketPrice),
			"market_value":   nullableDecimal(p.MarketValue),
			"unrealized_pnl": nullableDecimal(p.UnrealizedPnL),
			"realized_pnl":   nullableDecimal(p.RealizedPnL),
			"snapshot_at":    nullableTime(p.SnapshotAt),
		}
		if _, err := s.pool.Exec(ctx, positionInsertSQL, args); err != nil {
			return storeErr(op, "insert position", err)
		}
	}
	return nil
}

// LatestPosition returns the newest snapshot row for a symbol.
func (s *AccountStore) LatestPosition(ctx context.Context, symbol string) (schema.Position, bool, error) {
	const op = "postgres/latest_position"
	rows, err := s.pool.Query(ctx, positionSelectSQL, symbol)
	if err != nil {
		return schema.Position{}, false, storeErr(op, "query position", err)
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return schema.Position{}, false, storeErr(op, "iterate position", err)
		}
		return schema.Position{}, false, nil
	}

	var (
		p          schema.Position
		size       string
		avgCost    string
		mktPrice   sql.NullString
		mktValue   sql.NullString
		unrealized sql.NullString
		realized   sql.NullString
	)
	if err := rows.Scan(&p.Account, &p.Symbol, &p.SecType, &p.Currency,
		&size, &avgCost, &mktPrice, &mktValue, &unrealized, &realized, &p.SnapshotAt); err != nil {
		return schema.Position{}, false, storeErr(op, "scan position", err)
	}
	if p.Size, err = parseDecimal(op, "position_size", size); err != nil {
		return schema.Position{}, false, err
	}
	if p.AvgCost, err = parseDecimal(op, "avg_cost", avgCost); err != nil {
		return schema.Position{}, false, err
	}
	if p.MarketPrice, err = parseNullDecimal(op, "market_price", mktPrice); err != nil {
		return schema.Position{}, false, err
	}
	if p.MarketValue, err = parseNullDecimal(op, "market_value", mktValue); err != nil {
		return schema.Position{}, false, err
	}
	if p.UnrealizedPnL, err = parseNullDecimal(op, "unrealized_pnl", unrealized); err != nil {
		return schema.Position{}, false, err
	}
	if p.RealizedPnL, err = parseNullDecimal(op, "realized_pnl", realized); err != nil {
		return schema.Position{}, false, err
	}
	return p, true, nil
}

// RecentPositionValue sums the absolute market value of the newest row per
// symbol at or after the cutoff.
func (s *AccountStore) RecentPositionValue(ctx context.Context, since time.Time) (decimal.Decimal, error) {
	const op = "postgres/recent_position_value"
	var raw string
	if err := s.pool.QueryRow(ctx, recentPositionValueSQL, since).Scan(&raw); err != nil {
		return decimal.Zero, storeErr(op, "sum position value", err)
	}
	return parseDecimal(op, "market_value", raw)
}

// InsertSnapshot appends one account snapshot row.
func (s *AccountStore) InsertSnapshot(ctx context.Context, snapshot schema.AccountSnapshot) error {
	const op = "postgres/insert_snapshot"
	if snapshot.Account == "" {
		return errs.New(op, errs.CodeInvalid, errs.WithMessage("account required"))
	}
	args := pgx.NamedArgs{
		"account":              snapshot.Account,
		"net_liquidation":      snapshot.NetLiquidation,
		"total_cash_value":     snapshot.TotalCashValue,
		"buying_power":         snapshot.BuyingPower,
		"gross_position_value": snapshot.GrossPositionValue,
		"unrealized_pnl":       snapshot.UnrealizedPnL,
		"realized_pnl":         snapshot.RealizedPnL,
		"daily_pnl":            snapshot.DailyPnL,
		"available_funds":      snapshot.AvailableFunds,
		"excess_liquidity":     snapshot.ExcessLiquidity,
		"snapshot_at":          nullableTime(snapshot.SnapshotAt),
	}
	if _, err := s.pool.Exec(ctx, snapshotInsertSQL, args); err != nil {
		return storeErr(op, "insert snapshot", err)
	}
	return nil
}

// LatestSnapshot returns the newest snapshot at or after since; zero since
// places no bound.
func (s *AccountStore) LatestSnapshot(ctx context.Context, since time.Time) (schema.AccountSnapshot, bool, error) {
	const op = "postgres/latest_snapshot"
	var sinceArg any
	if !since.IsZero() {
		sinceArg = since
	}
	rows, err := s.pool.Query(ctx, snapshotSelectSQL, sinceArg)
	if err != nil {
		return schema.AccountSnapshot{}, false, storeErr(op, "query snapshot", err)
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return schema.AccountSnapshot{}, false, storeErr(op, "iterate snapshot", err)
		}
		return schema.AccountSnapshot{}, false, nil
	}

	var (
		snap   schema.AccountSnapshot
		fields [9]string
	)
	if err := rows.Scan(&snap.Account,
		&fields[0], &fields[1], &fields[2], &fields[3], &fields[4],
		&fields[5], &fields[6], &fields[7], &fields[8], &snap.SnapshotAt); err != nil {
		return schema.AccountSnapshot{}, false, storeErr(op, "scan snapshot", err)
	}
	targets := []*decimal.Decimal{
		&snap.NetLiquidation, &snap.TotalCashValue, &snap.BuyingPower,
		&snap.GrossPositionValue, &snap.UnrealizedPnL, &snap.RealizedPnL,
		&snap.DailyPnL, &snap.AvailableFunds, &snap.ExcessLiquidity,
	}
	for i, target := range targets {
		if *target, err = parseDecimal(op, "snapshot field", fields[i]); err != nil {
			return schema.AccountSnapshot{}, false, err
		}
	}
	return snap, true, nil
}
