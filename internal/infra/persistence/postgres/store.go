// Package postgres backs the domain store contracts with pgx. Decimal
// columns travel as text; the database never does money arithmetic.
package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/tradeforge/venuegate/errs"
)

// Connect opens a pgx pool against the DSN and verifies connectivity.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	const op = "postgres/connect"
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, errs.New(op, errs.CodePersistence, errs.WithMessage("invalid dsn"), errs.WithCause(err))
	}
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 15 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, errs.New(op, errs.CodePersistence, errs.WithMessage("pool creation failed"), errs.WithCause(err))
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, errs.New(op, errs.CodePersistence, errs.WithMessage("database unreachable"), errs.WithCause(err))
	}
	return pool, nil
}

func storeErr(op, msg string, cause error) error {
	return errs.New(op, errs.CodePersistence, errs.WithMessage(msg), errs.WithCause(cause))
}

// parseDecimal converts a numeric-as-text column; empty means zero.
func parseDecimal(op, field, raw string) (decimal.Decimal, error) {
	if raw == "" {
		return decimal.Zero, nil
	}
	value, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, storeErr(op, "parse "+field, err)
	}
	return value, nil
}

func parseNullDecimal(op, field string, raw sql.NullString) (decimal.Decimal, error) {
	if !raw.Valid {
		return decimal.Zero, nil
	}
	return parseDecimal(op, field, raw.String)
}

func nullableDecimal(value decimal.Decimal) any {
	if value.IsZero() {
		return nil
	}
	return value
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func nullableInt64(value int64) any {
	if value == 0 {
		return nil
	}
	return value
}

func nullableTime(value time.Time) any {
	if value.IsZero() {
		return nil
	}
	return value
}

func clampLimit(value, fallback, maximum int) int {
	if value <= 0 {
		return fallback
	}
	if value > maximum {
		return maximum
	}
	return value
}
