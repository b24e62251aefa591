// Package accountstore defines persistence contracts for venue-reported
// account state. Rows are point-in-time mirrors written on each refresh; the
// venue remains the source of truth.
package accountstore

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradeforge/venuegate/internal/schema"
)

// Store defines the contract for position and account snapshot persistence.
type Store interface {
	UpsertPositions(ctx context.Context, positions []schema.Position) error

	// LatestPosition returns the most recent snapshot row for a symbol. The
	// boolean reports whether any row exists.
	LatestPosition(ctx context.Context, symbol string) (schema.Position, bool, error)

	// RecentPositionValue sums the absolute market value of positions whose
	// snapshot is at or after the cutoff. The risk engine feeds it into the
	// leverage projection.
	RecentPositionValue(ctx context.Context, since time.Time) (decimal.Decimal, error)

	InsertSnapshot(ctx context.Context, snapshot schema.AccountSnapshot) error

	// LatestSnapshot returns the newest account snapshot taken at or after
	// since; a zero since places no lower bound.
	LatestSnapshot(ctx context.Context, since time.Time) (schema.AccountSnapshot, bool, error)
}
