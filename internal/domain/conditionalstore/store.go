// Package conditionalstore defines persistence contracts for price-triggered
// latent orders. Status transitions are compare-and-set so concurrent monitor
// cycles and cancel requests cannot both claim a record.
package conditionalstore

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradeforge/venuegate/internal/schema"
)

// Store defines the contract for conditional order persistence.
type Store interface {
	Create(ctx context.Context, order schema.ConditionalOrder) error
	Get(ctx context.Context, id string) (schema.ConditionalOrder, error)

	// List returns orders filtered by status (empty status means all), newest
	// first. A non-positive limit applies the store default.
	List(ctx context.Context, status schema.ConditionalStatus, limit int) ([]schema.ConditionalOrder, error)

	// ListActive snapshots every ACTIVE record for one monitor cycle.
	ListActive(ctx context.Context) ([]schema.ConditionalOrder, error)

	// RecordCheck stamps the latest observed price and check time on a record
	// without touching its status.
	RecordCheck(ctx context.Context, id string, price decimal.Decimal, at time.Time) error

	// MarkTriggered moves an ACTIVE record to TRIGGERED and attaches the
	// resulting order id. It returns false when the record was no longer
	// ACTIVE, which means another actor already claimed it.
	MarkTriggered(ctx context.Context, id string, orderID int64, at time.Time) (bool, error)

	// Cancel moves an ACTIVE record to CANCELLED. It returns false when the
	// record had already left the ACTIVE state.
	Cancel(ctx context.Context, id string) (bool, error)
}
