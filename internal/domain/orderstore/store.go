// Package orderstore defines persistence contracts for order lifecycle state.
package orderstore

import (
	"context"
	"time"

	"github.com/tradeforge/venuegate/internal/schema"
)

// Query scopes order lookups. A zero Limit applies the store default.
type Query struct {
	Symbol   string
	Statuses []schema.OrderStatus
	Limit    int
}

// Tx groups the write operations that participate in a transaction. The risk
// check and order insertion share one transaction boundary so an approved but
// unrecorded order is never visible.
type Tx interface {
	UpsertOrder(ctx context.Context, order schema.VenueOrder) error
	RecordFill(ctx context.Context, fill schema.Fill) error
}

// Store defines the contract for order persistence. Orders, fills and their
// timestamps are an audit cache; the venue remains authoritative.
type Store interface {
	Tx

	WithTransaction(ctx context.Context, fn func(context.Context, Tx) error) error

	GetOrder(ctx context.Context, localID int64) (schema.VenueOrder, error)
	GetOrderByVenueID(ctx context.Context, venueID int64) (schema.VenueOrder, error)
	ListOrders(ctx context.Context, query Query) ([]schema.VenueOrder, error)
	ListFills(ctx context.Context, venueID int64, limit int) ([]schema.Fill, error)

	// CountOrdersSince reports orders created at or after the cutoff; the risk
	// engine uses it for the trailing rate window.
	CountOrdersSince(ctx context.Context, since time.Time) (int, error)

	// NextLocalID returns the next value of the store-owned monotonic order
	// sequence. Concurrent callers never observe the same value.
	NextLocalID(ctx context.Context) (int64, error)
}
