// Package venue abstracts the brokerage venue session. Two implementations
// exist: gatewayapi speaks the live gateway's websocket protocol, sim is an
// in-process venue for tests and dry runs.
package venue

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/tradeforge/venuegate/internal/schema"
)

// Order is the wire-level order shape accepted by a venue session. It mirrors
// the venue's own field vocabulary; higher layers build it from an
// schema.OrderRequest.
type Order struct {
	OrderID         int64
	Action          schema.OrderAction
	Quantity        decimal.Decimal
	OrderType       schema.OrderKind
	LimitPrice      decimal.Decimal
	AuxPrice        decimal.Decimal
	TrailingPercent decimal.Decimal
	TimeInForce     schema.TimeInForce
	ParentID        int64
	OCAGroup        string
	OCAType         int
	// Transmit releases the order for execution. Linked legs are staged with
	// Transmit false and released atomically by the final leg.
	Transmit bool
}

// Trade pairs an order with its venue-observed execution state.
type Trade struct {
	Order        Order
	Contract     schema.Contract
	Status       schema.OrderStatus
	Filled       decimal.Decimal
	Remaining    decimal.Decimal
	AvgFillPrice decimal.Decimal
	PermID       int64
}

// ToOrder projects the trade into the persisted order shape.
func (t Trade) ToOrder() schema.VenueOrder {
	return schema.VenueOrder{
		VenueID:      t.Order.OrderID,
		PermID:       t.PermID,
		Symbol:       t.Contract.Symbol,
		Action:       t.Order.Action,
		Kind:         t.Order.OrderType,
		Quantity:     t.Order.Quantity,
		LimitPrice:   t.Order.LimitPrice,
		StopPrice:    t.Order.AuxPrice,
		TimeInForce:  t.Order.TimeInForce,
		Status:       t.Status,
		FilledQty:    t.Filled,
		RemainingQty: t.Remaining,
		AvgFillPrice: t.AvgFillPrice,
		ParentID:     t.Order.ParentID,
		OCAGroup:     t.Order.OCAGroup,
	}
}

// MarketDataType selects the venue's quote feed mode.
type MarketDataType int

const (
	MarketDataLive    MarketDataType = 1
	MarketDataFrozen  MarketDataType = 2
	MarketDataDelayed MarketDataType = 3
)

// SessionConfig carries venue session parameters.
type SessionConfig struct {
	Host     string
	Port     int
	ClientID int
	Account  string
}

// Client is a single venue session. Implementations are safe for concurrent
// use; all blocking calls honor context cancellation.
type Client interface {
	Connect(ctx context.Context, cfg SessionConfig) error
	Disconnect(ctx context.Context) error
	IsConnected() bool

	// PlaceOrder submits or modifies an order. Resubmitting with an existing
	// venue order id modifies that order in place.
	PlaceOrder(ctx context.Context, contract schema.Contract, order Order) (Trade, error)
	CancelOrder(ctx context.Context, orderID int64) error

	// Trades returns every trade the session knows about, open and closed.
	Trades(ctx context.Context) ([]Trade, error)
	OpenTrades(ctx context.Context) ([]Trade, error)
	Fills(ctx context.Context) ([]schema.Fill, error)

	Positions(ctx context.Context) ([]schema.Position, error)
	AccountValues(ctx context.Context) ([]schema.AccountValue, error)

	SubscribeMarketData(ctx context.Context, contract schema.Contract) error
	UnsubscribeMarketData(ctx context.Context, contract schema.Contract) error
	SetMarketDataType(ctx context.Context, mode MarketDataType) error

	// LastPrice returns the most recent observed price for a subscribed
	// symbol. The boolean reports whether a quote has arrived yet.
	LastPrice(symbol string) (decimal.Decimal, bool)

	// NextOrderID reserves the next venue order id for this session.
	NextOrderID(ctx context.Context) (int64, error)

	// Events exposes the session's push feed: order status transitions,
	// fills, venue errors, tickers and disconnects.
	Events() <-chan schema.Event
}
