// Package sim provides an in-process venue session. It fills market orders
// immediately at the last published price, holds limit and stop orders open,
// and honors OCA group cancellation, which gives tests and dry runs the same
// surface the live gateway exposes.
package sim

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tradeforge/venuegate/errs"
	"github.com/tradeforge/venuegate/internal/schema"
	"github.com/tradeforge/venuegate/internal/venue"
)

const eventBuffer = 256

// Client is a simulated venue session.
type Client struct {
	mu          sync.Mutex
	connected   bool
	nextID      int64
	trades      map[int64]venue.Trade
	fills       []schema.Fill
	prices      map[string]decimal.Decimal
	subscribed  map[string]int
	positions   map[string]schema.Position
	account     string
	cash        decimal.Decimal
	dataType    venue.MarketDataType
	events      chan schema.Event
	failConnect error
}

// New creates a simulated venue seeded with a cash balance.
func New() *Client {
	return &Client{
		nextID:     1,
		trades:     make(map[int64]venue.Trade),
		prices:     make(map[string]decimal.Decimal),
		subscribed: make(map[string]int),
		positions:  make(map[string]schema.Position),
		cash:       decimal.NewFromInt(1_000_000),
		dataType:   venue.MarketDataLive,
		events:     make(chan schema.Event, eventBuffer),
	}
}

// FailConnectWith makes subsequent Connect calls fail with err until reset.
func (c *Client) FailConnectWith(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failConnect = err
}

// Reset clears all session state, keeping published prices.
func (c *Client) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	c.nextID = 1
	c.trades = make(map[int64]venue.Trade)
	c.fills = nil
	c.subscribed = make(map[string]int)
	c.positions = make(map[string]schema.Position)
	c.failConnect = nil
}

// Connect opens the simulated session.
func (c *Client) Connect(ctx context.Context, cfg venue.SessionConfig) error {
	if err := ctx.Err(); err != nil {
		return errs.Connection("sim/connect", "context done", errs.WithCause(err))
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failConnect != nil {
		return c.failConnect
	}
	c.connected = true
	c.account = cfg.Account
	if c.account == "" {
		c.account = "SIM000001"
	}
	return nil
}

// Disconnect closes the simulated session.
func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	return nil
}

// IsConnected reports session state.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// SetPrice publishes a quote and emits a ticker event. Subscribed or not, the
// price becomes the symbol's last price.
func (c *Client) SetPrice(symbol string, price decimal.Decimal) {
	c.mu.Lock()
	c.prices[symbol] = price
	c.mu.Unlock()
	c.emit(schema.Event{Type: schema.EventTicker, At: time.Now(), Symbol: symbol, Price: price})
}

// LastPrice returns the most recent quote for a symbol.
func (c *Client) LastPrice(symbol string) (decimal.Decimal, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	price, ok := c.prices[symbol]
	return price, ok
}

// NextOrderID reserves the next simulated order id.
func (c *Client) NextOrderID(ctx context.Context) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return 0, errs.Connection("sim/next_order_id", "not connected")
	}
	id := c.nextID
	c.nextID++
	return id, nil
}

// PlaceOrder accepts an order and simulates its lifecycle. Market orders with
// Transmit set fill immediately at the last price; staged or resting orders
// acknowledge and stay open.
func (c *Client) PlaceOrder(ctx context.Context, contract schema.Contract, order venue.Order) (venue.Trade, error) {
	const op = "sim/place_order"
	if err := ctx.Err(); err != nil {
		return venue.Trade{}, errs.New(op, errs.CodeOrder, errs.WithCause(err))
	}
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return venue.Trade{}, errs.Connection(op, "not connected")
	}
	if order.OrderID == 0 {
		order.OrderID = c.nextID
		c.nextID++
	}
	trade := venue.Trade{
		Order:     order,
		Contract:  contract,
		Status:    schema.StatusSubmitted,
		Remaining: order.Quantity,
		PermID:    order.OrderID + 1_000_000,
	}
	if !order.Transmit {
		trade.Status = schema.StatusPendingSubmit
	}
	c.trades[order.OrderID] = trade

	// Releasing the final leg of a linked group releases the staged parent
	// and its other children.
	if order.Transmit && order.ParentID != 0 {
		c.releaseGroupLocked(order.ParentID)
	}
	c.mu.Unlock()

	c.emit(orderEvent(schema.EventOrderAcknowledged, trade))

	if order.Transmit && order.OrderType == schema.OrderMarket {
		return c.fill(trade)
	}
	return trade, nil
}

// releaseGroupLocked flips the staged parent and every staged child of it to
// Submitted, walking further up the parent chain if the parent is itself a
// child.
func (c *Client) releaseGroupLocked(parentID int64) {
	if trade, ok := c.trades[parentID]; ok && trade.Status == schema.StatusPendingSubmit {
		trade.Status = schema.StatusSubmitted
		c.trades[parentID] = trade
		if trade.Order.ParentID != 0 {
			c.releaseGroupLocked(trade.Order.ParentID)
		}
	}
	for id, trade := range c.trades {
		if trade.Order.ParentID == parentID && trade.Status == schema.StatusPendingSubmit {
			trade.Status = schema.StatusSubmitted
			c.trades[id] = trade
		}
	}
}

func (c *Client) fill(trade venue.Trade) (venue.Trade, error) {
	c.mu.Lock()
	symbol := trade.Contract.Symbol
	price, ok := c.prices[symbol]
	if !ok {
		price = decimal.NewFromInt(100)
	}
	trade.Status = schema.StatusFilled
	trade.Filled = trade.Order.Quantity
	trade.Remaining = decimal.Zero
	trade.AvgFillPrice = price
	c.trades[trade.Order.OrderID] = trade

	fill := schema.Fill{
		ExecID:     uuid.NewString(),
		OrderID:    trade.Order.OrderID,
		Symbol:     symbol,
		Side:       trade.Order.Action,
		Shares:     trade.Order.Quantity,
		Price:      price,
		CumQty:     trade.Order.Quantity,
		AvgPrice:   price,
		ExecutedAt: time.Now(),
	}
	c.fills = append(c.fills, fill)
	c.applyFillLocked(fill)
	c.cancelOCASiblingsLocked(trade.Order)
	c.mu.Unlock()

	c.emit(schema.Event{Type: schema.EventFill, At: fill.ExecutedAt, Fill: &fill})
	c.emit(orderEvent(schema.EventOrderFilled, trade))
	return trade, nil
}

func (c *Client) applyFillLocked(fill schema.Fill) {
	pos := c.positions[fill.Symbol]
	pos.Account = c.account
	pos.Symbol = fill.Symbol
	pos.SecType = "STK"
	pos.Currency = "USD"
	delta := fill.Shares
	if fill.Side == schema.ActionSell {
		delta = delta.Neg()
	}
	pos.Size = pos.Size.Add(delta)
	pos.AvgCost = fill.Price
	pos.MarketPrice = fill.Price
	pos.MarketValue = pos.Size.Mul(fill.Price)
	pos.SnapshotAt = fill.ExecutedAt
	if pos.Size.IsZero() {
		delete(c.positions, fill.Symbol)
	} else {
		c.positions[fill.Symbol] = pos
	}
	c.cash = c.cash.Sub(delta.Mul(fill.Price))
}

// cancelOCASiblingsLocked cancels every open order sharing the filled order's
// OCA group.
func (c *Client) cancelOCASiblingsLocked(filled venue.Order) {
	if filled.OCAGroup == "" {
		return
	}
	for id, trade := range c.trades {
		if id == filled.OrderID || trade.Order.OCAGroup != filled.OCAGroup {
			continue
		}
		if trade.Status.Terminal() {
			continue
		}
		trade.Status = schema.StatusCancelled
		c.trades[id] = trade
		go c.emit(orderEvent(schema.EventOrderCancelled, trade))
	}
}

// CancelOrder cancels an open order. Cancelling an unknown or terminal order
// reports an order error with the venue's "not found" texture.
func (c *Client) CancelOrder(ctx context.Context, orderID int64) error {
	const op = "sim/cancel_order"
	c.mu.Lock()
	trade, ok := c.trades[orderID]
	if !ok {
		c.mu.Unlock()
		return errs.New(op, errs.CodeNotFound, errs.WithMessage(fmt.Sprintf("order %d not found", orderID)))
	}
	if trade.Status.Terminal() {
		c.mu.Unlock()
		return errs.New(op, errs.CodeOrder, errs.WithMessage("order already in terminal state"))
	}
	trade.Status = schema.StatusCancelled
	c.trades[orderID] = trade
	c.mu.Unlock()

	c.emit(orderEvent(schema.EventOrderCancelled, trade))
	return nil
}

// Trades returns all known trades.
func (c *Client) Trades(ctx context.Context) ([]venue.Trade, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]venue.Trade, 0, len(c.trades))
	for _, t := range c.trades {
		out = append(out, t)
	}
	return out, nil
}

// OpenTrades returns trades not yet in a terminal state.
func (c *Client) OpenTrades(ctx context.Context) ([]venue.Trade, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]venue.Trade, 0, len(c.trades))
	for _, t := range c.trades {
		if !t.Status.Terminal() {
			out = append(out, t)
		}
	}
	return out, nil
}

// Fills returns all executions in arrival order.
func (c *Client) Fills(ctx context.Context) ([]schema.Fill, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]schema.Fill, len(c.fills))
	copy(out, c.fills)
	return out, nil
}

// Positions returns current simulated positions.
func (c *Client) Positions(ctx context.Context) ([]schema.Position, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]schema.Position, 0, len(c.positions))
	for _, p := range c.positions {
		out = append(out, p)
	}
	return out, nil
}

// AccountValues reports the simulated account feed.
func (c *Client) AccountValues(ctx context.Context) ([]schema.AccountValue, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	gross := decimal.Zero
	unrealized := decimal.Zero
	for _, p := range c.positions {
		gross = gross.Add(p.MarketValue.Abs())
		unrealized = unrealized.Add(p.UnrealizedPnL)
	}
	net := c.cash.Add(gross)
	return []schema.AccountValue{
		{Tag: schema.TagNetLiquidation, Value: net.String(), Currency: "USD"},
		{Tag: schema.TagTotalCashValue, Value: c.cash.String(), Currency: "USD"},
		{Tag: schema.TagBuyingPower, Value: net.Mul(decimal.NewFromInt(4)).String(), Currency: "USD"},
		{Tag: schema.TagGrossPositionValue, Value: gross.String(), Currency: "USD"},
		{Tag: schema.TagUnrealizedPnL, Value: unrealized.String(), Currency: "USD"},
		{Tag: schema.TagAvailableFunds, Value: c.cash.String(), Currency: "USD"},
	}, nil
}

// SubscribeMarketData registers interest in a symbol's quotes.
func (c *Client) SubscribeMarketData(ctx context.Context, contract schema.Contract) error {
	symbol := strings.ToUpper(contract.Symbol)
	if symbol == "" {
		return errs.New("sim/subscribe", errs.CodeMarketData, errs.WithMessage("symbol required"))
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribed[symbol]++
	return nil
}

// UnsubscribeMarketData drops one subscription reference for a symbol.
func (c *Client) UnsubscribeMarketData(ctx context.Context, contract schema.Contract) error {
	symbol := strings.ToUpper(contract.Symbol)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subscribed[symbol] > 0 {
		c.subscribed[symbol]--
		if c.subscribed[symbol] == 0 {
			delete(c.subscribed, symbol)
		}
	}
	return nil
}

// SetMarketDataType records the requested feed mode.
func (c *Client) SetMarketDataType(ctx context.Context, mode venue.MarketDataType) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dataType = mode
	return nil
}

// Events exposes the simulated push feed.
func (c *Client) Events() <-chan schema.Event {
	return c.events
}

// EmitDisconnect simulates a venue-initiated session drop.
func (c *Client) EmitDisconnect(reason string) {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	c.emit(schema.Event{Type: schema.EventDisconnected, At: time.Now(), Reason: reason})
}

func (c *Client) emit(ev schema.Event) {
	select {
	case c.events <- ev:
	default:
		// Slow consumers drop events rather than block the venue.
	}
}

func orderEvent(typ schema.EventType, trade venue.Trade) schema.Event {
	order := trade.ToOrder()
	return schema.Event{Type: typ, At: time.Now(), Order: &order}
}
