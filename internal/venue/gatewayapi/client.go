// Package gatewayapi implements the live venue session over the execution
// gateway's websocket protocol: correlated request/response frames for
// commands, push streams for order status, executions, tickers and errors.
package gatewayapi

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/tradeforge/venuegate/errs"
	"github.com/tradeforge/venuegate/internal/observability"
	"github.com/tradeforge/venuegate/internal/schema"
	"github.com/tradeforge/venuegate/internal/venue"
)

const (
	defaultCallTimeout = 10 * time.Second
	eventBuffer        = 256
)

// Client is a live venue session. A single websocket carries all traffic;
// requests are correlated by id, pushes fan out on the Events channel.
type Client struct {
	connMu    sync.RWMutex
	conn      *websocket.Conn
	connected atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc

	cfg   venue.SessionConfig
	cfgMu sync.Mutex

	reqID     atomic.Uint64
	pending   map[uint64]chan response
	pendingMu sync.Mutex

	prices  map[string]decimal.Decimal
	priceMu sync.RWMutex

	subs   map[string]schema.Contract
	subsMu sync.Mutex

	events chan schema.Event
}

// New creates an unconnected live client.
func New() *Client {
	return &Client{
		pending: make(map[uint64]chan response),
		prices:  make(map[string]decimal.Decimal),
		subs:    make(map[string]schema.Contract),
		events:  make(chan schema.Event, eventBuffer),
	}
}

// Connect dials the gateway, performs the session handshake and starts the
// read and reconnect loops. A second Connect on a live session is a no-op.
func (c *Client) Connect(ctx context.Context, cfg venue.SessionConfig) error {
	const op = "gatewayapi/connect"
	if c.connected.Load() {
		return nil
	}

	c.cfgMu.Lock()
	c.cfg = cfg
	c.cfgMu.Unlock()

	sessionCtx, cancel := context.WithCancel(context.Background())
	c.ctx = sessionCtx
	c.cancel = cancel

	conn, err := c.dial(ctx)
	if err != nil {
		cancel()
		return errs.Connection(op, "dial failed", errs.WithCause(err))
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
	c.connected.Store(true)

	go c.maintain(conn)

	if err := c.handshake(ctx); err != nil {
		_ = c.Disconnect(context.Background())
		return err
	}
	return nil
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	c.cfgMu.Lock()
	url := fmt.Sprintf("ws://%s:%d/v1/ws", c.cfg.Host, c.cfg.Port)
	c.cfgMu.Unlock()
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(1 << 22)
	return conn, nil
}

func (c *Client) handshake(ctx context.Context) error {
	c.cfgMu.Lock()
	params := startSessionParams{ClientID: c.cfg.ClientID, Account: c.cfg.Account}
	c.cfgMu.Unlock()
	if err := c.call(ctx, methodStartSession, params, nil); err != nil {
		return errs.Connection("gatewayapi/handshake", "session handshake rejected", errs.WithCause(err))
	}
	return nil
}

// maintain owns the read loop and in-session reconnection. A dropped socket
// is redialed with exponential backoff while the session context lives; each
// drop surfaces as a disconnected event so upper layers can mark state.
func (c *Client) maintain(conn *websocket.Conn) {
	backoffCfg := backoff.NewExponentialBackOff()
	for {
		err := c.readLoop(conn)
		c.connected.Store(false)
		c.failPending(err)
		if c.ctx.Err() != nil {
			return
		}
		c.emit(schema.Event{Type: schema.EventDisconnected, At: time.Now(), Reason: err.Error()})
		observability.Log().Warn("venue socket dropped", observability.F("error", err.Error()))

		for {
			if c.ctx.Err() != nil {
				return
			}
			next, dialErr := c.dial(c.ctx)
			if dialErr == nil {
				conn = next
				break
			}
			sleep := backoffCfg.NextBackOff()
			select {
			case <-c.ctx.Done():
				return
			case <-time.After(sleep):
			}
		}

		c.connMu.Lock()
		c.conn = conn
		c.connMu.Unlock()
		c.connected.Store(true)
		backoffCfg.Reset()

		reconnectCtx, cancel := context.WithTimeout(c.ctx, defaultCallTimeout)
		if err := c.handshake(reconnectCtx); err != nil {
			observability.Log().Error("session handshake after reconnect failed", observability.F("error", err.Error()))
		}
		c.resubscribe(reconnectCtx)
		cancel()
	}
}

func (c *Client) resubscribe(ctx context.Context) {
	c.subsMu.Lock()
	contracts := make([]schema.Contract, 0, len(c.subs))
	for _, contract := range c.subs {
		contracts = append(contracts, contract)
	}
	c.subsMu.Unlock()
	for _, contract := range contracts {
		if err := c.call(ctx, methodSubscribe, toContractFrame(contract), nil); err != nil {
			observability.Log().Warn("resubscribe failed",
				observability.F("symbol", contract.Symbol),
				observability.F("error", err.Error()))
		}
	}
}

func (c *Client) readLoop(conn *websocket.Conn) error {
	for {
		msgType, data, err := conn.Read(c.ctx)
		if err != nil {
			_ = conn.Close(websocket.StatusNormalClosure, "")
			return err
		}
		if msgType != websocket.MessageText {
			continue
		}

		var resp response
		if err := json.Unmarshal(data, &resp); err == nil && resp.ID > 0 {
			c.resolvePending(resp)
			continue
		}

		var p push
		if err := json.Unmarshal(data, &p); err != nil || p.Stream == "" {
			continue
		}
		c.handlePush(p)
	}
}

func (c *Client) handlePush(p push) {
	switch p.Stream {
	case streamOrderStatus:
		var frame tradeFrame
		if err := json.Unmarshal(p.Data, &frame); err != nil {
			return
		}
		trade := frame.trade()
		order := trade.ToOrder()
		c.emit(schema.Event{Type: eventForStatus(trade.Status), At: time.Now(), Order: &order})
	case streamExecution:
		var frame executionFrame
		if err := json.Unmarshal(p.Data, &frame); err != nil {
			return
		}
		fill := frame.fill()
		c.emit(schema.Event{Type: schema.EventFill, At: fill.ExecutedAt, Fill: &fill})
	case streamTicker:
		var frame tickerFrame
		if err := json.Unmarshal(p.Data, &frame); err != nil {
			return
		}
		c.priceMu.Lock()
		c.prices[frame.Symbol] = frame.Last
		c.priceMu.Unlock()
		c.emit(schema.Event{Type: schema.EventTicker, At: time.Now(), Symbol: frame.Symbol, Price: frame.Last})
	case streamError:
		var frame errorFrame
		if err := json.Unmarshal(p.Data, &frame); err != nil {
			return
		}
		c.emit(schema.Event{Type: schema.EventVenueError, At: time.Now(), VenueCode: frame.Code, Reason: frame.Message})
	case streamDisconnected:
		c.emit(schema.Event{Type: schema.EventDisconnected, At: time.Now(), Reason: "venue closed session"})
	}
}

func eventForStatus(status schema.OrderStatus) schema.EventType {
	switch status {
	case schema.StatusFilled:
		return schema.EventOrderFilled
	case schema.StatusPartiallyFilled:
		return schema.EventOrderPartialFill
	case schema.StatusCancelled, schema.StatusInactive:
		return schema.EventOrderCancelled
	case schema.StatusRejected:
		return schema.EventOrderRejected
	default:
		return schema.EventOrderAcknowledged
	}
}

// call sends a correlated request and decodes the result into out (nil out
// discards the result).
func (c *Client) call(ctx context.Context, method string, params any, out any) error {
	op := "gatewayapi/" + method

	var raw json.RawMessage
	if params != nil {
		encoded, err := json.Marshal(params)
		if err != nil {
			return errs.New(op, errs.CodeInvalid, errs.WithCause(err))
		}
		raw = encoded
	}

	id := c.reqID.Add(1)
	req := request{ID: id, Method: method, Params: raw}
	data, err := json.Marshal(req)
	if err != nil {
		return errs.New(op, errs.CodeInvalid, errs.WithCause(err))
	}

	ch := make(chan response, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	c.connMu.RLock()
	conn := c.conn
	c.connMu.RUnlock()
	if conn == nil {
		return errs.Connection(op, "not connected")
	}

	writeCtx, cancel := context.WithTimeout(ctx, defaultCallTimeout)
	err = conn.Write(writeCtx, websocket.MessageText, data)
	cancel()
	if err != nil {
		return errs.Connection(op, "write failed", errs.WithCause(err))
	}

	select {
	case <-ctx.Done():
		return errs.Connection(op, "context done", errs.WithCause(ctx.Err()))
	case resp := <-ch:
		if resp.Error != nil {
			return errs.New(op, errs.CodeOrder,
				errs.WithVenueCode(resp.Error.Code),
				errs.WithRawMessage(resp.Error.Message),
				errs.WithMessage("venue rejected request"))
		}
		if out != nil && len(resp.Result) > 0 {
			if err := json.Unmarshal(resp.Result, out); err != nil {
				return errs.New(op, errs.CodeInvalid, errs.WithCause(err))
			}
		}
		return nil
	}
}

func (c *Client) resolvePending(resp response) {
	c.pendingMu.Lock()
	ch, ok := c.pending[resp.ID]
	delete(c.pending, resp.ID)
	c.pendingMu.Unlock()
	if ok {
		ch <- resp
	}
}

// failPending answers every in-flight call with a connection error so callers
// do not hang across a socket drop.
func (c *Client) failPending(cause error) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for id, ch := range c.pending {
		select {
		case ch <- response{ID: id, Error: &frameError{Message: "connection lost: " + cause.Error()}}:
		default:
		}
		delete(c.pending, id)
	}
}

// Disconnect tears down the session.
func (c *Client) Disconnect(ctx context.Context) error {
	if c.cancel != nil {
		c.cancel()
	}
	c.connMu.Lock()
	if c.conn != nil {
		_ = c.conn.Close(websocket.StatusNormalClosure, "shutdown")
		c.conn = nil
	}
	c.connMu.Unlock()
	c.connected.Store(false)
	return nil
}

// IsConnected reports whether the socket is live.
func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

// PlaceOrder submits or modifies an order at the venue.
func (c *Client) PlaceOrder(ctx context.Context, contract schema.Contract, order venue.Order) (venue.Trade, error) {
	params := placeOrderParams{Contract: toContractFrame(contract), Order: toOrderFrame(order)}
	var frame tradeFrame
	if err := c.call(ctx, methodPlaceOrder, params, &frame); err != nil {
		return venue.Trade{}, err
	}
	return frame.trade(), nil
}

// CancelOrder requests cancellation of an open order.
func (c *Client) CancelOrder(ctx context.Context, orderID int64) error {
	return c.call(ctx, methodCancelOrder, map[string]int64{"orderId": orderID}, nil)
}

// Trades returns every trade the session knows about.
func (c *Client) Trades(ctx context.Context) ([]venue.Trade, error) {
	return c.fetchTrades(ctx, methodTrades)
}

// OpenTrades returns trades not yet terminal.
func (c *Client) OpenTrades(ctx context.Context) ([]venue.Trade, error) {
	return c.fetchTrades(ctx, methodOpenTrades)
}

func (c *Client) fetchTrades(ctx context.Context, method string) ([]venue.Trade, error) {
	var frames []tradeFrame
	if err := c.call(ctx, method, nil, &frames); err != nil {
		return nil, err
	}
	trades := make([]venue.Trade, 0, len(frames))
	for _, f := range frames {
		trades = append(trades, f.trade())
	}
	return trades, nil
}

// Fills returns the session's execution history.
func (c *Client) Fills(ctx context.Context) ([]schema.Fill, error) {
	var frames []executionFrame
	if err := c.call(ctx, methodExecutions, nil, &frames); err != nil {
		return nil, err
	}
	fills := make([]schema.Fill, 0, len(frames))
	for _, f := range frames {
		fills = append(fills, f.fill())
	}
	return fills, nil
}

// Positions returns current venue positions.
func (c *Client) Positions(ctx context.Context) ([]schema.Position, error) {
	var positions []schema.Position
	if err := c.call(ctx, methodPositions, nil, &positions); err != nil {
		return nil, err
	}
	return positions, nil
}

// AccountValues returns the raw account feed.
func (c *Client) AccountValues(ctx context.Context) ([]schema.AccountValue, error) {
	var values []schema.AccountValue
	if err := c.call(ctx, methodAccountValues, nil, &values); err != nil {
		return nil, err
	}
	return values, nil
}

// SubscribeMarketData opens a quote stream for the contract and remembers it
// for resubscription after reconnects.
func (c *Client) SubscribeMarketData(ctx context.Context, contract schema.Contract) error {
	if err := c.call(ctx, methodSubscribe, toContractFrame(contract), nil); err != nil {
		return errs.New("gatewayapi/subscribe", errs.CodeMarketData,
			errs.WithMessage("subscription failed"), errs.WithCause(err))
	}
	c.subsMu.Lock()
	c.subs[contract.Symbol] = contract
	c.subsMu.Unlock()
	return nil
}

// UnsubscribeMarketData closes the quote stream for a contract.
func (c *Client) UnsubscribeMarketData(ctx context.Context, contract schema.Contract) error {
	c.subsMu.Lock()
	delete(c.subs, contract.Symbol)
	c.subsMu.Unlock()
	return c.call(ctx, methodUnsubscribe, toContractFrame(contract), nil)
}

// SetMarketDataType selects the quote feed mode for the session.
func (c *Client) SetMarketDataType(ctx context.Context, mode venue.MarketDataType) error {
	return c.call(ctx, methodMarketDataType, map[string]int{"type": int(mode)}, nil)
}

// LastPrice returns the most recent ticker price for a symbol.
func (c *Client) LastPrice(symbol string) (decimal.Decimal, bool) {
	c.priceMu.RLock()
	defer c.priceMu.RUnlock()
	price, ok := c.prices[symbol]
	return price, ok
}

// NextOrderID reserves the next venue order id.
func (c *Client) NextOrderID(ctx context.Context) (int64, error) {
	var result struct {
		OrderID int64 `json:"orderId"`
	}
	if err := c.call(ctx, methodNextOrderID, nil, &result); err != nil {
		return 0, err
	}
	if result.OrderID <= 0 {
		return 0, errs.New("gatewayapi/next_order_id", errs.CodeInvalid, errs.WithMessage("venue returned non-positive order id"))
	}
	return result.OrderID, nil
}

// Events exposes the session push feed.
func (c *Client) Events() <-chan schema.Event {
	return c.events
}

func (c *Client) emit(ev schema.Event) {
	select {
	case c.events <- ev:
	default:
	}
}

var _ venue.Client = (*Client)(nil)
