package gatewayapi

import (
	"time"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/tradeforge/venuegate/internal/schema"
	"github.com/tradeforge/venuegate/internal/venue"
)

// request is a correlated command frame sent to the gateway.
type request struct {
	ID     uint64          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// response is the gateway's reply to a request, matched by id.
type response struct {
	ID     uint64          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *frameError     `json:"error,omitempty"`
}

// push is an unsolicited frame on one of the gateway's streams.
type push struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type frameError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

const (
	methodStartSession   = "startSession"
	methodPlaceOrder     = "placeOrder"
	methodCancelOrder    = "cancelOrder"
	methodTrades         = "trades"
	methodOpenTrades     = "openTrades"
	methodExecutions     = "executions"
	methodPositions      = "positions"
	methodAccountValues  = "accountValues"
	methodSubscribe      = "subscribeMarketData"
	methodUnsubscribe    = "unsubscribeMarketData"
	methodMarketDataType = "marketDataType"
	methodNextOrderID    = "nextOrderId"

	streamOrderStatus  = "orderStatus"
	streamExecution    = "execution"
	streamTicker       = "ticker"
	streamError        = "error"
	streamDisconnected = "disconnected"
)

type startSessionParams struct {
	ClientID int    `json:"clientId"`
	Account  string `json:"account,omitempty"`
}

type contractFrame struct {
	Symbol   string `json:"symbol"`
	SecType  string `json:"secType"`
	Exchange string `json:"exchange"`
	Currency string `json:"currency"`
}

type orderFrame struct {
	OrderID         int64           `json:"orderId"`
	Action          string          `json:"action"`
	TotalQuantity   decimal.Decimal `json:"totalQuantity"`
	OrderType       string          `json:"orderType"`
	LmtPrice        decimal.Decimal `json:"lmtPrice,omitempty"`
	AuxPrice        decimal.Decimal `json:"auxPrice,omitempty"`
	TrailingPercent decimal.Decimal `json:"trailingPercent,omitempty"`
	TIF             string          `json:"tif,omitempty"`
	ParentID        int64           `json:"parentId,omitempty"`
	OCAGroup        string          `json:"ocaGroup,omitempty"`
	OCAType         int             `json:"ocaType,omitempty"`
	Transmit        bool            `json:"transmit"`
}

type placeOrderParams struct {
	Contract contractFrame `json:"contract"`
	Order    orderFrame    `json:"order"`
}

type tradeFrame struct {
	Order        orderFrame      `json:"order"`
	Contract     contractFrame   `json:"contract"`
	Status       string          `json:"status"`
	Filled       decimal.Decimal `json:"filled"`
	Remaining    decimal.Decimal `json:"remaining"`
	AvgFillPrice decimal.Decimal `json:"avgFillPrice"`
	PermID       int64           `json:"permId"`
}

type executionFrame struct {
	ExecID   string          `json:"execId"`
	OrderID  int64           `json:"orderId"`
	Symbol   string          `json:"symbol"`
	Side     string          `json:"side"`
	Shares   decimal.Decimal `json:"shares"`
	Price    decimal.Decimal `json:"price"`
	CumQty   decimal.Decimal `json:"cumQty"`
	AvgPrice decimal.Decimal `json:"avgPrice"`
	Time     int64           `json:"time"`
}

type tickerFrame struct {
	Symbol string          `json:"symbol"`
	Last   decimal.Decimal `json:"last"`
}

type errorFrame struct {
	OrderID int64  `json:"orderId,omitempty"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func toContractFrame(c schema.Contract) contractFrame {
	return contractFrame{Symbol: c.Symbol, SecType: c.SecType, Exchange: c.Exchange, Currency: c.Currency}
}

func (f contractFrame) contract() schema.Contract {
	return schema.Contract{Symbol: f.Symbol, SecType: f.SecType, Exchange: f.Exchange, Currency: f.Currency}
}

func toOrderFrame(o venue.Order) orderFrame {
	return orderFrame{
		OrderID:         o.OrderID,
		Action:          string(o.Action),
		TotalQuantity:   o.Quantity,
		OrderType:       string(o.OrderType),
		LmtPrice:        o.LimitPrice,
		AuxPrice:        o.AuxPrice,
		TrailingPercent: o.TrailingPercent,
		TIF:             string(o.TimeInForce),
		ParentID:        o.ParentID,
		OCAGroup:        o.OCAGroup,
		OCAType:         o.OCAType,
		Transmit:        o.Transmit,
	}
}

func (f orderFrame) order() venue.Order {
	return venue.Order{
		OrderID:         f.OrderID,
		Action:          schema.OrderAction(f.Action),
		Quantity:        f.TotalQuantity,
		OrderType:       schema.OrderKind(f.OrderType),
		LimitPrice:      f.LmtPrice,
		AuxPrice:        f.AuxPrice,
		TrailingPercent: f.TrailingPercent,
		TimeInForce:     schema.TimeInForce(f.TIF),
		ParentID:        f.ParentID,
		OCAGroup:        f.OCAGroup,
		OCAType:         f.OCAType,
		Transmit:        f.Transmit,
	}
}

func (f executionFrame) fill() schema.Fill {
	return schema.Fill{
		ExecID:     f.ExecID,
		OrderID:    f.OrderID,
		Symbol:     f.Symbol,
		Side:       schema.OrderAction(f.Side),
		Shares:     f.Shares,
		Price:      f.Price,
		CumQty:     f.CumQty,
		AvgPrice:   f.AvgPrice,
		ExecutedAt: time.UnixMilli(f.Time),
	}
}

func (f tradeFrame) trade() venue.Trade {
	return venue.Trade{
		Order:        f.Order.order(),
		Contract:     f.Contract.contract(),
		Status:       schema.OrderStatus(f.Status),
		Filled:       f.Filled,
		Remaining:    f.Remaining,
		AvgFillPrice: f.AvgFillPrice,
		PermID:       f.PermID,
	}
}
