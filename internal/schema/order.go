// Package schema defines the canonical domain types shared across venuegate.
package schema

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradeforge/venuegate/errs"
)

// OrderKind enumerates supported order kinds using the venue's literal codes.
type OrderKind string

const (
	OrderMarket       OrderKind = "MKT"
	OrderLimit        OrderKind = "LMT"
	OrderStop         OrderKind = "STP"
	OrderTrailingStop OrderKind = "TRAIL"
)

// OrderAction enumerates order directions.
type OrderAction string

const (
	ActionBuy  OrderAction = "BUY"
	ActionSell OrderAction = "SELL"
)

// Opposite returns the opposing action, used for bracket exit legs.
func (a OrderAction) Opposite() OrderAction {
	if a == ActionBuy {
		return ActionSell
	}
	return ActionBuy
}

// TimeInForce enumerates supported order lifetimes.
type TimeInForce string

const (
	TIFDay TimeInForce = "DAY"
	TIFGTC TimeInForce = "GTC"
	TIFIOC TimeInForce = "IOC"
	TIFGTD TimeInForce = "GTD"
	TIFFOK TimeInForce = "FOK"
)

// OrderStatus mirrors the venue's order state strings.
type OrderStatus string

const (
	StatusPendingSubmit   OrderStatus = "PendingSubmit"
	StatusSubmitted       OrderStatus = "Submitted"
	StatusPartiallyFilled OrderStatus = "PartiallyFilled"
	StatusFilled          OrderStatus = "Filled"
	StatusCancelled       OrderStatus = "Cancelled"
	StatusRejected        OrderStatus = "Rejected"
	StatusInactive        OrderStatus = "Inactive"
)

// Terminal reports whether the status admits no further transitions.
func (s OrderStatus) Terminal() bool {
	switch s {
	case StatusFilled, StatusCancelled, StatusRejected, StatusInactive:
		return true
	default:
		return false
	}
}

// Contract identifies a tradable instrument at the venue.
type Contract struct {
	Symbol   string `json:"symbol"`
	SecType  string `json:"sec_type"`
	Exchange string `json:"exchange"`
	Currency string `json:"currency"`
}

// NewStockContract returns a contract with the venue's stock routing defaults.
func NewStockContract(symbol string) Contract {
	return Contract{Symbol: symbol, SecType: "STK", Exchange: "SMART", Currency: "USD"}
}

// OrderRequest is an immutable order intent. It is validated before any venue
// call is attempted.
type OrderRequest struct {
	Symbol       string          `json:"symbol"`
	Action       OrderAction     `json:"action"`
	Quantity     decimal.Decimal `json:"quantity"`
	Kind         OrderKind       `json:"order_type"`
	LimitPrice   decimal.Decimal `json:"limit_price,omitempty"`
	StopPrice    decimal.Decimal `json:"stop_price,omitempty"`
	TrailAmount  decimal.Decimal `json:"trail_amount,omitempty"`
	TrailPercent decimal.Decimal `json:"trail_percent,omitempty"`
	TimeInForce  TimeInForce     `json:"time_in_force,omitempty"`
	Exchange     string          `json:"exchange,omitempty"`
	Currency     string          `json:"currency,omitempty"`
}

// Validate checks the intent against local rules. Failures surface as
// validation errors before the venue is contacted.
func (r OrderRequest) Validate() error {
	const op = "schema/order_request"
	if r.Symbol == "" {
		return errs.Validation(op, "symbol is required")
	}
	if r.Action != ActionBuy && r.Action != ActionSell {
		return errs.Validation(op, "action must be BUY or SELL")
	}
	if !r.Quantity.IsPositive() {
		return errs.Validation(op, "quantity must be greater than zero")
	}
	switch r.Kind {
	case OrderMarket:
	case OrderLimit:
		if r.LimitPrice.IsZero() {
			return errs.Validation(op, "limit orders require a limit price")
		}
	case OrderStop:
		if r.StopPrice.IsZero() {
			return errs.Validation(op, "stop orders require a stop price")
		}
	case OrderTrailingStop:
		hasAmount := !r.TrailAmount.IsZero()
		hasPercent := !r.TrailPercent.IsZero()
		if hasAmount == hasPercent {
			return errs.Validation(op, "trailing stops require exactly one of trail amount or trail percent")
		}
	default:
		return errs.Validation(op, "unsupported order type")
	}
	return nil
}

// Contract resolves the instrument for this request, applying stock defaults
// for unset routing fields.
func (r OrderRequest) Contract() Contract {
	c := NewStockContract(r.Symbol)
	if r.Exchange != "" {
		c.Exchange = r.Exchange
	}
	if r.Currency != "" {
		c.Currency = r.Currency
	}
	return c
}

// VenueOrder correlates a locally assigned identifier with the venue-assigned
// order id and permanent id, and tracks observed lifecycle state.
type VenueOrder struct {
	LocalID     int64           `json:"local_id"`
	VenueID     int64           `json:"venue_id"`
	PermID      int64           `json:"perm_id,omitempty"`
	Symbol      string          `json:"symbol"`
	Action      OrderAction     `json:"action"`
	Kind        OrderKind       `json:"order_type"`
	Quantity    decimal.Decimal `json:"quantity"`
	LimitPrice  decimal.Decimal `json:"limit_price,omitempty"`
	StopPrice   decimal.Decimal `json:"stop_price,omitempty"`
	TimeInForce TimeInForce     `json:"time_in_force,omitempty"`
	Status      OrderStatus     `json:"status"`
	FilledQty   decimal.Decimal `json:"filled_quantity"`
	RemainingQty decimal.Decimal `json:"remaining_quantity"`
	AvgFillPrice decimal.Decimal `json:"avg_fill_price,omitempty"`
	ParentID    int64           `json:"parent_id,omitempty"`
	OCAGroup    string          `json:"oca_group,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// CompositeKind enumerates supported multi-leg order groupings.
type CompositeKind string

const (
	CompositeBracket CompositeKind = "BRACKET"
	CompositeOCO     CompositeKind = "OCO"
)

// CompositeOrderGroup is an ordered set of linked venue orders submitted as a
// unit. For brackets the legs are entry, profit-take, stop-loss in that order
// and exactly one leg (the stop) carries the release flag; for OCO both legs
// share an OCA group token.
type CompositeOrderGroup struct {
	Kind     CompositeKind `json:"kind"`
	OCAGroup string        `json:"oca_group,omitempty"`
	Legs     []VenueOrder  `json:"legs"`
}

// Fill is an immutable execution record. ExecID is unique venue-wide; many
// fills may reference the same order.
type Fill struct {
	ExecID     string          `json:"exec_id"`
	OrderID    int64           `json:"order_id"`
	Symbol     string          `json:"symbol"`
	Side       OrderAction     `json:"side"`
	Shares     decimal.Decimal `json:"shares"`
	Price      decimal.Decimal `json:"price"`
	CumQty     decimal.Decimal `json:"cum_qty"`
	AvgPrice   decimal.Decimal `json:"avg_price"`
	Commission decimal.Decimal `json:"commission,omitempty"`
	ExecutedAt time.Time       `json:"executed_at"`
}
