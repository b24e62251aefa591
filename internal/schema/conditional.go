package schema

import (
	"time"

	"github.com/shopspring/decimal"
)

// ConditionType enumerates price trigger predicates.
type ConditionType string

const (
	// PriceAbove triggers when the observed price is at or above the threshold.
	PriceAbove ConditionType = "PRICE_ABOVE"
	// PriceBelow triggers when the observed price is at or below the threshold.
	PriceBelow ConditionType = "PRICE_BELOW"
)

// ConditionalStatus enumerates conditional order states. ACTIVE is the only
// non-terminal state; TRIGGERED and CANCELLED admit no further transitions.
type ConditionalStatus string

const (
	ConditionalActive    ConditionalStatus = "ACTIVE"
	ConditionalTriggered ConditionalStatus = "TRIGGERED"
	ConditionalCancelled ConditionalStatus = "CANCELLED"
)

// ConditionalOrder is a latent order submitted when a price condition is met.
// The monitor owns all mutations except user cancellation.
type ConditionalOrder struct {
	ID            string            `json:"id"`
	Condition     ConditionType     `json:"condition_type"`
	WatchSymbol   string            `json:"condition_symbol"`
	Threshold     decimal.Decimal   `json:"condition_price"`
	Template      OrderRequest      `json:"order"`
	Status        ConditionalStatus `json:"status"`
	LastPrice     decimal.Decimal   `json:"last_checked_price,omitempty"`
	LastCheckedAt time.Time         `json:"last_checked_at,omitempty"`
	TriggeredAt   time.Time         `json:"triggered_at,omitempty"`
	ResultOrderID int64             `json:"executed_order_id,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
}

// Met evaluates the trigger predicate against an observed price. Both
// predicates include the threshold itself.
func (c ConditionalOrder) Met(observed decimal.Decimal) bool {
	switch c.Condition {
	case PriceAbove:
		return observed.GreaterThanOrEqual(c.Threshold)
	case PriceBelow:
		return observed.LessThanOrEqual(c.Threshold)
	default:
		return false
	}
}
