package schema

import (
	"time"

	"github.com/shopspring/decimal"
)

// EventType labels events flowing over the gateway's event channels.
type EventType string

const (
	EventOrderSubmitted    EventType = "order_submitted"
	EventOrderAcknowledged EventType = "order_acknowledged"
	EventOrderPartialFill  EventType = "order_partial_fill"
	EventOrderFilled       EventType = "order_filled"
	EventOrderCancelled    EventType = "order_cancelled"
	EventOrderRejected     EventType = "order_rejected"
	EventFill              EventType = "fill"
	EventVenueError        EventType = "venue_error"
	EventDisconnected      EventType = "disconnected"
	EventTicker            EventType = "ticker"
)

// Event is the single message shape published by the connection manager and
// the order lifecycle manager. Subscribers (persistence, logging) consume it
// asynchronously; no handler mutates shared state from a callback stack.
type Event struct {
	Type EventType
	At   time.Time

	Order *VenueOrder
	Fill  *Fill

	// Venue error details, set for EventVenueError.
	VenueCode int
	Reason    string

	// Ticker details, set for EventTicker.
	Symbol string
	Price  decimal.Decimal
}
