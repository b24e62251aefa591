// Package orders implements order lifecycle management: submission of simple
// and linked orders, in-place modification, and idempotent cancellation. All
// venue dispatch is paced through the session manager; local validation and
// risk approval happen before any venue call.
package orders

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradeforge/venuegate/errs"
	"github.com/tradeforge/venuegate/internal/domain/orderstore"
	"github.com/tradeforge/venuegate/internal/observability"
	"github.com/tradeforge/venuegate/internal/schema"
	"github.com/tradeforge/venuegate/internal/venue"
	"github.com/tradeforge/venuegate/internal/venue/conn"
)

// Approver gates order intents before they reach the venue. The risk engine
// implements it; rejections surface as validation errors carrying the failed
// check's reason.
type Approver interface {
	Approve(ctx context.Context, req schema.OrderRequest) error
}

// BracketRequest describes an entry order with linked exit legs. Exit prices
// are absolute, not offsets.
type BracketRequest struct {
	Entry      schema.OrderRequest
	TakeProfit decimal.Decimal
	StopLoss   decimal.Decimal
}

// Validate checks leg coherence before any leg is staged.
func (r BracketRequest) Validate() error {
	const op = "orders/bracket_request"
	if err := r.Entry.Validate(); err != nil {
		return err
	}
	if !r.TakeProfit.IsPositive() || !r.StopLoss.IsPositive() {
		return errs.Validation(op, "bracket exits require positive take profit and stop loss prices")
	}
	if r.Entry.Action == schema.ActionBuy && r.TakeProfit.LessThanOrEqual(r.StopLoss) {
		return errs.Validation(op, "buy bracket requires take profit above stop loss")
	}
	if r.Entry.Action == schema.ActionSell && r.TakeProfit.GreaterThanOrEqual(r.StopLoss) {
		return errs.Validation(op, "sell bracket requires take profit below stop loss")
	}
	return nil
}

// ModifyRequest carries the mutable fields of an open order. Nil fields are
// left unchanged; a request changing nothing is rejected.
type ModifyRequest struct {
	Quantity     *decimal.Decimal
	LimitPrice   *decimal.Decimal
	StopPrice    *decimal.Decimal
	TrailAmount  *decimal.Decimal
	TrailPercent *decimal.Decimal
}

func (r ModifyRequest) empty() bool {
	return r.Quantity == nil && r.LimitPrice == nil && r.StopPrice == nil &&
		r.TrailAmount == nil && r.TrailPercent == nil
}

const eventBuffer = 256

// Manager drives the order lifecycle against one venue session.
type Manager struct {
	session  *conn.Manager
	store    orderstore.Store
	approver Approver
	events   chan schema.Event
}

// NewManager creates an order lifecycle manager.
func NewManager(session *conn.Manager, store orderstore.Store, approver Approver) *Manager {
	return &Manager{
		session:  session,
		store:    store,
		approver: approver,
		events:   make(chan schema.Event, eventBuffer),
	}
}

// Events exposes lifecycle events for asynchronous consumers.
func (m *Manager) Events() <-chan schema.Event {
	return m.events
}

// Submit validates, risk-checks and places a single order. The venue is not
// contacted unless both local validation and risk approval pass.
func (m *Manager) Submit(ctx context.Context, req schema.OrderRequest) (schema.VenueOrder, error) {
	const op = "orders/submit"

	if err := req.Validate(); err != nil {
		return schema.VenueOrder{}, err
	}
	if m.approver != nil {
		if err := m.approver.Approve(ctx, req); err != nil {
			observability.Telemetry().IncCounter(observability.MetricOrdersRejected, 1)
			return schema.VenueOrder{}, err
		}
	}
	if !m.session.IsConnected() {
		return schema.VenueOrder{}, errs.Connection(op, "venue session is down")
	}

	localID, err := m.store.NextLocalID(ctx)
	if err != nil {
		return schema.VenueOrder{}, err
	}

	trade, err := m.place(ctx, req.Contract(), m.toVenueOrder(req, 0, true))
	if err != nil {
		observability.Telemetry().IncCounter(observability.MetricOrdersRejected, 1)
		return schema.VenueOrder{}, err
	}

	order := trade.ToOrder()
	order.LocalID = localID
	m.persist(ctx, op, order)
	m.emit(schema.Event{Type: schema.EventOrderSubmitted, At: time.Now(), Order: &order})
	observability.Telemetry().IncCounter(observability.MetricOrdersSubmitted, 1)
	observability.Log().Info("order submitted",
		observability.F("local_id", localID),
		observability.F("venue_id", order.VenueID),
		observability.F("symbol", order.Symbol),
		observability.F("type", string(order.Kind)))
	return order, nil
}

// SubmitBracket stages an entry with linked take-profit and stop-loss exits.
// Legs are placed entry, take-profit, stop-loss; only the final leg carries
// the release flag, so the venue activates all three atomically. The exits
// share an OCA group so one filling cancels the other.
func (m *Manager) SubmitBracket(ctx context.Context, req BracketRequest) (schema.CompositeOrderGroup, error) {
	const op = "orders/submit_bracket"

	if err := req.Validate(); err != nil {
		return schema.CompositeOrderGroup{}, err
	}
	if m.approver != nil {
		if err := m.approver.Approve(ctx, req.Entry); err != nil {
			observability.Telemetry().IncCounter(observability.MetricOrdersRejected, 1)
			return schema.CompositeOrderGroup{}, err
		}
	}
	if !m.session.IsConnected() {
		return schema.CompositeOrderGroup{}, errs.Connection(op, "venue session is down")
	}

	ocaGroup, err := m.nextOCAGroup(ctx)
	if err != nil {
		return schema.CompositeOrderGroup{}, err
	}
	contract := req.Entry.Contract()
	exit := req.Entry.Action.Opposite()

	entryID, err := m.nextVenueID(ctx)
	if err != nil {
		return schema.CompositeOrderGroup{}, err
	}

	entry := m.toVenueOrder(req.Entry, entryID, false)

	takeProfit := venue.Order{
		Action:      exit,
		Quantity:    req.Entry.Quantity,
		OrderType:   schema.OrderLimit,
		LimitPrice:  req.TakeProfit,
		TimeInForce: req.Entry.TimeInForce,
		ParentID:    entryID,
		OCAGroup:    ocaGroup,
		OCAType:     1,
		Transmit:    false,
	}
	stopLoss := venue.Order{
		Action:      exit,
		Quantity:    req.Entry.Quantity,
		OrderType:   schema.OrderStop,
		AuxPrice:    req.StopLoss,
		TimeInForce: req.Entry.TimeInForce,
		ParentID:    entryID,
		OCAGroup:    ocaGroup,
		OCAType:     1,
		Transmit:    true,
	}

	group := schema.CompositeOrderGroup{Kind: schema.CompositeBracket, OCAGroup: ocaGroup}
	for _, leg := range []venue.Order{entry, takeProfit, stopLoss} {
		trade, err := m.place(ctx, contract, leg)
		if err != nil {
			m.abandonLegs(ctx, group.Legs)
			observability.Telemetry().IncCounter(observability.MetricOrdersRejected, 1)
			return schema.CompositeOrderGroup{}, err
		}
		order := trade.ToOrder()
		if localID, idErr := m.store.NextLocalID(ctx); idErr == nil {
			order.LocalID = localID
		}
		m.persist(ctx, op, order)
		m.emit(schema.Event{Type: schema.EventOrderSubmitted, At: time.Now(), Order: &order})
		group.Legs = append(group.Legs, order)
	}

	observability.Telemetry().IncCounter(observability.MetricOrdersSubmitted, float64(len(group.Legs)))
	observability.Log().Info("bracket submitted",
		observability.F("entry_id", entryID),
		observability.F("oca_group", ocaGroup),
		observability.F("symbol", contract.Symbol))
	return group, nil
}

// SubmitOCO places two independent orders bound by one OCA group: the venue
// cancels the survivor when either fills.
func (m *Manager) SubmitOCO(ctx context.Context, first, second schema.OrderRequest) (schema.CompositeOrderGroup, error) {
	const op = "orders/submit_oco"

	for _, req := range []schema.OrderRequest{first, second} {
		if err := req.Validate(); err != nil {
			return schema.CompositeOrderGroup{}, err
		}
		if m.approver != nil {
			if err := m.approver.Approve(ctx, req); err != nil {
				observability.Telemetry().IncCounter(observability.MetricOrdersRejected, 1)
				return schema.CompositeOrderGroup{}, err
			}
		}
	}
	if !m.session.IsConnected() {
		return schema.CompositeOrderGroup{}, errs.Connection(op, "venue session is down")
	}
	if first.Action == second.Action {
		// Tolerated, but OCO legs conventionally take opposite sides.
		observability.Log().Warn("oco legs share the same action",
			observability.F("action", string(first.Action)),
			observability.F("symbols", first.Symbol+","+second.Symbol))
	}

	ocaGroup, err := m.nextOCAGroup(ctx)
	if err != nil {
		return schema.CompositeOrderGroup{}, err
	}

	group := schema.CompositeOrderGroup{Kind: schema.CompositeOCO, OCAGroup: ocaGroup}
	for _, req := range []schema.OrderRequest{first, second} {
		order := m.toVenueOrder(req, 0, true)
		order.OCAGroup = ocaGroup
		order.OCAType = 1
		trade, err := m.place(ctx, req.Contract(), order)
		if err != nil {
			m.abandonLegs(ctx, group.Legs)
			observability.Telemetry().IncCounter(observability.MetricOrdersRejected, 1)
			return schema.CompositeOrderGroup{}, err
		}
		persisted := trade.ToOrder()
		if localID, idErr := m.store.NextLocalID(ctx); idErr == nil {
			persisted.LocalID = localID
		}
		m.persist(ctx, op, persisted)
		m.emit(schema.Event{Type: schema.EventOrderSubmitted, At: time.Now(), Order: &persisted})
		group.Legs = append(group.Legs, persisted)
	}

	observability.Telemetry().IncCounter(observability.MetricOrdersSubmitted, float64(len(group.Legs)))
	observability.Log().Info("oco pair submitted", observability.F("oca_group", ocaGroup))
	return group, nil
}

// Modify resubmits an open order with changed fields. The order is resolved
// against the venue's full trade set so recently closed orders produce a
// precise error instead of a venue rejection. A request that changes nothing
// is rejected locally.
func (m *Manager) Modify(ctx context.Context, venueID int64, req ModifyRequest) (schema.VenueOrder, error) {
	const op = "orders/modify"

	if req.empty() {
		return schema.VenueOrder{}, errs.Validation(op, "modification changes nothing")
	}
	if !m.session.IsConnected() {
		return schema.VenueOrder{}, errs.Connection(op, "venue session is down")
	}

	trade, err := m.findTrade(ctx, venueID)
	if err != nil {
		return schema.VenueOrder{}, err
	}
	if trade.Status.Terminal() {
		return schema.VenueOrder{}, errs.New(op, errs.CodeOrder,
			errs.WithMessage(fmt.Sprintf("order %d is %s and cannot be modified", venueID, trade.Status)))
	}

	order := trade.Order
	changed := false
	if req.Quantity != nil && !req.Quantity.Equal(order.Quantity) {
		if !req.Quantity.IsPositive() {
			return schema.VenueOrder{}, errs.Validation(op, "quantity must be greater than zero")
		}
		order.Quantity = *req.Quantity
		changed = true
	}
	if req.LimitPrice != nil && !req.LimitPrice.Equal(order.LimitPrice) {
		order.LimitPrice = *req.LimitPrice
		changed = true
	}
	if req.StopPrice != nil && !req.StopPrice.Equal(order.AuxPrice) {
		order.AuxPrice = *req.StopPrice
		changed = true
	}
	// Trailing stops ride AuxPrice for an absolute trail and TrailingPercent
	// for a relative one, matching the shape they were submitted with.
	if req.TrailAmount != nil && !req.TrailAmount.Equal(order.AuxPrice) {
		if !req.TrailAmount.IsPositive() {
			return schema.VenueOrder{}, errs.Validation(op, "trail amount must be greater than zero")
		}
		order.AuxPrice = *req.TrailAmount
		order.TrailingPercent = decimal.Zero
		changed = true
	}
	if req.TrailPercent != nil && !req.TrailPercent.Equal(order.TrailingPercent) {
		if !req.TrailPercent.IsPositive() {
			return schema.VenueOrder{}, errs.Validation(op, "trail percent must be greater than zero")
		}
		order.TrailingPercent = *req.TrailPercent
		order.AuxPrice = decimal.Zero
		changed = true
	}
	if !changed {
		return schema.VenueOrder{}, errs.Validation(op, "modification changes nothing")
	}
	order.Transmit = true

	modified, err := m.place(ctx, trade.Contract, order)
	if err != nil {
		return schema.VenueOrder{}, err
	}

	persisted := modified.ToOrder()
	if prior, getErr := m.store.GetOrderByVenueID(ctx, venueID); getErr == nil {
		persisted.LocalID = prior.LocalID
		persisted.CreatedAt = prior.CreatedAt
	}
	m.persist(ctx, op, persisted)
	observability.Log().Info("order modified", observability.F("venue_id", venueID))
	return persisted, nil
}

// Cancel requests cancellation of an order. Cancelling an order the venue no
// longer knows, or one already terminal, succeeds without a venue call:
// cancellation is idempotent.
func (m *Manager) Cancel(ctx context.Context, venueID int64) error {
	const op = "orders/cancel"

	if !m.session.IsConnected() {
		return errs.Connection(op, "venue session is down")
	}

	trade, err := m.findTrade(ctx, venueID)
	if err != nil {
		if errs.IsCode(err, errs.CodeNotFound) {
			observability.Log().Info("cancel for unknown order treated as done", observability.F("venue_id", venueID))
			return nil
		}
		return err
	}
	if trade.Status.Terminal() {
		return nil
	}

	if err := m.session.Pace(ctx); err != nil {
		return err
	}
	if err := m.session.Client().CancelOrder(ctx, venueID); err != nil {
		return err
	}
	observability.Log().Info("cancel requested", observability.F("venue_id", venueID))
	return nil
}

// Get returns the persisted view of an order by venue id.
func (m *Manager) Get(ctx context.Context, venueID int64) (schema.VenueOrder, error) {
	return m.store.GetOrderByVenueID(ctx, venueID)
}

// List returns persisted orders matching the query.
func (m *Manager) List(ctx context.Context, query orderstore.Query) ([]schema.VenueOrder, error) {
	return m.store.ListOrders(ctx, query)
}

// Fills returns persisted executions for an order.
func (m *Manager) Fills(ctx context.Context, venueID int64, limit int) ([]schema.Fill, error) {
	return m.store.ListFills(ctx, venueID, limit)
}

func (m *Manager) place(ctx context.Context, contract schema.Contract, order venue.Order) (venue.Trade, error) {
	if err := m.session.Pace(ctx); err != nil {
		return venue.Trade{}, err
	}
	return m.session.Client().PlaceOrder(ctx, contract, order)
}

// findTrade resolves a venue id against the full trade set, open and closed.
func (m *Manager) findTrade(ctx context.Context, venueID int64) (venue.Trade, error) {
	if err := m.session.Pace(ctx); err != nil {
		return venue.Trade{}, err
	}
	trades, err := m.session.Client().Trades(ctx)
	if err != nil {
		return venue.Trade{}, err
	}
	for _, trade := range trades {
		if trade.Order.OrderID == venueID {
			return trade, nil
		}
	}
	return venue.Trade{}, errs.New("orders/find_trade", errs.CodeNotFound,
		errs.WithMessage(fmt.Sprintf("order %d not found at venue", venueID)))
}

func (m *Manager) nextVenueID(ctx context.Context) (int64, error) {
	if err := m.session.Pace(ctx); err != nil {
		return 0, err
	}
	return m.session.Client().NextOrderID(ctx)
}

// nextOCAGroup derives a session-unique group token from the store-owned
// sequence so tokens never repeat across restarts.
func (m *Manager) nextOCAGroup(ctx context.Context) (string, error) {
	seq, err := m.store.NextLocalID(ctx)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("OCA-%d", seq), nil
}

// abandonLegs best-effort cancels already placed legs after a partial group
// failure. Staged legs were never released, so this only matters for legs the
// venue acknowledged.
func (m *Manager) abandonLegs(ctx context.Context, legs []schema.VenueOrder) {
	for _, leg := range legs {
		if err := m.session.Client().CancelOrder(ctx, leg.VenueID); err != nil {
			observability.Log().Warn("abandoning leg failed",
				observability.F("venue_id", leg.VenueID),
				observability.F("error", err.Error()))
		}
	}
}

func (m *Manager) persist(ctx context.Context, op string, order schema.VenueOrder) {
	err := m.store.WithTransaction(ctx, func(ctx context.Context, tx orderstore.Tx) error {
		return tx.UpsertOrder(ctx, order)
	})
	if err != nil {
		// The venue accepted the order; a persistence failure must not fail
		// the submission.
		observability.Log().Error("order persistence failed",
			observability.F("op", op),
			observability.F("venue_id", order.VenueID),
			observability.F("error", err.Error()))
	}
}

func (m *Manager) toVenueOrder(req schema.OrderRequest, orderID int64, transmit bool) venue.Order {
	order := venue.Order{
		OrderID:     orderID,
		Action:      req.Action,
		Quantity:    req.Quantity,
		OrderType:   req.Kind,
		TimeInForce: req.TimeInForce,
		Transmit:    transmit,
	}
	switch req.Kind {
	case schema.OrderLimit:
		order.LimitPrice = req.LimitPrice
	case schema.OrderStop:
		order.AuxPrice = req.StopPrice
	case schema.OrderTrailingStop:
		if !req.TrailAmount.IsZero() {
			order.AuxPrice = req.TrailAmount
		} else {
			order.TrailingPercent = req.TrailPercent
		}
	}
	return order
}

// emit hands a lifecycle event to the async consumer. The venue stays the
// source of truth, so a dropped event costs a stale cache row, not an order;
// it is still counted so the gap is visible.
func (m *Manager) emit(ev schema.Event) {
	select {
	case m.events <- ev:
	default:
		observability.Telemetry().IncCounter(observability.MetricEventsDropped, 1)
		observability.Log().Warn("lifecycle event dropped, consumer lagging",
			observability.F("type", string(ev.Type)))
	}
}
