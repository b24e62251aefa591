// Package monitor watches price-triggered latent orders. A single cooperative
// poller snapshots ACTIVE records each cycle, evaluates their predicates
// against fresh quotes, and submits the stored order template when one fires.
// Each record is handled in isolation; one bad record never stalls a cycle.
package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc"

	"github.com/tradeforge/venuegate/errs"
	"github.com/tradeforge/venuegate/internal/domain/conditionalstore"
	"github.com/tradeforge/venuegate/internal/observability"
	"github.com/tradeforge/venuegate/internal/schema"
	"github.com/tradeforge/venuegate/internal/venue/conn"
)

// Submitter places the order template of a fired conditional.
type Submitter interface {
	Submit(ctx context.Context, req schema.OrderRequest) (schema.VenueOrder, error)
}

// CreateRequest describes a new conditional order.
type CreateRequest struct {
	Condition   schema.ConditionType `json:"condition_type"`
	WatchSymbol string               `json:"condition_symbol"`
	Threshold   decimal.Decimal      `json:"condition_price"`
	Order       schema.OrderRequest  `json:"order"`
}

// Validate rejects malformed conditional requests before persistence.
func (r CreateRequest) Validate() error {
	const op = "monitor/create_request"
	if r.Condition != schema.PriceAbove && r.Condition != schema.PriceBelow {
		return errs.Validation(op, "condition must be PRICE_ABOVE or PRICE_BELOW")
	}
	if r.WatchSymbol == "" {
		return errs.Validation(op, "condition symbol is required")
	}
	if !r.Threshold.IsPositive() {
		return errs.Validation(op, "condition price must be positive")
	}
	return r.Order.Validate()
}

// Options tunes the polling loop.
type Options struct {
	// Interval between check cycles.
	Interval time.Duration
	// PriceWait bounds how long one record waits for a first quote.
	PriceWait time.Duration
}

// Monitor runs the conditional order poller.
type Monitor struct {
	store     conditionalstore.Store
	session   *conn.Manager
	submitter Submitter
	opts      Options

	// inflight guards against a slow cycle overlapping the next one: a record
	// being evaluated is skipped by later cycles until it settles.
	inflightMu sync.Mutex
	inflight   map[string]struct{}

	wg     conc.WaitGroup
	cancel context.CancelFunc
	runMu  sync.Mutex
}

// New creates a conditional order monitor.
func New(store conditionalstore.Store, session *conn.Manager, submitter Submitter, opts Options) *Monitor {
	if opts.Interval <= 0 {
		opts.Interval = 10 * time.Second
	}
	if opts.PriceWait <= 0 || opts.PriceWait >= opts.Interval {
		opts.PriceWait = opts.Interval / 5
	}
	return &Monitor{
		store:     store,
		session:   session,
		submitter: submitter,
		opts:      opts,
		inflight:  make(map[string]struct{}),
	}
}

// Create validates and persists a new ACTIVE conditional order, then opens a
// quote stream for its watch symbol so the first cycle has a price.
func (m *Monitor) Create(ctx context.Context, req CreateRequest) (schema.ConditionalOrder, error) {
	if err := req.Validate(); err != nil {
		return schema.ConditionalOrder{}, err
	}

	order := schema.ConditionalOrder{
		ID:          uuid.NewString(),
		Condition:   req.Condition,
		WatchSymbol: req.WatchSymbol,
		Threshold:   req.Threshold,
		Template:    req.Order,
		Status:      schema.ConditionalActive,
		CreatedAt:   time.Now(),
	}
	if err := m.store.Create(ctx, order); err != nil {
		return schema.ConditionalOrder{}, err
	}

	if m.session.IsConnected() {
		contract := schema.NewStockContract(req.WatchSymbol)
		if err := m.session.Client().SubscribeMarketData(ctx, contract); err != nil {
			observability.Log().Warn("quote subscription for conditional failed",
				observability.F("symbol", req.WatchSymbol),
				observability.F("error", err.Error()))
		}
	}

	observability.Log().Info("conditional order created",
		observability.F("id", order.ID),
		observability.F("condition", string(order.Condition)),
		observability.F("symbol", order.WatchSymbol))
	return order, nil
}

// Get returns one conditional order.
func (m *Monitor) Get(ctx context.Context, id string) (schema.ConditionalOrder, error) {
	return m.store.Get(ctx, id)
}

// List returns conditional orders, optionally filtered by status.
func (m *Monitor) List(ctx context.Context, status schema.ConditionalStatus, limit int) ([]schema.ConditionalOrder, error) {
	return m.store.List(ctx, status, limit)
}

// Cancel moves an ACTIVE conditional to CANCELLED. Cancelling one that
// already triggered or was cancelled reports an order error.
func (m *Monitor) Cancel(ctx context.Context, id string) error {
	const op = "monitor/cancel"
	ok, err := m.store.Cancel(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return errs.New(op, errs.CodeOrder, errs.WithMessage("conditional order is no longer active"))
	}
	observability.Log().Info("conditional order cancelled", observability.F("id", id))
	return nil
}

// Start launches the polling loop. It returns immediately; Stop shuts the
// loop down and waits for the cycle in flight.
func (m *Monitor) Start() {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.wg.Go(func() { m.run(ctx) })
}

// Stop halts the polling loop.
func (m *Monitor) Stop() {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.cancel == nil {
		return
	}
	m.cancel()
	m.cancel = nil
	m.wg.Wait()
}

func (m *Monitor) run(ctx context.Context) {
	ticker := time.NewTicker(m.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.checkCycle(ctx)
		}
	}
}

// CheckNow runs one cycle outside the schedule, for operator-initiated
// checks. It reports how many conditionals fired.
func (m *Monitor) CheckNow(ctx context.Context) int {
	return m.checkCycle(ctx)
}

// checkCycle evaluates every ACTIVE record once. A store outage or a dead
// session skips the whole cycle; per-record failures skip only that record.
func (m *Monitor) checkCycle(ctx context.Context) int {
	if !m.session.IsConnected() {
		observability.Log().Debug("conditional cycle skipped: venue session down")
		return 0
	}
	records, err := m.store.ListActive(ctx)
	if err != nil {
		observability.Log().Warn("conditional cycle skipped: store unavailable",
			observability.F("error", err.Error()))
		return 0
	}

	triggered := 0
	for _, record := range records {
		if !m.claim(record.ID) {
			continue
		}
		fired := m.evaluate(ctx, record)
		m.release(record.ID)
		if fired {
			triggered++
		}
	}
	return triggered
}

// CheckOne evaluates a single conditional order on demand, outside the
// schedule. Only ACTIVE records are evaluated; a record the poller is
// already working on reports no trigger.
func (m *Monitor) CheckOne(ctx context.Context, id string) (bool, error) {
	const op = "monitor/check_one"
	if !m.session.IsConnected() {
		return false, errs.Connection(op, "venue session is down")
	}
	record, err := m.store.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if record.Status != schema.ConditionalActive {
		return false, errs.New(op, errs.CodeOrder, errs.WithMessage("conditional order is no longer active"))
	}
	if !m.claim(record.ID) {
		return false, nil
	}
	defer m.release(record.ID)
	return m.evaluate(ctx, record), nil
}

func (m *Monitor) claim(id string) bool {
	m.inflightMu.Lock()
	defer m.inflightMu.Unlock()
	if _, busy := m.inflight[id]; busy {
		return false
	}
	m.inflight[id] = struct{}{}
	return true
}

func (m *Monitor) release(id string) {
	m.inflightMu.Lock()
	delete(m.inflight, id)
	m.inflightMu.Unlock()
}

// evaluate checks one record and submits its template when the predicate
// holds. Reports whether the record fired.
func (m *Monitor) evaluate(ctx context.Context, record schema.ConditionalOrder) bool {
	price, ok := m.observePrice(ctx, record.WatchSymbol)
	if !ok {
		observability.Log().Debug("no quote for conditional",
			observability.F("id", record.ID),
			observability.F("symbol", record.WatchSymbol))
		return false
	}

	now := time.Now()
	if err := m.store.RecordCheck(ctx, record.ID, price, now); err != nil {
		observability.Log().Warn("recording conditional check failed",
			observability.F("id", record.ID),
			observability.F("error", err.Error()))
	}
	if !record.Met(price) {
		return false
	}

	submitted, err := m.submitter.Submit(ctx, record.Template)
	if err != nil {
		observability.Log().Error("conditional trigger submission failed",
			observability.F("id", record.ID),
			observability.F("error", err.Error()))
		return false
	}

	claimed, err := m.store.MarkTriggered(ctx, record.ID, submitted.VenueID, now)
	if err != nil {
		// The order is live at the venue; if the record stays ACTIVE the next
		// cycle would submit it again, so give the store one more chance.
		observability.Log().Warn("marking conditional triggered failed, retrying",
			observability.F("id", record.ID),
			observability.F("error", err.Error()))
		claimed, err = m.store.MarkTriggered(ctx, record.ID, submitted.VenueID, now)
	}
	if err != nil {
		observability.Log().Error("marking conditional triggered failed",
			observability.F("id", record.ID),
			observability.F("error", err.Error()))
		return true
	}
	if !claimed {
		// The record left ACTIVE between the snapshot and now, so the
		// submission raced a cancel. Unwind it.
		observability.Log().Warn("conditional cancelled mid-trigger, cancelling order",
			observability.F("id", record.ID),
			observability.F("venue_id", submitted.VenueID))
		if cancelErr := m.session.Client().CancelOrder(ctx, submitted.VenueID); cancelErr != nil {
			observability.Log().Error("unwinding raced trigger failed",
				observability.F("venue_id", submitted.VenueID),
				observability.F("error", cancelErr.Error()))
		}
		return false
	}

	observability.Telemetry().IncCounter(observability.MetricConditionalTriggers, 1)
	observability.Log().Info("conditional order triggered",
		observability.F("id", record.ID),
		observability.F("symbol", record.WatchSymbol),
		observability.F("price", price.String()),
		observability.F("venue_id", submitted.VenueID))
	return true
}

// observePrice returns the watch symbol's last quote, subscribing and waiting
// up to PriceWait for a first tick when none has arrived yet.
func (m *Monitor) observePrice(ctx context.Context, symbol string) (decimal.Decimal, bool) {
	client := m.session.Client()
	if price, ok := client.LastPrice(symbol); ok {
		return price, true
	}

	if err := client.SubscribeMarketData(ctx, schema.NewStockContract(symbol)); err != nil {
		return decimal.Zero, false
	}

	waitCtx, cancel := context.WithTimeout(ctx, m.opts.PriceWait)
	defer cancel()
	poll := time.NewTicker(50 * time.Millisecond)
	defer poll.Stop()
	for {
		select {
		case <-waitCtx.Done():
			return decimal.Zero, false
		case <-poll.C:
			if price, ok := client.LastPrice(symbol); ok {
				return price, true
			}
		}
	}
}
