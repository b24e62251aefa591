package orders

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/tradeforge/venuegate/errs"
	"github.com/tradeforge/venuegate/internal/domain/orderstore"
	"github.com/tradeforge/venuegate/internal/observability"
	"github.com/tradeforge/venuegate/internal/schema"
	"github.com/tradeforge/venuegate/internal/venue"
	"github.com/tradeforge/venuegate/internal/venue/conn"
	"github.com/tradeforge/venuegate/internal/venue/sim"
)

// captureLogger records warning messages for assertions.
type captureLogger struct {
	mu    sync.Mutex
	warns []string
}

func (l *captureLogger) Debug(string, ...observability.Field) {}
func (l *captureLogger) Info(string, ...observability.Field)  {}
func (l *captureLogger) Error(string, ...observability.Field) {}

func (l *captureLogger) Warn(msg string, _ ...observability.Field) {
	l.mu.Lock()
	l.warns = append(l.warns, msg)
	l.mu.Unlock()
}

func (l *captureLogger) warnings() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.warns...)
}

func (l *captureLogger) hasWarn(substr string) bool {
	for _, w := range l.warnings() {
		if strings.Contains(w, substr) {
			return true
		}
	}
	return false
}

type approveAll struct{}

func (approveAll) Approve(context.Context, schema.OrderRequest) error { return nil }

type rejectAll struct{}

func (rejectAll) Approve(context.Context, schema.OrderRequest) error {
	return errs.Validation("test/approver", "rejected for test")
}

func newTestManager(t *testing.T, approver Approver) (*Manager, *sim.Client, *orderstore.MemoryStore) {
	t.Helper()
	simClient := sim.New()
	session := conn.NewManager(simClient, conn.Options{
		Session:    venue.SessionConfig{Host: "localhost", Port: 4003, ClientID: 1},
		MaxRetries: 1,
		RetryDelay: time.Millisecond,
	})
	require.NoError(t, session.Connect(context.Background()))
	t.Cleanup(func() { _ = session.Disconnect(context.Background()) })

	store := orderstore.NewMemoryStore()
	return NewManager(session, store, approver), simClient, store
}

func marketBuy(symbol string, qty int64) schema.OrderRequest {
	return schema.OrderRequest{
		Symbol:   symbol,
		Action:   schema.ActionBuy,
		Quantity: decimal.NewFromInt(qty),
		Kind:     schema.OrderMarket,
	}
}

func limitBuy(symbol string, qty, price int64) schema.OrderRequest {
	return schema.OrderRequest{
		Symbol:     symbol,
		Action:     schema.ActionBuy,
		Quantity:   decimal.NewFromInt(qty),
		Kind:       schema.OrderLimit,
		LimitPrice: decimal.NewFromInt(price),
	}
}

func TestSubmitMarketOrderFillsAndPersists(t *testing.T) {
	m, simClient, store := newTestManager(t, approveAll{})
	simClient.SetPrice("AAPL", decimal.NewFromInt(190))

	order, err := m.Submit(context.Background(), marketBuy("AAPL", 10))
	require.NoError(t, err)
	require.NotZero(t, order.VenueID)
	require.NotZero(t, order.LocalID)
	require.Equal(t, schema.StatusFilled, order.Status)
	require.True(t, order.AvgFillPrice.Equal(decimal.NewFromInt(190)))

	persisted, err := store.GetOrderByVenueID(context.Background(), order.VenueID)
	require.NoError(t, err)
	require.Equal(t, order.LocalID, persisted.LocalID)
}

func TestSubmitRejectedByRiskNeverReachesVenue(t *testing.T) {
	m, simClient, store := newTestManager(t, rejectAll{})

	_, err := m.Submit(context.Background(), marketBuy("AAPL", 10))
	require.Error(t, err)
	require.Equal(t, errs.CodeValidation, errs.CodeOf(err))

	trades, err := simClient.Trades(context.Background())
	require.NoError(t, err)
	require.Empty(t, trades)

	persisted, err := store.ListOrders(context.Background(), orderstore.Query{})
	require.NoError(t, err)
	require.Empty(t, persisted)
}

func TestSubmitInvalidRequestFailsBeforeRisk(t *testing.T) {
	m, _, _ := newTestManager(t, rejectAll{})

	req := marketBuy("AAPL", 10)
	req.Quantity = decimal.Zero
	_, err := m.Submit(context.Background(), req)
	require.Error(t, err)
	require.Equal(t, errs.CodeValidation, errs.CodeOf(err))
	require.Contains(t, err.Error(), "quantity")
}

func TestBracketStagesThreeLegsWithSingleRelease(t *testing.T) {
	m, simClient, _ := newTestManager(t, approveAll{})

	group, err := m.SubmitBracket(context.Background(), BracketRequest{
		Entry:      limitBuy("AAPL", 10, 190),
		TakeProfit: decimal.NewFromInt(200),
		StopLoss:   decimal.NewFromInt(180),
	})
	require.NoError(t, err)
	require.Equal(t, schema.CompositeBracket, group.Kind)
	require.Len(t, group.Legs, 3)

	entry, takeProfit, stopLoss := group.Legs[0], group.Legs[1], group.Legs[2]
	require.Equal(t, schema.OrderLimit, entry.Kind)
	require.Equal(t, schema.OrderLimit, takeProfit.Kind)
	require.Equal(t, schema.OrderStop, stopLoss.Kind)

	// Exit legs oppose the entry and link back to it.
	require.Equal(t, schema.ActionSell, takeProfit.Action)
	require.Equal(t, schema.ActionSell, stopLoss.Action)
	require.Equal(t, entry.VenueID, takeProfit.ParentID)
	require.Equal(t, entry.VenueID, stopLoss.ParentID)

	// Exits share the OCA group; the entry is not part of it.
	require.NotEmpty(t, group.OCAGroup)
	require.Equal(t, group.OCAGroup, takeProfit.OCAGroup)
	require.Equal(t, group.OCAGroup, stopLoss.OCAGroup)
	require.Empty(t, entry.OCAGroup)

	// The final leg released the whole group at the venue.
	trades, err := simClient.OpenTrades(context.Background())
	require.NoError(t, err)
	require.Len(t, trades, 3)
	for _, trade := range trades {
		require.Equal(t, schema.StatusSubmitted, trade.Status)
	}
}

func TestBracketValidatesExitPriceOrdering(t *testing.T) {
	m, _, _ := newTestManager(t, approveAll{})

	_, err := m.SubmitBracket(context.Background(), BracketRequest{
		Entry:      limitBuy("AAPL", 10, 190),
		TakeProfit: decimal.NewFromInt(180),
		StopLoss:   decimal.NewFromInt(200),
	})
	require.Error(t, err)
	require.Equal(t, errs.CodeValidation, errs.CodeOf(err))
}

func TestOCAGroupsAreUniquePerSubmission(t *testing.T) {
	m, _, _ := newTestManager(t, approveAll{})

	first, err := m.SubmitOCO(context.Background(),
		limitBuy("AAPL", 10, 180),
		limitBuy("AAPL", 10, 170))
	require.NoError(t, err)

	second, err := m.SubmitOCO(context.Background(),
		limitBuy("MSFT", 5, 400),
		limitBuy("MSFT", 5, 390))
	require.NoError(t, err)

	require.NotEmpty(t, first.OCAGroup)
	require.NotEqual(t, first.OCAGroup, second.OCAGroup)
	for _, leg := range first.Legs {
		require.Equal(t, first.OCAGroup, leg.OCAGroup)
	}
}

func TestOCOFillCancelsSibling(t *testing.T) {
	m, simClient, _ := newTestManager(t, approveAll{})
	simClient.SetPrice("AAPL", decimal.NewFromInt(175))

	group, err := m.SubmitOCO(context.Background(),
		limitBuy("AAPL", 10, 150),
		marketBuy("AAPL", 10))
	require.NoError(t, err)
	require.Len(t, group.Legs, 2)

	trades, err := simClient.Trades(context.Background())
	require.NoError(t, err)
	statuses := map[schema.OrderStatus]int{}
	for _, trade := range trades {
		statuses[trade.Status]++
	}
	require.Equal(t, 1, statuses[schema.StatusFilled])
	require.Equal(t, 1, statuses[schema.StatusCancelled])
}

func TestModifyOpenOrderChangesPrice(t *testing.T) {
	m, _, _ := newTestManager(t, approveAll{})

	order, err := m.Submit(context.Background(), limitBuy("AAPL", 10, 180))
	require.NoError(t, err)

	newPrice := decimal.NewFromInt(185)
	modified, err := m.Modify(context.Background(), order.VenueID, ModifyRequest{LimitPrice: &newPrice})
	require.NoError(t, err)
	require.Equal(t, order.VenueID, modified.VenueID)
	require.True(t, modified.LimitPrice.Equal(newPrice))
	require.Equal(t, order.LocalID, modified.LocalID)
}

func TestModifyWithNoChangesIsRejected(t *testing.T) {
	m, _, _ := newTestManager(t, approveAll{})

	order, err := m.Submit(context.Background(), limitBuy("AAPL", 10, 180))
	require.NoError(t, err)

	_, err = m.Modify(context.Background(), order.VenueID, ModifyRequest{})
	require.Error(t, err)
	require.Equal(t, errs.CodeValidation, errs.CodeOf(err))

	samePrice := decimal.NewFromInt(180)
	_, err = m.Modify(context.Background(), order.VenueID, ModifyRequest{LimitPrice: &samePrice})
	require.Error(t, err)
	require.Equal(t, errs.CodeValidation, errs.CodeOf(err))
}

func TestModifyTrailingStopAdjustsTrail(t *testing.T) {
	m, _, _ := newTestManager(t, approveAll{})

	order, err := m.Submit(context.Background(), schema.OrderRequest{
		Symbol:      "AAPL",
		Action:      schema.ActionSell,
		Quantity:    decimal.NewFromInt(10),
		Kind:        schema.OrderTrailingStop,
		TrailAmount: decimal.NewFromInt(5),
	})
	require.NoError(t, err)

	wider := decimal.NewFromInt(8)
	modified, err := m.Modify(context.Background(), order.VenueID, ModifyRequest{TrailAmount: &wider})
	require.NoError(t, err)
	require.True(t, modified.StopPrice.Equal(wider))

	// Resubmitting the same trail amount changes nothing.
	_, err = m.Modify(context.Background(), order.VenueID, ModifyRequest{TrailAmount: &wider})
	require.Error(t, err)
	require.Equal(t, errs.CodeValidation, errs.CodeOf(err))

	// Switching to a relative trail clears the absolute one.
	pct := decimal.NewFromInt(2)
	modified, err = m.Modify(context.Background(), order.VenueID, ModifyRequest{TrailPercent: &pct})
	require.NoError(t, err)
	require.True(t, modified.StopPrice.IsZero())
}

func TestOCOSameActionsLogConventionWarning(t *testing.T) {
	logger := &captureLogger{}
	observability.SetLogger(logger)
	t.Cleanup(func() { observability.SetLogger(nil) })

	m, _, _ := newTestManager(t, approveAll{})
	group, err := m.SubmitOCO(context.Background(),
		limitBuy("AAPL", 10, 180),
		limitBuy("AAPL", 10, 170))
	require.NoError(t, err)
	require.Len(t, group.Legs, 2)
	require.True(t, logger.hasWarn("oco legs share the same action"), "warns: %v", logger.warnings())
}

func TestModifyFilledOrderFails(t *testing.T) {
	m, simClient, _ := newTestManager(t, approveAll{})
	simClient.SetPrice("AAPL", decimal.NewFromInt(190))

	order, err := m.Submit(context.Background(), marketBuy("AAPL", 10))
	require.NoError(t, err)

	qty := decimal.NewFromInt(20)
	_, err = m.Modify(context.Background(), order.VenueID, ModifyRequest{Quantity: &qty})
	require.Error(t, err)
	require.Equal(t, errs.CodeOrder, errs.CodeOf(err))
}

func TestCancelIsIdempotent(t *testing.T) {
	m, _, _ := newTestManager(t, approveAll{})

	order, err := m.Submit(context.Background(), limitBuy("AAPL", 10, 180))
	require.NoError(t, err)

	require.NoError(t, m.Cancel(context.Background(), order.VenueID))
	// Second cancel of the now-terminal order still succeeds.
	require.NoError(t, m.Cancel(context.Background(), order.VenueID))
	// Cancelling an order the venue never saw succeeds too.
	require.NoError(t, m.Cancel(context.Background(), 99_999))
}

func TestSubmitWhileDisconnectedFails(t *testing.T) {
	m, simClient, _ := newTestManager(t, approveAll{})
	simClient.EmitDisconnect("test drop")

	require.Eventually(t, func() bool {
		_, err := m.Submit(context.Background(), marketBuy("AAPL", 1))
		return errs.IsCode(err, errs.CodeConnection)
	}, time.Second, 10*time.Millisecond)
}
