package orders

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/tradeforge/venuegate/internal/domain/orderstore"
	"github.com/tradeforge/venuegate/internal/schema"
	"github.com/tradeforge/venuegate/lib/async"
)

func TestRecorderPersistsOrderAndFillEvents(t *testing.T) {
	store := orderstore.NewMemoryStore()
	pool, err := async.NewPool(2, 16)
	require.NoError(t, err)

	recorder := NewRecorder(store, pool)
	events := make(chan schema.Event, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		recorder.Consume(ctx, events)
		close(done)
	}()

	now := time.Now()
	events <- schema.Event{
		Type: schema.EventOrderFilled,
		At:   now,
		Order: &schema.VenueOrder{
			LocalID:   1,
			VenueID:   101,
			Symbol:    "AAPL",
			Action:    schema.ActionBuy,
			Kind:      schema.OrderMarket,
			Quantity:  decimal.NewFromInt(10),
			Status:    schema.StatusFilled,
			CreatedAt: now,
			UpdatedAt: now,
		},
	}
	events <- schema.Event{
		Type: schema.EventFill,
		At:   now,
		Fill: &schema.Fill{
			ExecID:     "exec-1",
			OrderID:    101,
			Symbol:     "AAPL",
			Side:       schema.ActionBuy,
			Shares:     decimal.NewFromInt(10),
			Price:      decimal.NewFromInt(180),
			ExecutedAt: now,
		},
	}

	require.Eventually(t, func() bool {
		order, err := store.GetOrderByVenueID(context.Background(), 101)
		if err != nil || order.Status != schema.StatusFilled {
			return false
		}
		fills, err := store.ListFills(context.Background(), 101, 0)
		return err == nil && len(fills) == 1
	}, time.Second, 10*time.Millisecond)

	close(events)
	<-done

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Second)
	defer shutdownCancel()
	require.NoError(t, pool.Shutdown(shutdownCtx))
}

func TestRecorderIgnoresEventsWithoutPayload(t *testing.T) {
	store := orderstore.NewMemoryStore()
	pool, err := async.NewPool(1, 4)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	recorder := NewRecorder(store, pool)
	events := make(chan schema.Event, 4)
	events <- schema.Event{Type: schema.EventOrderSubmitted}
	events <- schema.Event{Type: schema.EventFill}
	events <- schema.Event{Type: schema.EventTicker, Symbol: "AAPL", Price: decimal.NewFromInt(180)}
	close(events)

	recorder.Consume(context.Background(), events)

	list, err := store.ListOrders(context.Background(), orderstore.Query{})
	require.NoError(t, err)
	require.Empty(t, list)
}
