package orders

import (
	"context"

	"github.com/tradeforge/venuegate/internal/domain/orderstore"
	"github.com/tradeforge/venuegate/internal/observability"
	"github.com/tradeforge/venuegate/internal/schema"
	"github.com/tradeforge/venuegate/lib/async"
)

// Recorder drains gateway event channels and persists order state and fills
// through a worker pool, keeping persistence latency off the event path. The
// venue stays authoritative; a dropped write costs a stale cache row, not an
// order.
type Recorder struct {
	store orderstore.Store
	pool  *async.Pool
}

// NewRecorder creates a recorder writing through the given store and pool.
func NewRecorder(store orderstore.Store, pool *async.Pool) *Recorder {
	return &Recorder{store: store, pool: pool}
}

// Consume processes events until the channel closes or ctx is cancelled.
// Run it on its own goroutine, one per event channel.
func (r *Recorder) Consume(ctx context.Context, events <-chan schema.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			r.record(ctx, ev)
		}
	}
}

func (r *Recorder) record(ctx context.Context, ev schema.Event) {
	switch ev.Type {
	case schema.EventFill:
		if ev.Fill == nil {
			return
		}
		fill := *ev.Fill
		r.submit(ctx, func(taskCtx context.Context) error {
			return r.store.RecordFill(taskCtx, fill)
		})
	case schema.EventVenueError:
		observability.Log().Warn("venue error",
			observability.F("venueCode", ev.VenueCode),
			observability.F("reason", ev.Reason))
	case schema.EventDisconnected:
		observability.Log().Warn("venue session dropped")
	case schema.EventTicker:
		// Price ticks are consumed inline by the monitor; nothing to persist.
	default:
		if ev.Order == nil {
			return
		}
		order := *ev.Order
		r.submit(ctx, func(taskCtx context.Context) error {
			return r.store.WithTransaction(taskCtx, func(txCtx context.Context, tx orderstore.Tx) error {
				return tx.UpsertOrder(txCtx, order)
			})
		})
	}
}

func (r *Recorder) submit(ctx context.Context, task async.Task) {
	if err := r.pool.Submit(ctx, task); err != nil {
		observability.Log().Warn("event persistence task rejected",
			observability.F("error", err.Error()))
	}
}
