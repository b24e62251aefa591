package orderstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/tradeforge/venuegate/errs"
	"github.com/tradeforge/venuegate/internal/schema"
)

const defaultListLimit = 50

// MemoryStore is an in-memory Store used by tests and sim mode.
type MemoryStore struct {
	mu     sync.RWMutex
	orders map[int64]schema.VenueOrder // keyed by venue id
	fills  map[int64][]schema.Fill
	seq    int64
}

// NewMemoryStore creates a memory-backed order store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders: make(map[int64]schema.VenueOrder),
		fills:  make(map[int64][]schema.Fill),
	}
}

// UpsertOrder stores or replaces the order snapshot keyed by venue id.
func (s *MemoryStore) UpsertOrder(ctx context.Context, order schema.VenueOrder) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.orders[order.VenueID]; ok && order.CreatedAt.IsZero() {
		order.CreatedAt = existing.CreatedAt
	}
	if order.CreatedAt.IsZero() {
		order.CreatedAt = time.Now()
	}
	order.UpdatedAt = time.Now()
	s.orders[order.VenueID] = order
	return nil
}

// RecordFill appends a fill, replacing an earlier record with the same exec id.
func (s *MemoryStore) RecordFill(ctx context.Context, fill schema.Fill) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	existing := s.fills[fill.OrderID]
	for i, f := range existing {
		if f.ExecID == fill.ExecID {
			existing[i] = fill
			return nil
		}
	}
	s.fills[fill.OrderID] = append(existing, fill)
	return nil
}

// WithTransaction runs fn against the store itself; the memory store offers
// no isolation beyond its mutex.
func (s *MemoryStore) WithTransaction(ctx context.Context, fn func(context.Context, Tx) error) error {
	if fn == nil {
		return errs.New("orderstore/memory", errs.CodeInvalid, errs.WithMessage("transaction callback required"))
	}
	return fn(ctx, s)
}

// GetOrder fetches an order by local id.
func (s *MemoryStore) GetOrder(ctx context.Context, localID int64) (schema.VenueOrder, error) {
	if err := ctxErr(ctx); err != nil {
		return schema.VenueOrder{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, order := range s.orders {
		if order.LocalID == localID {
			return order, nil
		}
	}
	return schema.VenueOrder{}, errs.New("orderstore/memory", errs.CodeNotFound, errs.WithMessage("order not found"))
}

// GetOrderByVenueID fetches an order by venue-assigned id.
func (s *MemoryStore) GetOrderByVenueID(ctx context.Context, venueID int64) (schema.VenueOrder, error) {
	if err := ctxErr(ctx); err != nil {
		return schema.VenueOrder{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	order, ok := s.orders[venueID]
	if !ok {
		return schema.VenueOrder{}, errs.New("orderstore/memory", errs.CodeNotFound, errs.WithMessage("order not found"))
	}
	return order, nil
}

// ListOrders returns orders matching the query, newest first.
func (s *MemoryStore) ListOrders(ctx context.Context, query Query) ([]schema.VenueOrder, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make([]schema.VenueOrder, 0, len(s.orders))
	for _, order := range s.orders {
		if query.Symbol != "" && order.Symbol != query.Symbol {
			continue
		}
		if len(query.Statuses) > 0 && !statusIn(order.Status, query.Statuses) {
			continue
		}
		matched = append(matched, order)
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	limit := query.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

// ListFills returns fills for an order, oldest first.
func (s *MemoryStore) ListFills(ctx context.Context, venueID int64, limit int) ([]schema.Fill, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	fills := s.fills[venueID]
	if limit <= 0 || limit > len(fills) {
		limit = len(fills)
	}
	out := make([]schema.Fill, limit)
	copy(out, fills[:limit])
	return out, nil
}

// CountOrdersSince counts orders created at or after the cutoff.
func (s *MemoryStore) CountOrdersSince(ctx context.Context, since time.Time) (int, error) {
	if err := ctxErr(ctx); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, order := range s.orders {
		if !order.CreatedAt.Before(since) {
			count++
		}
	}
	return count, nil
}

// NextLocalID increments and returns the store-owned order sequence.
func (s *MemoryStore) NextLocalID(ctx context.Context) (int64, error) {
	if err := ctxErr(ctx); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	return s.seq, nil
}

func statusIn(status schema.OrderStatus, set []schema.OrderStatus) bool {
	for _, s := range set {
		if s == status {
			return true
		}
	}
	return false
}

func ctxErr(ctx context.Context) error {
	if ctx == nil {
		return nil
	}
	select {
	case <-ctx.Done():
		return errs.New("orderstore/memory", errs.CodePersistence, errs.WithCause(ctx.Err()))
	default:
		return nil
	}
}
