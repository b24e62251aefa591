package conditionalstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradeforge/venuegate/errs"
	"github.com/tradeforge/venuegate/internal/schema"
)

const defaultListLimit = 50

// MemoryStore is an in-memory Store used by tests and sim mode.
type MemoryStore struct {
	mu     sync.RWMutex
	orders map[string]schema.ConditionalOrder
}

// NewMemoryStore creates a memory-backed conditional order store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{orders: make(map[string]schema.ConditionalOrder)}
}

// Create inserts a new conditional order record.
func (s *MemoryStore) Create(ctx context.Context, order schema.ConditionalOrder) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orders[order.ID]; ok {
		return errs.New("conditionalstore/memory", errs.CodeInvalid, errs.WithMessage("conditional order id already exists"))
	}
	if order.CreatedAt.IsZero() {
		order.CreatedAt = time.Now()
	}
	if order.Status == "" {
		order.Status = schema.ConditionalActive
	}
	s.orders[order.ID] = order
	return nil
}

// Get fetches a conditional order by id.
func (s *MemoryStore) Get(ctx context.Context, id string) (schema.ConditionalOrder, error) {
	if err := ctxErr(ctx); err != nil {
		return schema.ConditionalOrder{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	order, ok := s.orders[id]
	if !ok {
		return schema.ConditionalOrder{}, errs.New("conditionalstore/memory", errs.CodeNotFound, errs.WithMessage("conditional order not found"))
	}
	return order, nil
}

// List returns orders matching the status filter, newest first.
func (s *MemoryStore) List(ctx context.Context, status schema.ConditionalStatus, limit int) ([]schema.ConditionalOrder, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make([]schema.ConditionalOrder, 0, len(s.orders))
	for _, order := range s.orders {
		if status != "" && order.Status != status {
			continue
		}
		matched = append(matched, order)
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	if limit <= 0 {
		limit = defaultListLimit
	}
	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

// ListActive snapshots every ACTIVE record.
func (s *MemoryStore) ListActive(ctx context.Context) ([]schema.ConditionalOrder, error) {
	s.mu.RLock()
	limit := len(s.orders) + 1
	s.mu.RUnlock()
	return s.List(ctx, schema.ConditionalActive, limit)
}

// RecordCheck stamps the observed price and check time.
func (s *MemoryStore) RecordCheck(ctx context.Context, id string, price decimal.Decimal, at time.Time) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.orders[id]
	if !ok {
		return errs.New("conditionalstore/memory", errs.CodeNotFound, errs.WithMessage("conditional order not found"))
	}
	order.LastPrice = price
	order.LastCheckedAt = at
	s.orders[id] = order
	return nil
}

// MarkTriggered moves an ACTIVE record to TRIGGERED.
func (s *MemoryStore) MarkTriggered(ctx context.Context, id string, orderID int64, at time.Time) (bool, error) {
	if err := ctxErr(ctx); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.orders[id]
	if !ok {
		return false, errs.New("conditionalstore/memory", errs.CodeNotFound, errs.WithMessage("conditional order not found"))
	}
	if order.Status != schema.ConditionalActive {
		return false, nil
	}
	order.Status = schema.ConditionalTriggered
	order.TriggeredAt = at
	order.ResultOrderID = orderID
	s.orders[id] = order
	return true, nil
}

// Cancel moves an ACTIVE record to CANCELLED.
func (s *MemoryStore) Cancel(ctx context.Context, id string) (bool, error) {
	if err := ctxErr(ctx); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.orders[id]
	if !ok {
		return false, errs.New("conditionalstore/memory", errs.CodeNotFound, errs.WithMessage("conditional order not found"))
	}
	if order.Status != schema.ConditionalActive {
		return false, nil
	}
	order.Status = schema.ConditionalCancelled
	s.orders[id] = order
	return true, nil
}

func ctxErr(ctx context.Context) error {
	if ctx == nil {
		return nil
	}
	select {
	case <-ctx.Done():
		return errs.New("conditionalstore/memory", errs.CodePersistence, errs.WithCause(ctx.Err()))
	default:
		return nil
	}
}
