package accountstore

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradeforge/venuegate/errs"
	"github.com/tradeforge/venuegate/internal/schema"
)

// MemoryStore is an in-memory Store used by tests and sim mode.
type MemoryStore struct {
	mu        sync.RWMutex
	positions []schema.Position
	snapshots []schema.AccountSnapshot
}

// NewMemoryStore creates a memory-backed account store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// UpsertPositions appends snapshot rows for the given positions.
func (s *MemoryStore) UpsertPositions(ctx context.Context, positions []schema.Position) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range positions {
		if p.SnapshotAt.IsZero() {
			p.SnapshotAt = time.Now()
		}
		s.positions = append(s.positions, p)
	}
	return nil
}

// LatestPosition returns the newest snapshot row for the symbol.
func (s *MemoryStore) LatestPosition(ctx context.Context, symbol string) (schema.Position, bool, error) {
	if err := ctxErr(ctx); err != nil {
		return schema.Position{}, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest schema.Position
	found := false
	for _, p := range s.positions {
		if p.Symbol != symbol {
			continue
		}
		if !found || p.SnapshotAt.After(latest.SnapshotAt) {
			latest = p
			found = true
		}
	}
	return latest, found, nil
}

// RecentPositionValue sums absolute market values of rows at or after since,
// keeping only the newest row per symbol.
func (s *MemoryStore) RecentPositionValue(ctx context.Context, since time.Time) (decimal.Decimal, error) {
	if err := ctxErr(ctx); err != nil {
		return decimal.Zero, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	newest := make(map[string]schema.Position)
	for _, p := range s.positions {
		if p.SnapshotAt.Before(since) {
			continue
		}
		if cur, ok := newest[p.Symbol]; !ok || p.SnapshotAt.After(cur.SnapshotAt) {
			newest[p.Symbol] = p
		}
	}
	total := decimal.Zero
	for _, p := range newest {
		total = total.Add(p.MarketValue.Abs())
	}
	return total, nil
}

// InsertSnapshot appends an account snapshot row.
func (s *MemoryStore) InsertSnapshot(ctx context.Context, snapshot schema.AccountSnapshot) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if snapshot.SnapshotAt.IsZero() {
		snapshot.SnapshotAt = time.Now()
	}
	s.snapshots = append(s.snapshots, snapshot)
	return nil
}

// LatestSnapshot returns the newest snapshot at or after since.
func (s *MemoryStore) LatestSnapshot(ctx context.Context, since time.Time) (schema.AccountSnapshot, bool, error) {
	if err := ctxErr(ctx); err != nil {
		return schema.AccountSnapshot{}, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest schema.AccountSnapshot
	found := false
	for _, snap := range s.snapshots {
		if !since.IsZero() && snap.SnapshotAt.Before(since) {
			continue
		}
		if !found || snap.SnapshotAt.After(latest.SnapshotAt) {
			latest = snap
			found = true
		}
	}
	return latest, found, nil
}

func ctxErr(ctx context.Context) error {
	if ctx == nil {
		return nil
	}
	select {
	case <-ctx.Done():
		return errs.New("accountstore/memory", errs.CodePersistence, errs.WithCause(ctx.Err()))
	default:
		return nil
	}
}
