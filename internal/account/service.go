// Package account mirrors venue-reported account state: positions and
// account value snapshots, refreshed from the session and cached in the
// store for when the session is down.
package account

import (
	"context"
	"time"

	"github.com/tradeforge/venuegate/errs"
	"github.com/tradeforge/venuegate/internal/domain/accountstore"
	"github.com/tradeforge/venuegate/internal/observability"
	"github.com/tradeforge/venuegate/internal/schema"
	"github.com/tradeforge/venuegate/internal/venue/conn"
)

// Service reads account state from the venue and persists snapshots.
type Service struct {
	session *conn.Manager
	store   accountstore.Store
	account string
}

// NewService creates an account service for the configured account id.
func NewService(session *conn.Manager, store accountstore.Store, accountID string) *Service {
	return &Service{session: session, store: store, account: accountID}
}

// Summary returns the current account snapshot. A live session produces a
// fresh snapshot and persists it; a down session falls back to the latest
// stored one.
func (s *Service) Summary(ctx context.Context) (schema.AccountSnapshot, error) {
	const op = "account/summary"

	if !s.session.IsConnected() {
		snapshot, found, err := s.store.LatestSnapshot(ctx, time.Time{})
		if err != nil {
			return schema.AccountSnapshot{}, err
		}
		if !found {
			return schema.AccountSnapshot{}, errs.Connection(op, "venue session is down and no cached snapshot exists")
		}
		return snapshot, nil
	}

	if err := s.session.Pace(ctx); err != nil {
		return schema.AccountSnapshot{}, err
	}
	values, err := s.session.Client().AccountValues(ctx)
	if err != nil {
		return schema.AccountSnapshot{}, err
	}
	snapshot := schema.SnapshotFromValues(s.account, values, time.Now())
	if snapshot.Account == "" {
		snapshot.Account = s.account
	}
	if err := s.store.InsertSnapshot(ctx, snapshot); err != nil {
		observability.Log().Warn("persisting account snapshot failed", observability.F("error", err.Error()))
	}
	return snapshot, nil
}

// Positions returns current venue positions and records them. A down session
// yields a connection error; positions have no meaningful stale fallback.
func (s *Service) Positions(ctx context.Context) ([]schema.Position, error) {
	const op = "account/positions"

	if !s.session.IsConnected() {
		return nil, errs.Connection(op, "venue session is down")
	}
	if err := s.session.Pace(ctx); err != nil {
		return nil, err
	}
	positions, err := s.session.Client().Positions(ctx)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	for i := range positions {
		if positions[i].Account == "" {
			positions[i].Account = s.account
		}
		if positions[i].SnapshotAt.IsZero() {
			positions[i].SnapshotAt = now
		}
	}
	if err := s.store.UpsertPositions(ctx, positions); err != nil {
		observability.Log().Warn("persisting positions failed", observability.F("error", err.Error()))
	}
	return positions, nil
}

// Refresh captures a snapshot and positions in one pass; used by the
// periodic refresh loop. Errors are logged, not returned, so one bad cycle
// never stops the loop.
func (s *Service) Refresh(ctx context.Context) {
	if !s.session.IsConnected() {
		return
	}
	if _, err := s.Summary(ctx); err != nil {
		observability.Log().Warn("account summary refresh failed", observability.F("error", err.Error()))
	}
	if _, err := s.Positions(ctx); err != nil {
		observability.Log().Warn("positions refresh failed", observability.F("error", err.Error()))
	}
}
