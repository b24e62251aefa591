package risk

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/tradeforge/venuegate/internal/config"
	"github.com/tradeforge/venuegate/internal/domain/accountstore"
	"github.com/tradeforge/venuegate/internal/domain/orderstore"
	"github.com/tradeforge/venuegate/internal/schema"
)

type staticPrices map[string]decimal.Decimal

func (p staticPrices) LastPrice(symbol string) (decimal.Decimal, bool) {
	price, ok := p[symbol]
	return price, ok
}

func defaultLimits() config.RiskConfig {
	return config.RiskConfig{
		MaxOrderValue:      decimal.NewFromInt(50_000),
		MaxPositionValue:   decimal.NewFromInt(100_000),
		MaxDailyLoss:       decimal.NewFromInt(5_000),
		MaxLeverage:        decimal.NewFromInt(2),
		MaxOrdersPerMinute: 30,
	}
}

func limitOrder(symbol string, qty, price int64) schema.OrderRequest {
	return schema.OrderRequest{
		Symbol:     symbol,
		Action:     schema.ActionBuy,
		Quantity:   decimal.NewFromInt(qty),
		Kind:       schema.OrderLimit,
		LimitPrice: decimal.NewFromInt(price),
	}
}

func newEngine(limits config.RiskConfig, accounts *accountstore.MemoryStore, prices PriceSource) (*Engine, *orderstore.MemoryStore) {
	orders := orderstore.NewMemoryStore()
	if accounts == nil {
		accounts = accountstore.NewMemoryStore()
	}
	return NewEngine(limits, orders, accounts, prices), orders
}

func TestBlockedSymbolShortCircuits(t *testing.T) {
	limits := defaultLimits()
	limits.BlockedSymbols = []string{"GME"}
	engine, _ := newEngine(limits, nil, nil)

	assessment, err := engine.Evaluate(context.Background(), limitOrder("GME", 10, 100))
	require.NoError(t, err)
	require.False(t, assessment.Approved)
	require.Equal(t, CheckSymbolRestrictions, assessment.FailedCheck)
	// Later checks never ran.
	require.Equal(t, []string{CheckSymbolRestrictions}, assessment.ChecksPerformed)
}

func TestAllowedListRejectsOutsiders(t *testing.T) {
	limits := defaultLimits()
	limits.AllowedSymbols = []string{"AAPL", "MSFT"}
	engine, _ := newEngine(limits, nil, nil)

	assessment, err := engine.Evaluate(context.Background(), limitOrder("TSLA", 1, 100))
	require.NoError(t, err)
	require.False(t, assessment.Approved)
	require.Equal(t, CheckSymbolRestrictions, assessment.FailedCheck)

	assessment, err = engine.Evaluate(context.Background(), limitOrder("aapl", 1, 100))
	require.NoError(t, err)
	require.True(t, assessment.Approved)
}

func TestOrderValueLimitRejects(t *testing.T) {
	engine, _ := newEngine(defaultLimits(), nil, nil)

	assessment, err := engine.Evaluate(context.Background(), limitOrder("AAPL", 600, 100))
	require.NoError(t, err)
	require.False(t, assessment.Approved)
	require.Equal(t, CheckOrderValueLimit, assessment.FailedCheck)
	require.Equal(t, []string{CheckSymbolRestrictions, CheckOrderValueLimit}, assessment.ChecksPerformed)
}

func TestApprovedOrderRunsAllChecks(t *testing.T) {
	engine, _ := newEngine(defaultLimits(), nil, nil)

	assessment, err := engine.Evaluate(context.Background(), limitOrder("AAPL", 10, 100))
	require.NoError(t, err)
	require.True(t, assessment.Approved)
	require.Empty(t, assessment.FailedCheck)
	require.Equal(t, []string{
		CheckSymbolRestrictions,
		CheckOrderValueLimit,
		CheckPositionSizeLimit,
		CheckDailyLossLimit,
		CheckLeverageLimit,
		CheckOrderRateLimit,
	}, assessment.ChecksPerformed)
}

func TestMarketOrderWithoutQuoteDegradesOpen(t *testing.T) {
	engine, _ := newEngine(defaultLimits(), nil, staticPrices{})

	req := schema.OrderRequest{
		Symbol:   "AAPL",
		Action:   schema.ActionBuy,
		Quantity: decimal.NewFromInt(10),
		Kind:     schema.OrderMarket,
	}
	assessment, err := engine.Evaluate(context.Background(), req)
	require.NoError(t, err)
	require.True(t, assessment.Approved)
	// Degraded checks pass silently; warnings are reserved for soft limits.
	require.Empty(t, assessment.Warnings)
}

func TestPositionSizeProjectsSharesAtReferencePrice(t *testing.T) {
	limits := defaultLimits()
	limits.MaxPositionValue = decimal.NewFromInt(12_000)
	accounts := accountstore.NewMemoryStore()
	require.NoError(t, accounts.UpsertPositions(context.Background(), []schema.Position{{
		Account:     "TEST",
		Symbol:      "AAPL",
		Size:        decimal.NewFromInt(100),
		AvgCost:     decimal.NewFromInt(90),
		MarketPrice: decimal.NewFromInt(100),
		MarketValue: decimal.NewFromInt(10_000),
		SnapshotAt:  time.Now(),
	}}))
	engine, _ := newEngine(limits, accounts, nil)

	// 110 shares valued at the position's market price, not limit price:
	// 110 x 100 = 11,000 stays under the 12,000 cap even at limit 500.
	assessment, err := engine.Evaluate(context.Background(), limitOrder("AAPL", 10, 500))
	require.NoError(t, err)
	require.True(t, assessment.Approved, "reason: %s", assessment.Reason)

	// 130 x 100 = 13,000 breaches the cap.
	assessment, err = engine.Evaluate(context.Background(), limitOrder("AAPL", 30, 500))
	require.NoError(t, err)
	require.False(t, assessment.Approved)
	require.Equal(t, CheckPositionSizeLimit, assessment.FailedCheck)
}

func TestSellShrinksProjectedPosition(t *testing.T) {
	limits := defaultLimits()
	limits.MaxPositionValue = decimal.NewFromInt(9_000)
	accounts := accountstore.NewMemoryStore()
	require.NoError(t, accounts.UpsertPositions(context.Background(), []schema.Position{{
		Account:     "TEST",
		Symbol:      "AAPL",
		Size:        decimal.NewFromInt(100),
		MarketPrice: decimal.NewFromInt(100),
		MarketValue: decimal.NewFromInt(10_000),
		SnapshotAt:  time.Now(),
	}}))
	engine, _ := newEngine(limits, accounts, nil)

	sell := limitOrder("AAPL", 20, 100)
	sell.Action = schema.ActionSell
	// 80 x 100 = 8,000 after the sell, inside the 9,000 cap.
	assessment, err := engine.Evaluate(context.Background(), sell)
	require.NoError(t, err)
	require.True(t, assessment.Approved, "reason: %s", assessment.Reason)
}

func TestDailyLossLimitRejects(t *testing.T) {
	accounts := accountstore.NewMemoryStore()
	require.NoError(t, accounts.InsertSnapshot(context.Background(), schema.AccountSnapshot{
		Account:        "TEST",
		NetLiquidation: decimal.NewFromInt(200_000),
		DailyPnL:       decimal.NewFromInt(-6_000),
		SnapshotAt:     time.Now(),
	}))
	engine, _ := newEngine(defaultLimits(), accounts, nil)

	assessment, err := engine.Evaluate(context.Background(), limitOrder("AAPL", 10, 100))
	require.NoError(t, err)
	require.False(t, assessment.Approved)
	require.Equal(t, CheckDailyLossLimit, assessment.FailedCheck)
}

func TestDailyLossAtLimitStillApproves(t *testing.T) {
	accounts := accountstore.NewMemoryStore()
	require.NoError(t, accounts.InsertSnapshot(context.Background(), schema.AccountSnapshot{
		Account:        "TEST",
		NetLiquidation: decimal.NewFromInt(200_000),
		DailyPnL:       decimal.NewFromInt(-5_000),
		SnapshotAt:     time.Now(),
	}))
	engine, _ := newEngine(defaultLimits(), accounts, nil)

	// The limit is a floor the P&L may sit on; only falling below it blocks.
	assessment, err := engine.Evaluate(context.Background(), limitOrder("AAPL", 10, 100))
	require.NoError(t, err)
	require.True(t, assessment.Approved, "reason: %s", assessment.Reason)
}

func TestDailyLossNearLimitWarns(t *testing.T) {
	accounts := accountstore.NewMemoryStore()
	require.NoError(t, accounts.InsertSnapshot(context.Background(), schema.AccountSnapshot{
		Account:        "TEST",
		NetLiquidation: decimal.NewFromInt(200_000),
		DailyPnL:       decimal.NewFromInt(-4_200),
		SnapshotAt:     time.Now(),
	}))
	engine, _ := newEngine(defaultLimits(), accounts, nil)

	assessment, err := engine.Evaluate(context.Background(), limitOrder("AAPL", 10, 100))
	require.NoError(t, err)
	require.True(t, assessment.Approved)
	require.True(t, hasWarningContaining(assessment, "daily loss"), "warnings: %v", assessment.Warnings)
}

func TestLeverageNearLimitWarnsButApproves(t *testing.T) {
	accounts := accountstore.NewMemoryStore()
	require.NoError(t, accounts.InsertSnapshot(context.Background(), schema.AccountSnapshot{
		Account:            "TEST",
		NetLiquidation:     decimal.NewFromInt(100_000),
		GrossPositionValue: decimal.NewFromInt(180_000),
		SnapshotAt:         time.Now(),
	}))
	engine, _ := newEngine(defaultLimits(), accounts, nil)

	// Projected leverage 1.85x against a 2x cap: above 90%, below the limit.
	assessment, err := engine.Evaluate(context.Background(), limitOrder("AAPL", 50, 100))
	require.NoError(t, err)
	require.True(t, assessment.Approved)
	require.True(t, hasWarningContaining(assessment, "leverage"), "warnings: %v", assessment.Warnings)
}

func TestLeverageOverLimitRejects(t *testing.T) {
	accounts := accountstore.NewMemoryStore()
	require.NoError(t, accounts.InsertSnapshot(context.Background(), schema.AccountSnapshot{
		Account:            "TEST",
		NetLiquidation:     decimal.NewFromInt(100_000),
		GrossPositionValue: decimal.NewFromInt(190_000),
		SnapshotAt:         time.Now(),
	}))
	engine, _ := newEngine(defaultLimits(), accounts, nil)

	assessment, err := engine.Evaluate(context.Background(), limitOrder("AAPL", 200, 100))
	require.NoError(t, err)
	require.False(t, assessment.Approved)
	require.Equal(t, CheckLeverageLimit, assessment.FailedCheck)
}

func TestOrderRateLimitRejects(t *testing.T) {
	limits := defaultLimits()
	limits.MaxOrdersPerMinute = 2
	engine, orders := newEngine(limits, nil, nil)

	for i := int64(1); i <= 2; i++ {
		require.NoError(t, orders.UpsertOrder(context.Background(), schema.VenueOrder{
			VenueID: i, Symbol: "AAPL", Status: schema.StatusSubmitted,
		}))
	}

	assessment, err := engine.Evaluate(context.Background(), limitOrder("AAPL", 1, 100))
	require.NoError(t, err)
	require.False(t, assessment.Approved)
	require.Equal(t, CheckOrderRateLimit, assessment.FailedCheck)
	require.Equal(t, 6, len(assessment.ChecksPerformed))
}

func TestApproveWrapsRejectionAsValidationError(t *testing.T) {
	limits := defaultLimits()
	limits.BlockedSymbols = []string{"GME"}
	engine, _ := newEngine(limits, nil, nil)

	err := engine.Approve(context.Background(), limitOrder("GME", 1, 100))
	require.Error(t, err)
	require.Contains(t, err.Error(), CheckSymbolRestrictions)
}

func hasWarningContaining(a Assessment, substr string) bool {
	for _, w := range a.Warnings {
		if strings.Contains(w, substr) {
			return true
		}
	}
	return false
}
