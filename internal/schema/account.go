package schema

import (
	"time"

	"github.com/shopspring/decimal"
)

// Account value tags reported by the venue. Only the subset the gateway
// consumes is named; unknown tags are carried through untyped.
const (
	TagNetLiquidation     = "NetLiquidation"
	TagTotalCashValue     = "TotalCashValue"
	TagBuyingPower        = "BuyingPower"
	TagGrossPositionValue = "GrossPositionValue"
	TagUnrealizedPnL      = "UnrealizedPnL"
	TagRealizedPnL        = "RealizedPnL"
	TagDailyPnL           = "DailyPnL"
	TagAvailableFunds     = "AvailableFunds"
	TagExcessLiquidity    = "ExcessLiquidity"
)

// Position mirrors a venue-reported position at a point in time. The venue
// remains authoritative; rows are an audit cache written on each refresh.
type Position struct {
	Account       string          `json:"account"`
	Symbol        string          `json:"symbol"`
	SecType       string          `json:"sec_type"`
	Currency      string          `json:"currency"`
	Size          decimal.Decimal `json:"position_size"`
	AvgCost       decimal.Decimal `json:"avg_cost"`
	MarketPrice   decimal.Decimal `json:"market_price,omitempty"`
	MarketValue   decimal.Decimal `json:"market_value,omitempty"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl,omitempty"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl,omitempty"`
	SnapshotAt    time.Time       `json:"snapshot_time"`
}

// AccountSnapshot captures venue-reported account state at a point in time.
type AccountSnapshot struct {
	Account            string          `json:"account"`
	NetLiquidation     decimal.Decimal `json:"net_liquidation"`
	TotalCashValue     decimal.Decimal `json:"total_cash_value"`
	BuyingPower        decimal.Decimal `json:"buying_power"`
	GrossPositionValue decimal.Decimal `json:"gross_position_value"`
	UnrealizedPnL      decimal.Decimal `json:"unrealized_pnl"`
	RealizedPnL        decimal.Decimal `json:"realized_pnl"`
	DailyPnL           decimal.Decimal `json:"daily_pnl"`
	AvailableFunds     decimal.Decimal `json:"available_funds"`
	ExcessLiquidity    decimal.Decimal `json:"excess_liquidity"`
	SnapshotAt         time.Time       `json:"snapshot_time"`
}

// AccountValue is a single (tag, value, currency) triple as pushed by the
// venue's account feed.
type AccountValue struct {
	Tag      string `json:"tag"`
	Value    string `json:"value"`
	Currency string `json:"currency"`
}

// SnapshotFromValues folds raw venue account values into a typed snapshot.
// Unparseable or unknown tags are skipped; the venue mixes numeric and
// symbolic values under one feed.
func SnapshotFromValues(account string, values []AccountValue, at time.Time) AccountSnapshot {
	snap := AccountSnapshot{Account: account, SnapshotAt: at}
	for _, av := range values {
		v, err := decimal.NewFromString(av.Value)
		if err != nil {
			continue
		}
		switch av.Tag {
		case TagNetLiquidation:
			snap.NetLiquidation = v
		case TagTotalCashValue:
			snap.TotalCashValue = v
		case TagBuyingPower:
			snap.BuyingPower = v
		case TagGrossPositionValue:
			snap.GrossPositionValue = v
		case TagUnrealizedPnL:
			snap.UnrealizedPnL = v
		case TagRealizedPnL:
			snap.RealizedPnL = v
		case TagDailyPnL:
			snap.DailyPnL = v
		case TagAvailableFunds:
			snap.AvailableFunds = v
		case TagExcessLiquidity:
			snap.ExcessLiquidity = v
		}
	}
	return snap
}
