// Package risk implements pre-trade checks. Checks run in a fixed order and
// short-circuit on the first failure; every check that ran, including the
// failing one, is reported back. Missing reference data never blocks an
// order: the affected check passes and the degradation is logged. Assessment
// warnings are reserved for soft-limit proximity.
package risk

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradeforge/venuegate/errs"
	"github.com/tradeforge/venuegate/internal/config"
	"github.com/tradeforge/venuegate/internal/domain/accountstore"
	"github.com/tradeforge/venuegate/internal/domain/orderstore"
	"github.com/tradeforge/venuegate/internal/observability"
	"github.com/tradeforge/venuegate/internal/schema"
)

// Check names, in evaluation order.
const (
	CheckSymbolRestrictions = "symbol_restrictions"
	CheckOrderValueLimit    = "order_value_limit"
	CheckPositionSizeLimit  = "position_size_limit"
	CheckDailyLossLimit     = "daily_loss_limit"
	CheckLeverageLimit      = "leverage_limit"
	CheckOrderRateLimit     = "order_rate_limit"
)

// Soft warning thresholds as fractions of each hard limit.
var (
	warnSoft = decimal.NewFromFloat(0.8)
	warnHard = decimal.NewFromFloat(0.9)
)

// rateWindow is the trailing window for the order rate check.
const rateWindow = time.Minute

// PriceSource supplies last observed prices for market orders.
type PriceSource interface {
	LastPrice(symbol string) (decimal.Decimal, bool)
}

// Assessment is the outcome of one evaluation.
type Assessment struct {
	Approved        bool     `json:"approved"`
	FailedCheck     string   `json:"failed_check,omitempty"`
	Reason          string   `json:"reason,omitempty"`
	ChecksPerformed []string `json:"checks_performed"`
	Warnings        []string `json:"warnings,omitempty"`
}

// Engine evaluates order intents against configured limits.
type Engine struct {
	limits   config.RiskConfig
	orders   orderstore.Store
	accounts accountstore.Store
	prices   PriceSource
	now      func() time.Time
}

// NewEngine creates a risk engine. prices may be nil when no market feed is
// available; value-based checks then degrade for market orders.
func NewEngine(limits config.RiskConfig, orders orderstore.Store, accounts accountstore.Store, prices PriceSource) *Engine {
	return &Engine{
		limits:   limits,
		orders:   orders,
		accounts: accounts,
		prices:   prices,
		now:      time.Now,
	}
}

type check struct {
	name string
	run  func(ctx context.Context, req schema.OrderRequest, a *Assessment) (string, error)
}

// Evaluate runs all checks in order, stopping at the first failure. The
// returned assessment lists every check that ran; an error means a check
// could not run at all, not that the order was rejected.
func (e *Engine) Evaluate(ctx context.Context, req schema.OrderRequest) (Assessment, error) {
	assessment := Assessment{Approved: true}

	checks := []check{
		{CheckSymbolRestrictions, e.checkSymbolRestrictions},
		{CheckOrderValueLimit, e.checkOrderValue},
		{CheckPositionSizeLimit, e.checkPositionSize},
		{CheckDailyLossLimit, e.checkDailyLoss},
		{CheckLeverageLimit, e.checkLeverage},
		{CheckOrderRateLimit, e.checkOrderRate},
	}

	for _, c := range checks {
		assessment.ChecksPerformed = append(assessment.ChecksPerformed, c.name)
		reason, err := c.run(ctx, req, &assessment)
		if err != nil {
			return Assessment{}, err
		}
		if reason != "" {
			assessment.Approved = false
			assessment.FailedCheck = c.name
			assessment.Reason = reason
			observability.Telemetry().IncCounter(observability.MetricRiskRejections, 1)
			observability.Log().Info("order rejected by risk check",
				observability.F("check", c.name),
				observability.F("symbol", req.Symbol),
				observability.F("reason", reason))
			return assessment, nil
		}
	}

	for _, warning := range assessment.Warnings {
		observability.Log().Warn("risk warning",
			observability.F("symbol", req.Symbol),
			observability.F("warning", warning))
	}
	return assessment, nil
}

// Approve adapts Evaluate to the order manager's gate: a rejected assessment
// surfaces as a validation error carrying the failing check's reason.
func (e *Engine) Approve(ctx context.Context, req schema.OrderRequest) error {
	assessment, err := e.Evaluate(ctx, req)
	if err != nil {
		return err
	}
	if !assessment.Approved {
		return errs.Validation("risk/approve",
			fmt.Sprintf("%s: %s", assessment.FailedCheck, assessment.Reason))
	}
	return nil
}

func (e *Engine) checkSymbolRestrictions(_ context.Context, req schema.OrderRequest, _ *Assessment) (string, error) {
	symbol := strings.ToUpper(req.Symbol)
	for _, blocked := range e.limits.BlockedSymbols {
		if strings.EqualFold(blocked, symbol) {
			return fmt.Sprintf("symbol %s is blocked", symbol), nil
		}
	}
	if len(e.limits.AllowedSymbols) > 0 {
		for _, allowed := range e.limits.AllowedSymbols {
			if strings.EqualFold(allowed, symbol) {
				return "", nil
			}
		}
		return fmt.Sprintf("symbol %s is not on the allowed list", symbol), nil
	}
	return "", nil
}

func (e *Engine) checkOrderValue(_ context.Context, req schema.OrderRequest, a *Assessment) (string, error) {
	if e.limits.MaxOrderValue.IsZero() {
		return "", nil
	}
	value, ok := e.orderValue(req)
	if !ok {
		logDegraded(CheckOrderValueLimit, req.Symbol, "no price available")
		return "", nil
	}
	if value.GreaterThan(e.limits.MaxOrderValue) {
		return fmt.Sprintf("order value %s exceeds limit %s", value, e.limits.MaxOrderValue), nil
	}
	a.warnNearLimit("order value", value, e.limits.MaxOrderValue)
	return "", nil
}

// checkPositionSize projects the position the order would leave behind and
// values it at a single reference price: the live quote, else the position's
// market price, else the order's limit price.
func (e *Engine) checkPositionSize(ctx context.Context, req schema.OrderRequest, a *Assessment) (string, error) {
	if e.limits.MaxPositionValue.IsZero() {
		return "", nil
	}

	current := decimal.Zero
	position, found, err := e.accounts.LatestPosition(ctx, req.Symbol)
	if err != nil {
		logDegraded(CheckPositionSizeLimit, req.Symbol, "position data unavailable")
		found = false
	} else if found {
		current = position.Size
	}

	price, ok := e.referencePrice(req, position, found)
	if !ok {
		logDegraded(CheckPositionSizeLimit, req.Symbol, "no price available")
		return "", nil
	}

	size := current.Add(req.Quantity)
	if req.Action == schema.ActionSell {
		size = current.Sub(req.Quantity)
	}
	projected := size.Abs().Mul(price)
	if projected.GreaterThan(e.limits.MaxPositionValue) {
		return fmt.Sprintf("projected position value %s exceeds limit %s", projected, e.limits.MaxPositionValue), nil
	}
	a.warnNearLimit("position value", projected, e.limits.MaxPositionValue)
	return "", nil
}

// referencePrice resolves one price to value a projected position at: live
// quote first, then the held position's market price, then the limit price.
func (e *Engine) referencePrice(req schema.OrderRequest, position schema.Position, held bool) (decimal.Decimal, bool) {
	if e.prices != nil {
		if last, ok := e.prices.LastPrice(req.Symbol); ok && last.IsPositive() {
			return last, true
		}
	}
	if held && position.MarketPrice.IsPositive() {
		return position.MarketPrice, true
	}
	if req.LimitPrice.IsPositive() {
		return req.LimitPrice, true
	}
	return decimal.Zero, false
}

func (e *Engine) checkDailyLoss(ctx context.Context, _ schema.OrderRequest, a *Assessment) (string, error) {
	if e.limits.MaxDailyLoss.IsZero() {
		return "", nil
	}
	snapshot, found, err := e.accounts.LatestSnapshot(ctx, e.startOfDay())
	if err != nil || !found {
		logDegraded(CheckDailyLossLimit, "", "no account snapshot for today")
		return "", nil
	}
	if !snapshot.DailyPnL.IsNegative() {
		return "", nil
	}
	// A loss exactly at the limit still passes; only exceeding it blocks.
	loss := snapshot.DailyPnL.Abs()
	if loss.GreaterThan(e.limits.MaxDailyLoss) {
		return fmt.Sprintf("daily loss %s exceeds limit %s", loss, e.limits.MaxDailyLoss), nil
	}
	a.warnNearLimit("daily loss", loss, e.limits.MaxDailyLoss)
	return "", nil
}

func (e *Engine) checkLeverage(ctx context.Context, req schema.OrderRequest, a *Assessment) (string, error) {
	if e.limits.MaxLeverage.IsZero() {
		return "", nil
	}
	snapshot, found, err := e.accounts.LatestSnapshot(ctx, time.Time{})
	if err != nil || !found || !snapshot.NetLiquidation.IsPositive() {
		logDegraded(CheckLeverageLimit, req.Symbol, "account value unavailable")
		return "", nil
	}

	value, ok := e.orderValue(req)
	if !ok {
		logDegraded(CheckLeverageLimit, req.Symbol, "no price available")
		return "", nil
	}

	gross := snapshot.GrossPositionValue
	if recent, rerr := e.accounts.RecentPositionValue(ctx, e.startOfDay()); rerr == nil && recent.GreaterThan(gross) {
		gross = recent
	}

	projected := gross.Add(value).Div(snapshot.NetLiquidation)
	if projected.GreaterThan(e.limits.MaxLeverage) {
		return fmt.Sprintf("projected leverage %sx exceeds limit %sx",
			projected.Round(2), e.limits.MaxLeverage), nil
	}
	a.warnNearLimit("leverage", projected, e.limits.MaxLeverage)
	return "", nil
}

func (e *Engine) checkOrderRate(ctx context.Context, _ schema.OrderRequest, _ *Assessment) (string, error) {
	if e.limits.MaxOrdersPerMinute <= 0 {
		return "", nil
	}
	count, err := e.orders.CountOrdersSince(ctx, e.now().Add(-rateWindow))
	if err != nil {
		logDegraded(CheckOrderRateLimit, "", "order history unavailable")
		return "", nil
	}
	if count >= e.limits.MaxOrdersPerMinute {
		return fmt.Sprintf("order rate %d/min has reached limit %d/min", count, e.limits.MaxOrdersPerMinute), nil
	}
	return "", nil
}

// orderValue resolves the notional value of the request. Priced order types
// use their own price; market orders fall back to the last observed quote.
func (e *Engine) orderValue(req schema.OrderRequest) (decimal.Decimal, bool) {
	price := decimal.Zero
	switch {
	case !req.LimitPrice.IsZero():
		price = req.LimitPrice
	case !req.StopPrice.IsZero():
		price = req.StopPrice
	default:
		if e.prices == nil {
			return decimal.Zero, false
		}
		last, ok := e.prices.LastPrice(req.Symbol)
		if !ok || !last.IsPositive() {
			return decimal.Zero, false
		}
		price = last
	}
	return req.Quantity.Mul(price), true
}

func (e *Engine) startOfDay() time.Time {
	now := e.now()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
}

func (a *Assessment) warn(msg string) {
	a.Warnings = append(a.Warnings, msg)
}

// logDegraded records a check that passed for lack of reference data. The
// degradation is operational noise, not a caller-facing warning.
func logDegraded(check, symbol, reason string) {
	observability.Log().Warn("risk check degraded",
		observability.F("check", check),
		observability.F("symbol", symbol),
		observability.F("reason", reason))
}

// warnNearLimit records a soft warning when usage crosses 80% of the limit
// and a stronger one past 90%.
func (a *Assessment) warnNearLimit(what string, value, limit decimal.Decimal) {
	if !limit.IsPositive() {
		return
	}
	ratio := value.Div(limit)
	switch {
	case ratio.GreaterThanOrEqual(warnHard):
		a.warn(fmt.Sprintf("%s at %s%% of limit", what, ratio.Mul(decimal.NewFromInt(100)).Round(1)))
	case ratio.GreaterThanOrEqual(warnSoft):
		a.warn(fmt.Sprintf("%s approaching limit (%s%%)", what, ratio.Mul(decimal.NewFromInt(100)).Round(1)))
	}
}
