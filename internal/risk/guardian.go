package risk

import (
	"github.com/shopspring/decimal"

	"github.com/readytrader/gateway/internal/domain"
	"github.com/readytrader/gateway/internal/errs"
)

// Limits are the guardian thresholds. They come from configuration,
// never from constants in this package.
type Limits struct {
	MaxPositionPct decimal.Decimal // notional / portfolio value, strictly above blocks
	DailyLossPct   decimal.Decimal // at or beyond halts buys
	MaxDrawdownPct decimal.Decimal // at or beyond halts buys
	MinSentiment   decimal.Decimal // buys blocked strictly below
	FailClosed     bool
}

// Guardian is a pure decision function over (state, request, quote).
// Rules run in a fixed order so overlapping violations always report
// the same code.
type Guardian struct {
	limits Limits
}

func NewGuardian(limits Limits) *Guardian {
	return &Guardian{limits: limits}
}

// Evaluate returns nil to allow, or a coded denial naming the rule
// that fired. A stale or outlier quote under fail-closed configuration
// denies unconditionally: ambiguity never substitutes a default price.
func (g *Guardian) Evaluate(state State, req domain.TradeRequest, quote domain.MarketQuote) error {
	if g.limits.FailClosed && !quote.Usable() {
		if quote.Outlier {
			return errs.MarketData(errs.CodeOutlierMarketData,
				"quote for %s from %s flagged outlier, failing closed", req.Symbol, quote.Source)
		}
		return errs.MarketData(errs.CodeStaleMarketData,
			"quote for %s is %s old (stale), failing closed", req.Symbol, quote.Age)
	}

	// 1. position sizing: strictly above the ceiling blocks; exactly
	// at it passes. A portfolio without a positive value cannot bound
	// the position, so the rule denies instead of being skipped.
	if !state.PortfolioValue.IsPositive() {
		return errs.Risk(errs.CodePositionTooLarge,
			"portfolio value is not positive, position rule fails closed")
	}
	notional := req.Amount.Mul(quote.Price)
	maxNotional := state.PortfolioValue.Mul(g.limits.MaxPositionPct)
	if notional.GreaterThan(maxNotional) {
		return errs.Risk(errs.CodePositionTooLarge,
			"position notional %s exceeds %s%% of portfolio (%s)",
			notional, g.limits.MaxPositionPct.Mul(decimal.NewFromInt(100)), maxNotional).
			WithData("notional", notional.String()).
			WithData("limit", maxNotional.String())
	}

	if req.Side == domain.SideBuy {
		// 2. daily loss halts buys at or beyond the threshold
		if loss := state.DailyLossFraction(); loss.GreaterThanOrEqual(g.limits.DailyLossPct) {
			return errs.Risk(errs.CodeDailyLossLimit,
				"daily loss %s%% at or beyond %s%%, buys halted",
				loss.Mul(decimal.NewFromInt(100)), g.limits.DailyLossPct.Mul(decimal.NewFromInt(100)))
		}

		// 3. drawdown from peak halts buys at or beyond the threshold
		if dd := state.Drawdown(); dd.GreaterThanOrEqual(g.limits.MaxDrawdownPct) {
			return errs.Risk(errs.CodeMaxDrawdown,
				"drawdown %s%% at or beyond %s%%, buys halted",
				dd.Mul(decimal.NewFromInt(100)), g.limits.MaxDrawdownPct.Mul(decimal.NewFromInt(100)))
		}

		// 4. sentiment blocks buys strictly below the floor
		sentiment := decimal.NewFromFloat(req.Sentiment)
		if sentiment.LessThan(g.limits.MinSentiment) {
			return errs.Risk(errs.CodeNegativeSentiment,
				"sentiment %s below floor %s, buy blocked", sentiment, g.limits.MinSentiment)
		}
	}

	return nil
}
