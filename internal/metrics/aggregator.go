// Package metrics implements the Metrics Aggregator: a pure function
// that turns an execution's accumulated TradeLogEntry rows into a
// domain.MetricsSnapshot. Grounded line for line in original_source
// models.py::ExecutionMetrics.calculate_from_trades, translated from
// Python Decimal into shopspring/decimal with the same formulas and the
// same edge-case sentinels.
package metrics

import (
	"math"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/forextaskengine/internal/domain"
)

var (
	hundred             = decimal.NewFromInt(100)
	profitFactorNoLoss  = decimal.RequireFromString("999.9999")
	sharpeAnnualization = decimal.NewFromFloat(math.Sqrt(252))
)

// Compute derives a MetricsSnapshot from a completed or in-progress trade
// log and the account/task's starting balance. executionID and kind are
// not set here; callers stamp them before persisting via MetricsStore.
func Compute(trades []*domain.TradeLogEntry, initialBalance decimal.Decimal) domain.MetricsSnapshot {
	var snap domain.MetricsSnapshot
	if len(trades) == 0 {
		return snap
	}

	snap.TotalTrades = len(trades)

	var totalPnL, realizedPnL, unrealizedPnL decimal.Decimal
	var winning, losing []*domain.TradeLogEntry
	for _, t := range trades {
		totalPnL = totalPnL.Add(t.PnL)
		if t.ExitTime != nil {
			realizedPnL = realizedPnL.Add(t.PnL)
		} else {
			unrealizedPnL = unrealizedPnL.Add(t.PnL)
		}
		switch {
		case t.PnL.IsPositive():
			winning = append(winning, t)
		case t.PnL.IsNegative():
			losing = append(losing, t)
		}
	}
	snap.TotalPnL = totalPnL
	snap.RealizedPnL = realizedPnL
	snap.UnrealizedPnL = unrealizedPnL

	if initialBalance.IsPositive() {
		snap.TotalReturn = totalPnL.Div(initialBalance).Mul(hundred)
	}

	snap.WinningTrades = len(winning)
	snap.LosingTrades = len(losing)
	if snap.TotalTrades > 0 {
		snap.WinRate = decimal.NewFromInt(int64(snap.WinningTrades)).
			Div(decimal.NewFromInt(int64(snap.TotalTrades))).Mul(hundred)
	}

	if len(winning) > 0 {
		var sum decimal.Decimal
		for _, t := range winning {
			sum = sum.Add(t.PnL)
		}
		snap.AverageWin = sum.Div(decimal.NewFromInt(int64(len(winning))))
	}
	if len(losing) > 0 {
		var sum decimal.Decimal
		for _, t := range losing {
			sum = sum.Add(t.PnL)
		}
		snap.AverageLoss = sum.Div(decimal.NewFromInt(int64(len(losing))))
	}

	grossProfit := decimal.Zero
	for _, t := range winning {
		grossProfit = grossProfit.Add(t.PnL)
	}
	grossLoss := decimal.Zero
	for _, t := range losing {
		grossLoss = grossLoss.Add(t.PnL)
	}
	grossLoss = grossLoss.Abs()

	if grossLoss.IsPositive() {
		pf := grossProfit.Div(grossLoss)
		snap.ProfitFactor = &pf
	} else if !grossProfit.IsZero() {
		pf := profitFactorNoLoss
		snap.ProfitFactor = &pf
	} // else leave nil: no wins, no losses

	snap.EquityCurve = buildEquityCurve(trades, initialBalance)
	snap.MaxDrawdown = maxDrawdown(snap.EquityCurve, initialBalance)
	snap.SharpeRatio = sharpeRatio(trades)

	return snap
}

// buildEquityCurve replays trades in order against the starting balance,
// with a synthetic opening point (nil timestamp) matching the original's
// {"timestamp": None, "balance": initial_balance} first entry.
func buildEquityCurve(trades []*domain.TradeLogEntry, initialBalance decimal.Decimal) []domain.EquityPoint {
	points := make([]domain.EquityPoint, 0, len(trades)+1)
	points = append(points, domain.EquityPoint{Sequence: 0, Balance: initialBalance})

	balance := initialBalance
	for i, t := range trades {
		balance = balance.Add(t.PnL)
		points = append(points, domain.EquityPoint{
			Sequence:  int64(i + 1),
			Timestamp: t.ExitTime,
			Balance:   balance,
		})
	}
	return points
}

// maxDrawdown is the largest peak-to-trough percentage decline observed
// across the equity curve.
func maxDrawdown(points []domain.EquityPoint, initialBalance decimal.Decimal) decimal.Decimal {
	peak := initialBalance
	maxDD := decimal.Zero
	for _, p := range points {
		if p.Balance.GreaterThan(peak) {
			peak = p.Balance
		}
		if peak.IsPositive() {
			dd := peak.Sub(p.Balance).Div(peak).Mul(hundred)
			if dd.GreaterThan(maxDD) {
				maxDD = dd
			}
		}
	}
	return maxDD
}

// sharpeRatio is undefined (nil) for fewer than two trades or zero
// variance, matching the original's "simplified" per-trade Sharpe (not
// annualized returns over time, annualized assuming 252 trading periods).
func sharpeRatio(trades []*domain.TradeLogEntry) *decimal.Decimal {
	if len(trades) <= 1 {
		return nil
	}

	n := decimal.NewFromInt(int64(len(trades)))
	var sum decimal.Decimal
	for _, t := range trades {
		sum = sum.Add(t.PnL)
	}
	mean := sum.Div(n)

	var sumSq decimal.Decimal
	for _, t := range trades {
		diff := t.PnL.Sub(mean)
		sumSq = sumSq.Add(diff.Mul(diff))
	}
	variance := sumSq.Div(n)
	stdDev := decimal.NewFromFloat(math.Sqrt(variance.InexactFloat64()))

	if !stdDev.IsPositive() {
		return nil
	}
	ratio := mean.Div(stdDev).Mul(sharpeAnnualization)
	return &ratio
}
