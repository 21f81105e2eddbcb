package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// MetricsKind distinguishes an in-progress checkpoint from the immutable
// final snapshot written once an execution reaches a terminal status.
type MetricsKind string

const (
	MetricsKindCheckpoint MetricsKind = "checkpoint"
	MetricsKindFinal      MetricsKind = "final"
)

// MetricsSnapshot is the full set of performance figures computed by the
// metrics aggregator from an execution's trade log. Every field is a
// decimal.Decimal, never a float64: spec requires decimal arithmetic for
// all money and ratio math, not just tick normalization.
type MetricsSnapshot struct {
	ExecutionID    string
	Kind           MetricsKind
	TotalReturn    decimal.Decimal
	TotalPnL       decimal.Decimal
	RealizedPnL    decimal.Decimal
	UnrealizedPnL  decimal.Decimal
	TotalTrades    int
	WinningTrades  int
	LosingTrades   int
	WinRate        decimal.Decimal
	MaxDrawdown    decimal.Decimal
	SharpeRatio    *decimal.Decimal // nil when fewer than 2 trades
	ProfitFactor   *decimal.Decimal // nil only for the 0/0 case
	AverageWin     decimal.Decimal
	AverageLoss    decimal.Decimal
	EquityCurve    []EquityPoint
	ComputedAt     time.Time
}

// MetricsStore persists checkpoint and final MetricsSnapshot rows. Final
// snapshots are immutable once written: ForExecution always returns the
// final snapshot if one exists, else the latest checkpoint, else ok=false.
type MetricsStore interface {
	SaveCheckpoint(ctx context.Context, m *MetricsSnapshot) error
	SaveFinal(ctx context.Context, m *MetricsSnapshot) error
	ForExecution(ctx context.Context, executionID string) (snap *MetricsSnapshot, ok bool, err error)
}
