// Package types provides shared type definitions for the trading core.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide represents buy or sell
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// OrderType represents the type of order
type OrderType string

const (
	OrderTypeMarket    OrderType = "market"
	OrderTypeLimit     OrderType = "limit"
	OrderTypeStop      OrderType = "stop"
	OrderTypeStopLimit OrderType = "stop_limit"
)

// OrderStatus represents the status of an order
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusOpen      OrderStatus = "open"
	OrderStatusFilled    OrderStatus = "filled"
	OrderStatusCancelled OrderStatus = "cancelled"
	OrderStatusRejected  OrderStatus = "rejected"
)

// IsTerminal reports whether the status admits no further transitions.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusFilled || s == OrderStatusCancelled || s == OrderStatusRejected
}

// OHLCV represents a single candlestick
type OHLCV struct {
	Timestamp time.Time       `json:"timestamp"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
}

// Order represents a trading order. Only the broker adapter mutates an order
// during its lifecycle; once terminal it is never modified again.
type Order struct {
	ID           string          `json:"id"`
	Symbol       string          `json:"symbol"`
	Side         OrderSide       `json:"side"`
	Type         OrderType       `json:"type"`
	Quantity     decimal.Decimal `json:"quantity"`
	Price        decimal.Decimal `json:"price,omitempty"`
	StopPrice    decimal.Decimal `json:"stopPrice,omitempty"`
	Status       OrderStatus     `json:"status"`
	FilledQty    decimal.Decimal `json:"filledQty"`
	AvgFillPrice decimal.Decimal `json:"avgFillPrice"`
	Commission   decimal.Decimal `json:"commission"`
	CreatedAt    time.Time       `json:"createdAt"`
	UpdatedAt    time.Time       `json:"updatedAt"`
	FilledAt     *time.Time      `json:"filledAt,omitempty"`
}

// Trade represents an executed fill. Trades are immutable once created.
type Trade struct {
	ID         string          `json:"id"`
	OrderID    string          `json:"orderId"`
	Symbol     string          `json:"symbol"`
	Side       OrderSide       `json:"side"`
	Quantity   decimal.Decimal `json:"quantity"`
	Price      decimal.Decimal `json:"price"`
	Commission decimal.Decimal `json:"commission"`
	PnL        decimal.Decimal `json:"pnl"`
	ExecutedAt time.Time       `json:"executedAt"`
}

// Position represents a per-symbol aggregate holding.
type Position struct {
	Symbol        string          `json:"symbol"`
	Quantity      decimal.Decimal `json:"quantity"`
	AvgPrice      decimal.Decimal `json:"avgPrice"`
	CurrentPrice  decimal.Decimal `json:"currentPrice"`
	UnrealizedPnL decimal.Decimal `json:"unrealizedPnl"`
	RealizedPnL   decimal.Decimal `json:"realizedPnl"`
	Sector        string          `json:"sector,omitempty"`
	AssetClass    string          `json:"assetClass,omitempty"`
	OpenedAt      time.Time       `json:"openedAt"`
}

// MarketValue returns quantity times the current mark.
func (p *Position) MarketValue() decimal.Decimal {
	return p.Quantity.Mul(p.CurrentPrice)
}

// Quote is a point-in-time price snapshot for a symbol.
type Quote struct {
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	Timestamp time.Time       `json:"timestamp"`
}

// StrategyStatus is a lifecycle stage of a strategy version.
type StrategyStatus string

const (
	StrategyStatusDraft    StrategyStatus = "draft"
	StrategyStatusBacktest StrategyStatus = "backtest"
	StrategyStatusPaper    StrategyStatus = "paper"
	StrategyStatusLive     StrategyStatus = "live"
	StrategyStatusRetired  StrategyStatus = "retired"
)

// Strategy is a versioned strategy record held by the registry.
type Strategy struct {
	ID         string         `json:"id"`
	Version    int            `json:"version"`
	Name       string         `json:"name"`
	Status     StrategyStatus `json:"status"`
	Parameters map[string]any `json:"parameters"`
	CreatedAt  time.Time      `json:"createdAt"`
	UpdatedAt  time.Time      `json:"updatedAt"`
}

// StrategyPerformance is a derived snapshot of returns and risk ratios tied
// to one strategy version.
type StrategyPerformance struct {
	StrategyID   string    `json:"strategyId"`
	Version      int       `json:"version"`
	SharpeRatio  float64   `json:"sharpeRatio"`
	CalmarRatio  float64   `json:"calmarRatio"`
	WinRate      float64   `json:"winRate"`
	ProfitFactor float64   `json:"profitFactor"`
	TotalTrades  int       `json:"totalTrades"`
	Returns      []float64 `json:"returns"`
	MeasuredAt   time.Time `json:"measuredAt"`
}

// RegimeType classifies the market state.
type RegimeType string

const (
	RegimeBull     RegimeType = "bull"
	RegimeBear     RegimeType = "bear"
	RegimeSideways RegimeType = "sideways"
	RegimeVolatile RegimeType = "volatile"
	RegimeCrisis   RegimeType = "crisis"
)

// MarketRegime is the output of one detection pass.
type MarketRegime struct {
	Type       RegimeType         `json:"type"`
	Confidence float64            `json:"confidence"`
	Indicators map[string]float64 `json:"indicators"`
	DetectedAt time.Time          `json:"detectedAt"`
}

// BacktestResult is the outcome of replaying a strategy over history.
type BacktestResult struct {
	StrategyID       string          `json:"strategyId"`
	Symbol           string          `json:"symbol"`
	StartDate        time.Time       `json:"startDate"`
	EndDate          time.Time       `json:"endDate"`
	InitialCapital   decimal.Decimal `json:"initialCapital"`
	FinalCapital     decimal.Decimal `json:"finalCapital"`
	TotalReturn      float64         `json:"totalReturn"`
	AnnualizedReturn float64         `json:"annualizedReturn"`
	MaxDrawdown      float64         `json:"maxDrawdown"`
	SharpeRatio      float64         `json:"sharpeRatio"`
	WinRate          float64         `json:"winRate"`
	TotalTrades      int             `json:"totalTrades"`
	Trades           []Trade         `json:"trades"`
	BarReturns       []float64       `json:"barReturns"`
}
