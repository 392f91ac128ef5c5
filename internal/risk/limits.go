// Package risk provides the pre-trade limit checks and loss trackers that
// gate order routing.
package risk

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/kestrelquant/tradecore/pkg/types"
)

// Result is the outcome of a single limiter check. A check that returns
// Allowed=false must prevent the order from reaching the broker adapter.
type Result struct {
	Allowed      bool            `json:"allowed"`
	Reason       string          `json:"reason,omitempty"`
	CurrentValue decimal.Decimal `json:"currentValue,omitempty"`
	Limit        decimal.Decimal `json:"limit,omitempty"`
}

func allow() Result {
	return Result{Allowed: true}
}

func deny(reason string, current, limit decimal.Decimal) Result {
	return Result{Allowed: false, Reason: reason, CurrentValue: current, Limit: limit}
}

// PositionLimitConfig bounds share counts per symbol and position count.
type PositionLimitConfig struct {
	MaxSharesPerSymbol decimal.Decimal `json:"maxSharesPerSymbol"`
	MaxTotalPositions  int             `json:"maxTotalPositions"`
}

// DefaultPositionLimitConfig returns the standard ceilings.
func DefaultPositionLimitConfig() PositionLimitConfig {
	return PositionLimitConfig{
		MaxSharesPerSymbol: decimal.NewFromInt(10000),
		MaxTotalPositions:  20,
	}
}

// PositionLimits enforces per-symbol share ceilings and a total position
// count ceiling. It holds no position truth of its own: callers pass a
// snapshot of current positions on every check.
type PositionLimits struct {
	logger *zap.Logger
	mu     sync.RWMutex
	config PositionLimitConfig
}

// NewPositionLimits creates the limiter.
func NewPositionLimits(logger *zap.Logger, config PositionLimitConfig) *PositionLimits {
	return &PositionLimits{logger: logger.Named("position-limits"), config: config}
}

// Check validates an order against the configured ceilings. Sells are
// validated against currently held quantity; insufficient position is a hard
// rejection, never clamped.
func (pl *PositionLimits) Check(ctx context.Context, order *types.Order, positions map[string]*types.Position) Result {
	pl.mu.RLock()
	cfg := pl.config
	pl.mu.RUnlock()

	held := decimal.Zero
	if pos, ok := positions[order.Symbol]; ok {
		held = pos.Quantity
	}

	if order.Side == types.OrderSideSell {
		if order.Quantity.GreaterThan(held) {
			return deny(
				fmt.Sprintf("insufficient position in %s: have %s, selling %s", order.Symbol, held, order.Quantity),
				held, order.Quantity)
		}
		return allow()
	}

	newQty := held.Add(order.Quantity)
	if newQty.GreaterThan(cfg.MaxSharesPerSymbol) {
		return deny(
			fmt.Sprintf("position limit exceeded for %s", order.Symbol),
			newQty, cfg.MaxSharesPerSymbol)
	}

	if _, exists := positions[order.Symbol]; !exists && len(positions) >= cfg.MaxTotalPositions {
		return deny(
			"maximum open position count reached",
			decimal.NewFromInt(int64(len(positions))),
			decimal.NewFromInt(int64(cfg.MaxTotalPositions)))
	}

	return allow()
}

// UpdateConfig replaces the ceilings.
func (pl *PositionLimits) UpdateConfig(config PositionLimitConfig) {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	pl.config = config
}

// ExposureLimitConfig bounds dollar exposure.
type ExposureLimitConfig struct {
	MaxGrossExposure decimal.Decimal            `json:"maxGrossExposure"` // long + short
	MaxNetExposure   decimal.Decimal            `json:"maxNetExposure"`   // long - short
	SectorLimits     map[string]decimal.Decimal `json:"sectorLimits"`
	AssetClassLimits map[string]decimal.Decimal `json:"assetClassLimits"`
}

// DefaultExposureLimitConfig returns the standard ceilings.
func DefaultExposureLimitConfig() ExposureLimitConfig {
	return ExposureLimitConfig{
		MaxGrossExposure: decimal.NewFromInt(500000),
		MaxNetExposure:   decimal.NewFromInt(250000),
		SectorLimits:     map[string]decimal.Decimal{},
		AssetClassLimits: map[string]decimal.Decimal{},
	}
}

// ExposureLimits enforces gross/net and sector/asset-class dollar ceilings
// from a caller-supplied snapshot of positions (pull-based; the limiter
// holds no independent truth about positions).
type ExposureLimits struct {
	logger *zap.Logger
	mu     sync.RWMutex
	config ExposureLimitConfig
}

// NewExposureLimits creates the limiter.
func NewExposureLimits(logger *zap.Logger, config ExposureLimitConfig) *ExposureLimits {
	return &ExposureLimits{logger: logger.Named("exposure-limits"), config: config}
}

// Check validates the order's notional cost (quantity x price) against the
// ceilings given the current position snapshot.
func (el *ExposureLimits) Check(ctx context.Context, order *types.Order, positions map[string]*types.Position) Result {
	el.mu.RLock()
	cfg := el.config
	el.mu.RUnlock()

	cost := order.Quantity.Mul(order.Price)

	long := decimal.Zero
	short := decimal.Zero
	sectorExp := make(map[string]decimal.Decimal)
	classExp := make(map[string]decimal.Decimal)
	var orderSector, orderClass string

	for _, pos := range positions {
		value := pos.MarketValue()
		if value.IsNegative() {
			short = short.Add(value.Abs())
		} else {
			long = long.Add(value)
		}
		if pos.Sector != "" {
			sectorExp[pos.Sector] = sectorExp[pos.Sector].Add(value.Abs())
		}
		if pos.AssetClass != "" {
			classExp[pos.AssetClass] = classExp[pos.AssetClass].Add(value.Abs())
		}
		if pos.Symbol == order.Symbol {
			orderSector = pos.Sector
			orderClass = pos.AssetClass
		}
	}

	var newLong, newShort = long, short
	if order.Side == types.OrderSideBuy {
		newLong = long.Add(cost)
	} else {
		newShort = short.Add(cost)
	}

	gross := newLong.Add(newShort)
	if gross.GreaterThan(cfg.MaxGrossExposure) {
		return deny("gross exposure limit exceeded", gross, cfg.MaxGrossExposure)
	}

	net := newLong.Sub(newShort).Abs()
	if net.GreaterThan(cfg.MaxNetExposure) {
		return deny("net exposure limit exceeded", net, cfg.MaxNetExposure)
	}

	if orderSector != "" {
		if limit, ok := cfg.SectorLimits[orderSector]; ok {
			exp := sectorExp[orderSector].Add(cost)
			if exp.GreaterThan(limit) {
				return deny(fmt.Sprintf("sector exposure limit exceeded for %s", orderSector), exp, limit)
			}
		}
	}

	if orderClass != "" {
		if limit, ok := cfg.AssetClassLimits[orderClass]; ok {
			exp := classExp[orderClass].Add(cost)
			if exp.GreaterThan(limit) {
				return deny(fmt.Sprintf("asset class exposure limit exceeded for %s", orderClass), exp, limit)
			}
		}
	}

	return allow()
}

// UpdateConfig replaces the ceilings.
func (el *ExposureLimits) UpdateConfig(config ExposureLimitConfig) {
	el.mu.Lock()
	defer el.mu.Unlock()
	el.config = config
}
