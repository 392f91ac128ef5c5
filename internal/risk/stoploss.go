package risk

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// StopKind selects the stop-loss flavor for a symbol.
type StopKind string

const (
	StopFixed     StopKind = "fixed"
	StopTrailing  StopKind = "trailing"
	StopTimeBased StopKind = "time_based"
)

// Stop tracks one symbol's protective stop.
type Stop struct {
	Symbol      string          `json:"symbol"`
	Kind        StopKind        `json:"kind"`
	StopPrice   decimal.Decimal `json:"stopPrice"`
	TrailPct    decimal.Decimal `json:"trailPct,omitempty"` // trailing distance as a fraction
	HighWater   decimal.Decimal `json:"highWater,omitempty"`
	MaxHoldDays int             `json:"maxHoldDays,omitempty"`
	OpenedAt    time.Time       `json:"openedAt"`
	Triggered   bool            `json:"triggered"`
	TriggeredAt time.Time       `json:"triggeredAt,omitempty"`
}

// StopLossPolicy manages per-symbol stops. The trailing stop price ratchets
// up only on new highs and never decreases.
type StopLossPolicy struct {
	logger *zap.Logger
	now    func() time.Time

	mu    sync.Mutex
	stops map[string]*Stop
}

// NewStopLossPolicy creates an empty policy.
func NewStopLossPolicy(logger *zap.Logger) *StopLossPolicy {
	return &StopLossPolicy{
		logger: logger.Named("stop-loss"),
		now:    time.Now,
		stops:  make(map[string]*Stop),
	}
}

// SetFixed installs a fixed stop at the given price.
func (sp *StopLossPolicy) SetFixed(symbol string, stopPrice decimal.Decimal) {
	sp.set(&Stop{Symbol: symbol, Kind: StopFixed, StopPrice: stopPrice, OpenedAt: sp.now()})
}

// SetTrailing installs a trailing stop at trailPct below the entry price.
func (sp *StopLossPolicy) SetTrailing(symbol string, entryPrice, trailPct decimal.Decimal) {
	sp.set(&Stop{
		Symbol:    symbol,
		Kind:      StopTrailing,
		TrailPct:  trailPct,
		HighWater: entryPrice,
		StopPrice: entryPrice.Mul(decimal.NewFromInt(1).Sub(trailPct)),
		OpenedAt:  sp.now(),
	})
}

// SetTimeBased installs a maximum-holding-period stop.
func (sp *StopLossPolicy) SetTimeBased(symbol string, maxHoldDays int) {
	sp.set(&Stop{Symbol: symbol, Kind: StopTimeBased, MaxHoldDays: maxHoldDays, OpenedAt: sp.now()})
}

func (sp *StopLossPolicy) set(stop *Stop) {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	sp.stops[stop.Symbol] = stop
}

// UpdatePrice feeds a price tick for the symbol and reports whether its stop
// triggered. Triggered stops stay triggered until cleared.
func (sp *StopLossPolicy) UpdatePrice(symbol string, price decimal.Decimal) bool {
	sp.mu.Lock()
	defer sp.mu.Unlock()

	stop, ok := sp.stops[symbol]
	if !ok {
		return false
	}
	if stop.Triggered {
		return true
	}

	switch stop.Kind {
	case StopFixed:
		if price.LessThanOrEqual(stop.StopPrice) {
			sp.triggerLocked(stop, price)
			return true
		}
	case StopTrailing:
		if price.GreaterThan(stop.HighWater) {
			stop.HighWater = price
			candidate := price.Mul(decimal.NewFromInt(1).Sub(stop.TrailPct))
			// Ratchet up only: the stop price never decreases.
			if candidate.GreaterThan(stop.StopPrice) {
				stop.StopPrice = candidate
			}
		}
		if price.LessThanOrEqual(stop.StopPrice) {
			sp.triggerLocked(stop, price)
			return true
		}
	case StopTimeBased:
		held := sp.now().Sub(stop.OpenedAt)
		if held >= time.Duration(stop.MaxHoldDays)*24*time.Hour {
			sp.triggerLocked(stop, price)
			return true
		}
	}
	return false
}

func (sp *StopLossPolicy) triggerLocked(stop *Stop, price decimal.Decimal) {
	stop.Triggered = true
	stop.TriggeredAt = sp.now()
	sp.logger.Info("Stop triggered",
		zap.String("symbol", stop.Symbol),
		zap.String("kind", string(stop.Kind)),
		zap.String("price", price.String()),
		zap.String("stopPrice", stop.StopPrice.String()))
}

// Get returns a copy of the stop for a symbol.
func (sp *StopLossPolicy) Get(symbol string) (Stop, bool) {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	stop, ok := sp.stops[symbol]
	if !ok {
		return Stop{}, false
	}
	return *stop, true
}

// Clear removes the stop for a symbol, typically after the position closes.
func (sp *StopLossPolicy) Clear(symbol string) {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	delete(sp.stops, symbol)
}
