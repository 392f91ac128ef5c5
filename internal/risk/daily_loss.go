package risk

import (
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// DailyLossStatus reports where the day's PnL sits relative to the limit.
type DailyLossStatus string

const (
	DailyLossOK       DailyLossStatus = "ok"
	DailyLossWarning  DailyLossStatus = "warning"
	DailyLossBreached DailyLossStatus = "breached"
)

// DaySnapshot tracks one UTC trading day.
type DaySnapshot struct {
	Date          string          `json:"date"` // YYYY-MM-DD (UTC)
	StartingValue decimal.Decimal `json:"startingValue"`
	RealizedPnL   decimal.Decimal `json:"realizedPnl"`
	UnrealizedPnL decimal.Decimal `json:"unrealizedPnl"`
	Peak          decimal.Decimal `json:"peak"`
	TradeCount    int             `json:"tradeCount"`
}

// TotalPnL returns realized plus unrealized for the day.
func (d DaySnapshot) TotalPnL() decimal.Decimal {
	return d.RealizedPnL.Add(d.UnrealizedPnL)
}

// DailyLossConfig bounds losses for a single UTC day.
type DailyLossConfig struct {
	MaxLossAbsolute decimal.Decimal `json:"maxLossAbsolute"` // dollars
	MaxLossPct      decimal.Decimal `json:"maxLossPct"`      // fraction of starting value
	WarningFraction decimal.Decimal `json:"warningFraction"` // fraction of limit that emits a warning
}

// DefaultDailyLossConfig returns the standard thresholds.
func DefaultDailyLossConfig() DailyLossConfig {
	return DailyLossConfig{
		MaxLossAbsolute: decimal.NewFromInt(5000),
		MaxLossPct:      decimal.NewFromFloat(0.05),
		WarningFraction: decimal.NewFromFloat(0.8),
	}
}

// HaltFunc escalates a breach; wired to KillSwitch.Activate.
type HaltFunc func(reason, source string)

// RolloverListener fires when a new UTC day starts. Listeners run while the
// tracker lock is held and must not call back into the tracker.
type RolloverListener func(date string)

// DailyLossTracker maintains a per-UTC-day snapshot and escalates breaches.
// Day rollover is call-driven: each mutating call lazily resets the snapshot
// when the UTC date has changed since the last one.
type DailyLossTracker struct {
	logger *zap.Logger
	config DailyLossConfig
	halt   HaltFunc
	now    func() time.Time

	mu         sync.Mutex
	day        DaySnapshot
	once       bool // breach already escalated today
	onRollover []RolloverListener
}

// NewDailyLossTracker creates the tracker. halt may be nil for passive use.
func NewDailyLossTracker(logger *zap.Logger, config DailyLossConfig, halt HaltFunc) *DailyLossTracker {
	return &DailyLossTracker{
		logger: logger.Named("daily-loss"),
		config: config,
		halt:   halt,
		now:    time.Now,
	}
}

// OnRollover registers a listener for day transitions. Other per-day state
// (breaker anchors) resets through this hook.
func (dl *DailyLossTracker) OnRollover(l RolloverListener) {
	dl.mu.Lock()
	defer dl.mu.Unlock()
	dl.onRollover = append(dl.onRollover, l)
}

// InitializeDay seeds the snapshot for the current UTC day.
func (dl *DailyLossTracker) InitializeDay(startingValue decimal.Decimal) {
	dl.mu.Lock()
	defer dl.mu.Unlock()
	dl.resetLocked(dl.utcDate(), startingValue)
}

// RecordRealized adds a realized PnL delta from a closed trade.
func (dl *DailyLossTracker) RecordRealized(pnl decimal.Decimal) DailyLossStatus {
	dl.mu.Lock()
	dl.rolloverLocked()
	dl.day.RealizedPnL = dl.day.RealizedPnL.Add(pnl)
	dl.day.TradeCount++
	dl.trackPeakLocked()
	return dl.evaluateLocked()
}

// RecordUnrealized replaces the day's unrealized PnL mark.
func (dl *DailyLossTracker) RecordUnrealized(pnl decimal.Decimal) DailyLossStatus {
	dl.mu.Lock()
	dl.rolloverLocked()
	dl.day.UnrealizedPnL = pnl
	dl.trackPeakLocked()
	return dl.evaluateLocked()
}

// Snapshot returns a copy of the current day.
func (dl *DailyLossTracker) Snapshot() DaySnapshot {
	dl.mu.Lock()
	defer dl.mu.Unlock()
	dl.rolloverLocked()
	return dl.day
}

func (dl *DailyLossTracker) utcDate() string {
	return dl.now().UTC().Format("2006-01-02")
}

func (dl *DailyLossTracker) rolloverLocked() {
	date := dl.utcDate()
	if dl.day.Date != date {
		// Carry the previous day's ending value forward as the new start.
		start := dl.day.StartingValue.Add(dl.day.TotalPnL())
		dl.resetLocked(date, start)
		for _, l := range dl.onRollover {
			l(date)
		}
	}
}

func (dl *DailyLossTracker) resetLocked(date string, start decimal.Decimal) {
	dl.day = DaySnapshot{Date: date, StartingValue: start, Peak: start}
	dl.once = false
}

func (dl *DailyLossTracker) trackPeakLocked() {
	value := dl.day.StartingValue.Add(dl.day.TotalPnL())
	if value.GreaterThan(dl.day.Peak) {
		dl.day.Peak = value
	}
}

// evaluateLocked releases the mutex before invoking halt so listeners may
// call back into the tracker.
func (dl *DailyLossTracker) evaluateLocked() DailyLossStatus {
	loss := dl.day.TotalPnL().Neg()
	limit := dl.effectiveLimitLocked()
	breached := loss.GreaterThan(limit)
	warned := !breached && loss.GreaterThan(limit.Mul(dl.config.WarningFraction))
	escalate := breached && !dl.once
	if escalate {
		dl.once = true
	}
	lossStr, limitStr := loss.String(), limit.String()
	dl.mu.Unlock()

	switch {
	case breached:
		if escalate {
			reason := fmt.Sprintf("Daily loss limit breached: loss %s exceeds limit %s", lossStr, limitStr)
			dl.logger.Error("Daily loss limit breached",
				zap.String("loss", lossStr), zap.String("limit", limitStr))
			if dl.halt != nil {
				dl.halt(reason, "daily_loss")
			}
		}
		return DailyLossBreached
	case warned:
		dl.logger.Warn("Approaching daily loss limit",
			zap.String("loss", lossStr), zap.String("limit", limitStr))
		return DailyLossWarning
	default:
		return DailyLossOK
	}
}

// effectiveLimitLocked is the tighter of the absolute and percentage limits.
func (dl *DailyLossTracker) effectiveLimitLocked() decimal.Decimal {
	limit := dl.config.MaxLossAbsolute
	if dl.config.MaxLossPct.IsPositive() && dl.day.StartingValue.IsPositive() {
		pctLimit := dl.day.StartingValue.Mul(dl.config.MaxLossPct)
		if pctLimit.LessThan(limit) || limit.IsZero() {
			limit = pctLimit
		}
	}
	return limit
}
