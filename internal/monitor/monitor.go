// Package monitor provides the PnL observability layer and anomaly alerts
// consumed by the circuit breakers and the API surface.
package monitor

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/kestrelquant/tradecore/pkg/types"
)

// maxAnomalies bounds the retained alert history.
const maxAnomalies = 500

// AnomalySeverity grades an alert.
type AnomalySeverity string

const (
	SeverityInfo     AnomalySeverity = "info"
	SeverityWarning  AnomalySeverity = "warning"
	SeverityCritical AnomalySeverity = "critical"
)

// Anomaly is one append-only alert record.
type Anomaly struct {
	Kind       string          `json:"kind"`
	Severity   AnomalySeverity `json:"severity"`
	Symbol     string          `json:"symbol,omitempty"`
	Message    string          `json:"message"`
	Value      float64         `json:"value,omitempty"`
	Threshold  float64         `json:"threshold,omitempty"`
	DetectedAt time.Time       `json:"detectedAt"`
}

// AnomalyListener is invoked synchronously for each recorded anomaly.
type AnomalyListener func(a Anomaly)

// PnLSnapshot is the monitor's aggregate view.
type PnLSnapshot struct {
	RealizedPnL   decimal.Decimal `json:"realizedPnl"`
	UnrealizedPnL decimal.Decimal `json:"unrealizedPnl"`
	TotalPnL      decimal.Decimal `json:"totalPnl"`
	TradeCount    int             `json:"tradeCount"`
	WinCount      int             `json:"winCount"`
	LossCount     int             `json:"lossCount"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

// PnLMonitor consumes trades and position marks, exposing running PnL
// totals and emitting anomalies on unusual observations.
type PnLMonitor struct {
	logger *zap.Logger

	mu        sync.Mutex
	snapshot  PnLSnapshot
	unreal    map[string]decimal.Decimal // per-symbol unrealized
	anomalies []Anomaly
	listeners []AnomalyListener

	// consecutive loss streak for alerting
	lossStreak    int
	maxLossStreak int
}

// NewPnLMonitor creates the monitor. maxLossStreak <= 0 disables streak
// alerts.
func NewPnLMonitor(logger *zap.Logger, maxLossStreak int) *PnLMonitor {
	return &PnLMonitor{
		logger:        logger.Named("pnl-monitor"),
		unreal:        make(map[string]decimal.Decimal),
		maxLossStreak: maxLossStreak,
	}
}

// OnAnomaly registers a listener invoked synchronously per anomaly.
func (m *PnLMonitor) OnAnomaly(l AnomalyListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

// RecordTrade folds an executed trade into the running totals. Sells carry
// realized PnL; buys only count toward trade volume.
func (m *PnLMonitor) RecordTrade(trade *types.Trade) {
	m.mu.Lock()
	m.snapshot.TradeCount++
	var alert *Anomaly
	if trade.Side == types.OrderSideSell {
		m.snapshot.RealizedPnL = m.snapshot.RealizedPnL.Add(trade.PnL)
		if trade.PnL.IsNegative() {
			m.snapshot.LossCount++
			m.lossStreak++
			if m.maxLossStreak > 0 && m.lossStreak >= m.maxLossStreak {
				alert = &Anomaly{
					Kind:       "loss_streak",
					Severity:   SeverityWarning,
					Symbol:     trade.Symbol,
					Message:    "consecutive losing trades",
					Value:      float64(m.lossStreak),
					Threshold:  float64(m.maxLossStreak),
					DetectedAt: time.Now(),
				}
			}
		} else {
			m.snapshot.WinCount++
			m.lossStreak = 0
		}
	}
	m.recomputeLocked()
	m.mu.Unlock()

	if alert != nil {
		m.Record(*alert)
	}
}

// MarkPosition updates the unrealized PnL contribution of one symbol.
func (m *PnLMonitor) MarkPosition(pos *types.Position) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if pos.Quantity.IsZero() {
		delete(m.unreal, pos.Symbol)
	} else {
		m.unreal[pos.Symbol] = pos.UnrealizedPnL
	}
	m.recomputeLocked()
}

func (m *PnLMonitor) recomputeLocked() {
	total := decimal.Zero
	for _, u := range m.unreal {
		total = total.Add(u)
	}
	m.snapshot.UnrealizedPnL = total
	m.snapshot.TotalPnL = m.snapshot.RealizedPnL.Add(total)
	m.snapshot.UpdatedAt = time.Now()
}

// Record appends an anomaly (bounded to the last 500) and notifies
// listeners synchronously.
func (m *PnLMonitor) Record(a Anomaly) {
	m.mu.Lock()
	m.anomalies = append(m.anomalies, a)
	if len(m.anomalies) > maxAnomalies {
		m.anomalies = m.anomalies[len(m.anomalies)-maxAnomalies:]
	}
	listeners := append([]AnomalyListener(nil), m.listeners...)
	m.mu.Unlock()

	m.logger.Warn("Anomaly recorded",
		zap.String("kind", a.Kind),
		zap.String("severity", string(a.Severity)),
		zap.String("message", a.Message))
	for _, l := range listeners {
		l(a)
	}
}

// Snapshot returns the current PnL aggregate.
func (m *PnLMonitor) Snapshot() PnLSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshot
}

// Anomalies returns up to limit most recent alerts.
func (m *PnLMonitor) Anomalies(limit int) []Anomaly {
	m.mu.Lock()
	defer m.mu.Unlock()

	if limit <= 0 || limit > len(m.anomalies) {
		limit = len(m.anomalies)
	}
	start := len(m.anomalies) - limit
	out := make([]Anomaly, limit)
	copy(out, m.anomalies[start:])
	return out
}
