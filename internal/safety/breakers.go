package safety

import (
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// BreakerKind identifies one of the independent anomaly detectors.
type BreakerKind string

const (
	BreakerVolatility BreakerKind = "volatility"
	BreakerStaleData  BreakerKind = "stale_data"
	BreakerLatency    BreakerKind = "latency"
	BreakerErrorRate  BreakerKind = "error_rate"
	BreakerVolume     BreakerKind = "volume"
)

// BreakerState is a snapshot of one breaker. CooldownUntil is advisory
// metadata: re-triggers inside the window are still recorded and the kill
// switch is still activated.
type BreakerState struct {
	Kind          BreakerKind `json:"kind"`
	Tripped       bool        `json:"tripped"`
	TripCount     int         `json:"tripCount"`
	LastValue     float64     `json:"lastValue"`
	Threshold     float64     `json:"threshold"`
	LastTrippedAt time.Time   `json:"lastTrippedAt,omitempty"`
	CooldownUntil time.Time   `json:"cooldownUntil,omitempty"`
}

// BreakerConfig holds the thresholds for all five detectors.
type BreakerConfig struct {
	MaxIntradayMovePct float64       `json:"maxIntradayMovePct"` // volatility: % move from day open
	MaxStalenessSec    float64       `json:"maxStalenessSec"`    // data quality: seconds since last tick
	MaxLatencyMs       float64       `json:"maxLatencyMs"`       // broker call latency
	MaxErrorRate       float64       `json:"maxErrorRate"`       // ratio over rolling window
	ErrorRateWindow    int           `json:"errorRateWindow"`    // rolling sample window
	ErrorRateMinCalls  int           `json:"errorRateMinCalls"`  // samples required before evaluating
	MaxVolumeRatio     float64       `json:"maxVolumeRatio"`     // volume vs average
	Cooldown           time.Duration `json:"cooldown"`
}

// DefaultBreakerConfig returns the standard thresholds.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxIntradayMovePct: 10.0,
		MaxStalenessSec:    60,
		MaxLatencyMs:       5000,
		MaxErrorRate:       0.25,
		ErrorRateWindow:    100,
		ErrorRateMinCalls:  10,
		MaxVolumeRatio:     5.0,
		Cooldown:           5 * time.Minute,
	}
}

// BreakerPanel evaluates the five detectors and escalates any trip to the
// kill switch.
type BreakerPanel struct {
	logger     *zap.Logger
	config     BreakerConfig
	killSwitch *KillSwitch

	mu        sync.Mutex
	states    map[BreakerKind]*BreakerState
	dayOpen   map[string]decimal.Decimal // symbol -> first price of day
	callOK    []bool                     // rolling broker-call outcomes
	avgVolume map[string]decimal.Decimal
}

// NewBreakerPanel creates the panel wired to the given kill switch.
func NewBreakerPanel(logger *zap.Logger, config BreakerConfig, ks *KillSwitch) *BreakerPanel {
	states := make(map[BreakerKind]*BreakerState)
	thresholds := map[BreakerKind]float64{
		BreakerVolatility: config.MaxIntradayMovePct,
		BreakerStaleData:  config.MaxStalenessSec,
		BreakerLatency:    config.MaxLatencyMs,
		BreakerErrorRate:  config.MaxErrorRate,
		BreakerVolume:     config.MaxVolumeRatio,
	}
	for kind, threshold := range thresholds {
		states[kind] = &BreakerState{Kind: kind, Threshold: threshold}
	}
	return &BreakerPanel{
		logger:     logger.Named("breakers"),
		config:     config,
		killSwitch: ks,
		states:     states,
		dayOpen:    make(map[string]decimal.Decimal),
		avgVolume:  make(map[string]decimal.Decimal),
	}
}

// ObservePrice feeds a price tick into the volatility detector.
func (bp *BreakerPanel) ObservePrice(symbol string, price decimal.Decimal) {
	bp.mu.Lock()
	open, ok := bp.dayOpen[symbol]
	if !ok || open.IsZero() {
		bp.dayOpen[symbol] = price
		bp.mu.Unlock()
		return
	}
	movePct, _ := price.Sub(open).Div(open).Abs().Mul(decimal.NewFromInt(100)).Float64()
	bp.mu.Unlock()

	bp.evaluate(BreakerVolatility, movePct,
		fmt.Sprintf("intraday move %.2f%% on %s exceeds %.2f%%", movePct, symbol, bp.config.MaxIntradayMovePct))
}

// ObserveDataAge feeds the age of the freshest market data.
func (bp *BreakerPanel) ObserveDataAge(symbol string, age time.Duration) {
	bp.evaluate(BreakerStaleData, age.Seconds(),
		fmt.Sprintf("market data for %s stale by %.0fs", symbol, age.Seconds()))
}

// ObserveLatency feeds a broker call round-trip time.
func (bp *BreakerPanel) ObserveLatency(latency time.Duration) {
	ms := float64(latency.Milliseconds())
	bp.evaluate(BreakerLatency, ms,
		fmt.Sprintf("broker latency %.0fms exceeds %.0fms", ms, bp.config.MaxLatencyMs))
}

// ObserveCall records a broker call outcome into the rolling error-rate
// window. The detector stays silent until ErrorRateMinCalls samples exist.
func (bp *BreakerPanel) ObserveCall(ok bool) {
	bp.mu.Lock()
	bp.callOK = append(bp.callOK, ok)
	if len(bp.callOK) > bp.config.ErrorRateWindow {
		bp.callOK = bp.callOK[len(bp.callOK)-bp.config.ErrorRateWindow:]
	}
	if len(bp.callOK) < bp.config.ErrorRateMinCalls {
		bp.mu.Unlock()
		return
	}
	errors := 0
	for _, v := range bp.callOK {
		if !v {
			errors++
		}
	}
	rate := float64(errors) / float64(len(bp.callOK))
	bp.mu.Unlock()

	bp.evaluate(BreakerErrorRate, rate,
		fmt.Sprintf("broker error rate %.2f exceeds %.2f", rate, bp.config.MaxErrorRate))
}

// ObserveVolume compares a bar's volume against the running average.
func (bp *BreakerPanel) ObserveVolume(symbol string, volume decimal.Decimal) {
	bp.mu.Lock()
	avg := bp.avgVolume[symbol]
	if avg.IsZero() {
		bp.avgVolume[symbol] = volume
		bp.mu.Unlock()
		return
	}
	ratio, _ := volume.Div(avg).Float64()
	// EMA with 0.1 weight on the new observation.
	bp.avgVolume[symbol] = avg.Mul(decimal.NewFromFloat(0.9)).Add(volume.Mul(decimal.NewFromFloat(0.1)))
	bp.mu.Unlock()

	bp.evaluate(BreakerVolume, ratio,
		fmt.Sprintf("volume ratio %.2f on %s exceeds %.2f", ratio, symbol, bp.config.MaxVolumeRatio))
}

// ResetDay clears per-day price anchors.
func (bp *BreakerPanel) ResetDay() {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	bp.dayOpen = make(map[string]decimal.Decimal)
}

// States returns a snapshot of all breaker states.
func (bp *BreakerPanel) States() []BreakerState {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	out := make([]BreakerState, 0, len(bp.states))
	for _, s := range bp.states {
		out = append(out, *s)
	}
	return out
}

func (bp *BreakerPanel) evaluate(kind BreakerKind, value float64, reason string) {
	bp.mu.Lock()
	state := bp.states[kind]
	state.LastValue = value
	if value <= state.Threshold {
		bp.mu.Unlock()
		return
	}

	now := time.Now()
	state.Tripped = true
	state.TripCount++
	state.LastTrippedAt = now
	inCooldown := now.Before(state.CooldownUntil)
	if !inCooldown {
		state.CooldownUntil = now.Add(bp.config.Cooldown)
	}
	bp.mu.Unlock()

	bp.logger.Warn("Circuit breaker tripped",
		zap.String("breaker", string(kind)),
		zap.Float64("value", value),
		zap.Bool("inCooldown", inCooldown))

	// Cooldown is advisory: the halt is never suppressed.
	bp.killSwitch.Activate(reason, "circuit_breaker:"+string(kind))
}
