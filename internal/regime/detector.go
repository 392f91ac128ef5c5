// Package regime classifies market conditions from trailing bar windows
// and exposes regime-conditioned tuning hints for execution logic.
package regime

import (
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kestrelquant/tradecore/pkg/types"
)

// maxHistory bounds the retained regime ring.
const maxHistory = 1000

// Indicators is the snapshot the classification was derived from.
type Indicators struct {
	Trend      float64 `json:"trend"`      // -1..1, normalized window return direction
	Volatility float64 `json:"volatility"` // annualized
	Momentum   float64 `json:"momentum"`   // recent vs earlier window return
	Breadth    float64 `json:"breadth"`    // fraction of up bars, 0..1
}

// Adjustments are regime-conditioned tuning hints. They are advisory;
// consumers decide whether to apply them.
type Adjustments struct {
	PositionSizeMultiplier float64  `json:"positionSizeMultiplier"`
	StopLossMultiplier     float64  `json:"stopLossMultiplier"`
	TakeProfitMultiplier   float64  `json:"takeProfitMultiplier"`
	PreferredStyles        []string `json:"preferredStyles"`
}

// ChangeListener fires when the classified regime type changes.
type ChangeListener func(previous, current *types.MarketRegime)

// Config tunes the detector.
type Config struct {
	WindowSize      int     `json:"windowSize"`      // bars per classification
	MomentumSplit   int     `json:"momentumSplit"`   // recent bars vs the rest
	VolHighAnnual   float64 `json:"volHighAnnual"`   // volatile threshold
	VolCrisisAnnual float64 `json:"volCrisisAnnual"` // crisis threshold
	TrendThreshold  float64 `json:"trendThreshold"`  // |trend| above this is directional
	CrisisDrawdown  float64 `json:"crisisDrawdown"`  // window drawdown for crisis
}

// DefaultConfig returns standard detection thresholds.
func DefaultConfig() Config {
	return Config{
		WindowSize:      50,
		MomentumSplit:   10,
		VolHighAnnual:   0.30,
		VolCrisisAnnual: 0.60,
		TrendThreshold:  0.25,
		CrisisDrawdown:  0.15,
	}
}

// Detector computes four indicators from a trailing bar window and
// classifies into one of five regime types with a confidence score.
type Detector struct {
	logger *zap.Logger
	config Config

	mu        sync.RWMutex
	bars      []types.OHLCV
	current   *types.MarketRegime
	history   []*types.MarketRegime
	listeners []ChangeListener
}

// NewDetector creates a detector with the given config.
func NewDetector(logger *zap.Logger, config Config) *Detector {
	if config.WindowSize <= 0 {
		config = DefaultConfig()
	}
	return &Detector{
		logger: logger.Named("regime-detector"),
		config: config,
	}
}

// OnChange registers a listener fired synchronously on regime transitions.
func (d *Detector) OnChange(l ChangeListener) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.listeners = append(d.listeners, l)
}

// AddBar appends a bar to the trailing window and reclassifies once the
// window is full. It returns the current regime, which may be nil before
// enough bars have arrived.
func (d *Detector) AddBar(bar types.OHLCV) *types.MarketRegime {
	d.mu.Lock()

	d.bars = append(d.bars, bar)
	if len(d.bars) > d.config.WindowSize*2 {
		d.bars = d.bars[len(d.bars)-d.config.WindowSize:]
	}
	if len(d.bars) < d.config.WindowSize {
		d.mu.Unlock()
		return nil
	}

	window := d.bars[len(d.bars)-d.config.WindowSize:]
	ind := d.computeIndicators(window)
	regimeType, confidence := d.classify(ind, window)

	regime := &types.MarketRegime{
		Type:       regimeType,
		Confidence: confidence,
		Indicators: map[string]float64{
			"trend":      ind.Trend,
			"volatility": ind.Volatility,
			"momentum":   ind.Momentum,
			"breadth":    ind.Breadth,
		},
		DetectedAt: time.Now(),
	}

	previous := d.current
	changed := previous == nil || previous.Type != regime.Type
	d.current = regime
	d.history = append(d.history, regime)
	if len(d.history) > maxHistory {
		d.history = d.history[len(d.history)/2:]
	}
	listeners := append([]ChangeListener(nil), d.listeners...)
	d.mu.Unlock()

	if changed {
		d.logger.Info("Regime changed",
			zap.String("type", string(regime.Type)),
			zap.Float64("confidence", regime.Confidence),
			zap.Float64("volatility", ind.Volatility))
		for _, l := range listeners {
			l(previous, regime)
		}
	}
	return regime
}

// AddBars replays a bar series through the detector.
func (d *Detector) AddBars(bars []types.OHLCV) *types.MarketRegime {
	var last *types.MarketRegime
	for _, bar := range bars {
		if r := d.AddBar(bar); r != nil {
			last = r
		}
	}
	return last
}

func (d *Detector) computeIndicators(window []types.OHLCV) Indicators {
	returns := barReturns(window)
	if len(returns) == 0 {
		return Indicators{}
	}

	// Trend: cumulative return scaled by realized range, clamped to [-1, 1].
	total := 0.0
	upBars := 0
	for _, r := range returns {
		total += r
		if r > 0 {
			upBars++
		}
	}
	vol := stdDev(returns)
	trend := 0.0
	if vol > 0 {
		trend = total / (vol * math.Sqrt(float64(len(returns))))
	}
	trend = clamp(trend, -1, 1)

	// Momentum: mean return of the recent split vs the earlier remainder.
	split := d.config.MomentumSplit
	if split >= len(returns) {
		split = len(returns) / 2
	}
	momentum := 0.0
	if split > 0 {
		recent := mean(returns[len(returns)-split:])
		earlier := mean(returns[:len(returns)-split])
		momentum = recent - earlier
	}

	return Indicators{
		Trend:      trend,
		Volatility: vol * math.Sqrt(252),
		Momentum:   momentum,
		Breadth:    float64(upBars) / float64(len(returns)),
	}
}

// classify maps the indicator snapshot to a regime type. Crisis dominates,
// then volatile, then directional regimes, then sideways as the residual.
func (d *Detector) classify(ind Indicators, window []types.OHLCV) (types.RegimeType, float64) {
	dd := windowDrawdown(window)

	if ind.Volatility >= d.config.VolCrisisAnnual || (dd >= d.config.CrisisDrawdown && ind.Trend < 0) {
		conf := clamp(math.Max(ind.Volatility/d.config.VolCrisisAnnual, dd/d.config.CrisisDrawdown)/2+0.5, 0.5, 1)
		return types.RegimeCrisis, conf
	}
	if ind.Volatility >= d.config.VolHighAnnual {
		return types.RegimeVolatile, clamp(ind.Volatility/d.config.VolCrisisAnnual+0.3, 0.4, 1)
	}
	if ind.Trend >= d.config.TrendThreshold {
		return types.RegimeBull, clamp(math.Abs(ind.Trend), 0.3, 1)
	}
	if ind.Trend <= -d.config.TrendThreshold {
		return types.RegimeBear, clamp(math.Abs(ind.Trend), 0.3, 1)
	}
	// Residual: confidence grows as trend approaches zero.
	return types.RegimeSideways, clamp(1-math.Abs(ind.Trend)/d.config.TrendThreshold, 0.3, 1)
}

// Current returns the latest classification, or nil before warm-up.
func (d *Detector) Current() *types.MarketRegime {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.current
}

// History returns up to limit most recent classifications.
func (d *Detector) History(limit int) []*types.MarketRegime {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if limit <= 0 || limit > len(d.history) {
		limit = len(d.history)
	}
	out := make([]*types.MarketRegime, limit)
	copy(out, d.history[len(d.history)-limit:])
	return out
}

// AdjustmentsFor returns tuning hints for a regime type.
func AdjustmentsFor(regimeType types.RegimeType) Adjustments {
	switch regimeType {
	case types.RegimeBull:
		return Adjustments{
			PositionSizeMultiplier: 1.2,
			StopLossMultiplier:     1.0,
			TakeProfitMultiplier:   1.5,
			PreferredStyles:        []string{"momentum", "trend_following"},
		}
	case types.RegimeBear:
		return Adjustments{
			PositionSizeMultiplier: 0.6,
			StopLossMultiplier:     0.8,
			TakeProfitMultiplier:   0.8,
			PreferredStyles:        []string{"defensive", "mean_reversion"},
		}
	case types.RegimeVolatile:
		return Adjustments{
			PositionSizeMultiplier: 0.5,
			StopLossMultiplier:     1.5,
			TakeProfitMultiplier:   1.2,
			PreferredStyles:        []string{"volatility_capture", "mean_reversion"},
		}
	case types.RegimeCrisis:
		return Adjustments{
			PositionSizeMultiplier: 0.2,
			StopLossMultiplier:     0.5,
			TakeProfitMultiplier:   0.5,
			PreferredStyles:        []string{"cash", "defensive"},
		}
	default:
		return Adjustments{
			PositionSizeMultiplier: 1.0,
			StopLossMultiplier:     1.0,
			TakeProfitMultiplier:   1.0,
			PreferredStyles:        []string{"mean_reversion", "market_neutral"},
		}
	}
}

func barReturns(window []types.OHLCV) []float64 {
	if len(window) < 2 {
		return nil
	}
	out := make([]float64, 0, len(window)-1)
	for i := 1; i < len(window); i++ {
		prev, _ := window[i-1].Close.Float64()
		cur, _ := window[i].Close.Float64()
		if prev != 0 {
			out = append(out, cur/prev-1)
		}
	}
	return out
}

func windowDrawdown(window []types.OHLCV) float64 {
	peak := 0.0
	maxDD := 0.0
	for _, bar := range window {
		c, _ := bar.Close.Float64()
		if c > peak {
			peak = c
		}
		if peak > 0 {
			dd := (peak - c) / peak
			if dd > maxDD {
				maxDD = dd
			}
		}
	}
	return maxDD
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func stdDev(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	m := mean(xs)
	sum := 0.0
	for _, x := range xs {
		d := x - m
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(xs)-1))
}

func clamp(x, lo, hi float64) float64 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}
