package lifecycle

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kestrelquant/tradecore/pkg/types"
)

// PromotionConfig names the requirement battery a strategy must pass to
// advance one stage.
type PromotionConfig struct {
	MinSharpeRatio    float64 `json:"minSharpeRatio"`
	MinTrades         int     `json:"minTrades"`
	MinProfitFactor   float64 `json:"minProfitFactor"`
	MinBacktestDays   int     `json:"minBacktestDays"`
	MinPaperDays      int     `json:"minPaperDays"`
	RequiredExpWins   int     `json:"requiredExperimentWins"` // wins as challenger, live promotion only
	MaxCalmarDemotion float64 `json:"maxCalmarDemotion"`      // demote below this calmar
}

// DefaultPromotionConfig returns the standard gate thresholds.
func DefaultPromotionConfig() PromotionConfig {
	return PromotionConfig{
		MinSharpeRatio:    1.0,
		MinTrades:         30,
		MinProfitFactor:   1.2,
		MinBacktestDays:   90,
		MinPaperDays:      30,
		RequiredExpWins:   1,
		MaxCalmarDemotion: 0.5,
	}
}

// Requirement is one named check with its observed and required values.
type Requirement struct {
	Name     string  `json:"name"`
	Passed   bool    `json:"passed"`
	Observed float64 `json:"observed"`
	Required float64 `json:"required"`
}

// Decision is the outcome of a promotion or demotion evaluation.
type Decision struct {
	Approved     bool                 `json:"approved"`
	TargetStatus types.StrategyStatus `json:"targetStatus,omitempty"`
	Requirements []Requirement        `json:"requirements,omitempty"`
	Reason       string               `json:"reason"`
	DecidedAt    time.Time            `json:"decidedAt"`
}

// PromotionPolicy is the capstone decision function over a strategy, its
// performance snapshot, and its stage durations.
type PromotionPolicy struct {
	logger      *zap.Logger
	config      PromotionConfig
	experiments *ExperimentManager
}

// NewPromotionPolicy creates the policy. experiments may be nil, in which
// case the experiment-wins requirement always fails for live promotion.
func NewPromotionPolicy(logger *zap.Logger, config PromotionConfig, experiments *ExperimentManager) *PromotionPolicy {
	return &PromotionPolicy{
		logger:      logger.Named("promotion-policy"),
		config:      config,
		experiments: experiments,
	}
}

// EvaluatePromotion checks the full requirement battery. The target status
// is always the next stage in the chain; stages are never skipped. All
// requirements must pass for approval.
func (p *PromotionPolicy) EvaluatePromotion(
	strategy *types.Strategy,
	perf *types.StrategyPerformance,
	backtestDuration, paperDuration time.Duration,
) Decision {
	now := time.Now()

	target, ok := NextStage(strategy.Status)
	if !ok {
		return Decision{
			Approved:  false,
			Reason:    fmt.Sprintf("status %s has no next stage", strategy.Status),
			DecidedAt: now,
		}
	}

	reqs := []Requirement{
		{
			Name:     "sharpe_ratio",
			Passed:   perf.SharpeRatio >= p.config.MinSharpeRatio,
			Observed: perf.SharpeRatio,
			Required: p.config.MinSharpeRatio,
		},
		{
			Name:     "trade_count",
			Passed:   perf.TotalTrades >= p.config.MinTrades,
			Observed: float64(perf.TotalTrades),
			Required: float64(p.config.MinTrades),
		},
		{
			Name:     "profit_factor",
			Passed:   perf.ProfitFactor >= p.config.MinProfitFactor,
			Observed: perf.ProfitFactor,
			Required: p.config.MinProfitFactor,
		},
		{
			Name:     "backtest_days",
			Passed:   backtestDuration >= time.Duration(p.config.MinBacktestDays)*24*time.Hour,
			Observed: backtestDuration.Hours() / 24,
			Required: float64(p.config.MinBacktestDays),
		},
	}

	// Paper duration and experiment wins only gate the final step to live.
	if target == types.StrategyStatusLive {
		reqs = append(reqs, Requirement{
			Name:     "paper_days",
			Passed:   paperDuration >= time.Duration(p.config.MinPaperDays)*24*time.Hour,
			Observed: paperDuration.Hours() / 24,
			Required: float64(p.config.MinPaperDays),
		})
		wins := 0
		if p.experiments != nil {
			wins = p.experiments.ChallengerWins(strategy.ID)
		}
		reqs = append(reqs, Requirement{
			Name:     "experiment_wins",
			Passed:   wins >= p.config.RequiredExpWins,
			Observed: float64(wins),
			Required: float64(p.config.RequiredExpWins),
		})
	}

	approved := true
	failed := ""
	for _, r := range reqs {
		if !r.Passed {
			approved = false
			if failed == "" {
				failed = r.Name
			}
		}
	}

	decision := Decision{
		Approved:     approved,
		TargetStatus: target,
		Requirements: reqs,
		DecidedAt:    now,
	}
	if approved {
		decision.Reason = fmt.Sprintf("all requirements met for %s", target)
	} else {
		decision.Reason = fmt.Sprintf("requirement %s not met", failed)
	}
	p.logger.Info("Promotion evaluated",
		zap.String("strategyId", strategy.ID),
		zap.Int("version", strategy.Version),
		zap.Bool("approved", approved),
		zap.String("reason", decision.Reason))
	return decision
}

// EvaluateDemotion checks the independent demotion triggers: negative
// Sharpe, Calmar below the floor, or a 50% degradation of the most recent
// 10 returns against the prior 30. Any one justifies demotion.
func (p *PromotionPolicy) EvaluateDemotion(strategy *types.Strategy, perf *types.StrategyPerformance) Decision {
	now := time.Now()

	if perf.SharpeRatio < 0 {
		return Decision{
			Approved:  true,
			Reason:    fmt.Sprintf("negative sharpe ratio %.3f", perf.SharpeRatio),
			DecidedAt: now,
		}
	}
	if perf.CalmarRatio < p.config.MaxCalmarDemotion {
		return Decision{
			Approved:  true,
			Reason:    fmt.Sprintf("calmar ratio %.3f below %.2f", perf.CalmarRatio, p.config.MaxCalmarDemotion),
			DecidedAt: now,
		}
	}
	if degraded, recent, prior := recentDegradation(perf.Returns); degraded {
		return Decision{
			Approved:  true,
			Reason:    fmt.Sprintf("recent performance degraded: mean %.5f vs prior %.5f", recent, prior),
			DecidedAt: now,
		}
	}

	return Decision{
		Approved:  false,
		Reason:    "no demotion trigger met",
		DecidedAt: now,
	}
}

// recentDegradation compares the mean of the last 10 returns against the
// prior 30; a drop of 50% or more (or a sign flip from positive prior)
// counts as degradation.
func recentDegradation(returns []float64) (bool, float64, float64) {
	if len(returns) < 40 {
		return false, 0, 0
	}
	recent := meanOf(returns[len(returns)-10:])
	prior := meanOf(returns[len(returns)-40 : len(returns)-10])
	if prior <= 0 {
		return false, recent, prior
	}
	if recent <= prior*0.5 {
		return true, recent, prior
	}
	return false, recent, prior
}
