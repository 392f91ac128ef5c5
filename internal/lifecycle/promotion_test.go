package lifecycle

import (
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/kestrelquant/tradecore/pkg/types"
)

func passingPerformance() *types.StrategyPerformance {
	return &types.StrategyPerformance{
		SharpeRatio:  1.5,
		CalmarRatio:  2.0,
		WinRate:      0.55,
		ProfitFactor: 1.8,
		TotalTrades:  100,
	}
}

func paperStrategy() *types.Strategy {
	return &types.Strategy{ID: "momentum", Version: 1, Status: types.StrategyStatusPaper}
}

func requirement(t *testing.T, d Decision, name string) Requirement {
	t.Helper()
	for _, r := range d.Requirements {
		if r.Name == name {
			return r
		}
	}
	t.Fatalf("requirement %s missing from %+v", name, d.Requirements)
	return Requirement{}
}

func TestBacktestPromotionSkipsLiveOnlyGates(t *testing.T) {
	p := NewPromotionPolicy(zap.NewNop(), DefaultPromotionConfig(), nil)
	s := &types.Strategy{ID: "momentum", Version: 1, Status: types.StrategyStatusBacktest}

	// No paper time and no experiment wins, yet backtest to paper passes.
	d := p.EvaluatePromotion(s, passingPerformance(), 120*24*time.Hour, 0)
	if !d.Approved {
		t.Fatalf("expected approval, got %s", d.Reason)
	}
	if d.TargetStatus != types.StrategyStatusPaper {
		t.Fatalf("target = %s, want paper", d.TargetStatus)
	}
	for _, r := range d.Requirements {
		if r.Name == "paper_days" || r.Name == "experiment_wins" {
			t.Fatalf("%s must not gate a non-live promotion", r.Name)
		}
	}
}

func TestLivePromotionRequiresPaperTimeAndWins(t *testing.T) {
	em := NewExperimentManager(zap.NewNop(), DefaultExperimentConfig())
	p := NewPromotionPolicy(zap.NewNop(), DefaultPromotionConfig(), em)

	d := p.EvaluatePromotion(paperStrategy(), passingPerformance(), 120*24*time.Hour, 40*24*time.Hour)
	if d.Approved {
		t.Fatal("no experiment wins, live promotion must be denied")
	}
	if r := requirement(t, d, "experiment_wins"); r.Passed {
		t.Fatal("experiment_wins should be the failing gate")
	}
	if r := requirement(t, d, "paper_days"); !r.Passed {
		t.Fatalf("40 paper days should pass, observed %f", r.Observed)
	}
	if d.TargetStatus != types.StrategyStatusLive {
		t.Fatalf("target = %s, want live", d.TargetStatus)
	}
}

func TestLivePromotionApprovedAfterChallengerWin(t *testing.T) {
	em := NewExperimentManager(zap.NewNop(), DefaultExperimentConfig())
	exp := em.Start("incumbent", "momentum")
	feedReturns(t, em, exp.ID, "incumbent", alternatingReturns(0.001, 0.002, 30))
	feedReturns(t, em, exp.ID, "momentum", alternatingReturns(0.005, 0.006, 30))
	if eval, _ := em.Evaluate(exp.ID); eval.Winner != VerdictChallenger {
		t.Fatalf("setup: expected challenger win, got %s", eval.Winner)
	}

	p := NewPromotionPolicy(zap.NewNop(), DefaultPromotionConfig(), em)
	d := p.EvaluatePromotion(paperStrategy(), passingPerformance(), 120*24*time.Hour, 40*24*time.Hour)
	if !d.Approved {
		t.Fatalf("expected approval, got %s", d.Reason)
	}
}

func TestSharpeGateBlocksRegardlessOfRest(t *testing.T) {
	p := NewPromotionPolicy(zap.NewNop(), DefaultPromotionConfig(), nil)
	perf := passingPerformance()
	perf.SharpeRatio = 0.9

	s := &types.Strategy{ID: "momentum", Version: 1, Status: types.StrategyStatusBacktest}
	d := p.EvaluatePromotion(s, perf, 365*24*time.Hour, 0)
	if d.Approved {
		t.Fatal("sharpe below the floor must always deny promotion")
	}
	if r := requirement(t, d, "sharpe_ratio"); r.Passed {
		t.Fatal("sharpe requirement should be marked failed")
	}
}

func TestRetiredHasNoNextStage(t *testing.T) {
	p := NewPromotionPolicy(zap.NewNop(), DefaultPromotionConfig(), nil)
	s := &types.Strategy{ID: "momentum", Version: 1, Status: types.StrategyStatusRetired}

	d := p.EvaluatePromotion(s, passingPerformance(), 365*24*time.Hour, 365*24*time.Hour)
	if d.Approved || d.TargetStatus != "" {
		t.Fatalf("retired strategies cannot be promoted: %+v", d)
	}
}

func TestDemotionOnNegativeSharpe(t *testing.T) {
	p := NewPromotionPolicy(zap.NewNop(), DefaultPromotionConfig(), nil)
	perf := passingPerformance()
	perf.SharpeRatio = -0.2

	if d := p.EvaluateDemotion(paperStrategy(), perf); !d.Approved {
		t.Fatalf("negative sharpe must trigger demotion, got %s", d.Reason)
	}
}

func TestDemotionOnLowCalmar(t *testing.T) {
	p := NewPromotionPolicy(zap.NewNop(), DefaultPromotionConfig(), nil)
	perf := passingPerformance()
	perf.CalmarRatio = 0.3

	if d := p.EvaluateDemotion(paperStrategy(), perf); !d.Approved {
		t.Fatalf("calmar below 0.5 must trigger demotion, got %s", d.Reason)
	}
}

func TestDemotionOnRecentDegradation(t *testing.T) {
	p := NewPromotionPolicy(zap.NewNop(), DefaultPromotionConfig(), nil)
	perf := passingPerformance()

	// Prior 30 returns average 1%, the last 10 average 0.2%.
	returns := make([]float64, 0, 40)
	for i := 0; i < 30; i++ {
		returns = append(returns, 0.01)
	}
	for i := 0; i < 10; i++ {
		returns = append(returns, 0.002)
	}
	perf.Returns = returns

	if d := p.EvaluateDemotion(paperStrategy(), perf); !d.Approved {
		t.Fatalf("a 50%% drop in recent mean must trigger demotion, got %s", d.Reason)
	}

	// Too few samples and the degradation check stays quiet.
	perf.Returns = returns[:35]
	if d := p.EvaluateDemotion(paperStrategy(), perf); d.Approved {
		t.Fatal("fewer than 40 returns must not trigger the degradation check")
	}
}

func TestHealthyStrategyNotDemoted(t *testing.T) {
	p := NewPromotionPolicy(zap.NewNop(), DefaultPromotionConfig(), nil)
	if d := p.EvaluateDemotion(paperStrategy(), passingPerformance()); d.Approved {
		t.Fatalf("healthy metrics must not demote: %s", d.Reason)
	}
}
