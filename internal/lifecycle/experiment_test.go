package lifecycle

import (
	"testing"

	"go.uber.org/zap"
)

func feedReturns(t *testing.T, em *ExperimentManager, expID, strategyID string, returns []float64) {
	t.Helper()
	for _, r := range returns {
		if err := em.RecordReturn(expID, strategyID, r); err != nil {
			t.Fatalf("record return: %v", err)
		}
	}
}

// alternatingReturns builds n observations flipping between a and b.
func alternatingReturns(a, b float64, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		if i%2 == 0 {
			out[i] = a
		} else {
			out[i] = b
		}
	}
	return out
}

func TestInconclusiveBelowMinimumSamples(t *testing.T) {
	em := NewExperimentManager(zap.NewNop(), DefaultExperimentConfig())
	exp := em.Start("champ", "chall")

	feedReturns(t, em, exp.ID, "champ", alternatingReturns(0.01, 0.02, 20))
	feedReturns(t, em, exp.ID, "chall", alternatingReturns(0.05, 0.06, 9))

	eval, err := em.Evaluate(exp.ID)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if eval.Winner != VerdictInconclusive {
		t.Fatalf("one thin arm must keep the experiment inconclusive, got %s", eval.Winner)
	}
	if em.ChallengerWins("chall") != 0 {
		t.Fatal("inconclusive results must not count as wins")
	}
}

func TestChallengerWinsWithClearEdge(t *testing.T) {
	em := NewExperimentManager(zap.NewNop(), DefaultExperimentConfig())
	exp := em.Start("champ", "chall")

	feedReturns(t, em, exp.ID, "champ", alternatingReturns(0.001, 0.002, 30))
	feedReturns(t, em, exp.ID, "chall", alternatingReturns(0.005, 0.006, 30))

	eval, err := em.Evaluate(exp.ID)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if eval.Winner != VerdictChallenger {
		t.Fatalf("expected challenger win, got %s (%s)", eval.Winner, eval.Reason)
	}
	if eval.ChallengerSharpe <= eval.ChampionSharpe {
		t.Fatalf("sharpes inconsistent with verdict: %f vs %f", eval.ChallengerSharpe, eval.ChampionSharpe)
	}
	if eval.Significance < DefaultExperimentConfig().SignificanceThreshold {
		t.Fatalf("winner declared below significance threshold: %f", eval.Significance)
	}
	if em.ChallengerWins("chall") != 1 {
		t.Fatalf("challenger wins = %d, want 1", em.ChallengerWins("chall"))
	}
}

func TestChampionWinDoesNotCountAsChallengerWin(t *testing.T) {
	em := NewExperimentManager(zap.NewNop(), DefaultExperimentConfig())
	exp := em.Start("champ", "chall")

	feedReturns(t, em, exp.ID, "champ", alternatingReturns(0.005, 0.006, 30))
	feedReturns(t, em, exp.ID, "chall", alternatingReturns(0.001, 0.002, 30))

	eval, _ := em.Evaluate(exp.ID)
	if eval.Winner != VerdictChampion {
		t.Fatalf("expected champion win, got %s", eval.Winner)
	}
	if em.ChallengerWins("champ") != 0 || em.ChallengerWins("chall") != 0 {
		t.Fatal("only challenger-side wins are tallied")
	}
}

func TestOverlappingArmsStayInconclusive(t *testing.T) {
	em := NewExperimentManager(zap.NewNop(), DefaultExperimentConfig())
	exp := em.Start("champ", "chall")

	feedReturns(t, em, exp.ID, "champ", alternatingReturns(0.001, -0.001, 30))
	feedReturns(t, em, exp.ID, "chall", alternatingReturns(0.0012, -0.0008, 30))

	eval, _ := em.Evaluate(exp.ID)
	if eval.Winner != VerdictInconclusive {
		t.Fatalf("noisy overlap should stay inconclusive, got %s (%s)", eval.Winner, eval.Reason)
	}
}

func TestSignificantButSmallEdgeStaysInconclusive(t *testing.T) {
	em := NewExperimentManager(zap.NewNop(), DefaultExperimentConfig())
	exp := em.Start("champ", "chall")

	// Tight arms make the mean difference highly significant, but the
	// relative sharpe edge is only 5%, below the 10% floor.
	feedReturns(t, em, exp.ID, "champ", alternatingReturns(0.0099, 0.0101, 30))
	feedReturns(t, em, exp.ID, "chall", alternatingReturns(0.0104, 0.0106, 30))

	eval, _ := em.Evaluate(exp.ID)
	if eval.Winner != VerdictInconclusive {
		t.Fatalf("sub-threshold edge must not win, got %s (%s)", eval.Winner, eval.Reason)
	}
	if eval.Significance < 0.95 {
		t.Fatalf("test setup wrong, significance should be high: %f", eval.Significance)
	}
}

func TestRecordReturnRejectsStrangers(t *testing.T) {
	em := NewExperimentManager(zap.NewNop(), DefaultExperimentConfig())
	exp := em.Start("champ", "chall")

	if err := em.RecordReturn(exp.ID, "outsider", 0.01); err == nil {
		t.Fatal("returns from non-arm strategies must be rejected")
	}
	if err := em.RecordReturn("missing", "champ", 0.01); err == nil {
		t.Fatal("unknown experiment ids must be rejected")
	}
}
