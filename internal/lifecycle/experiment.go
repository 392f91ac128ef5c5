package lifecycle

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ExperimentConfig tunes champion/challenger evaluation.
type ExperimentConfig struct {
	MinObservations       int     `json:"minObservations"`       // per arm, before evaluating
	SignificanceThreshold float64 `json:"significanceThreshold"` // required to declare a winner
	MinSharpeAdvantage    float64 `json:"minSharpeAdvantage"`    // relative, e.g. 0.10 for 10%
}

// DefaultExperimentConfig returns the standard evaluation thresholds.
func DefaultExperimentConfig() ExperimentConfig {
	return ExperimentConfig{
		MinObservations:       10,
		SignificanceThreshold: 0.95,
		MinSharpeAdvantage:    0.10,
	}
}

// Verdict is the outcome of an experiment evaluation.
type Verdict string

const (
	VerdictInconclusive Verdict = "inconclusive"
	VerdictChampion     Verdict = "champion"
	VerdictChallenger   Verdict = "challenger"
)

// Evaluation is one evaluation pass over an experiment.
type Evaluation struct {
	Winner           Verdict `json:"winner"`
	ChampionSharpe   float64 `json:"championSharpe"`
	ChallengerSharpe float64 `json:"challengerSharpe"`
	Significance     float64 `json:"significance"`
	Reason           string  `json:"reason"`
}

// Experiment is one champion/challenger comparison.
type Experiment struct {
	ID           string    `json:"id"`
	ChampionID   string    `json:"championId"`
	ChallengerID string    `json:"challengerId"`
	StartedAt    time.Time `json:"startedAt"`

	championReturns   []float64
	challengerReturns []float64
}

// ExperimentManager owns running experiments and their return samples.
type ExperimentManager struct {
	logger *zap.Logger
	config ExperimentConfig

	mu          sync.Mutex
	experiments map[string]*Experiment
	// wins counts concluded experiments won per strategy id as challenger
	challengerWins map[string]int
}

// NewExperimentManager creates the manager.
func NewExperimentManager(logger *zap.Logger, config ExperimentConfig) *ExperimentManager {
	if config.MinObservations <= 0 {
		config = DefaultExperimentConfig()
	}
	return &ExperimentManager{
		logger:         logger.Named("experiment-manager"),
		config:         config,
		experiments:    make(map[string]*Experiment),
		challengerWins: make(map[string]int),
	}
}

// Start opens a new experiment between an incumbent champion and a
// candidate challenger.
func (em *ExperimentManager) Start(championID, challengerID string) *Experiment {
	em.mu.Lock()
	defer em.mu.Unlock()

	exp := &Experiment{
		ID:           uuid.New().String(),
		ChampionID:   championID,
		ChallengerID: challengerID,
		StartedAt:    time.Now(),
	}
	em.experiments[exp.ID] = exp
	em.logger.Info("Experiment started",
		zap.String("experimentId", exp.ID),
		zap.String("champion", championID),
		zap.String("challenger", challengerID))
	return exp
}

// RecordReturn adds one return observation for a strategy arm.
func (em *ExperimentManager) RecordReturn(experimentID, strategyID string, ret float64) error {
	em.mu.Lock()
	defer em.mu.Unlock()

	exp, ok := em.experiments[experimentID]
	if !ok {
		return fmt.Errorf("experiment %s not found", experimentID)
	}
	switch strategyID {
	case exp.ChampionID:
		exp.championReturns = append(exp.championReturns, ret)
	case exp.ChallengerID:
		exp.challengerReturns = append(exp.challengerReturns, ret)
	default:
		return fmt.Errorf("strategy %s is not an arm of experiment %s", strategyID, experimentID)
	}
	return nil
}

// Evaluate computes the verdict for an experiment. Below the minimum sample
// size per arm the result is inconclusive and callers must keep collecting.
// A winner requires both the significance threshold and a relative Sharpe
// advantage of at least MinSharpeAdvantage.
func (em *ExperimentManager) Evaluate(experimentID string) (Evaluation, error) {
	em.mu.Lock()
	defer em.mu.Unlock()

	exp, ok := em.experiments[experimentID]
	if !ok {
		return Evaluation{}, fmt.Errorf("experiment %s not found", experimentID)
	}

	if len(exp.championReturns) < em.config.MinObservations ||
		len(exp.challengerReturns) < em.config.MinObservations {
		return Evaluation{
			Winner: VerdictInconclusive,
			Reason: fmt.Sprintf("insufficient samples: champion %d, challenger %d, need %d each",
				len(exp.championReturns), len(exp.challengerReturns), em.config.MinObservations),
		}, nil
	}

	champ := sharpe(exp.championReturns)
	chall := sharpe(exp.challengerReturns)
	sig := significance(exp.championReturns, exp.challengerReturns)

	eval := Evaluation{
		ChampionSharpe:   champ,
		ChallengerSharpe: chall,
		Significance:     sig,
	}

	if sig < em.config.SignificanceThreshold {
		eval.Winner = VerdictInconclusive
		eval.Reason = fmt.Sprintf("significance %.3f below threshold %.2f", sig, em.config.SignificanceThreshold)
		return eval, nil
	}

	higher, lower := champ, chall
	winner := VerdictChampion
	winnerID := exp.ChampionID
	if chall > champ {
		higher, lower = chall, champ
		winner = VerdictChallenger
		winnerID = exp.ChallengerID
	}
	if !hasRelativeAdvantage(higher, lower, em.config.MinSharpeAdvantage) {
		eval.Winner = VerdictInconclusive
		eval.Reason = fmt.Sprintf("sharpe advantage below %.0f%%", em.config.MinSharpeAdvantage*100)
		return eval, nil
	}

	eval.Winner = winner
	eval.Reason = fmt.Sprintf("%s wins with sharpe %.3f vs %.3f at significance %.3f",
		winner, higher, lower, sig)
	if winner == VerdictChallenger {
		em.challengerWins[winnerID]++
	}
	em.logger.Info("Experiment concluded",
		zap.String("experimentId", experimentID),
		zap.String("winner", string(winner)),
		zap.Float64("significance", sig))
	return eval, nil
}

// ChallengerWins returns how many experiments a strategy has won as
// challenger. The promotion policy consumes this.
func (em *ExperimentManager) ChallengerWins(strategyID string) int {
	em.mu.Lock()
	defer em.mu.Unlock()
	return em.challengerWins[strategyID]
}

func hasRelativeAdvantage(higher, lower, minAdvantage float64) bool {
	if lower <= 0 {
		return higher > 0
	}
	return (higher-lower)/lower >= minAdvantage
}

func sharpe(returns []float64) float64 {
	if len(returns) < 2 {
		return 0
	}
	m := meanOf(returns)
	sd := stdDevOf(returns)
	if sd == 0 {
		return 0
	}
	return m / sd * math.Sqrt(252)
}

// significance approximates a one-sided test on the difference of mean
// returns using a normal CDF over the pooled standard error.
func significance(a, b []float64) float64 {
	ma, mb := meanOf(a), meanOf(b)
	sa, sb := stdDevOf(a), stdDevOf(b)
	se := math.Sqrt(sa*sa/float64(len(a)) + sb*sb/float64(len(b)))
	if se == 0 {
		if ma == mb {
			return 0.5
		}
		return 1
	}
	z := math.Abs(ma-mb) / se
	return normalCDF(z)
}

func normalCDF(z float64) float64 {
	return 0.5 * (1 + math.Erf(z/math.Sqrt2))
}

func meanOf(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func stdDevOf(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	m := meanOf(xs)
	sum := 0.0
	for _, x := range xs {
		d := x - m
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(xs)-1))
}
