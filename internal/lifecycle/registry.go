// Package lifecycle manages strategy versions from draft through live,
// including champion/challenger experiments and promotion decisions.
package lifecycle

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kestrelquant/tradecore/pkg/types"
)

// NextStage returns the stage after s in the promotion chain, or false if
// s has no successor.
func NextStage(s types.StrategyStatus) (types.StrategyStatus, bool) {
	switch s {
	case types.StrategyStatusDraft:
		return types.StrategyStatusBacktest, true
	case types.StrategyStatusBacktest:
		return types.StrategyStatusPaper, true
	case types.StrategyStatusPaper:
		return types.StrategyStatusLive, true
	default:
		return "", false
	}
}

// Registry is the versioned strategy store. Versions are append-only;
// registering an existing id adds a new version rather than overwriting.
// At most one version per id may be live.
type Registry struct {
	logger *zap.Logger

	mu       sync.RWMutex
	versions map[string][]*types.Strategy // id -> versions in order
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		logger:   logger.Named("strategy-registry"),
		versions: make(map[string][]*types.Strategy),
	}
}

// Register appends a new draft version for id and returns it.
func (r *Registry) Register(id, name string, parameters map[string]any) *types.Strategy {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	s := &types.Strategy{
		ID:         id,
		Version:    len(r.versions[id]) + 1,
		Name:       name,
		Status:     types.StrategyStatusDraft,
		Parameters: parameters,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	r.versions[id] = append(r.versions[id], s)
	r.logger.Info("Strategy registered",
		zap.String("id", id),
		zap.Int("version", s.Version))
	return s
}

// Get returns one version of a strategy.
func (r *Registry) Get(id string, version int) (*types.Strategy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.getLocked(id, version)
}

func (r *Registry) getLocked(id string, version int) (*types.Strategy, error) {
	vs, ok := r.versions[id]
	if !ok {
		return nil, fmt.Errorf("strategy %s not found", id)
	}
	if version < 1 || version > len(vs) {
		return nil, fmt.Errorf("strategy %s has no version %d", id, version)
	}
	return vs[version-1], nil
}

// Latest returns the newest version for id.
func (r *Registry) Latest(id string) (*types.Strategy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	vs, ok := r.versions[id]
	if !ok || len(vs) == 0 {
		return nil, fmt.Errorf("strategy %s not found", id)
	}
	return vs[len(vs)-1], nil
}

// Live returns the live version for id, or nil if none is live.
func (r *Registry) Live(id string) *types.Strategy {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, s := range r.versions[id] {
		if s.Status == types.StrategyStatusLive {
			return s
		}
	}
	return nil
}

// All returns every version of every strategy.
func (r *Registry) All() []*types.Strategy {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*types.Strategy
	for _, vs := range r.versions {
		out = append(out, vs...)
	}
	return out
}

// Advance moves a version to the next non-live stage (draft to backtest,
// backtest to paper). Going live requires Promote.
func (r *Registry) Advance(id string, version int, target types.StrategyStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, err := r.getLocked(id, version)
	if err != nil {
		return err
	}
	if target == types.StrategyStatusLive {
		return fmt.Errorf("strategy %s v%d: live status requires promote", id, version)
	}
	next, ok := NextStage(s.Status)
	if !ok || next != target {
		return fmt.Errorf("strategy %s v%d: cannot advance %s to %s", id, version, s.Status, target)
	}
	s.Status = target
	s.UpdatedAt = time.Now()
	return nil
}

// Promote sets a version live, making it the active version for its id.
// Any previously live version of the same id is retired first.
func (r *Registry) Promote(id string, version int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, err := r.getLocked(id, version)
	if err != nil {
		return err
	}
	if s.Status != types.StrategyStatusPaper {
		return fmt.Errorf("strategy %s v%d: only paper versions may go live, not %s", id, version, s.Status)
	}

	now := time.Now()
	for _, other := range r.versions[id] {
		if other.Status == types.StrategyStatusLive {
			other.Status = types.StrategyStatusRetired
			other.UpdatedAt = now
			r.logger.Info("Strategy version retired by promotion",
				zap.String("id", id),
				zap.Int("version", other.Version))
		}
	}
	s.Status = types.StrategyStatusLive
	s.UpdatedAt = now
	r.logger.Info("Strategy promoted to live",
		zap.String("id", id),
		zap.Int("version", version))
	return nil
}

// Demote retires a version with a stated reason.
func (r *Registry) Demote(id string, version int, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, err := r.getLocked(id, version)
	if err != nil {
		return err
	}
	if s.Status == types.StrategyStatusRetired {
		return fmt.Errorf("strategy %s v%d already retired", id, version)
	}
	s.Status = types.StrategyStatusRetired
	s.UpdatedAt = time.Now()
	r.logger.Warn("Strategy demoted",
		zap.String("id", id),
		zap.Int("version", version),
		zap.String("reason", reason))
	return nil
}
