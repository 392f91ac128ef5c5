// Package idempotency deduplicates order submissions by caller-derived key.
package idempotency

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultTTL is how long a recorded key blocks duplicates.
const DefaultTTL = time.Hour

// Record holds a stored submission keyed by its idempotency key.
type Record struct {
	Key       string    `json:"key"`
	Payload   any       `json:"payload"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Guard provides at-most-once admission per key within a TTL window.
// Expired records are purged lazily on each call.
type Guard struct {
	logger *zap.Logger
	ttl    time.Duration
	now    func() time.Time

	mu      sync.Mutex
	records map[string]Record
}

// NewGuard creates a guard with the given TTL; ttl <= 0 uses DefaultTTL.
func NewGuard(logger *zap.Logger, ttl time.Duration) *Guard {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Guard{
		logger:  logger.Named("idempotency"),
		ttl:     ttl,
		now:     time.Now,
		records: make(map[string]Record),
	}
}

// CheckAndRecord returns true and stores a record exactly once per unexpired
// key. A duplicate within the TTL window returns false and stores nothing.
func (g *Guard) CheckAndRecord(key string, payload any) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	g.purgeLocked(now)

	if _, exists := g.records[key]; exists {
		g.logger.Warn("Duplicate submission blocked", zap.String("key", key))
		return false
	}

	g.records[key] = Record{
		Key:       key,
		Payload:   payload,
		CreatedAt: now,
		ExpiresAt: now.Add(g.ttl),
	}
	return true
}

// Check is a non-mutating probe: true if the key is currently recorded.
func (g *Guard) Check(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.purgeLocked(g.now())
	_, exists := g.records[key]
	return exists
}

// Size returns the number of unexpired records.
func (g *Guard) Size() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.purgeLocked(g.now())
	return len(g.records)
}

func (g *Guard) purgeLocked(now time.Time) {
	for key, rec := range g.records {
		if now.After(rec.ExpiresAt) {
			delete(g.records, key)
		}
	}
}
