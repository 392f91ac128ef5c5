package safety

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func newTestPanel(t *testing.T) (*BreakerPanel, *KillSwitch) {
	t.Helper()
	ks := NewKillSwitch(zap.NewNop())
	return NewBreakerPanel(zap.NewNop(), DefaultBreakerConfig(), ks), ks
}

func TestVolatilityBreakerTripsKillSwitch(t *testing.T) {
	bp, ks := newTestPanel(t)

	bp.ObservePrice("AAPL", decimal.NewFromInt(100))
	bp.ObservePrice("AAPL", decimal.NewFromInt(105))
	if ks.IsActive() {
		t.Fatal("5% move should not trip a 10% breaker")
	}

	bp.ObservePrice("AAPL", decimal.NewFromInt(111))
	if !ks.IsActive() {
		t.Fatal("11% move should trip the volatility breaker")
	}
	if ks.State().Source != "circuit_breaker:volatility" {
		t.Fatalf("unexpected source %q", ks.State().Source)
	}
}

func TestStaleDataBreaker(t *testing.T) {
	bp, ks := newTestPanel(t)

	bp.ObserveDataAge("AAPL", 30*time.Second)
	if ks.IsActive() {
		t.Fatal("30s staleness should be under the 60s threshold")
	}
	bp.ObserveDataAge("AAPL", 90*time.Second)
	if !ks.IsActive() {
		t.Fatal("90s staleness should trip the breaker")
	}
}

func TestErrorRateRequiresMinimumSamples(t *testing.T) {
	bp, ks := newTestPanel(t)

	// 5 failures is a 100% error rate but below the 10-sample minimum.
	for i := 0; i < 5; i++ {
		bp.ObserveCall(false)
	}
	if ks.IsActive() {
		t.Fatal("error rate breaker must stay silent below minimum samples")
	}

	for i := 0; i < 5; i++ {
		bp.ObserveCall(false)
	}
	if !ks.IsActive() {
		t.Fatal("100% error rate over 10 calls should trip the breaker")
	}
}

func TestCooldownDoesNotSuppressHalt(t *testing.T) {
	bp, ks := newTestPanel(t)

	bp.ObserveLatency(10 * time.Second)
	if !ks.IsActive() {
		t.Fatal("latency breaker should trip")
	}

	// Deactivate and re-trip inside the cooldown window: the halt must
	// still fire and the trip must still be counted.
	ks.Deactivate()
	bp.ObserveLatency(12 * time.Second)
	if !ks.IsActive() {
		t.Fatal("cooldown is advisory; the halt must not be suppressed")
	}

	for _, s := range bp.States() {
		if s.Kind == BreakerLatency {
			if s.TripCount != 2 {
				t.Fatalf("expected 2 recorded trips, got %d", s.TripCount)
			}
			return
		}
	}
	t.Fatal("latency breaker state not found")
}

func TestVolumeBreakerUsesRunningAverage(t *testing.T) {
	bp, ks := newTestPanel(t)

	bp.ObserveVolume("AAPL", decimal.NewFromInt(1000))
	bp.ObserveVolume("AAPL", decimal.NewFromInt(1200))
	if ks.IsActive() {
		t.Fatal("normal volume should not trip")
	}

	bp.ObserveVolume("AAPL", decimal.NewFromInt(10000))
	if !ks.IsActive() {
		t.Fatal("volume far above average should trip the breaker")
	}
}
