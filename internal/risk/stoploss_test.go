package risk

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func TestFixedStopTriggers(t *testing.T) {
	sp := NewStopLossPolicy(zap.NewNop())
	sp.SetFixed("AAPL", decimal.NewFromInt(95))

	if sp.UpdatePrice("AAPL", decimal.NewFromInt(100)) {
		t.Fatal("price above the stop should not trigger")
	}
	if !sp.UpdatePrice("AAPL", decimal.NewFromInt(95)) {
		t.Fatal("price at the stop should trigger")
	}
	// Triggered stops stay triggered.
	if !sp.UpdatePrice("AAPL", decimal.NewFromInt(120)) {
		t.Fatal("triggered stop must stay triggered")
	}
}

func TestTrailingStopMonotonicity(t *testing.T) {
	sp := NewStopLossPolicy(zap.NewNop())
	sp.SetTrailing("AAPL", decimal.NewFromInt(100), decimal.NewFromFloat(0.05))

	prices := []int64{102, 98, 105, 101, 110, 104, 103}
	prev, _ := sp.Get("AAPL")
	for _, p := range prices {
		triggered := sp.UpdatePrice("AAPL", decimal.NewFromInt(p))
		stop, _ := sp.Get("AAPL")
		if stop.StopPrice.LessThan(prev.StopPrice) {
			t.Fatalf("trailing stop decreased from %s to %s at price %d",
				prev.StopPrice, stop.StopPrice, p)
		}
		prev = stop
		if triggered {
			break
		}
	}

	// High water 110 puts the stop at 104.5; 104 must trigger.
	stop, _ := sp.Get("AAPL")
	if !stop.Triggered {
		t.Fatalf("expected stop to trigger below %s", stop.StopPrice)
	}
}

func TestTrailingStopRatchetsUpOnly(t *testing.T) {
	sp := NewStopLossPolicy(zap.NewNop())
	sp.SetTrailing("AAPL", decimal.NewFromInt(100), decimal.NewFromFloat(0.10))

	sp.UpdatePrice("AAPL", decimal.NewFromInt(120))
	afterHigh, _ := sp.Get("AAPL")
	if !afterHigh.StopPrice.Equal(decimal.NewFromInt(108)) {
		t.Fatalf("expected stop at 108 after new high of 120, got %s", afterHigh.StopPrice)
	}

	sp.UpdatePrice("AAPL", decimal.NewFromInt(110))
	afterDip, _ := sp.Get("AAPL")
	if !afterDip.StopPrice.Equal(decimal.NewFromInt(108)) {
		t.Fatalf("dip must not move the stop, got %s", afterDip.StopPrice)
	}
}

func TestTimeBasedStop(t *testing.T) {
	sp := NewStopLossPolicy(zap.NewNop())
	current := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	sp.now = func() time.Time { return current }
	sp.SetTimeBased("AAPL", 5)

	current = current.Add(4 * 24 * time.Hour)
	if sp.UpdatePrice("AAPL", decimal.NewFromInt(100)) {
		t.Fatal("4 days held should not trigger a 5-day stop")
	}

	current = current.Add(1 * 24 * time.Hour)
	if !sp.UpdatePrice("AAPL", decimal.NewFromInt(100)) {
		t.Fatal("5 days held should trigger")
	}
}

func TestClearRemovesStop(t *testing.T) {
	sp := NewStopLossPolicy(zap.NewNop())
	sp.SetFixed("AAPL", decimal.NewFromInt(95))
	sp.Clear("AAPL")

	if _, ok := sp.Get("AAPL"); ok {
		t.Fatal("cleared stop should be gone")
	}
	if sp.UpdatePrice("AAPL", decimal.NewFromInt(90)) {
		t.Fatal("no stop should mean no trigger")
	}
}
