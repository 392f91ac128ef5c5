package risk

import (
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func TestDailyLossBreachActivatesHalt(t *testing.T) {
	var haltReason, haltSource string
	dl := NewDailyLossTracker(zap.NewNop(), DailyLossConfig{
		MaxLossAbsolute: decimal.NewFromInt(5000),
		WarningFraction: decimal.NewFromFloat(0.8),
	}, func(reason, source string) {
		haltReason, haltSource = reason, source
	})
	dl.InitializeDay(decimal.NewFromInt(1000000))

	if status := dl.RecordRealized(decimal.NewFromInt(-3000)); status != DailyLossOK {
		t.Fatalf("loss under the warning fraction should be ok, got %s", status)
	}
	if status := dl.RecordRealized(decimal.NewFromInt(-2001)); status != DailyLossBreached {
		t.Fatalf("cumulative loss of $5,001 should breach, got %s", status)
	}
	if !strings.Contains(haltReason, "Daily loss limit breached") {
		t.Fatalf("halt reason should name the breach, got %q", haltReason)
	}
	if haltSource != "daily_loss" {
		t.Fatalf("unexpected halt source %q", haltSource)
	}
}

func TestWarningBeforeBreach(t *testing.T) {
	dl := NewDailyLossTracker(zap.NewNop(), DailyLossConfig{
		MaxLossAbsolute: decimal.NewFromInt(5000),
		WarningFraction: decimal.NewFromFloat(0.8),
	}, nil)
	dl.InitializeDay(decimal.NewFromInt(100000))

	if status := dl.RecordRealized(decimal.NewFromInt(-4500)); status != DailyLossWarning {
		t.Fatalf("loss at 90%% of the limit should warn, got %s", status)
	}
}

func TestBreachEscalatesOnce(t *testing.T) {
	halts := 0
	dl := NewDailyLossTracker(zap.NewNop(), DailyLossConfig{
		MaxLossAbsolute: decimal.NewFromInt(1000),
		WarningFraction: decimal.NewFromFloat(0.8),
	}, func(reason, source string) { halts++ })
	dl.InitializeDay(decimal.NewFromInt(100000))

	dl.RecordRealized(decimal.NewFromInt(-1500))
	dl.RecordRealized(decimal.NewFromInt(-100))
	dl.RecordRealized(decimal.NewFromInt(-100))

	if halts != 1 {
		t.Fatalf("breach should escalate exactly once per day, got %d", halts)
	}
}

func TestPercentageLimitTighterThanAbsolute(t *testing.T) {
	breached := false
	dl := NewDailyLossTracker(zap.NewNop(), DailyLossConfig{
		MaxLossAbsolute: decimal.NewFromInt(5000),
		MaxLossPct:      decimal.NewFromFloat(0.05), // 5% of $10,000 = $500
		WarningFraction: decimal.NewFromFloat(0.8),
	}, func(reason, source string) { breached = true })
	dl.InitializeDay(decimal.NewFromInt(10000))

	dl.RecordRealized(decimal.NewFromInt(-600))
	if !breached {
		t.Fatal("the tighter percentage limit should govern")
	}
}

func TestUTCDayRolloverIsCallDriven(t *testing.T) {
	dl := NewDailyLossTracker(zap.NewNop(), DefaultDailyLossConfig(), nil)
	current := time.Date(2026, 3, 1, 23, 0, 0, 0, time.UTC)
	dl.now = func() time.Time { return current }
	dl.InitializeDay(decimal.NewFromInt(100000))

	dl.RecordRealized(decimal.NewFromInt(-2000))
	if !dl.Snapshot().RealizedPnL.Equal(decimal.NewFromInt(-2000)) {
		t.Fatal("realized loss not recorded")
	}

	// Next call after midnight UTC starts a fresh day seeded with the
	// previous day's ending value.
	current = time.Date(2026, 3, 2, 0, 30, 0, 0, time.UTC)
	snap := dl.Snapshot()
	if snap.Date != "2026-03-02" {
		t.Fatalf("expected rollover to 2026-03-02, got %s", snap.Date)
	}
	if !snap.StartingValue.Equal(decimal.NewFromInt(98000)) {
		t.Fatalf("new day should start from previous ending value, got %s", snap.StartingValue)
	}
	if !snap.RealizedPnL.IsZero() {
		t.Fatal("new day should start with zero realized PnL")
	}
}

// Per-day state elsewhere (breaker day-open anchors) resets through the
// rollover hook.
func TestRolloverNotifiesListeners(t *testing.T) {
	dl := NewDailyLossTracker(zap.NewNop(), DefaultDailyLossConfig(), nil)
	current := time.Date(2026, 3, 1, 23, 0, 0, 0, time.UTC)
	dl.now = func() time.Time { return current }
	dl.InitializeDay(decimal.NewFromInt(100000))

	var dates []string
	dl.OnRollover(func(date string) { dates = append(dates, date) })

	dl.RecordRealized(decimal.NewFromInt(-100))
	if len(dates) != 0 {
		t.Fatal("no rollover within the same day")
	}

	current = time.Date(2026, 3, 2, 0, 30, 0, 0, time.UTC)
	dl.Snapshot()
	dl.Snapshot()
	if len(dates) != 1 || dates[0] != "2026-03-02" {
		t.Fatalf("expected one rollover to 2026-03-02, got %v", dates)
	}
}

func TestUnrealizedCountsTowardLimit(t *testing.T) {
	breached := false
	dl := NewDailyLossTracker(zap.NewNop(), DailyLossConfig{
		MaxLossAbsolute: decimal.NewFromInt(5000),
		WarningFraction: decimal.NewFromFloat(0.8),
	}, func(reason, source string) { breached = true })
	dl.InitializeDay(decimal.NewFromInt(100000))

	dl.RecordRealized(decimal.NewFromInt(-3000))
	dl.RecordUnrealized(decimal.NewFromInt(-2500))
	if !breached {
		t.Fatal("realized plus unrealized loss past the limit should breach")
	}
}
