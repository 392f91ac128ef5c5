package events

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

func newTestBus() *Bus {
	return NewBus(zap.NewNop(), Config{NumWorkers: 2, BufferSize: 64})
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestSubscribeReceivesMatchingType(t *testing.T) {
	b := newTestBus()
	defer b.Stop()

	received := make(chan Event, 1)
	b.Subscribe(EventTypeKillSwitch, func(e Event) error {
		received <- e
		return nil
	}, nil)

	b.Publish(&KillSwitchEvent{BaseEvent: NewBaseEvent(EventTypeKillSwitch), Active: true, Reason: "test"})
	b.Publish(&TradeEvent{BaseEvent: NewBaseEvent(EventTypeTrade)})

	select {
	case e := <-received:
		if e.GetType() != EventTypeKillSwitch {
			t.Fatalf("wrong event type delivered: %s", e.GetType())
		}
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber never received the event")
	}

	waitFor(t, func() bool { return b.Stats().Processed == 2 }, "both events should be processed")
	if len(received) != 0 {
		t.Fatal("trade event must not reach a kill-switch subscriber")
	}
}

func TestFilterDropsNonMatching(t *testing.T) {
	b := newTestBus()
	defer b.Stop()

	var delivered atomic.Int64
	b.Subscribe(EventTypeAnomaly, func(e Event) error {
		delivered.Add(1)
		return nil
	}, func(e Event) bool {
		a, ok := e.(*AnomalyEvent)
		return ok && a.Severity == "critical"
	})

	b.Publish(&AnomalyEvent{BaseEvent: NewBaseEvent(EventTypeAnomaly), Severity: "info"})
	b.Publish(&AnomalyEvent{BaseEvent: NewBaseEvent(EventTypeAnomaly), Severity: "critical"})

	waitFor(t, func() bool { return b.Stats().Processed == 2 }, "events should be processed")
	if delivered.Load() != 1 {
		t.Fatalf("filter should pass only the critical event, delivered = %d", delivered.Load())
	}
}

func TestSubscribeAllSeesEveryType(t *testing.T) {
	b := newTestBus()
	defer b.Stop()

	var seen atomic.Int64
	b.SubscribeAll(func(e Event) error {
		seen.Add(1)
		return nil
	}, nil)

	b.Publish(&OrderEvent{BaseEvent: NewBaseEvent(EventTypeOrder)})
	b.Publish(&TradeEvent{BaseEvent: NewBaseEvent(EventTypeTrade)})
	b.Publish(&RegimeEvent{BaseEvent: NewBaseEvent(EventTypeRegime)})

	waitFor(t, func() bool { return seen.Load() == 3 }, "wildcard subscriber should see all three events")
}

func TestCancelStopsDelivery(t *testing.T) {
	b := newTestBus()
	defer b.Stop()

	var delivered atomic.Int64
	sub := b.Subscribe(EventTypeTrade, func(e Event) error {
		delivered.Add(1)
		return nil
	}, nil)

	b.Publish(&TradeEvent{BaseEvent: NewBaseEvent(EventTypeTrade)})
	waitFor(t, func() bool { return delivered.Load() == 1 }, "first event should arrive")

	sub.Cancel()
	b.Publish(&TradeEvent{BaseEvent: NewBaseEvent(EventTypeTrade)})
	waitFor(t, func() bool { return b.Stats().Processed == 2 }, "second event should be processed")
	if delivered.Load() != 1 {
		t.Fatalf("cancelled subscription must not receive events, delivered = %d", delivered.Load())
	}
}

func TestHandlerFailuresAreCountedAndContained(t *testing.T) {
	b := newTestBus()
	defer b.Stop()

	var healthy atomic.Int64
	b.Subscribe(EventTypeTrade, func(e Event) error {
		panic("handler bug")
	}, nil)
	b.Subscribe(EventTypeTrade, func(e Event) error {
		return errors.New("transient")
	}, nil)
	b.Subscribe(EventTypeTrade, func(e Event) error {
		healthy.Add(1)
		return nil
	}, nil)

	b.Publish(&TradeEvent{BaseEvent: NewBaseEvent(EventTypeTrade)})

	waitFor(t, func() bool { return healthy.Load() == 1 }, "healthy subscriber must still run")
	waitFor(t, func() bool { return b.Stats().Errors == 2 }, "panic and error should both be counted")
}

func TestPublishNeverBlocksWhenFull(t *testing.T) {
	// No workers draining keeps the buffer full.
	b := NewBus(zap.NewNop(), Config{NumWorkers: 1, BufferSize: 4})
	defer b.Stop()

	// Stall the single worker.
	blocked := make(chan struct{})
	b.Subscribe(EventTypeQuote, func(e Event) error {
		<-blocked
		return nil
	}, nil)

	for i := 0; i < 20; i++ {
		b.Publish(&QuoteEvent{BaseEvent: NewBaseEvent(EventTypeQuote), Symbol: "AAPL"})
	}
	close(blocked)

	stats := b.Stats()
	if stats.Published != 20 {
		t.Fatalf("published = %d, want 20", stats.Published)
	}
	if stats.Dropped == 0 {
		t.Fatal("overflow must be dropped, not block the publisher")
	}
}
