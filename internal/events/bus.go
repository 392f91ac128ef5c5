// Package events provides the channel-backed event bus that fans trading
// notifications out to subscribers over a worker pool.
package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/kestrelquant/tradecore/pkg/types"
)

// EventType defines the category of event.
type EventType string

const (
	EventTypeOrder      EventType = "order"
	EventTypeTrade      EventType = "trade"
	EventTypeQuote      EventType = "quote"
	EventTypeKillSwitch EventType = "kill_switch"
	EventTypeBreaker    EventType = "breaker"
	EventTypeAnomaly    EventType = "anomaly"
	EventTypeRegime     EventType = "regime"
	EventTypeLedger     EventType = "ledger"
)

// Event is the base interface for all bus payloads.
type Event interface {
	GetType() EventType
	GetTimestamp() time.Time
	GetID() string
}

// BaseEvent provides common event identity.
type BaseEvent struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

func (e *BaseEvent) GetType() EventType      { return e.Type }
func (e *BaseEvent) GetTimestamp() time.Time { return e.Timestamp }
func (e *BaseEvent) GetID() string           { return e.ID }

// NewBaseEvent creates a base event with a generated id and timestamp.
func NewBaseEvent(eventType EventType) BaseEvent {
	return BaseEvent{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: time.Now(),
	}
}

// OrderEvent carries an order state change.
type OrderEvent struct {
	BaseEvent
	Order *types.Order `json:"order"`
}

// TradeEvent carries an execution.
type TradeEvent struct {
	BaseEvent
	Trade *types.Trade `json:"trade"`
}

// QuoteEvent carries a price tick.
type QuoteEvent struct {
	BaseEvent
	Symbol string          `json:"symbol"`
	Price  decimal.Decimal `json:"price"`
}

// KillSwitchEvent carries a halt transition.
type KillSwitchEvent struct {
	BaseEvent
	Active bool   `json:"active"`
	Reason string `json:"reason"`
	Source string `json:"source"`
}

// BreakerEvent carries a circuit breaker trip.
type BreakerEvent struct {
	BaseEvent
	Kind   string `json:"kind"`
	Reason string `json:"reason"`
}

// AnomalyEvent carries a monitor alert.
type AnomalyEvent struct {
	BaseEvent
	Kind     string `json:"kind"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
}

// RegimeEvent carries a regime transition.
type RegimeEvent struct {
	BaseEvent
	Regime *types.MarketRegime `json:"regime"`
}

// Handler processes one event.
type Handler func(event Event) error

// Filter selects which events a subscription receives.
type Filter func(event Event) bool

// Subscription is one registered handler.
type Subscription struct {
	ID        string
	EventType EventType
	Handler   Handler
	Filter    Filter
	active    atomic.Bool
}

// Cancel deactivates the subscription.
func (s *Subscription) Cancel() {
	s.active.Store(false)
}

// Stats is a snapshot of bus throughput counters.
type Stats struct {
	Published int64 `json:"published"`
	Processed int64 `json:"processed"`
	Dropped   int64 `json:"dropped"`
	Errors    int64 `json:"errors"`
}

// Config tunes the worker pool.
type Config struct {
	NumWorkers int `json:"numWorkers"`
	BufferSize int `json:"bufferSize"`
}

// DefaultConfig returns the standard pool size.
func DefaultConfig() Config {
	return Config{
		NumWorkers: 8,
		BufferSize: 4096,
	}
}

// Bus routes events to subscribers through a buffered channel drained by a
// worker pool. Publish never blocks; events are dropped and counted when
// the buffer is full.
type Bus struct {
	logger *zap.Logger

	mu         sync.RWMutex
	subs       map[EventType][]*Subscription
	allSubs    []*Subscription
	eventChan  chan Event
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	published  atomic.Int64
	processed  atomic.Int64
	dropped    atomic.Int64
	handlerErr atomic.Int64
}

// NewBus creates the bus and starts its workers.
func NewBus(logger *zap.Logger, config Config) *Bus {
	if config.NumWorkers <= 0 {
		config.NumWorkers = DefaultConfig().NumWorkers
	}
	if config.BufferSize <= 0 {
		config.BufferSize = DefaultConfig().BufferSize
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &Bus{
		logger:    logger.Named("event-bus"),
		subs:      make(map[EventType][]*Subscription),
		eventChan: make(chan Event, config.BufferSize),
		ctx:       ctx,
		cancel:    cancel,
	}
	for i := 0; i < config.NumWorkers; i++ {
		b.wg.Add(1)
		go b.worker()
	}
	return b
}

// Subscribe registers a handler for one event type. filter may be nil.
func (b *Bus) Subscribe(eventType EventType, handler Handler, filter Filter) *Subscription {
	sub := &Subscription{
		ID:        uuid.New().String(),
		EventType: eventType,
		Handler:   handler,
		Filter:    filter,
	}
	sub.active.Store(true)

	b.mu.Lock()
	b.subs[eventType] = append(b.subs[eventType], sub)
	b.mu.Unlock()
	return sub
}

// SubscribeAll registers a handler for every event type.
func (b *Bus) SubscribeAll(handler Handler, filter Filter) *Subscription {
	sub := &Subscription{
		ID:      uuid.New().String(),
		Handler: handler,
		Filter:  filter,
	}
	sub.active.Store(true)

	b.mu.Lock()
	b.allSubs = append(b.allSubs, sub)
	b.mu.Unlock()
	return sub
}

// Publish enqueues an event without blocking.
func (b *Bus) Publish(event Event) {
	b.published.Add(1)
	select {
	case b.eventChan <- event:
	default:
		b.dropped.Add(1)
	}
}

func (b *Bus) worker() {
	defer b.wg.Done()
	for {
		select {
		case <-b.ctx.Done():
			return
		case event := <-b.eventChan:
			b.dispatch(event)
		}
	}
}

func (b *Bus) dispatch(event Event) {
	b.mu.RLock()
	subs := b.subs[event.GetType()]
	allSubs := b.allSubs
	b.mu.RUnlock()

	for _, sub := range subs {
		b.deliver(sub, event)
	}
	for _, sub := range allSubs {
		b.deliver(sub, event)
	}
	b.processed.Add(1)
}

func (b *Bus) deliver(sub *Subscription, event Event) {
	if !sub.active.Load() {
		return
	}
	if sub.Filter != nil && !sub.Filter(event) {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			b.handlerErr.Add(1)
			b.logger.Error("Event handler panic",
				zap.String("subscriptionId", sub.ID),
				zap.String("eventType", string(event.GetType())),
				zap.Any("panic", r))
		}
	}()
	if err := sub.Handler(event); err != nil {
		b.handlerErr.Add(1)
		b.logger.Warn("Event handler error",
			zap.String("subscriptionId", sub.ID),
			zap.String("eventType", string(event.GetType())),
			zap.Error(err))
	}
}

// Stats returns the throughput counters.
func (b *Bus) Stats() Stats {
	return Stats{
		Published: b.published.Load(),
		Processed: b.processed.Load(),
		Dropped:   b.dropped.Load(),
		Errors:    b.handlerErr.Load(),
	}
}

// Stop drains in-flight workers and shuts the bus down.
func (b *Bus) Stop() {
	b.cancel()
	b.wg.Wait()
}
