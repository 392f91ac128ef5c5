// Package router provides the single entry point for order submission.
// Every order passes the kill switch, idempotency guard and risk limiters
// before it may reach a broker adapter.
package router

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/kestrelquant/tradecore/internal/broker"
	"github.com/kestrelquant/tradecore/internal/idempotency"
	"github.com/kestrelquant/tradecore/internal/risk"
	"github.com/kestrelquant/tradecore/internal/safety"
	"github.com/kestrelquant/tradecore/pkg/types"
)

// RejectionCode names the gate that refused an order.
type RejectionCode string

const (
	RejectKillSwitch     RejectionCode = "kill_switch"
	RejectDuplicate      RejectionCode = "duplicate"
	RejectPositionLimit  RejectionCode = "position_limit"
	RejectExposureLimit  RejectionCode = "exposure_limit"
	RejectAdapterFailure RejectionCode = "adapter_failure"
)

// Rejection is a structured refusal reported synchronously to the caller.
// Rejected orders are never retried by the router; retries belong to a
// higher-level caller.
type Rejection struct {
	Code   RejectionCode `json:"code"`
	Reason string        `json:"reason"`
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("order rejected (%s): %s", r.Code, r.Reason)
}

// OrderRequest is an inbound order before it has a broker identity.
type OrderRequest struct {
	UserID    string          `json:"userId"`
	Symbol    string          `json:"symbol"`
	Side      types.OrderSide `json:"side"`
	Type      types.OrderType `json:"type"`
	Quantity  decimal.Decimal `json:"quantity"`
	Price     decimal.Decimal `json:"price,omitempty"`
	StopPrice decimal.Decimal `json:"stopPrice,omitempty"`
}

// RoutedOrder is a successful submission plus routing metadata.
type RoutedOrder struct {
	Order    *types.Order `json:"order"`
	Broker   string       `json:"broker"`
	RoutedAt time.Time    `json:"routedAt"`
}

// Config tunes the router.
type Config struct {
	AdapterTimeout time.Duration `json:"adapterTimeout"`
	KeyBucket      time.Duration `json:"keyBucket"` // idempotency time bucket
}

// DefaultConfig returns the standard router settings.
func DefaultConfig() Config {
	return Config{
		AdapterTimeout: 5 * time.Second,
		KeyBucket:      5 * time.Minute,
	}
}

// Router orchestrates the order gate sequence. Each step short-circuits:
// kill switch, idempotency, position limits, exposure limits, then the
// broker adapter bounded by a timeout. Every adapter call is timed and its
// outcome reported to the breaker panel.
type Router struct {
	logger     *zap.Logger
	config     Config
	killSwitch *safety.KillSwitch
	breakers   *safety.BreakerPanel
	guard      *idempotency.Guard
	positions  *risk.PositionLimits
	exposure   *risk.ExposureLimits
	adapter    broker.Adapter
}

// New creates the router over its injected collaborators. breakers may be
// nil, in which case adapter calls are not observed.
func New(
	logger *zap.Logger,
	config Config,
	ks *safety.KillSwitch,
	breakers *safety.BreakerPanel,
	guard *idempotency.Guard,
	positions *risk.PositionLimits,
	exposure *risk.ExposureLimits,
	adapter broker.Adapter,
) *Router {
	return &Router{
		logger:     logger.Named("order-router"),
		config:     config,
		killSwitch: ks,
		breakers:   breakers,
		guard:      guard,
		positions:  positions,
		exposure:   exposure,
		adapter:    adapter,
	}
}

// DeriveKey builds the idempotency key for a request. Orders identical in
// every field but falling in different time buckets get different keys and
// are therefore not treated as duplicates; that is a policy choice.
func (r *Router) DeriveKey(req *OrderRequest, at time.Time) string {
	bucket := at.UTC().Truncate(r.config.KeyBucket).Unix()
	return fmt.Sprintf("%s:%s:%s:%s:%d", req.UserID, req.Symbol, req.Side, req.Quantity, bucket)
}

// Route validates and submits an order. A Rejection is returned as the
// error for every refused order; any other error indicates the adapter
// position snapshot could not be read.
func (r *Router) Route(ctx context.Context, req *OrderRequest, idempotencyKey string) (*RoutedOrder, error) {
	if r.killSwitch.IsActive() {
		state := r.killSwitch.State()
		return nil, &Rejection{
			Code:   RejectKillSwitch,
			Reason: fmt.Sprintf("trading halted: %s", state.Reason),
		}
	}

	if idempotencyKey == "" {
		idempotencyKey = r.DeriveKey(req, time.Now())
	}
	if !r.guard.CheckAndRecord(idempotencyKey, req) {
		return nil, &Rejection{
			Code:   RejectDuplicate,
			Reason: fmt.Sprintf("duplicate submission for key %s", idempotencyKey),
		}
	}

	order := &types.Order{
		Symbol:    req.Symbol,
		Side:      req.Side,
		Type:      req.Type,
		Quantity:  req.Quantity,
		Price:     req.Price,
		StopPrice: req.StopPrice,
	}

	positions, err := r.adapter.Positions(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading positions: %w", err)
	}

	if result := r.positions.Check(ctx, order, positions); !result.Allowed {
		r.logReject(req, RejectPositionLimit, result.Reason)
		return nil, &Rejection{Code: RejectPositionLimit, Reason: result.Reason}
	}
	if result := r.exposure.Check(ctx, order, positions); !result.Allowed {
		r.logReject(req, RejectExposureLimit, result.Reason)
		return nil, &Rejection{Code: RejectExposureLimit, Reason: result.Reason}
	}

	// Adapter failure is fatal to this order, not to the process: reject,
	// never hang and never retry here.
	submitCtx, cancel := context.WithTimeout(ctx, r.config.AdapterTimeout)
	defer cancel()

	start := time.Now()
	submitted, err := r.adapter.SubmitOrder(submitCtx, order)
	r.observeCall(start, err)
	if err != nil {
		r.logReject(req, RejectAdapterFailure, err.Error())
		return nil, &Rejection{Code: RejectAdapterFailure, Reason: err.Error()}
	}

	routed := &RoutedOrder{
		Order:    submitted,
		Broker:   r.adapter.Name(),
		RoutedAt: time.Now(),
	}
	r.logger.Info("Order routed",
		zap.String("orderId", submitted.ID),
		zap.String("symbol", req.Symbol),
		zap.String("side", string(req.Side)),
		zap.String("broker", routed.Broker))
	return routed, nil
}

// Cancel delegates directly to the adapter.
func (r *Router) Cancel(ctx context.Context, orderID string) error {
	cancelCtx, cancel := context.WithTimeout(ctx, r.config.AdapterTimeout)
	defer cancel()
	start := time.Now()
	err := r.adapter.CancelOrder(cancelCtx, orderID)
	r.observeCall(start, err)
	return err
}

// observeCall feeds the latency and error-rate breakers from one adapter
// round trip.
func (r *Router) observeCall(start time.Time, err error) {
	if r.breakers == nil {
		return
	}
	r.breakers.ObserveLatency(time.Since(start))
	r.breakers.ObserveCall(err == nil)
}

func (r *Router) logReject(req *OrderRequest, code RejectionCode, reason string) {
	r.logger.Warn("Order rejected",
		zap.String("symbol", req.Symbol),
		zap.String("side", string(req.Side)),
		zap.String("code", string(code)),
		zap.String("reason", reason))
}
