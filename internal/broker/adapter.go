// Package broker provides the broker adapter capability interface and the
// paper-trading reference implementation.
package broker

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/kestrelquant/tradecore/pkg/types"
)

var (
	// ErrInsufficientFunds rejects a buy the account cannot afford.
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrInsufficientHoldings rejects a sell exceeding the held quantity.
	ErrInsufficientHoldings = errors.New("insufficient holdings")
	// ErrOrderNotFound is returned for unknown order ids.
	ErrOrderNotFound = errors.New("order not found")
	// ErrOrderNotOpen rejects cancellation of an order in a terminal state.
	ErrOrderNotOpen = errors.New("order is not open")
	// ErrNotConnected is returned when the adapter is not connected.
	ErrNotConnected = errors.New("broker not connected")
	// ErrNoQuote is returned when no price has been seen for a symbol.
	ErrNoQuote = errors.New("no quote available")
)

// OrderListener receives order lifecycle updates.
type OrderListener func(order *types.Order)

// TradeListener receives executed fills.
type TradeListener func(trade *types.Trade)

// Adapter is the capability set every broker integration must provide. Any
// implementation is substitutable behind the order router.
type Adapter interface {
	Name() string
	Connect(ctx context.Context) error
	Disconnect() error
	IsConnected() bool

	Balance(ctx context.Context) (decimal.Decimal, error)
	Positions(ctx context.Context) (map[string]*types.Position, error)

	SubmitOrder(ctx context.Context, order *types.Order) (*types.Order, error)
	CancelOrder(ctx context.Context, orderID string) error
	GetOrder(ctx context.Context, orderID string) (*types.Order, error)
	OpenOrders(ctx context.Context) ([]*types.Order, error)
	Quote(ctx context.Context, symbol string) (*types.Quote, error)

	OnOrderUpdate(l OrderListener)
	OnTradeExecution(l TradeListener)
}
