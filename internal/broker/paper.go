package broker

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/kestrelquant/tradecore/pkg/types"
)

// DefaultAccountID is the account used by the plain Adapter methods.
const DefaultAccountID = "default"

// PaperConfig configures the simulated broker.
type PaperConfig struct {
	Name        string          `json:"name"`
	InitialCash decimal.Decimal `json:"initialCash"`
	Fills       FillsConfig     `json:"fills"`
	Seed        int64           `json:"seed"`
}

// DefaultPaperConfig returns a paper broker with $100,000 starting cash.
func DefaultPaperConfig() PaperConfig {
	return PaperConfig{
		Name:        "paper",
		InitialCash: decimal.NewFromInt(100000),
		Fills:       DefaultFillsConfig(),
		Seed:        1,
	}
}

// account is one isolated book. Its mutex is the single-writer discipline
// for everything it owns: concurrent operations on the same account
// serialize here, while different accounts proceed in parallel.
type account struct {
	id string

	mu        sync.Mutex
	cash      decimal.Decimal
	positions map[string]*types.Position
	orders    map[string]*types.Order
	trades    []*types.Trade
}

// PaperBroker is the simulated Adapter implementation. It holds one or more
// isolated accounts and a shared price feed; each price tick re-evaluates
// all open orders for that symbol through the order simulator.
type PaperBroker struct {
	logger *zap.Logger
	config PaperConfig
	fills  *FillsEngine

	mu        sync.RWMutex
	connected bool
	accounts  map[string]*account
	quotes    map[string]*types.Quote

	listenerMu     sync.RWMutex
	orderListeners []OrderListener
	tradeListeners []TradeListener
}

// NewPaperBroker creates the broker with a single default account.
func NewPaperBroker(logger *zap.Logger, config PaperConfig) *PaperBroker {
	pb := &PaperBroker{
		logger:   logger.Named("paper-broker"),
		config:   config,
		fills:    NewFillsEngine(config.Fills, rand.New(rand.NewSource(config.Seed))),
		accounts: make(map[string]*account),
		quotes:   make(map[string]*types.Quote),
	}
	pb.AddAccount(DefaultAccountID, config.InitialCash)
	return pb
}

// AddAccount creates an isolated account with the given starting cash.
func (pb *PaperBroker) AddAccount(id string, cash decimal.Decimal) {
	pb.mu.Lock()
	defer pb.mu.Unlock()
	pb.accounts[id] = &account{
		id:        id,
		cash:      cash,
		positions: make(map[string]*types.Position),
		orders:    make(map[string]*types.Order),
	}
}

// Name implements Adapter.
func (pb *PaperBroker) Name() string { return pb.config.Name }

// Connect implements Adapter.
func (pb *PaperBroker) Connect(ctx context.Context) error {
	pb.mu.Lock()
	defer pb.mu.Unlock()
	pb.connected = true
	pb.logger.Info("Paper broker connected")
	return nil
}

// Disconnect implements Adapter.
func (pb *PaperBroker) Disconnect() error {
	pb.mu.Lock()
	defer pb.mu.Unlock()
	pb.connected = false
	return nil
}

// IsConnected implements Adapter.
func (pb *PaperBroker) IsConnected() bool {
	pb.mu.RLock()
	defer pb.mu.RUnlock()
	return pb.connected
}

// OnOrderUpdate registers an order lifecycle listener.
func (pb *PaperBroker) OnOrderUpdate(l OrderListener) {
	pb.listenerMu.Lock()
	defer pb.listenerMu.Unlock()
	pb.orderListeners = append(pb.orderListeners, l)
}

// OnTradeExecution registers a fill listener.
func (pb *PaperBroker) OnTradeExecution(l TradeListener) {
	pb.listenerMu.Lock()
	defer pb.listenerMu.Unlock()
	pb.tradeListeners = append(pb.tradeListeners, l)
}

// Balance implements Adapter against the default account.
func (pb *PaperBroker) Balance(ctx context.Context) (decimal.Decimal, error) {
	return pb.AccountBalance(ctx, DefaultAccountID)
}

// AccountBalance returns the cash balance of one account.
func (pb *PaperBroker) AccountBalance(ctx context.Context, accountID string) (decimal.Decimal, error) {
	acct, err := pb.account(accountID)
	if err != nil {
		return decimal.Zero, err
	}
	acct.mu.Lock()
	defer acct.mu.Unlock()
	return acct.cash, nil
}

// Positions implements Adapter against the default account.
func (pb *PaperBroker) Positions(ctx context.Context) (map[string]*types.Position, error) {
	acct, err := pb.account(DefaultAccountID)
	if err != nil {
		return nil, err
	}
	acct.mu.Lock()
	defer acct.mu.Unlock()

	out := make(map[string]*types.Position, len(acct.positions))
	for sym, pos := range acct.positions {
		cp := *pos
		out[sym] = &cp
	}
	return out, nil
}

// Quote implements Adapter.
func (pb *PaperBroker) Quote(ctx context.Context, symbol string) (*types.Quote, error) {
	pb.mu.RLock()
	defer pb.mu.RUnlock()
	q, ok := pb.quotes[symbol]
	if !ok {
		return nil, fmt.Errorf("%w for %s", ErrNoQuote, symbol)
	}
	cp := *q
	return &cp, nil
}

// SubmitOrder implements Adapter. Submission pre-validates affordability on
// buys and sufficient holdings on sells; failing either rejects the order
// immediately rather than queuing it.
func (pb *PaperBroker) SubmitOrder(ctx context.Context, order *types.Order) (*types.Order, error) {
	if !pb.IsConnected() {
		return nil, ErrNotConnected
	}
	acct, err := pb.account(DefaultAccountID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	order.ID = uuid.New().String()
	order.Status = types.OrderStatusPending
	order.FilledQty = decimal.Zero
	order.CreatedAt = now
	order.UpdatedAt = now

	refPrice := order.Price
	if quote, qErr := pb.Quote(ctx, order.Symbol); qErr == nil {
		if refPrice.IsZero() || order.Type == types.OrderTypeMarket {
			refPrice = quote.Price
		}
	}

	acct.mu.Lock()
	if vErr := pb.validateLocked(acct, order, refPrice); vErr != nil {
		order.Status = types.OrderStatusRejected
		acct.mu.Unlock()
		pb.notifyOrder(order)
		return nil, vErr
	}

	order.Status = types.OrderStatusOpen
	acct.orders[order.ID] = order

	// Market orders execute against the last quote without waiting for the
	// next tick.
	if order.Type == types.OrderTypeMarket && !refPrice.IsZero() {
		pb.executeLocked(acct, order, refPrice)
	}
	snapshot := *order
	acct.mu.Unlock()

	pb.notifyOrder(&snapshot)
	pb.logger.Info("Order submitted",
		zap.String("orderId", snapshot.ID),
		zap.String("symbol", snapshot.Symbol),
		zap.String("side", string(snapshot.Side)),
		zap.String("status", string(snapshot.Status)))
	return &snapshot, nil
}

// validateLocked rejects orders the account cannot cover.
func (pb *PaperBroker) validateLocked(acct *account, order *types.Order, refPrice decimal.Decimal) error {
	if order.Side == types.OrderSideBuy {
		cost := order.Quantity.Mul(refPrice)
		cost = cost.Add(cost.Mul(pb.config.Fills.CommissionRate))
		if refPrice.IsZero() {
			return fmt.Errorf("%w for %s: no reference price", ErrNoQuote, order.Symbol)
		}
		if cost.GreaterThan(acct.cash) {
			return fmt.Errorf("%w: need %s, have %s", ErrInsufficientFunds, cost, acct.cash)
		}
		return nil
	}
	held := decimal.Zero
	if pos, ok := acct.positions[order.Symbol]; ok {
		held = pos.Quantity
	}
	if order.Quantity.GreaterThan(held) {
		return fmt.Errorf("%w: have %s, selling %s", ErrInsufficientHoldings, held, order.Quantity)
	}
	return nil
}

// CancelOrder implements Adapter. Cancellation is only valid while the order
// is open; a cancel racing a fill loses to whichever operation takes the
// account lock first.
func (pb *PaperBroker) CancelOrder(ctx context.Context, orderID string) error {
	acct, err := pb.account(DefaultAccountID)
	if err != nil {
		return err
	}

	acct.mu.Lock()
	order, ok := acct.orders[orderID]
	if !ok {
		acct.mu.Unlock()
		return ErrOrderNotFound
	}
	if order.Status != types.OrderStatusOpen {
		acct.mu.Unlock()
		return fmt.Errorf("%w: status %s", ErrOrderNotOpen, order.Status)
	}
	order.Status = types.OrderStatusCancelled
	order.UpdatedAt = time.Now()
	snapshot := *order
	acct.mu.Unlock()

	pb.notifyOrder(&snapshot)
	return nil
}

// GetOrder implements Adapter.
func (pb *PaperBroker) GetOrder(ctx context.Context, orderID string) (*types.Order, error) {
	acct, err := pb.account(DefaultAccountID)
	if err != nil {
		return nil, err
	}
	acct.mu.Lock()
	defer acct.mu.Unlock()
	order, ok := acct.orders[orderID]
	if !ok {
		return nil, ErrOrderNotFound
	}
	cp := *order
	return &cp, nil
}

// OpenOrders implements Adapter.
func (pb *PaperBroker) OpenOrders(ctx context.Context) ([]*types.Order, error) {
	acct, err := pb.account(DefaultAccountID)
	if err != nil {
		return nil, err
	}
	acct.mu.Lock()
	defer acct.mu.Unlock()

	var open []*types.Order
	for _, order := range acct.orders {
		if order.Status == types.OrderStatusOpen {
			cp := *order
			open = append(open, &cp)
		}
	}
	return open, nil
}

// Trades returns a copy of the default account's executions.
func (pb *PaperBroker) Trades() []*types.Trade {
	acct, err := pb.account(DefaultAccountID)
	if err != nil {
		return nil
	}
	acct.mu.Lock()
	defer acct.mu.Unlock()

	out := make([]*types.Trade, len(acct.trades))
	for i, t := range acct.trades {
		cp := *t
		out[i] = &cp
	}
	return out
}

// UpdatePrice feeds a price tick. All open orders for the symbol are
// re-evaluated through the order simulator and position marks refresh.
func (pb *PaperBroker) UpdatePrice(symbol string, price decimal.Decimal) {
	pb.mu.Lock()
	pb.quotes[symbol] = &types.Quote{Symbol: symbol, Price: price, Timestamp: time.Now()}
	accounts := make([]*account, 0, len(pb.accounts))
	for _, acct := range pb.accounts {
		accounts = append(accounts, acct)
	}
	pb.mu.Unlock()

	for _, acct := range accounts {
		var updated []types.Order
		acct.mu.Lock()
		for _, order := range acct.orders {
			if order.Status != types.OrderStatusOpen {
				continue
			}
			if order.Symbol != symbol || !ShouldFill(order, price) {
				continue
			}
			pb.executeLocked(acct, order, price)
			updated = append(updated, *order)
		}
		if pos, ok := acct.positions[symbol]; ok {
			pos.CurrentPrice = price
			pos.UnrealizedPnL = price.Sub(pos.AvgPrice).Mul(pos.Quantity)
		}
		acct.mu.Unlock()

		for i := range updated {
			pb.notifyOrder(&updated[i])
		}
	}
}

// executeLocked fills (possibly partially) a triggered order and settles the
// trade against the account. Caller holds acct.mu.
func (pb *PaperBroker) executeLocked(acct *account, order *types.Order, marketPrice decimal.Decimal) {
	fill := pb.fills.Execute(order, marketPrice)
	now := time.Now()

	// Volume-weighted average across partial fills.
	prevNotional := order.AvgFillPrice.Mul(order.FilledQty)
	order.FilledQty = order.FilledQty.Add(fill.Quantity)
	order.AvgFillPrice = prevNotional.Add(fill.Price.Mul(fill.Quantity)).Div(order.FilledQty)
	order.Commission = order.Commission.Add(fill.Commission)
	order.UpdatedAt = now
	if order.FilledQty.GreaterThanOrEqual(order.Quantity) {
		order.Status = types.OrderStatusFilled
		order.FilledAt = &now
	}

	trade := &types.Trade{
		ID:         uuid.New().String(),
		OrderID:    order.ID,
		Symbol:     order.Symbol,
		Side:       order.Side,
		Quantity:   fill.Quantity,
		Price:      fill.Price,
		Commission: fill.Commission,
		ExecutedAt: now,
	}

	if order.Side == types.OrderSideBuy {
		pb.applyBuyLocked(acct, trade)
	} else {
		pb.applySellLocked(acct, trade)
	}
	acct.trades = append(acct.trades, trade)

	pb.notifyTrade(trade)
}

// applyBuyLocked debits cash and folds the fill into the position at a
// volume-weighted average entry price.
func (pb *PaperBroker) applyBuyLocked(acct *account, trade *types.Trade) {
	cost := trade.Quantity.Mul(trade.Price).Add(trade.Commission)
	acct.cash = acct.cash.Sub(cost)

	pos, ok := acct.positions[trade.Symbol]
	if !ok {
		acct.positions[trade.Symbol] = &types.Position{
			Symbol:       trade.Symbol,
			Quantity:     trade.Quantity,
			AvgPrice:     trade.Price,
			CurrentPrice: trade.Price,
			OpenedAt:     trade.ExecutedAt,
		}
		return
	}
	notional := pos.AvgPrice.Mul(pos.Quantity).Add(trade.Price.Mul(trade.Quantity))
	pos.Quantity = pos.Quantity.Add(trade.Quantity)
	pos.AvgPrice = notional.Div(pos.Quantity)
	pos.CurrentPrice = trade.Price
}

// applySellLocked credits cash, captures realized PnL on the trade and
// removes the position when it empties.
func (pb *PaperBroker) applySellLocked(acct *account, trade *types.Trade) {
	proceeds := trade.Quantity.Mul(trade.Price).Sub(trade.Commission)
	acct.cash = acct.cash.Add(proceeds)

	pos, ok := acct.positions[trade.Symbol]
	if !ok {
		return
	}
	trade.PnL = trade.Price.Sub(pos.AvgPrice).Mul(trade.Quantity).Sub(trade.Commission)
	pos.RealizedPnL = pos.RealizedPnL.Add(trade.PnL)
	pos.Quantity = pos.Quantity.Sub(trade.Quantity)
	pos.CurrentPrice = trade.Price
	if pos.Quantity.LessThanOrEqual(decimal.Zero) {
		delete(acct.positions, trade.Symbol)
	}
}

func (pb *PaperBroker) account(id string) (*account, error) {
	pb.mu.RLock()
	defer pb.mu.RUnlock()
	acct, ok := pb.accounts[id]
	if !ok {
		return nil, fmt.Errorf("unknown account %q", id)
	}
	return acct, nil
}

func (pb *PaperBroker) notifyOrder(order *types.Order) {
	pb.listenerMu.RLock()
	listeners := append([]OrderListener(nil), pb.orderListeners...)
	pb.listenerMu.RUnlock()
	for _, l := range listeners {
		l(order)
	}
}

func (pb *PaperBroker) notifyTrade(trade *types.Trade) {
	pb.listenerMu.RLock()
	listeners := append([]TradeListener(nil), pb.tradeListeners...)
	pb.listenerMu.RUnlock()
	for _, l := range listeners {
		l(trade)
	}
}
