// Package runner replays historical bars against strategy logic and
// derives performance statistics from the resulting trades.
package runner

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/kestrelquant/tradecore/pkg/types"
)

// Signal is a strategy's per-bar decision.
type Signal string

const (
	SignalBuy  Signal = "buy"
	SignalSell Signal = "sell"
	SignalHold Signal = "hold"
)

// Strategy is the user-supplied bar handler. history contains all bars up
// to and including the current one.
type Strategy interface {
	Name() string
	OnBar(ctx context.Context, bar types.OHLCV, history []types.OHLCV) Signal
}

// StrategyFunc adapts a function to the Strategy interface.
type StrategyFunc struct {
	StrategyName string
	Handler      func(ctx context.Context, bar types.OHLCV, history []types.OHLCV) Signal
}

func (s StrategyFunc) Name() string { return s.StrategyName }

func (s StrategyFunc) OnBar(ctx context.Context, bar types.OHLCV, history []types.OHLCV) Signal {
	return s.Handler(ctx, bar, history)
}

// Config tunes a backtest run.
type Config struct {
	InitialCapital decimal.Decimal `json:"initialCapital"`
	CommissionRate decimal.Decimal `json:"commissionRate"`
	Slippage       SlippageModel   `json:"slippage"`
	PositionSize   decimal.Decimal `json:"positionSize"` // fraction of capital per entry
}

// DefaultConfig returns the standard backtest settings.
func DefaultConfig() Config {
	return Config{
		InitialCapital: decimal.NewFromInt(100000),
		CommissionRate: decimal.NewFromFloat(0.001),
		Slippage:       DefaultSlippageModel(),
		PositionSize:   decimal.NewFromFloat(0.95),
	}
}

// ErrNoBars is returned for an empty series.
var ErrNoBars = errors.New("no bars to replay")

// Runner executes bar-by-bar backtests.
type Runner struct {
	logger *zap.Logger
	config Config
}

// New creates a runner.
func New(logger *zap.Logger, config Config) *Runner {
	if config.InitialCapital.IsZero() {
		config = DefaultConfig()
	}
	return &Runner{
		logger: logger.Named("strategy-runner"),
		config: config,
	}
}

// Run replays bars through the strategy, executing non-hold signals at the
// slippage-adjusted close. Long-only: a buy opens a full position, a sell
// closes it. Drawdown is computed over the running capital implied by the
// trade sequence while the Sharpe ratio comes from bar-level portfolio
// returns; the two deliberately use different bases.
func (r *Runner) Run(ctx context.Context, strategy Strategy, symbol string, bars []types.OHLCV) (*types.BacktestResult, error) {
	if len(bars) == 0 {
		return nil, ErrNoBars
	}

	cash := r.config.InitialCapital
	position := decimal.Zero
	entryPrice := decimal.Zero

	var trades []types.Trade
	barReturns := make([]float64, 0, len(bars))
	prevValue := r.config.InitialCapital

	for i, bar := range bars {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		signal := strategy.OnBar(ctx, bar, bars[:i+1])

		switch signal {
		case SignalBuy:
			if position.IsZero() {
				price := r.config.Slippage.Adjust(bar.Close, decimal.Zero, bar.Volume, types.OrderSideBuy)
				budget := cash.Mul(r.config.PositionSize)
				qty := budget.Div(price.Mul(decimal.NewFromInt(1).Add(r.config.CommissionRate))).Floor()
				if qty.IsPositive() {
					price = r.config.Slippage.Adjust(bar.Close, qty, bar.Volume, types.OrderSideBuy)
					cost := qty.Mul(price)
					commission := cost.Mul(r.config.CommissionRate)
					cash = cash.Sub(cost).Sub(commission)
					position = qty
					entryPrice = price
					trades = append(trades, types.Trade{
						ID:         uuid.New().String(),
						Symbol:     symbol,
						Side:       types.OrderSideBuy,
						Quantity:   qty,
						Price:      price,
						Commission: commission,
						ExecutedAt: bar.Timestamp,
					})
				}
			}
		case SignalSell:
			if position.IsPositive() {
				price := r.config.Slippage.Adjust(bar.Close, position, bar.Volume, types.OrderSideSell)
				proceeds := position.Mul(price)
				commission := proceeds.Mul(r.config.CommissionRate)
				pnl := price.Sub(entryPrice).Mul(position).Sub(commission)
				cash = cash.Add(proceeds).Sub(commission)
				trades = append(trades, types.Trade{
					ID:         uuid.New().String(),
					Symbol:     symbol,
					Side:       types.OrderSideSell,
					Quantity:   position,
					Price:      price,
					Commission: commission,
					PnL:        pnl,
					ExecutedAt: bar.Timestamp,
				})
				position = decimal.Zero
				entryPrice = decimal.Zero
			}
		}

		value := cash.Add(position.Mul(bar.Close))
		if prev, _ := prevValue.Float64(); prev != 0 {
			cur, _ := value.Float64()
			barReturns = append(barReturns, cur/prev-1)
		}
		prevValue = value
	}

	// Liquidate any open position at the final close so the result reflects
	// a flat book.
	final := bars[len(bars)-1]
	if position.IsPositive() {
		price := r.config.Slippage.Adjust(final.Close, position, final.Volume, types.OrderSideSell)
		proceeds := position.Mul(price)
		commission := proceeds.Mul(r.config.CommissionRate)
		pnl := price.Sub(entryPrice).Mul(position).Sub(commission)
		cash = cash.Add(proceeds).Sub(commission)
		trades = append(trades, types.Trade{
			ID:         uuid.New().String(),
			Symbol:     symbol,
			Side:       types.OrderSideSell,
			Quantity:   position,
			Price:      price,
			Commission: commission,
			PnL:        pnl,
			ExecutedAt: final.Timestamp,
		})
		position = decimal.Zero
	}

	result := r.buildResult(strategy, symbol, bars, cash, trades, barReturns)
	r.logger.Info("Backtest complete",
		zap.String("strategy", strategy.Name()),
		zap.String("symbol", symbol),
		zap.Int("trades", result.TotalTrades),
		zap.Float64("totalReturn", result.TotalReturn),
		zap.Float64("sharpe", result.SharpeRatio))
	return result, nil
}

func (r *Runner) buildResult(
	strategy Strategy,
	symbol string,
	bars []types.OHLCV,
	finalCapital decimal.Decimal,
	trades []types.Trade,
	barReturns []float64,
) *types.BacktestResult {
	initial, _ := r.config.InitialCapital.Float64()
	final, _ := finalCapital.Float64()

	totalReturn := 0.0
	if initial != 0 {
		totalReturn = final/initial - 1
	}

	start := bars[0].Timestamp
	end := bars[len(bars)-1].Timestamp
	years := end.Sub(start).Hours() / (24 * 365)
	annualized := 0.0
	if years > 0 && totalReturn > -1 {
		annualized = math.Pow(1+totalReturn, 1/years) - 1
	}

	return &types.BacktestResult{
		StrategyID:       strategy.Name(),
		Symbol:           symbol,
		StartDate:        start,
		EndDate:          end,
		InitialCapital:   r.config.InitialCapital,
		FinalCapital:     finalCapital,
		TotalReturn:      totalReturn,
		AnnualizedReturn: annualized,
		MaxDrawdown:      tradeDrawdown(r.config.InitialCapital, trades),
		SharpeRatio:      barSharpe(barReturns),
		WinRate:          winRate(trades),
		TotalTrades:      len(trades),
		Trades:           trades,
		BarReturns:       barReturns,
	}
}

// tradeDrawdown walks the running capital implied by the realized trade
// sequence and returns the peak-to-trough fraction. It ignores
// mark-to-market bar values on purpose.
func tradeDrawdown(initial decimal.Decimal, trades []types.Trade) float64 {
	capital, _ := initial.Float64()
	peak := capital
	maxDD := 0.0
	for _, t := range trades {
		if t.Side != types.OrderSideSell {
			continue
		}
		pnl, _ := t.PnL.Float64()
		capital += pnl
		if capital > peak {
			peak = capital
		}
		if peak > 0 {
			dd := (peak - capital) / peak
			if dd > maxDD {
				maxDD = dd
			}
		}
	}
	return maxDD
}

// barSharpe annualizes mean over stddev of bar-level portfolio returns.
func barSharpe(returns []float64) float64 {
	if len(returns) < 2 {
		return 0
	}
	sum := 0.0
	for _, r := range returns {
		sum += r
	}
	m := sum / float64(len(returns))
	varSum := 0.0
	for _, r := range returns {
		d := r - m
		varSum += d * d
	}
	sd := math.Sqrt(varSum / float64(len(returns)-1))
	if sd == 0 {
		return 0
	}
	return m / sd * math.Sqrt(252)
}

func winRate(trades []types.Trade) float64 {
	closed := 0
	wins := 0
	for _, t := range trades {
		if t.Side == types.OrderSideSell {
			closed++
			if t.PnL.IsPositive() {
				wins++
			}
		}
	}
	if closed == 0 {
		return 0
	}
	return float64(wins) / float64(closed)
}

// Describe formats a one-line result summary for logs and CLIs.
func Describe(r *types.BacktestResult) string {
	return fmt.Sprintf("%s on %s: return %.2f%%, drawdown %.2f%%, sharpe %.2f, %d trades",
		r.StrategyID, r.Symbol, r.TotalReturn*100, r.MaxDrawdown*100, r.SharpeRatio, r.TotalTrades)
}
