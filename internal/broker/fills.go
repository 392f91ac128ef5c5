package broker

import (
	"math/rand"

	"github.com/shopspring/decimal"

	"github.com/kestrelquant/tradecore/pkg/types"
)

// FillsConfig tunes the simulated execution quality.
type FillsConfig struct {
	SlippageBps       decimal.Decimal `json:"slippageBps"`       // max adverse slippage band
	CommissionRate    decimal.Decimal `json:"commissionRate"`    // fraction of notional
	MinCommission     decimal.Decimal `json:"minCommission"`     // commission floor
	PartialFillProb   float64         `json:"partialFillProb"`   // chance a fill is partial
	PartialFillMinPct float64         `json:"partialFillMinPct"` // floor on partial fraction
}

// DefaultFillsConfig returns realistic simulation defaults.
func DefaultFillsConfig() FillsConfig {
	return FillsConfig{
		SlippageBps:       decimal.NewFromInt(5),
		CommissionRate:    decimal.NewFromFloat(0.001),
		MinCommission:     decimal.NewFromFloat(0.01),
		PartialFillProb:   0,
		PartialFillMinPct: 0.25,
	}
}

// Fill is one simulated execution.
type Fill struct {
	Quantity   decimal.Decimal
	Price      decimal.Decimal
	Commission decimal.Decimal
}

// FillsEngine computes executed quantity, price and commission for a
// triggered order. The random source is injectable so tests can run the
// simulation deterministically.
type FillsEngine struct {
	config FillsConfig
	rng    *rand.Rand
}

// NewFillsEngine creates the engine; rng may be nil for a fixed-seed source.
func NewFillsEngine(config FillsConfig, rng *rand.Rand) *FillsEngine {
	if rng == nil {
		rng = rand.New(rand.NewSource(1))
	}
	return &FillsEngine{config: config, rng: rng}
}

// Execute simulates filling the remaining quantity of an order at the given
// market price. The execution price is the market price adjusted adversely
// by a randomized slippage draw inside the configured band; commission is
// rate times notional, floored at the minimum.
func (fe *FillsEngine) Execute(order *types.Order, marketPrice decimal.Decimal) Fill {
	remaining := order.Quantity.Sub(order.FilledQty)

	qty := remaining
	if fe.config.PartialFillProb > 0 && fe.rng.Float64() < fe.config.PartialFillProb {
		frac := fe.config.PartialFillMinPct + fe.rng.Float64()*(1-fe.config.PartialFillMinPct)
		qty = remaining.Mul(decimal.NewFromFloat(frac)).Round(8)
		if qty.IsZero() || qty.GreaterThan(remaining) {
			qty = remaining
		}
	}

	slip := fe.config.SlippageBps.
		Mul(decimal.NewFromFloat(fe.rng.Float64())).
		Div(decimal.NewFromInt(10000))
	price := marketPrice
	if order.Side == types.OrderSideBuy {
		price = marketPrice.Mul(decimal.NewFromInt(1).Add(slip))
	} else {
		price = marketPrice.Mul(decimal.NewFromInt(1).Sub(slip))
	}

	commission := qty.Mul(price).Mul(fe.config.CommissionRate)
	if commission.LessThan(fe.config.MinCommission) {
		commission = fe.config.MinCommission
	}

	return Fill{Quantity: qty, Price: price, Commission: commission}
}
