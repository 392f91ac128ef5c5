package runner

import (
	"github.com/shopspring/decimal"

	"github.com/kestrelquant/tradecore/pkg/types"
)

// maxSlippage caps the total slippage fraction at 5%.
var maxSlippage = decimal.NewFromFloat(0.05)

// SlippageModel adjusts an execution price by a base slippage fraction plus
// a volume-impact term proportional to order size relative to bar volume.
type SlippageModel struct {
	Base         decimal.Decimal `json:"base"`         // fraction, e.g. 0.0005
	VolumeImpact decimal.Decimal `json:"volumeImpact"` // impact coefficient
}

// DefaultSlippageModel returns conservative backtest slippage.
func DefaultSlippageModel() SlippageModel {
	return SlippageModel{
		Base:         decimal.NewFromFloat(0.0005),
		VolumeImpact: decimal.NewFromFloat(0.1),
	}
}

// Adjust returns the price moved adversely to the side by the total
// slippage fraction.
func (m SlippageModel) Adjust(price, quantity, barVolume decimal.Decimal, side types.OrderSide) decimal.Decimal {
	slip := m.Base
	if barVolume.IsPositive() {
		impact := quantity.Div(barVolume).Mul(m.VolumeImpact)
		slip = slip.Add(impact)
	}
	if slip.GreaterThan(maxSlippage) {
		slip = maxSlippage
	}
	if side == types.OrderSideBuy {
		return price.Mul(decimal.NewFromInt(1).Add(slip))
	}
	return price.Mul(decimal.NewFromInt(1).Sub(slip))
}
