package broker

import (
	"github.com/shopspring/decimal"

	"github.com/kestrelquant/tradecore/pkg/types"
)

// ShouldFill is the pure trigger check for an open order against a market
// price. Market orders always fill; limit orders fill when the price crosses
// the limit favorably; stop orders fill when the price crosses the stop
// adversely to entry; stop-limit requires both conditions at once.
func ShouldFill(order *types.Order, price decimal.Decimal) bool {
	switch order.Type {
	case types.OrderTypeMarket:
		return true
	case types.OrderTypeLimit:
		return limitCrossed(order, price)
	case types.OrderTypeStop:
		return stopCrossed(order, price)
	case types.OrderTypeStopLimit:
		return stopCrossed(order, price) && limitCrossed(order, price)
	default:
		return false
	}
}

func limitCrossed(order *types.Order, price decimal.Decimal) bool {
	if order.Side == types.OrderSideBuy {
		return price.LessThanOrEqual(order.Price)
	}
	return price.GreaterThanOrEqual(order.Price)
}

func stopCrossed(order *types.Order, price decimal.Decimal) bool {
	if order.Side == types.OrderSideBuy {
		return price.GreaterThanOrEqual(order.StopPrice)
	}
	return price.LessThanOrEqual(order.StopPrice)
}
