// Package fraction converts matching-engine integer units into asset amounts.
//
// Prices and quantities arrive as integers scaled by per-pair fractions: the
// left side fraction scales quantities, the right side fraction scales prices.
// All conversions multiply, so no rounding is ever introduced here.
package fraction

import (
	"github.com/opexdev/backoffice/services/accountant/internal/model"
	"github.com/shopspring/decimal"
)

// ConvertPrice returns the price in right-side asset units.
func ConvertPrice(price int64, right decimal.Decimal) decimal.Decimal {
	return decimal.NewFromInt(price).Mul(right)
}

// ConvertQuantity returns the quantity in left-side asset units.
func ConvertQuantity(quantity int64, left decimal.Decimal) decimal.Decimal {
	return decimal.NewFromInt(quantity).Mul(left)
}

// ReserveAmount is what an order locks at submit time. An ask locks the base
// asset, a bid locks quote worth quantity times its own price.
func ReserveAmount(direction model.Direction, quantity, price int64, left, right decimal.Decimal) decimal.Decimal {
	qty := ConvertQuantity(quantity, left)
	if direction == model.Ask {
		return qty
	}
	return qty.Mul(ConvertPrice(price, right))
}

// MatchedAmount is what one side gives up in a trade, always priced at the maker price.
func MatchedAmount(direction model.Direction, matched, makerPrice int64, left, right decimal.Decimal) decimal.Decimal {
	return ReserveAmount(direction, matched, makerPrice, left, right)
}

// SpendSymbol is the asset an order pays with.
func SpendSymbol(direction model.Direction, pair model.Pair) string {
	if direction == model.Ask {
		return pair.Left
	}
	return pair.Right
}

// ReceiveSymbol is the asset an order is paid in.
func ReceiveSymbol(direction model.Direction, pair model.Pair) string {
	if direction == model.Ask {
		return pair.Right
	}
	return pair.Left
}

// ReceivedAmount is what one side is credited by the counterparty's transfer.
func ReceivedAmount(direction model.Direction, matched, makerPrice int64, left, right decimal.Decimal) decimal.Decimal {
	return MatchedAmount(opposite(direction), matched, makerPrice, left, right)
}

// FeeAmount charges rate on the received amount. Negative inputs yield zero.
func FeeAmount(received, rate decimal.Decimal) decimal.Decimal {
	if received.Sign() <= 0 || rate.Sign() <= 0 {
		return decimal.Zero
	}
	return received.Mul(rate)
}

// StatusFor derives the open status from the engine's remaining quantity.
func StatusFor(remained, quantity int64) model.OrderStatus {
	switch {
	case remained <= 0:
		return model.StatusFilled
	case remained >= quantity:
		return model.StatusNew
	default:
		return model.StatusPartiallyFilled
	}
}

func opposite(d model.Direction) model.Direction {
	if d == model.Ask {
		return model.Bid
	}
	return model.Ask
}
