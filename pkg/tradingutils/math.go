// Package tradingutils holds pure decimal arithmetic helpers; no engine
// package imports it. Nothing here touches I/O.
package tradingutils

import (
	"github.com/shopspring/decimal"
)

// RoundPrice rounds a price to the specified decimals.
func RoundPrice(price decimal.Decimal, priceDecimals int) decimal.Decimal {
	return price.Round(int32(priceDecimals))
}

// RoundQuantity rounds a quantity to the specified decimals.
func RoundQuantity(qty decimal.Decimal, qtyDecimals int) decimal.Decimal {
	return qty.Round(int32(qtyDecimals))
}

// CalculateNetProfit computes profit after trading fees.
func CalculateNetProfit(buyPrice, sellPrice, buyFeeRate, sellFeeRate decimal.Decimal) decimal.Decimal {
	grossProfit := sellPrice.Sub(buyPrice)
	buyFee := buyPrice.Mul(buyFeeRate)
	sellFee := sellPrice.Mul(sellFeeRate)
	return grossProfit.Sub(buyFee).Sub(sellFee)
}

// NextLongTrigger returns the price at or below which a Long side averages,
// per spec §4.3.1: avg * (1 - step/100)^(k+1).
func NextLongTrigger(avgEntry, stepPercent decimal.Decimal, level uint32) decimal.Decimal {
	factor := decimal.NewFromInt(1).Sub(stepPercent.Div(decimal.NewFromInt(100)))
	return avgEntry.Mul(powDecimal(factor, level+1))
}

// NextShortTrigger returns the price at or above which a Short side
// averages: avg * (1 + step/100)^(k+1).
func NextShortTrigger(avgEntry, stepPercent decimal.Decimal, level uint32) decimal.Decimal {
	factor := decimal.NewFromInt(1).Add(stepPercent.Div(decimal.NewFromInt(100)))
	return avgEntry.Mul(powDecimal(factor, level+1))
}

func powDecimal(base decimal.Decimal, exp uint32) decimal.Decimal {
	result := decimal.NewFromInt(1)
	for i := uint32(0); i < exp; i++ {
		result = result.Mul(base)
	}
	return result
}

// FeeAdjust implements spec §4.3.2's fee_adjust term: (n_entries*taker_fee +
// taker_fee)/100, covering the averaging entries plus the TP's own taker cost.
func FeeAdjust(nEntries int, takerFeePercent decimal.Decimal) decimal.Decimal {
	n := decimal.NewFromInt(int64(nEntries) + 1)
	return n.Mul(takerFeePercent).Div(decimal.NewFromInt(100))
}

// LongTakeProfit computes avg * (1 + tp/100 + fee_adjust).
func LongTakeProfit(avgEntry, takeProfitPercent decimal.Decimal, nEntries int, takerFeePercent decimal.Decimal) decimal.Decimal {
	feeAdjust := FeeAdjust(nEntries, takerFeePercent)
	factor := decimal.NewFromInt(1).
		Add(takeProfitPercent.Div(decimal.NewFromInt(100))).
		Add(feeAdjust)
	return avgEntry.Mul(factor)
}

// ShortTakeProfit computes avg * (1 - tp/100 - fee_adjust).
func ShortTakeProfit(avgEntry, takeProfitPercent decimal.Decimal, nEntries int, takerFeePercent decimal.Decimal) decimal.Decimal {
	feeAdjust := FeeAdjust(nEntries, takerFeePercent)
	factor := decimal.NewFromInt(1).
		Sub(takeProfitPercent.Div(decimal.NewFromInt(100))).
		Sub(feeAdjust)
	return avgEntry.Mul(factor)
}

// ReopenCoefficient maps a margin ratio to the adaptive-reopen sizing
// coefficient of spec §4.3.3. The boundary is inclusive at each threshold
// (ratio==16.0 yields 1.0, not 0.5).
func ReopenCoefficient(ratio decimal.Decimal) (coefficient decimal.Decimal, reopenAtInitial bool) {
	sixteen := decimal.NewFromInt(16)
	eight := decimal.NewFromInt(8)
	four := decimal.NewFromInt(4)

	switch {
	case ratio.GreaterThanOrEqual(sixteen):
		return decimal.NewFromFloat(1.0), false
	case ratio.GreaterThanOrEqual(eight):
		return decimal.NewFromFloat(0.5), false
	case ratio.GreaterThanOrEqual(four):
		return decimal.NewFromFloat(0.25), false
	default:
		return decimal.Zero, true
	}
}

// GapBuffer implements the ATR-tiered buffer of spec §4.5.1.
func GapBuffer(atrPercent decimal.Decimal) decimal.Decimal {
	one := decimal.NewFromInt(1)
	two := decimal.NewFromInt(2)
	switch {
	case atrPercent.LessThan(one):
		return decimal.NewFromFloat(0.02)
	case atrPercent.LessThan(two):
		return decimal.NewFromFloat(0.05)
	default:
		return decimal.NewFromFloat(0.10)
	}
}

// SafetyFactor implements spec §4.5.1: 1.0 + base(0.10) + gap_buf(atr) + tier(0.05).
func SafetyFactor(atrMaxPercent decimal.Decimal) decimal.Decimal {
	return decimal.NewFromInt(1).
		Add(decimal.NewFromFloat(0.10)).
		Add(GapBuffer(atrMaxPercent)).
		Add(decimal.NewFromFloat(0.05))
}
