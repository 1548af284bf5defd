// Package position keeps the per-market net position and realized P&L.
package position

import (
	"fmt"
	"time"

	"github.com/ksred/klear-trader/internal/types"
	"github.com/shopspring/decimal"
)

// Position is the net holding in one market. AveragePrice is zero exactly
// when Quantity is zero.
type Position struct {
	Market       string          `json:"market"`
	Quantity     decimal.Decimal `json:"quantity"`
	AveragePrice decimal.Decimal `json:"average_price"`
	RealizedPnL  decimal.Decimal `json:"realized_pnl"`
	// DailyRealizedPnL is the realized P&L booked on TradingDay (UTC)
	DailyRealizedPnL decimal.Decimal `json:"daily_realized_pnl"`
	TradingDay       string          `json:"trading_day"`
	Version          int64           `json:"version"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

const dayLayout = "2006-01-02"

// RealizedOn returns the realized P&L booked on the UTC day of t
func (p Position) RealizedOn(t time.Time) decimal.Decimal {
	if p.TradingDay != t.UTC().Format(dayLayout) {
		return decimal.Zero
	}
	return p.DailyRealizedPnL
}

// Flat returns an empty position that has never been stored
func Flat(market string) Position {
	return Position{
		Market:           market,
		Quantity:         decimal.Zero,
		AveragePrice:     decimal.Zero,
		RealizedPnL:      decimal.Zero,
		DailyRealizedPnL: decimal.Zero,
	}
}

// Fill is one execution booked against a position
type Fill struct {
	TradeID  string
	Market   string
	Side     types.Side
	Price    decimal.Decimal
	Quantity decimal.Decimal
	At       time.Time
}

// Apply returns the position after the fill. Adding to the position moves the
// weighted average, reducing it realizes P&L against the average, and going
// through zero reopens at the fill price.
func (p Position) Apply(f Fill) (Position, error) {
	if !f.Quantity.IsPositive() || !f.Price.IsPositive() {
		return p, fmt.Errorf("fill quantity and price must be positive")
	}
	if !f.Side.Valid() {
		return p, fmt.Errorf("unknown fill side %q", f.Side)
	}

	signed := f.Quantity
	if f.Side == types.SideSell {
		signed = signed.Neg()
	}

	next := p
	next.UpdatedAt = f.At
	qty := p.Quantity

	day := f.At.UTC().Format(dayLayout)
	if p.TradingDay != day {
		next.TradingDay = day
		next.DailyRealizedPnL = decimal.Zero
	}

	switch {
	case qty.IsZero() || qty.Sign() == signed.Sign():
		total := qty.Add(signed)
		cost := qty.Abs().Mul(p.AveragePrice).Add(f.Quantity.Mul(f.Price))
		next.Quantity = total
		next.AveragePrice = cost.DivRound(total.Abs(), types.QuantityScale)
		if next.AveragePrice.IsZero() {
			// an open position never averages to zero
			next.AveragePrice = decimal.New(1, -types.QuantityScale)
		}
	default:
		closing := decimal.Min(qty.Abs(), f.Quantity)
		pnl := f.Price.Sub(p.AveragePrice).Mul(closing)
		if qty.IsNegative() {
			pnl = pnl.Neg()
		}
		next.RealizedPnL = p.RealizedPnL.Add(pnl)
		next.DailyRealizedPnL = next.DailyRealizedPnL.Add(pnl)
		next.Quantity = qty.Add(signed)

		switch {
		case next.Quantity.IsZero():
			next.AveragePrice = decimal.Zero
		case next.Quantity.Sign() != qty.Sign():
			next.AveragePrice = f.Price
		}
	}
	return next, nil
}

// MarketValue is the position valued at price
func (p Position) MarketValue(price decimal.Decimal) decimal.Decimal {
	return p.Quantity.Mul(price)
}

// UnrealizedPnL is the open P&L at price
func (p Position) UnrealizedPnL(price decimal.Decimal) decimal.Decimal {
	if p.Quantity.IsZero() {
		return decimal.Zero
	}
	return price.Sub(p.AveragePrice).Mul(p.Quantity)
}
