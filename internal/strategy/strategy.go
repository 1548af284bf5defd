// Package strategy turns closed candles into trading signals.
package strategy

import (
	"sort"
	"time"

	"github.com/ksred/klear-trader/internal/types"
	"github.com/shopspring/decimal"
)

type Action string

const (
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
	ActionHold Action = "HOLD"
)

// Side maps a trading action onto an order side. HOLD has none.
func (a Action) Side() (types.Side, bool) {
	switch a {
	case ActionBuy:
		return types.SideBuy, true
	case ActionSell:
		return types.SideSell, true
	}
	return "", false
}

type Reason string

const (
	ReasonCrossUp             Reason = "CROSS_UP"
	ReasonCrossDown           Reason = "CROSS_DOWN"
	ReasonInsufficientData    Reason = "INSUFFICIENT_DATA"
	ReasonNoCross             Reason = "NO_CROSS"
	ReasonDebouncedOrCooldown Reason = "DEBOUNCED_OR_COOLDOWN"
)

// Input is everything a strategy may look at for one evaluation
type Input struct {
	Market    string
	Timeframe types.Timeframe
	Candles   []types.Candle
	Now       time.Time
}

type Signal struct {
	Market     string          `json:"market"`
	Timeframe  types.Timeframe `json:"timeframe"`
	Action     Action          `json:"action"`
	Reason     Reason          `json:"reason"`
	Confidence decimal.Decimal `json:"confidence"`
	SignalTime time.Time       `json:"signal_time"`
	FastMA     decimal.Decimal `json:"fast_ma"`
	SlowMA     decimal.Decimal `json:"slow_ma"`
}

// Actionable reports whether the signal asks for an order
func (s Signal) Actionable() bool {
	return s.Action != ActionHold
}

// Strategy evaluates an input into a signal. Implementations must not have
// side effects beyond their own per-market memory.
type Strategy interface {
	ID() string
	Evaluate(in Input) Signal
}

// ClosedCandles deduplicates candles by open time (the later entry wins),
// sorts them ascending and drops any candle that has not closed by now.
func ClosedCandles(candles []types.Candle, now time.Time) []types.Candle {
	byOpen := make(map[int64]types.Candle, len(candles))
	for _, c := range candles {
		byOpen[c.OpenTime.UnixNano()] = c
	}

	out := make([]types.Candle, 0, len(byOpen))
	for _, c := range byOpen {
		if c.CloseTime.After(now) {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].OpenTime.Before(out[j].OpenTime)
	})
	return out
}
