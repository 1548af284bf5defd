package strategy

import (
	"fmt"
	"sync"
	"time"

	"github.com/ksred/klear-trader/internal/types"
	"github.com/shopspring/decimal"
)

const defaultConfidenceScale = 10

// MACrossConfig configures the moving-average cross strategy
type MACrossConfig struct {
	FastPeriod   int  `json:"fast_period" yaml:"fast_period"`
	SlowPeriod   int  `json:"slow_period" yaml:"slow_period"`
	CooldownBars int  `json:"cooldown_bars" yaml:"cooldown_bars"`
	OnlyOnChange bool `json:"only_on_change" yaml:"only_on_change"`
	// ConfidenceScale multiplies the relative MA spread before capping at 1
	ConfidenceScale decimal.Decimal `json:"confidence_scale" yaml:"confidence_scale"`
}

func (c MACrossConfig) Validate() error {
	if c.FastPeriod <= 0 || c.SlowPeriod <= 0 {
		return fmt.Errorf("ma periods must be positive, got fast=%d slow=%d", c.FastPeriod, c.SlowPeriod)
	}
	if c.FastPeriod >= c.SlowPeriod {
		return fmt.Errorf("fast period %d must be below slow period %d", c.FastPeriod, c.SlowPeriod)
	}
	if c.CooldownBars < 0 {
		return fmt.Errorf("cooldown bars must not be negative")
	}
	return nil
}

type memory struct {
	lastAction    Action
	cooldownUntil time.Time
}

// MACross signals BUY on a bullish fast/slow SMA cross and SELL on a bearish one
type MACross struct {
	id  string
	cfg MACrossConfig

	mu    sync.Mutex
	state map[string]memory
}

func NewMACross(id string, cfg MACrossConfig) *MACross {
	if !cfg.ConfidenceScale.IsPositive() {
		cfg.ConfidenceScale = decimal.NewFromInt(defaultConfidenceScale)
	}
	return &MACross{
		id:    id,
		cfg:   cfg,
		state: make(map[string]memory),
	}
}

func (s *MACross) ID() string {
	return s.id
}

func (s *MACross) Evaluate(in Input) Signal {
	sig := Signal{
		Market:     in.Market,
		Timeframe:  in.Timeframe,
		Action:     ActionHold,
		Confidence: decimal.Zero,
		FastMA:     decimal.Zero,
		SlowMA:     decimal.Zero,
	}

	candles := ClosedCandles(in.Candles, in.Now)
	if len(candles) > 0 {
		sig.SignalTime = candles[len(candles)-1].CloseTime
	}
	if len(candles) < s.cfg.SlowPeriod+1 {
		sig.Reason = ReasonInsufficientData
		return sig
	}

	closes := make([]decimal.Decimal, len(candles))
	for i, c := range candles {
		closes[i] = c.Close
	}
	last := len(closes) - 1

	fastPrev := sma(closes, last-1, s.cfg.FastPeriod)
	slowPrev := sma(closes, last-1, s.cfg.SlowPeriod)
	fast := sma(closes, last, s.cfg.FastPeriod)
	slow := sma(closes, last, s.cfg.SlowPeriod)
	sig.FastMA = fast
	sig.SlowMA = slow

	switch {
	case fastPrev.LessThanOrEqual(slowPrev) && fast.GreaterThan(slow):
		sig.Action, sig.Reason = ActionBuy, ReasonCrossUp
	case fastPrev.GreaterThanOrEqual(slowPrev) && fast.LessThan(slow):
		sig.Action, sig.Reason = ActionSell, ReasonCrossDown
	default:
		sig.Reason = ReasonNoCross
		return sig
	}
	sig.Confidence = s.confidence(fast, slow)

	key := stateKey(in.Market, in.Timeframe)

	s.mu.Lock()
	defer s.mu.Unlock()

	mem := s.state[key]
	if sig.SignalTime.Before(mem.cooldownUntil) || (s.cfg.OnlyOnChange && mem.lastAction == sig.Action) {
		return Signal{
			Market:     sig.Market,
			Timeframe:  sig.Timeframe,
			Action:     ActionHold,
			Reason:     ReasonDebouncedOrCooldown,
			Confidence: decimal.Zero,
			SignalTime: sig.SignalTime,
			FastMA:     fast,
			SlowMA:     slow,
		}
	}

	cooldown := time.Duration(s.cfg.CooldownBars) * in.Timeframe.Duration()
	s.state[key] = memory{
		lastAction:    sig.Action,
		cooldownUntil: sig.SignalTime.Add(cooldown),
	}
	return sig
}

// Reset forgets the cooldown and last action for a market
func (s *MACross) Reset(market string, tf types.Timeframe) {
	s.mu.Lock()
	delete(s.state, stateKey(market, tf))
	s.mu.Unlock()
}

func (s *MACross) confidence(fast, slow decimal.Decimal) decimal.Decimal {
	if !slow.IsPositive() {
		return decimal.Zero
	}
	ratio := fast.Sub(slow).Abs().Div(slow).Mul(s.cfg.ConfidenceScale)
	if ratio.GreaterThan(decimal.NewFromInt(1)) {
		return decimal.NewFromInt(1)
	}
	return ratio.Round(8)
}

// sma is the simple average of the period values ending at index end
func sma(values []decimal.Decimal, end, period int) decimal.Decimal {
	sum := decimal.Zero
	for i := end - period + 1; i <= end; i++ {
		sum = sum.Add(values[i])
	}
	return sum.Div(decimal.NewFromInt(int64(period)))
}

func stateKey(market string, tf types.Timeframe) string {
	return market + "|" + string(tf)
}
