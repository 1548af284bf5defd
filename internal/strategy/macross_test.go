package strategy

import (
	"sync"
	"testing"
	"time"

	"github.com/ksred/klear-trader/internal/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func candles(closes ...int64) []types.Candle {
	out := make([]types.Candle, len(closes))
	for i, c := range closes {
		open := t0.Add(time.Duration(i) * time.Minute)
		price := decimal.NewFromInt(c)
		out[i] = types.Candle{
			Market:    "KRW-BTC",
			Timeframe: types.Timeframe1m,
			OpenTime:  open,
			CloseTime: open.Add(time.Minute),
			Open:      price,
			High:      price,
			Low:       price,
			Close:     price,
			Volume:    decimal.NewFromInt(1),
		}
	}
	return out
}

func flat(n int, price int64) []int64 {
	out := make([]int64, n)
	for i := range out {
		out[i] = price
	}
	return out
}

func input(cs []types.Candle) Input {
	return Input{
		Market:    "KRW-BTC",
		Timeframe: types.Timeframe1m,
		Candles:   cs,
		Now:       cs[len(cs)-1].CloseTime,
	}
}

func newStrategy(cooldownBars int, onlyOnChange bool) *MACross {
	return NewMACross("ma-cross", MACrossConfig{
		FastPeriod:   5,
		SlowPeriod:   20,
		CooldownBars: cooldownBars,
		OnlyOnChange: onlyOnChange,
	})
}

func TestMACrossBuyOnBullishCross(t *testing.T) {
	s := newStrategy(5, false)
	closes := append(flat(20, 100), 120)

	sig := s.Evaluate(input(candles(closes...)))
	assert.Equal(t, ActionBuy, sig.Action)
	assert.Equal(t, ReasonCrossUp, sig.Reason)
	assert.Equal(t, "104", sig.FastMA.String())
	assert.Equal(t, "101", sig.SlowMA.String())
	assert.True(t, sig.Confidence.IsPositive())
	assert.True(t, sig.Confidence.LessThanOrEqual(decimal.NewFromInt(1)))
	assert.Equal(t, t0.Add(21*time.Minute), sig.SignalTime)
}

func TestMACrossHoldsAfterCross(t *testing.T) {
	s := newStrategy(5, false)
	closes := append(flat(20, 100), 120)
	require.Equal(t, ActionBuy, s.Evaluate(input(candles(closes...))).Action)

	sig := s.Evaluate(input(candles(append(closes, 121)...)))
	assert.Equal(t, ActionHold, sig.Action)
	assert.Equal(t, ReasonNoCross, sig.Reason)
}

func TestMACrossCooldownSuppressesReversal(t *testing.T) {
	s := newStrategy(5, false)
	closes := append(flat(20, 100), 120)
	require.Equal(t, ActionBuy, s.Evaluate(input(candles(closes...))).Action)

	sig := s.Evaluate(input(candles(append(closes, 70)...)))
	assert.Equal(t, ActionHold, sig.Action)
	assert.Equal(t, ReasonDebouncedOrCooldown, sig.Reason)
	assert.True(t, sig.FastMA.LessThan(sig.SlowMA))
}

func TestMACrossSellAfterCooldownExpires(t *testing.T) {
	s := newStrategy(1, false)
	closes := append(flat(20, 100), 120)
	require.Equal(t, ActionBuy, s.Evaluate(input(candles(closes...))).Action)

	sig := s.Evaluate(input(candles(append(closes, 70)...)))
	assert.Equal(t, ActionSell, sig.Action)
	assert.Equal(t, ReasonCrossDown, sig.Reason)
}

func TestMACrossOnlyOnChange(t *testing.T) {
	in := input(candles(append(flat(20, 100), 120)...))

	repeating := newStrategy(0, false)
	assert.Equal(t, ActionBuy, repeating.Evaluate(in).Action)
	assert.Equal(t, ActionBuy, repeating.Evaluate(in).Action)

	debounced := newStrategy(0, true)
	assert.Equal(t, ActionBuy, debounced.Evaluate(in).Action)
	sig := debounced.Evaluate(in)
	assert.Equal(t, ActionHold, sig.Action)
	assert.Equal(t, ReasonDebouncedOrCooldown, sig.Reason)

	debounced.Reset("KRW-BTC", types.Timeframe1m)
	assert.Equal(t, ActionBuy, debounced.Evaluate(in).Action)
}

func TestMACrossMemoryIsPerMarket(t *testing.T) {
	s := newStrategy(5, false)
	in := input(candles(append(flat(20, 100), 120)...))
	require.Equal(t, ActionBuy, s.Evaluate(in).Action)

	other := in
	other.Market = "KRW-ETH"
	assert.Equal(t, ActionBuy, s.Evaluate(other).Action)
}

func TestMACrossInsufficientData(t *testing.T) {
	s := newStrategy(5, false)
	sig := s.Evaluate(input(candles(flat(20, 100)...)))
	assert.Equal(t, ActionHold, sig.Action)
	assert.Equal(t, ReasonInsufficientData, sig.Reason)
}

func TestMACrossIgnoresOpenCandle(t *testing.T) {
	s := newStrategy(5, false)
	in := input(candles(append(flat(20, 100), 120)...))
	in.Now = in.Now.Add(-time.Second)

	sig := s.Evaluate(in)
	assert.Equal(t, ReasonInsufficientData, sig.Reason)
	assert.Equal(t, t0.Add(20*time.Minute), sig.SignalTime)
}

func TestClosedCandlesDedupLaterWins(t *testing.T) {
	cs := candles(100, 101, 102)
	dup := cs[1]
	dup.Close = decimal.NewFromInt(999)
	shuffled := []types.Candle{cs[2], cs[1], cs[0], dup}

	out := ClosedCandles(shuffled, t0.Add(time.Hour))
	require.Len(t, out, 3)
	assert.Equal(t, "100", out[0].Close.String())
	assert.Equal(t, "999", out[1].Close.String())
	assert.Equal(t, "102", out[2].Close.String())
}

func TestMACrossConcurrentEvaluate(t *testing.T) {
	s := newStrategy(5, false)
	in := input(candles(append(flat(20, 100), 120)...))

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		buys int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.Evaluate(in).Action == ActionBuy {
				mu.Lock()
				buys++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, buys)
}

func TestMACrossConfigValidate(t *testing.T) {
	assert.NoError(t, MACrossConfig{FastPeriod: 5, SlowPeriod: 20}.Validate())
	assert.Error(t, MACrossConfig{FastPeriod: 20, SlowPeriod: 5}.Validate())
	assert.Error(t, MACrossConfig{FastPeriod: 0, SlowPeriod: 5}.Validate())
	assert.Error(t, MACrossConfig{FastPeriod: 5, SlowPeriod: 20, CooldownBars: -1}.Validate())
}
