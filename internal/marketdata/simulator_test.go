package marketdata

import (
	"context"
	"testing"
	"time"

	"github.com/ksred/klear-trader/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2024, 3, 1, 9, 30, 20, 0, time.UTC)

func fixedClock() types.Clock {
	return types.ClockFunc(func() time.Time { return now })
}

func TestRecentCandlesEndsWithFormingBar(t *testing.T) {
	sim := NewSimulator(DefaultSimulatorConfig(), fixedClock())

	candles, err := sim.RecentCandles(context.Background(), "KRW-BTC", types.Timeframe1m, 30, now)
	require.NoError(t, err)
	require.Len(t, candles, 30)

	lastBar := candles[len(candles)-1]
	assert.True(t, lastBar.OpenTime.Equal(time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)))
	assert.True(t, lastBar.CloseTime.After(now))
	for i := 1; i < len(candles); i++ {
		assert.Equal(t, time.Minute, candles[i].OpenTime.Sub(candles[i-1].OpenTime))
		assert.True(t, candles[i].Open.Equal(candles[i-1].Close))
		assert.True(t, candles[i].Close.IsPositive())
		assert.True(t, candles[i].Close.Mod(DefaultSimulatorConfig().TickSize).IsZero())
	}
}

func TestRecentCandlesAreStable(t *testing.T) {
	sim := NewSimulator(DefaultSimulatorConfig(), fixedClock())
	ctx := context.Background()

	first, err := sim.RecentCandles(ctx, "KRW-BTC", types.Timeframe1m, 10, now)
	require.NoError(t, err)
	wider, err := sim.RecentCandles(ctx, "KRW-BTC", types.Timeframe1m, 40, now)
	require.NoError(t, err)

	tail := wider[len(wider)-10:]
	for i := range first {
		assert.True(t, first[i].Close.Equal(tail[i].Close), "bar %d", i)
	}

	last, err := sim.LastPrice(ctx, "KRW-BTC")
	require.NoError(t, err)
	assert.True(t, last.Equal(first[len(first)-1].Close))
}

func TestTickerSpreadsAroundLast(t *testing.T) {
	sim := NewSimulator(DefaultSimulatorConfig(), fixedClock())
	tk, err := sim.Ticker(context.Background(), "KRW-BTC")
	require.NoError(t, err)

	assert.True(t, tk.BestBid.LessThan(tk.Last))
	assert.True(t, tk.BestAsk.GreaterThan(tk.Last))
	assert.True(t, tk.AsOf.Equal(now))
	assert.Equal(t, "0.5", tk.AskDepth.String())
}

func TestSimulatorFailures(t *testing.T) {
	cfg := DefaultSimulatorConfig()
	cfg.FailureRate = 1
	sim := NewSimulator(cfg, fixedClock())

	_, err := sim.Ticker(context.Background(), "KRW-BTC")
	assert.ErrorIs(t, err, ErrUnavailable)

	_, err = sim.RecentCandles(context.Background(), "KRW-BTC", "7m", 10, now)
	assert.Error(t, err)
}

func TestSimulatorLatencyHonoursContext(t *testing.T) {
	cfg := DefaultSimulatorConfig()
	cfg.Latency = time.Hour
	sim := NewSimulator(cfg, fixedClock())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := sim.LastPrice(ctx, "KRW-BTC")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
