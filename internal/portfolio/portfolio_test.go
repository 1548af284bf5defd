package portfolio

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ksred/klear-trader/internal/position"
	"github.com/ksred/klear-trader/internal/trading"
	"github.com/ksred/klear-trader/internal/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type fakePositions []position.Position

func (f fakePositions) List(context.Context) ([]position.Position, error) {
	return f, nil
}

type fakeOrders []*trading.Order

func (f fakeOrders) ActiveOrders(context.Context, string) ([]*trading.Order, error) {
	return f, nil
}

type fakePrices map[string]decimal.Decimal

func (f fakePrices) LastPrice(_ context.Context, market string) (decimal.Decimal, error) {
	p, ok := f[market]
	if !ok {
		return decimal.Zero, errors.New("no price")
	}
	return p, nil
}

func newOrder(t *testing.T, side types.Side, qty, price string) *trading.Order {
	t.Helper()
	o, err := trading.Create(trading.NewOrderParams{
		Market:    "KRW-BTC",
		Side:      side,
		Type:      types.OrderTypeLimit,
		Quantity:  d(qty),
		Price:     d(price),
		CreatedAt: now,
	})
	require.NoError(t, err)
	return o
}

func TestSnapshotValuesPositionsAndHolds(t *testing.T) {
	positions := fakePositions{{
		Market:           "KRW-BTC",
		Quantity:         d("0.01"),
		AveragePrice:     d("50000000"),
		RealizedPnL:      d("1500"),
		DailyRealizedPnL: d("1000"),
		TradingDay:       "2024-03-01",
		Version:          3,
	}}
	orders := fakeOrders{
		newOrder(t, types.SideBuy, "0.001", "49000000"),
		newOrder(t, types.SideSell, "0.002", "52000000"),
	}
	prices := fakePrices{"KRW-BTC": d("51000000")}

	svc := NewService("paper", d("1000000"), positions, orders, prices, types.ClockFunc(func() time.Time { return now }))
	snap, err := svc.Snapshot(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "501500", snap.Cash.String())
	assert.Equal(t, "49000", snap.ReservedCash.String())
	assert.Equal(t, "510000", snap.Exposure.String())
	assert.Equal(t, "1011500", snap.Equity.String())
	assert.Equal(t, "10000", snap.UnrealizedPnL.String())
	assert.Equal(t, "1000", snap.RealizedPnLToday.String())
	assert.True(t, snap.AsOf.Equal(now))

	h := snap.Holding("KRW-BTC")
	assert.Equal(t, "0.001", h.OpenBuyQuantity.String())
	assert.Equal(t, "0.002", h.OpenSellQuantity.String())

	acct := snap.SizingAccount("KRW-BTC")
	assert.Equal(t, "0.01", acct.AvailableBase.String())
	assert.Equal(t, "0.002", acct.ReservedBase.String())
	assert.Equal(t, "0.001", acct.OpenBuyQuantity.String())

	last := now.Add(-time.Minute)
	ra := snap.RiskAccount(last)
	assert.True(t, ra.AvailableCash.Equal(snap.Cash))
	assert.True(t, ra.LastOrderAt.Equal(last))
}

func TestSnapshotFallsBackToAveragePrice(t *testing.T) {
	positions := fakePositions{{
		Market:       "KRW-ETH",
		Quantity:     d("-2"),
		AveragePrice: d("3000000"),
		RealizedPnL:  decimal.Zero,
		TradingDay:   "2024-02-29",
	}}
	svc := NewService("paper", d("100"), positions, fakeOrders{}, fakePrices{}, types.ClockFunc(func() time.Time { return now }))

	snap, err := svc.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "6000100", snap.Cash.String())
	assert.Equal(t, "6000000", snap.Exposure.String())
	assert.Equal(t, "100", snap.Equity.String())
	assert.True(t, snap.UnrealizedPnL.IsZero())

	acct := snap.SizingAccount("KRW-ETH")
	assert.True(t, acct.AvailableBase.IsZero())
	assert.True(t, snap.Holding("KRW-XRP").Quantity.IsZero())
}
