package trading

import (
	"testing"
	"time"

	"github.com/ksred/klear-trader/internal/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func newTestOrder(t *testing.T, qty string) *Order {
	t.Helper()
	o, err := Create(NewOrderParams{
		Market:         "KRW-BTC",
		Side:           types.SideBuy,
		Type:           types.OrderTypeLimit,
		Quantity:       d(qty),
		Price:          d("50000000"),
		StrategyTag:    "ma-cross",
		IdempotencyKey: "key-1",
		CreatedAt:      t0,
	})
	require.NoError(t, err)
	return o
}

func trade(t *testing.T, qty string) ExecutionTrade {
	t.Helper()
	tr, err := NewExecutionTrade("", d("50000000"), d(qty), t0.Add(time.Second))
	require.NoError(t, err)
	return tr
}

func TestCreateEmitsCreatedEvent(t *testing.T) {
	o := newTestOrder(t, "0.01")

	assert.Equal(t, StatusNew, o.Status())
	assert.Equal(t, int64(1), o.Version())
	assert.True(t, o.IsNew())

	events := o.PendingEvents()
	require.Len(t, events, 1)
	assert.Equal(t, EventOrderCreated, events[0].EventType())
	assert.Equal(t, o.ID(), events[0].AggregateID())
}

func TestCreateValidation(t *testing.T) {
	base := NewOrderParams{
		Market:    "KRW-BTC",
		Side:      types.SideSell,
		Type:      types.OrderTypeLimit,
		Quantity:  d("1"),
		Price:     d("100"),
		CreatedAt: t0,
	}

	zeroQty := base
	zeroQty.Quantity = decimal.Zero
	_, err := Create(zeroQty)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "quantity", verr.Field)

	// anything below the smallest persisted unit truncates to zero
	dust := base
	dust.Quantity = d("0.000000001")
	_, err = Create(dust)
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "quantity", verr.Field)

	kept := base
	kept.Quantity = d("0.123456789")
	o, err := Create(kept)
	require.NoError(t, err)
	assert.Equal(t, "0.12345678", o.Quantity().String())

	badSide := base
	badSide.Side = "HOLD"
	_, err = Create(badSide)
	assert.ErrorAs(t, err, &verr)

	sellBelowGuard := base
	sellBelowGuard.GuardPrice = decimal.NewNullDecimal(d("101"))
	_, err = Create(sellBelowGuard)
	assert.ErrorIs(t, err, ErrGuardViolation)

	sellAboveGuard := base
	sellAboveGuard.GuardPrice = decimal.NewNullDecimal(d("99"))
	_, err = Create(sellAboveGuard)
	assert.NoError(t, err)

	buyAboveGuard := base
	buyAboveGuard.Side = types.SideBuy
	buyAboveGuard.GuardPrice = decimal.NewNullDecimal(d("99"))
	_, err = Create(buyAboveGuard)
	assert.ErrorIs(t, err, ErrGuardViolation)
}

func TestExecuteRequiresAcceptance(t *testing.T) {
	o := newTestOrder(t, "0.01")
	o.PullDomainEvents()

	err := o.Execute(trade(t, "0.005"))
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.True(t, o.ExecutedQuantity().IsZero())
	assert.Empty(t, o.PendingEvents())
	assert.Equal(t, int64(1), o.Version())
}

func TestPartialThenFullFill(t *testing.T) {
	o := newTestOrder(t, "0.01")
	o.PullDomainEvents()
	require.NoError(t, o.AcceptByExchange("EX-1", t0))
	assert.Equal(t, StatusOpen, o.Status())

	require.NoError(t, o.Execute(trade(t, "0.004")))
	assert.Equal(t, StatusPartialFilled, o.Status())
	events := o.PullDomainEvents()
	require.Len(t, events, 1)
	assert.Equal(t, EventOrderPartiallyFilled, events[0].EventType())

	require.NoError(t, o.Execute(trade(t, "0.006")))
	assert.Equal(t, StatusFilled, o.Status())
	assert.True(t, o.ExecutedQuantity().Equal(o.Quantity()))
	events = o.PullDomainEvents()
	require.Len(t, events, 1)
	assert.Equal(t, EventOrderFilled, events[0].EventType())

	assert.True(t, o.ExecutedNotional().Equal(d("500000")))
	assert.True(t, o.AveragePrice().Equal(d("50000000")))
	assert.Equal(t, int64(4), o.Version())
	assert.Len(t, o.Trades(), 2)
}

func TestOverfillRejectedWithoutChange(t *testing.T) {
	o := newTestOrder(t, "0.01")
	require.NoError(t, o.AcceptByExchange("EX-1", t0))
	require.NoError(t, o.Execute(trade(t, "0.008")))
	o.PullDomainEvents()
	version := o.Version()

	err := o.Execute(trade(t, "0.003"))
	assert.ErrorIs(t, err, ErrOverfill)
	assert.True(t, o.ExecutedQuantity().Equal(d("0.008")))
	assert.Equal(t, StatusPartialFilled, o.Status())
	assert.Equal(t, version, o.Version())
	assert.Empty(t, o.PendingEvents())
}

func TestExecutedQuantityNeverExceedsRequested(t *testing.T) {
	o := newTestOrder(t, "1")
	require.NoError(t, o.AcceptByExchange("EX-1", t0))

	fills := []string{"0.3", "0.3", "0.3", "0.3", "0.1"}
	prev := decimal.Zero
	for _, q := range fills {
		_ = o.Execute(trade(t, q))
		assert.True(t, o.ExecutedQuantity().GreaterThanOrEqual(prev))
		assert.True(t, o.ExecutedQuantity().LessThanOrEqual(o.Quantity()))
		if o.Status() == StatusFilled {
			assert.True(t, o.ExecutedQuantity().Equal(o.Quantity()))
		}
		prev = o.ExecutedQuantity()
	}
	assert.Equal(t, StatusFilled, o.Status())
}

func TestCancelTransitions(t *testing.T) {
	o := newTestOrder(t, "0.01")
	o.PullDomainEvents()
	require.NoError(t, o.AcceptByExchange("EX-1", t0))
	require.NoError(t, o.RequestCancel(t0))
	assert.Equal(t, StatusCancelRequested, o.Status())
	assert.Empty(t, o.PendingEvents())

	assert.ErrorIs(t, o.Execute(trade(t, "0.001")), ErrInvalidTransition)

	require.NoError(t, o.Cancel(t0))
	assert.Equal(t, StatusCanceled, o.Status())
	events := o.PullDomainEvents()
	require.Len(t, events, 1)
	assert.Equal(t, EventOrderCanceled, events[0].EventType())

	assert.ErrorIs(t, o.Cancel(t0), ErrInvalidTransition)
	assert.ErrorIs(t, o.Reject("late", t0), ErrInvalidTransition)
	assert.ErrorIs(t, o.RequestCancel(t0), ErrInvalidTransition)
}

func TestRejectDisallowedOnceFilled(t *testing.T) {
	o := newTestOrder(t, "0.01")
	require.NoError(t, o.AcceptByExchange("EX-1", t0))
	require.NoError(t, o.Execute(trade(t, "0.01")))

	assert.ErrorIs(t, o.Reject("too late", t0), ErrInvalidTransition)
	assert.ErrorIs(t, o.Cancel(t0), ErrInvalidTransition)
}

func TestRejectFromNew(t *testing.T) {
	o := newTestOrder(t, "0.01")
	o.PullDomainEvents()
	require.NoError(t, o.Reject("insufficient balance", t0))
	assert.Equal(t, StatusRejected, o.Status())
	events := o.PullDomainEvents()
	require.Len(t, events, 1)
	assert.Equal(t, EventOrderRejected, events[0].EventType())
}

func TestPullAndRestoreDomainEvents(t *testing.T) {
	o := newTestOrder(t, "0.01")
	pulled := o.PullDomainEvents()
	require.Len(t, pulled, 1)
	assert.Empty(t, o.PendingEvents())
	assert.Empty(t, o.PullDomainEvents())

	require.NoError(t, o.AcceptByExchange("EX-1", t0))
	require.NoError(t, o.Execute(trade(t, "0.002")))

	o.RestoreDomainEvents(pulled)
	events := o.PendingEvents()
	require.Len(t, events, 2)
	assert.Equal(t, EventOrderCreated, events[0].EventType())
	assert.Equal(t, EventOrderPartiallyFilled, events[1].EventType())
}

func TestRehydrateRoundTrip(t *testing.T) {
	o := newTestOrder(t, "0.01")
	require.NoError(t, o.AcceptByExchange("EX-1", t0))
	require.NoError(t, o.Execute(trade(t, "0.002")))

	r := Rehydrate(o.Snapshot())
	assert.Equal(t, o.Version(), r.PersistedVersion())
	assert.False(t, r.IsNew())
	assert.Empty(t, r.PendingEvents())
	assert.Equal(t, StatusPartialFilled, r.Status())
	assert.True(t, r.RemainingQuantity().Equal(d("0.008")))
}

func TestNewExecutionTradeRejectsNonPositive(t *testing.T) {
	_, err := NewExecutionTrade("", d("1"), decimal.Zero, t0)
	assert.Error(t, err)
	_, err = NewExecutionTrade("", d("1"), d("-1"), t0)
	assert.Error(t, err)
	_, err = NewExecutionTrade("", decimal.Zero, d("1"), t0)
	assert.Error(t, err)
}
