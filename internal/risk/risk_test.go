package risk

import (
	"sync"
	"testing"
	"time"

	"github.com/ksred/klear-trader/internal/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func newTestService() *Service {
	return NewService(types.ClockFunc(func() time.Time { return now }))
}

func baseContext() Context {
	return Context{
		Request: OrderRequest{
			AccountID: "paper",
			Market:    "KRW-BTC",
			Side:      types.SideBuy,
			Notional:  d("50000"),
		},
		Account: AccountSnapshot{
			Equity:        d("1000000"),
			AvailableCash: d("1000000"),
			Exposure:      decimal.Zero,
		},
		Market: MarketSnapshot{
			Last: d("50000000"),
			AsOf: now.Add(-5 * time.Second),
		},
		Policy: Policy{
			MinOrderNotional:    d("5000"),
			MaxOrderNotional:    d("100000"),
			MaxExposureRatio:    d("0.5"),
			MaxDailyLossRatio:   d("0.03"),
			Cooldown:            time.Minute,
			MaxDataStaleness:    30 * time.Second,
			FeeBufferRatio:      d("0.0005"),
			SlippageBufferRatio: d("0.001"),
		},
		Now: now,
	}
}

func TestApproveAndReserve(t *testing.T) {
	s := newTestService()
	dec := s.ApproveAndReserve(baseContext())

	require.Equal(t, DecisionAllow, dec.Type)
	assert.Equal(t, CodeApproved, dec.Code)
	assert.NotEmpty(t, dec.ReservationID)
	assert.True(t, dec.ApprovedNotional.Equal(d("50000")))
	// 50000 * 1.0015 = 50075
	assert.True(t, dec.ReservedNotional.Equal(d("50075")))
	assert.True(t, s.Reserved("paper").Equal(d("50075")))
}

func TestRejectsAboveMaxOrderAmount(t *testing.T) {
	s := newTestService()
	rc := baseContext()
	rc.Request.Notional = d("200000")

	dec := s.ApproveAndReserve(rc)
	assert.Equal(t, DecisionReject, dec.Type)
	assert.Equal(t, CodeAmountAboveMax, dec.Code)
	assert.Contains(t, dec.Reason, "max order amount")
	assert.Empty(t, dec.ReservationID)
	assert.Equal(t, 0, s.ActiveReservations())
}

func TestRejectionReasons(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(rc *Context)
		code   ReasonCode
	}{
		{
			name:   "invalid notional",
			mutate: func(rc *Context) { rc.Request.Notional = decimal.Zero },
			code:   CodeInvalidRequest,
		},
		{
			name:   "invalid side",
			mutate: func(rc *Context) { rc.Request.Side = "HOLD" },
			code:   CodeInvalidRequest,
		},
		{
			name:   "stale market data",
			mutate: func(rc *Context) { rc.Market.AsOf = now.Add(-time.Minute) },
			code:   CodeMarketDataStale,
		},
		{
			name:   "missing market timestamp",
			mutate: func(rc *Context) { rc.Market.AsOf = time.Time{} },
			code:   CodeMarketDataStale,
		},
		{
			name:   "cooldown",
			mutate: func(rc *Context) { rc.Account.LastOrderAt = now.Add(-30 * time.Second) },
			code:   CodeCooldownActive,
		},
		{
			name:   "below min",
			mutate: func(rc *Context) { rc.Request.Notional = d("4999") },
			code:   CodeAmountBelowMin,
		},
		{
			name: "daily loss",
			mutate: func(rc *Context) {
				rc.Account.RealizedPnLToday = d("-20000")
				rc.Account.UnrealizedPnL = d("-10000")
			},
			code: CodeDailyLossLimit,
		},
		{
			name:   "no exposure headroom",
			mutate: func(rc *Context) { rc.Account.Exposure = d("500000") },
			code:   CodeExposureLimit,
		},
		{
			name: "insufficient cash",
			mutate: func(rc *Context) {
				rc.Account.AvailableCash = d("60000")
				rc.Account.ReservedCash = d("20000")
			},
			code: CodeInsufficientCash,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestService()
			rc := baseContext()
			tt.mutate(&rc)

			dec := s.ApproveAndReserve(rc)
			assert.Equal(t, DecisionReject, dec.Type)
			assert.Equal(t, tt.code, dec.Code)
			assert.NotEmpty(t, dec.Reason)
			assert.Equal(t, 0, s.ActiveReservations())
		})
	}
}

func TestCheckOrderStaleBeforeCooldown(t *testing.T) {
	s := newTestService()
	rc := baseContext()
	rc.Market.AsOf = now.Add(-time.Hour)
	rc.Account.LastOrderAt = now
	rc.Request.Notional = d("200000")

	assert.Equal(t, CodeMarketDataStale, s.ApproveAndReserve(rc).Code)
}

func TestDailyLossCheckedBeforeExposure(t *testing.T) {
	s := newTestService()
	rc := baseContext()
	rc.Account.Exposure = d("600000")
	rc.Account.RealizedPnLToday = d("-50000")

	assert.Equal(t, CodeDailyLossLimit, s.ApproveAndReserve(rc).Code)
}

func TestAllowWithLimitByExposureHeadroom(t *testing.T) {
	s := newTestService()
	rc := baseContext()
	rc.Account.Exposure = d("470000")

	dec := s.ApproveAndReserve(rc)
	require.Equal(t, DecisionAllowWithLimit, dec.Type)
	assert.Equal(t, CodeExposureLimited, dec.Code)
	// headroom 30000 / 1.0015 = 29955.06 -> 29955
	assert.True(t, dec.ApprovedNotional.Equal(d("29955")), dec.ApprovedNotional.String())
	assert.True(t, dec.ReservedNotional.LessThanOrEqual(d("30000")))
	assert.NotEmpty(t, dec.ReservationID)
}

func TestAllowWithLimitStaysWithinFractionalHeadroom(t *testing.T) {
	s := newTestService()
	rc := baseContext()
	// headroom 30000.95 / 1.0015 = 29956.01, but 29956 reserves ceil(30000.934) = 30001
	rc.Account.Exposure = d("469999.05")

	dec := s.ApproveAndReserve(rc)
	require.Equal(t, DecisionAllowWithLimit, dec.Type)
	assert.True(t, dec.ApprovedNotional.Equal(d("29955")), dec.ApprovedNotional.String())
	assert.True(t, dec.ReservedNotional.Equal(d("30000")), dec.ReservedNotional.String())
	assert.True(t, dec.ReservedNotional.LessThanOrEqual(d("30000.95")))
}

func TestOrderBoundsUseRequestedAmount(t *testing.T) {
	s := newTestService()
	rc := baseContext()
	rc.Request.Notional = d("100000")

	dec := s.ApproveAndReserve(rc)
	require.Equal(t, DecisionAllow, dec.Type)
	assert.True(t, dec.ApprovedNotional.Equal(d("100000")))
	// the buffered hold may sit above the max order amount
	assert.True(t, dec.ReservedNotional.Equal(d("100150")), dec.ReservedNotional.String())

	rc.Request.Notional = d("5000")
	dec = s.ApproveAndReserve(rc)
	assert.Equal(t, DecisionAllow, dec.Type)
}

func TestSellSkipsExposureAndCash(t *testing.T) {
	s := newTestService()
	rc := baseContext()
	rc.Request.Side = types.SideSell
	rc.Account.Exposure = d("900000")
	rc.Account.AvailableCash = decimal.Zero

	dec := s.ApproveAndReserve(rc)
	assert.Equal(t, DecisionAllow, dec.Type)
	assert.True(t, s.Reserved("paper").IsZero())
}

func TestReservationsCountAgainstLaterDecisions(t *testing.T) {
	s := newTestService()
	rc := baseContext()
	rc.Account.AvailableCash = d("120000")

	first := s.ApproveAndReserve(rc)
	require.True(t, first.Allowed())

	second := s.ApproveAndReserve(rc)
	require.True(t, second.Allowed())

	third := s.ApproveAndReserve(rc)
	assert.Equal(t, CodeInsufficientCash, third.Code)

	assert.True(t, s.ReleaseReservation("paper", first.ReservationID))
	assert.True(t, s.ApproveAndReserve(rc).Allowed())
}

func TestReleaseReservationIsIdempotent(t *testing.T) {
	s := newTestService()
	dec := s.ApproveAndReserve(baseContext())
	require.True(t, dec.Allowed())

	assert.True(t, s.ReleaseReservation("paper", dec.ReservationID))
	assert.False(t, s.ReleaseReservation("paper", dec.ReservationID))
	assert.False(t, s.ReleaseReservation("paper", "RSV_unknown"))
	assert.False(t, s.ReleaseReservation("other", dec.ReservationID))
	assert.True(t, s.Reserved("paper").IsZero())
}

func TestConcurrentReservationsNeverOverCommit(t *testing.T) {
	s := newTestService()
	rc := baseContext()
	rc.Policy.MaxExposureRatio = decimal.Zero
	rc.Account.AvailableCash = d("200300")

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.ApproveAndReserve(rc).Allowed() {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 4, allowed)
	assert.True(t, s.Reserved("paper").LessThanOrEqual(rc.Account.AvailableCash))
}
