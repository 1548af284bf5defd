// Package portfolio derives the paper account view from the position ledger
// and the orders still working on the exchange.
package portfolio

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ksred/klear-trader/internal/position"
	"github.com/ksred/klear-trader/internal/risk"
	"github.com/ksred/klear-trader/internal/sizing"
	"github.com/ksred/klear-trader/internal/trading"
	"github.com/ksred/klear-trader/internal/types"
	"github.com/ksred/klear-trader/pkg/response"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

type PositionSource interface {
	List(ctx context.Context) ([]position.Position, error)
}

type OrderSource interface {
	ActiveOrders(ctx context.Context, market string) ([]*trading.Order, error)
}

type PriceSource interface {
	LastPrice(ctx context.Context, market string) (decimal.Decimal, error)
}

// Holding is one market's slice of the account
type Holding struct {
	Market           string          `json:"market"`
	Quantity         decimal.Decimal `json:"quantity"`
	AveragePrice     decimal.Decimal `json:"average_price"`
	LastPrice        decimal.Decimal `json:"last_price"`
	MarketValue      decimal.Decimal `json:"market_value"`
	UnrealizedPnL    decimal.Decimal `json:"unrealized_pnl"`
	RealizedPnL      decimal.Decimal `json:"realized_pnl"`
	OpenBuyQuantity  decimal.Decimal `json:"open_buy_quantity"`
	OpenSellQuantity decimal.Decimal `json:"open_sell_quantity"`
}

// Snapshot is the account at a point in time. Cash is the starting balance
// less the cost of open positions plus everything realized. Fees are not booked.
type Snapshot struct {
	AccountID        string          `json:"account_id"`
	Cash             decimal.Decimal `json:"cash"`
	ReservedCash     decimal.Decimal `json:"reserved_cash"`
	Exposure         decimal.Decimal `json:"exposure"`
	Equity           decimal.Decimal `json:"equity"`
	RealizedPnL      decimal.Decimal `json:"realized_pnl"`
	RealizedPnLToday decimal.Decimal `json:"realized_pnl_today"`
	UnrealizedPnL    decimal.Decimal `json:"unrealized_pnl"`
	Holdings         []Holding       `json:"holdings"`
	AsOf             time.Time       `json:"as_of"`
}

// Holding returns the holding for market, or an empty one
func (s Snapshot) Holding(market string) Holding {
	for _, h := range s.Holdings {
		if h.Market == market {
			return h
		}
	}
	return emptyHolding(market)
}

// RiskAccount maps the snapshot onto the risk service's account view
func (s Snapshot) RiskAccount(lastOrderAt time.Time) risk.AccountSnapshot {
	return risk.AccountSnapshot{
		Equity:           s.Equity,
		AvailableCash:    s.Cash,
		ReservedCash:     s.ReservedCash,
		Exposure:         s.Exposure,
		RealizedPnLToday: s.RealizedPnLToday,
		UnrealizedPnL:    s.UnrealizedPnL,
		LastOrderAt:      lastOrderAt,
	}
}

// SizingAccount maps the snapshot onto the balances sizing caps against
func (s Snapshot) SizingAccount(market string) sizing.Account {
	h := s.Holding(market)
	return sizing.Account{
		AvailableCash:    s.Cash,
		ReservedCash:     s.ReservedCash,
		AvailableBase:    decimal.Max(h.Quantity, decimal.Zero),
		ReservedBase:     h.OpenSellQuantity,
		PositionQuantity: h.Quantity,
		OpenBuyQuantity:  h.OpenBuyQuantity,
	}
}

func emptyHolding(market string) Holding {
	return Holding{
		Market:           market,
		Quantity:         decimal.Zero,
		AveragePrice:     decimal.Zero,
		LastPrice:        decimal.Zero,
		MarketValue:      decimal.Zero,
		UnrealizedPnL:    decimal.Zero,
		RealizedPnL:      decimal.Zero,
		OpenBuyQuantity:  decimal.Zero,
		OpenSellQuantity: decimal.Zero,
	}
}

type Service struct {
	accountID    string
	startingCash decimal.Decimal
	positions    PositionSource
	orders       OrderSource
	prices       PriceSource
	clock        types.Clock
}

func NewService(accountID string, startingCash decimal.Decimal, positions PositionSource, orders OrderSource, prices PriceSource, clock types.Clock) *Service {
	return &Service{
		accountID:    accountID,
		startingCash: startingCash,
		positions:    positions,
		orders:       orders,
		prices:       prices,
		clock:        clock,
	}
}

func (s *Service) AccountID() string {
	return s.accountID
}

// Snapshot values every market the account holds or has working orders in.
// A market whose price cannot be read is valued at its average price.
func (s *Service) Snapshot(ctx context.Context) (Snapshot, error) {
	now := s.clock.Now()
	logger := log.With().
		Str("account_id", s.accountID).
		Str("service", "portfolio").
		Logger()

	positions, err := s.positions.List(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to list positions: %w", err)
	}
	active, err := s.orders.ActiveOrders(ctx, "")
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to list active orders: %w", err)
	}

	holdings := make(map[string]*Holding)
	holding := func(market string) *Holding {
		h, ok := holdings[market]
		if !ok {
			empty := emptyHolding(market)
			h = &empty
			holdings[market] = h
		}
		return h
	}

	snap := Snapshot{
		AccountID:        s.accountID,
		Cash:             s.startingCash,
		ReservedCash:     decimal.Zero,
		Exposure:         decimal.Zero,
		RealizedPnL:      decimal.Zero,
		RealizedPnLToday: decimal.Zero,
		UnrealizedPnL:    decimal.Zero,
		AsOf:             now,
	}

	for _, p := range positions {
		h := holding(p.Market)
		h.Quantity = p.Quantity
		h.AveragePrice = p.AveragePrice
		h.RealizedPnL = p.RealizedPnL

		snap.Cash = snap.Cash.Sub(p.Quantity.Mul(p.AveragePrice)).Add(p.RealizedPnL)
		snap.RealizedPnL = snap.RealizedPnL.Add(p.RealizedPnL)
		snap.RealizedPnLToday = snap.RealizedPnLToday.Add(p.RealizedOn(now))
	}

	for _, o := range active {
		h := holding(o.Market())
		remaining := o.RemainingQuantity()
		if o.Side() == types.SideBuy {
			h.OpenBuyQuantity = h.OpenBuyQuantity.Add(remaining)
			snap.ReservedCash = snap.ReservedCash.Add(remaining.Mul(o.Price()))
		} else {
			h.OpenSellQuantity = h.OpenSellQuantity.Add(remaining)
		}
	}

	markets := make([]string, 0, len(holdings))
	for m := range holdings {
		markets = append(markets, m)
	}
	sort.Strings(markets)

	snap.Equity = snap.Cash
	snap.Holdings = make([]Holding, 0, len(markets))
	for _, m := range markets {
		h := holdings[m]
		price := h.AveragePrice
		if s.prices != nil {
			last, err := s.prices.LastPrice(ctx, m)
			switch {
			case err != nil:
				logger.Warn().Err(err).Str("market", m).Msg("last price unavailable, valuing at average price")
			case last.IsPositive():
				price = last
			}
		}
		h.LastPrice = price
		h.MarketValue = h.Quantity.Mul(price)
		if !h.Quantity.IsZero() {
			h.UnrealizedPnL = price.Sub(h.AveragePrice).Mul(h.Quantity)
		}

		snap.Exposure = snap.Exposure.Add(h.MarketValue.Abs())
		snap.Equity = snap.Equity.Add(h.MarketValue)
		snap.UnrealizedPnL = snap.UnrealizedPnL.Add(h.UnrealizedPnL)
		snap.Holdings = append(snap.Holdings, *h)
	}

	return snap, nil
}

// GinHandlers contains HTTP handlers for the portfolio endpoint
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{service: service}
}

// SnapshotHandler handles GET requests for the current account snapshot
func (h *GinHandlers) SnapshotHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		snap, err := h.service.Snapshot(c.Request.Context())
		response.Handle(c, snap, err)
	}
}
