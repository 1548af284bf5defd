// Package exchange holds the paper venue orders are sent to and the outbox
// dispatcher that drives orders through it.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ksred/klear-trader/internal/types"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

var (
	ErrRejected      = errors.New("order rejected by exchange")
	ErrUnknownOrder  = errors.New("unknown exchange order")
	ErrNotCancelable = errors.New("exchange order is not cancelable")
)

// PriceSource provides the last traded price fills are priced from
type PriceSource interface {
	LastPrice(ctx context.Context, market string) (decimal.Decimal, error)
}

// Config describes the simulated venue
type Config struct {
	ID              string          `json:"id" yaml:"id"`
	Name            string          `json:"name" yaml:"name"`
	MinLatency      time.Duration   `json:"min_latency" yaml:"min_latency"`
	MaxLatency      time.Duration   `json:"max_latency" yaml:"max_latency"`
	LiquidityFactor decimal.Decimal `json:"liquidity_factor" yaml:"liquidity_factor"` // 0-1, share filled when liquidity is short
	SuccessRate     decimal.Decimal `json:"success_rate" yaml:"success_rate"`         // 0-1, probability the order is accepted
	FeeRate         decimal.Decimal `json:"fee_rate" yaml:"fee_rate"`
	Seed            int64           `json:"seed" yaml:"seed"`
}

func DefaultConfig() Config {
	return Config{
		ID:              "PAPER",
		Name:            "Paper Exchange",
		MinLatency:      5 * time.Millisecond,
		MaxLatency:      30 * time.Millisecond,
		LiquidityFactor: decimal.RequireFromString("0.9"),
		SuccessRate:     decimal.RequireFromString("0.98"),
		FeeRate:         decimal.RequireFromString("0.0005"), // 0.05%
		Seed:            7,
	}
}

// PlaceRequest is an order as the venue sees it. ClientOrderID makes
// placement idempotent.
type PlaceRequest struct {
	ClientOrderID string
	Market        string
	Side          types.Side
	Type          types.OrderType
	Quantity      decimal.Decimal
	Price         decimal.Decimal
}

// Fill is one execution reported by the venue
type Fill struct {
	ID         string          `json:"id"`
	Price      decimal.Decimal `json:"price"`
	Quantity   decimal.Decimal `json:"quantity"`
	FeeAmount  decimal.Decimal `json:"fee_amount"`
	ExecutedAt time.Time       `json:"executed_at"`
}

// Placement is the venue's answer to a placed order. Fills may be empty for
// a resting limit order.
type Placement struct {
	ExchangeOrderID string `json:"exchange_order_id"`
	Fills           []Fill `json:"fills"`
}

type restingOrder struct {
	clientOrderID string
	remaining     decimal.Decimal
	canceled      bool
}

// PaperExchange simulates a venue with latency, liquidity and rejections
type PaperExchange struct {
	cfg    Config
	prices PriceSource
	clock  types.Clock

	mu       sync.Mutex
	rng      *rand.Rand
	byClient map[string]Placement
	orders   map[string]*restingOrder
}

func NewPaperExchange(cfg Config, prices PriceSource, clock types.Clock) *PaperExchange {
	if clock == nil {
		clock = types.SystemClock{}
	}
	return &PaperExchange{
		cfg:      cfg,
		prices:   prices,
		clock:    clock,
		rng:      rand.New(rand.NewSource(cfg.Seed)),
		byClient: make(map[string]Placement),
		orders:   make(map[string]*restingOrder),
	}
}

// PlaceOrder simulates execution. A second call with the same client order
// id returns the first placement without executing again.
func (e *PaperExchange) PlaceOrder(ctx context.Context, req PlaceRequest) (Placement, error) {
	logger := log.With().
		Str("exchange_id", e.cfg.ID).
		Str("client_order_id", req.ClientOrderID).
		Str("market", req.Market).
		Str("side", string(req.Side)).
		Stringer("quantity", req.Quantity).
		Logger()

	e.mu.Lock()
	if p, ok := e.byClient[req.ClientOrderID]; ok {
		e.mu.Unlock()
		logger.Debug().Str("exchange_order_id", p.ExchangeOrderID).Msg("order already placed")
		return p, nil
	}
	latency := e.latencyLocked()
	accepted := e.chanceLocked(e.cfg.SuccessRate)
	partial := !e.chanceLocked(e.cfg.LiquidityFactor)
	e.mu.Unlock()

	logger.Debug().Dur("latency", latency).Msg("simulated network latency")
	if err := sleep(ctx, latency); err != nil {
		return Placement{}, err
	}

	if !accepted {
		logger.Warn().Stringer("success_rate", e.cfg.SuccessRate).Msg("order rejected by success rate threshold")
		return Placement{}, fmt.Errorf("%w: %s declined order %s", ErrRejected, e.cfg.ID, req.ClientOrderID)
	}

	last, err := e.prices.LastPrice(ctx, req.Market)
	if err != nil {
		return Placement{}, fmt.Errorf("failed to price order: %w", err)
	}

	placement := Placement{ExchangeOrderID: fmt.Sprintf("%s-%s", e.cfg.ID, uuid.New().String())}
	resting := &restingOrder{clientOrderID: req.ClientOrderID, remaining: req.Quantity}

	price, marketable := executionPrice(req, last)
	if marketable {
		qty := req.Quantity
		if partial && e.cfg.LiquidityFactor.IsPositive() {
			qty = req.Quantity.Mul(e.cfg.LiquidityFactor).Truncate(types.QuantityScale)
			logger.Debug().
				Stringer("liquidity_factor", e.cfg.LiquidityFactor).
				Stringer("executed_quantity", qty).
				Msg("quantity adjusted due to liquidity")
		}
		if qty.IsPositive() {
			placement.Fills = append(placement.Fills, Fill{
				ID:         "FILL_" + uuid.New().String(),
				Price:      price,
				Quantity:   qty,
				FeeAmount:  price.Mul(qty).Mul(e.cfg.FeeRate),
				ExecutedAt: e.clock.Now(),
			})
			resting.remaining = req.Quantity.Sub(qty)
		}
	}

	e.mu.Lock()
	if p, ok := e.byClient[req.ClientOrderID]; ok {
		e.mu.Unlock()
		return p, nil
	}
	e.byClient[req.ClientOrderID] = placement
	e.orders[placement.ExchangeOrderID] = resting
	e.mu.Unlock()

	logger.Info().
		Str("exchange_order_id", placement.ExchangeOrderID).
		Int("fills", len(placement.Fills)).
		Stringer("remaining", resting.remaining).
		Msg("order placed on exchange")
	return placement, nil
}

// CancelOrder cancels the unfilled remainder of a working order
func (e *PaperExchange) CancelOrder(ctx context.Context, exchangeOrderID string) error {
	e.mu.Lock()
	latency := e.latencyLocked()
	e.mu.Unlock()
	if err := sleep(ctx, latency); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.orders[exchangeOrderID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownOrder, exchangeOrderID)
	}
	if o.canceled {
		return nil
	}
	if !o.remaining.IsPositive() {
		return fmt.Errorf("%w: %s is fully filled", ErrNotCancelable, exchangeOrderID)
	}
	o.canceled = true
	log.Info().
		Str("exchange_id", e.cfg.ID).
		Str("exchange_order_id", exchangeOrderID).
		Stringer("remaining", o.remaining).
		Msg("order canceled on exchange")
	return nil
}

// executionPrice fills market orders at the last price and limit orders at
// their limit once the last price has crossed it
func executionPrice(req PlaceRequest, last decimal.Decimal) (decimal.Decimal, bool) {
	if req.Type == types.OrderTypeMarket {
		return last, last.IsPositive()
	}
	switch req.Side {
	case types.SideBuy:
		return req.Price, last.LessThanOrEqual(req.Price)
	default:
		return req.Price, last.GreaterThanOrEqual(req.Price)
	}
}

func (e *PaperExchange) latencyLocked() time.Duration {
	spread := e.cfg.MaxLatency - e.cfg.MinLatency
	if spread <= 0 {
		return e.cfg.MinLatency
	}
	return e.cfg.MinLatency + time.Duration(e.rng.Int63n(int64(spread)+1))
}

func (e *PaperExchange) chanceLocked(p decimal.Decimal) bool {
	if p.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return true
	}
	return decimal.NewFromFloat(e.rng.Float64()).LessThan(p)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
