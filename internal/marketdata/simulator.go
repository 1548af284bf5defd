// Package marketdata provides the simulated feed used for paper trading.
package marketdata

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/ksred/klear-trader/internal/types"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

var ErrUnavailable = errors.New("market data unavailable")

// Feed is the market data port consumed by the trading cycle and portfolio
type Feed interface {
	LastPrice(ctx context.Context, market string) (decimal.Decimal, error)
	Ticker(ctx context.Context, market string) (types.Ticker, error)
	RecentCandles(ctx context.Context, market string, tf types.Timeframe, count int, asOf time.Time) ([]types.Candle, error)
}

// SimulatorConfig drives the random walk behind every market
type SimulatorConfig struct {
	InitialPrice decimal.Decimal `yaml:"initial_price"`
	TickSize     decimal.Decimal `yaml:"tick_size"`
	Volatility   float64         `yaml:"volatility"`   // stddev of one bar's log return
	SpreadRatio  decimal.Decimal `yaml:"spread_ratio"` // full bid/ask spread over last
	Depth        decimal.Decimal `yaml:"depth"`        // visible quantity at each side of the top of book
	Seed         int64           `yaml:"seed"`
	Latency      time.Duration   `yaml:"latency"`
	FailureRate  float64         `yaml:"failure_rate"` // 0-1
}

func DefaultSimulatorConfig() SimulatorConfig {
	return SimulatorConfig{
		InitialPrice: decimal.NewFromInt(50000000),
		TickSize:     decimal.NewFromInt(1000),
		Volatility:   0.002,
		SpreadRatio:  decimal.RequireFromString("0.0004"),
		Depth:        decimal.RequireFromString("0.5"),
		Seed:         42,
	}
}

// series holds generated closes for one market and timeframe, indexed by bar
// number since the epoch
type series struct {
	first  int64
	closes []decimal.Decimal
}

// Simulator walks prices from a seeded source. Bars are produced lazily and
// never change once generated.
type Simulator struct {
	cfg   SimulatorConfig
	clock types.Clock

	mu     sync.Mutex
	rng    *rand.Rand
	series map[string]*series
}

func NewSimulator(cfg SimulatorConfig, clock types.Clock) *Simulator {
	return &Simulator{
		cfg:    cfg,
		clock:  clock,
		rng:    rand.New(rand.NewSource(cfg.Seed)),
		series: make(map[string]*series),
	}
}

// RecentCandles returns count bars ending with the bar that contains asOf.
// That last bar is still open when asOf falls inside it.
func (s *Simulator) RecentCandles(ctx context.Context, market string, tf types.Timeframe, count int, asOf time.Time) ([]types.Candle, error) {
	step := tf.Duration()
	if step <= 0 {
		return nil, fmt.Errorf("unsupported timeframe %q", tf)
	}
	if count <= 0 {
		return nil, nil
	}
	if err := s.simulateCall(ctx, market); err != nil {
		return nil, err
	}

	last := asOf.UTC().Truncate(step).Unix() / int64(step.Seconds())
	first := last - int64(count) + 1

	s.mu.Lock()
	defer s.mu.Unlock()

	ser := s.ensure(market, tf, first, last)
	candles := make([]types.Candle, 0, count)
	for idx := first; idx <= last; idx++ {
		candles = append(candles, s.candle(market, tf, ser, idx))
	}
	return candles, nil
}

// LastPrice is the close of the bar currently forming on the one minute series
func (s *Simulator) LastPrice(ctx context.Context, market string) (decimal.Decimal, error) {
	if err := s.simulateCall(ctx, market); err != nil {
		return decimal.Zero, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastLocked(market), nil
}

func (s *Simulator) Ticker(ctx context.Context, market string) (types.Ticker, error) {
	if err := s.simulateCall(ctx, market); err != nil {
		return types.Ticker{}, err
	}

	s.mu.Lock()
	last := s.lastLocked(market)
	s.mu.Unlock()

	half := last.Mul(s.cfg.SpreadRatio).Div(decimal.NewFromInt(2))
	return types.Ticker{
		Market:   market,
		Last:     last,
		BestBid:  s.roundTick(last.Sub(half)),
		BestAsk:  s.roundTick(last.Add(half)),
		BidDepth: s.cfg.Depth,
		AskDepth: s.cfg.Depth,
		AsOf:     s.clock.Now(),
	}, nil
}

func (s *Simulator) lastLocked(market string) decimal.Decimal {
	step := types.Timeframe1m.Duration()
	idx := s.clock.Now().UTC().Truncate(step).Unix() / int64(step.Seconds())
	ser := s.ensure(market, types.Timeframe1m, idx, idx)
	return ser.closes[idx-ser.first]
}

func (s *Simulator) simulateCall(ctx context.Context, market string) error {
	if s.cfg.Latency > 0 {
		select {
		case <-time.After(s.cfg.Latency):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if s.cfg.FailureRate > 0 {
		s.mu.Lock()
		roll := s.rng.Float64()
		s.mu.Unlock()
		if roll < s.cfg.FailureRate {
			log.Warn().Str("market", market).Msg("simulated market data outage")
			return fmt.Errorf("%w: %s", ErrUnavailable, market)
		}
	}
	return nil
}

// ensure extends the series so that bars first..last exist
func (s *Simulator) ensure(market string, tf types.Timeframe, first, last int64) *series {
	key := market + "|" + string(tf)
	ser, ok := s.series[key]
	if !ok {
		ser = &series{first: first, closes: []decimal.Decimal{s.cfg.InitialPrice}}
		s.series[key] = ser
	}

	for ser.first > first {
		prev := s.walk(ser.closes[0], -1)
		ser.closes = append([]decimal.Decimal{prev}, ser.closes...)
		ser.first--
	}
	for ser.first+int64(len(ser.closes))-1 < last {
		next := s.walk(ser.closes[len(ser.closes)-1], 1)
		ser.closes = append(ser.closes, next)
	}
	return ser
}

func (s *Simulator) walk(from decimal.Decimal, direction float64) decimal.Decimal {
	ret := s.rng.NormFloat64() * s.cfg.Volatility * direction
	next := s.roundTick(from.Mul(decimal.NewFromFloat(math.Exp(ret))))
	if !next.IsPositive() {
		return from
	}
	return next
}

func (s *Simulator) candle(market string, tf types.Timeframe, ser *series, idx int64) types.Candle {
	step := tf.Duration()
	pos := idx - ser.first
	closePrice := ser.closes[pos]
	openPrice := closePrice
	if pos > 0 {
		openPrice = ser.closes[pos-1]
	}
	open := time.Unix(idx*int64(step.Seconds()), 0).UTC()
	return types.Candle{
		Market:    market,
		Timeframe: tf,
		OpenTime:  open,
		CloseTime: open.Add(step),
		Open:      openPrice,
		High:      decimal.Max(openPrice, closePrice),
		Low:       decimal.Min(openPrice, closePrice),
		Close:     closePrice,
		Volume:    s.cfg.Depth,
	}
}

func (s *Simulator) roundTick(v decimal.Decimal) decimal.Decimal {
	if !s.cfg.TickSize.IsPositive() {
		return v
	}
	return v.Div(s.cfg.TickSize).Round(0).Mul(s.cfg.TickSize)
}
