// Package cycle runs one trading cycle end to end: market data, signal,
// sizing, risk, order persistence through the outbox.
package cycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ksred/klear-trader/internal/idempotency"
	"github.com/ksred/klear-trader/internal/notify"
	"github.com/ksred/klear-trader/internal/portfolio"
	"github.com/ksred/klear-trader/internal/risk"
	"github.com/ksred/klear-trader/internal/sizing"
	"github.com/ksred/klear-trader/internal/strategy"
	"github.com/ksred/klear-trader/internal/trading"
	"github.com/ksred/klear-trader/internal/types"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// failureThreshold consecutive failed cycles open the circuit
const failureThreshold = 3

// ErrLockKeyChange is returned when the strategy or market is changed while
// cycles may still run under the current lock key
var ErrLockKeyChange = errors.New("strategy_id and market can only change while stopped with no cycle in flight")

type MarketData interface {
	Ticker(ctx context.Context, market string) (types.Ticker, error)
	RecentCandles(ctx context.Context, market string, tf types.Timeframe, count int, asOf time.Time) ([]types.Candle, error)
}

type AccountProvider interface {
	Snapshot(ctx context.Context) (portfolio.Snapshot, error)
}

type OrderHistory interface {
	LastOrderTime(ctx context.Context, market, strategyTag string) (time.Time, bool, error)
}

type RiskService interface {
	ApproveAndReserve(rc risk.Context) risk.Decision
	ReleaseReservation(accountID, reservationID string) bool
}

type IdempotencyService interface {
	ClaimOrReplay(ctx context.Context, key, requestHash string, now time.Time, ttl time.Duration) (idempotency.Claim, error)
	Complete(ctx context.Context, key, hash, result string) error
	ReleaseClaim(ctx context.Context, key, hash string) error
}

type SnapshotStore interface {
	InsertSnapshot(ctx context.Context, rec *SnapshotRecord) (bool, error)
}

// Dependencies are the collaborators of an Orchestrator. Orders and
// Snapshots may be nil.
type Dependencies struct {
	Strategy    strategy.Strategy
	MarketData  MarketData
	Accounts    AccountProvider
	Orders      OrderHistory
	Risk        RiskService
	Idempotency IdempotencyService
	Saver       trading.OrderSaver
	Snapshots   SnapshotStore
	Notifier    notify.Notifier
	Clock       types.Clock
	Locks       *LockRegistry
}

// Status is the control-surface view of the orchestrator
type Status struct {
	State               RunState `json:"state"`
	StrategyID          string   `json:"strategy_id"`
	Market              string   `json:"market"`
	Timeframe           string   `json:"timeframe"`
	ConsecutiveFailures int      `json:"consecutive_failures"`
	LastResult          *Result  `json:"last_result,omitempty"`
}

// Metrics are the orchestrator's counters since process start
type Metrics struct {
	State               RunState          `json:"state"`
	CyclesTotal         int64             `json:"cycles_total"`
	Outcomes            map[Outcome]int64 `json:"outcomes"`
	ConsecutiveFailures int               `json:"consecutive_failures"`
	TotalFailures       int64             `json:"total_failures"`
	LastOutcome         Outcome           `json:"last_outcome,omitempty"`
	LastLatencyMs       int64             `json:"last_latency_ms"`
	LastCycleAt         time.Time         `json:"last_cycle_at"`
}

// placedOrder is the idempotency result snapshot of a completed command
type placedOrder struct {
	OrderID    string   `json:"order_id"`
	MessageIDs []string `json:"message_ids"`
}

type Orchestrator struct {
	deps  Dependencies
	locks *LockRegistry

	mu                  sync.Mutex
	cfg                 Config
	state               RunState
	consecutiveFailures int
	totalFailures       int64
	cycles              int64
	outcomes            map[Outcome]int64
	last                *Result
	lastOrderAt         time.Time
	// inFlight counts cycles past the state check
	inFlight int
}

func NewOrchestrator(cfg Config, deps Dependencies) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Strategy == nil || deps.MarketData == nil || deps.Accounts == nil ||
		deps.Risk == nil || deps.Idempotency == nil || deps.Saver == nil {
		return nil, fmt.Errorf("orchestrator is missing a required dependency")
	}
	if deps.Clock == nil {
		deps.Clock = types.SystemClock{}
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.NewLogNotifier()
	}
	locks := deps.Locks
	if locks == nil {
		locks = NewLockRegistry()
	}
	return &Orchestrator{
		deps:     deps,
		locks:    locks,
		cfg:      cfg,
		state:    StateStopped,
		outcomes: make(map[Outcome]int64),
	}, nil
}

// Start moves STOPPED to RUNNING and clears the consecutive failure count.
// An open circuit stays open until Stop.
func (o *Orchestrator) Start() RunState {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state == StateStopped {
		o.state = StateRunning
		o.consecutiveFailures = 0
		log.Info().Str("strategy_id", o.cfg.StrategyID).Msg("trading started")
	}
	return o.state
}

func (o *Orchestrator) Stop() RunState {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state != StateStopped {
		log.Info().Str("strategy_id", o.cfg.StrategyID).Str("from", string(o.state)).Msg("trading stopped")
	}
	o.state = StateStopped
	return o.state
}

func (o *Orchestrator) State() RunState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *Orchestrator) Config() Config {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cfg
}

// UpdateConfig replaces the trading config. Cycles already running keep the
// config they started with. The lock key may only change while stopped and
// idle, so two cycles never run under different keys.
func (o *Orchestrator) UpdateConfig(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	o.mu.Lock()
	if cfg.LockKey() != o.cfg.LockKey() && (o.state != StateStopped || o.inFlight > 0) {
		o.mu.Unlock()
		return ErrLockKeyChange
	}
	o.cfg = cfg
	o.mu.Unlock()
	log.Info().Str("strategy_id", cfg.StrategyID).Str("market", cfg.Market).Msg("trading config updated")
	return nil
}

func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return Status{
		State:               o.state,
		StrategyID:          o.cfg.StrategyID,
		Market:              o.cfg.Market,
		Timeframe:           string(o.cfg.Timeframe),
		ConsecutiveFailures: o.consecutiveFailures,
		LastResult:          o.last,
	}
}

func (o *Orchestrator) Metrics() Metrics {
	o.mu.Lock()
	defer o.mu.Unlock()
	outcomes := make(map[Outcome]int64, len(o.outcomes))
	for k, v := range o.outcomes {
		outcomes[k] = v
	}
	m := Metrics{
		State:               o.state,
		CyclesTotal:         o.cycles,
		Outcomes:            outcomes,
		ConsecutiveFailures: o.consecutiveFailures,
		TotalFailures:       o.totalFailures,
	}
	if o.last != nil {
		m.LastOutcome = o.last.Outcome
		m.LastLatencyMs = o.last.Latency.Milliseconds()
		m.LastCycleAt = o.last.StartedAt
	}
	return m
}

// RunCycle executes one cycle. Skips and policy holds return a nil error; a
// failed cycle returns its error and counts toward the circuit breaker.
func (o *Orchestrator) RunCycle(ctx context.Context) (Result, error) {
	now := o.deps.Clock.Now()
	wall := time.Now()

	o.mu.Lock()
	state := o.state
	cfg := o.cfg
	if state == StateRunning {
		o.inFlight++
	}
	o.mu.Unlock()

	if state != StateRunning {
		res := Result{Outcome: OutcomeNotRunning, Reason: "orchestrator is " + string(state), StartedAt: now}
		o.record(ctx, cfg, res, nil)
		return res, nil
	}
	defer func() {
		o.mu.Lock()
		o.inFlight--
		o.mu.Unlock()
	}()

	release, ok := o.locks.TryAcquire(cfg.LockKey())
	if !ok {
		res := Result{Outcome: OutcomeLockNotAcquired, Reason: "another cycle holds " + cfg.LockKey(), StartedAt: now}
		o.record(ctx, cfg, res, nil)
		return res, nil
	}
	defer release()

	res, err := o.execute(ctx, cfg, now)
	res.StartedAt = now
	res.Latency = time.Since(wall)
	if err != nil {
		res.Outcome = OutcomeFailed
		res.Error = err.Error()
	}

	o.saveSnapshot(ctx, cfg, res)
	o.record(ctx, cfg, res, err)
	return res, err
}

func (o *Orchestrator) execute(ctx context.Context, cfg Config, now time.Time) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("cycle panicked: %v", r)
		}
	}()

	logger := log.With().
		Str("strategy_id", cfg.StrategyID).
		Str("market", cfg.Market).
		Str("component", "cycle").
		Logger()

	candles, err := o.deps.MarketData.RecentCandles(ctx, cfg.Market, cfg.Timeframe, cfg.CandleCount, now)
	if err != nil {
		return res, fmt.Errorf("failed to load candles: %w", err)
	}
	ticker, err := o.deps.MarketData.Ticker(ctx, cfg.Market)
	if err != nil {
		return res, fmt.Errorf("failed to load ticker: %w", err)
	}

	closed := strategy.ClosedCandles(candles, now)
	if len(closed) == 0 {
		res.Outcome = OutcomeNoClosedCandle
		res.Reason = "no candle has closed yet"
		return res, nil
	}
	lastBar := closed[len(closed)-1]
	res.CycleID = cycleID(cfg, lastBar)

	signal := o.deps.Strategy.Evaluate(strategy.Input{
		Market:    cfg.Market,
		Timeframe: cfg.Timeframe,
		Candles:   candles,
		Now:       now,
	})
	res.Signal = &signal
	if !signal.Actionable() {
		res.Outcome = OutcomeSignalHold
		res.Reason = string(signal.Reason)
		return res, nil
	}
	side, _ := signal.Action.Side()

	account, err := o.deps.Accounts.Snapshot(ctx)
	if err != nil {
		return res, fmt.Errorf("failed to load account: %w", err)
	}

	limitPrice := decimal.Zero
	if cfg.OrderType == types.OrderTypeLimit {
		limitPrice = ticker.Last
		if !limitPrice.IsPositive() {
			limitPrice = lastBar.Close
		}
	}
	req := sizing.Request{
		Side:           side,
		OrderType:      cfg.OrderType,
		SignalStrength: signal.Confidence,
		TargetNotional: cfg.TargetNotional,
		LimitPrice:     limitPrice,
		Constraints:    cfg.Constraints,
		Policy:         cfg.Sizing,
		Execution:      sizing.ExecutionFromTicker(ticker),
		Account:        account.SizingAccount(cfg.Market),
	}
	sized := sizing.Size(req)
	res.Sizing = &sized
	if !sized.Tradable {
		res.Outcome = OutcomeSizingHold
		res.Reason = string(sized.HoldReason)
		return res, nil
	}

	lastOrderAt, err := o.lastOrderTime(ctx, cfg)
	if err != nil {
		return res, fmt.Errorf("failed to read last order time: %w", err)
	}

	decision := o.deps.Risk.ApproveAndReserve(risk.Context{
		Request: risk.OrderRequest{
			AccountID: cfg.AccountID,
			Market:    cfg.Market,
			Side:      side,
			Notional:  sized.Notional,
		},
		Account: account.RiskAccount(lastOrderAt),
		Market: risk.MarketSnapshot{
			Last: ticker.Last,
			Bid:  ticker.BestBid,
			Ask:  ticker.BestAsk,
			AsOf: ticker.AsOf,
		},
		Policy: cfg.Risk,
		Now:    now,
	})
	res.Risk = &decision
	if !decision.Allowed() {
		res.Outcome = OutcomeRiskRejected
		res.Reason = decision.Reason
		return res, nil
	}
	defer func() {
		if o.deps.Risk.ReleaseReservation(cfg.AccountID, decision.ReservationID) {
			logger.Debug().Str("reservation_id", decision.ReservationID).Msg("risk reservation released")
		}
	}()

	if decision.Type == risk.DecisionAllowWithLimit {
		req.TargetNotional = decision.ApprovedNotional
		req.SignalStrength = decimal.NewFromInt(1)
		sized = sizing.Size(req)
		res.Sizing = &sized
		if !sized.Tradable {
			res.Outcome = OutcomeSizingHold
			res.Reason = string(sized.HoldReason)
			return res, nil
		}
		if sized.Notional.GreaterThan(decision.ApprovedNotional) {
			res.Outcome = OutcomeSizingHold
			res.Reason = fmt.Sprintf("resized notional %s exceeds approved %s", sized.Notional, decision.ApprovedNotional)
			return res, nil
		}
	}

	key := idempotencyKey(cfg, signal, side)
	hash := requestHash(cfg, key, side, lastBar)
	res.IdempotencyKey = key
	logger = logger.With().Str("cycle_id", res.CycleID).Str("idempotency_key", key).Logger()

	claim, err := o.deps.Idempotency.ClaimOrReplay(ctx, key, hash, now, cfg.IdempotencyTTL)
	if err != nil {
		return res, fmt.Errorf("idempotency check failed: %w", err)
	}
	switch claim.Outcome {
	case idempotency.OutcomeReplayed:
		var placed placedOrder
		if err := json.Unmarshal([]byte(claim.Snapshot), &placed); err != nil {
			return res, fmt.Errorf("failed to decode replayed result: %w", err)
		}
		res.Outcome = OutcomeDuplicate
		res.Replayed = true
		res.OrderID = placed.OrderID
		res.Reason = "command already completed"
		return res, nil
	case idempotency.OutcomeInProgress:
		res.Outcome = OutcomeDuplicate
		res.Reason = "command still in progress"
		return res, nil
	}

	releaseClaim := func() {
		if err := o.deps.Idempotency.ReleaseClaim(ctx, key, hash); err != nil {
			logger.Error().Err(err).Msg("failed to release idempotency claim")
		}
	}

	order, err := trading.Create(trading.NewOrderParams{
		Market:         cfg.Market,
		Side:           side,
		Type:           cfg.OrderType,
		Quantity:       sized.Quantity,
		Price:          sized.ReferencePrice,
		StrategyTag:    cfg.StrategyID,
		IdempotencyKey: key,
		CreatedAt:      now,
	})
	if err != nil {
		releaseClaim()
		return res, fmt.Errorf("failed to build order: %w", err)
	}

	ids, err := o.deps.Saver.SaveOrder(ctx, order)
	if err != nil {
		releaseClaim()
		return res, fmt.Errorf("failed to persist order: %w", err)
	}

	snapshot, err := json.Marshal(placedOrder{OrderID: order.ID(), MessageIDs: ids})
	if err != nil {
		return res, fmt.Errorf("failed to encode result: %w", err)
	}
	if err := o.deps.Idempotency.Complete(ctx, key, hash, string(snapshot)); err != nil {
		logger.Error().Err(err).Str("order_id", order.ID()).Msg("order persisted but idempotency record not completed")
	}

	o.mu.Lock()
	o.lastOrderAt = now
	o.mu.Unlock()

	res.Outcome = OutcomeOrderPlaced
	res.OrderID = order.ID()
	res.MessageIDs = ids
	logger.Info().
		Str("order_id", order.ID()).
		Str("side", string(side)).
		Stringer("quantity", order.Quantity()).
		Stringer("price", order.Price()).
		Msg("order placed")
	return res, nil
}

func (o *Orchestrator) lastOrderTime(ctx context.Context, cfg Config) (time.Time, error) {
	o.mu.Lock()
	cached := o.lastOrderAt
	o.mu.Unlock()
	if !cached.IsZero() || o.deps.Orders == nil {
		return cached, nil
	}

	at, found, err := o.deps.Orders.LastOrderTime(ctx, cfg.Market, cfg.StrategyID)
	if err != nil || !found {
		return time.Time{}, err
	}
	o.mu.Lock()
	if at.After(o.lastOrderAt) {
		o.lastOrderAt = at
	}
	o.mu.Unlock()
	return at, nil
}

func (o *Orchestrator) saveSnapshot(ctx context.Context, cfg Config, res Result) {
	if o.deps.Snapshots == nil || res.CycleID == "" {
		return
	}
	stored, err := o.deps.Snapshots.InsertSnapshot(ctx, newSnapshotRecord(cfg, res, o.deps.Clock.Now()))
	if err != nil {
		log.Warn().Err(err).Str("cycle_id", res.CycleID).Msg("failed to store cycle snapshot")
		return
	}
	if !stored {
		log.Debug().Str("cycle_id", res.CycleID).Msg("cycle already has a snapshot")
	}
}

func (o *Orchestrator) record(ctx context.Context, cfg Config, res Result, err error) {
	o.mu.Lock()
	o.cycles++
	o.outcomes[res.Outcome]++
	o.last = &res

	opened := false
	switch {
	case err != nil:
		o.consecutiveFailures++
		o.totalFailures++
		if o.consecutiveFailures >= failureThreshold && o.state == StateRunning {
			o.state = StateCircuitOpen
			opened = true
		}
	case res.Outcome != OutcomeNotRunning && res.Outcome != OutcomeLockNotAcquired:
		o.consecutiveFailures = 0
	}
	failures := o.consecutiveFailures
	o.mu.Unlock()

	logger := log.With().
		Str("strategy_id", cfg.StrategyID).
		Str("market", cfg.Market).
		Str("cycle_id", res.CycleID).
		Str("outcome", string(res.Outcome)).
		Dur("latency", res.Latency).
		Logger()
	if err != nil {
		logger.Error().Err(err).Int("consecutive_failures", failures).Msg("trading cycle failed")
	} else {
		logger.Debug().Str("reason", res.Reason).Msg("trading cycle finished")
	}

	if opened {
		msg := fmt.Sprintf("trading circuit opened for %s after %d consecutive failures: %v", cfg.LockKey(), failures, err)
		logger.Error().Msg(msg)
		if nerr := o.deps.Notifier.Notify(ctx, msg); nerr != nil {
			logger.Error().Err(nerr).Msg("failed to deliver circuit notification")
		}
	}
}

func cycleID(cfg Config, lastBar types.Candle) string {
	return "CYC_" + idempotency.Hash(cfg.StrategyID, cfg.Market, string(cfg.Timeframe), lastBar.OpenTime.UTC().Format(time.RFC3339))[:24]
}

// idempotencyKey fingerprints the command: one order per strategy, market,
// signal bar and side
func idempotencyKey(cfg Config, signal strategy.Signal, side types.Side) string {
	return "IDEM_" + idempotency.Hash(cfg.StrategyID, cfg.Market, string(cfg.Timeframe), signal.SignalTime.UTC().Format(time.RFC3339), string(side))[:32]
}

func requestHash(cfg Config, key string, side types.Side, lastBar types.Candle) string {
	return idempotency.Hash(key, string(side), string(cfg.OrderType), cfg.TargetNotional.String(), lastBar.Close.String())
}
