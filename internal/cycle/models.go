package cycle

import (
	"fmt"
	"strings"
	"time"

	"github.com/ksred/klear-trader/internal/risk"
	"github.com/ksred/klear-trader/internal/sizing"
	"github.com/ksred/klear-trader/internal/strategy"
	"github.com/ksred/klear-trader/internal/types"
	"github.com/shopspring/decimal"
)

type RunState string

const (
	StateStopped     RunState = "STOPPED"
	StateRunning     RunState = "RUNNING"
	StateCircuitOpen RunState = "CIRCUIT_OPEN"
)

type Outcome string

const (
	OutcomeNotRunning      Outcome = "NOT_RUNNING"
	OutcomeLockNotAcquired Outcome = "LOCK_NOT_ACQUIRED"
	OutcomeNoClosedCandle  Outcome = "NO_CLOSED_CANDLE"
	OutcomeSignalHold      Outcome = "SIGNAL_HOLD"
	OutcomeSizingHold      Outcome = "SIZING_HOLD"
	OutcomeRiskRejected    Outcome = "RISK_REJECTED"
	OutcomeDuplicate       Outcome = "DUPLICATE"
	OutcomeOrderPlaced     Outcome = "ORDER_PLACED"
	OutcomeFailed          Outcome = "FAILED"
)

// Config is the runtime trading configuration of one strategy and market
type Config struct {
	StrategyID     string             `json:"strategy_id" yaml:"strategy_id"`
	AccountID      string             `json:"account_id" yaml:"account_id"`
	Market         string             `json:"market" yaml:"market"`
	Timeframe      types.Timeframe    `json:"timeframe" yaml:"timeframe"`
	CandleCount    int                `json:"candle_count" yaml:"candle_count"`
	OrderType      types.OrderType    `json:"order_type" yaml:"order_type"`
	TargetNotional decimal.Decimal    `json:"target_notional" yaml:"target_notional"`
	IdempotencyTTL time.Duration      `json:"idempotency_ttl" yaml:"idempotency_ttl"`
	Constraints    sizing.Constraints `json:"constraints" yaml:"constraints"`
	Sizing         sizing.Policy      `json:"sizing" yaml:"sizing"`
	Risk           risk.Policy        `json:"risk" yaml:"risk"`
}

func (c Config) Validate() error {
	var problems []string
	if c.StrategyID == "" {
		problems = append(problems, "strategy_id is required")
	}
	if c.AccountID == "" {
		problems = append(problems, "account_id is required")
	}
	if c.Market == "" {
		problems = append(problems, "market is required")
	}
	if c.Timeframe.Duration() <= 0 {
		problems = append(problems, fmt.Sprintf("unsupported timeframe %q", c.Timeframe))
	}
	if c.CandleCount <= 0 {
		problems = append(problems, "candle_count must be positive")
	}
	if !c.OrderType.Valid() {
		problems = append(problems, fmt.Sprintf("unknown order_type %q", c.OrderType))
	}
	if !c.TargetNotional.IsPositive() {
		problems = append(problems, "target_notional must be positive")
	}
	if c.IdempotencyTTL <= 0 {
		problems = append(problems, "idempotency_ttl must be positive")
	}
	if !c.Constraints.QuantityStep.IsPositive() {
		problems = append(problems, "constraints.quantity_step must be positive")
	}
	if c.Risk.MinOrderNotional.IsPositive() && c.Risk.MaxOrderNotional.IsPositive() &&
		c.Risk.MinOrderNotional.GreaterThan(c.Risk.MaxOrderNotional) {
		problems = append(problems, "risk.min_order_notional exceeds risk.max_order_notional")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid trading config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// LockKey identifies the strategy and pair a cycle serializes on
func (c Config) LockKey() string {
	return c.StrategyID + "|" + c.Market
}

// Result describes one cycle execution
type Result struct {
	CycleID        string           `json:"cycle_id,omitempty"`
	Outcome        Outcome          `json:"outcome"`
	Reason         string           `json:"reason,omitempty"`
	Signal         *strategy.Signal `json:"signal,omitempty"`
	Sizing         *sizing.Result   `json:"sizing,omitempty"`
	Risk           *risk.Decision   `json:"risk,omitempty"`
	IdempotencyKey string           `json:"idempotency_key,omitempty"`
	OrderID        string           `json:"order_id,omitempty"`
	MessageIDs     []string         `json:"message_ids,omitempty"`
	Replayed       bool             `json:"replayed"`
	Error          string           `json:"error,omitempty"`
	StartedAt      time.Time        `json:"started_at"`
	Latency        time.Duration    `json:"latency"`
}

// SnapshotRecord is the append-once record of a handled cycle
type SnapshotRecord struct {
	CycleID          string              `gorm:"primaryKey" json:"cycle_id"`
	StrategyID       string              `gorm:"index" json:"strategy_id"`
	Market           string              `gorm:"index" json:"market"`
	Timeframe        string              `json:"timeframe"`
	Outcome          string              `gorm:"index" json:"outcome"`
	Reason           string              `json:"reason"`
	SignalAction     string              `json:"signal_action"`
	SignalReason     string              `json:"signal_reason"`
	Confidence       decimal.NullDecimal `gorm:"type:text" json:"confidence"`
	RiskDecision     string              `json:"risk_decision"`
	RiskCode         string              `json:"risk_code"`
	ApprovedNotional decimal.NullDecimal `gorm:"type:text" json:"approved_notional"`
	Quantity         decimal.NullDecimal `gorm:"type:text" json:"quantity"`
	IdempotencyKey   string              `json:"idempotency_key"`
	OrderID          string              `json:"order_id"`
	MessageIDs       string              `json:"message_ids"`
	Replayed         bool                `json:"replayed"`
	Error            *string             `json:"error"`
	LatencyMs        int64               `json:"latency_ms"`
	StartedAt        time.Time           `json:"started_at"`
	CreatedAt        time.Time           `gorm:"index" json:"created_at"`
}

func (SnapshotRecord) TableName() string {
	return "cycle_snapshots"
}

func newSnapshotRecord(cfg Config, res Result, at time.Time) *SnapshotRecord {
	rec := &SnapshotRecord{
		CycleID:        res.CycleID,
		StrategyID:     cfg.StrategyID,
		Market:         cfg.Market,
		Timeframe:      string(cfg.Timeframe),
		Outcome:        string(res.Outcome),
		Reason:         res.Reason,
		IdempotencyKey: res.IdempotencyKey,
		OrderID:        res.OrderID,
		MessageIDs:     strings.Join(res.MessageIDs, ","),
		Replayed:       res.Replayed,
		LatencyMs:      res.Latency.Milliseconds(),
		StartedAt:      res.StartedAt,
		CreatedAt:      at,
	}
	if res.Signal != nil {
		rec.SignalAction = string(res.Signal.Action)
		rec.SignalReason = string(res.Signal.Reason)
		rec.Confidence = decimal.NewNullDecimal(res.Signal.Confidence)
	}
	if res.Sizing != nil && res.Sizing.Tradable {
		rec.Quantity = decimal.NewNullDecimal(res.Sizing.Quantity)
	}
	if res.Risk != nil {
		rec.RiskDecision = string(res.Risk.Type)
		rec.RiskCode = string(res.Risk.Code)
		if res.Risk.Allowed() {
			rec.ApprovedNotional = decimal.NewNullDecimal(res.Risk.ApprovedNotional)
		}
	}
	if res.Error != "" {
		msg := res.Error
		rec.Error = &msg
	}
	return rec
}
