package trading

import (
	"time"

	"github.com/ksred/klear-trader/internal/types"
	"github.com/shopspring/decimal"
)

const AggregateType = "order"

const (
	EventOrderCreated         = "order.created"
	EventOrderPartiallyFilled = "order.partially_filled"
	EventOrderFilled          = "order.filled"
	EventOrderCanceled        = "order.canceled"
	EventOrderRejected        = "order.rejected"
)

// DomainEvent is something that happened to an order and must be relayed
type DomainEvent interface {
	EventType() string
	AggregateID() string
	OccurredAt() time.Time
}

type OrderCreated struct {
	OrderID        string              `json:"order_id"`
	Market         string              `json:"market"`
	Side           types.Side          `json:"side"`
	Type           types.OrderType     `json:"order_type"`
	Quantity       decimal.Decimal     `json:"quantity"`
	Price          decimal.Decimal     `json:"price"`
	GuardPrice     decimal.NullDecimal `json:"guard_price"`
	StrategyTag    string              `json:"strategy_tag"`
	IdempotencyKey string              `json:"idempotency_key"`
	At             time.Time           `json:"at"`
}

func (e OrderCreated) EventType() string     { return EventOrderCreated }
func (e OrderCreated) AggregateID() string   { return e.OrderID }
func (e OrderCreated) OccurredAt() time.Time { return e.At }

// OrderFill is the payload shared by the fill events
type OrderFill struct {
	OrderID          string          `json:"order_id"`
	Market           string          `json:"market"`
	Side             types.Side      `json:"side"`
	TradeID          string          `json:"trade_id"`
	Price            decimal.Decimal `json:"price"`
	Quantity         decimal.Decimal `json:"quantity"`
	ExecutedQuantity decimal.Decimal `json:"executed_quantity"`
	ExecutedNotional decimal.Decimal `json:"executed_notional"`
	At               time.Time       `json:"at"`
}

type OrderPartiallyFilled struct {
	OrderFill
}

func (e OrderPartiallyFilled) EventType() string     { return EventOrderPartiallyFilled }
func (e OrderPartiallyFilled) AggregateID() string   { return e.OrderID }
func (e OrderPartiallyFilled) OccurredAt() time.Time { return e.At }

type OrderFilled struct {
	OrderFill
}

func (e OrderFilled) EventType() string     { return EventOrderFilled }
func (e OrderFilled) AggregateID() string   { return e.OrderID }
func (e OrderFilled) OccurredAt() time.Time { return e.At }

type OrderCanceled struct {
	OrderID          string          `json:"order_id"`
	Market           string          `json:"market"`
	ExecutedQuantity decimal.Decimal `json:"executed_quantity"`
	At               time.Time       `json:"at"`
}

func (e OrderCanceled) EventType() string     { return EventOrderCanceled }
func (e OrderCanceled) AggregateID() string   { return e.OrderID }
func (e OrderCanceled) OccurredAt() time.Time { return e.At }

type OrderRejected struct {
	OrderID string    `json:"order_id"`
	Market  string    `json:"market"`
	Reason  string    `json:"reason"`
	At      time.Time `json:"at"`
}

func (e OrderRejected) EventType() string     { return EventOrderRejected }
func (e OrderRejected) AggregateID() string   { return e.OrderID }
func (e OrderRejected) OccurredAt() time.Time { return e.At }
