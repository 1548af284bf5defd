package trading

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/ksred/klear-trader/internal/types"
	"github.com/shopspring/decimal"
)

var (
	ErrInvalidTransition = errors.New("invalid order state transition")
	ErrOverfill          = errors.New("fill exceeds requested quantity")
	ErrGuardViolation    = errors.New("price violates minimum-profit guard")
)

// ValidationError reports a malformed domain value
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) InvalidInput() bool { return true }

type Status string

const (
	StatusNew             Status = "NEW"
	StatusOpen            Status = "OPEN"
	StatusPartialFilled   Status = "PARTIAL_FILLED"
	StatusFilled          Status = "FILLED"
	StatusCancelRequested Status = "CANCEL_REQUESTED"
	StatusCanceled        Status = "CANCELED"
	StatusRejected        Status = "REJECTED"
)

// Terminal reports whether no further transition is possible
func (s Status) Terminal() bool {
	return s == StatusFilled || s == StatusCanceled || s == StatusRejected
}

// Active reports whether the order still holds capital on the exchange
func (s Status) Active() bool {
	switch s {
	case StatusNew, StatusOpen, StatusPartialFilled, StatusCancelRequested:
		return true
	}
	return false
}

func (s Status) cancellable() bool {
	return s.Active()
}

// ExecutionTrade is a single fill against an order
type ExecutionTrade struct {
	ID         string          `json:"id"`
	Price      decimal.Decimal `json:"price"`
	Quantity   decimal.Decimal `json:"quantity"`
	ExecutedAt time.Time       `json:"executed_at"`
}

// NewExecutionTrade validates a fill. An empty id gets a generated one.
func NewExecutionTrade(id string, price, quantity decimal.Decimal, executedAt time.Time) (ExecutionTrade, error) {
	if !quantity.IsPositive() {
		return ExecutionTrade{}, &ValidationError{Field: "trade quantity", Reason: "must be positive"}
	}
	if !price.IsPositive() {
		return ExecutionTrade{}, &ValidationError{Field: "trade price", Reason: "must be positive"}
	}
	if id == "" {
		id = "TRD_" + uuid.New().String()
	}
	return ExecutionTrade{ID: id, Price: price, Quantity: quantity, ExecutedAt: executedAt}, nil
}

// NewOrderParams carries the inputs to Create
type NewOrderParams struct {
	ID             string
	Market         string
	Side           types.Side
	Type           types.OrderType
	Quantity       decimal.Decimal
	Price          decimal.Decimal
	GuardPrice     decimal.NullDecimal
	StrategyTag    string
	IdempotencyKey string
	CreatedAt      time.Time
}

// Order is the order aggregate. All state changes go through its methods.
type Order struct {
	id              string
	market          string
	side            types.Side
	orderType       types.OrderType
	quantity        decimal.Decimal
	price           decimal.Decimal
	guardPrice      decimal.NullDecimal
	strategyTag     string
	idempotencyKey  string
	createdAt       time.Time
	exchangeOrderID string

	status           Status
	executedQuantity decimal.Decimal
	executedNotional decimal.Decimal
	trades           []ExecutionTrade
	updatedAt        time.Time

	version          int64
	persistedVersion int64
	events           []DomainEvent
}

// Create validates the parameters and returns a NEW order carrying an OrderCreated event.
// For a BUY the guard is the highest acceptable price, for a SELL the lowest.
func Create(p NewOrderParams) (*Order, error) {
	if p.Market == "" {
		return nil, &ValidationError{Field: "market", Reason: "must not be empty"}
	}
	if !p.Side.Valid() {
		return nil, &ValidationError{Field: "side", Reason: fmt.Sprintf("unknown side %q", p.Side)}
	}
	if !p.Type.Valid() {
		return nil, &ValidationError{Field: "order type", Reason: fmt.Sprintf("unknown type %q", p.Type)}
	}
	qty := p.Quantity.Truncate(types.QuantityScale)
	if !qty.IsPositive() {
		return nil, &ValidationError{Field: "quantity", Reason: fmt.Sprintf("must be positive at %d decimal places", types.QuantityScale)}
	}
	if !p.Price.IsPositive() {
		return nil, &ValidationError{Field: "price", Reason: "must be positive"}
	}
	if p.GuardPrice.Valid {
		if !p.GuardPrice.Decimal.IsPositive() {
			return nil, &ValidationError{Field: "guard price", Reason: "must be positive"}
		}
		if p.Side == types.SideSell && p.Price.LessThan(p.GuardPrice.Decimal) {
			return nil, ErrGuardViolation
		}
		if p.Side == types.SideBuy && p.Price.GreaterThan(p.GuardPrice.Decimal) {
			return nil, ErrGuardViolation
		}
	}

	id := p.ID
	if id == "" {
		id = "ORD_" + uuid.New().String()
	}

	o := &Order{
		id:               id,
		market:           p.Market,
		side:             p.Side,
		orderType:        p.Type,
		quantity:         qty,
		price:            p.Price,
		guardPrice:       p.GuardPrice,
		strategyTag:      p.StrategyTag,
		idempotencyKey:   p.IdempotencyKey,
		createdAt:        p.CreatedAt,
		updatedAt:        p.CreatedAt,
		status:           StatusNew,
		executedQuantity: decimal.Zero,
		executedNotional: decimal.Zero,
		version:          1,
	}
	o.record(OrderCreated{
		OrderID:        o.id,
		Market:         o.market,
		Side:           o.side,
		Type:           o.orderType,
		Quantity:       o.quantity,
		Price:          o.price,
		GuardPrice:     o.guardPrice,
		StrategyTag:    o.strategyTag,
		IdempotencyKey: o.idempotencyKey,
		At:             o.createdAt,
	})
	return o, nil
}

// AcceptByExchange moves a NEW order to OPEN
func (o *Order) AcceptByExchange(exchangeOrderID string, at time.Time) error {
	if o.status != StatusNew {
		return fmt.Errorf("%w: accept from %s", ErrInvalidTransition, o.status)
	}
	o.exchangeOrderID = exchangeOrderID
	o.status = StatusOpen
	o.touch(at)
	return nil
}

// Execute books a fill. The order must have been accepted and still be working.
func (o *Order) Execute(trade ExecutionTrade) error {
	switch o.status {
	case StatusOpen, StatusPartialFilled:
	default:
		return fmt.Errorf("%w: execute from %s", ErrInvalidTransition, o.status)
	}
	if !trade.Quantity.IsPositive() {
		return &ValidationError{Field: "trade quantity", Reason: "must be positive"}
	}

	executed := o.executedQuantity.Add(trade.Quantity)
	if executed.GreaterThan(o.quantity) {
		return fmt.Errorf("%w: %s + %s > %s", ErrOverfill, o.executedQuantity, trade.Quantity, o.quantity)
	}

	o.executedQuantity = executed
	o.executedNotional = o.executedNotional.Add(trade.Price.Mul(trade.Quantity))
	o.trades = append(o.trades, trade)

	fill := OrderFill{
		OrderID:          o.id,
		Market:           o.market,
		Side:             o.side,
		TradeID:          trade.ID,
		Price:            trade.Price,
		Quantity:         trade.Quantity,
		ExecutedQuantity: o.executedQuantity,
		ExecutedNotional: o.executedNotional,
		At:               trade.ExecutedAt,
	}
	if executed.Equal(o.quantity) {
		o.status = StatusFilled
		o.record(OrderFilled{OrderFill: fill})
	} else {
		o.status = StatusPartialFilled
		o.record(OrderPartiallyFilled{OrderFill: fill})
	}
	o.touch(trade.ExecutedAt)
	return nil
}

// RequestCancel marks a working order as pending cancellation on the exchange
func (o *Order) RequestCancel(at time.Time) error {
	switch o.status {
	case StatusNew, StatusOpen, StatusPartialFilled:
	default:
		return fmt.Errorf("%w: request cancel from %s", ErrInvalidTransition, o.status)
	}
	o.status = StatusCancelRequested
	o.touch(at)
	return nil
}

// Cancel terminates the order
func (o *Order) Cancel(at time.Time) error {
	if !o.status.cancellable() {
		return fmt.Errorf("%w: cancel from %s", ErrInvalidTransition, o.status)
	}
	o.status = StatusCanceled
	o.record(OrderCanceled{
		OrderID:          o.id,
		Market:           o.market,
		ExecutedQuantity: o.executedQuantity,
		At:               at,
	})
	o.touch(at)
	return nil
}

// Reject marks the order as refused by the venue
func (o *Order) Reject(reason string, at time.Time) error {
	if o.status.Terminal() {
		return fmt.Errorf("%w: reject from %s", ErrInvalidTransition, o.status)
	}
	o.status = StatusRejected
	o.record(OrderRejected{OrderID: o.id, Market: o.market, Reason: reason, At: at})
	o.touch(at)
	return nil
}

// PendingEvents returns a copy of the queued events without draining
func (o *Order) PendingEvents() []DomainEvent {
	out := make([]DomainEvent, len(o.events))
	copy(out, o.events)
	return out
}

// PullDomainEvents drains the event queue. Callers that fail to persist the
// drained events must hand them back with RestoreDomainEvents.
func (o *Order) PullDomainEvents() []DomainEvent {
	out := o.events
	o.events = nil
	return out
}

// RestoreDomainEvents puts drained events back ahead of anything queued since
func (o *Order) RestoreDomainEvents(events []DomainEvent) {
	if len(events) == 0 {
		return
	}
	restored := make([]DomainEvent, 0, len(events)+len(o.events))
	restored = append(restored, events...)
	restored = append(restored, o.events...)
	o.events = restored
}

// MarkPersisted records that the current version is the stored one
func (o *Order) MarkPersisted() {
	o.persistedVersion = o.version
}

func (o *Order) record(e DomainEvent) {
	o.events = append(o.events, e)
}

func (o *Order) touch(at time.Time) {
	o.version++
	if !at.IsZero() {
		o.updatedAt = at
	}
}

func (o *Order) ID() string { return o.id }
func (o *Order) Market() string { return o.market }
func (o *Order) Side() types.Side { return o.side }
func (o *Order) Type() types.OrderType { return o.orderType }
func (o *Order) Quantity() decimal.Decimal { return o.quantity }
func (o *Order) Price() decimal.Decimal { return o.price }
func (o *Order) GuardPrice() decimal.NullDecimal { return o.guardPrice }
func (o *Order) StrategyTag() string { return o.strategyTag }
func (o *Order) IdempotencyKey() string { return o.idempotencyKey }
func (o *Order) CreatedAt() time.Time { return o.createdAt }
func (o *Order) UpdatedAt() time.Time { return o.updatedAt }
func (o *Order) ExchangeOrderID() string { return o.exchangeOrderID }
func (o *Order) Status() Status { return o.status }
func (o *Order) ExecutedQuantity() decimal.Decimal { return o.executedQuantity }
func (o *Order) ExecutedNotional() decimal.Decimal { return o.executedNotional }
func (o *Order) RemainingQuantity() decimal.Decimal { return o.quantity.Sub(o.executedQuantity) }
func (o *Order) Version() int64 { return o.version }
func (o *Order) PersistedVersion() int64 { return o.persistedVersion }
func (o *Order) IsNew() bool { return o.persistedVersion == 0 }

// Trades returns a copy of the booked fills
func (o *Order) Trades() []ExecutionTrade {
	out := make([]ExecutionTrade, len(o.trades))
	copy(out, o.trades)
	return out
}

// AveragePrice is the volume-weighted fill price, zero before the first fill
func (o *Order) AveragePrice() decimal.Decimal {
	if o.executedQuantity.IsZero() {
		return decimal.Zero
	}
	return o.executedNotional.DivRound(o.executedQuantity, types.QuantityScale)
}

// Snapshot is the storable state of an order
type Snapshot struct {
	ID               string
	Market           string
	Side             types.Side
	Type             types.OrderType
	Quantity         decimal.Decimal
	Price            decimal.Decimal
	GuardPrice       decimal.NullDecimal
	StrategyTag      string
	IdempotencyKey   string
	ExchangeOrderID  string
	Status           Status
	ExecutedQuantity decimal.Decimal
	ExecutedNotional decimal.Decimal
	Trades           []ExecutionTrade
	Version          int64
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Snapshot captures the current state for persistence
func (o *Order) Snapshot() Snapshot {
	return Snapshot{
		ID:               o.id,
		Market:           o.market,
		Side:             o.side,
		Type:             o.orderType,
		Quantity:         o.quantity,
		Price:            o.price,
		GuardPrice:       o.guardPrice,
		StrategyTag:      o.strategyTag,
		IdempotencyKey:   o.idempotencyKey,
		ExchangeOrderID:  o.exchangeOrderID,
		Status:           o.status,
		ExecutedQuantity: o.executedQuantity,
		ExecutedNotional: o.executedNotional,
		Trades:           o.Trades(),
		Version:          o.version,
		CreatedAt:        o.createdAt,
		UpdatedAt:        o.updatedAt,
	}
}

// Rehydrate rebuilds an order loaded from storage. It carries no pending events.
func Rehydrate(s Snapshot) *Order {
	trades := make([]ExecutionTrade, len(s.Trades))
	copy(trades, s.Trades)
	return &Order{
		id:               s.ID,
		market:           s.Market,
		side:             s.Side,
		orderType:        s.Type,
		quantity:         s.Quantity,
		price:            s.Price,
		guardPrice:       s.GuardPrice,
		strategyTag:      s.StrategyTag,
		idempotencyKey:   s.IdempotencyKey,
		exchangeOrderID:  s.ExchangeOrderID,
		status:           s.Status,
		executedQuantity: s.ExecutedQuantity,
		executedNotional: s.ExecutedNotional,
		trades:           trades,
		version:          s.Version,
		persistedVersion: s.Version,
		createdAt:        s.CreatedAt,
		updatedAt:        s.UpdatedAt,
	}
}
