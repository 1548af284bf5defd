package trading

import (
	"time"

	"github.com/ksred/klear-trader/internal/types"
	"github.com/shopspring/decimal"
)

// OrderRecord is the orders row. Decimals are stored as text to stay exact.
type OrderRecord struct {
	OrderID          string              `gorm:"primaryKey" json:"order_id"`
	Market           string              `gorm:"index:idx_orders_market_status,priority:1" json:"market"`
	Side             types.Side          `json:"side"`
	OrderType        types.OrderType     `json:"order_type"`
	Quantity         decimal.Decimal     `gorm:"type:text" json:"quantity"`
	Price            decimal.Decimal     `gorm:"type:text" json:"price"`
	GuardPrice       decimal.NullDecimal `gorm:"type:text" json:"guard_price"`
	StrategyTag      string              `gorm:"index" json:"strategy_tag"`
	IdempotencyKey   string              `gorm:"index" json:"idempotency_key"`
	ExchangeOrderID  string              `json:"exchange_order_id"`
	Status           Status              `gorm:"index:idx_orders_market_status,priority:2" json:"status"`
	ExecutedQuantity decimal.Decimal     `gorm:"type:text" json:"executed_quantity"`
	ExecutedNotional decimal.Decimal     `gorm:"type:text" json:"executed_notional"`
	Version          int64               `json:"version"`
	CreatedAt        time.Time           `json:"created_at"`
	UpdatedAt        time.Time           `json:"updated_at"`
}

func (OrderRecord) TableName() string {
	return "orders"
}

// TradeRecord is one fill row
type TradeRecord struct {
	TradeID    string          `gorm:"primaryKey" json:"trade_id"`
	OrderID    string          `gorm:"index" json:"order_id"`
	Price      decimal.Decimal `gorm:"type:text" json:"price"`
	Quantity   decimal.Decimal `gorm:"type:text" json:"quantity"`
	ExecutedAt time.Time       `json:"executed_at"`
}

func (TradeRecord) TableName() string {
	return "order_trades"
}

// OrderView is the API shape of an order
type OrderView struct {
	OrderID          string              `json:"order_id"`
	Market           string              `json:"market"`
	Side             types.Side          `json:"side"`
	OrderType        types.OrderType     `json:"order_type"`
	Quantity         decimal.Decimal     `json:"quantity"`
	Price            decimal.Decimal     `json:"price"`
	GuardPrice       decimal.NullDecimal `json:"guard_price"`
	StrategyTag      string              `json:"strategy_tag"`
	ExchangeOrderID  string              `json:"exchange_order_id,omitempty"`
	Status           Status              `json:"status"`
	ExecutedQuantity decimal.Decimal     `json:"executed_quantity"`
	AveragePrice     decimal.Decimal     `json:"average_price"`
	Trades           []ExecutionTrade    `json:"trades,omitempty"`
	Version          int64               `json:"version"`
	CreatedAt        time.Time           `json:"created_at"`
	UpdatedAt        time.Time           `json:"updated_at"`
}

func NewOrderView(o *Order) OrderView {
	return OrderView{
		OrderID:          o.ID(),
		Market:           o.Market(),
		Side:             o.Side(),
		OrderType:        o.Type(),
		Quantity:         o.Quantity(),
		Price:            o.Price(),
		GuardPrice:       o.GuardPrice(),
		StrategyTag:      o.StrategyTag(),
		ExchangeOrderID:  o.ExchangeOrderID(),
		Status:           o.Status(),
		ExecutedQuantity: o.ExecutedQuantity(),
		AveragePrice:     o.AveragePrice(),
		Trades:           o.Trades(),
		Version:          o.Version(),
		CreatedAt:        o.CreatedAt(),
		UpdatedAt:        o.UpdatedAt(),
	}
}

func toRecord(s Snapshot) OrderRecord {
	return OrderRecord{
		OrderID:          s.ID,
		Market:           s.Market,
		Side:             s.Side,
		OrderType:        s.Type,
		Quantity:         s.Quantity,
		Price:            s.Price,
		GuardPrice:       s.GuardPrice,
		StrategyTag:      s.StrategyTag,
		IdempotencyKey:   s.IdempotencyKey,
		ExchangeOrderID:  s.ExchangeOrderID,
		Status:           s.Status,
		ExecutedQuantity: s.ExecutedQuantity,
		ExecutedNotional: s.ExecutedNotional,
		Version:          s.Version,
		CreatedAt:        s.CreatedAt,
		UpdatedAt:        s.UpdatedAt,
	}
}

func fromRecord(r OrderRecord, trades []TradeRecord) *Order {
	fills := make([]ExecutionTrade, 0, len(trades))
	for _, t := range trades {
		fills = append(fills, ExecutionTrade{ID: t.TradeID, Price: t.Price, Quantity: t.Quantity, ExecutedAt: t.ExecutedAt})
	}
	return Rehydrate(Snapshot{
		ID:               r.OrderID,
		Market:           r.Market,
		Side:             r.Side,
		Type:             r.OrderType,
		Quantity:         r.Quantity,
		Price:            r.Price,
		GuardPrice:       r.GuardPrice,
		StrategyTag:      r.StrategyTag,
		IdempotencyKey:   r.IdempotencyKey,
		ExchangeOrderID:  r.ExchangeOrderID,
		Status:           r.Status,
		ExecutedQuantity: r.ExecutedQuantity,
		ExecutedNotional: r.ExecutedNotional,
		Trades:           fills,
		Version:          r.Version,
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
	})
}
