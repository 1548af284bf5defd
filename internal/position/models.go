package position

import (
	"time"

	"github.com/shopspring/decimal"
)

type Record struct {
	Market           string          `gorm:"primaryKey"`
	Quantity         decimal.Decimal `gorm:"type:text;not null"`
	AveragePrice     decimal.Decimal `gorm:"type:text;not null"`
	RealizedPnL      decimal.Decimal `gorm:"column:realized_pnl;type:text;not null"`
	DailyRealizedPnL decimal.Decimal `gorm:"column:daily_realized_pnl;type:text;not null"`
	TradingDay       string
	Version          int64 `gorm:"not null"`
	UpdatedAt        time.Time
}

func (Record) TableName() string {
	return "positions"
}

func toRecord(p Position) Record {
	return Record{
		Market:           p.Market,
		Quantity:         p.Quantity,
		AveragePrice:     p.AveragePrice,
		RealizedPnL:      p.RealizedPnL,
		DailyRealizedPnL: p.DailyRealizedPnL,
		TradingDay:       p.TradingDay,
		Version:          p.Version,
		UpdatedAt:        p.UpdatedAt,
	}
}

func fromRecord(r Record) Position {
	return Position{
		Market:           r.Market,
		Quantity:         r.Quantity,
		AveragePrice:     r.AveragePrice,
		RealizedPnL:      r.RealizedPnL,
		DailyRealizedPnL: r.DailyRealizedPnL,
		TradingDay:       r.TradingDay,
		Version:          r.Version,
		UpdatedAt:        r.UpdatedAt,
	}
}

// AppliedFill marks a trade as booked so a redelivered fill is ignored
type AppliedFill struct {
	TradeID   string `gorm:"primaryKey"`
	Market    string `gorm:"index"`
	AppliedAt time.Time
}

func (AppliedFill) TableName() string {
	return "position_fills"
}
