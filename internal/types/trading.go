package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// QuantityScale is the number of fractional digits kept for persisted quantities
const QuantityScale int32 = 8

type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

func (t OrderType) Valid() bool {
	return t == OrderTypeMarket || t == OrderTypeLimit
}

// Timeframe is a candle interval such as "1m" or "1h"
type Timeframe string

const (
	Timeframe1m  Timeframe = "1m"
	Timeframe5m  Timeframe = "5m"
	Timeframe15m Timeframe = "15m"
	Timeframe1h  Timeframe = "1h"
	Timeframe1d  Timeframe = "1d"
)

// Duration returns the length of one bar, or zero for an unknown timeframe
func (t Timeframe) Duration() time.Duration {
	switch t {
	case Timeframe1m:
		return time.Minute
	case Timeframe5m:
		return 5 * time.Minute
	case Timeframe15m:
		return 15 * time.Minute
	case Timeframe1h:
		return time.Hour
	case Timeframe1d:
		return 24 * time.Hour
	default:
		return 0
	}
}

type Candle struct {
	Market    string          `json:"market"`
	Timeframe Timeframe       `json:"timeframe"`
	OpenTime  time.Time       `json:"open_time"`
	CloseTime time.Time       `json:"close_time"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
}

// Ticker is the top of book and last trade for a market
type Ticker struct {
	Market   string          `json:"market"`
	Last     decimal.Decimal `json:"last"`
	BestBid  decimal.Decimal `json:"best_bid"`
	BestAsk  decimal.Decimal `json:"best_ask"`
	BidDepth decimal.Decimal `json:"bid_depth"`
	AskDepth decimal.Decimal `json:"ask_depth"`
	AsOf     time.Time       `json:"as_of"`
}
