package risk

import (
	"time"

	"github.com/ksred/klear-trader/internal/types"
	"github.com/shopspring/decimal"
)

type DecisionType string

const (
	DecisionAllow          DecisionType = "ALLOW"
	DecisionAllowWithLimit DecisionType = "ALLOW_WITH_LIMIT"
	DecisionReject         DecisionType = "REJECT"
)

type ReasonCode string

const (
	CodeApproved         ReasonCode = "APPROVED"
	CodeInvalidRequest   ReasonCode = "INVALID_REQUEST"
	CodeMarketDataStale  ReasonCode = "MARKET_DATA_STALE"
	CodeCooldownActive   ReasonCode = "COOLDOWN_ACTIVE"
	CodeAmountAboveMax   ReasonCode = "ORDER_AMOUNT_ABOVE_MAX"
	CodeAmountBelowMin   ReasonCode = "ORDER_AMOUNT_BELOW_MIN"
	CodeDailyLossLimit   ReasonCode = "DAILY_LOSS_LIMIT"
	CodeExposureLimit    ReasonCode = "EXPOSURE_LIMIT"
	CodeExposureLimited  ReasonCode = "EXPOSURE_HEADROOM_LIMITED"
	CodeInsufficientCash ReasonCode = "INSUFFICIENT_CASH"
)

// OrderRequest is the candidate order being evaluated
type OrderRequest struct {
	AccountID string
	Market    string
	Side      types.Side
	Notional  decimal.Decimal
}

// AccountSnapshot is the account state at evaluation time
type AccountSnapshot struct {
	Equity           decimal.Decimal `json:"equity"`
	AvailableCash    decimal.Decimal `json:"available_cash"`
	ReservedCash     decimal.Decimal `json:"reserved_cash"`
	Exposure         decimal.Decimal `json:"exposure"`
	RealizedPnLToday decimal.Decimal `json:"realized_pnl_today"`
	UnrealizedPnL    decimal.Decimal `json:"unrealized_pnl"`
	LastOrderAt      time.Time       `json:"last_order_at"`
}

// MarketSnapshot is the price view the decision was made against
type MarketSnapshot struct {
	Last decimal.Decimal
	Bid  decimal.Decimal
	Ask  decimal.Decimal
	AsOf time.Time
}

// Policy holds the risk limits. Zero limits are not enforced.
type Policy struct {
	MinOrderNotional    decimal.Decimal `json:"min_order_notional" yaml:"min_order_notional"`
	MaxOrderNotional    decimal.Decimal `json:"max_order_notional" yaml:"max_order_notional"`
	MaxExposureRatio    decimal.Decimal `json:"max_exposure_ratio" yaml:"max_exposure_ratio"`
	MaxDailyLossRatio   decimal.Decimal `json:"max_daily_loss_ratio" yaml:"max_daily_loss_ratio"`
	Cooldown            time.Duration   `json:"cooldown" yaml:"cooldown"`
	MaxDataStaleness    time.Duration   `json:"max_data_staleness" yaml:"max_data_staleness"`
	FeeBufferRatio      decimal.Decimal `json:"fee_buffer_ratio" yaml:"fee_buffer_ratio"`
	SlippageBufferRatio decimal.Decimal `json:"slippage_buffer_ratio" yaml:"slippage_buffer_ratio"`
}

// Context bundles everything a decision depends on
type Context struct {
	Request OrderRequest
	Account AccountSnapshot
	Market  MarketSnapshot
	Policy  Policy
	Now     time.Time
}

// Decision is the outcome of ApproveAndReserve. Only ALLOW and
// ALLOW_WITH_LIMIT carry a reservation.
type Decision struct {
	Type              DecisionType    `json:"type"`
	Code              ReasonCode      `json:"code"`
	Reason            string          `json:"reason"`
	RequestedNotional decimal.Decimal `json:"requested_notional"`
	ApprovedNotional  decimal.Decimal `json:"approved_notional"`
	ReservedNotional  decimal.Decimal `json:"reserved_notional"`
	ReservationID     string          `json:"reservation_id,omitempty"`
	// Tags label the decision for metrics
	Tags map[string]string `json:"tags,omitempty"`
}

func (d Decision) Allowed() bool {
	return d.Type == DecisionAllow || d.Type == DecisionAllowWithLimit
}
