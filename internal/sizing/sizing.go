// Package sizing turns a target notional into an exchange-compliant order quantity.
package sizing

import (
	"github.com/ksred/klear-trader/internal/types"
	"github.com/shopspring/decimal"
)

// divisionScale is the working precision for quantity and price division
const divisionScale int32 = 16

type HoldReason string

const (
	HoldNone                HoldReason = ""
	HoldInvalidRequest      HoldReason = "INVALID_REQUEST"
	HoldNoReferencePrice    HoldReason = "NO_REFERENCE_PRICE"
	HoldZeroNotional        HoldReason = "ZERO_NOTIONAL"
	HoldInsufficientBalance HoldReason = "INSUFFICIENT_BALANCE"
	HoldPositionLimit       HoldReason = "POSITION_LIMIT"
	HoldBelowMinQuantity    HoldReason = "BELOW_MIN_QUANTITY"
	HoldBelowMinNotional    HoldReason = "BELOW_MIN_NOTIONAL"
	HoldStepUpViolatesCaps  HoldReason = "STEP_UP_VIOLATES_CAPS"
	HoldDepthLimited        HoldReason = "DEPTH_LIMITED"
)

// Constraints are the exchange's lot rules for a market
type Constraints struct {
	MinQuantity  decimal.Decimal `json:"min_quantity" yaml:"min_quantity"`
	MaxQuantity  decimal.Decimal `json:"max_quantity" yaml:"max_quantity"`
	QuantityStep decimal.Decimal `json:"quantity_step" yaml:"quantity_step"`
	MinNotional  decimal.Decimal `json:"min_notional" yaml:"min_notional"`
}

// Policy holds the risk caps and execution-quality limits applied while sizing.
// Zero caps are treated as unlimited.
type Policy struct {
	MaxOrderNotional     decimal.Decimal `json:"max_order_notional" yaml:"max_order_notional"`
	MaxPositionQuantity  decimal.Decimal `json:"max_position_quantity" yaml:"max_position_quantity"`
	FeeRatio             decimal.Decimal `json:"fee_ratio" yaml:"fee_ratio"`
	SlippageBufferRatio  decimal.Decimal `json:"slippage_buffer_ratio" yaml:"slippage_buffer_ratio"`
	AllowMinNotionalStep bool            `json:"allow_min_notional_step_up" yaml:"allow_min_notional_step_up"`
	MaxDepthMultiple     decimal.Decimal `json:"max_depth_multiple" yaml:"max_depth_multiple"`
	MaxSlippageRatio     decimal.Decimal `json:"max_slippage_ratio" yaml:"max_slippage_ratio"`
}

// Execution is the live book snapshot used for pricing and depth caps
type Execution struct {
	BestBid   decimal.Decimal
	BestAsk   decimal.Decimal
	BidDepth  decimal.Decimal
	AskDepth  decimal.Decimal
	LastPrice decimal.Decimal
}

// ExecutionFromTicker maps a ticker onto the sizing snapshot
func ExecutionFromTicker(t types.Ticker) Execution {
	return Execution{
		BestBid:   t.BestBid,
		BestAsk:   t.BestAsk,
		BidDepth:  t.BidDepth,
		AskDepth:  t.AskDepth,
		LastPrice: t.Last,
	}
}

// Account is the balance view the caps are computed from
type Account struct {
	AvailableCash    decimal.Decimal
	ReservedCash     decimal.Decimal
	AvailableBase    decimal.Decimal
	ReservedBase     decimal.Decimal
	PositionQuantity decimal.Decimal
	OpenBuyQuantity  decimal.Decimal
}

type Request struct {
	Side           types.Side
	OrderType      types.OrderType
	SignalStrength decimal.Decimal
	TargetNotional decimal.Decimal
	LimitPrice     decimal.Decimal
	Constraints    Constraints
	Policy         Policy
	Execution      Execution
	Account        Account
}

// Result is either a tradable quantity or a hold with its reason
type Result struct {
	Tradable       bool            `json:"tradable"`
	Quantity       decimal.Decimal `json:"quantity"`
	ReferencePrice decimal.Decimal `json:"reference_price"`
	Notional       decimal.Decimal `json:"notional"`
	HoldReason     HoldReason      `json:"hold_reason,omitempty"`
}

func hold(reason HoldReason, price decimal.Decimal) Result {
	return Result{HoldReason: reason, ReferencePrice: price, Quantity: decimal.Zero, Notional: decimal.Zero}
}

// Size runs the sizing pipeline. Every stage can end in a hold.
func Size(req Request) Result {
	if !req.Side.Valid() || !req.OrderType.Valid() {
		return hold(HoldInvalidRequest, decimal.Zero)
	}

	price := ReferencePrice(req)
	if !price.IsPositive() {
		return hold(HoldNoReferencePrice, price)
	}

	strength := clamp01(req.SignalStrength)
	base := req.TargetNotional
	if req.Policy.MaxOrderNotional.IsPositive() && req.Policy.MaxOrderNotional.LessThan(base) {
		base = req.Policy.MaxOrderNotional
	}
	rawNotional := base.Mul(strength).Truncate(0)
	if !rawNotional.IsPositive() {
		return hold(HoldZeroNotional, price)
	}

	qty := divDown(rawNotional, price)

	caps := balanceCap(req, price)
	if caps.reason != HoldNone {
		return hold(caps.reason, price)
	}
	if caps.limited && caps.max.LessThan(qty) {
		qty = caps.max
	}
	if !qty.IsPositive() {
		return hold(HoldInsufficientBalance, price)
	}

	c := req.Constraints
	if c.MaxQuantity.IsPositive() && qty.GreaterThan(c.MaxQuantity) {
		qty = c.MaxQuantity
	}
	qty = QuantizeDown(qty, c.QuantityStep)
	if !qty.IsPositive() || qty.LessThan(c.MinQuantity) {
		return hold(HoldBelowMinQuantity, price)
	}

	if qty.Mul(price).LessThan(c.MinNotional) {
		if !req.Policy.AllowMinNotionalStep {
			return hold(HoldBelowMinNotional, price)
		}
		stepped := QuantizeUp(c.MinNotional.DivRound(price, divisionScale), c.QuantityStep)
		if stepped.Mul(price).LessThan(c.MinNotional) && c.QuantityStep.IsPositive() {
			stepped = stepped.Add(c.QuantityStep)
		}
		if stepped.LessThan(c.MinQuantity) {
			stepped = QuantizeUp(c.MinQuantity, c.QuantityStep)
		}
		if caps.limited && stepped.GreaterThan(caps.max) {
			return hold(HoldStepUpViolatesCaps, price)
		}
		if c.MaxQuantity.IsPositive() && stepped.GreaterThan(c.MaxQuantity) {
			return hold(HoldStepUpViolatesCaps, price)
		}
		qty = stepped
	}

	qty, reason := applyDepthCap(req, qty)
	if reason != HoldNone {
		return hold(reason, price)
	}
	if qty.Mul(price).LessThan(c.MinNotional) {
		return hold(HoldDepthLimited, price)
	}

	return Result{
		Tradable:       true,
		Quantity:       qty,
		ReferencePrice: price,
		Notional:       qty.Mul(price),
	}
}

// ReferencePrice resolves the price the order is sized at
func ReferencePrice(req Request) decimal.Decimal {
	if req.OrderType == types.OrderTypeLimit {
		return req.LimitPrice
	}

	x := req.Execution
	buffer := req.Policy.SlippageBufferRatio
	switch req.Side {
	case types.SideBuy:
		if x.BestAsk.IsPositive() {
			return x.BestAsk.Mul(decimal.NewFromInt(1).Add(buffer))
		}
	case types.SideSell:
		if x.BestBid.IsPositive() {
			p := x.BestBid.Mul(decimal.NewFromInt(1).Sub(buffer))
			if p.IsNegative() {
				return decimal.Zero
			}
			return p
		}
	}
	return x.LastPrice
}

type capResult struct {
	max     decimal.Decimal
	limited bool
	reason  HoldReason
}

func balanceCap(req Request, price decimal.Decimal) capResult {
	a := req.Account
	switch req.Side {
	case types.SideBuy:
		free := a.AvailableCash.Sub(a.ReservedCash)
		if !free.IsPositive() {
			return capResult{reason: HoldInsufficientBalance}
		}
		unitCost := price.Mul(decimal.NewFromInt(1).Add(req.Policy.FeeRatio))
		limit := divDown(free, unitCost)

		if req.Policy.MaxPositionQuantity.IsPositive() {
			room := req.Policy.MaxPositionQuantity.Sub(a.PositionQuantity).Sub(a.OpenBuyQuantity)
			if !room.IsPositive() {
				return capResult{reason: HoldPositionLimit}
			}
			limit = decimal.Min(limit, room)
		}
		return capResult{max: limit, limited: true}
	default:
		free := a.AvailableBase.Sub(a.ReservedBase)
		if !free.IsPositive() {
			return capResult{reason: HoldInsufficientBalance}
		}
		return capResult{max: free, limited: true}
	}
}

func applyDepthCap(req Request, qty decimal.Decimal) (decimal.Decimal, HoldReason) {
	depth := req.Execution.AskDepth
	if req.Side == types.SideSell {
		depth = req.Execution.BidDepth
	}
	if !depth.IsPositive() {
		return qty, HoldNone
	}

	p := req.Policy
	capped := qty
	if p.MaxDepthMultiple.IsPositive() {
		capped = decimal.Min(capped, depth.Mul(p.MaxDepthMultiple))
	}
	if p.MaxSlippageRatio.IsPositive() {
		impact := capped.DivRound(depth, divisionScale)
		if impact.GreaterThan(p.MaxSlippageRatio) {
			capped = depth.Mul(p.MaxSlippageRatio)
		}
	}
	if capped.Equal(qty) {
		return qty, HoldNone
	}

	capped = QuantizeDown(capped, req.Constraints.QuantityStep)
	if !capped.IsPositive() || capped.LessThan(req.Constraints.MinQuantity) {
		return decimal.Zero, HoldDepthLimited
	}
	return capped, HoldNone
}

// QuantizeDown truncates q toward zero onto a multiple of step
func QuantizeDown(q, step decimal.Decimal) decimal.Decimal {
	if !step.IsPositive() {
		return q.Truncate(types.QuantityScale)
	}
	n := q.Div(step).Truncate(0)
	return n.Mul(step).Truncate(types.QuantityScale)
}

// QuantizeUp rounds q away from zero onto a multiple of step
func QuantizeUp(q, step decimal.Decimal) decimal.Decimal {
	if !step.IsPositive() {
		return q.RoundUp(types.QuantityScale)
	}
	n := q.Div(step)
	if q.IsNegative() {
		n = n.Floor()
	} else {
		n = n.Ceil()
	}
	return n.Mul(step).Truncate(types.QuantityScale)
}

// divDown divides to the persisted quantity scale, truncating toward zero
func divDown(a, b decimal.Decimal) decimal.Decimal {
	q, _ := a.QuoRem(b, types.QuantityScale)
	return q
}

func clamp01(v decimal.Decimal) decimal.Decimal {
	one := decimal.NewFromInt(1)
	if v.IsNegative() {
		return decimal.Zero
	}
	if v.GreaterThan(one) {
		return one
	}
	return v
}
