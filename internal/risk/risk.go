// Package risk approves, limits or rejects candidate orders and holds working
// capital for them while an order attempt is in flight.
package risk

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/ksred/klear-trader/internal/types"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

type reservation struct {
	market   string
	side     types.Side
	notional decimal.Decimal
}

// Service evaluates risk and tracks reservations per account
type Service struct {
	clock types.Clock

	mu           sync.Mutex
	reservations map[string]map[string]reservation
}

func NewService(clock types.Clock) *Service {
	return &Service{
		clock:        clock,
		reservations: make(map[string]map[string]reservation),
	}
}

// ApproveAndReserve runs the checks in a fixed order: request validity,
// market data staleness, cooldown, order notional bounds, daily loss,
// exposure headroom, then free cash. The first failing check decides.
func (s *Service) ApproveAndReserve(rc Context) Decision {
	now := rc.Now
	if now.IsZero() {
		now = s.clock.Now()
	}
	req := rc.Request
	p := rc.Policy

	logger := log.With().
		Str("account_id", req.AccountID).
		Str("market", req.Market).
		Str("side", string(req.Side)).
		Str("service", "risk").
		Logger()

	base := Decision{
		RequestedNotional: req.Notional,
		ApprovedNotional:  decimal.Zero,
		ReservedNotional:  decimal.Zero,
	}
	reject := func(code ReasonCode, format string, args ...interface{}) Decision {
		d := base
		d.Type = DecisionReject
		d.Code = code
		d.Reason = fmt.Sprintf(format, args...)
		d.Tags = tags(req, DecisionReject, code)
		logger.Info().
			Str("code", string(code)).
			Str("reason", d.Reason).
			Msg("order rejected by risk")
		return d
	}

	if req.AccountID == "" || req.Market == "" || !req.Side.Valid() || !req.Notional.IsPositive() {
		return reject(CodeInvalidRequest, "order request is incomplete or notional is not positive")
	}

	if p.MaxDataStaleness > 0 {
		if rc.Market.AsOf.IsZero() {
			return reject(CodeMarketDataStale, "market data has no timestamp")
		}
		if age := now.Sub(rc.Market.AsOf); age > p.MaxDataStaleness {
			return reject(CodeMarketDataStale, "market data is %s old, tolerance is %s", age, p.MaxDataStaleness)
		}
	}

	if p.Cooldown > 0 && !rc.Account.LastOrderAt.IsZero() {
		if since := now.Sub(rc.Account.LastOrderAt); since < p.Cooldown {
			return reject(CodeCooldownActive, "last order was %s ago, cooldown is %s", since, p.Cooldown)
		}
	}

	// bounds apply to the requested amount, the fee and slippage buffer only sizes the hold
	if p.MaxOrderNotional.IsPositive() && req.Notional.GreaterThan(p.MaxOrderNotional) {
		return reject(CodeAmountAboveMax, "order amount %s exceeds max order amount %s", req.Notional, p.MaxOrderNotional)
	}
	if p.MinOrderNotional.IsPositive() && req.Notional.LessThan(p.MinOrderNotional) {
		return reject(CodeAmountBelowMin, "order amount %s is below min order amount %s", req.Notional, p.MinOrderNotional)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	approved := req.Notional
	reserve := conservative(approved, p)
	decisionType := DecisionAllow
	code := CodeApproved
	reason := "order approved"

	if req.Side == types.SideBuy {
		acct := rc.Account
		held := acct.ReservedCash.Add(s.reservedLocked(req.AccountID))

		if p.MaxDailyLossRatio.IsPositive() {
			pnl := acct.RealizedPnLToday.Add(acct.UnrealizedPnL)
			if pnl.IsNegative() {
				if !acct.Equity.IsPositive() {
					return reject(CodeDailyLossLimit, "daily loss %s with no equity", pnl.Neg())
				}
				lossRatio := pnl.Neg().Div(acct.Equity)
				if lossRatio.GreaterThanOrEqual(p.MaxDailyLossRatio) {
					return reject(CodeDailyLossLimit, "daily loss ratio %s reached limit %s", lossRatio.StringFixed(4), p.MaxDailyLossRatio)
				}
			}
		}

		if p.MaxExposureRatio.IsPositive() {
			limit := acct.Equity.Mul(p.MaxExposureRatio)
			headroom := limit.Sub(acct.Exposure).Sub(held)
			if !headroom.IsPositive() {
				return reject(CodeExposureLimit, "exposure %s plus holds %s leaves no headroom under %s", acct.Exposure, held, limit)
			}
			if reserve.GreaterThan(headroom) {
				approved = headroom.Div(bufferFactor(p)).Truncate(0)
				reserve = conservative(approved, p)
				// rounding the hold up can cross a fractional headroom
				for approved.IsPositive() && reserve.GreaterThan(headroom) {
					approved = approved.Sub(decimal.NewFromInt(1))
					reserve = conservative(approved, p)
				}
				if !approved.IsPositive() || (p.MinOrderNotional.IsPositive() && approved.LessThan(p.MinOrderNotional)) {
					return reject(CodeExposureLimit, "exposure headroom %s is below the min order amount", headroom)
				}
				decisionType = DecisionAllowWithLimit
				code = CodeExposureLimited
				reason = fmt.Sprintf("order amount limited to %s by exposure headroom", approved)
			}
		}

		free := acct.AvailableCash.Sub(held)
		if reserve.GreaterThan(free) {
			return reject(CodeInsufficientCash, "reservation %s exceeds free cash %s", reserve, free)
		}
	}

	id := "RSV_" + uuid.New().String()
	if s.reservations[req.AccountID] == nil {
		s.reservations[req.AccountID] = make(map[string]reservation)
	}
	s.reservations[req.AccountID][id] = reservation{
		market:   req.Market,
		side:     req.Side,
		notional: reserve,
	}

	logger.Debug().
		Str("reservation_id", id).
		Str("decision", string(decisionType)).
		Stringer("approved_notional", approved).
		Stringer("reserved_notional", reserve).
		Msg("order approved by risk")

	return Decision{
		Type:              decisionType,
		Code:              code,
		Reason:            reason,
		RequestedNotional: req.Notional,
		ApprovedNotional:  approved,
		ReservedNotional:  reserve,
		ReservationID:     id,
		Tags:              tags(req, decisionType, code),
	}
}

func tags(req OrderRequest, t DecisionType, code ReasonCode) map[string]string {
	return map[string]string{
		"market":   req.Market,
		"side":     string(req.Side),
		"decision": string(t),
		"code":     string(code),
	}
}

// ReleaseReservation drops a hold. Unknown or already released ids are a
// no-op and report false.
func (s *Service) ReleaseReservation(accountID, reservationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	held, ok := s.reservations[accountID]
	if !ok {
		return false
	}
	if _, ok := held[reservationID]; !ok {
		return false
	}
	delete(held, reservationID)
	if len(held) == 0 {
		delete(s.reservations, accountID)
	}

	log.Debug().
		Str("account_id", accountID).
		Str("reservation_id", reservationID).
		Msg("reservation released")
	return true
}

// Reserved returns the total notional currently held for BUY attempts
func (s *Service) Reserved(accountID string) decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reservedLocked(accountID)
}

// ActiveReservations counts holds across all accounts
func (s *Service) ActiveReservations() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, held := range s.reservations {
		n += len(held)
	}
	return n
}

func (s *Service) reservedLocked(accountID string) decimal.Decimal {
	total := decimal.Zero
	for _, r := range s.reservations[accountID] {
		if r.side == types.SideBuy {
			total = total.Add(r.notional)
		}
	}
	return total
}

func bufferFactor(p Policy) decimal.Decimal {
	return decimal.NewFromInt(1).Add(p.FeeBufferRatio).Add(p.SlippageBufferRatio)
}

// conservative inflates a notional by the fee and slippage buffers, rounded
// up to a whole currency unit
func conservative(notional decimal.Decimal, p Policy) decimal.Decimal {
	return notional.Mul(bufferFactor(p)).Ceil()
}
