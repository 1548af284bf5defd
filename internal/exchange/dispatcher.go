package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ksred/klear-trader/internal/outbox"
	"github.com/ksred/klear-trader/internal/position"
	"github.com/ksred/klear-trader/internal/trading"
	"github.com/ksred/klear-trader/internal/types"
	"github.com/rs/zerolog/log"
)

type OrderStore interface {
	GetOrder(ctx context.Context, orderID string) (*trading.Order, error)
}

// Venue places orders. PaperExchange is the only implementation.
type Venue interface {
	PlaceOrder(ctx context.Context, req PlaceRequest) (Placement, error)
}

type FillBooker interface {
	ApplyFill(ctx context.Context, fill position.Fill) (position.Position, error)
}

// Dispatcher is the outbox publisher that drives orders through the venue
// and books their fills on the position ledger
type Dispatcher struct {
	orders OrderStore
	saver  trading.OrderSaver
	venue  Venue
	ledger FillBooker
	clock  types.Clock
}

func NewDispatcher(orders OrderStore, saver trading.OrderSaver, venue Venue, ledger FillBooker, clock types.Clock) *Dispatcher {
	return &Dispatcher{
		orders: orders,
		saver:  saver,
		venue:  venue,
		ledger: ledger,
		clock:  clock,
	}
}

// Publish handles one relayed message. Events it does not act on are
// acknowledged.
func (d *Dispatcher) Publish(ctx context.Context, msg outbox.Message) error {
	switch msg.EventType {
	case trading.EventOrderCreated:
		return d.place(ctx, msg)
	case trading.EventOrderPartiallyFilled, trading.EventOrderFilled:
		return d.book(ctx, msg)
	default:
		return nil
	}
}

func (d *Dispatcher) place(ctx context.Context, msg outbox.Message) error {
	logger := log.With().
		Str("message_id", msg.ID).
		Str("order_id", msg.AggregateID).
		Str("component", "dispatcher").
		Logger()

	order, err := d.orders.GetOrder(ctx, msg.AggregateID)
	if err != nil {
		return fmt.Errorf("failed to load order: %w", err)
	}
	if order.Status() != trading.StatusNew {
		logger.Debug().Str("status", string(order.Status())).Msg("order already dispatched")
		return nil
	}

	placement, err := d.venue.PlaceOrder(ctx, PlaceRequest{
		ClientOrderID: order.ID(),
		Market:        order.Market(),
		Side:          order.Side(),
		Type:          order.Type(),
		Quantity:      order.Quantity(),
		Price:         order.Price(),
	})
	if errors.Is(err, ErrRejected) {
		if rerr := order.Reject(err.Error(), d.clock.Now()); rerr != nil {
			return rerr
		}
		if _, err := d.saver.SaveOrder(ctx, order); err != nil {
			return fmt.Errorf("failed to persist rejection: %w", err)
		}
		logger.Warn().Msg("order rejected by exchange")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to place order: %w", err)
	}

	if err := order.AcceptByExchange(placement.ExchangeOrderID, d.clock.Now()); err != nil {
		return err
	}
	for _, f := range placement.Fills {
		trade, err := trading.NewExecutionTrade(f.ID, f.Price, f.Quantity, f.ExecutedAt)
		if err != nil {
			return fmt.Errorf("exchange returned an invalid fill: %w", err)
		}
		if err := order.Execute(trade); err != nil {
			return fmt.Errorf("failed to apply fill %s: %w", f.ID, err)
		}
	}
	if _, err := d.saver.SaveOrder(ctx, order); err != nil {
		return fmt.Errorf("failed to persist placed order: %w", err)
	}

	logger.Info().
		Str("exchange_order_id", placement.ExchangeOrderID).
		Str("status", string(order.Status())).
		Stringer("executed_quantity", order.ExecutedQuantity()).
		Msg("order dispatched")
	return nil
}

func (d *Dispatcher) book(ctx context.Context, msg outbox.Message) error {
	var fill trading.OrderFill
	if err := json.Unmarshal([]byte(msg.Payload), &fill); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", msg.EventType, err)
	}
	pos, err := d.ledger.ApplyFill(ctx, position.Fill{
		TradeID:  fill.TradeID,
		Market:   fill.Market,
		Side:     fill.Side,
		Price:    fill.Price,
		Quantity: fill.Quantity,
		At:       fill.At,
	})
	if err != nil {
		return err
	}
	log.Debug().
		Str("message_id", msg.ID).
		Str("trade_id", fill.TradeID).
		Str("market", pos.Market).
		Stringer("quantity", pos.Quantity).
		Msg("fill booked")
	return nil
}
