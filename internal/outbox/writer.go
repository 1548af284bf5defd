package outbox

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/ksred/klear-trader/internal/trading"
	"github.com/ksred/klear-trader/internal/types"
	"github.com/rs/zerolog/log"
)

// Writer persists an order and one message per pending event in a single
// unit of work
type Writer struct {
	uow        UnitOfWork
	serializer Serializer
	clock      types.Clock
}

func NewWriter(uow UnitOfWork, serializer Serializer, clock types.Clock) *Writer {
	return &Writer{
		uow:        uow,
		serializer: serializer,
		clock:      clock,
	}
}

// SaveOrder returns the ids of the messages written. On any failure the
// order keeps its pending events so the call can be retried as is.
func (w *Writer) SaveOrder(ctx context.Context, order *trading.Order) ([]string, error) {
	logger := log.With().
		Str("order_id", order.ID()).
		Str("component", "outbox_writer").
		Logger()

	now := w.clock.Now()
	pending := order.PendingEvents()
	msgs := make([]Message, 0, len(pending))
	for i, event := range pending {
		payload, err := w.serializer.Serialize(event)
		if err != nil {
			return nil, err
		}
		next := now
		msgs = append(msgs, Message{
			ID:             "MSG_" + uuid.New().String(),
			AggregateType:  trading.AggregateType,
			AggregateID:    event.AggregateID(),
			EventType:      event.EventType(),
			Payload:        payload,
			PayloadVersion: w.serializer.PayloadVersion(),
			OccurredAt:     event.OccurredAt(),
			CreatedAt:      now,
			Seq:            i,
			NextAttemptAt:  &next,
		})
	}

	drained := order.PullDomainEvents()
	err := w.uow.Do(ctx, func(tx Tx) error {
		if err := tx.SaveOrder(ctx, order); err != nil {
			return err
		}
		return tx.InsertMessages(ctx, msgs)
	})
	if err != nil {
		order.RestoreDomainEvents(drained)
		logger.Warn().Err(err).Int("events", len(drained)).Msg("order write rolled back, events restored")
		return nil, fmt.Errorf("failed to save order with outbox messages: %w", err)
	}
	order.MarkPersisted()

	ids := make([]string, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
	}
	logger.Debug().
		Int64("version", order.Version()).
		Int("messages", len(ids)).
		Msg("order saved with outbox messages")
	return ids, nil
}
