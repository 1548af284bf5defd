package outbox

import (
	"context"
	"errors"
	"fmt"

	"github.com/ksred/klear-trader/internal/types"
	"github.com/rs/zerolog/log"
)

var ErrNotDeadLettered = errors.New("outbox message is not dead-lettered")

// Redriver returns dead-lettered messages to the relay for another pass
type Redriver struct {
	store     Store
	clock     types.Clock
	batchSize int
}

func NewRedriver(store Store, clock types.Clock, batchSize int) *Redriver {
	if batchSize <= 0 {
		batchSize = 20
	}
	return &Redriver{store: store, clock: clock, batchSize: batchSize}
}

// RedriveBatch resets up to one batch of dead-lettered messages and returns
// how many were reset
func (r *Redriver) RedriveBatch(ctx context.Context) (int, error) {
	msgs, err := r.store.FetchDeadLettered(ctx, r.batchSize)
	if err != nil {
		return 0, err
	}
	now := r.clock.Now()
	n := 0
	for _, m := range msgs {
		ok, err := r.store.Redrive(ctx, m.ID, now)
		if err != nil {
			return n, err
		}
		if ok {
			n++
		}
	}
	if n > 0 {
		log.Info().
			Str("component", "outbox_redrive").
			Int("redriven", n).
			Msg("dead-lettered messages redriven")
	}
	return n, nil
}

// RedriveOne resets a single dead-lettered message
func (r *Redriver) RedriveOne(ctx context.Context, id string) error {
	if _, err := r.store.Get(ctx, id); err != nil {
		return err
	}
	ok, err := r.store.Redrive(ctx, id, r.clock.Now())
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotDeadLettered, id)
	}
	log.Info().Str("component", "outbox_redrive").Str("message_id", id).Msg("message redriven")
	return nil
}
