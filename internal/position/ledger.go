package position

import (
	"context"
	"errors"
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/ksred/klear-trader/pkg/response"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

const maxApplyAttempts = 3

// Ledger books fills onto positions under optimistic concurrency
type Ledger struct {
	gormDB *gorm.DB
	db     *Database
}

func NewLedger(gormDB *gorm.DB) *Ledger {
	return &Ledger{gormDB: gormDB, db: NewDatabase(gormDB)}
}

func (l *Ledger) Get(ctx context.Context, market string) (Position, error) {
	return l.db.Get(ctx, market)
}

func (l *Ledger) List(ctx context.Context) ([]Position, error) {
	return l.db.List(ctx)
}

// ApplyFill books a fill once per trade id. A version conflict is retried
// with a fresh read up to maxApplyAttempts times.
func (l *Ledger) ApplyFill(ctx context.Context, fill Fill) (Position, error) {
	logger := log.With().
		Str("market", fill.Market).
		Str("trade_id", fill.TradeID).
		Str("component", "position_ledger").
		Logger()

	var (
		result Position
		err    error
	)
	for attempt := 1; attempt <= maxApplyAttempts; attempt++ {
		err = l.gormDB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			repo := NewDatabase(tx)
			if fill.TradeID != "" {
				fresh, err := repo.MarkApplied(ctx, AppliedFill{TradeID: fill.TradeID, Market: fill.Market, AppliedAt: fill.At})
				if err != nil {
					return err
				}
				if !fresh {
					logger.Debug().Msg("fill already applied")
					result, err = repo.Get(ctx, fill.Market)
					return err
				}
			}

			current, err := repo.Get(ctx, fill.Market)
			if err != nil {
				return err
			}
			next, err := current.Apply(fill)
			if err != nil {
				return err
			}
			result, err = repo.Save(ctx, next, current.Version)
			return err
		})
		if err == nil {
			logger.Debug().
				Stringer("quantity", result.Quantity).
				Stringer("average_price", result.AveragePrice).
				Int64("version", result.Version).
				Msg("fill applied to position")
			return result, nil
		}
		if !errors.Is(err, ErrVersionConflict) {
			return Position{}, err
		}
		logger.Warn().Int("attempt", attempt).Msg("position version conflict, retrying")
	}
	return Position{}, fmt.Errorf("failed to apply fill after %d attempts: %w", maxApplyAttempts, err)
}

// GinHandlers exposes position queries
type GinHandlers struct {
	ledger *Ledger
}

func NewGinHandlers(ledger *Ledger) *GinHandlers {
	return &GinHandlers{ledger: ledger}
}

// ListPositionsHandler handles GET requests listing all positions
func (h *GinHandlers) ListPositionsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		positions, err := h.ledger.List(c.Request.Context())
		response.Handle(c, positions, err)
	}
}

// GetPositionHandler handles GET requests for one market
// URL parameter: market
func (h *GinHandlers) GetPositionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		p, err := h.ledger.Get(c.Request.Context(), c.Param("market"))
		response.Handle(c, p, err)
	}
}
