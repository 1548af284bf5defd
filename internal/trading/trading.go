package trading

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/ksred/klear-trader/internal/types"
	"github.com/ksred/klear-trader/pkg/response"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// OrderSaver persists an order together with its pending events
type OrderSaver interface {
	SaveOrder(ctx context.Context, order *Order) ([]string, error)
}

// Canceller cancels a working order on the exchange
type Canceller interface {
	CancelOrder(ctx context.Context, exchangeOrderID string) error
}

// Service handles order queries and operator cancellations
type Service struct {
	db        *Database
	saver     OrderSaver
	canceller Canceller
	clock     types.Clock
}

// NewService creates a new trading service with the given database connection
func NewService(gormDB *gorm.DB, saver OrderSaver, canceller Canceller, clock types.Clock) *Service {
	return &Service{
		db:        NewDatabase(gormDB),
		saver:     saver,
		canceller: canceller,
		clock:     clock,
	}
}

func (s *Service) GetOrder(ctx context.Context, orderID string) (*Order, error) {
	return s.db.GetOrder(ctx, orderID)
}

func (s *Service) ListOrders(ctx context.Context, filter ListFilter) ([]*Order, error) {
	return s.db.ListOrders(ctx, filter)
}

// CancelOrder requests cancellation, cancels on the exchange when the order
// already lives there, then terminates it. Each step is persisted through the outbox.
func (s *Service) CancelOrder(ctx context.Context, orderID string) (*Order, error) {
	logger := log.With().
		Str("order_id", orderID).
		Str("service", "trading").
		Logger()

	order, err := s.db.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}

	if order.ExchangeOrderID() != "" && order.Status() != StatusCancelRequested {
		if err := order.RequestCancel(s.clock.Now()); err != nil {
			return nil, err
		}
		if _, err := s.saver.SaveOrder(ctx, order); err != nil {
			return nil, fmt.Errorf("failed to persist cancel request: %w", err)
		}
	}

	if order.ExchangeOrderID() != "" {
		if err := s.canceller.CancelOrder(ctx, order.ExchangeOrderID()); err != nil {
			logger.Error().Err(err).Msg("exchange cancel failed, order left in CANCEL_REQUESTED")
			return nil, fmt.Errorf("failed to cancel on exchange: %w", err)
		}
	}

	if err := order.Cancel(s.clock.Now()); err != nil {
		return nil, err
	}
	if _, err := s.saver.SaveOrder(ctx, order); err != nil {
		return nil, fmt.Errorf("failed to persist cancellation: %w", err)
	}

	logger.Info().Str("status", string(order.Status())).Msg("order canceled")
	return order, nil
}

// GinHandlers contains HTTP handlers for order endpoints
type GinHandlers struct {
	service *Service
}

// NewGinHandlers creates a new set of HTTP handlers for order endpoints
func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// ListOrdersHandler handles GET requests listing orders
// Query parameters: market, status (comma separated), limit
func (h *GinHandlers) ListOrdersHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		filter := ListFilter{Market: c.Query("market")}
		if raw := c.Query("status"); raw != "" {
			for _, st := range strings.Split(raw, ",") {
				filter.Statuses = append(filter.Statuses, Status(strings.ToUpper(strings.TrimSpace(st))))
			}
		}
		if raw := c.Query("limit"); raw != "" {
			limit, err := strconv.Atoi(raw)
			if err != nil {
				response.BadRequest(c, "limit must be an integer")
				return
			}
			filter.Limit = limit
		}

		orders, err := h.service.ListOrders(c.Request.Context(), filter)
		if err != nil {
			response.Handle(c, nil, err)
			return
		}
		views := make([]OrderView, 0, len(orders))
		for _, o := range orders {
			views = append(views, NewOrderView(o))
		}
		response.Success(c, views)
	}
}

// GetOrderHandler handles GET requests for a single order
// URL parameter: order_id
func (h *GinHandlers) GetOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		order, err := h.service.GetOrder(c.Request.Context(), c.Param("order_id"))
		if err != nil {
			if errors.Is(err, ErrOrderNotFound) {
				response.NotFound(c, "Order not found")
				return
			}
			response.Handle(c, nil, err)
			return
		}
		response.Success(c, NewOrderView(order))
	}
}

// CancelOrderHandler handles POST requests cancelling an order
// URL parameter: order_id
func (h *GinHandlers) CancelOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		order, err := h.service.CancelOrder(c.Request.Context(), c.Param("order_id"))
		if err != nil {
			switch {
			case errors.Is(err, ErrOrderNotFound):
				response.NotFound(c, "Order not found")
			case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrVersionConflict):
				response.Conflict(c, err.Error())
			default:
				response.Handle(c, nil, err)
			}
			return
		}
		response.Success(c, NewOrderView(order))
	}
}
