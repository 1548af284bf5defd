package outbox

import (
	"errors"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/ksred/klear-trader/pkg/response"
)

// GinHandlers exposes outbox administration endpoints
type GinHandlers struct {
	store    Store
	redriver *Redriver
}

func NewGinHandlers(store Store, redriver *Redriver) *GinHandlers {
	return &GinHandlers{store: store, redriver: redriver}
}

// DeadLettersHandler handles GET requests listing dead-lettered messages
// Query parameters: limit
func (h *GinHandlers) DeadLettersHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		limit := 100
		if raw := c.Query("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 {
				response.BadRequest(c, "limit must be a positive integer")
				return
			}
			limit = n
		}
		msgs, err := h.store.FetchDeadLettered(c.Request.Context(), limit)
		response.Handle(c, msgs, err)
	}
}

type redriveRequest struct {
	MessageID string `json:"message_id"`
}

// RedriveHandler handles POST requests redriving dead-lettered messages.
// With a message_id only that message is redriven, otherwise one batch.
func (h *GinHandlers) RedriveHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req redriveRequest
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				response.BadRequest(c, "Invalid request body")
				return
			}
		}

		if req.MessageID != "" {
			err := h.redriver.RedriveOne(c.Request.Context(), req.MessageID)
			switch {
			case errors.Is(err, ErrMessageNotFound):
				response.NotFound(c, "Message not found")
			case errors.Is(err, ErrNotDeadLettered):
				response.Conflict(c, err.Error())
			default:
				response.Handle(c, gin.H{"redriven": 1}, err)
			}
			return
		}

		n, err := h.redriver.RedriveBatch(c.Request.Context())
		response.Handle(c, gin.H{"redriven": n}, err)
	}
}

// OrderMessagesHandler handles GET requests listing the messages of one order
// URL parameter: order_id
func (h *GinHandlers) OrderMessagesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		msgs, err := h.store.ListByAggregate(c.Request.Context(), c.Param("order_id"))
		response.Handle(c, msgs, err)
	}
}

// CountsHandler handles GET requests for message counts by state
func (h *GinHandlers) CountsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		counts, err := h.store.Counts(c.Request.Context())
		response.Handle(c, counts, err)
	}
}
