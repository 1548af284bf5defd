package cycle

import (
	"context"
	"errors"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/ksred/klear-trader/internal/outbox"
	"github.com/ksred/klear-trader/pkg/response"
)

type OutboxCounter interface {
	Counts(ctx context.Context) (outbox.Counts, error)
}

// GinHandlers contains the trading control surface
type GinHandlers struct {
	orchestrator *Orchestrator
	snapshots    *Database
	outbox       OutboxCounter
}

func NewGinHandlers(orchestrator *Orchestrator, snapshots *Database, outbox OutboxCounter) *GinHandlers {
	return &GinHandlers{
		orchestrator: orchestrator,
		snapshots:    snapshots,
		outbox:       outbox,
	}
}

type stateResponse struct {
	State RunState `json:"state"`
}

// StatusHandler handles GET requests for the run state and last cycle
func (h *GinHandlers) StatusHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		response.Success(c, h.orchestrator.Status())
	}
}

func (h *GinHandlers) StartHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		response.Success(c, stateResponse{State: h.orchestrator.Start()})
	}
}

func (h *GinHandlers) StopHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		response.Success(c, stateResponse{State: h.orchestrator.Stop()})
	}
}

// RunCycleHandler handles POST requests triggering one cycle. A failed cycle
// is reported through its outcome.
func (h *GinHandlers) RunCycleHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		res, _ := h.orchestrator.RunCycle(c.Request.Context())
		response.Success(c, res)
	}
}

func (h *GinHandlers) GetConfigHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		response.Success(c, h.orchestrator.Config())
	}
}

// UpdateConfigHandler handles PUT requests replacing the trading config.
// Fields missing from the body keep their current value.
func (h *GinHandlers) UpdateConfigHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		cfg := h.orchestrator.Config()
		if err := c.ShouldBindJSON(&cfg); err != nil {
			response.BadRequest(c, "Invalid request body")
			return
		}
		if err := h.orchestrator.UpdateConfig(cfg); err != nil {
			if errors.Is(err, ErrLockKeyChange) {
				response.Conflict(c, err.Error())
				return
			}
			response.BadRequest(c, err.Error())
			return
		}
		response.Success(c, cfg)
	}
}

type metricsResponse struct {
	Cycle  Metrics        `json:"cycle"`
	Outbox *outbox.Counts `json:"outbox,omitempty"`
}

func (h *GinHandlers) MetricsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		resp := metricsResponse{Cycle: h.orchestrator.Metrics()}
		if h.outbox != nil {
			counts, err := h.outbox.Counts(c.Request.Context())
			if err != nil {
				response.Handle(c, nil, err)
				return
			}
			resp.Outbox = &counts
		}
		response.Success(c, resp)
	}
}

// ListCyclesHandler handles GET requests listing cycle snapshots
// Query parameters: limit
func (h *GinHandlers) ListCyclesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		limit := 50
		if raw := c.Query("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 {
				response.BadRequest(c, "limit must be a positive integer")
				return
			}
			limit = n
		}
		recs, err := h.snapshots.ListSnapshots(c.Request.Context(), limit)
		response.Handle(c, recs, err)
	}
}

// GetCycleHandler handles GET requests asking whether a cycle was handled
// URL parameter: cycle_id
func (h *GinHandlers) GetCycleHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		rec, err := h.snapshots.GetSnapshot(c.Request.Context(), c.Param("cycle_id"))
		if errors.Is(err, ErrSnapshotNotFound) {
			response.NotFound(c, "Cycle not found")
			return
		}
		response.Handle(c, rec, err)
	}
}
