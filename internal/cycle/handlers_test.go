package cycle

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
}

func controlRouter(h *harness) *gin.Engine {
	gin.SetMode(gin.TestMode)
	handlers := NewGinHandlers(h.orch, h.snapshots, h.store)
	r := gin.New()
	r.GET("/status", handlers.StatusHandler())
	r.POST("/start", handlers.StartHandler())
	r.POST("/stop", handlers.StopHandler())
	r.POST("/cycles/run", handlers.RunCycleHandler())
	r.GET("/cycles", handlers.ListCyclesHandler())
	r.GET("/cycles/:cycle_id", handlers.GetCycleHandler())
	r.GET("/config", handlers.GetConfigHandler())
	r.PUT("/config", handlers.UpdateConfigHandler())
	r.GET("/metrics", handlers.MetricsHandler())
	return r
}

func serve(t *testing.T, r *gin.Engine, method, path, body string, out interface{}) int {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if out != nil && w.Code < 300 {
		var env envelope
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
		require.True(t, env.Success)
		require.NoError(t, json.Unmarshal(env.Data, out))
	}
	return w.Code
}

func TestControlSurface(t *testing.T) {
	h := newHarness(t, testConfig())
	r := controlRouter(h)

	var state stateResponse
	assert.Equal(t, http.StatusCreated, serve(t, r, http.MethodPost, "/start", "", &state))
	assert.Equal(t, StateRunning, state.State)

	var res Result
	assert.Equal(t, http.StatusCreated, serve(t, r, http.MethodPost, "/cycles/run", "", &res))
	assert.Equal(t, OutcomeOrderPlaced, res.Outcome)

	var status Status
	assert.Equal(t, http.StatusOK, serve(t, r, http.MethodGet, "/status", "", &status))
	assert.Equal(t, StateRunning, status.State)
	require.NotNil(t, status.LastResult)
	assert.Equal(t, res.CycleID, status.LastResult.CycleID)

	var rec SnapshotRecord
	assert.Equal(t, http.StatusOK, serve(t, r, http.MethodGet, "/cycles/"+res.CycleID, "", &rec))
	assert.Equal(t, res.OrderID, rec.OrderID)
	assert.Equal(t, http.StatusNotFound, serve(t, r, http.MethodGet, "/cycles/nope", "", nil))

	var recs []SnapshotRecord
	assert.Equal(t, http.StatusOK, serve(t, r, http.MethodGet, "/cycles?limit=10", "", &recs))
	assert.Len(t, recs, 1)
	assert.Equal(t, http.StatusBadRequest, serve(t, r, http.MethodGet, "/cycles?limit=x", "", nil))

	var metrics metricsResponse
	assert.Equal(t, http.StatusOK, serve(t, r, http.MethodGet, "/metrics", "", &metrics))
	assert.Equal(t, int64(1), metrics.Cycle.CyclesTotal)
	require.NotNil(t, metrics.Outbox)
	assert.Equal(t, int64(1), metrics.Outbox.Pending)

	assert.Equal(t, http.StatusCreated, serve(t, r, http.MethodPost, "/stop", "", &state))
	assert.Equal(t, StateStopped, state.State)
}

func TestUpdateConfigHandler(t *testing.T) {
	h := newHarness(t, testConfig())
	r := controlRouter(h)

	var cfg Config
	assert.Equal(t, http.StatusOK, serve(t, r, http.MethodPut, "/config", `{"target_notional":"50000"}`, &cfg))
	assert.Equal(t, "50000", cfg.TargetNotional.String())
	// untouched fields keep their value
	assert.Equal(t, testConfig().Market, cfg.Market)
	assert.Equal(t, "50000", h.orch.Config().TargetNotional.String())

	assert.Equal(t, http.StatusBadRequest, serve(t, r, http.MethodPut, "/config", `{"candle_count":0}`, nil))

	h.orch.Start()
	assert.Equal(t, http.StatusConflict, serve(t, r, http.MethodPut, "/config", `{"market":"KRW-ETH"}`, nil))
	assert.Equal(t, testConfig().Market, h.orch.Config().Market)
	h.orch.Stop()

	assert.Equal(t, http.StatusBadRequest, serve(t, r, http.MethodPut, "/config", `{`, nil))
	assert.Equal(t, "50000", h.orch.Config().TargetNotional.String())
}
