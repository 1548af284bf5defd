package trading

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ksred/klear-trader/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// repoSaver persists straight to the order table and reports the events it drained
type repoSaver struct {
	db     *Database
	events []string
}

func (s *repoSaver) SaveOrder(ctx context.Context, o *Order) ([]string, error) {
	drained := o.PullDomainEvents()
	if err := s.db.SaveOrder(ctx, o); err != nil {
		o.RestoreDomainEvents(drained)
		return nil, err
	}
	o.MarkPersisted()
	for _, e := range drained {
		s.events = append(s.events, e.EventType())
	}
	return nil, nil
}

type fakeCanceller struct {
	calls []string
	err   error
}

func (c *fakeCanceller) CancelOrder(_ context.Context, exchangeOrderID string) error {
	c.calls = append(c.calls, exchangeOrderID)
	return c.err
}

func newTestService(t *testing.T) (*Service, *repoSaver, *fakeCanceller) {
	t.Helper()
	db := setupTestDB(t)
	saver := &repoSaver{db: NewDatabase(db)}
	canceller := &fakeCanceller{}
	return NewService(db, saver, canceller, types.ClockFunc(func() time.Time { return t0 })), saver, canceller
}

func TestCancelWorkingOrderGoesThroughExchange(t *testing.T) {
	ctx := context.Background()
	svc, saver, canceller := newTestService(t)

	o := newTestOrder(t, "0.01")
	require.NoError(t, o.AcceptByExchange("EX-1", t0))
	_, err := saver.SaveOrder(ctx, o)
	require.NoError(t, err)

	canceled, err := svc.CancelOrder(ctx, o.ID())
	require.NoError(t, err)
	assert.Equal(t, StatusCanceled, canceled.Status())
	assert.Equal(t, []string{"EX-1"}, canceller.calls)
	assert.Contains(t, saver.events, EventOrderCanceled)

	_, err = svc.CancelOrder(ctx, o.ID())
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestCancelNewOrderSkipsExchange(t *testing.T) {
	ctx := context.Background()
	svc, saver, canceller := newTestService(t)

	o := newTestOrder(t, "0.01")
	_, err := saver.SaveOrder(ctx, o)
	require.NoError(t, err)

	canceled, err := svc.CancelOrder(ctx, o.ID())
	require.NoError(t, err)
	assert.Equal(t, StatusCanceled, canceled.Status())
	assert.Empty(t, canceller.calls)
}

func TestCancelLeavesCancelRequestedWhenExchangeFails(t *testing.T) {
	ctx := context.Background()
	svc, saver, canceller := newTestService(t)
	canceller.err = errors.New("venue down")

	o := newTestOrder(t, "0.01")
	require.NoError(t, o.AcceptByExchange("EX-2", t0))
	_, err := saver.SaveOrder(ctx, o)
	require.NoError(t, err)

	_, err = svc.CancelOrder(ctx, o.ID())
	require.Error(t, err)

	stored, err := svc.GetOrder(ctx, o.ID())
	require.NoError(t, err)
	assert.Equal(t, StatusCancelRequested, stored.Status())

	// a retry resumes from CANCEL_REQUESTED
	canceller.err = nil
	canceled, err := svc.CancelOrder(ctx, o.ID())
	require.NoError(t, err)
	assert.Equal(t, StatusCanceled, canceled.Status())
	assert.Equal(t, []string{"EX-2", "EX-2"}, canceller.calls)
}

func TestOrderHandlers(t *testing.T) {
	gin.SetMode(gin.TestMode)
	ctx := context.Background()
	svc, saver, _ := newTestService(t)

	o := newTestOrder(t, "0.01")
	_, err := saver.SaveOrder(ctx, o)
	require.NoError(t, err)

	h := NewGinHandlers(svc)
	r := gin.New()
	r.GET("/orders", h.ListOrdersHandler())
	r.GET("/orders/:order_id", h.GetOrderHandler())
	r.POST("/orders/:order_id/cancel", h.CancelOrderHandler())

	serve := func(method, path string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(method, path, nil))
		return w
	}

	w := serve(http.MethodGet, "/orders?market=KRW-BTC")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), o.ID())

	assert.Equal(t, http.StatusBadRequest, serve(http.MethodGet, "/orders?limit=abc").Code)
	assert.Equal(t, http.StatusOK, serve(http.MethodGet, "/orders/"+o.ID()).Code)
	assert.Equal(t, http.StatusNotFound, serve(http.MethodGet, "/orders/ORD_missing").Code)

	assert.Equal(t, http.StatusCreated, serve(http.MethodPost, "/orders/"+o.ID()+"/cancel").Code)
	assert.Equal(t, http.StatusConflict, serve(http.MethodPost, "/orders/"+o.ID()+"/cancel").Code)
}
