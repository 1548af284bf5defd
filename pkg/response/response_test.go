package response

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"gorm.io/gorm"
)

type badValue struct{}

func (badValue) Error() string      { return "invalid quantity: must be positive" }
func (badValue) InvalidInput() bool { return true }

func handle(method string, data interface{}, err error) *httptest.ResponseRecorder {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(method, "/", nil)
	Handle(c, data, err)
	return w
}

func TestHandleMapsErrors(t *testing.T) {
	assert.Equal(t, http.StatusOK, handle(http.MethodGet, "ok", nil).Code)
	assert.Equal(t, http.StatusCreated, handle(http.MethodPost, "ok", nil).Code)
	assert.Equal(t, http.StatusNotFound, handle(http.MethodGet, nil, fmt.Errorf("load: %w", gorm.ErrRecordNotFound)).Code)
	assert.Equal(t, http.StatusConflict, handle(http.MethodGet, nil, gorm.ErrDuplicatedKey).Code)

	w := handle(http.MethodGet, nil, fmt.Errorf("create order: %w", badValue{}))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), ErrCodeValidationFailed)

	w = handle(http.MethodGet, nil, errors.New("db is on fire"))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "fire")
}
