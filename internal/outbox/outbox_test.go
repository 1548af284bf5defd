package outbox

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ksred/klear-trader/internal/trading"
	"github.com/ksred/klear-trader/internal/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var t0 = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: t0}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func setupTestDB(t *testing.T, models ...interface{}) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "outbox.db")), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(models...))
	return db
}

func allModels() []interface{} {
	return append(trading.Models(), Models()...)
}

func newOrder(t *testing.T) *trading.Order {
	t.Helper()
	o, err := trading.Create(trading.NewOrderParams{
		Market:         "KRW-BTC",
		Side:           types.SideBuy,
		Type:           types.OrderTypeLimit,
		Quantity:       decimal.RequireFromString("0.002"),
		Price:          decimal.RequireFromString("50000000"),
		StrategyTag:    "ma-cross",
		IdempotencyKey: "key-1",
		CreatedAt:      t0,
	})
	require.NoError(t, err)
	return o
}

func pendingMessage(id string, created time.Time) Message {
	next := created
	return Message{
		ID:             id,
		AggregateType:  trading.AggregateType,
		AggregateID:    "ORD_1",
		EventType:      trading.EventOrderCreated,
		Payload:        `{}`,
		PayloadVersion: 1,
		OccurredAt:     created,
		CreatedAt:      created,
		NextAttemptAt:  &next,
	}
}

// failingUnitOfWork runs the writes against the wrapped unit and then fails,
// so nothing is committed
type failingUnitOfWork struct {
	inner UnitOfWork
	err   error
}

func (u failingUnitOfWork) Do(ctx context.Context, fn func(tx Tx) error) error {
	return u.inner.Do(ctx, func(tx Tx) error {
		if err := fn(tx); err != nil {
			return err
		}
		return u.err
	})
}

type failingSerializer struct{}

func (failingSerializer) Serialize(trading.DomainEvent) (string, error) {
	return "", errors.New("boom")
}

func (failingSerializer) PayloadVersion() int { return 1 }
