package outbox

import (
	"context"

	"github.com/ksred/klear-trader/internal/trading"
	"gorm.io/gorm"
)

// Tx is the set of writes available inside one unit of work
type Tx interface {
	SaveOrder(ctx context.Context, order *trading.Order) error
	InsertMessages(ctx context.Context, msgs []Message) error
}

// UnitOfWork runs fn atomically. If fn returns an error nothing it wrote is kept.
type UnitOfWork interface {
	Do(ctx context.Context, fn func(tx Tx) error) error
}

// GormUnitOfWork maps a unit of work onto a database transaction
type GormUnitOfWork struct {
	db *gorm.DB
}

func NewGormUnitOfWork(db *gorm.DB) *GormUnitOfWork {
	return &GormUnitOfWork{db: db}
}

func (u *GormUnitOfWork) Do(ctx context.Context, fn func(tx Tx) error) error {
	return u.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&gormTx{
			orders:   trading.NewDatabase(tx),
			messages: NewDatabase(tx),
		})
	})
}

type gormTx struct {
	orders   *trading.Database
	messages *Database
}

func (t *gormTx) SaveOrder(ctx context.Context, order *trading.Order) error {
	return t.orders.SaveOrder(ctx, order)
}

func (t *gormTx) InsertMessages(ctx context.Context, msgs []Message) error {
	return t.messages.Insert(ctx, msgs)
}
