package trading

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrOrderNotFound   = errors.New("order not found")
	ErrVersionConflict = errors.New("order version conflict")
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// Models lists the tables owned by this package
func Models() []interface{} {
	return []interface{}{&OrderRecord{}, &TradeRecord{}}
}

// SaveOrder inserts a new order or updates a stored one under optimistic locking.
// The update only applies when the stored version equals the version the order was loaded at.
func (d *Database) SaveOrder(ctx context.Context, order *Order) error {
	snap := order.Snapshot()
	rec := toRecord(snap)
	db := d.db.WithContext(ctx)

	if order.IsNew() {
		if err := db.Create(&rec).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return fmt.Errorf("%w: order %s already exists", ErrVersionConflict, rec.OrderID)
			}
			return fmt.Errorf("failed to insert order: %w", err)
		}
	} else {
		result := db.Model(&OrderRecord{}).
			Where("order_id = ? AND version = ?", rec.OrderID, order.PersistedVersion()).
			Updates(map[string]interface{}{
				"exchange_order_id": rec.ExchangeOrderID,
				"status":            rec.Status,
				"executed_quantity": rec.ExecutedQuantity,
				"executed_notional": rec.ExecutedNotional,
				"version":           rec.Version,
				"updated_at":        rec.UpdatedAt,
			})
		if result.Error != nil {
			return fmt.Errorf("failed to update order: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("%w: order %s expected version %d", ErrVersionConflict, rec.OrderID, order.PersistedVersion())
		}
	}

	if len(snap.Trades) == 0 {
		return nil
	}
	trades := make([]TradeRecord, 0, len(snap.Trades))
	for _, t := range snap.Trades {
		trades = append(trades, TradeRecord{
			TradeID:    t.ID,
			OrderID:    rec.OrderID,
			Price:      t.Price,
			Quantity:   t.Quantity,
			ExecutedAt: t.ExecutedAt,
		})
	}
	if err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&trades).Error; err != nil {
		return fmt.Errorf("failed to insert order trades: %w", err)
	}
	return nil
}

func (d *Database) GetOrder(ctx context.Context, orderID string) (*Order, error) {
	var rec OrderRecord
	if err := d.db.WithContext(ctx).Where("order_id = ?", orderID).First(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}
	var trades []TradeRecord
	if err := d.db.WithContext(ctx).Where("order_id = ?", orderID).Order("executed_at ASC").Find(&trades).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch order trades: %w", err)
	}
	return fromRecord(rec, trades), nil
}

// ListFilter narrows ListOrders. Zero values match everything.
type ListFilter struct {
	Market   string
	Statuses []Status
	Limit    int
}

// ListOrders returns orders newest first, without their trades
func (d *Database) ListOrders(ctx context.Context, filter ListFilter) ([]*Order, error) {
	q := d.db.WithContext(ctx).Model(&OrderRecord{})
	if filter.Market != "" {
		q = q.Where("market = ?", filter.Market)
	}
	if len(filter.Statuses) > 0 {
		q = q.Where("status IN ?", filter.Statuses)
	}
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	var recs []OrderRecord
	if err := q.Order("created_at DESC").Limit(limit).Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}
	orders := make([]*Order, 0, len(recs))
	for _, r := range recs {
		orders = append(orders, fromRecord(r, nil))
	}
	return orders, nil
}

// ActiveOrders returns every order still working on the exchange for a market
func (d *Database) ActiveOrders(ctx context.Context, market string) ([]*Order, error) {
	return d.ListOrders(ctx, ListFilter{
		Market:   market,
		Statuses: []Status{StatusNew, StatusOpen, StatusPartialFilled, StatusCancelRequested},
		Limit:    500,
	})
}

// LastOrderTime returns the creation time of the newest order for a market and strategy
func (d *Database) LastOrderTime(ctx context.Context, market, strategyTag string) (time.Time, bool, error) {
	var rec OrderRecord
	err := d.db.WithContext(ctx).
		Where("market = ? AND strategy_tag = ?", market, strategyTag).
		Order("created_at DESC").
		First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, err
	}
	return rec.CreatedAt, true, nil
}
