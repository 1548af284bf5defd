package position

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrVersionConflict = errors.New("position version conflict")

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

func Models() []interface{} {
	return []interface{}{&Record{}, &AppliedFill{}}
}

// Get returns the stored position or a flat one at version 0
func (d *Database) Get(ctx context.Context, market string) (Position, error) {
	var rec Record
	if err := d.db.WithContext(ctx).Where("market = ?", market).First(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Flat(market), nil
		}
		return Position{}, err
	}
	return fromRecord(rec), nil
}

func (d *Database) List(ctx context.Context) ([]Position, error) {
	var recs []Record
	if err := d.db.WithContext(ctx).Order("market ASC").Find(&recs).Error; err != nil {
		return nil, err
	}
	out := make([]Position, 0, len(recs))
	for _, r := range recs {
		out = append(out, fromRecord(r))
	}
	return out, nil
}

// Save writes p when the stored version equals expectedVersion and returns
// the position at its new version. Version 0 means the market was never stored.
func (d *Database) Save(ctx context.Context, p Position, expectedVersion int64) (Position, error) {
	p.Version = expectedVersion + 1
	rec := toRecord(p)
	db := d.db.WithContext(ctx)

	if expectedVersion == 0 {
		result := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&rec)
		if result.Error != nil {
			return Position{}, fmt.Errorf("failed to insert position: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return Position{}, fmt.Errorf("%w: %s already exists", ErrVersionConflict, p.Market)
		}
		return p, nil
	}

	result := db.Model(&Record{}).
		Where("market = ? AND version = ?", p.Market, expectedVersion).
		Updates(map[string]interface{}{
			"quantity":           rec.Quantity,
			"average_price":      rec.AveragePrice,
			"realized_pnl":       rec.RealizedPnL,
			"daily_realized_pnl": rec.DailyRealizedPnL,
			"trading_day":        rec.TradingDay,
			"version":            rec.Version,
			"updated_at":         rec.UpdatedAt,
		})
	if result.Error != nil {
		return Position{}, fmt.Errorf("failed to update position: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return Position{}, fmt.Errorf("%w: %s expected version %d", ErrVersionConflict, p.Market, expectedVersion)
	}
	return p, nil
}

// MarkApplied records the trade and reports false if it was already booked
func (d *Database) MarkApplied(ctx context.Context, fill AppliedFill) (bool, error) {
	result := d.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&fill)
	if result.Error != nil {
		return false, fmt.Errorf("failed to record applied fill: %w", result.Error)
	}
	return result.RowsAffected == 1, nil
}
