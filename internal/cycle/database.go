package cycle

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrSnapshotNotFound = errors.New("cycle snapshot not found")

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

func Models() []interface{} {
	return []interface{}{&SnapshotRecord{}}
}

// InsertSnapshot writes rec unless the cycle already has a snapshot. It
// reports whether this call stored it.
func (d *Database) InsertSnapshot(ctx context.Context, rec *SnapshotRecord) (bool, error) {
	result := d.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(rec)
	if result.Error != nil {
		return false, fmt.Errorf("failed to insert cycle snapshot: %w", result.Error)
	}
	return result.RowsAffected == 1, nil
}

func (d *Database) GetSnapshot(ctx context.Context, cycleID string) (*SnapshotRecord, error) {
	var rec SnapshotRecord
	if err := d.db.WithContext(ctx).Where("cycle_id = ?", cycleID).First(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSnapshotNotFound
		}
		return nil, err
	}
	return &rec, nil
}

// ListSnapshots returns the newest snapshots first
func (d *Database) ListSnapshots(ctx context.Context, limit int) ([]SnapshotRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	var recs []SnapshotRecord
	if err := d.db.WithContext(ctx).Order("created_at DESC").Limit(limit).Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("failed to list cycle snapshots: %w", err)
	}
	return recs, nil
}
