package idempotency

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

func Models() []interface{} {
	return []interface{}{&Record{}}
}

// DeleteExpired removes every record whose expiry is at or before now
func (d *Database) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	result := d.db.WithContext(ctx).Where("expires_at <= ?", now).Delete(&Record{})
	return result.RowsAffected, result.Error
}

// InsertIfAbsent claims the key and reports whether this call won
func (d *Database) InsertIfAbsent(ctx context.Context, rec *Record) (bool, error) {
	result := d.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(rec)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (d *Database) Get(ctx context.Context, key string) (*Record, bool, error) {
	var rec Record
	if err := d.db.WithContext(ctx).Where("idempotency_key = ?", key).First(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return &rec, true, nil
}

// AttachResult stores the snapshot on an unfinished claim owned by hash
func (d *Database) AttachResult(ctx context.Context, key, hash, snapshot string) (bool, error) {
	result := d.db.WithContext(ctx).Model(&Record{}).
		Where("idempotency_key = ? AND request_hash = ? AND result_snapshot IS NULL", key, hash).
		Update("result_snapshot", snapshot)
	return result.RowsAffected == 1, result.Error
}

// DeleteUnfinished removes a claim only if it is unfinished and owned by hash
func (d *Database) DeleteUnfinished(ctx context.Context, key, hash string) (bool, error) {
	result := d.db.WithContext(ctx).
		Where("idempotency_key = ? AND request_hash = ? AND result_snapshot IS NULL", key, hash).
		Delete(&Record{})
	return result.RowsAffected == 1, result.Error
}
