package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

var ErrMessageNotFound = errors.New("outbox message not found")

// Store is the message repository used by the relay, redrive and admin paths
type Store interface {
	Insert(ctx context.Context, msgs []Message) error
	Get(ctx context.Context, id string) (*Message, error)
	FetchDue(ctx context.Context, now time.Time, limit int) ([]Message, error)
	MarkPublished(ctx context.Context, id string, at time.Time) (bool, error)
	MarkFailed(ctx context.Context, id string, attempts int, lastErr string, next time.Time) error
	MarkDeadLettered(ctx context.Context, id string, attempts int, lastErr string, at time.Time) error
	FetchDeadLettered(ctx context.Context, limit int) ([]Message, error)
	Redrive(ctx context.Context, id string, now time.Time) (bool, error)
	ListByAggregate(ctx context.Context, aggregateID string) ([]Message, error)
	Counts(ctx context.Context) (Counts, error)
}

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

func Models() []interface{} {
	return []interface{}{&Message{}}
}

func (d *Database) Insert(ctx context.Context, msgs []Message) error {
	if len(msgs) == 0 {
		return nil
	}
	if err := d.db.WithContext(ctx).Create(&msgs).Error; err != nil {
		return fmt.Errorf("failed to insert outbox messages: %w", err)
	}
	return nil
}

func (d *Database) Get(ctx context.Context, id string) (*Message, error) {
	var msg Message
	if err := d.db.WithContext(ctx).Where("id = ?", id).First(&msg).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrMessageNotFound
		}
		return nil, err
	}
	return &msg, nil
}

// FetchDue returns pending messages whose next attempt is due, oldest first
func (d *Database) FetchDue(ctx context.Context, now time.Time, limit int) ([]Message, error) {
	var msgs []Message
	err := d.db.WithContext(ctx).
		Where("published_at IS NULL AND dead_lettered_at IS NULL").
		Where("next_attempt_at IS NULL OR next_attempt_at <= ?", now).
		Order("created_at ASC, seq ASC").
		Limit(limit).
		Find(&msgs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to fetch due outbox messages: %w", err)
	}
	return msgs, nil
}

// MarkPublished sets published_at once. A message already published or
// dead-lettered is left untouched and false is returned.
func (d *Database) MarkPublished(ctx context.Context, id string, at time.Time) (bool, error) {
	result := d.db.WithContext(ctx).Model(&Message{}).
		Where("id = ? AND published_at IS NULL AND dead_lettered_at IS NULL", id).
		Updates(map[string]interface{}{
			"published_at":    at,
			"next_attempt_at": nil,
		})
	if result.Error != nil {
		return false, fmt.Errorf("failed to mark outbox message published: %w", result.Error)
	}
	return result.RowsAffected == 1, nil
}

func (d *Database) MarkFailed(ctx context.Context, id string, attempts int, lastErr string, next time.Time) error {
	result := d.db.WithContext(ctx).Model(&Message{}).
		Where("id = ? AND published_at IS NULL AND dead_lettered_at IS NULL", id).
		Updates(map[string]interface{}{
			"attempts":        attempts,
			"last_error":      lastErr,
			"next_attempt_at": next,
		})
	if result.Error != nil {
		return fmt.Errorf("failed to record outbox failure: %w", result.Error)
	}
	return nil
}

func (d *Database) MarkDeadLettered(ctx context.Context, id string, attempts int, lastErr string, at time.Time) error {
	result := d.db.WithContext(ctx).Model(&Message{}).
		Where("id = ? AND published_at IS NULL AND dead_lettered_at IS NULL", id).
		Updates(map[string]interface{}{
			"attempts":         attempts,
			"last_error":       lastErr,
			"next_attempt_at":  nil,
			"dead_lettered_at": at,
		})
	if result.Error != nil {
		return fmt.Errorf("failed to dead-letter outbox message: %w", result.Error)
	}
	return nil
}

func (d *Database) FetchDeadLettered(ctx context.Context, limit int) ([]Message, error) {
	var msgs []Message
	err := d.db.WithContext(ctx).
		Where("dead_lettered_at IS NOT NULL").
		Order("dead_lettered_at ASC").
		Limit(limit).
		Find(&msgs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to fetch dead-lettered messages: %w", err)
	}
	return msgs, nil
}

// Redrive moves a dead-lettered message back to pending with zero attempts
func (d *Database) Redrive(ctx context.Context, id string, now time.Time) (bool, error) {
	result := d.db.WithContext(ctx).Model(&Message{}).
		Where("id = ? AND dead_lettered_at IS NOT NULL", id).
		Updates(map[string]interface{}{
			"attempts":         0,
			"published_at":     nil,
			"dead_lettered_at": nil,
			"next_attempt_at":  now,
		})
	if result.Error != nil {
		return false, fmt.Errorf("failed to redrive outbox message: %w", result.Error)
	}
	return result.RowsAffected == 1, nil
}

func (d *Database) ListByAggregate(ctx context.Context, aggregateID string) ([]Message, error) {
	var msgs []Message
	err := d.db.WithContext(ctx).
		Where("aggregate_id = ?", aggregateID).
		Order("created_at ASC, seq ASC").
		Find(&msgs).Error
	return msgs, err
}

func (d *Database) Counts(ctx context.Context) (Counts, error) {
	var c Counts
	db := d.db.WithContext(ctx).Model(&Message{})
	if err := db.Where("published_at IS NULL AND dead_lettered_at IS NULL").Count(&c.Pending).Error; err != nil {
		return c, err
	}
	db = d.db.WithContext(ctx).Model(&Message{})
	if err := db.Where("published_at IS NOT NULL").Count(&c.Published).Error; err != nil {
		return c, err
	}
	db = d.db.WithContext(ctx).Model(&Message{})
	if err := db.Where("dead_lettered_at IS NOT NULL").Count(&c.DeadLettered).Error; err != nil {
		return c, err
	}
	return c, nil
}
