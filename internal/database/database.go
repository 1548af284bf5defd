package database

import (
	"fmt"

	"github.com/ksred/klear-trader/internal/cycle"
	"github.com/ksred/klear-trader/internal/database/migrations"
	"github.com/ksred/klear-trader/internal/idempotency"
	"github.com/ksred/klear-trader/internal/outbox"
	"github.com/ksred/klear-trader/internal/position"
	"github.com/ksred/klear-trader/internal/trading"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Models lists every table the engine owns
func Models() []interface{} {
	var models []interface{}
	models = append(models, trading.Models()...)
	models = append(models, outbox.Models()...)
	models = append(models, idempotency.Models()...)
	models = append(models, position.Models()...)
	models = append(models, cycle.Models()...)
	return models
}

// NewDatabase opens the sqlite file at path and brings the schema up to date.
// The pool holds a single connection so transactions never wait on each other
// for the sqlite write lock.
func NewDatabase(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path+"?_busy_timeout=5000&_journal_mode=WAL"), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Warn),
		TranslateError: true,
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(Models()...); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}

	if err := migrations.AddOrderIndexes(db); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	if err := migrations.AddOutboxIndexes(db); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return db, nil
}
