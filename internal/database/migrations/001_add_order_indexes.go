package migrations

import "gorm.io/gorm"

// AddOrderIndexes adds the order indexes AutoMigrate cannot express
func AddOrderIndexes(db *gorm.DB) error {
	indexes := []string{
		// At most one order per trading command
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_orders_idempotency_key_unique
		 ON orders(idempotency_key) WHERE idempotency_key <> ''`,

		// Trades are always read per order in execution order
		`CREATE INDEX IF NOT EXISTS idx_order_trades_order_executed
		 ON order_trades(order_id, executed_at)`,

		// Last order time per market and strategy
		`CREATE INDEX IF NOT EXISTS idx_orders_market_strategy_created
		 ON orders(market, strategy_tag, created_at)`,
	}

	for _, idx := range indexes {
		if err := db.Exec(idx).Error; err != nil {
			return err
		}
	}
	return nil
}
