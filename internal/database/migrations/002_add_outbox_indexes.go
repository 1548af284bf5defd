package migrations

import "gorm.io/gorm"

// AddOutboxIndexes creates the read-path indexes for the outbox and cycle
// snapshot tables
func AddOutboxIndexes(db *gorm.DB) error {
	indexes := []string{
		// Messages of one order in write order
		`CREATE INDEX IF NOT EXISTS idx_outbox_aggregate_seq
		 ON outbox_messages(aggregate_id, created_at, seq)`,

		// Dead-letter listing and redrive
		`CREATE INDEX IF NOT EXISTS idx_outbox_dead_lettered
		 ON outbox_messages(dead_lettered_at) WHERE dead_lettered_at IS NOT NULL`,

		// Snapshot listing per strategy and market
		`CREATE INDEX IF NOT EXISTS idx_cycle_snapshots_strategy_market_created
		 ON cycle_snapshots(strategy_id, market, created_at)`,
	}

	for _, idx := range indexes {
		if err := db.Exec(idx).Error; err != nil {
			return err
		}
	}
	return nil
}
