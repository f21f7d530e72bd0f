package migrations

import "gorm.io/gorm"

// AddTradeIndexes adds the composite indexes behind the processor and
// listing queries
func AddTradeIndexes(db *gorm.DB) error {
	indexes := []string{
		// overdue sweep
		`CREATE INDEX IF NOT EXISTS idx_trades_status_deadline
		 ON trades(status, deadline)`,

		// blocked trade retries
		`CREATE INDEX IF NOT EXISTS idx_trades_status_blocked_at
		 ON trades(status, blocked_at)`,

		// paging by status
		`CREATE INDEX IF NOT EXISTS idx_trades_status_id
		 ON trades(status, id)`,

		// audit lookups by trade
		`CREATE INDEX IF NOT EXISTS idx_check_records_source_ref
		 ON check_records(source_ref)`,

		`CREATE INDEX IF NOT EXISTS idx_ledger_entries_posted_at
		 ON ledger_entries(posted_at)`,
	}

	for _, idx := range indexes {
		if err := db.Exec(idx).Error; err != nil {
			return err
		}
	}
	return nil
}
