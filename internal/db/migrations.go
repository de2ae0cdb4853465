package db

import (
	"gorm.io/gorm"
)

// RunMigrations runs all database migrations
func RunMigrations(db *DB) error {
	if err := db.AutoMigrate(Models()...); err != nil {
		return err
	}

	if err := createIndexes(db.DB); err != nil {
		return err
	}

	return nil
}

func createIndexes(db *gorm.DB) error {
	indexes := []string{
		// Late-return sweep only looks at transactions that are still out
		`CREATE INDEX IF NOT EXISTS idx_transactions_open_return ON transactions(scheduled_return_time) WHERE actual_return_time IS NULL`,

		// Per-member listings filtered by status
		`CREATE INDEX IF NOT EXISTS idx_transactions_user_status ON transactions(user_id, status)`,

		`CREATE INDEX IF NOT EXISTS idx_transactions_user_book ON transactions(user_id, book_id) WHERE status = 'finished'`,
	}

	for _, indexSQL := range indexes {
		if err := db.Exec(indexSQL).Error; err != nil {
			return err
		}
	}

	return nil
}
