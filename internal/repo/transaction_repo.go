package repo

import (
	"context"
	"errors"
	"time"

	"github.com/autolib/services/lending/internal/db"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrTransactionNotFound is returned when a transaction is not found
	ErrTransactionNotFound = errors.New("transaction not found")

	// ErrStaleTransaction is returned when a conditional update finds the row already changed
	ErrStaleTransaction = errors.New("transaction was modified concurrently")
)

// TransactionRepository handles borrow transaction records
type TransactionRepository struct {
	db  *db.DB
	log *zap.Logger
}

// NewTransactionRepository creates a new transaction repository
func NewTransactionRepository(database *db.DB, logger *zap.Logger) *TransactionRepository {
	return &TransactionRepository{
		db:  database,
		log: logger,
	}
}

// CreateTransaction inserts a new transaction and fills in its id
func (r *TransactionRepository) CreateTransaction(ctx context.Context, tx *db.Transaction) error {
	if err := r.db.Conn(ctx).Omit("Book", "PickupLocker", "ReturnLocker").Create(tx).Error; err != nil {
		r.log.Error("Failed to create transaction",
			zap.String("book_id", tx.BookID),
			zap.String("user_id", tx.UserID),
			zap.Error(err),
		)
		return err
	}

	r.log.Info("Transaction created",
		zap.String("transaction_id", tx.ID),
		zap.String("book_id", tx.BookID),
		zap.String("user_id", tx.UserID),
	)
	return nil
}

// GetTransaction retrieves a transaction with its book and lockers
func (r *TransactionRepository) GetTransaction(ctx context.Context, id string) (*db.Transaction, error) {
	var tx db.Transaction
	err := r.withRelations(r.db.Conn(ctx)).Where("id = ?", id).First(&tx).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTransactionNotFound
		}
		r.log.Error("Failed to get transaction", zap.String("transaction_id", id), zap.Error(err))
		return nil, err
	}
	return &tx, nil
}

// ListForUser returns a member's transactions in the given statuses, earliest pickup first.
// No statuses means all of them.
func (r *TransactionRepository) ListForUser(ctx context.Context, userID string, statuses ...db.TransactionStatus) ([]db.Transaction, error) {
	query := r.withRelations(r.db.Conn(ctx)).Where("user_id = ?", userID)
	if len(statuses) > 0 {
		query = query.Where("status IN ?", statuses)
	}

	txs := make([]db.Transaction, 0)
	if err := query.Order("scheduled_pickup_time ASC").Find(&txs).Error; err != nil {
		r.log.Error("Failed to list transactions", zap.String("user_id", userID), zap.Error(err))
		return nil, err
	}
	return txs, nil
}

// UpdateTransaction persists a status change. The update only applies while the row
// still has status from, so two racing confirmations cannot both succeed.
func (r *TransactionRepository) UpdateTransaction(ctx context.Context, tx *db.Transaction, from db.TransactionStatus) error {
	tx.UpdatedAt = time.Now().UTC()
	result := r.db.Conn(ctx).Model(&db.Transaction{}).
		Where("id = ? AND status = ?", tx.ID, from).
		Updates(map[string]interface{}{
			"status":             tx.Status,
			"actual_pickup_time": tx.ActualPickupTime,
			"actual_return_time": tx.ActualReturnTime,
			"updated_at":         tx.UpdatedAt,
		})
	if result.Error != nil {
		r.log.Error("Failed to update transaction", zap.String("transaction_id", tx.ID), zap.Error(result.Error))
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrStaleTransaction
	}

	r.log.Info("Transaction updated",
		zap.String("transaction_id", tx.ID),
		zap.String("from", string(from)),
		zap.String("status", string(tx.Status)),
	)
	return nil
}

// MarkLate flags every transaction that is still out past its scheduled return as late
// and returns the rows it changed.
func (r *TransactionRepository) MarkLate(ctx context.Context, now time.Time) ([]db.Transaction, error) {
	now = now.UTC()
	overdue := []db.TransactionStatus{db.StatusActive, db.StatusWaiting}

	var marked []db.Transaction
	err := r.db.WithTransaction(ctx, func(ctx context.Context) error {
		conn := r.db.Conn(ctx)

		var candidates []db.Transaction
		err := conn.Where("status IN ?", overdue).
			Where("scheduled_return_time < ?", now).
			Where("actual_return_time IS NULL").
			Find(&candidates).Error
		if err != nil {
			return err
		}
		if len(candidates) == 0 {
			return nil
		}

		ids := make([]string, len(candidates))
		for i, c := range candidates {
			ids[i] = c.ID
		}

		err = conn.Model(&db.Transaction{}).
			Where("id IN ?", ids).
			Where("status IN ?", overdue).
			Where("actual_return_time IS NULL").
			Updates(map[string]interface{}{"status": db.StatusLate, "updated_at": now}).Error
		if err != nil {
			return err
		}

		for i := range candidates {
			candidates[i].Status = db.StatusLate
			candidates[i].UpdatedAt = now
		}
		marked = candidates
		return nil
	})
	if err != nil {
		r.log.Error("Failed to mark late transactions", zap.Error(err))
		return nil, err
	}

	if len(marked) > 0 {
		r.log.Info("Transactions marked late", zap.Int("count", len(marked)))
	}
	return marked, nil
}

// HasFinished reports whether the member has returned this book at least once
func (r *TransactionRepository) HasFinished(ctx context.Context, userID, bookID string) (bool, error) {
	var count int64
	err := r.db.Conn(ctx).Model(&db.Transaction{}).
		Where("user_id = ? AND book_id = ? AND status = ?", userID, bookID, db.StatusFinished).
		Count(&count).Error
	if err != nil {
		r.log.Error("Failed to check finished transactions",
			zap.String("user_id", userID),
			zap.String("book_id", bookID),
			zap.Error(err),
		)
		return false, err
	}
	return count > 0, nil
}

func (r *TransactionRepository) withRelations(conn *gorm.DB) *gorm.DB {
	return conn.Preload("Book").Preload("PickupLocker").Preload("ReturnLocker")
}
