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
	// ErrLockerNotFound is returned when a locker is not found
	ErrLockerNotFound = errors.New("locker not found")

	// ErrSlotTaken is returned when the locker already has a schedule at that slot
	ErrSlotTaken = errors.New("locker slot already reserved")
)

// LockerRepository handles lockers and their slot schedules
type LockerRepository struct {
	db  *db.DB
	log *zap.Logger
}

// NewLockerRepository creates a new locker repository
func NewLockerRepository(database *db.DB, logger *zap.Logger) *LockerRepository {
	return &LockerRepository{
		db:  database,
		log: logger,
	}
}

// CreateLocker registers a locker
func (r *LockerRepository) CreateLocker(ctx context.Context, locker *db.Locker) error {
	if err := r.db.Conn(ctx).Create(locker).Error; err != nil {
		r.log.Error("Failed to create locker", zap.String("code", locker.Code), zap.Error(err))
		return err
	}
	return nil
}

// ListLockers returns all active lockers ordered by code
func (r *LockerRepository) ListLockers(ctx context.Context) ([]db.Locker, error) {
	var lockers []db.Locker
	if err := r.db.Conn(ctx).Where("active = ?", true).Order("code ASC").Find(&lockers).Error; err != nil {
		r.log.Error("Failed to list lockers", zap.Error(err))
		return nil, err
	}
	return lockers, nil
}

// GetLocker retrieves a locker by id
func (r *LockerRepository) GetLocker(ctx context.Context, id string) (*db.Locker, error) {
	var locker db.Locker
	if err := r.db.Conn(ctx).Where("id = ?", id).First(&locker).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrLockerNotFound
		}
		r.log.Error("Failed to get locker", zap.String("locker_id", id), zap.Error(err))
		return nil, err
	}
	return &locker, nil
}

// AvailableAt returns the active lockers with no schedule in the slot containing t.
// An empty slice means every locker is taken; it is not an error.
func (r *LockerRepository) AvailableAt(ctx context.Context, t time.Time) ([]db.Locker, error) {
	conn := r.db.Conn(ctx)
	slot := db.SlotOf(t)

	taken := conn.Model(&db.LockerSchedule{}).Select("locker_id").Where("slot_time = ?", slot)

	lockers := make([]db.Locker, 0)
	err := conn.Where("active = ?", true).
		Where("id NOT IN (?)", taken).
		Order("code ASC").
		Find(&lockers).Error
	if err != nil {
		r.log.Error("Failed to query available lockers", zap.Time("slot", slot), zap.Error(err))
		return nil, err
	}

	return lockers, nil
}

// CreateSchedule reserves a locker slot. The slot time is normalized before insert.
func (r *LockerRepository) CreateSchedule(ctx context.Context, schedule *db.LockerSchedule) error {
	schedule.SlotTime = db.SlotOf(schedule.SlotTime)

	if err := r.db.Conn(ctx).Create(schedule).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			r.log.Warn("Locker slot already reserved",
				zap.String("locker_id", schedule.LockerID),
				zap.Time("slot", schedule.SlotTime),
			)
			return ErrSlotTaken
		}
		r.log.Error("Failed to create locker schedule",
			zap.String("locker_id", schedule.LockerID),
			zap.String("transaction_id", schedule.TransactionID),
			zap.Error(err),
		)
		return err
	}

	r.log.Info("Locker slot reserved",
		zap.String("locker_id", schedule.LockerID),
		zap.Time("slot", schedule.SlotTime),
		zap.String("type", string(schedule.Type)),
		zap.String("transaction_id", schedule.TransactionID),
	)
	return nil
}

// ListForTransaction returns the schedules that belong to a transaction
func (r *LockerRepository) ListForTransaction(ctx context.Context, transactionID string) ([]db.LockerSchedule, error) {
	var schedules []db.LockerSchedule
	err := r.db.Conn(ctx).
		Where("transaction_id = ?", transactionID).
		Order("slot_time ASC").
		Find(&schedules).Error
	if err != nil {
		r.log.Error("Failed to list locker schedules", zap.String("transaction_id", transactionID), zap.Error(err))
		return nil, err
	}
	return schedules, nil
}

// ReleaseForTransaction frees every slot held by a transaction and reports how many were freed
func (r *LockerRepository) ReleaseForTransaction(ctx context.Context, transactionID string) (int64, error) {
	result := r.db.Conn(ctx).Where("transaction_id = ?", transactionID).Delete(&db.LockerSchedule{})
	if result.Error != nil {
		r.log.Error("Failed to release locker schedules", zap.String("transaction_id", transactionID), zap.Error(result.Error))
		return 0, result.Error
	}

	r.log.Info("Locker slots released",
		zap.String("transaction_id", transactionID),
		zap.Int64("released", result.RowsAffected),
	)
	return result.RowsAffected, nil
}
