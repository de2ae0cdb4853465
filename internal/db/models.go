package db

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// TransactionStatus is the lifecycle state of a borrow transaction
type TransactionStatus string

const (
	// StatusActive: booked, waiting for the member to pick the book up
	StatusActive TransactionStatus = "active"
	// StatusWaiting: picked up, waiting for the member to return the book
	StatusWaiting  TransactionStatus = "waiting"
	StatusLate     TransactionStatus = "late"
	StatusCanceled TransactionStatus = "canceled"
	StatusFinished TransactionStatus = "finished"
)

// ScheduleType tells whether a locker slot is used for pickup or return
type ScheduleType string

const (
	SchedulePickup ScheduleType = "pickup"
	ScheduleReturn ScheduleType = "return"
)

// SlotOf returns the locker slot a time falls in. Slots are whole UTC hours
// and only key locker occupancy; transactions keep the requested instant.
func SlotOf(t time.Time) time.Time {
	return t.UTC().Truncate(time.Hour)
}

// Book represents a catalog title and its lendable stock
type Book struct {
	ID                string    `gorm:"primaryKey;type:varchar(36)" json:"id"`
	Title             string    `gorm:"type:varchar(255);not null;index:idx_books_title" json:"title"`
	Author            string    `gorm:"type:varchar(255);not null;index:idx_books_author" json:"author"`
	ISBN              string    `gorm:"type:varchar(20);index:idx_books_isbn" json:"isbn,omitempty"`
	Synopsis          string    `gorm:"type:text" json:"synopsis,omitempty"`
	Categories        []string  `gorm:"type:text;serializer:json" json:"categories"`
	CoverImage        string    `gorm:"type:varchar(512)" json:"cover_image,omitempty"`
	AvailableQuantity int       `gorm:"not null;default:0;check:chk_books_available,available_quantity >= 0 AND available_quantity <= total_quantity" json:"available_quantity"`
	TotalQuantity     int       `gorm:"not null;default:0" json:"total_quantity"`
	CreatedAt         time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt         time.Time `gorm:"not null" json:"updated_at"`
}

// TableName specifies the table name for Book model
func (Book) TableName() string {
	return "books"
}

// BeforeCreate assigns the id and timestamps
func (b *Book) BeforeCreate(tx *gorm.DB) error {
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if b.CreatedAt.IsZero() {
		b.CreatedAt = now
	}
	if b.UpdatedAt.IsZero() {
		b.UpdatedAt = now
	}
	return nil
}

// Locker is a physical pickup/dropoff compartment. Whether it is free is
// derived from LockerSchedule rows, never stored on the locker.
type Locker struct {
	ID        string    `gorm:"primaryKey;type:varchar(36)" json:"id"`
	Code      string    `gorm:"type:varchar(50);not null;uniqueIndex:idx_lockers_code" json:"code"`
	Name      string    `gorm:"type:varchar(255);not null" json:"locker_name"`
	Active    bool      `gorm:"not null;default:true" json:"active"`
	CreatedAt time.Time `gorm:"not null" json:"created_at"`
}

func (Locker) TableName() string {
	return "lockers"
}

func (l *Locker) BeforeCreate(tx *gorm.DB) error {
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}
	return nil
}

// Transaction is a single borrow of one book by one member
type Transaction struct {
	ID                  string            `gorm:"primaryKey;type:varchar(36)" json:"id"`
	BookID              string            `gorm:"type:varchar(36);not null;index:idx_transactions_book" json:"book_id"`
	UserID              string            `gorm:"type:varchar(64);not null" json:"user_id"`
	PickupLockerID      string            `gorm:"type:varchar(36);not null" json:"pickup_locker_id"`
	ReturnLockerID      string            `gorm:"type:varchar(36);not null" json:"return_locker_id"`
	Status              TransactionStatus `gorm:"type:varchar(20);not null" json:"status"`
	ScheduledPickupTime time.Time         `gorm:"not null" json:"scheduled_pickup_time"`
	ScheduledReturnTime time.Time         `gorm:"not null" json:"scheduled_return_time"`
	ActualPickupTime    *time.Time        `json:"actual_pickup_time"`
	ActualReturnTime    *time.Time        `json:"actual_return_time"`
	CreatedAt           time.Time         `gorm:"not null" json:"created_at"`
	UpdatedAt           time.Time         `gorm:"not null" json:"updated_at"`

	Book         *Book   `gorm:"foreignKey:BookID" json:"book,omitempty"`
	PickupLocker *Locker `gorm:"foreignKey:PickupLockerID" json:"pickup_locker,omitempty"`
	ReturnLocker *Locker `gorm:"foreignKey:ReturnLockerID" json:"return_locker,omitempty"`
}

func (Transaction) TableName() string {
	return "transactions"
}

func (t *Transaction) BeforeCreate(tx *gorm.DB) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = now
	}
	return nil
}

// BeforeUpdate hook to update timestamp
func (t *Transaction) BeforeUpdate(tx *gorm.DB) error {
	t.UpdatedAt = time.Now().UTC()
	return nil
}

// LockerSchedule reserves one locker slot for one side of a transaction.
// The (locker_id, slot_time) unique index is what prevents double booking.
type LockerSchedule struct {
	ID            string       `gorm:"primaryKey;type:varchar(36)" json:"id"`
	LockerID      string       `gorm:"type:varchar(36);not null;uniqueIndex:idx_locker_schedules_slot,priority:1" json:"locker_id"`
	SlotTime      time.Time    `gorm:"not null;uniqueIndex:idx_locker_schedules_slot,priority:2" json:"start_time"`
	UserID        string       `gorm:"type:varchar(64);not null" json:"user_id"`
	TransactionID string       `gorm:"type:varchar(36);not null;index:idx_locker_schedules_transaction" json:"transaction_id"`
	Type          ScheduleType `gorm:"type:varchar(10);not null" json:"type"`
	CreatedAt     time.Time    `gorm:"not null" json:"created_at"`
}

func (LockerSchedule) TableName() string {
	return "locker_schedules"
}

func (s *LockerSchedule) BeforeCreate(tx *gorm.DB) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	return nil
}

// Rating is a member's 1-5 score for a book they have borrowed and returned
type Rating struct {
	ID        string    `gorm:"primaryKey;type:varchar(36)" json:"id"`
	BookID    string    `gorm:"type:varchar(36);not null;uniqueIndex:idx_ratings_book_user,priority:1" json:"book_id"`
	UserID    string    `gorm:"type:varchar(64);not null;uniqueIndex:idx_ratings_book_user,priority:2" json:"user_id"`
	Score     int       `gorm:"not null;check:chk_ratings_score,score >= 1 AND score <= 5" json:"score"`
	CreatedAt time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null" json:"updated_at"`
}

func (Rating) TableName() string {
	return "ratings"
}

func (r *Rating) BeforeCreate(tx *gorm.DB) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = now
	}
	return nil
}

// Models lists every table owned by the service, in migration order
func Models() []interface{} {
	return []interface{}{&Book{}, &Locker{}, &Transaction{}, &LockerSchedule{}, &Rating{}}
}
