// Package borrow runs the borrow workflow and the transaction lifecycle.
//
// A borrow is five dependent writes: check lockers, create the transaction,
// reserve the pickup slot, reserve the return slot, take one copy out of
// stock. They run in one database transaction, so a failure at any step
// leaves nothing behind. Events and push notifications go out after commit.
package borrow

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/autolib/services/lending/internal/db"
	"github.com/autolib/services/lending/internal/events"
	"github.com/autolib/services/lending/internal/metrics"
	"github.com/autolib/services/lending/internal/notify"
	"github.com/autolib/services/lending/internal/policy"
	"github.com/autolib/services/lending/internal/repo"
	"github.com/autolib/services/lending/internal/session"
	"github.com/autolib/services/lending/internal/status"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

var (
	// ErrValidation wraps every input problem caught before the store is touched
	ErrValidation = errors.New("validation failed")

	// ErrLockerUnavailable is returned when a chosen locker is no longer free at the chosen time
	ErrLockerUnavailable = errors.New("locker is not available at the selected time")

	// ErrNotOwner is returned when a member acts on someone else's transaction
	ErrNotOwner = errors.New("transaction belongs to another member")

	// ErrInvalidState is returned when the transaction status does not allow the action
	ErrInvalidState = errors.New("transaction status does not allow this action")

	// ErrOutsideWindow is returned when a confirmation comes outside its time window
	ErrOutsideWindow = errors.New("outside the allowed time window")
)

// TxRunner runs fn in a database transaction carried by ctx
type TxRunner interface {
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// BookStore is the subset of the book repository the workflow needs
type BookStore interface {
	GetBook(ctx context.Context, id string) (*db.Book, error)
	AdjustQuantity(ctx context.Context, bookID string, delta int) (*db.Book, error)
}

// LockerStore is the subset of the locker repository the workflow needs
type LockerStore interface {
	AvailableAt(ctx context.Context, t time.Time) ([]db.Locker, error)
	CreateSchedule(ctx context.Context, schedule *db.LockerSchedule) error
	ReleaseForTransaction(ctx context.Context, transactionID string) (int64, error)
}

// TransactionStore is the subset of the transaction repository the workflow needs
type TransactionStore interface {
	CreateTransaction(ctx context.Context, tx *db.Transaction) error
	GetTransaction(ctx context.Context, id string) (*db.Transaction, error)
	UpdateTransaction(ctx context.Context, tx *db.Transaction, from db.TransactionStatus) error
	ListForUser(ctx context.Context, userID string, statuses ...db.TransactionStatus) ([]db.Transaction, error)
}

// EventPublisher publishes transaction state changes
type EventPublisher interface {
	PublishTransaction(ctx context.Context, eventType string, tx *db.Transaction) error
}

// Notifier pushes a message to a member's open sessions
type Notifier interface {
	Notify(userID string, msg notify.Message)
}

// Request is a member's borrow submission
type Request struct {
	BookID         string    `json:"book_id" validate:"required"`
	PickupLockerID string    `json:"pickup_locker_id" validate:"required"`
	ReturnLockerID string    `json:"return_locker_id" validate:"required"`
	PickupTime     time.Time `json:"scheduled_pickup_time" validate:"required"`
	ReturnTime     time.Time `json:"scheduled_return_time" validate:"required"`
}

// publishTimeout bounds one event publish, retries included
const publishTimeout = 20 * time.Second

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})
	return v
}

// Option configures a Service
type Option func(*Service)

// WithClock replaces the wall clock
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithNotifier pushes state changes to connected members
func WithNotifier(n Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

// WithMetrics records workflow outcomes
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// Service runs the borrow workflow and transaction transitions
type Service struct {
	tx           TxRunner
	books        BookStore
	lockers      LockerStore
	transactions TransactionStore
	publisher    EventPublisher
	notifier     Notifier
	metrics      *metrics.Metrics
	now          func() time.Time
	log          *zap.Logger

	inflight sync.WaitGroup
}

// NewService creates a new borrow service
func NewService(tx TxRunner, books BookStore, lockers LockerStore, transactions TransactionStore, publisher EventPublisher, log *zap.Logger, opts ...Option) *Service {
	s := &Service{
		tx:           tx,
		books:        books,
		lockers:      lockers,
		transactions: transactions,
		publisher:    publisher,
		now:          func() time.Time { return time.Now().UTC() },
		log:          log,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Borrow validates the request, then records the transaction, both locker
// reservations and the stock decrement atomically.
func (s *Service) Borrow(ctx context.Context, user session.User, req Request) (*db.Transaction, error) {
	req, err := s.validate(user, req)
	if err != nil {
		s.metrics.BorrowResult("validation")
		return nil, err
	}

	var created *db.Transaction
	err = s.tx.WithTransaction(ctx, func(ctx context.Context) error {
		book, err := s.books.GetBook(ctx, req.BookID)
		if err != nil {
			return err
		}
		if book.AvailableQuantity < 1 {
			return repo.ErrOutOfStock
		}

		if err := s.ensureAvailable(ctx, req.PickupLockerID, req.PickupTime, "pickup"); err != nil {
			return err
		}
		if err := s.ensureAvailable(ctx, req.ReturnLockerID, req.ReturnTime, "return"); err != nil {
			return err
		}

		tx := &db.Transaction{
			BookID:              req.BookID,
			UserID:              user.ID,
			PickupLockerID:      req.PickupLockerID,
			ReturnLockerID:      req.ReturnLockerID,
			Status:              db.StatusActive,
			ScheduledPickupTime: req.PickupTime,
			ScheduledReturnTime: req.ReturnTime,
		}
		if err := s.transactions.CreateTransaction(ctx, tx); err != nil {
			return fmt.Errorf("create transaction: %w", err)
		}

		if err := s.lockers.CreateSchedule(ctx, &db.LockerSchedule{
			LockerID:      req.PickupLockerID,
			SlotTime:      req.PickupTime,
			UserID:        user.ID,
			TransactionID: tx.ID,
			Type:          db.SchedulePickup,
		}); err != nil {
			return fmt.Errorf("schedule pickup locker: %w", err)
		}

		if err := s.lockers.CreateSchedule(ctx, &db.LockerSchedule{
			LockerID:      req.ReturnLockerID,
			SlotTime:      req.ReturnTime,
			UserID:        user.ID,
			TransactionID: tx.ID,
			Type:          db.ScheduleReturn,
		}); err != nil {
			return fmt.Errorf("schedule return locker: %w", err)
		}

		if _, err := s.books.AdjustQuantity(ctx, req.BookID, -1); err != nil {
			return fmt.Errorf("update book quantity: %w", err)
		}

		created = tx
		return nil
	})
	if err != nil {
		s.metrics.BorrowResult(borrowResult(err))
		s.log.Warn("Borrow failed",
			zap.String("user_id", user.ID),
			zap.String("book_id", req.BookID),
			zap.Error(err),
		)
		return nil, err
	}

	s.metrics.BorrowResult("success")
	s.log.Info("Borrow recorded",
		zap.String("transaction_id", created.ID),
		zap.String("user_id", user.ID),
		zap.String("book_id", created.BookID),
		zap.Time("pickup", created.ScheduledPickupTime),
		zap.Time("return", created.ScheduledReturnTime),
	)
	s.afterCommit(ctx, events.EventTransactionCreated, created)
	return created, nil
}

// ConfirmPickup records that the member collected the book from the pickup locker
func (s *Service) ConfirmPickup(ctx context.Context, user session.User, id string) (*db.Transaction, error) {
	return s.transition(ctx, user, id, events.EventTransactionPickedUp, func(ctx context.Context, tx *db.Transaction, now time.Time) error {
		if tx.Status != db.StatusActive || tx.ActualPickupTime != nil {
			return ErrInvalidState
		}
		if !status.CanPickup(*tx, now) {
			return ErrOutsideWindow
		}
		tx.ActualPickupTime = &now
		tx.Status = db.StatusWaiting
		return nil
	})
}

// ConfirmReturn records the drop-off and puts the copy back in stock
func (s *Service) ConfirmReturn(ctx context.Context, user session.User, id string) (*db.Transaction, error) {
	return s.transition(ctx, user, id, events.EventTransactionReturned, func(ctx context.Context, tx *db.Transaction, now time.Time) error {
		if tx.Status != db.StatusWaiting && tx.Status != db.StatusLate {
			return ErrInvalidState
		}
		if !status.CanReturn(*tx, now) {
			if tx.ActualPickupTime == nil || tx.ActualReturnTime != nil {
				return ErrInvalidState
			}
			return ErrOutsideWindow
		}
		tx.ActualReturnTime = &now
		tx.Status = db.StatusFinished

		if _, err := s.books.AdjustQuantity(ctx, tx.BookID, 1); err != nil {
			return fmt.Errorf("update book quantity: %w", err)
		}
		return nil
	})
}

// Cancel withdraws a borrow that has not been picked up, frees both locker
// slots and restores stock.
func (s *Service) Cancel(ctx context.Context, user session.User, id string) (*db.Transaction, error) {
	return s.transition(ctx, user, id, events.EventTransactionCanceled, func(ctx context.Context, tx *db.Transaction, now time.Time) error {
		if !status.CanCancel(*tx) {
			return ErrInvalidState
		}
		tx.Status = db.StatusCanceled

		if _, err := s.lockers.ReleaseForTransaction(ctx, tx.ID); err != nil {
			return fmt.Errorf("release lockers: %w", err)
		}
		if _, err := s.books.AdjustQuantity(ctx, tx.BookID, 1); err != nil {
			return fmt.Errorf("update book quantity: %w", err)
		}
		return nil
	})
}

// transition loads a transaction owned by user, lets apply mutate it and run
// side writes, and persists the new status, all in one database transaction.
func (s *Service) transition(ctx context.Context, user session.User, id, eventType string, apply func(ctx context.Context, tx *db.Transaction, now time.Time) error) (*db.Transaction, error) {
	if user.ID == "" {
		return nil, fmt.Errorf("%w: user session is required", ErrValidation)
	}
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("%w: transaction id is required", ErrValidation)
	}

	var updated *db.Transaction
	err := s.tx.WithTransaction(ctx, func(ctx context.Context) error {
		tx, err := s.transactions.GetTransaction(ctx, id)
		if err != nil {
			return err
		}
		if tx.UserID != user.ID {
			return ErrNotOwner
		}

		from := tx.Status
		if err := apply(ctx, tx, s.now()); err != nil {
			return err
		}
		if err := s.transactions.UpdateTransaction(ctx, tx, from); err != nil {
			return err
		}
		updated = tx
		return nil
	})
	if err != nil {
		s.log.Warn("Transaction transition failed",
			zap.String("transaction_id", id),
			zap.String("user_id", user.ID),
			zap.String("event_type", eventType),
			zap.Error(err),
		)
		return nil, err
	}

	s.metrics.Transition(string(updated.Status))
	s.afterCommit(ctx, eventType, updated)
	return updated, nil
}

func (s *Service) validate(user session.User, req Request) (Request, error) {
	if user.ID == "" {
		return req, fmt.Errorf("%w: user session is required", ErrValidation)
	}

	if err := validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fields := make([]string, len(verrs))
			for i, fe := range verrs {
				fields[i] = fe.Field()
			}
			return req, fmt.Errorf("%w: missing %s", ErrValidation, strings.Join(fields, ", "))
		}
		return req, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	if req.PickupTime.Before(s.now()) {
		return req, fmt.Errorf("%w: pickup time must not be in the past", ErrValidation)
	}
	if req.ReturnTime.Before(policy.MinimumReturn(req.PickupTime)) {
		return req, fmt.Errorf("%w: return time must be at least %s after pickup", ErrValidation, policy.MinimumHold)
	}

	req.PickupTime = req.PickupTime.UTC()
	req.ReturnTime = req.ReturnTime.UTC()
	return req, nil
}

func (s *Service) ensureAvailable(ctx context.Context, lockerID string, at time.Time, side string) error {
	free, err := s.lockers.AvailableAt(ctx, at)
	if err != nil {
		return fmt.Errorf("check %s locker: %w", side, err)
	}
	for _, l := range free {
		if l.ID == lockerID {
			return nil
		}
	}
	return fmt.Errorf("%s: %w", side, ErrLockerUnavailable)
}

// afterCommit notifies the member and hands the event to the publisher in the
// background. The publish outlives the request that triggered it.
func (s *Service) afterCommit(ctx context.Context, eventType string, tx *db.Transaction) {
	if s.notifier != nil {
		s.notifier.Notify(tx.UserID, notify.Message{
			Type:          eventType,
			TransactionID: tx.ID,
			Status:        string(tx.Status),
		})
	}
	if s.publisher == nil {
		return
	}

	snapshot := *tx
	detached := context.WithoutCancel(ctx)
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		ctx, cancel := context.WithTimeout(detached, publishTimeout)
		defer cancel()

		if err := s.publisher.PublishTransaction(ctx, eventType, &snapshot); err != nil {
			s.log.Error("Failed to publish transaction event",
				zap.String("transaction_id", snapshot.ID),
				zap.String("event_type", eventType),
				zap.Error(err),
			)
		}
	}()
}

// Wait blocks until every event handed off after a commit has been published or given up on
func (s *Service) Wait() {
	s.inflight.Wait()
}

func borrowResult(err error) string {
	switch {
	case errors.Is(err, ErrLockerUnavailable), errors.Is(err, repo.ErrSlotTaken):
		return "unavailable"
	case errors.Is(err, repo.ErrOutOfStock):
		return "out_of_stock"
	case errors.Is(err, repo.ErrBookNotFound):
		return "not_found"
	}
	return "error"
}
