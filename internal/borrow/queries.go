package borrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/autolib/services/lending/internal/db"
	"github.com/autolib/services/lending/internal/policy"
	"github.com/autolib/services/lending/internal/session"
	"github.com/autolib/services/lending/internal/status"
)

// ErrMissingTime is returned by AvailableLockers when no time was supplied
var ErrMissingTime = errors.New("time is required")

// Defaults is what the borrow form is pre-filled with for a chosen pickup
type Defaults struct {
	PickupTime    time.Time `json:"scheduled_pickup_time"`
	ReturnTime    time.Time `json:"default_return"`
	MinReturnTime time.Time `json:"minimum_return"`
}

// HistoryEntry is a closed transaction with its member-facing label
type HistoryEntry struct {
	db.Transaction
	StatusLabel string `json:"status_label"`
}

// AvailableLockers lists the lockers with no reservation in the slot containing at
func (s *Service) AvailableLockers(ctx context.Context, at time.Time) ([]db.Locker, error) {
	if at.IsZero() {
		return nil, ErrMissingTime
	}
	s.metrics.AvailabilityQueried()
	return s.lockers.AvailableAt(ctx, at)
}

// DefaultsFor returns the suggested return time and the earliest accepted one
func DefaultsFor(pickup time.Time) Defaults {
	pickup = pickup.UTC()
	return Defaults{
		PickupTime:    pickup,
		ReturnTime:    policy.DefaultReturn(pickup),
		MinReturnTime: policy.MinimumReturn(pickup),
	}
}

// Get returns one of the member's transactions
func (s *Service) Get(ctx context.Context, user session.User, id string) (*db.Transaction, error) {
	tx, err := s.transactions.GetTransaction(ctx, id)
	if err != nil {
		return nil, err
	}
	if tx.UserID != user.ID {
		return nil, ErrNotOwner
	}
	return tx, nil
}

// Active groups the member's open transactions by display bucket
func (s *Service) Active(ctx context.Context, user session.User) (status.Buckets, error) {
	txs, err := s.transactions.ListForUser(ctx, user.ID,
		db.StatusActive, db.StatusWaiting, db.StatusLate, db.StatusCanceled)
	if err != nil {
		return status.Buckets{}, fmt.Errorf("list transactions: %w", err)
	}
	return status.Partition(txs, s.now()), nil
}

// History lists the member's finished and canceled transactions
func (s *Service) History(ctx context.Context, user session.User) ([]HistoryEntry, error) {
	txs, err := s.transactions.ListForUser(ctx, user.ID, db.StatusFinished, db.StatusCanceled)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}

	out := make([]HistoryEntry, 0, len(txs))
	for _, tx := range txs {
		out = append(out, HistoryEntry{Transaction: tx, StatusLabel: status.Label(tx.Status)})
	}
	return out, nil
}
