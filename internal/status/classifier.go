// Package status derives display buckets for transactions from their stored
// timestamps and the current time. Nothing here writes to the store.
package status

import (
	"time"

	"github.com/autolib/services/lending/internal/db"
	"github.com/autolib/services/lending/internal/policy"
)

// Bucket is a display group for a transaction
type Bucket string

const (
	// BucketWaiting: picked up, awaiting return confirmation
	BucketWaiting Bucket = "waiting"
	// BucketActivePickup: not collected yet and still inside the pickup window (or before it)
	BucketActivePickup Bucket = "active-pickup"
	// BucketActiveLatePickup: not collected and the pickup window has passed
	BucketActiveLatePickup Bucket = "active-late-pickup"
	BucketLate             Bucket = "late"
	BucketCanceled         Bucket = "canceled"
	BucketFinished         Bucket = "finished"
	BucketNone             Bucket = ""
)

// Classify places one transaction into its bucket at time now
func Classify(tx db.Transaction, now time.Time) Bucket {
	switch tx.Status {
	case db.StatusWaiting:
		return BucketWaiting
	case db.StatusLate:
		return BucketLate
	case db.StatusCanceled:
		return BucketCanceled
	case db.StatusFinished:
		return BucketFinished
	case db.StatusActive:
		if tx.ActualPickupTime != nil {
			return BucketNone
		}
		if now.After(policy.PickupDeadline(tx.ScheduledPickupTime)) {
			return BucketActiveLatePickup
		}
		return BucketActivePickup
	}
	return BucketNone
}

// Buckets groups a member's open transactions for the active-transactions screen
type Buckets struct {
	Waiting          []db.Transaction `json:"waiting"`
	ActivePickup     []db.Transaction `json:"active_pickup"`
	ActiveLatePickup []db.Transaction `json:"active_late_pickup"`
	Late             []db.Transaction `json:"late"`
	Canceled         []db.Transaction `json:"canceled"`
}

// Partition classifies every transaction, keeping the input order inside each bucket.
// Finished and unclassifiable transactions are left out.
func Partition(txs []db.Transaction, now time.Time) Buckets {
	b := Buckets{
		Waiting:          []db.Transaction{},
		ActivePickup:     []db.Transaction{},
		ActiveLatePickup: []db.Transaction{},
		Late:             []db.Transaction{},
		Canceled:         []db.Transaction{},
	}

	for _, tx := range txs {
		switch Classify(tx, now) {
		case BucketWaiting:
			b.Waiting = append(b.Waiting, tx)
		case BucketActivePickup:
			b.ActivePickup = append(b.ActivePickup, tx)
		case BucketActiveLatePickup:
			b.ActiveLatePickup = append(b.ActiveLatePickup, tx)
		case BucketLate:
			b.Late = append(b.Late, tx)
		case BucketCanceled:
			b.Canceled = append(b.Canceled, tx)
		}
	}
	return b
}

// CanPickup reports whether a pickup confirmation would be accepted at now
func CanPickup(tx db.Transaction, now time.Time) bool {
	if tx.Status != db.StatusActive || tx.ActualPickupTime != nil {
		return false
	}
	return !now.Before(tx.ScheduledPickupTime) && !now.After(policy.PickupDeadline(tx.ScheduledPickupTime))
}

// CanReturn reports whether a return confirmation would be accepted at now.
// A late book can be returned at any time.
func CanReturn(tx db.Transaction, now time.Time) bool {
	if tx.ActualPickupTime == nil || tx.ActualReturnTime != nil {
		return false
	}
	switch tx.Status {
	case db.StatusLate:
		return true
	case db.StatusWaiting:
		return !now.Before(tx.ScheduledReturnTime)
	}
	return false
}

// CanCancel reports whether the member may still cancel
func CanCancel(tx db.Transaction) bool {
	if tx.ActualPickupTime != nil {
		return false
	}
	return tx.Status == db.StatusActive || tx.Status == db.StatusLate
}

// Label is the member-facing name of a status
func Label(s db.TransactionStatus) string {
	switch s {
	case db.StatusActive:
		return "Awaiting pickup"
	case db.StatusWaiting:
		return "Awaiting return"
	case db.StatusLate:
		return "Late"
	case db.StatusCanceled:
		return "Canceled"
	case db.StatusFinished:
		return "Returned"
	}
	return string(s)
}
