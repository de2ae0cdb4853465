// Package policy holds the lending time rules shared by the borrow workflow,
// the status classifier and the late-return sweeper.
package policy

import "time"

const (
	// MinimumHold is the shortest allowed gap between scheduled pickup and return
	MinimumHold = 3 * time.Hour

	// DefaultLoanPeriod is the return time offered when the member does not pick one
	DefaultLoanPeriod = 14 * 24 * time.Hour

	// PickupWindow is how long after the scheduled pickup the book can still be collected
	PickupWindow = 2 * time.Hour

	// LateCheckInterval is the default period of the overdue sweep
	LateCheckInterval = time.Minute
)

// DefaultReturn is the return time proposed for a pickup
func DefaultReturn(pickup time.Time) time.Time {
	return pickup.Add(DefaultLoanPeriod)
}

// MinimumReturn is the earliest return time accepted for a pickup
func MinimumReturn(pickup time.Time) time.Time {
	return pickup.Add(MinimumHold)
}

// PickupDeadline is the last moment a pickup can be confirmed
func PickupDeadline(scheduledPickup time.Time) time.Time {
	return scheduledPickup.Add(PickupWindow)
}
