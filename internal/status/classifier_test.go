package status

import (
	"testing"
	"time"

	"github.com/autolib/services/lending/internal/db"
	"github.com/stretchr/testify/assert"
)

var pickup = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

func activeTx(id string) db.Transaction {
	return db.Transaction{
		ID:                  id,
		Status:              db.StatusActive,
		ScheduledPickupTime: pickup,
		ScheduledReturnTime: pickup.Add(14 * 24 * time.Hour),
	}
}

func TestClassifyActivePickupWindow(t *testing.T) {
	tx := activeTx("tx-1")

	assert.Equal(t, BucketActivePickup, Classify(tx, pickup.Add(-time.Hour)), "upcoming pickup")
	assert.Equal(t, BucketActivePickup, Classify(tx, pickup))
	assert.Equal(t, BucketActivePickup, Classify(tx, pickup.Add(119*time.Minute)))
	assert.Equal(t, BucketActivePickup, Classify(tx, pickup.Add(2*time.Hour)), "deadline is inclusive")
	assert.Equal(t, BucketActiveLatePickup, Classify(tx, pickup.Add(2*time.Hour+time.Second)))
	assert.Equal(t, BucketActiveLatePickup, Classify(tx, pickup.Add(48*time.Hour)))
}

func TestClassifyByStatus(t *testing.T) {
	now := pickup.Add(time.Hour)

	tx := activeTx("tx-1")
	tx.Status = db.StatusWaiting
	assert.Equal(t, BucketWaiting, Classify(tx, now))

	tx.Status = db.StatusLate
	assert.Equal(t, BucketLate, Classify(tx, now))

	tx.Status = db.StatusCanceled
	assert.Equal(t, BucketCanceled, Classify(tx, now))

	tx.Status = db.StatusFinished
	assert.Equal(t, BucketFinished, Classify(tx, now))

	picked := pickup
	tx = activeTx("tx-2")
	tx.ActualPickupTime = &picked
	assert.Equal(t, BucketNone, Classify(tx, now))
}

func TestPartition(t *testing.T) {
	now := pickup.Add(3 * time.Hour)

	onTime := activeTx("on-time")
	onTime.ScheduledPickupTime = now.Add(time.Hour)

	missed := activeTx("missed")

	waiting := activeTx("waiting")
	waiting.Status = db.StatusWaiting

	late := activeTx("late")
	late.Status = db.StatusLate

	canceled := activeTx("canceled")
	canceled.Status = db.StatusCanceled

	finished := activeTx("finished")
	finished.Status = db.StatusFinished

	b := Partition([]db.Transaction{onTime, missed, waiting, late, canceled, finished}, now)

	assert.Len(t, b.ActivePickup, 1)
	assert.Equal(t, "on-time", b.ActivePickup[0].ID)
	assert.Len(t, b.ActiveLatePickup, 1)
	assert.Equal(t, "missed", b.ActiveLatePickup[0].ID)
	assert.Len(t, b.Waiting, 1)
	assert.Len(t, b.Late, 1)
	assert.Len(t, b.Canceled, 1)

	empty := Partition(nil, now)
	assert.NotNil(t, empty.Waiting)
	assert.Empty(t, empty.ActivePickup)
}

func TestCanPickup(t *testing.T) {
	tx := activeTx("tx-1")

	assert.False(t, CanPickup(tx, pickup.Add(-time.Minute)))
	assert.True(t, CanPickup(tx, pickup))
	assert.True(t, CanPickup(tx, pickup.Add(2*time.Hour)))
	assert.False(t, CanPickup(tx, pickup.Add(2*time.Hour+time.Minute)))

	picked := pickup
	tx.ActualPickupTime = &picked
	assert.False(t, CanPickup(tx, pickup.Add(time.Minute)))
}

func TestCanReturnAndCancel(t *testing.T) {
	tx := activeTx("tx-1")
	assert.False(t, CanReturn(tx, tx.ScheduledReturnTime), "not picked up yet")
	assert.True(t, CanCancel(tx))

	picked := pickup
	tx.ActualPickupTime = &picked
	tx.Status = db.StatusWaiting
	assert.False(t, CanCancel(tx))
	assert.False(t, CanReturn(tx, tx.ScheduledReturnTime.Add(-time.Minute)))
	assert.True(t, CanReturn(tx, tx.ScheduledReturnTime))

	tx.Status = db.StatusLate
	assert.True(t, CanReturn(tx, tx.ScheduledReturnTime.Add(72*time.Hour)))

	returned := tx.ScheduledReturnTime
	tx.ActualReturnTime = &returned
	assert.False(t, CanReturn(tx, tx.ScheduledReturnTime))
}

func TestLabel(t *testing.T) {
	assert.Equal(t, "Returned", Label(db.StatusFinished))
	assert.Equal(t, "Canceled", Label(db.StatusCanceled))
	assert.Equal(t, "Awaiting return", Label(db.StatusWaiting))
	assert.Equal(t, "mystery", Label(db.TransactionStatus("mystery")))
}
