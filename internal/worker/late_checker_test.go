package worker

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/autolib/services/lending/internal/db"
	"github.com/autolib/services/lending/internal/db/dbtest"
	"github.com/autolib/services/lending/internal/events"
	"github.com/autolib/services/lending/internal/metrics"
	"github.com/autolib/services/lending/internal/notify"
	"github.com/autolib/services/lending/internal/repo"
	"github.com/autolib/services/lending/pkg/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePublisher struct {
	mu  sync.Mutex
	ids []string
}

func (p *fakePublisher) PublishTransaction(ctx context.Context, eventType string, tx *db.Transaction) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if eventType == events.EventTransactionLate {
		p.ids = append(p.ids, tx.ID)
	}
	return nil
}

type fakeNotifier struct {
	mu    sync.Mutex
	users []string
}

func (n *fakeNotifier) Notify(userID string, msg notify.Message) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.users = append(n.users, userID)
}

func TestCheckMarksOverdueTransactions(t *testing.T) {
	database := dbtest.Open(t)
	log := logger.NewLogger("test", "error", "json")
	ctx := context.Background()
	txs := repo.NewTransactionRepository(database, log)

	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	picked := now.Add(-72 * time.Hour)

	seed := []*db.Transaction{
		// overdue, never collected
		{BookID: "b1", UserID: "u1", PickupLockerID: "l1", ReturnLockerID: "l2", Status: db.StatusActive,
			ScheduledPickupTime: now.Add(-10 * time.Hour), ScheduledReturnTime: now.Add(-time.Hour)},
		// overdue, collected
		{BookID: "b1", UserID: "u2", PickupLockerID: "l1", ReturnLockerID: "l2", Status: db.StatusWaiting,
			ScheduledPickupTime: picked, ScheduledReturnTime: now.Add(-time.Minute), ActualPickupTime: &picked},
		// still in time
		{BookID: "b1", UserID: "u3", PickupLockerID: "l1", ReturnLockerID: "l2", Status: db.StatusWaiting,
			ScheduledPickupTime: picked, ScheduledReturnTime: now.Add(time.Hour), ActualPickupTime: &picked},
		// closed
		{BookID: "b1", UserID: "u4", PickupLockerID: "l1", ReturnLockerID: "l2", Status: db.StatusCanceled,
			ScheduledPickupTime: now.Add(-10 * time.Hour), ScheduledReturnTime: now.Add(-time.Hour)},
	}
	for _, tx := range seed {
		require.NoError(t, txs.CreateTransaction(ctx, tx))
	}

	pub := &fakePublisher{}
	notifier := &fakeNotifier{}
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	checker := NewLateChecker(txs, pub, notifier, m, time.Minute, log)
	checker.now = func() time.Time { return now }

	assert.Equal(t, 2, checker.Check(ctx))
	assert.ElementsMatch(t, []string{seed[0].ID, seed[1].ID}, pub.ids)
	assert.ElementsMatch(t, []string{"u1", "u2"}, notifier.users)

	late, err := txs.GetTransaction(ctx, seed[1].ID)
	require.NoError(t, err)
	assert.Equal(t, db.StatusLate, late.Status)

	onTime, err := txs.GetTransaction(ctx, seed[2].ID)
	require.NoError(t, err)
	assert.Equal(t, db.StatusWaiting, onTime.Status)

	// already late rows are not reported twice
	assert.Equal(t, 0, checker.Check(ctx))
	expected := `
# HELP lending_late_marked_total Transactions flagged late by the return sweeper.
# TYPE lending_late_marked_total counter
lending_late_marked_total 2
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "lending_late_marked_total"))
}

type failingMarker struct{}

func (failingMarker) MarkLate(ctx context.Context, now time.Time) ([]db.Transaction, error) {
	return nil, errors.New("db down")
}

func TestCheckSurvivesStoreError(t *testing.T) {
	checker := NewLateChecker(failingMarker{}, &fakePublisher{}, nil, nil, time.Minute, logger.NewLogger("test", "error", "json"))
	assert.Equal(t, 0, checker.Check(context.Background()))
}

type countingMarker struct {
	mu    sync.Mutex
	calls int
}

func (c *countingMarker) MarkLate(ctx context.Context, now time.Time) ([]db.Transaction, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return nil, nil
}

func (c *countingMarker) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func TestRunChecksImmediatelyAndStops(t *testing.T) {
	marker := &countingMarker{}
	checker := NewLateChecker(marker, &fakePublisher{}, nil, nil, time.Hour, logger.NewLogger("test", "error", "json"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		checker.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool { return marker.Calls() == 1 }, time.Second, 10*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("checker did not stop")
	}
}
