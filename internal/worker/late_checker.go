package worker

import (
	"context"
	"time"

	"github.com/autolib/services/lending/internal/db"
	"github.com/autolib/services/lending/internal/events"
	"github.com/autolib/services/lending/internal/metrics"
	"github.com/autolib/services/lending/internal/notify"
	"go.uber.org/zap"
)

// LateMarker flags overdue transactions and returns the rows it changed
type LateMarker interface {
	MarkLate(ctx context.Context, now time.Time) ([]db.Transaction, error)
}

// Publisher publishes transaction events
type Publisher interface {
	PublishTransaction(ctx context.Context, eventType string, tx *db.Transaction) error
}

// Notifier pushes a message to a member's open sessions
type Notifier interface {
	Notify(userID string, msg notify.Message)
}

// LateChecker periodically marks transactions whose scheduled return has passed as late
type LateChecker struct {
	store     LateMarker
	publisher Publisher
	notifier  Notifier
	metrics   *metrics.Metrics
	interval  time.Duration
	now       func() time.Time
	log       *zap.Logger
}

// NewLateChecker creates a checker. notifier and m may be nil.
func NewLateChecker(store LateMarker, publisher Publisher, notifier Notifier, m *metrics.Metrics, interval time.Duration, log *zap.Logger) *LateChecker {
	return &LateChecker{
		store:     store,
		publisher: publisher,
		notifier:  notifier,
		metrics:   m,
		interval:  interval,
		now:       func() time.Time { return time.Now().UTC() },
		log:       log,
	}
}

// Run checks once immediately, then on every tick until ctx is done
func (c *LateChecker) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.log.Info("Late return checker started", zap.Duration("interval", c.interval))
	c.Check(ctx)

	for {
		select {
		case <-ctx.Done():
			c.log.Info("Late return checker stopped")
			return
		case <-ticker.C:
			c.Check(ctx)
		}
	}
}

// Check runs one sweep and reports how many transactions became late
func (c *LateChecker) Check(ctx context.Context) int {
	marked, err := c.store.MarkLate(ctx, c.now())
	if err != nil {
		c.log.Error("Late return check failed", zap.Error(err))
		return 0
	}

	for i := range marked {
		tx := &marked[i]
		if err := c.publisher.PublishTransaction(ctx, events.EventTransactionLate, tx); err != nil {
			c.log.Error("Failed to publish late event",
				zap.String("transaction_id", tx.ID),
				zap.Error(err),
			)
		}
		if c.notifier != nil {
			c.notifier.Notify(tx.UserID, notify.Message{
				Type:          events.EventTransactionLate,
				TransactionID: tx.ID,
				Status:        string(tx.Status),
				Text:          "Your borrowed book is past its return time",
			})
		}
	}

	c.metrics.LateMarked(len(marked))
	return len(marked)
}
