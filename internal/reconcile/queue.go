package reconcile

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"librarylend/internal/worker"
)

// Queue runs pair repairs on a worker pool, retrying while the store recovers.
type Queue struct {
	pool     *worker.Pool
	rec      *Reconciler
	logger   *slog.Logger
	attempts uint
	timeout  time.Duration
}

func NewQueue(pool *worker.Pool, rec *Reconciler, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{pool: pool, rec: rec, logger: logger, attempts: 6, timeout: 30 * time.Second}
}

// Enqueue schedules a repair of the pair. It reports false if the pool is full
// or stopped, in which case only a sweep will fix the pair.
func (q *Queue) Enqueue(isbn, userID, reason string) bool {
	return q.pool.Submit(func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, q.timeout)
		defer cancel()

		b := backoff.NewExponentialBackOff()
		b.InitialInterval = 50 * time.Millisecond
		b.MaxInterval = 2 * time.Second

		fixed, err := backoff.Retry(ctx, func() (bool, error) {
			return q.rec.Repair(ctx, isbn, userID)
		}, backoff.WithBackOff(b), backoff.WithMaxTries(q.attempts))
		if err != nil {
			q.logger.Error("queued repair failed", "isbn", isbn, "user_id", userID, "reason", reason, "err", err)
			return
		}
		q.logger.Info("queued repair done", "isbn", isbn, "user_id", userID, "reason", reason, "changed", fixed)
	})
}
