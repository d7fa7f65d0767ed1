package queue

import (
	"context"
	"time"

	"github.com/oeltimacreation/simplequeue/internal/storage"
)

// MinPollInterval is the floor for the polling loop.
const MinPollInterval = 50 * time.Millisecond

// Polling dequeues straight off the state store: enqueue, ack and nack are
// no-ops because the store's status and availableAt already encode ready,
// in-flight and delayed. It carries no optional capabilities.
type Polling struct {
	store    storage.Store
	interval time.Duration
}

// NewPolling clamps the poll interval to MinPollInterval.
func NewPolling(store storage.Store, interval time.Duration) *Polling {
	if interval < MinPollInterval {
		interval = MinPollInterval
	}
	return &Polling{store: store, interval: interval}
}

func (q *Polling) IsAvailable(ctx context.Context) bool {
	_, err := q.store.Count(ctx, nil, nil)
	return err == nil
}

func (q *Polling) Enqueue(context.Context, string, int64) error { return nil }

func (q *Polling) Ack(context.Context, string, int64) error { return nil }

func (q *Polling) Nack(context.Context, string, int64, time.Duration) error { return nil }

func (q *Polling) Dequeue(ctx context.Context, queue string, timeout time.Duration) (int64, error) {
	deadline := time.Now().Add(timeout)
	for {
		id, err := q.store.NextPendingJobID(ctx, queue)
		if err != nil {
			return 0, err
		}
		if id != 0 {
			return id, nil
		}
		if timeout <= 0 {
			return 0, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return 0, nil
		}
		wait := q.interval
		if remaining < wait {
			wait = remaining
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(wait):
		}
	}
}
