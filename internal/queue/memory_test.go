package queue_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oeltimacreation/simplequeue/internal/queue"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newQueue(t *testing.T) (*queue.Memory, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	return queue.NewMemoryQueueWithClock(clock.Now), clock
}

func TestDequeueFIFO(t *testing.T) {
	q, _ := newQueue(t)
	ctx := context.Background()

	for _, id := range []int64{1, 2, 3} {
		require.NoError(t, q.Enqueue(ctx, "default", id))
	}

	for _, want := range []int64{1, 2, 3} {
		got, err := q.Dequeue(ctx, "default", 0)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestDequeueEmptyNonBlocking(t *testing.T) {
	q, _ := newQueue(t)

	start := time.Now()
	id, err := q.Dequeue(context.Background(), "default", 0)
	require.NoError(t, err)
	assert.Zero(t, id)
	assert.Less(t, time.Since(start), time.Second)
}

func TestDequeueBlocksUntilArrival(t *testing.T) {
	q, _ := newQueue(t)
	ctx := context.Background()

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = q.Enqueue(ctx, "default", 7)
	}()

	id, err := q.Dequeue(ctx, "default", time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(7), id)
}

func TestAckUnknownIsNoop(t *testing.T) {
	q, _ := newQueue(t)
	require.NoError(t, q.Ack(context.Background(), "default", 999))
}

func TestNackThenAckLeavesNoTrace(t *testing.T) {
	q, clock := newQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "default", 1))
	id, err := q.Dequeue(ctx, "default", 0)
	require.NoError(t, err)
	require.Equal(t, int64(1), id)

	require.NoError(t, q.Nack(ctx, "default", 1, 60*time.Second))
	require.NoError(t, q.Ack(ctx, "default", 1))

	clock.Advance(120 * time.Second)
	n, err := q.PromoteDelayedJobs(ctx, "default")
	require.NoError(t, err)
	assert.Zero(t, n)

	id, err = q.Dequeue(ctx, "default", 0)
	require.NoError(t, err)
	assert.Zero(t, id)

	n, err = q.RecoverStaleProcessing(ctx, "default", 0)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestNackZeroDelayRequeues(t *testing.T) {
	q, _ := newQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "default", 1))
	require.NoError(t, q.Enqueue(ctx, "default", 2))

	id, err := q.Dequeue(ctx, "default", 0)
	require.NoError(t, err)
	require.Equal(t, int64(1), id)

	require.NoError(t, q.Nack(ctx, "default", 1, 0))

	// 1 went back to the tail, behind 2
	id, err = q.Dequeue(ctx, "default", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(2), id)
	id, err = q.Dequeue(ctx, "default", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), id)
}

func TestNackWithDelayPromotion(t *testing.T) {
	q, clock := newQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "default", 1))
	_, err := q.Dequeue(ctx, "default", 0)
	require.NoError(t, err)
	require.NoError(t, q.Nack(ctx, "default", 1, 60*time.Second))

	// not yet due
	n, err := q.PromoteDelayedJobs(ctx, "default")
	require.NoError(t, err)
	assert.Zero(t, n)
	id, err := q.Dequeue(ctx, "default", 0)
	require.NoError(t, err)
	assert.Zero(t, id)

	clock.Advance(61 * time.Second)
	n, err = q.PromoteDelayedJobs(ctx, "default")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	id, err = q.Dequeue(ctx, "default", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), id)
}

func TestRecoverStaleProcessing(t *testing.T) {
	q, clock := newQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "default", 1))
	_, err := q.Dequeue(ctx, "default", 0)
	require.NoError(t, err)

	// still within ttl
	n, err := q.RecoverStaleProcessing(ctx, "default", 600*time.Second)
	require.NoError(t, err)
	assert.Zero(t, n)

	clock.Advance(700 * time.Second)
	n, err = q.RecoverStaleProcessing(ctx, "default", 600*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	id, err := q.Dequeue(ctx, "default", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), id)
}

func TestQueuesAreIndependent(t *testing.T) {
	q, _ := newQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "mail", 1))

	id, err := q.Dequeue(ctx, "reports", 0)
	require.NoError(t, err)
	assert.Zero(t, id)

	id, err = q.Dequeue(ctx, "mail", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), id)
}
