package queue_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oeltimacreation/simplequeue/internal/queue"
	"github.com/oeltimacreation/simplequeue/internal/storage"
)

func TestPollingDequeueReturnsPendingJob(t *testing.T) {
	store := storage.NewMemory()
	q := queue.NewPolling(store, queue.MinPollInterval)
	ctx := context.Background()

	id, err := store.CreateJob(ctx, storage.CreateJobParams{
		Type: "t", Queue: "default", MaxAttempts: 3,
	})
	require.NoError(t, err)

	got, err := q.Dequeue(ctx, "default", 0)
	require.NoError(t, err)
	assert.Equal(t, id, got)
}

func TestPollingDequeueEmptyNonBlocking(t *testing.T) {
	q := queue.NewPolling(storage.NewMemory(), queue.MinPollInterval)

	start := time.Now()
	id, err := q.Dequeue(context.Background(), "default", 0)
	require.NoError(t, err)
	assert.Zero(t, id)
	assert.Less(t, time.Since(start), time.Second)
}

func TestPollingDequeueBlocksUntilDeadline(t *testing.T) {
	q := queue.NewPolling(storage.NewMemory(), queue.MinPollInterval)

	start := time.Now()
	id, err := q.Dequeue(context.Background(), "default", 120*time.Millisecond)
	require.NoError(t, err)
	assert.Zero(t, id)
	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, 100*time.Millisecond)
	assert.Less(t, elapsed, 2*time.Second)
}

func TestPollingDequeueSeesLateArrival(t *testing.T) {
	store := storage.NewMemory()
	q := queue.NewPolling(store, queue.MinPollInterval)
	ctx := context.Background()

	go func() {
		time.Sleep(60 * time.Millisecond)
		_, _ = store.CreateJob(ctx, storage.CreateJobParams{
			Type: "t", Queue: "default", MaxAttempts: 3,
		})
	}()

	got, err := q.Dequeue(ctx, "default", 2*time.Second)
	require.NoError(t, err)
	assert.NotZero(t, got)
}

func TestPollingEnqueueAckNackAreNoops(t *testing.T) {
	q := queue.NewPolling(storage.NewMemory(), 0)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "default", 1))
	require.NoError(t, q.Ack(ctx, "default", 1))
	require.NoError(t, q.Nack(ctx, "default", 1, time.Minute))
}

func TestPollingHasNoOptionalCapabilities(t *testing.T) {
	var q queue.Queue = queue.NewPolling(storage.NewMemory(), 0)

	_, promoter := q.(queue.DelayedPromoter)
	assert.False(t, promoter)
	_, recoverer := q.(queue.StaleRecoverer)
	assert.False(t, recoverer)
}

func TestPollingDequeueHonorsCancel(t *testing.T) {
	q := queue.NewPolling(storage.NewMemory(), queue.MinPollInterval)
	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	_, err := q.Dequeue(ctx, "default", 5*time.Second)
	require.ErrorIs(t, err, context.Canceled)
}
