// Package dispatcher is the producer surface: it writes the job record, then
// hands the id to the dispatch layer.
package dispatcher

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/oeltimacreation/simplequeue/internal/domain"
	"github.com/oeltimacreation/simplequeue/internal/queue"
	"github.com/oeltimacreation/simplequeue/internal/storage"
)

const (
	DefaultQueue       = "default"
	DefaultMaxAttempts = 3
)

type Dispatcher struct {
	store storage.Store
	queue queue.Queue
	log   *zap.Logger
}

func New(store storage.Store, q queue.Queue, log *zap.Logger) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{store: store, queue: q, log: log}
}

type DispatchParams struct {
	Type        string
	Payload     map[string]any
	Queue       string
	MaxAttempts int
	RequestID   *string
}

func (p *DispatchParams) applyDefaults() {
	if p.Queue == "" {
		p.Queue = DefaultQueue
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
}

// Dispatch persists the record, then enqueues its id. The order matters: an
// enqueue failure leaves the record pending, where the stale sweep or the
// polling substrate still discovers it, so the failure is logged and the id
// is returned.
func (d *Dispatcher) Dispatch(ctx context.Context, p DispatchParams) (int64, error) {
	p.applyDefaults()

	id, err := d.store.CreateJob(ctx, storage.CreateJobParams{
		Type:        p.Type,
		Payload:     p.Payload,
		Queue:       p.Queue,
		MaxAttempts: p.MaxAttempts,
		RequestID:   p.RequestID,
	})
	if err != nil {
		return 0, errors.Wrap(err, "dispatch")
	}

	if err := d.queue.Enqueue(ctx, p.Queue, id); err != nil {
		d.log.Warn("enqueue failed, job left pending for recovery",
			zap.Int64("job_id", id),
			zap.String("queue", p.Queue),
			zap.Error(err))
	}
	return id, nil
}

// DispatchBatch dispatches one job per payload. No transactional batching;
// on error the ids dispatched so far are returned alongside it.
func (d *Dispatcher) DispatchBatch(ctx context.Context, jobType string, payloads []map[string]any, queueName string, maxAttempts int) ([]int64, error) {
	ids := make([]int64, 0, len(payloads))
	for _, payload := range payloads {
		id, err := d.Dispatch(ctx, DispatchParams{
			Type:        jobType,
			Payload:     payload,
			Queue:       queueName,
			MaxAttempts: maxAttempts,
		})
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// DispatchIdempotent returns the existing active job for requestID when there
// is one (created=false, no enqueue), else dispatches a new job. The
// check-then-insert is not atomic; substrates with a unique partial index
// close the race by raising ErrDuplicateRequestID, which is translated back
// into the created=false result.
func (d *Dispatcher) DispatchIdempotent(ctx context.Context, jobType string, payload map[string]any, requestID, queueName string, maxAttempts int) (int64, bool, error) {
	existing, err := d.store.FindActiveByRequestID(ctx, requestID)
	if err != nil {
		return 0, false, errors.Wrap(err, "dispatch idempotent")
	}
	if existing != nil {
		return existing.ID, false, nil
	}

	id, err := d.Dispatch(ctx, DispatchParams{
		Type:        jobType,
		Payload:     payload,
		Queue:       queueName,
		MaxAttempts: maxAttempts,
		RequestID:   &requestID,
	})
	if errors.Is(err, domain.ErrDuplicateRequestID) {
		existing, ferr := d.store.FindActiveByRequestID(ctx, requestID)
		if ferr == nil && existing != nil {
			return existing.ID, false, nil
		}
		return 0, false, err
	}
	if err != nil {
		return 0, false, err
	}
	return id, true, nil
}

// Status returns a snapshot of the record, or nil when absent.
func (d *Dispatcher) Status(ctx context.Context, id int64) (*domain.Job, error) {
	return d.store.Find(ctx, id)
}
