// Package worker owns the coordination loop: claim handshake, handler
// invocation, retry backoff, crash-recovery sweeps and graceful shutdown.
package worker

import (
	"context"
	"fmt"
	"os"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/oeltimacreation/simplequeue/internal/domain"
	"github.com/oeltimacreation/simplequeue/internal/queue"
	"github.com/oeltimacreation/simplequeue/internal/registry"
	"github.com/oeltimacreation/simplequeue/internal/storage"
)

// Options configures one worker instance.
type Options struct {
	// Queue is the logical queue this worker drains.
	Queue string
	// PollTimeout bounds the blocking dequeue.
	PollTimeout time.Duration
	// StuckTTL is the stale-claim recovery threshold, not a hard kill.
	StuckTTL time.Duration
	// RetryBaseDelay is the exponential base, in seconds. -1 disables the
	// delay entirely (retries become eligible immediately).
	RetryBaseDelay int
	// RetryMaxDelay caps the retry delay, in seconds.
	RetryMaxDelay int
	// LockFile is the advisory singleton lock path. Empty disables the lock.
	LockFile string
}

func (o *Options) applyDefaults() {
	if o.Queue == "" {
		o.Queue = "default"
	}
	if o.PollTimeout == 0 {
		o.PollTimeout = 5 * time.Second
	}
	if o.StuckTTL == 0 {
		o.StuckTTL = 600 * time.Second
	}
	if o.RetryBaseDelay == 0 {
		o.RetryBaseDelay = 2
	}
	if o.RetryMaxDelay == 0 {
		o.RetryMaxDelay = 300
	}
}

// Worker runs one attempt at a time. Multiple instances may share a store
// and a dispatch layer, in or across processes, as long as each carries a
// distinct id.
type Worker struct {
	store storage.Store
	queue queue.Queue
	reg   *registry.Registry
	opts  Options
	log   *zap.Logger

	id       string
	lock     *flock.Flock
	stopping atomic.Bool
}

func New(store storage.Store, q queue.Queue, reg *registry.Registry, opts Options, log *zap.Logger) *Worker {
	opts.applyDefaults()
	if log == nil {
		log = zap.NewNop()
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	id := fmt.Sprintf("%s:%d:%s", hostname, os.Getpid(), uuid.NewString()[:8])

	return &Worker{
		store: store,
		queue: q,
		reg:   reg,
		opts:  opts,
		log:   log.With(zap.String("worker_id", id), zap.String("queue", opts.Queue)),
		id:    id,
	}
}

// ID returns this instance's worker id (<hostname>:<pid>:<suffix>).
func (w *Worker) ID() string { return w.id }

// Stop requests a graceful exit: the flag is checked between iterations and
// the in-flight attempt, if any, runs to completion.
func (w *Worker) Stop() { w.stopping.Store(true) }

// Run acquires the singleton lock, performs the one-shot stale sweep, then
// loops until Stop or context cancellation. The only fatal condition is a
// held singleton lock.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.acquireLock(); err != nil {
		return err
	}
	defer w.releaseLock()

	if n, err := w.RecoverStale(ctx); err != nil {
		w.log.Error("stale recovery sweep failed", zap.Error(err))
	} else if n > 0 {
		w.log.Warn("recovered stale jobs", zap.Int("count", n))
	}

	w.log.Info("worker started")
	for {
		select {
		case <-ctx.Done():
			w.log.Info("worker stopped", zap.String("reason", "context"))
			return nil
		default:
		}
		if w.stopping.Load() {
			w.log.Info("worker stopped", zap.String("reason", "stop"))
			return nil
		}

		if _, err := w.ProcessOne(ctx); err != nil && ctx.Err() == nil {
			w.log.Warn("iteration failed", zap.Error(err))
		}
	}
}

// RecoverStale sweeps both substrates once. The sweeps are independent and
// idempotent; their combined count is returned.
func (w *Worker) RecoverStale(ctx context.Context) (int, error) {
	total := 0

	n, err := w.store.RecoverStaleJobs(ctx, w.opts.StuckTTL)
	if err != nil {
		return total, errors.Wrap(err, "recover stale jobs")
	}
	total += n

	if r, ok := w.queue.(queue.StaleRecoverer); ok {
		n, err := r.RecoverStaleProcessing(ctx, w.opts.Queue, w.opts.StuckTTL)
		if err != nil {
			return total, errors.Wrap(err, "recover stale processing")
		}
		total += n
	}
	return total, nil
}

// ProcessOne runs a single loop iteration: promote due delayed ids, dequeue,
// claim, execute, settle. Reports whether an attempt was executed.
func (w *Worker) ProcessOne(ctx context.Context) (bool, error) {
	// Promotion runs before dequeue so a just-due retry is visible.
	if p, ok := w.queue.(queue.DelayedPromoter); ok {
		if n, err := p.PromoteDelayedJobs(ctx, w.opts.Queue); err != nil {
			w.log.Warn("delayed promotion failed", zap.Error(err))
		} else if n > 0 {
			w.log.Debug("promoted delayed jobs", zap.Int("count", n))
		}
	}

	id, err := w.queue.Dequeue(ctx, w.opts.Queue, w.opts.PollTimeout)
	if err != nil {
		return false, errors.Wrap(err, "dequeue")
	}
	if id == 0 {
		return false, nil
	}

	claimed, err := w.store.ClaimJob(ctx, id, w.id)
	if err != nil {
		// No ack: the substrate's stale recovery will re-ready the id, so a
		// transient store failure cannot lose the delivery.
		w.log.Error("claim failed", zap.Int64("job_id", id), zap.Error(err))
		return false, errors.Wrap(err, "claim")
	}
	if !claimed {
		// Another worker won, or the record left pending through an admin
		// path. The id was delivered to us, so the ack is ours to issue.
		w.log.Debug("claim lost", zap.Int64("job_id", id))
		w.ack(ctx, id)
		return false, nil
	}

	job, err := w.store.Find(ctx, id)
	if err != nil {
		w.log.Error("fetch after claim failed", zap.Int64("job_id", id), zap.Error(err))
		return false, errors.Wrap(err, "find")
	}
	if job == nil {
		w.log.Warn("record missing after claim", zap.Int64("job_id", id))
		w.ack(ctx, id)
		return false, nil
	}

	result, handleErr := w.execute(ctx, job)
	w.settle(ctx, job, result, handleErr)
	return true, nil
}

func (w *Worker) execute(ctx context.Context, job *domain.Job) (result map[string]any, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = errors.Errorf("handler panic: %v\n%s", p, debug.Stack())
		}
	}()

	h, err := w.reg.Resolve(job.Type)
	if err != nil {
		return nil, err
	}

	report := func(percent int, message string) {
		p := percent
		var msg *string
		if message != "" {
			msg = &message
		}
		if _, perr := w.store.UpdateProgress(ctx, job.ID, &p, msg); perr != nil {
			w.log.Debug("progress update failed", zap.Int64("job_id", job.ID), zap.Error(perr))
		}
	}

	return h.Handle(ctx, job.ID, job.Payload, report)
}

// settle finalizes the attempt against both substrates. Every call here is
// guarded: a failing substrate is logged and the stale sweeps repair the
// residue once StuckTTL elapses.
func (w *Worker) settle(ctx context.Context, job *domain.Job, result map[string]any, handleErr error) {
	log := w.log.With(zap.Int64("job_id", job.ID), zap.String("type", job.Type))

	if handleErr == nil {
		if _, err := w.store.MarkCompleted(ctx, job.ID, result); err != nil {
			log.Error("mark completed failed", zap.Error(err))
		}
		w.ack(ctx, job.ID)
		log.Info("job completed")
		return
	}

	attemptIndex := job.Attempts + 1
	errMsg := handleErr.Error()

	if attemptIndex < job.MaxAttempts {
		delay := RetryDelay(w.opts.RetryBaseDelay, w.opts.RetryMaxDelay, attemptIndex)
		if _, err := w.store.ScheduleRetry(ctx, job.ID, attemptIndex, delay, errMsg); err != nil {
			log.Error("schedule retry failed", zap.Error(err))
		}
		if err := w.queue.Nack(ctx, w.opts.Queue, job.ID, delay); err != nil {
			log.Error("nack failed", zap.Error(err))
		}
		log.Warn("job failed, retry scheduled",
			zap.Int("attempt", attemptIndex),
			zap.Duration("delay", delay),
			zap.String("error", errMsg))
		return
	}

	trace := domain.TruncateTrace(fmt.Sprintf("%+v", handleErr))
	if _, err := w.store.MarkFailed(ctx, job.ID, errMsg, &trace); err != nil {
		log.Error("mark failed failed", zap.Error(err))
	}
	w.ack(ctx, job.ID)
	log.Error("job failed permanently",
		zap.Int("attempts", attemptIndex),
		zap.String("error", errMsg))
}

func (w *Worker) ack(ctx context.Context, id int64) {
	if err := w.queue.Ack(ctx, w.opts.Queue, id); err != nil {
		w.log.Error("ack failed", zap.Int64("job_id", id), zap.Error(err))
	}
}

func (w *Worker) acquireLock() error {
	if w.opts.LockFile == "" {
		w.log.Warn("singleton lock disabled, no lock file configured")
		return nil
	}

	lock := flock.New(w.opts.LockFile)
	locked, err := lock.TryLock()
	if err != nil {
		w.log.Warn("singleton lock unavailable on this host, proceeding without",
			zap.String("path", w.opts.LockFile), zap.Error(err))
		return nil
	}
	if !locked {
		return errors.Errorf("worker: singleton lock %s held by another process", w.opts.LockFile)
	}
	w.lock = lock
	return nil
}

func (w *Worker) releaseLock() {
	if w.lock == nil {
		return
	}
	if err := w.lock.Unlock(); err != nil {
		w.log.Warn("release singleton lock failed", zap.Error(err))
	}
	w.lock = nil
}
