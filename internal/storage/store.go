// Package storage holds the state-store contract and its substrates. The
// store is the persistence plane: one durable record per job, claimed and
// settled through conditional updates.
package storage

import (
	"context"
	"time"

	"github.com/oeltimacreation/simplequeue/internal/domain"
)

// CreateJobParams carries everything a producer supplies for a new record.
type CreateJobParams struct {
	Type        string
	Payload     map[string]any
	Queue       string
	MaxAttempts int
	RequestID   *string
}

// ListFilter narrows List results. Nil fields match everything.
type ListFilter struct {
	Status *domain.Status
	Queue  *string
	Limit  int
	Offset int
}

// Store is the state-store contract. ClaimJob must be serializable against
// itself and against ScheduleRetry/MarkCompleted/MarkFailed on the same id:
// of any number of concurrent claimers, at most one wins.
type Store interface {
	// CreateJob writes a new pending record and returns its id. Ids are
	// monotonic positive integers within a store instance.
	CreateJob(ctx context.Context, p CreateJobParams) (int64, error)

	// Find returns a snapshot of the record, or nil when absent.
	Find(ctx context.Context, id int64) (*domain.Job, error)

	// FindActiveByRequestID returns the record with the given request id and
	// status pending or running, or nil. At most one such record exists.
	FindActiveByRequestID(ctx context.Context, requestID string) (*domain.Job, error)

	// NextPendingJobID returns the lowest-id pending record in the queue whose
	// availableAt is null or past, or 0 when none. Used by the polling
	// dispatch substrate.
	NextPendingJobID(ctx context.Context, queue string) (int64, error)

	// ClaimJob atomically moves a claimable pending record to running, bound
	// to workerID. Returns whether the transition occurred.
	ClaimJob(ctx context.Context, id int64, workerID string) (bool, error)

	// MarkCompleted finalizes the record as completed with an optional result.
	MarkCompleted(ctx context.Context, id int64, result map[string]any) (bool, error)

	// MarkFailed finalizes the record as failed, recording the last attempt's
	// diagnostic and counting that attempt.
	MarkFailed(ctx context.Context, id int64, errMsg string, errTrace *string) (bool, error)

	// UpdateProgress partially updates the progress fields. Never touches
	// status; nil arguments leave the corresponding field as is.
	UpdateProgress(ctx context.Context, id int64, progress *int, message *string) (bool, error)

	// ScheduleRetry returns the record to pending with the given attempt
	// count, an availableAt of now+delay, and cleared lock fields.
	ScheduleRetry(ctx context.Context, id int64, attempts int, delay time.Duration, errMsg string) (bool, error)

	// RecoverStaleJobs returns every running record whose lockedAt is older
	// than ttl back to pending with availableAt cleared. Returns the count.
	RecoverStaleJobs(ctx context.Context, ttl time.Duration) (int, error)

	// List returns records matching the filter, ordered by id.
	List(ctx context.Context, f ListFilter) ([]*domain.Job, error)

	// Count returns the number of records matching the optional filters.
	Count(ctx context.Context, status *domain.Status, queue *string) (int, error)

	// PruneCompleted deletes terminal records whose terminal transition is
	// older than the given age. Returns the number deleted.
	PruneCompleted(ctx context.Context, olderThan time.Duration) (int, error)
}
