package storage

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/oeltimacreation/simplequeue/internal/domain"
)

// Postgres is the relational substrate: one row per job in the jobs table
// (source of truth). Claim resolution rides on a conditional UPDATE.
type Postgres struct {
	db *pgxpool.Pool
}

func NewPostgres(db *pgxpool.Pool) *Postgres { return &Postgres{db: db} }

const jobColumns = `id, queue, type, status, payload, attempts, max_attempts,
available_at, started_at, completed_at, locked_by, locked_at,
error_message, error_trace, progress, progress_message, result,
request_id, created_at, updated_at`

func (s *Postgres) CreateJob(ctx context.Context, p CreateJobParams) (int64, error) {
	payload, err := json.Marshal(p.Payload)
	if err != nil {
		return 0, errors.Wrap(err, "marshal payload")
	}

	var id int64
	err = s.db.QueryRow(ctx, `insert into jobs(queue, type, status, payload, attempts, max_attempts, request_id)
values ($1, $2, 'pending', $3::jsonb, 0, $4, $5)
returning id`,
		p.Queue, p.Type, string(payload), p.MaxAttempts, p.RequestID,
	).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return 0, domain.ErrDuplicateRequestID
		}
		return 0, errors.Wrap(err, "create job")
	}
	return id, nil
}

func (s *Postgres) Find(ctx context.Context, id int64) (*domain.Job, error) {
	row := s.db.QueryRow(ctx, `select `+jobColumns+` from jobs where id = $1`, id)
	j, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return j, err
}

func (s *Postgres) FindActiveByRequestID(ctx context.Context, requestID string) (*domain.Job, error) {
	row := s.db.QueryRow(ctx, `select `+jobColumns+` from jobs
where request_id = $1 and status in ('pending', 'running')
limit 1`, requestID)
	j, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return j, err
}

func (s *Postgres) NextPendingJobID(ctx context.Context, queue string) (int64, error) {
	var id int64
	err := s.db.QueryRow(ctx, `select id from jobs
where queue = $1 and status = 'pending'
  and (available_at is null or available_at <= now())
order by id asc
limit 1`, queue).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrap(err, "next pending job")
	}
	return id, nil
}

func (s *Postgres) ClaimJob(ctx context.Context, id int64, workerID string) (bool, error) {
	tag, err := s.db.Exec(ctx, `update jobs
set status = 'running',
    locked_by = $2,
    locked_at = now(),
    started_at = coalesce(started_at, now()),
    updated_at = now()
where id = $1
  and status = 'pending'
  and (available_at is null or available_at <= now())`, id, workerID)
	if err != nil {
		return false, errors.Wrap(err, "claim job")
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Postgres) MarkCompleted(ctx context.Context, id int64, result map[string]any) (bool, error) {
	var res *string
	if result != nil {
		b, err := json.Marshal(result)
		if err != nil {
			return false, errors.Wrap(err, "marshal result")
		}
		str := string(b)
		res = &str
	}

	tag, err := s.db.Exec(ctx, `update jobs
set status = 'completed',
    result = $2::jsonb,
    completed_at = now(),
    locked_by = null,
    locked_at = null,
    updated_at = now()
where id = $1`, id, res)
	if err != nil {
		return false, errors.Wrap(err, "mark completed")
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Postgres) MarkFailed(ctx context.Context, id int64, errMsg string, errTrace *string) (bool, error) {
	tag, err := s.db.Exec(ctx, `update jobs
set status = 'failed',
    attempts = attempts + 1,
    error_message = $2,
    error_trace = $3,
    completed_at = now(),
    locked_by = null,
    locked_at = null,
    updated_at = now()
where id = $1`, id, errMsg, errTrace)
	if err != nil {
		return false, errors.Wrap(err, "mark failed")
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Postgres) UpdateProgress(ctx context.Context, id int64, progress *int, message *string) (bool, error) {
	tag, err := s.db.Exec(ctx, `update jobs
set progress = coalesce($2, progress),
    progress_message = coalesce($3, progress_message),
    updated_at = now()
where id = $1`, id, progress, message)
	if err != nil {
		return false, errors.Wrap(err, "update progress")
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Postgres) ScheduleRetry(ctx context.Context, id int64, attempts int, delay time.Duration, errMsg string) (bool, error) {
	availableAt := time.Now().UTC().Add(delay)
	tag, err := s.db.Exec(ctx, `update jobs
set status = 'pending',
    attempts = $2,
    available_at = $3,
    error_message = $4,
    locked_by = null,
    locked_at = null,
    updated_at = now()
where id = $1`, id, attempts, availableAt, errMsg)
	if err != nil {
		return false, errors.Wrap(err, "schedule retry")
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Postgres) RecoverStaleJobs(ctx context.Context, ttl time.Duration) (int, error) {
	tag, err := s.db.Exec(ctx, `update jobs
set status = 'pending',
    available_at = null,
    locked_by = null,
    locked_at = null,
    updated_at = now()
where status = 'running'
  and locked_at < now() - $1::interval`, ttl)
	if err != nil {
		return 0, errors.Wrap(err, "recover stale jobs")
	}
	return int(tag.RowsAffected()), nil
}

func (s *Postgres) List(ctx context.Context, f ListFilter) ([]*domain.Job, error) {
	q := `select ` + jobColumns + ` from jobs where true`
	args := []any{}
	if f.Status != nil {
		args = append(args, *f.Status)
		q += ` and status = $` + strconv.Itoa(len(args))
	}
	if f.Queue != nil {
		args = append(args, *f.Queue)
		q += ` and queue = $` + strconv.Itoa(len(args))
	}
	q += ` order by id asc`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += ` limit $` + strconv.Itoa(len(args))
	}
	if f.Offset > 0 {
		args = append(args, f.Offset)
		q += ` offset $` + strconv.Itoa(len(args))
	}

	rows, err := s.db.Query(ctx, q, args...)
	if err != nil {
		return nil, errors.Wrap(err, "list jobs")
	}
	defer rows.Close()

	var out []*domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, errors.Wrap(rows.Err(), "list jobs")
}

func (s *Postgres) Count(ctx context.Context, status *domain.Status, queue *string) (int, error) {
	q := `select count(*) from jobs where true`
	args := []any{}
	if status != nil {
		args = append(args, *status)
		q += ` and status = $` + strconv.Itoa(len(args))
	}
	if queue != nil {
		args = append(args, *queue)
		q += ` and queue = $` + strconv.Itoa(len(args))
	}

	var n int
	if err := s.db.QueryRow(ctx, q, args...).Scan(&n); err != nil {
		return 0, errors.Wrap(err, "count jobs")
	}
	return n, nil
}

func (s *Postgres) PruneCompleted(ctx context.Context, olderThan time.Duration) (int, error) {
	tag, err := s.db.Exec(ctx, `delete from jobs
where status in ('completed', 'failed', 'cancelled')
  and coalesce(completed_at, updated_at) < now() - $1::interval`, olderThan)
	if err != nil {
		return 0, errors.Wrap(err, "prune completed")
	}
	return int(tag.RowsAffected()), nil
}

func scanJob(row pgx.Row) (*domain.Job, error) {
	var (
		j               domain.Job
		payload, result []byte
	)
	err := row.Scan(
		&j.ID, &j.Queue, &j.Type, &j.Status, &payload, &j.Attempts, &j.MaxAttempts,
		&j.AvailableAt, &j.StartedAt, &j.CompletedAt, &j.LockedBy, &j.LockedAt,
		&j.ErrorMessage, &j.ErrorTrace, &j.Progress, &j.ProgressMessage, &result,
		&j.RequestID, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &j.Payload); err != nil {
			return nil, errors.Wrap(err, "unmarshal payload")
		}
	}
	if len(result) > 0 {
		if err := json.Unmarshal(result, &j.Result); err != nil {
			return nil, errors.Wrap(err, "unmarshal result")
		}
	}
	return &j, nil
}

