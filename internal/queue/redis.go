package queue

import (
	"context"
	"strconv"
	"time"

	"github.com/pkg/errors"
	r "github.com/redis/go-redis/v9"

	"github.com/oeltimacreation/simplequeue/internal/domain"
)

// Redis is the list-and-sorted-set substrate. Per queue it keeps four keys:
//
//	<prefix>:queue:<q>:pending       ready ids, FIFO list
//	<prefix>:queue:<q>:processing    in-flight ids, FIFO list
//	<prefix>:queue:<q>:processing_z  in-flight ids scored by claim time
//	<prefix>:queue:<q>:delayed       delayed ids scored by due time
//
// Dequeue atomically moves head-of-pending to tail-of-processing (LMOVE /
// BLMOVE); the claim stamp into processing_z is a best-effort second step. An
// id that loses its stamp to a crash between the two cannot be recovered
// through the sorted set and is picked up by the state store's own stale
// sweep instead.
type Redis struct {
	rdb    *r.Client
	prefix string
}

// NewRedis pings the server; an unreachable server under an explicit redis
// driver selection is a construction-time failure.
func NewRedis(ctx context.Context, rdb *r.Client, prefix string) (*Redis, error) {
	if prefix == "" {
		prefix = "simplequeue"
	}
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, errors.Wrap(domain.ErrDriverNotAvailable, err.Error())
	}
	return &Redis{rdb: rdb, prefix: prefix}, nil
}

func (q *Redis) key(queue, part string) string {
	return q.prefix + ":queue:" + queue + ":" + part
}

func (q *Redis) IsAvailable(ctx context.Context) bool {
	return q.rdb.Ping(ctx).Err() == nil
}

func (q *Redis) Enqueue(ctx context.Context, queue string, jobID int64) error {
	err := q.rdb.RPush(ctx, q.key(queue, "pending"), formatID(jobID)).Err()
	return errors.Wrap(err, "enqueue")
}

func (q *Redis) Dequeue(ctx context.Context, queue string, timeout time.Duration) (int64, error) {
	pending := q.key(queue, "pending")
	processing := q.key(queue, "processing")

	var (
		member string
		err    error
	)
	if timeout > 0 {
		member, err = q.rdb.BLMove(ctx, pending, processing, "LEFT", "RIGHT", timeout).Result()
	} else {
		member, err = q.rdb.LMove(ctx, pending, processing, "LEFT", "RIGHT").Result()
	}
	if errors.Is(err, r.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrap(err, "dequeue")
	}

	id, err := strconv.ParseInt(member, 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "dequeue: bad member %q", member)
	}

	// Claim stamp is best effort; a miss here is repaired by the state
	// store's stale sweep, not by RecoverStaleProcessing.
	_ = q.rdb.ZAdd(ctx, q.key(queue, "processing_z"), r.Z{
		Score:  float64(time.Now().Unix()),
		Member: member,
	}).Err()

	return id, nil
}

func (q *Redis) Ack(ctx context.Context, queue string, jobID int64) error {
	member := formatID(jobID)
	pipe := q.rdb.TxPipeline()
	pipe.LRem(ctx, q.key(queue, "processing"), 0, member)
	pipe.ZRem(ctx, q.key(queue, "processing_z"), member)
	pipe.ZRem(ctx, q.key(queue, "delayed"), member)
	pipe.LRem(ctx, q.key(queue, "pending"), 0, member)
	_, err := pipe.Exec(ctx)
	return errors.Wrap(err, "ack")
}

func (q *Redis) Nack(ctx context.Context, queue string, jobID int64, delay time.Duration) error {
	member := formatID(jobID)
	pipe := q.rdb.TxPipeline()
	pipe.LRem(ctx, q.key(queue, "processing"), 0, member)
	pipe.ZRem(ctx, q.key(queue, "processing_z"), member)
	if delay > 0 {
		pipe.ZAdd(ctx, q.key(queue, "delayed"), r.Z{
			Score:  float64(time.Now().Add(delay).Unix()),
			Member: member,
		})
	} else {
		pipe.RPush(ctx, q.key(queue, "pending"), member)
	}
	_, err := pipe.Exec(ctx)
	return errors.Wrap(err, "nack")
}

// PromoteDelayedJobs moves due delayed ids to the ready list. The ZREM is
// the atomicity guard: only the caller that removes the member pushes it.
func (q *Redis) PromoteDelayedJobs(ctx context.Context, queue string) (int, error) {
	now := time.Now().Unix()
	members, err := q.rdb.ZRangeByScore(ctx, q.key(queue, "delayed"), &r.ZRangeBy{
		Min: "-inf", Max: strconv.FormatInt(now, 10),
	}).Result()
	if err != nil {
		return 0, errors.Wrap(err, "promote delayed")
	}

	count := 0
	for _, member := range members {
		removed, err := q.rdb.ZRem(ctx, q.key(queue, "delayed"), member).Result()
		if err != nil {
			return count, errors.Wrap(err, "promote delayed")
		}
		if removed == 0 {
			continue
		}
		if err := q.rdb.RPush(ctx, q.key(queue, "pending"), member).Err(); err != nil {
			return count, errors.Wrap(err, "promote delayed")
		}
		count++
	}
	return count, nil
}

// RecoverStaleProcessing re-readies in-flight ids whose claim stamp is older
// than ttl.
func (q *Redis) RecoverStaleProcessing(ctx context.Context, queue string, ttl time.Duration) (int, error) {
	cutoff := time.Now().Add(-ttl).Unix()
	members, err := q.rdb.ZRangeByScore(ctx, q.key(queue, "processing_z"), &r.ZRangeBy{
		Min: "-inf", Max: strconv.FormatInt(cutoff, 10),
	}).Result()
	if err != nil {
		return 0, errors.Wrap(err, "recover stale processing")
	}

	count := 0
	for _, member := range members {
		removed, err := q.rdb.ZRem(ctx, q.key(queue, "processing_z"), member).Result()
		if err != nil {
			return count, errors.Wrap(err, "recover stale processing")
		}
		if removed == 0 {
			continue
		}
		pipe := q.rdb.TxPipeline()
		pipe.LRem(ctx, q.key(queue, "processing"), 0, member)
		pipe.RPush(ctx, q.key(queue, "pending"), member)
		if _, err := pipe.Exec(ctx); err != nil {
			return count, errors.Wrap(err, "recover stale processing")
		}
		count++
	}
	return count, nil
}

func formatID(id int64) string { return strconv.FormatInt(id, 10) }
