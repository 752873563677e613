// Package queue is a durable, Redis-backed work queue: dedup by job id,
// at-least-once delivery via per-job leases, exponential backoff retry, and
// a failure quarantine. A waiting list holds jobs ready for delivery and a
// delayed sorted set holds jobs not yet due; an active hash tracks
// in-flight leases, and completed/failed retention lists (the completed one
// capped) record finished ids. Reserve moves a job off the waiting
// list in two steps that can never lose it: BRPOPLPUSH atomically parks
// the id in a processing list, then a Lua script atomically moves it from
// there into the active hash with its lease.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	r "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/SirClappington/txgate/internal/domain"
)

// ErrDuplicateJob is returned by Enqueue when a job with the same id is
// already waiting, delayed, or active; the caller should treat this as a
// no-op, not a failure.
var ErrDuplicateJob = errors.New("queue: duplicate job id")

// ErrNoJob is returned by Reserve when no job is available before the
// block deadline.
var ErrNoJob = errors.New("queue: no job available")

const (
	completedRetention = time.Hour
	completedCap       = 1000
	failedRetention    = 24 * time.Hour
)

// Metrics is a snapshot of queue depth by state.
type Metrics struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Delayed   int64 `json:"delayed"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Total     int64 `json:"total"`
}

// Reservation is a handle to a job a worker has leased. Ack/Nack are
// methods on Queue, taking the Reservation, so the queue can verify the
// lease token and avoid double-acking a job redelivered after a lost lease.
type Reservation struct {
	Job          domain.QueueJob
	AttemptsMade int
	leaseToken   string
}

// recordLease is the Lua script backing the atomic waiting/processing ->
// active move in Reserve. It removes one copy of the id from the
// processing list (where BRPOPLPUSH already durably parked it) and
// records the lease in the active hash as a single server-side
// operation, so there is no round-trip window in which the id is neither
// in a list nor in the active hash.
var recordLease = r.NewScript(`
local removed = redis.call('LREM', KEYS[1], 1, ARGV[1])
redis.call('HSET', KEYS[2], ARGV[1], ARGV[2])
return removed
`)

// Queue is a Redis-backed implementation of the Work Queue contract.
type Queue struct {
	rdb        *r.Client
	name       string
	maxRetries int
	retryBase  time.Duration
	leaseTTL   time.Duration
	log        *zap.Logger
}

// Config bundles the queue's tunables.
type Config struct {
	Name       string
	MaxRetries int
	RetryBase  time.Duration
	LeaseTTL   time.Duration
}

// New wraps an already-connected Redis client.
func New(rdb *r.Client, cfg Config, log *zap.Logger) *Queue {
	return &Queue{
		rdb:        rdb,
		name:       cfg.Name,
		maxRetries: cfg.MaxRetries,
		retryBase:  cfg.RetryBase,
		leaseTTL:   cfg.LeaseTTL,
		log:        log.Named("queue"),
	}
}

func (q *Queue) waitingKey() string      { return "txgate:" + q.name + ":waiting" }
func (q *Queue) delayedKey() string      { return "txgate:" + q.name + ":delayed" }
func (q *Queue) processingKey() string   { return "txgate:" + q.name + ":processing" }
func (q *Queue) activeKey() string       { return "txgate:" + q.name + ":active" }
func (q *Queue) jobKey(id string) string { return "txgate:" + q.name + ":job:" + id }
func (q *Queue) completedKey() string    { return "txgate:" + q.name + ":completed" }
func (q *Queue) failedKey() string       { return "txgate:" + q.name + ":failed" }

// Enqueue adds a job with attempt=0, or returns ErrDuplicateJob if a job
// with this id is already waiting, delayed, or active. Terminal jobs
// (acked completed, or failed after retries) do not block a fresh enqueue.
func (q *Queue) Enqueue(ctx context.Context, tx domain.Transaction, notBefore time.Time) error {
	job := domain.QueueJob{ID: tx.ID, Payload: tx, Attempt: 0, NotBefore: notBefore}
	payload, err := json.Marshal(job)
	if err != nil {
		return errors.Wrap(err, "marshal job")
	}

	// SETNX on the job record is the dedup gate: it exists exactly while the
	// job is waiting, delayed, or active, and is cleared on terminal ack/fail.
	created, err := q.rdb.SetNX(ctx, q.jobKey(tx.ID), payload, 0).Result()
	if err != nil {
		return errors.Wrap(err, "enqueue: set job record")
	}
	if !created {
		return ErrDuplicateJob
	}

	if notBefore.After(time.Now()) {
		err = q.rdb.ZAdd(ctx, q.delayedKey(), r.Z{Score: float64(notBefore.Unix()), Member: tx.ID}).Err()
	} else {
		err = q.rdb.LPush(ctx, q.waitingKey(), tx.ID).Err()
	}
	if err != nil {
		return errors.Wrap(err, "enqueue: schedule job")
	}
	return nil
}

// Reserve blocks up to block for a waiting job, moves it to active with a
// lease, and returns it. ErrNoJob means the deadline elapsed with nothing
// available.
//
// The move off the waiting list happens in two steps, neither of which can
// lose the job: BRPOPLPUSH atomically relocates the id from waiting into
// the processing list (a single Redis-side operation, so a client crash
// right after it returns still leaves the id durably parked in
// processing), then recordLease atomically moves it from processing into
// the active hash with its lease. A crash between those two steps leaves
// the id sitting in the processing list, which reclaimOrphanedProcessing
// (run from RunBackground) notices and requeues.
func (q *Queue) Reserve(ctx context.Context, block time.Duration) (*Reservation, error) {
	id, err := q.rdb.BRPopLPush(ctx, q.waitingKey(), q.processingKey(), block).Result()
	if errors.Is(err, r.Nil) {
		return nil, ErrNoJob
	}
	if err != nil {
		return nil, errors.Wrap(err, "reserve: brpoplpush")
	}

	raw, err := q.rdb.Get(ctx, q.jobKey(id)).Result()
	if errors.Is(err, r.Nil) {
		// Job record vanished (e.g. reaped after an operator cleanup); drop
		// the now-orphaned processing entry and report nothing available.
		q.rdb.LRem(ctx, q.processingKey(), 1, id)
		return nil, ErrNoJob
	}
	if err != nil {
		return nil, errors.Wrap(err, "reserve: load job record")
	}

	var job domain.QueueJob
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return nil, errors.Wrap(err, "reserve: unmarshal job record")
	}

	token := uuid.NewString()
	leaseExpires := time.Now().Add(q.leaseTTL)
	leaseVal := fmt.Sprintf("%s|%d", token, leaseExpires.Unix())
	if err := recordLease.Run(ctx, q.rdb, []string{q.processingKey(), q.activeKey()}, id, leaseVal).Err(); err != nil {
		return nil, errors.Wrap(err, "reserve: record lease")
	}

	return &Reservation{Job: job, AttemptsMade: job.Attempt, leaseToken: token}, nil
}

// Ack marks a reservation's job fully and terminally completed, removing it
// from active and clearing the dedup gate so a fresh submission can enqueue
// the same id again later.
func (q *Queue) Ack(ctx context.Context, res *Reservation) error {
	if !q.ownsLease(ctx, res) {
		q.log.Warn("ack for lost lease, ignoring", zap.String("job_id", res.Job.ID))
		return nil
	}

	pipe := q.rdb.TxPipeline()
	pipe.HDel(ctx, q.activeKey(), res.Job.ID)
	pipe.Del(ctx, q.jobKey(res.Job.ID))
	pipe.LPush(ctx, q.completedKey(), res.Job.ID)
	pipe.LTrim(ctx, q.completedKey(), 0, completedCap-1)
	pipe.Expire(ctx, q.completedKey(), completedRetention)
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrap(err, "ack: finalize job")
	}
	return nil
}

// Nack reports a failed attempt. If retryable and attempts remain, the job
// is rescheduled with exponential backoff (base * 2^attempt); otherwise it
// moves to the failed set and is not redelivered.
func (q *Queue) Nack(ctx context.Context, res *Reservation, retryable bool) error {
	if !q.ownsLease(ctx, res) {
		q.log.Warn("nack for lost lease, ignoring", zap.String("job_id", res.Job.ID))
		return nil
	}

	nextAttempt := res.Job.Attempt + 1
	if retryable && nextAttempt < q.maxRetries {
		res.Job.Attempt = nextAttempt
		delay := q.retryBase * time.Duration(1<<uint(nextAttempt-1))
		res.Job.NotBefore = time.Now().Add(delay)

		payload, err := json.Marshal(res.Job)
		if err != nil {
			return errors.Wrap(err, "nack: marshal job")
		}

		pipe := q.rdb.TxPipeline()
		pipe.HDel(ctx, q.activeKey(), res.Job.ID)
		pipe.Set(ctx, q.jobKey(res.Job.ID), payload, 0)
		pipe.ZAdd(ctx, q.delayedKey(), r.Z{Score: float64(res.Job.NotBefore.Unix()), Member: res.Job.ID})
		if _, err := pipe.Exec(ctx); err != nil {
			return errors.Wrap(err, "nack: reschedule job")
		}
		return nil
	}

	pipe := q.rdb.TxPipeline()
	pipe.HDel(ctx, q.activeKey(), res.Job.ID)
	pipe.Del(ctx, q.jobKey(res.Job.ID))
	pipe.LPush(ctx, q.failedKey(), res.Job.ID)
	pipe.Expire(ctx, q.failedKey(), failedRetention)
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrap(err, "nack: quarantine job")
	}
	return nil
}

// ownsLease guards Ack/Nack against acting on behalf of a reservation whose
// lease has already been reassigned to another worker after expiring. The
// lease token lives inside the active hash's "token|expiry" value, the
// same field recordLease wrote in Reserve, rather than a separate key.
func (q *Queue) ownsLease(ctx context.Context, res *Reservation) bool {
	v, err := q.rdb.HGet(ctx, q.activeKey(), res.Job.ID).Result()
	if err != nil {
		return false
	}
	token, _, ok := strings.Cut(v, "|")
	return ok && token == res.leaseToken
}

// Metrics reports current queue depth by state.
func (q *Queue) Metrics(ctx context.Context) (Metrics, error) {
	pipe := q.rdb.Pipeline()
	waiting := pipe.LLen(ctx, q.waitingKey())
	active := pipe.HLen(ctx, q.activeKey())
	delayed := pipe.ZCard(ctx, q.delayedKey())
	completed := pipe.LLen(ctx, q.completedKey())
	failed := pipe.LLen(ctx, q.failedKey())
	if _, err := pipe.Exec(ctx); err != nil {
		return Metrics{}, errors.Wrap(err, "metrics")
	}

	m := Metrics{
		Waiting:   waiting.Val(),
		Active:    active.Val(),
		Delayed:   delayed.Val(),
		Completed: completed.Val(),
		Failed:    failed.Val(),
	}
	m.Total = m.Waiting + m.Active + m.Delayed + m.Completed + m.Failed
	return m, nil
}

// MoveDue transfers delayed jobs whose notBefore has elapsed into the
// waiting list. Run from a background loop.
func (q *Queue) MoveDue(ctx context.Context, batch int64) (int64, error) {
	now := time.Now().Unix()
	ids, err := q.rdb.ZRangeByScore(ctx, q.delayedKey(), &r.ZRangeBy{
		Min: "-inf", Max: fmt.Sprintf("%d", now), Offset: 0, Count: batch,
	}).Result()
	if err != nil || len(ids) == 0 {
		return 0, err
	}

	pipe := q.rdb.TxPipeline()
	for _, id := range ids {
		pipe.LPush(ctx, q.waitingKey(), id)
		pipe.ZRem(ctx, q.delayedKey(), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, errors.Wrap(err, "move due jobs")
	}
	return int64(len(ids)), nil
}

// SweepExpiredLeases requeues jobs whose lease has expired without an
// ack/nack (worker crash or lost connection), per the at-least-once
// redelivery contract.
func (q *Queue) SweepExpiredLeases(ctx context.Context) (int64, error) {
	entries, err := q.rdb.HGetAll(ctx, q.activeKey()).Result()
	if err != nil {
		return 0, errors.Wrap(err, "sweep: load active jobs")
	}

	now := time.Now().Unix()
	var requeued int64
	for id, v := range entries {
		_, expiresStr, ok := strings.Cut(v, "|")
		if !ok {
			continue
		}
		expires, err := strconv.ParseInt(expiresStr, 10, 64)
		if err != nil {
			continue
		}
		if expires > now {
			continue
		}

		pipe := q.rdb.TxPipeline()
		pipe.HDel(ctx, q.activeKey(), id)
		pipe.LPush(ctx, q.waitingKey(), id)
		if _, err := pipe.Exec(ctx); err != nil {
			q.log.Warn("sweep: requeue failed", zap.String("job_id", id), zap.Error(err))
			continue
		}
		requeued++
	}
	return requeued, nil
}

// reclaimOrphanedProcessing requeues ids that BRPOPLPUSH parked in the
// processing list but that never made it into the active hash (a worker
// crashed between Reserve's two steps). Anything still in processing
// without a matching active entry has no owner and is safe to requeue.
func (q *Queue) reclaimOrphanedProcessing(ctx context.Context) (int64, error) {
	ids, err := q.rdb.LRange(ctx, q.processingKey(), 0, -1).Result()
	if err != nil {
		return 0, errors.Wrap(err, "reclaim: load processing list")
	}

	var reclaimed int64
	for _, id := range ids {
		active, err := q.rdb.HExists(ctx, q.activeKey(), id).Result()
		if err != nil {
			q.log.Warn("reclaim: check active failed", zap.String("job_id", id), zap.Error(err))
			continue
		}
		if active {
			continue
		}

		pipe := q.rdb.TxPipeline()
		pipe.LRem(ctx, q.processingKey(), 1, id)
		pipe.LPush(ctx, q.waitingKey(), id)
		if _, err := pipe.Exec(ctx); err != nil {
			q.log.Warn("reclaim: requeue failed", zap.String("job_id", id), zap.Error(err))
			continue
		}
		reclaimed++
	}
	return reclaimed, nil
}

// RunBackground runs MoveDue, SweepExpiredLeases, and
// reclaimOrphanedProcessing on interval until ctx is cancelled.
func (q *Queue) RunBackground(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n, err := q.MoveDue(ctx, 500); err != nil {
				q.log.Warn("move due jobs failed", zap.Error(err))
			} else if n > 0 {
				q.log.Debug("moved due jobs to waiting", zap.Int64("count", n))
			}
			if n, err := q.SweepExpiredLeases(ctx); err != nil {
				q.log.Warn("sweep expired leases failed", zap.Error(err))
			} else if n > 0 {
				q.log.Info("requeued jobs with expired leases", zap.Int64("count", n))
			}
			if n, err := q.reclaimOrphanedProcessing(ctx); err != nil {
				q.log.Warn("reclaim orphaned processing entries failed", zap.Error(err))
			} else if n > 0 {
				q.log.Info("requeued orphaned processing entries", zap.Int64("count", n))
			}
		}
	}
}
