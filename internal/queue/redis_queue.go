package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/mailfold/mailfold/internal/domain"
	"github.com/mailfold/mailfold/pkg/logger"
)

// MaxRetryDelay caps exponential backoff.
const MaxRetryDelay = 15 * time.Minute

// RedisQueue implements domain.JobQueue on Redis.
//
// Layout per named queue:
//
//	mq:{queue}:ready    ZSET  jobID -> priority-ordered score
//	mq:{queue}:delayed  ZSET  jobID -> notBefore (unix ms)
//	mq:{queue}:leased   ZSET  jobID -> lease deadline (unix ms)
//	mq:{queue}:job:{id} STRING  job JSON
//	mq:{queue}:completed / :failed  LIST  history, trimmed to caps
//
// At-least-once: a job popped from ready lands in leased before Ack removes
// it; a crashed worker's lease expires and ReapStalled returns the job to
// ready. The small window between ZPopMin and the leased ZAdd can duplicate
// a job on a hard crash, which the contract permits.
type RedisQueue struct {
	client *redis.Client
	logger logger.Logger
}

// NewRedisQueue wraps an existing client.
func NewRedisQueue(client *redis.Client, log logger.Logger) *RedisQueue {
	return &RedisQueue{client: client, logger: log}
}

func keyReady(queue string) string   { return "mq:" + queue + ":ready" }
func keyDelayed(queue string) string { return "mq:" + queue + ":delayed" }
func keyLeased(queue string) string  { return "mq:" + queue + ":leased" }
func keySeq(queue string) string     { return "mq:" + queue + ":seq" }
func keyJob(queue, id string) string { return "mq:" + queue + ":job:" + id }
func keyHistory(queue, kind string) string {
	return "mq:" + queue + ":" + kind
}

func (q *RedisQueue) prepare(queue string, job *domain.Job, opts *domain.JobOptions) *domain.JobOptions {
	if opts == nil {
		defaults := domain.QueueDefaults(queue)
		opts = &defaults
	}
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.MaxAttempts == 0 {
		job.MaxAttempts = opts.MaxAttempts
	}
	if job.Backoff.Base == 0 {
		job.Backoff = opts.Backoff
	}
	if job.Priority == 0 {
		job.Priority = opts.Priority
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}
	return opts
}

// readyScore orders ready jobs by priority first (lower runs first), then
// by enqueue sequence for FIFO within a priority band.
func (q *RedisQueue) readyScore(ctx context.Context, queue string, priority int) (float64, error) {
	seq, err := q.client.Incr(ctx, keySeq(queue)).Result()
	if err != nil {
		return 0, err
	}
	return float64(priority)*1e13 + float64(seq), nil
}

func (q *RedisQueue) storeJob(ctx context.Context, queue string, job *domain.Job) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	return q.client.Set(ctx, keyJob(queue, job.ID), body, 0).Err()
}

func (q *RedisQueue) loadJob(ctx context.Context, queue, id string) (*domain.Job, error) {
	body, err := q.client.Get(ctx, keyJob(queue, id)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var job domain.Job
	if err := json.Unmarshal([]byte(body), &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job %s: %w", id, err)
	}
	return &job, nil
}

func (q *RedisQueue) Enqueue(ctx context.Context, queue string, job *domain.Job, opts *domain.JobOptions) error {
	q.prepare(queue, job, opts)
	if err := q.storeJob(ctx, queue, job); err != nil {
		return err
	}
	score, err := q.readyScore(ctx, queue, job.Priority)
	if err != nil {
		return err
	}
	return q.client.ZAdd(ctx, keyReady(queue), redis.Z{Score: score, Member: job.ID}).Err()
}

func (q *RedisQueue) EnqueueBulk(ctx context.Context, queue string, jobs []*domain.Job, opts *domain.JobOptions) error {
	for _, job := range jobs {
		if err := q.Enqueue(ctx, queue, job, opts); err != nil {
			return fmt.Errorf("bulk enqueue failed at job %s: %w", job.ID, err)
		}
	}
	return nil
}

func (q *RedisQueue) EnqueueDelayed(ctx context.Context, queue string, job *domain.Job, notBefore time.Time, opts *domain.JobOptions) error {
	q.prepare(queue, job, opts)
	if err := q.storeJob(ctx, queue, job); err != nil {
		return err
	}
	score := float64(notBefore.UnixMilli())
	return q.client.ZAdd(ctx, keyDelayed(queue), redis.Z{Score: score, Member: job.ID}).Err()
}

// promoteDelayed moves due delayed jobs into ready.
func (q *RedisQueue) promoteDelayed(ctx context.Context, queue string, now time.Time) error {
	due, err := q.client.ZRangeByScore(ctx, keyDelayed(queue), &redis.ZRangeBy{
		Min: "-inf", Max: fmt.Sprintf("%d", now.UnixMilli()),
	}).Result()
	if err != nil || len(due) == 0 {
		return err
	}
	for _, id := range due {
		removed, err := q.client.ZRem(ctx, keyDelayed(queue), id).Result()
		if err != nil {
			return err
		}
		if removed == 0 {
			continue // another worker promoted it
		}
		job, err := q.loadJob(ctx, queue, id)
		if err != nil {
			return err
		}
		priority := 0
		if job != nil {
			priority = job.Priority
		}
		score, err := q.readyScore(ctx, queue, priority)
		if err != nil {
			return err
		}
		if err := q.client.ZAdd(ctx, keyReady(queue), redis.Z{Score: score, Member: id}).Err(); err != nil {
			return err
		}
	}
	return nil
}

func (q *RedisQueue) Reserve(ctx context.Context, queue, workerID string, lease time.Duration) (*domain.Job, error) {
	now := time.Now().UTC()
	if err := q.promoteDelayed(ctx, queue, now); err != nil {
		return nil, fmt.Errorf("failed to promote delayed jobs: %w", err)
	}

	popped, err := q.client.ZPopMin(ctx, keyReady(queue), 1).Result()
	if err != nil {
		return nil, err
	}
	if len(popped) == 0 {
		return nil, nil
	}
	id := popped[0].Member.(string)

	deadline := float64(now.Add(lease).UnixMilli())
	if err := q.client.ZAdd(ctx, keyLeased(queue), redis.Z{Score: deadline, Member: id}).Err(); err != nil {
		return nil, err
	}

	job, err := q.loadJob(ctx, queue, id)
	if err != nil {
		return nil, err
	}
	if job == nil {
		// Body vanished (history trim race); drop the orphaned lease.
		q.client.ZRem(ctx, keyLeased(queue), id)
		return nil, nil
	}
	job.Attempts++
	if err := q.storeJob(ctx, queue, job); err != nil {
		return nil, err
	}
	return job, nil
}

func (q *RedisQueue) RenewLease(ctx context.Context, queue, jobID string, lease time.Duration) error {
	deadline := float64(time.Now().UTC().Add(lease).UnixMilli())
	return q.client.ZAddXX(ctx, keyLeased(queue), redis.Z{Score: deadline, Member: jobID}).Err()
}

func (q *RedisQueue) Ack(ctx context.Context, queue, jobID string) error {
	if err := q.client.ZRem(ctx, keyLeased(queue), jobID).Err(); err != nil {
		return err
	}
	defaults := domain.QueueDefaults(queue)
	return q.recordHistory(ctx, queue, "completed", jobID, defaults.RemoveOnComplete)
}

func (q *RedisQueue) Fail(ctx context.Context, queue, jobID string, cause error) error {
	if err := q.client.ZRem(ctx, keyLeased(queue), jobID).Err(); err != nil {
		return err
	}
	job, err := q.loadJob(ctx, queue, jobID)
	if err != nil {
		return err
	}
	if job == nil {
		return nil
	}
	if cause != nil {
		job.LastError = cause.Error()
	}

	if job.Attempts >= job.MaxAttempts {
		return q.deadLetter(ctx, queue, job)
	}

	delay := job.Backoff.Delay(job.Attempts, MaxRetryDelay)
	if err := q.storeJob(ctx, queue, job); err != nil {
		return err
	}
	notBefore := time.Now().UTC().Add(delay)
	return q.client.ZAdd(ctx, keyDelayed(queue), redis.Z{
		Score: float64(notBefore.UnixMilli()), Member: job.ID,
	}).Err()
}

func (q *RedisQueue) deadLetter(ctx context.Context, queue string, job *domain.Job) error {
	if err := q.storeJob(ctx, queue, job); err != nil {
		return err
	}
	q.logger.WithFields(map[string]interface{}{
		"queue":    queue,
		"job_id":   job.ID,
		"attempts": job.Attempts,
		"error":    job.LastError,
	}).Warn("Job moved to dead letter")
	defaults := domain.QueueDefaults(queue)
	return q.recordHistory(ctx, queue, "failed", job.ID, defaults.RemoveOnFail)
}

// recordHistory pushes the job id onto the history list and evicts the
// bodies of trimmed entries so storage stays bounded.
func (q *RedisQueue) recordHistory(ctx context.Context, queue, kind, jobID string, keep int) error {
	if keep <= 0 {
		return q.client.Del(ctx, keyJob(queue, jobID)).Err()
	}
	key := keyHistory(queue, kind)
	if err := q.client.LPush(ctx, key, jobID).Err(); err != nil {
		return err
	}
	length, err := q.client.LLen(ctx, key).Result()
	if err != nil {
		return err
	}
	for length > int64(keep) {
		evicted, err := q.client.RPop(ctx, key).Result()
		if err != nil {
			return err
		}
		if err := q.client.Del(ctx, keyJob(queue, evicted)).Err(); err != nil {
			return err
		}
		length--
	}
	return nil
}

func (q *RedisQueue) ReapStalled(ctx context.Context, queue string) (int, error) {
	now := time.Now().UTC()
	expired, err := q.client.ZRangeByScore(ctx, keyLeased(queue), &redis.ZRangeBy{
		Min: "-inf", Max: fmt.Sprintf("%d", now.UnixMilli()),
	}).Result()
	if err != nil {
		return 0, err
	}

	reaped := 0
	for _, id := range expired {
		removed, err := q.client.ZRem(ctx, keyLeased(queue), id).Result()
		if err != nil {
			return reaped, err
		}
		if removed == 0 {
			continue
		}
		job, err := q.loadJob(ctx, queue, id)
		if err != nil {
			return reaped, err
		}
		if job == nil {
			continue
		}
		job.Stalls++
		if job.Stalls > domain.MaxStalledCount {
			job.LastError = "job stalled too many times"
			if err := q.deadLetter(ctx, queue, job); err != nil {
				return reaped, err
			}
			reaped++
			continue
		}
		if err := q.storeJob(ctx, queue, job); err != nil {
			return reaped, err
		}
		score, err := q.readyScore(ctx, queue, job.Priority)
		if err != nil {
			return reaped, err
		}
		if err := q.client.ZAdd(ctx, keyReady(queue), redis.Z{Score: score, Member: id}).Err(); err != nil {
			return reaped, err
		}
		reaped++
	}
	return reaped, nil
}

func (q *RedisQueue) Depth(ctx context.Context, queue string) (int64, error) {
	ready, err := q.client.ZCard(ctx, keyReady(queue)).Result()
	if err != nil {
		return 0, err
	}
	delayed, err := q.client.ZCard(ctx, keyDelayed(queue)).Result()
	if err != nil {
		return 0, err
	}
	return ready + delayed, nil
}

func (q *RedisQueue) Close() error {
	return q.client.Close()
}
