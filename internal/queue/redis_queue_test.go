package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailfold/mailfold/internal/domain"
	"github.com/mailfold/mailfold/pkg/logger"
)

func newTestQueue(t *testing.T) *RedisQueue {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisQueue(client, logger.NewTestLogger(t))
}

func payload(t *testing.T, v interface{}) json.RawMessage {
	body, err := json.Marshal(v)
	require.NoError(t, err)
	return body
}

func TestEnqueueReserveAck(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	job := &domain.Job{
		Type:    domain.JobTypeSendEmail,
		Payload: payload(t, domain.SendEmailPayload{OrgID: "o1", Email: "a@b.co"}),
	}
	require.NoError(t, q.Enqueue(ctx, domain.QueueEmail, job, nil))
	require.NotEmpty(t, job.ID)

	depth, err := q.Depth(ctx, domain.QueueEmail)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)

	got, err := q.Reserve(ctx, domain.QueueEmail, "w1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, job.ID, got.ID)
	assert.Equal(t, 1, got.Attempts)

	// Leased jobs are invisible to other workers.
	second, err := q.Reserve(ctx, domain.QueueEmail, "w2", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, second)

	require.NoError(t, q.Ack(ctx, domain.QueueEmail, got.ID))

	depth, err = q.Depth(ctx, domain.QueueEmail)
	require.NoError(t, err)
	assert.Equal(t, int64(0), depth)
}

func TestPriorityOrdering(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	low := &domain.Job{Type: "a", Payload: payload(t, map[string]string{}), Priority: 5}
	high := &domain.Job{Type: "b", Payload: payload(t, map[string]string{}), Priority: 1}
	require.NoError(t, q.Enqueue(ctx, domain.QueueCampaign, low, nil))
	require.NoError(t, q.Enqueue(ctx, domain.QueueCampaign, high, nil))

	got, err := q.Reserve(ctx, domain.QueueCampaign, "w1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, high.ID, got.ID, "lower priority value runs first")
}

func TestDelayedPromotion(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	future := &domain.Job{Type: "later", Payload: payload(t, map[string]string{})}
	require.NoError(t, q.EnqueueDelayed(ctx, domain.QueueEmail, future, time.Now().Add(time.Hour), nil))

	got, err := q.Reserve(ctx, domain.QueueEmail, "w1", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, got, "future job must not be delivered yet")

	depth, err := q.Depth(ctx, domain.QueueEmail)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth, "delayed jobs count toward depth")

	due := &domain.Job{Type: "now", Payload: payload(t, map[string]string{})}
	require.NoError(t, q.EnqueueDelayed(ctx, domain.QueueEmail, due, time.Now().Add(-time.Second), nil))

	got, err = q.Reserve(ctx, domain.QueueEmail, "w1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, due.ID, got.ID)
}

func TestExpiredLeaseRedelivery(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	job := &domain.Job{Type: "work", Payload: payload(t, map[string]string{})}
	require.NoError(t, q.Enqueue(ctx, domain.QueueEmail, job, nil))

	// Negative lease puts the deadline in the past immediately.
	got, err := q.Reserve(ctx, domain.QueueEmail, "w1", -time.Second)
	require.NoError(t, err)
	require.NotNil(t, got)

	reaped, err := q.ReapStalled(ctx, domain.QueueEmail)
	require.NoError(t, err)
	assert.Equal(t, 1, reaped)

	redelivered, err := q.Reserve(ctx, domain.QueueEmail, "w2", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, redelivered)
	assert.Equal(t, job.ID, redelivered.ID)
	assert.Equal(t, 2, redelivered.Attempts)
	assert.Equal(t, 1, redelivered.Stalls)
}

func TestStalledJobDeadLetters(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	job := &domain.Job{Type: "work", Payload: payload(t, map[string]string{})}
	require.NoError(t, q.Enqueue(ctx, domain.QueueEmail, job, nil))

	for i := 0; i <= domain.MaxStalledCount; i++ {
		got, err := q.Reserve(ctx, domain.QueueEmail, "w1", -time.Second)
		require.NoError(t, err)
		require.NotNil(t, got, "iteration %d", i)
		_, err = q.ReapStalled(ctx, domain.QueueEmail)
		require.NoError(t, err)
	}

	// Third stall exceeds MaxStalledCount: the job is dead, not ready.
	got, err := q.Reserve(ctx, domain.QueueEmail, "w1", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestFailSchedulesRetry(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	job := &domain.Job{
		Type:        "flaky",
		Payload:     payload(t, map[string]string{}),
		MaxAttempts: 3,
		Backoff:     domain.Backoff{Kind: domain.BackoffFixed, Base: 0},
	}
	require.NoError(t, q.Enqueue(ctx, domain.QueueEmail, job, nil))

	got, err := q.Reserve(ctx, domain.QueueEmail, "w1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, got)

	require.NoError(t, q.Fail(ctx, domain.QueueEmail, got.ID, errors.New("provider timeout")))

	retried, err := q.Reserve(ctx, domain.QueueEmail, "w1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, retried, "zero backoff retries immediately")
	assert.Equal(t, 2, retried.Attempts)
	assert.Equal(t, "provider timeout", retried.LastError)
}

func TestFailExhaustedDeadLetters(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	job := &domain.Job{
		Type:        "doomed",
		Payload:     payload(t, map[string]string{}),
		MaxAttempts: 1,
	}
	require.NoError(t, q.Enqueue(ctx, domain.QueueEmail, job, nil))

	got, err := q.Reserve(ctx, domain.QueueEmail, "w1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, got)

	require.NoError(t, q.Fail(ctx, domain.QueueEmail, got.ID, errors.New("hard bounce")))

	depth, err := q.Depth(ctx, domain.QueueEmail)
	require.NoError(t, err)
	assert.Equal(t, int64(0), depth, "dead-lettered job leaves ready and delayed")

	failed, err := q.client.LRange(ctx, keyHistory(domain.QueueEmail, "failed"), 0, -1).Result()
	require.NoError(t, err)
	assert.Equal(t, []string{job.ID}, failed)
}

func TestCompletedHistoryTrimming(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	opts := &domain.JobOptions{MaxAttempts: 1, RemoveOnComplete: 100, RemoveOnFail: 100}
	var ids []string
	for i := 0; i < 3; i++ {
		job := &domain.Job{Type: fmt.Sprintf("j%d", i), Payload: payload(t, map[string]string{})}
		require.NoError(t, q.Enqueue(ctx, "tiny", job, opts))
		ids = append(ids, job.ID)
	}

	// The "tiny" queue is unnamed in QueueDefaults so Ack trims at the
	// default cap of 100; verify the list carries all three, newest first.
	for range ids {
		got, err := q.Reserve(ctx, "tiny", "w1", time.Minute)
		require.NoError(t, err)
		require.NotNil(t, got)
		require.NoError(t, q.Ack(ctx, "tiny", got.ID))
	}

	completed, err := q.client.LRange(ctx, keyHistory("tiny", "completed"), 0, -1).Result()
	require.NoError(t, err)
	assert.Len(t, completed, 3)
	assert.Equal(t, ids[2], completed[0])
}

func TestEnqueueBulk(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	jobs := make([]*domain.Job, 5)
	for i := range jobs {
		jobs[i] = &domain.Job{Type: "batch", Payload: payload(t, map[string]int{"n": i})}
	}
	require.NoError(t, q.EnqueueBulk(ctx, domain.QueueEmail, jobs, nil))

	depth, err := q.Depth(ctx, domain.QueueEmail)
	require.NoError(t, err)
	assert.Equal(t, int64(5), depth)

	// FIFO within the same priority band.
	for i := 0; i < 5; i++ {
		got, err := q.Reserve(ctx, domain.QueueEmail, "w1", time.Minute)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, jobs[i].ID, got.ID)
		require.NoError(t, q.Ack(ctx, domain.QueueEmail, got.ID))
	}
}

func TestRenewLease(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	job := &domain.Job{Type: "slow", Payload: payload(t, map[string]string{})}
	require.NoError(t, q.Enqueue(ctx, domain.QueueEmail, job, nil))

	got, err := q.Reserve(ctx, domain.QueueEmail, "w1", -time.Second)
	require.NoError(t, err)
	require.NotNil(t, got)

	require.NoError(t, q.RenewLease(ctx, domain.QueueEmail, got.ID, time.Minute))

	reaped, err := q.ReapStalled(ctx, domain.QueueEmail)
	require.NoError(t, err)
	assert.Equal(t, 0, reaped, "renewed lease is not stalled")
}
