package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailfold/mailfold/internal/domain"
	"github.com/mailfold/mailfold/pkg/logger"
)

type recordingProcessor struct {
	jobType string
	fail    error

	mu        sync.Mutex
	processed []*domain.Job
}

func (p *recordingProcessor) CanProcess(jobType string) bool {
	return jobType == p.jobType
}

func (p *recordingProcessor) Process(ctx context.Context, job *domain.Job) error {
	p.mu.Lock()
	p.processed = append(p.processed, job)
	p.mu.Unlock()
	return p.fail
}

func (p *recordingProcessor) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.processed)
}

func runConsumer(t *testing.T, q *RedisQueue, queue string, processors ...Processor) (stop func()) {
	ctx, cancel := context.WithCancel(context.Background())
	consumer := NewConsumer(q, ConsumerConfig{
		Queue:        queue,
		Concurrency:  2,
		PollInterval: 10 * time.Millisecond,
	}, logger.NewTestLogger(t), processors...)

	done := make(chan struct{})
	go func() {
		defer close(done)
		consumer.Run(ctx)
	}()
	return func() {
		cancel()
		<-done
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestConsumerProcessesAndAcks(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	processor := &recordingProcessor{jobType: domain.JobTypeSendEmail}
	stop := runConsumer(t, q, domain.QueueEmail, processor)
	defer stop()

	for i := 0; i < 3; i++ {
		require.NoError(t, q.Enqueue(ctx, domain.QueueEmail,
			&domain.Job{Type: domain.JobTypeSendEmail, Payload: payload(t, map[string]string{})}, nil))
	}

	waitFor(t, 2*time.Second, func() bool { return processor.count() == 3 })
	waitFor(t, 2*time.Second, func() bool {
		depth, err := q.Depth(ctx, domain.QueueEmail)
		return err == nil && depth == 0
	})
}

func TestConsumerFailedJobIsRetried(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	processor := &recordingProcessor{jobType: domain.JobTypeSendEmail, fail: errors.New("boom")}
	stop := runConsumer(t, q, domain.QueueEmail, processor)
	defer stop()

	job := &domain.Job{
		Type:    domain.JobTypeSendEmail,
		Payload: payload(t, map[string]string{}),
		Backoff: domain.Backoff{Kind: domain.BackoffFixed, Base: time.Millisecond},
	}
	require.NoError(t, q.Enqueue(ctx, domain.QueueEmail, job, nil))

	// With a millisecond backoff the job comes around again quickly.
	waitFor(t, 3*time.Second, func() bool { return processor.count() >= 2 })
}

func TestConsumerRoutesByJobType(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	purge := &recordingProcessor{jobType: domain.JobTypePurgeExpired}
	stats := &recordingProcessor{jobType: domain.JobTypeRefreshListStats}
	stop := runConsumer(t, q, domain.QueueCleanup, purge, stats)
	defer stop()

	require.NoError(t, q.Enqueue(ctx, domain.QueueCleanup,
		&domain.Job{Type: domain.JobTypePurgeExpired, Payload: payload(t, map[string]string{})}, nil))
	require.NoError(t, q.Enqueue(ctx, domain.QueueCleanup,
		&domain.Job{Type: domain.JobTypeRefreshListStats, Payload: payload(t, map[string]string{})}, nil))

	waitFor(t, 2*time.Second, func() bool { return purge.count() == 1 && stats.count() == 1 })
}

func TestConsumerUnknownTypeDeadLetters(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	processor := &recordingProcessor{jobType: domain.JobTypeSendEmail}
	stop := runConsumer(t, q, domain.QueueEmail, processor)
	defer stop()

	require.NoError(t, q.Enqueue(ctx, domain.QueueEmail,
		&domain.Job{Type: "mystery", Payload: payload(t, map[string]string{}), MaxAttempts: 1}, nil))

	waitFor(t, 2*time.Second, func() bool {
		depth, err := q.Depth(ctx, domain.QueueEmail)
		return err == nil && depth == 0
	})
	assert.Zero(t, processor.count())
}
