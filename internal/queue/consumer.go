package queue

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/mailfold/mailfold/internal/domain"
	"github.com/mailfold/mailfold/pkg/logger"
)

// Processor handles the job types it claims.
type Processor interface {
	CanProcess(jobType string) bool
	Process(ctx context.Context, job *domain.Job) error
}

// ConsumerConfig tunes one queue's consumer.
type ConsumerConfig struct {
	Queue        string
	Concurrency  int
	Lease        time.Duration
	RenewEvery   time.Duration
	PollInterval time.Duration
	ReapInterval time.Duration
}

func (c *ConsumerConfig) withDefaults() {
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	if c.Lease <= 0 {
		c.Lease = time.Minute
	}
	if c.RenewEvery <= 0 {
		c.RenewEvery = c.Lease / 2
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.ReapInterval <= 0 {
		c.ReapInterval = 30 * time.Second
	}
}

// Consumer runs a reserve/process/ack loop against one named queue with a
// fixed concurrency, renewing leases while handlers run and reaping
// expired leases in the background.
type Consumer struct {
	queue      domain.JobQueue
	processors []Processor
	config     ConsumerConfig
	workerID   string
	logger     logger.Logger
}

func NewConsumer(queue domain.JobQueue, config ConsumerConfig, log logger.Logger, processors ...Processor) *Consumer {
	config.withDefaults()
	hostname, _ := os.Hostname()
	return &Consumer{
		queue:      queue,
		processors: processors,
		config:     config,
		workerID:   fmt.Sprintf("%s-%s", hostname, uuid.NewString()[:8]),
		logger:     log.WithField("queue", config.Queue),
	}
}

// Run blocks until ctx is cancelled, then drains in-flight jobs.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.WithFields(map[string]interface{}{
		"concurrency": c.config.Concurrency,
		"worker_id":   c.workerID,
	}).Info("queue consumer started")

	group, ctx := errgroup.WithContext(ctx)
	for i := 0; i < c.config.Concurrency; i++ {
		group.Go(func() error { return c.loop(ctx) })
	}
	group.Go(func() error { return c.reapLoop(ctx) })
	return group.Wait()
}

func (c *Consumer) loop(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		job, err := c.queue.Reserve(ctx, c.config.Queue, c.workerID, c.config.Lease)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.WithField("error", err.Error()).Error("reserve failed")
			c.sleep(ctx, c.config.PollInterval)
			continue
		}
		if job == nil {
			c.sleep(ctx, c.config.PollInterval)
			continue
		}
		c.handle(ctx, job)
	}
}

// handle processes one reserved job, keeping the lease fresh until the
// processor returns.
func (c *Consumer) handle(ctx context.Context, job *domain.Job) {
	done := make(chan struct{})
	go c.renewLoop(ctx, job.ID, done)
	defer close(done)

	processor := c.processorFor(job.Type)
	if processor == nil {
		c.logger.WithFields(map[string]interface{}{
			"job_id":   job.ID,
			"job_type": job.Type,
		}).Error("no processor for job type")
		if err := c.queue.Fail(ctx, c.config.Queue, job.ID, fmt.Errorf("no processor for job type %q", job.Type)); err != nil {
			c.logger.WithField("error", err.Error()).Error("fail write failed")
		}
		return
	}

	start := time.Now()
	if err := processor.Process(ctx, job); err != nil {
		c.logger.WithFields(map[string]interface{}{
			"job_id":   job.ID,
			"job_type": job.Type,
			"attempt":  job.Attempts,
			"error":    err.Error(),
		}).Warn("job failed")
		if failErr := c.queue.Fail(ctx, c.config.Queue, job.ID, err); failErr != nil {
			c.logger.WithField("error", failErr.Error()).Error("fail write failed")
		}
		return
	}

	if err := c.queue.Ack(ctx, c.config.Queue, job.ID); err != nil {
		c.logger.WithField("error", err.Error()).Error("ack failed")
		return
	}
	c.logger.WithFields(map[string]interface{}{
		"job_id":      job.ID,
		"job_type":    job.Type,
		"duration_ms": time.Since(start).Milliseconds(),
	}).Debug("job completed")
}

func (c *Consumer) renewLoop(ctx context.Context, jobID string, done <-chan struct{}) {
	ticker := time.NewTicker(c.config.RenewEvery)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.queue.RenewLease(ctx, c.config.Queue, jobID, c.config.Lease); err != nil {
				c.logger.WithFields(map[string]interface{}{
					"job_id": jobID,
					"error":  err.Error(),
				}).Warn("lease renewal failed")
			}
		}
	}
}

func (c *Consumer) reapLoop(ctx context.Context) error {
	ticker := time.NewTicker(c.config.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			reaped, err := c.queue.ReapStalled(ctx, c.config.Queue)
			if err != nil {
				c.logger.WithField("error", err.Error()).Error("reap failed")
				continue
			}
			if reaped > 0 {
				c.logger.WithField("count", reaped).Warn("stalled jobs returned to ready")
			}
		}
	}
}

func (c *Consumer) processorFor(jobType string) Processor {
	for _, p := range c.processors {
		if p.CanProcess(jobType) {
			return p
		}
	}
	return nil
}

func (c *Consumer) sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
