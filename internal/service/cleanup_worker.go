package service

import (
	"context"
	"fmt"
	"time"

	"github.com/mailfold/mailfold/internal/domain"
	"github.com/mailfold/mailfold/pkg/logger"
)

// purgeBatchSize bounds one purge pass per table.
const purgeBatchSize = 10000

// CleanupWorker handles the cleanup queue: TTL purges of email logs and
// feedback rows, monthly quota resets, and list stats refreshes.
type CleanupWorker struct {
	emailLogs domain.EmailLogRepository
	feedback  domain.FeedbackRepository
	orgs      domain.OrganizationRepository
	lists     *ListService
	logger    logger.Logger
}

func NewCleanupWorker(
	emailLogs domain.EmailLogRepository,
	feedback domain.FeedbackRepository,
	orgs domain.OrganizationRepository,
	lists *ListService,
	log logger.Logger,
) *CleanupWorker {
	return &CleanupWorker{
		emailLogs: emailLogs,
		feedback:  feedback,
		orgs:      orgs,
		lists:     lists,
		logger:    log,
	}
}

// CanProcess reports whether this worker handles the job type.
func (w *CleanupWorker) CanProcess(jobType string) bool {
	return jobType == domain.JobTypePurgeExpired || jobType == domain.JobTypeRefreshListStats
}

func (w *CleanupWorker) Process(ctx context.Context, job *domain.Job) error {
	switch job.Type {
	case domain.JobTypePurgeExpired:
		return w.purgeExpired(ctx)
	case domain.JobTypeRefreshListStats:
		return w.lists.RefreshAllStats(ctx, w.orgs)
	default:
		return fmt.Errorf("cleanup worker cannot handle job type %q", job.Type)
	}
}

func (w *CleanupWorker) purgeExpired(ctx context.Context) error {
	now := time.Now().UTC()

	logs, err := w.emailLogs.DeleteExpired(ctx, now, purgeBatchSize)
	if err != nil {
		return fmt.Errorf("purge expired email logs: %w", err)
	}
	events, err := w.feedback.DeleteExpired(ctx, now, purgeBatchSize)
	if err != nil {
		return fmt.Errorf("purge expired feedback: %w", err)
	}
	if logs > 0 || events > 0 {
		w.logger.WithFields(map[string]interface{}{
			"email_logs": logs,
			"feedback":   events,
		}).Info("expired rows purged")
	}

	// Quota counters roll over on the first purge run of a new month.
	if now.Day() == 1 {
		if err := w.orgs.ResetMonthlyCounters(ctx); err != nil {
			return fmt.Errorf("reset monthly counters: %w", err)
		}
		w.logger.Info("monthly send counters reset")
	}
	return nil
}
