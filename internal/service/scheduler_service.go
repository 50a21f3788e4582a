package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/mailfold/mailfold/internal/domain"
	"github.com/mailfold/mailfold/pkg/logger"
)

// StalledSendingCutoff is how long a campaign may sit in sending with
// incomplete progress before the stalled sweep re-enqueues its dispatcher.
const StalledSendingCutoff = 2 * time.Hour

// sweepBatchSize bounds how many campaigns one sweep handles.
const sweepBatchSize = 100

// SchedulerService runs the periodic sweeps: due scheduled campaigns every
// minute, stalled sends every 15 minutes, and housekeeping jobs for
// expired rows and list stats. Safe to run on several instances at once;
// the compare-and-set transition makes a due campaign enter the queue only
// once.
type SchedulerService struct {
	campaigns domain.CampaignRepository
	queue     domain.JobQueue
	cron      *cron.Cron
	logger    logger.Logger
}

func NewSchedulerService(campaigns domain.CampaignRepository, queue domain.JobQueue, log logger.Logger) *SchedulerService {
	return &SchedulerService{
		campaigns: campaigns,
		queue:     queue,
		cron:      cron.New(),
		logger:    log,
	}
}

// Start registers the sweeps and starts the cron loop.
func (s *SchedulerService) Start() error {
	if _, err := s.cron.AddFunc("@every 1m", func() { s.SweepDue(context.Background()) }); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc("@every 15m", func() { s.SweepStalled(context.Background()) }); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc("@every 1h", func() { s.enqueueHousekeeping(context.Background(), domain.JobTypeRefreshListStats) }); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc("@every 24h", func() { s.enqueueHousekeeping(context.Background(), domain.JobTypePurgeExpired) }); err != nil {
		return err
	}
	s.cron.Start()
	s.logger.Info("scheduler started")
	return nil
}

// Stop halts the cron loop and waits for running sweeps.
func (s *SchedulerService) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// SweepDue promotes scheduled campaigns whose time has come. The CAS
// transition loses cleanly when another instance got there first.
func (s *SchedulerService) SweepDue(ctx context.Context) {
	due, err := s.campaigns.FindDueScheduled(ctx, time.Now().UTC(), sweepBatchSize)
	if err != nil {
		s.logger.WithField("error", err.Error()).Error("due sweep query failed")
		return
	}
	for _, campaign := range due {
		applied, err := s.campaigns.TransitionStatus(ctx, campaign.OrgID, campaign.ID,
			[]domain.CampaignStatus{domain.CampaignStatusScheduled}, domain.CampaignStatusQueued)
		if err != nil {
			s.logger.WithField("error", err.Error()).Error("due sweep transition failed")
			continue
		}
		if !applied {
			continue
		}
		if err := s.enqueueDispatch(ctx, campaign.OrgID, campaign.ID, false); err != nil {
			s.logger.WithFields(map[string]interface{}{
				"campaign_id": campaign.ID,
				"error":       err.Error(),
			}).Error("failed to enqueue due campaign")
			continue
		}
		s.logger.WithField("campaign_id", campaign.ID).Info("scheduled campaign queued")
	}
}

// SweepStalled re-enqueues dispatchers for campaigns stuck in sending.
// The status stays sending; the dispatcher resumes past the recipients
// that already hold a log row.
func (s *SchedulerService) SweepStalled(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-StalledSendingCutoff)
	stalled, err := s.campaigns.FindStalledSending(ctx, cutoff, sweepBatchSize)
	if err != nil {
		s.logger.WithField("error", err.Error()).Error("stalled sweep query failed")
		return
	}
	for _, campaign := range stalled {
		if err := s.enqueueDispatch(ctx, campaign.OrgID, campaign.ID, true); err != nil {
			s.logger.WithFields(map[string]interface{}{
				"campaign_id": campaign.ID,
				"error":       err.Error(),
			}).Error("failed to re-enqueue stalled campaign")
			continue
		}
		s.logger.WithField("campaign_id", campaign.ID).Warn("stalled campaign re-enqueued")
	}
}

func (s *SchedulerService) enqueueDispatch(ctx context.Context, orgID, campaignID string, isRetry bool) error {
	payload, err := json.Marshal(domain.DispatchCampaignPayload{
		OrgID:      orgID,
		CampaignID: campaignID,
		IsRetry:    isRetry,
	})
	if err != nil {
		return err
	}
	opts := domain.QueueDefaults(domain.QueueCampaign)
	if isRetry {
		opts.Priority = -1
	}
	return s.queue.Enqueue(ctx, domain.QueueCampaign,
		&domain.Job{Type: domain.JobTypeDispatchCampaign, Payload: payload}, &opts)
}

func (s *SchedulerService) enqueueHousekeeping(ctx context.Context, jobType string) {
	err := s.queue.Enqueue(ctx, domain.QueueCleanup, &domain.Job{Type: jobType}, nil)
	if err != nil {
		s.logger.WithFields(map[string]interface{}{
			"job_type": jobType,
			"error":    err.Error(),
		}).Error("failed to enqueue housekeeping job")
	}
}
