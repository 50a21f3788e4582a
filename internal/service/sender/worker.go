// Package sender consumes send_email jobs: it re-checks suppression,
// enforces the tenant's plan limits, acquires rate-limit tokens, calls the
// provider driver and writes the resulting email-log transition plus
// campaign counters.
package sender

import (
	"context"
	"fmt"
	"time"

	"github.com/mailfold/mailfold/internal/domain"
	"github.com/mailfold/mailfold/pkg/emailerror"
	"github.com/mailfold/mailfold/pkg/logger"
	"github.com/mailfold/mailfold/pkg/ratelimiter"
)

// Worker processes one send job per call; the queue consumer runs several
// of these concurrently.
type Worker struct {
	emailLogs domain.EmailLogRepository
	campaigns domain.CampaignRepository
	orgs      domain.OrganizationRepository
	supp      domain.SuppressionChecker
	provider  domain.EmailProvider
	limiter   *ratelimiter.Chain
	tenants   *ratelimiter.Registry
	logger    logger.Logger
}

func NewWorker(
	emailLogs domain.EmailLogRepository,
	campaigns domain.CampaignRepository,
	orgs domain.OrganizationRepository,
	supp domain.SuppressionChecker,
	provider domain.EmailProvider,
	limiter *ratelimiter.Chain,
	tenants *ratelimiter.Registry,
	log logger.Logger,
) *Worker {
	return &Worker{
		emailLogs: emailLogs,
		campaigns: campaigns,
		orgs:      orgs,
		supp:      supp,
		provider:  provider,
		limiter:   limiter,
		tenants:   tenants,
		logger:    log,
	}
}

// CanProcess reports whether this worker handles the job type.
func (w *Worker) CanProcess(jobType string) bool {
	return jobType == domain.JobTypeSendEmail
}

// Process runs one send attempt. A returned error means the queue should
// retry; permanent failures are settled here and return nil.
func (w *Worker) Process(ctx context.Context, job *domain.Job) error {
	var payload domain.SendEmailPayload
	if err := job.UnmarshalPayload(&payload); err != nil {
		return fmt.Errorf("decode send payload: %w", err)
	}

	log := w.logger.WithFields(map[string]interface{}{
		"org_id":      payload.OrgID,
		"tracking_id": payload.TrackingID,
		"attempt":     job.Attempts,
	})

	emailLog, err := w.emailLogs.GetByTrackingID(ctx, payload.TrackingID)
	if err != nil {
		return err
	}
	if emailLog.Status != domain.EmailLogQueued {
		// Duplicate delivery of an already-settled job.
		log.WithField("status", string(emailLog.Status)).Info("email log already settled, skipping")
		return nil
	}

	if err := w.emailLogs.AppendEvent(ctx, payload.TrackingID, domain.EmailLogEvent{
		Type:      "processing",
		Timestamp: time.Now().UTC(),
		Meta:      map[string]interface{}{"job_id": job.ID, "attempt": job.Attempts},
	}); err != nil {
		return err
	}

	// Suppression may have been added between dispatch and send.
	suppressed, err := w.supp.IsSuppressed(ctx, payload.OrgID, payload.Email)
	if err != nil {
		return err
	}
	if suppressed {
		return w.drop(ctx, &payload, log)
	}

	org, err := w.orgs.GetByID(ctx, payload.OrgID)
	if err != nil {
		return err
	}
	if !org.CanSend() {
		return w.rejectQuota(ctx, &payload, org, log)
	}

	if w.limiter != nil {
		if err := w.limiter.Acquire(ctx); err != nil {
			return err
		}
	}
	if w.tenants != nil && org.Plan.SendingRatePerSec > 0 {
		bucket := w.tenants.Get(payload.OrgID, org.Plan.SendingRatePerSec, time.Second)
		if err := bucket.Acquire(ctx); err != nil {
			return err
		}
	}

	receipt, sendErr := w.provider.Send(ctx, &domain.OutboundMessage{
		FromName:  payload.FromName,
		FromEmail: payload.FromEmail,
		ReplyTo:   payload.ReplyTo,
		To:        payload.Email,
		Subject:   payload.Subject,
		HTML:      payload.HTML,
		Text:      payload.Text,
	})
	if sendErr != nil {
		return w.handleSendError(ctx, job, &payload, sendErr, log)
	}
	return w.markSent(ctx, &payload, receipt.MessageID, log)
}

func (w *Worker) markSent(ctx context.Context, payload *domain.SendEmailPayload, messageID string, log logger.Logger) error {
	now := time.Now().UTC()
	if err := w.emailLogs.MarkSent(ctx, payload.TrackingID, messageID, now); err != nil {
		return err
	}
	if err := w.emailLogs.AppendEvent(ctx, payload.TrackingID, domain.EmailLogEvent{
		Type:      "sent",
		Timestamp: now,
		Meta:      map[string]interface{}{"message_id": messageID},
	}); err != nil {
		return err
	}
	if payload.CampaignID != "" {
		if err := w.campaigns.IncrementCounters(ctx, payload.OrgID, payload.CampaignID,
			domain.CounterDeltas{Sent: 1}); err != nil {
			return err
		}
	}
	if err := w.orgs.IncrementSentCount(ctx, payload.OrgID, 1); err != nil {
		return err
	}
	log.WithField("message_id", messageID).Info("email sent")
	return nil
}

// drop settles a suppressed recipient without a provider call.
func (w *Worker) drop(ctx context.Context, payload *domain.SendEmailPayload, log logger.Logger) error {
	now := time.Now().UTC()
	if err := w.emailLogs.AdvanceStatus(ctx, payload.TrackingID, domain.EmailLogDropped, now); err != nil {
		return err
	}
	if err := w.emailLogs.AppendEvent(ctx, payload.TrackingID, domain.EmailLogEvent{
		Type:      "dropped",
		Timestamp: now,
		Meta:      map[string]interface{}{"code": string(emailerror.KindSuppressed)},
	}); err != nil {
		return err
	}
	if payload.CampaignID != "" {
		if err := w.campaigns.IncrementCounters(ctx, payload.OrgID, payload.CampaignID,
			domain.CounterDeltas{FailedSends: 1}); err != nil {
			return err
		}
	}
	log.Info("recipient suppressed, dropped")
	return nil
}

// rejectQuota settles a send the tenant's plan does not allow. Retrying
// would wedge the email queue until month rollover, so the log fails
// permanently.
func (w *Worker) rejectQuota(ctx context.Context, payload *domain.SendEmailPayload, org *domain.Organization, log logger.Logger) error {
	reason := "monthly email quota exhausted"
	if org.Suspended {
		reason = "organization suspended"
	}
	if err := w.emailLogs.MarkFailed(ctx, payload.TrackingID, domain.EmailLogError{
		Message:   reason,
		Code:      string(emailerror.KindQuotaExceeded),
		Permanent: true,
	}); err != nil {
		return err
	}
	if payload.CampaignID != "" {
		if err := w.campaigns.IncrementCounters(ctx, payload.OrgID, payload.CampaignID,
			domain.CounterDeltas{FailedSends: 1}); err != nil {
			return err
		}
		if err := w.campaigns.AppendError(ctx, payload.OrgID, payload.CampaignID,
			string(emailerror.KindQuotaExceeded), reason, time.Now().UTC()); err != nil {
			return err
		}
	}
	log.WithField("reason", reason).Warn("send blocked by plan limits")
	return nil
}

// handleSendError classifies the provider error. Retryable errors propagate
// so the queue schedules a backoff retry, unless this was the final
// attempt; everything else fails the log permanently.
func (w *Worker) handleSendError(ctx context.Context, job *domain.Job, payload *domain.SendEmailPayload, sendErr error, log logger.Logger) error {
	classified := emailerror.Classify(sendErr)
	lastAttempt := job.MaxAttempts > 0 && job.Attempts >= job.MaxAttempts

	if classified.Retryable && !lastAttempt {
		now := time.Now().UTC()
		if err := w.emailLogs.IncrementAttempts(ctx, payload.TrackingID); err != nil {
			return err
		}
		if err := w.emailLogs.AppendEvent(ctx, payload.TrackingID, domain.EmailLogEvent{
			Type:      "failed",
			Timestamp: now,
			Meta: map[string]interface{}{
				"attempt": job.Attempts,
				"code":    string(classified.Kind),
				"message": classified.Error(),
			},
		}); err != nil {
			return err
		}
		log.WithField("code", string(classified.Kind)).Warn("send failed, will retry")
		return classified
	}

	if err := w.emailLogs.MarkFailed(ctx, payload.TrackingID, domain.EmailLogError{
		Message:   classified.Error(),
		Code:      string(classified.Kind),
		Permanent: true,
	}); err != nil {
		return err
	}
	if payload.CampaignID != "" {
		if err := w.campaigns.IncrementCounters(ctx, payload.OrgID, payload.CampaignID,
			domain.CounterDeltas{FailedSends: 1}); err != nil {
			return err
		}
		if err := w.campaigns.AppendError(ctx, payload.OrgID, payload.CampaignID,
			string(classified.Kind), classified.Error(), time.Now().UTC()); err != nil {
			return err
		}
	}
	log.WithField("code", string(classified.Kind)).Error("send failed permanently")
	if classified.Retryable {
		// Retries exhausted; surface the error so the queue dead-letters it.
		return classified
	}
	return nil
}
