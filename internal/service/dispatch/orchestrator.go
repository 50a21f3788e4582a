// Package dispatch drives a campaign from queued to sent: it streams the
// resolved audience, renders one email per recipient and fans the batch out
// on the email queue.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mailfold/mailfold/internal/domain"
	"github.com/mailfold/mailfold/internal/service/render"
	"github.com/mailfold/mailfold/pkg/logger"
	"github.com/mailfold/mailfold/pkg/tracking"
)

// Orchestrator processes dispatch_campaign jobs. The campaign queue runs
// with concurrency 1 so progress writes for one campaign never interleave.
type Orchestrator struct {
	campaigns domain.CampaignRepository
	templates domain.TemplateRepository
	orgs      domain.OrganizationRepository
	emailLogs domain.EmailLogRepository
	fetcher   RecipientFetcher
	queue     domain.JobQueue
	renderer  *render.Renderer
	logger    logger.Logger
	config    *Config
}

func NewOrchestrator(
	campaigns domain.CampaignRepository,
	templates domain.TemplateRepository,
	orgs domain.OrganizationRepository,
	emailLogs domain.EmailLogRepository,
	fetcher RecipientFetcher,
	queue domain.JobQueue,
	renderer *render.Renderer,
	log logger.Logger,
	config *Config,
) *Orchestrator {
	if config == nil {
		config = DefaultConfig()
	}
	return &Orchestrator{
		campaigns: campaigns,
		templates: templates,
		orgs:      orgs,
		emailLogs: emailLogs,
		fetcher:   fetcher,
		queue:     queue,
		renderer:  renderer,
		logger:    log,
		config:    config,
	}
}

// CanProcess reports whether this worker handles the job type.
func (o *Orchestrator) CanProcess(jobType string) bool {
	return jobType == domain.JobTypeDispatchCampaign
}

// Process runs one dispatch job to completion. Returned errors mark the
// campaign failed and propagate so the queue retries the dispatch; a
// redelivered job resumes where it stopped because recipients that already
// have an email log are skipped.
func (o *Orchestrator) Process(ctx context.Context, job *domain.Job) error {
	var payload domain.DispatchCampaignPayload
	if err := job.UnmarshalPayload(&payload); err != nil {
		return fmt.Errorf("decode dispatch payload: %w", err)
	}

	log := o.logger.WithFields(map[string]interface{}{
		"org_id":      payload.OrgID,
		"campaign_id": payload.CampaignID,
	})

	proceed, err := o.claim(ctx, payload.OrgID, payload.CampaignID)
	if err != nil {
		return err
	}
	if !proceed {
		log.Info("campaign no longer dispatchable, skipping")
		return nil
	}

	if err := o.dispatch(ctx, payload.OrgID, payload.CampaignID, log); err != nil {
		o.markFailed(ctx, payload.OrgID, payload.CampaignID, err)
		return err
	}
	return nil
}

// claim moves the campaign to sending. A redelivered job finds it already
// sending and resumes; any other status means someone else settled it.
func (o *Orchestrator) claim(ctx context.Context, orgID, campaignID string) (bool, error) {
	applied, err := o.campaigns.TransitionStatus(ctx, orgID, campaignID,
		[]domain.CampaignStatus{domain.CampaignStatusQueued}, domain.CampaignStatusSending)
	if err != nil {
		return false, fmt.Errorf("claim campaign: %w", err)
	}
	if applied {
		if err := o.campaigns.SetStarted(ctx, orgID, campaignID, time.Now().UTC()); err != nil {
			return false, fmt.Errorf("set started: %w", err)
		}
		return true, nil
	}
	status, err := o.campaigns.GetStatus(ctx, orgID, campaignID)
	if err != nil {
		return false, err
	}
	return status == domain.CampaignStatusSending, nil
}

func (o *Orchestrator) dispatch(ctx context.Context, orgID, campaignID string, log logger.Logger) error {
	campaign, err := o.campaigns.GetByID(ctx, orgID, campaignID)
	if err != nil {
		return err
	}
	org, err := o.orgs.GetByID(ctx, orgID)
	if err != nil {
		return err
	}
	content, err := o.resolveContent(ctx, campaign, org)
	if err != nil {
		return err
	}

	total, err := o.fetcher.Count(ctx, orgID, campaign.Selectors)
	if err != nil {
		return fmt.Errorf("count recipients: %w", err)
	}
	if err := o.campaigns.SetTotalRecipients(ctx, orgID, campaignID, total); err != nil {
		return err
	}
	if total == 0 {
		log.Info("campaign has no recipients")
		return o.complete(ctx, orgID, campaignID, 0)
	}

	progress := NewProgressTracker(o.campaigns, o.config.ProgressInterval, orgID, campaignID, total)
	batch := make([]*domain.Job, 0, o.config.batchSize())
	afterID := ""

	for {
		refs, err := o.fetcher.FetchBatch(ctx, orgID, campaign.Selectors, afterID, o.config.batchSize())
		if err != nil {
			return fmt.Errorf("fetch recipients: %w", err)
		}
		if len(refs) == 0 {
			break
		}
		afterID = refs[len(refs)-1].ID

		for _, ref := range refs {
			job, err := o.prepareSend(ctx, campaign, org, content, ref)
			if err != nil {
				return err
			}
			if job != nil {
				batch = append(batch, job)
			}
		}

		if err := o.flushBatch(ctx, &batch, progress, len(refs)); err != nil {
			return err
		}

		// Pause and cancel take effect on the next batch boundary;
		// in-flight send jobs complete naturally.
		status, err := o.campaigns.GetStatus(ctx, orgID, campaignID)
		if err != nil {
			return err
		}
		if status != domain.CampaignStatusSending {
			log.WithField("status", string(status)).Info("campaign left sending state, stopping dispatch")
			return progress.Flush(ctx)
		}
	}

	if err := o.flushBatch(ctx, &batch, progress, 0); err != nil {
		return err
	}
	if err := progress.Flush(ctx); err != nil {
		return err
	}
	return o.complete(ctx, orgID, campaignID, progress.Processed())
}

// prepareSend renders one recipient's email, persists its log row and
// returns the send job. A nil job means the recipient was already handled
// by an earlier dispatch attempt.
func (o *Orchestrator) prepareSend(ctx context.Context, campaign *domain.Campaign, org *domain.Organization, content *resolvedContent, ref *domain.ContactRef) (*domain.Job, error) {
	trackingID := tracking.NewTrackingID()
	contact := &domain.Contact{
		ID:         ref.ID,
		Email:      ref.Email,
		FirstName:  ref.FirstName,
		LastName:   ref.LastName,
		Status:     domain.ContactStatusSubscribed,
		Attributes: ref.Attributes,
	}

	out, err := o.renderer.Render(render.Input{
		Subject:      content.subject,
		HTML:         content.html,
		Text:         content.text,
		Contact:      contact,
		Organization: org,
		Defaults:     content.defaults,
		TrackingID:   trackingID,
		TrackOpens:   campaign.Tracking.Opens,
		TrackClicks:  campaign.Tracking.Clicks,
	})
	if err != nil {
		return nil, fmt.Errorf("render for contact %s: %w", ref.ID, err)
	}

	now := time.Now().UTC()
	ttl := o.config.EmailLogTTL
	if ttl <= 0 {
		ttl = domain.DefaultEmailLogTTL
	}
	created, err := o.emailLogs.Create(ctx, &domain.EmailLog{
		ID:           uuid.NewString(),
		OrgID:        campaign.OrgID,
		TrackingID:   trackingID,
		Source:       domain.EmailLogSourceCampaign,
		CampaignID:   campaign.ID,
		ContactID:    ref.ID,
		Email:        ref.Email,
		Status:       domain.EmailLogQueued,
		TrackedLinks: out.TrackedLinks,
		CreatedAt:    now,
		UpdatedAt:    now,
		ExpiresAt:    now.Add(ttl),
	})
	if err != nil {
		return nil, fmt.Errorf("create email log: %w", err)
	}
	if !created {
		return nil, nil
	}

	payload, err := json.Marshal(domain.SendEmailPayload{
		OrgID:      campaign.OrgID,
		Source:     domain.EmailLogSourceCampaign,
		CampaignID: campaign.ID,
		ContactID:  ref.ID,
		Email:      ref.Email,
		TrackingID: trackingID,
		FromName:   content.fromName,
		FromEmail:  content.fromEmail,
		ReplyTo:    content.replyTo,
		Subject:    out.Subject,
		HTML:       out.HTML,
		Text:       out.Text,
	})
	if err != nil {
		return nil, err
	}
	return &domain.Job{Type: domain.JobTypeSendEmail, Payload: payload}, nil
}

func (o *Orchestrator) flushBatch(ctx context.Context, batch *[]*domain.Job, progress *ProgressTracker, fetched int) error {
	if len(*batch) > 0 {
		if err := o.queue.EnqueueBulk(ctx, domain.QueueEmail, *batch, nil); err != nil {
			return fmt.Errorf("enqueue send batch: %w", err)
		}
	}
	*batch = (*batch)[:0]
	if fetched > 0 {
		return progress.Record(ctx, fetched)
	}
	return nil
}

func (o *Orchestrator) complete(ctx context.Context, orgID, campaignID string, processed int) error {
	applied, err := o.campaigns.TransitionStatus(ctx, orgID, campaignID,
		[]domain.CampaignStatus{domain.CampaignStatusSending}, domain.CampaignStatusSent)
	if err != nil {
		return err
	}
	if !applied {
		return nil
	}
	if err := o.campaigns.SetCompleted(ctx, orgID, campaignID, time.Now().UTC()); err != nil {
		return err
	}
	o.logger.WithFields(map[string]interface{}{
		"campaign_id": campaignID,
		"processed":   processed,
	}).Info("campaign dispatch complete")
	return nil
}

func (o *Orchestrator) markFailed(ctx context.Context, orgID, campaignID string, cause error) {
	if err := o.campaigns.AppendError(ctx, orgID, campaignID, "dispatch", cause.Error(), time.Now().UTC()); err != nil {
		o.logger.WithField("error", err.Error()).Error("failed to append campaign error")
	}
	if _, err := o.campaigns.TransitionStatus(ctx, orgID, campaignID,
		[]domain.CampaignStatus{domain.CampaignStatusSending}, domain.CampaignStatusFailed); err != nil {
		o.logger.WithField("error", err.Error()).Error("failed to mark campaign failed")
	}
}

// resolvedContent is the campaign content after template lookup and
// organization fallbacks.
type resolvedContent struct {
	subject  string
	html     string
	text     string
	defaults map[string]string

	fromName  string
	fromEmail string
	replyTo   string
}

func (o *Orchestrator) resolveContent(ctx context.Context, campaign *domain.Campaign, org *domain.Organization) (*resolvedContent, error) {
	content := &resolvedContent{
		subject:   campaign.Content.Subject,
		html:      campaign.Content.HTML,
		text:      campaign.Content.Text,
		fromName:  campaign.Content.FromName,
		fromEmail: campaign.Content.FromEmail,
		replyTo:   campaign.Content.ReplyTo,
	}
	if campaign.Content.TemplateID != "" {
		template, err := o.templates.GetByID(ctx, campaign.OrgID, campaign.Content.TemplateID)
		if err != nil {
			return nil, fmt.Errorf("load template: %w", err)
		}
		if content.subject == "" {
			content.subject = template.Subject
		}
		content.html = template.HTML
		content.text = template.Text
		content.defaults = template.DefaultsMap()
	}
	if content.fromName == "" {
		content.fromName = org.DefaultFromName
	}
	if content.fromEmail == "" {
		content.fromEmail = org.DefaultFromEmail
	}
	return content, nil
}
