package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/mailfold/mailfold/internal/domain"
	"github.com/mailfold/mailfold/pkg/logger"
)

// CampaignService owns the campaign lifecycle. Every status change is a
// compare-and-set through the repository, so two API calls or a sweeper
// racing each other settle deterministically.
type CampaignService struct {
	campaigns domain.CampaignRepository
	contacts  domain.ContactRepository
	templates domain.TemplateRepository
	emailLogs domain.EmailLogRepository
	queue     domain.JobQueue
	logger    logger.Logger
}

func NewCampaignService(
	campaigns domain.CampaignRepository,
	contacts domain.ContactRepository,
	templates domain.TemplateRepository,
	emailLogs domain.EmailLogRepository,
	queue domain.JobQueue,
	log logger.Logger,
) *CampaignService {
	return &CampaignService{
		campaigns: campaigns,
		contacts:  contacts,
		templates: templates,
		emailLogs: emailLogs,
		queue:     queue,
		logger:    log,
	}
}

func (s *CampaignService) Create(ctx context.Context, campaign *domain.Campaign) error {
	if err := campaign.Validate(); err != nil {
		return err
	}
	now := time.Now().UTC()
	campaign.ID = uuid.NewString()
	campaign.Status = domain.CampaignStatusDraft
	campaign.CreatedAt = now
	campaign.UpdatedAt = now
	return s.campaigns.Create(ctx, campaign)
}

func (s *CampaignService) Update(ctx context.Context, campaign *domain.Campaign) error {
	if err := campaign.Validate(); err != nil {
		return err
	}
	return s.campaigns.Update(ctx, campaign)
}

func (s *CampaignService) Get(ctx context.Context, orgID, id string) (*domain.Campaign, error) {
	return s.campaigns.GetByID(ctx, orgID, id)
}

func (s *CampaignService) List(ctx context.Context, orgID string, status domain.CampaignStatus, limit, offset int) ([]*domain.Campaign, int, error) {
	return s.campaigns.List(ctx, orgID, status, limit, offset)
}

func (s *CampaignService) Delete(ctx context.Context, orgID, id string) error {
	return s.campaigns.Delete(ctx, orgID, id)
}

// Duplicate produces a fresh draft with counters, progress and errors
// cleared.
func (s *CampaignService) Duplicate(ctx context.Context, orgID, id string) (*domain.Campaign, error) {
	original, err := s.campaigns.GetByID(ctx, orgID, id)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	duplicate := &domain.Campaign{
		ID:        uuid.NewString(),
		OrgID:     orgID,
		Name:      original.Name + " (copy)",
		Status:    domain.CampaignStatusDraft,
		Selectors: original.Selectors,
		Content:   original.Content,
		Schedule:  domain.CampaignSchedule{Kind: domain.ScheduleImmediate},
		Tracking:  original.Tracking,
		ABTest:    original.ABTest,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.campaigns.Create(ctx, duplicate); err != nil {
		return nil, err
	}
	return duplicate, nil
}

// Validate reports whether the campaign could be sent as configured.
func (s *CampaignService) Validate(ctx context.Context, orgID, id string) error {
	campaign, err := s.campaigns.GetByID(ctx, orgID, id)
	if err != nil {
		return err
	}
	if err := campaign.ValidateForSend(); err != nil {
		return err
	}
	if campaign.Content.TemplateID != "" {
		if _, err := s.templates.GetByID(ctx, orgID, campaign.Content.TemplateID); err != nil {
			return err
		}
	}
	return nil
}

// Schedule stores the schedule and moves the campaign to scheduled.
func (s *CampaignService) Schedule(ctx context.Context, orgID, id string, at time.Time, timezone string) error {
	campaign, err := s.campaigns.GetByID(ctx, orgID, id)
	if err != nil {
		return err
	}
	if err := campaign.ValidateForSend(); err != nil {
		return err
	}
	if !at.After(time.Now()) {
		return domain.NewValidationError("scheduled_at must be in the future", "scheduled_at")
	}

	campaign.Schedule = domain.CampaignSchedule{
		Kind:        domain.ScheduleAt,
		ScheduledAt: &at,
		Timezone:    timezone,
	}
	if err := s.campaigns.Update(ctx, campaign); err != nil {
		return err
	}
	return s.transition(ctx, orgID, id,
		[]domain.CampaignStatus{domain.CampaignStatusDraft, domain.CampaignStatusScheduled},
		domain.CampaignStatusScheduled)
}

// Send queues the campaign for immediate dispatch.
func (s *CampaignService) Send(ctx context.Context, orgID, id string) error {
	if err := s.Validate(ctx, orgID, id); err != nil {
		return err
	}
	if err := s.transition(ctx, orgID, id,
		[]domain.CampaignStatus{domain.CampaignStatusDraft, domain.CampaignStatusScheduled},
		domain.CampaignStatusQueued); err != nil {
		return err
	}
	return s.enqueueDispatch(ctx, orgID, id, false)
}

// Pause stops the dispatcher at its next batch boundary.
func (s *CampaignService) Pause(ctx context.Context, orgID, id string) error {
	return s.transition(ctx, orgID, id,
		[]domain.CampaignStatus{domain.CampaignStatusSending},
		domain.CampaignStatusPaused)
}

// Resume returns a paused campaign to sending and restarts the dispatcher;
// recipients already holding a log row are skipped, so dispatch continues
// where it stopped.
func (s *CampaignService) Resume(ctx context.Context, orgID, id string) error {
	if err := s.transition(ctx, orgID, id,
		[]domain.CampaignStatus{domain.CampaignStatusPaused},
		domain.CampaignStatusSending); err != nil {
		return err
	}
	return s.enqueueDispatch(ctx, orgID, id, true)
}

// Cancel settles the campaign from any non-terminal state.
func (s *CampaignService) Cancel(ctx context.Context, orgID, id string) error {
	return s.transition(ctx, orgID, id,
		[]domain.CampaignStatus{
			domain.CampaignStatusScheduled, domain.CampaignStatusQueued,
			domain.CampaignStatusSending, domain.CampaignStatusPaused,
		},
		domain.CampaignStatusCancelled)
}

// CountRecipients previews the resolved audience size.
func (s *CampaignService) CountRecipients(ctx context.Context, orgID, id string) (int, error) {
	campaign, err := s.campaigns.GetByID(ctx, orgID, id)
	if err != nil {
		return 0, err
	}
	if campaign.Selectors.IsEmpty() {
		return 0, nil
	}
	return s.contacts.CountForSelectors(ctx, orgID, campaign.Selectors)
}

// PreviewRecipients returns one keyset page of the resolved audience.
func (s *CampaignService) PreviewRecipients(ctx context.Context, orgID, id, afterID string, limit int) ([]*domain.ContactRef, error) {
	campaign, err := s.campaigns.GetByID(ctx, orgID, id)
	if err != nil {
		return nil, err
	}
	if campaign.Selectors.IsEmpty() {
		return nil, nil
	}
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	return s.contacts.FetchForSelectors(ctx, orgID, campaign.Selectors, afterID, limit)
}

// Analytics returns the campaign's counter block.
func (s *CampaignService) Analytics(ctx context.Context, orgID, id string) (*domain.CampaignAnalytics, error) {
	campaign, err := s.campaigns.GetByID(ctx, orgID, id)
	if err != nil {
		return nil, err
	}
	return &campaign.Analytics, nil
}

// Activity pages the campaign's email logs, most recently touched first.
func (s *CampaignService) Activity(ctx context.Context, orgID, id string, limit, offset int) ([]*domain.EmailLog, int, error) {
	if _, err := s.campaigns.GetByID(ctx, orgID, id); err != nil {
		return nil, 0, err
	}
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return s.emailLogs.ListByCampaign(ctx, orgID, id, limit, offset)
}

func (s *CampaignService) transition(ctx context.Context, orgID, id string, from []domain.CampaignStatus, to domain.CampaignStatus) error {
	applied, err := s.campaigns.TransitionStatus(ctx, orgID, id, from, to)
	if err != nil {
		return err
	}
	if !applied {
		current, err := s.campaigns.GetStatus(ctx, orgID, id)
		if err != nil {
			return err
		}
		return domain.InvalidTransitionError(string(current), string(to))
	}
	return nil
}

func (s *CampaignService) enqueueDispatch(ctx context.Context, orgID, id string, isRetry bool) error {
	payload, err := json.Marshal(domain.DispatchCampaignPayload{
		OrgID:      orgID,
		CampaignID: id,
		IsRetry:    isRetry,
	})
	if err != nil {
		return err
	}
	opts := domain.QueueDefaults(domain.QueueCampaign)
	if isRetry {
		opts.Priority = -1 // retries run ahead of fresh dispatches
	}
	return s.queue.Enqueue(ctx, domain.QueueCampaign,
		&domain.Job{Type: domain.JobTypeDispatchCampaign, Payload: payload}, &opts)
}
