package service

import (
	"context"
	"fmt"

	"github.com/mailfold/mailfold/internal/domain"
	"github.com/mailfold/mailfold/pkg/logger"
)

// AnalyticsService is the reducer: it folds canonical feedback events into
// the email log, campaign counters and contact engagement. Counter writes
// are atomic datastore increments, and the email-log guards (monotonic
// status, set-if-not-set first open/click) make out-of-order delivery safe.
type AnalyticsService struct {
	emailLogs domain.EmailLogRepository
	campaigns domain.CampaignRepository
	contacts  domain.ContactRepository
	logger    logger.Logger
}

func NewAnalyticsService(
	emailLogs domain.EmailLogRepository,
	campaigns domain.CampaignRepository,
	contacts domain.ContactRepository,
	log logger.Logger,
) *AnalyticsService {
	return &AnalyticsService{
		emailLogs: emailLogs,
		campaigns: campaigns,
		contacts:  contacts,
		logger:    log,
	}
}

// CanProcess reports whether this worker handles the job type.
func (s *AnalyticsService) CanProcess(jobType string) bool {
	return jobType == domain.JobTypeProcessEvent
}

// Process reduces one event. Events for unknown logs are acknowledged so a
// poisoned notification cannot wedge the analytics queue.
func (s *AnalyticsService) Process(ctx context.Context, job *domain.Job) error {
	var event domain.FeedbackEvent
	if err := job.UnmarshalPayload(&event); err != nil {
		return fmt.Errorf("decode event payload: %w", err)
	}
	return s.Reduce(ctx, &event)
}

// Reduce applies one canonical event.
func (s *AnalyticsService) Reduce(ctx context.Context, event *domain.FeedbackEvent) error {
	emailLog, err := s.resolveLog(ctx, event)
	if err != nil {
		return err
	}
	if emailLog == nil {
		s.logger.WithFields(map[string]interface{}{
			"type":        string(event.Type),
			"feedback_id": event.FeedbackID,
		}).Warn("event for unknown email log, acknowledged")
		return nil
	}

	switch event.Type {
	case domain.FeedbackDelivery:
		return s.reduceDelivery(ctx, emailLog, event)
	case domain.FeedbackOpen:
		return s.reduceOpen(ctx, emailLog, event)
	case domain.FeedbackClick:
		return s.reduceClick(ctx, emailLog, event)
	case domain.FeedbackBounce:
		return s.reduceBounce(ctx, emailLog, event)
	case domain.FeedbackComplaint:
		return s.reduceComplaint(ctx, emailLog, event)
	case domain.FeedbackUnsubscribe:
		return s.reduceUnsubscribe(ctx, emailLog, event)
	case domain.FeedbackSend, domain.FeedbackReject:
		return s.appendEvent(ctx, emailLog, event, nil)
	default:
		s.logger.WithField("type", string(event.Type)).Warn("unknown event type, acknowledged")
		return nil
	}
}

func (s *AnalyticsService) resolveLog(ctx context.Context, event *domain.FeedbackEvent) (*domain.EmailLog, error) {
	var (
		emailLog *domain.EmailLog
		err      error
	)
	if event.TrackingID != "" {
		emailLog, err = s.emailLogs.GetByTrackingID(ctx, event.TrackingID)
	} else if event.MessageID != "" {
		emailLog, err = s.emailLogs.GetByMessageID(ctx, event.MessageID)
	} else {
		return nil, nil
	}
	if domain.IsNotFound(err) {
		return nil, nil
	}
	return emailLog, err
}

func (s *AnalyticsService) reduceDelivery(ctx context.Context, emailLog *domain.EmailLog, event *domain.FeedbackEvent) error {
	if err := s.emailLogs.AdvanceStatus(ctx, emailLog.TrackingID, domain.EmailLogDelivered, event.Timestamp); err != nil {
		return err
	}
	if err := s.appendEvent(ctx, emailLog, event, nil); err != nil {
		return err
	}
	if err := s.bumpCampaign(ctx, emailLog, domain.CounterDeltas{Delivered: 1}); err != nil {
		return err
	}
	// emails_received is the denominator of the engagement score; without
	// it opens and clicks can never move the score off zero.
	return s.contacts.ApplyEngagement(ctx, emailLog.OrgID, emailLog.ContactID, domain.EngagementDelta{
		ReceivedDelta: 1,
	})
}

func (s *AnalyticsService) reduceOpen(ctx context.Context, emailLog *domain.EmailLog, event *domain.FeedbackEvent) error {
	result, err := s.emailLogs.RecordOpen(ctx, emailLog.TrackingID, event.Timestamp)
	if err != nil {
		return err
	}
	if !result.Applied {
		return nil
	}
	if err := s.appendEvent(ctx, emailLog, event, nil); err != nil {
		return err
	}
	deltas := domain.CounterDeltas{Opens: 1}
	if result.FirstOpen {
		deltas.UniqueOpens = 1
	}
	if err := s.bumpCampaign(ctx, emailLog, deltas); err != nil {
		return err
	}
	at := event.Timestamp
	return s.contacts.ApplyEngagement(ctx, emailLog.OrgID, emailLog.ContactID, domain.EngagementDelta{
		OpenedDelta: 1,
		OpenedAt:    &at,
	})
}

func (s *AnalyticsService) reduceClick(ctx context.Context, emailLog *domain.EmailLog, event *domain.FeedbackEvent) error {
	result, err := s.emailLogs.RecordClick(ctx, emailLog.TrackingID, event.URL, event.Timestamp)
	if err != nil {
		return err
	}
	if !result.Applied {
		return nil
	}
	if err := s.appendEvent(ctx, emailLog, event, map[string]interface{}{"url": event.URL}); err != nil {
		return err
	}
	deltas := domain.CounterDeltas{Clicks: 1}
	if result.FirstClick {
		deltas.UniqueClicks = 1
	}
	if err := s.bumpCampaign(ctx, emailLog, deltas); err != nil {
		return err
	}
	if emailLog.CampaignID != "" && event.URL != "" {
		if err := s.campaigns.UpsertLinkClick(ctx, emailLog.OrgID, emailLog.CampaignID,
			event.URL, result.NewClickedURL); err != nil {
			return err
		}
	}
	at := event.Timestamp
	return s.contacts.ApplyEngagement(ctx, emailLog.OrgID, emailLog.ContactID, domain.EngagementDelta{
		ClickedDelta: 1,
		ClickedAt:    &at,
	})
}

func (s *AnalyticsService) reduceBounce(ctx context.Context, emailLog *domain.EmailLog, event *domain.FeedbackEvent) error {
	if err := s.emailLogs.AdvanceStatus(ctx, emailLog.TrackingID, domain.EmailLogBounced, event.Timestamp); err != nil {
		return err
	}
	if err := s.appendEvent(ctx, emailLog, event, map[string]interface{}{
		"bounce_type": event.BounceType,
		"reason":      event.Reason,
	}); err != nil {
		return err
	}

	deltas := domain.CounterDeltas{Bounced: 1}
	bounceType := domain.BounceSoft
	if event.BounceType == domain.BounceSubtypePermanent {
		deltas.HardBounced = 1
		bounceType = domain.BounceHard
	} else {
		deltas.SoftBounced = 1
	}
	if err := s.bumpCampaign(ctx, emailLog, deltas); err != nil {
		return err
	}
	return s.contacts.RecordBounce(ctx, emailLog.OrgID, emailLog.ContactID,
		bounceType, event.Reason, event.Timestamp)
}

func (s *AnalyticsService) reduceComplaint(ctx context.Context, emailLog *domain.EmailLog, event *domain.FeedbackEvent) error {
	if err := s.emailLogs.AdvanceStatus(ctx, emailLog.TrackingID, domain.EmailLogComplained, event.Timestamp); err != nil {
		return err
	}
	if err := s.emailLogs.SetComplained(ctx, emailLog.TrackingID, event.Timestamp); err != nil {
		return err
	}
	if err := s.appendEvent(ctx, emailLog, event, map[string]interface{}{"reason": event.Reason}); err != nil {
		return err
	}
	if err := s.bumpCampaign(ctx, emailLog, domain.CounterDeltas{Complained: 1}); err != nil {
		return err
	}
	return s.contacts.RecordComplaint(ctx, emailLog.OrgID, emailLog.ContactID, event.Timestamp)
}

func (s *AnalyticsService) reduceUnsubscribe(ctx context.Context, emailLog *domain.EmailLog, event *domain.FeedbackEvent) error {
	if err := s.emailLogs.SetUnsubscribed(ctx, emailLog.TrackingID, event.Timestamp); err != nil {
		return err
	}
	if err := s.appendEvent(ctx, emailLog, event, map[string]interface{}{"reason": event.Reason}); err != nil {
		return err
	}
	if err := s.bumpCampaign(ctx, emailLog, domain.CounterDeltas{Unsubscribed: 1}); err != nil {
		return err
	}
	return s.contacts.MarkUnsubscribed(ctx, emailLog.OrgID, emailLog.ContactID,
		event.Reason, emailLog.CampaignID)
}

func (s *AnalyticsService) appendEvent(ctx context.Context, emailLog *domain.EmailLog, event *domain.FeedbackEvent, extra map[string]interface{}) error {
	meta := map[string]interface{}{}
	if event.Meta.IP != "" {
		meta["ip"] = event.Meta.IP
	}
	if event.Meta.UserAgent != "" {
		meta["user_agent"] = event.Meta.UserAgent
	}
	if event.Meta.Referer != "" {
		meta["referer"] = event.Meta.Referer
	}
	for k, v := range extra {
		if v != "" {
			meta[k] = v
		}
	}
	if len(meta) == 0 {
		meta = nil
	}
	return s.emailLogs.AppendEvent(ctx, emailLog.TrackingID, domain.EmailLogEvent{
		Type:      string(event.Type),
		Timestamp: event.Timestamp,
		Meta:      meta,
	})
}

func (s *AnalyticsService) bumpCampaign(ctx context.Context, emailLog *domain.EmailLog, deltas domain.CounterDeltas) error {
	if emailLog.CampaignID == "" {
		return nil
	}
	return s.campaigns.IncrementCounters(ctx, emailLog.OrgID, emailLog.CampaignID, deltas)
}
