package service

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mailfold/mailfold/internal/domain"
	"github.com/mailfold/mailfold/pkg/logger"
	"github.com/mailfold/mailfold/pkg/tracking"
)

// EventRecorder is what the tracking boundary needs from the feedback
// pipeline: persist one event and enqueue it for the reducer.
type EventRecorder interface {
	Record(ctx context.Context, event *domain.FeedbackEvent, rawPayload string) error
}

// trackingWriteTimeout bounds event writes that run detached from the
// request.
const trackingWriteTimeout = 10 * time.Second

// TrackingService resolves pixel, click, unsubscribe and view-in-browser
// hits. Open and click recording runs off the request path; unsubscribe is
// synchronous so a double-tap cannot race the next send.
type TrackingService struct {
	emailLogs domain.EmailLogRepository
	contacts  domain.ContactRepository
	recorder  EventRecorder
	appURL    string
	logger    logger.Logger
}

func NewTrackingService(
	emailLogs domain.EmailLogRepository,
	contacts domain.ContactRepository,
	recorder EventRecorder,
	appURL string,
	log logger.Logger,
) *TrackingService {
	return &TrackingService{
		emailLogs: emailLogs,
		contacts:  contacts,
		recorder:  recorder,
		appURL:    strings.TrimRight(appURL, "/"),
		logger:    log,
	}
}

// safeRedirect is where a click with no resolvable target lands.
func (s *TrackingService) safeRedirect() string {
	return s.appURL
}

// RecordOpen fires an open event for the pixel hit. Invalid ids are
// dropped silently; the pixel is served regardless.
func (s *TrackingService) RecordOpen(ctx context.Context, trackingID string, meta domain.EventMeta) {
	if !tracking.IsValidTrackingID(trackingID) {
		return
	}
	event := &domain.FeedbackEvent{
		FeedbackID: uuid.NewString(),
		Type:       domain.FeedbackOpen,
		TrackingID: trackingID,
		Timestamp:  time.Now().UTC(),
		Meta:       meta,
	}
	if err := s.recordResolved(ctx, event); err != nil {
		s.logger.WithField("error", err.Error()).Error("failed to record open")
	}
}

// ResolveClick returns the redirect target for a click hit and fires the
// click event with the resolved URL, never the fallback when the link
// table has an entry for the index.
func (s *TrackingService) ResolveClick(ctx context.Context, trackingID string, linkIndex int, fallbackURL string, meta domain.EventMeta) string {
	target := fallbackURL
	if target == "" {
		target = s.safeRedirect()
	}
	if !tracking.IsValidTrackingID(trackingID) {
		return target
	}

	emailLog, err := s.emailLogs.GetByTrackingID(ctx, trackingID)
	if err != nil {
		if !domain.IsNotFound(err) {
			s.logger.WithField("error", err.Error()).Error("failed to load email log for click")
		}
		return target
	}
	if original, ok := emailLog.LinkForIndex(linkIndex); ok {
		target = original
	}

	event := &domain.FeedbackEvent{
		FeedbackID: uuid.NewString(),
		Type:       domain.FeedbackClick,
		OrgID:      emailLog.OrgID,
		TrackingID: trackingID,
		Email:      emailLog.Email,
		URL:        target,
		Timestamp:  time.Now().UTC(),
		Meta:       meta,
	}
	// The redirect must not wait on the write; the event lands on a
	// detached context like the open pixel's.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), trackingWriteTimeout)
		defer cancel()
		if err := s.recorder.Record(ctx, event, ""); err != nil {
			s.logger.WithField("error", err.Error()).Error("failed to record click")
		}
	}()
	return target
}

// Unsubscribe marks the contact unsubscribed synchronously and fires the
// unsubscribe event. Returns the confirmation page URL.
func (s *TrackingService) Unsubscribe(ctx context.Context, trackingID, reason string, meta domain.EventMeta) (string, error) {
	confirmation := s.appURL + "/unsubscribed"
	if !tracking.IsValidTrackingID(trackingID) {
		return confirmation, nil
	}

	emailLog, err := s.emailLogs.GetByTrackingID(ctx, trackingID)
	if err != nil {
		if domain.IsNotFound(err) {
			return confirmation, nil
		}
		return confirmation, err
	}

	if err := s.contacts.MarkUnsubscribed(ctx, emailLog.OrgID, emailLog.ContactID,
		reason, emailLog.CampaignID); err != nil && !domain.IsNotFound(err) {
		return confirmation, err
	}

	event := &domain.FeedbackEvent{
		FeedbackID: uuid.NewString(),
		Type:       domain.FeedbackUnsubscribe,
		OrgID:      emailLog.OrgID,
		TrackingID: trackingID,
		Email:      emailLog.Email,
		Reason:     reason,
		Timestamp:  time.Now().UTC(),
		Meta:       meta,
	}
	if err := s.recorder.Record(ctx, event, ""); err != nil {
		s.logger.WithField("error", err.Error()).Error("failed to record unsubscribe")
	}
	return confirmation, nil
}

// ViewInBrowser counts as an open and redirects to the hosted campaign
// view.
func (s *TrackingService) ViewInBrowser(ctx context.Context, trackingID string, meta domain.EventMeta) string {
	target := s.safeRedirect()
	if !tracking.IsValidTrackingID(trackingID) {
		return target
	}
	emailLog, err := s.emailLogs.GetByTrackingID(ctx, trackingID)
	if err != nil {
		return target
	}
	if emailLog.CampaignID != "" {
		target = s.appURL + "/campaigns/" + emailLog.CampaignID + "/view?t=" + trackingID
	}
	s.RecordOpen(ctx, trackingID, meta)
	return target
}

// recordResolved loads the log row to stamp the event with its owning
// organization before recording.
func (s *TrackingService) recordResolved(ctx context.Context, event *domain.FeedbackEvent) error {
	emailLog, err := s.emailLogs.GetByTrackingID(ctx, event.TrackingID)
	if err != nil {
		if domain.IsNotFound(err) {
			return nil
		}
		return err
	}
	event.OrgID = emailLog.OrgID
	if event.Email == "" {
		event.Email = emailLog.Email
	}
	return s.recorder.Record(ctx, event, "")
}
