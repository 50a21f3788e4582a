package service

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/mailfold/mailfold/internal/domain"
	"github.com/mailfold/mailfold/pkg/logger"
)

// FeedbackService is the webhook-side ingestor: it verifies the SNS
// envelope, normalizes the SES notification into canonical events, writes
// the raw feedback log and hands the events to the analytics queue.
type FeedbackService struct {
	feedback  domain.FeedbackRepository
	emailLogs domain.EmailLogRepository
	queue     domain.JobQueue
	supp      domain.SuppressionChecker
	verifier  *SNSVerifier
	client    *http.Client
	logger    logger.Logger

	// skipVerification bypasses signature checks; only honored outside
	// production.
	skipVerification bool
}

func NewFeedbackService(
	feedback domain.FeedbackRepository,
	emailLogs domain.EmailLogRepository,
	queue domain.JobQueue,
	supp domain.SuppressionChecker,
	verifier *SNSVerifier,
	client *http.Client,
	log logger.Logger,
	skipVerification bool,
) *FeedbackService {
	if client == nil {
		client = http.DefaultClient
	}
	return &FeedbackService{
		feedback:         feedback,
		emailLogs:        emailLogs,
		queue:            queue,
		supp:             supp,
		verifier:         verifier,
		client:           client,
		logger:           log,
		skipVerification: skipVerification,
	}
}

// HandleSNSMessage processes one webhook request body. Unknown or
// unroutable notifications are logged and acknowledged; only transport and
// storage failures propagate so SNS retries delivery.
func (s *FeedbackService) HandleSNSMessage(ctx context.Context, body []byte) error {
	var envelope domain.SNSEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return domain.NewValidationError("malformed SNS envelope", "body")
	}

	switch envelope.Type {
	case domain.SNSTypeSubscriptionConfirmation:
		return s.confirmSubscription(ctx, &envelope)
	case domain.SNSTypeUnsubscribeConfirmation:
		s.logger.WithField("topic", envelope.TopicARN).Info("SNS unsubscribe confirmation received")
		return nil
	case domain.SNSTypeNotification:
		return s.handleNotification(ctx, &envelope)
	default:
		s.logger.WithField("type", envelope.Type).Warn("unknown SNS message type")
		return nil
	}
}

// confirmSubscription fetches the confirmation URL after checking it points
// at an Amazon host, so a forged envelope cannot make us call out anywhere.
func (s *FeedbackService) confirmSubscription(ctx context.Context, envelope *domain.SNSEnvelope) error {
	if err := ValidateAmazonURL(envelope.SubscribeURL); err != nil {
		return domain.NewValidationError("invalid SubscribeURL: "+err.Error(), "SubscribeURL")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, envelope.SubscribeURL, nil)
	if err != nil {
		return err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("confirm SNS subscription: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("confirm SNS subscription: status %d", resp.StatusCode)
	}
	s.logger.WithField("topic", envelope.TopicARN).Info("SNS subscription confirmed")
	return nil
}

func (s *FeedbackService) handleNotification(ctx context.Context, envelope *domain.SNSEnvelope) error {
	if s.skipVerification {
		s.logger.Warn("SNS signature verification skipped")
	} else if err := s.verifier.Verify(envelope); err != nil {
		return domain.ForbiddenError("SNS signature verification failed: " + err.Error())
	}

	events := NormalizeSESNotification(envelope.Message)
	if len(events) == 0 {
		s.logger.WithField("message_id", envelope.MessageID).Warn("SES notification produced no events")
		return nil
	}

	for _, event := range events {
		if err := s.ingest(ctx, event, envelope.Message); err != nil {
			return err
		}
	}
	return nil
}

// ingest routes one canonical event: resolve the owning email log by
// provider message id, persist the raw row, enqueue the reducer job and
// flush the suppression cache when the event suppresses the address.
func (s *FeedbackService) ingest(ctx context.Context, event *domain.FeedbackEvent, rawPayload string) error {
	emailLog, err := s.emailLogs.GetByMessageID(ctx, event.MessageID)
	if err != nil {
		if domain.IsNotFound(err) {
			s.logger.WithFields(map[string]interface{}{
				"message_id": event.MessageID,
				"type":       string(event.Type),
			}).Warn("feedback for unknown message id, acknowledged")
			return nil
		}
		return err
	}
	event.OrgID = emailLog.OrgID
	event.TrackingID = emailLog.TrackingID
	if event.Email == "" {
		event.Email = emailLog.Email
	}
	return s.Record(ctx, event, rawPayload)
}

// Record persists one canonical event and hands it to the analytics queue.
// The (feedback_id, type) unique index is the idempotence gate: a replayed
// event inserts nothing and is not enqueued again. The tracking endpoints
// call this directly with events they already resolved.
func (s *FeedbackService) Record(ctx context.Context, event *domain.FeedbackEvent, rawPayload string) error {
	now := time.Now().UTC()
	inserted, err := s.feedback.Insert(ctx, &domain.FeedbackLog{
		ID:         uuid.NewString(),
		OrgID:      event.OrgID,
		FeedbackID: event.FeedbackID,
		Type:       event.Type,
		Email:      event.Email,
		MessageID:  event.MessageID,
		BounceType: event.BounceType,
		Reason:     event.Reason,
		RawPayload: rawPayload,
		Timestamp:  event.Timestamp,
		CreatedAt:  now,
	})
	if err != nil {
		return err
	}
	if !inserted {
		// Replay of an already-ingested (feedback_id, type) pair; the
		// reducer has seen it, do not enqueue again.
		s.logger.WithFields(map[string]interface{}{
			"feedback_id": event.FeedbackID,
			"type":        string(event.Type),
		}).Info("duplicate feedback event, skipped")
		return nil
	}

	if event.IsPermanentBounce() || event.Type == domain.FeedbackComplaint {
		s.supp.Invalidate(event.OrgID, event.Email)
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return s.queue.Enqueue(ctx, domain.QueueAnalytics,
		&domain.Job{Type: domain.JobTypeProcessEvent, Payload: payload}, nil)
}

// NormalizeSESNotification maps one SES notification document onto
// canonical events, one per affected recipient. Unknown types return nil.
func NormalizeSESNotification(message string) []*domain.FeedbackEvent {
	doc := gjson.Parse(message)
	kind := doc.Get("notificationType").String()
	if kind == "" {
		kind = doc.Get("eventType").String()
	}
	messageID := doc.Get("mail.messageId").String()

	switch strings.ToLower(kind) {
	case "bounce":
		bounce := doc.Get("bounce")
		timestamp := parseSESTime(bounce.Get("timestamp").String())
		var events []*domain.FeedbackEvent
		bounce.Get("bouncedRecipients").ForEach(func(_, recipient gjson.Result) bool {
			events = append(events, &domain.FeedbackEvent{
				FeedbackID:    bounce.Get("feedbackId").String(),
				Type:          domain.FeedbackBounce,
				MessageID:     messageID,
				Email:         strings.ToLower(recipient.Get("emailAddress").String()),
				Timestamp:     timestamp,
				BounceType:    bounce.Get("bounceType").String(),
				BounceSubtype: bounce.Get("bounceSubType").String(),
				Reason:        recipient.Get("diagnosticCode").String(),
			})
			return true
		})
		return events
	case "complaint":
		complaint := doc.Get("complaint")
		timestamp := parseSESTime(complaint.Get("timestamp").String())
		var events []*domain.FeedbackEvent
		complaint.Get("complainedRecipients").ForEach(func(_, recipient gjson.Result) bool {
			events = append(events, &domain.FeedbackEvent{
				FeedbackID: complaint.Get("feedbackId").String(),
				Type:       domain.FeedbackComplaint,
				MessageID:  messageID,
				Email:      strings.ToLower(recipient.Get("emailAddress").String()),
				Timestamp:  timestamp,
				Reason:     complaint.Get("complaintFeedbackType").String(),
			})
			return true
		})
		return events
	case "delivery":
		delivery := doc.Get("delivery")
		timestamp := parseSESTime(delivery.Get("timestamp").String())
		var events []*domain.FeedbackEvent
		delivery.Get("recipients").ForEach(func(_, recipient gjson.Result) bool {
			email := strings.ToLower(recipient.String())
			events = append(events, &domain.FeedbackEvent{
				FeedbackID: messageID + "|" + email,
				Type:       domain.FeedbackDelivery,
				MessageID:  messageID,
				Email:      email,
				Timestamp:  timestamp,
			})
			return true
		})
		return events
	case "send":
		return []*domain.FeedbackEvent{{
			FeedbackID: messageID,
			Type:       domain.FeedbackSend,
			MessageID:  messageID,
			Timestamp:  parseSESTime(doc.Get("mail.timestamp").String()),
		}}
	case "reject":
		return []*domain.FeedbackEvent{{
			FeedbackID: messageID,
			Type:       domain.FeedbackReject,
			MessageID:  messageID,
			Timestamp:  parseSESTime(doc.Get("mail.timestamp").String()),
			Reason:     doc.Get("reject.reason").String(),
		}}
	case "open":
		timestamp := doc.Get("open.timestamp").String()
		return []*domain.FeedbackEvent{{
			FeedbackID: messageID + "|open|" + timestamp,
			Type:       domain.FeedbackOpen,
			MessageID:  messageID,
			Timestamp:  parseSESTime(timestamp),
			Meta: domain.EventMeta{
				IP:        doc.Get("open.ipAddress").String(),
				UserAgent: doc.Get("open.userAgent").String(),
			},
		}}
	case "click":
		timestamp := doc.Get("click.timestamp").String()
		return []*domain.FeedbackEvent{{
			FeedbackID: messageID + "|click|" + timestamp,
			Type:       domain.FeedbackClick,
			MessageID:  messageID,
			Timestamp:  parseSESTime(timestamp),
			URL:        doc.Get("click.link").String(),
			Meta: domain.EventMeta{
				IP:        doc.Get("click.ipAddress").String(),
				UserAgent: doc.Get("click.userAgent").String(),
			},
		}}
	default:
		return nil
	}
}

func parseSESTime(raw string) time.Time {
	if parsed, err := time.Parse(time.RFC3339, raw); err == nil {
		return parsed
	}
	return time.Now().UTC()
}
