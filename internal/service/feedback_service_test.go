package service

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailfold/mailfold/internal/domain"
	"github.com/mailfold/mailfold/pkg/logger"
)

type fakeSuppressionChecker struct {
	mu          sync.Mutex
	suppressed  map[string]bool
	invalidated []string
}

func newFakeSuppressionChecker() *fakeSuppressionChecker {
	return &fakeSuppressionChecker{suppressed: make(map[string]bool)}
}

func (f *fakeSuppressionChecker) IsSuppressed(ctx context.Context, orgID, email string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.suppressed[email], nil
}

func (f *fakeSuppressionChecker) Invalidate(orgID, email string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidated = append(f.invalidated, email)
}

type feedbackFixture struct {
	svc       *FeedbackService
	feedback  *fakeFeedbackRepo
	emailLogs *fakeEmailLogRepo
	queue     *fakeJobQueue
	supp      *fakeSuppressionChecker
}

func newFeedbackFixture(t *testing.T) *feedbackFixture {
	feedback := newFakeFeedbackRepo()
	emailLogs := newFakeEmailLogRepo()
	queue := newFakeJobQueue()
	supp := newFakeSuppressionChecker()
	svc := NewFeedbackService(feedback, emailLogs, queue, supp,
		NewSNSVerifier(nil), nil, logger.NewTestLogger(t), true)
	return &feedbackFixture{svc: svc, feedback: feedback, emailLogs: emailLogs, queue: queue, supp: supp}
}

const sesBounceNotification = `{
	"notificationType": "Bounce",
	"bounce": {
		"feedbackId": "fb-1",
		"bounceType": "Permanent",
		"bounceSubType": "General",
		"timestamp": "2026-08-24T10:00:00Z",
		"bouncedRecipients": [
			{"emailAddress": "Ada@Example.com", "diagnosticCode": "550 user unknown"}
		]
	},
	"mail": {"messageId": "msg-1"}
}`

const sesComplaintNotification = `{
	"notificationType": "Complaint",
	"complaint": {
		"feedbackId": "fb-2",
		"complaintFeedbackType": "abuse",
		"timestamp": "2026-08-24T11:00:00Z",
		"complainedRecipients": [{"emailAddress": "bob@example.com"}]
	},
	"mail": {"messageId": "msg-2"}
}`

const sesDeliveryNotification = `{
	"notificationType": "Delivery",
	"delivery": {
		"timestamp": "2026-08-24T09:00:00Z",
		"recipients": ["ada@example.com", "bob@example.com"]
	},
	"mail": {"messageId": "msg-3"}
}`

func TestNormalizeSESBounce(t *testing.T) {
	events := NormalizeSESNotification(sesBounceNotification)
	require.Len(t, events, 1)
	event := events[0]
	assert.Equal(t, domain.FeedbackBounce, event.Type)
	assert.Equal(t, "fb-1", event.FeedbackID)
	assert.Equal(t, "msg-1", event.MessageID)
	assert.Equal(t, "ada@example.com", event.Email)
	assert.Equal(t, domain.BounceSubtypePermanent, event.BounceType)
	assert.Equal(t, "General", event.BounceSubtype)
	assert.Equal(t, "550 user unknown", event.Reason)
	assert.Equal(t, time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC), event.Timestamp.UTC())
	assert.True(t, event.IsPermanentBounce())
}

func TestNormalizeSESComplaint(t *testing.T) {
	events := NormalizeSESNotification(sesComplaintNotification)
	require.Len(t, events, 1)
	assert.Equal(t, domain.FeedbackComplaint, events[0].Type)
	assert.Equal(t, "fb-2", events[0].FeedbackID)
	assert.Equal(t, "abuse", events[0].Reason)
}

func TestNormalizeSESDeliveryFansOutPerRecipient(t *testing.T) {
	events := NormalizeSESNotification(sesDeliveryNotification)
	require.Len(t, events, 2)
	assert.Equal(t, "msg-3|ada@example.com", events[0].FeedbackID)
	assert.Equal(t, "msg-3|bob@example.com", events[1].FeedbackID)
	for _, event := range events {
		assert.Equal(t, domain.FeedbackDelivery, event.Type)
	}
}

func TestNormalizeSESEventTypeField(t *testing.T) {
	// Configuration-set events carry eventType instead of notificationType.
	events := NormalizeSESNotification(`{
		"eventType": "Open",
		"open": {"timestamp": "2026-08-24T12:00:00Z", "ipAddress": "10.1.1.1", "userAgent": "Thunderbird"},
		"mail": {"messageId": "msg-4"}
	}`)
	require.Len(t, events, 1)
	assert.Equal(t, domain.FeedbackOpen, events[0].Type)
	assert.Equal(t, "msg-4|open|2026-08-24T12:00:00Z", events[0].FeedbackID)
	assert.Equal(t, "10.1.1.1", events[0].Meta.IP)
}

func TestNormalizeSESUnknownTypeReturnsNil(t *testing.T) {
	assert.Nil(t, NormalizeSESNotification(`{"notificationType": "RenderingFailure"}`))
	assert.Nil(t, NormalizeSESNotification(`not even json`))
}

func TestRecordEnqueuesOnce(t *testing.T) {
	f := newFeedbackFixture(t)
	event := &domain.FeedbackEvent{
		FeedbackID: "fb-1",
		Type:       domain.FeedbackDelivery,
		OrgID:      "org-1",
		Email:      "ada@example.com",
		Timestamp:  time.Now().UTC(),
	}

	require.NoError(t, f.svc.Record(context.Background(), event, "raw"))
	require.NoError(t, f.svc.Record(context.Background(), event, "raw"))

	assert.Len(t, f.feedback.inserted, 1)
	assert.Len(t, f.queue.byQueue(domain.QueueAnalytics), 1, "replay must not enqueue again")
}

func TestRecordPermanentBounceInvalidatesSuppression(t *testing.T) {
	f := newFeedbackFixture(t)
	event := &domain.FeedbackEvent{
		FeedbackID: "fb-1",
		Type:       domain.FeedbackBounce,
		BounceType: domain.BounceSubtypePermanent,
		OrgID:      "org-1",
		Email:      "ada@example.com",
		Timestamp:  time.Now().UTC(),
	}

	require.NoError(t, f.svc.Record(context.Background(), event, ""))
	assert.Equal(t, []string{"ada@example.com"}, f.supp.invalidated)
}

func TestRecordTransientBounceKeepsCache(t *testing.T) {
	f := newFeedbackFixture(t)
	event := &domain.FeedbackEvent{
		FeedbackID: "fb-1",
		Type:       domain.FeedbackBounce,
		BounceType: domain.BounceSubtypeTransient,
		OrgID:      "org-1",
		Email:      "ada@example.com",
		Timestamp:  time.Now().UTC(),
	}

	require.NoError(t, f.svc.Record(context.Background(), event, ""))
	assert.Empty(t, f.supp.invalidated)
}

func TestHandleSNSNotificationRoutesByMessageID(t *testing.T) {
	f := newFeedbackFixture(t)
	f.emailLogs.add(&domain.EmailLog{
		OrgID:      "org-9",
		TrackingID: testTrackingID,
		MessageID:  "msg-1",
		Email:      "ada@example.com",
	})

	body := snsNotificationBody(sesBounceNotification)
	require.NoError(t, f.svc.HandleSNSMessage(context.Background(), body))

	require.Len(t, f.feedback.inserted, 1)
	assert.Equal(t, "org-9", f.feedback.inserted[0].OrgID)

	jobs := f.queue.byQueue(domain.QueueAnalytics)
	require.Len(t, jobs, 1)
	var event domain.FeedbackEvent
	require.NoError(t, jobs[0].UnmarshalPayload(&event))
	assert.Equal(t, "org-9", event.OrgID)
	assert.Equal(t, testTrackingID, event.TrackingID)
}

func TestHandleSNSNotificationUnknownMessageAcked(t *testing.T) {
	f := newFeedbackFixture(t)

	body := snsNotificationBody(sesBounceNotification)
	require.NoError(t, f.svc.HandleSNSMessage(context.Background(), body))

	assert.Empty(t, f.feedback.inserted)
	assert.Empty(t, f.queue.byQueue(domain.QueueAnalytics))
}

func TestHandleSNSUnknownTypeAcked(t *testing.T) {
	f := newFeedbackFixture(t)
	require.NoError(t, f.svc.HandleSNSMessage(context.Background(), []byte(`{"Type": "Mystery"}`)))
}

func TestHandleSNSMalformedEnvelopeRejected(t *testing.T) {
	f := newFeedbackFixture(t)
	err := f.svc.HandleSNSMessage(context.Background(), []byte(`{{{`))
	require.Error(t, err)
}

func TestConfirmSubscriptionRejectsNonAmazonURL(t *testing.T) {
	f := newFeedbackFixture(t)
	err := f.svc.HandleSNSMessage(context.Background(), []byte(`{
		"Type": "SubscriptionConfirmation",
		"SubscribeURL": "https://attacker.test/confirm"
	}`))
	require.Error(t, err)
}

func snsNotificationBody(message string) []byte {
	envelope, err := json.Marshal(map[string]string{
		"Type":    domain.SNSTypeNotification,
		"Message": message,
	})
	if err != nil {
		panic(err)
	}
	return envelope
}
