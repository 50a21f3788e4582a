package service

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailfold/mailfold/internal/domain"
	"github.com/mailfold/mailfold/pkg/logger"
)

const testTrackingID = "0123456789abcdef0123456789abcdef"

func newTrackingFixture(t *testing.T) (*TrackingService, *fakeEmailLogRepo, *fakeContactRepo, *fakeRecorder) {
	emailLogs := newFakeEmailLogRepo()
	contacts := newFakeContactRepo()
	recorder := &fakeRecorder{}
	svc := NewTrackingService(emailLogs, contacts, recorder, "https://app.acme.test/", logger.NewTestLogger(t))
	return svc, emailLogs, contacts, recorder
}

func trackedLog() *domain.EmailLog {
	return &domain.EmailLog{
		ID:         "log-1",
		OrgID:      "org-1",
		TrackingID: testTrackingID,
		CampaignID: "camp-1",
		ContactID:  "c1",
		Email:      "ada@example.com",
		Status:     domain.EmailLogDelivered,
		TrackedLinks: []domain.TrackedLink{
			{Index: 0, OriginalURL: "https://acme.test/pricing"},
			{Index: 1, OriginalURL: "https://acme.test/docs"},
		},
	}
}

func TestRecordOpenStampsOrgAndEmail(t *testing.T) {
	svc, emailLogs, _, recorder := newTrackingFixture(t)
	emailLogs.add(trackedLog())

	svc.RecordOpen(context.Background(), testTrackingID, domain.EventMeta{IP: "10.0.0.1"})

	require.Len(t, recorder.events, 1)
	event := recorder.events[0]
	assert.Equal(t, domain.FeedbackOpen, event.Type)
	assert.Equal(t, "org-1", event.OrgID)
	assert.Equal(t, "ada@example.com", event.Email)
	assert.NotEmpty(t, event.FeedbackID)
	assert.Equal(t, "10.0.0.1", event.Meta.IP)
}

func TestRecordOpenIgnoresInvalidID(t *testing.T) {
	svc, _, _, recorder := newTrackingFixture(t)

	svc.RecordOpen(context.Background(), "not-a-tracking-id", domain.EventMeta{})
	svc.RecordOpen(context.Background(), "", domain.EventMeta{})

	assert.Empty(t, recorder.events)
}

func TestRecordOpenUnknownLogIsDropped(t *testing.T) {
	svc, _, _, recorder := newTrackingFixture(t)

	svc.RecordOpen(context.Background(), testTrackingID, domain.EventMeta{})

	assert.Empty(t, recorder.events)
}

func TestResolveClickUsesLinkTable(t *testing.T) {
	svc, emailLogs, _, recorder := newTrackingFixture(t)
	emailLogs.add(trackedLog())

	target := svc.ResolveClick(context.Background(), testTrackingID, 1, "https://evil.test/phish", domain.EventMeta{})
	assert.Equal(t, "https://acme.test/docs", target)

	// The redirect returns before the event write lands.
	require.Eventually(t, func() bool { return len(recorder.recorded()) == 1 },
		time.Second, 5*time.Millisecond)
	event := recorder.recorded()[0]
	assert.Equal(t, domain.FeedbackClick, event.Type)
	assert.Equal(t, "https://acme.test/docs", event.URL)
}

func TestResolveClickFallsBackForUnknownIndex(t *testing.T) {
	svc, emailLogs, _, recorder := newTrackingFixture(t)
	emailLogs.add(trackedLog())

	target := svc.ResolveClick(context.Background(), testTrackingID, 42, "https://acme.test/other", domain.EventMeta{})

	assert.Equal(t, "https://acme.test/other", target)
	require.Eventually(t, func() bool { return len(recorder.recorded()) == 1 },
		time.Second, 5*time.Millisecond)
}

func TestResolveClickUnknownTrackingReturnsFallback(t *testing.T) {
	svc, _, _, recorder := newTrackingFixture(t)

	target := svc.ResolveClick(context.Background(), testTrackingID, 0, "https://acme.test/x", domain.EventMeta{})

	assert.Equal(t, "https://acme.test/x", target)
	assert.Empty(t, recorder.events)
}

func TestResolveClickEmptyFallbackGoesHome(t *testing.T) {
	svc, _, _, _ := newTrackingFixture(t)

	target := svc.ResolveClick(context.Background(), "bogus", 0, "", domain.EventMeta{})

	assert.Equal(t, "https://app.acme.test", target)
}

func TestUnsubscribeMarksContactSynchronously(t *testing.T) {
	svc, emailLogs, contacts, recorder := newTrackingFixture(t)
	emailLogs.add(trackedLog())

	confirmation, err := svc.Unsubscribe(context.Background(), testTrackingID, "link", domain.EventMeta{})
	require.NoError(t, err)

	assert.Equal(t, "https://app.acme.test/unsubscribed", confirmation)
	assert.Equal(t, []string{"c1"}, contacts.unsubscribed)
	require.Len(t, recorder.events, 1)
	assert.Equal(t, domain.FeedbackUnsubscribe, recorder.events[0].Type)
	assert.Equal(t, "link", recorder.events[0].Reason)
}

func TestUnsubscribeUnknownTrackingStillConfirms(t *testing.T) {
	svc, _, contacts, recorder := newTrackingFixture(t)

	confirmation, err := svc.Unsubscribe(context.Background(), testTrackingID, "link", domain.EventMeta{})
	require.NoError(t, err)

	assert.Equal(t, "https://app.acme.test/unsubscribed", confirmation)
	assert.Empty(t, contacts.unsubscribed)
	assert.Empty(t, recorder.events)
}

func TestViewInBrowserRedirectsAndCountsOpen(t *testing.T) {
	svc, emailLogs, _, recorder := newTrackingFixture(t)
	emailLogs.add(trackedLog())

	target := svc.ViewInBrowser(context.Background(), testTrackingID, domain.EventMeta{})

	assert.True(t, strings.HasPrefix(target, "https://app.acme.test/campaigns/camp-1/view?t="))
	require.Len(t, recorder.events, 1)
	assert.Equal(t, domain.FeedbackOpen, recorder.events[0].Type)
}
