package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailfold/mailfold/internal/domain"
	"github.com/mailfold/mailfold/pkg/logger"
)

func newSchedulerFixture(t *testing.T) (*SchedulerService, *fakeCampaignRepo, *fakeJobQueue) {
	campaigns := newFakeCampaignRepo()
	queue := newFakeJobQueue()
	svc := NewSchedulerService(campaigns, queue, logger.NewTestLogger(t))
	return svc, campaigns, queue
}

func TestSweepDuePromotesScheduledCampaigns(t *testing.T) {
	svc, campaigns, queue := newSchedulerFixture(t)
	due := sendableCampaign(domain.CampaignStatusScheduled)
	campaigns.add(due)
	campaigns.due = []*domain.Campaign{due}

	svc.SweepDue(context.Background())

	status, _ := campaigns.GetStatus(context.Background(), "org-1", "camp-1")
	assert.Equal(t, domain.CampaignStatusQueued, status)

	jobs := queue.byQueue(domain.QueueCampaign)
	require.Len(t, jobs, 1)
	var payload domain.DispatchCampaignPayload
	require.NoError(t, jobs[0].UnmarshalPayload(&payload))
	assert.Equal(t, "camp-1", payload.CampaignID)
	assert.False(t, payload.IsRetry)
}

func TestSweepDueLosesRaceCleanly(t *testing.T) {
	svc, campaigns, queue := newSchedulerFixture(t)
	// Another instance already promoted it; the stored status is queued.
	raced := sendableCampaign(domain.CampaignStatusQueued)
	campaigns.add(raced)
	campaigns.due = []*domain.Campaign{raced}

	svc.SweepDue(context.Background())

	assert.Empty(t, queue.byQueue(domain.QueueCampaign), "lost CAS must not enqueue")
}

func TestSweepStalledReenqueuesAsRetry(t *testing.T) {
	svc, campaigns, queue := newSchedulerFixture(t)
	stalled := sendableCampaign(domain.CampaignStatusSending)
	campaigns.add(stalled)
	campaigns.stalled = []*domain.Campaign{stalled}

	svc.SweepStalled(context.Background())

	// The status stays sending; the dispatcher resumes in place.
	status, _ := campaigns.GetStatus(context.Background(), "org-1", "camp-1")
	assert.Equal(t, domain.CampaignStatusSending, status)

	jobs := queue.byQueue(domain.QueueCampaign)
	require.Len(t, jobs, 1)
	var payload domain.DispatchCampaignPayload
	require.NoError(t, jobs[0].UnmarshalPayload(&payload))
	assert.True(t, payload.IsRetry)
}

func TestSchedulerStartStop(t *testing.T) {
	svc, _, _ := newSchedulerFixture(t)
	require.NoError(t, svc.Start())
	svc.Stop()
}
