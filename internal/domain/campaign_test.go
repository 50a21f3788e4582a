package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCampaignTransitions(t *testing.T) {
	allowed := []struct{ from, to CampaignStatus }{
		{CampaignStatusDraft, CampaignStatusScheduled},
		{CampaignStatusDraft, CampaignStatusQueued},
		{CampaignStatusScheduled, CampaignStatusQueued},
		{CampaignStatusScheduled, CampaignStatusCancelled},
		{CampaignStatusQueued, CampaignStatusSending},
		{CampaignStatusQueued, CampaignStatusCancelled},
		{CampaignStatusSending, CampaignStatusSent},
		{CampaignStatusSending, CampaignStatusFailed},
		{CampaignStatusSending, CampaignStatusPaused},
		{CampaignStatusSending, CampaignStatusCancelled},
		{CampaignStatusPaused, CampaignStatusSending},
		{CampaignStatusPaused, CampaignStatusCancelled},
	}
	for _, tr := range allowed {
		assert.True(t, tr.from.CanTransitionTo(tr.to), "%s -> %s should be allowed", tr.from, tr.to)
	}

	denied := []struct{ from, to CampaignStatus }{
		{CampaignStatusDraft, CampaignStatusSending},
		{CampaignStatusDraft, CampaignStatusCancelled},
		{CampaignStatusSent, CampaignStatusSending},
		{CampaignStatusSent, CampaignStatusQueued},
		{CampaignStatusCancelled, CampaignStatusQueued},
		{CampaignStatusFailed, CampaignStatusSending},
		{CampaignStatusPaused, CampaignStatusSent},
		{CampaignStatusQueued, CampaignStatusPaused},
	}
	for _, tr := range denied {
		assert.False(t, tr.from.CanTransitionTo(tr.to), "%s -> %s should be denied", tr.from, tr.to)
	}
}

func TestIsEditable(t *testing.T) {
	assert.True(t, CampaignStatusDraft.IsEditable())
	assert.True(t, CampaignStatusScheduled.IsEditable())
	assert.False(t, CampaignStatusQueued.IsEditable())
	assert.False(t, CampaignStatusSending.IsEditable())
	assert.False(t, CampaignStatusSent.IsEditable())
}

func TestRate(t *testing.T) {
	assert.Equal(t, 0.0, Rate(5, 0), "zero denominator yields zero")
	assert.Equal(t, 50.0, Rate(1, 2))
	assert.Equal(t, 33.33, Rate(1, 3))
	assert.Equal(t, 66.67, Rate(2, 3))
	assert.Equal(t, 100.0, Rate(10, 10))
}

func TestRecomputeRates(t *testing.T) {
	a := CampaignAnalytics{
		Sent: 10, Delivered: 8, Bounced: 2,
		Opens: 6, UniqueOpens: 4, Clicks: 3, UniqueClicks: 2,
		Unsubscribed: 1, Complained: 0,
	}
	a.RecomputeRates()

	assert.Equal(t, 80.0, a.DeliveryRate)
	assert.Equal(t, 20.0, a.BounceRate)
	assert.Equal(t, 50.0, a.OpenRate)
	assert.Equal(t, 25.0, a.ClickRate)
	assert.Equal(t, 50.0, a.ClickToOpenRate)
	assert.Equal(t, 10.0, a.UnsubscribeRate)
	assert.Equal(t, 0.0, a.ComplaintRate)
}

func TestCampaignValidate(t *testing.T) {
	c := &Campaign{Name: "  Welcome  "}
	assert.NoError(t, c.Validate())
	assert.Equal(t, "Welcome", c.Name)

	c = &Campaign{}
	assert.Error(t, c.Validate())

	c = &Campaign{Name: "x", Content: CampaignContent{FromEmail: "not-an-email"}}
	assert.Error(t, c.Validate())

	c = &Campaign{Name: "x", Schedule: CampaignSchedule{Kind: ScheduleAt}}
	assert.Error(t, c.Validate(), "scheduled kind requires scheduled_at")

	at := time.Now()
	c = &Campaign{Name: "x", Schedule: CampaignSchedule{Kind: ScheduleAt, ScheduledAt: &at}}
	assert.NoError(t, c.Validate())
}

func TestCampaignValidateABVariants(t *testing.T) {
	c := &Campaign{Name: "x", ABTest: ABTestConfig{
		Enabled:  true,
		Variants: []ABVariant{{Name: "A", Percentage: 60}, {Name: "B", Percentage: 30}},
	}}
	assert.Error(t, c.Validate(), "percentages must sum to 100")

	c.ABTest.Variants[1].Percentage = 40
	assert.NoError(t, c.Validate())
}

func TestValidateForSend(t *testing.T) {
	c := &Campaign{Name: "x"}
	assert.Error(t, c.ValidateForSend(), "no selectors")

	c.Selectors.Lists = []string{"l1"}
	assert.Error(t, c.ValidateForSend(), "no content")

	c.Content = CampaignContent{HTML: "<p>hi</p>", Subject: "s", FromEmail: "a@b.co"}
	assert.NoError(t, c.ValidateForSend())
}
