package domain

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackoffFixed(t *testing.T) {
	b := Backoff{Kind: BackoffFixed, Base: 30 * time.Second}
	assert.Equal(t, 30*time.Second, b.Delay(1, 15*time.Minute))
	assert.Equal(t, 30*time.Second, b.Delay(5, 15*time.Minute))
}

func TestBackoffExponential(t *testing.T) {
	b := Backoff{Kind: BackoffExponential, Base: 10 * time.Second}
	assert.Equal(t, 10*time.Second, b.Delay(1, 15*time.Minute))
	assert.Equal(t, 20*time.Second, b.Delay(2, 15*time.Minute))
	assert.Equal(t, 40*time.Second, b.Delay(3, 15*time.Minute))
	assert.Equal(t, 80*time.Second, b.Delay(4, 15*time.Minute))
}

func TestBackoffExponentialCap(t *testing.T) {
	b := Backoff{Kind: BackoffExponential, Base: 10 * time.Second}
	assert.Equal(t, time.Minute, b.Delay(10, time.Minute))
	// Deep attempt counts must not overflow.
	assert.Equal(t, time.Minute, b.Delay(200, time.Minute))
}

func TestBackoffZeroAttempt(t *testing.T) {
	b := Backoff{Kind: BackoffExponential, Base: 10 * time.Second}
	assert.Equal(t, 10*time.Second, b.Delay(0, time.Minute))
}

func TestQueueDefaults(t *testing.T) {
	campaign := QueueDefaults(QueueCampaign)
	assert.Equal(t, 3, campaign.MaxAttempts)
	assert.Equal(t, BackoffFixed, campaign.Backoff.Kind)
	assert.Equal(t, 30*time.Second, campaign.Backoff.Base)

	email := QueueDefaults(QueueEmail)
	assert.Equal(t, 5, email.MaxAttempts)
	assert.Equal(t, BackoffExponential, email.Backoff.Kind)
	assert.Equal(t, 10*time.Second, email.Backoff.Base)

	webhook := QueueDefaults(QueueWebhook)
	assert.Equal(t, 5, webhook.MaxAttempts)
	assert.Equal(t, 5*time.Second, webhook.Backoff.Base)
}

func TestJobUnmarshalPayload(t *testing.T) {
	payload, err := json.Marshal(SendEmailPayload{OrgID: "o1", Email: "a@b.co", TrackingID: "t"})
	require.NoError(t, err)

	job := &Job{Type: JobTypeSendEmail, Payload: payload}
	var decoded SendEmailPayload
	require.NoError(t, job.UnmarshalPayload(&decoded))
	assert.Equal(t, "o1", decoded.OrgID)
	assert.Equal(t, "a@b.co", decoded.Email)
}
