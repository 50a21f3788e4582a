package domain

import (
	"context"
	"encoding/json"
	"time"
)

// Named queues used by the core. Concurrency and retry policies follow the
// table in QueueDefaults.
const (
	QueueCampaign  = "campaign"
	QueueEmail     = "email"
	QueueAnalytics = "analytics"
	QueueWebhook   = "webhook"
	QueueCleanup   = "cleanup"
	QueueImport    = "import"
	QueueExport    = "export"
)

// BackoffKind selects the retry delay curve.
type BackoffKind string

const (
	BackoffFixed       BackoffKind = "fixed"
	BackoffExponential BackoffKind = "exponential"
)

// Backoff configures retry delays. Exponential delay is
// base * 2^(attempts-1), capped by the queue implementation.
type Backoff struct {
	Kind BackoffKind   `json:"kind"`
	Base time.Duration `json:"base"`
}

// Delay computes the retry delay for the given attempt (1-based).
func (b Backoff) Delay(attempt int, cap time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	var d time.Duration
	switch b.Kind {
	case BackoffExponential:
		d = b.Base
		for i := 1; i < attempt; i++ {
			d *= 2
			if d >= cap {
				return cap
			}
		}
	default:
		d = b.Base
	}
	if cap > 0 && d > cap {
		d = cap
	}
	return d
}

// JobOptions carries the per-job retry metadata.
type JobOptions struct {
	MaxAttempts      int     `json:"max_attempts"`
	Backoff          Backoff `json:"backoff"`
	Priority         int     `json:"priority"` // lower runs first
	RemoveOnComplete int     `json:"remove_on_complete"`
	RemoveOnFail     int     `json:"remove_on_fail"`
}

// QueueDefaults returns the retry policy for a named queue.
func QueueDefaults(queue string) JobOptions {
	switch queue {
	case QueueCampaign:
		return JobOptions{MaxAttempts: 3, Backoff: Backoff{Kind: BackoffFixed, Base: 30 * time.Second}, RemoveOnComplete: 100, RemoveOnFail: 500}
	case QueueEmail:
		return JobOptions{MaxAttempts: 5, Backoff: Backoff{Kind: BackoffExponential, Base: 10 * time.Second}, RemoveOnComplete: 1000, RemoveOnFail: 5000}
	case QueueAnalytics:
		return JobOptions{MaxAttempts: 3, Backoff: Backoff{Kind: BackoffExponential, Base: 5 * time.Second}, RemoveOnComplete: 1000, RemoveOnFail: 1000}
	case QueueWebhook:
		return JobOptions{MaxAttempts: 5, Backoff: Backoff{Kind: BackoffExponential, Base: 5 * time.Second}, RemoveOnComplete: 500, RemoveOnFail: 1000}
	default:
		return JobOptions{MaxAttempts: 3, Backoff: Backoff{Kind: BackoffExponential, Base: 10 * time.Second}, RemoveOnComplete: 100, RemoveOnFail: 500}
	}
}

// MaxStalledCount permanently fails a job reclaimed from expired leases
// more than this many times.
const MaxStalledCount = 2

// Job is one unit of queued work.
type Job struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`

	Attempts    int     `json:"attempts"`
	MaxAttempts int     `json:"max_attempts"`
	Backoff     Backoff `json:"backoff"`
	Priority    int     `json:"priority"`
	Stalls      int     `json:"stalls"`

	EnqueuedAt time.Time `json:"enqueued_at"`
	LastError  string    `json:"last_error,omitempty"`
}

// UnmarshalPayload decodes the job payload into v.
func (j *Job) UnmarshalPayload(v interface{}) error {
	return json.Unmarshal(j.Payload, v)
}

// JobQueue is the durable queue capability. Guarantees: at-least-once
// delivery; lost leases cause redelivery after expiry; completed/failed
// history is trimmed to the configured caps.
type JobQueue interface {
	Enqueue(ctx context.Context, queue string, job *Job, opts *JobOptions) error
	EnqueueBulk(ctx context.Context, queue string, jobs []*Job, opts *JobOptions) error
	EnqueueDelayed(ctx context.Context, queue string, job *Job, notBefore time.Time, opts *JobOptions) error

	// Reserve claims one job under a lease; returns nil when the queue is
	// empty.
	Reserve(ctx context.Context, queue, workerID string, lease time.Duration) (*Job, error)
	RenewLease(ctx context.Context, queue, jobID string, lease time.Duration) error
	Ack(ctx context.Context, queue, jobID string) error
	// Fail schedules a retry per the job's backoff, or dead-letters once
	// attempts are exhausted.
	Fail(ctx context.Context, queue, jobID string, cause error) error

	// ReapStalled returns expired-lease jobs to the ready state, bumping
	// their stall counter; jobs over MaxStalledCount are dead-lettered.
	ReapStalled(ctx context.Context, queue string) (int, error)

	// Depth reports ready+delayed jobs, for monitoring and tests.
	Depth(ctx context.Context, queue string) (int64, error)
	Close() error
}

// Well-known job types.
const (
	JobTypeDispatchCampaign = "dispatch_campaign"
	JobTypeSendEmail        = "send_email"
	JobTypeProcessEvent     = "process_event"
	JobTypeDeliverWebhook   = "deliver_webhook"
	JobTypeRefreshListStats = "refresh_list_stats"
	JobTypePurgeExpired     = "purge_expired"
)

// DispatchCampaignPayload drives the campaign dispatcher worker.
type DispatchCampaignPayload struct {
	OrgID      string `json:"org_id"`
	CampaignID string `json:"campaign_id"`
	IsRetry    bool   `json:"is_retry,omitempty"`
}

// SendEmailPayload is one fully rendered outbound email.
type SendEmailPayload struct {
	OrgID        string         `json:"org_id"`
	Source       EmailLogSource `json:"source"`
	CampaignID   string         `json:"campaign_id,omitempty"`
	AutomationID string         `json:"automation_id,omitempty"`
	ContactID    string         `json:"contact_id"`
	Email        string         `json:"email"`
	TrackingID   string         `json:"tracking_id"`

	FromName  string `json:"from_name"`
	FromEmail string `json:"from_email"`
	ReplyTo   string `json:"reply_to,omitempty"`
	Subject   string `json:"subject"`
	HTML      string `json:"html"`
	Text      string `json:"text,omitempty"`
}

// DeliverWebhookPayload is one automation webhook call.
type DeliverWebhookPayload struct {
	OrgID        string                 `json:"org_id"`
	AutomationID string                 `json:"automation_id"`
	ContactID    string                 `json:"contact_id"`
	URL          string                 `json:"url"`
	Method       string                 `json:"method,omitempty"`
	Body         map[string]interface{} `json:"body,omitempty"`
}
