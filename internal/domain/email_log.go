package domain

import (
	"context"
	"time"
)

// EmailLogStatus is the per-recipient delivery state. Transitions are
// monotonic along queued -> sent -> delivered -> {bounced|complained};
// failed and dropped are terminal. Regressing writes are discarded.
type EmailLogStatus string

const (
	EmailLogQueued     EmailLogStatus = "queued"
	EmailLogSent       EmailLogStatus = "sent"
	EmailLogDelivered  EmailLogStatus = "delivered"
	EmailLogBounced    EmailLogStatus = "bounced"
	EmailLogComplained EmailLogStatus = "complained"
	EmailLogDropped    EmailLogStatus = "dropped"
	EmailLogFailed     EmailLogStatus = "failed"
)

// statusRank orders statuses for the monotonic guard. Terminal failure
// states rank highest so nothing overwrites them.
var statusRank = map[EmailLogStatus]int{
	EmailLogQueued:     0,
	EmailLogSent:       1,
	EmailLogDelivered:  2,
	EmailLogBounced:    3,
	EmailLogComplained: 3,
	EmailLogDropped:    4,
	EmailLogFailed:     4,
}

// Rank exposes the monotonic ordering for repository guards.
func (s EmailLogStatus) Rank() int { return statusRank[s] }

// EmailLogStatuses lists every status, for guards that enumerate by rank.
func EmailLogStatuses() []EmailLogStatus {
	return []EmailLogStatus{
		EmailLogQueued, EmailLogSent, EmailLogDelivered,
		EmailLogBounced, EmailLogComplained, EmailLogDropped, EmailLogFailed,
	}
}

// EmailLogSource identifies what produced the log entry.
type EmailLogSource string

const (
	EmailLogSourceCampaign   EmailLogSource = "campaign"
	EmailLogSourceAutomation EmailLogSource = "automation"
)

// EmailLogEvent is one entry of the append-only events log.
type EmailLogEvent struct {
	Type      string                 `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Meta      map[string]interface{} `json:"meta,omitempty"`
}

// TrackedLink maps a rewritten link index back to its original URL.
type TrackedLink struct {
	Index       int    `json:"index"`
	OriginalURL string `json:"original_url"`
}

// EmailLogError captures the final failure triple.
type EmailLogError struct {
	Message   string `json:"message"`
	Code      string `json:"code"`
	Permanent bool   `json:"permanent"`
}

// EmailLog is the per-(campaign-or-automation, contact) send record.
// TrackingID is globally unique (32 hex) and forms the public tracking URL
// namespace.
type EmailLog struct {
	ID         string         `json:"id"`
	OrgID      string         `json:"org_id"`
	TrackingID string         `json:"tracking_id"`
	MessageID  string         `json:"message_id,omitempty"`

	Source       EmailLogSource `json:"source"`
	CampaignID   string         `json:"campaign_id,omitempty"`
	AutomationID string         `json:"automation_id,omitempty"`
	ContactID    string         `json:"contact_id"`
	Email        string         `json:"email"`

	Status   EmailLogStatus `json:"status"`
	Attempts int            `json:"attempts"`

	Opened         bool       `json:"opened"`
	Clicked        bool       `json:"clicked"`
	Unsubscribed   bool       `json:"unsubscribed"`
	Complained     bool       `json:"complained"`
	OpenCount      int        `json:"open_count"`
	ClickCount     int        `json:"click_count"`
	FirstOpenedAt  *time.Time `json:"first_opened_at,omitempty"`
	FirstClickedAt *time.Time `json:"first_clicked_at,omitempty"`
	DeliveredAt    *time.Time `json:"delivered_at,omitempty"`
	SentAt         *time.Time `json:"sent_at,omitempty"`

	TrackedLinks []TrackedLink   `json:"tracked_links,omitempty"`
	ClickedLinks []string        `json:"clicked_links,omitempty"`
	Events       []EmailLogEvent `json:"events,omitempty"`
	Error        *EmailLogError  `json:"error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// LinkForIndex resolves a tracked link by its rewrite index.
func (l *EmailLog) LinkForIndex(index int) (string, bool) {
	for _, link := range l.TrackedLinks {
		if link.Index == index {
			return link.OriginalURL, true
		}
	}
	return "", false
}

// DefaultEmailLogTTL bounds EmailLog retention.
const DefaultEmailLogTTL = 365 * 24 * time.Hour

// OpenResult reports what an open write actually changed.
type OpenResult struct {
	Applied   bool // false when the log row does not exist
	FirstOpen bool
}

// ClickResult reports what a click write actually changed.
type ClickResult struct {
	Applied       bool
	FirstClick    bool
	NewClickedURL bool // url was not in clicked_links before
}

// EmailLogRepository is the datastore contract for send records.
type EmailLogRepository interface {
	// Create inserts the log row; returns created=false when a row for the
	// same (campaign, contact) already exists, which the dispatcher treats
	// as an already-processed recipient.
	Create(ctx context.Context, log *EmailLog) (created bool, err error)

	GetByTrackingID(ctx context.Context, trackingID string) (*EmailLog, error)
	GetByMessageID(ctx context.Context, messageID string) (*EmailLog, error)
	ExistsForCampaignContact(ctx context.Context, orgID, campaignID, contactID string) (bool, error)

	// MarkSent records the provider message id and flips queued -> sent.
	MarkSent(ctx context.Context, trackingID, messageID string, at time.Time) error
	// AdvanceStatus applies the monotonic status guard: the write is
	// silently discarded when it would regress.
	AdvanceStatus(ctx context.Context, trackingID string, status EmailLogStatus, at time.Time) error
	// MarkFailed records the terminal failure triple.
	MarkFailed(ctx context.Context, trackingID string, logErr EmailLogError) error
	IncrementAttempts(ctx context.Context, trackingID string) error

	// RecordOpen bumps open counters; FirstOpen is detected with an atomic
	// set-if-not-set so out-of-order events cannot double-count uniques.
	RecordOpen(ctx context.Context, trackingID string, at time.Time) (OpenResult, error)
	// RecordClick bumps click counters and adds url to the clicked set.
	RecordClick(ctx context.Context, trackingID, url string, at time.Time) (ClickResult, error)
	SetUnsubscribed(ctx context.Context, trackingID string, at time.Time) error
	SetComplained(ctx context.Context, trackingID string, at time.Time) error

	// AppendEvent appends to the append-only events log.
	AppendEvent(ctx context.Context, trackingID string, event EmailLogEvent) error

	// ListByCampaign pages a campaign's logs for the activity view.
	ListByCampaign(ctx context.Context, orgID, campaignID string, limit, offset int) ([]*EmailLog, int, error)

	// DeleteExpired removes rows past their TTL; run from the cleanup queue.
	DeleteExpired(ctx context.Context, now time.Time, limit int) (int, error)
}
