package domain

import (
	"context"
	"math"
	"strings"
	"time"

	"github.com/asaskevich/govalidator"
)

// CampaignStatus is the lifecycle state of a campaign.
type CampaignStatus string

const (
	CampaignStatusDraft     CampaignStatus = "draft"
	CampaignStatusScheduled CampaignStatus = "scheduled"
	CampaignStatusQueued    CampaignStatus = "queued"
	CampaignStatusSending   CampaignStatus = "sending"
	CampaignStatusSent      CampaignStatus = "sent"
	CampaignStatusPaused    CampaignStatus = "paused"
	CampaignStatusCancelled CampaignStatus = "cancelled"
	CampaignStatusFailed    CampaignStatus = "failed"
)

// campaignTransitions is the authoritative transition table. Every status
// write goes through a compare-and-set against a permitted source state.
var campaignTransitions = map[CampaignStatus][]CampaignStatus{
	CampaignStatusDraft:     {CampaignStatusScheduled, CampaignStatusQueued},
	CampaignStatusScheduled: {CampaignStatusQueued, CampaignStatusCancelled, CampaignStatusDraft},
	CampaignStatusQueued:    {CampaignStatusSending, CampaignStatusCancelled},
	CampaignStatusSending:   {CampaignStatusSent, CampaignStatusFailed, CampaignStatusPaused, CampaignStatusCancelled},
	CampaignStatusPaused:    {CampaignStatusSending, CampaignStatusCancelled},
}

// CanTransitionTo reports whether the state machine permits from -> to.
func (s CampaignStatus) CanTransitionTo(to CampaignStatus) bool {
	for _, allowed := range campaignTransitions[s] {
		if allowed == to {
			return true
		}
	}
	return false
}

// IsEditable reports whether campaign content may still be changed.
func (s CampaignStatus) IsEditable() bool {
	return s == CampaignStatusDraft || s == CampaignStatusScheduled
}

// ScheduleKind selects when a campaign goes out.
type ScheduleKind string

const (
	ScheduleImmediate ScheduleKind = "immediate"
	ScheduleAt        ScheduleKind = "scheduled"
	ScheduleOptimal   ScheduleKind = "optimal"
)

// CampaignSchedule is the declarative schedule.
type CampaignSchedule struct {
	Kind        ScheduleKind `json:"kind"`
	ScheduledAt *time.Time   `json:"scheduled_at,omitempty"`
	Timezone    string       `json:"timezone,omitempty"`
}

// RecipientSelectors declares who a campaign targets.
type RecipientSelectors struct {
	Lists           []string `json:"lists,omitempty"`
	Segments        []string `json:"segments,omitempty"`
	ExcludeLists    []string `json:"exclude_lists,omitempty"`
	ExcludeSegments []string `json:"exclude_segments,omitempty"`
	// ExcludeRecentDays > 0 excludes contacts with any EmailLog in the org
	// within the last N days.
	ExcludeRecentDays int `json:"exclude_recent_days,omitempty"`
}

// IsEmpty reports whether no inclusion selector is set.
func (s RecipientSelectors) IsEmpty() bool {
	return len(s.Lists) == 0 && len(s.Segments) == 0
}

// CampaignContent is either a template reference or inline content.
type CampaignContent struct {
	TemplateID string `json:"template_id,omitempty"`
	Subject    string `json:"subject,omitempty"`
	HTML       string `json:"html,omitempty"`
	Text       string `json:"text,omitempty"`
	FromName   string `json:"from_name,omitempty"`
	FromEmail  string `json:"from_email,omitempty"`
	ReplyTo    string `json:"reply_to,omitempty"`
}

// TrackingOptions toggles open/click tracking per campaign.
type TrackingOptions struct {
	Opens  bool `json:"opens"`
	Clicks bool `json:"clicks"`
}

// ABVariant is one arm of an A/B test. Winner selection is data-model only;
// the evaluator is not part of the send core.
type ABVariant struct {
	Name       string `json:"name"`
	TemplateID string `json:"template_id,omitempty"`
	Subject    string `json:"subject,omitempty"`
	Percentage int    `json:"percentage"`
}

// ABTestConfig is the stored A/B test configuration.
type ABTestConfig struct {
	Enabled           bool        `json:"enabled"`
	Variants          []ABVariant `json:"variants,omitempty"`
	WinnerMetric      string      `json:"winner_metric,omitempty"` // opens | clicks
	TestDurationHours int         `json:"test_duration_hours,omitempty"`
}

// CampaignProgress tracks dispatcher progress.
type CampaignProgress struct {
	Total      int `json:"total"`
	Processed  int `json:"processed"`
	Failed     int `json:"failed"`
	Percentage int `json:"percentage"`
}

// LinkClickStat aggregates clicks per rewritten link.
type LinkClickStat struct {
	URL          string `json:"url"`
	Clicks       int64  `json:"clicks"`
	UniqueClicks int64  `json:"unique_clicks"`
}

// CampaignAnalytics is the eventually consistent counter block reduced from
// EmailLog events. Rates are recomputed on every counter write.
type CampaignAnalytics struct {
	Sent         int64 `json:"sent"`
	Delivered    int64 `json:"delivered"`
	Opens        int64 `json:"opens"`
	UniqueOpens  int64 `json:"unique_opens"`
	Clicks       int64 `json:"clicks"`
	UniqueClicks int64 `json:"unique_clicks"`
	Bounced      int64 `json:"bounced"`
	SoftBounced  int64 `json:"soft_bounced"`
	HardBounced  int64 `json:"hard_bounced"`
	Complained   int64 `json:"complained"`
	Unsubscribed int64 `json:"unsubscribed"`

	DeliveryRate    float64 `json:"delivery_rate"`
	OpenRate        float64 `json:"open_rate"`
	ClickRate       float64 `json:"click_rate"`
	ClickToOpenRate float64 `json:"click_to_open_rate"`
	BounceRate      float64 `json:"bounce_rate"`
	UnsubscribeRate float64 `json:"unsubscribe_rate"`
	ComplaintRate   float64 `json:"complaint_rate"`

	LinkClicks []LinkClickStat `json:"link_clicks,omitempty"`
}

// Rate computes a ratio at two-decimal resolution; zero denominators
// produce zero.
func Rate(numerator, denominator int64) float64 {
	if denominator == 0 {
		return 0
	}
	return math.Round(float64(numerator)/float64(denominator)*10000) / 100
}

// RecomputeRates refreshes the derived rate fields from the counters.
func (a *CampaignAnalytics) RecomputeRates() {
	a.DeliveryRate = Rate(a.Delivered, a.Sent)
	a.BounceRate = Rate(a.Bounced, a.Sent)
	a.OpenRate = Rate(a.UniqueOpens, a.Delivered)
	a.ClickRate = Rate(a.UniqueClicks, a.Delivered)
	a.ClickToOpenRate = Rate(a.UniqueClicks, a.UniqueOpens)
	a.UnsubscribeRate = Rate(a.Unsubscribed, a.Sent)
	a.ComplaintRate = Rate(a.Complained, a.Sent)
}

// CampaignError is one entry of the capped per-campaign error log.
type CampaignError struct {
	Type           string    `json:"type"`
	Message        string    `json:"message"`
	Count          int       `json:"count"`
	LastOccurredAt time.Time `json:"last_occurred_at"`
}

// MaxCampaignErrors caps the per-campaign error log.
const MaxCampaignErrors = 20

// Campaign is the one-shot send unit.
type Campaign struct {
	ID     string         `json:"id"`
	OrgID  string         `json:"org_id"`
	Name   string         `json:"name"`
	Status CampaignStatus `json:"status"`

	Selectors RecipientSelectors `json:"selectors"`
	Content   CampaignContent    `json:"content"`
	Schedule  CampaignSchedule   `json:"schedule"`
	Tracking  TrackingOptions    `json:"tracking"`
	ABTest    ABTestConfig       `json:"ab_test"`

	Progress  CampaignProgress  `json:"progress"`
	Analytics CampaignAnalytics `json:"analytics"`
	Errors    []CampaignError   `json:"errors,omitempty"`

	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Validate checks the campaign before persistence.
func (c *Campaign) Validate() error {
	c.Name = strings.TrimSpace(c.Name)
	if c.Name == "" {
		return NewValidationError("campaign name is required", "name")
	}
	if c.Content.FromEmail != "" && !govalidator.IsEmail(c.Content.FromEmail) {
		return NewValidationError("invalid from email", "content.from_email")
	}
	if c.Content.ReplyTo != "" && !govalidator.IsEmail(c.Content.ReplyTo) {
		return NewValidationError("invalid reply-to email", "content.reply_to")
	}
	if c.Schedule.Kind == ScheduleAt && c.Schedule.ScheduledAt == nil {
		return NewValidationError("scheduled campaigns require scheduled_at", "schedule.scheduled_at")
	}
	if c.ABTest.Enabled {
		total := 0
		for _, v := range c.ABTest.Variants {
			total += v.Percentage
		}
		if total != 100 {
			return NewValidationError("A/B variant percentages must sum to 100", "ab_test.variants")
		}
	}
	return nil
}

// ValidateForSend checks the pieces required before a campaign may be
// queued.
func (c *Campaign) ValidateForSend() error {
	if c.Selectors.IsEmpty() {
		return NewValidationError("campaign has no recipient lists or segments", "selectors")
	}
	if c.Content.TemplateID == "" && c.Content.HTML == "" {
		return NewValidationError("campaign has no content", "content")
	}
	if c.Content.TemplateID == "" && c.Content.Subject == "" {
		return NewValidationError("campaign has no subject", "content.subject")
	}
	if c.Content.FromEmail == "" {
		return NewValidationError("campaign has no from email", "content.from_email")
	}
	return nil
}

// CounterDeltas is the atomic increment set applied by the send worker and
// the analytics reducer. Field names map onto analytics columns.
type CounterDeltas struct {
	Sent         int64
	Delivered    int64
	Opens        int64
	UniqueOpens  int64
	Clicks       int64
	UniqueClicks int64
	Bounced      int64
	SoftBounced  int64
	HardBounced  int64
	Complained   int64
	Unsubscribed int64
	Processed    int64
	FailedSends  int64
}

// IsZero reports whether no delta is set.
func (d CounterDeltas) IsZero() bool {
	return d == CounterDeltas{}
}

// CampaignRepository is the datastore contract for campaigns.
type CampaignRepository interface {
	Create(ctx context.Context, campaign *Campaign) error
	Update(ctx context.Context, campaign *Campaign) error
	GetByID(ctx context.Context, orgID, id string) (*Campaign, error)
	List(ctx context.Context, orgID string, status CampaignStatus, limit, offset int) ([]*Campaign, int, error)
	Delete(ctx context.Context, orgID, id string) error

	// TransitionStatus compare-and-sets status from one of the allowed
	// source states to the target. Returns false when the current status is
	// not in from (no error), so concurrent sweepers race safely.
	TransitionStatus(ctx context.Context, orgID, id string, from []CampaignStatus, to CampaignStatus) (bool, error)
	// GetStatus re-reads just the status between dispatcher batches.
	GetStatus(ctx context.Context, orgID, id string) (CampaignStatus, error)

	SetStarted(ctx context.Context, orgID, id string, at time.Time) error
	SetCompleted(ctx context.Context, orgID, id string, at time.Time) error
	SetTotalRecipients(ctx context.Context, orgID, id string, total int) error
	// UpdateProgress writes the dispatcher's absolute processed count and
	// percentage. progress.failed is owned by the send worker's relative
	// increments and is never written here.
	UpdateProgress(ctx context.Context, orgID, id string, processed, percentage int) error

	// IncrementCounters atomically applies deltas and recomputes rates in
	// the same statement; never read-modify-write.
	IncrementCounters(ctx context.Context, orgID, id string, deltas CounterDeltas) error
	// UpsertLinkClick bumps per-link click counters.
	UpsertLinkClick(ctx context.Context, orgID, id, url string, firstClick bool) error
	// AppendError records a dispatcher/send error in the capped errors log.
	AppendError(ctx context.Context, orgID, id, errType, message string, at time.Time) error

	// FindDueScheduled returns campaigns with status=scheduled and
	// scheduled_at <= now, across all orgs (used by the sweeper).
	FindDueScheduled(ctx context.Context, now time.Time, limit int) ([]*Campaign, error)
	// FindStalledSending returns sending campaigns started before cutoff
	// with incomplete progress.
	FindStalledSending(ctx context.Context, cutoff time.Time, limit int) ([]*Campaign, error)
}
