package domain

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/asaskevich/govalidator"
)

// ContactStatus is the contact's global lifecycle status, distinct from
// per-list membership status.
type ContactStatus string

const (
	ContactStatusSubscribed   ContactStatus = "subscribed"
	ContactStatusUnsubscribed ContactStatus = "unsubscribed"
	ContactStatusCleaned      ContactStatus = "cleaned"
	ContactStatusPending      ContactStatus = "pending"
	ContactStatusBounced      ContactStatus = "bounced"
	ContactStatusComplained   ContactStatus = "complained"
)

// ListMembershipStatus is a contact's relationship to one list.
type ListMembershipStatus string

const (
	MembershipActive       ListMembershipStatus = "active"
	MembershipUnsubscribed ListMembershipStatus = "unsubscribed"
	MembershipRemoved      ListMembershipStatus = "removed"
)

// EngagementLevel buckets the engagement score.
type EngagementLevel string

const (
	EngagementNew     EngagementLevel = "new"
	EngagementCold    EngagementLevel = "cold"
	EngagementCooling EngagementLevel = "cooling"
	EngagementWarm    EngagementLevel = "warm"
	EngagementHot     EngagementLevel = "hot"
)

// BounceType distinguishes transient from permanent bounces.
type BounceType string

const (
	BounceSoft BounceType = "soft"
	BounceHard BounceType = "hard"
)

// ListMembership links a contact to a list.
type ListMembership struct {
	ListID  string               `json:"list_id"`
	Status  ListMembershipStatus `json:"status"`
	AddedAt time.Time            `json:"added_at"`
}

// Engagement carries the per-contact engagement counters and the derived
// score. Counters are reductions over EmailLog events and may briefly lag.
type Engagement struct {
	EmailsReceived int             `json:"emails_received"`
	EmailsOpened   int             `json:"emails_opened"`
	EmailsClicked  int             `json:"emails_clicked"`
	LastOpenedAt   *time.Time      `json:"last_opened_at,omitempty"`
	LastClickedAt  *time.Time      `json:"last_clicked_at,omitempty"`
	Score          int             `json:"score"`
	Level          EngagementLevel `json:"level"`
}

// Deliverability carries bounce/complaint bookkeeping.
type Deliverability struct {
	BounceCount    int         `json:"bounce_count"`
	ComplaintCount int         `json:"complaint_count"`
	LastBounceType *BounceType `json:"last_bounce_type,omitempty"`
	LastBounceAt   *time.Time  `json:"last_bounce_at,omitempty"`
}

// AutomationEnrollmentState tracks one contact's progress through an
// automation.
type AutomationEnrollmentState string

const (
	EnrollmentActive    AutomationEnrollmentState = "active"
	EnrollmentWaiting   AutomationEnrollmentState = "waiting"
	EnrollmentCompleted AutomationEnrollmentState = "completed"
	EnrollmentExited    AutomationEnrollmentState = "exited"
	EnrollmentError     AutomationEnrollmentState = "error"
)

// AutomationEnrollment is the per-contact cursor into an automation.
type AutomationEnrollment struct {
	AutomationID string                    `json:"automation_id"`
	ContactID    string                    `json:"contact_id"`
	CurrentStep  int                       `json:"current_step"`
	State        AutomationEnrollmentState `json:"state"`
	NextActionAt *time.Time                `json:"next_action_at,omitempty"`
	EnrolledAt   time.Time                 `json:"enrolled_at"`
	EndedAt      *time.Time                `json:"ended_at,omitempty"`
}

// Contact is unique per (org, lowercased email).
type Contact struct {
	ID        string        `json:"id"`
	OrgID     string        `json:"org_id"`
	Email     string        `json:"email"`
	FirstName string        `json:"first_name,omitempty"`
	LastName  string        `json:"last_name,omitempty"`
	Status    ContactStatus `json:"status"`

	Tags           []string               `json:"tags"`
	Lists          []ListMembership       `json:"lists"`
	Attributes     map[string]interface{} `json:"attributes,omitempty"`
	Engagement     Engagement             `json:"engagement"`
	Deliverability Deliverability         `json:"deliverability"`

	UnsubscribeReason string `json:"unsubscribe_reason,omitempty"`
	UnsubscribedVia   string `json:"unsubscribed_via,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ContactRef is the minimal projection streamed by the recipient resolver.
type ContactRef struct {
	ID         string
	Email      string
	FirstName  string
	LastName   string
	Attributes map[string]interface{}
}

// Validate normalizes and checks the contact before persistence.
func (c *Contact) Validate() error {
	c.Email = strings.ToLower(strings.TrimSpace(c.Email))
	if c.Email == "" {
		return NewValidationError("email is required", "email")
	}
	if !govalidator.IsEmail(c.Email) {
		return NewValidationError(fmt.Sprintf("invalid email: %s", c.Email), "email")
	}
	if c.Status == "" {
		c.Status = ContactStatusSubscribed
	}
	for i, tag := range c.Tags {
		c.Tags[i] = strings.ToLower(strings.TrimSpace(tag))
	}
	return nil
}

// HasTag reports tag membership (tags are stored lowercased).
func (c *Contact) HasTag(tag string) bool {
	tag = strings.ToLower(tag)
	for _, t := range c.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// MembershipFor returns the membership record for a list, if any.
func (c *Contact) MembershipFor(listID string) *ListMembership {
	for i := range c.Lists {
		if c.Lists[i].ListID == listID {
			return &c.Lists[i]
		}
	}
	return nil
}

// RenderContext builds the Value tree exposed to templates as "contact".
func (c *Contact) RenderContext() Value {
	obj := map[string]Value{
		"id":        StringValue(c.ID),
		"email":     StringValue(c.Email),
		"firstName": StringValue(c.FirstName),
		"lastName":  StringValue(c.LastName),
		"status":    StringValue(string(c.Status)),
	}
	if len(c.Tags) > 0 {
		obj["tags"] = FromAny(c.Tags)
	}
	for k, v := range c.Attributes {
		if _, reserved := obj[k]; !reserved {
			obj[k] = FromAny(v)
		}
	}
	return ObjectValue(obj)
}

// ComputeEngagementScore derives the 0-100 score from the counters.
// Opens and clicks are rated against emails received, clicks weighted
// double; the result is clamped to 100.
func ComputeEngagementScore(e Engagement) int {
	if e.EmailsReceived == 0 {
		return 0
	}
	openRate := float64(e.EmailsOpened) / float64(e.EmailsReceived)
	clickRate := float64(e.EmailsClicked) / float64(e.EmailsReceived)
	score := math.Round(openRate*40 + clickRate*80)
	if score > 100 {
		score = 100
	}
	return int(score)
}

// EngagementLevelFor buckets a score. A contact that never received an
// email is "new" regardless of score.
func EngagementLevelFor(score int, emailsReceived int) EngagementLevel {
	if emailsReceived == 0 {
		return EngagementNew
	}
	switch {
	case score < 20:
		return EngagementCold
	case score < 40:
		return EngagementCooling
	case score < 70:
		return EngagementWarm
	default:
		return EngagementHot
	}
}

// EngagementDelta is applied atomically by the analytics reducer.
type EngagementDelta struct {
	ReceivedDelta int
	OpenedDelta   int
	ClickedDelta  int
	OpenedAt      *time.Time
	ClickedAt     *time.Time
}

// ContactRepository is the datastore contract for contacts. All queries
// carry the owning orgID.
type ContactRepository interface {
	Create(ctx context.Context, contact *Contact) error
	Update(ctx context.Context, contact *Contact) error
	GetByID(ctx context.Context, orgID, id string) (*Contact, error)
	GetByEmail(ctx context.Context, orgID, email string) (*Contact, error)
	List(ctx context.Context, orgID string, limit, offset int) ([]*Contact, int, error)
	Delete(ctx context.Context, orgID, id string) error

	// FetchForSelectors streams one keyset page of deduplicated,
	// non-suppressed, subscribed recipients for a campaign's selectors.
	// afterID is the last contact ID of the previous page ("" on the first
	// call).
	FetchForSelectors(ctx context.Context, orgID string, sel RecipientSelectors, afterID string, limit int) ([]*ContactRef, error)
	CountForSelectors(ctx context.Context, orgID string, sel RecipientSelectors) (int, error)

	// UpdateStatus performs a direct lifecycle status write.
	UpdateStatus(ctx context.Context, orgID, id string, status ContactStatus, reason string) error
	// MarkUnsubscribed sets the contact unsubscribed and flips every active
	// list membership to unsubscribed in the same statement.
	MarkUnsubscribed(ctx context.Context, orgID, id, reason, campaignID string) error
	// ApplyEngagement atomically increments engagement counters and
	// recomputes score and level.
	ApplyEngagement(ctx context.Context, orgID, id string, delta EngagementDelta) error
	// RecordBounce bumps deliverability counters; permanent also flips the
	// contact status to bounced.
	RecordBounce(ctx context.Context, orgID, id string, bounceType BounceType, reason string, at time.Time) error
	// RecordComplaint bumps the complaint counter and flips status.
	RecordComplaint(ctx context.Context, orgID, id string, at time.Time) error

	AddTag(ctx context.Context, orgID, id, tag string) error
	RemoveTag(ctx context.Context, orgID, id, tag string) error
	SetListMembership(ctx context.Context, orgID, id, listID string, status ListMembershipStatus) error
	SetAttribute(ctx context.Context, orgID, id, field string, value interface{}) error
}
