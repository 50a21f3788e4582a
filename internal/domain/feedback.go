package domain

import (
	"context"
	"time"
)

// FeedbackType is the canonical event type normalized from provider
// notifications and tracking hits.
type FeedbackType string

const (
	FeedbackBounce      FeedbackType = "bounce"
	FeedbackComplaint   FeedbackType = "complaint"
	FeedbackDelivery    FeedbackType = "delivery"
	FeedbackSend        FeedbackType = "send"
	FeedbackReject      FeedbackType = "reject"
	FeedbackOpen        FeedbackType = "open"
	FeedbackClick       FeedbackType = "click"
	FeedbackUnsubscribe FeedbackType = "unsubscribe"
)

// Bounce subtypes as reported by the provider.
const (
	BounceSubtypePermanent    = "Permanent"
	BounceSubtypeTransient    = "Transient"
	BounceSubtypeUndetermined = "Undetermined"
)

// EventMeta carries request metadata captured at the tracking boundary.
type EventMeta struct {
	IP        string `json:"ip,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
	Referer   string `json:"referer,omitempty"`
}

// FeedbackEvent is the canonical analytics event. Idempotence key is
// (FeedbackID, Type): replays of the same pair must not double-count.
type FeedbackEvent struct {
	FeedbackID string       `json:"feedback_id"`
	Type       FeedbackType `json:"type"`
	OrgID      string       `json:"org_id,omitempty"`

	MessageID  string    `json:"message_id,omitempty"`
	TrackingID string    `json:"tracking_id,omitempty"`
	Email      string    `json:"email,omitempty"`
	Timestamp  time.Time `json:"timestamp"`

	// Type-specific details.
	BounceType    string `json:"bounce_type,omitempty"`    // Permanent | Transient | Undetermined
	BounceSubtype string `json:"bounce_subtype,omitempty"`
	Reason        string `json:"reason,omitempty"`
	URL           string `json:"url,omitempty"`

	Meta EventMeta `json:"meta,omitempty"`
}

// IsPermanentBounce reports whether the event suppresses the email.
func (e *FeedbackEvent) IsPermanentBounce() bool {
	return e.Type == FeedbackBounce && e.BounceType == BounceSubtypePermanent
}

// FeedbackLog is the append-only raw notification record. Rows expire after
// FeedbackLogTTL; the suppression predicate is derived from them.
type FeedbackLog struct {
	ID         string       `json:"id"`
	OrgID      string       `json:"org_id"`
	FeedbackID string       `json:"feedback_id"`
	Type       FeedbackType `json:"type"`
	Email      string       `json:"email"`
	MessageID  string       `json:"message_id,omitempty"`
	BounceType string       `json:"bounce_type,omitempty"`
	Reason     string       `json:"reason,omitempty"`
	RawPayload string       `json:"raw_payload,omitempty"`
	Timestamp  time.Time    `json:"timestamp"`
	CreatedAt  time.Time    `json:"created_at"`
}

// FeedbackLogTTL bounds raw notification retention.
const FeedbackLogTTL = 90 * 24 * time.Hour

// FeedbackRepository persists raw notifications and serves the suppression
// predicate: an email is suppressed for the whole organization when it
// appears as a complaint or as a bounce with permanent subtype.
type FeedbackRepository interface {
	// Insert writes the raw log row. Returns inserted=false when a row with
	// the same (feedback_id, type) already exists.
	Insert(ctx context.Context, log *FeedbackLog) (inserted bool, err error)

	IsSuppressed(ctx context.Context, orgID, email string) (bool, error)
	// SuppressedAmong filters the given emails down to the suppressed ones;
	// used to warm the resolver's suppression checks in bulk.
	SuppressedAmong(ctx context.Context, orgID string, emails []string) (map[string]bool, error)

	ListByEmail(ctx context.Context, orgID, email string, limit int) ([]*FeedbackLog, error)
	DeleteExpired(ctx context.Context, now time.Time, limit int) (int, error)
}

// SuppressionChecker is the narrow read interface used by the send pipeline.
// Implementations cache with seconds-level staleness and flush an email's
// entry when a permanent bounce or complaint lands.
type SuppressionChecker interface {
	IsSuppressed(ctx context.Context, orgID, email string) (bool, error)
	Invalidate(orgID, email string)
}
