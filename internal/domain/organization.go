package domain

import (
	"context"
	"strings"
	"time"
)

// PlanLimits are the per-tenant quota knobs sourced from the billing plan
// store (external collaborator).
type PlanLimits struct {
	EmailsPerMonth    int64 `json:"emails_per_month"`
	ContactCap        int64 `json:"contact_cap"`
	SendingRatePerSec int   `json:"sending_rate_per_sec"`
}

// Organization is the tenant root.
type Organization struct {
	ID   string `json:"id"`
	Name string `json:"name"`

	Plan             PlanLimits `json:"plan"`
	DefaultFromName  string     `json:"default_from_name,omitempty"`
	DefaultFromEmail string     `json:"default_from_email,omitempty"`
	SendingDomains   []string   `json:"sending_domains,omitempty"`

	Suspended           bool  `json:"suspended"`
	EmailsSentThisMonth int64 `json:"emails_sent_this_month"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks the organization before persistence.
func (o *Organization) Validate() error {
	o.Name = strings.TrimSpace(o.Name)
	if o.Name == "" {
		return NewValidationError("organization name is required", "name")
	}
	return nil
}

// CanSend reports whether the org may send another email under its plan.
func (o *Organization) CanSend() bool {
	if o.Suspended {
		return false
	}
	if o.Plan.EmailsPerMonth > 0 && o.EmailsSentThisMonth >= o.Plan.EmailsPerMonth {
		return false
	}
	return true
}

// OrganizationRepository is the datastore contract for tenants.
type OrganizationRepository interface {
	Create(ctx context.Context, org *Organization) error
	Update(ctx context.Context, org *Organization) error
	GetByID(ctx context.Context, id string) (*Organization, error)
	List(ctx context.Context) ([]*Organization, error)
	// IncrementSentCount bumps the monthly quota counter atomically.
	IncrementSentCount(ctx context.Context, id string, delta int64) error
	// ResetMonthlyCounters zeroes quota counters; run by the cleanup queue
	// at month rollover.
	ResetMonthlyCounters(ctx context.Context) error
}
