package domain

import (
	"context"
	"strings"
	"time"
)

// ListStats are denormalized counters refreshed by a background job.
type ListStats struct {
	TotalContacts     int       `json:"total_contacts"`
	ActiveContacts    int       `json:"active_contacts"`
	UnsubscribedCount int       `json:"unsubscribed_count"`
	LastRefreshedAt   time.Time `json:"last_refreshed_at"`
}

// List is a named container of contacts; membership lives on the contact.
type List struct {
	ID          string    `json:"id"`
	OrgID       string    `json:"org_id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Stats       ListStats `json:"stats"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Validate checks the list before persistence.
func (l *List) Validate() error {
	l.Name = strings.TrimSpace(l.Name)
	if l.Name == "" {
		return NewValidationError("list name is required", "name")
	}
	return nil
}

// ListRepository is the datastore contract for lists.
type ListRepository interface {
	Create(ctx context.Context, list *List) error
	Update(ctx context.Context, list *List) error
	GetByID(ctx context.Context, orgID, id string) (*List, error)
	GetAll(ctx context.Context, orgID string) ([]*List, error)
	Delete(ctx context.Context, orgID, id string) error
	// RefreshStats recomputes the denormalized counters from memberships.
	RefreshStats(ctx context.Context, orgID, id string) error
}
