package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/mailfold/mailfold/internal/domain"
)

type organizationRepository struct {
	db *sql.DB
}

// NewOrganizationRepository creates a new PostgreSQL organization repository
func NewOrganizationRepository(db *sql.DB) domain.OrganizationRepository {
	return &organizationRepository{db: db}
}

// providerSettings is the JSONB shape of the non-plan organization settings.
type providerSettings struct {
	DefaultFromName  string   `json:"default_from_name,omitempty"`
	DefaultFromEmail string   `json:"default_from_email,omitempty"`
	SendingDomains   []string `json:"sending_domains,omitempty"`
	Suspended        bool     `json:"suspended,omitempty"`
}

func (r *organizationRepository) Create(ctx context.Context, org *domain.Organization) error {
	planLimits, err := toJSONB(org.Plan)
	if err != nil {
		return err
	}
	settings, err := toJSONB(providerSettings{
		DefaultFromName:  org.DefaultFromName,
		DefaultFromEmail: org.DefaultFromEmail,
		SendingDomains:   org.SendingDomains,
		Suspended:        org.Suspended,
	})
	if err != nil {
		return err
	}
	query := `
		INSERT INTO organizations (
			id, name, plan_limits, provider_settings, sent_this_month, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err = r.db.ExecContext(ctx, query,
		org.ID, org.Name, planLimits, settings, org.EmailsSentThisMonth,
		org.CreatedAt, org.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create organization: %w", err)
	}
	return nil
}

func (r *organizationRepository) Update(ctx context.Context, org *domain.Organization) error {
	planLimits, err := toJSONB(org.Plan)
	if err != nil {
		return err
	}
	settings, err := toJSONB(providerSettings{
		DefaultFromName:  org.DefaultFromName,
		DefaultFromEmail: org.DefaultFromEmail,
		SendingDomains:   org.SendingDomains,
		Suspended:        org.Suspended,
	})
	if err != nil {
		return err
	}
	result, err := r.db.ExecContext(ctx, `
		UPDATE organizations SET
			name = $2, plan_limits = $3, provider_settings = $4, updated_at = NOW()
		WHERE id = $1
	`, org.ID, org.Name, planLimits, settings)
	if err != nil {
		return fmt.Errorf("failed to update organization: %w", err)
	}
	return requireRowAffected(result, "organization", org.ID)
}

func scanOrganization(row interface{ Scan(...interface{}) error }) (*domain.Organization, error) {
	var (
		org          domain.Organization
		planJSON     []byte
		settingsJSON []byte
	)
	err := row.Scan(&org.ID, &org.Name, &planJSON, &settingsJSON,
		&org.EmailsSentThisMonth, &org.CreatedAt, &org.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := fromJSONB(planJSON, &org.Plan); err != nil {
		return nil, err
	}
	var settings providerSettings
	if err := fromJSONB(settingsJSON, &settings); err != nil {
		return nil, err
	}
	org.DefaultFromName = settings.DefaultFromName
	org.DefaultFromEmail = settings.DefaultFromEmail
	org.SendingDomains = settings.SendingDomains
	org.Suspended = settings.Suspended
	return &org, nil
}

func (r *organizationRepository) GetByID(ctx context.Context, id string) (*domain.Organization, error) {
	query := `
		SELECT id, name, plan_limits, provider_settings, sent_this_month, created_at, updated_at
		FROM organizations WHERE id = $1
	`
	org, err := scanOrganization(r.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, domain.NotFoundError("organization", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get organization: %w", err)
	}
	return org, nil
}

func (r *organizationRepository) List(ctx context.Context) ([]*domain.Organization, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, name, plan_limits, provider_settings, sent_this_month, created_at, updated_at
		FROM organizations ORDER BY created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list organizations: %w", err)
	}
	defer rows.Close()

	var orgs []*domain.Organization
	for rows.Next() {
		org, err := scanOrganization(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan organization: %w", err)
		}
		orgs = append(orgs, org)
	}
	return orgs, rows.Err()
}

func (r *organizationRepository) IncrementSentCount(ctx context.Context, id string, delta int64) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE organizations SET sent_this_month = sent_this_month + $2, updated_at = NOW()
		WHERE id = $1
	`, id, delta)
	if err != nil {
		return fmt.Errorf("failed to increment sent count: %w", err)
	}
	return requireRowAffected(result, "organization", id)
}

func (r *organizationRepository) ResetMonthlyCounters(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE organizations SET sent_this_month = 0, updated_at = NOW()`)
	if err != nil {
		return fmt.Errorf("failed to reset monthly counters: %w", err)
	}
	return nil
}
