package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/mailfold/mailfold/internal/domain"
)

type templateRepository struct {
	db *sql.DB
}

// NewTemplateRepository creates a new PostgreSQL template repository
func NewTemplateRepository(db *sql.DB) domain.TemplateRepository {
	return &templateRepository{db: db}
}

const templateColumns = `
	id, org_id, name, subject, html, text, variables, versions, created_at, updated_at
`

func scanTemplate(row interface{ Scan(...interface{}) error }) (*domain.Template, error) {
	var (
		t             domain.Template
		text          sql.NullString
		variablesJSON []byte
		versionsJSON  []byte
	)
	err := row.Scan(&t.ID, &t.OrgID, &t.Name, &t.Subject, &t.HTML, &text,
		&variablesJSON, &versionsJSON, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	t.Text = text.String
	if err := fromJSONB(variablesJSON, &t.Variables); err != nil {
		return nil, err
	}
	if err := fromJSONB(versionsJSON, &t.Versions); err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *templateRepository) Create(ctx context.Context, template *domain.Template) error {
	variables, err := toJSONB(template.Variables)
	if err != nil {
		return err
	}
	versions, err := toJSONB(template.Versions)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO templates (
			id, org_id, name, subject, html, text, variables, versions, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err = r.db.ExecContext(ctx, query,
		template.ID, template.OrgID, template.Name, template.Subject,
		template.HTML, template.Text, variables, versions,
		template.CreatedAt, template.UpdatedAt,
	)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return domain.DuplicateError("template name already in use: " + template.Name)
		}
		return fmt.Errorf("failed to create template: %w", err)
	}
	return nil
}

func (r *templateRepository) Update(ctx context.Context, template *domain.Template) error {
	variables, err := toJSONB(template.Variables)
	if err != nil {
		return err
	}
	versions, err := toJSONB(template.Versions)
	if err != nil {
		return err
	}
	result, err := r.db.ExecContext(ctx, `
		UPDATE templates SET
			name = $3, subject = $4, html = $5, text = $6,
			variables = $7, versions = $8, updated_at = NOW()
		WHERE org_id = $1 AND id = $2
	`, template.OrgID, template.ID, template.Name, template.Subject,
		template.HTML, template.Text, variables, versions)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return domain.DuplicateError("template name already in use: " + template.Name)
		}
		return fmt.Errorf("failed to update template: %w", err)
	}
	return requireRowAffected(result, "template", template.ID)
}

func (r *templateRepository) GetByID(ctx context.Context, orgID, id string) (*domain.Template, error) {
	query := `SELECT ` + templateColumns + ` FROM templates WHERE org_id = $1 AND id = $2`
	template, err := scanTemplate(r.db.QueryRowContext(ctx, query, orgID, id))
	if err == sql.ErrNoRows {
		return nil, domain.NotFoundError("template", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get template: %w", err)
	}
	return template, nil
}

func (r *templateRepository) GetAll(ctx context.Context, orgID string) ([]*domain.Template, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+templateColumns+` FROM templates WHERE org_id = $1 ORDER BY name`, orgID)
	if err != nil {
		return nil, fmt.Errorf("failed to list templates: %w", err)
	}
	defer rows.Close()

	var templates []*domain.Template
	for rows.Next() {
		template, err := scanTemplate(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan template: %w", err)
		}
		templates = append(templates, template)
	}
	return templates, rows.Err()
}

func (r *templateRepository) Delete(ctx context.Context, orgID, id string) error {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM templates WHERE org_id = $1 AND id = $2`, orgID, id)
	if err != nil {
		return fmt.Errorf("failed to delete template: %w", err)
	}
	return requireRowAffected(result, "template", id)
}
