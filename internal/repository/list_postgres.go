package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/mailfold/mailfold/internal/domain"
)

type listRepository struct {
	db *sql.DB
}

// NewListRepository creates a new PostgreSQL list repository
func NewListRepository(db *sql.DB) domain.ListRepository {
	return &listRepository{db: db}
}

func (r *listRepository) Create(ctx context.Context, list *domain.List) error {
	stats, err := toJSONB(list.Stats)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO lists (id, org_id, name, description, stats, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err = r.db.ExecContext(ctx, query,
		list.ID, list.OrgID, list.Name, list.Description, stats,
		list.CreatedAt, list.UpdatedAt,
	)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return domain.DuplicateError("list name already in use: " + list.Name)
		}
		return fmt.Errorf("failed to create list: %w", err)
	}
	return nil
}

func (r *listRepository) Update(ctx context.Context, list *domain.List) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE lists SET name = $3, description = $4, updated_at = NOW()
		WHERE org_id = $1 AND id = $2
	`, list.OrgID, list.ID, list.Name, list.Description)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return domain.DuplicateError("list name already in use: " + list.Name)
		}
		return fmt.Errorf("failed to update list: %w", err)
	}
	return requireRowAffected(result, "list", list.ID)
}

func scanList(row interface{ Scan(...interface{}) error }) (*domain.List, error) {
	var (
		l           domain.List
		description sql.NullString
		statsJSON   []byte
	)
	err := row.Scan(&l.ID, &l.OrgID, &l.Name, &description, &statsJSON,
		&l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		return nil, err
	}
	l.Description = description.String
	if err := fromJSONB(statsJSON, &l.Stats); err != nil {
		return nil, err
	}
	return &l, nil
}

func (r *listRepository) GetByID(ctx context.Context, orgID, id string) (*domain.List, error) {
	query := `
		SELECT id, org_id, name, description, stats, created_at, updated_at
		FROM lists WHERE org_id = $1 AND id = $2
	`
	list, err := scanList(r.db.QueryRowContext(ctx, query, orgID, id))
	if err == sql.ErrNoRows {
		return nil, domain.NotFoundError("list", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get list: %w", err)
	}
	return list, nil
}

func (r *listRepository) GetAll(ctx context.Context, orgID string) ([]*domain.List, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, org_id, name, description, stats, created_at, updated_at
		FROM lists WHERE org_id = $1 ORDER BY name
	`, orgID)
	if err != nil {
		return nil, fmt.Errorf("failed to list lists: %w", err)
	}
	defer rows.Close()

	var lists []*domain.List
	for rows.Next() {
		list, err := scanList(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan list: %w", err)
		}
		lists = append(lists, list)
	}
	return lists, rows.Err()
}

func (r *listRepository) Delete(ctx context.Context, orgID, id string) error {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM lists WHERE org_id = $1 AND id = $2`, orgID, id)
	if err != nil {
		return fmt.Errorf("failed to delete list: %w", err)
	}
	return requireRowAffected(result, "list", id)
}

func (r *listRepository) RefreshStats(ctx context.Context, orgID, id string) error {
	// Recomputes the denormalized counters from contact memberships in one
	// statement.
	result, err := r.db.ExecContext(ctx, `
		UPDATE lists SET
			stats = (
				SELECT jsonb_build_object(
					'total_contacts', COUNT(*) FILTER (WHERE m->>'status' <> 'removed'),
					'active_contacts', COUNT(*) FILTER (WHERE m->>'status' = 'active'),
					'unsubscribed_count', COUNT(*) FILTER (WHERE m->>'status' = 'unsubscribed'),
					'last_refreshed_at', NOW())
				FROM contacts c, jsonb_array_elements(c.list_memberships) m
				WHERE c.org_id = $1 AND m->>'list_id' = $2
			),
			updated_at = NOW()
		WHERE org_id = $1 AND id = $2
	`, orgID, id)
	if err != nil {
		return fmt.Errorf("failed to refresh list stats: %w", err)
	}
	return requireRowAffected(result, "list", id)
}
