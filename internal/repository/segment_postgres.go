package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/mailfold/mailfold/internal/domain"
)

type segmentRepository struct {
	db *sql.DB
}

// NewSegmentRepository creates a new PostgreSQL segment repository
func NewSegmentRepository(db *sql.DB) domain.SegmentRepository {
	return &segmentRepository{db: db}
}

func (r *segmentRepository) Create(ctx context.Context, segment *domain.Segment) error {
	conditions, err := toJSONB(segment.Conditions)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO segments (id, org_id, name, match, conditions, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err = r.db.ExecContext(ctx, query,
		segment.ID, segment.OrgID, segment.Name, segment.Match, conditions,
		segment.CreatedAt, segment.UpdatedAt,
	)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return domain.DuplicateError("segment name already in use: " + segment.Name)
		}
		return fmt.Errorf("failed to create segment: %w", err)
	}
	return nil
}

func (r *segmentRepository) Update(ctx context.Context, segment *domain.Segment) error {
	conditions, err := toJSONB(segment.Conditions)
	if err != nil {
		return err
	}
	result, err := r.db.ExecContext(ctx, `
		UPDATE segments SET name = $3, match = $4, conditions = $5, updated_at = NOW()
		WHERE org_id = $1 AND id = $2
	`, segment.OrgID, segment.ID, segment.Name, segment.Match, conditions)
	if err != nil {
		return fmt.Errorf("failed to update segment: %w", err)
	}
	return requireRowAffected(result, "segment", segment.ID)
}

func scanSegment(row interface{ Scan(...interface{}) error }) (*domain.Segment, error) {
	var (
		s              domain.Segment
		conditionsJSON []byte
	)
	err := row.Scan(&s.ID, &s.OrgID, &s.Name, &s.Match, &conditionsJSON,
		&s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := fromJSONB(conditionsJSON, &s.Conditions); err != nil {
		return nil, err
	}
	return &s, nil
}

const segmentColumns = `id, org_id, name, match, conditions, created_at, updated_at`

func (r *segmentRepository) GetByID(ctx context.Context, orgID, id string) (*domain.Segment, error) {
	query := `SELECT ` + segmentColumns + ` FROM segments WHERE org_id = $1 AND id = $2`
	segment, err := scanSegment(r.db.QueryRowContext(ctx, query, orgID, id))
	if err == sql.ErrNoRows {
		return nil, domain.NotFoundError("segment", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get segment: %w", err)
	}
	return segment, nil
}

func (r *segmentRepository) GetByIDs(ctx context.Context, orgID string, ids []string) ([]*domain.Segment, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+segmentColumns+` FROM segments WHERE org_id = $1 AND id = ANY($2)`,
		orgID, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("failed to get segments: %w", err)
	}
	defer rows.Close()

	var segments []*domain.Segment
	for rows.Next() {
		segment, err := scanSegment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan segment: %w", err)
		}
		segments = append(segments, segment)
	}
	return segments, rows.Err()
}

func (r *segmentRepository) GetAll(ctx context.Context, orgID string) ([]*domain.Segment, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+segmentColumns+` FROM segments WHERE org_id = $1 ORDER BY name`, orgID)
	if err != nil {
		return nil, fmt.Errorf("failed to list segments: %w", err)
	}
	defer rows.Close()

	var segments []*domain.Segment
	for rows.Next() {
		segment, err := scanSegment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan segment: %w", err)
		}
		segments = append(segments, segment)
	}
	return segments, rows.Err()
}

func (r *segmentRepository) Delete(ctx context.Context, orgID, id string) error {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM segments WHERE org_id = $1 AND id = $2`, orgID, id)
	if err != nil {
		return fmt.Errorf("failed to delete segment: %w", err)
	}
	return requireRowAffected(result, "segment", id)
}
