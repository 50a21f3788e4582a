package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/mailfold/mailfold/internal/domain"
)

type automationRepository struct {
	db *sql.DB
}

// NewAutomationRepository creates a new PostgreSQL automation repository
func NewAutomationRepository(db *sql.DB) domain.AutomationRepository {
	return &automationRepository{db: db}
}

const automationColumns = `
	id, org_id, name, status, trigger, steps, settings, stats, created_at, updated_at
`

func scanAutomation(row interface{ Scan(...interface{}) error }) (*domain.Automation, error) {
	var (
		a            domain.Automation
		triggerJSON  []byte
		stepsJSON    []byte
		settingsJSON []byte
		statsJSON    []byte
	)
	err := row.Scan(
		&a.ID, &a.OrgID, &a.Name, &a.Status,
		&triggerJSON, &stepsJSON, &settingsJSON, &statsJSON,
		&a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := fromJSONB(triggerJSON, &a.Trigger); err != nil {
		return nil, err
	}
	if err := fromJSONB(stepsJSON, &a.Steps); err != nil {
		return nil, err
	}
	if err := fromJSONB(settingsJSON, &a.Settings); err != nil {
		return nil, err
	}
	if err := fromJSONB(statsJSON, &a.Stats); err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *automationRepository) Create(ctx context.Context, automation *domain.Automation) error {
	trigger, err := toJSONB(automation.Trigger)
	if err != nil {
		return err
	}
	steps, err := toJSONB(automation.Steps)
	if err != nil {
		return err
	}
	settings, err := toJSONB(automation.Settings)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO automations (
			id, org_id, name, status, trigger, steps, settings, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err = r.db.ExecContext(ctx, query,
		automation.ID, automation.OrgID, automation.Name, automation.Status,
		trigger, steps, settings, automation.CreatedAt, automation.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create automation: %w", err)
	}
	return nil
}

func (r *automationRepository) Update(ctx context.Context, automation *domain.Automation) error {
	trigger, err := toJSONB(automation.Trigger)
	if err != nil {
		return err
	}
	steps, err := toJSONB(automation.Steps)
	if err != nil {
		return err
	}
	settings, err := toJSONB(automation.Settings)
	if err != nil {
		return err
	}
	result, err := r.db.ExecContext(ctx, `
		UPDATE automations SET
			name = $3, status = $4, trigger = $5, steps = $6, settings = $7,
			updated_at = NOW()
		WHERE org_id = $1 AND id = $2
	`, automation.OrgID, automation.ID,
		automation.Name, automation.Status, trigger, steps, settings)
	if err != nil {
		return fmt.Errorf("failed to update automation: %w", err)
	}
	return requireRowAffected(result, "automation", automation.ID)
}

func (r *automationRepository) GetByID(ctx context.Context, orgID, id string) (*domain.Automation, error) {
	query := `SELECT ` + automationColumns + ` FROM automations WHERE org_id = $1 AND id = $2`
	automation, err := scanAutomation(r.db.QueryRowContext(ctx, query, orgID, id))
	if err == sql.ErrNoRows {
		return nil, domain.NotFoundError("automation", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get automation: %w", err)
	}
	return automation, nil
}

func (r *automationRepository) GetAll(ctx context.Context, orgID string) ([]*domain.Automation, error) {
	query := `SELECT ` + automationColumns + ` FROM automations WHERE org_id = $1 ORDER BY created_at DESC`
	return r.queryAutomations(ctx, query, orgID)
}

func (r *automationRepository) ListActive(ctx context.Context) ([]*domain.Automation, error) {
	query := `SELECT ` + automationColumns + ` FROM automations WHERE status = 'active'`
	return r.queryAutomations(ctx, query)
}

func (r *automationRepository) queryAutomations(ctx context.Context, query string, args ...interface{}) ([]*domain.Automation, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query automations: %w", err)
	}
	defer rows.Close()

	var automations []*domain.Automation
	for rows.Next() {
		automation, err := scanAutomation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan automation: %w", err)
		}
		automations = append(automations, automation)
	}
	return automations, rows.Err()
}

func (r *automationRepository) Delete(ctx context.Context, orgID, id string) error {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM automations WHERE org_id = $1 AND id = $2`, orgID, id)
	if err != nil {
		return fmt.Errorf("failed to delete automation: %w", err)
	}
	return requireRowAffected(result, "automation", id)
}

func (r *automationRepository) IncrementStats(ctx context.Context, orgID, id string, entered, completed, exited, emailsSent int64) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE automations SET
			stats = stats || jsonb_build_object(
				'total_entered', COALESCE((stats->>'total_entered')::bigint, 0) + $3::bigint,
				'total_completed', COALESCE((stats->>'total_completed')::bigint, 0) + $4::bigint,
				'total_exited', COALESCE((stats->>'total_exited')::bigint, 0) + $5::bigint,
				'emails_sent', COALESCE((stats->>'emails_sent')::bigint, 0) + $6::bigint),
			updated_at = NOW()
		WHERE org_id = $1 AND id = $2
	`, orgID, id, entered, completed, exited, emailsSent)
	if err != nil {
		return fmt.Errorf("failed to increment automation stats: %w", err)
	}
	return requireRowAffected(result, "automation", id)
}

func (r *automationRepository) Enroll(ctx context.Context, orgID string, enrollment *domain.AutomationEnrollment) (bool, error) {
	// The partial unique index on active enrollments rejects a second
	// concurrent entry; re-entry waits are checked by the caller via
	// LastEnrollment.
	result, err := r.db.ExecContext(ctx, `
		INSERT INTO automation_enrollments (
			org_id, automation_id, contact_id, current_step, state,
			next_action_at, enrolled_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT DO NOTHING
	`, orgID, enrollment.AutomationID, enrollment.ContactID,
		enrollment.CurrentStep, enrollment.State,
		enrollment.NextActionAt, enrollment.EnrolledAt)
	if err != nil {
		return false, fmt.Errorf("failed to enroll contact: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check rows affected: %w", err)
	}
	return affected == 1, nil
}

func (r *automationRepository) DueEnrollments(ctx context.Context, orgID, automationID string, now time.Time, limit int) ([]*domain.AutomationEnrollment, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT automation_id, contact_id, current_step, state, next_action_at, enrolled_at, ended_at
		FROM automation_enrollments
		WHERE org_id = $1 AND automation_id = $2
		  AND state IN ('active', 'waiting')
		  AND next_action_at IS NOT NULL AND next_action_at <= $3
		ORDER BY next_action_at
		LIMIT $4
	`, orgID, automationID, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query due enrollments: %w", err)
	}
	defer rows.Close()

	var enrollments []*domain.AutomationEnrollment
	for rows.Next() {
		var e domain.AutomationEnrollment
		err := rows.Scan(&e.AutomationID, &e.ContactID, &e.CurrentStep, &e.State,
			&e.NextActionAt, &e.EnrolledAt, &e.EndedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan enrollment: %w", err)
		}
		enrollments = append(enrollments, &e)
	}
	return enrollments, rows.Err()
}

func (r *automationRepository) AdvanceEnrollment(ctx context.Context, orgID, automationID, contactID string, fromStep, toStep int, state domain.AutomationEnrollmentState, nextActionAt *time.Time) (bool, error) {
	endedAt := sql.NullTime{}
	if state == domain.EnrollmentCompleted || state == domain.EnrollmentExited || state == domain.EnrollmentError {
		endedAt = sql.NullTime{Time: time.Now().UTC(), Valid: true}
	}
	result, err := r.db.ExecContext(ctx, `
		UPDATE automation_enrollments SET
			current_step = $5, state = $6, next_action_at = $7, ended_at = $8
		WHERE org_id = $1 AND automation_id = $2 AND contact_id = $3
		  AND current_step = $4 AND state IN ('active', 'waiting')
	`, orgID, automationID, contactID, fromStep, toStep, state, nextActionAt, endedAt)
	if err != nil {
		return false, fmt.Errorf("failed to advance enrollment: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check rows affected: %w", err)
	}
	return affected == 1, nil
}

func (r *automationRepository) LastEnrollment(ctx context.Context, orgID, automationID, contactID string) (*domain.AutomationEnrollment, error) {
	var e domain.AutomationEnrollment
	err := r.db.QueryRowContext(ctx, `
		SELECT automation_id, contact_id, current_step, state, next_action_at, enrolled_at, ended_at
		FROM automation_enrollments
		WHERE org_id = $1 AND automation_id = $2 AND contact_id = $3
		ORDER BY enrolled_at DESC
		LIMIT 1
	`, orgID, automationID, contactID).Scan(
		&e.AutomationID, &e.ContactID, &e.CurrentStep, &e.State,
		&e.NextActionAt, &e.EnrolledAt, &e.EndedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get last enrollment: %w", err)
	}
	return &e, nil
}
