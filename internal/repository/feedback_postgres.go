package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/mailfold/mailfold/internal/domain"
)

type feedbackRepository struct {
	db *sql.DB
}

// NewFeedbackRepository creates a new PostgreSQL feedback repository
func NewFeedbackRepository(db *sql.DB) domain.FeedbackRepository {
	return &feedbackRepository{db: db}
}

func (r *feedbackRepository) Insert(ctx context.Context, log *domain.FeedbackLog) (bool, error) {
	// The (feedback_id, type) unique index is the reducer's idempotence key;
	// replays insert zero rows and the caller skips the reduction.
	query := `
		INSERT INTO feedback_events (
			id, org_id, feedback_id, type, email, message_id,
			bounce_type, reason, raw_payload, occurred_at, expires_at, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (feedback_id, type) DO NOTHING
	`
	result, err := r.db.ExecContext(ctx, query,
		log.ID, log.OrgID, log.FeedbackID, log.Type, strings.ToLower(log.Email), log.MessageID,
		log.BounceType, log.Reason, log.RawPayload,
		log.Timestamp, log.Timestamp.Add(domain.FeedbackLogTTL), log.CreatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert feedback log: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check rows affected: %w", err)
	}
	return affected == 1, nil
}

const suppressionPredicate = `
	(type = 'complaint' OR (type = 'bounce' AND bounce_type = 'Permanent'))
`

func (r *feedbackRepository) IsSuppressed(ctx context.Context, orgID, email string) (bool, error) {
	var suppressed bool
	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM feedback_events
			WHERE org_id = $1 AND email = $2 AND `+suppressionPredicate+`)
	`, orgID, strings.ToLower(email)).Scan(&suppressed)
	if err != nil {
		return false, fmt.Errorf("failed to check suppression: %w", err)
	}
	return suppressed, nil
}

func (r *feedbackRepository) SuppressedAmong(ctx context.Context, orgID string, emails []string) (map[string]bool, error) {
	suppressed := make(map[string]bool, len(emails))
	if len(emails) == 0 {
		return suppressed, nil
	}
	lowered := make([]string, len(emails))
	for i, email := range emails {
		lowered[i] = strings.ToLower(email)
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT DISTINCT email FROM feedback_events
		WHERE org_id = $1 AND email = ANY($2) AND `+suppressionPredicate,
		orgID, pq.Array(lowered))
	if err != nil {
		return nil, fmt.Errorf("failed to query suppressed emails: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var email string
		if err := rows.Scan(&email); err != nil {
			return nil, fmt.Errorf("failed to scan suppressed email: %w", err)
		}
		suppressed[email] = true
	}
	return suppressed, rows.Err()
}

func (r *feedbackRepository) ListByEmail(ctx context.Context, orgID, email string, limit int) ([]*domain.FeedbackLog, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, org_id, feedback_id, type, email, message_id,
			bounce_type, reason, raw_payload, occurred_at, created_at
		FROM feedback_events
		WHERE org_id = $1 AND email = $2
		ORDER BY occurred_at DESC
		LIMIT $3
	`, orgID, strings.ToLower(email), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list feedback logs: %w", err)
	}
	defer rows.Close()

	var logs []*domain.FeedbackLog
	for rows.Next() {
		var (
			log        domain.FeedbackLog
			messageID  sql.NullString
			bounceType sql.NullString
			reason     sql.NullString
			rawPayload sql.NullString
		)
		err := rows.Scan(
			&log.ID, &log.OrgID, &log.FeedbackID, &log.Type, &log.Email, &messageID,
			&bounceType, &reason, &rawPayload, &log.Timestamp, &log.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan feedback log: %w", err)
		}
		log.MessageID = messageID.String
		log.BounceType = bounceType.String
		log.Reason = reason.String
		log.RawPayload = rawPayload.String
		logs = append(logs, &log)
	}
	return logs, rows.Err()
}

func (r *feedbackRepository) DeleteExpired(ctx context.Context, now time.Time, limit int) (int, error) {
	result, err := r.db.ExecContext(ctx, `
		DELETE FROM feedback_events
		WHERE id IN (
			SELECT id FROM feedback_events WHERE expires_at <= $1 LIMIT $2)
	`, now, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired feedback logs: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to check rows affected: %w", err)
	}
	return int(affected), nil
}
