package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/mailfold/mailfold/internal/domain"
)

type emailLogRepository struct {
	db *sql.DB
}

// NewEmailLogRepository creates a new PostgreSQL email log repository
func NewEmailLogRepository(db *sql.DB) domain.EmailLogRepository {
	return &emailLogRepository{db: db}
}

const emailLogColumns = `
	id, org_id, tracking_id, source, campaign_id, automation_id, contact_id, email,
	status, message_id, attempts,
	open_count, click_count, clicked_links, tracked_links, events, error,
	sent_at, delivered_at, first_opened_at, last_opened_at,
	first_clicked_at, last_clicked_at, unsubscribed_at, complained_at,
	expires_at, created_at, updated_at
`

func scanEmailLog(row interface{ Scan(...interface{}) error }) (*domain.EmailLog, error) {
	var (
		l                domain.EmailLog
		campaignID       sql.NullString
		automationID     sql.NullString
		messageID        sql.NullString
		clickedLinksJSON []byte
		trackedLinksJSON []byte
		eventsJSON       []byte
		errorJSON        []byte
		lastOpenedAt     sql.NullTime
		lastClickedAt    sql.NullTime
		unsubscribedAt   sql.NullTime
		complainedAt     sql.NullTime
	)
	err := row.Scan(
		&l.ID, &l.OrgID, &l.TrackingID, &l.Source, &campaignID, &automationID, &l.ContactID, &l.Email,
		&l.Status, &messageID, &l.Attempts,
		&l.OpenCount, &l.ClickCount, &clickedLinksJSON, &trackedLinksJSON, &eventsJSON, &errorJSON,
		&l.SentAt, &l.DeliveredAt, &l.FirstOpenedAt, &lastOpenedAt,
		&l.FirstClickedAt, &lastClickedAt, &unsubscribedAt, &complainedAt,
		&l.ExpiresAt, &l.CreatedAt, &l.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	l.CampaignID = campaignID.String
	l.AutomationID = automationID.String
	l.MessageID = messageID.String
	if err := fromJSONB(clickedLinksJSON, &l.ClickedLinks); err != nil {
		return nil, err
	}
	if err := fromJSONB(trackedLinksJSON, &l.TrackedLinks); err != nil {
		return nil, err
	}
	if err := fromJSONB(eventsJSON, &l.Events); err != nil {
		return nil, err
	}
	if len(errorJSON) > 0 && string(errorJSON) != "null" {
		l.Error = &domain.EmailLogError{}
		if err := fromJSONB(errorJSON, l.Error); err != nil {
			return nil, err
		}
	}
	l.Opened = l.OpenCount > 0
	l.Clicked = l.ClickCount > 0
	l.Unsubscribed = unsubscribedAt.Valid
	l.Complained = complainedAt.Valid
	return &l, nil
}

func (r *emailLogRepository) Create(ctx context.Context, log *domain.EmailLog) (bool, error) {
	trackedLinks, err := toJSONB(log.TrackedLinks)
	if err != nil {
		return false, err
	}
	campaignID := sql.NullString{String: log.CampaignID, Valid: log.CampaignID != ""}
	automationID := sql.NullString{String: log.AutomationID, Valid: log.AutomationID != ""}

	// ON CONFLICT DO NOTHING against the (campaign_id, contact_id) partial
	// unique index makes the dispatcher's dedup check race-free.
	query := `
		INSERT INTO email_logs (
			id, org_id, tracking_id, source, campaign_id, automation_id, contact_id, email,
			status, tracked_links, expires_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (campaign_id, contact_id) WHERE campaign_id IS NOT NULL DO NOTHING
	`
	result, err := r.db.ExecContext(ctx, query,
		log.ID, log.OrgID, log.TrackingID, log.Source, campaignID, automationID, log.ContactID, log.Email,
		log.Status, trackedLinks, log.ExpiresAt, log.CreatedAt, log.UpdatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to create email log: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check rows affected: %w", err)
	}
	return affected == 1, nil
}

func (r *emailLogRepository) GetByTrackingID(ctx context.Context, trackingID string) (*domain.EmailLog, error) {
	query := `SELECT ` + emailLogColumns + ` FROM email_logs WHERE tracking_id = $1`
	log, err := scanEmailLog(r.db.QueryRowContext(ctx, query, trackingID))
	if err == sql.ErrNoRows {
		return nil, domain.NotFoundError("email log", trackingID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get email log: %w", err)
	}
	return log, nil
}

func (r *emailLogRepository) GetByMessageID(ctx context.Context, messageID string) (*domain.EmailLog, error) {
	query := `SELECT ` + emailLogColumns + ` FROM email_logs WHERE message_id = $1`
	log, err := scanEmailLog(r.db.QueryRowContext(ctx, query, messageID))
	if err == sql.ErrNoRows {
		return nil, domain.NotFoundError("email log", messageID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get email log: %w", err)
	}
	return log, nil
}

func (r *emailLogRepository) ExistsForCampaignContact(ctx context.Context, orgID, campaignID, contactID string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM email_logs
			WHERE org_id = $1 AND campaign_id = $2 AND contact_id = $3)
	`, orgID, campaignID, contactID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check email log existence: %w", err)
	}
	return exists, nil
}

func (r *emailLogRepository) MarkSent(ctx context.Context, trackingID, messageID string, at time.Time) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE email_logs SET
			status = 'sent', message_id = $2, sent_at = $3, updated_at = NOW()
		WHERE tracking_id = $1 AND status = 'queued'
	`, trackingID, messageID, at)
	if err != nil {
		return fmt.Errorf("failed to mark email log sent: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if affected == 0 {
		// A feedback event beat the send confirmation; record the message id
		// without regressing the status.
		_, err = r.db.ExecContext(ctx, `
			UPDATE email_logs SET message_id = COALESCE(message_id, $2), updated_at = NOW()
			WHERE tracking_id = $1
		`, trackingID, messageID)
		if err != nil {
			return fmt.Errorf("failed to record message id: %w", err)
		}
	}
	return nil
}

// statusTimestampColumn maps a status to the timestamp column it stamps.
var statusTimestampColumn = map[domain.EmailLogStatus]string{
	domain.EmailLogDelivered:  "delivered_at",
	domain.EmailLogComplained: "complained_at",
}

func (r *emailLogRepository) AdvanceStatus(ctx context.Context, trackingID string, status domain.EmailLogStatus, at time.Time) error {
	// The rank guard silently drops regressing writes, so late deliveries
	// cannot resurrect a bounced log.
	ranked := make([]string, 0, len(domain.EmailLogStatuses()))
	for _, s := range domain.EmailLogStatuses() {
		if s.Rank() < status.Rank() {
			ranked = append(ranked, string(s))
		}
	}
	query := `UPDATE email_logs SET status = $2, updated_at = NOW()`
	args := []interface{}{trackingID, status}
	if col, ok := statusTimestampColumn[status]; ok {
		query += fmt.Sprintf(`, %s = COALESCE(%s, $3)`, col, col)
		args = append(args, at)
	}
	query += ` WHERE tracking_id = $1 AND status = ANY($` + fmt.Sprint(len(args)+1) + `)`
	args = append(args, pq.Array(ranked))

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to advance email log status: %w", err)
	}
	return nil
}

func (r *emailLogRepository) MarkFailed(ctx context.Context, trackingID string, logErr domain.EmailLogError) error {
	errorJSON, err := toJSONB(logErr)
	if err != nil {
		return err
	}
	status := domain.EmailLogFailed
	_, err = r.db.ExecContext(ctx, `
		UPDATE email_logs SET status = $2, error = $3, updated_at = NOW()
		WHERE tracking_id = $1 AND status IN ('queued', 'sent')
	`, trackingID, status, errorJSON)
	if err != nil {
		return fmt.Errorf("failed to mark email log failed: %w", err)
	}
	return nil
}

func (r *emailLogRepository) IncrementAttempts(ctx context.Context, trackingID string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE email_logs SET attempts = attempts + 1, updated_at = NOW()
		WHERE tracking_id = $1
	`, trackingID)
	if err != nil {
		return fmt.Errorf("failed to increment email log attempts: %w", err)
	}
	return nil
}

func (r *emailLogRepository) RecordOpen(ctx context.Context, trackingID string, at time.Time) (domain.OpenResult, error) {
	// first_opened_at is set-if-not-set in the same statement; the RETURNING
	// comparison tells us whether this write was the first open.
	var firstOpenedAt, lastOpenedAt time.Time
	err := r.db.QueryRowContext(ctx, `
		UPDATE email_logs SET
			open_count = open_count + 1,
			first_opened_at = COALESCE(first_opened_at, $2),
			last_opened_at = $2,
			updated_at = NOW()
		WHERE tracking_id = $1
		RETURNING first_opened_at, last_opened_at
	`, trackingID, at).Scan(&firstOpenedAt, &lastOpenedAt)
	if err == sql.ErrNoRows {
		return domain.OpenResult{}, nil
	}
	if err != nil {
		return domain.OpenResult{}, fmt.Errorf("failed to record open: %w", err)
	}
	return domain.OpenResult{
		Applied:   true,
		FirstOpen: firstOpenedAt.Equal(lastOpenedAt),
	}, nil
}

func (r *emailLogRepository) RecordClick(ctx context.Context, trackingID, url string, at time.Time) (domain.ClickResult, error) {
	urlJSON, err := toJSONB([]string{url})
	if err != nil {
		return domain.ClickResult{}, err
	}
	var (
		firstClickedAt time.Time
		lastClickedAt  time.Time
		hadURL         bool
	)
	err = r.db.QueryRowContext(ctx, `
		UPDATE email_logs SET
			click_count = click_count + 1,
			first_clicked_at = COALESCE(first_clicked_at, $2),
			last_clicked_at = $2,
			clicked_links = CASE
				WHEN clicked_links @> $3::jsonb THEN clicked_links
				ELSE clicked_links || $3::jsonb
			END,
			updated_at = NOW()
		WHERE tracking_id = $1
		RETURNING first_clicked_at, last_clicked_at,
			(SELECT clicked_links @> $3::jsonb FROM email_logs WHERE tracking_id = $1)
	`, trackingID, at, string(urlJSON)).Scan(&firstClickedAt, &lastClickedAt, &hadURL)
	if err == sql.ErrNoRows {
		return domain.ClickResult{}, nil
	}
	if err != nil {
		return domain.ClickResult{}, fmt.Errorf("failed to record click: %w", err)
	}
	return domain.ClickResult{
		Applied:       true,
		FirstClick:    firstClickedAt.Equal(lastClickedAt),
		NewClickedURL: !hadURL,
	}, nil
}

func (r *emailLogRepository) SetUnsubscribed(ctx context.Context, trackingID string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE email_logs SET
			unsubscribed_at = COALESCE(unsubscribed_at, $2), updated_at = NOW()
		WHERE tracking_id = $1
	`, trackingID, at)
	if err != nil {
		return fmt.Errorf("failed to set email log unsubscribed: %w", err)
	}
	return nil
}

func (r *emailLogRepository) SetComplained(ctx context.Context, trackingID string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE email_logs SET
			complained_at = COALESCE(complained_at, $2), updated_at = NOW()
		WHERE tracking_id = $1
	`, trackingID, at)
	if err != nil {
		return fmt.Errorf("failed to set email log complained: %w", err)
	}
	return nil
}

func (r *emailLogRepository) AppendEvent(ctx context.Context, trackingID string, event domain.EmailLogEvent) error {
	eventJSON, err := toJSONB([]domain.EmailLogEvent{event})
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		UPDATE email_logs SET events = events || $2::jsonb, updated_at = NOW()
		WHERE tracking_id = $1
	`, trackingID, string(eventJSON))
	if err != nil {
		return fmt.Errorf("failed to append email log event: %w", err)
	}
	return nil
}

func (r *emailLogRepository) ListByCampaign(ctx context.Context, orgID, campaignID string, limit, offset int) ([]*domain.EmailLog, int, error) {
	var total int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM email_logs WHERE org_id = $1 AND campaign_id = $2
	`, orgID, campaignID).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count email logs: %w", err)
	}

	query := `SELECT ` + emailLogColumns + `
		FROM email_logs
		WHERE org_id = $1 AND campaign_id = $2
		ORDER BY updated_at DESC
		LIMIT $3 OFFSET $4`
	rows, err := r.db.QueryContext(ctx, query, orgID, campaignID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list email logs: %w", err)
	}
	defer rows.Close()

	var logs []*domain.EmailLog
	for rows.Next() {
		log, err := scanEmailLog(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan email log: %w", err)
		}
		logs = append(logs, log)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to iterate email logs: %w", err)
	}
	return logs, total, nil
}

func (r *emailLogRepository) DeleteExpired(ctx context.Context, now time.Time, limit int) (int, error) {
	result, err := r.db.ExecContext(ctx, `
		DELETE FROM email_logs
		WHERE id IN (
			SELECT id FROM email_logs WHERE expires_at <= $1 LIMIT $2)
	`, now, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired email logs: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to check rows affected: %w", err)
	}
	return int(affected), nil
}
