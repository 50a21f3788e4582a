package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/mailfold/mailfold/internal/domain"
)

type campaignRepository struct {
	db *sql.DB
}

// NewCampaignRepository creates a new PostgreSQL campaign repository
func NewCampaignRepository(db *sql.DB) domain.CampaignRepository {
	return &campaignRepository{db: db}
}

const campaignColumns = `
	id, org_id, name, status,
	selectors, content, schedule, tracking, ab_test,
	progress, analytics, link_clicks, errors, total_recipients,
	started_at, completed_at, created_at, updated_at
`

func scanCampaign(row interface{ Scan(...interface{}) error }) (*domain.Campaign, error) {
	var (
		c               domain.Campaign
		selectorsJSON   []byte
		contentJSON     []byte
		scheduleJSON    []byte
		trackingJSON    []byte
		abTestJSON      []byte
		progressJSON    []byte
		analyticsJSON   []byte
		linkClicksJSON  []byte
		errorsJSON      []byte
		totalRecipients int
	)
	err := row.Scan(
		&c.ID, &c.OrgID, &c.Name, &c.Status,
		&selectorsJSON, &contentJSON, &scheduleJSON, &trackingJSON, &abTestJSON,
		&progressJSON, &analyticsJSON, &linkClicksJSON, &errorsJSON, &totalRecipients,
		&c.StartedAt, &c.CompletedAt, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := fromJSONB(selectorsJSON, &c.Selectors); err != nil {
		return nil, err
	}
	if err := fromJSONB(contentJSON, &c.Content); err != nil {
		return nil, err
	}
	if err := fromJSONB(scheduleJSON, &c.Schedule); err != nil {
		return nil, err
	}
	if err := fromJSONB(trackingJSON, &c.Tracking); err != nil {
		return nil, err
	}
	if err := fromJSONB(abTestJSON, &c.ABTest); err != nil {
		return nil, err
	}
	if err := fromJSONB(progressJSON, &c.Progress); err != nil {
		return nil, err
	}
	if err := fromJSONB(analyticsJSON, &c.Analytics); err != nil {
		return nil, err
	}
	if err := fromJSONB(linkClicksJSON, &c.Analytics.LinkClicks); err != nil {
		return nil, err
	}
	if err := fromJSONB(errorsJSON, &c.Errors); err != nil {
		return nil, err
	}
	c.Progress.Total = totalRecipients
	return &c, nil
}

func (r *campaignRepository) marshalBlocks(campaign *domain.Campaign) (selectors, content, schedule, tracking, abTest []byte, err error) {
	if selectors, err = toJSONB(campaign.Selectors); err != nil {
		return
	}
	if content, err = toJSONB(campaign.Content); err != nil {
		return
	}
	if schedule, err = toJSONB(campaign.Schedule); err != nil {
		return
	}
	if tracking, err = toJSONB(campaign.Tracking); err != nil {
		return
	}
	abTest, err = toJSONB(campaign.ABTest)
	return
}

func (r *campaignRepository) Create(ctx context.Context, campaign *domain.Campaign) error {
	selectors, content, schedule, tracking, abTest, err := r.marshalBlocks(campaign)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO campaigns (
			id, org_id, name, status,
			selectors, content, schedule, tracking, ab_test,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err = r.db.ExecContext(ctx, query,
		campaign.ID, campaign.OrgID, campaign.Name, campaign.Status,
		selectors, content, schedule, tracking, abTest,
		campaign.CreatedAt, campaign.UpdatedAt,
	)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return domain.DuplicateError("campaign name already in use: " + campaign.Name)
		}
		return fmt.Errorf("failed to create campaign: %w", err)
	}
	return nil
}

func (r *campaignRepository) Update(ctx context.Context, campaign *domain.Campaign) error {
	selectors, content, schedule, tracking, abTest, err := r.marshalBlocks(campaign)
	if err != nil {
		return err
	}
	// Content updates are only legal while the campaign is editable; the
	// guard lives in the same statement to close the race with the sweeper.
	result, err := r.db.ExecContext(ctx, `
		UPDATE campaigns SET
			name = $3, selectors = $4, content = $5, schedule = $6,
			tracking = $7, ab_test = $8, updated_at = NOW()
		WHERE org_id = $1 AND id = $2 AND status IN ('draft', 'scheduled')
	`, campaign.OrgID, campaign.ID,
		campaign.Name, selectors, content, schedule, tracking, abTest)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return domain.DuplicateError("campaign name already in use: " + campaign.Name)
		}
		return fmt.Errorf("failed to update campaign: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if affected == 0 {
		return domain.ForbiddenError("campaign is not editable")
	}
	return nil
}

func (r *campaignRepository) GetByID(ctx context.Context, orgID, id string) (*domain.Campaign, error) {
	query := `SELECT ` + campaignColumns + ` FROM campaigns WHERE org_id = $1 AND id = $2`
	campaign, err := scanCampaign(r.db.QueryRowContext(ctx, query, orgID, id))
	if err == sql.ErrNoRows {
		return nil, domain.NotFoundError("campaign", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get campaign: %w", err)
	}
	return campaign, nil
}

func (r *campaignRepository) List(ctx context.Context, orgID string, status domain.CampaignStatus, limit, offset int) ([]*domain.Campaign, int, error) {
	where := `WHERE org_id = $1`
	args := []interface{}{orgID}
	if status != "" {
		where += ` AND status = $2`
		args = append(args, status)
	}

	var total int
	if err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM campaigns `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count campaigns: %w", err)
	}

	query := fmt.Sprintf(`SELECT %s FROM campaigns %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		campaignColumns, where, len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list campaigns: %w", err)
	}
	defer rows.Close()

	var campaigns []*domain.Campaign
	for rows.Next() {
		campaign, err := scanCampaign(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan campaign: %w", err)
		}
		campaigns = append(campaigns, campaign)
	}
	return campaigns, total, rows.Err()
}

func (r *campaignRepository) Delete(ctx context.Context, orgID, id string) error {
	result, err := r.db.ExecContext(ctx, `
		DELETE FROM campaigns
		WHERE org_id = $1 AND id = $2 AND status IN ('draft', 'scheduled', 'cancelled', 'sent', 'failed')
	`, orgID, id)
	if err != nil {
		return fmt.Errorf("failed to delete campaign: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if affected == 0 {
		return domain.ForbiddenError("campaign cannot be deleted while sending")
	}
	return nil
}

func (r *campaignRepository) TransitionStatus(ctx context.Context, orgID, id string, from []domain.CampaignStatus, to domain.CampaignStatus) (bool, error) {
	states := make([]string, len(from))
	for i, s := range from {
		states[i] = string(s)
	}
	result, err := r.db.ExecContext(ctx, `
		UPDATE campaigns SET status = $3, updated_at = NOW()
		WHERE org_id = $1 AND id = $2 AND status = ANY($4)
	`, orgID, id, to, pq.Array(states))
	if err != nil {
		return false, fmt.Errorf("failed to transition campaign status: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check rows affected: %w", err)
	}
	return affected == 1, nil
}

func (r *campaignRepository) GetStatus(ctx context.Context, orgID, id string) (domain.CampaignStatus, error) {
	var status domain.CampaignStatus
	err := r.db.QueryRowContext(ctx,
		`SELECT status FROM campaigns WHERE org_id = $1 AND id = $2`, orgID, id).Scan(&status)
	if err == sql.ErrNoRows {
		return "", domain.NotFoundError("campaign", id)
	}
	if err != nil {
		return "", fmt.Errorf("failed to get campaign status: %w", err)
	}
	return status, nil
}

func (r *campaignRepository) SetStarted(ctx context.Context, orgID, id string, at time.Time) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE campaigns SET started_at = COALESCE(started_at, $3), updated_at = NOW()
		WHERE org_id = $1 AND id = $2
	`, orgID, id, at)
	if err != nil {
		return fmt.Errorf("failed to set campaign started: %w", err)
	}
	return requireRowAffected(result, "campaign", id)
}

func (r *campaignRepository) SetCompleted(ctx context.Context, orgID, id string, at time.Time) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE campaigns SET completed_at = $3, updated_at = NOW()
		WHERE org_id = $1 AND id = $2
	`, orgID, id, at)
	if err != nil {
		return fmt.Errorf("failed to set campaign completed: %w", err)
	}
	return requireRowAffected(result, "campaign", id)
}

func (r *campaignRepository) SetTotalRecipients(ctx context.Context, orgID, id string, total int) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE campaigns SET
			total_recipients = $3,
			progress = progress || jsonb_build_object('total', $3::int),
			updated_at = NOW()
		WHERE org_id = $1 AND id = $2
	`, orgID, id, total)
	if err != nil {
		return fmt.Errorf("failed to set total recipients: %w", err)
	}
	return requireRowAffected(result, "campaign", id)
}

func (r *campaignRepository) UpdateProgress(ctx context.Context, orgID, id string, processed, percentage int) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE campaigns SET
			progress = progress || jsonb_build_object(
				'processed', $3::int, 'percentage', $4::int),
			updated_at = NOW()
		WHERE org_id = $1 AND id = $2
	`, orgID, id, processed, percentage)
	if err != nil {
		return fmt.Errorf("failed to update campaign progress: %w", err)
	}
	return requireRowAffected(result, "campaign", id)
}

// counterColumn pairs an analytics JSON key with its delta.
type counterColumn struct {
	key   string
	delta int64
}

func (r *campaignRepository) IncrementCounters(ctx context.Context, orgID, id string, deltas domain.CounterDeltas) error {
	if deltas.IsZero() {
		return nil
	}
	columns := []counterColumn{
		{"sent", deltas.Sent},
		{"delivered", deltas.Delivered},
		{"opens", deltas.Opens},
		{"unique_opens", deltas.UniqueOpens},
		{"clicks", deltas.Clicks},
		{"unique_clicks", deltas.UniqueClicks},
		{"bounced", deltas.Bounced},
		{"soft_bounced", deltas.SoftBounced},
		{"hard_bounced", deltas.HardBounced},
		{"complained", deltas.Complained},
		{"unsubscribed", deltas.Unsubscribed},
	}

	// Build one jsonb_build_object(...) with only the touched counters, then
	// recompute every rate from the post-increment values. The whole thing is
	// a single UPDATE so concurrent reducers never lose increments.
	setParts := ""
	args := []interface{}{orgID, id}
	for _, col := range columns {
		if col.delta == 0 {
			continue
		}
		args = append(args, col.delta)
		if setParts != "" {
			setParts += ", "
		}
		setParts += fmt.Sprintf("'%s', COALESCE((analytics->>'%s')::bigint, 0) + $%d::bigint",
			col.key, col.key, len(args))
	}

	query := `
		UPDATE campaigns SET
			analytics = (
				WITH bumped AS (
					SELECT analytics || jsonb_build_object(` + setParts + `) AS a
				)
				SELECT a || jsonb_build_object(
					'delivery_rate',      analytics_rate((a->>'delivered')::bigint, (a->>'sent')::bigint),
					'bounce_rate',        analytics_rate((a->>'bounced')::bigint, (a->>'sent')::bigint),
					'open_rate',          analytics_rate((a->>'unique_opens')::bigint, (a->>'delivered')::bigint),
					'click_rate',         analytics_rate((a->>'unique_clicks')::bigint, (a->>'delivered')::bigint),
					'click_to_open_rate', analytics_rate((a->>'unique_clicks')::bigint, (a->>'unique_opens')::bigint),
					'unsubscribe_rate',   analytics_rate((a->>'unsubscribed')::bigint, (a->>'sent')::bigint),
					'complaint_rate',     analytics_rate((a->>'complained')::bigint, (a->>'sent')::bigint)
				)
				FROM bumped
			),
			progress = progress || jsonb_build_object(
				'processed', COALESCE((progress->>'processed')::int, 0) + $` + fmt.Sprint(len(args)+1) + `::int,
				'failed', COALESCE((progress->>'failed')::int, 0) + $` + fmt.Sprint(len(args)+2) + `::int),
			updated_at = NOW()
		WHERE org_id = $1 AND id = $2
	`
	args = append(args, deltas.Processed, deltas.FailedSends)

	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to increment campaign counters: %w", err)
	}
	return requireRowAffected(result, "campaign", id)
}

func (r *campaignRepository) UpsertLinkClick(ctx context.Context, orgID, id, url string, firstClick bool) error {
	uniqueDelta := 0
	if firstClick {
		uniqueDelta = 1
	}
	entry, err := toJSONB([]domain.LinkClickStat{{URL: url, Clicks: 1, UniqueClicks: int64(uniqueDelta)}})
	if err != nil {
		return err
	}
	result, err := r.db.ExecContext(ctx, `
		UPDATE campaigns SET
			link_clicks = CASE
				WHEN EXISTS (
					SELECT 1 FROM jsonb_array_elements(link_clicks) l
					WHERE l->>'url' = $3)
				THEN (
					SELECT jsonb_agg(
						CASE WHEN l->>'url' = $3
							THEN l || jsonb_build_object(
								'clicks', COALESCE((l->>'clicks')::bigint, 0) + 1,
								'unique_clicks', COALESCE((l->>'unique_clicks')::bigint, 0) + $4::bigint)
							ELSE l
						END)
					FROM jsonb_array_elements(link_clicks) l
				)
				ELSE link_clicks || $5::jsonb
			END,
			updated_at = NOW()
		WHERE org_id = $1 AND id = $2
	`, orgID, id, url, uniqueDelta, string(entry))
	if err != nil {
		return fmt.Errorf("failed to upsert link click: %w", err)
	}
	return requireRowAffected(result, "campaign", id)
}

func (r *campaignRepository) AppendError(ctx context.Context, orgID, id, errType, message string, at time.Time) error {
	entry, err := toJSONB([]domain.CampaignError{{
		Type:           errType,
		Message:        message,
		Count:          1,
		LastOccurredAt: at,
	}})
	if err != nil {
		return err
	}
	// Bump the counter on a repeated (type, message) pair, otherwise append
	// and trim to the cap keeping the most recent entries.
	result, err := r.db.ExecContext(ctx, `
		UPDATE campaigns SET
			errors = CASE
				WHEN EXISTS (
					SELECT 1 FROM jsonb_array_elements(errors) e
					WHERE e->>'type' = $3 AND e->>'message' = $4)
				THEN (
					SELECT jsonb_agg(
						CASE WHEN e->>'type' = $3 AND e->>'message' = $4
							THEN e || jsonb_build_object(
								'count', COALESCE((e->>'count')::int, 0) + 1,
								'last_occurred_at', $5::timestamp)
							ELSE e
						END)
					FROM jsonb_array_elements(errors) e
				)
				ELSE (
					SELECT COALESCE(jsonb_agg(e), '[]'::jsonb)
					FROM (
						SELECT e FROM jsonb_array_elements(errors || $6::jsonb) WITH ORDINALITY AS t(e, ord)
						ORDER BY ord DESC LIMIT $7
					) kept
				)
			END,
			updated_at = NOW()
		WHERE org_id = $1 AND id = $2
	`, orgID, id, errType, message, at, string(entry), domain.MaxCampaignErrors)
	if err != nil {
		return fmt.Errorf("failed to append campaign error: %w", err)
	}
	return requireRowAffected(result, "campaign", id)
}

func (r *campaignRepository) FindDueScheduled(ctx context.Context, now time.Time, limit int) ([]*domain.Campaign, error) {
	query := `SELECT ` + campaignColumns + `
		FROM campaigns
		WHERE status = 'scheduled'
		  AND (schedule->>'scheduled_at')::timestamptz <= $1
		ORDER BY (schedule->>'scheduled_at')::timestamptz
		LIMIT $2`
	return r.queryCampaigns(ctx, query, now, limit)
}

func (r *campaignRepository) FindStalledSending(ctx context.Context, cutoff time.Time, limit int) ([]*domain.Campaign, error) {
	query := `SELECT ` + campaignColumns + `
		FROM campaigns
		WHERE status = 'sending'
		  AND started_at IS NOT NULL AND started_at < $1
		  AND COALESCE((progress->>'processed')::int, 0) + COALESCE((progress->>'failed')::int, 0) < total_recipients
		ORDER BY started_at
		LIMIT $2`
	return r.queryCampaigns(ctx, query, cutoff, limit)
}

func (r *campaignRepository) queryCampaigns(ctx context.Context, query string, args ...interface{}) ([]*domain.Campaign, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query campaigns: %w", err)
	}
	defer rows.Close()

	var campaigns []*domain.Campaign
	for rows.Next() {
		campaign, err := scanCampaign(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan campaign: %w", err)
		}
		campaigns = append(campaigns, campaign)
	}
	return campaigns, rows.Err()
}
