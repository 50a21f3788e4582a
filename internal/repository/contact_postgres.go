package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/lib/pq"

	"github.com/mailfold/mailfold/internal/domain"
)

type contactRepository struct {
	db *sql.DB
}

// NewContactRepository creates a new PostgreSQL contact repository
func NewContactRepository(db *sql.DB) domain.ContactRepository {
	return &contactRepository{db: db}
}

const contactColumns = `
	id, org_id, email, first_name, last_name, status,
	unsubscribe_reason, unsubscribed_via,
	attributes, tags, list_memberships, engagement, deliverability,
	created_at, updated_at
`

func scanContact(row interface{ Scan(...interface{}) error }) (*domain.Contact, error) {
	var (
		c                  domain.Contact
		firstName          sql.NullString
		lastName           sql.NullString
		unsubReason        sql.NullString
		unsubVia           sql.NullString
		attributesJSON     []byte
		tagsJSON           []byte
		membershipsJSON    []byte
		engagementJSON     []byte
		deliverabilityJSON []byte
	)
	err := row.Scan(
		&c.ID, &c.OrgID, &c.Email, &firstName, &lastName, &c.Status,
		&unsubReason, &unsubVia,
		&attributesJSON, &tagsJSON, &membershipsJSON, &engagementJSON, &deliverabilityJSON,
		&c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	c.FirstName = firstName.String
	c.LastName = lastName.String
	c.UnsubscribeReason = unsubReason.String
	c.UnsubscribedVia = unsubVia.String
	if err := fromJSONB(attributesJSON, &c.Attributes); err != nil {
		return nil, err
	}
	if err := fromJSONB(tagsJSON, &c.Tags); err != nil {
		return nil, err
	}
	if err := fromJSONB(membershipsJSON, &c.Lists); err != nil {
		return nil, err
	}
	if err := fromJSONB(engagementJSON, &c.Engagement); err != nil {
		return nil, err
	}
	if err := fromJSONB(deliverabilityJSON, &c.Deliverability); err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *contactRepository) Create(ctx context.Context, contact *domain.Contact) error {
	attributes, err := toJSONB(contact.Attributes)
	if err != nil {
		return err
	}
	tags, err := toJSONB(contact.Tags)
	if err != nil {
		return err
	}
	memberships, err := toJSONB(contact.Lists)
	if err != nil {
		return err
	}
	engagement, err := toJSONB(contact.Engagement)
	if err != nil {
		return err
	}
	deliverability, err := toJSONB(contact.Deliverability)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO contacts (
			id, org_id, email, first_name, last_name, status,
			attributes, tags, list_memberships, engagement, deliverability,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`
	_, err = r.db.ExecContext(ctx, query,
		contact.ID, contact.OrgID, contact.Email, contact.FirstName, contact.LastName, contact.Status,
		attributes, tags, memberships, engagement, deliverability,
		contact.CreatedAt, contact.UpdatedAt,
	)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return domain.DuplicateError("contact already exists: " + contact.Email)
		}
		return fmt.Errorf("failed to create contact: %w", err)
	}
	return nil
}

func (r *contactRepository) Update(ctx context.Context, contact *domain.Contact) error {
	attributes, err := toJSONB(contact.Attributes)
	if err != nil {
		return err
	}
	tags, err := toJSONB(contact.Tags)
	if err != nil {
		return err
	}
	memberships, err := toJSONB(contact.Lists)
	if err != nil {
		return err
	}

	query := `
		UPDATE contacts SET
			email = $3, first_name = $4, last_name = $5, status = $6,
			attributes = $7, tags = $8, list_memberships = $9,
			updated_at = $10
		WHERE org_id = $1 AND id = $2
	`
	result, err := r.db.ExecContext(ctx, query,
		contact.OrgID, contact.ID,
		contact.Email, contact.FirstName, contact.LastName, contact.Status,
		attributes, tags, memberships,
		time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to update contact: %w", err)
	}
	return requireRowAffected(result, "contact", contact.ID)
}

func (r *contactRepository) GetByID(ctx context.Context, orgID, id string) (*domain.Contact, error) {
	query := `SELECT ` + contactColumns + ` FROM contacts WHERE org_id = $1 AND id = $2`
	contact, err := scanContact(r.db.QueryRowContext(ctx, query, orgID, id))
	if err == sql.ErrNoRows {
		return nil, domain.NotFoundError("contact", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get contact: %w", err)
	}
	return contact, nil
}

func (r *contactRepository) GetByEmail(ctx context.Context, orgID, email string) (*domain.Contact, error) {
	query := `SELECT ` + contactColumns + ` FROM contacts WHERE org_id = $1 AND email = $2`
	contact, err := scanContact(r.db.QueryRowContext(ctx, query, orgID, strings.ToLower(email)))
	if err == sql.ErrNoRows {
		return nil, domain.NotFoundError("contact", email)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get contact: %w", err)
	}
	return contact, nil
}

func (r *contactRepository) List(ctx context.Context, orgID string, limit, offset int) ([]*domain.Contact, int, error) {
	var total int
	if err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM contacts WHERE org_id = $1`, orgID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count contacts: %w", err)
	}

	query := `SELECT ` + contactColumns + `
		FROM contacts WHERE org_id = $1
		ORDER BY created_at DESC LIMIT $2 OFFSET $3`
	rows, err := r.db.QueryContext(ctx, query, orgID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list contacts: %w", err)
	}
	defer rows.Close()

	var contacts []*domain.Contact
	for rows.Next() {
		contact, err := scanContact(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan contact: %w", err)
		}
		contacts = append(contacts, contact)
	}
	return contacts, total, rows.Err()
}

func (r *contactRepository) Delete(ctx context.Context, orgID, id string) error {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM contacts WHERE org_id = $1 AND id = $2`, orgID, id)
	if err != nil {
		return fmt.Errorf("failed to delete contact: %w", err)
	}
	return requireRowAffected(result, "contact", id)
}

// selectorQuery builds the recipient predicate shared by FetchForSelectors
// and CountForSelectors. Contacts must be subscribed, match at least one
// inclusion selector, match no exclusion selector, and not be suppressed.
func (r *contactRepository) selectorQuery(ctx context.Context, orgID string, sel domain.RecipientSelectors) (sq.SelectBuilder, error) {
	builder := sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

	q := builder.Select().From("contacts c").
		Where(sq.Eq{"c.org_id": orgID}).
		Where(sq.Eq{"c.status": domain.ContactStatusSubscribed})

	var include []sq.Sqlizer
	if len(sel.Lists) > 0 {
		include = append(include, activeMembershipPredicate(sel.Lists))
	}
	if len(sel.Segments) > 0 {
		preds, err := r.segmentPredicates(ctx, orgID, sel.Segments)
		if err != nil {
			return q, err
		}
		include = append(include, preds...)
	}
	if len(include) == 0 {
		return q, domain.NewValidationError("selectors include no lists or segments", "selectors")
	}
	q = q.Where(sq.Or(include))

	if len(sel.ExcludeLists) > 0 {
		q = q.Where(notSQL{activeMembershipPredicate(sel.ExcludeLists)})
	}
	if len(sel.ExcludeSegments) > 0 {
		preds, err := r.segmentPredicates(ctx, orgID, sel.ExcludeSegments)
		if err != nil {
			return q, err
		}
		for _, pred := range preds {
			q = q.Where(notSQL{pred})
		}
	}

	q = q.Where(sq.Expr(`NOT EXISTS (
		SELECT 1 FROM feedback_events f
		WHERE f.org_id = c.org_id AND f.email = c.email
		  AND (f.type = 'complaint' OR (f.type = 'bounce' AND f.bounce_type = 'Permanent'))
	)`))

	if sel.ExcludeRecentDays > 0 {
		cutoff := time.Now().UTC().AddDate(0, 0, -sel.ExcludeRecentDays)
		q = q.Where(sq.Expr(`NOT EXISTS (
			SELECT 1 FROM email_logs e
			WHERE e.org_id = c.org_id AND e.contact_id = c.id AND e.created_at > ?
		)`, cutoff))
	}
	return q, nil
}

func (r *contactRepository) FetchForSelectors(ctx context.Context, orgID string, sel domain.RecipientSelectors, afterID string, limit int) ([]*domain.ContactRef, error) {
	q, err := r.selectorQuery(ctx, orgID, sel)
	if err != nil {
		return nil, err
	}
	q = q.Columns("c.id", "c.email", "c.first_name", "c.last_name", "c.attributes")
	if afterID != "" {
		q = q.Where(sq.Expr("c.id::text > ?", afterID))
	}
	q = q.OrderBy("c.id::text").Limit(uint64(limit))

	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build selector query: %w", err)
	}
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch recipients: %w", err)
	}
	defer rows.Close()

	var refs []*domain.ContactRef
	for rows.Next() {
		var (
			ref            domain.ContactRef
			firstName      sql.NullString
			lastName       sql.NullString
			attributesJSON []byte
		)
		if err := rows.Scan(&ref.ID, &ref.Email, &firstName, &lastName, &attributesJSON); err != nil {
			return nil, fmt.Errorf("failed to scan recipient: %w", err)
		}
		ref.FirstName = firstName.String
		ref.LastName = lastName.String
		if err := fromJSONB(attributesJSON, &ref.Attributes); err != nil {
			return nil, err
		}
		refs = append(refs, &ref)
	}
	return refs, rows.Err()
}

func (r *contactRepository) CountForSelectors(ctx context.Context, orgID string, sel domain.RecipientSelectors) (int, error) {
	q, err := r.selectorQuery(ctx, orgID, sel)
	if err != nil {
		return 0, err
	}
	query, args, err := q.Columns("COUNT(*)").ToSql()
	if err != nil {
		return 0, fmt.Errorf("failed to build count query: %w", err)
	}
	var count int
	if err := r.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count recipients: %w", err)
	}
	return count, nil
}

// activeMembershipPredicate matches contacts with an active membership in
// any of the given lists.
func activeMembershipPredicate(listIDs []string) sq.Sqlizer {
	return sq.Expr(`EXISTS (
		SELECT 1 FROM jsonb_array_elements(c.list_memberships) m
		WHERE m->>'list_id' = ANY(?) AND m->>'status' = 'active'
	)`, pq.Array(listIDs))
}

// segmentPredicates loads the given segments and compiles each into one SQL
// predicate over the contacts row.
func (r *contactRepository) segmentPredicates(ctx context.Context, orgID string, segmentIDs []string) ([]sq.Sqlizer, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, match, conditions FROM segments WHERE org_id = $1 AND id = ANY($2)`,
		orgID, pq.Array(segmentIDs))
	if err != nil {
		return nil, fmt.Errorf("failed to load segments: %w", err)
	}
	defer rows.Close()

	found := make(map[string]bool)
	var preds []sq.Sqlizer
	for rows.Next() {
		var (
			id             string
			match          domain.SegmentMatch
			conditionsJSON []byte
		)
		if err := rows.Scan(&id, &match, &conditionsJSON); err != nil {
			return nil, fmt.Errorf("failed to scan segment: %w", err)
		}
		var conditions []domain.SegmentCondition
		if err := fromJSONB(conditionsJSON, &conditions); err != nil {
			return nil, err
		}
		found[id] = true

		var parts []sq.Sqlizer
		for _, cond := range conditions {
			parts = append(parts, segmentConditionSQL(cond))
		}
		if len(parts) == 0 {
			continue
		}
		if match == domain.SegmentMatchAny {
			preds = append(preds, sq.Or(parts))
		} else {
			preds = append(preds, sq.And(parts))
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, id := range segmentIDs {
		if !found[id] {
			return nil, domain.NotFoundError("segment", id)
		}
	}
	return preds, nil
}

// contactColumnFields are segment fields served by real columns; everything
// else reads from the attributes document.
var contactColumnFields = map[string]string{
	"email":      "c.email",
	"status":     "c.status",
	"first_name": "c.first_name",
	"last_name":  "c.last_name",
}

func segmentFieldExpr(field string) string {
	if col, ok := contactColumnFields[field]; ok {
		return col
	}
	if strings.Contains(field, ".") {
		path := strings.Join(strings.Split(field, "."), ",")
		return fmt.Sprintf("c.attributes#>>'{%s}'", path)
	}
	return fmt.Sprintf("c.attributes->>'%s'", field)
}

func segmentConditionSQL(cond domain.SegmentCondition) sq.Sqlizer {
	expr := segmentFieldExpr(cond.Field)
	switch cond.Operator {
	case domain.SegmentOpEquals:
		return sq.Expr(expr+" = ?", cond.Value)
	case domain.SegmentOpNotEquals:
		return sq.Expr("("+expr+" IS NULL OR "+expr+" <> ?)", cond.Value)
	case domain.SegmentOpContains:
		return sq.Expr(expr+" ILIKE ?", "%"+cond.Value+"%")
	case domain.SegmentOpNotContains:
		return sq.Expr("("+expr+" IS NULL OR "+expr+" NOT ILIKE ?)", "%"+cond.Value+"%")
	case domain.SegmentOpGreaterThan:
		return sq.Expr("("+expr+")::numeric > ?", cond.Value)
	case domain.SegmentOpLessThan:
		return sq.Expr("("+expr+")::numeric < ?", cond.Value)
	case domain.SegmentOpIsSet:
		return sq.Expr(expr + " IS NOT NULL AND " + expr + " <> ''")
	case domain.SegmentOpIsNotSet:
		return sq.Expr("(" + expr + " IS NULL OR " + expr + " = '')")
	case domain.SegmentOpHasTag:
		tag, _ := toJSONB([]string{strings.ToLower(cond.Value)})
		return sq.Expr("c.tags @> ?", string(tag))
	case domain.SegmentOpInList:
		return activeMembershipPredicate([]string{cond.Value})
	default:
		// Validated upstream; an unknown operator matches nothing.
		return sq.Expr("FALSE")
	}
}

// notSQL negates a Sqlizer.
type notSQL struct {
	inner sq.Sqlizer
}

func (n notSQL) ToSql() (string, []interface{}, error) {
	query, args, err := n.inner.ToSql()
	if err != nil {
		return "", nil, err
	}
	return "NOT (" + query + ")", args, nil
}

func (r *contactRepository) UpdateStatus(ctx context.Context, orgID, id string, status domain.ContactStatus, reason string) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE contacts SET status = $3, unsubscribe_reason = $4, updated_at = NOW()
		WHERE org_id = $1 AND id = $2
	`, orgID, id, status, reason)
	if err != nil {
		return fmt.Errorf("failed to update contact status: %w", err)
	}
	return requireRowAffected(result, "contact", id)
}

func (r *contactRepository) MarkUnsubscribed(ctx context.Context, orgID, id, reason, campaignID string) error {
	// Flips the contact and every active list membership in one statement so
	// a concurrent dispatcher cannot observe a half-unsubscribed contact.
	result, err := r.db.ExecContext(ctx, `
		UPDATE contacts SET
			status = 'unsubscribed',
			unsubscribe_reason = $3,
			unsubscribed_via = $4,
			list_memberships = (
				SELECT COALESCE(jsonb_agg(
					CASE WHEN m->>'status' = 'active'
						THEN jsonb_set(m, '{status}', '"unsubscribed"')
						ELSE m
					END
				), '[]'::jsonb)
				FROM jsonb_array_elements(list_memberships) m
			),
			updated_at = NOW()
		WHERE org_id = $1 AND id = $2
	`, orgID, id, reason, campaignID)
	if err != nil {
		return fmt.Errorf("failed to mark contact unsubscribed: %w", err)
	}
	return requireRowAffected(result, "contact", id)
}

func (r *contactRepository) ApplyEngagement(ctx context.Context, orgID, id string, delta domain.EngagementDelta) error {
	// Counters, score and level move in one statement; the score formula here
	// must stay in sync with ComputeEngagementScore.
	query := `
		UPDATE contacts SET
			engagement = (
				WITH counters AS (
					SELECT
						COALESCE((engagement->>'emails_received')::int, 0) + $3 AS received,
						COALESCE((engagement->>'emails_opened')::int, 0) + $4 AS opened,
						COALESCE((engagement->>'emails_clicked')::int, 0) + $5 AS clicked
				)
				SELECT engagement
					|| jsonb_build_object(
						'emails_received', received,
						'emails_opened', opened,
						'emails_clicked', clicked,
						'score', score,
						'level', CASE
							WHEN received = 0 THEN 'new'
							WHEN score < 20 THEN 'cold'
							WHEN score < 40 THEN 'cooling'
							WHEN score < 70 THEN 'warm'
							ELSE 'hot'
						END)
					|| CASE WHEN $6::timestamp IS NULL THEN '{}'::jsonb
						ELSE jsonb_build_object('last_opened_at', $6::timestamp) END
					|| CASE WHEN $7::timestamp IS NULL THEN '{}'::jsonb
						ELSE jsonb_build_object('last_clicked_at', $7::timestamp) END
				FROM (
					SELECT received, opened, clicked,
						LEAST(100, ROUND(
							CASE WHEN received = 0 THEN 0
							ELSE opened::float / received * 40 + clicked::float / received * 80 END
						))::int AS score
					FROM counters
				) scored
			),
			updated_at = NOW()
		WHERE org_id = $1 AND id = $2
	`
	result, err := r.db.ExecContext(ctx, query, orgID, id,
		delta.ReceivedDelta, delta.OpenedDelta, delta.ClickedDelta,
		delta.OpenedAt, delta.ClickedAt)
	if err != nil {
		return fmt.Errorf("failed to apply engagement delta: %w", err)
	}
	return requireRowAffected(result, "contact", id)
}

func (r *contactRepository) RecordBounce(ctx context.Context, orgID, id string, bounceType domain.BounceType, reason string, at time.Time) error {
	status := domain.ContactStatusSubscribed
	if bounceType == domain.BounceHard {
		status = domain.ContactStatusBounced
	}
	query := `
		UPDATE contacts SET
			status = CASE WHEN $3 = 'hard' THEN $4 ELSE status END,
			deliverability = deliverability
				|| jsonb_build_object(
					'bounce_count', COALESCE((deliverability->>'bounce_count')::int, 0) + 1,
					'last_bounce_type', $3::text,
					'last_bounce_at', $5::timestamp),
			unsubscribe_reason = CASE WHEN $3 = 'hard' THEN $6 ELSE unsubscribe_reason END,
			updated_at = NOW()
		WHERE org_id = $1 AND id = $2
	`
	result, err := r.db.ExecContext(ctx, query, orgID, id, string(bounceType), status, at, reason)
	if err != nil {
		return fmt.Errorf("failed to record bounce: %w", err)
	}
	return requireRowAffected(result, "contact", id)
}

func (r *contactRepository) RecordComplaint(ctx context.Context, orgID, id string, at time.Time) error {
	query := `
		UPDATE contacts SET
			status = $3,
			deliverability = deliverability
				|| jsonb_build_object(
					'complaint_count', COALESCE((deliverability->>'complaint_count')::int, 0) + 1),
			updated_at = NOW()
		WHERE org_id = $1 AND id = $2
	`
	result, err := r.db.ExecContext(ctx, query, orgID, id, domain.ContactStatusComplained)
	if err != nil {
		return fmt.Errorf("failed to record complaint: %w", err)
	}
	return requireRowAffected(result, "contact", id)
}

func (r *contactRepository) AddTag(ctx context.Context, orgID, id, tag string) error {
	tagJSON, err := toJSONB([]string{strings.ToLower(tag)})
	if err != nil {
		return err
	}
	result, err := r.db.ExecContext(ctx, `
		UPDATE contacts SET
			tags = CASE WHEN tags @> $3::jsonb THEN tags ELSE tags || $3::jsonb END,
			updated_at = NOW()
		WHERE org_id = $1 AND id = $2
	`, orgID, id, string(tagJSON))
	if err != nil {
		return fmt.Errorf("failed to add tag: %w", err)
	}
	return requireRowAffected(result, "contact", id)
}

func (r *contactRepository) RemoveTag(ctx context.Context, orgID, id, tag string) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE contacts SET
			tags = (
				SELECT COALESCE(jsonb_agg(t), '[]'::jsonb)
				FROM jsonb_array_elements_text(tags) t
				WHERE t <> $3
			),
			updated_at = NOW()
		WHERE org_id = $1 AND id = $2
	`, orgID, id, strings.ToLower(tag))
	if err != nil {
		return fmt.Errorf("failed to remove tag: %w", err)
	}
	return requireRowAffected(result, "contact", id)
}

func (r *contactRepository) SetListMembership(ctx context.Context, orgID, id, listID string, status domain.ListMembershipStatus) error {
	membership, err := toJSONB(domain.ListMembership{
		ListID:  listID,
		Status:  status,
		AddedAt: time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	// Drop any previous entry for this list, then append the new one.
	result, err := r.db.ExecContext(ctx, `
		UPDATE contacts SET
			list_memberships = (
				SELECT COALESCE(jsonb_agg(m), '[]'::jsonb)
				FROM jsonb_array_elements(list_memberships) m
				WHERE m->>'list_id' <> $3
			) || $4::jsonb,
			updated_at = NOW()
		WHERE org_id = $1 AND id = $2
	`, orgID, id, listID, "["+string(membership)+"]")
	if err != nil {
		return fmt.Errorf("failed to set list membership: %w", err)
	}
	return requireRowAffected(result, "contact", id)
}

func (r *contactRepository) SetAttribute(ctx context.Context, orgID, id, field string, value interface{}) error {
	valueJSON, err := toJSONB(value)
	if err != nil {
		return err
	}
	result, err := r.db.ExecContext(ctx, `
		UPDATE contacts SET
			attributes = jsonb_set(attributes, ARRAY[$3], $4::jsonb, true),
			updated_at = NOW()
		WHERE org_id = $1 AND id = $2
	`, orgID, id, field, string(valueJSON))
	if err != nil {
		return fmt.Errorf("failed to set attribute: %w", err)
	}
	return requireRowAffected(result, "contact", id)
}

// requireRowAffected converts zero-row writes into not-found errors.
func requireRowAffected(result sql.Result, entity, id string) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if affected == 0 {
		return domain.NotFoundError(entity, id)
	}
	return nil
}
