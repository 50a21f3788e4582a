package repository

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailfold/mailfold/internal/domain"
)

func newEmailLogMock(t *testing.T) (sqlmock.Sqlmock, domain.EmailLogRepository) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return mock, NewEmailLogRepository(db)
}

func TestEmailLogCreateInserts(t *testing.T) {
	mock, repo := newEmailLogMock(t)

	mock.ExpectExec(`INSERT INTO email_logs`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	created, err := repo.Create(context.Background(), &domain.EmailLog{
		ID:         "l1",
		OrgID:      "org1",
		TrackingID: "a1b2c3",
		Source:     domain.EmailLogSourceCampaign,
		CampaignID: "c1",
		ContactID:  "ct1",
		Email:      "a@b.co",
		Status:     domain.EmailLogQueued,
	})
	require.NoError(t, err)
	assert.True(t, created)
}

func TestEmailLogCreateDuplicateCampaignContact(t *testing.T) {
	mock, repo := newEmailLogMock(t)

	// ON CONFLICT DO NOTHING inserts zero rows for the duplicate.
	mock.ExpectExec(`INSERT INTO email_logs`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	created, err := repo.Create(context.Background(), &domain.EmailLog{
		ID:         "l2",
		OrgID:      "org1",
		TrackingID: "d4e5f6",
		Source:     domain.EmailLogSourceCampaign,
		CampaignID: "c1",
		ContactID:  "ct1",
		Email:      "a@b.co",
		Status:     domain.EmailLogQueued,
	})
	require.NoError(t, err)
	assert.False(t, created, "duplicate (campaign, contact) must report created=false")
}

func TestAdvanceStatusGuardsAgainstRegression(t *testing.T) {
	mock, repo := newEmailLogMock(t)

	// The WHERE clause only matches rows ranked strictly below the target;
	// a bounced row stays bounced when a late delivery arrives.
	mock.ExpectExec(`UPDATE email_logs SET status = \$2`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.AdvanceStatus(context.Background(), "a1b2c3", domain.EmailLogDelivered, time.Now())
	assert.NoError(t, err, "discarded regressions are not errors")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordOpenFirstOpen(t *testing.T) {
	mock, repo := newEmailLogMock(t)

	at := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`UPDATE email_logs SET\s+open_count = open_count \+ 1`).
		WillReturnRows(sqlmock.NewRows([]string{"first_opened_at", "last_opened_at"}).
			AddRow(at, at))

	result, err := repo.RecordOpen(context.Background(), "a1b2c3", at)
	require.NoError(t, err)
	assert.True(t, result.Applied)
	assert.True(t, result.FirstOpen)
}

func TestRecordOpenRepeatOpen(t *testing.T) {
	mock, repo := newEmailLogMock(t)

	first := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	second := first.Add(time.Hour)
	mock.ExpectQuery(`UPDATE email_logs SET\s+open_count = open_count \+ 1`).
		WillReturnRows(sqlmock.NewRows([]string{"first_opened_at", "last_opened_at"}).
			AddRow(first, second))

	result, err := repo.RecordOpen(context.Background(), "a1b2c3", second)
	require.NoError(t, err)
	assert.True(t, result.Applied)
	assert.False(t, result.FirstOpen)
}

func TestRecordOpenUnknownTrackingID(t *testing.T) {
	mock, repo := newEmailLogMock(t)

	mock.ExpectQuery(`UPDATE email_logs SET\s+open_count = open_count \+ 1`).
		WillReturnRows(sqlmock.NewRows([]string{"first_opened_at", "last_opened_at"}))

	result, err := repo.RecordOpen(context.Background(), "missing", time.Now())
	require.NoError(t, err)
	assert.False(t, result.Applied, "unknown tracking ids are swallowed")
}
