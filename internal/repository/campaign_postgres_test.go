package repository

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailfold/mailfold/internal/domain"
)

func newMockDB(t *testing.T) (sqlmock.Sqlmock, domain.CampaignRepository) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return mock, NewCampaignRepository(db)
}

func TestTransitionStatusApplies(t *testing.T) {
	mock, repo := newMockDB(t)

	mock.ExpectExec(`UPDATE campaigns SET status = \$3`).
		WithArgs("org1", "c1", string(domain.CampaignStatusQueued), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	applied, err := repo.TransitionStatus(context.Background(), "org1", "c1",
		[]domain.CampaignStatus{domain.CampaignStatusDraft, domain.CampaignStatusScheduled},
		domain.CampaignStatusQueued)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTransitionStatusLosesRace(t *testing.T) {
	mock, repo := newMockDB(t)

	// Another sweeper already moved the campaign; zero rows match.
	mock.ExpectExec(`UPDATE campaigns SET status = \$3`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	applied, err := repo.TransitionStatus(context.Background(), "org1", "c1",
		[]domain.CampaignStatus{domain.CampaignStatusScheduled}, domain.CampaignStatusQueued)
	require.NoError(t, err)
	assert.False(t, applied, "losing the CAS race is not an error")
}

func TestGetStatus(t *testing.T) {
	mock, repo := newMockDB(t)

	mock.ExpectQuery(`SELECT status FROM campaigns`).
		WithArgs("org1", "c1").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("sending"))

	status, err := repo.GetStatus(context.Background(), "org1", "c1")
	require.NoError(t, err)
	assert.Equal(t, domain.CampaignStatusSending, status)
}

func TestGetStatusNotFound(t *testing.T) {
	mock, repo := newMockDB(t)

	mock.ExpectQuery(`SELECT status FROM campaigns`).
		WillReturnRows(sqlmock.NewRows([]string{"status"}))

	_, err := repo.GetStatus(context.Background(), "org1", "missing")
	assert.True(t, domain.IsNotFound(err))
}

func TestUpdateProgressLeavesFailedAlone(t *testing.T) {
	mock, repo := newMockDB(t)

	// The dispatcher writes absolute processed/percentage values while the
	// send worker increments progress.failed relatively; a flush that also
	// wrote failed would wipe failures settled mid-dispatch.
	mock.ExpectExec(`progress \|\| jsonb_build_object\(\s*'processed', \$3::int, 'percentage', \$4::int\)`).
		WithArgs("org1", "c1", 40, 40).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.UpdateProgress(context.Background(), "org1", "c1", 40, 40)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIncrementCountersSkipsZeroDeltas(t *testing.T) {
	_, repo := newMockDB(t)

	// No statement expected: a zero delta set must not touch the database.
	err := repo.IncrementCounters(context.Background(), "org1", "c1", domain.CounterDeltas{})
	assert.NoError(t, err)
}

func TestIncrementCountersSingleStatement(t *testing.T) {
	mock, repo := newMockDB(t)

	mock.ExpectExec(`UPDATE campaigns SET\s+analytics =`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.IncrementCounters(context.Background(), "org1", "c1", domain.CounterDeltas{
		Sent:      1,
		Processed: 1,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
