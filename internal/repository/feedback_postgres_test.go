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

func newFeedbackMock(t *testing.T) (sqlmock.Sqlmock, domain.FeedbackRepository) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return mock, NewFeedbackRepository(db)
}

func TestFeedbackInsertFirstTime(t *testing.T) {
	mock, repo := newFeedbackMock(t)

	mock.ExpectExec(`INSERT INTO feedback_events`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	inserted, err := repo.Insert(context.Background(), &domain.FeedbackLog{
		ID:         "f1",
		OrgID:      "org1",
		FeedbackID: "fb-123",
		Type:       domain.FeedbackBounce,
		Email:      "A@B.CO",
		Timestamp:  time.Now().UTC(),
		CreatedAt:  time.Now().UTC(),
	})
	require.NoError(t, err)
	assert.True(t, inserted)
}

func TestFeedbackInsertReplay(t *testing.T) {
	mock, repo := newFeedbackMock(t)

	// Same (feedback_id, type): the unique index swallows the insert and the
	// reducer must skip the event.
	mock.ExpectExec(`INSERT INTO feedback_events`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	inserted, err := repo.Insert(context.Background(), &domain.FeedbackLog{
		ID:         "f2",
		OrgID:      "org1",
		FeedbackID: "fb-123",
		Type:       domain.FeedbackBounce,
		Email:      "a@b.co",
		Timestamp:  time.Now().UTC(),
		CreatedAt:  time.Now().UTC(),
	})
	require.NoError(t, err)
	assert.False(t, inserted)
}

func TestIsSuppressed(t *testing.T) {
	mock, repo := newFeedbackMock(t)

	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs("org1", "bounced@b.co").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	suppressed, err := repo.IsSuppressed(context.Background(), "org1", "Bounced@B.co")
	require.NoError(t, err)
	assert.True(t, suppressed)
}

func TestSuppressedAmongEmptyInput(t *testing.T) {
	_, repo := newFeedbackMock(t)

	suppressed, err := repo.SuppressedAmong(context.Background(), "org1", nil)
	require.NoError(t, err)
	assert.Empty(t, suppressed)
}
