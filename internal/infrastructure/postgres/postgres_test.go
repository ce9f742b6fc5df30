package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-notify-escalation/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMock(t *testing.T) (*NotificationRepo, *SubscriptionRepo, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewNotificationRepo(db), NewSubscriptionRepo(db), mock
}

func cohort(n int) []domain.Notification {
	now := time.Now().UTC()
	due := now.Add(12 * time.Hour)
	out := make([]domain.Notification, n)
	for i := range out {
		out[i] = domain.Notification{
			NotificationID: fmt.Sprintf("n%02d", i),
			UserID:         fmt.Sprintf("u%02d", i),
			Title:          "Interview tomorrow",
			Body:           "Bring your CV",
			Channel:        domain.ChannelBoth,
			Priority:       domain.PriorityHigh,
			SMSScheduledAt: &due,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
	}
	return out
}

func TestCreateBatch_CommitsAllRows(t *testing.T) {
	repo, _, mock := newMock(t)

	mock.ExpectBegin()
	prep := mock.ExpectPrepare(regexp.QuoteMeta("INSERT INTO notifications"))
	for i := 0; i < 3; i++ {
		prep.ExpectExec().WillReturnResult(sqlmock.NewResult(0, 1))
	}
	mock.ExpectCommit()

	require.NoError(t, repo.CreateBatch(context.Background(), cohort(3)))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateBatch_FailureMidBatch_RollsBackEverything(t *testing.T) {
	repo, _, mock := newMock(t)

	mock.ExpectBegin()
	prep := mock.ExpectPrepare(regexp.QuoteMeta("INSERT INTO notifications"))
	for i := 0; i < 24; i++ {
		prep.ExpectExec().WillReturnResult(sqlmock.NewResult(0, 1))
	}
	prep.ExpectExec().WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	err := repo.CreateBatch(context.Background(), cohort(50))
	require.Error(t, err)
	assert.ErrorContains(t, err, "insert notification 25 of 50")
	// No commit was issued, so none of the 50 rows persist.
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkPushDelivered_FirstWriterWins(t *testing.T) {
	repo, _, mock := newMock(t)
	q := regexp.QuoteMeta("UPDATE notifications SET push_delivered_at")

	mock.ExpectExec(q).WithArgs("n1", sqlmock.AnyArg()).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(q).WithArgs("n1", sqlmock.AnyArg()).WillReturnResult(sqlmock.NewResult(0, 0))

	first, err := repo.MarkPushDelivered(context.Background(), "n1", time.Now())
	require.NoError(t, err)
	assert.True(t, first)

	second, err := repo.MarkPushDelivered(context.Background(), "n1", time.Now())
	require.NoError(t, err)
	assert.False(t, second)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimEscalation_HeldLease_ReturnsFalse(t *testing.T) {
	repo, _, mock := newMock(t)
	mock.ExpectExec(regexp.QuoteMeta("UPDATE notifications SET sms_claimed_at")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	now := time.Now()
	ok, err := repo.ClaimEscalation(context.Background(), "n1", now, now.Add(-time.Hour))
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCompleteEscalation_OnlyWhenUnsent(t *testing.T) {
	repo, _, mock := newMock(t)
	mock.ExpectExec(regexp.QuoteMeta("WHERE notification_id = $1 AND sms_sent_at IS NULL")).
		WithArgs("n1", sqlmock.AnyArg(), "msg-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := repo.CompleteEscalation(context.Background(), "n1", time.Now(), "msg-1")
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimEscalation_SkipsHeldRows(t *testing.T) {
	repo, _, mock := newMock(t)
	mock.ExpectExec(regexp.QuoteMeta("AND sms_message_id = '' AND (sms_claimed_at IS NULL OR sms_claimed_at <= $3)")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	now := time.Now()
	ok, err := repo.ClaimEscalation(context.Background(), "n1", now, now)
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestHoldEscalation_RecordsMessageID(t *testing.T) {
	repo, _, mock := newMock(t)
	mock.ExpectExec(regexp.QuoteMeta("UPDATE notifications SET sms_message_id = $2, sms_last_error = $3")).
		WithArgs("n1", "msg-1", "sms sent but not recorded: timeout", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.HoldEscalation(context.Background(), "n1", "msg-1", "sms sent but not recorded: timeout", time.Now())
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGet_NotFound(t *testing.T) {
	repo, _, mock := newMock(t)
	mock.ExpectQuery(regexp.QuoteMeta("FROM notifications WHERE notification_id = $1")).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"notification_id"}))

	_, err := repo.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestListDueForEscalation_ScansNullableColumns(t *testing.T) {
	repo, _, mock := newMock(t)
	now := time.Now().UTC()
	scheduled := now.Add(-time.Hour)

	cols := []string{"notification_id", "user_id", "title", "body", "channel", "priority", "target_url", "read",
		"read_at", "opened_at", "push_delivered_at", "sms_scheduled_at", "sms_sent_at", "sms_message_id",
		"sms_claimed_at", "sms_attempts", "sms_last_error", "sms_abandoned_at", "created_at", "updated_at"}
	rows := sqlmock.NewRows(cols).AddRow(
		"n1", "u1", "Title", "Body", "both", "normal", "", false,
		nil, nil, now, scheduled, nil, "",
		nil, 2, "timeout", nil, now.Add(-13*time.Hour), now,
	)
	mock.ExpectQuery(regexp.QuoteMeta("sms_scheduled_at <= $1")).
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(rows)

	due, err := repo.ListDueForEscalation(context.Background(), now, 100)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, domain.ChannelBoth, due[0].Channel)
	assert.Nil(t, due[0].SMSSentAt)
	require.NotNil(t, due[0].PushDeliveredAt)
	require.NotNil(t, due[0].SMSScheduledAt)
	assert.True(t, scheduled.Equal(*due[0].SMSScheduledAt))
	assert.Equal(t, 2, due[0].SMSAttempts)
	assert.Equal(t, "timeout", due[0].SMSLastError)
}

func TestStats_Global(t *testing.T) {
	repo, _, mock := newMock(t)
	mock.ExpectQuery(regexp.QuoteMeta("FROM notifications WHERE ($1 = '' OR user_id = $1)")).
		WithArgs("").
		WillReturnRows(sqlmock.NewRows([]string{"a", "b", "c", "d", "e", "f", "g"}).AddRow(10, 4, 3, 6, 2, 3, 1))

	s, err := repo.Stats(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, domain.DeliveryStats{Total: 10, Read: 4, Opened: 3, PushDelivered: 6, SMSPending: 2, SMSSent: 3, SMSAbandoned: 1}, s)
}

func TestDeleteAllForUser_ReturnsCount(t *testing.T) {
	_, subs, mock := newMock(t)
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM push_subscriptions WHERE user_id = $1")).
		WithArgs("u1").
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := subs.DeleteAllForUser(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestDeactivateForUser_NotOwned(t *testing.T) {
	_, subs, mock := newMock(t)
	mock.ExpectExec(regexp.QuoteMeta("UPDATE push_subscriptions SET active = FALSE")).
		WithArgs("https://push.example.com/x", "u2").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := subs.DeactivateForUser(context.Background(), "u2", "https://push.example.com/x")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestUpsert_ReturnsStoredRow(t *testing.T) {
	_, subs, mock := newMock(t)
	created := time.Now().Add(-24 * time.Hour).UTC()
	mock.ExpectQuery(regexp.QuoteMeta("ON CONFLICT (endpoint) DO UPDATE")).
		WillReturnRows(sqlmock.NewRows([]string{"subscription_id", "active", "created_at", "updated_at"}).
			AddRow("abc", true, created, time.Now().UTC()))

	sub := &domain.PushSubscription{UserID: "u1", Endpoint: "https://push.example.com/x", P256dh: "p", Auth: "a"}
	require.NoError(t, subs.Upsert(context.Background(), sub))
	assert.Equal(t, "abc", sub.SubscriptionID)
	assert.True(t, sub.Active)
	assert.Equal(t, created, sub.CreatedAt)
}
