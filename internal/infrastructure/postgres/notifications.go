package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-notify-escalation/internal/domain"
)

const notificationColumns = `notification_id, user_id, title, body, channel, priority, target_url, read,
	read_at, opened_at, push_delivered_at, sms_scheduled_at, sms_sent_at, sms_message_id,
	sms_claimed_at, sms_attempts, sms_last_error, sms_abandoned_at, created_at, updated_at`

const insertNotificationSQL = `INSERT INTO notifications (` + notificationColumns + `)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)`

// NotificationRepo stores notifications in Postgres.
type NotificationRepo struct {
	db *sql.DB
}

func NewNotificationRepo(db *sql.DB) *NotificationRepo {
	return &NotificationRepo{db: db}
}

// CreateBatch inserts every notification in one transaction.
func (r *NotificationRepo) CreateBatch(ctx context.Context, ns []domain.Notification) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, insertNotificationSQL)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for i := range ns {
		n := &ns[i]
		if _, err := stmt.ExecContext(ctx,
			n.NotificationID, n.UserID, n.Title, n.Body, string(n.Channel), string(n.Priority), n.TargetURL, n.Read,
			n.ReadAt, n.OpenedAt, n.PushDeliveredAt, n.SMSScheduledAt, n.SMSSentAt, n.SMSMessageID,
			n.SMSClaimedAt, n.SMSAttempts, n.SMSLastError, n.SMSAbandonedAt, n.CreatedAt, n.UpdatedAt,
		); err != nil {
			return fmt.Errorf("insert notification %d of %d: %w", i+1, len(ns), err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit notifications: %w", err)
	}
	return nil
}

func (r *NotificationRepo) Get(ctx context.Context, notificationID string) (*domain.Notification, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+notificationColumns+` FROM notifications WHERE notification_id = $1`, notificationID)
	n, err := scanNotification(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("notification not found: %w", domain.ErrNotFound)
	}
	return n, err
}

// MarkPushDelivered sets push_delivered_at only if it is still NULL.
func (r *NotificationRepo) MarkPushDelivered(ctx context.Context, notificationID string, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE notifications SET push_delivered_at = $2, updated_at = $2
		 WHERE notification_id = $1 AND push_delivered_at IS NULL`, notificationID, at)
	if err != nil {
		return false, err
	}
	return affected(res)
}

// MarkOpened records a device-reported open. Opening implies read and delivered.
func (r *NotificationRepo) MarkOpened(ctx context.Context, notificationID string, at time.Time) error {
	return r.markRead(ctx,
		`UPDATE notifications SET read = TRUE, read_at = COALESCE(read_at, $2), opened_at = COALESCE(opened_at, $2),
		 push_delivered_at = COALESCE(push_delivered_at, $2), updated_at = $2
		 WHERE notification_id = $1`, notificationID, at)
}

func (r *NotificationRepo) MarkRead(ctx context.Context, notificationID string, at time.Time) error {
	return r.markRead(ctx,
		`UPDATE notifications SET read = TRUE, read_at = COALESCE(read_at, $2), updated_at = $2
		 WHERE notification_id = $1`, notificationID, at)
}

func (r *NotificationRepo) markRead(ctx context.Context, query, notificationID string, at time.Time) error {
	res, err := r.db.ExecContext(ctx, query, notificationID, at)
	if err != nil {
		return err
	}
	ok, err := affected(res)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("notification not found: %w", domain.ErrNotFound)
	}
	return nil
}

// ListForUser returns the user's notifications, newest first. limit 0 means no limit.
func (r *NotificationRepo) ListForUser(ctx context.Context, userID string, unreadOnly bool, limit int) ([]domain.Notification, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+notificationColumns+` FROM notifications
		 WHERE user_id = $1 AND ($2 = FALSE OR read = FALSE)
		 ORDER BY created_at DESC LIMIT NULLIF($3, 0)`, userID, unreadOnly, limit)
	if err != nil {
		return nil, err
	}
	return collectNotifications(rows)
}

// Stats counts notifications for one user, or for everyone when userID is empty.
func (r *NotificationRepo) Stats(ctx context.Context, userID string) (domain.DeliveryStats, error) {
	var s domain.DeliveryStats
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*),
		        COUNT(*) FILTER (WHERE read),
		        COUNT(*) FILTER (WHERE opened_at IS NOT NULL),
		        COUNT(*) FILTER (WHERE push_delivered_at IS NOT NULL),
		        COUNT(*) FILTER (WHERE sms_sent_at IS NULL AND sms_message_id = '' AND sms_abandoned_at IS NULL AND channel IN ('sms', 'both') AND NOT read),
		        COUNT(*) FILTER (WHERE sms_sent_at IS NOT NULL OR sms_message_id <> ''),
		        COUNT(*) FILTER (WHERE sms_sent_at IS NULL AND sms_message_id = '' AND sms_abandoned_at IS NOT NULL)
		 FROM notifications WHERE ($1 = '' OR user_id = $1)`, userID,
	).Scan(&s.Total, &s.Read, &s.Opened, &s.PushDelivered, &s.SMSPending, &s.SMSSent, &s.SMSAbandoned)
	return s, err
}

// ListDueForEscalation returns unread, unsent rows whose SMS time has passed, oldest first.
func (r *NotificationRepo) ListDueForEscalation(ctx context.Context, now time.Time, limit int) ([]domain.Notification, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+notificationColumns+` FROM notifications
		 WHERE channel IN ('sms', 'both') AND sms_sent_at IS NULL AND read = FALSE
		   AND sms_abandoned_at IS NULL AND sms_message_id = '' AND sms_scheduled_at <= $1
		 ORDER BY sms_scheduled_at LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	return collectNotifications(rows)
}

// ClaimEscalation takes the SMS lease unless the row was sent, read, abandoned,
// held after an unrecorded send or leased more recently than staleBefore.
func (r *NotificationRepo) ClaimEscalation(ctx context.Context, notificationID string, now, staleBefore time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE notifications SET sms_claimed_at = $2, updated_at = $2
		 WHERE notification_id = $1 AND sms_sent_at IS NULL AND sms_abandoned_at IS NULL AND read = FALSE
		   AND sms_message_id = '' AND (sms_claimed_at IS NULL OR sms_claimed_at <= $3)`, notificationID, now, staleBefore)
	if err != nil {
		return false, err
	}
	return affected(res)
}

// CompleteEscalation sets sms_sent_at iff it is still NULL.
func (r *NotificationRepo) CompleteEscalation(ctx context.Context, notificationID string, sentAt time.Time, messageID string) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE notifications SET sms_sent_at = $2, sms_message_id = $3, sms_attempts = sms_attempts + 1,
		 sms_claimed_at = NULL, sms_last_error = '', updated_at = $2
		 WHERE notification_id = $1 AND sms_sent_at IS NULL`, notificationID, sentAt, messageID)
	if err != nil {
		return false, err
	}
	return affected(res)
}

// ReleaseEscalation drops the lease after a failed send and counts the attempt.
func (r *NotificationRepo) ReleaseEscalation(ctx context.Context, notificationID, reason string, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE notifications SET sms_last_error = $2, sms_attempts = sms_attempts + 1,
		 sms_claimed_at = NULL, updated_at = $3
		 WHERE notification_id = $1 AND sms_sent_at IS NULL`, notificationID, reason, at)
	return err
}

// AbandonEscalation gives up on SMS for the row.
func (r *NotificationRepo) AbandonEscalation(ctx context.Context, notificationID, reason string, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE notifications SET sms_abandoned_at = $3, sms_last_error = $2, sms_claimed_at = NULL, updated_at = $3
		 WHERE notification_id = $1 AND sms_sent_at IS NULL`, notificationID, reason, at)
	return err
}

// HoldEscalation keeps the provider message id of a send that could not be
// recorded. The non-empty sms_message_id stops any further claim.
func (r *NotificationRepo) HoldEscalation(ctx context.Context, notificationID, messageID, reason string, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE notifications SET sms_message_id = $2, sms_last_error = $3, sms_attempts = sms_attempts + 1,
		 sms_claimed_at = NULL, updated_at = $4
		 WHERE notification_id = $1 AND sms_sent_at IS NULL`, notificationID, messageID, reason, at)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNotification(row rowScanner) (*domain.Notification, error) {
	var n domain.Notification
	var channel, priority string
	var readAt, openedAt, deliveredAt, scheduledAt, sentAt, claimedAt, abandonedAt sql.NullTime
	if err := row.Scan(
		&n.NotificationID, &n.UserID, &n.Title, &n.Body, &channel, &priority, &n.TargetURL, &n.Read,
		&readAt, &openedAt, &deliveredAt, &scheduledAt, &sentAt, &n.SMSMessageID,
		&claimedAt, &n.SMSAttempts, &n.SMSLastError, &abandonedAt, &n.CreatedAt, &n.UpdatedAt,
	); err != nil {
		return nil, err
	}
	n.Channel = domain.Channel(channel)
	n.Priority = domain.Priority(priority)
	n.ReadAt = nullTime(readAt)
	n.OpenedAt = nullTime(openedAt)
	n.PushDeliveredAt = nullTime(deliveredAt)
	n.SMSScheduledAt = nullTime(scheduledAt)
	n.SMSSentAt = nullTime(sentAt)
	n.SMSClaimedAt = nullTime(claimedAt)
	n.SMSAbandonedAt = nullTime(abandonedAt)
	return &n, nil
}

func collectNotifications(rows *sql.Rows) ([]domain.Notification, error) {
	defer rows.Close()
	var out []domain.Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *n)
	}
	return out, rows.Err()
}
