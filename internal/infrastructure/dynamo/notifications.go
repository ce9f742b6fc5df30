package dynamo

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/go-notify-escalation/internal/domain"
)

// transactLimit is the maximum number of items in one TransactWriteItems call.
const transactLimit = 100

// NotificationRepo provides typed DynamoDB operations for the notifications table.
type NotificationRepo struct {
	client    API
	tableName string
}

func NewNotificationRepo(client API, tableName string) *NotificationRepo {
	return &NotificationRepo{client: client, tableName: tableName}
}

// notificationItem adds the sparse escalation index keys to the stored row.
type notificationItem struct {
	domain.Notification
	EscalationShard string `dynamodbav:"escalation_shard,omitempty"`
	EscalationDue   int64  `dynamodbav:"escalation_due,omitempty"`
}

func toItem(n *domain.Notification) notificationItem {
	it := notificationItem{Notification: *n}
	if n.Channel.AllowsSMS() && n.SMSScheduledAt != nil && !n.Read && n.SMSSentAt == nil && n.SMSAbandonedAt == nil &&
		n.SMSMessageID == "" {
		it.EscalationShard = escalationPending
		it.EscalationDue = n.SMSScheduledAt.Unix()
	}
	return it
}

// CreateBatch writes every notification or none. Batches larger than one
// transaction are written chunk by chunk and earlier chunks are deleted if a
// later one fails.
func (r *NotificationRepo) CreateBatch(ctx context.Context, ns []domain.Notification) error {
	written := make([]string, 0, len(ns))
	for _, part := range chunk(ns, transactLimit) {
		items := make([]types.TransactWriteItem, 0, len(part))
		for i := range part {
			av, err := attributevalue.MarshalMap(toItem(&part[i]))
			if err != nil {
				return errors.Join(fmt.Errorf("marshal notification: %w", err), r.deleteAll(ctx, written))
			}
			items = append(items, types.TransactWriteItem{Put: &types.Put{
				TableName:           aws.String(r.tableName),
				Item:                av,
				ConditionExpression: aws.String("attribute_not_exists(notification_id)"),
			}})
		}
		if _, err := r.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items}); err != nil {
			return errors.Join(fmt.Errorf("write notifications: %w", err), r.deleteAll(ctx, written))
		}
		for i := range part {
			written = append(written, part[i].NotificationID)
		}
	}
	return nil
}

// deleteAll removes rows written by an aborted CreateBatch. It ignores caller
// cancellation so a cancelled request does not leave a half batch behind.
func (r *NotificationRepo) deleteAll(ctx context.Context, ids []string) error {
	ctx = context.WithoutCancel(ctx)
	var errs []error
	for _, part := range chunk(ids, transactLimit) {
		items := make([]types.TransactWriteItem, 0, len(part))
		for _, id := range part {
			items = append(items, types.TransactWriteItem{Delete: &types.Delete{
				TableName: aws.String(r.tableName),
				Key:       strKey("notification_id", id),
			}})
		}
		if _, err := r.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items}); err != nil {
			errs = append(errs, fmt.Errorf("compensate notifications: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (r *NotificationRepo) Get(ctx context.Context, notificationID string) (*domain.Notification, error) {
	out, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(r.tableName),
		Key:            strKey("notification_id", notificationID),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, err
	}
	if out.Item == nil {
		return nil, fmt.Errorf("notification not found: %w", domain.ErrNotFound)
	}
	var n domain.Notification
	if err := attributevalue.UnmarshalMap(out.Item, &n); err != nil {
		return nil, err
	}
	return &n, nil
}

// MarkPushDelivered sets push_delivered_at only if it is still unset.
// It reports whether this call was the one that set it.
func (r *NotificationRepo) MarkPushDelivered(ctx context.Context, notificationID string, at time.Time) (bool, error) {
	_, err := r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(r.tableName),
		Key:                 strKey("notification_id", notificationID),
		UpdateExpression:    aws.String("SET push_delivered_at = :t, updated_at = :t"),
		ConditionExpression: aws.String("attribute_exists(notification_id) AND attribute_not_exists(push_delivered_at)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":t": tsValue(at),
		},
	})
	if isConditionFailed(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// MarkOpened records a device-reported open. Opening implies read and delivered.
func (r *NotificationRepo) MarkOpened(ctx context.Context, notificationID string, at time.Time) error {
	return r.markRead(ctx, notificationID, at,
		"SET #rd = :true, read_at = if_not_exists(read_at, :t), opened_at = if_not_exists(opened_at, :t), "+
			"push_delivered_at = if_not_exists(push_delivered_at, :t), updated_at = :t "+
			"REMOVE escalation_shard, escalation_due")
}

// MarkRead flags the notification as read and drops it from the escalation index.
func (r *NotificationRepo) MarkRead(ctx context.Context, notificationID string, at time.Time) error {
	return r.markRead(ctx, notificationID, at,
		"SET #rd = :true, read_at = if_not_exists(read_at, :t), updated_at = :t "+
			"REMOVE escalation_shard, escalation_due")
}

func (r *NotificationRepo) markRead(ctx context.Context, notificationID string, at time.Time, expr string) error {
	_, err := r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                aws.String(r.tableName),
		Key:                      strKey("notification_id", notificationID),
		UpdateExpression:         aws.String(expr),
		ConditionExpression:      aws.String("attribute_exists(notification_id)"),
		ExpressionAttributeNames: map[string]string{"#rd": "read"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":true": &types.AttributeValueMemberBOOL{Value: true},
			":t":    tsValue(at),
		},
	})
	if isConditionFailed(err) {
		return fmt.Errorf("notification not found: %w", domain.ErrNotFound)
	}
	return err
}

// ListForUser returns the user's notifications, newest first.
func (r *NotificationRepo) ListForUser(ctx context.Context, userID string, unreadOnly bool, limit int) ([]domain.Notification, error) {
	in := &dynamodb.QueryInput{
		TableName:              aws.String(r.tableName),
		IndexName:              aws.String(indexUserCreated),
		KeyConditionExpression: aws.String("user_id = :uid"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":uid": &types.AttributeValueMemberS{Value: userID},
		},
		ScanIndexForward: aws.Bool(false),
	}
	if unreadOnly {
		in.FilterExpression = aws.String("#rd = :false")
		in.ExpressionAttributeNames = map[string]string{"#rd": "read"}
		in.ExpressionAttributeValues[":false"] = &types.AttributeValueMemberBOOL{Value: false}
	}
	out, err := r.query(ctx, in, limit)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// Stats counts notifications for one user, or for everyone when userID is empty.
func (r *NotificationRepo) Stats(ctx context.Context, userID string) (domain.DeliveryStats, error) {
	var stats domain.DeliveryStats
	var rows []domain.Notification
	var err error
	if userID != "" {
		rows, err = r.query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(r.tableName),
			IndexName:              aws.String(indexUserCreated),
			KeyConditionExpression: aws.String("user_id = :uid"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":uid": &types.AttributeValueMemberS{Value: userID},
			},
		}, 0)
	} else {
		rows, err = r.scan(ctx)
	}
	if err != nil {
		return stats, err
	}
	for i := range rows {
		stats.Add(&rows[i])
	}
	return stats, nil
}

// ListDueForEscalation reads the sparse escalation index up to now.
// The index is eventually consistent, so rows are re-checked before returning.
func (r *NotificationRepo) ListDueForEscalation(ctx context.Context, now time.Time, limit int) ([]domain.Notification, error) {
	rows, err := r.query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(r.tableName),
		IndexName:              aws.String(indexEscalation),
		KeyConditionExpression: aws.String("#shard = :p AND #due <= :now"),
		ExpressionAttributeNames: map[string]string{
			"#shard": fieldEscalationShard,
			"#due":   fieldEscalationDue,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":p":   &types.AttributeValueMemberS{Value: escalationPending},
			":now": numValue(now.Unix()),
		},
	}, limit)
	if err != nil {
		return nil, err
	}
	due := rows[:0]
	for i := range rows {
		if rows[i].EscalationDue(now) {
			due = append(due, rows[i])
		}
	}
	return due, nil
}

// ClaimEscalation takes the SMS lease on a row. It fails when the row was sent,
// read, abandoned, held after an unrecorded send or leased after staleBefore.
func (r *NotificationRepo) ClaimEscalation(ctx context.Context, notificationID string, now, staleBefore time.Time) (bool, error) {
	_, err := r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(r.tableName),
		Key:              strKey("notification_id", notificationID),
		UpdateExpression: aws.String("SET sms_claimed_at = :now, updated_at = :now"),
		ConditionExpression: aws.String("attribute_exists(notification_id) AND attribute_not_exists(sms_sent_at) AND " +
			"attribute_not_exists(sms_abandoned_at) AND attribute_not_exists(sms_message_id) AND #rd = :false AND " +
			"(attribute_not_exists(sms_claimed_at) OR sms_claimed_at <= :stale)"),
		ExpressionAttributeNames: map[string]string{"#rd": "read"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":now":   tsValue(now),
			":stale": tsValue(staleBefore),
			":false": &types.AttributeValueMemberBOOL{Value: false},
		},
	})
	if isConditionFailed(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// CompleteEscalation sets sms_sent_at iff it is still unset.
func (r *NotificationRepo) CompleteEscalation(ctx context.Context, notificationID string, sentAt time.Time, messageID string) (bool, error) {
	_, err := r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(r.tableName),
		Key:       strKey("notification_id", notificationID),
		UpdateExpression: aws.String("SET sms_sent_at = :t, sms_message_id = :mid, updated_at = :t, " +
			"sms_attempts = if_not_exists(sms_attempts, :zero) + :one " +
			"REMOVE sms_claimed_at, sms_last_error, escalation_shard, escalation_due"),
		ConditionExpression: aws.String("attribute_exists(notification_id) AND attribute_not_exists(sms_sent_at)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":t":    tsValue(sentAt),
			":mid":  &types.AttributeValueMemberS{Value: messageID},
			":zero": numValue(0),
			":one":  numValue(1),
		},
	})
	if isConditionFailed(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ReleaseEscalation drops the lease after a failed send and counts the attempt.
func (r *NotificationRepo) ReleaseEscalation(ctx context.Context, notificationID, reason string, at time.Time) error {
	_, err := r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(r.tableName),
		Key:       strKey("notification_id", notificationID),
		UpdateExpression: aws.String("SET sms_last_error = :reason, updated_at = :t, " +
			"sms_attempts = if_not_exists(sms_attempts, :zero) + :one REMOVE sms_claimed_at"),
		ConditionExpression: aws.String("attribute_exists(notification_id) AND attribute_not_exists(sms_sent_at)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":reason": &types.AttributeValueMemberS{Value: reason},
			":t":      tsValue(at),
			":zero":   numValue(0),
			":one":    numValue(1),
		},
	})
	if isConditionFailed(err) {
		return nil
	}
	return err
}

// AbandonEscalation gives up on SMS for the row and removes it from the index.
func (r *NotificationRepo) AbandonEscalation(ctx context.Context, notificationID, reason string, at time.Time) error {
	_, err := r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(r.tableName),
		Key:       strKey("notification_id", notificationID),
		UpdateExpression: aws.String("SET sms_abandoned_at = :t, sms_last_error = :reason, updated_at = :t " +
			"REMOVE sms_claimed_at, escalation_shard, escalation_due"),
		ConditionExpression: aws.String("attribute_exists(notification_id) AND attribute_not_exists(sms_sent_at)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":reason": &types.AttributeValueMemberS{Value: reason},
			":t":      tsValue(at),
		},
	})
	if isConditionFailed(err) {
		return nil
	}
	return err
}

// HoldEscalation stores the message id of a send that could not be recorded
// and takes the row out of the escalation index.
func (r *NotificationRepo) HoldEscalation(ctx context.Context, notificationID, messageID, reason string, at time.Time) error {
	_, err := r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(r.tableName),
		Key:       strKey("notification_id", notificationID),
		UpdateExpression: aws.String("SET sms_message_id = :mid, sms_last_error = :reason, updated_at = :t, " +
			"sms_attempts = if_not_exists(sms_attempts, :zero) + :one " +
			"REMOVE sms_claimed_at, escalation_shard, escalation_due"),
		ConditionExpression: aws.String("attribute_exists(notification_id) AND attribute_not_exists(sms_sent_at)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":mid":    &types.AttributeValueMemberS{Value: messageID},
			":reason": &types.AttributeValueMemberS{Value: reason},
			":t":      tsValue(at),
			":zero":   numValue(0),
			":one":    numValue(1),
		},
	})
	if isConditionFailed(err) {
		return nil
	}
	return err
}

// query pages through a Query until limit rows were read (0 means all).
func (r *NotificationRepo) query(ctx context.Context, in *dynamodb.QueryInput, limit int) ([]domain.Notification, error) {
	var out []domain.Notification
	p := dynamodb.NewQueryPaginator(r.client, in)
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		var rows []domain.Notification
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &rows); err != nil {
			return nil, err
		}
		out = append(out, rows...)
		if limit > 0 && len(out) >= limit {
			return out[:limit], nil
		}
	}
	return out, nil
}

func (r *NotificationRepo) scan(ctx context.Context) ([]domain.Notification, error) {
	var out []domain.Notification
	p := dynamodb.NewScanPaginator(r.client, &dynamodb.ScanInput{TableName: aws.String(r.tableName)})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		var rows []domain.Notification
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &rows); err != nil {
			return nil, err
		}
		out = append(out, rows...)
	}
	return out, nil
}
