package dynamo

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/go-notify-escalation/internal/domain"
)

// batchWriteLimit is the maximum number of requests in one BatchWriteItem call.
const batchWriteLimit = 25

// SubscriptionRepo provides typed DynamoDB operations for the push_subscriptions table.
type SubscriptionRepo struct {
	client    API
	tableName string
}

func NewSubscriptionRepo(client API, tableName string) *SubscriptionRepo {
	return &SubscriptionRepo{client: client, tableName: tableName}
}

// Upsert registers the endpoint for sub.UserID, reassigning and reactivating
// it if another row already holds the endpoint. sub is refreshed from the stored row.
func (r *SubscriptionRepo) Upsert(ctx context.Context, sub *domain.PushSubscription) error {
	now := time.Now().UTC()
	out, err := r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(r.tableName),
		Key:       strKey("subscription_id", domain.SubscriptionKey(sub.Endpoint)),
		UpdateExpression: aws.String("SET user_id = :uid, endpoint = :ep, p256dh = :p, auth = :a, user_agent = :ua, " +
			"active = :true, updated_at = :now, created_at = if_not_exists(created_at, :now)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":uid":  &types.AttributeValueMemberS{Value: sub.UserID},
			":ep":   &types.AttributeValueMemberS{Value: sub.Endpoint},
			":p":    &types.AttributeValueMemberS{Value: sub.P256dh},
			":a":    &types.AttributeValueMemberS{Value: sub.Auth},
			":ua":   &types.AttributeValueMemberS{Value: sub.UserAgent},
			":true": &types.AttributeValueMemberBOOL{Value: true},
			":now":  tsValue(now),
		},
		ReturnValues: types.ReturnValueAllNew,
	})
	if err != nil {
		return fmt.Errorf("upsert subscription: %w", err)
	}
	return attributevalue.UnmarshalMap(out.Attributes, sub)
}

// Deactivate flags the endpoint inactive. Unknown endpoints are ignored.
func (r *SubscriptionRepo) Deactivate(ctx context.Context, endpoint string) error {
	ue, err := buildUpdateExpr(map[string]interface{}{
		fieldActive:    false,
		fieldUpdatedAt: time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	_, err = r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(r.tableName),
		Key:                       strKey("subscription_id", domain.SubscriptionKey(endpoint)),
		UpdateExpression:          aws.String(ue.Expr),
		ConditionExpression:       aws.String("attribute_exists(subscription_id)"),
		ExpressionAttributeNames:  ue.Names,
		ExpressionAttributeValues: ue.Values,
	})
	if isConditionFailed(err) {
		return nil
	}
	return err
}

// DeactivateForUser deactivates endpoint only if userID owns it.
func (r *SubscriptionRepo) DeactivateForUser(ctx context.Context, userID, endpoint string) error {
	ue, err := buildUpdateExpr(map[string]interface{}{
		fieldActive:    false,
		fieldUpdatedAt: time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	ue.Values[":uid"] = &types.AttributeValueMemberS{Value: userID}
	_, err = r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(r.tableName),
		Key:                       strKey("subscription_id", domain.SubscriptionKey(endpoint)),
		UpdateExpression:          aws.String(ue.Expr),
		ConditionExpression:       aws.String("user_id = :uid"),
		ExpressionAttributeNames:  ue.Names,
		ExpressionAttributeValues: ue.Values,
	})
	if isConditionFailed(err) {
		return fmt.Errorf("subscription not found: %w", domain.ErrNotFound)
	}
	return err
}

// DeleteAllForUser hard-deletes every subscription of userID and returns the count.
func (r *SubscriptionRepo) DeleteAllForUser(ctx context.Context, userID string) (int, error) {
	subs, err := r.ListForUser(ctx, userID)
	if err != nil {
		return 0, err
	}
	deleted := 0
	for _, part := range chunk(subs, batchWriteLimit) {
		reqs := make([]types.WriteRequest, 0, len(part))
		for _, s := range part {
			reqs = append(reqs, types.WriteRequest{DeleteRequest: &types.DeleteRequest{
				Key: strKey("subscription_id", s.SubscriptionID),
			}})
		}
		pending := map[string][]types.WriteRequest{r.tableName: reqs}
		for attempt := 0; len(pending) > 0; attempt++ {
			if attempt == 5 {
				return deleted, fmt.Errorf("delete subscriptions: %d requests left unprocessed", len(pending[r.tableName]))
			}
			out, err := r.client.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{RequestItems: pending})
			if err != nil {
				return deleted, fmt.Errorf("delete subscriptions: %w", err)
			}
			deleted += len(pending[r.tableName]) - len(out.UnprocessedItems[r.tableName])
			pending = out.UnprocessedItems
		}
	}
	return deleted, nil
}

func (r *SubscriptionRepo) ListForUser(ctx context.Context, userID string) ([]domain.PushSubscription, error) {
	return r.queryUser(ctx, userID, false)
}

func (r *SubscriptionRepo) ActiveForUser(ctx context.Context, userID string) ([]domain.PushSubscription, error) {
	return r.queryUser(ctx, userID, true)
}

func (r *SubscriptionRepo) queryUser(ctx context.Context, userID string, activeOnly bool) ([]domain.PushSubscription, error) {
	in := &dynamodb.QueryInput{
		TableName:              aws.String(r.tableName),
		IndexName:              aws.String(indexUser),
		KeyConditionExpression: aws.String("user_id = :uid"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":uid": &types.AttributeValueMemberS{Value: userID},
		},
	}
	if activeOnly {
		in.FilterExpression = aws.String("#ac = :t")
		in.ExpressionAttributeNames = map[string]string{"#ac": fieldActive}
		in.ExpressionAttributeValues[":t"] = &types.AttributeValueMemberBOOL{Value: true}
	}
	var subs []domain.PushSubscription
	p := dynamodb.NewQueryPaginator(r.client, in)
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		var rows []domain.PushSubscription
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &rows); err != nil {
			return nil, err
		}
		subs = append(subs, rows...)
	}
	return subs, nil
}
