package dynamo

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/go-notify-escalation/internal/domain"
)

// UserRepo reads the portal's users table as a recipient directory.
type UserRepo struct {
	client    API
	tableName string
}

func NewUserRepo(client API, tableName string) *UserRepo {
	return &UserRepo{client: client, tableName: tableName}
}

func (r *UserRepo) Get(ctx context.Context, userID string) (*domain.User, error) {
	out, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(r.tableName),
		Key:       strKey("user_id", userID),
	})
	if err != nil {
		return nil, err
	}
	if out.Item == nil {
		return nil, fmt.Errorf("user not found: %w", domain.ErrNotFound)
	}
	var u domain.User
	if err := attributevalue.UnmarshalMap(out.Item, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// ListIDsByRole returns the ids of enabled users holding role.
func (r *UserRepo) ListIDsByRole(ctx context.Context, role string) ([]string, error) {
	return r.queryIDs(ctx, indexRole, "role", role)
}

// ListIDsByCohort returns the ids of enabled users in cohortID.
func (r *UserRepo) ListIDsByCohort(ctx context.Context, cohortID string) ([]string, error) {
	return r.queryIDs(ctx, indexCohort, "cohort_id", cohortID)
}

func (r *UserRepo) queryIDs(ctx context.Context, index, attr, value string) ([]string, error) {
	p := dynamodb.NewQueryPaginator(r.client, &dynamodb.QueryInput{
		TableName:                aws.String(r.tableName),
		IndexName:                aws.String(index),
		KeyConditionExpression:   aws.String("#a = :v"),
		FilterExpression:         aws.String("#en = :one"),
		ProjectionExpression:     aws.String("user_id"),
		ExpressionAttributeNames: map[string]string{"#a": attr, "#en": "enable"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":v":   &types.AttributeValueMemberS{Value: value},
			":one": numValue(1),
		},
	})
	var ids []string
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, item := range page.Items {
			if v, ok := item["user_id"].(*types.AttributeValueMemberS); ok {
				ids = append(ids, v.Value)
			}
		}
	}
	return ids, nil
}
