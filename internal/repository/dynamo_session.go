package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/sirupsen/logrus"

	"github.com/astrosense/authd/internal/auth"
	"github.com/astrosense/authd/internal/models"
)

// DynamoSessionStore persists authenticated sessions in DynamoDB, keyed by
// token hash. The table's TTL attribute is set past the expiry so the purge
// sweep and DynamoDB's own expiry cooperate on reclamation.
type DynamoSessionStore struct {
	client    *dynamodb.Client
	tableName string
	logger    *logrus.Logger
}

type dynamoSessionItem struct {
	TokenHash string `dynamodbav:"token_hash"`
	Identity  string `dynamodbav:"identity"`
	CreatedAt string `dynamodbav:"created_at"`
	ExpiresAt string `dynamodbav:"expires_at"`
	RevokedAt string `dynamodbav:"revoked_at,omitempty"`
}

func NewDynamoSessionStore(client *dynamodb.Client, tableName string, logger *logrus.Logger) *DynamoSessionStore {
	return &DynamoSessionStore{
		client:    client,
		tableName: tableName,
		logger:    logger,
	}
}

func sessionPK(tokenHash string) string {
	return "SESSION#" + tokenHash
}

func (s *DynamoSessionStore) Create(ctx context.Context, sess models.Session) error {
	item := map[string]types.AttributeValue{
		"PK":         &types.AttributeValueMemberS{Value: sessionPK(sess.TokenHash)},
		"SK":         &types.AttributeValueMemberS{Value: "METADATA"},
		"token_hash": &types.AttributeValueMemberS{Value: sess.TokenHash},
		"identity":   &types.AttributeValueMemberS{Value: sess.Identity},
		"created_at": &types.AttributeValueMemberS{Value: sess.CreatedAt.Format(time.RFC3339)},
		"expires_at": &types.AttributeValueMemberS{Value: sess.ExpiresAt.Format(time.RFC3339)},
		"TTL":        &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", sess.ExpiresAt.Unix())},
	}

	_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item:      item,
	})
	if err != nil {
		s.logger.WithError(err).Error("Failed to store session in DynamoDB")
		return fmt.Errorf("failed to store session: %w", err)
	}
	return nil
}

func (s *DynamoSessionStore) GetByTokenHash(ctx context.Context, tokenHash string) (models.Session, error) {
	result, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: sessionPK(tokenHash)},
			"SK": &types.AttributeValueMemberS{Value: "METADATA"},
		},
	})
	if err != nil {
		return models.Session{}, fmt.Errorf("failed to get session: %w", err)
	}
	if result.Item == nil {
		return models.Session{}, auth.ErrNotFound
	}

	var item dynamoSessionItem
	if err := attributevalue.UnmarshalMap(result.Item, &item); err != nil {
		return models.Session{}, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	return item.toModel()
}

func (item dynamoSessionItem) toModel() (models.Session, error) {
	createdAt, err := time.Parse(time.RFC3339, item.CreatedAt)
	if err != nil {
		return models.Session{}, fmt.Errorf("failed to parse session created_at: %w", err)
	}
	expiresAt, err := time.Parse(time.RFC3339, item.ExpiresAt)
	if err != nil {
		return models.Session{}, fmt.Errorf("failed to parse session expires_at: %w", err)
	}

	sess := models.Session{
		TokenHash: item.TokenHash,
		Identity:  item.Identity,
		CreatedAt: createdAt,
		ExpiresAt: expiresAt,
	}
	if item.RevokedAt != "" {
		revokedAt, err := time.Parse(time.RFC3339, item.RevokedAt)
		if err != nil {
			return models.Session{}, fmt.Errorf("failed to parse session revoked_at: %w", err)
		}
		sess.RevokedAt = &revokedAt
	}
	return sess, nil
}

// Revoke sets revoked_at once; if_not_exists keeps the earliest revocation
// and the condition check makes revoking an unknown token a no-op.
func (s *DynamoSessionStore) Revoke(ctx context.Context, tokenHash string, now time.Time) error {
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: sessionPK(tokenHash)},
			"SK": &types.AttributeValueMemberS{Value: "METADATA"},
		},
		UpdateExpression:    aws.String("SET revoked_at = if_not_exists(revoked_at, :now)"),
		ConditionExpression: aws.String("attribute_exists(PK)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":now": &types.AttributeValueMemberS{Value: now.Format(time.RFC3339)},
		},
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return nil
		}
		s.logger.WithError(err).Error("Failed to revoke session in DynamoDB")
		return fmt.Errorf("failed to revoke session: %w", err)
	}
	return nil
}

func (s *DynamoSessionStore) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	result, err := s.client.Scan(ctx, &dynamodb.ScanInput{
		TableName:        aws.String(s.tableName),
		FilterExpression: aws.String("begins_with(PK, :prefix) AND expires_at < :now"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":prefix": &types.AttributeValueMemberS{Value: "SESSION#"},
			":now":    &types.AttributeValueMemberS{Value: now.Format(time.RFC3339)},
		},
		ProjectionExpression: aws.String("PK, SK"),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to scan expired sessions: %w", err)
	}

	removed := 0
	for _, item := range result.Items {
		_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
			TableName: aws.String(s.tableName),
			Key: map[string]types.AttributeValue{
				"PK": item["PK"],
				"SK": item["SK"],
			},
		})
		if err != nil {
			s.logger.WithError(err).Warn("Failed to delete expired session")
			continue
		}
		removed++
	}
	return removed, nil
}
