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

	"github.com/astrosense/authd/internal/models"
)

// DynamoIdentityStore is the identity lookup/create collaborator backed by
// DynamoDB. The address is the natural key; encrypting it at rest is handled
// by the table's encryption settings, not here.
type DynamoIdentityStore struct {
	client    *dynamodb.Client
	tableName string
	logger    *logrus.Logger
}

type dynamoIdentityItem struct {
	Email       string `dynamodbav:"email"`
	CreatedAt   string `dynamodbav:"created_at"`
	LastLoginAt string `dynamodbav:"last_login_at,omitempty"`
}

func NewDynamoIdentityStore(client *dynamodb.Client, tableName string, logger *logrus.Logger) *DynamoIdentityStore {
	return &DynamoIdentityStore{
		client:    client,
		tableName: tableName,
		logger:    logger,
	}
}

func identityPK(email string) string {
	return "IDENTITY#" + email
}

func (s *DynamoIdentityStore) LookupOrCreate(ctx context.Context, email string) (models.Identity, error) {
	identity, found, err := s.get(ctx, email)
	if err != nil {
		return models.Identity{}, err
	}
	if found {
		return identity, nil
	}

	now := time.Now().UTC()
	item := map[string]types.AttributeValue{
		"PK":         &types.AttributeValueMemberS{Value: identityPK(email)},
		"SK":         &types.AttributeValueMemberS{Value: "METADATA"},
		"email":      &types.AttributeValueMemberS{Value: email},
		"created_at": &types.AttributeValueMemberS{Value: now.Format(time.RFC3339)},
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(PK)"),
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			// Lost the creation race; the winner's row is authoritative.
			identity, _, err = s.get(ctx, email)
			return identity, err
		}
		s.logger.WithError(err).Error("Failed to create identity in DynamoDB")
		return models.Identity{}, fmt.Errorf("failed to create identity: %w", err)
	}

	return models.Identity{Email: email, CreatedAt: now}, nil
}

func (s *DynamoIdentityStore) get(ctx context.Context, email string) (models.Identity, bool, error) {
	result, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: identityPK(email)},
			"SK": &types.AttributeValueMemberS{Value: "METADATA"},
		},
	})
	if err != nil {
		return models.Identity{}, false, fmt.Errorf("failed to get identity: %w", err)
	}
	if result.Item == nil {
		return models.Identity{}, false, nil
	}

	var item dynamoIdentityItem
	if err := attributevalue.UnmarshalMap(result.Item, &item); err != nil {
		return models.Identity{}, false, fmt.Errorf("failed to unmarshal identity: %w", err)
	}

	identity := models.Identity{Email: item.Email}
	if item.CreatedAt != "" {
		if createdAt, err := time.Parse(time.RFC3339, item.CreatedAt); err == nil {
			identity.CreatedAt = createdAt
		}
	}
	if item.LastLoginAt != "" {
		if lastLogin, err := time.Parse(time.RFC3339, item.LastLoginAt); err == nil {
			identity.LastLoginAt = &lastLogin
		}
	}
	return identity, true, nil
}

func (s *DynamoIdentityStore) TouchLogin(ctx context.Context, email string, now time.Time) error {
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: identityPK(email)},
			"SK": &types.AttributeValueMemberS{Value: "METADATA"},
		},
		UpdateExpression:    aws.String("SET last_login_at = :now"),
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
		return fmt.Errorf("failed to record login: %w", err)
	}
	return nil
}
