package store

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
)

// UsageRecord archives one proxied call for offline accounting. Estimated
// and actual token counts are both kept so estimator drift can be measured.
type UsageRecord struct {
	TenantID        string `dynamodbav:"tenant_id"`
	Timestamp       string `dynamodbav:"timestamp"` // ISO8601
	RequestID       string `dynamodbav:"request_id"`
	Model           string `dynamodbav:"model"`
	Family          string `dynamodbav:"family"`
	EstimatedTokens int    `dynamodbav:"estimated_tokens"`
	InputTokens     int    `dynamodbav:"input_tokens"`
	OutputTokens    int    `dynamodbav:"output_tokens"`
	StatusCode      int    `dynamodbav:"status_code"`
	Downgraded      bool   `dynamodbav:"downgraded"`
}

type UsageStore interface {
	LogUsage(ctx context.Context, record *UsageRecord) error
}

type DynamoDBUsageStore struct {
	client    *dynamodb.Client
	tableName string
}

func NewDynamoDBUsageStore(ctx context.Context, region, tableName string) (*DynamoDBUsageStore, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, err
	}

	return &DynamoDBUsageStore{
		client:    dynamodb.NewFromConfig(cfg),
		tableName: tableName,
	}, nil
}

func (s *DynamoDBUsageStore) LogUsage(ctx context.Context, record *UsageRecord) error {
	if record.Timestamp == "" {
		record.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}

	item, err := attributevalue.MarshalMap(record)
	if err != nil {
		return fmt.Errorf("failed to marshal usage record: %w", err)
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("failed to put item to DynamoDB: %w", err)
	}
	return nil
}

// NopUsageStore is used when no archive table is configured.
type NopUsageStore struct{}

func (NopUsageStore) LogUsage(ctx context.Context, record *UsageRecord) error { return nil }
