// Package status persists per-recipient delivery status keyed by
// (recipient address, operation id). Upserts are idempotent last-write-wins
// so send retries and webhook updates can race safely.
package status

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// Status is the delivery state of one recipient within one operation.
type Status string

const (
	NotStarted Status = "NotStarted"
	InProgress Status = "InProgress"
	Completed  Status = "Completed"
	Failed     Status = "Failed"
)

// Record is one status row. PK is the recipient address, SK the operation id.
type Record struct {
	PK         string `dynamodbav:"PK"`
	SK         string `dynamodbav:"SK"`
	CampaignID string `dynamodbav:"CampaignID"`
	Status     string `dynamodbav:"Status"`
	UpdatedAt  string `dynamodbav:"UpdatedAt"`
}

// Statistics aggregates a campaign's operations by status.
type Statistics struct {
	CampaignID      string         `json:"campaignId"`
	TotalOperations int            `json:"totalOperations"`
	TotalByStatus   map[string]int `json:"totalByStatus"`
}

// API is the subset of the DynamoDB client used here, extracted for tests.
type API interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

// Store is the DynamoDB-backed status recorder.
type Store struct {
	api       API
	tableName string
}

// NewStore creates a status store over the given table.
func NewStore(api API, tableName string) *Store {
	return &Store{api: api, tableName: tableName}
}

// Upsert writes the full record for (recipient, operationID). Replaying
// the same write is a no-op in effect; a later write for the same key wins.
func (s *Store) Upsert(ctx context.Context, recipient, operationID, campaignID string, st Status) error {
	rec := Record{
		PK:         recipient,
		SK:         operationID,
		CampaignID: campaignID,
		Status:     string(st),
		UpdatedAt:  time.Now().UTC().Format(time.RFC3339),
	}
	av, err := attributevalue.MarshalMap(rec)
	if err != nil {
		return fmt.Errorf("marshaling status record: %w", err)
	}
	_, err = s.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item:      av,
	})
	if err != nil {
		return fmt.Errorf("putting status record: %w", err)
	}
	return nil
}

// UpdateStatus sets only the status field of an existing record. Used by
// the delivery-event webhook so provider-confirmed status never clobbers
// the campaign id written at send time.
func (s *Store) UpdateStatus(ctx context.Context, recipient, operationID string, st Status) error {
	_, err := s.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: recipient},
			"SK": &types.AttributeValueMemberS{Value: operationID},
		},
		UpdateExpression:         aws.String("SET #status = :status, UpdatedAt = :now"),
		ExpressionAttributeNames: map[string]string{"#status": "Status"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":status": &types.AttributeValueMemberS{Value: string(st)},
			":now":    &types.AttributeValueMemberS{Value: time.Now().UTC().Format(time.RFC3339)},
		},
	})
	if err != nil {
		return fmt.Errorf("updating status record: %w", err)
	}
	return nil
}

// QueryByCampaign streams every record for a campaign.
func (s *Store) QueryByCampaign(ctx context.Context, campaignID string) ([]Record, error) {
	var records []Record
	var startKey map[string]types.AttributeValue

	for {
		out, err := s.api.Scan(ctx, &dynamodb.ScanInput{
			TableName:                aws.String(s.tableName),
			FilterExpression:         aws.String("CampaignID = :cid"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":cid": &types.AttributeValueMemberS{Value: campaignID},
			},
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			return nil, fmt.Errorf("scanning status records: %w", err)
		}

		var page []Record
		if err := attributevalue.UnmarshalListOfMaps(out.Items, &page); err != nil {
			return nil, fmt.Errorf("unmarshaling status records: %w", err)
		}
		records = append(records, page...)

		if out.LastEvaluatedKey == nil {
			return records, nil
		}
		startKey = out.LastEvaluatedKey
	}
}

// Statistics counts a campaign's operations by status. Records persisted
// without a status (operation accepted, no provider confirmation yet) count
// as InProgress.
func (s *Store) Statistics(ctx context.Context, campaignID string) (Statistics, error) {
	stats := Statistics{
		CampaignID:    campaignID,
		TotalByStatus: make(map[string]int),
	}

	records, err := s.QueryByCampaign(ctx, campaignID)
	if err != nil {
		return stats, err
	}
	for _, rec := range records {
		stats.TotalOperations++
		st := rec.Status
		if st == "" {
			st = string(InProgress)
		}
		stats.TotalByStatus[st]++
	}
	return stats, nil
}

// DeleteByCampaign removes every record for a campaign, enabling a re-run
// from scratch. Returns the number of deleted records.
func (s *Store) DeleteByCampaign(ctx context.Context, campaignID string) (int, error) {
	records, err := s.QueryByCampaign(ctx, campaignID)
	if err != nil {
		return 0, err
	}

	deleted := 0
	for _, rec := range records {
		_, err := s.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
			TableName: aws.String(s.tableName),
			Key: map[string]types.AttributeValue{
				"PK": &types.AttributeValueMemberS{Value: rec.PK},
				"SK": &types.AttributeValueMemberS{Value: rec.SK},
			},
		})
		if err != nil {
			return deleted, fmt.Errorf("deleting status record %s/%s: %w", rec.PK, rec.SK, err)
		}
		deleted++
	}
	return deleted, nil
}

// Ping verifies the table is reachable; used by the startup preflight.
func (s *Store) Ping(ctx context.Context) error {
	_, err := s.api.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(s.tableName),
	})
	return err
}
