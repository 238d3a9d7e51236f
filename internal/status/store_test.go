package status

import (
	"context"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDynamo is an in-memory table keyed by PK/SK.
type fakeDynamo struct {
	items map[string]Record
}

func newFakeDynamo() *fakeDynamo {
	return &fakeDynamo{items: make(map[string]Record)}
}

func key(pk, sk string) string { return pk + "|" + sk }

func (f *fakeDynamo) PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	var rec Record
	if err := attributevalue.UnmarshalMap(params.Item, &rec); err != nil {
		return nil, err
	}
	f.items[key(rec.PK, rec.SK)] = rec
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDynamo) UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	pk := params.Key["PK"].(*types.AttributeValueMemberS).Value
	sk := params.Key["SK"].(*types.AttributeValueMemberS).Value
	rec := f.items[key(pk, sk)]
	rec.PK, rec.SK = pk, sk
	rec.Status = params.ExpressionAttributeValues[":status"].(*types.AttributeValueMemberS).Value
	rec.UpdatedAt = params.ExpressionAttributeValues[":now"].(*types.AttributeValueMemberS).Value
	f.items[key(pk, sk)] = rec
	return &dynamodb.UpdateItemOutput{}, nil
}

func (f *fakeDynamo) Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	cid := params.ExpressionAttributeValues[":cid"].(*types.AttributeValueMemberS).Value
	var items []map[string]types.AttributeValue
	for _, rec := range f.items {
		if rec.CampaignID != cid {
			continue
		}
		av, err := attributevalue.MarshalMap(rec)
		if err != nil {
			return nil, err
		}
		items = append(items, av)
	}
	return &dynamodb.ScanOutput{Items: items}, nil
}

func (f *fakeDynamo) DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	pk := params.Key["PK"].(*types.AttributeValueMemberS).Value
	sk := params.Key["SK"].(*types.AttributeValueMemberS).Value
	delete(f.items, key(pk, sk))
	return &dynamodb.DeleteItemOutput{}, nil
}

func (f *fakeDynamo) DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error) {
	return &dynamodb.DescribeTableOutput{
		Table: &types.TableDescription{TableName: aws.String("test")},
	}, nil
}

func TestUpsertIsIdempotent(t *testing.T) {
	f := newFakeDynamo()
	s := NewStore(f, "test")
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, "a@example.com", "op-1", "cmp-1", Completed))
	require.NoError(t, s.Upsert(ctx, "a@example.com", "op-1", "cmp-1", Completed))

	assert.Len(t, f.items, 1)
	rec := f.items[key("a@example.com", "op-1")]
	assert.Equal(t, string(Completed), rec.Status)
	assert.Equal(t, "cmp-1", rec.CampaignID)
}

func TestUpdateStatusPreservesCampaignID(t *testing.T) {
	f := newFakeDynamo()
	s := NewStore(f, "test")
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, "a@example.com", "op-1", "cmp-1", InProgress))
	require.NoError(t, s.UpdateStatus(ctx, "a@example.com", "op-1", Completed))

	rec := f.items[key("a@example.com", "op-1")]
	assert.Equal(t, string(Completed), rec.Status)
	assert.Equal(t, "cmp-1", rec.CampaignID)
}

func TestStatisticsCountsByStatus(t *testing.T) {
	f := newFakeDynamo()
	s := NewStore(f, "test")
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, "a@example.com", "op-1", "cmp-1", Completed))
	require.NoError(t, s.Upsert(ctx, "b@example.com", "op-1", "cmp-1", Completed))
	require.NoError(t, s.Upsert(ctx, "c@example.com", "op-2", "cmp-1", Failed))
	require.NoError(t, s.Upsert(ctx, "d@example.com", "op-3", "cmp-2", Completed))

	stats, err := s.Statistics(ctx, "cmp-1")
	require.NoError(t, err)
	assert.Equal(t, "cmp-1", stats.CampaignID)
	assert.Equal(t, 3, stats.TotalOperations)
	assert.Equal(t, 2, stats.TotalByStatus[string(Completed)])
	assert.Equal(t, 1, stats.TotalByStatus[string(Failed)])
}

func TestStatisticsBlankStatusCountsAsInProgress(t *testing.T) {
	f := newFakeDynamo()
	s := NewStore(f, "test")
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, "a@example.com", "op-1", "cmp-1", ""))

	stats, err := s.Statistics(ctx, "cmp-1")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TotalByStatus[string(InProgress)])
}

func TestDeleteByCampaign(t *testing.T) {
	f := newFakeDynamo()
	s := NewStore(f, "test")
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, "a@example.com", "op-1", "cmp-1", Completed))
	require.NoError(t, s.Upsert(ctx, "b@example.com", "op-2", "cmp-1", Failed))
	require.NoError(t, s.Upsert(ctx, "c@example.com", "op-3", "cmp-2", Completed))

	n, err := s.DeleteByCampaign(ctx, "cmp-1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Len(t, f.items, 1)

	stats, err := s.Statistics(ctx, "cmp-1")
	require.NoError(t, err)
	assert.Equal(t, 0, stats.TotalOperations)
}

func TestPing(t *testing.T) {
	f := newFakeDynamo()
	s := NewStore(f, "test")
	assert.NoError(t, s.Ping(context.Background()))
}
