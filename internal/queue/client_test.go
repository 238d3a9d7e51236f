package queue

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSQS records calls and replays scripted responses.
type fakeSQS struct {
	sendInput    *sqs.SendMessageBatchInput
	sendOutput   *sqs.SendMessageBatchOutput
	sendErr      error
	receiveInput *sqs.ReceiveMessageInput
	receiveOut   *sqs.ReceiveMessageOutput
	deleted      []string
	abandoned    []string
	depth        string
}

func (f *fakeSQS) SendMessageBatch(ctx context.Context, params *sqs.SendMessageBatchInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageBatchOutput, error) {
	f.sendInput = params
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	if f.sendOutput != nil {
		return f.sendOutput, nil
	}
	return &sqs.SendMessageBatchOutput{}, nil
}

func (f *fakeSQS) ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	f.receiveInput = params
	if f.receiveOut != nil {
		return f.receiveOut, nil
	}
	return &sqs.ReceiveMessageOutput{}, nil
}

func (f *fakeSQS) DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	f.deleted = append(f.deleted, aws.ToString(params.ReceiptHandle))
	return &sqs.DeleteMessageOutput{}, nil
}

func (f *fakeSQS) ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error) {
	f.abandoned = append(f.abandoned, aws.ToString(params.ReceiptHandle))
	return &sqs.ChangeMessageVisibilityOutput{}, nil
}

func (f *fakeSQS) GetQueueAttributes(ctx context.Context, params *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error) {
	return &sqs.GetQueueAttributesOutput{
		Attributes: map[string]string{
			string(types.QueueAttributeNameApproximateNumberOfMessages): f.depth,
		},
	}, nil
}

func TestPublishSetsFIFOFields(t *testing.T) {
	f := &fakeSQS{}
	c := NewClient(f, "https://sqs.test/queue.fifo", 1)

	err := c.Publish(context.Background(), []Outgoing{
		{Type: TypeAddress, Body: []byte(`{"a":1}`), DedupID: "a@example.com_cmp-1", GroupID: "cmp-1"},
	})
	require.NoError(t, err)

	require.Len(t, f.sendInput.Entries, 1)
	entry := f.sendInput.Entries[0]
	assert.Equal(t, "a@example.com_cmp-1", aws.ToString(entry.MessageDeduplicationId))
	assert.Equal(t, "cmp-1", aws.ToString(entry.MessageGroupId))
	assert.Equal(t, TypeAddress, aws.ToString(entry.MessageAttributes["type"].StringValue))
}

func TestPublishStandardQueueOmitsFIFOFields(t *testing.T) {
	f := &fakeSQS{}
	c := NewClient(f, "https://sqs.test/queue", 1)

	err := c.Publish(context.Background(), []Outgoing{
		{Type: TypeRequest, Body: []byte(`{}`), DedupID: "ignored", GroupID: "ignored"},
	})
	require.NoError(t, err)
	assert.Nil(t, f.sendInput.Entries[0].MessageDeduplicationId)
	assert.Nil(t, f.sendInput.Entries[0].MessageGroupId)
}

func TestPublishSurfacesEntryFailure(t *testing.T) {
	f := &fakeSQS{
		sendOutput: &sqs.SendMessageBatchOutput{
			Failed: []types.BatchResultErrorEntry{
				{Id: aws.String("m0"), Code: aws.String("RequestThrottled"), Message: aws.String("slow down")},
			},
		},
	}
	c := NewClient(f, "https://sqs.test/queue", 1)

	err := c.Publish(context.Background(), []Outgoing{{Type: TypeAddress, Body: []byte(`{}`)}})
	var pubErr *PublishError
	require.ErrorAs(t, err, &pubErr)
	assert.Equal(t, "RequestThrottled", pubErr.Code)
}

func TestPublishEmptyBatchIsNoop(t *testing.T) {
	f := &fakeSQS{}
	c := NewClient(f, "https://sqs.test/queue", 1)
	require.NoError(t, c.Publish(context.Background(), nil))
	assert.Nil(t, f.sendInput)
}

func TestReceiveMapsMessages(t *testing.T) {
	f := &fakeSQS{
		receiveOut: &sqs.ReceiveMessageOutput{
			Messages: []types.Message{
				{
					MessageId:     aws.String("id-1"),
					Body:          aws.String(`{"campaign_id":"cmp-1"}`),
					ReceiptHandle: aws.String("rh-1"),
					MessageAttributes: map[string]types.MessageAttributeValue{
						"type": {DataType: aws.String("String"), StringValue: aws.String(TypeAddress)},
					},
				},
			},
		},
	}
	c := NewClient(f, "https://sqs.test/queue", 1)

	msgs, err := c.Receive(context.Background(), 50)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "id-1", msgs[0].ID)
	assert.Equal(t, TypeAddress, msgs[0].Type)
	assert.Equal(t, "rh-1", msgs[0].ReceiptHandle)

	// Requested 50, transport caps at 10.
	assert.Equal(t, int32(MaxBatchEntries), f.receiveInput.MaxNumberOfMessages)
}

func TestCompleteAndAbandon(t *testing.T) {
	f := &fakeSQS{}
	c := NewClient(f, "https://sqs.test/queue", 1)

	msg := Message{ID: "id-1", ReceiptHandle: "rh-1"}
	require.NoError(t, c.Complete(context.Background(), msg))
	require.NoError(t, c.Abandon(context.Background(), msg))
	assert.Equal(t, []string{"rh-1"}, f.deleted)
	assert.Equal(t, []string{"rh-1"}, f.abandoned)
}

func TestHasMessages(t *testing.T) {
	f := &fakeSQS{depth: "0"}
	c := NewClient(f, "https://sqs.test/queue", 1)

	has, err := c.HasMessages(context.Background())
	require.NoError(t, err)
	assert.False(t, has)

	f.depth = "42"
	has, err = c.HasMessages(context.Background())
	require.NoError(t, err)
	assert.True(t, has)
}

type fakeAPIError struct{ code string }

func (e *fakeAPIError) Error() string                 { return e.code }
func (e *fakeAPIError) ErrorCode() string             { return e.code }
func (e *fakeAPIError) ErrorMessage() string          { return e.code }
func (e *fakeAPIError) ErrorFault() smithy.ErrorFault { return smithy.FaultUnknown }

func TestClassifyPublishError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want PublishClass
	}{
		{"nil", nil, PublishFatal},
		{"throttled entry", &PublishError{Code: "RequestThrottled"}, PublishRetryQuota},
		{"throttling api", &fakeAPIError{code: "ThrottlingException"}, PublishRetryQuota},
		{"over limit", &fakeAPIError{code: "OverLimit"}, PublishRetryQuota},
		{"service unavailable", &fakeAPIError{code: "ServiceUnavailable"}, PublishRetryBusy},
		{"internal error", &PublishError{Code: "InternalError"}, PublishRetryBusy},
		{"request timeout", &fakeAPIError{code: "RequestTimeout"}, PublishRetryBusy},
		{"network blip", fmt.Errorf("dial tcp: connection refused"), PublishRetryBusy},
		{"cancelled", context.Canceled, PublishFatal},
		{"wrapped cancelled", fmt.Errorf("publish: %w", context.Canceled), PublishFatal},
		{"definitive rejection", &fakeAPIError{code: "InvalidMessageContents"}, PublishFatal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyPublishError(tt.err))
		})
	}
}

func TestClassifyPublishErrorWrapped(t *testing.T) {
	err := fmt.Errorf("flush: %w", &PublishError{Code: "RequestThrottled", Message: "slow down"})
	assert.Equal(t, PublishRetryQuota, ClassifyPublishError(err))
	assert.True(t, errors.As(err, new(*PublishError)))
}
