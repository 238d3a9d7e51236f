// Package queue wraps the SQS campaign queue: durable publish with batch
// size limits, receive with redelivery semantics, a non-destructive depth
// probe, and acknowledge/abandon operations.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/aws/smithy-go"
)

const attrType = "type"

// API is the subset of the SQS client used here, extracted so tests can
// substitute a fake.
type API interface {
	SendMessageBatch(ctx context.Context, params *sqs.SendMessageBatchInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageBatchOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
	GetQueueAttributes(ctx context.Context, params *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error)
}

// Client is the campaign queue broker.
type Client struct {
	api         API
	queueURL    string
	fifo        bool
	waitSeconds int32
}

// NewClient creates a queue client. FIFO behavior (deterministic dedup at
// the broker boundary) is inferred from the queue URL suffix.
func NewClient(api API, queueURL string, waitSeconds int) *Client {
	if waitSeconds < 0 {
		waitSeconds = 0
	}
	if waitSeconds > 20 {
		waitSeconds = 20
	}
	return &Client{
		api:         api,
		queueURL:    queueURL,
		fifo:        strings.HasSuffix(queueURL, ".fifo"),
		waitSeconds: int32(waitSeconds),
	}
}

// PublishError carries the broker's per-entry failure code so callers can
// classify it for retry.
type PublishError struct {
	Code    string
	Message string
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("queue publish failed (%s): %s", e.Code, e.Message)
}

// Publish sends a batch of messages in one request. The batch must respect
// the transport limits; use BatchBuilder to assemble it. Any rejected entry
// surfaces as a PublishError carrying the broker's failure code.
func (c *Client) Publish(ctx context.Context, msgs []Outgoing) error {
	if len(msgs) == 0 {
		return nil
	}
	entries := make([]types.SendMessageBatchRequestEntry, len(msgs))
	for i, m := range msgs {
		entry := types.SendMessageBatchRequestEntry{
			Id:          aws.String(fmt.Sprintf("m%d", i)),
			MessageBody: aws.String(string(m.Body)),
			MessageAttributes: map[string]types.MessageAttributeValue{
				attrType: {DataType: aws.String("String"), StringValue: aws.String(m.Type)},
			},
		}
		if c.fifo {
			entry.MessageDeduplicationId = aws.String(m.DedupID)
			entry.MessageGroupId = aws.String(m.GroupID)
		}
		entries[i] = entry
	}

	out, err := c.api.SendMessageBatch(ctx, &sqs.SendMessageBatchInput{
		QueueUrl: aws.String(c.queueURL),
		Entries:  entries,
	})
	if err != nil {
		return err
	}
	if len(out.Failed) > 0 {
		f := out.Failed[0]
		return &PublishError{
			Code:    aws.ToString(f.Code),
			Message: fmt.Sprintf("%d/%d entries rejected: %s", len(out.Failed), len(msgs), aws.ToString(f.Message)),
		}
	}
	return nil
}

// Receive pulls up to max messages (capped at the transport limit of 10)
// using a short long-poll. Received messages stay invisible until Complete
// or Abandon, or until the queue's visibility timeout lapses.
func (c *Client) Receive(ctx context.Context, max int) ([]Message, error) {
	if max < 1 {
		max = 1
	}
	if max > MaxBatchEntries {
		max = MaxBatchEntries
	}
	out, err := c.api.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:              aws.String(c.queueURL),
		MaxNumberOfMessages:   int32(max),
		WaitTimeSeconds:       c.waitSeconds,
		MessageAttributeNames: []string{attrType},
	})
	if err != nil {
		return nil, err
	}

	msgs := make([]Message, 0, len(out.Messages))
	for _, m := range out.Messages {
		msg := Message{
			ID:            aws.ToString(m.MessageId),
			Body:          []byte(aws.ToString(m.Body)),
			ReceiptHandle: aws.ToString(m.ReceiptHandle),
		}
		if attr, ok := m.MessageAttributes[attrType]; ok {
			msg.Type = aws.ToString(attr.StringValue)
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// Complete acknowledges a message so it is never redelivered.
func (c *Client) Complete(ctx context.Context, msg Message) error {
	_, err := c.api.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.queueURL),
		ReceiptHandle: aws.String(msg.ReceiptHandle),
	})
	return err
}

// Abandon returns a message to the queue for immediate redelivery by
// zeroing its visibility timeout.
func (c *Client) Abandon(ctx context.Context, msg Message) error {
	_, err := c.api.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(c.queueURL),
		ReceiptHandle:     aws.String(msg.ReceiptHandle),
		VisibilityTimeout: 0,
	})
	return err
}

// HasMessages is a non-destructive probe for visible queue depth. The
// figure is approximate and eventually consistent, which is why the
// completion supervisor re-probes on a backoff schedule.
func (c *Client) HasMessages(ctx context.Context) (bool, error) {
	out, err := c.api.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl:       aws.String(c.queueURL),
		AttributeNames: []types.QueueAttributeName{types.QueueAttributeNameApproximateNumberOfMessages},
	})
	if err != nil {
		return false, err
	}
	return out.Attributes[string(types.QueueAttributeNameApproximateNumberOfMessages)] != "0", nil
}

// Ping verifies the queue is reachable; used by the startup preflight.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.HasMessages(ctx)
	return err
}

// PublishClass is the retry classification of a publish failure.
type PublishClass int

const (
	// PublishFatal means the batch should be abandoned (logged, not retried).
	PublishFatal PublishClass = iota
	// PublishRetryBusy means the broker is momentarily overloaded; retry
	// after the short backoff tier.
	PublishRetryBusy
	// PublishRetryQuota means a quota/throttle limit was hit; retry after
	// the long backoff tier.
	PublishRetryQuota
)

// ClassifyPublishError maps a publish failure onto a retry tier.
func ClassifyPublishError(err error) PublishClass {
	if err == nil {
		return PublishFatal
	}

	code := ""
	var pubErr *PublishError
	var apiErr smithy.APIError
	if errors.As(err, &pubErr) {
		code = pubErr.Code
	} else if errors.As(err, &apiErr) {
		code = apiErr.ErrorCode()
	}

	switch code {
	case "RequestThrottled", "ThrottlingException", "OverLimit", "KmsThrottled":
		return PublishRetryQuota
	case "ServiceUnavailable", "InternalError", "InternalFailure", "RequestTimeout":
		return PublishRetryBusy
	}

	// Network-level failures (connection reset, DNS blips) are worth the
	// short retry tier; only definitive API rejections are fatal.
	if apiErr == nil && pubErr == nil && !errors.Is(err, context.Canceled) {
		return PublishRetryBusy
	}
	return PublishFatal
}
