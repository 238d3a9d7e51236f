// Package mailer delivers campaign batches through the managed email API
// and classifies outcomes for the dispatcher's retry logic.
package mailer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	sestypes "github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/ignite/campaign-mailer/internal/campaign"
)

// DefaultSendTimeout bounds one send attempt; expiry is treated as a
// transient failure.
const DefaultSendTimeout = 2 * time.Minute

// API is the subset of the send client used here, extracted for tests.
type API interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// Class is the outcome classification of one send attempt.
type Class int

const (
	// Success: the request was accepted; recipients can be marked Completed.
	Success Class = iota
	// Permanent: malformed or rejected outright; never retried.
	Permanent
	// Transient: worth retrying after a cooldown.
	Transient
	// Unclassified: unknown failure; handled conservatively (no retry, but
	// the source messages are left to the broker's redelivery policy).
	Unclassified
)

func (c Class) String() string {
	switch c {
	case Success:
		return "success"
	case Permanent:
		return "permanent"
	case Transient:
		return "transient"
	default:
		return "unclassified"
	}
}

// Outcome is the classified result of a send attempt.
type Outcome struct {
	Class        Class
	MessageID    string
	ErrorCode    string
	ErrorMessage string
}

// Client sends campaign email through SESv2.
type Client struct {
	api         API
	sendTimeout time.Duration
}

// NewClient creates a mailer. A non-positive timeout falls back to the
// default two minutes.
func NewClient(api API, sendTimeout time.Duration) *Client {
	if sendTimeout <= 0 {
		sendTimeout = DefaultSendTimeout
	}
	return &Client{api: api, sendTimeout: sendTimeout}
}

// Send issues one send request for the batch. The operation id rides along
// as a message tag so provider delivery events can be correlated back to
// status records.
func (c *Client) Send(ctx context.Context, cmp *campaign.Campaign, recipients campaign.Recipients, operationID string) Outcome {
	ctx, cancel := context.WithTimeout(ctx, c.sendTimeout)
	defer cancel()

	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(cmp.SenderAddress),
		Destination: &sestypes.Destination{
			ToAddresses:  formatAddresses(recipients.To),
			CcAddresses:  formatAddresses(recipients.CC),
			BccAddresses: formatAddresses(recipients.BCC),
		},
		Content: &sestypes.EmailContent{
			Simple: &sestypes.Message{
				Subject: &sestypes.Content{Data: aws.String(cmp.Content.Subject), Charset: aws.String("UTF-8")},
				Body:    &sestypes.Body{},
			},
		},
		EmailTags: []sestypes.MessageTag{
			{Name: aws.String("campaign_id"), Value: aws.String(cmp.ID)},
			{Name: aws.String("operation_id"), Value: aws.String(operationID)},
		},
	}
	if cmp.Content.HTML != "" {
		input.Content.Simple.Body.Html = &sestypes.Content{Data: aws.String(cmp.Content.HTML), Charset: aws.String("UTF-8")}
	}
	if cmp.Content.PlainText != "" {
		input.Content.Simple.Body.Text = &sestypes.Content{Data: aws.String(cmp.Content.PlainText), Charset: aws.String("UTF-8")}
	}
	if cmp.ReplyTo.Address != "" {
		input.ReplyToAddresses = []string{formatAddress(cmp.ReplyTo)}
	}

	result, err := c.api.SendEmail(ctx, input)
	if err != nil {
		return classify(err)
	}

	return Outcome{Class: Success, MessageID: aws.ToString(result.MessageId)}
}

// classify maps a send error onto the retry taxonomy.
func classify(err error) Outcome {
	out := Outcome{ErrorMessage: err.Error()}

	var badRequest *sestypes.BadRequestException
	var rejected *sestypes.MessageRejected
	var suspended *sestypes.AccountSuspendedException
	var mailFrom *sestypes.MailFromDomainNotVerifiedException
	var notFound *sestypes.NotFoundException
	switch {
	case errors.As(err, &badRequest),
		errors.As(err, &rejected),
		errors.As(err, &suspended),
		errors.As(err, &mailFrom),
		errors.As(err, &notFound):
		out.Class = Permanent
		out.ErrorCode = apiErrorCode(err)
		return out
	}

	var tooMany *sestypes.TooManyRequestsException
	var limit *sestypes.LimitExceededException
	var paused *sestypes.SendingPausedException
	switch {
	case errors.As(err, &tooMany),
		errors.As(err, &limit),
		errors.As(err, &paused):
		out.Class = Transient
		out.ErrorCode = apiErrorCode(err)
		return out
	}

	// Attempt timeout
	if errors.Is(err, context.DeadlineExceeded) {
		out.Class = Transient
		out.ErrorCode = "Timeout"
		return out
	}

	// Server-side faults are retriable
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) && respErr.HTTPStatusCode() >= 500 {
		out.Class = Transient
		out.ErrorCode = fmt.Sprintf("HTTP%d", respErr.HTTPStatusCode())
		return out
	}

	out.Class = Unclassified
	out.ErrorCode = apiErrorCode(err)
	return out
}

func apiErrorCode(err error) string {
	var apiErr interface{ ErrorCode() string }
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	return ""
}

func formatAddress(a campaign.EmailAddress) string {
	if a.DisplayName != "" {
		return fmt.Sprintf("%s <%s>", a.DisplayName, a.Address)
	}
	return a.Address
}

func formatAddresses(addrs []campaign.EmailAddress) []string {
	if len(addrs) == 0 {
		return nil
	}
	out := make([]string, len(addrs))
	for i, a := range addrs {
		out[i] = formatAddress(a)
	}
	return out
}
