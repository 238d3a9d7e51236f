// Package content loads campaign email content documents from blob
// storage, for start requests that reference stored content instead of
// inlining it.
package content

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/ignite/campaign-mailer/internal/campaign"
)

// API is the subset of the S3 client used here, extracted for tests.
type API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Document is the stored content blob for one campaign.
type Document struct {
	MessageSubject       string `json:"messageSubject"`
	MessageBodyHTML      string `json:"messageBodyHtml"`
	MessageBodyPlainText string `json:"messageBodyPlainText"`
	SenderEmailAddress   string `json:"senderEmailAddress"`
	ReplyToEmailAddress  string `json:"replyToEmailAddress"`
	ReplyToDisplayName   string `json:"replyToDisplayName"`
}

// Content converts the document to the campaign content model.
func (d *Document) Content() campaign.Content {
	return campaign.Content{
		Subject:   d.MessageSubject,
		HTML:      d.MessageBodyHTML,
		PlainText: d.MessageBodyPlainText,
	}
}

// ReplyTo returns the document's reply-to address.
func (d *Document) ReplyTo() campaign.EmailAddress {
	return campaign.EmailAddress{
		Address:     d.ReplyToEmailAddress,
		DisplayName: d.ReplyToDisplayName,
	}
}

// Loader reads campaign content documents from a bucket.
type Loader struct {
	api    API
	bucket string
}

// NewLoader creates a content loader over the given bucket.
func NewLoader(api API, bucket string) *Loader {
	return &Loader{api: api, bucket: bucket}
}

// Load fetches and parses campaigns/<id>.json.
func (l *Loader) Load(ctx context.Context, campaignID string) (*Document, error) {
	key := fmt.Sprintf("campaigns/%s.json", campaignID)
	out, err := l.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(l.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("getting content blob %s: %w", key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("reading content blob %s: %w", key, err)
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing content blob %s: %w", key, err)
	}
	return &doc, nil
}
