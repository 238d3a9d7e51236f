// Package campaign holds the per-run campaign model and the aggregation
// buffer that packs individually-queued recipients into send batches.
package campaign

import (
	"errors"
	"time"
)

// Recipient caps enforced by the send API: one request addresses at most 50
// recipients, and at least 1.
const (
	MinRecipientsPerSend = 1
	MaxRecipientsPerSend = 50
)

// DefaultIdleTimeout is the inactivity window after which a partially
// filled aggregation batch is flushed regardless of size.
const DefaultIdleTimeout = time.Minute

var (
	ErrMissingID     = errors.New("campaign: id is required")
	ErrMissingSender = errors.New("campaign: sender address is required")
)

// Campaign is one configured bulk-email send run. It is immutable after
// construction except through its owned aggregation buffer.
type Campaign struct {
	ID                   string
	Content              Content
	ReplyTo              EmailAddress
	SenderAddress        string
	MaxRecipientsPerSend int

	buffer *Buffer
}

// New validates and builds a Campaign. maxRecipients is clamped to
// [1,50]; the campaign's buffer capacity follows the clamped value.
func New(id string, content Content, replyTo EmailAddress, senderAddress string, maxRecipients int, idleTimeout time.Duration) (*Campaign, error) {
	if id == "" {
		return nil, ErrMissingID
	}
	if senderAddress == "" {
		return nil, ErrMissingSender
	}
	if maxRecipients < MinRecipientsPerSend {
		maxRecipients = MinRecipientsPerSend
	}
	if maxRecipients > MaxRecipientsPerSend {
		maxRecipients = MaxRecipientsPerSend
	}
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}

	return &Campaign{
		ID:                   id,
		Content:              content,
		ReplyTo:              replyTo,
		SenderAddress:        senderAddress,
		MaxRecipientsPerSend: maxRecipients,
		buffer:               NewBuffer(maxRecipients, idleTimeout),
	}, nil
}

// BatchingEnabled reports whether multiple recipients share one blind-copy
// send request. A cap of 1 means one request per recipient and effectively
// disables aggregation.
func (c *Campaign) BatchingEnabled() bool {
	return c.MaxRecipientsPerSend > 1
}

// Buffer returns the campaign's aggregation buffer.
func (c *Campaign) Buffer() *Buffer {
	return c.buffer
}

// Recipients wraps a batch of addresses in the destination shape for this
// campaign's sending mode.
func (c *Campaign) Recipients(addrs []EmailAddress) Recipients {
	if c.BatchingEnabled() {
		return Recipients{BCC: addrs}
	}
	return Recipients{To: addrs}
}
