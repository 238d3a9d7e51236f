package queue

// Message type discriminators carried as a message attribute so consumers
// can route without unmarshaling the body.
const (
	TypeAddress = "Address"
	TypeRequest = "Request"
)

// Outgoing is a message to be published to the campaign queue.
type Outgoing struct {
	// Type is TypeAddress or TypeRequest.
	Type string
	// Body is the JSON-encoded envelope.
	Body []byte
	// DedupID is a deterministic identifier (recipient_campaign) used as the
	// FIFO deduplication id so re-publishing the same recipient is absorbed
	// at the broker boundary.
	DedupID string
	// GroupID is the campaign id, used as the FIFO message group.
	GroupID string
}

// Message is a received queue message awaiting Complete or Abandon.
type Message struct {
	ID            string
	Type          string
	Body          []byte
	ReceiptHandle string
}
